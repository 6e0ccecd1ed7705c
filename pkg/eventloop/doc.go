// Package eventloop provides the single-threaded scheduler every simulated
// device runs on.
//
// Devices are cooperative actors: timers and frame deliveries are callbacks
// queued on one Loop, so no device owns a goroutine and a sleepy device
// between wakes is just a pending timer.
//
// # Time
//
// The loop keeps virtual time. Tests advance it explicitly with RunFor,
// which makes scenarios deterministic and instant. Run drives the same
// queue in real time, paced by a clock.Clock, and external goroutines
// reach the loop through Post and Call.
package eventloop
