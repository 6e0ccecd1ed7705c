package mesh

import (
	"context"
	"errors"
	"time"

	"github.com/benbjohnson/clock"
)

// DefaultTick is the real-time step of a Runner with a speed other than 1.
const DefaultTick = 10 * time.Millisecond

// Runner drives a Network in real time.
//
// Run owns the event loop for its lifetime; other goroutines reach the
// devices through Call, which serializes them with loop callbacks.
type Runner struct {
	net   *Network
	clock clock.Clock
	speed float64
	tick  time.Duration
}

// RunnerConfig configures a Runner.
type RunnerConfig struct {
	// Speed scales virtual time against real time. Zero means 1.
	Speed float64

	// Tick is the real-time step used when Speed is not 1.
	Tick time.Duration

	// Clock paces stepped runs. Defaults to the wall clock.
	Clock clock.Clock
}

// NewRunner creates a runner for net.
func NewRunner(net *Network, cfg RunnerConfig) (*Runner, error) {
	if cfg.Speed < 0 {
		return nil, errors.New("speed must not be negative")
	}
	if cfg.Speed == 0 {
		cfg.Speed = 1
	}
	if cfg.Tick <= 0 {
		cfg.Tick = DefaultTick
	}
	if cfg.Clock == nil {
		cfg.Clock = clock.New()
	}
	return &Runner{net: net, clock: cfg.Clock, speed: cfg.Speed, tick: cfg.Tick}, nil
}

// Run drives the loop until ctx is done, then stops every device on the
// same goroutine so no timer is left behind.
func (r *Runner) Run(ctx context.Context) error {
	defer r.net.Stop()
	if r.speed == 1 {
		return r.net.loop.Run(ctx)
	}
	// Stepped: each real tick advances virtual time by tick*speed.
	step := time.Duration(float64(r.tick) * r.speed)
	t := r.clock.Ticker(r.tick)
	defer t.Stop()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-t.C:
			r.net.loop.RunFor(step)
		}
	}
}

// Call runs fn on the loop and waits for it.
func (r *Runner) Call(ctx context.Context, fn func(*Network)) error {
	return r.net.loop.Call(ctx, func() { fn(r.net) })
}
