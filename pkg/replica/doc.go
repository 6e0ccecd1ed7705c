// Package replica keeps local copies of the Network Data on non-Leader
// devices.
//
// # Mirrors
//
// A Mirror holds one snapshot (leader, version, data) and is replaced
// whole. A StableOnly mirror never contains a non-Stable entry: transfers
// are filtered on apply, whatever the sender put in them. Once a mirror
// has taken data from a new Leader it refuses transfers from the old one.
//
// # Clients
//
// Routers and rx-on children run a SyncClient: announcements tell them a
// newer version exists and they pull it. Sleepy children run a
// SleepyPoller: they wake on a timer, report their version and receive
// data only when behind.
//
// Both treat lost frames as normal. The next announcement or wake repeats
// the exchange, and versions that are not ahead of the mirror are ignored.
package replica
