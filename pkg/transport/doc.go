// Package transport provides the simulated radio medium between mesh devices.
//
// A Medium connects Endpoints that are linked pairwise. Every message is
// wrapped in a wire.Frame, CBOR encoded and delivered on the event loop
// after a per-hop delay:
//
//	Endpoint.Send ──► encode ──► per-link loss / duplicate ──► delay+jitter
//	                                                              │
//	Handler ◄── decode ◄── duplicate-ID filter (LRU) ◄────────────┘
//
// # Link Model
//
// Each link has a base delay plus uniform jitter, so frames sent in a burst
// may be reordered. Loss and duplication are drawn per delivery from the
// loop's seeded random source, which makes a run reproducible from its seed.
//
// # Sleepy Endpoints
//
// An endpoint whose radio is down (Endpoint.SetUp(false)) drops every
// delivery. Parents hold frames for sleepy children in an indirect queue
// (see package propagation) instead of sending them.
//
// # Protocol Log
//
// Frames in both directions and every drop, with its reason, are reported
// to the configured log.Logger at the MEDIUM layer.
package transport
