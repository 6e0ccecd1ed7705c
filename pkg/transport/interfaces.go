package transport

import "github.com/meshdata/meshdata-go/pkg/wire"

// Sender sends mesh messages to neighbors.
// Implemented by Endpoint.
type Sender interface {
	// Send transmits msg to dest, or to every neighbor if dest is
	// wire.BroadcastRLOC. Delivery is best effort.
	Send(dest uint16, msg wire.Message) error
}

// Handler receives decoded frames. It runs on the event loop.
type Handler func(f *wire.Frame, msg wire.Message)

// Compile-time interface satisfaction check.
var _ Sender = (*Endpoint)(nil)
