package log

import (
	"time"

	"github.com/meshdata/meshdata-go/pkg/netdata"
	"github.com/meshdata/meshdata-go/pkg/wire"
)

// Event represents a protocol log event captured on a device.
// CBOR encoding uses integer keys for compactness.
type Event struct {
	// Timestamp is the virtual time of the event.
	Timestamp time.Time `cbor:"1,keyasint"`

	// RunID identifies the simulation run (UUID).
	RunID string `cbor:"2,keyasint"`

	// Direction indicates frame flow relative to Device.
	Direction Direction `cbor:"3,keyasint"`

	// Layer where the event was captured.
	Layer Layer `cbor:"4,keyasint"`

	// Category classifies the event type.
	Category Category `cbor:"5,keyasint"`

	// Device is the name of the device that logged the event.
	Device string `cbor:"6,keyasint,omitempty"`

	// RLOC is the device's RLOC16.
	RLOC uint16 `cbor:"7,keyasint,omitempty"`

	// Peer is the neighbor RLOC16 for frame events.
	Peer uint16 `cbor:"8,keyasint,omitempty"`

	// Type-specific payload (one of these will be set).
	Frame       *FrameEvent       `cbor:"10,keyasint,omitempty"`
	Message     *MessageEvent     `cbor:"11,keyasint,omitempty"`
	StateChange *StateChangeEvent `cbor:"12,keyasint,omitempty"`
	Drop        *DropEvent        `cbor:"13,keyasint,omitempty"`
	Error       *ErrorEventData   `cbor:"14,keyasint,omitempty"`
}

// Direction indicates the direction of frame flow.
type Direction uint8

const (
	// DirectionIn indicates a received frame.
	DirectionIn Direction = 0
	// DirectionOut indicates a sent frame.
	DirectionOut Direction = 1
)

// String returns the direction name.
func (d Direction) String() string {
	switch d {
	case DirectionIn:
		return "IN"
	case DirectionOut:
		return "OUT"
	default:
		return "UNKNOWN"
	}
}

// Layer indicates which layer captured the event.
type Layer uint8

const (
	// LayerMedium is the simulated radio medium (raw frames).
	LayerMedium Layer = 0
	// LayerWire is the message encoding layer.
	LayerWire Layer = 1
	// LayerSync is the Network Data replication layer.
	LayerSync Layer = 2
)

// String returns the layer name.
func (l Layer) String() string {
	switch l {
	case LayerMedium:
		return "MEDIUM"
	case LayerWire:
		return "WIRE"
	case LayerSync:
		return "SYNC"
	default:
		return "UNKNOWN"
	}
}

// Category classifies the event type.
type Category uint8

const (
	// CategoryMessage indicates a protocol message.
	CategoryMessage Category = 0
	// CategoryDrop indicates a frame the medium or receiver discarded.
	CategoryDrop Category = 1
	// CategoryState indicates a state change.
	CategoryState Category = 2
	// CategoryError indicates an error event.
	CategoryError Category = 3
)

// String returns the category name.
func (c Category) String() string {
	switch c {
	case CategoryMessage:
		return "MESSAGE"
	case CategoryDrop:
		return "DROP"
	case CategoryState:
		return "STATE"
	case CategoryError:
		return "ERROR"
	default:
		return "UNKNOWN"
	}
}

// FrameEvent captures raw frame data on the medium.
type FrameEvent struct {
	// ID is the frame ID.
	ID []byte `cbor:"1,keyasint"`

	// Size is the encoded frame size in bytes.
	Size int `cbor:"2,keyasint"`

	// Data is the raw frame (may be truncated for large frames).
	Data []byte `cbor:"3,keyasint,omitempty"`

	// Truncated indicates if Data was truncated.
	Truncated bool `cbor:"4,keyasint,omitempty"`
}

// MaxFrameData is the number of frame bytes kept in a FrameEvent.
const MaxFrameData = 256

// NewFrameEvent captures a frame, truncating the payload copy.
func NewFrameEvent(id []byte, data []byte) *FrameEvent {
	fe := &FrameEvent{ID: id, Size: len(data)}
	if len(data) > MaxFrameData {
		fe.Data = append([]byte(nil), data[:MaxFrameData]...)
		fe.Truncated = true
	} else {
		fe.Data = append([]byte(nil), data...)
	}
	return fe
}

// MessageEvent captures a decoded mesh message.
type MessageEvent struct {
	// Type is the wire message type.
	Type wire.MessageType `cbor:"1,keyasint"`

	// LeaderID is the Leader identity carried by the message, if any.
	LeaderID *uint32 `cbor:"2,keyasint,omitempty"`

	// Version is the version pair carried by the message, if any.
	Version *netdata.Version `cbor:"3,keyasint,omitempty"`

	// Mode is the sync mode of a request, poll or response.
	Mode *netdata.SyncMode `cbor:"4,keyasint,omitempty"`

	// Entries is the number of prefix entries carried.
	Entries int `cbor:"5,keyasint,omitempty"`

	// Status is the registration status of a ServerDataAck.
	Status *wire.Status `cbor:"6,keyasint,omitempty"`
}

// NewMessageEvent summarizes msg for logging.
func NewMessageEvent(msg wire.Message) *MessageEvent {
	me := &MessageEvent{Type: msg.Type()}
	leader := func(ld wire.LeaderData) {
		id, v := ld.LeaderID, ld.Version
		me.LeaderID = &id
		me.Version = &v
	}
	switch m := msg.(type) {
	case wire.Announcement:
		leader(m.Leader)
	case wire.DataRequest:
		me.Mode = &m.Mode
	case wire.DataResponse:
		leader(m.Leader)
		me.Mode = &m.Mode
		me.Entries = len(m.Entries)
	case wire.DataPoll:
		me.Mode = &m.Mode
		me.Version = &m.Version
	case wire.ServerData:
		me.Entries = len(m.Entries)
	case wire.ServerDataAck:
		me.Status = &m.Status
		me.Version = &m.Version
	case wire.ChildIDResponse:
		leader(m.Leader)
	}
	return me
}

// StateChangeEvent captures device lifecycle and sync state changes.
type StateChangeEvent struct {
	// Entity being changed.
	Entity StateEntity `cbor:"1,keyasint"`

	// OldState is the previous state (may be empty).
	OldState string `cbor:"2,keyasint,omitempty"`

	// NewState is the new state.
	NewState string `cbor:"3,keyasint"`

	// Reason for the change (if available).
	Reason string `cbor:"4,keyasint,omitempty"`
}

// StateEntity indicates what entity changed state.
type StateEntity uint8

const (
	// StateEntityRole indicates a device role change.
	StateEntityRole StateEntity = 0
	// StateEntitySync indicates a SyncClient state change.
	StateEntitySync StateEntity = 1
	// StateEntityPoller indicates a SleepyPoller state change.
	StateEntityPoller StateEntity = 2
	// StateEntityMirror indicates a mirror update.
	StateEntityMirror StateEntity = 3
	// StateEntityChild indicates a child table change on a parent.
	StateEntityChild StateEntity = 4
)

// String returns the state entity name.
func (s StateEntity) String() string {
	switch s {
	case StateEntityRole:
		return "ROLE"
	case StateEntitySync:
		return "SYNC"
	case StateEntityPoller:
		return "POLLER"
	case StateEntityMirror:
		return "MIRROR"
	case StateEntityChild:
		return "CHILD"
	default:
		return "UNKNOWN"
	}
}

// DropEvent records why a frame was not delivered.
type DropEvent struct {
	// Reason for the drop.
	Reason DropReason `cbor:"1,keyasint"`

	// ID is the frame ID.
	ID []byte `cbor:"2,keyasint,omitempty"`
}

// DropReason indicates why a frame was dropped.
type DropReason uint8

const (
	// DropLoss indicates random loss on the link.
	DropLoss DropReason = 0
	// DropDuplicate indicates a frame ID already seen by the receiver.
	DropDuplicate DropReason = 1
	// DropNoLink indicates no link exists between the endpoints.
	DropNoLink DropReason = 2
	// DropDecode indicates the frame could not be decoded.
	DropDecode DropReason = 3
	// DropDetached indicates the receiver is not running.
	DropDetached DropReason = 4
)

// String returns the drop reason name.
func (r DropReason) String() string {
	switch r {
	case DropLoss:
		return "LOSS"
	case DropDuplicate:
		return "DUPLICATE"
	case DropNoLink:
		return "NO_LINK"
	case DropDecode:
		return "DECODE"
	case DropDetached:
		return "DETACHED"
	default:
		return "UNKNOWN"
	}
}

// ErrorEventData captures errors at any layer.
type ErrorEventData struct {
	// Layer where the error occurred.
	Layer Layer `cbor:"1,keyasint"`

	// Message is the error message.
	Message string `cbor:"2,keyasint"`

	// Context describes what operation was being performed.
	Context string `cbor:"3,keyasint,omitempty"`
}
