package wire

import (
	"fmt"
	"io"

	"github.com/fxamacker/cbor/v2"

	"github.com/meshdata/meshdata-go/pkg/version"
)

// encMode is the CBOR encoder mode for mesh frames.
// Configured for deterministic encoding with integer keys.
var encMode cbor.EncMode

// decMode is the CBOR decoder mode for mesh frames.
var decMode cbor.DecMode

func init() {
	var err error

	encOpts := cbor.EncOptions{
		Sort:          cbor.SortCanonical,
		IndefLength:   cbor.IndefLengthForbidden,
		NilContainers: cbor.NilContainerAsNull,
	}
	encMode, err = encOpts.EncMode()
	if err != nil {
		panic(fmt.Sprintf("failed to create CBOR encoder mode: %v", err))
	}

	// Unknown keys are ignored so newer peers can add fields.
	decOpts := cbor.DecOptions{
		DupMapKey:         cbor.DupMapKeyQuiet,
		IndefLength:       cbor.IndefLengthAllowed,
		ExtraReturnErrors: cbor.ExtraDecErrorNone,
	}
	decMode, err = decOpts.DecMode()
	if err != nil {
		panic(fmt.Sprintf("failed to create CBOR decoder mode: %v", err))
	}
}

// Marshal encodes a value to CBOR bytes.
func Marshal(v any) ([]byte, error) {
	return encMode.Marshal(v)
}

// Unmarshal decodes CBOR bytes into a value.
func Unmarshal(data []byte, v any) error {
	return decMode.Unmarshal(data, v)
}

// NewEncoder creates a new CBOR encoder that writes to w.
func NewEncoder(w io.Writer) *cbor.Encoder {
	return encMode.NewEncoder(w)
}

// NewDecoder creates a new CBOR decoder that reads from r.
func NewDecoder(r io.Reader) *cbor.Decoder {
	return decMode.NewDecoder(r)
}

// Frame is the envelope of every message on the medium.
//
// CBOR encoding:
//
//	{
//	  1: id,       // bytes(16), unique per transmission
//	  2: type,     // uint8 MessageType
//	  3: source,   // uint16 RLOC16
//	  4: dest,     // uint16 RLOC16, 0xffff for broadcast
//	  5: payload,  // embedded CBOR map
//	  6: version   // "major.minor", optional
//	}
type Frame struct {
	ID      []byte          `cbor:"1,keyasint"`
	Type    MessageType     `cbor:"2,keyasint"`
	Source  uint16          `cbor:"3,keyasint"`
	Dest    uint16          `cbor:"4,keyasint"`
	Payload cbor.RawMessage `cbor:"5,keyasint"`
	Version string          `cbor:"6,keyasint,omitempty"`
}

// IsBroadcast reports whether the frame is addressed to all neighbors.
func (f *Frame) IsBroadcast() bool {
	return f.Dest == BroadcastRLOC
}

// Validate checks the envelope.
func (f *Frame) Validate() error {
	if len(f.ID) == 0 {
		return fmt.Errorf("%w: missing frame id", ErrInvalidFrame)
	}
	if !f.Type.IsValid() {
		return fmt.Errorf("%w: %d", ErrUnknownMessage, f.Type)
	}
	if len(f.Payload) == 0 {
		return fmt.Errorf("%w: empty payload", ErrInvalidFrame)
	}
	return version.Check(f.Version)
}

// NewFrame wraps msg in a frame envelope.
func NewFrame(id []byte, source, dest uint16, msg Message) (*Frame, error) {
	payload, err := Marshal(msg)
	if err != nil {
		return nil, fmt.Errorf("failed to encode %s: %w", msg.Type(), err)
	}
	return &Frame{
		ID:      id,
		Type:    msg.Type(),
		Source:  source,
		Dest:    dest,
		Payload: payload,
		Version: version.Current,
	}, nil
}

// EncodeFrame encodes a frame to CBOR bytes.
func EncodeFrame(f *Frame) ([]byte, error) {
	if err := f.Validate(); err != nil {
		return nil, fmt.Errorf("invalid frame: %w", err)
	}
	return Marshal(f)
}

// DecodeFrame decodes CBOR bytes into a frame. The payload stays encoded
// until Message is called.
func DecodeFrame(data []byte) (*Frame, error) {
	var f Frame
	if err := Unmarshal(data, &f); err != nil {
		return nil, fmt.Errorf("failed to decode frame: %w", err)
	}
	if err := f.Validate(); err != nil {
		return nil, fmt.Errorf("invalid frame: %w", err)
	}
	return &f, nil
}

// Message decodes the payload according to the frame type.
func (f *Frame) Message() (Message, error) {
	var msg Message
	var err error
	switch f.Type {
	case MsgAnnouncement:
		msg, err = decodeAs[Announcement](f.Payload)
	case MsgDataRequest:
		msg, err = decodeAs[DataRequest](f.Payload)
	case MsgDataResponse:
		msg, err = decodeAs[DataResponse](f.Payload)
	case MsgDataPoll:
		msg, err = decodeAs[DataPoll](f.Payload)
	case MsgPollAck:
		msg, err = decodeAs[PollAck](f.Payload)
	case MsgServerData:
		msg, err = decodeAs[ServerData](f.Payload)
	case MsgServerDataAck:
		msg, err = decodeAs[ServerDataAck](f.Payload)
	case MsgParentRequest:
		msg, err = decodeAs[ParentRequest](f.Payload)
	case MsgChildIDResponse:
		msg, err = decodeAs[ChildIDResponse](f.Payload)
	case MsgEchoRequest:
		msg, err = decodeAs[EchoRequest](f.Payload)
	case MsgEchoReply:
		msg, err = decodeAs[EchoReply](f.Payload)
	default:
		return nil, fmt.Errorf("%w: %d", ErrUnknownMessage, f.Type)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to decode %s: %w", f.Type, err)
	}
	return msg, nil
}

func decodeAs[T Message](data []byte) (Message, error) {
	var v T
	if err := Unmarshal(data, &v); err != nil {
		return nil, err
	}
	return v, nil
}
