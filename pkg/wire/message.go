package wire

import (
	"errors"
	"fmt"
	"net/netip"

	"github.com/meshdata/meshdata-go/pkg/netdata"
)

// Wire format errors.
var (
	ErrUnknownMessage = errors.New("unknown message type")
	ErrInvalidEntry   = errors.New("invalid network data entry")
	ErrInvalidFrame   = errors.New("invalid frame")
)

// Special RLOC16 values.
const (
	// BroadcastRLOC addresses every neighbor.
	BroadcastRLOC uint16 = 0xffff

	// InvalidRLOC marks an unassigned RLOC16.
	InvalidRLOC uint16 = 0xfffe
)

// MessageType identifies the payload carried in a Frame.
type MessageType uint8

const (
	MsgAnnouncement MessageType = iota + 1
	MsgDataRequest
	MsgDataResponse
	MsgDataPoll
	MsgPollAck
	MsgServerData
	MsgServerDataAck
	MsgParentRequest
	MsgChildIDResponse
	MsgEchoRequest
	MsgEchoReply
)

// String returns the message type name.
func (t MessageType) String() string {
	switch t {
	case MsgAnnouncement:
		return "ANNOUNCEMENT"
	case MsgDataRequest:
		return "DATA_REQUEST"
	case MsgDataResponse:
		return "DATA_RESPONSE"
	case MsgDataPoll:
		return "DATA_POLL"
	case MsgPollAck:
		return "POLL_ACK"
	case MsgServerData:
		return "SERVER_DATA"
	case MsgServerDataAck:
		return "SERVER_DATA_ACK"
	case MsgParentRequest:
		return "PARENT_REQUEST"
	case MsgChildIDResponse:
		return "CHILD_ID_RESPONSE"
	case MsgEchoRequest:
		return "ECHO_REQUEST"
	case MsgEchoReply:
		return "ECHO_REPLY"
	default:
		return "UNKNOWN"
	}
}

// IsValid reports whether t is a known message type.
func (t MessageType) IsValid() bool {
	return t >= MsgAnnouncement && t <= MsgEchoReply
}

// Message is implemented by every payload type.
type Message interface {
	Type() MessageType
}

// LeaderData identifies the Leader and the data version a sender holds.
//
// CBOR encoding:
//
//	{
//	  1: leaderId,   // uint32
//	  2: version     // {1: full, 2: stable}
//	}
type LeaderData struct {
	LeaderID uint32          `cbor:"1,keyasint"`
	Version  netdata.Version `cbor:"2,keyasint"`
}

// Entry is the wire form of a netdata.PrefixEntry.
//
// CBOR encoding:
//
//	{
//	  1: prefix,   // bytes(16), masked
//	  2: bits,     // uint8, 0..128
//	  3: flags,    // uint8 flag bitset
//	  4: owner     // uint16 RLOC16
//	}
type Entry struct {
	Prefix []byte `cbor:"1,keyasint"`
	Bits   uint8  `cbor:"2,keyasint"`
	Flags  uint8  `cbor:"3,keyasint"`
	Owner  uint16 `cbor:"4,keyasint"`
}

// Announcement advertises the sender's leader data. It carries no entries.
type Announcement struct {
	Leader LeaderData `cbor:"1,keyasint"`
}

// DataRequest asks a neighbor for its Network Data in the given mode.
type DataRequest struct {
	Mode netdata.SyncMode `cbor:"1,keyasint"`
}

// DataResponse transfers Network Data filtered for the requester's mode.
type DataResponse struct {
	Leader  LeaderData       `cbor:"1,keyasint"`
	Mode    netdata.SyncMode `cbor:"2,keyasint"`
	Entries []Entry          `cbor:"3,keyasint"`
}

// DataPoll is sent by a sleepy child on every wake. LeaderID and Version
// describe the child's mirror; the parent answers with data only if the
// child is behind or holds data from another Leader.
type DataPoll struct {
	Mode     netdata.SyncMode `cbor:"1,keyasint"`
	Version  netdata.Version  `cbor:"2,keyasint"`
	LeaderID uint32           `cbor:"3,keyasint,omitempty"`
}

// PollAck answers a DataPoll from a child that is already up to date.
type PollAck struct {
	// Pending counts indirect frames delivered after this ack.
	Pending uint8 `cbor:"1,keyasint,omitempty"`
}

// ServerData is a border router's complete local registration. It is
// forwarded hop by hop towards the Leader.
type ServerData struct {
	Owner   uint16  `cbor:"1,keyasint"`
	Entries []Entry `cbor:"2,keyasint"`
}

// ServerDataAck reports the outcome of a registration to its owner.
type ServerDataAck struct {
	Owner   uint16          `cbor:"1,keyasint"`
	Status  Status          `cbor:"2,keyasint"`
	Version netdata.Version `cbor:"3,keyasint"`
}

// DeviceMode is the device mode bitset carried in ParentRequest.
type DeviceMode uint8

// Device mode bits.
const (
	// ModeRxOnWhenIdle keeps the receiver on; devices without it are sleepy.
	ModeRxOnWhenIdle DeviceMode = 1 << iota
	// ModeSecureDataRequests is accepted and ignored.
	ModeSecureDataRequests
	// ModeFullDevice marks a full thread device.
	ModeFullDevice
	// ModeFullNetworkData requests the complete Network Data.
	ModeFullNetworkData
)

// Sleepy reports whether the receiver is off when idle.
func (m DeviceMode) Sleepy() bool {
	return m&ModeRxOnWhenIdle == 0
}

// SyncMode returns the replication tier for the mode.
func (m DeviceMode) SyncMode() netdata.SyncMode {
	if m&ModeFullNetworkData != 0 {
		return netdata.SyncFull
	}
	return netdata.SyncStableOnly
}

// String renders the mode letters in "rsdn" order, or "-" for none.
func (m DeviceMode) String() string {
	var b []byte
	for i, c := range []byte("rsdn") {
		if m&(1<<i) != 0 {
			b = append(b, c)
		}
	}
	if len(b) == 0 {
		return "-"
	}
	return string(b)
}

// ParentRequest starts or renews an attachment.
type ParentRequest struct {
	// Mode is the device mode bitset.
	Mode DeviceMode `cbor:"1,keyasint"`

	// TimeoutSec is the child timeout in seconds.
	TimeoutSec uint32 `cbor:"2,keyasint"`

	// ExtAddr is the 64-bit extended address.
	ExtAddr []byte `cbor:"3,keyasint"`
}

// ChildIDResponse answers a ParentRequest.
type ChildIDResponse struct {
	Accepted  bool       `cbor:"1,keyasint"`
	ChildRLOC uint16     `cbor:"2,keyasint"`
	Leader    LeaderData `cbor:"3,keyasint"`
}

// EchoRequest probes reachability of Target. It is flooded along the tree.
type EchoRequest struct {
	Seq    uint16 `cbor:"1,keyasint"`
	Origin uint16 `cbor:"2,keyasint"`
	Target []byte `cbor:"3,keyasint"`
}

// EchoReply answers an EchoRequest from the device owning Target.
type EchoReply struct {
	Seq    uint16 `cbor:"1,keyasint"`
	Origin uint16 `cbor:"2,keyasint"`
	Target []byte `cbor:"3,keyasint"`
}

func (Announcement) Type() MessageType    { return MsgAnnouncement }
func (DataRequest) Type() MessageType     { return MsgDataRequest }
func (DataResponse) Type() MessageType    { return MsgDataResponse }
func (DataPoll) Type() MessageType        { return MsgDataPoll }
func (PollAck) Type() MessageType         { return MsgPollAck }
func (ServerData) Type() MessageType      { return MsgServerData }
func (ServerDataAck) Type() MessageType   { return MsgServerDataAck }
func (ParentRequest) Type() MessageType   { return MsgParentRequest }
func (ChildIDResponse) Type() MessageType { return MsgChildIDResponse }
func (EchoRequest) Type() MessageType     { return MsgEchoRequest }
func (EchoReply) Type() MessageType       { return MsgEchoReply }

// EntryFrom converts a prefix entry to its wire form.
func EntryFrom(e netdata.PrefixEntry) Entry {
	a := e.Prefix.Addr().As16()
	return Entry{
		Prefix: a[:],
		Bits:   uint8(e.Prefix.Bits()),
		Flags:  uint8(e.Flags),
		Owner:  e.Owner,
	}
}

// EntriesFrom converts a data set to wire entries in canonical order.
func EntriesFrom(d netdata.DataSet) []Entry {
	entries := d.Entries()
	out := make([]Entry, 0, len(entries))
	for _, e := range entries {
		out = append(out, EntryFrom(e))
	}
	return out
}

// PrefixEntry converts the wire entry back, validating the prefix.
func (e Entry) PrefixEntry() (netdata.PrefixEntry, error) {
	if len(e.Prefix) != 16 {
		return netdata.PrefixEntry{}, fmt.Errorf("%w: prefix length %d bytes", ErrInvalidEntry, len(e.Prefix))
	}
	if e.Bits > 128 {
		return netdata.PrefixEntry{}, fmt.Errorf("%w: %d prefix bits", ErrInvalidEntry, e.Bits)
	}
	addr := netip.AddrFrom16([16]byte(e.Prefix))
	p := netip.PrefixFrom(addr, int(e.Bits))
	if err := netdata.ValidatePrefix(p); err != nil {
		return netdata.PrefixEntry{}, fmt.Errorf("%w: %v", ErrInvalidEntry, err)
	}
	return netdata.PrefixEntry{Prefix: p, Flags: netdata.Flags(e.Flags), Owner: e.Owner}, nil
}

// DataSetFrom converts wire entries to a data set.
func DataSetFrom(entries []Entry) (netdata.DataSet, error) {
	out := make([]netdata.PrefixEntry, 0, len(entries))
	for _, we := range entries {
		e, err := we.PrefixEntry()
		if err != nil {
			return netdata.DataSet{}, err
		}
		out = append(out, e)
	}
	return netdata.NewDataSet(out...), nil
}

// AddrBytes returns the 16-byte form of a for Echo targets.
func AddrBytes(a netip.Addr) []byte {
	b := a.As16()
	return b[:]
}

// AddrFrom parses a 16-byte Echo target.
func AddrFrom(b []byte) (netip.Addr, bool) {
	if len(b) != 16 {
		return netip.Addr{}, false
	}
	return netip.AddrFrom16([16]byte(b)), true
}
