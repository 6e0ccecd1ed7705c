package wire

import (
	"errors"
	"net/netip"
	"reflect"
	"testing"

	"github.com/meshdata/meshdata-go/pkg/netdata"
	"github.com/meshdata/meshdata-go/pkg/version"
)

var testID = []byte{0x01, 0x02, 0x03, 0x04, 0x05, 0x06, 0x07, 0x08, 0x09, 0x0a, 0x0b, 0x0c, 0x0d, 0x0e, 0x0f, 0x10}

func testEntries(t *testing.T) []Entry {
	t.Helper()
	paros, _ := netdata.ParseFlags("paros")
	paro, _ := netdata.ParseFlags("paro")
	d := netdata.NewDataSet(
		netdata.PrefixEntry{Prefix: netip.MustParsePrefix("2001:2:0:1::/64"), Flags: paros, Owner: 0x0400},
		netdata.PrefixEntry{Prefix: netip.MustParsePrefix("2001:2:0:2::/64"), Flags: paro, Owner: 0x0400},
	)
	return EntriesFrom(d)
}

func TestFrameRoundTrip(t *testing.T) {
	tests := []struct {
		name string
		msg  Message
	}{
		{
			name: "announcement",
			msg:  Announcement{Leader: LeaderData{LeaderID: 7, Version: netdata.Version{Full: 3, Stable: 2}}},
		},
		{
			name: "data request stable",
			msg:  DataRequest{Mode: netdata.SyncStableOnly},
		},
		{
			name: "data response",
			msg: DataResponse{
				Leader:  LeaderData{LeaderID: 7, Version: netdata.Version{Full: 3, Stable: 2}},
				Mode:    netdata.SyncFull,
				Entries: testEntries(t),
			},
		},
		{
			name: "data poll",
			msg:  DataPoll{Mode: netdata.SyncStableOnly, Version: netdata.Version{Full: 1, Stable: 1}},
		},
		{
			name: "server data",
			msg:  ServerData{Owner: 0x0400, Entries: testEntries(t)},
		},
		{
			name: "server data ack",
			msg:  ServerDataAck{Owner: 0x0400, Status: StatusCapacityExceeded, Version: netdata.Version{Full: 4, Stable: 4}},
		},
		{
			name: "echo request",
			msg:  EchoRequest{Seq: 9, Origin: 0x0000, Target: AddrBytes(netip.MustParseAddr("2001:2:0:1::1"))},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			f, err := NewFrame(testID, 0x0400, BroadcastRLOC, tt.msg)
			if err != nil {
				t.Fatalf("NewFrame failed: %v", err)
			}
			data, err := EncodeFrame(f)
			if err != nil {
				t.Fatalf("EncodeFrame failed: %v", err)
			}

			decoded, err := DecodeFrame(data)
			if err != nil {
				t.Fatalf("DecodeFrame failed: %v", err)
			}
			if decoded.Type != tt.msg.Type() {
				t.Errorf("Type: got %v, want %v", decoded.Type, tt.msg.Type())
			}
			if decoded.Version != version.Current {
				t.Errorf("Version: got %q, want %q", decoded.Version, version.Current)
			}
			if decoded.Source != 0x0400 || !decoded.IsBroadcast() {
				t.Errorf("addressing: got %04x -> %04x", decoded.Source, decoded.Dest)
			}

			msg, err := decoded.Message()
			if err != nil {
				t.Fatalf("Message failed: %v", err)
			}
			if !reflect.DeepEqual(msg, tt.msg) {
				t.Errorf("payload mismatch:\n got %+v\nwant %+v", msg, tt.msg)
			}
		})
	}
}

func TestEncodingDeterministic(t *testing.T) {
	msg := DataResponse{Mode: netdata.SyncFull, Entries: testEntries(t)}
	a, err := NewFrame(testID, 1, 2, msg)
	if err != nil {
		t.Fatal(err)
	}
	b, _ := NewFrame(testID, 1, 2, msg)
	ea, _ := EncodeFrame(a)
	eb, _ := EncodeFrame(b)
	if string(ea) != string(eb) {
		t.Error("identical frames encoded differently")
	}
}

func TestDecodeFrameInvalid(t *testing.T) {
	if _, err := DecodeFrame([]byte{0xff, 0x00}); err == nil {
		t.Error("expected error for garbage input")
	}

	f := &Frame{ID: testID, Type: MessageType(99), Payload: []byte{0xa0}}
	data, err := Marshal(f)
	if err != nil {
		t.Fatal(err)
	}
	if _, err := DecodeFrame(data); !errors.Is(err, ErrUnknownMessage) {
		t.Errorf("expected ErrUnknownMessage, got %v", err)
	}

	f = &Frame{ID: testID, Type: MsgPollAck, Payload: []byte{0xa0}, Version: "2.0"}
	data, err = Marshal(f)
	if err != nil {
		t.Fatal(err)
	}
	if _, err := DecodeFrame(data); !errors.Is(err, version.ErrIncompatible) {
		t.Errorf("expected ErrIncompatible, got %v", err)
	}

	f = &Frame{Type: MsgPollAck, Payload: []byte{0xa0}}
	if _, err := EncodeFrame(f); !errors.Is(err, ErrInvalidFrame) {
		t.Errorf("expected ErrInvalidFrame for missing id, got %v", err)
	}
}

func TestEntryConversion(t *testing.T) {
	entries := testEntries(t)
	d, err := DataSetFrom(entries)
	if err != nil {
		t.Fatalf("DataSetFrom failed: %v", err)
	}
	if d.Len() != 2 {
		t.Fatalf("Len: got %d, want 2", d.Len())
	}
	if !d.ContainsPrefix(netip.MustParsePrefix("2001:2:0:2::/64")) {
		t.Error("missing 2001:2:0:2::/64")
	}
	if got := EntriesFrom(d); !reflect.DeepEqual(got, entries) {
		t.Errorf("EntriesFrom(DataSetFrom(x)) != x")
	}
}

func TestEntryInvalid(t *testing.T) {
	tests := []struct {
		name  string
		entry Entry
	}{
		{"short prefix", Entry{Prefix: []byte{0x20, 0x01}, Bits: 16}},
		{"too many bits", Entry{Prefix: make([]byte, 16), Bits: 129}},
		{"host bits set", Entry{Prefix: AddrBytes(netip.MustParseAddr("2001:2:0:1::5")), Bits: 64}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if _, err := tt.entry.PrefixEntry(); !errors.Is(err, ErrInvalidEntry) {
				t.Errorf("expected ErrInvalidEntry, got %v", err)
			}
		})
	}
}

func TestMessageTypeString(t *testing.T) {
	if MsgDataPoll.String() != "DATA_POLL" {
		t.Errorf("got %s", MsgDataPoll)
	}
	if MessageType(0).IsValid() || MessageType(42).String() != "UNKNOWN" {
		t.Error("out of range types must be invalid")
	}
	if StatusCapacityExceeded.String() != "CAPACITY_EXCEEDED" || StatusCapacityExceeded.IsSuccess() {
		t.Error("unexpected status rendering")
	}
}

func TestDeviceMode(t *testing.T) {
	tests := []struct {
		mode   DeviceMode
		str    string
		sleepy bool
		sync   netdata.SyncMode
	}{
		{0, "-", true, netdata.SyncStableOnly},
		{ModeSecureDataRequests, "s", true, netdata.SyncStableOnly},
		{ModeSecureDataRequests | ModeFullNetworkData, "sn", true, netdata.SyncFull},
		{ModeRxOnWhenIdle | ModeSecureDataRequests | ModeFullNetworkData, "rsn", false, netdata.SyncFull},
		{ModeRxOnWhenIdle | ModeSecureDataRequests | ModeFullDevice | ModeFullNetworkData, "rsdn", false, netdata.SyncFull},
	}
	for _, tt := range tests {
		t.Run(tt.str, func(t *testing.T) {
			if got := tt.mode.String(); got != tt.str {
				t.Errorf("String() = %q, want %q", got, tt.str)
			}
			if got := tt.mode.Sleepy(); got != tt.sleepy {
				t.Errorf("Sleepy() = %v, want %v", got, tt.sleepy)
			}
			if got := tt.mode.SyncMode(); got != tt.sync {
				t.Errorf("SyncMode() = %v, want %v", got, tt.sync)
			}
		})
	}
}
