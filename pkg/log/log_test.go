package log

import (
	"bytes"
	"encoding/json"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/meshdata/meshdata-go/pkg/netdata"
	"github.com/meshdata/meshdata-go/pkg/wire"
)

var t0 = time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)

func writeEvents(t *testing.T, events []Event) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "test.mlog")
	fl, err := NewFileLogger(path)
	if err != nil {
		t.Fatalf("NewFileLogger failed: %v", err)
	}
	for _, e := range events {
		fl.Log(e)
	}
	if err := fl.Close(); err != nil {
		t.Fatalf("Close failed: %v", err)
	}
	return path
}

func TestEventRoundTrip(t *testing.T) {
	ann := wire.Announcement{Leader: wire.LeaderData{LeaderID: 3, Version: netdata.Version{Full: 5, Stable: 2}}}
	event := Event{
		Timestamp: t0.Add(1500 * time.Millisecond),
		RunID:     "run-1",
		Direction: DirectionOut,
		Layer:     LayerWire,
		Category:  CategoryMessage,
		Device:    "ROUTER",
		RLOC:      0x0400,
		Message:   NewMessageEvent(ann),
	}

	data, err := EncodeEvent(event)
	if err != nil {
		t.Fatalf("EncodeEvent failed: %v", err)
	}
	decoded, err := DecodeEvent(data)
	if err != nil {
		t.Fatalf("DecodeEvent failed: %v", err)
	}

	if !decoded.Timestamp.Equal(event.Timestamp) {
		t.Errorf("Timestamp: got %v, want %v", decoded.Timestamp, event.Timestamp)
	}
	if decoded.Device != "ROUTER" || decoded.RLOC != 0x0400 {
		t.Errorf("identity: got %s/%04x", decoded.Device, decoded.RLOC)
	}
	if decoded.Message == nil || decoded.Message.Type != wire.MsgAnnouncement {
		t.Fatalf("Message: got %+v", decoded.Message)
	}
	if decoded.Message.Version == nil || *decoded.Message.Version != ann.Leader.Version {
		t.Errorf("Version: got %v, want %v", decoded.Message.Version, ann.Leader.Version)
	}
	if decoded.Message.LeaderID == nil || *decoded.Message.LeaderID != 3 {
		t.Errorf("LeaderID: got %v", decoded.Message.LeaderID)
	}
}

func TestNewMessageEvent(t *testing.T) {
	resp := wire.DataResponse{Mode: netdata.SyncStableOnly, Entries: make([]wire.Entry, 2)}
	me := NewMessageEvent(resp)
	if me.Entries != 2 || me.Mode == nil || *me.Mode != netdata.SyncStableOnly {
		t.Errorf("unexpected summary %+v", me)
	}

	ack := NewMessageEvent(wire.ServerDataAck{Status: wire.StatusCapacityExceeded})
	if ack.Status == nil || *ack.Status != wire.StatusCapacityExceeded {
		t.Errorf("Status: got %v", ack.Status)
	}
}

func TestNewFrameEventTruncates(t *testing.T) {
	fe := NewFrameEvent([]byte{1}, make([]byte, MaxFrameData+10))
	if !fe.Truncated || len(fe.Data) != MaxFrameData || fe.Size != MaxFrameData+10 {
		t.Errorf("got size=%d len=%d truncated=%v", fe.Size, len(fe.Data), fe.Truncated)
	}
	small := NewFrameEvent(nil, []byte{1, 2})
	if small.Truncated || len(small.Data) != 2 {
		t.Errorf("small frame altered: %+v", small)
	}
}

func TestFileLoggerAppendsAndCounts(t *testing.T) {
	path := writeEvents(t, []Event{{Timestamp: t0, Device: "A"}})

	fl, err := NewFileLogger(path)
	if err != nil {
		t.Fatal(err)
	}
	fl.Log(Event{Timestamp: t0, Device: "B"})
	if fl.Count() != 1 {
		t.Errorf("Count: got %d, want 1", fl.Count())
	}
	fl.Close()
	fl.Log(Event{Device: "ignored"})
	if err := fl.Close(); err != nil {
		t.Errorf("second Close: %v", err)
	}

	r, err := NewReader(path)
	if err != nil {
		t.Fatal(err)
	}
	defer r.Close()
	events, err := r.ReadAll()
	if err != nil {
		t.Fatal(err)
	}
	if len(events) != 2 || events[0].Device != "A" || events[1].Device != "B" {
		t.Errorf("got %+v", events)
	}
}

func TestFileLoggerConcurrent(t *testing.T) {
	path := filepath.Join(t.TempDir(), "test.mlog")
	fl, err := NewFileLogger(path)
	if err != nil {
		t.Fatal(err)
	}

	var wg sync.WaitGroup
	for i := range 10 {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for range 10 {
				fl.Log(Event{Timestamp: t0, RLOC: uint16(i)})
			}
		}()
	}
	wg.Wait()
	fl.Close()

	r, _ := NewReader(path)
	defer r.Close()
	events, err := r.ReadAll()
	if err != nil {
		t.Fatal(err)
	}
	if len(events) != 100 {
		t.Errorf("got %d events, want 100", len(events))
	}
}

func TestReaderFilter(t *testing.T) {
	poll := wire.MsgDataPoll
	events := []Event{
		{Timestamp: t0, Device: "SED1", Category: CategoryMessage, Message: &MessageEvent{Type: wire.MsgDataPoll}},
		{Timestamp: t0.Add(time.Second), Device: "SED1", Category: CategoryState, StateChange: &StateChangeEvent{Entity: StateEntityPoller, NewState: "ASLEEP"}},
		{Timestamp: t0.Add(2 * time.Second), Device: "ROUTER", Category: CategoryMessage, Message: &MessageEvent{Type: wire.MsgAnnouncement}},
		{Timestamp: t0.Add(3 * time.Second), Device: "SED1", Category: CategoryDrop, Drop: &DropEvent{Reason: DropLoss}},
	}
	path := writeEvents(t, events)

	cat := CategoryMessage
	start := t0.Add(500 * time.Millisecond)
	tests := []struct {
		name   string
		filter Filter
		want   int
	}{
		{"all", Filter{}, 4},
		{"device", Filter{Device: "SED1"}, 3},
		{"category", Filter{Category: &cat}, 2},
		{"message type", Filter{MessageType: &poll}, 1},
		{"time start", Filter{TimeStart: &start}, 3},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			r, err := NewFilteredReader(path, tt.filter)
			if err != nil {
				t.Fatal(err)
			}
			defer r.Close()
			got, err := r.ReadAll()
			if err != nil {
				t.Fatal(err)
			}
			if len(got) != tt.want {
				t.Errorf("got %d events, want %d", len(got), tt.want)
			}
		})
	}
}

func TestReaderEOF(t *testing.T) {
	path := filepath.Join(t.TempDir(), "empty.mlog")
	if err := os.WriteFile(path, nil, 0644); err != nil {
		t.Fatal(err)
	}
	r, err := NewReader(path)
	if err != nil {
		t.Fatal(err)
	}
	defer r.Close()
	if _, err := r.Next(); err != io.EOF {
		t.Errorf("expected io.EOF, got %v", err)
	}
}

func TestSlogAdapter(t *testing.T) {
	var buf bytes.Buffer
	logger := slog.New(slog.NewJSONHandler(&buf, &slog.HandlerOptions{Level: slog.LevelDebug}))
	a := NewSlogAdapter(logger)

	a.Log(Event{
		Device:      "SED1",
		Layer:       LayerSync,
		Category:    CategoryState,
		StateChange: &StateChangeEvent{Entity: StateEntityRole, OldState: "CHILD", NewState: "DETACHED", Reason: "data timeout"},
	})

	var entry map[string]any
	if err := json.Unmarshal(buf.Bytes(), &entry); err != nil {
		t.Fatalf("failed to parse log output: %v", err)
	}
	for k, want := range map[string]string{
		"device":    "SED1",
		"layer":     "SYNC",
		"entity":    "ROLE",
		"new_state": "DETACHED",
		"reason":    "data timeout",
		"level":     "DEBUG",
	} {
		if entry[k] != want {
			t.Errorf("%s: got %v, want %q", k, entry[k], want)
		}
	}

	buf.Reset()
	a.Log(Event{Category: CategoryError, Error: &ErrorEventData{Layer: LayerWire, Message: "bad frame"}})
	if err := json.Unmarshal(buf.Bytes(), &entry); err != nil {
		t.Fatal(err)
	}
	if entry["level"] != "WARN" {
		t.Errorf("error events log at WARN, got %v", entry["level"])
	}
}

func TestMultiLoggerAndRecorder(t *testing.T) {
	a, b := &Recorder{}, &Recorder{}
	m := NewMultiLogger(a, nil, b, NoopLogger{})
	if m.Len() != 3 {
		t.Errorf("Len: got %d, want 3", m.Len())
	}
	m.Log(Event{Device: "X", Category: CategoryDrop})
	m.Log(Event{Device: "Y"})

	if a.Len() != 2 || b.Len() != 2 {
		t.Errorf("recorders got %d and %d events", a.Len(), b.Len())
	}
	drop := CategoryDrop
	if got := a.Events(Filter{Category: &drop}); len(got) != 1 || got[0].Device != "X" {
		t.Errorf("filtered events: %+v", got)
	}

	if _, ok := OrNoop(nil).(NoopLogger); !ok {
		t.Error("OrNoop(nil) should return NoopLogger")
	}
}
