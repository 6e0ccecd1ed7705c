package commands

import (
	"bytes"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/meshdata/meshdata-go/pkg/log"
	"github.com/meshdata/meshdata-go/pkg/netdata"
	"github.com/meshdata/meshdata-go/pkg/wire"
)

var baseTime = time.Date(2024, 1, 1, 0, 0, 1, 500000000, time.UTC)

// sampleEvents is a short exchange between ROUTER and SED1.
func sampleEvents() []log.Event {
	v := netdata.Version{Full: 2, Stable: 1}
	mode := netdata.SyncStableOnly
	return []log.Event{
		{
			Timestamp: baseTime,
			RunID:     "run-a",
			Direction: log.DirectionOut,
			Layer:     log.LayerWire,
			Category:  log.CategoryMessage,
			Device:    "SED1",
			RLOC:      0x0802,
			Peer:      0x0800,
			Message:   &log.MessageEvent{Type: wire.MsgDataPoll, Mode: &mode, Version: &v},
		},
		{
			Timestamp: baseTime.Add(5 * time.Millisecond),
			RunID:     "run-a",
			Direction: log.DirectionIn,
			Layer:     log.LayerMedium,
			Category:  log.CategoryDrop,
			Device:    "ROUTER",
			RLOC:      0x0800,
			Peer:      0x0802,
			Drop:      &log.DropEvent{Reason: log.DropLoss, ID: []byte{0xab, 0xcd}},
		},
		{
			Timestamp: baseTime.Add(time.Second),
			RunID:     "run-a",
			Layer:     log.LayerSync,
			Category:  log.CategoryState,
			Device:    "SED1",
			RLOC:      0x0802,
			StateChange: &log.StateChangeEvent{
				Entity:   log.StateEntityRole,
				OldState: "child",
				NewState: "detached",
				Reason:   "data timeout",
			},
		},
		{
			Timestamp: baseTime.Add(2 * time.Second),
			RunID:     "run-a",
			Layer:     log.LayerSync,
			Category:  log.CategoryState,
			Device:    "SED1",
			RLOC:      0x0802,
			StateChange: &log.StateChangeEvent{
				Entity:   log.StateEntityMirror,
				OldState: "0/0",
				NewState: "2/1",
			},
		},
	}
}

func writeLog(t *testing.T, events []log.Event) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "test.mlog")
	logger, err := log.NewFileLogger(path)
	if err != nil {
		t.Fatalf("NewFileLogger() error = %v", err)
	}
	for _, e := range events {
		logger.Log(e)
	}
	if err := logger.Close(); err != nil {
		t.Fatalf("Close() error = %v", err)
	}
	return path
}

func TestFormatMessageEvent(t *testing.T) {
	var buf bytes.Buffer
	formatEvent(&buf, sampleEvents()[0])
	output := buf.String()

	for _, want := range []string{
		"00:00:01.500000",
		"SED1(0x0802)",
		"OUT",
		"WIRE",
		"DATA_POLL",
		"peer=0x0800",
		"Version: " + netdata.Version{Full: 2, Stable: 1}.String(),
		"Mode: " + netdata.SyncStableOnly.String(),
	} {
		if !strings.Contains(output, want) {
			t.Errorf("expected %q in output:\n%s", want, output)
		}
	}
}

func TestFormatDropEvent(t *testing.T) {
	var buf bytes.Buffer
	formatEvent(&buf, sampleEvents()[1])
	output := buf.String()

	if !strings.Contains(output, "DROP LOSS") {
		t.Errorf("expected drop header, got: %s", output)
	}
	if !strings.Contains(output, "ID: abcd") {
		t.Errorf("expected frame ID, got: %s", output)
	}
}

func TestFormatStateChangeEvent(t *testing.T) {
	var buf bytes.Buffer
	formatEvent(&buf, sampleEvents()[2])
	output := buf.String()

	if !strings.Contains(output, "Entity: ROLE") {
		t.Errorf("expected entity, got: %s", output)
	}
	if !strings.Contains(output, "child -> detached") {
		t.Errorf("expected transition, got: %s", output)
	}
	if !strings.Contains(output, "Reason: data timeout") {
		t.Errorf("expected reason, got: %s", output)
	}
}

func TestParseFlags(t *testing.T) {
	if l, err := ParseLayerFlag("SYNC"); err != nil || l != log.LayerSync {
		t.Errorf("ParseLayerFlag(SYNC) = %v, %v", l, err)
	}
	if _, err := ParseLayerFlag("transport"); err == nil {
		t.Error("expected error for unknown layer")
	}
	if d, err := ParseDirectionFlag("in"); err != nil || d != log.DirectionIn {
		t.Errorf("ParseDirectionFlag(in) = %v, %v", d, err)
	}
	if c, err := ParseCategoryFlag("drop"); err != nil || c != log.CategoryDrop {
		t.Errorf("ParseCategoryFlag(drop) = %v, %v", c, err)
	}
	if mt, err := ParseMessageTypeFlag("data-poll"); err != nil || mt != wire.MsgDataPoll {
		t.Errorf("ParseMessageTypeFlag(data-poll) = %v, %v", mt, err)
	}
	if mt, err := ParseMessageTypeFlag("echo_reply"); err != nil || mt != wire.MsgEchoReply {
		t.Errorf("ParseMessageTypeFlag(echo_reply) = %v, %v", mt, err)
	}
	if _, err := ParseMessageTypeFlag("hello"); err == nil {
		t.Error("expected error for unknown message type")
	}
}

func TestRunView(t *testing.T) {
	path := writeLog(t, sampleEvents())

	var buf bytes.Buffer
	if err := RunView(path, log.Filter{}, &buf); err != nil {
		t.Fatalf("RunView() error = %v", err)
	}
	if got := strings.Count(buf.String(), "SED1(0x0802)"); got != 3 {
		t.Errorf("SED1 events = %d, want 3", got)
	}

	filter, err := BuildFilter(FilterOptions{Device: "SED1", Category: "state"})
	if err != nil {
		t.Fatalf("BuildFilter() error = %v", err)
	}
	buf.Reset()
	if err := RunView(path, filter, &buf); err != nil {
		t.Fatalf("RunView() error = %v", err)
	}
	if got := strings.Count(buf.String(), "State"); got != 2 {
		t.Errorf("state events = %d, want 2:\n%s", got, buf.String())
	}
	if strings.Contains(buf.String(), "DATA_POLL") {
		t.Error("filtered view contains a message event")
	}
}

func TestRunViewMissingFile(t *testing.T) {
	var buf bytes.Buffer
	if err := RunView(filepath.Join(t.TempDir(), "none.mlog"), log.Filter{}, &buf); err == nil {
		t.Error("expected error for missing file")
	}
}
