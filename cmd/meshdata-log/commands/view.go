// Package commands implements the meshdata-log CLI commands.
package commands

import (
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"strings"

	"github.com/meshdata/meshdata-go/pkg/log"
	"github.com/meshdata/meshdata-go/pkg/wire"
)

// timeFormat renders virtual timestamps.
const timeFormat = "15:04:05.000000"

// formatEvent writes a human-readable representation of the event to w.
func formatEvent(w io.Writer, event log.Event) {
	// Header line: time DEVICE(rloc) DIRECTION LAYER Type [peer]
	ts := event.Timestamp.UTC().Format(timeFormat)
	device := event.Device
	if device == "" {
		device = "-"
	}

	layer := event.Layer.String()
	if event.Category == log.CategoryDrop {
		layer = "DROP"
	}

	fmt.Fprintf(w, "%s %s(0x%04x) %-3s %s %s", ts, device, event.RLOC, event.Direction.String(), layer, typeLabel(event))
	if event.Peer != 0 {
		fmt.Fprintf(w, " peer=0x%04x", event.Peer)
	}
	fmt.Fprintln(w)

	switch {
	case event.Frame != nil:
		formatFrameDetails(w, event.Frame)
	case event.Message != nil:
		formatMessageDetails(w, event.Message)
	case event.StateChange != nil:
		formatStateChangeDetails(w, event.StateChange)
	case event.Drop != nil:
		formatDropDetails(w, event.Drop)
	case event.Error != nil:
		formatErrorDetails(w, event.Error)
	}

	fmt.Fprintln(w)
}

// typeLabel names the event payload.
func typeLabel(event log.Event) string {
	switch {
	case event.Frame != nil:
		return "Frame"
	case event.Message != nil:
		return event.Message.Type.String()
	case event.StateChange != nil:
		return "State"
	case event.Drop != nil:
		return event.Drop.Reason.String()
	case event.Error != nil:
		return "Error"
	default:
		return "Unknown"
	}
}

func formatFrameDetails(w io.Writer, frame *log.FrameEvent) {
	fmt.Fprintf(w, "  ID: %s\n", hex.EncodeToString(frame.ID))
	fmt.Fprintf(w, "  Size: %d bytes\n", frame.Size)
	if len(frame.Data) > 0 {
		fmt.Fprintf(w, "  Data: %s", hex.EncodeToString(frame.Data))
		if frame.Truncated {
			fmt.Fprintf(w, " (truncated)")
		}
		fmt.Fprintln(w)
	}
}

func formatMessageDetails(w io.Writer, msg *log.MessageEvent) {
	if msg.LeaderID != nil {
		fmt.Fprintf(w, "  Leader: %d\n", *msg.LeaderID)
	}
	if msg.Version != nil {
		fmt.Fprintf(w, "  Version: %s\n", msg.Version.String())
	}
	if msg.Mode != nil {
		fmt.Fprintf(w, "  Mode: %s\n", msg.Mode.String())
	}
	if msg.Entries > 0 {
		fmt.Fprintf(w, "  Entries: %d\n", msg.Entries)
	}
	if msg.Status != nil {
		fmt.Fprintf(w, "  Status: %s (%d)\n", msg.Status.String(), *msg.Status)
	}
}

func formatStateChangeDetails(w io.Writer, sc *log.StateChangeEvent) {
	fmt.Fprintf(w, "  Entity: %s\n", sc.Entity.String())
	if sc.OldState != "" {
		fmt.Fprintf(w, "  %s -> %s\n", sc.OldState, sc.NewState)
	} else {
		fmt.Fprintf(w, "  -> %s\n", sc.NewState)
	}
	if sc.Reason != "" {
		fmt.Fprintf(w, "  Reason: %s\n", sc.Reason)
	}
}

func formatDropDetails(w io.Writer, d *log.DropEvent) {
	if len(d.ID) > 0 {
		fmt.Fprintf(w, "  ID: %s\n", hex.EncodeToString(d.ID))
	}
}

func formatErrorDetails(w io.Writer, err *log.ErrorEventData) {
	fmt.Fprintf(w, "  Layer: %s\n", err.Layer.String())
	fmt.Fprintf(w, "  Message: %s\n", err.Message)
	if err.Context != "" {
		fmt.Fprintf(w, "  Context: %s\n", err.Context)
	}
}

// ParseLayerFlag parses a layer string (case-insensitive).
func ParseLayerFlag(s string) (log.Layer, error) {
	switch strings.ToLower(s) {
	case "medium":
		return log.LayerMedium, nil
	case "wire":
		return log.LayerWire, nil
	case "sync":
		return log.LayerSync, nil
	default:
		return 0, fmt.Errorf("invalid layer: %s (must be medium, wire, or sync)", s)
	}
}

// ParseDirectionFlag parses a direction string (case-insensitive).
func ParseDirectionFlag(s string) (log.Direction, error) {
	switch strings.ToLower(s) {
	case "in":
		return log.DirectionIn, nil
	case "out":
		return log.DirectionOut, nil
	default:
		return 0, fmt.Errorf("invalid direction: %s (must be in or out)", s)
	}
}

// ParseCategoryFlag parses a category string (case-insensitive).
func ParseCategoryFlag(s string) (log.Category, error) {
	switch strings.ToLower(s) {
	case "message":
		return log.CategoryMessage, nil
	case "drop":
		return log.CategoryDrop, nil
	case "state":
		return log.CategoryState, nil
	case "error":
		return log.CategoryError, nil
	default:
		return 0, fmt.Errorf("invalid category: %s (must be message, drop, state, or error)", s)
	}
}

// ParseMessageTypeFlag parses a message type name such as data_poll
// (case-insensitive, dashes allowed).
func ParseMessageTypeFlag(s string) (wire.MessageType, error) {
	name := strings.ToUpper(strings.ReplaceAll(s, "-", "_"))
	for t := wire.MessageType(1); t.IsValid(); t++ {
		if t.String() == name {
			return t, nil
		}
	}
	return 0, fmt.Errorf("invalid message type: %s", s)
}

// RunView executes the view command.
func RunView(path string, filter log.Filter, output io.Writer) error {
	reader, err := log.NewFilteredReader(path, filter)
	if err != nil {
		return fmt.Errorf("failed to open log file: %w", err)
	}
	defer reader.Close()

	for {
		event, err := reader.Next()
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			return fmt.Errorf("failed to read event: %w", err)
		}
		formatEvent(output, event)
	}
	return nil
}
