package commands

import (
	"errors"
	"fmt"
	"io"
	"sort"
	"time"

	"github.com/meshdata/meshdata-go/pkg/log"
	"github.com/meshdata/meshdata-go/pkg/wire"
)

// Stats holds aggregate statistics about a log file.
type Stats struct {
	TotalEvents       int
	EventsByLayer     map[log.Layer]int
	EventsByCategory  map[log.Category]int
	EventsByDirection map[log.Direction]int
	MessagesByType    map[wire.MessageType]int
	DropsByReason     map[log.DropReason]int
	Devices           map[string]*DeviceStats
	Runs              map[string]int
	Errors            int
	TimeRange         struct {
		Start time.Time
		End   time.Time
	}
}

// DeviceStats holds statistics for a single device.
type DeviceStats struct {
	RLOC         uint16
	Events       int
	FramesOut    int
	FramesIn     int
	StateChanges int
	MirrorUpdate int
	LastRole     string
	LastVersion  string
}

func newStats() *Stats {
	return &Stats{
		EventsByLayer:     make(map[log.Layer]int),
		EventsByCategory:  make(map[log.Category]int),
		EventsByDirection: make(map[log.Direction]int),
		MessagesByType:    make(map[wire.MessageType]int),
		DropsByReason:     make(map[log.DropReason]int),
		Devices:           make(map[string]*DeviceStats),
		Runs:              make(map[string]int),
	}
}

func (s *Stats) add(event log.Event) {
	s.TotalEvents++
	s.EventsByLayer[event.Layer]++
	s.EventsByCategory[event.Category]++
	s.EventsByDirection[event.Direction]++
	if event.RunID != "" {
		s.Runs[event.RunID]++
	}

	if s.TimeRange.Start.IsZero() || event.Timestamp.Before(s.TimeRange.Start) {
		s.TimeRange.Start = event.Timestamp
	}
	if event.Timestamp.After(s.TimeRange.End) {
		s.TimeRange.End = event.Timestamp
	}

	dev, ok := s.Devices[event.Device]
	if !ok {
		dev = &DeviceStats{RLOC: event.RLOC}
		s.Devices[event.Device] = dev
	}
	dev.Events++

	switch {
	case event.Message != nil:
		s.MessagesByType[event.Message.Type]++
		if event.Direction == log.DirectionOut {
			dev.FramesOut++
		} else {
			dev.FramesIn++
		}
	case event.Drop != nil:
		s.DropsByReason[event.Drop.Reason]++
	case event.StateChange != nil:
		dev.StateChanges++
		switch event.StateChange.Entity {
		case log.StateEntityRole:
			dev.LastRole = event.StateChange.NewState
		case log.StateEntityMirror:
			dev.MirrorUpdate++
			dev.LastVersion = event.StateChange.NewState
		}
	case event.Error != nil:
		s.Errors++
	}
}

// RunStats analyzes the log file and prints statistics.
func RunStats(path string, w io.Writer) error {
	reader, err := log.NewReader(path)
	if err != nil {
		return fmt.Errorf("failed to open log file: %w", err)
	}
	defer reader.Close()

	stats := newStats()
	for {
		event, err := reader.Next()
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			return fmt.Errorf("failed to read event: %w", err)
		}
		stats.add(event)
	}

	printStats(w, stats)
	return nil
}

func printStats(w io.Writer, stats *Stats) {
	fmt.Fprintln(w, "=== Mesh Protocol Log Statistics ===")
	fmt.Fprintln(w)

	if stats.TotalEvents > 0 {
		fmt.Fprintf(w, "Time Range: %s to %s\n",
			stats.TimeRange.Start.UTC().Format(timeFormat),
			stats.TimeRange.End.UTC().Format(timeFormat))
		fmt.Fprintf(w, "Duration:   %s\n", stats.TimeRange.End.Sub(stats.TimeRange.Start).Round(time.Millisecond))
		fmt.Fprintf(w, "Runs:       %d\n", len(stats.Runs))
		fmt.Fprintln(w)
	}

	fmt.Fprintf(w, "Total Events: %d\n", stats.TotalEvents)
	fmt.Fprintln(w)

	fmt.Fprintln(w, "Events by Layer:")
	for _, layer := range []log.Layer{log.LayerMedium, log.LayerWire, log.LayerSync} {
		if count := stats.EventsByLayer[layer]; count > 0 {
			fmt.Fprintf(w, "  %-18s %d\n", layer.String()+":", count)
		}
	}
	fmt.Fprintln(w)

	fmt.Fprintln(w, "Events by Category:")
	for _, cat := range []log.Category{log.CategoryMessage, log.CategoryDrop, log.CategoryState, log.CategoryError} {
		if count := stats.EventsByCategory[cat]; count > 0 {
			fmt.Fprintf(w, "  %-18s %d\n", cat.String()+":", count)
		}
	}
	fmt.Fprintln(w)

	if len(stats.MessagesByType) > 0 {
		fmt.Fprintln(w, "Messages by Type:")
		for t := wire.MessageType(1); t.IsValid(); t++ {
			if count := stats.MessagesByType[t]; count > 0 {
				fmt.Fprintf(w, "  %-18s %d\n", t.String()+":", count)
			}
		}
		fmt.Fprintln(w)
	}

	if len(stats.DropsByReason) > 0 {
		fmt.Fprintln(w, "Drops by Reason:")
		reasons := make([]log.DropReason, 0, len(stats.DropsByReason))
		for r := range stats.DropsByReason {
			reasons = append(reasons, r)
		}
		sort.Slice(reasons, func(i, j int) bool { return reasons[i] < reasons[j] })
		for _, r := range reasons {
			fmt.Fprintf(w, "  %-18s %d\n", r.String()+":", stats.DropsByReason[r])
		}
		fmt.Fprintln(w)
	}

	fmt.Fprintf(w, "Devices: %d\n", len(stats.Devices))
	names := make([]string, 0, len(stats.Devices))
	for name := range stats.Devices {
		names = append(names, name)
	}
	sort.Slice(names, func(i, j int) bool {
		return stats.Devices[names[i]].RLOC < stats.Devices[names[j]].RLOC
	})
	for _, name := range names {
		d := stats.Devices[name]
		label := name
		if label == "" {
			label = "-"
		}
		fmt.Fprintf(w, "  %s (0x%04x): %d events, %d out, %d in, %d state changes\n",
			label, d.RLOC, d.Events, d.FramesOut, d.FramesIn, d.StateChanges)
		if d.LastRole != "" {
			fmt.Fprintf(w, "           Role: %s\n", d.LastRole)
		}
		if d.MirrorUpdate > 0 {
			fmt.Fprintf(w, "           Mirror: %d updates (last: %s)\n", d.MirrorUpdate, d.LastVersion)
		}
	}

	if stats.Errors > 0 {
		fmt.Fprintln(w)
		fmt.Fprintf(w, "Errors: %d\n", stats.Errors)
	}
}
