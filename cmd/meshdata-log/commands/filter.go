package commands

import (
	"errors"
	"fmt"
	"io"
	"time"

	"github.com/meshdata/meshdata-go/pkg/log"
)

// FilterOptions specifies filtering criteria shared by view and filter.
type FilterOptions struct {
	Device      string
	RunID       string
	TimeStart   string
	TimeEnd     string
	Layer       string
	Direction   string
	Category    string
	MessageType string
}

// BuildFilter turns flag values into a log.Filter.
func BuildFilter(opts FilterOptions) (log.Filter, error) {
	filter := log.Filter{
		Device: opts.Device,
		RunID:  opts.RunID,
	}

	if opts.TimeStart != "" {
		t, err := time.Parse(time.RFC3339Nano, opts.TimeStart)
		if err != nil {
			return filter, fmt.Errorf("invalid time-start format: %w", err)
		}
		filter.TimeStart = &t
	}
	if opts.TimeEnd != "" {
		t, err := time.Parse(time.RFC3339Nano, opts.TimeEnd)
		if err != nil {
			return filter, fmt.Errorf("invalid time-end format: %w", err)
		}
		filter.TimeEnd = &t
	}
	if opts.Layer != "" {
		l, err := ParseLayerFlag(opts.Layer)
		if err != nil {
			return filter, err
		}
		filter.Layer = &l
	}
	if opts.Direction != "" {
		d, err := ParseDirectionFlag(opts.Direction)
		if err != nil {
			return filter, err
		}
		filter.Direction = &d
	}
	if opts.Category != "" {
		c, err := ParseCategoryFlag(opts.Category)
		if err != nil {
			return filter, err
		}
		filter.Category = &c
	}
	if opts.MessageType != "" {
		mt, err := ParseMessageTypeFlag(opts.MessageType)
		if err != nil {
			return filter, err
		}
		filter.MessageType = &mt
	}
	return filter, nil
}

// RunFilter copies the events of path that match filter into output and
// returns how many were written.
func RunFilter(path, output string, filter log.Filter) (int, error) {
	reader, err := log.NewFilteredReader(path, filter)
	if err != nil {
		return 0, fmt.Errorf("failed to open log file: %w", err)
	}
	defer reader.Close()

	logger, err := log.NewFileLogger(output)
	if err != nil {
		return 0, fmt.Errorf("failed to create output logger: %w", err)
	}
	defer logger.Close()

	count := 0
	for {
		event, err := reader.Next()
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			return count, fmt.Errorf("failed to read event: %w", err)
		}
		logger.Log(event)
		count++
	}
	return count, logger.Flush()
}
