// Package log provides structured protocol logging for the mesh simulator.
//
// It is separate from operational logging (slog): protocol capture is a
// complete, machine-readable trace of frames, decoded messages, drops and
// state changes on every device, stamped with virtual time.
//
// # Basic Usage
//
//	// Console output via slog
//	opts.ProtocolLogger = log.NewSlogAdapter(slog.Default())
//
//	// Binary file for meshdata-log
//	fl, _ := log.NewFileLogger("run.mlog")
//	opts.ProtocolLogger = log.NewMultiLogger(log.NewSlogAdapter(slog.Default()), fl)
//
// # Event Types
//
//   - Medium: raw frames and drops (FrameEvent, DropEvent)
//   - Wire: decoded messages with their version pair (MessageEvent)
//   - Sync: role, sync, poller and mirror transitions (StateChangeEvent)
//
// # File Format
//
// Log files are a stream of CBOR-encoded events with the .mlog extension.
// The meshdata-log CLI views, filters and summarizes them.
package log
