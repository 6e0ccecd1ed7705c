// Command meshdata-log is a tool for viewing and analyzing mesh protocol log
// files.
//
// Log files are created by running meshdata-sim with the -protocol-log flag.
//
// Usage:
//
//	meshdata-log <command> [flags] <file.mlog>
//
// Commands:
//
//	view     View log file in human-readable format
//	stats    Show statistics about the log file
//	filter   Filter log file and write to new file
//	export   Export log file to JSON lines or CSV
//
// Examples:
//
//	# View all events
//	meshdata-log view run.mlog
//
//	# View state changes of one device
//	meshdata-log view -device SED1 -category state run.mlog
//
//	# Keep only polls and save to a new file
//	meshdata-log filter -type data_poll -o polls.mlog run.mlog
//
//	# Show statistics
//	meshdata-log stats run.mlog
package main

import (
	"flag"
	"fmt"
	"os"

	"github.com/meshdata/meshdata-go/cmd/meshdata-log/commands"
)

const usage = `meshdata-log - Mesh Protocol Log Analyzer

Usage:
  meshdata-log <command> [flags] <file.mlog>

Commands:
  view     View log file in human-readable format
  stats    Show statistics about the log file
  filter   Filter log file and write to new file
  export   Export log file to JSON lines or CSV

Use "meshdata-log <command> -help" for more information about a command.
`

func main() {
	if len(os.Args) < 2 {
		fmt.Fprint(os.Stderr, usage)
		os.Exit(1)
	}

	cmd := os.Args[1]
	args := os.Args[2:]

	switch cmd {
	case "view":
		runView(args)
	case "stats":
		runStats(args)
	case "filter":
		runFilter(args)
	case "export":
		runExport(args)
	case "-h", "-help", "--help", "help":
		fmt.Print(usage)
	default:
		fmt.Fprintf(os.Stderr, "Unknown command: %s\n", cmd)
		fmt.Fprint(os.Stderr, usage)
		os.Exit(1)
	}
}

// filterFlags registers the filter flags shared by view and filter.
func filterFlags(fs *flag.FlagSet) *commands.FilterOptions {
	var opts commands.FilterOptions
	fs.StringVar(&opts.Device, "device", "", "Filter by device name")
	fs.StringVar(&opts.RunID, "run-id", "", "Filter by run ID")
	fs.StringVar(&opts.TimeStart, "time-start", "", "Filter by start time (RFC3339)")
	fs.StringVar(&opts.TimeEnd, "time-end", "", "Filter by end time (RFC3339)")
	fs.StringVar(&opts.Layer, "layer", "", "Filter by layer (medium, wire, sync)")
	fs.StringVar(&opts.Direction, "direction", "", "Filter by direction (in, out)")
	fs.StringVar(&opts.Category, "category", "", "Filter by category (message, drop, state, error)")
	fs.StringVar(&opts.MessageType, "type", "", "Filter by message type (e.g. announcement, data_poll)")
	return &opts
}

func newFlagSet(name, synopsis, args string) *flag.FlagSet {
	fs := flag.NewFlagSet(name, flag.ExitOnError)
	fs.Usage = func() {
		fmt.Fprintf(os.Stderr, "meshdata-log %s - %s\n\nUsage:\n  meshdata-log %s %s\n\nFlags:\n", name, synopsis, name, args)
		fs.PrintDefaults()
	}
	return fs
}

func requirePath(fs *flag.FlagSet) string {
	if fs.NArg() < 1 {
		fmt.Fprintln(os.Stderr, "Error: log file path required")
		fs.Usage()
		os.Exit(1)
	}
	return fs.Arg(0)
}

func fail(err error) {
	fmt.Fprintf(os.Stderr, "Error: %v\n", err)
	os.Exit(1)
}

func runView(args []string) {
	fs := newFlagSet("view", "View log file in human-readable format", "[flags] <file.mlog>")
	opts := filterFlags(fs)
	if err := fs.Parse(args); err != nil {
		os.Exit(1)
	}
	path := requirePath(fs)

	filter, err := commands.BuildFilter(*opts)
	if err != nil {
		fail(err)
	}
	if err := commands.RunView(path, filter, os.Stdout); err != nil {
		fail(err)
	}
}

func runStats(args []string) {
	fs := newFlagSet("stats", "Show statistics about the log file", "<file.mlog>")
	if err := fs.Parse(args); err != nil {
		os.Exit(1)
	}
	path := requirePath(fs)

	if err := commands.RunStats(path, os.Stdout); err != nil {
		fail(err)
	}
}

func runFilter(args []string) {
	fs := newFlagSet("filter", "Filter log file and write to new file", "[flags] -o <out.mlog> <file.mlog>")
	output := fs.String("o", "", "Output file (required)")
	opts := filterFlags(fs)
	if err := fs.Parse(args); err != nil {
		os.Exit(1)
	}
	path := requirePath(fs)
	if *output == "" {
		fmt.Fprintln(os.Stderr, "Error: output file (-o) required")
		fs.Usage()
		os.Exit(1)
	}

	filter, err := commands.BuildFilter(*opts)
	if err != nil {
		fail(err)
	}
	n, err := commands.RunFilter(path, *output, filter)
	if err != nil {
		fail(err)
	}
	fmt.Printf("Filtered %d events to %s\n", n, *output)
}

func runExport(args []string) {
	fs := newFlagSet("export", "Export log file to JSON lines or CSV", "[flags] <file.mlog>")
	format := fs.String("format", "jsonl", "Output format (jsonl, csv)")
	output := fs.String("o", "", "Output file (default: stdout)")
	if err := fs.Parse(args); err != nil {
		os.Exit(1)
	}
	path := requirePath(fs)

	if err := commands.RunExport(path, *format, *output); err != nil {
		fail(err)
	}
}
