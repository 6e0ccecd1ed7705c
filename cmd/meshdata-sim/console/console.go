// Package console provides the interactive command line of meshdata-sim.
package console

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/netip"
	"strconv"
	"strings"
	"time"

	"github.com/chzyer/readline"

	"github.com/meshdata/meshdata-go/pkg/mesh"
	"github.com/meshdata/meshdata-go/pkg/node"
)

// DefaultPingTimeout is used when ping gets no timeout argument.
const DefaultPingTimeout = 5 * time.Second

// Executor runs functions against the network on its event loop.
// Both *mesh.Runner and *mesh.Network implement it.
type Executor interface {
	Call(ctx context.Context, fn func(*mesh.Network)) error
}

// Console executes simulator commands.
type Console struct {
	exec Executor
	out  io.Writer
	rl   *readline.Instance

	// step is set when virtual time only advances through the run command.
	step bool
}

// New creates a console reading from the terminal.
func New(exec Executor, step bool) (*Console, error) {
	rl, err := readline.NewEx(&readline.Config{
		Prompt:          "mesh> ",
		InterruptPrompt: "^C",
		EOFPrompt:       "exit",
	})
	if err != nil {
		return nil, fmt.Errorf("failed to create readline: %w", err)
	}
	return &Console{exec: exec, out: rl.Stdout(), rl: rl, step: step}, nil
}

// NewWithWriter creates a console without a terminal. Commands are fed
// through Exec.
func NewWithWriter(exec Executor, out io.Writer, step bool) *Console {
	return &Console{exec: exec, out: out, step: step}
}

// Stdout returns a writer that does not clobber the prompt.
func (c *Console) Stdout() io.Writer {
	if c.rl != nil {
		return c.rl.Stdout()
	}
	return c.out
}

// Stderr returns a writer for log output that does not clobber the prompt.
func (c *Console) Stderr() io.Writer {
	if c.rl != nil {
		return c.rl.Stderr()
	}
	return c.out
}

// Close releases the terminal. A blocked Run returns.
func (c *Console) Close() error {
	if c.rl == nil {
		return nil
	}
	return c.rl.Close()
}

// Run reads commands until quit, EOF or ctx is done.
func (c *Console) Run(ctx context.Context, cancel context.CancelFunc) {
	defer c.Close()

	c.printHelp()
	for {
		select {
		case <-ctx.Done():
			return
		default:
		}

		line, err := c.rl.Readline()
		if err != nil {
			if errors.Is(err, readline.ErrInterrupt) {
				continue
			}
			fmt.Fprintln(c.out, "Exiting...")
			cancel()
			return
		}
		if !c.Exec(ctx, line) {
			fmt.Fprintln(c.out, "Exiting...")
			cancel()
			return
		}
	}
}

// Exec runs one command line. It returns false on quit.
func (c *Console) Exec(ctx context.Context, line string) bool {
	parts := strings.Fields(strings.TrimSpace(line))
	if len(parts) == 0 {
		return true
	}
	cmd := strings.ToLower(parts[0])
	args := parts[1:]

	switch cmd {
	case "help", "?":
		c.printHelp()
	case "nodes", "n":
		c.cmdNodes(ctx)
	case "add_prefix":
		c.cmdAddPrefix(ctx, args)
	case "remove_prefix":
		c.cmdRemovePrefix(ctx, args)
	case "register_netdata", "register":
		c.cmdRegister(ctx, args)
	case "netdata", "nd":
		c.cmdNetdata(ctx, args)
	case "addrs":
		c.cmdAddrs(ctx, args)
	case "timeout":
		c.cmdTimeout(ctx, args)
	case "state":
		c.cmdState(ctx, args)
	case "ping":
		c.cmdPing(ctx, args)
	case "run":
		c.cmdRun(ctx, args)
	case "quit", "exit", "q":
		return false
	default:
		fmt.Fprintf(c.out, "Unknown command: %s (type 'help' for commands)\n", cmd)
	}
	return true
}

func (c *Console) printHelp() {
	fmt.Fprintln(c.out, `
Mesh Commands:
  Server Data:
    add_prefix <node> <prefix> <flags>  - Add a local prefix (flags e.g. paros)
    remove_prefix <node> <prefix>       - Remove a local prefix
    register_netdata <node>             - Register local prefixes with the Leader

  Inspection:
    nodes                               - List devices, roles and versions
    netdata <node>                      - Show a device's Network Data
    addrs <node>                        - Show a device's addresses
    state <node>                        - Show a device's role

  Devices:
    timeout <node> <seconds|duration>   - Set child timeout or poll interval
    ping <node> <addr> [timeout]        - Ping addr from node

  Time:
    run <duration>                      - Advance virtual time (step mode)

  General:
    help                                - Show this help
    quit                                - Exit`)
}

// call runs fn on the loop and reports loop errors.
func (c *Console) call(ctx context.Context, fn func(*mesh.Network)) bool {
	if err := c.exec.Call(ctx, fn); err != nil {
		fmt.Fprintf(c.out, "Error: %v\n", err)
		return false
	}
	return true
}

func (c *Console) usage(args []string, n int, usage string) bool {
	if len(args) < n {
		fmt.Fprintf(c.out, "Usage: %s\n", usage)
		return false
	}
	return true
}

func (c *Console) cmdNodes(ctx context.Context) {
	c.call(ctx, func(n *mesh.Network) {
		fmt.Fprintf(c.out, "%-10s %-6s %-8s %-5s %-7s %s\n", "NAME", "RLOC16", "ROLE", "MODE", "SYNC", "VERSION")
		for _, d := range n.Nodes() {
			_, v := d.Netdata()
			fmt.Fprintf(c.out, "%-10s 0x%04x %-8s %-5s %-7s %s\n",
				d.Name(), d.RLOC(), d.State(), d.Mode(), d.SyncMode(), v)
		}
		if lag := n.Lagging(); len(lag) > 0 {
			fmt.Fprintf(c.out, "lagging: %s\n", strings.Join(lag, ", "))
		} else {
			fmt.Fprintln(c.out, "converged")
		}
	})
}

func (c *Console) cmdAddPrefix(ctx context.Context, args []string) {
	if !c.usage(args, 3, "add_prefix <node> <prefix> <flags>") {
		return
	}
	c.call(ctx, func(n *mesh.Network) {
		if err := n.AddPrefix(args[0], args[1], args[2]); err != nil {
			fmt.Fprintf(c.out, "Error: %v\n", err)
			return
		}
		fmt.Fprintln(c.out, "Done")
	})
}

func (c *Console) cmdRemovePrefix(ctx context.Context, args []string) {
	if !c.usage(args, 2, "remove_prefix <node> <prefix>") {
		return
	}
	c.call(ctx, func(n *mesh.Network) {
		if err := n.RemovePrefix(args[0], args[1]); err != nil {
			fmt.Fprintf(c.out, "Error: %v\n", err)
			return
		}
		fmt.Fprintln(c.out, "Done")
	})
}

func (c *Console) cmdRegister(ctx context.Context, args []string) {
	if !c.usage(args, 1, "register_netdata <node>") {
		return
	}
	c.call(ctx, func(n *mesh.Network) {
		if err := n.RegisterNetdata(args[0]); err != nil {
			fmt.Fprintf(c.out, "Error: %v\n", err)
			return
		}
		fmt.Fprintln(c.out, "Done")
	})
}

func (c *Console) cmdNetdata(ctx context.Context, args []string) {
	if !c.usage(args, 1, "netdata <node>") {
		return
	}
	c.call(ctx, func(n *mesh.Network) {
		data, v, err := n.Netdata(args[0])
		if err != nil {
			fmt.Fprintf(c.out, "Error: %v\n", err)
			return
		}
		fmt.Fprintf(c.out, "version %s, %d entries\n", v, data.Len())
		for _, e := range data.Entries() {
			fmt.Fprintf(c.out, "  %s\n", e)
		}
	})
}

func (c *Console) cmdAddrs(ctx context.Context, args []string) {
	if !c.usage(args, 1, "addrs <node>") {
		return
	}
	c.call(ctx, func(n *mesh.Network) {
		addrs, err := n.Addrs(args[0])
		if err != nil {
			fmt.Fprintf(c.out, "Error: %v\n", err)
			return
		}
		for _, a := range addrs {
			fmt.Fprintln(c.out, a)
		}
	})
}

func (c *Console) cmdState(ctx context.Context, args []string) {
	if !c.usage(args, 1, "state <node>") {
		return
	}
	c.call(ctx, func(n *mesh.Network) {
		role, err := n.State(args[0])
		if err != nil {
			fmt.Fprintf(c.out, "Error: %v\n", err)
			return
		}
		fmt.Fprintln(c.out, role)
	})
}

func (c *Console) cmdTimeout(ctx context.Context, args []string) {
	if !c.usage(args, 2, "timeout <node> <seconds|duration>") {
		return
	}
	d, err := parseDuration(args[1])
	if err != nil {
		fmt.Fprintf(c.out, "Invalid timeout: %v\n", err)
		return
	}
	c.call(ctx, func(n *mesh.Network) {
		if err := n.SetTimeout(args[0], d); err != nil {
			fmt.Fprintf(c.out, "Error: %v\n", err)
			return
		}
		fmt.Fprintln(c.out, "Done")
	})
}

func (c *Console) cmdPing(ctx context.Context, args []string) {
	if !c.usage(args, 2, "ping <node> <addr> [timeout]") {
		return
	}
	addr, err := netip.ParseAddr(args[1])
	if err != nil {
		fmt.Fprintf(c.out, "Invalid address: %v\n", err)
		return
	}
	timeout := DefaultPingTimeout
	if len(args) > 2 {
		if timeout, err = parseDuration(args[2]); err != nil {
			fmt.Fprintf(c.out, "Invalid timeout: %v\n", err)
			return
		}
	}

	out := c.Stdout()
	report := func(r node.PingResult) {
		if r.OK {
			fmt.Fprintf(out, "ping %s: reply in %v\n", r.Addr, r.RTT)
		} else {
			fmt.Fprintf(out, "ping %s: timeout\n", r.Addr)
		}
	}
	c.call(ctx, func(n *mesh.Network) {
		if err := n.Ping(args[0], addr, timeout, report); err != nil {
			fmt.Fprintf(c.out, "Error: %v\n", err)
			return
		}
		if c.step {
			// Nothing else advances time.
			n.RunFor(timeout)
		}
	})
}

func (c *Console) cmdRun(ctx context.Context, args []string) {
	if !c.step {
		fmt.Fprintln(c.out, "run is only available in step mode (-speed 0)")
		return
	}
	if !c.usage(args, 1, "run <duration>") {
		return
	}
	d, err := parseDuration(args[0])
	if err != nil {
		fmt.Fprintf(c.out, "Invalid duration: %v\n", err)
		return
	}
	c.call(ctx, func(n *mesh.Network) {
		n.RunFor(d)
		fmt.Fprintf(c.out, "t=%s\n", n.Now().Format("15:04:05.000"))
	})
}

// parseDuration accepts plain seconds or a Go duration.
func parseDuration(s string) (time.Duration, error) {
	if secs, err := strconv.ParseFloat(s, 64); err == nil {
		if secs < 0 {
			return 0, fmt.Errorf("negative duration %q", s)
		}
		return time.Duration(secs * float64(time.Second)), nil
	}
	d, err := time.ParseDuration(s)
	if err != nil {
		return 0, err
	}
	if d < 0 {
		return 0, fmt.Errorf("negative duration %q", s)
	}
	return d, nil
}
