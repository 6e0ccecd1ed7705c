package mesh

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/netip"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/google/uuid"

	"github.com/meshdata/meshdata-go/pkg/address"
	"github.com/meshdata/meshdata-go/pkg/eventloop"
	"github.com/meshdata/meshdata-go/pkg/log"
	"github.com/meshdata/meshdata-go/pkg/metrics"
	"github.com/meshdata/meshdata-go/pkg/netdata"
	"github.com/meshdata/meshdata-go/pkg/node"
	"github.com/meshdata/meshdata-go/pkg/propagation"
	"github.com/meshdata/meshdata-go/pkg/topology"
	"github.com/meshdata/meshdata-go/pkg/transport"
)

// ErrUnknownNode is returned for a name that is not in the topology.
var ErrUnknownNode = errors.New("unknown node")

// extAddrBase seeds the extended addresses; the low bits carry the RLOC16.
const extAddrBase = 0x0211_2233_4455_0000

// Options holds the runtime plumbing of a Network.
type Options struct {
	// RunID tags protocol log events. Generated when empty.
	RunID string

	// Clock paces real-time runs. Defaults to the wall clock.
	Clock clock.Clock

	// Metrics is optional.
	Metrics *metrics.Metrics

	// ProtocolLogger receives frame and state events. Optional.
	ProtocolLogger log.Logger

	// Logger is the optional logger for debug output.
	// If nil, logging is disabled.
	Logger *slog.Logger
}

// Network is a simulated mesh built from a topology: one event loop, one
// medium and a device per node.
type Network struct {
	config topology.Config
	runID  string
	loop   *eventloop.Loop
	medium *transport.Medium
	logger *slog.Logger

	devices []*node.Device
	byName  map[string]*node.Device
	leader  *node.Device
}

// AssignRLOCs returns the RLOC16 of every node. The Leader and the routers
// take router IDs from 1 in topology order (RLOC16 = id<<10); children take
// the next free child ID under their parent.
func AssignRLOCs(cfg *topology.Config) (map[string]uint16, error) {
	out := make(map[string]uint16, len(cfg.Nodes))
	next := make(map[string]uint16)
	routerID := uint16(0)
	for _, n := range cfg.Nodes {
		kind, err := node.ParseKind(n.Role)
		if err != nil {
			return nil, fmt.Errorf("node %s: %w", n.Name, err)
		}
		if kind != node.KindChild {
			routerID++
			if routerID > topology.MaxRouters {
				return nil, fmt.Errorf("node %s: out of router IDs", n.Name)
			}
			out[n.Name] = routerID << 10
			continue
		}
		parent, ok := out[n.Parent]
		if !ok {
			return nil, fmt.Errorf("node %s: %w: parent %q", n.Name, ErrUnknownNode, n.Parent)
		}
		next[n.Parent]++
		if next[n.Parent] > topology.MaxChildrenPerRoute {
			return nil, fmt.Errorf("node %s: out of child IDs under %s", n.Name, n.Parent)
		}
		out[n.Name] = parent | next[n.Parent]
	}
	return out, nil
}

// New builds a network from cfg. Devices are created idle; call Start.
func New(cfg topology.Config, opts Options) (*Network, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	if cfg.LeaderID == 0 {
		cfg.LeaderID = topology.DefaultLeaderID
	}
	logger := opts.Logger
	if logger == nil {
		logger = slog.New(slog.NewTextHandler(io.Discard, nil))
	}
	runID := opts.RunID
	if runID == "" {
		runID = uuid.NewString()
	}
	rlocs, err := AssignRLOCs(&cfg)
	if err != nil {
		return nil, err
	}

	loop := eventloop.New(eventloop.Config{Seed: cfg.Seed, Clock: opts.Clock})

	mcfg := transport.DefaultConfig()
	if cfg.Link.Delay > 0 {
		mcfg.Delay = cfg.Link.Delay.D()
	}
	if cfg.Link.Jitter > 0 {
		mcfg.Jitter = cfg.Link.Jitter.D()
	}
	mcfg.Loss = cfg.Link.Loss
	mcfg.Duplicate = cfg.Link.Duplicate
	mcfg.Seed = cfg.Seed
	mcfg.RunID = runID
	mcfg.Metrics = opts.Metrics
	mcfg.ProtocolLogger = opts.ProtocolLogger
	mcfg.Logger = logger
	medium, err := transport.NewMedium(loop, mcfg)
	if err != nil {
		return nil, err
	}

	n := &Network{
		config: cfg,
		runID:  runID,
		loop:   loop,
		medium: medium,
		logger: logger,
		byName: make(map[string]*node.Device, len(cfg.Nodes)),
	}

	ecfg := propagation.DefaultConfig()
	if cfg.AnnounceInterval > 0 {
		ecfg.AnnounceInterval = cfg.AnnounceInterval.D()
	}

	for _, nc := range cfg.Nodes {
		kind, _ := node.ParseKind(nc.Role)
		mode, err := node.ParseMode(nc.Mode)
		if err != nil {
			return nil, fmt.Errorf("node %s: %w", nc.Name, err)
		}
		rloc := rlocs[nc.Name]
		dcfg := node.Config{
			Name:    nc.Name,
			RLOC:    rloc,
			ExtAddr: address.ExtAddrFromUint64(extAddrBase | uint64(rloc)),
			Mode:    mode,
			Kind:    kind,
			Parent:  rlocs[nc.Parent],
			Timeout: nc.Timeout.D(),
			Engine:  ecfg,
			Store: netdata.StoreConfig{
				MaxEntries: cfg.Leader.MaxEntries,
				MaxOwners:  cfg.Leader.MaxOwners,
			},
			RunID:          runID,
			Metrics:        opts.Metrics,
			ProtocolLogger: opts.ProtocolLogger,
			Logger:         logger,
		}
		if kind == node.KindLeader {
			dcfg.LeaderID = cfg.LeaderID
		}
		d, err := node.New(loop, medium, dcfg)
		if err != nil {
			return nil, err
		}
		if kind == node.KindLeader {
			n.leader = d
		} else if err := medium.Link(dcfg.Parent, rloc); err != nil {
			return nil, err
		}
		n.devices = append(n.devices, d)
		n.byName[nc.Name] = d
	}
	logger.Info("network built", "topology", cfg.Name, "nodes", len(n.devices), "run_id", runID)
	return n, nil
}

// Start starts every device in topology order.
func (n *Network) Start() {
	for _, d := range n.devices {
		d.Start()
	}
}

// Stop stops every device.
func (n *Network) Stop() {
	for i := len(n.devices) - 1; i >= 0; i-- {
		n.devices[i].Stop()
	}
}

// Config returns the topology the network was built from.
func (n *Network) Config() topology.Config { return n.config }

// RunID returns the run identifier used in protocol logs.
func (n *Network) RunID() string { return n.runID }

// Loop returns the event loop.
func (n *Network) Loop() *eventloop.Loop { return n.loop }

// Medium returns the shared medium.
func (n *Network) Medium() *transport.Medium { return n.medium }

// Leader returns the Leader device.
func (n *Network) Leader() *node.Device { return n.leader }

// Nodes returns the devices in topology order.
func (n *Network) Nodes() []*node.Device {
	return append([]*node.Device(nil), n.devices...)
}

// Node returns the named device.
func (n *Network) Node(name string) (*node.Device, error) {
	d, ok := n.byName[name]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrUnknownNode, name)
	}
	return d, nil
}

// RunFor advances virtual time by d.
func (n *Network) RunFor(d time.Duration) {
	n.loop.RunFor(d)
}

// Now returns the current virtual time.
func (n *Network) Now() time.Time {
	return n.loop.Now()
}

// AddPrefix edits the local Server Data of the named device.
func (n *Network) AddPrefix(name, prefix, flags string) error {
	d, err := n.Node(name)
	if err != nil {
		return err
	}
	return d.AddPrefix(prefix, flags)
}

// RemovePrefix removes an entry from the named device's Server Data.
func (n *Network) RemovePrefix(name, prefix string) error {
	d, err := n.Node(name)
	if err != nil {
		return err
	}
	return d.RemovePrefix(prefix)
}

// RegisterNetdata registers the named device's Server Data with the Leader.
func (n *Network) RegisterNetdata(name string) error {
	d, err := n.Node(name)
	if err != nil {
		return err
	}
	return d.RegisterNetdata()
}

// Addrs returns the addresses of the named device.
func (n *Network) Addrs(name string) ([]netip.Addr, error) {
	d, err := n.Node(name)
	if err != nil {
		return nil, err
	}
	return d.Addrs(), nil
}

// SetTimeout sets the timeout of the named child.
func (n *Network) SetTimeout(name string, t time.Duration) error {
	d, err := n.Node(name)
	if err != nil {
		return err
	}
	return d.SetTimeout(t)
}

// State returns the role of the named device.
func (n *Network) State(name string) (node.Role, error) {
	d, err := n.Node(name)
	if err != nil {
		return node.RoleDetached, err
	}
	return d.State(), nil
}

// Netdata returns the mirror of the named device.
func (n *Network) Netdata(name string) (netdata.DataSet, netdata.Version, error) {
	d, err := n.Node(name)
	if err != nil {
		return netdata.DataSet{}, netdata.Version{}, err
	}
	data, v := d.Netdata()
	return data, v, nil
}

// Ping sends an echo from the named device to addr.
func (n *Network) Ping(name string, addr netip.Addr, timeout time.Duration, cb func(node.PingResult)) error {
	d, err := n.Node(name)
	if err != nil {
		return err
	}
	return d.Ping(addr, timeout, cb)
}

// Lagging returns the running devices whose mirror does not match the
// Leader's data for their sync mode, or whose registration has not reached
// the Leader yet. Detached devices always lag.
func (n *Network) Lagging() []string {
	want, wv := n.leader.Netdata()
	leaderID := n.leader.LeaderID()
	var out []string
	for _, d := range n.devices {
		if d == n.leader || !d.Running() {
			continue
		}
		mode := d.SyncMode()
		data, v := d.Netdata()
		ok := d.State() != node.RoleDetached &&
			d.LeaderID() == leaderID &&
			v.For(mode) == wv.For(mode) &&
			data.Equal(want.Filter(mode)) &&
			registrationHeld(d, want)
		if !ok {
			out = append(out, d.Name())
		}
	}
	return out
}

// registrationHeld reports whether the Leader's data carries what d last
// registered. A rejected registration is settled: the Leader keeps its data.
func registrationHeld(d *node.Device, leaderData netdata.DataSet) bool {
	if d.RegistrationPending() {
		return false
	}
	reg, ok := d.Registered()
	if !ok {
		return true
	}
	if ack, ok := d.LastRegistration(); ok && !ack.Status.IsSuccess() {
		return true
	}
	owner := d.RLOC()
	held := leaderData.Select(func(e netdata.PrefixEntry) bool { return e.Owner == owner })
	return reg.Equal(held)
}

// Converged reports whether every running device holds the Leader's data
// for its sync mode (Full mirrors the whole set, StableOnly its stable
// subset) and every registration has been applied.
func (n *Network) Converged() bool {
	return len(n.Lagging()) == 0
}

// Call runs fn directly. It lets callers treat a network that is stepped
// with RunFor like one driven by a Runner.
func (n *Network) Call(_ context.Context, fn func(*Network)) error {
	fn(n)
	return nil
}
