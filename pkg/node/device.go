package node

import (
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/netip"
	"slices"
	"time"

	lru "github.com/hashicorp/golang-lru/v2"

	"github.com/meshdata/meshdata-go/pkg/address"
	"github.com/meshdata/meshdata-go/pkg/attach"
	"github.com/meshdata/meshdata-go/pkg/eventloop"
	"github.com/meshdata/meshdata-go/pkg/log"
	"github.com/meshdata/meshdata-go/pkg/metrics"
	"github.com/meshdata/meshdata-go/pkg/netdata"
	"github.com/meshdata/meshdata-go/pkg/propagation"
	"github.com/meshdata/meshdata-go/pkg/replica"
	"github.com/meshdata/meshdata-go/pkg/transport"
	"github.com/meshdata/meshdata-go/pkg/wire"
)

// Device errors.
var (
	ErrInvalidMode   = errors.New("invalid device mode")
	ErrInvalidKind   = errors.New("invalid device kind")
	ErrInvalidConfig = errors.New("invalid device config")
	ErrNotRunning    = errors.New("device not running")
	ErrNotLeader     = errors.New("device is not the leader")
	ErrNotChild      = errors.New("operation requires a child device")
	ErrNoRoute       = errors.New("destination not reachable in mesh")
	ErrRejected      = errors.New("registration rejected")
)

// Default device timings.
const (
	DefaultChildTimeout = attach.DefaultChildTimeout
	DefaultPollInterval = replica.DefaultPollInterval

	registrationRetry = 2 * time.Second
	echoCacheSize     = 256
)

// Config configures a Device.
type Config struct {
	// Name identifies the device in logs and on the console.
	Name string

	// RLOC is the device's RLOC16 on the medium.
	RLOC uint16

	// ExtAddr is the extended address used for address derivation.
	ExtAddr address.ExtAddr

	// Mode is the device mode bitset.
	Mode wire.DeviceMode

	// Kind selects leader, router or child behavior.
	Kind Kind

	// Parent is the RLOC16 of the parent. Ignored for the Leader.
	Parent uint16

	// LeaderID is the Leader identity. Leader only; must be nonzero.
	LeaderID uint32

	// Timeout is the child timeout of an rx-on child or the poll interval
	// of a sleepy one. Zero selects the default.
	Timeout time.Duration

	// Store limits the Leader's Network Data.
	Store netdata.StoreConfig

	// Engine configures propagation on Leader and Routers.
	Engine propagation.Config

	// Client configures the sync client of rx-on devices.
	Client replica.ClientConfig

	// Poller configures the poller of sleepy devices.
	Poller replica.PollerConfig

	// Attach configures attachment.
	Attach attach.Config

	// RunID tags protocol log events.
	RunID string

	// Metrics is optional.
	Metrics *metrics.Metrics

	// ProtocolLogger receives state change events. Optional.
	ProtocolLogger log.Logger

	// Logger is the optional logger for debug output.
	// If nil, logging is disabled.
	Logger *slog.Logger
}

// Validate checks the configuration.
func (c *Config) Validate() error {
	if c.Name == "" {
		return fmt.Errorf("%w: name required", ErrInvalidConfig)
	}
	if c.RLOC == wire.BroadcastRLOC || c.RLOC == wire.InvalidRLOC {
		return fmt.Errorf("%w: %s: reserved RLOC16 0x%04x", ErrInvalidConfig, c.Name, c.RLOC)
	}
	switch c.Kind {
	case KindLeader:
		if c.LeaderID == 0 {
			return fmt.Errorf("%w: %s: leader id must be nonzero", ErrInvalidConfig, c.Name)
		}
	default:
		if c.Parent == c.RLOC || c.Parent == wire.BroadcastRLOC || c.Parent == wire.InvalidRLOC {
			return fmt.Errorf("%w: %s: invalid parent 0x%04x", ErrInvalidConfig, c.Name, c.Parent)
		}
	}
	if c.Kind != KindChild && c.Mode.Sleepy() {
		return fmt.Errorf("%w: %s: %s must be rx-on", ErrInvalidConfig, c.Name, c.Kind)
	}
	if c.Timeout < 0 {
		return fmt.Errorf("%w: %s: negative timeout", ErrInvalidConfig, c.Name)
	}
	return nil
}

// Device is one mesh device: Leader, Router or child.
//
// A Device composes the pieces its kind needs around a single Network Data
// mirror. The Leader owns the store and mirrors it; Routers and rx-on
// children sync through announcements; sleepy children poll. Devices with
// children run a propagation engine.
//
// All methods must be called on the event loop, except Netdata and Addrs
// which only read the mirror.
type Device struct {
	loop   *eventloop.Loop
	config Config
	logger *slog.Logger
	plog   log.Logger
	ep     *transport.Endpoint

	mirror   *replica.Mirror
	store    *netdata.Store
	engine   *propagation.Engine
	attacher *attach.Attacher
	client   *replica.SyncClient
	poller   *replica.SleepyPoller

	running     bool
	role        Role
	pastLeaders []uint32

	// Server Data: local edits, the last registered copy and its state.
	local         map[netip.Prefix]netdata.PrefixEntry
	registered    netdata.DataSet
	hasRegistered bool
	regPending    bool
	regTimer      *eventloop.Timer
	lastAck       wire.ServerDataAck
	hasAck        bool
	ackLeader     uint32
	regRoutes     map[uint16]uint16

	// Echo state.
	echoSeq uint16
	echoes  *lru.Cache[echoKey, uint16]
	pings   map[uint16]*pendingPing
}

// New creates a device and attaches it to medium. The device is idle until
// Start.
func New(loop *eventloop.Loop, medium *transport.Medium, config Config) (*Device, error) {
	if err := config.Validate(); err != nil {
		return nil, err
	}
	logger := config.Logger
	if logger == nil {
		logger = slog.New(slog.NewTextHandler(io.Discard, nil))
	}
	logger = logger.With("device", config.Name)

	echoes, err := lru.New[echoKey, uint16](echoCacheSize)
	if err != nil {
		return nil, err
	}
	d := &Device{
		loop:      loop,
		config:    config,
		logger:    logger,
		plog:      log.OrNoop(config.ProtocolLogger),
		local:     make(map[netip.Prefix]netdata.PrefixEntry),
		regRoutes: make(map[uint16]uint16),
		echoes:    echoes,
		pings:     make(map[uint16]*pendingPing),
	}

	ep, err := medium.Attach(config.RLOC, config.Name, d.handle)
	if err != nil {
		return nil, err
	}
	ep.SetUp(false)
	d.ep = ep

	d.mirror = replica.NewMirror(d.SyncMode())
	d.mirror.OnUpdate(d.mirrorUpdated)

	if config.Kind == KindLeader {
		d.store = d.newStore()
	} else if err := d.buildChild(); err != nil {
		return nil, err
	}

	if config.Kind != KindChild {
		ecfg := config.Engine
		ecfg.Name = config.Name
		ecfg.RLOC = config.RLOC
		ecfg.Metrics = config.Metrics
		ecfg.ProtocolLogger = d.plog
		ecfg.Logger = logger
		engine, err := propagation.New(loop, ep, d.mirror, ecfg)
		if err != nil {
			return nil, err
		}
		d.engine = engine
	}
	return d, nil
}

func (d *Device) newStore() *netdata.Store {
	scfg := d.config.Store
	if scfg.Logger == nil {
		scfg.Logger = d.logger
	}
	s := netdata.NewStore(scfg)
	s.OnChange(d.storeChanged)
	return s
}

// buildChild wires the attacher and the sync machinery of a non-Leader.
func (d *Device) buildChild() error {
	cfg := d.config
	req := wire.ParentRequest{Mode: cfg.Mode, ExtAddr: append([]byte(nil), cfg.ExtAddr[:]...)}
	acfg := cfg.Attach
	if acfg.Logger == nil {
		acfg.Logger = d.logger
	}

	switch {
	case cfg.Kind == KindRouter:
		// Routers are never evicted.
		req.Mode |= wire.ModeFullDevice
		acfg.KeepAlive = 0

	case cfg.Mode.Sleepy():
		pcfg := cfg.Poller
		if cfg.Timeout > 0 {
			pcfg.PollInterval = cfg.Timeout
		}
		pcfg.Name = cfg.Name
		pcfg.Metrics = cfg.Metrics
		if pcfg.Logger == nil {
			pcfg.Logger = d.logger
		}
		poller, err := replica.NewPoller(d.loop, d.ep, d.mirror, cfg.Parent, pcfg)
		if err != nil {
			return err
		}
		poller.OnDegraded(d.degraded)
		poller.OnStateChange(func(old, new replica.PollState) {
			d.logState(log.StateEntityPoller, old.String(), new.String(), "")
		})
		d.poller = poller
		req.TimeoutSec = uint32(poller.DataTimeout() / time.Second)
		acfg.KeepAlive = 0

	default:
		timeout := cfg.Timeout
		if timeout == 0 {
			timeout = DefaultChildTimeout
		}
		req.TimeoutSec = uint32(timeout / time.Second)
		if acfg.KeepAlive == 0 {
			acfg.KeepAlive = max(timeout/4, time.Second)
		}
	}

	if !cfg.Mode.Sleepy() {
		ccfg := cfg.Client
		if ccfg.Logger == nil {
			ccfg.Logger = d.logger
		}
		d.client = replica.NewClient(d.loop, d.ep, d.mirror, cfg.Parent, ccfg)
		d.client.OnStateChange(func(old, new replica.SyncState) {
			d.logState(log.StateEntitySync, old.String(), new.String(), "")
		})
	}

	d.attacher = attach.New(d.loop, d.ep, cfg.Parent, req, acfg)
	d.attacher.OnAttached(d.attached)
	d.attacher.OnLost(d.lost)
	d.attacher.OnStateChange(func(old, new attach.State, reason string) {
		if new == attach.StateAttached {
			d.setRole(cfg.Kind.attachedRole(), reason)
		} else {
			d.setRole(RoleDetached, reason)
		}
	})
	return nil
}

// Name returns the device name.
func (d *Device) Name() string { return d.config.Name }

// RLOC returns the device RLOC16.
func (d *Device) RLOC() uint16 { return d.config.RLOC }

// ExtAddr returns the extended address.
func (d *Device) ExtAddr() address.ExtAddr { return d.config.ExtAddr }

// Mode returns the device mode.
func (d *Device) Mode() wire.DeviceMode { return d.config.Mode }

// Kind returns the configured kind.
func (d *Device) Kind() Kind { return d.config.Kind }

// Parent returns the parent RLOC16, or wire.InvalidRLOC for the Leader.
func (d *Device) Parent() uint16 {
	if d.config.Kind == KindLeader {
		return wire.InvalidRLOC
	}
	return d.config.Parent
}

// SyncMode returns the replication tier. Leader and Routers always mirror
// the full data set.
func (d *Device) SyncMode() netdata.SyncMode {
	if d.config.Kind != KindChild {
		return netdata.SyncFull
	}
	return d.config.Mode.SyncMode()
}

// Sleepy reports whether the device polls its parent.
func (d *Device) Sleepy() bool {
	return d.poller != nil
}

// Running reports whether the device has been started.
func (d *Device) Running() bool {
	return d.running
}

// Children returns the child table, or nil for devices without children.
func (d *Device) Children() []propagation.ChildEntry {
	if d.engine == nil {
		return nil
	}
	return d.engine.Children()
}

// RemoveChild forgets a child, as a parent that lost its child table would.
// The child learns about it from its next poll or keep-alive.
func (d *Device) RemoveChild(rloc uint16) error {
	if d.engine == nil {
		return fmt.Errorf("%w: %s has no children", ErrNotChild, d.config.Name)
	}
	return d.engine.Remove(rloc, "removed")
}

// Start brings the device up. The Leader publishes its store; everyone
// else starts attaching.
func (d *Device) Start() {
	if d.running {
		return
	}
	d.running = true
	d.ep.SetUp(true)
	if d.engine != nil {
		d.engine.Start()
	}
	if d.config.Kind == KindLeader {
		d.setRole(RoleLeader, "started")
		d.publish()
		return
	}
	d.attacher.Start()
}

// Stop takes the device down. Outstanding pings fail.
func (d *Device) Stop() {
	if !d.running {
		return
	}
	d.running = false
	if d.attacher != nil {
		d.attacher.Stop()
	}
	if d.poller != nil {
		d.poller.Stop()
	}
	if d.engine != nil {
		d.engine.Stop()
	}
	d.regTimer.Stop()
	d.regTimer = nil
	d.regPending = false
	d.failPings()
	d.ep.SetUp(false)
	d.setRole(RoleDetached, "stopped")
}

// State returns the current role.
func (d *Device) State() Role {
	return d.role
}

// Netdata returns the mirror's data set and version.
func (d *Device) Netdata() (netdata.DataSet, netdata.Version) {
	snap := d.mirror.Load()
	return snap.Data, snap.Version
}

// LeaderID returns the Leader identity of the mirrored data, zero if none.
func (d *Device) LeaderID() uint32 {
	return d.mirror.Load().LeaderID
}

// Addrs returns the link-local address followed by the derived global
// addresses.
func (d *Device) Addrs() []netip.Addr {
	out := []netip.Addr{address.LinkLocal(d.config.ExtAddr)}
	return append(out, address.Derive(d.config.ExtAddr, d.mirror.Load().Data)...)
}

// SetTimeout sets the poll interval of a sleepy device, or the child
// timeout of an rx-on child.
func (d *Device) SetTimeout(t time.Duration) error {
	switch {
	case d.poller != nil:
		if err := d.poller.SetPollInterval(t); err != nil {
			return err
		}
		d.attacher.SetTimeout(d.poller.DataTimeout())
	case d.config.Kind == KindChild:
		if t < time.Second {
			return fmt.Errorf("%w: child timeout %v below 1s", ErrInvalidConfig, t)
		}
		d.attacher.SetTimeout(t)
	default:
		return fmt.Errorf("%w: %s is a %s", ErrNotChild, d.config.Name, d.config.Kind)
	}
	d.config.Timeout = t
	return nil
}

// RestartLeader gives the Leader a new identity with empty Network Data,
// as after a Leader reboot. Every mirror in the mesh is replaced by the
// new Leader's data, and border routers register again.
func (d *Device) RestartLeader(leaderID uint32) error {
	if d.config.Kind != KindLeader {
		return fmt.Errorf("%w: %s", ErrNotLeader, d.config.Name)
	}
	// Mirrors refuse data from a Leader they moved away from, so an id
	// is never reused.
	if leaderID == 0 || leaderID == d.config.LeaderID || slices.Contains(d.pastLeaders, leaderID) {
		return fmt.Errorf("%w: leader id %d", ErrInvalidConfig, leaderID)
	}
	d.logger.Info("leader restarted", "old_id", d.config.LeaderID, "new_id", leaderID)
	d.pastLeaders = append(d.pastLeaders, d.config.LeaderID)
	d.config.LeaderID = leaderID
	d.store = d.newStore()
	if !d.running {
		return nil
	}
	d.publish()
	if d.hasRegistered {
		_, err := d.registerLocal()
		return err
	}
	return nil
}

// publish copies the store into the Leader's mirror.
func (d *Device) publish() {
	data, v := d.store.Snapshot()
	d.config.Metrics.SetLeaderVersion(v)
	d.mirror.Apply(d.config.LeaderID, v, data)
}

func (d *Device) storeChanged(c netdata.Change) {
	d.config.Metrics.SetLeaderVersion(c.Version)
	d.mirror.Apply(d.config.LeaderID, c.Version, c.Data)
}

func (d *Device) mirrorUpdated(u replica.Update) {
	d.config.Metrics.MirrorApplied(d.config.Name, u.New.Version, u.New.Data.Len())
	reason := fmt.Sprintf("leader %d, %d entries", u.New.LeaderID, u.New.Data.Len())
	d.logState(log.StateEntityMirror, u.Old.Version.String(), u.New.Version.String(), reason)
	d.logger.Debug("mirror updated",
		"leader", u.New.LeaderID, "version", u.New.Version.String(), "entries", u.New.Data.Len())
	if d.running && d.config.Kind != KindLeader {
		d.checkRegistration(u.New)
	}
}

func (d *Device) attached(resp wire.ChildIDResponse) {
	if d.poller != nil {
		d.poller.Start()
		d.poller.Resume()
	}
	if d.client != nil && resp.Leader.LeaderID != 0 {
		d.client.HandleAnnouncement(d.config.Parent, resp.Leader)
	}
	if d.regPending {
		d.sendRegistration()
	} else {
		d.checkRegistration(d.mirror.Load())
	}
}

// lost handles a parent that no longer knows the device.
func (d *Device) lost() {
	d.logger.Info("parent relationship lost", "parent", d.config.Parent)
	d.config.Metrics.Detached(d.config.Name)
	if d.poller != nil {
		d.poller.Pause()
	}
	d.mirror.Clear()
}

// degraded handles a sleepy device that stopped hearing from its parent.
// The mirror is kept.
func (d *Device) degraded(reason string) {
	d.logger.Info("attachment degraded", "parent", d.config.Parent, "reason", reason)
	d.config.Metrics.Detached(d.config.Name)
	d.attacher.Degrade(reason)
}

func (d *Device) setRole(r Role, reason string) {
	if d.role == r {
		return
	}
	old := d.role
	d.role = r
	d.logger.Info("role changed", "old", old.String(), "new", r.String(), "reason", reason)
	d.logState(log.StateEntityRole, old.String(), r.String(), reason)
}

func (d *Device) logState(entity log.StateEntity, old, new, reason string) {
	d.plog.Log(log.Event{
		Timestamp: d.loop.Now(),
		RunID:     d.config.RunID,
		Layer:     log.LayerSync,
		Category:  log.CategoryState,
		Device:    d.config.Name,
		RLOC:      d.config.RLOC,
		StateChange: &log.StateChangeEvent{
			Entity:   entity,
			OldState: old,
			NewState: new,
			Reason:   reason,
		},
	})
}

// forward sends msg to a neighbor, through the indirect queue when the
// neighbor is a sleepy child.
func (d *Device) forward(dest uint16, msg wire.Message) {
	var err error
	if d.engine != nil {
		err = d.engine.SendTo(dest, msg)
	} else {
		err = d.ep.Send(dest, msg)
	}
	if err != nil {
		d.logger.Debug("forward failed", "to", dest, "type", msg.Type().String(), "error", err)
	}
}

// handle dispatches a received frame.
func (d *Device) handle(f *wire.Frame, msg wire.Message) {
	if !d.running {
		return
	}
	from := f.Source
	if d.engine != nil {
		d.engine.Heard(from)
	}
	switch m := msg.(type) {
	case wire.Announcement:
		if d.client != nil {
			d.client.HandleAnnouncement(from, m.Leader)
		}
	case wire.DataRequest:
		if d.engine != nil {
			d.engine.HandleDataRequest(from, m)
		}
	case wire.DataResponse:
		switch {
		case d.client != nil:
			d.client.HandleResponse(from, m)
		case d.poller != nil:
			d.poller.HandleResponse(from, m)
		}
	case wire.DataPoll:
		if d.engine != nil {
			d.engine.HandleDataPoll(from, m)
		}
	case wire.PollAck:
		if d.poller != nil {
			d.poller.HandleAck(from, m)
		}
	case wire.ServerData:
		d.handleServerData(from, m)
	case wire.ServerDataAck:
		d.handleServerDataAck(from, m)
	case wire.ParentRequest:
		if d.engine != nil {
			d.engine.HandleParentRequest(from, m)
		}
	case wire.ChildIDResponse:
		if d.attacher != nil {
			d.attacher.HandleResponse(from, m)
		}
	case wire.EchoRequest:
		d.handleEchoRequest(from, m)
	case wire.EchoReply:
		d.handleEchoReply(from, m)
	default:
		d.logger.Debug("unhandled message", "from", from, "type", msg.Type().String())
	}
}
