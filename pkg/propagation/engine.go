package propagation

import (
	"errors"
	"fmt"
	"io"
	"log/slog"
	"sort"
	"time"

	"github.com/meshdata/meshdata-go/pkg/eventloop"
	"github.com/meshdata/meshdata-go/pkg/log"
	"github.com/meshdata/meshdata-go/pkg/metrics"
	"github.com/meshdata/meshdata-go/pkg/netdata"
	"github.com/meshdata/meshdata-go/pkg/replica"
	"github.com/meshdata/meshdata-go/pkg/transport"
	"github.com/meshdata/meshdata-go/pkg/wire"
)

// Engine errors.
var (
	ErrTableFull     = errors.New("child table full")
	ErrUnknownChild  = errors.New("unknown child")
	ErrQueueOverflow = errors.New("indirect queue overflow")
)

// Default engine settings.
const (
	DefaultAnnounceInterval = 2 * time.Second
	DefaultAnnounceJitter   = 0.25
	DefaultMaxChildren      = 32
	DefaultMaxIndirect      = 8

	sweepInterval = time.Second
)

// Config configures an Engine.
type Config struct {
	// Name labels log output and metrics.
	Name string

	// RLOC is the engine's own RLOC16, used in protocol log events.
	RLOC uint16

	// AnnounceInterval is the heartbeat period.
	AnnounceInterval time.Duration

	// AnnounceJitter randomizes each heartbeat by this fraction.
	AnnounceJitter float64

	// MaxChildren caps the child table.
	MaxChildren int

	// MaxIndirect caps the frames queued per sleepy child. The oldest frame
	// is dropped on overflow.
	MaxIndirect int

	// Metrics records announcements and transfers. Optional.
	Metrics *metrics.Metrics

	// ProtocolLogger receives child table events. Optional.
	ProtocolLogger log.Logger

	// Logger is the optional logger for debug output.
	// If nil, logging is disabled.
	Logger *slog.Logger
}

// DefaultConfig returns a Config with default settings.
func DefaultConfig() Config {
	return Config{
		AnnounceInterval: DefaultAnnounceInterval,
		AnnounceJitter:   DefaultAnnounceJitter,
		MaxChildren:      DefaultMaxChildren,
		MaxIndirect:      DefaultMaxIndirect,
	}
}

// Validate checks the configuration.
func (c *Config) Validate() error {
	if c.AnnounceInterval <= 0 {
		return fmt.Errorf("announce interval must be positive: %v", c.AnnounceInterval)
	}
	if c.AnnounceJitter < 0 || c.AnnounceJitter >= 1 {
		return fmt.Errorf("announce jitter must be in [0,1): %v", c.AnnounceJitter)
	}
	if c.MaxChildren <= 0 || c.MaxIndirect <= 0 {
		return fmt.Errorf("table limits must be positive: children=%d indirect=%d", c.MaxChildren, c.MaxIndirect)
	}
	return nil
}

// ChildEntry is one row of the child table.
type ChildEntry struct {
	RLOC      uint16
	Mode      wire.DeviceMode
	ExtAddr   []byte
	Timeout   time.Duration // zero: never evicted
	LastHeard time.Time
}

// Sleepy reports whether the child needs indirect delivery.
func (c ChildEntry) Sleepy() bool {
	return c.Mode.Sleepy()
}

type child struct {
	ChildEntry
	queue []wire.Message
}

// Engine propagates a device's mirror to its children.
//
// The mirror is the only data source: a Router announces and serves what it
// has itself received, and the Leader keeps its mirror in step with the
// store. Announcements carry only the leader data; children pull. All
// methods must be called on the event loop.
type Engine struct {
	loop   *eventloop.Loop
	sender transport.Sender
	mirror *replica.Mirror
	config Config
	logger *slog.Logger
	plog   log.Logger

	children map[uint16]*child
	running  bool

	heartbeat *eventloop.Timer
	sweeper   *eventloop.Timer

	// Callbacks
	onChildAdded   func(ChildEntry)
	onChildRemoved func(ChildEntry, string)
}

// New creates an Engine serving mirror.
func New(loop *eventloop.Loop, sender transport.Sender, mirror *replica.Mirror, config Config) (*Engine, error) {
	def := DefaultConfig()
	if config.AnnounceInterval == 0 {
		config.AnnounceInterval = def.AnnounceInterval
	}
	if config.MaxChildren == 0 {
		config.MaxChildren = def.MaxChildren
	}
	if config.MaxIndirect == 0 {
		config.MaxIndirect = def.MaxIndirect
	}
	if err := config.Validate(); err != nil {
		return nil, err
	}
	logger := config.Logger
	if logger == nil {
		logger = slog.New(slog.NewTextHandler(io.Discard, nil))
	}
	e := &Engine{
		loop:     loop,
		sender:   sender,
		mirror:   mirror,
		config:   config,
		logger:   logger,
		plog:     log.OrNoop(config.ProtocolLogger),
		children: make(map[uint16]*child),
	}
	mirror.OnUpdate(func(u replica.Update) {
		if e.running && u.New.LeaderID != 0 {
			e.Announce()
		}
	})
	return e, nil
}

// OnChildAdded sets the callback invoked when a child joins the table.
func (e *Engine) OnChildAdded(fn func(ChildEntry)) {
	e.onChildAdded = fn
}

// OnChildRemoved sets the callback invoked when a child leaves the table.
func (e *Engine) OnChildRemoved(fn func(ChildEntry, string)) {
	e.onChildRemoved = fn
}

// Start begins the heartbeat and the child sweep.
func (e *Engine) Start() {
	if e.running {
		return
	}
	e.running = true
	e.scheduleHeartbeat()
	e.sweeper = e.loop.After(sweepInterval, e.sweep)
}

// Stop cancels all timers. The child table is kept.
func (e *Engine) Stop() {
	e.running = false
	e.heartbeat.Stop()
	e.sweeper.Stop()
	e.heartbeat, e.sweeper = nil, nil
}

// LeaderData returns what the engine currently advertises.
func (e *Engine) LeaderData() wire.LeaderData {
	cur := e.mirror.Load()
	return wire.LeaderData{LeaderID: cur.LeaderID, Version: cur.Version}
}

// Announce sends the current leader data to every rx-on child. An empty
// mirror is never announced.
func (e *Engine) Announce() {
	ld := e.LeaderData()
	if ld.LeaderID == 0 {
		return
	}
	for _, c := range e.sortedChildren() {
		if c.Sleepy() {
			continue
		}
		if err := e.sender.Send(c.RLOC, wire.Announcement{Leader: ld}); err != nil {
			e.logger.Debug("announcement failed", "child", c.RLOC, "error", err)
		}
	}
	e.config.Metrics.Announced(e.config.Name)
}

// HandleDataRequest answers with the mirror filtered for the requested mode.
func (e *Engine) HandleDataRequest(from uint16, req wire.DataRequest) {
	e.Heard(from)
	cur := e.mirror.Load()
	if cur.LeaderID == 0 {
		return
	}
	e.respond(from, cur, req.Mode)
}

// HandleDataPoll answers a sleepy child's poll. An unknown child is told
// to reattach.
func (e *Engine) HandleDataPoll(from uint16, poll wire.DataPoll) {
	c, ok := e.children[from]
	if !ok {
		e.logger.Debug("poll from unknown child", "from", from)
		e.send(from, wire.ChildIDResponse{Accepted: false, ChildRLOC: from, Leader: e.LeaderData()})
		return
	}
	c.LastHeard = e.loop.Now()

	cur := e.mirror.Load()
	behind := cur.LeaderID != 0 &&
		(poll.LeaderID != cur.LeaderID || poll.Version.Behind(cur.Version, poll.Mode))
	if behind {
		e.respond(from, cur, poll.Mode)
	} else {
		e.send(from, wire.PollAck{Pending: uint8(min(len(c.queue), 255))})
	}
	e.flush(c)
}

// HandleParentRequest admits or renews a child and answers with the
// current leader data.
func (e *Engine) HandleParentRequest(from uint16, req wire.ParentRequest) {
	now := e.loop.Now()
	c, known := e.children[from]
	if !known && len(e.children) >= e.config.MaxChildren {
		e.logger.Debug("rejecting child", "from", from, "error", ErrTableFull)
		e.send(from, wire.ChildIDResponse{Accepted: false, ChildRLOC: from})
		return
	}
	if !known {
		c = &child{}
		e.children[from] = c
	}
	c.ChildEntry = ChildEntry{
		RLOC:      from,
		Mode:      req.Mode,
		ExtAddr:   append([]byte(nil), req.ExtAddr...),
		Timeout:   time.Duration(req.TimeoutSec) * time.Second,
		LastHeard: now,
	}
	e.send(from, wire.ChildIDResponse{Accepted: true, ChildRLOC: from, Leader: e.LeaderData()})

	if !known {
		e.logChild(from, "", "ATTACHED", req.Mode.String())
		if e.onChildAdded != nil {
			e.onChildAdded(c.ChildEntry)
		}
	}
}

// Heard refreshes a child's liveness. Unknown sources are ignored.
func (e *Engine) Heard(from uint16) {
	if c, ok := e.children[from]; ok {
		c.LastHeard = e.loop.Now()
	}
}

// SendTo delivers msg to a neighbor, holding it for the next poll when the
// destination is a sleepy child.
func (e *Engine) SendTo(dest uint16, msg wire.Message) error {
	c, ok := e.children[dest]
	if !ok || !c.Sleepy() {
		return e.sender.Send(dest, msg)
	}
	var err error
	if len(c.queue) >= e.config.MaxIndirect {
		c.queue = c.queue[1:]
		err = fmt.Errorf("%w: child 0x%04x", ErrQueueOverflow, dest)
	}
	c.queue = append(c.queue, msg)
	return err
}

// Child returns the table entry for rloc.
func (e *Engine) Child(rloc uint16) (ChildEntry, bool) {
	c, ok := e.children[rloc]
	if !ok {
		return ChildEntry{}, false
	}
	return c.ChildEntry, true
}

// IsChild reports whether rloc is in the child table.
func (e *Engine) IsChild(rloc uint16) bool {
	_, ok := e.children[rloc]
	return ok
}

// Children returns the child table ordered by RLOC16.
func (e *Engine) Children() []ChildEntry {
	return e.sortedChildren()
}

// Pending returns the number of frames queued for rloc.
func (e *Engine) Pending(rloc uint16) int {
	if c, ok := e.children[rloc]; ok {
		return len(c.queue)
	}
	return 0
}

// Remove drops a child from the table.
func (e *Engine) Remove(rloc uint16, reason string) error {
	c, ok := e.children[rloc]
	if !ok {
		return fmt.Errorf("%w: 0x%04x", ErrUnknownChild, rloc)
	}
	delete(e.children, rloc)
	e.logChild(rloc, "ATTACHED", "REMOVED", reason)
	if e.onChildRemoved != nil {
		e.onChildRemoved(c.ChildEntry, reason)
	}
	return nil
}

func (e *Engine) respond(to uint16, cur replica.Snapshot, mode netdata.SyncMode) {
	resp := wire.DataResponse{
		Leader:  wire.LeaderData{LeaderID: cur.LeaderID, Version: cur.Version},
		Mode:    mode,
		Entries: wire.EntriesFrom(cur.Data.Filter(mode)),
	}
	e.send(to, resp)
	e.config.Metrics.RequestServed(e.config.Name, mode)
}

func (e *Engine) flush(c *child) {
	queued := c.queue
	c.queue = nil
	for _, msg := range queued {
		e.send(c.RLOC, msg)
	}
}

func (e *Engine) send(to uint16, msg wire.Message) {
	if err := e.sender.Send(to, msg); err != nil {
		e.logger.Debug("send failed", "to", to, "type", msg.Type(), "error", err)
	}
}

func (e *Engine) scheduleHeartbeat() {
	d := e.loop.Jitter(e.config.AnnounceInterval, e.config.AnnounceJitter)
	e.heartbeat = e.loop.After(d, func() {
		if !e.running {
			return
		}
		e.Announce()
		e.scheduleHeartbeat()
	})
}

func (e *Engine) sweep() {
	if !e.running {
		return
	}
	now := e.loop.Now()
	for _, c := range e.sortedChildren() {
		if c.Timeout > 0 && now.Sub(c.LastHeard) > c.Timeout {
			e.logger.Debug("child timed out", "child", c.RLOC, "timeout", c.Timeout)
			_ = e.Remove(c.RLOC, "timeout")
		}
	}
	e.sweeper = e.loop.After(sweepInterval, e.sweep)
}

func (e *Engine) sortedChildren() []ChildEntry {
	out := make([]ChildEntry, 0, len(e.children))
	for _, c := range e.children {
		out = append(out, c.ChildEntry)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].RLOC < out[j].RLOC })
	return out
}

func (e *Engine) logChild(rloc uint16, old, new, reason string) {
	e.plog.Log(log.Event{
		Timestamp: e.loop.Now(),
		Layer:     log.LayerSync,
		Category:  log.CategoryState,
		Device:    e.config.Name,
		RLOC:      e.config.RLOC,
		Peer:      rloc,
		StateChange: &log.StateChangeEvent{
			Entity:   log.StateEntityChild,
			OldState: old,
			NewState: new,
			Reason:   reason,
		},
	})
}
