package transport

import (
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"math/rand/v2"
	"sort"
	"time"

	"github.com/google/uuid"
	lru "github.com/hashicorp/golang-lru/v2"

	"github.com/meshdata/meshdata-go/pkg/eventloop"
	"github.com/meshdata/meshdata-go/pkg/log"
	"github.com/meshdata/meshdata-go/pkg/metrics"
	"github.com/meshdata/meshdata-go/pkg/wire"
)

// Medium errors.
var (
	ErrDuplicateAddress = errors.New("address already attached")
	ErrUnknownAddress   = errors.New("address not attached")
	ErrEndpointClosed   = errors.New("endpoint closed")
)

// Default medium parameters.
const (
	DefaultDelay      = 5 * time.Millisecond
	DefaultJitter     = 3 * time.Millisecond
	DefaultDedupeSize = 512
)

// Config configures a Medium.
type Config struct {
	// Delay is the base per-hop delivery delay.
	Delay time.Duration

	// Jitter is the maximum extra random delay per delivery. Jitter larger
	// than the gap between two frames reorders them.
	Jitter time.Duration

	// Loss is the probability that a delivery is lost.
	Loss float64

	// Duplicate is the probability that a delivery happens twice.
	Duplicate float64

	// DedupeSize is the number of frame IDs each receiver remembers.
	DedupeSize int

	// Seed seeds frame ID generation.
	Seed uint64

	// RunID tags protocol log events.
	RunID string

	// Logger is the optional logger for debug output.
	// If nil, logging is disabled.
	Logger *slog.Logger

	// ProtocolLogger receives frame and drop events. Optional.
	ProtocolLogger log.Logger

	// Metrics records frame counters. Optional.
	Metrics *metrics.Metrics
}

// DefaultConfig returns a Config with default delays and a lossless link.
func DefaultConfig() Config {
	return Config{
		Delay:      DefaultDelay,
		Jitter:     DefaultJitter,
		DedupeSize: DefaultDedupeSize,
	}
}

// Validate checks the configuration.
func (c *Config) Validate() error {
	if c.Loss < 0 || c.Loss > 1 {
		return fmt.Errorf("loss %v out of range [0,1]", c.Loss)
	}
	if c.Duplicate < 0 || c.Duplicate > 1 {
		return fmt.Errorf("duplicate %v out of range [0,1]", c.Duplicate)
	}
	if c.Delay < 0 || c.Jitter < 0 {
		return errors.New("delay and jitter must not be negative")
	}
	return nil
}

type linkKey struct{ a, b uint16 }

func keyFor(a, b uint16) linkKey {
	if a > b {
		a, b = b, a
	}
	return linkKey{a, b}
}

// link holds per-link overrides.
type link struct {
	loss    float64
	hasLoss bool
}

// Medium is the simulated radio channel between directly linked devices.
//
// Deliveries are scheduled on the event loop with per-hop delay and jitter,
// so frames can arrive out of order. Frames can be lost or duplicated;
// each receiver drops frame IDs it has already seen.
type Medium struct {
	loop      *eventloop.Loop
	config    Config
	logger    *slog.Logger
	plog      log.Logger
	ids       io.Reader
	endpoints map[uint16]*Endpoint
	links     map[linkKey]*link
}

// NewMedium creates a Medium on loop.
func NewMedium(loop *eventloop.Loop, config Config) (*Medium, error) {
	if err := config.Validate(); err != nil {
		return nil, err
	}
	if config.DedupeSize <= 0 {
		config.DedupeSize = DefaultDedupeSize
	}
	logger := config.Logger
	if logger == nil {
		logger = slog.New(slog.NewTextHandler(io.Discard, nil))
	}
	var seed [32]byte
	binary.LittleEndian.PutUint64(seed[:], config.Seed)
	return &Medium{
		loop:      loop,
		config:    config,
		logger:    logger,
		plog:      log.OrNoop(config.ProtocolLogger),
		ids:       rand.NewChaCha8(seed),
		endpoints: make(map[uint16]*Endpoint),
		links:     make(map[linkKey]*link),
	}, nil
}

// Attach registers a device address on the medium.
func (m *Medium) Attach(rloc uint16, name string, h Handler) (*Endpoint, error) {
	if _, exists := m.endpoints[rloc]; exists {
		return nil, fmt.Errorf("%w: 0x%04x", ErrDuplicateAddress, rloc)
	}
	seen, err := lru.New[string, struct{}](m.config.DedupeSize)
	if err != nil {
		return nil, err
	}
	ep := &Endpoint{
		medium:  m,
		rloc:    rloc,
		name:    name,
		handler: h,
		seen:    seen,
		up:      true,
	}
	m.endpoints[rloc] = ep
	return ep, nil
}

// Link connects two attached addresses in both directions.
func (m *Medium) Link(a, b uint16) error {
	if _, ok := m.endpoints[a]; !ok {
		return fmt.Errorf("%w: 0x%04x", ErrUnknownAddress, a)
	}
	if _, ok := m.endpoints[b]; !ok {
		return fmt.Errorf("%w: 0x%04x", ErrUnknownAddress, b)
	}
	k := keyFor(a, b)
	if _, ok := m.links[k]; !ok {
		m.links[k] = &link{}
	}
	return nil
}

// Unlink removes the link between a and b.
func (m *Medium) Unlink(a, b uint16) {
	delete(m.links, keyFor(a, b))
}

// SetLinkLoss overrides the loss probability of one link.
func (m *Medium) SetLinkLoss(a, b uint16, loss float64) {
	if l, ok := m.links[keyFor(a, b)]; ok {
		l.loss, l.hasLoss = loss, true
	}
}

// SetLoss changes the default loss probability.
func (m *Medium) SetLoss(loss float64) {
	m.config.Loss = loss
}

// Linked reports whether a and b share a link.
func (m *Medium) Linked(a, b uint16) bool {
	_, ok := m.links[keyFor(a, b)]
	return ok
}

// Neighbors returns the addresses linked to rloc in ascending order.
func (m *Medium) Neighbors(rloc uint16) []uint16 {
	var out []uint16
	for k := range m.links {
		switch rloc {
		case k.a:
			out = append(out, k.b)
		case k.b:
			out = append(out, k.a)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out
}

func (m *Medium) lossFor(a, b uint16) float64 {
	if l, ok := m.links[keyFor(a, b)]; ok && l.hasLoss {
		return l.loss
	}
	return m.config.Loss
}

func (m *Medium) newID() []byte {
	id, err := uuid.NewRandomFromReader(m.ids)
	if err != nil {
		id = uuid.New()
	}
	return id[:]
}

// transmit schedules delivery of an encoded frame from src to dst.
func (m *Medium) transmit(src *Endpoint, dst uint16, f *wire.Frame, data []byte) {
	if !m.Linked(src.rloc, dst) {
		m.drop(src, dst, f.ID, log.DropNoLink)
		return
	}
	rng := m.loop.Rand()
	copies := 1
	if m.config.Duplicate > 0 && rng.Float64() < m.config.Duplicate {
		copies = 2
	}
	loss := m.lossFor(src.rloc, dst)
	for range copies {
		if loss > 0 && rng.Float64() < loss {
			m.drop(src, dst, f.ID, log.DropLoss)
			continue
		}
		delay := m.config.Delay
		if m.config.Jitter > 0 {
			delay += time.Duration(rng.Int64N(int64(m.config.Jitter) + 1))
		}
		m.loop.After(delay, func() { m.deliver(dst, src.rloc, data) })
	}
}

func (m *Medium) deliver(dst, src uint16, data []byte) {
	ep, ok := m.endpoints[dst]
	if !ok {
		return
	}
	f, err := wire.DecodeFrame(data)
	if err != nil {
		m.config.Metrics.FrameDropped(log.DropDecode.String())
		m.plog.Log(log.Event{
			Timestamp: m.loop.Now(),
			RunID:     m.config.RunID,
			Direction: log.DirectionIn,
			Layer:     log.LayerWire,
			Category:  log.CategoryError,
			Device:    ep.name,
			RLOC:      ep.rloc,
			Peer:      src,
			Error:     &log.ErrorEventData{Layer: log.LayerWire, Message: err.Error(), Context: "decode frame"},
		})
		return
	}
	if !ep.up {
		m.drop(ep, src, f.ID, log.DropDetached)
		return
	}
	if seen, _ := ep.seen.ContainsOrAdd(string(f.ID), struct{}{}); seen {
		m.drop(ep, src, f.ID, log.DropDuplicate)
		return
	}
	msg, err := f.Message()
	if err != nil {
		m.drop(ep, src, f.ID, log.DropDecode)
		return
	}
	m.plog.Log(log.Event{
		Timestamp: m.loop.Now(),
		RunID:     m.config.RunID,
		Direction: log.DirectionIn,
		Layer:     log.LayerMedium,
		Category:  log.CategoryMessage,
		Device:    ep.name,
		RLOC:      ep.rloc,
		Peer:      src,
		Frame:     log.NewFrameEvent(f.ID, data),
	})
	ep.handler(f, msg)
}

func (m *Medium) drop(ep *Endpoint, peer uint16, id []byte, reason log.DropReason) {
	m.config.Metrics.FrameDropped(reason.String())
	m.logger.Debug("frame dropped", "device", ep.name, "peer", peer, "reason", reason.String())
	m.plog.Log(log.Event{
		Timestamp: m.loop.Now(),
		RunID:     m.config.RunID,
		Layer:     log.LayerMedium,
		Category:  log.CategoryDrop,
		Device:    ep.name,
		RLOC:      ep.rloc,
		Peer:      peer,
		Drop:      &log.DropEvent{Reason: reason, ID: id},
	})
}

// Endpoint is one device's attachment to the Medium. It implements Sender.
type Endpoint struct {
	medium  *Medium
	rloc    uint16
	name    string
	handler Handler
	seen    *lru.Cache[string, struct{}]
	up      bool
}

// RLOC returns the endpoint address.
func (e *Endpoint) RLOC() uint16 {
	return e.rloc
}

// SetUp starts or stops reception. A down endpoint cannot send and drops
// every frame delivered to it.
func (e *Endpoint) SetUp(up bool) {
	e.up = up
}

// Send encodes msg and schedules it to dest or to every neighbor.
func (e *Endpoint) Send(dest uint16, msg wire.Message) error {
	if !e.up {
		return ErrEndpointClosed
	}
	m := e.medium
	f, err := wire.NewFrame(m.newID(), e.rloc, dest, msg)
	if err != nil {
		return err
	}
	data, err := wire.EncodeFrame(f)
	if err != nil {
		return err
	}

	m.config.Metrics.FrameSent(f.Type.String())
	m.plog.Log(log.Event{
		Timestamp: m.loop.Now(),
		RunID:     m.config.RunID,
		Direction: log.DirectionOut,
		Layer:     log.LayerMedium,
		Category:  log.CategoryMessage,
		Device:    e.name,
		RLOC:      e.rloc,
		Peer:      dest,
		Frame:     log.NewFrameEvent(f.ID, data),
	})

	if dest == wire.BroadcastRLOC {
		for _, n := range m.Neighbors(e.rloc) {
			m.transmit(e, n, f, data)
		}
		return nil
	}
	m.transmit(e, dest, f, data)
	return nil
}

// Compile-time interface satisfaction check.
var _ Sender = (*Endpoint)(nil)
