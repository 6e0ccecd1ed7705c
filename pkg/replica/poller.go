package replica

import (
	"errors"
	"io"
	"log/slog"
	"time"

	"github.com/meshdata/meshdata-go/pkg/eventloop"
	"github.com/meshdata/meshdata-go/pkg/metrics"
	"github.com/meshdata/meshdata-go/pkg/transport"
	"github.com/meshdata/meshdata-go/pkg/wire"
)

// ErrInvalidTimeout is returned for poll timings that cannot work.
var ErrInvalidTimeout = errors.New("response timeout must be shorter than poll interval")

// Default poller timings.
const (
	DefaultPollInterval    = 3 * time.Second
	DefaultResponseTimeout = 500 * time.Millisecond

	// DataTimeoutPolls is the number of poll intervals without a successful
	// response after which attachment is degraded.
	DataTimeoutPolls = 4
)

// PollState is the state of a SleepyPoller.
type PollState uint8

const (
	// StateAsleep means the radio is off until the next wake.
	StateAsleep PollState = iota
	// StateRequesting means a DataPoll is outstanding.
	StateRequesting
)

// String returns the state name.
func (s PollState) String() string {
	switch s {
	case StateAsleep:
		return "ASLEEP"
	case StateRequesting:
		return "REQUESTING"
	default:
		return "UNKNOWN"
	}
}

// PollerConfig configures a SleepyPoller.
type PollerConfig struct {
	// PollInterval is the wake period.
	PollInterval time.Duration

	// ResponseTimeout bounds the wait after a poll.
	ResponseTimeout time.Duration

	// DataTimeout degrades attachment when no poll succeeds for this long.
	// Zero means DataTimeoutPolls * PollInterval.
	DataTimeout time.Duration

	// Name labels metrics.
	Name string

	// Metrics records poll outcomes. Optional.
	Metrics *metrics.Metrics

	// Logger is the optional logger for debug output.
	// If nil, logging is disabled.
	Logger *slog.Logger
}

// DefaultPollerConfig returns a PollerConfig with default timings.
func DefaultPollerConfig() PollerConfig {
	return PollerConfig{
		PollInterval:    DefaultPollInterval,
		ResponseTimeout: DefaultResponseTimeout,
	}
}

// Validate checks the configuration.
func (c *PollerConfig) Validate() error {
	if c.ResponseTimeout >= c.PollInterval {
		return ErrInvalidTimeout
	}
	return nil
}

// SleepyPoller keeps a sleepy device's mirror in step by polling its parent.
//
// Between wakes the device does nothing; it is a pending timer on the event
// loop. On each wake it sends DataPoll with its version and waits at most
// ResponseTimeout. An unanswered poll is abandoned; the next wake starts a
// fresh one. All methods must be called on the event loop.
type SleepyPoller struct {
	loop   *eventloop.Loop
	sender transport.Sender
	mirror *Mirror
	parent uint16
	config PollerConfig
	logger *slog.Logger

	state       PollState
	running     bool
	paused      bool
	lastSuccess time.Time
	wakeTimer   *eventloop.Timer
	respTimer   *eventloop.Timer

	// Callbacks
	onDegraded    func(reason string)
	onStateChange func(old, new PollState)
}

// NewPoller creates a SleepyPoller that polls parent.
func NewPoller(loop *eventloop.Loop, sender transport.Sender, mirror *Mirror, parent uint16, config PollerConfig) (*SleepyPoller, error) {
	if config.PollInterval <= 0 {
		config.PollInterval = DefaultPollInterval
	}
	if config.ResponseTimeout <= 0 {
		config.ResponseTimeout = DefaultResponseTimeout
	}
	if err := config.Validate(); err != nil {
		return nil, err
	}
	logger := config.Logger
	if logger == nil {
		logger = slog.New(slog.NewTextHandler(io.Discard, nil))
	}
	return &SleepyPoller{
		loop:   loop,
		sender: sender,
		mirror: mirror,
		parent: parent,
		config: config,
		logger: logger,
	}, nil
}

// OnDegraded sets the callback invoked when DataTimeout expires. The
// poller pauses itself before calling it.
func (p *SleepyPoller) OnDegraded(fn func(reason string)) {
	p.onDegraded = fn
}

// OnStateChange sets the callback invoked on every state transition.
func (p *SleepyPoller) OnStateChange(fn func(old, new PollState)) {
	p.onStateChange = fn
}

// State returns the current state.
func (p *SleepyPoller) State() PollState {
	return p.state
}

// PollInterval returns the wake period.
func (p *SleepyPoller) PollInterval() time.Duration {
	return p.config.PollInterval
}

// DataTimeout returns the effective data timeout.
func (p *SleepyPoller) DataTimeout() time.Duration {
	if p.config.DataTimeout > 0 {
		return p.config.DataTimeout
	}
	return DataTimeoutPolls * p.config.PollInterval
}

// SetPollInterval changes the wake period. A running poller reschedules its
// next wake one new interval from now.
func (p *SleepyPoller) SetPollInterval(d time.Duration) error {
	cfg := p.config
	cfg.PollInterval = d
	if d <= 0 {
		return ErrInvalidTimeout
	}
	if err := cfg.Validate(); err != nil {
		return err
	}
	p.config = cfg
	if p.running && !p.paused {
		p.wakeTimer.Stop()
		p.wakeTimer = p.loop.After(d, p.wake)
	}
	return nil
}

// Start begins polling with an immediate wake.
func (p *SleepyPoller) Start() {
	if p.running {
		return
	}
	p.running = true
	p.paused = false
	p.lastSuccess = p.loop.Now()
	p.wake()
}

// Stop cancels all timers.
func (p *SleepyPoller) Stop() {
	p.running = false
	p.cancel()
}

// Pause stops polling while the device is detached.
func (p *SleepyPoller) Pause() {
	if !p.running || p.paused {
		return
	}
	p.paused = true
	p.cancel()
}

// Resume restarts polling with an immediate wake and a fresh data timeout.
func (p *SleepyPoller) Resume() {
	if !p.running || !p.paused {
		return
	}
	p.paused = false
	p.lastSuccess = p.loop.Now()
	p.wake()
}

// Paused reports whether polling is paused.
func (p *SleepyPoller) Paused() bool {
	return p.paused
}

// HandleResponse applies a DataResponse to an outstanding poll.
// It reports whether the mirror changed.
func (p *SleepyPoller) HandleResponse(from uint16, resp wire.DataResponse) bool {
	if from != p.parent || p.paused {
		return false
	}
	data, err := wire.DataSetFrom(resp.Entries)
	if err != nil {
		p.logger.Debug("discarding malformed response", "from", from, "error", err)
		return false
	}
	applied := p.mirror.Apply(resp.Leader.LeaderID, resp.Leader.Version, data)
	p.succeeded(metrics.PollData)
	return applied
}

// HandleAck completes an outstanding poll with no data.
func (p *SleepyPoller) HandleAck(from uint16, _ wire.PollAck) {
	if from != p.parent || p.paused {
		return
	}
	p.succeeded(metrics.PollAck)
}

func (p *SleepyPoller) wake() {
	if !p.running || p.paused {
		return
	}
	if p.loop.Now().Sub(p.lastSuccess) > p.DataTimeout() {
		p.logger.Debug("data timeout", "parent", p.parent, "last_success", p.lastSuccess)
		p.Pause()
		if p.onDegraded != nil {
			p.onDegraded("data timeout")
		}
		return
	}

	p.wakeTimer = p.loop.After(p.config.PollInterval, p.wake)
	p.setState(StateRequesting)
	cur := p.mirror.Load()
	poll := wire.DataPoll{Mode: p.mirror.Mode(), Version: cur.Version, LeaderID: cur.LeaderID}
	if err := p.sender.Send(p.parent, poll); err != nil {
		p.logger.Debug("data poll failed", "parent", p.parent, "error", err)
	}
	p.respTimer.Stop()
	p.respTimer = p.loop.After(p.config.ResponseTimeout, p.abandon)
}

func (p *SleepyPoller) abandon() {
	if p.state != StateRequesting {
		return
	}
	p.config.Metrics.Polled(p.config.Name, metrics.PollTimeout)
	p.setState(StateAsleep)
}

func (p *SleepyPoller) succeeded(result string) {
	if p.state != StateRequesting {
		// Late answer to an abandoned poll still proves the parent is alive.
		p.lastSuccess = p.loop.Now()
		return
	}
	p.respTimer.Stop()
	p.respTimer = nil
	p.lastSuccess = p.loop.Now()
	p.config.Metrics.Polled(p.config.Name, result)
	p.setState(StateAsleep)
}

func (p *SleepyPoller) cancel() {
	p.wakeTimer.Stop()
	p.respTimer.Stop()
	p.wakeTimer, p.respTimer = nil, nil
	p.setState(StateAsleep)
}

func (p *SleepyPoller) setState(s PollState) {
	if p.state == s {
		return
	}
	old := p.state
	p.state = s
	if p.onStateChange != nil {
		p.onStateChange(old, s)
	}
}
