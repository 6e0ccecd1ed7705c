package attach

import (
	"io"
	"log/slog"
	"time"

	"github.com/meshdata/meshdata-go/pkg/eventloop"
	"github.com/meshdata/meshdata-go/pkg/transport"
	"github.com/meshdata/meshdata-go/pkg/wire"
)

// Default attachment timings.
const (
	DefaultResponseTimeout = 1 * time.Second
	DefaultChildTimeout    = 240 * time.Second
)

// State is the attachment state of a device.
type State uint8

const (
	// StateDetached means no usable parent relationship.
	StateDetached State = iota
	// StateAttaching means a ParentRequest is outstanding.
	StateAttaching
	// StateAttached means the parent accepted the device.
	StateAttached
)

// String returns the state name.
func (s State) String() string {
	switch s {
	case StateDetached:
		return "DETACHED"
	case StateAttaching:
		return "ATTACHING"
	case StateAttached:
		return "ATTACHED"
	default:
		return "UNKNOWN"
	}
}

// Config configures an Attacher.
type Config struct {
	// ResponseTimeout bounds the wait for a ChildIDResponse.
	ResponseTimeout time.Duration

	// KeepAlive is the renewal period while attached. Zero disables
	// renewal (sleepy children renew through their polls).
	KeepAlive time.Duration

	// Backoff paces reattach attempts.
	Backoff BackoffConfig

	// Logger is the optional logger for debug output.
	// If nil, logging is disabled.
	Logger *slog.Logger
}

// DefaultConfig returns a Config with default timings.
func DefaultConfig() Config {
	return Config{
		ResponseTimeout: DefaultResponseTimeout,
		Backoff:         DefaultBackoffConfig(),
	}
}

// Attacher runs a device's attach and reattach procedure towards a fixed
// parent. All methods must be called on the event loop.
type Attacher struct {
	loop    *eventloop.Loop
	sender  transport.Sender
	parent  uint16
	request wire.ParentRequest
	config  Config
	logger  *slog.Logger

	state   State
	backoff *Backoff
	timer   *eventloop.Timer
	running bool

	// Callbacks
	onAttached    func(wire.ChildIDResponse)
	onLost        func()
	onStateChange func(old, new State, reason string)
}

// New creates an Attacher that requests attachment from parent.
func New(loop *eventloop.Loop, sender transport.Sender, parent uint16, request wire.ParentRequest, config Config) *Attacher {
	if config.ResponseTimeout <= 0 {
		config.ResponseTimeout = DefaultResponseTimeout
	}
	logger := config.Logger
	if logger == nil {
		logger = slog.New(slog.NewTextHandler(io.Discard, nil))
	}
	return &Attacher{
		loop:    loop,
		sender:  sender,
		parent:  parent,
		request: request,
		config:  config,
		logger:  logger,
		backoff: NewBackoff(config.Backoff, loop.Rand()),
	}
}

// OnAttached sets the callback invoked when the parent accepts.
func (a *Attacher) OnAttached(fn func(wire.ChildIDResponse)) {
	a.onAttached = fn
}

// OnLost sets the callback invoked when the parent rejects the device,
// meaning the parent relationship no longer exists.
func (a *Attacher) OnLost(fn func()) {
	a.onLost = fn
}

// OnStateChange sets the callback invoked on every state transition.
func (a *Attacher) OnStateChange(fn func(old, new State, reason string)) {
	a.onStateChange = fn
}

// State returns the current attachment state.
func (a *Attacher) State() State {
	return a.state
}

// Parent returns the parent RLOC16.
func (a *Attacher) Parent() uint16 {
	return a.parent
}

// Backoff returns the reattach backoff.
func (a *Attacher) Backoff() *Backoff {
	return a.backoff
}

// SetTimeout updates the child timeout advertised to the parent. A
// keep-alive in use is rescaled to a quarter of d. An attached device renews
// immediately.
func (a *Attacher) SetTimeout(d time.Duration) {
	a.request.TimeoutSec = uint32(d / time.Second)
	if a.config.KeepAlive > 0 {
		a.config.KeepAlive = max(d/4, time.Second)
	}
	if a.running && a.state == StateAttached {
		a.send()
	}
}

// Start begins attaching.
func (a *Attacher) Start() {
	if a.running {
		return
	}
	a.running = true
	a.backoff.Reset()
	a.attempt()
}

// Stop cancels any pending attempt and detaches.
func (a *Attacher) Stop() {
	a.running = false
	a.timer.Stop()
	a.timer = nil
	a.setState(StateDetached, "stopped")
}

// Degrade marks the attachment as unusable and starts reattaching after a
// backoff delay. The parent relationship is not considered lost.
func (a *Attacher) Degrade(reason string) {
	if !a.running || a.state == StateDetached {
		return
	}
	a.setState(StateDetached, reason)
	a.retryLater()
}

// HandleResponse processes a ChildIDResponse from the parent.
func (a *Attacher) HandleResponse(from uint16, resp wire.ChildIDResponse) {
	if !a.running || from != a.parent {
		return
	}
	if !resp.Accepted {
		a.timer.Stop()
		a.setState(StateDetached, "parent rejected")
		if a.onLost != nil {
			a.onLost()
		}
		a.retryLater()
		return
	}

	a.timer.Stop()
	a.timer = nil
	a.backoff.Reset()
	wasAttached := a.state == StateAttached
	a.setState(StateAttached, "accepted")
	if a.config.KeepAlive > 0 {
		a.timer = a.loop.After(a.config.KeepAlive, a.renew)
	}
	if !wasAttached && a.onAttached != nil {
		a.onAttached(resp)
	}
}

func (a *Attacher) attempt() {
	if !a.running {
		return
	}
	if a.state != StateAttached {
		a.setState(StateAttaching, "parent request")
	}
	a.send()
	a.timer = a.loop.After(a.config.ResponseTimeout, a.timeout)
}

func (a *Attacher) renew() {
	if !a.running || a.state != StateAttached {
		return
	}
	a.send()
	a.timer = a.loop.After(a.config.KeepAlive, a.renew)
}

func (a *Attacher) timeout() {
	if a.state != StateAttaching {
		return
	}
	a.setState(StateDetached, "no response")
	a.retryLater()
}

func (a *Attacher) retryLater() {
	if !a.running {
		return
	}
	a.timer.Stop()
	delay := a.backoff.Next()
	a.logger.Debug("reattach scheduled", "parent", a.parent, "delay", delay, "attempt", a.backoff.Attempts())
	a.timer = a.loop.After(delay, a.attempt)
}

func (a *Attacher) send() {
	if err := a.sender.Send(a.parent, a.request); err != nil {
		a.logger.Debug("parent request failed", "parent", a.parent, "error", err)
	}
}

func (a *Attacher) setState(s State, reason string) {
	if a.state == s {
		return
	}
	old := a.state
	a.state = s
	a.logger.Debug("attach state", "old", old.String(), "new", s.String(), "reason", reason)
	if a.onStateChange != nil {
		a.onStateChange(old, s, reason)
	}
}
