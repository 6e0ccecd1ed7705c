package replica

import (
	"io"
	"log/slog"
	"time"

	"github.com/meshdata/meshdata-go/pkg/eventloop"
	"github.com/meshdata/meshdata-go/pkg/netdata"
	"github.com/meshdata/meshdata-go/pkg/transport"
	"github.com/meshdata/meshdata-go/pkg/wire"
)

// DefaultRequestTimeout is how long a SyncClient suppresses duplicate
// requests while Syncing.
const DefaultRequestTimeout = 1 * time.Second

// SyncState is the state of a SyncClient.
type SyncState uint8

const (
	// StateInSync means the mirror matches the latest announced version.
	StateInSync SyncState = iota
	// StateSyncing means a DataRequest is outstanding.
	StateSyncing
)

// String returns the state name.
func (s SyncState) String() string {
	switch s {
	case StateInSync:
		return "IN_SYNC"
	case StateSyncing:
		return "SYNCING"
	default:
		return "UNKNOWN"
	}
}

// ClientConfig configures a SyncClient.
type ClientConfig struct {
	// RequestTimeout suppresses repeated requests for the same gap.
	RequestTimeout time.Duration

	// Logger is the optional logger for debug output.
	// If nil, logging is disabled.
	Logger *slog.Logger
}

// DefaultClientConfig returns a ClientConfig with default timings.
func DefaultClientConfig() ClientConfig {
	return ClientConfig{RequestTimeout: DefaultRequestTimeout}
}

// SyncClient keeps a rx-on device's mirror in step with its parent.
//
// Announcements from the parent carry only a version pair. When the pair is
// ahead of the mirror for the client's mode, or comes from a new Leader,
// the client pulls the data with a DataRequest. Lost requests and
// responses are repaired by the next announcement once RequestTimeout has
// passed. All methods must be called on the event loop.
type SyncClient struct {
	loop   *eventloop.Loop
	sender transport.Sender
	mirror *Mirror
	parent uint16
	config ClientConfig
	logger *slog.Logger

	state       SyncState
	target      wire.LeaderData
	requestedAt time.Time

	onStateChange func(old, new SyncState)
}

// NewClient creates a SyncClient that syncs mirror from parent.
func NewClient(loop *eventloop.Loop, sender transport.Sender, mirror *Mirror, parent uint16, config ClientConfig) *SyncClient {
	if config.RequestTimeout <= 0 {
		config.RequestTimeout = DefaultRequestTimeout
	}
	logger := config.Logger
	if logger == nil {
		logger = slog.New(slog.NewTextHandler(io.Discard, nil))
	}
	return &SyncClient{
		loop:   loop,
		sender: sender,
		mirror: mirror,
		parent: parent,
		config: config,
		logger: logger,
	}
}

// OnStateChange sets the callback invoked on every state transition.
func (c *SyncClient) OnStateChange(fn func(old, new SyncState)) {
	c.onStateChange = fn
}

// State returns the current state.
func (c *SyncClient) State() SyncState {
	return c.state
}

// Parent returns the RLOC16 the client syncs from.
func (c *SyncClient) Parent() uint16 {
	return c.parent
}

// HandleAnnouncement processes leader data announced by a neighbor.
// Only the parent's announcements are considered.
func (c *SyncClient) HandleAnnouncement(from uint16, ld wire.LeaderData) {
	if from != c.parent {
		return
	}
	if !c.mirror.Accepts(ld.LeaderID, ld.Version) {
		// Equal or older version: nothing to fetch, never roll back.
		if c.state == StateSyncing && !c.mirror.Accepts(c.target.LeaderID, c.target.Version) {
			c.setState(StateInSync)
		}
		return
	}
	now := c.loop.Now()
	if c.state == StateSyncing && now.Sub(c.requestedAt) < c.config.RequestTimeout {
		c.target = newer(c.target, ld, c.mirror.Mode())
		return
	}
	c.request(ld)
}

// Resync requests data from the parent regardless of announcements.
func (c *SyncClient) Resync() {
	c.request(c.target)
}

// HandleResponse applies a DataResponse from the parent. It reports whether
// the mirror changed.
func (c *SyncClient) HandleResponse(from uint16, resp wire.DataResponse) bool {
	if from != c.parent {
		return false
	}
	data, err := wire.DataSetFrom(resp.Entries)
	if err != nil {
		c.logger.Debug("discarding malformed response", "from", from, "error", err)
		return false
	}
	applied := c.mirror.Apply(resp.Leader.LeaderID, resp.Leader.Version, data)
	if c.state == StateSyncing && !c.mirror.Accepts(c.target.LeaderID, c.target.Version) {
		c.setState(StateInSync)
	}
	return applied
}

func (c *SyncClient) request(ld wire.LeaderData) {
	c.target = ld
	c.requestedAt = c.loop.Now()
	c.setState(StateSyncing)
	if err := c.sender.Send(c.parent, wire.DataRequest{Mode: c.mirror.Mode()}); err != nil {
		c.logger.Debug("data request failed", "parent", c.parent, "error", err)
	}
}

func (c *SyncClient) setState(s SyncState) {
	if c.state == s {
		return
	}
	old := c.state
	c.state = s
	if c.onStateChange != nil {
		c.onStateChange(old, s)
	}
}

// newer returns the more recent of a and b for mode. A different Leader
// always wins.
func newer(a, b wire.LeaderData, mode netdata.SyncMode) wire.LeaderData {
	if a.LeaderID != b.LeaderID || a.Version.Behind(b.Version, mode) {
		return b
	}
	return a
}
