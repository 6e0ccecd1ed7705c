package replica

import (
	"sync"
	"sync/atomic"

	"github.com/meshdata/meshdata-go/pkg/netdata"
)

// Snapshot is an immutable view of a mirror.
type Snapshot struct {
	// LeaderID identifies the Leader the data came from. Zero means the
	// mirror has never been filled.
	LeaderID uint32

	// Version is the Leader version the data corresponds to.
	Version netdata.Version

	// Data is the mirrored data set, already filtered for the mirror's mode.
	Data netdata.DataSet
}

// Update describes an applied transfer.
type Update struct {
	Old Snapshot
	New Snapshot
}

// Mirror is a device's local copy of the Network Data.
//
// The whole snapshot is replaced with one atomic pointer swap, so readers
// on any goroutine never observe a partial update. Writers run on the
// event loop.
type Mirror struct {
	mode netdata.SyncMode
	cur  atomic.Pointer[Snapshot]

	mu       sync.Mutex
	onUpdate []func(Update)

	// Leaders the mirror has moved away from, and the last nonzero one.
	retired map[uint32]struct{}
	last    uint32
}

// NewMirror creates an empty mirror for mode.
func NewMirror(mode netdata.SyncMode) *Mirror {
	m := &Mirror{mode: mode, retired: make(map[uint32]struct{})}
	m.cur.Store(&Snapshot{})
	return m
}

// Mode returns the mirror's sync mode.
func (m *Mirror) Mode() netdata.SyncMode {
	return m.mode
}

// Load returns the current snapshot.
func (m *Mirror) Load() Snapshot {
	return *m.cur.Load()
}

// OnUpdate registers a callback invoked after every change to the mirror.
func (m *Mirror) OnUpdate(fn func(Update)) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.onUpdate = append(m.onUpdate, fn)
}

// Accepts reports whether a transfer of version v from leaderID would be
// applied. Transfers from a Leader the mirror has never held are accepted;
// transfers from a Leader it has moved away from are stale, even across
// Clear. From the current Leader only a version ahead for the mirror's
// mode is accepted.
func (m *Mirror) Accepts(leaderID uint32, v netdata.Version) bool {
	if leaderID == 0 {
		return false
	}
	m.mu.Lock()
	_, retired := m.retired[leaderID]
	m.mu.Unlock()
	if retired {
		return false
	}
	cur := m.cur.Load()
	if cur.LeaderID != leaderID {
		return true
	}
	return cur.Version.Behind(v, m.mode)
}

// Apply replaces the mirror with data at version v from leaderID, if the
// transfer is not stale. Entries outside the mirror's mode are dropped.
// It reports whether the mirror changed.
func (m *Mirror) Apply(leaderID uint32, v netdata.Version, data netdata.DataSet) bool {
	if !m.Accepts(leaderID, v) {
		return false
	}
	m.mu.Lock()
	if m.last != 0 && m.last != leaderID {
		m.retired[m.last] = struct{}{}
	}
	m.last = leaderID
	m.mu.Unlock()
	m.swap(&Snapshot{
		LeaderID: leaderID,
		Version:  v,
		Data:     data.Filter(m.mode),
	})
	return true
}

// Clear empties the mirror. Used when the parent relationship is lost.
func (m *Mirror) Clear() {
	if cur := m.cur.Load(); cur.LeaderID == 0 && cur.Data.Len() == 0 {
		return
	}
	m.swap(&Snapshot{})
}

func (m *Mirror) swap(next *Snapshot) {
	old := m.cur.Swap(next)

	m.mu.Lock()
	callbacks := m.onUpdate
	m.mu.Unlock()
	for _, fn := range callbacks {
		fn(Update{Old: *old, New: *next})
	}
}
