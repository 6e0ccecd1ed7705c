package netdata

import (
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/netip"
	"sync"
)

// Store errors.
var (
	ErrInvalidPrefix    = errors.New("invalid prefix")
	ErrInvalidFlags     = errors.New("invalid flags")
	ErrNotFound         = errors.New("prefix not found")
	ErrCapacityExceeded = errors.New("network data capacity exceeded")
)

// Default store limits.
const (
	DefaultMaxEntries = 32
	DefaultMaxOwners  = 16
)

// StoreConfig configures a Store.
type StoreConfig struct {
	// MaxEntries caps the number of (prefix, owner) entries.
	MaxEntries int

	// MaxOwners caps the number of distinct border routers.
	MaxOwners int

	// Logger is the optional logger for debug output.
	// If nil, logging is disabled.
	Logger *slog.Logger
}

// DefaultStoreConfig returns a StoreConfig with default limits.
func DefaultStoreConfig() StoreConfig {
	return StoreConfig{
		MaxEntries: DefaultMaxEntries,
		MaxOwners:  DefaultMaxOwners,
	}
}

// Change describes a committed mutation.
type Change struct {
	// Version is the version after the mutation.
	Version Version

	// Data is the data set after the mutation.
	Data DataSet

	// StableChanged is true when the stable subset changed.
	StableChanged bool
}

// Store is the Leader's canonical Network Data table.
//
// Mutations are serialized: each one updates the entries and bumps the
// version under a single lock. Readers get immutable snapshots.
type Store struct {
	mu sync.Mutex

	config  StoreConfig
	logger  *slog.Logger
	data    DataSet
	version Version

	// Callbacks
	onChange []func(Change)
}

// NewStore creates an empty Store.
func NewStore(config StoreConfig) *Store {
	if config.MaxEntries <= 0 {
		config.MaxEntries = DefaultMaxEntries
	}
	if config.MaxOwners <= 0 {
		config.MaxOwners = DefaultMaxOwners
	}
	logger := config.Logger
	if logger == nil {
		logger = slog.New(slog.NewTextHandler(io.Discard, nil))
	}
	return &Store{
		config: config,
		logger: logger,
	}
}

// OnChange registers a callback invoked after every committed mutation.
// Callbacks run outside the store lock.
func (s *Store) OnChange(fn func(Change)) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.onChange = append(s.onChange, fn)
}

// Snapshot returns the current data set and version.
func (s *Store) Snapshot() (DataSet, Version) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.data, s.version
}

// Version returns the current version.
func (s *Store) Version() Version {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.version
}

// AddPrefix inserts or replaces the entry (prefix, owner).
// Re-adding an identical entry changes nothing, including the version.
func (s *Store) AddPrefix(owner uint16, prefix netip.Prefix, flags Flags) (Version, error) {
	if err := ValidatePrefix(prefix); err != nil {
		return s.Version(), err
	}
	e := PrefixEntry{Prefix: prefix, Flags: flags, Owner: owner}

	s.mu.Lock()
	old, exists := s.data.Get(e.Key())
	if exists && old.Flags == flags {
		v := s.version
		s.mu.Unlock()
		return v, nil
	}
	if !exists {
		if err := s.checkCapacity(s.data, e); err != nil {
			v := s.version
			s.mu.Unlock()
			return v, err
		}
	}
	stableChanged := e.IsStable() || (exists && old.IsStable())
	change := s.commit(s.data.with(e), stableChanged)
	callbacks := s.onChange
	s.mu.Unlock()

	s.logger.Debug("netdata prefix added",
		"prefix", prefix.String(), "flags", flags.String(),
		"owner", owner, "version", change.Version.String())
	notify(callbacks, change)
	return change.Version, nil
}

// RemovePrefix deletes the entry (prefix, owner).
func (s *Store) RemovePrefix(owner uint16, prefix netip.Prefix) (Version, error) {
	k := Key{Prefix: prefix, Owner: owner}

	s.mu.Lock()
	old, exists := s.data.Get(k)
	if !exists {
		v := s.version
		s.mu.Unlock()
		return v, fmt.Errorf("%w: %s owner 0x%04x", ErrNotFound, prefix, owner)
	}
	change := s.commit(s.data.without(k), old.IsStable())
	callbacks := s.onChange
	s.mu.Unlock()

	s.logger.Debug("netdata prefix removed",
		"prefix", prefix.String(), "owner", owner, "version", change.Version.String())
	notify(callbacks, change)
	return change.Version, nil
}

// ReplaceOwner makes entries the complete registration of owner, as one
// mutation. It reports whether anything changed. Entries' Owner fields are
// overwritten with owner.
func (s *Store) ReplaceOwner(owner uint16, entries []PrefixEntry) (Version, bool, error) {
	incoming := make(map[Key]PrefixEntry, len(entries))
	for _, e := range entries {
		if err := ValidatePrefix(e.Prefix); err != nil {
			return s.Version(), false, err
		}
		e.Owner = owner
		incoming[e.Key()] = e
	}

	s.mu.Lock()
	next := make(map[Key]PrefixEntry, s.data.Len()+len(incoming))
	stableChanged := false
	changed := false
	for k, e := range s.data.entries {
		if k.Owner != owner {
			next[k] = e
			continue
		}
		ne, keep := incoming[k]
		if !keep {
			changed = true
			stableChanged = stableChanged || e.IsStable()
			continue
		}
		if ne.Flags != e.Flags {
			changed = true
			stableChanged = stableChanged || e.IsStable() || ne.IsStable()
		}
	}
	for k, e := range incoming {
		if _, existed := s.data.entries[k]; !existed {
			changed = true
			stableChanged = stableChanged || e.IsStable()
		}
		next[k] = e
	}
	if !changed {
		v := s.version
		s.mu.Unlock()
		return v, false, nil
	}
	candidate := fromMap(next)
	if candidate.Len() > s.config.MaxEntries || candidate.Owners() > s.config.MaxOwners {
		v := s.version
		s.mu.Unlock()
		return v, false, fmt.Errorf("%w: %d entries from %d owners",
			ErrCapacityExceeded, candidate.Len(), candidate.Owners())
	}
	change := s.commit(candidate, stableChanged)
	callbacks := s.onChange
	s.mu.Unlock()

	s.logger.Debug("netdata owner registered",
		"owner", owner, "entries", len(incoming), "version", change.Version.String())
	notify(callbacks, change)
	return change.Version, true, nil
}

// RemoveOwner drops every entry of owner. It reports whether anything changed.
func (s *Store) RemoveOwner(owner uint16) (Version, bool) {
	v, changed, _ := s.ReplaceOwner(owner, nil)
	return v, changed
}

// checkCapacity reports whether adding e to d would exceed a limit.
// Caller must hold s.mu.
func (s *Store) checkCapacity(d DataSet, e PrefixEntry) error {
	if d.Len() >= s.config.MaxEntries {
		return fmt.Errorf("%w: %d entries", ErrCapacityExceeded, d.Len())
	}
	if !d.HasOwner(e.Owner) && d.Owners() >= s.config.MaxOwners {
		return fmt.Errorf("%w: %d owners", ErrCapacityExceeded, d.Owners())
	}
	return nil
}

// commit installs data and bumps the version. Caller must hold s.mu.
func (s *Store) commit(data DataSet, stableChanged bool) Change {
	s.data = data
	s.version = s.version.next(stableChanged)
	return Change{Version: s.version, Data: data, StableChanged: stableChanged}
}

func notify(callbacks []func(Change), change Change) {
	for _, fn := range callbacks {
		fn(change)
	}
}
