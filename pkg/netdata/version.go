package netdata

import "fmt"

// SyncMode selects which tier of Network Data a device replicates.
type SyncMode uint8

const (
	// SyncFull replicates every entry.
	SyncFull SyncMode = iota

	// SyncStableOnly replicates only Stable entries.
	SyncStableOnly
)

// String returns the mode name.
func (m SyncMode) String() string {
	switch m {
	case SyncFull:
		return "FULL"
	case SyncStableOnly:
		return "STABLE_ONLY"
	default:
		return "UNKNOWN"
	}
}

// Version is the pair of Network Data version counters.
// It is passed by value in every announcement and transfer.
type Version struct {
	Full   uint32 `cbor:"1,keyasint"`
	Stable uint32 `cbor:"2,keyasint"`
}

// For returns the counter that governs the given mode.
func (v Version) For(mode SyncMode) uint32 {
	if mode == SyncStableOnly {
		return v.Stable
	}
	return v.Full
}

// Behind reports whether v is older than other for the given mode.
func (v Version) Behind(other Version, mode SyncMode) bool {
	return v.For(mode) < other.For(mode)
}

// Valid reports whether the stable counter does not exceed the full counter.
func (v Version) Valid() bool {
	return v.Stable <= v.Full
}

// next returns the version after a mutation.
func (v Version) next(stableChanged bool) Version {
	v.Full++
	if stableChanged {
		v.Stable++
	}
	return v
}

// String returns "full/stable".
func (v Version) String() string {
	return fmt.Sprintf("%d/%d", v.Full, v.Stable)
}
