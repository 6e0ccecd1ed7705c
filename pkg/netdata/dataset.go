package netdata

import (
	"fmt"
	"net/netip"
	"sort"
	"strings"

	"go4.org/netipx"
)

// Key identifies a PrefixEntry within a DataSet.
type Key struct {
	Prefix netip.Prefix
	Owner  uint16
}

// PrefixEntry describes one on-mesh prefix registered by a border router.
type PrefixEntry struct {
	// Prefix is the masked IPv6 prefix.
	Prefix netip.Prefix

	// Flags holds the prefix attributes.
	Flags Flags

	// Owner is the RLOC16 of the registering border router.
	Owner uint16
}

// Key returns the entry's identity.
func (e PrefixEntry) Key() Key {
	return Key{Prefix: e.Prefix, Owner: e.Owner}
}

// IsStable reports whether the entry belongs to the stable subset.
func (e PrefixEntry) IsStable() bool {
	return e.Flags.IsStable()
}

// String returns "prefix flags owner".
func (e PrefixEntry) String() string {
	return fmt.Sprintf("%s %s 0x%04x", e.Prefix, e.Flags, e.Owner)
}

// ValidatePrefix checks that p is a usable on-mesh prefix: a valid IPv6
// prefix with no host bits set.
func ValidatePrefix(p netip.Prefix) error {
	if !p.IsValid() {
		return fmt.Errorf("%w: %s", ErrInvalidPrefix, p)
	}
	if !p.Addr().Is6() || p.Addr().Is4In6() || p.Addr().Zone() != "" {
		return fmt.Errorf("%w: %s is not an IPv6 prefix", ErrInvalidPrefix, p)
	}
	if p.Masked() != p {
		return fmt.Errorf("%w: %s has host bits set", ErrInvalidPrefix, p)
	}
	return nil
}

// ParsePrefix parses and validates a CIDR string.
func ParsePrefix(s string) (netip.Prefix, error) {
	p, err := netip.ParsePrefix(s)
	if err != nil {
		return netip.Prefix{}, fmt.Errorf("%w: %v", ErrInvalidPrefix, err)
	}
	if err := ValidatePrefix(p); err != nil {
		return netip.Prefix{}, err
	}
	return p, nil
}

// DataSet is an immutable set of prefix entries keyed by (prefix, owner).
// The zero value is an empty set. Mutating helpers return new sets and never
// modify the receiver, so a DataSet may be shared freely between goroutines.
type DataSet struct {
	entries map[Key]PrefixEntry
	keys    []Key // sorted
}

// NewDataSet builds a DataSet. Later entries with the same key replace
// earlier ones.
func NewDataSet(entries ...PrefixEntry) DataSet {
	m := make(map[Key]PrefixEntry, len(entries))
	for _, e := range entries {
		m[e.Key()] = e
	}
	return fromMap(m)
}

func fromMap(m map[Key]PrefixEntry) DataSet {
	keys := make([]Key, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Slice(keys, func(i, j int) bool {
		return lessKey(keys[i], keys[j])
	})
	return DataSet{entries: m, keys: keys}
}

func lessKey(a, b Key) bool {
	if c := netipx.ComparePrefix(a.Prefix, b.Prefix); c != 0 {
		return c < 0
	}
	return a.Owner < b.Owner
}

// Len returns the number of entries.
func (d DataSet) Len() int {
	return len(d.keys)
}

// Get returns the entry stored under k.
func (d DataSet) Get(k Key) (PrefixEntry, bool) {
	e, ok := d.entries[k]
	return e, ok
}

// Entries returns the entries in prefix, then owner, order.
func (d DataSet) Entries() []PrefixEntry {
	out := make([]PrefixEntry, 0, len(d.keys))
	for _, k := range d.keys {
		out = append(out, d.entries[k])
	}
	return out
}

// ByOwner returns the entries registered by owner.
func (d DataSet) ByOwner(owner uint16) []PrefixEntry {
	var out []PrefixEntry
	for _, k := range d.keys {
		if k.Owner == owner {
			out = append(out, d.entries[k])
		}
	}
	return out
}

// Owners returns the number of distinct owners.
func (d DataSet) Owners() int {
	seen := make(map[uint16]struct{})
	for _, k := range d.keys {
		seen[k.Owner] = struct{}{}
	}
	return len(seen)
}

// HasOwner reports whether owner has at least one entry.
func (d DataSet) HasOwner(owner uint16) bool {
	for _, k := range d.keys {
		if k.Owner == owner {
			return true
		}
	}
	return false
}

// ContainsPrefix reports whether any owner announces p.
func (d DataSet) ContainsPrefix(p netip.Prefix) bool {
	for _, k := range d.keys {
		if k.Prefix == p {
			return true
		}
	}
	return false
}

// Select returns the subset of entries for which keep returns true.
func (d DataSet) Select(keep func(PrefixEntry) bool) DataSet {
	m := make(map[Key]PrefixEntry, len(d.keys))
	for k, e := range d.entries {
		if keep(e) {
			m[k] = e
		}
	}
	return fromMap(m)
}

// Stable returns the stable subset.
func (d DataSet) Stable() DataSet {
	return d.Select(PrefixEntry.IsStable)
}

// Filter returns the view replicated by devices in the given mode.
func (d DataSet) Filter(mode SyncMode) DataSet {
	if mode == SyncStableOnly {
		return d.Stable()
	}
	return d
}

// OnlyStable reports whether every entry is Stable.
func (d DataSet) OnlyStable() bool {
	for _, e := range d.entries {
		if !e.IsStable() {
			return false
		}
	}
	return true
}

// Equal reports whether both sets hold the same entries with the same flags.
func (d DataSet) Equal(o DataSet) bool {
	if len(d.keys) != len(o.keys) {
		return false
	}
	for k, e := range d.entries {
		oe, ok := o.entries[k]
		if !ok || oe.Flags != e.Flags {
			return false
		}
	}
	return true
}

// SubsetOf reports whether every entry of d is present, with equal flags, in o.
func (d DataSet) SubsetOf(o DataSet) bool {
	for k, e := range d.entries {
		oe, ok := o.entries[k]
		if !ok || oe.Flags != e.Flags {
			return false
		}
	}
	return true
}

// with returns a copy of d with e inserted or replaced.
func (d DataSet) with(e PrefixEntry) DataSet {
	m := make(map[Key]PrefixEntry, len(d.entries)+1)
	for k, v := range d.entries {
		m[k] = v
	}
	m[e.Key()] = e
	return fromMap(m)
}

// without returns a copy of d with k removed.
func (d DataSet) without(k Key) DataSet {
	m := make(map[Key]PrefixEntry, len(d.entries))
	for kk, v := range d.entries {
		if kk != k {
			m[kk] = v
		}
	}
	return fromMap(m)
}

// String lists the entries one per line.
func (d DataSet) String() string {
	if d.Len() == 0 {
		return "(empty)"
	}
	var b strings.Builder
	for i, e := range d.Entries() {
		if i > 0 {
			b.WriteByte('\n')
		}
		b.WriteString(e.String())
	}
	return b.String()
}
