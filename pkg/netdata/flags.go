package netdata

import (
	"fmt"
	"strings"
)

// Flags is the flag set of an on-mesh prefix.
type Flags uint8

const (
	// FlagPreferred marks addresses from this prefix as preferred.
	FlagPreferred Flags = 1 << iota

	// FlagSLAAC makes the prefix eligible for address autoconfiguration.
	FlagSLAAC

	// FlagDHCP indicates DHCPv6-managed addressing.
	FlagDHCP

	// FlagConfigure indicates other configuration is available via DHCPv6.
	FlagConfigure

	// FlagDefaultRoute makes the owner eligible as a default route.
	FlagDefaultRoute

	// FlagOnMesh marks the prefix as on-mesh.
	FlagOnMesh

	// FlagStable places the entry in the stable subset.
	FlagStable

	// FlagNDDNS indicates ND DNS is available.
	FlagNDDNS
)

// flagLetters lists the flag letters in canonical rendering order.
var flagLetters = []struct {
	flag   Flags
	letter byte
}{
	{FlagPreferred, 'p'},
	{FlagSLAAC, 'a'},
	{FlagDHCP, 'd'},
	{FlagConfigure, 'c'},
	{FlagDefaultRoute, 'r'},
	{FlagOnMesh, 'o'},
	{FlagStable, 's'},
	{FlagNDDNS, 'n'},
}

// ParseFlags parses a compact flag string such as "paros".
// Letters may appear in any order and may repeat.
func ParseFlags(s string) (Flags, error) {
	var f Flags
	for i := 0; i < len(s); i++ {
		c := s[i]
		if c == '-' {
			continue
		}
		found := false
		for _, fl := range flagLetters {
			if fl.letter == c {
				f |= fl.flag
				found = true
				break
			}
		}
		if !found {
			return 0, fmt.Errorf("%w: unknown flag %q in %q", ErrInvalidFlags, c, s)
		}
	}
	return f, nil
}

// Has reports whether all bits of x are set.
func (f Flags) Has(x Flags) bool {
	return f&x == x
}

// IsStable reports whether the Stable flag is set.
func (f Flags) IsStable() bool {
	return f&FlagStable != 0
}

// String renders the flags in canonical letter order. An empty set renders as "-".
func (f Flags) String() string {
	var b strings.Builder
	for _, fl := range flagLetters {
		if f&fl.flag != 0 {
			b.WriteByte(fl.letter)
		}
	}
	if b.Len() == 0 {
		return "-"
	}
	return b.String()
}
