// Package version provides mesh frame protocol version parsing and
// compatibility checks.
package version

import (
	"errors"
	"fmt"
	"strconv"
	"strings"
)

// Current is the frame protocol version spoken by this library.
const Current = "1.0"

// ErrIncompatible is returned for a peer version with another major.
var ErrIncompatible = errors.New("incompatible protocol version")

// ProtocolVersion represents a parsed "major.minor" protocol version.
type ProtocolVersion struct {
	Major uint16
	Minor uint16
}

// Parse parses a "major.minor" version string.
func Parse(s string) (ProtocolVersion, error) {
	parts := strings.Split(s, ".")
	if len(parts) != 2 {
		return ProtocolVersion{}, fmt.Errorf("invalid version %q: expected major.minor", s)
	}

	major, err := strconv.ParseUint(parts[0], 10, 16)
	if err != nil || parts[0] == "" {
		return ProtocolVersion{}, fmt.Errorf("invalid version %q: bad major component", s)
	}

	minor, err := strconv.ParseUint(parts[1], 10, 16)
	if err != nil || parts[1] == "" {
		return ProtocolVersion{}, fmt.Errorf("invalid version %q: bad minor component", s)
	}

	return ProtocolVersion{Major: uint16(major), Minor: uint16(minor)}, nil
}

// String returns the version as "major.minor".
func (v ProtocolVersion) String() string {
	return fmt.Sprintf("%d.%d", v.Major, v.Minor)
}

// Compatible returns true if the other version has the same major version.
func (v ProtocolVersion) Compatible(other ProtocolVersion) bool {
	return v.Major == other.Major
}

// Check validates a version received from a peer against Current. An empty
// string is treated as Current. Minor differences are accepted: unknown
// fields are ignored by the decoder.
func Check(peer string) error {
	if peer == "" {
		return nil
	}
	pv, err := Parse(peer)
	if err != nil {
		return fmt.Errorf("%w: %w", ErrIncompatible, err)
	}
	current, _ := Parse(Current)
	if !current.Compatible(pv) {
		return fmt.Errorf("%w: peer %s, local %s", ErrIncompatible, pv, current)
	}
	return nil
}
