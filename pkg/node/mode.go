package node

import (
	"fmt"

	"github.com/meshdata/meshdata-go/pkg/wire"
)

// ParseMode parses a device mode string such as "rsn". Letters may appear
// in any order: r (rx-on-when-idle), s (secure data requests), d (full
// thread device), n (full network data). "-" and "" mean no bits.
func ParseMode(s string) (wire.DeviceMode, error) {
	var m wire.DeviceMode
	for i := 0; i < len(s); i++ {
		switch s[i] {
		case 'r':
			m |= wire.ModeRxOnWhenIdle
		case 's':
			m |= wire.ModeSecureDataRequests
		case 'd':
			m |= wire.ModeFullDevice
		case 'n':
			m |= wire.ModeFullNetworkData
		case '-':
		default:
			return 0, fmt.Errorf("%w: %q", ErrInvalidMode, s)
		}
	}
	return m, nil
}

// Role is a device's current position in the mesh.
type Role uint8

const (
	RoleDetached Role = iota
	RoleChild
	RoleRouter
	RoleLeader
)

// String returns the lowercase role name.
func (r Role) String() string {
	switch r {
	case RoleDetached:
		return "detached"
	case RoleChild:
		return "child"
	case RoleRouter:
		return "router"
	case RoleLeader:
		return "leader"
	default:
		return "unknown"
	}
}

// Kind is the configured function of a device.
type Kind uint8

const (
	// KindChild is an end device.
	KindChild Kind = iota
	// KindRouter forwards for children and relays Network Data.
	KindRouter
	// KindLeader holds the authoritative Network Data.
	KindLeader
)

// ParseKind parses "leader", "router" or "child".
func ParseKind(s string) (Kind, error) {
	switch s {
	case "leader":
		return KindLeader, nil
	case "router":
		return KindRouter, nil
	case "child", "":
		return KindChild, nil
	default:
		return 0, fmt.Errorf("%w: %q", ErrInvalidKind, s)
	}
}

// String returns the kind name.
func (k Kind) String() string {
	switch k {
	case KindLeader:
		return "leader"
	case KindRouter:
		return "router"
	default:
		return "child"
	}
}

// attachedRole is the role a device of kind k holds while attached.
func (k Kind) attachedRole() Role {
	switch k {
	case KindLeader:
		return RoleLeader
	case KindRouter:
		return RoleRouter
	default:
		return RoleChild
	}
}
