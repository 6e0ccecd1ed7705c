package wire

// Status is the outcome of a registration.
type Status uint8

const (
	// StatusSuccess indicates the registration was applied (or was a no-op).
	StatusSuccess Status = 0

	// StatusInvalidPrefix indicates an entry carried a malformed prefix.
	StatusInvalidPrefix Status = 1

	// StatusCapacityExceeded indicates the Leader store is full.
	StatusCapacityExceeded Status = 2

	// StatusNotLeader indicates the receiver could not reach the Leader.
	StatusNotLeader Status = 3
)

// String returns the status name.
func (s Status) String() string {
	switch s {
	case StatusSuccess:
		return "SUCCESS"
	case StatusInvalidPrefix:
		return "INVALID_PREFIX"
	case StatusCapacityExceeded:
		return "CAPACITY_EXCEEDED"
	case StatusNotLeader:
		return "NOT_LEADER"
	default:
		return "UNKNOWN"
	}
}

// IsSuccess reports whether the status indicates success.
func (s Status) IsSuccess() bool {
	return s == StatusSuccess
}
