package topology

import (
	"fmt"
	"strconv"
	"time"

	"gopkg.in/yaml.v3"
)

// Config describes a mesh: link behavior, Leader limits and the device tree.
type Config struct {
	// Name identifies the topology.
	Name string `yaml:"name"`

	// Description is free text.
	Description string `yaml:"description,omitempty"`

	// Seed makes a run reproducible.
	Seed uint64 `yaml:"seed,omitempty"`

	// LeaderID is the Leader identity. Defaults to 1.
	LeaderID uint32 `yaml:"leader_id,omitempty"`

	// Link configures the medium.
	Link LinkConfig `yaml:"link,omitempty"`

	// AnnounceInterval is the propagation heartbeat.
	AnnounceInterval Duration `yaml:"announce_interval,omitempty"`

	// Leader limits the Network Data.
	Leader LeaderConfig `yaml:"leader,omitempty"`

	// Nodes lists the devices. A parent must be listed before its children.
	Nodes []NodeConfig `yaml:"nodes"`
}

// LinkConfig configures every link of the medium.
type LinkConfig struct {
	Delay     Duration `yaml:"delay,omitempty"`
	Jitter    Duration `yaml:"jitter,omitempty"`
	Loss      float64  `yaml:"loss,omitempty"`
	Duplicate float64  `yaml:"duplicate,omitempty"`
}

// LeaderConfig holds the Network Data capacity.
type LeaderConfig struct {
	MaxEntries int `yaml:"max_entries,omitempty"`
	MaxOwners  int `yaml:"max_owners,omitempty"`
}

// NodeConfig describes one device.
type NodeConfig struct {
	// Name is unique within the topology.
	Name string `yaml:"name"`

	// Role is leader, router or child (default).
	Role string `yaml:"role,omitempty"`

	// Mode is the device mode string, for example "rsn" or "s".
	Mode string `yaml:"mode"`

	// Parent names the parent device. Empty only for the Leader.
	Parent string `yaml:"parent,omitempty"`

	// Timeout is the child timeout, or the poll interval of a sleepy child.
	Timeout Duration `yaml:"timeout,omitempty"`
}

// Duration is a time.Duration that reads either a Go duration string
// ("500ms", "2s") or a bare number of seconds.
type Duration time.Duration

// D returns the value as a time.Duration.
func (d Duration) D() time.Duration {
	return time.Duration(d)
}

// UnmarshalYAML implements yaml.Unmarshaler.
func (d *Duration) UnmarshalYAML(value *yaml.Node) error {
	if value.Kind != yaml.ScalarNode {
		return fmt.Errorf("line %d: duration must be a scalar", value.Line)
	}
	if secs, err := strconv.ParseFloat(value.Value, 64); err == nil {
		*d = Duration(secs * float64(time.Second))
		return nil
	}
	v, err := time.ParseDuration(value.Value)
	if err != nil {
		return fmt.Errorf("line %d: invalid duration %q", value.Line, value.Value)
	}
	*d = Duration(v)
	return nil
}

// MarshalYAML implements yaml.Marshaler.
func (d Duration) MarshalYAML() (any, error) {
	return time.Duration(d).String(), nil
}

// LoadError provides details about a topology loading error.
type LoadError struct {
	// File is the path to the file that failed to load.
	File string

	// Message describes the error.
	Message string

	// Cause is the underlying error, if any.
	Cause error
}

func (e *LoadError) Error() string {
	msg := e.Message
	if e.Cause != nil {
		msg += ": " + e.Cause.Error()
	}
	if e.File == "" {
		return msg
	}
	return e.File + ": " + msg
}

func (e *LoadError) Unwrap() error {
	return e.Cause
}
