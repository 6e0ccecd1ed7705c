package topology

import (
	"bytes"
	"errors"
	"fmt"
	"os"

	"gopkg.in/yaml.v3"

	"github.com/meshdata/meshdata-go/pkg/node"
)

// Limits of the RLOC16 plan: router IDs 1..62, 511 children per parent.
const (
	MaxRouters          = 62
	MaxChildrenPerRoute = 511
)

// DefaultLeaderID is used when a topology sets none.
const DefaultLeaderID = 1

// Parse parses and validates a topology from YAML bytes.
func Parse(data []byte) (*Config, error) {
	var cfg Config
	dec := yaml.NewDecoder(bytes.NewReader(data))
	dec.KnownFields(true)
	if err := dec.Decode(&cfg); err != nil {
		return nil, &LoadError{
			Message: "failed to parse YAML",
			Cause:   err,
		}
	}
	if cfg.LeaderID == 0 {
		cfg.LeaderID = DefaultLeaderID
	}
	if err := cfg.Validate(); err != nil {
		return nil, &LoadError{
			Message: "invalid topology",
			Cause:   err,
		}
	}
	return &cfg, nil
}

// Load reads a topology file.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, &LoadError{
			File:    path,
			Message: "failed to read file",
			Cause:   err,
		}
	}
	cfg, err := Parse(data)
	if err != nil {
		var le *LoadError
		if errors.As(err, &le) {
			le.File = path
			return nil, le
		}
		return nil, &LoadError{File: path, Message: err.Error()}
	}
	return cfg, nil
}

// Validate checks the device tree: one Leader listed first, unique names,
// parents listed before their children and able to have children.
func (c *Config) Validate() error {
	if len(c.Nodes) == 0 {
		return errors.New("topology has no nodes")
	}
	if c.Link.Loss < 0 || c.Link.Loss > 1 || c.Link.Duplicate < 0 || c.Link.Duplicate > 1 {
		return fmt.Errorf("link probabilities out of range: loss=%v duplicate=%v", c.Link.Loss, c.Link.Duplicate)
	}

	kinds := make(map[string]node.Kind, len(c.Nodes))
	children := make(map[string]int)
	routers := 0
	for i, n := range c.Nodes {
		if n.Name == "" {
			return fmt.Errorf("node %d: name is required", i)
		}
		if _, dup := kinds[n.Name]; dup {
			return fmt.Errorf("node %s: duplicate name", n.Name)
		}
		kind, err := node.ParseKind(n.Role)
		if err != nil {
			return fmt.Errorf("node %s: %w", n.Name, err)
		}
		mode, err := node.ParseMode(n.Mode)
		if err != nil {
			return fmt.Errorf("node %s: %w", n.Name, err)
		}
		if kind != node.KindChild && mode.Sleepy() {
			return fmt.Errorf("node %s: a %s must be rx-on (mode %q)", n.Name, kind, n.Mode)
		}
		if n.Timeout < 0 {
			return fmt.Errorf("node %s: negative timeout", n.Name)
		}

		switch {
		case kind == node.KindLeader && i != 0:
			return fmt.Errorf("node %s: the leader must be the first node", n.Name)
		case kind != node.KindLeader && i == 0:
			return fmt.Errorf("node %s: the first node must be the leader", n.Name)
		case kind == node.KindLeader:
			if n.Parent != "" {
				return fmt.Errorf("node %s: the leader has no parent", n.Name)
			}
		default:
			pk, ok := kinds[n.Parent]
			if !ok {
				return fmt.Errorf("node %s: parent %q not defined before it", n.Name, n.Parent)
			}
			if pk == node.KindChild {
				return fmt.Errorf("node %s: parent %s is a child", n.Name, n.Parent)
			}
		}

		if kind != node.KindChild {
			routers++
			if routers > MaxRouters {
				return fmt.Errorf("node %s: more than %d routers", n.Name, MaxRouters)
			}
		}
		if n.Parent != "" {
			children[n.Parent]++
			if children[n.Parent] > MaxChildrenPerRoute {
				return fmt.Errorf("node %s: parent %s has more than %d children", n.Name, n.Parent, MaxChildrenPerRoute)
			}
		}
		kinds[n.Name] = kind
	}
	return nil
}

// Node returns the named node.
func (c *Config) Node(name string) (NodeConfig, bool) {
	for _, n := range c.Nodes {
		if n.Name == name {
			return n, true
		}
	}
	return NodeConfig{}, false
}
