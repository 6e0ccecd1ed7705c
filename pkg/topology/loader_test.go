package topology_test

import (
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/meshdata/meshdata-go/pkg/node"
	"github.com/meshdata/meshdata-go/pkg/topology"
)

const scenarioYAML = `
name: scenario
seed: 3
link:
  delay: 10ms
  loss: 0.2
  duplicate: 0.05
announce_interval: 1500ms
leader:
  max_entries: 4
nodes:
  - {name: LEADER, role: leader, mode: rsdn}
  - {name: ROUTER, role: router, mode: rsdn, parent: LEADER}
  - {name: ED1, mode: rsn, parent: ROUTER}
  - {name: SED1, mode: s, parent: ROUTER, timeout: 3}
`

func TestParse(t *testing.T) {
	cfg, err := topology.Parse([]byte(scenarioYAML))
	if err != nil {
		t.Fatalf("Parse() error = %v", err)
	}
	if cfg.Name != "scenario" {
		t.Errorf("Name = %q, want scenario", cfg.Name)
	}
	if cfg.LeaderID != topology.DefaultLeaderID {
		t.Errorf("LeaderID = %d, want default", cfg.LeaderID)
	}
	if cfg.Link.Delay.D() != 10*time.Millisecond {
		t.Errorf("Link.Delay = %v, want 10ms", cfg.Link.Delay.D())
	}
	if cfg.AnnounceInterval.D() != 1500*time.Millisecond {
		t.Errorf("AnnounceInterval = %v, want 1.5s", cfg.AnnounceInterval.D())
	}
	if cfg.Leader.MaxEntries != 4 {
		t.Errorf("Leader.MaxEntries = %d, want 4", cfg.Leader.MaxEntries)
	}
	if len(cfg.Nodes) != 4 {
		t.Fatalf("len(Nodes) = %d, want 4", len(cfg.Nodes))
	}
	sed, ok := cfg.Node("SED1")
	if !ok {
		t.Fatal("SED1 not found")
	}
	if sed.Timeout.D() != 3*time.Second {
		t.Errorf("SED1 timeout = %v, want 3s", sed.Timeout.D())
	}
	if _, ok := cfg.Node("nope"); ok {
		t.Error("Node(nope) found")
	}
}

func TestDuration(t *testing.T) {
	tests := []struct {
		in      string
		want    time.Duration
		wantErr bool
	}{
		{"3", 3 * time.Second, false},
		{"1.5", 1500 * time.Millisecond, false},
		{"250ms", 250 * time.Millisecond, false},
		{"2m", 2 * time.Minute, false},
		{"soon", 0, true},
	}
	for _, tt := range tests {
		t.Run(tt.in, func(t *testing.T) {
			y := "name: d\nannounce_interval: " + tt.in + "\nnodes:\n  - {name: L, role: leader, mode: rsdn}\n"
			cfg, err := topology.Parse([]byte(y))
			if tt.wantErr {
				if err == nil {
					t.Fatal("expected error")
				}
				return
			}
			if err != nil {
				t.Fatalf("Parse() error = %v", err)
			}
			if got := cfg.AnnounceInterval.D(); got != tt.want {
				t.Errorf("got %v, want %v", got, tt.want)
			}
		})
	}
}

func TestParseInvalid(t *testing.T) {
	tests := []struct {
		name    string
		nodes   string
		wantMsg string
	}{
		{"no nodes", "nodes: []", "no nodes"},
		{"leader not first", "nodes:\n  - {name: R, role: router, mode: rsdn, parent: L}\n  - {name: L, role: leader, mode: rsdn}", "first node must be the leader"},
		{"two leaders", "nodes:\n  - {name: L, role: leader, mode: rsdn}\n  - {name: M, role: leader, mode: rsdn}", "leader must be the first"},
		{"duplicate", "nodes:\n  - {name: L, role: leader, mode: rsdn}\n  - {name: L, mode: rsn, parent: L}", "duplicate name"},
		{"unknown parent", "nodes:\n  - {name: L, role: leader, mode: rsdn}\n  - {name: C, mode: rsn, parent: X}", "not defined"},
		{"child parent", "nodes:\n  - {name: L, role: leader, mode: rsdn}\n  - {name: C, mode: rsn, parent: L}\n  - {name: D, mode: rsn, parent: C}", "is a child"},
		{"sleepy router", "nodes:\n  - {name: L, role: leader, mode: rsdn}\n  - {name: R, role: router, mode: s, parent: L}", "must be rx-on"},
		{"bad mode", "nodes:\n  - {name: L, role: leader, mode: rsq}", "invalid device mode"},
		{"bad role", "nodes:\n  - {name: L, role: king, mode: rsdn}", "invalid device kind"},
		{"unknown field", "nodes:\n  - {name: L, role: leader, mode: rsdn, color: red}", "failed to parse YAML"},
		{"loss", "link: {loss: 1.5}\nnodes:\n  - {name: L, role: leader, mode: rsdn}", "out of range"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := topology.Parse([]byte("name: bad\n" + tt.nodes + "\n"))
			if err == nil {
				t.Fatal("expected error")
			}
			var le *topology.LoadError
			if !errors.As(err, &le) {
				t.Fatalf("error is %T, want *LoadError", err)
			}
			if !strings.Contains(err.Error(), tt.wantMsg) {
				t.Errorf("error = %q, want it to contain %q", err, tt.wantMsg)
			}
		})
	}
}

func TestParseInvalidModeIsTyped(t *testing.T) {
	_, err := topology.Parse([]byte("name: bad\nnodes:\n  - {name: L, role: leader, mode: x}\n"))
	if !errors.Is(err, node.ErrInvalidMode) {
		t.Errorf("error = %v, want ErrInvalidMode", err)
	}
}

func TestLoad(t *testing.T) {
	cfg, err := topology.Load(filepath.Join("..", "..", "topologies", "expiration.yaml"))
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}
	if len(cfg.Nodes) != 4 {
		t.Errorf("len(Nodes) = %d, want 4", len(cfg.Nodes))
	}

	_, err = topology.Load(filepath.Join("..", "..", "topologies", "lossy.yaml"))
	if err != nil {
		t.Fatalf("Load(lossy) error = %v", err)
	}
}

func TestLoadErrors(t *testing.T) {
	dir := t.TempDir()

	_, err := topology.Load(filepath.Join(dir, "missing.yaml"))
	var le *topology.LoadError
	if !errors.As(err, &le) {
		t.Fatalf("error is %T, want *LoadError", err)
	}
	if !errors.Is(err, os.ErrNotExist) {
		t.Errorf("error = %v, want os.ErrNotExist cause", err)
	}

	path := filepath.Join(dir, "bad.yaml")
	if err := os.WriteFile(path, []byte("name: [\n"), 0o600); err != nil {
		t.Fatal(err)
	}
	_, err = topology.Load(path)
	if !errors.As(err, &le) {
		t.Fatalf("error is %T, want *LoadError", err)
	}
	if le.File != path {
		t.Errorf("File = %q, want %q", le.File, path)
	}
	if !strings.HasPrefix(err.Error(), path+": failed to parse YAML") {
		t.Errorf("error = %q", err)
	}
}
