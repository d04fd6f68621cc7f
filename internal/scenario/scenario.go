package scenario

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/ratorx/continuity/internal/model"
	"github.com/ratorx/continuity/internal/shaper"
)

// Structural errors. Both are fatal and reported before any node is
// launched.
var (
	ErrInvalidTopology   = errors.New("invalid topology")
	ErrUnknownDependency = errors.New("unknown dependency")
)

const (
	SupportedVersion = "1"

	DefaultReadyTimeoutSec = 30
	DefaultRunTimeoutSec   = 900
	DefaultStartRetries    = 1
	DefaultDevice          = "eth0"
	DefaultPauseCommand    = "sleep infinity"
)

// Scenario is a declarative topology: named nodes with roles, workload
// commands, mounts, capabilities and dependency edges, all joined to
// one shared network.
type Scenario struct {
	Version  string           `yaml:"version"`
	Network  Network          `yaml:"network"`
	Defaults Defaults         `yaml:"defaults"`
	Nodes    map[string]*Node `yaml:"nodes"`

	// Name identifies the scenario in container names and measurements.
	// Derived from the file name by Load.
	Name string `yaml:"-"`

	graph *Graph
}

// Network names the shared execution context all nodes join. External
// networks are provisioned outside the harness and never removed by it.
type Network struct {
	Name     string `yaml:"name"`
	External bool   `yaml:"external"`
}

// Defaults holds run-level tunables.
type Defaults struct {
	ReadyTimeoutSec int    `yaml:"ready_timeout_sec"`
	RunTimeoutSec   int    `yaml:"run_timeout_sec"`
	StartRetries    int    `yaml:"start_retries"`
	PauseCommand    string `yaml:"pause_command"`
	MetricsPath     string `yaml:"metrics_path"`
}

func (d Defaults) ReadyTimeout() time.Duration {
	return time.Duration(d.ReadyTimeoutSec) * time.Second
}

func (d Defaults) RunTimeout() time.Duration {
	return time.Duration(d.RunTimeoutSec) * time.Second
}

// Node declares one member of the swarm.
type Node struct {
	Role      model.Role `yaml:"role"`
	Image     string     `yaml:"image"`
	Command   string     `yaml:"command"`
	Volumes   []string   `yaml:"volumes"` // hostPath:containerPath:mode, mode must be ro
	CapAdd    []string   `yaml:"cap_add"`
	DependsOn []string   `yaml:"depends_on"`
	ReadyPort int        `yaml:"ready_port"` // optional listener probed for readiness
	Device    string     `yaml:"device"`     // egress device shaped inside the container
	Profile   *Profile   `yaml:"profile"`

	// NetProfile is the parsed form of Profile, filled by Validate.
	NetProfile model.NetworkProfile `yaml:"-"`
}

// Profile is the YAML form of a NetworkProfile.
type Profile struct {
	Rate    string `yaml:"rate"`    // e.g. 40mbit
	Burst   string `yaml:"burst"`   // e.g. 128kb
	Latency string `yaml:"latency"` // e.g. 400ms
}

// Argv splits the workload command into an exec argument vector. The
// command contract is plain whitespace-separated arguments; shell
// quoting is not interpreted.
func (n *Node) Argv() []string {
	return strings.Fields(n.Command)
}

// Graph returns the validated dependency graph.
func (s *Scenario) Graph() *Graph {
	return s.graph
}

// Load reads, parses and validates a scenario file. The scenario name
// is the file base name without extension.
func Load(path string) (*Scenario, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	name := strings.TrimSuffix(filepath.Base(path), filepath.Ext(path))
	return Parse(data, name)
}

// Parse parses and validates scenario YAML.
func Parse(data []byte, name string) (*Scenario, error) {
	var s Scenario
	if err := yaml.Unmarshal(data, &s); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidTopology, err)
	}
	s.Name = name
	ApplyDefaults(&s)
	if err := Validate(&s); err != nil {
		return nil, err
	}
	return &s, nil
}

// ApplyDefaults fills in default values when empty.
func ApplyDefaults(s *Scenario) {
	if s.Defaults.ReadyTimeoutSec == 0 {
		s.Defaults.ReadyTimeoutSec = DefaultReadyTimeoutSec
	}
	if s.Defaults.RunTimeoutSec == 0 {
		s.Defaults.RunTimeoutSec = DefaultRunTimeoutSec
	}
	if s.Defaults.StartRetries == 0 {
		s.Defaults.StartRetries = DefaultStartRetries
	}
	if s.Defaults.PauseCommand == "" {
		s.Defaults.PauseCommand = DefaultPauseCommand
	}
	for _, n := range s.Nodes {
		if n == nil {
			continue
		}
		if n.Device == "" {
			n.Device = DefaultDevice
		}
	}
}

// Validate checks the scenario structurally and builds the dependency
// graph. Cyclic or malformed topologies fail with ErrInvalidTopology;
// edges to undeclared nodes fail with ErrUnknownDependency.
func Validate(s *Scenario) error {
	if s.Version != SupportedVersion {
		return fmt.Errorf("%w: unsupported version %q", ErrInvalidTopology, s.Version)
	}
	if s.Network.Name == "" {
		return fmt.Errorf("%w: network.name is required", ErrInvalidTopology)
	}
	if len(s.Nodes) == 0 {
		return fmt.Errorf("%w: at least one node is required", ErrInvalidTopology)
	}

	for name, n := range s.Nodes {
		if n == nil {
			return fmt.Errorf("%w: node %q is empty", ErrInvalidTopology, name)
		}
		if !n.Role.Valid() {
			return fmt.Errorf("%w: node %q: unknown role %q", ErrInvalidTopology, name, n.Role)
		}
		if n.Image == "" {
			return fmt.Errorf("%w: node %q: image is required", ErrInvalidTopology, name)
		}
		if len(n.Argv()) == 0 {
			return fmt.Errorf("%w: node %q: command is required", ErrInvalidTopology, name)
		}
		if n.ReadyPort < 0 || n.ReadyPort > 65535 {
			return fmt.Errorf("%w: node %q: ready_port %d out of range", ErrInvalidTopology, name, n.ReadyPort)
		}
		for _, v := range n.Volumes {
			if err := validateVolume(v); err != nil {
				return fmt.Errorf("%w: node %q: %v", ErrInvalidTopology, name, err)
			}
		}
		if n.Profile != nil {
			p, err := shaper.ParseProfile(n.Profile.Rate, n.Profile.Burst, n.Profile.Latency)
			if err != nil {
				return fmt.Errorf("%w: node %q: %v", ErrInvalidTopology, name, err)
			}
			n.NetProfile = p
		}
	}

	g, err := newGraph(s.Nodes)
	if err != nil {
		return err
	}
	s.graph = g
	return nil
}

// validateVolume checks the hostPath:containerPath:mode form. Data is
// shared between nodes without coordination, so only read-only mounts
// are accepted.
func validateVolume(v string) error {
	parts := strings.Split(v, ":")
	if len(parts) != 3 || parts[0] == "" || parts[1] == "" {
		return fmt.Errorf("volume %q: want hostPath:containerPath:mode", v)
	}
	if parts[2] != "ro" {
		return fmt.Errorf("volume %q: mode must be ro", v)
	}
	return nil
}
