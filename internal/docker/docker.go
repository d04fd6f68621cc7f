package docker

import (
	"fmt"
	"os"
	"strings"

	"github.com/ratorx/continuity/internal/execx"
)

// Manager drives the docker CLI. It is injectable for unit tests.
type Manager struct {
	r execx.Runner
}

func NewManager(r execx.Runner) *Manager {
	if r == nil {
		r = execx.NewOSRunner(os.Stdout, os.Stderr)
	}
	return &Manager{r: r}
}

// RunSpec describes one node container. Init is the idle command kept
// as PID 1 so the orchestrator can install shaping before the workload
// is exec'd.
type RunSpec struct {
	Name    string
	Image   string
	Network string
	Volumes []string // hostPath:containerPath:mode
	CapAdd  []string
	Init    []string
}

// EnsureNetwork makes sure the shared execution context exists. An
// external network must already be provisioned; a non-external one is
// created on demand.
func (m *Manager) EnsureNetwork(name string, external bool) error {
	if name == "" {
		return fmt.Errorf("network name is required")
	}
	if _, err := m.output("docker", "network", "inspect", "-f", "{{.Id}}", name); err == nil {
		return nil
	}
	if external {
		return fmt.Errorf("network %q not found (declared external)", name)
	}
	return m.run("docker", "network", "create", name)
}

// RemoveNetwork deletes a harness-created network. Missing networks are
// not an error.
func (m *Manager) RemoveNetwork(name string) error {
	err := m.run("docker", "network", "rm", name)
	if err == nil || strings.Contains(err.Error(), "not found") {
		return nil
	}
	return err
}

// Start launches the container detached, joined to the shared network
// with read-only mounts and the requested capabilities.
func (m *Manager) Start(spec RunSpec) error {
	if spec.Name == "" || spec.Image == "" {
		return fmt.Errorf("container name and image are required")
	}
	if len(spec.Init) == 0 {
		return fmt.Errorf("init command is required")
	}
	args := []string{"run", "-d", "--name", spec.Name}
	if spec.Network != "" {
		args = append(args, "--network", spec.Network)
	}
	for _, v := range spec.Volumes {
		args = append(args, "-v", v)
	}
	for _, c := range spec.CapAdd {
		args = append(args, "--cap-add", c)
	}
	args = append(args, spec.Image)
	args = append(args, spec.Init...)
	return m.run("docker", args...)
}

// Running reports whether the container's main process is alive.
func (m *Manager) Running(name string) (bool, error) {
	out, err := m.output("docker", "inspect", "-f", "{{.State.Running}}", name)
	if err != nil {
		return false, err
	}
	return out == "true", nil
}

// IP returns the container's address on its attached network.
func (m *Manager) IP(name string) (string, error) {
	out, err := m.output("docker", "inspect", "-f",
		"{{range .NetworkSettings.Networks}}{{.IPAddress}}{{end}}", name)
	if err != nil {
		return "", err
	}
	if out == "" {
		return "", fmt.Errorf("container %q has no network address", name)
	}
	return out, nil
}

// ExecDetached starts a long-running workload (tracker/seed service)
// inside the container without waiting for it.
func (m *Manager) ExecDetached(name string, argv []string) error {
	if len(argv) == 0 {
		return fmt.Errorf("workload command is required")
	}
	args := append([]string{"exec", "-d", name}, argv...)
	return m.run("docker", args...)
}

// ExecRunner returns a Runner scoped to the container, used to apply
// network shaping inside its namespace.
func (m *Manager) ExecRunner(name string) execx.Runner {
	return execx.Prefix(m.r, "docker", "exec", name)
}

// Remove force-removes a container. Missing containers are not an
// error so teardown can run unconditionally.
func (m *Manager) Remove(name string) error {
	err := m.run("docker", "rm", "-f", name)
	if err == nil || strings.Contains(err.Error(), "No such container") {
		return nil
	}
	return err
}

func (m *Manager) run(name string, args ...string) error {
	if m == nil || m.r == nil {
		return fmt.Errorf("runner not initialized")
	}
	return m.r.Run(name, args...)
}

func (m *Manager) output(name string, args ...string) (string, error) {
	if m == nil || m.r == nil {
		return "", fmt.Errorf("runner not initialized")
	}
	return m.r.Output(name, args...)
}
