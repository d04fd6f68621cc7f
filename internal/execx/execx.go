package execx

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"os"
	"os/exec"
	"strings"
)

// Runner abstracts command execution so packages can be unit-tested
// without touching real system tooling (docker/tc).
type Runner interface {
	Run(name string, args ...string) error
	Output(name string, args ...string) (string, error)
}

// OSRunner executes commands on the host via os/exec.
type OSRunner struct {
	Stdout io.Writer
	Stderr io.Writer
}

func NewOSRunner(stdout, stderr io.Writer) *OSRunner {
	if stdout == nil {
		stdout = os.Stdout
	}
	if stderr == nil {
		stderr = os.Stderr
	}
	return &OSRunner{Stdout: stdout, Stderr: stderr}
}

func (r *OSRunner) Run(name string, args ...string) error {
	cmd := exec.Command(name, args...)
	cmd.Stdout = r.Stdout
	var stderr bytes.Buffer
	cmd.Stderr = &stderr
	if err := cmd.Run(); err != nil {
		msg := strings.TrimSpace(stderr.String())
		if msg != "" {
			return fmt.Errorf("%s: %s", err.Error(), msg)
		}
		return err
	}
	if stderr.Len() > 0 && r.Stderr != nil {
		_, _ = io.Copy(r.Stderr, &stderr)
	}
	return nil
}

func (r *OSRunner) Output(name string, args ...string) (string, error) {
	cmd := exec.Command(name, args...)
	var buf bytes.Buffer
	cmd.Stdout = &buf
	cmd.Stderr = &buf
	err := cmd.Run()
	if err != nil {
		return "", errors.New(buf.String())
	}
	return strings.TrimSpace(buf.String()), nil
}

// Prefix returns a Runner that prepends the given command and arguments
// to every invocation. Used to run commands inside a container, e.g.
// Prefix(r, "docker", "exec", name) turns `tc ...` into
// `docker exec <name> tc ...`.
func Prefix(r Runner, name string, args ...string) Runner {
	return &prefixRunner{r: r, name: name, args: args}
}

type prefixRunner struct {
	r    Runner
	name string
	args []string
}

func (p *prefixRunner) Run(name string, args ...string) error {
	return p.r.Run(p.name, p.combine(name, args)...)
}

func (p *prefixRunner) Output(name string, args ...string) (string, error) {
	return p.r.Output(p.name, p.combine(name, args)...)
}

func (p *prefixRunner) combine(name string, args []string) []string {
	out := make([]string, 0, len(p.args)+1+len(args))
	out = append(out, p.args...)
	out = append(out, name)
	out = append(out, args...)
	return out
}
