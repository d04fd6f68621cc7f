package collector

import (
	"bufio"
	"bytes"
	"context"
	"errors"
	"fmt"
	"os/exec"
	"strconv"
	"strings"
	"time"

	"github.com/ratorx/continuity/internal/model"
)

// ErrTransferFailed marks a workload that exited non-zero or hit a
// transport error. It is recorded as a failed Measurement and never
// aborts sibling nodes' collection.
var ErrTransferFailed = errors.New("transfer failed")

// Docker measures workloads exec'd inside a running container.
type Docker struct{}

// Measure runs the workload via `docker exec` and observes its latency
// characteristics.
func (Docker) Measure(ctx context.Context, node, container string, argv []string) model.Measurement {
	full := append([]string{"exec", container}, argv...)
	return Command(ctx, node, "docker", full...)
}

// Command executes a fully formed workload invocation and records
// wall-clock elapsed time to the first byte of output (TTFB) and to
// process exit (Total). If the workload prints its own measurement
// lines (see Format), those are preferred over the observed times.
func Command(ctx context.Context, node, name string, args ...string) model.Measurement {
	m := model.Measurement{Timestamp: time.Now().UTC(), Node: node}

	cmd := exec.CommandContext(ctx, name, args...)
	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return fail(m, err.Error())
	}
	var stderr bytes.Buffer
	cmd.Stderr = &stderr

	start := time.Now()
	if err := cmd.Start(); err != nil {
		return fail(m, err.Error())
	}

	var firstByte time.Time
	var out bytes.Buffer
	buf := make([]byte, 32*1024)
	for {
		n, rerr := stdout.Read(buf)
		if n > 0 {
			if firstByte.IsZero() {
				firstByte = time.Now()
			}
			out.Write(buf[:n])
		}
		if rerr != nil {
			break
		}
	}
	werr := cmd.Wait()
	total := time.Since(start)

	if werr != nil {
		reason := strings.TrimSpace(stderr.String())
		if reason == "" {
			reason = werr.Error()
		}
		return fail(m, reason)
	}

	m.Status = model.StatusOK
	m.Total = total.Seconds()
	if firstByte.IsZero() {
		// Workload produced no output; first byte is only bounded by completion.
		m.TTFB = m.Total
	} else {
		m.TTFB = firstByte.Sub(start).Seconds()
	}

	if self, err := ParseMeasurement(node, out.String()); err == nil {
		m.TTFB = self.TTFB
		m.Total = self.Total
	}
	return m
}

func fail(m model.Measurement, reason string) model.Measurement {
	m.Status = model.StatusFailed
	m.Reason = fmt.Sprintf("%v: %s", ErrTransferFailed, reason)
	return m
}

// Format renders the measurement lines consumed by ParseMeasurement.
func Format(m model.Measurement) string {
	return fmt.Sprintf("TTFB: %.3f\nTotal: %.3f\n", m.TTFB, m.Total)
}

// Normalize rewrites carriage-return progress updates (curl-style) as
// newlines so line scanning stays safe.
func Normalize(s string) string {
	return strings.NewReplacer("\r\n", "\n", "\r", "\n").Replace(s)
}

// ParseMeasurement extracts TTFB/Total lines from captured workload
// output. Both lines must be present; intermixed progress output is
// tolerated.
func ParseMeasurement(node, output string) (model.Measurement, error) {
	m := model.Measurement{Timestamp: time.Now().UTC(), Node: node, Status: model.StatusOK}

	var haveTTFB, haveTotal bool
	sc := bufio.NewScanner(strings.NewReader(Normalize(output)))
	for sc.Scan() {
		line := strings.TrimSpace(sc.Text())
		switch {
		case strings.HasPrefix(line, "TTFB:"):
			v, err := parseSeconds(strings.TrimPrefix(line, "TTFB:"))
			if err != nil {
				return model.Measurement{}, fmt.Errorf("node %s: %v", node, err)
			}
			m.TTFB = v
			haveTTFB = true
		case strings.HasPrefix(line, "Total:"):
			v, err := parseSeconds(strings.TrimPrefix(line, "Total:"))
			if err != nil {
				return model.Measurement{}, fmt.Errorf("node %s: %v", node, err)
			}
			m.Total = v
			haveTotal = true
		}
	}
	if err := sc.Err(); err != nil {
		return model.Measurement{}, err
	}
	if !haveTTFB || !haveTotal {
		return model.Measurement{}, fmt.Errorf("node %s: measurement lines not found", node)
	}
	return m, nil
}

func parseSeconds(s string) (float64, error) {
	v, err := strconv.ParseFloat(strings.TrimSpace(s), 64)
	if err != nil || v < 0 {
		return 0, fmt.Errorf("invalid seconds value %q", s)
	}
	return v, nil
}
