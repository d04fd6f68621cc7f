package shaper

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/docker/go-units"

	"github.com/ratorx/continuity/internal/execx"
	"github.com/ratorx/continuity/internal/model"
)

// ErrShapingUnsupported is returned when the caller lacks the elevated
// network capability (CAP_NET_ADMIN) or the device does not exist.
var ErrShapingUnsupported = errors.New("network shaping unsupported")

// Shaper installs token-bucket-filter queueing policies via tc. It is
// injectable for unit tests.
type Shaper struct {
	r execx.Runner
}

func New(r execx.Runner) *Shaper {
	if r == nil {
		r = execx.NewOSRunner(os.Stdout, os.Stderr)
	}
	return &Shaper{r: r}
}

// Apply installs a tbf qdisc on the device's root queue. `tc qdisc
// replace` swaps any existing root policy atomically instead of
// stacking, so repeated calls with the same profile are idempotent.
// Once applied, nothing else in the harness touches the device.
func (s *Shaper) Apply(device string, p model.NetworkProfile) error {
	if device == "" {
		return fmt.Errorf("%w: device is required", ErrShapingUnsupported)
	}
	if p.RateBits <= 0 || p.BurstBytes <= 0 || p.Latency <= 0 {
		return fmt.Errorf("invalid profile: rate=%d burst=%d latency=%s", p.RateBits, p.BurstBytes, p.Latency)
	}

	err := s.r.Run("tc", "qdisc", "replace", "dev", device, "root", "tbf",
		"rate", FormatRate(p.RateBits),
		"burst", strconv.FormatInt(p.BurstBytes, 10),
		"latency", formatLatency(p.Latency))
	if err != nil {
		if unsupported(err) {
			return fmt.Errorf("%w: %v", ErrShapingUnsupported, err)
		}
		return err
	}
	return nil
}

// Clear removes the root qdisc from the device. Missing policies are
// not an error so teardown can run unconditionally.
func (s *Shaper) Clear(device string) error {
	if device == "" {
		return fmt.Errorf("%w: device is required", ErrShapingUnsupported)
	}
	err := s.r.Run("tc", "qdisc", "del", "dev", device, "root")
	if err == nil {
		return nil
	}
	msg := err.Error()
	if strings.Contains(msg, "No such file") || strings.Contains(msg, "handle of zero") {
		return nil
	}
	if unsupported(err) {
		return fmt.Errorf("%w: %v", ErrShapingUnsupported, err)
	}
	return err
}

func unsupported(err error) bool {
	msg := err.Error()
	return strings.Contains(msg, "Operation not permitted") ||
		strings.Contains(msg, "not permitted") ||
		strings.Contains(msg, "Cannot find device") ||
		strings.Contains(msg, "No such device")
}

// ParseRate converts a tc-style rate string ("40mbit", "500kbit",
// "1gbit", "9600bit") into bits per second. Suffixes are decimal, as
// in tc.
func ParseRate(s string) (int64, error) {
	v := strings.ToLower(strings.TrimSpace(s))
	mult := int64(1)
	switch {
	case strings.HasSuffix(v, "gbit"):
		mult, v = 1e9, strings.TrimSuffix(v, "gbit")
	case strings.HasSuffix(v, "mbit"):
		mult, v = 1e6, strings.TrimSuffix(v, "mbit")
	case strings.HasSuffix(v, "kbit"):
		mult, v = 1e3, strings.TrimSuffix(v, "kbit")
	case strings.HasSuffix(v, "bit"):
		v = strings.TrimSuffix(v, "bit")
	default:
		return 0, fmt.Errorf("rate %q: missing bit/kbit/mbit/gbit suffix", s)
	}
	n, err := strconv.ParseInt(strings.TrimSpace(v), 10, 64)
	if err != nil || n <= 0 {
		return 0, fmt.Errorf("rate %q: invalid value", s)
	}
	return n * mult, nil
}

// FormatRate renders bits/sec with the largest exact tc suffix. A
// suffix is always emitted; a bare number means bytes/sec to tc.
func FormatRate(bits int64) string {
	switch {
	case bits%1e9 == 0:
		return strconv.FormatInt(bits/1e9, 10) + "gbit"
	case bits%1e6 == 0:
		return strconv.FormatInt(bits/1e6, 10) + "mbit"
	case bits%1e3 == 0:
		return strconv.FormatInt(bits/1e3, 10) + "kbit"
	default:
		return strconv.FormatInt(bits, 10) + "bit"
	}
}

// ParseBurst converts a byte-size string ("128kb", "1mb", "65536")
// into bytes. Binary suffixes, matching tc size units.
func ParseBurst(s string) (int64, error) {
	n, err := units.RAMInBytes(strings.TrimSpace(s))
	if err != nil || n <= 0 {
		return 0, fmt.Errorf("burst %q: invalid size", s)
	}
	return n, nil
}

// ParseProfile builds a NetworkProfile from the scenario's string form.
func ParseProfile(rate, burst, latency string) (model.NetworkProfile, error) {
	bits, err := ParseRate(rate)
	if err != nil {
		return model.NetworkProfile{}, err
	}
	bytes, err := ParseBurst(burst)
	if err != nil {
		return model.NetworkProfile{}, err
	}
	lat, err := time.ParseDuration(strings.TrimSpace(latency))
	if err != nil || lat <= 0 {
		return model.NetworkProfile{}, fmt.Errorf("latency %q: invalid duration", latency)
	}
	return model.NetworkProfile{RateBits: bits, BurstBytes: bytes, Latency: lat}, nil
}

func formatLatency(d time.Duration) string {
	if d%time.Millisecond == 0 {
		return strconv.FormatInt(d.Milliseconds(), 10) + "ms"
	}
	return strconv.FormatInt(d.Microseconds(), 10) + "us"
}
