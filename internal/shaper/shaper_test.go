package shaper

import (
	"errors"
	"strings"
	"testing"
	"time"

	"github.com/ratorx/continuity/internal/execx"
	"github.com/ratorx/continuity/internal/model"
)

type recordRunner struct {
	cmds []string
	err  error
}

func (r *recordRunner) Run(name string, args ...string) error {
	r.cmds = append(r.cmds, name+" "+strings.Join(args, " "))
	return r.err
}

func (r *recordRunner) Output(name string, args ...string) (string, error) { return "", r.err }

var _ execx.Runner = (*recordRunner)(nil)

func TestApply_UsesReplaceOnRootQueue(t *testing.T) {
	t.Parallel()

	rr := &recordRunner{}
	s := New(rr)

	p := model.NetworkProfile{RateBits: 40_000_000, BurstBytes: 131072, Latency: 400 * time.Millisecond}
	if err := s.Apply("eth0", p); err != nil {
		t.Fatalf("Apply: %v", err)
	}

	want := "tc qdisc replace dev eth0 root tbf rate 40mbit burst 131072 latency 400ms"
	if rr.cmds[0] != want {
		t.Fatalf("cmd=%q want %q", rr.cmds[0], want)
	}
}

func TestApply_Idempotent(t *testing.T) {
	t.Parallel()

	rr := &recordRunner{}
	s := New(rr)
	p := model.NetworkProfile{RateBits: 1_000_000, BurstBytes: 32768, Latency: 50 * time.Millisecond}

	if err := s.Apply("eth0", p); err != nil {
		t.Fatalf("Apply #1: %v", err)
	}
	if err := s.Apply("eth0", p); err != nil {
		t.Fatalf("Apply #2: %v", err)
	}
	if len(rr.cmds) != 2 || rr.cmds[0] != rr.cmds[1] {
		t.Fatalf("expected two identical replace commands, got %v", rr.cmds)
	}
	if strings.Contains(rr.cmds[0], " add ") {
		t.Fatalf("must never use qdisc add: %q", rr.cmds[0])
	}
}

func TestApply_MapsPermissionToUnsupported(t *testing.T) {
	t.Parallel()

	rr := &recordRunner{err: errors.New("exit status 2: RTNETLINK answers: Operation not permitted")}
	s := New(rr)
	p := model.NetworkProfile{RateBits: 1_000_000, BurstBytes: 32768, Latency: 50 * time.Millisecond}

	err := s.Apply("eth0", p)
	if !errors.Is(err, ErrShapingUnsupported) {
		t.Fatalf("err=%v", err)
	}
}

func TestApply_MapsMissingDeviceToUnsupported(t *testing.T) {
	t.Parallel()

	rr := &recordRunner{err: errors.New(`exit status 1: Cannot find device "eth9"`)}
	s := New(rr)
	p := model.NetworkProfile{RateBits: 1_000_000, BurstBytes: 32768, Latency: 50 * time.Millisecond}

	if err := s.Apply("eth9", p); !errors.Is(err, ErrShapingUnsupported) {
		t.Fatalf("err=%v", err)
	}
}

func TestApply_RejectsEmptyProfile(t *testing.T) {
	t.Parallel()

	s := New(&recordRunner{})
	if err := s.Apply("eth0", model.NetworkProfile{}); err == nil {
		t.Fatalf("expected error")
	}
}

func TestClear_ToleratesMissingQdisc(t *testing.T) {
	t.Parallel()

	rr := &recordRunner{err: errors.New("exit status 2: RTNETLINK answers: No such file or directory")}
	s := New(rr)
	if err := s.Clear("eth0"); err != nil {
		t.Fatalf("Clear: %v", err)
	}
}

func TestParseRate(t *testing.T) {
	t.Parallel()

	cases := []struct {
		in   string
		want int64
		ok   bool
	}{
		{"40mbit", 40_000_000, true},
		{"500kbit", 500_000, true},
		{"1gbit", 1_000_000_000, true},
		{"9600bit", 9600, true},
		{" 10Mbit ", 10_000_000, true},
		{"40", 0, false},
		{"40mb", 0, false},
		{"-1mbit", 0, false},
	}
	for _, c := range cases {
		got, err := ParseRate(c.in)
		if c.ok != (err == nil) {
			t.Fatalf("ParseRate(%q) err=%v", c.in, err)
		}
		if c.ok && got != c.want {
			t.Fatalf("ParseRate(%q)=%d want %d", c.in, got, c.want)
		}
	}
}

func TestParseProfile(t *testing.T) {
	t.Parallel()

	p, err := ParseProfile("40mbit", "128kb", "400ms")
	if err != nil {
		t.Fatalf("ParseProfile: %v", err)
	}
	if p.RateBits != 40_000_000 {
		t.Fatalf("rate=%d", p.RateBits)
	}
	if p.BurstBytes != 128*1024 {
		t.Fatalf("burst=%d", p.BurstBytes)
	}
	if p.Latency != 400*time.Millisecond {
		t.Fatalf("latency=%s", p.Latency)
	}

	if _, err := ParseProfile("40mbit", "128kb", "never"); err == nil {
		t.Fatalf("expected latency error")
	}
	if _, err := ParseProfile("fast", "128kb", "400ms"); err == nil {
		t.Fatalf("expected rate error")
	}
}
