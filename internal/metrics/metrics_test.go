package metrics

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/ratorx/continuity/internal/model"
)

func sample(node string, total float64, status string) model.Measurement {
	return model.Measurement{
		Timestamp: time.Unix(100, 0).UTC(),
		Scenario:  "rarest_2_4",
		Node:      node,
		Role:      model.RolePeer,
		Status:    status,
		TTFB:      total / 10,
		Total:     total,
	}
}

func TestAppendCSV_WritesHeaderOnce(t *testing.T) {
	t.Parallel()

	tmp := t.TempDir()
	path := filepath.Join(tmp, "metrics.csv")

	if err := AppendCSV(path, []model.Measurement{sample("peer1", 9.1, model.StatusOK)}); err != nil {
		t.Fatalf("AppendCSV #1: %v", err)
	}
	if err := AppendCSV(path, []model.Measurement{sample("peer2", 8.7, model.StatusOK)}); err != nil {
		t.Fatalf("AppendCSV #2: %v", err)
	}

	data, err := os.ReadFile(path)
	if err != nil {
		t.Fatalf("ReadFile: %v", err)
	}
	lines := strings.Split(strings.TrimSpace(string(data)), "\n")
	if len(lines) != 3 {
		t.Fatalf("lines=%d\n%s", len(lines), string(data))
	}
	if !strings.HasPrefix(lines[0], "timestamp,") {
		t.Fatalf("missing header: %q", lines[0])
	}
}

func TestReadCSV_RoundTrip(t *testing.T) {
	t.Parallel()

	tmp := t.TempDir()
	path := filepath.Join(tmp, "metrics.csv")

	in := []model.Measurement{
		sample("peer1", 9.1, model.StatusOK),
		sample("peer2", 0, model.StatusFailed),
	}
	in[1].Reason = "transfer failed: exit status 1"
	if err := AppendCSV(path, in); err != nil {
		t.Fatalf("AppendCSV: %v", err)
	}

	out, err := ReadCSV(path)
	if err != nil {
		t.Fatalf("ReadCSV: %v", err)
	}
	if len(out) != 2 {
		t.Fatalf("len=%d", len(out))
	}
	if out[0].Node != "peer1" || out[0].Total != 9.1 || out[0].Role != model.RolePeer {
		t.Fatalf("out[0]=%+v", out[0])
	}
	if out[1].Status != model.StatusFailed || out[1].Reason == "" {
		t.Fatalf("out[1]=%+v", out[1])
	}
}

func TestSummarize(t *testing.T) {
	t.Parallel()

	items := []model.Measurement{
		sample("peer1", 10, model.StatusOK),
		sample("peer2", 20, model.StatusOK),
		sample("peer3", 30, model.StatusOK),
		sample("peer4", 0, model.StatusFailed),
	}
	s := Summarize(items, time.Time{})
	if s.Count != 3 || s.Failed != 1 {
		t.Fatalf("count=%d failed=%d", s.Count, s.Failed)
	}
	if s.AvgTotal != 20 || s.MinTotal != 10 || s.MaxTotal != 30 {
		t.Fatalf("summary=%+v", s)
	}
	if s.P95Total != 30 {
		t.Fatalf("p95=%f", s.P95Total)
	}
	if s.AvgTTFB != 2 {
		t.Fatalf("avg_ttfb=%f", s.AvgTTFB)
	}
}

func TestSummarize_WindowFilters(t *testing.T) {
	t.Parallel()

	old := sample("peer1", 10, model.StatusOK)
	old.Timestamp = time.Unix(10, 0).UTC()
	recent := sample("peer2", 20, model.StatusOK)

	s := Summarize([]model.Measurement{old, recent}, time.Unix(50, 0).UTC())
	if s.Count != 1 || s.AvgTotal != 20 {
		t.Fatalf("summary=%+v", s)
	}
}
