package collector

import (
	"context"
	"strings"
	"testing"

	"github.com/ratorx/continuity/internal/model"
)

func TestCommand_MeasuresFirstByteAndTotal(t *testing.T) {
	t.Parallel()

	m := Command(context.Background(), "peer1", "sh", "-c", "printf x; sleep 0.1; printf y")
	if m.Status != model.StatusOK {
		t.Fatalf("status=%s reason=%s", m.Status, m.Reason)
	}
	if m.Node != "peer1" {
		t.Fatalf("node=%q", m.Node)
	}
	if m.TTFB <= 0 || m.Total <= 0 {
		t.Fatalf("ttfb=%f total=%f", m.TTFB, m.Total)
	}
	if m.TTFB > m.Total {
		t.Fatalf("ttfb %f > total %f", m.TTFB, m.Total)
	}
}

func TestCommand_NonZeroExitIsFailedMeasurement(t *testing.T) {
	t.Parallel()

	m := Command(context.Background(), "peer1", "sh", "-c", "echo boom >&2; exit 3")
	if m.Status != model.StatusFailed {
		t.Fatalf("status=%s", m.Status)
	}
	if !strings.Contains(m.Reason, "boom") {
		t.Fatalf("reason=%q", m.Reason)
	}
}

func TestCommand_MissingBinaryIsFailedMeasurement(t *testing.T) {
	t.Parallel()

	m := Command(context.Background(), "peer1", "/nonexistent/continuity-client")
	if m.Status != model.StatusFailed {
		t.Fatalf("status=%s", m.Status)
	}
	if m.Reason == "" {
		t.Fatalf("empty reason")
	}
}

func TestCommand_PrefersSelfReportedTimings(t *testing.T) {
	t.Parallel()

	m := Command(context.Background(), "peer1", "sh", "-c", `printf 'TTFB: 0.250\nTotal: 1.500\n'`)
	if m.Status != model.StatusOK {
		t.Fatalf("status=%s reason=%s", m.Status, m.Reason)
	}
	if m.TTFB != 0.25 || m.Total != 1.5 {
		t.Fatalf("ttfb=%f total=%f", m.TTFB, m.Total)
	}
}

func TestParseMeasurement_NormalizesCarriageReturns(t *testing.T) {
	t.Parallel()

	out := "  0%\r 50%\r100%\rTTFB: 0.412\rTotal: 9.031\r"
	m, err := ParseMeasurement("peer2", out)
	if err != nil {
		t.Fatalf("ParseMeasurement: %v", err)
	}
	if m.TTFB != 0.412 || m.Total != 9.031 {
		t.Fatalf("ttfb=%f total=%f", m.TTFB, m.Total)
	}
}

func TestParseMeasurement_RequiresBothLines(t *testing.T) {
	t.Parallel()

	if _, err := ParseMeasurement("p", "TTFB: 0.1\n"); err == nil {
		t.Fatalf("expected error")
	}
	if _, err := ParseMeasurement("p", "downloading...\n"); err == nil {
		t.Fatalf("expected error")
	}
}

func TestFormat_RoundTrips(t *testing.T) {
	t.Parallel()

	in := model.Measurement{Node: "p", TTFB: 0.125, Total: 4.75}
	m, err := ParseMeasurement("p", Format(in))
	if err != nil {
		t.Fatalf("ParseMeasurement: %v", err)
	}
	if m.TTFB != in.TTFB || m.Total != in.Total {
		t.Fatalf("got ttfb=%f total=%f", m.TTFB, m.Total)
	}
}
