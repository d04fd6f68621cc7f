package metrics

import (
	"math"
	"sort"
	"time"

	"github.com/ratorx/continuity/internal/model"
)

// Summary is a basic statistics snapshot over successful transfers.
type Summary struct {
	Count    int // successful measurements
	Failed   int
	From     time.Time
	To       time.Time
	AvgTTFB  float64
	AvgTotal float64
	MinTotal float64
	MaxTotal float64
	P95Total float64
}

// Summarize computes summary statistics for measurements in a time
// window. Failed measurements are counted but excluded from timing
// aggregates.
func Summarize(items []model.Measurement, since time.Time) Summary {
	var s Summary
	values := make([]float64, 0, len(items))
	var sumTTFB, sumTotal float64
	minTotal := math.MaxFloat64

	for _, m := range items {
		if m.Timestamp.Before(since) {
			continue
		}
		if s.From.IsZero() || m.Timestamp.Before(s.From) {
			s.From = m.Timestamp
		}
		if m.Timestamp.After(s.To) {
			s.To = m.Timestamp
		}
		if m.Status != model.StatusOK {
			s.Failed++
			continue
		}
		s.Count++
		values = append(values, m.Total)
		sumTTFB += m.TTFB
		sumTotal += m.Total
		if m.Total < minTotal {
			minTotal = m.Total
		}
		if m.Total > s.MaxTotal {
			s.MaxTotal = m.Total
		}
	}

	if s.Count == 0 {
		return s
	}

	sort.Float64s(values)
	count := float64(s.Count)
	s.AvgTTFB = sumTTFB / count
	s.AvgTotal = sumTotal / count
	s.MinTotal = minTotal
	s.P95Total = percentile(values, 0.95)
	return s
}

func percentile(values []float64, p float64) float64 {
	if len(values) == 0 {
		return 0
	}
	if p <= 0 {
		return values[0]
	}
	if p >= 1 {
		return values[len(values)-1]
	}
	idx := int(math.Ceil(p*float64(len(values)))) - 1
	if idx < 0 {
		idx = 0
	}
	if idx >= len(values) {
		idx = len(values) - 1
	}
	return values[idx]
}
