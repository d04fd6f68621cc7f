package metrics

import (
	"encoding/csv"
	"fmt"
	"io"
	"os"
	"strconv"
	"time"

	"github.com/ratorx/continuity/internal/model"
)

// ReadCSV loads measurements from a CSV file.
func ReadCSV(path string) ([]model.Measurement, error) {
	file, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer file.Close()

	return readCSV(file)
}

func readCSV(r io.Reader) ([]model.Measurement, error) {
	reader := csv.NewReader(r)
	records, err := reader.ReadAll()
	if err != nil {
		return nil, err
	}
	if len(records) == 0 {
		return nil, nil
	}

	start := 0
	if len(records[0]) > 0 && records[0][0] == "timestamp" {
		start = 1
	}

	items := make([]model.Measurement, 0, len(records)-start)
	for i := start; i < len(records); i++ {
		rec := records[i]
		if len(rec) < 8 {
			return nil, fmt.Errorf("invalid record at line %d", i+1)
		}
		ts, err := time.Parse(time.RFC3339Nano, rec[0])
		if err != nil {
			return nil, fmt.Errorf("invalid timestamp at line %d: %w", i+1, err)
		}
		ttfb, _ := strconv.ParseFloat(rec[5], 64)
		total, _ := strconv.ParseFloat(rec[6], 64)
		items = append(items, model.Measurement{
			Timestamp: ts,
			Scenario:  rec[1],
			Node:      rec[2],
			Role:      model.Role(rec[3]),
			Status:    rec[4],
			TTFB:      ttfb,
			Total:     total,
			Reason:    rec[7],
		})
	}

	return items, nil
}
