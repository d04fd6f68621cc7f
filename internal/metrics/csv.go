package metrics

import (
	"encoding/csv"
	"io"
	"os"
	"path/filepath"
	"strconv"
	"time"

	"github.com/ratorx/continuity/internal/model"
)

var header = []string{
	"timestamp",
	"scenario",
	"node",
	"role",
	"status",
	"ttfb_s",
	"total_s",
	"reason",
}

// WriteCSV writes measurements to CSV with a fixed column order.
func WriteCSV(w io.Writer, items []model.Measurement) error {
	writer := csv.NewWriter(w)
	defer writer.Flush()

	if err := writer.Write(header); err != nil {
		return err
	}
	if err := writeRecords(writer, items); err != nil {
		return err
	}
	return writer.Error()
}

// AppendCSV appends measurements to a CSV file, writing the header only
// when the file is new or empty.
func AppendCSV(path string, items []model.Measurement) error {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return err
	}
	file, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		return err
	}
	defer file.Close()

	info, err := file.Stat()
	if err != nil {
		return err
	}

	writer := csv.NewWriter(file)
	defer writer.Flush()

	if info.Size() == 0 {
		if err := writer.Write(header); err != nil {
			return err
		}
	}
	if err := writeRecords(writer, items); err != nil {
		return err
	}
	return writer.Error()
}

func writeRecords(writer *csv.Writer, items []model.Measurement) error {
	for _, m := range items {
		record := []string{
			m.Timestamp.UTC().Format(time.RFC3339Nano),
			m.Scenario,
			m.Node,
			string(m.Role),
			m.Status,
			strconv.FormatFloat(m.TTFB, 'f', 3, 64),
			strconv.FormatFloat(m.Total, 'f', 3, 64),
			m.Reason,
		}
		if err := writer.Write(record); err != nil {
			return err
		}
	}
	return nil
}
