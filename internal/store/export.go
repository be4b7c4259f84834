package store

import (
	"encoding/csv"
	"fmt"
	"io"
	"os"
	"strconv"

	"github.com/banshee-data/traffic.report/internal/monitoring"
)

var exportHeader = []string{"Timestamp", "DateTime", "Cars", "Vans", "Motors", "Buses", "Bicycles"}

// WriteCSV writes every count record to w in CSV form, one header row first,
// rows ascending by timestamp. The store lock is held only for the query,
// not across the writes.
func (s *Store) WriteCSV(w io.Writer) error {
	records, err := s.Range(0, float64(1<<62))
	if err != nil {
		return err
	}

	cw := csv.NewWriter(w)
	if err := cw.Write(exportHeader); err != nil {
		return fmt.Errorf("write export header: %w", err)
	}
	for _, r := range records {
		row := []string{
			strconv.FormatFloat(r.Timestamp, 'f', -1, 64),
			r.DatetimeStr,
			strconv.Itoa(r.Cars),
			strconv.Itoa(r.Vans),
			strconv.Itoa(r.Motors),
			strconv.Itoa(r.Buses),
			strconv.Itoa(r.Bicycles),
		}
		if err := cw.Write(row); err != nil {
			return fmt.Errorf("write export row: %w", err)
		}
	}
	cw.Flush()
	return cw.Error()
}

// ExportCSV writes the full counts table to a CSV file at path.
func (s *Store) ExportCSV(path string) error {
	f, err := os.Create(path)
	if err != nil {
		return fmt.Errorf("create export file: %w", err)
	}
	defer f.Close()

	if err := s.WriteCSV(f); err != nil {
		return err
	}
	monitoring.Logf("store: exported counts to %s", path)
	return nil
}
