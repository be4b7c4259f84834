// Package report computes extended per-category statistics over a window of
// count records, beyond the simple aggregates the store serves.
package report

import (
	"sort"

	"gonum.org/v1/gonum/stat"

	"github.com/banshee-data/traffic.report/internal/counts"
)

// CategorySummary holds distribution statistics for one vehicle category.
type CategorySummary struct {
	Mean   float64 `json:"mean"`
	StdDev float64 `json:"std_dev"`
	Min    float64 `json:"min"`
	Max    float64 `json:"max"`
	Median float64 `json:"median"`
	P95    float64 `json:"p95"`
}

// Summary describes a window of records.
type Summary struct {
	Records    int                        `json:"records"`
	Start      float64                    `json:"start"`
	End        float64                    `json:"end"`
	Categories map[string]CategorySummary `json:"categories"`
}

// Summarize computes per-category statistics over records. An empty input
// yields a zero summary with empty category entries.
func Summarize(records []counts.Record) Summary {
	s := Summary{
		Records:    len(records),
		Categories: make(map[string]CategorySummary, len(counts.Categories)),
	}
	if len(records) > 0 {
		s.Start = records[0].Timestamp
		s.End = records[len(records)-1].Timestamp
	}

	for _, name := range counts.Categories {
		values := make([]float64, len(records))
		for i, r := range records {
			values[i] = float64(r.Counts().ByCategory(name))
		}
		s.Categories[name] = summarizeValues(values)
	}
	return s
}

func summarizeValues(values []float64) CategorySummary {
	if len(values) == 0 {
		return CategorySummary{}
	}
	sorted := make([]float64, len(values))
	copy(sorted, values)
	sort.Float64s(sorted)

	cs := CategorySummary{
		Mean:   stat.Mean(values, nil),
		Min:    sorted[0],
		Max:    sorted[len(sorted)-1],
		Median: stat.Quantile(0.5, stat.Empirical, sorted, nil),
		P95:    stat.Quantile(0.95, stat.Empirical, sorted, nil),
	}
	if len(values) > 1 {
		cs.StdDev = stat.StdDev(values, nil)
	}
	return cs
}
