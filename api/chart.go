package api

import (
	"fmt"
	"net/http"

	"github.com/go-echarts/go-echarts/v2/charts"
	"github.com/go-echarts/go-echarts/v2/opts"

	"github.com/banshee-data/traffic.report/internal/counts"
	"github.com/banshee-data/traffic.report/internal/monitoring"
)

// chart renders a quick HTML line chart of recent count records using
// go-echarts. This is a debugging/inspection endpoint, not part of the wire
// protocol. Query params:
//   - limit (optional; default 200) newest records to include
func (s *Server) chart(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}
	limit, err := queryInt(r, "limit", 200)
	if err != nil || limit <= 0 {
		http.Error(w, "Invalid limit", http.StatusBadRequest)
		return
	}

	records, err := s.store.Latest(limit)
	if err != nil {
		http.Error(w, fmt.Sprintf("Failed to retrieve counts: %v", err), http.StatusInternalServerError)
		return
	}
	// Latest returns newest first; plot oldest to newest.
	for i, j := 0, len(records)-1; i < j; i, j = i+1, j-1 {
		records[i], records[j] = records[j], records[i]
	}

	line := charts.NewLine()
	line.SetGlobalOptions(
		charts.WithTitleOpts(opts.Title{
			Title:    "Vehicle counts",
			Subtitle: fmt.Sprintf("last %d records", len(records)),
		}),
		charts.WithTooltipOpts(opts.Tooltip{Trigger: "axis"}),
	)

	xs := make([]string, len(records))
	for i, rec := range records {
		xs[i] = rec.DatetimeStr
	}
	line.SetXAxis(xs)

	for _, name := range counts.Categories {
		series := make([]opts.LineData, len(records))
		for i, rec := range records {
			series[i] = opts.LineData{Value: rec.Counts().ByCategory(name)}
		}
		line.AddSeries(name, series)
	}

	w.Header().Set("Content-Type", "text/html; charset=utf-8")
	if err := line.Render(w); err != nil {
		monitoring.Logf("api: failed to render chart: %v", err)
	}
}
