// Package api exposes the query, export, and ingestion surface for offline
// tooling over HTTP. The broadcast stream itself is served by the stream
// package; this package only wraps store and server operations.
package api

import (
	"encoding/json"
	"fmt"
	"net/http"
	"strconv"

	"github.com/banshee-data/traffic.report/internal/counts"
	"github.com/banshee-data/traffic.report/internal/httputil"
	"github.com/banshee-data/traffic.report/internal/monitoring"
	"github.com/banshee-data/traffic.report/internal/report"
	"github.com/banshee-data/traffic.report/internal/security"
	"github.com/banshee-data/traffic.report/internal/store"
	"github.com/banshee-data/traffic.report/internal/stream"
)

type Server struct {
	store  *store.Store
	stream *stream.Server
}

func NewServer(st *store.Store, bs *stream.Server) *Server {
	return &Server{
		store:  st,
		stream: bs,
	}
}

func (s *Server) ServeMux() *http.ServeMux {
	mux := http.NewServeMux()
	mux.HandleFunc("/counts/latest", s.listLatest)
	mux.HandleFunc("/counts/range", s.listRange)
	mux.HandleFunc("/counts", s.insertCounts)
	mux.HandleFunc("/broadcast", s.broadcast)
	mux.HandleFunc("/stats", s.statistics)
	mux.HandleFunc("/stats/report", s.reportSummary)
	mux.HandleFunc("/total", s.totalRecords)
	mux.HandleFunc("/export", s.exportCSV)
	mux.HandleFunc("/retain", s.retain)
	mux.HandleFunc("/audit", s.auditEvents)
	mux.HandleFunc("/chart", s.chart)
	mux.HandleFunc("/healthz", s.healthz)
	mux.HandleFunc("/", s.homeHandler)
	return mux
}

func (s *Server) homeHandler(w http.ResponseWriter, r *http.Request) {
	w.Write([]byte("Traffic count telemetry server"))
}

// healthz reports liveness and that the database answers queries.
func (s *Server) healthz(w http.ResponseWriter, r *http.Request) {
	if _, err := s.store.TotalRecords(); err != nil {
		httputil.WriteJSONError(w, http.StatusServiceUnavailable, err.Error())
		return
	}
	httputil.WriteJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func queryInt(r *http.Request, name string, fallback int) (int, error) {
	v := r.URL.Query().Get(name)
	if v == "" {
		return fallback, nil
	}
	return strconv.Atoi(v)
}

func queryFloat(r *http.Request, name string) (float64, error) {
	v := r.URL.Query().Get(name)
	if v == "" {
		return 0, fmt.Errorf("missing query parameter %q", name)
	}
	return strconv.ParseFloat(v, 64)
}

func (s *Server) listLatest(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}
	limit, err := queryInt(r, "limit", 10)
	if err != nil || limit <= 0 {
		http.Error(w, "Invalid limit", http.StatusBadRequest)
		return
	}
	records, err := s.store.Latest(limit)
	if err != nil {
		http.Error(w, fmt.Sprintf("Failed to retrieve counts: %v", err), http.StatusInternalServerError)
		return
	}
	httputil.WriteJSON(w, http.StatusOK, records)
}

func (s *Server) listRange(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}
	start, err := queryFloat(r, "start")
	if err != nil {
		http.Error(w, "Invalid start", http.StatusBadRequest)
		return
	}
	end, err := queryFloat(r, "end")
	if err != nil {
		http.Error(w, "Invalid end", http.StatusBadRequest)
		return
	}
	records, err := s.store.Range(start, end)
	if err != nil {
		http.Error(w, fmt.Sprintf("Failed to retrieve counts: %v", err), http.StatusInternalServerError)
		return
	}
	httputil.WriteJSON(w, http.StatusOK, records)
}

// insertCounts persists a payload without broadcasting it, for producers
// that only need durable storage.
func (s *Server) insertCounts(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}
	var raw map[string]interface{}
	if err := json.NewDecoder(r.Body).Decode(&raw); err != nil {
		http.Error(w, "Invalid JSON body", http.StatusBadRequest)
		return
	}
	if err := counts.Validate(raw); err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	p := counts.Sanitize(raw)
	var ts float64
	if p.HasTimestamp {
		ts = p.Timestamp
	}
	if err := s.store.Insert(p.Counts, ts); err != nil {
		http.Error(w, fmt.Sprintf("Failed to insert counts: %v", err), http.StatusInternalServerError)
		return
	}
	httputil.WriteJSON(w, http.StatusCreated, map[string]string{"status": "stored"})
}

// broadcast runs the full validate, persist, sign, fan-out pipeline.
func (s *Server) broadcast(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}
	var raw map[string]interface{}
	if err := json.NewDecoder(r.Body).Decode(&raw); err != nil {
		http.Error(w, "Invalid JSON body", http.StatusBadRequest)
		return
	}
	if err := s.stream.Broadcast(r.Context(), raw); err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	httputil.WriteJSON(w, http.StatusAccepted, map[string]interface{}{
		"status":  "broadcast",
		"clients": s.stream.ClientCount(),
	})
}

func (s *Server) statistics(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}
	st, err := s.store.Statistics()
	if err != nil {
		http.Error(w, fmt.Sprintf("Failed to compute statistics: %v", err), http.StatusInternalServerError)
		return
	}
	httputil.WriteJSON(w, http.StatusOK, st)
}

func (s *Server) reportSummary(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}
	start, err := queryFloat(r, "start")
	if err != nil {
		http.Error(w, "Invalid start", http.StatusBadRequest)
		return
	}
	end, err := queryFloat(r, "end")
	if err != nil {
		http.Error(w, "Invalid end", http.StatusBadRequest)
		return
	}
	records, err := s.store.Range(start, end)
	if err != nil {
		http.Error(w, fmt.Sprintf("Failed to retrieve counts: %v", err), http.StatusInternalServerError)
		return
	}
	httputil.WriteJSON(w, http.StatusOK, report.Summarize(records))
}

func (s *Server) totalRecords(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}
	total, err := s.store.TotalRecords()
	if err != nil {
		http.Error(w, fmt.Sprintf("Failed to count records: %v", err), http.StatusInternalServerError)
		return
	}
	httputil.WriteJSON(w, http.StatusOK, map[string]int64{"total_records": total})
}

// exportCSV streams the counts table as CSV, or writes it to a server-side
// path when ?path= is given.
func (s *Server) exportCSV(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}
	if path := r.URL.Query().Get("path"); path != "" {
		if err := security.ValidateExportPath(path); err != nil {
			http.Error(w, fmt.Sprintf("Invalid export path: %v", err), http.StatusBadRequest)
			return
		}
		if err := s.store.ExportCSV(path); err != nil {
			http.Error(w, fmt.Sprintf("Failed to export: %v", err), http.StatusInternalServerError)
			return
		}
		httputil.WriteJSON(w, http.StatusOK, map[string]string{"status": "exported", "path": path})
		return
	}
	w.Header().Set("Content-Type", "text/csv")
	w.Header().Set("Content-Disposition", "attachment; filename=vehicle_counts.csv")
	if err := s.store.WriteCSV(w); err != nil {
		monitoring.Logf("api: failed to stream export: %v", err)
	}
}

func (s *Server) retain(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}
	days, err := queryInt(r, "days", 30)
	if err != nil || days <= 0 {
		http.Error(w, "Invalid days", http.StatusBadRequest)
		return
	}
	deleted, err := s.store.Retain(days)
	if err != nil {
		http.Error(w, fmt.Sprintf("Failed to prune records: %v", err), http.StatusInternalServerError)
		return
	}
	httputil.WriteJSON(w, http.StatusOK, map[string]int64{"deleted": deleted})
}

func (s *Server) auditEvents(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}
	limit, err := queryInt(r, "limit", 50)
	if err != nil || limit <= 0 {
		http.Error(w, "Invalid limit", http.StatusBadRequest)
		return
	}
	events, err := s.store.AuditEvents(limit)
	if err != nil {
		http.Error(w, fmt.Sprintf("Failed to retrieve audit log: %v", err), http.StatusInternalServerError)
		return
	}
	httputil.WriteJSON(w, http.StatusOK, events)
}
