package main

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/banshee-data/traffic.report/internal/access"
	"github.com/banshee-data/traffic.report/internal/store"
	"github.com/banshee-data/traffic.report/internal/stream"
)

func newTestServer(t *testing.T) (*stream.Server, *store.Store) {
	t.Helper()
	st, err := store.Open(filepath.Join(t.TempDir(), "test.db"))
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	t.Cleanup(func() { st.Close() })
	ac := access.NewController("test-key", access.Options{Audit: st})
	return stream.NewServer(ac, st), st
}

func TestHandlePayload(t *testing.T) {
	tests := []struct {
		name    string
		input   string
		wantErr bool
		stored  int64
	}{
		{"good payload", `{"cars": 2, "vans": 1, "motors": 0, "buses": 0, "bicycles": 3}`, false, 1},
		{"missing field", `{"cars": 2}`, true, 0},
		{"not json", `12345, 0.2, 0.2`, true, 0},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			bs, st := newTestServer(t)
			err := handlePayload(context.Background(), bs, []byte(tt.input))
			if (err != nil) != tt.wantErr {
				t.Fatalf("handlePayload error = %v, wantErr %v", err, tt.wantErr)
			}
			total, err := st.TotalRecords()
			if err != nil {
				t.Fatalf("count records: %v", err)
			}
			if total != tt.stored {
				t.Fatalf("stored %d records, want %d", total, tt.stored)
			}
		})
	}
}

func TestRunFixtureReplay(t *testing.T) {
	bs, st := newTestServer(t)

	path := filepath.Join(t.TempDir(), "fixtures.jsonl")
	lines := `{"cars": 1, "vans": 0, "motors": 0, "buses": 0, "bicycles": 0}

{"cars": 0, "vans": 2, "motors": 0, "buses": 0, "bicycles": 1}
`
	if err := os.WriteFile(path, []byte(lines), 0o644); err != nil {
		t.Fatal(err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := runFixtureReplay(ctx, path, bs); err != nil {
		t.Fatalf("replay: %v", err)
	}

	total, err := st.TotalRecords()
	if err != nil {
		t.Fatal(err)
	}
	if total != 2 {
		t.Fatalf("stored %d records, want 2", total)
	}
}

func TestRunFixtureReplayMissingFile(t *testing.T) {
	bs, _ := newTestServer(t)
	if err := runFixtureReplay(context.Background(), "no-such-file.jsonl", bs); err == nil {
		t.Fatal("expected error for missing fixtures file")
	}
}
