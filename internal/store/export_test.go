package store

import (
	"encoding/csv"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/banshee-data/traffic.report/internal/counts"
)

func TestExportCSV(t *testing.T) {
	s := setupTestStore(t)

	// Inserted out of timestamp order; export must come back ascending.
	require.NoError(t, s.Insert(counts.Counts{Cars: 2, Vans: 1}, 200))
	require.NoError(t, s.Insert(counts.Counts{Cars: 1}, 100))
	require.NoError(t, s.Insert(counts.Counts{Cars: 3, Bicycles: 4}, 300))

	path := filepath.Join(t.TempDir(), "export.csv")
	require.NoError(t, s.ExportCSV(path))

	f, err := os.Open(path)
	require.NoError(t, err)
	defer f.Close()

	rows, err := csv.NewReader(f).ReadAll()
	require.NoError(t, err)
	require.Len(t, rows, 4, "header plus three data rows")

	assert.Equal(t, []string{"Timestamp", "DateTime", "Cars", "Vans", "Motors", "Buses", "Bicycles"}, rows[0])
	assert.Equal(t, "100", rows[1][0])
	assert.Equal(t, "200", rows[2][0])
	assert.Equal(t, "300", rows[3][0])
	assert.Equal(t, "1", rows[1][2])
	assert.Equal(t, "2", rows[2][2])
	assert.Equal(t, "4", rows[3][6])
}

func TestExportCSVEmptyStore(t *testing.T) {
	s := setupTestStore(t)

	path := filepath.Join(t.TempDir(), "empty.csv")
	require.NoError(t, s.ExportCSV(path))

	f, err := os.Open(path)
	require.NoError(t, err)
	defer f.Close()

	rows, err := csv.NewReader(f).ReadAll()
	require.NoError(t, err)
	require.Len(t, rows, 1, "header only")
}

func TestExportCSVBadPath(t *testing.T) {
	s := setupTestStore(t)
	err := s.ExportCSV(filepath.Join(t.TempDir(), "missing", "export.csv"))
	assert.Error(t, err)
}
