package adapters

import (
	"context"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Napageneral/iatimport/internal/records"
)

const yamlDoc = `
activity_id: XM-DAC-41114-PROJ-1
records:
  - kind: sector
    data:
      code: 11220
      percentage: 60
  - kind: sector
    data:
      code: 12220
      percentage: 40.5
  - kind: location
    index: 3
    data:
      ref: LOC-1
      latitude: 16.8661
      longitude: 96.1951
  - kind: transaction
    data:
      type: 3
      date: 2024-03-01
      value: 1000
      currency: USD
`

const jsonDoc = `{
  "activity_id": "XM-DAC-41114-PROJ-1",
  "records": [
    {"kind": "tag", "data": {"vocabulary": "2", "code": "3"}},
    {"kind": "tag", "data": {"vocabulary": "2", "code": "4"}}
  ]
}`

func write(t *testing.T, name, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), name)
	require.NoError(t, os.WriteFile(path, []byte(content), 0o644))
	return path
}

func TestLoadYAML(t *testing.T) {
	a, err := NewFileAdapter(write(t, "doc.yaml", yamlDoc))
	require.NoError(t, err)

	loaded, err := a.Load(context.Background())
	require.NoError(t, err)
	assert.Equal(t, FormatYAML, loaded.Format)
	assert.Equal(t, []byte(yamlDoc), loaded.Raw)

	doc := loaded.Document
	assert.Equal(t, "XM-DAC-41114-PROJ-1", doc.ActivityID)
	assert.Equal(t, a.Name(), doc.Source)

	sectors := doc.Group(records.KindSector)
	require.Len(t, sectors, 2)
	assert.Equal(t, 0, sectors[0].Index)
	assert.Equal(t, 1, sectors[1].Index)
	s := sectors[1].Record.(records.Sector)
	assert.Equal(t, "12220", s.Code)
	assert.Equal(t, "40.5", s.Percentage.String())

	locs := doc.Group(records.KindLocation)
	require.Len(t, locs, 1)
	assert.Equal(t, 3, locs[0].Index)
	loc := locs[0].Record.(records.Location)
	require.NotNil(t, loc.Latitude)
	assert.InDelta(t, 16.8661, *loc.Latitude, 1e-9)

	txn := doc.Group(records.KindTransaction)[0].Record.(records.Transaction)
	assert.Equal(t, "3", txn.Type)
	assert.Equal(t, "2024-03-01", txn.Date)
	assert.Equal(t, "1000", txn.Value.String())
}

func TestLoadJSONWithoutExtension(t *testing.T) {
	a, err := NewFileAdapter(write(t, "doc.iati", jsonDoc))
	require.NoError(t, err)

	loaded, err := a.Load(context.Background())
	require.NoError(t, err)
	assert.Equal(t, FormatJSON, loaded.Format)
	tags := loaded.Document.Group(records.KindTag)
	require.Len(t, tags, 2)
	assert.Equal(t, 1, tags[1].Index)
}

func TestLoadStdin(t *testing.T) {
	a, err := NewFileAdapter(StdinPath)
	require.NoError(t, err)
	a.SetStdin(strings.NewReader(jsonDoc))

	loaded, err := a.Load(context.Background())
	require.NoError(t, err)
	assert.Equal(t, "stdin", loaded.Source)
	assert.Len(t, loaded.Document.Records, 2)
}

func TestDecodeErrors(t *testing.T) {
	tests := []struct {
		name string
		raw  string
	}{
		{"empty", "  \n"},
		{"unknown kind", `{"activity_id": "A", "records": [{"kind": "widget", "data": {}}]}`},
		{"duplicate index", `{"activity_id": "A", "records": [
			{"kind": "tag", "index": 0, "data": {"code": "1"}},
			{"kind": "tag", "index": 0, "data": {"code": "2"}}]}`},
		{"bad yaml", "records: [unclosed"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if _, err := Decode([]byte(tt.raw), Sniff([]byte(tt.raw))); err == nil {
				t.Errorf("Decode(%q) succeeded, want error", tt.name)
			}
		})
	}
}

func TestMissingFile(t *testing.T) {
	_, err := NewFileAdapter(filepath.Join(t.TempDir(), "nope.json"))
	assert.Error(t, err)
	_, err = NewFileAdapter("  ")
	assert.Error(t, err)
}
