package metadata

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/google/uuid"
)

// DataFile describes one parquet file of closed candles.
type DataFile struct {
	Path        string            `json:"path"`
	FileSize    int64             `json:"file_size_in_bytes"`
	RecordCount int64             `json:"record_count"`
	Partition   map[string]string `json:"partition"`
	AddedAt     time.Time         `json:"-"`
}

// ManifestEntry mirrors the information kept in an Iceberg manifest file.
type ManifestEntry struct {
	Status   int      `json:"status"`
	DataFile DataFile `json:"data_file"`
}

// Snapshot points at the manifest that added one file.
type Snapshot struct {
	SnapshotID  int64  `json:"snapshot-id"`
	TimestampMs int64  `json:"timestamp-ms"`
	Manifest    string `json:"manifest-list"`
	Records     int64  `json:"record-count"`
}

// TableMetadata is the metadata.json document of a table.
type TableMetadata struct {
	FormatVersion     int        `json:"format-version"`
	TableUUID         string     `json:"table-uuid"`
	Location          string     `json:"location"`
	CurrentSnapshotID int64      `json:"current-snapshot-id"`
	Snapshots         []Snapshot `json:"snapshots"`
}

const metadataFile = "metadata.json"

// Generator maintains Iceberg-style metadata next to the parquet files of a
// table so query engines can list them without scanning the directory tree.
// It is safe for concurrent use.
type Generator struct {
	mu        sync.Mutex
	basePath  string
	tableName string
	meta      TableMetadata
}

// NewGenerator opens the table at basePath, continuing an existing
// metadata.json when one is present.
func NewGenerator(basePath, tableName string) (*Generator, error) {
	g := &Generator{
		basePath:  basePath,
		tableName: tableName,
		meta: TableMetadata{
			FormatVersion: 2,
			TableUUID:     uuid.NewString(),
			Location:      basePath,
		},
	}
	data, err := os.ReadFile(g.metadataPath())
	switch {
	case errors.Is(err, os.ErrNotExist):
		return g, nil
	case err != nil:
		return nil, fmt.Errorf("read table metadata: %w", err)
	}
	if err := json.Unmarshal(data, &g.meta); err != nil {
		return nil, fmt.Errorf("decode table metadata %s: %w", g.metadataPath(), err)
	}
	return g, nil
}

func (g *Generator) metadataPath() string {
	return filepath.Join(g.basePath, "metadata", metadataFile)
}

// AddFile writes a manifest for df and commits it as a new snapshot.
func (g *Generator) AddFile(df DataFile) error {
	g.mu.Lock()
	defer g.mu.Unlock()

	if df.AddedAt.IsZero() {
		df.AddedAt = time.Now()
	}
	snapID := df.AddedAt.UnixNano()
	if snapID <= g.meta.CurrentSnapshotID {
		snapID = g.meta.CurrentSnapshotID + 1
	}

	manifestFile := fmt.Sprintf("manifest-%d.json", snapID)
	b, err := json.Marshal([]ManifestEntry{{Status: 1, DataFile: df}})
	if err != nil {
		return err
	}
	if err := writeFileAtomic(filepath.Join(g.basePath, "metadata", manifestFile), b); err != nil {
		return err
	}

	g.meta.Snapshots = append(g.meta.Snapshots, Snapshot{
		SnapshotID:  snapID,
		TimestampMs: df.AddedAt.UnixMilli(),
		Manifest:    manifestFile,
		Records:     df.RecordCount,
	})
	g.meta.CurrentSnapshotID = snapID

	b, err = json.MarshalIndent(g.meta, "", "  ")
	if err != nil {
		return err
	}
	return writeFileAtomic(g.metadataPath(), b)
}

// Metadata returns a copy of the current table metadata.
func (g *Generator) Metadata() TableMetadata {
	g.mu.Lock()
	defer g.mu.Unlock()
	out := g.meta
	out.Snapshots = append([]Snapshot(nil), g.meta.Snapshots...)
	return out
}

// WriteCatalogEntry creates a catalog entry pointing at the table metadata.
func (g *Generator) WriteCatalogEntry(catalogDir string) error {
	b, err := json.MarshalIndent(map[string]string{
		"name":              g.tableName,
		"metadata_location": g.metadataPath(),
	}, "", "  ")
	if err != nil {
		return err
	}
	return writeFileAtomic(filepath.Join(catalogDir, g.tableName+".json"), b)
}

// writeFileAtomic keeps readers from seeing a half written document.
func writeFileAtomic(path string, data []byte) error {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return err
	}
	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, data, 0o644); err != nil {
		return err
	}
	return os.Rename(tmp, path)
}
