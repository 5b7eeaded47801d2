package writer

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/xitongsys/parquet-go-source/local"

	"depthflow/internal/metadata"
)

// LocalSink writes each batch to its own parquet file under dir, using the
// same layout as the S3 keys, and records every file in the table metadata
// under dir/metadata.
type LocalSink struct {
	dir     string
	catalog *metadata.Generator
}

func NewLocalSink(dir string) (*LocalSink, error) {
	gen, err := metadata.NewGenerator(dir, "candles")
	if err != nil {
		return nil, err
	}
	return &LocalSink{dir: dir, catalog: gen}, nil
}

func (s *LocalSink) Name() string { return "local" }

func (s *LocalSink) Write(_ context.Context, batch Batch) error {
	key := objectKey("", batch)
	name := filepath.Join(s.dir, filepath.FromSlash(key))
	if err := os.MkdirAll(filepath.Dir(name), 0o755); err != nil {
		return fmt.Errorf("create partition dir: %w", err)
	}
	fw, err := local.NewLocalFileWriter(name)
	if err != nil {
		return fmt.Errorf("open %s: %w", name, err)
	}
	if err := writeParquet(fw, batch); err != nil {
		_ = fw.Close()
		_ = os.Remove(name)
		return err
	}
	if err := fw.Close(); err != nil {
		return err
	}

	info, err := os.Stat(name)
	if err != nil {
		return err
	}
	return s.catalog.AddFile(metadata.DataFile{
		Path:        key,
		FileSize:    info.Size(),
		RecordCount: int64(batch.RecordCount()),
		Partition:   partition(key),
	})
}

func (s *LocalSink) Close() error { return nil }

// partition reads the name=value directories of an object key.
func partition(key string) map[string]string {
	out := make(map[string]string)
	for _, part := range strings.Split(key, "/") {
		if k, v, ok := strings.Cut(part, "="); ok {
			out[k] = v
		}
	}
	return out
}
