package writer

import (
	"bytes"
	"fmt"
	"io"
	"path"
	"strings"

	"github.com/xitongsys/parquet-go/parquet"
	"github.com/xitongsys/parquet-go/source"
	pqwriter "github.com/xitongsys/parquet-go/writer"
)

// memFile is a write-only parquet target backed by a buffer.
type memFile struct {
	buffer *bytes.Buffer
}

func newMemFile() *memFile {
	return &memFile{buffer: &bytes.Buffer{}}
}

func (m *memFile) Create(string) (source.ParquetFile, error) { return m, nil }
func (m *memFile) Open(string) (source.ParquetFile, error)   { return m, nil }
func (m *memFile) Seek(int64, int) (int64, error)            { return int64(m.buffer.Len()), nil }
func (m *memFile) Read([]byte) (int, error)                  { return 0, io.EOF }
func (m *memFile) Write(b []byte) (int, error)               { return m.buffer.Write(b) }
func (m *memFile) Close() error                              { return nil }
func (m *memFile) Bytes() []byte                             { return m.buffer.Bytes() }

// writeParquet streams the batch into pf as one snappy-compressed row group.
func writeParquet(pf source.ParquetFile, batch Batch) error {
	pw, err := pqwriter.NewParquetWriter(pf, new(CandleRecord), 1)
	if err != nil {
		return fmt.Errorf("create parquet writer: %w", err)
	}
	pw.CompressionType = parquet.CompressionCodec_SNAPPY
	for _, rec := range batch.Records {
		if err := pw.Write(rec); err != nil {
			return fmt.Errorf("write parquet row: %w", err)
		}
	}
	if err := pw.WriteStop(); err != nil {
		return fmt.Errorf("finish parquet: %w", err)
	}
	return nil
}

func encodeParquet(batch Batch) ([]byte, error) {
	mf := newMemFile()
	if err := writeParquet(mf, batch); err != nil {
		return nil, err
	}
	return mf.Bytes(), nil
}

// objectKey lays batches out by exchange, symbol, resolution and UTC date.
func objectKey(prefix string, batch Batch) string {
	ts := batch.Timestamp.UTC()
	id := batch.ID
	if len(id) > 8 {
		id = id[:8]
	}
	file := fmt.Sprintf("%s_%s_%s_%s.parquet",
		strings.ToUpper(batch.Instrument.Symbol), batch.Resolution, ts.Format("20060102150405"), id)
	return path.Join(
		strings.Trim(prefix, "/"),
		"exchange="+batch.Instrument.Exchange.Key(),
		"symbol="+strings.ToUpper(batch.Instrument.Symbol),
		"resolution="+batch.Resolution.String(),
		"date="+ts.Format("2006-01-02"),
		file,
	)
}
