package fetcher

import (
	"bytes"
	"encoding/csv"
	"fmt"
	"io"
	"strings"

	"github.com/klauspost/compress/gzip"
	"github.com/klauspost/compress/zip"
)

// ArchiveRecords unpacks a daily archive and returns its CSV rows. name
// selects the container: ".zip" reads the first CSV entry, ".gz" a gzip
// stream; anything else is read as plain CSV. A header row is dropped when
// its first field is not numeric.
func ArchiveRecords(name string, data []byte) ([][]string, error) {
	var r io.Reader
	switch {
	case strings.HasSuffix(name, ".zip"):
		zr, err := zip.NewReader(bytes.NewReader(data), int64(len(data)))
		if err != nil {
			return nil, fmt.Errorf("open zip %s: %w", name, err)
		}
		var entry *zip.File
		for _, f := range zr.File {
			if strings.HasSuffix(f.Name, ".csv") {
				entry = f
				break
			}
		}
		if entry == nil {
			return nil, fmt.Errorf("open zip %s: no csv entry", name)
		}
		rc, err := entry.Open()
		if err != nil {
			return nil, fmt.Errorf("open zip entry %s: %w", entry.Name, err)
		}
		defer rc.Close()
		r = rc
	case strings.HasSuffix(name, ".gz"):
		gr, err := gzip.NewReader(bytes.NewReader(data))
		if err != nil {
			return nil, fmt.Errorf("open gzip %s: %w", name, err)
		}
		defer gr.Close()
		r = gr
	default:
		r = bytes.NewReader(data)
	}

	cr := csv.NewReader(r)
	cr.FieldsPerRecord = -1
	cr.ReuseRecord = false
	rows, err := cr.ReadAll()
	if err != nil {
		return nil, fmt.Errorf("read csv %s: %w", name, err)
	}
	if len(rows) > 0 && len(rows[0]) > 0 && !startsNumeric(rows[0][0]) {
		rows = rows[1:]
	}
	return rows, nil
}

func startsNumeric(s string) bool {
	s = strings.TrimSpace(s)
	return s != "" && s[0] >= '0' && s[0] <= '9'
}
