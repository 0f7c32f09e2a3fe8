// Package pipeline implements the per-file transform: fetch, unzip, parse,
// bronze load, validation, silver load, watermark advance.
package pipeline

import (
	"archive/zip"
	"bufio"
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"path/filepath"
	"strings"

	"github.com/scoutops/scout-ingest/internal/model"
)

// ErrMalformed marks corrupt archives and unparseable records. Content
// does not change on retry, so these typically burn through the retry
// budget and dead-letter; they still follow the normal budget rather than
// getting a special path.
var ErrMalformed = errors.New("malformed export")

// maxLineBytes bounds a single NDJSON line; device exports keep
// transactions well under this.
const maxLineBytes = 1 << 20

// ExtractRecords opens the zipped export in memory and parses every
// NDJSON entry into export records, raw lines preserved.
func ExtractRecords(data []byte) ([]model.ExportRecord, error) {
	zr, err := zip.NewReader(bytes.NewReader(data), int64(len(data)))
	if err != nil {
		return nil, fmt.Errorf("%w: open archive: %v", ErrMalformed, err)
	}
	var records []model.ExportRecord
	entries := 0
	for _, f := range zr.File {
		if f.FileInfo().IsDir() || !isExportEntry(f.Name) {
			continue
		}
		entries++
		rc, err := f.Open()
		if err != nil {
			return nil, fmt.Errorf("%w: open entry %s: %v", ErrMalformed, f.Name, err)
		}
		recs, err := parseNDJSON(rc, f.Name)
		rc.Close()
		if err != nil {
			return nil, err
		}
		records = append(records, recs...)
	}
	if entries == 0 {
		return nil, fmt.Errorf("%w: no export entries in archive", ErrMalformed)
	}
	return records, nil
}

func isExportEntry(name string) bool {
	ext := strings.ToLower(filepath.Ext(name))
	return ext == ".json" || ext == ".ndjson" || ext == ".jsonl"
}

func parseNDJSON(r io.Reader, entry string) ([]model.ExportRecord, error) {
	scanner := bufio.NewScanner(r)
	scanner.Buffer(make([]byte, 64*1024), maxLineBytes)
	var records []model.ExportRecord
	line := 0
	for scanner.Scan() {
		line++
		raw := bytes.TrimSpace(scanner.Bytes())
		if len(raw) == 0 {
			continue
		}
		var rec model.ExportRecord
		if err := json.Unmarshal(raw, &rec); err != nil {
			return nil, fmt.Errorf("%w: %s line %d: %v", ErrMalformed, entry, line, err)
		}
		rec.Raw = append([]byte(nil), raw...)
		records = append(records, rec)
	}
	if err := scanner.Err(); err != nil {
		return nil, fmt.Errorf("%w: %s: %v", ErrMalformed, entry, err)
	}
	return records, nil
}
