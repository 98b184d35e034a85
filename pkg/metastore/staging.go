package metastore

import (
	"bufio"
	"encoding/json"
	"fmt"
	"io"

	"github.com/klauspost/pgzip"

	"github.com/yuya-takeyama/strict-catalog-sync/pkg/timestamp"
)

// stagedRow is the wire form of a Row in staged JSONL files. updated_at uses
// the DATETIME text form both backends load natively.
type stagedRow struct {
	FilePath  string `json:"file_path"`
	UpdatedAt string `json:"updated_at"`
}

// WriteJSONL writes rows as newline-delimited JSON.
func WriteJSONL(w io.Writer, rows []Row) error {
	enc := json.NewEncoder(w)
	for _, r := range rows {
		if err := enc.Encode(stagedRow{FilePath: r.Path, UpdatedAt: timestamp.Format(r.UpdatedAt)}); err != nil {
			return fmt.Errorf("encode row %s: %w", r.Path, err)
		}
	}
	return nil
}

// WriteStaged writes rows as gzip-compressed JSONL.
func WriteStaged(w io.Writer, rows []Row) error {
	gz := pgzip.NewWriter(w)
	if err := WriteJSONL(gz, rows); err != nil {
		_ = gz.Close()
		return err
	}
	if err := gz.Close(); err != nil {
		return fmt.Errorf("close gzip stream: %w", err)
	}
	return nil
}

// ReadStaged decodes a stream written by WriteStaged.
func ReadStaged(r io.Reader) ([]Row, error) {
	gz, err := pgzip.NewReader(r)
	if err != nil {
		return nil, fmt.Errorf("open gzip stream: %w", err)
	}
	defer gz.Close()

	var rows []Row
	scanner := bufio.NewScanner(gz)
	scanner.Buffer(make([]byte, 64*1024), 1024*1024)
	for line := 1; scanner.Scan(); line++ {
		if len(scanner.Bytes()) == 0 {
			continue
		}
		var sr stagedRow
		if err := json.Unmarshal(scanner.Bytes(), &sr); err != nil {
			return nil, fmt.Errorf("decode line %d: %w", line, err)
		}
		ts, err := timestamp.Parse(sr.UpdatedAt)
		if err != nil {
			return nil, fmt.Errorf("decode line %d: %w", line, err)
		}
		rows = append(rows, Row{Path: sr.FilePath, UpdatedAt: ts})
	}
	if err := scanner.Err(); err != nil {
		return nil, fmt.Errorf("read staged rows: %w", err)
	}
	return rows, nil
}
