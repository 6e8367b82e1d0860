// Package report writes the per-pass audit table of delivered files.
package report

import (
	"fmt"
	"os"
	"path/filepath"

	"github.com/parquet-go/parquet-go"

	"github.com/cgg-gothenburg/seq-courier/internal/transfer"
)

// Rows builds one audit row per delivered file. The source files are hashed
// here, after delivery; producers never rewrite a completed unit.
func Rows(result transfer.Result) ([]DeliveryRow, error) {
	var rows []DeliveryRow
	for _, o := range result.Filter(transfer.StatusDelivered) {
		for _, d := range o.Files {
			sum, err := FileChecksum(d.LocalPath)
			if err != nil {
				return nil, err
			}
			at := d.Object.ModTime
			if at.IsZero() {
				at = result.Finished
			}
			rows = append(rows, DeliveryRow{
				PassID:      result.PassID,
				Destination: result.Destination,
				UnitID:      o.UnitID,
				Scope:       string(o.Scope),
				Kind:        string(d.Kind),
				SourcePath:  d.LocalPath,
				RemoteName:  d.RemoteName,
				RemoteKey:   d.Object.Key,
				Size:        d.Object.Size,
				SHA256:      sum,
				DeliveredAt: at.UTC(),
			})
		}
	}
	return rows, nil
}

// FileName returns the audit file name for a pass.
func FileName(result transfer.Result) string {
	return fmt.Sprintf("audit_%s_%s.parquet", result.Started.UTC().Format("20060102T150405Z"), result.PassID)
}

// Write stores the audit rows for result under dir and returns the file
// path. Passes that delivered nothing write no file and return "".
func Write(dir string, result transfer.Result) (string, error) {
	rows, err := Rows(result)
	if err != nil {
		return "", fmt.Errorf("build audit rows: %w", err)
	}
	if len(rows) == 0 {
		return "", nil
	}

	if err := os.MkdirAll(dir, 0o755); err != nil {
		return "", fmt.Errorf("create audit directory %s: %w", dir, err)
	}
	path := filepath.Join(dir, FileName(result))
	tempPath := path + ".tmp"

	if err := writeParquet(tempPath, rows); err != nil {
		os.Remove(tempPath)
		return "", err
	}
	if err := os.Rename(tempPath, path); err != nil {
		os.Remove(tempPath)
		return "", fmt.Errorf("rename audit file: %w", err)
	}
	return path, nil
}

func writeParquet(path string, rows []DeliveryRow) error {
	f, err := os.Create(path)
	if err != nil {
		return fmt.Errorf("create audit file: %w", err)
	}

	w := parquet.NewGenericWriter[DeliveryRow](f, parquet.Compression(&parquet.Zstd))
	if _, err := w.Write(rows); err != nil {
		f.Close()
		return fmt.Errorf("write audit rows: %w", err)
	}
	if err := w.Close(); err != nil {
		f.Close()
		return fmt.Errorf("close parquet writer: %w", err)
	}
	if err := f.Sync(); err != nil {
		f.Close()
		return fmt.Errorf("sync audit file: %w", err)
	}
	return f.Close()
}

// Read loads an audit file back, for the status command and tests.
func Read(path string) ([]DeliveryRow, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("open audit file: %w", err)
	}
	defer f.Close()

	info, err := f.Stat()
	if err != nil {
		return nil, fmt.Errorf("stat audit file: %w", err)
	}
	rows, err := parquet.Read[DeliveryRow](f, info.Size())
	if err != nil {
		return nil, fmt.Errorf("read audit file %s: %w", path, err)
	}
	return rows, nil
}
