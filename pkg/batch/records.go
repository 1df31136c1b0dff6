package batch

import (
	"encoding/csv"
	"fmt"
	"os"
	"strconv"
	"sync"

	"tms2mni/internal/errors"
	"tms2mni/internal/models"
	"tms2mni/pkg/staging"
)

// Header is the column layout of the output records file
var Header = []string{
	"Subject ID", "Stimulation Target",
	"X (device)", "Y (device)", "Z (device)",
	"X", "Y", "Z",
	"Inverted X", "Inverted Y", "Inverted Z",
	"Atlas Region",
	"MNI X", "MNI Y", "MNI Z",
	"MNI Inverted X", "MNI Inverted Y", "MNI Inverted Z",
	"Inverted Atlas Region",
}

// Record is one staged target
type Record struct {
	SubjectID string
	Target    models.RawTarget
	Result    staging.Result
}

// Row renders the record in Header order
func (r Record) Row() []string {
	voxel := func(v models.Voxel) []string {
		return []string{strconv.Itoa(v[0]), strconv.Itoa(v[1]), strconv.Itoa(v[2])}
	}
	float := func(f float64) string {
		return strconv.FormatFloat(f, 'f', -1, 64)
	}

	row := []string{r.SubjectID, r.Target.Label, float(r.Target.X), float(r.Target.Y), float(r.Target.Z)}
	row = append(row, voxel(r.Result.Native)...)
	row = append(row, voxel(r.Result.NativeMirrored)...)
	row = append(row, r.Result.Region)
	row = append(row, voxel(r.Result.Standardized)...)
	row = append(row, voxel(r.Result.StandardizedMirrored)...)
	row = append(row, r.Result.MirroredRegion)
	return row
}

// RecordWriter appends records to a CSV file. The header is written only when
// the file is empty, so repeated runs on the same day share one file.
type RecordWriter struct {
	mu   sync.Mutex
	path string
	file *os.File
	csv  *csv.Writer
}

// OpenRecords opens path for appending, creating it if needed
func OpenRecords(path string) (*RecordWriter, error) {
	f, err := os.OpenFile(path, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0o644)
	if err != nil {
		return nil, errors.FileError(fmt.Errorf("failed to open records file: %w", err), path)
	}

	info, err := f.Stat()
	if err != nil {
		f.Close()
		return nil, errors.FileError(err, path)
	}

	w := &RecordWriter{path: path, file: f, csv: csv.NewWriter(f)}
	if info.Size() == 0 {
		if err := w.write(Header); err != nil {
			f.Close()
			return nil, err
		}
	}
	return w, nil
}

// Path returns the file the writer appends to
func (w *RecordWriter) Path() string {
	return w.path
}

// Append writes one record and flushes it to disk
func (w *RecordWriter) Append(r Record) error {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.write(r.Row())
}

func (w *RecordWriter) write(row []string) error {
	if err := w.csv.Write(row); err != nil {
		return errors.FileError(err, w.path)
	}
	w.csv.Flush()
	if err := w.csv.Error(); err != nil {
		return errors.FileError(err, w.path)
	}
	return nil
}

// Close closes the underlying file
func (w *RecordWriter) Close() error {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.file.Close()
}
