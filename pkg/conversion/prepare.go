// Package conversion turns a subject's source directory into one canonical
// anatomical NIfTI volume, converting DICOM series through an external tool
// and remembering finished subjects for the rest of the batch.
package conversion

import (
	"context"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"

	"github.com/klauspost/compress/gzip"

	"tms2mni/internal/errors"
	"tms2mni/internal/logger"
	"tms2mni/internal/models"
)

// Preparer stages anatomical volumes for subjects
type Preparer struct {
	converter Converter
	cache     *Cache
	logger    logger.Logger
}

// NewPreparer creates a preparer. The cache is owned by the caller and scoped
// to one batch run.
func NewPreparer(converter Converter, cache *Cache, log logger.Logger) *Preparer {
	return &Preparer{converter: converter, cache: cache, logger: log.Module("conversion")}
}

// Prepare returns the canonical anatomical volume for subject inside
// outputDir, converting only when the subject has not been seen in this batch
func (p *Preparer) Prepare(ctx context.Context, subject models.Subject, outputDir string) (string, error) {
	if path, ok := p.cache.Lookup(subject.ID); ok {
		p.logger.Debug("conversion cached", logger.String("subject", subject.ID))
		return path, nil
	}

	src, err := Inspect(subject.SourceDir)
	if err != nil {
		return "", err
	}
	p.logger.Info("inspected source",
		logger.String("subject", subject.ID),
		logger.String("kind", src.Kind.String()),
		logger.Int("dicom_files", src.DICOMFiles))

	if src.NIfTIPath != "" {
		dst := filepath.Join(outputDir, AnatomicalName(subject.ID))
		if err := normalizeNIfTI(src.NIfTIPath, dst); err != nil {
			return "", err
		}
		p.logger.Info("copied NIfTI source", logger.String("from", src.NIfTIPath), logger.String("to", dst))
	}

	path, err := p.converter.Convert(ctx, subject.ID, subject.SourceDir, outputDir)
	if err != nil {
		return "", fmt.Errorf("conversion of %s failed: %w", subject.ID, err)
	}

	p.cache.Store(subject.ID, path)
	return path, nil
}

// normalizeNIfTI copies a .nii.gz file, or gzips a .nii file, to dst
func normalizeNIfTI(src, dst string) error {
	in, err := os.Open(src)
	if err != nil {
		return errors.FileError(err, src)
	}
	defer in.Close()

	out, err := os.Create(dst)
	if err != nil {
		return errors.FileError(err, dst)
	}

	if strings.HasSuffix(strings.ToLower(src), ".gz") {
		_, err = io.Copy(out, in)
	} else {
		gz := gzip.NewWriter(out)
		if _, err = io.Copy(gz, in); err == nil {
			err = gz.Close()
		}
	}
	if cerr := out.Close(); err == nil {
		err = cerr
	}
	if err != nil {
		return errors.FileError(fmt.Errorf("failed to copy NIfTI source: %w", err), dst)
	}
	return nil
}
