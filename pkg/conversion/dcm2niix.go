package conversion

import (
	"bytes"
	"context"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"tms2mni/internal/errors"
	"tms2mni/internal/logger"
)

// Converter produces a subject's canonical anatomical volume from its source directory
type Converter interface {
	Convert(ctx context.Context, subjectID, sourceDir, outputDir string) (string, error)
}

// AnatomicalName is the canonical file name of a subject's T1w volume
func AnatomicalName(subjectID string) string {
	return subjectID + "_T1w.nii.gz"
}

// Dcm2niix converts DICOM series with the dcm2niix executable
type Dcm2niix struct {
	binary  string
	timeout time.Duration
	logger  logger.Logger
	run     func(ctx context.Context, name string, args ...string) error
}

// NewDcm2niix creates a converter using binary, bounded by timeout per call
func NewDcm2niix(binary string, timeout time.Duration, log logger.Logger) *Dcm2niix {
	d := &Dcm2niix{binary: binary, timeout: timeout, logger: log.Module("dcm2niix")}
	d.run = d.exec
	return d
}

// Convert is a no-op when the canonical output already exists
func (d *Dcm2niix) Convert(ctx context.Context, subjectID, sourceDir, outputDir string) (string, error) {
	output := filepath.Join(outputDir, AnatomicalName(subjectID))
	if _, err := os.Stat(output); err == nil {
		return output, nil
	}

	base := subjectID + "_T1w"
	if err := d.run(ctx, d.binary, "-z", "y", "-o", outputDir, "-f", base, sourceDir); err != nil {
		return "", err
	}

	if _, err := os.Stat(output); err == nil {
		return output, nil
	}

	// dcm2niix appends suffixes such as _e2 or _ROI1 when a series splits
	matches, _ := filepath.Glob(filepath.Join(outputDir, base+"*.nii.gz"))
	if len(matches) == 0 {
		return "", errors.New(fmt.Errorf("dcm2niix produced no volume for %s", subjectID)).
			Component("conversion").
			Category(errors.CategoryConversion).
			Context("source", sourceDir).
			Build()
	}
	sort.Strings(matches)
	d.logger.Warn("using suffixed conversion output",
		logger.String("subject", subjectID),
		logger.String("file", filepath.Base(matches[0])),
		logger.Int("candidates", len(matches)))
	if err := os.Rename(matches[0], output); err != nil {
		return "", errors.FileError(err, matches[0])
	}
	return output, nil
}

func (d *Dcm2niix) exec(ctx context.Context, name string, args ...string) error {
	ctx, cancel := context.WithTimeout(ctx, d.timeout)
	defer cancel()

	d.logger.Debug("running command", logger.String("command", name), logger.String("args", strings.Join(args, " ")))

	var stderr bytes.Buffer
	cmd := exec.CommandContext(ctx, name, args...)
	cmd.Stderr = &stderr

	err := cmd.Run()
	if ctx.Err() == context.DeadlineExceeded {
		return errors.New(fmt.Errorf("%s timed out after %s", name, d.timeout)).
			Component("conversion").
			Category(errors.CategoryTimeout).
			Build()
	}
	if err != nil {
		msg := strings.TrimSpace(stderr.String())
		if len(msg) > 512 {
			msg = msg[len(msg)-512:]
		}
		return errors.New(fmt.Errorf("%s failed: %w", name, err)).
			Component("conversion").
			Category(errors.CategoryCommandExecution).
			Context("stderr", msg).
			Build()
	}
	return nil
}
