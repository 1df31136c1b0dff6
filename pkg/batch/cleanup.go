package batch

import (
	"os"
	"path/filepath"

	"tms2mni/internal/logger"
	"tms2mni/pkg/staging"
)

// Cleanup removes the intermediate files of a subject, i.e. every regular
// file in dir named <subjectID>_desc-tmp_*. Failures are logged and the
// remaining files are still attempted. It returns the number of removed files.
func Cleanup(dir, subjectID string, log logger.Logger) int {
	entries, err := os.ReadDir(dir)
	if err != nil {
		log.Warn("cannot list subject directory", logger.String("dir", dir), logger.Error(err))
		return 0
	}

	removed := 0
	for _, e := range entries {
		if e.IsDir() || !staging.IsIntermediate(subjectID, e.Name()) {
			continue
		}
		path := filepath.Join(dir, e.Name())
		if err := os.Remove(path); err != nil {
			log.Warn("failed to remove intermediate file", logger.String("path", path), logger.Error(err))
			continue
		}
		log.Debug("removed intermediate file", logger.String("path", path))
		removed++
	}
	return removed
}
