package visualization

import (
	"path/filepath"
	"strings"
	"sync"

	"tms2mni/internal/models"
	"tms2mni/pkg/nifti"
	"tms2mni/pkg/staging"
)

// QADir is the subdirectory of a subject directory holding QA slices
const QADir = "qa"

// QA renders orthogonal slices of the template through each standardized
// target with the standardized sphere mask overlaid
type QA struct {
	template string

	once   sync.Once
	viewer *Viewer
	err    error
}

// NewQA creates a QA renderer for the template volume at path. The template
// is read once, on first use. QA is safe for concurrent use.
func NewQA(template string) *QA {
	return &QA{template: template}
}

// Write renders the primary and mirrored target of result into
// <subjectDir>/qa and returns the written paths
func (q *QA) Write(subjectDir string, names staging.Artifacts, result staging.Result) ([]string, error) {
	q.once.Do(func() {
		vol, err := nifti.Read(q.template)
		if err != nil {
			q.err = err
			return
		}
		q.viewer = NewViewer(vol)
	})
	if q.err != nil {
		return nil, q.err
	}

	variants := []struct {
		mirrored bool
		center   models.Voxel
	}{
		{false, result.Standardized},
		{true, result.StandardizedMirrored},
	}

	var paths []string
	for _, variant := range variants {
		maskName := names.StandardizedMask(variant.mirrored)
		mask, err := nifti.Read(filepath.Join(subjectDir, maskName))
		if err != nil {
			return nil, err
		}

		prefix := strings.TrimSuffix(maskName, ".nii.gz")
		written, err := q.viewer.SaveOrthogonal(variant.center, mask, filepath.Join(subjectDir, QADir), prefix)
		if err != nil {
			return nil, err
		}
		paths = append(paths, written...)
	}
	return paths, nil
}
