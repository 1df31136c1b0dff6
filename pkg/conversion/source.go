package conversion

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/suyashkumar/dicom"

	"tms2mni/internal/errors"
)

// SourceKind classifies a subject's source directory
type SourceKind int

const (
	SourceInvalid SourceKind = iota
	SourceDICOM
	SourceNIfTI
)

func (k SourceKind) String() string {
	switch k {
	case SourceDICOM:
		return "dicom"
	case SourceNIfTI:
		return "nifti"
	default:
		return "invalid"
	}
}

// Source is the result of inspecting a source directory
type Source struct {
	Kind SourceKind

	// NIfTIPath is the last NIfTI file found, if any
	NIfTIPath string

	// DICOMFiles counts files that parsed as DICOM
	DICOMFiles int
}

// ErrNoImagingData is returned when a directory holds neither DICOM nor NIfTI files
var ErrNoImagingData = errors.NewStd("no DICOM or NIfTI files found")

// Inspect scans the top level of dir for DICOM and NIfTI files. DICOM takes
// precedence in the reported kind, but a NIfTI path is reported either way.
func Inspect(dir string) (Source, error) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return Source{}, errors.FileError(fmt.Errorf("failed to read source directory: %w", err), dir)
	}

	var src Source
	for _, entry := range entries {
		if !entry.Type().IsRegular() {
			continue
		}
		path := filepath.Join(dir, entry.Name())

		switch {
		case isNIfTI(entry.Name()):
			src.NIfTIPath = path
		case isDICOM(path):
			src.DICOMFiles++
		}
	}

	switch {
	case src.DICOMFiles > 0:
		src.Kind = SourceDICOM
	case src.NIfTIPath != "":
		src.Kind = SourceNIfTI
	default:
		return src, errors.New(ErrNoImagingData).
			Component("conversion").
			Category(errors.CategoryValidation).
			Context("dir", dir).
			Build()
	}
	return src, nil
}

func isNIfTI(name string) bool {
	lower := strings.ToLower(name)
	return strings.HasSuffix(lower, ".nii") || strings.HasSuffix(lower, ".nii.gz")
}

// isDICOM reports whether the file parses as DICOM, ignoring pixel data
func isDICOM(path string) bool {
	_, err := dicom.ParseFile(path, nil, dicom.SkipPixelData())
	return err == nil
}
