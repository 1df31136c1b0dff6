// Package atlas resolves standardized-space voxels to anatomical region names
// using a discrete label volume that shares the registration template's space.
package atlas

import (
	"fmt"
	"math"

	"tms2mni/internal/errors"
	"tms2mni/internal/models"
	"tms2mni/pkg/geometry"
	"tms2mni/pkg/nifti"
)

// Unknown is returned for background voxels and indices missing from the labels
const Unknown = "Unknown"

// ErrOutOfAtlas signals a standardized coordinate outside the atlas volume.
// It means the template and the atlas disagree and is never a per-subject skip.
var ErrOutOfAtlas = errors.NewStd("coordinate outside atlas volume")

// Resolver looks up region names in a label volume. It is read-only and safe
// for concurrent use.
type Resolver struct {
	volume *models.Volume
	labels Labels
}

// NewResolver creates a resolver over an already loaded label volume
func NewResolver(volume *models.Volume, labels Labels) *Resolver {
	return &Resolver{volume: volume, labels: labels}
}

// Load reads the atlas volume and its label dictionary
func Load(volumePath, labelsPath string) (*Resolver, error) {
	vol, err := nifti.Read(volumePath)
	if err != nil {
		return nil, fmt.Errorf("failed to load atlas volume: %w", err)
	}
	labels, err := LoadLabels(labelsPath)
	if err != nil {
		return nil, err
	}
	return NewResolver(vol, labels), nil
}

// Shape returns the extent of the atlas volume
func (r *Resolver) Shape() models.Shape {
	return r.volume.Shape()
}

// Resolve returns the region name at voxel. A voxel outside the atlas is a
// configuration error.
func (r *Resolver) Resolve(voxel models.Voxel) (string, error) {
	if !geometry.InBounds(voxel, r.volume.Shape()) {
		return "", errors.New(ErrOutOfAtlas).
			Component("atlas").
			Category(errors.CategoryConfiguration).
			Context("voxel", voxel).
			Context("shape", r.volume.Shape()).
			Build()
	}

	index := int(math.Round(r.volume.At(voxel[0], voxel[1], voxel[2])))
	if index <= 0 {
		return Unknown, nil
	}
	name, ok := r.labels[index]
	if !ok || name == "" {
		return Unknown, nil
	}
	return name, nil
}
