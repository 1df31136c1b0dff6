package geometry

import (
	"tms2mni/internal/models"
)

// NativeCoordinates holds a converted target and its inverted-X mirror.
// Voxel values are fractional; callers truncate them through the bounds check.
type NativeCoordinates struct {
	Voxel    [3]float64
	Mirrored [3]float64

	// RAS projections are reported for diagnostics only
	RAS         [3]float64
	MirroredRAS [3]float64
}

// Converter maps device millimeter targets into a subject's voxel space
type Converter struct {
	geometry models.Geometry
	shape    models.Shape
}

// NewConverter creates a converter for a volume's geometry and extent
func NewConverter(geometry models.Geometry, shape models.Shape) *Converter {
	return &Converter{geometry: geometry, shape: shape}
}

// Convert remaps the device axes (x, y, z) to native (x, z, y), divides by the
// voxel spacing and derives the mirror about the first-axis extent.
func (c *Converter) Convert(target models.RawTarget) NativeCoordinates {
	remapped := [3]float64{target.X, target.Z, target.Y}

	var voxel [3]float64
	for i := range remapped {
		voxel[i] = remapped[i] / c.geometry.Spacing[i]
	}

	mirrored := voxel
	mirrored[0] = Mirror(c.shape[0], voxel[0])

	return NativeCoordinates{
		Voxel:       voxel,
		Mirrored:    mirrored,
		RAS:         VoxelToRAS(c.geometry.Affine, voxel),
		MirroredRAS: VoxelToRAS(c.geometry.Affine, mirrored),
	}
}

// ToDevice is the inverse of Convert for the primary coordinate
func (c *Converter) ToDevice(voxel [3]float64) models.RawTarget {
	var mm [3]float64
	for i := range voxel {
		mm[i] = voxel[i] * c.geometry.Spacing[i]
	}
	return models.RawTarget{X: mm[0], Y: mm[2], Z: mm[1]}
}

// Mirror reflects x about the extent of the first axis
func Mirror(extent int, x float64) float64 {
	return float64(extent) - x
}
