package geometry

import (
	"math"

	"tms2mni/internal/models"
)

// Truncate converts a fractional coordinate to a voxel index, rounding toward zero
func Truncate(c [3]float64) models.Voxel {
	return models.Voxel{int(c[0]), int(c[1]), int(c[2])}
}

// InBounds reports whether every axis satisfies 0 <= v < extent
func InBounds(v models.Voxel, shape models.Shape) bool {
	for i := range v {
		if v[i] < 0 || v[i] >= shape[i] {
			return false
		}
	}
	return true
}

// InBoundsFloat truncates c and checks it against shape. Non-finite or
// absurdly large values are out of bounds.
func InBoundsFloat(c [3]float64, shape models.Shape) bool {
	for _, x := range c {
		if math.IsNaN(x) || math.Abs(x) > math.MaxInt32 {
			return false
		}
	}
	return InBounds(Truncate(c), shape)
}
