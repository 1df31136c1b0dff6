package geometry

import (
	"math"

	"tms2mni/internal/models"
)

// SphereMask returns a flattened binary mask (x fastest) that is 1 wherever the
// Euclidean distance to center is <= radius. The center is not bounds-checked;
// validate it first.
func SphereMask(center models.Voxel, shape models.Shape, radius float64) []uint8 {
	mask := make([]uint8, shape[0]*shape[1]*shape[2])
	if radius < 0 {
		return mask
	}

	r := int(math.Ceil(radius))
	r2 := radius * radius

	lo := [3]int{}
	hi := [3]int{}
	for i := range center {
		lo[i] = max(center[i]-r, 0)
		hi[i] = min(center[i]+r, shape[i]-1)
	}

	for z := lo[2]; z <= hi[2]; z++ {
		dz := float64(z - center[2])
		for y := lo[1]; y <= hi[1]; y++ {
			dy := float64(y - center[1])
			for x := lo[0]; x <= hi[0]; x++ {
				dx := float64(x - center[0])
				if dx*dx+dy*dy+dz*dz <= r2 {
					mask[z*shape[0]*shape[1]+y*shape[0]+x] = 1
				}
			}
		}
	}
	return mask
}

// NewSphereVolume materializes a sphere mask as a uint8 volume carrying the
// reference volume's geometry
func NewSphereVolume(ref *models.Volume, center models.Voxel, radius float64) *models.Volume {
	vol := models.NewVolume(ref, models.DatatypeUint8)
	for i, v := range SphereMask(center, ref.Shape(), radius) {
		vol.Data[i] = float64(v)
	}
	return vol
}
