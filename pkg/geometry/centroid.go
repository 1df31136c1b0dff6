package geometry

import (
	"gonum.org/v1/gonum/stat"

	"tms2mni/internal/models"
)

// CenterOfMass averages the voxel indices of all non-zero voxels. It returns
// the number of contributing voxels; when that is zero the centroid is undefined.
func CenterOfMass(vol *models.Volume) ([3]float64, int) {
	var xs, ys, zs []float64
	for z := 0; z < vol.Depth; z++ {
		for y := 0; y < vol.Height; y++ {
			for x := 0; x < vol.Width; x++ {
				if vol.At(x, y, z) != 0 {
					xs = append(xs, float64(x))
					ys = append(ys, float64(y))
					zs = append(zs, float64(z))
				}
			}
		}
	}

	if len(xs) == 0 {
		return [3]float64{}, 0
	}
	return [3]float64{stat.Mean(xs, nil), stat.Mean(ys, nil), stat.Mean(zs, nil)}, len(xs)
}
