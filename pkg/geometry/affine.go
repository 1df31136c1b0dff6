// Package geometry holds the coordinate math of the staging pipeline: device
// to voxel conversion, mirroring, bounds checks, sphere masks and mask
// centroids. Everything here is pure and operates on models types.
package geometry

import (
	"fmt"

	"gonum.org/v1/gonum/mat"
)

// affineDense converts a 4x4 array into a gonum matrix
func affineDense(affine [4][4]float64) *mat.Dense {
	m := mat.NewDense(4, 4, nil)
	for i := 0; i < 4; i++ {
		for j := 0; j < 4; j++ {
			m.Set(i, j, affine[i][j])
		}
	}
	return m
}

// VoxelToRAS projects a (possibly fractional) voxel index into RAS millimeters
func VoxelToRAS(affine [4][4]float64, voxel [3]float64) [3]float64 {
	h := mat.NewVecDense(4, []float64{voxel[0], voxel[1], voxel[2], 1})
	var out mat.VecDense
	out.MulVec(affineDense(affine), h)
	return [3]float64{out.AtVec(0), out.AtVec(1), out.AtVec(2)}
}

// RASToVoxel maps RAS millimeters back to voxel indices through the inverse affine
func RASToVoxel(affine [4][4]float64, ras [3]float64) ([3]float64, error) {
	var inv mat.Dense
	if err := inv.Inverse(affineDense(affine)); err != nil {
		return [3]float64{}, fmt.Errorf("affine is not invertible: %w", err)
	}
	h := mat.NewVecDense(4, []float64{ras[0], ras[1], ras[2], 1})
	var out mat.VecDense
	out.MulVec(&inv, h)
	return [3]float64{out.AtVec(0), out.AtVec(1), out.AtVec(2)}, nil
}
