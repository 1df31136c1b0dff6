package registration

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"tms2mni/internal/logger"
	"tms2mni/internal/models"
	"tms2mni/pkg/geometry"
	"tms2mni/pkg/nifti"
)

// shiftRegistrar is a fake engine whose transform translates images by a
// fixed voxel offset into the fixed image's grid
type shiftRegistrar struct {
	mu        sync.Mutex
	shift     models.Voxel
	registers int
	applied   []string
	interps   []Interpolation
	failWith  error
}

func (r *shiftRegistrar) Register(ctx context.Context, fixed, moving, prefix string) (Transform, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.failWith != nil {
		return Transform{}, r.failWith
	}
	r.registers++
	paths := []string{prefix + "1Warp.nii.gz", prefix + "0GenericAffine.mat"}
	for _, p := range paths {
		if err := os.WriteFile(p, []byte("xfm"), 0644); err != nil {
			return Transform{}, err
		}
	}
	return Transform{Fixed: fixed, Moving: moving, Paths: paths}, nil
}

func (r *shiftRegistrar) Apply(ctx context.Context, fixed, moving, output string, t Transform, interp Interpolation) error {
	r.mu.Lock()
	r.applied = append(r.applied, filepath.Base(output))
	r.interps = append(r.interps, interp)
	r.mu.Unlock()

	ref, err := nifti.Read(fixed)
	if err != nil {
		return err
	}
	src, err := nifti.Read(moving)
	if err != nil {
		return err
	}

	out := models.NewVolume(ref, src.Datatype)
	for z := 0; z < src.Depth; z++ {
		for y := 0; y < src.Height; y++ {
			for x := 0; x < src.Width; x++ {
				tx, ty, tz := x+r.shift[0], y+r.shift[1], z+r.shift[2]
				if geometry.InBounds(models.Voxel{tx, ty, tz}, out.Shape()) {
					out.Set(tx, ty, tz, src.At(x, y, z))
				}
			}
		}
	}
	return nifti.Write(output, out)
}

func writeVolume(t *testing.T, path string, shape models.Shape, fill func(x, y, z int) float64) *models.Volume {
	t.Helper()
	vol := &models.Volume{
		Width: shape[0], Height: shape[1], Depth: shape[2],
		Data:     make([]float64, shape[0]*shape[1]*shape[2]),
		Datatype: models.DatatypeFloat32,
		Geometry: models.Geometry{
			Affine:  [4][4]float64{{1, 0, 0, -10}, {0, 1, 0, -10}, {0, 0, 1, -10}, {0, 0, 0, 1}},
			Spacing: [3]float64{1, 1, 1},
		},
	}
	for z := 0; z < shape[2]; z++ {
		for y := 0; y < shape[1]; y++ {
			for x := 0; x < shape[0]; x++ {
				vol.Set(x, y, z, fill(x, y, z))
			}
		}
	}
	require.NoError(t, nifti.Write(path, vol))
	return vol
}

type fixture struct {
	dir    string
	fixed  string
	moving string
}

func newFixture(t *testing.T, maskCenter models.Voxel) (fixture, Request) {
	dir := t.TempDir()
	f := fixture{
		dir:    dir,
		fixed:  filepath.Join(dir, "template.nii.gz"),
		moving: filepath.Join(dir, "sub-01_T1w.nii.gz"),
	}
	shape := models.Shape{20, 20, 20}
	writeVolume(t, f.fixed, shape, func(x, y, z int) float64 { return float64(x + y + z) })
	ref := writeVolume(t, f.moving, shape, func(x, y, z int) float64 { return 1 })

	mask := geometry.NewSphereVolume(ref, maskCenter, 2)
	maskPath := filepath.Join(dir, "sub-01_desc-native_M1.nii.gz")
	require.NoError(t, nifti.Write(maskPath, mask))

	return f, Request{
		Fixed:                f.fixed,
		Moving:               f.moving,
		Mask:                 maskPath,
		OutputDir:            dir,
		TransformPrefix:      "sub-01_desc-tmp_xfm",
		SavedTransformPrefix: "sub-01_transform_",
		RegisteredName:       "sub-01_desc-MNI_T1w.nii.gz",
		WarpedMaskName:       "sub-01_desc-tmp_M1.nii.gz",
		SphereName:           "sub-01_desc-MNI_M1.nii.gz",
	}
}

func TestStageFollowsShiftedMask(t *testing.T) {
	fx, req := newFixture(t, models.Voxel{8, 9, 10})
	reg := &shiftRegistrar{shift: models.Voxel{2, -1, 3}}
	stager := NewStager(reg, 2, GenericLabel, true, logger.Discard())

	var observed time.Duration = -1
	stager.OnRegister = func(d time.Duration) { observed = d }

	outcome, err := stager.Stage(context.Background(), req)
	require.NoError(t, err)

	center, ok := outcome.Value()
	require.True(t, ok)
	assert.Equal(t, models.Voxel{10, 8, 13}, center)
	assert.GreaterOrEqual(t, observed, time.Duration(0))

	sphere, err := nifti.Read(filepath.Join(fx.dir, req.SphereName))
	require.NoError(t, err)
	assert.Equal(t, 1.0, sphere.At(10, 8, 13))
	assert.Equal(t, 0.0, sphere.At(10, 8, 16))

	for _, name := range []string{"sub-01_transform_1.nii.gz", "sub-01_transform_2.mat", req.RegisteredName, req.WarpedMaskName} {
		assert.FileExists(t, filepath.Join(fx.dir, name))
	}
	assert.Equal(t, []Interpolation{Linear, GenericLabel}, reg.interps)
}

func TestStageReusesTransformForSamePair(t *testing.T) {
	_, req := newFixture(t, models.Voxel{8, 9, 10})
	reg := &shiftRegistrar{}
	stager := NewStager(reg, 2, Linear, true, logger.Discard())

	_, err := stager.Stage(context.Background(), req)
	require.NoError(t, err)

	mirrored := req
	mirrored.WarpedMaskName = "sub-01_desc-tmp_M1-invertedX.nii.gz"
	mirrored.SphereName = "sub-01_desc-MNI_M1-invertedX.nii.gz"
	_, err = stager.Stage(context.Background(), mirrored)
	require.NoError(t, err)

	assert.Equal(t, 1, reg.registers)
	// the anatomical volume is only warped once per transform
	assert.Equal(t, []string{req.RegisteredName, req.WarpedMaskName, mirrored.WarpedMaskName}, reg.applied)
}

func TestStageWithoutReuseRegistersEveryMask(t *testing.T) {
	_, req := newFixture(t, models.Voxel{8, 9, 10})
	reg := &shiftRegistrar{}
	stager := NewStager(reg, 2, Linear, false, logger.Discard())

	for i := 0; i < 2; i++ {
		_, err := stager.Stage(context.Background(), req)
		require.NoError(t, err)
	}
	assert.Equal(t, 2, reg.registers)
}

func TestStageSkipsWhenMaskLeavesTemplate(t *testing.T) {
	_, req := newFixture(t, models.Voxel{8, 9, 10})
	reg := &shiftRegistrar{shift: models.Voxel{40, 0, 0}}
	stager := NewStager(reg, 2, Linear, true, logger.Discard())

	outcome, err := stager.Stage(context.Background(), req)
	require.NoError(t, err)

	skip, skipped := outcome.Skip()
	require.True(t, skipped)
	assert.Equal(t, SkipEmptyMask, skip.Stage)
	assert.NoFileExists(t, filepath.Join(req.OutputDir, req.SphereName))
}

func TestStagePropagatesRegistrationFailure(t *testing.T) {
	_, req := newFixture(t, models.Voxel{8, 9, 10})
	boom := errors.New("antsRegistration exited with status 1")
	stager := NewStager(&shiftRegistrar{failWith: boom}, 2, Linear, true, logger.Discard())

	_, err := stager.Stage(context.Background(), req)
	require.Error(t, err)
	assert.ErrorIs(t, err, boom)
}

func TestParseInterpolation(t *testing.T) {
	for _, name := range []string{"Linear", "NearestNeighbor", "GenericLabel"} {
		got, err := ParseInterpolation(name)
		require.NoError(t, err)
		assert.Equal(t, Interpolation(name), got)
	}
	_, err := ParseInterpolation("BSpline")
	assert.Error(t, err)
}
