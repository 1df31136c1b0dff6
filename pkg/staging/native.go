package staging

import (
	"path/filepath"

	"tms2mni/internal/logger"
	"tms2mni/internal/models"
	"tms2mni/pkg/geometry"
	"tms2mni/pkg/nifti"
)

// SkipNativeBounds is the stage name of a target outside the subject volume
const SkipNativeBounds = "native bounds"

// NativeResult holds the native voxels of a target and its mirror together
// with the masks written around them
type NativeResult struct {
	Coordinates geometry.NativeCoordinates

	Voxel    models.Voxel
	Mirrored models.Voxel

	Mask         string
	MirroredMask string
}

// NativeStager converts a raw target into native-space sphere masks
type NativeStager struct {
	radius float64
	logger logger.Logger
}

// NewNativeStager creates a native stager drawing spheres of radius voxels
func NewNativeStager(radius float64, log logger.Logger) *NativeStager {
	return &NativeStager{radius: radius, logger: log.Module("native")}
}

// Stage converts target against the anatomical volume, validates both the
// primary and mirrored voxel and writes a sphere mask around each
func (n *NativeStager) Stage(anatomical, outputDir string, names Artifacts, target models.RawTarget) (models.Outcome[NativeResult], error) {
	vol, err := nifti.Read(anatomical)
	if err != nil {
		return models.Outcome[NativeResult]{}, err
	}
	shape := vol.Shape()

	coords := geometry.NewConverter(vol.Geometry, shape).Convert(target)
	n.logger.Debug("converted target",
		logger.String("subject", names.SubjectID),
		logger.Any("voxel", coords.Voxel),
		logger.Any("ras", coords.RAS),
		logger.Any("mirrored_voxel", coords.Mirrored),
		logger.Any("mirrored_ras", coords.MirroredRAS),
		logger.Any("shape", shape))

	if !geometry.InBoundsFloat(coords.Voxel, shape) {
		return models.Skipped[NativeResult](models.Skip{
			Stage:      SkipNativeBounds,
			Coordinate: coords.Voxel,
			Shape:      shape,
			Reason:     "primary target outside the subject volume",
		}), nil
	}
	if !geometry.InBoundsFloat(coords.Mirrored, shape) {
		return models.Skipped[NativeResult](models.Skip{
			Stage:      SkipNativeBounds,
			Coordinate: coords.Mirrored,
			Shape:      shape,
			Reason:     "mirrored target outside the subject volume",
		}), nil
	}

	result := NativeResult{
		Coordinates:  coords,
		Voxel:        geometry.Truncate(coords.Voxel),
		Mirrored:     geometry.Truncate(coords.Mirrored),
		Mask:         filepath.Join(outputDir, names.NativeMask(false)),
		MirroredMask: filepath.Join(outputDir, names.NativeMask(true)),
	}

	if err := nifti.Write(result.Mask, geometry.NewSphereVolume(vol, result.Voxel, n.radius)); err != nil {
		return models.Outcome[NativeResult]{}, err
	}
	if err := nifti.Write(result.MirroredMask, geometry.NewSphereVolume(vol, result.Mirrored, n.radius)); err != nil {
		return models.Outcome[NativeResult]{}, err
	}

	return models.OK(result), nil
}
