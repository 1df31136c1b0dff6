package registration

import (
	"context"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"golang.org/x/sync/singleflight"

	"tms2mni/internal/errors"
	"tms2mni/internal/logger"
	"tms2mni/internal/models"
	"tms2mni/pkg/geometry"
	"tms2mni/pkg/nifti"
)

// SkipEmptyMask and SkipStandardizedBounds are the stage names of the benign
// skips produced by the stager
const (
	SkipEmptyMask          = "empty transformed mask"
	SkipStandardizedBounds = "standardized bounds"
)

// Request describes one mask to carry into template space. All names are
// file names inside OutputDir.
type Request struct {
	// Fixed is the template, Moving the subject anatomical volume
	Fixed  string
	Moving string

	// Mask is the native-space label mask to warp
	Mask string

	OutputDir string

	// TransformPrefix is handed to the registrar for its raw outputs
	TransformPrefix string

	// SavedTransformPrefix names the kept copies of the transform files
	SavedTransformPrefix string

	// RegisteredName receives the warped anatomical volume for visual QA
	RegisteredName string

	// WarpedMaskName receives the warped mask (intermediate)
	WarpedMaskName string

	// SphereName receives the standardized-space sphere mask
	SphereName string
}

// Stager warps a native mask into template space, recomputes its center of
// mass and re-derives a sphere there
type Stager struct {
	registrar Registrar
	radius    float64
	interp    Interpolation
	reuse     bool
	logger    logger.Logger

	// OnRegister, when set, observes the duration of every registration call
	OnRegister func(time.Duration)

	group      singleflight.Group
	mu         sync.Mutex
	transforms map[string]Transform
}

// NewStager creates a stager. With reuse set, the transform computed for a
// (fixed, moving) pair is reused for every further mask of that pair.
func NewStager(registrar Registrar, radius float64, interp Interpolation, reuse bool, log logger.Logger) *Stager {
	return &Stager{
		registrar:  registrar,
		radius:     radius,
		interp:     interp,
		reuse:      reuse,
		logger:     log.Module("registration"),
		transforms: make(map[string]Transform),
	}
}

// Stage returns the standardized voxel at the warped mask's center of mass,
// or a skip when the mask vanished or the center left the template
func (s *Stager) Stage(ctx context.Context, req Request) (models.Outcome[models.Voxel], error) {
	t, fresh, err := s.transform(ctx, req)
	if err != nil {
		return models.Outcome[models.Voxel]{}, err
	}

	registered := filepath.Join(req.OutputDir, req.RegisteredName)
	if fresh || !exists(registered) {
		if err := s.registrar.Apply(ctx, req.Fixed, req.Moving, registered, t, Linear); err != nil {
			return models.Outcome[models.Voxel]{}, fmt.Errorf("failed to warp anatomical volume: %w", err)
		}
	}

	warped := filepath.Join(req.OutputDir, req.WarpedMaskName)
	if err := s.registrar.Apply(ctx, req.Fixed, req.Mask, warped, t, s.interp); err != nil {
		return models.Outcome[models.Voxel]{}, fmt.Errorf("failed to warp mask: %w", err)
	}

	// the warped mask is resampled onto the fixed grid, so its shape and
	// geometry are the template's
	mask, err := nifti.Read(warped)
	if err != nil {
		return models.Outcome[models.Voxel]{}, err
	}

	com, n := geometry.CenterOfMass(mask)
	if n == 0 {
		return models.Skipped[models.Voxel](models.Skip{
			Stage:  SkipEmptyMask,
			Shape:  mask.Shape(),
			Reason: "no non-zero voxels survived registration of " + filepath.Base(req.Mask),
		}), nil
	}
	s.logger.Debug("center of mass",
		logger.String("mask", filepath.Base(req.Mask)),
		logger.Any("center", com),
		logger.Int("voxels", n))

	if !geometry.InBoundsFloat(com, mask.Shape()) {
		return models.Skipped[models.Voxel](models.Skip{
			Stage:      SkipStandardizedBounds,
			Coordinate: com,
			Shape:      mask.Shape(),
			Reason:     "center of mass outside the template volume",
		}), nil
	}

	center := geometry.Truncate(com)
	sphere := geometry.NewSphereVolume(mask, center, s.radius)
	if err := nifti.Write(filepath.Join(req.OutputDir, req.SphereName), sphere); err != nil {
		return models.Outcome[models.Voxel]{}, err
	}

	return models.OK(center), nil
}

// transform returns the forward transform for the request's image pair and
// whether it was computed by this call
func (s *Stager) transform(ctx context.Context, req Request) (Transform, bool, error) {
	if !s.reuse {
		t, err := s.register(ctx, req)
		return t, err == nil, err
	}

	key := req.Fixed + "\x00" + req.Moving
	s.mu.Lock()
	t, ok := s.transforms[key]
	s.mu.Unlock()
	if ok {
		return t, false, nil
	}

	v, err, _ := s.group.Do(key, func() (any, error) {
		t, err := s.register(ctx, req)
		if err != nil {
			return nil, err
		}
		s.mu.Lock()
		s.transforms[key] = t
		s.mu.Unlock()
		return t, nil
	})
	if err != nil {
		return Transform{}, false, err
	}
	return v.(Transform), true, nil
}

func (s *Stager) register(ctx context.Context, req Request) (Transform, error) {
	start := time.Now()
	prefix := filepath.Join(req.OutputDir, req.TransformPrefix)
	t, err := s.registrar.Register(ctx, req.Fixed, req.Moving, prefix)
	if err != nil {
		return Transform{}, fmt.Errorf("registration failed: %w", err)
	}
	elapsed := time.Since(start)
	if s.OnRegister != nil {
		s.OnRegister(elapsed)
	}
	s.logger.Info("registration complete",
		logger.String("moving", filepath.Base(req.Moving)),
		logger.Duration("elapsed", elapsed))

	if req.SavedTransformPrefix != "" {
		for i, src := range t.Paths {
			dst := filepath.Join(req.OutputDir, fmt.Sprintf("%s%d%s", req.SavedTransformPrefix, i+1, extension(src)))
			if err := copyFile(src, dst); err != nil {
				return Transform{}, err
			}
		}
	}
	return t, nil
}

func extension(path string) string {
	if strings.HasSuffix(path, ".nii.gz") {
		return ".nii.gz"
	}
	return filepath.Ext(path)
}

func exists(path string) bool {
	_, err := os.Stat(path)
	return err == nil
}

func copyFile(src, dst string) error {
	in, err := os.Open(src)
	if err != nil {
		return errors.FileError(fmt.Errorf("failed to open transform: %w", err), src)
	}
	defer in.Close()

	out, err := os.Create(dst)
	if err != nil {
		return errors.FileError(fmt.Errorf("failed to create transform copy: %w", err), dst)
	}
	if _, err := io.Copy(out, in); err != nil {
		out.Close()
		return errors.FileError(fmt.Errorf("failed to copy transform: %w", err), dst)
	}
	return out.Close()
}
