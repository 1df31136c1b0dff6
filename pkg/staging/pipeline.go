// Package staging orchestrates the geometric pipeline that carries a
// stimulation target from the device frame into native space, through
// registration into template space, and finally to an atlas region.
package staging

import (
	"context"
	"fmt"

	"tms2mni/internal/logger"
	"tms2mni/internal/models"
	"tms2mni/pkg/registration"
)

// State is a step of the staging state machine
type State string

const (
	StateStart                State = "start"
	StateNativeStaged         State = "native-staged"
	StateStandardizedPrimary  State = "standardized-primary"
	StateStandardizedMirrored State = "standardized-mirrored"
	StateAtlasResolved        State = "atlas-resolved"
	StateDone                 State = "done"
	StateSkipped              State = "skipped"
)

// MaskStager carries a native mask into template space
type MaskStager interface {
	Stage(ctx context.Context, req registration.Request) (models.Outcome[models.Voxel], error)
}

// RegionResolver names the atlas region at a template-space voxel
type RegionResolver interface {
	Resolve(voxel models.Voxel) (string, error)
}

// Result is the complete staging output for one target. Primary and
// mirrored tuples never mix.
type Result struct {
	Native         models.Voxel
	NativeMirrored models.Voxel

	NativeRAS         [3]float64
	NativeMirroredRAS [3]float64

	Standardized         models.Voxel
	StandardizedMirrored models.Voxel

	Region         string
	MirroredRegion string
}

// Pipeline runs NativeStager, the registration stager (primary then
// mirrored) and the atlas resolver for one target
type Pipeline struct {
	native   *NativeStager
	masks    MaskStager
	regions  RegionResolver
	template string
	logger   logger.Logger
}

// NewPipeline creates a pipeline registering into the template volume
func NewPipeline(native *NativeStager, masks MaskStager, regions RegionResolver, template string, log logger.Logger) *Pipeline {
	return &Pipeline{
		native:   native,
		masks:    masks,
		regions:  regions,
		template: template,
		logger:   log.Module("staging"),
	}
}

// Run stages target for a subject whose AnatomicalPath is set. Bounds
// failures come back as a skipped Outcome; collaborator failures and atlas
// configuration errors come back as errors.
func (p *Pipeline) Run(ctx context.Context, subject models.Subject, target models.RawTarget, outputDir string) (models.Outcome[Result], error) {
	names := NewArtifacts(subject.ID, target.Label)
	log := p.logger.With(logger.String("subject", subject.ID), logger.String("label", names.Label))
	state := StateStart

	advance := func(next State) {
		log.Debug("transition", logger.String("from", string(state)), logger.String("to", string(next)))
		state = next
	}
	skip := func(s models.Skip) (models.Outcome[Result], error) {
		advance(StateSkipped)
		log.Info("target skipped", logger.String("stage", s.Stage), logger.String("detail", s.String()))
		return models.Skipped[Result](s), nil
	}

	nativeOutcome, err := p.native.Stage(subject.AnatomicalPath, outputDir, names, target)
	if err != nil {
		return models.Outcome[Result]{}, fmt.Errorf("native staging: %w", err)
	}
	if s, skipped := nativeOutcome.Skip(); skipped {
		return skip(s)
	}
	native, _ := nativeOutcome.Value()
	advance(StateNativeStaged)

	result := Result{
		Native:            native.Voxel,
		NativeMirrored:    native.Mirrored,
		NativeRAS:         native.Coordinates.RAS,
		NativeMirroredRAS: native.Coordinates.MirroredRAS,
	}

	stage := func(mask string, mirrored bool) (models.Outcome[models.Voxel], error) {
		return p.masks.Stage(ctx, registration.Request{
			Fixed:                p.template,
			Moving:               subject.AnatomicalPath,
			Mask:                 mask,
			OutputDir:            outputDir,
			TransformPrefix:      names.TransformPrefix(),
			SavedTransformPrefix: names.SavedTransformPrefix(),
			RegisteredName:       names.Registered(),
			WarpedMaskName:       names.WarpedMask(mirrored),
			SphereName:           names.StandardizedMask(mirrored),
		})
	}

	primary, err := stage(native.Mask, false)
	if err != nil {
		return models.Outcome[Result]{}, fmt.Errorf("standardized staging: %w", err)
	}
	if s, skipped := primary.Skip(); skipped {
		s.Reason = "primary: " + s.Reason
		return skip(s)
	}
	result.Standardized, _ = primary.Value()
	advance(StateStandardizedPrimary)

	mirrored, err := stage(native.MirroredMask, true)
	if err != nil {
		return models.Outcome[Result]{}, fmt.Errorf("standardized staging of mirrored target: %w", err)
	}
	if s, skipped := mirrored.Skip(); skipped {
		s.Reason = "mirrored: " + s.Reason
		return skip(s)
	}
	result.StandardizedMirrored, _ = mirrored.Value()
	advance(StateStandardizedMirrored)

	if result.Region, err = p.regions.Resolve(result.Standardized); err != nil {
		return models.Outcome[Result]{}, err
	}
	if result.MirroredRegion, err = p.regions.Resolve(result.StandardizedMirrored); err != nil {
		return models.Outcome[Result]{}, err
	}
	advance(StateAtlasResolved)

	log.Info("target staged",
		logger.Any("native", result.Native),
		logger.Any("native_mirrored", result.NativeMirrored),
		logger.Any("standardized", result.Standardized),
		logger.Any("standardized_mirrored", result.StandardizedMirrored),
		logger.String("region", result.Region),
		logger.String("mirrored_region", result.MirroredRegion))
	advance(StateDone)

	return models.OK(result), nil
}
