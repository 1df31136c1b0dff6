// Package batch drives the staging pipeline over a table of targets: it
// groups targets by subject, prepares each subject's anatomical volume,
// stages every target and appends the results to a dated records file.
package batch

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"

	"tms2mni/internal/errors"
	"tms2mni/internal/logger"
	"tms2mni/internal/models"
	"tms2mni/pkg/staging"
)

// OutputDirName is created inside the output directory and holds the records
// file and one directory per subject
const OutputDirName = "tms2mni_output"

// SubjectPreparer returns the canonical anatomical volume of a subject
type SubjectPreparer interface {
	Prepare(ctx context.Context, subject models.Subject, outputDir string) (string, error)
}

// TargetStager stages one target of a prepared subject
type TargetStager interface {
	Run(ctx context.Context, subject models.Subject, target models.RawTarget, outputDir string) (models.Outcome[staging.Result], error)
}

// QAWriter renders quality-assurance images for a staged target
type QAWriter interface {
	Write(subjectDir string, names staging.Artifacts, result staging.Result) ([]string, error)
}

// Options control a single batch run
type Options struct {
	// OutputDir receives the tms2mni_output directory
	OutputDir string

	// Subject, when set, restricts the run to one subject ID
	Subject string

	// Workers is the number of subjects processed concurrently
	Workers int

	// Cleanup removes tmp-marked intermediate files after each subject
	Cleanup bool
}

// Summary reports what a batch run did
type Summary struct {
	RunID   string
	Records string

	Subjects int
	Staged   int
	Skipped  int
	Failed   int
}

// Runner processes target tables
type Runner struct {
	preparer SubjectPreparer
	stager   TargetStager
	qa       QAWriter
	metrics  *Metrics
	logger   logger.Logger

	// now is replaced in tests
	now func() time.Time
}

// NewRunner creates a runner. qa and metrics may be nil.
func NewRunner(preparer SubjectPreparer, stager TargetStager, qa QAWriter, metrics *Metrics, log logger.Logger) *Runner {
	return &Runner{
		preparer: preparer,
		stager:   stager,
		qa:       qa,
		metrics:  metrics,
		logger:   log.Module("batch"),
		now:      time.Now,
	}
}

// RecordsName returns the records file name for a run started at t
func RecordsName(t time.Time, subject string) string {
	date := t.Format("20060102")
	if subject != "" {
		return date + "-" + subject + ".csv"
	}
	return date + ".csv"
}

// Run stages all targets. Subject failures are logged and counted; a
// configuration error stops the remaining subjects and is returned.
func (r *Runner) Run(ctx context.Context, targets []Target, opts Options) (Summary, error) {
	summary := Summary{RunID: uuid.New().String()}
	log := r.logger.With(logger.String("run_id", summary.RunID))

	root := filepath.Join(opts.OutputDir, OutputDirName)
	if err := os.MkdirAll(root, 0755); err != nil {
		return summary, errors.FileError(fmt.Errorf("failed to create output directory: %w", err), root)
	}

	if opts.Subject != "" {
		var filtered []Target
		for _, t := range targets {
			if t.Subject.ID == opts.Subject {
				filtered = append(filtered, t)
			}
		}
		targets = filtered
	}

	records, err := OpenRecords(filepath.Join(root, RecordsName(r.now(), opts.Subject)))
	if err != nil {
		return summary, err
	}
	defer records.Close()
	summary.Records = records.Path()

	if len(targets) == 0 {
		log.Warn("no targets to process", logger.String("subject", opts.Subject))
		return summary, nil
	}

	groups := groupBySubject(targets)
	summary.Subjects = len(groups)
	log.Info("batch started",
		logger.Int("targets", len(targets)),
		logger.Int("subjects", len(groups)),
		logger.Int("workers", max(opts.Workers, 1)),
		logger.String("records", records.Path()))

	var mu sync.Mutex
	count := func(f func(*Summary)) {
		mu.Lock()
		f(&summary)
		mu.Unlock()
	}

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(max(opts.Workers, 1))
	for _, group := range groups {
		group := group
		g.Go(func() error {
			if gctx.Err() != nil {
				return nil
			}

			sub := subjectRun{
				runner:  r,
				log:     log.With(logger.String("subject", group[0].Subject.ID)),
				dir:     filepath.Join(root, group[0].Subject.ID),
				records: records,
				count:   count,
			}
			start := time.Now()
			err := sub.run(gctx, group, opts.Cleanup)
			if r.metrics != nil {
				r.metrics.RecordSubject(err, time.Since(start))
			}
			if err == nil {
				return nil
			}

			if errors.IsConfiguration(err) {
				sub.log.Error("configuration error, stopping batch", logger.Error(err))
				return err
			}
			sub.log.Error("subject failed", logger.Error(err))
			return nil
		})
	}
	err = g.Wait()

	log.Info("batch finished",
		logger.Int("staged", summary.Staged),
		logger.Int("skipped", summary.Skipped),
		logger.Int("failed", summary.Failed))
	return summary, err
}

type subjectRun struct {
	runner  *Runner
	log     logger.Logger
	dir     string
	records *RecordWriter
	count   func(func(*Summary))
}

// run processes the targets of one subject sequentially
func (s *subjectRun) run(ctx context.Context, targets []Target, cleanup bool) error {
	r := s.runner
	subject := targets[0].Subject

	fail := func(n int) {
		s.count(func(sum *Summary) { sum.Failed += n })
		if r.metrics != nil {
			for i := 0; i < n; i++ {
				r.metrics.RecordTarget(OutcomeFailed, "")
			}
		}
	}

	if err := os.MkdirAll(s.dir, 0755); err != nil {
		fail(len(targets))
		return errors.FileError(err, s.dir)
	}

	anatomical, err := r.preparer.Prepare(ctx, subject, s.dir)
	if err != nil {
		fail(len(targets))
		return err
	}
	subject.AnatomicalPath = anatomical

	for i, t := range targets {
		s.log.Info("processing target",
			logger.String("label", t.Label),
			logger.Float64("x", t.X),
			logger.Float64("y", t.Y),
			logger.Float64("z", t.Z),
			logger.String("source", subject.SourceDir))

		outcome, err := r.stager.Run(ctx, subject, t.RawTarget, s.dir)
		if err != nil {
			fail(len(targets) - i)
			return fmt.Errorf("target %q (line %d): %w", t.Label, t.Line, err)
		}

		if skip, skipped := outcome.Skip(); skipped {
			s.count(func(sum *Summary) { sum.Skipped++ })
			if r.metrics != nil {
				r.metrics.RecordTarget(OutcomeSkipped, skip.Stage)
			}
			continue
		}

		result, _ := outcome.Value()
		if err := s.records.Append(Record{SubjectID: subject.ID, Target: t.RawTarget, Result: result}); err != nil {
			fail(len(targets) - i)
			return err
		}
		s.count(func(sum *Summary) { sum.Staged++ })
		if r.metrics != nil {
			r.metrics.RecordTarget(OutcomeStaged, "")
		}

		if r.qa != nil {
			paths, err := r.qa.Write(s.dir, staging.NewArtifacts(subject.ID, t.Label), result)
			if err != nil {
				s.log.Warn("QA rendering failed", logger.String("label", t.Label), logger.Error(err))
			} else {
				s.log.Debug("QA slices written", logger.Int("count", len(paths)))
			}
		}
	}

	if cleanup {
		n := Cleanup(s.dir, subject.ID, s.log)
		s.log.Info("cleaned up intermediate files", logger.Int("removed", n))
	}
	return nil
}
