package batch

import (
	"context"
	"encoding/csv"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	tmserrors "tms2mni/internal/errors"
	"tms2mni/internal/logger"
	"tms2mni/internal/models"
	"tms2mni/pkg/atlas"
	"tms2mni/pkg/conversion"
	"tms2mni/pkg/nifti"
	"tms2mni/pkg/staging"
)

const targetTable = `subject,x,y,z,label,source
sub-01,10,0,5,M1 hand,/data/sub-01
sub-02,1.5,2,3,DLPFC,/data/sub-02
sub-01,not-a-number,0,5,broken,/data/sub-01
sub-03,1,2
sub-01,20,30,40,SMA,/data/sub-01
`

func writeFile(t *testing.T, path, content string) {
	t.Helper()
	require.NoError(t, os.WriteFile(path, []byte(content), 0o644))
}

func readRows(t *testing.T, path string) [][]string {
	t.Helper()
	f, err := os.Open(path)
	require.NoError(t, err)
	defer f.Close()
	rows, err := csv.NewReader(f).ReadAll()
	require.NoError(t, err)
	return rows
}

func TestReadTargets(t *testing.T) {
	path := filepath.Join(t.TempDir(), "targets.csv")
	writeFile(t, path, targetTable)

	targets, err := ReadTargets(path, logger.Discard())
	require.NoError(t, err)
	require.Len(t, targets, 3)

	assert.Equal(t, "sub-01", targets[0].Subject.ID)
	assert.Equal(t, "/data/sub-01", targets[0].Subject.SourceDir)
	assert.Equal(t, models.RawTarget{X: 10, Y: 0, Z: 5, Label: "M1 hand"}, targets[0].RawTarget)
	assert.Equal(t, 2, targets[0].Line)
	assert.Equal(t, 1.5, targets[1].X)
	assert.Equal(t, "SMA", targets[2].Label)
	assert.Equal(t, 6, targets[2].Line)
}

func TestReadTargetsEdgeCases(t *testing.T) {
	dir := t.TempDir()

	empty := filepath.Join(dir, "empty.csv")
	writeFile(t, empty, "")
	targets, err := ReadTargets(empty, logger.Discard())
	require.NoError(t, err)
	assert.Empty(t, targets)

	headerOnly := filepath.Join(dir, "header.csv")
	writeFile(t, headerOnly, "subject,x,y,z,label,source\n")
	targets, err = ReadTargets(headerOnly, logger.Discard())
	require.NoError(t, err)
	assert.Empty(t, targets)

	_, err = ReadTargets(filepath.Join(dir, "missing.csv"), logger.Discard())
	assert.True(t, tmserrors.IsCategory(err, tmserrors.CategoryFileIO))
}

func TestGroupBySubject(t *testing.T) {
	targets, err := parseTargets(strings.NewReader(targetTable), "inline", logger.Discard())
	require.NoError(t, err)

	groups := groupBySubject(targets)
	require.Len(t, groups, 2)
	assert.Len(t, groups[0], 2)
	assert.Equal(t, "M1 hand", groups[0][0].Label)
	assert.Equal(t, "SMA", groups[0][1].Label)
	assert.Equal(t, "sub-02", groups[1][0].Subject.ID)
}

func TestRecordWriterHeaderOnce(t *testing.T) {
	path := filepath.Join(t.TempDir(), "20260101.csv")
	rec := Record{
		SubjectID: "sub-01",
		Target:    models.RawTarget{X: 10, Y: 0, Z: 5.5, Label: "M1 hand"},
		Result: staging.Result{
			Native:               models.Voxel{10, 5, 0},
			NativeMirrored:       models.Voxel{246, 5, 0},
			Standardized:         models.Voxel{45, 60, 50},
			StandardizedMirrored: models.Voxel{135, 61, 52},
			Region:               "Precentral Gyrus",
			MirroredRegion:       atlas.Unknown,
		},
	}

	for i := 0; i < 2; i++ {
		w, err := OpenRecords(path)
		require.NoError(t, err)
		require.NoError(t, w.Append(rec))
		require.NoError(t, w.Close())
	}

	rows := readRows(t, path)
	require.Len(t, rows, 3)
	assert.Equal(t, Header, rows[0])
	assert.Equal(t, []string{
		"sub-01", "M1 hand", "10", "0", "5.5",
		"10", "5", "0",
		"246", "5", "0",
		"Precentral Gyrus",
		"45", "60", "50",
		"135", "61", "52",
		"Unknown",
	}, rows[1])
	assert.Equal(t, rows[1], rows[2])
}

func TestRecordWriterConcurrentAppend(t *testing.T) {
	path := filepath.Join(t.TempDir(), "records.csv")
	w, err := OpenRecords(path)
	require.NoError(t, err)

	var wg sync.WaitGroup
	for i := 0; i < 20; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			assert.NoError(t, w.Append(Record{SubjectID: "sub", Target: models.RawTarget{Label: "T"}}))
		}()
	}
	wg.Wait()
	require.NoError(t, w.Close())

	rows := readRows(t, path)
	assert.Len(t, rows, 21)
	for _, row := range rows[1:] {
		assert.Len(t, row, len(Header))
	}
}

func TestCleanupRemovesOnlyTmpFiles(t *testing.T) {
	dir := t.TempDir()
	keep := []string{"sub-01_T1w.nii.gz", "sub-01_desc-MNI_M1.nii.gz", "sub-01_transform_1.nii.gz"}
	remove := []string{"sub-01_desc-tmp_M1.nii.gz", "sub-01_desc-tmp_xfm1Warp.nii.gz"}
	for _, name := range append(keep, remove...) {
		writeFile(t, filepath.Join(dir, name), "x")
	}
	require.NoError(t, os.Mkdir(filepath.Join(dir, "tmpdir"), 0o755))

	assert.Equal(t, len(remove), Cleanup(dir, "sub-01", logger.Discard()))
	for _, name := range keep {
		assert.FileExists(t, filepath.Join(dir, name))
	}
	for _, name := range remove {
		assert.NoFileExists(t, filepath.Join(dir, name))
	}
	assert.DirExists(t, filepath.Join(dir, "tmpdir"))

	assert.Equal(t, 0, Cleanup(filepath.Join(dir, "missing"), "sub-01", logger.Discard()))
}

func TestCleanupKeepsOutputsOfSubjectWithTmpInID(t *testing.T) {
	dir := t.TempDir()
	names := staging.NewArtifacts("sub-tmp01", "tmp target")

	keep := []string{
		names.NativeMask(false),
		names.NativeMask(true),
		names.StandardizedMask(false),
		names.StandardizedMask(true),
		names.Registered(),
		names.SavedTransformPrefix() + "1.nii.gz",
		"sub-tmp01_T1w.nii.gz",
	}
	remove := []string{
		names.WarpedMask(false),
		names.WarpedMask(true),
		names.TransformPrefix() + "1Warp.nii.gz",
		names.TransformPrefix() + "0GenericAffine.mat",
	}
	for _, name := range append(keep, remove...) {
		writeFile(t, filepath.Join(dir, name), "x")
	}

	assert.Equal(t, len(remove), Cleanup(dir, "sub-tmp01", logger.Discard()))
	for _, name := range keep {
		assert.FileExists(t, filepath.Join(dir, name))
	}
	for _, name := range remove {
		assert.NoFileExists(t, filepath.Join(dir, name))
	}
}

func TestRecordsName(t *testing.T) {
	day := time.Date(2026, 3, 7, 15, 4, 5, 0, time.UTC)
	assert.Equal(t, "20260307.csv", RecordsName(day, ""))
	assert.Equal(t, "20260307-sub-01.csv", RecordsName(day, "sub-01"))
}

type fakePreparer struct {
	mu    sync.Mutex
	fail  map[string]error
	calls []string
}

func (f *fakePreparer) Prepare(ctx context.Context, subject models.Subject, outputDir string) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls = append(f.calls, subject.ID)
	if err := f.fail[subject.ID]; err != nil {
		return "", err
	}
	return filepath.Join(outputDir, subject.ID+"_T1w.nii.gz"), nil
}

// fakeStager stages every target to a result derived from its label, skips
// labels starting with "skip" and returns the error configured per label
type fakeStager struct {
	mu     sync.Mutex
	errs   map[string]error
	staged []string
}

func (f *fakeStager) Run(ctx context.Context, subject models.Subject, target models.RawTarget, outputDir string) (models.Outcome[staging.Result], error) {
	f.mu.Lock()
	f.staged = append(f.staged, subject.ID+"/"+target.Label)
	f.mu.Unlock()

	if subject.AnatomicalPath == "" {
		return models.Outcome[staging.Result]{}, errors.New("subject not prepared")
	}
	if err := f.errs[target.Label]; err != nil {
		return models.Outcome[staging.Result]{}, err
	}
	if strings.HasPrefix(target.Label, "skip") {
		return models.Skipped[staging.Result](models.Skip{Stage: staging.SkipNativeBounds, Reason: "outside"}), nil
	}

	// leave an intermediate file behind for cleanup
	tmp := filepath.Join(outputDir, subject.ID+"_desc-tmp_"+target.Label+".nii.gz")
	if err := os.WriteFile(tmp, []byte("x"), 0o644); err != nil {
		return models.Outcome[staging.Result]{}, err
	}

	return models.OK(staging.Result{
		Native:       models.Voxel{int(target.X), int(target.Z), int(target.Y)},
		Standardized: models.Voxel{1, 2, 3},
		Region:       "Region " + target.Label,
	}), nil
}

type fakeQA struct {
	mu    sync.Mutex
	calls int
}

func (f *fakeQA) Write(subjectDir string, names staging.Artifacts, result staging.Result) ([]string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls++
	return nil, nil
}

func target(subject, label string, x, y, z float64) Target {
	return Target{
		Subject:   models.Subject{ID: subject, SourceDir: "/data/" + subject},
		RawTarget: models.RawTarget{X: x, Y: y, Z: z, Label: label},
	}
}

func newTestRunner(p SubjectPreparer, s TargetStager, qa QAWriter, m *Metrics) *Runner {
	r := NewRunner(p, s, qa, m, logger.Discard())
	r.now = func() time.Time { return time.Date(2026, 10, 18, 9, 0, 0, 0, time.UTC) }
	return r
}

func TestRunnerStagesAndRecords(t *testing.T) {
	out := t.TempDir()
	preparer := &fakePreparer{}
	stager := &fakeStager{}
	qa := &fakeQA{}
	metrics, err := NewMetrics(prometheus.NewRegistry())
	require.NoError(t, err)

	targets := []Target{
		target("sub-01", "M1", 10, 0, 5),
		target("sub-01", "skip-me", 300, 0, 5),
		target("sub-02", "SMA", 1, 2, 3),
	}

	summary, err := newTestRunner(preparer, stager, qa, metrics).Run(context.Background(), targets, Options{
		OutputDir: out,
		Workers:   2,
		Cleanup:   true,
	})
	require.NoError(t, err)

	assert.NotEmpty(t, summary.RunID)
	assert.Equal(t, filepath.Join(out, OutputDirName, "20261018.csv"), summary.Records)
	assert.Equal(t, 2, summary.Subjects)
	assert.Equal(t, 2, summary.Staged)
	assert.Equal(t, 1, summary.Skipped)
	assert.Zero(t, summary.Failed)
	assert.Equal(t, 2, qa.calls)
	assert.ElementsMatch(t, []string{"sub-01", "sub-02"}, preparer.calls)

	rows := readRows(t, summary.Records)
	require.Len(t, rows, 3)
	var regions []string
	for _, row := range rows[1:] {
		regions = append(regions, row[11])
	}
	assert.ElementsMatch(t, []string{"Region M1", "Region SMA"}, regions)

	assert.NoFileExists(t, filepath.Join(out, OutputDirName, "sub-01", "sub-01_desc-tmp_M1.nii.gz"))
	assert.DirExists(t, filepath.Join(out, OutputDirName, "sub-02"))

	assert.Equal(t, 2.0, testutil.ToFloat64(metrics.targetsTotal.WithLabelValues(OutcomeStaged, "")))
	assert.Equal(t, 1.0, testutil.ToFloat64(metrics.targetsTotal.WithLabelValues(OutcomeSkipped, staging.SkipNativeBounds)))
	assert.Equal(t, 2.0, testutil.ToFloat64(metrics.subjectsTotal.WithLabelValues("success")))
}

func TestRunnerSubjectFilter(t *testing.T) {
	out := t.TempDir()
	stager := &fakeStager{}
	targets := []Target{
		target("sub-01", "M1", 10, 0, 5),
		target("sub-02", "SMA", 1, 2, 3),
	}

	summary, err := newTestRunner(&fakePreparer{}, stager, nil, nil).Run(context.Background(), targets, Options{
		OutputDir: out,
		Subject:   "sub-02",
	})
	require.NoError(t, err)

	assert.Equal(t, filepath.Join(out, OutputDirName, "20261018-sub-02.csv"), summary.Records)
	assert.Equal(t, []string{"sub-02/SMA"}, stager.staged)
	assert.Len(t, readRows(t, summary.Records), 2)
}

func TestRunnerContinuesAfterSubjectFailure(t *testing.T) {
	out := t.TempDir()
	preparer := &fakePreparer{fail: map[string]error{
		"sub-01": tmserrors.New(errors.New("dcm2niix exited 1")).Category(tmserrors.CategoryCommandExecution).Build(),
	}}
	stager := &fakeStager{errs: map[string]error{"broken": errors.New("antsApplyTransforms failed")}}
	targets := []Target{
		target("sub-01", "M1", 10, 0, 5),
		target("sub-02", "broken", 1, 2, 3),
		target("sub-02", "never", 1, 2, 3),
		target("sub-03", "SMA", 1, 2, 3),
	}

	summary, err := newTestRunner(preparer, stager, nil, nil).Run(context.Background(), targets, Options{
		OutputDir: out,
		Workers:   1,
		Cleanup:   true,
	})
	require.NoError(t, err)

	assert.Equal(t, 1, summary.Staged)
	assert.Equal(t, 3, summary.Failed)
	assert.Equal(t, []string{"sub-02/broken", "sub-03/SMA"}, stager.staged)
}

func TestRunnerHaltsOnConfigurationError(t *testing.T) {
	out := t.TempDir()
	mismatch := tmserrors.New(atlas.ErrOutOfAtlas).Category(tmserrors.CategoryConfiguration).Build()
	stager := &fakeStager{errs: map[string]error{"M1": mismatch}}
	targets := []Target{
		target("sub-01", "M1", 10, 0, 5),
		target("sub-02", "SMA", 1, 2, 3),
		target("sub-03", "SMA", 1, 2, 3),
	}

	summary, err := newTestRunner(&fakePreparer{}, stager, nil, nil).Run(context.Background(), targets, Options{
		OutputDir: out,
		Workers:   1,
	})
	require.Error(t, err)
	assert.True(t, tmserrors.IsConfiguration(err))
	assert.ErrorIs(t, err, atlas.ErrOutOfAtlas)

	assert.Equal(t, []string{"sub-01/M1"}, stager.staged)
	assert.Zero(t, summary.Staged)
	assert.Len(t, readRows(t, summary.Records), 1)
}

func TestRunnerNoTargets(t *testing.T) {
	summary, err := newTestRunner(&fakePreparer{}, &fakeStager{}, nil, nil).Run(context.Background(), nil, Options{OutputDir: t.TempDir()})
	require.NoError(t, err)
	assert.Zero(t, summary.Subjects)
	assert.Equal(t, [][]string{Header}, readRows(t, summary.Records))
}

func TestMetricsTextfile(t *testing.T) {
	m, err := NewMetrics(prometheus.NewRegistry())
	require.NoError(t, err)

	m.RecordTarget(OutcomeStaged, "")
	m.ObserveRegistration(90 * time.Second)
	m.RecordSubject(errors.New("boom"), time.Minute)

	path := filepath.Join(t.TempDir(), "tms2mni.prom")
	require.NoError(t, m.WriteTextfile(path))

	data, err := os.ReadFile(path)
	require.NoError(t, err)
	text := string(data)
	assert.Contains(t, text, `tms2mni_targets_total{outcome="staged"`)
	assert.Contains(t, text, `tms2mni_subjects_total{status="error"} 1`)
	assert.Contains(t, text, "tms2mni_registration_duration_seconds_count 1")

	_, err = NewMetrics(m.registry)
	assert.Error(t, err, "registering twice must fail")
}

type countingConverter struct {
	mu    sync.Mutex
	calls int
}

func (c *countingConverter) Convert(ctx context.Context, subjectID, sourceDir, outputDir string) (string, error) {
	c.mu.Lock()
	c.calls++
	c.mu.Unlock()
	return filepath.Join(outputDir, conversion.AnatomicalName(subjectID)), nil
}

func TestRunnerSharesConversionCacheAcrossTables(t *testing.T) {
	src := t.TempDir()
	vol := &models.Volume{
		Width: 2, Height: 2, Depth: 2,
		Data:     make([]float64, 8),
		Datatype: models.DatatypeUint8,
		Geometry: models.Geometry{
			Affine:  [4][4]float64{{1, 0, 0, 0}, {0, 1, 0, 0}, {0, 0, 1, 0}, {0, 0, 0, 1}},
			Spacing: [3]float64{1, 1, 1},
		},
	}
	require.NoError(t, nifti.Write(filepath.Join(src, "anat.nii.gz"), vol))

	converter := &countingConverter{}
	cache := conversion.NewCache()
	preparer := conversion.NewPreparer(converter, cache, logger.Discard())
	runner := newTestRunner(preparer, &fakeStager{}, nil, nil)

	subject := models.Subject{ID: "sub-01", SourceDir: src}
	tables := [][]Target{
		{{Subject: subject, RawTarget: models.RawTarget{X: 1, Y: 1, Z: 1, Label: "M1"}}},
		{{Subject: subject, RawTarget: models.RawTarget{X: 2, Y: 2, Z: 2, Label: "SMA"}}},
	}

	out := t.TempDir()
	for _, targets := range tables {
		summary, err := runner.Run(context.Background(), targets, Options{OutputDir: out})
		require.NoError(t, err)
		assert.Equal(t, 1, summary.Staged)
	}

	assert.Equal(t, 1, converter.calls)
	assert.Equal(t, 1, cache.Len())
	assert.FileExists(t, filepath.Join(out, OutputDirName, "sub-01", "sub-01_T1w.nii.gz"))
}
