package registration

import (
	"bytes"
	"context"
	"fmt"
	"os"
	"os/exec"
	"strconv"
	"strings"
	"time"

	"tms2mni/internal/errors"
	"tms2mni/internal/logger"
)

// commandRunner executes an external program and returns its combined stderr on failure
type commandRunner func(ctx context.Context, name string, args ...string) error

// ANTs drives antsRegistrationSyNQuick.sh (SyN) and antsApplyTransforms
type ANTs struct {
	registrationCmd string
	applyCmd        string
	threads         int
	timeout         time.Duration
	logger          logger.Logger
	run             commandRunner
}

// NewANTs creates a registrar invoking the given executables. Every call is
// bounded by timeout.
func NewANTs(registrationCmd, applyCmd string, threads int, timeout time.Duration, log logger.Logger) *ANTs {
	a := &ANTs{
		registrationCmd: registrationCmd,
		applyCmd:        applyCmd,
		threads:         threads,
		timeout:         timeout,
		logger:          log.Module("ants"),
	}
	a.run = a.exec
	return a
}

// Register runs SyN registration of moving onto fixed
func (a *ANTs) Register(ctx context.Context, fixed, moving, prefix string) (Transform, error) {
	args := []string{
		"-d", "3",
		"-f", fixed,
		"-m", moving,
		"-o", prefix,
		"-t", "s",
	}
	if a.threads > 0 {
		args = append(args, "-n", strconv.Itoa(a.threads))
	}

	if err := a.run(ctx, a.registrationCmd, args...); err != nil {
		return Transform{}, err
	}

	// antsApplyTransforms applies the list last to first: warp, then affine
	t := Transform{
		Fixed:  fixed,
		Moving: moving,
		Paths:  []string{prefix + "1Warp.nii.gz", prefix + "0GenericAffine.mat"},
	}
	for _, p := range t.Paths {
		if _, err := os.Stat(p); err != nil {
			return Transform{}, errors.New(fmt.Errorf("registration produced no transform %s: %w", p, err)).
				Component("registration").
				Category(errors.CategoryRegistration).
				Build()
		}
	}
	return t, nil
}

// Apply resamples moving into the fixed grid
func (a *ANTs) Apply(ctx context.Context, fixed, moving, output string, t Transform, interp Interpolation) error {
	args := []string{
		"-d", "3",
		"-i", moving,
		"-r", fixed,
		"-o", output,
		"-n", string(interp),
	}
	for _, p := range t.Paths {
		args = append(args, "-t", p)
	}

	if err := a.run(ctx, a.applyCmd, args...); err != nil {
		return err
	}
	if _, err := os.Stat(output); err != nil {
		return errors.New(fmt.Errorf("resampling produced no output: %w", err)).
			Component("registration").
			Category(errors.CategoryRegistration).
			Context("output", output).
			Build()
	}
	return nil
}

func (a *ANTs) exec(ctx context.Context, name string, args ...string) error {
	ctx, cancel := context.WithTimeout(ctx, a.timeout)
	defer cancel()

	a.logger.Debug("running command", logger.String("command", name), logger.String("args", strings.Join(args, " ")))
	start := time.Now()

	var stderr bytes.Buffer
	cmd := exec.CommandContext(ctx, name, args...)
	cmd.Stderr = &stderr

	err := cmd.Run()
	if ctx.Err() == context.DeadlineExceeded {
		return errors.New(fmt.Errorf("%s timed out after %s", name, a.timeout)).
			Component("registration").
			Category(errors.CategoryTimeout).
			Build()
	}
	if err != nil {
		return errors.New(fmt.Errorf("%s failed: %w", name, err)).
			Component("registration").
			Category(errors.CategoryCommandExecution).
			Context("stderr", tail(stderr.String(), 512)).
			Build()
	}

	a.logger.Debug("command finished", logger.String("command", name), logger.Duration("elapsed", time.Since(start)))
	return nil
}

// tail returns at most n trailing bytes of s
func tail(s string, n int) string {
	s = strings.TrimSpace(s)
	if len(s) <= n {
		return s
	}
	return "..." + s[len(s)-n:]
}
