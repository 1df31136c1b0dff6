package main

import (
	"fmt"
	"os"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/spf13/cobra"

	"tms2mni/internal/logger"
	"tms2mni/pkg/atlas"
	"tms2mni/pkg/batch"
	"tms2mni/pkg/config"
	"tms2mni/pkg/conversion"
	"tms2mni/pkg/registration"
	"tms2mni/pkg/staging"
	"tms2mni/pkg/visualization"
)

type runFlags struct {
	csv       []string
	outputDir string
	subject   string
	workers   int
	radius    float64
	verbose   bool
	saveQA    bool
	noCleanup bool
}

func runCommand() *cobra.Command {
	var flags runFlags

	cmd := &cobra.Command{
		Use:   "run",
		Short: "Stage every target of a target table",
		Long: `Reads a target table (subject, x, y, z, label, source directory; the first
row is a header), prepares each subject's anatomical volume, stages every target
into MNI space and appends the results to a dated CSV file.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			configPath, _ := cmd.Flags().GetString("config")
			cfg, err := config.LoadConfig(configPath)
			if err != nil {
				return err
			}
			applyFlags(cmd, cfg, flags)
			if err := cfg.Validate(); err != nil {
				return err
			}
			return run(cmd, cfg, flags)
		},
	}

	cmd.Flags().StringSliceVar(&flags.csv, "csv", nil, "Path to a target table (repeatable; tables share one conversion cache)")
	cmd.Flags().StringVarP(&flags.outputDir, "output-directory", "o", "", "Directory to store the output data")
	cmd.Flags().StringVarP(&flags.subject, "subject", "s", "", "Process only the specified subject ID")
	cmd.Flags().IntVarP(&flags.workers, "workers", "w", 0, "Number of subjects processed concurrently")
	cmd.Flags().Float64Var(&flags.radius, "radius", 0, "Sphere radius in voxels")
	cmd.Flags().BoolVarP(&flags.verbose, "verbose", "v", false, "Enable debug logging")
	cmd.Flags().BoolVar(&flags.saveQA, "save-qa", false, "Write orthogonal QA slices for every staged target")
	cmd.Flags().BoolVar(&flags.noCleanup, "keep-intermediate", false, "Keep tmp-marked intermediate files")
	_ = cmd.MarkFlagRequired("csv")
	_ = cmd.MarkFlagRequired("output-directory")

	return cmd
}

// applyFlags lets explicitly set flags override the configuration file
func applyFlags(cmd *cobra.Command, cfg *config.Config, flags runFlags) {
	if cmd.Flags().Changed("workers") {
		cfg.Batch.Workers = flags.workers
	}
	if cmd.Flags().Changed("radius") {
		cfg.Staging.SphereRadius = flags.radius
	}
	if cmd.Flags().Changed("verbose") {
		cfg.Output.Verbose = flags.verbose
	}
	if cmd.Flags().Changed("save-qa") {
		cfg.Output.SaveQA = flags.saveQA
	}
	if cmd.Flags().Changed("keep-intermediate") {
		cfg.Batch.Cleanup = !flags.noCleanup
	}
}

func run(cmd *cobra.Command, cfg *config.Config, flags runFlags) error {
	level := logger.LogLevelInfo
	if cfg.Output.Verbose {
		level = logger.LogLevelDebug
	}
	log := logger.NewSlogLogger(os.Stderr, level, cfg.Output.LogFormat)

	interp, err := registration.ParseInterpolation(cfg.Registration.Interpolation)
	if err != nil {
		return err
	}

	resolver, err := atlas.Load(cfg.Paths.Atlas, cfg.Paths.AtlasLabels)
	if err != nil {
		return err
	}
	log.Info("atlas loaded",
		logger.String("atlas", cfg.Paths.Atlas),
		logger.Any("shape", resolver.Shape()))

	metrics, err := batch.NewMetrics(prometheus.NewRegistry())
	if err != nil {
		return err
	}

	ants := registration.NewANTs(cfg.Paths.ANTsRegistration, cfg.Paths.ANTsApplyTransforms,
		cfg.Registration.Threads, cfg.Registration.Timeout, log)
	stager := registration.NewStager(ants, cfg.Staging.SphereRadius, interp, cfg.Registration.ReuseTransform, log)
	stager.OnRegister = metrics.ObserveRegistration

	pipeline := staging.NewPipeline(
		staging.NewNativeStager(cfg.Staging.SphereRadius, log),
		stager,
		resolver,
		cfg.Paths.Template,
		log)

	preparer := conversion.NewPreparer(
		conversion.NewDcm2niix(cfg.Paths.Dcm2niix, cfg.Batch.ConversionTimeout, log),
		conversion.NewCache(),
		log)

	var qa batch.QAWriter
	if cfg.Output.SaveQA {
		qa = visualization.NewQA(cfg.Paths.Template)
	}

	out := cmd.OutOrStdout()
	fmt.Fprintln(out, "================================")
	fmt.Fprintln(out, "TMS TARGET TO MNI ATLAS STAGING")
	fmt.Fprintln(out, "================================")

	start := time.Now()
	runner := batch.NewRunner(preparer, pipeline, qa, metrics, log)
	var summary batch.Summary
	var runErr error
	for _, table := range flags.csv {
		targets, err := batch.ReadTargets(table, log)
		if err != nil {
			runErr = err
			break
		}

		tableSummary, err := runner.Run(cmd.Context(), targets, batch.Options{
			OutputDir: flags.outputDir,
			Subject:   flags.subject,
			Workers:   cfg.Batch.Workers,
			Cleanup:   cfg.Batch.Cleanup,
		})
		fmt.Fprintf(out, "Table %s: run %s\n", table, tableSummary.RunID)
		summary.Records = tableSummary.Records
		summary.Subjects += tableSummary.Subjects
		summary.Staged += tableSummary.Staged
		summary.Skipped += tableSummary.Skipped
		summary.Failed += tableSummary.Failed
		if err != nil {
			runErr = err
			break
		}
	}

	if cfg.Output.MetricsFile != "" {
		if err := metrics.WriteTextfile(cfg.Output.MetricsFile); err != nil {
			log.Warn("failed to write metrics", logger.String("path", cfg.Output.MetricsFile), logger.Error(err))
		}
	}

	fmt.Fprintf(out, "\nFinished in %.2f seconds\n", time.Since(start).Seconds())
	fmt.Fprintf(out, "- Subjects: %d\n", summary.Subjects)
	fmt.Fprintf(out, "- Targets staged: %d\n", summary.Staged)
	fmt.Fprintf(out, "- Targets skipped: %d\n", summary.Skipped)
	fmt.Fprintf(out, "- Targets failed: %d\n", summary.Failed)
	if summary.Records != "" {
		fmt.Fprintf(out, "Records appended to: %s\n", summary.Records)
	}

	return runErr
}
