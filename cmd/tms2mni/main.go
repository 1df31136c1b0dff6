package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"
)

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := rootCommand().ExecuteContext(ctx); err != nil {
		fmt.Fprintln(os.Stderr, "Error:", err)
		stop()
		os.Exit(1)
	}
}

func rootCommand() *cobra.Command {
	rootCmd := &cobra.Command{
		Use:   "tms2mni",
		Short: "Locate TMS targets in a standardized brain atlas",
		Long: `tms2mni maps stimulation targets given in device coordinates onto each
subject's anatomical MRI, registers the subject into MNI template space and
reports the atlas region under every target and its left-right mirror.`,
		SilenceUsage: true,
	}

	rootCmd.PersistentFlags().StringP("config", "c", "", "Path to YAML configuration file")

	rootCmd.AddCommand(runCommand(), initConfigCommand())
	return rootCmd
}
