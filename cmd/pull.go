package cmd

import (
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"keyfeed/pkg/pull"
)

var (
	pullPeriods    uint32
	pullFirstIndex uint32
)

var pullCmd = &cobra.Command{
	Use:   "pull",
	Short: "pull content keys and write a report",
	Long: `The pull command fetches content encryption keys as described by the
config file, either a single set of keys or a window of rotating crypto
periods, and writes them out as a JSON report.`,
	RunE: runPull,
}

func init() {
	rootCmd.AddCommand(pullCmd)
	pullCmd.PersistentFlags().StringVarP(
		&pull.ConfigFilePath,
		"config",
		"c",
		"./keyfeed.yaml",
		"Config file location, default is `keyfeed.yaml` in the current working directory.",
	)
	pullCmd.PersistentFlags().StringVar(
		&pull.OutputPath,
		"output-path",
		"",
		"Report file location, overrides output_path from the config file. The report goes to stdout when neither is set.",
	)
	pullCmd.PersistentFlags().Uint32VarP(
		&pullPeriods,
		"periods",
		"p",
		0,
		"Override the number of crypto periods to pull.",
	)
	pullCmd.PersistentFlags().Uint32Var(
		&pullFirstIndex,
		"first-index",
		0,
		"Override the first crypto period index to pull.",
	)
	pullCmd.PersistentFlags().BoolVarP(
		&pull.Prometheus,
		"enable-metrics",
		"m",
		false,
		"Enables Prometheus metrics server on the pull run (port: 8081).",
	)
}

func runPull(cmd *cobra.Command, args []string) error {
	data, err := os.ReadFile(pull.ConfigFilePath)
	if err != nil {
		return fmt.Errorf("reading config file: %w", err)
	}
	cfg, err := pull.ParseConfig(data)
	if err != nil {
		return fmt.Errorf("parsing config file: %w", err)
	}

	if cmd.Flags().Changed("periods") {
		cfg.Rotation.Periods = pullPeriods
	}
	if cmd.Flags().Changed("first-index") {
		cfg.Rotation.FirstIndex = pullFirstIndex
	}

	ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	return pull.Run(ctx, cfg)
}
