package reap

import (
	"github.com/spf13/cobra"

	"widget-datacache/internal/config"
	"widget-datacache/internal/core"
	"widget-datacache/pkg/log"
)

var ReapCmd = &cobra.Command{
	Use:   "reap",
	Short: "Run stale entry reaper sweeps",
}

var onceCmd = &cobra.Command{
	Use:     "once",
	Short:   "Run one reaper sweep and exit",
	Long:    `Delete cache entries unused for longer than the retention window, unless a live widget configuration still references them.`,
	Example: `widget-datacache reap once --config /path/to/config.yaml`,
	Run:     runOnce,
}

func init() {
	ReapCmd.AddCommand(onceCmd)
}

func runOnce(cmd *cobra.Command, _ []string) {
	logger := log.Logger.With().Str("component", "reap-once").Logger()
	logger.Info().Msg("Starting one-time reaper sweep")

	appConfig, err := config.NewConfig()
	if err != nil {
		logger.Error().Err(err).Msg("Error creating config")
		return
	}
	log.Init(appConfig.ID, appConfig.LogLevel)

	wiring := core.NewWiring(appConfig)
	ctx := cmd.Context()

	sweeper := wiring.InitReaper()
	result, err := sweeper.Sweep(ctx)
	if err != nil {
		logger.Error().Err(err).Msg("Error during reaper sweep")
		return
	}

	logger.Info().
		Int("scanned", result.Scanned).
		Int("deleted", result.Deleted).
		Int("retained", result.Retained).
		Int("failed", result.Failed).
		Dur("duration", result.Duration).
		Msg("One-time reaper sweep completed")
}
