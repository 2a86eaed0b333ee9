package poll

import (
	"github.com/spf13/cobra"

	"widget-datacache/internal/config"
	"widget-datacache/internal/core"
	"widget-datacache/pkg/log"
)

var PollCmd = &cobra.Command{
	Use:   "poll",
	Short: "Run poll passes against the integration cache",
}

var onceCmd = &cobra.Command{
	Use:     "once",
	Short:   "Run one poll pass and exit",
	Long:    `Discover every cache line that is due, refresh all of them once, and exit.`,
	Example: `widget-datacache poll once --config /path/to/config.yaml`,
	Run:     runOnce,
}

func init() {
	PollCmd.AddCommand(onceCmd)
}

func runOnce(cmd *cobra.Command, _ []string) {
	logger := log.Logger.With().Str("component", "poll-once").Logger()
	logger.Info().Msg("Starting one-time poll pass")

	appConfig, err := config.NewConfig()
	if err != nil {
		logger.Error().Err(err).Msg("Error creating config")
		return
	}
	log.Init(appConfig.ID, appConfig.LogLevel)

	wiring := core.NewWiring(appConfig)
	ctx := cmd.Context()

	scheduler := wiring.InitPollScheduler()
	result, err := scheduler.RunOnce(ctx)
	if err != nil {
		logger.Error().Err(err).Msg("Error during poll pass")
		return
	}

	logger.Info().
		Int("discovered", result.Discovered).
		Int("refreshed", result.Refreshed).
		Int("failed", result.Failed).
		Int("skipped", result.Skipped).
		Int("deduped", result.Deduped).
		Dur("duration", result.Duration).
		Msg("One-time poll pass completed")
}
