package serve

import (
	"context"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/go-co-op/gocron"
	"github.com/spf13/cobra"

	"widget-datacache/internal/config"
	"widget-datacache/internal/core"
	"widget-datacache/pkg/log"
)

const shutdownTimeout = 15 * time.Second

var ServeCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run the cache daemon",
	Long: `Run the full daemon: the HTTP API, the poll scheduler ticking on the
configured scan interval, and the nightly stale entry reaper.`,
	Example: `widget-datacache serve --config /path/to/config.yaml`,
	Run:     run,
}

func run(cmd *cobra.Command, _ []string) {
	logger := log.Logger.With().Str("component", "serve").Logger()

	appConfig, err := config.NewConfig()
	if err != nil {
		logger.Error().Err(err).Msg("Error creating config")
		return
	}
	log.Init(appConfig.ID, appConfig.LogLevel)

	wiring := core.NewWiring(appConfig)
	ctx, cancel := context.WithCancel(cmd.Context())
	defer cancel()

	datastore := wiring.InitPostgresDataStore()
	snapshot := wiring.InitDefinitionSnapshot()
	scheduler := wiring.InitPollScheduler()
	sweeper := wiring.InitReaper()
	apiServer := wiring.InitAPIServer()

	cron := gocron.NewScheduler(time.UTC)

	_, err = cron.Every(appConfig.Poller.ScanIntervalSeconds).Seconds().SingletonMode().Do(func() {
		if _, pollErr := scheduler.RunOnce(ctx); pollErr != nil {
			logger.Error().Err(pollErr).Msg("Poll pass failed")
		}
	})
	if err != nil {
		logger.Error().Err(err).Msg("Failed to schedule poll pass")
		return
	}

	_, err = cron.Cron(appConfig.Reaper.SweepCron).SingletonMode().Do(func() {
		if _, sweepErr := sweeper.Sweep(ctx); sweepErr != nil {
			logger.Error().Err(sweepErr).Msg("Reaper sweep failed")
		}
	})
	if err != nil {
		logger.Error().Err(err).Msg("Failed to schedule reaper sweep")
		return
	}

	cron.StartAsync()
	logger.Info().
		Int("scan_interval_seconds", appConfig.Poller.ScanIntervalSeconds).
		Str("sweep_cron", appConfig.Reaper.SweepCron).
		Msg("Schedulers started")

	serverErr := make(chan error, 1)
	go func() {
		serverErr <- apiServer.Start()
	}()

	stop := make(chan os.Signal, 1)
	signal.Notify(stop, syscall.SIGINT, syscall.SIGTERM)

	select {
	case sig := <-stop:
		logger.Info().Str("signal", sig.String()).Msg("Shutdown signal received")
	case err := <-serverErr:
		if err != nil {
			logger.Error().Err(err).Msg("API server failed")
		}
	}

	cancel()
	cron.Stop()

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer shutdownCancel()
	if err := apiServer.Shutdown(shutdownCtx); err != nil {
		logger.Error().Err(err).Msg("API server shutdown failed")
	}

	snapshot.Stop()
	if err := datastore.Close(); err != nil {
		logger.Error().Err(err).Msg("Failed to close datastore")
	}

	logger.Info().Msg("Daemon stopped")
}
