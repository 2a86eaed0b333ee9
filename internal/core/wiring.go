package core

import (
	"os"
	"sync"

	"github.com/rs/zerolog"

	"widget-datacache/internal/api"
	"widget-datacache/internal/cache"
	"widget-datacache/internal/config"
	"widget-datacache/internal/credentials"
	"widget-datacache/internal/fetcher"
	"widget-datacache/internal/keylock"
	"widget-datacache/internal/notify"
	repo "widget-datacache/internal/repository"
	psqlRepo "widget-datacache/internal/repository/postgres"
	"widget-datacache/internal/service/definitions"
	"widget-datacache/internal/service/poller"
	"widget-datacache/internal/service/reaper"
	"widget-datacache/pkg/db"
	"widget-datacache/pkg/db/migrations"
	"widget-datacache/pkg/log"
)

// Wiring builds the object graph for the commands. Each Init* method is
// memoized so the commands can ask for what they need without caring
// about construction order.
type Wiring struct {
	config *config.Config
	logger zerolog.Logger

	datastoreOnce sync.Once
	datastore     *db.PostgresDatastore

	locksOnce sync.Once
	locks     *keylock.Registry

	credStoreOnce sync.Once
	credStore     credentials.Store

	snapshotOnce sync.Once
	snapshot     *definitions.Snapshot
}

func NewWiring(cfg *config.Config) *Wiring {
	return &Wiring{
		config: cfg,
		logger: log.Logger.With().Str("component", "wiring").Logger(),
	}
}

func (w *Wiring) GetConfig() *config.Config {
	return w.config
}

func (w *Wiring) InitPostgresDataStore() *db.PostgresDatastore {
	w.datastoreOnce.Do(func() {
		var err error
		w.datastore, err = db.NewPostgresDatastore(&w.config.Postgres, migrations.NewPostgresMigration())
		if err != nil {
			w.logger.Error().Err(err).Msg("Failed to create Postgres datastore")
			os.Exit(-1)
		}
	})
	return w.datastore
}

func (w *Wiring) InitEntryRepository() repo.EntryRepository {
	return psqlRepo.NewPsqlEntryRepository(w.InitPostgresDataStore())
}

func (w *Wiring) InitDefinitionRepository() repo.DefinitionRepository {
	return psqlRepo.NewPsqlDefinitionRepository(w.InitPostgresDataStore())
}

func (w *Wiring) InitWidgetConfigRepository() repo.WidgetConfigRepository {
	return psqlRepo.NewPsqlWidgetConfigRepository(w.InitPostgresDataStore())
}

func (w *Wiring) InitKeyLockRegistry() *keylock.Registry {
	w.locksOnce.Do(func() {
		w.locks = keylock.NewRegistry()
	})
	return w.locks
}

func (w *Wiring) InitCredentialStore() credentials.Store {
	w.credStoreOnce.Do(func() {
		store, err := credentials.NewVaultStore(&w.config.Vault, w.InitKeyLockRegistry())
		if err != nil {
			w.logger.Error().Err(err).Msg("Failed to create Vault credential store")
			os.Exit(-1)
		}
		w.credStore = store
	})
	return w.credStore
}

func (w *Wiring) InitDefinitionSnapshot() *definitions.Snapshot {
	w.snapshotOnce.Do(func() {
		w.snapshot = definitions.NewSnapshot(w.InitDefinitionRepository())
	})
	return w.snapshot
}

func (w *Wiring) InitFetcher() fetcher.Fetcher {
	return fetcher.NewHTTPFetcher(nil)
}

func (w *Wiring) InitDataCache() *cache.DataCache {
	return cache.NewDataCache(
		w.InitEntryRepository(),
		w.InitDefinitionRepository(),
		w.InitCredentialStore(),
		notify.NewLogNotifier(),
		w.InitKeyLockRegistry(),
		&w.config.Poller,
	)
}

func (w *Wiring) InitPollScheduler() *poller.PollScheduler {
	return poller.NewPollScheduler(
		w.InitDataCache(),
		w.InitDefinitionSnapshot(),
		w.InitWidgetConfigRepository(),
		w.InitFetcher(),
		w.config.Poller.Concurrency,
	)
}

func (w *Wiring) InitReaper() *reaper.Reaper {
	return reaper.NewReaper(
		w.InitEntryRepository(),
		w.InitWidgetConfigRepository(),
		w.InitDefinitionSnapshot(),
		w.config.Reaper.Retention(),
	)
}

func (w *Wiring) InitAPIServer() *api.Server {
	return api.NewServer(
		w.config.API.ListenAddress,
		w.InitDataCache(),
		w.InitDefinitionSnapshot(),
		w.InitWidgetConfigRepository(),
		w.InitPollScheduler(),
	)
}
