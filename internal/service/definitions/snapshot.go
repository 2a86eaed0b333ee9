// Package definitions serves immutable snapshots of the integration
// definitions to the poll scheduler and resolver. Definitions change
// rarely (admin edits in the web backend) and are reloaded on TTL expiry
// instead of being mutated in place.
package definitions

import (
	"errors"
	"time"

	"github.com/google/uuid"
	"github.com/jellydator/ttlcache/v3"

	"widget-datacache/internal/models"
	"widget-datacache/internal/repository"
)

const snapshotTTL = 30 * time.Second

type definitionValue struct {
	def *models.IntegrationDefinition
	err error
}

type activeValue struct {
	defs []*models.IntegrationDefinition
	err  error
}

type Snapshot struct {
	repo    repository.DefinitionRepository
	byID    *ttlcache.Cache[uuid.UUID, definitionValue]
	active  *ttlcache.Cache[string, activeValue]
	byPath  *ttlcache.Cache[string, definitionValue]
	started bool
}

func NewSnapshot(repo repository.DefinitionRepository) *Snapshot {
	s := &Snapshot{
		repo: repo,
		byID: ttlcache.New[uuid.UUID, definitionValue](
			ttlcache.WithTTL[uuid.UUID, definitionValue](snapshotTTL),
			ttlcache.WithDisableTouchOnHit[uuid.UUID, definitionValue](),
		),
		active: ttlcache.New[string, activeValue](
			ttlcache.WithTTL[string, activeValue](snapshotTTL),
			ttlcache.WithDisableTouchOnHit[string, activeValue](),
		),
		byPath: ttlcache.New[string, definitionValue](
			ttlcache.WithTTL[string, definitionValue](snapshotTTL),
			ttlcache.WithDisableTouchOnHit[string, definitionValue](),
		),
	}

	go s.byID.Start()
	go s.active.Start()
	go s.byPath.Start()
	s.started = true

	return s
}

// Get returns the definition for one integration id from the snapshot.
func (s *Snapshot) Get(id uuid.UUID) (*models.IntegrationDefinition, error) {
	loader := ttlcache.LoaderFunc[uuid.UUID, definitionValue](
		func(cache *ttlcache.Cache[uuid.UUID, definitionValue], key uuid.UUID) *ttlcache.Item[uuid.UUID, definitionValue] {
			def, err := s.repo.GetDefinition(key)
			return cache.Set(key, definitionValue{def: def, err: err}, ttlcache.DefaultTTL)
		},
	)
	item := s.byID.Get(id, ttlcache.WithLoader[uuid.UUID, definitionValue](loader))
	if item == nil {
		return nil, errors.New("failed to load integration definition snapshot")
	}
	return item.Value().def, item.Value().err
}

// GetByWebhookPath resolves a push-mode definition from its webhook path.
func (s *Snapshot) GetByWebhookPath(path string) (*models.IntegrationDefinition, error) {
	loader := ttlcache.LoaderFunc[string, definitionValue](
		func(cache *ttlcache.Cache[string, definitionValue], key string) *ttlcache.Item[string, definitionValue] {
			def, err := s.repo.GetDefinitionByWebhookPath(key)
			return cache.Set(key, definitionValue{def: def, err: err}, ttlcache.DefaultTTL)
		},
	)
	item := s.byPath.Get(path, ttlcache.WithLoader[string, definitionValue](loader))
	if item == nil {
		return nil, errors.New("failed to load integration definition snapshot")
	}
	return item.Value().def, item.Value().err
}

// Active returns the active definitions snapshot.
func (s *Snapshot) Active() ([]*models.IntegrationDefinition, error) {
	loader := ttlcache.LoaderFunc[string, activeValue](
		func(cache *ttlcache.Cache[string, activeValue], key string) *ttlcache.Item[string, activeValue] {
			defs, err := s.repo.ListActiveDefinitions()
			return cache.Set(key, activeValue{defs: defs, err: err}, ttlcache.DefaultTTL)
		},
	)
	item := s.active.Get("active", ttlcache.WithLoader[string, activeValue](loader))
	if item == nil {
		return nil, errors.New("failed to load active definitions snapshot")
	}
	return item.Value().defs, item.Value().err
}

// Invalidate drops all cached snapshots so the next read reloads from
// the repository.
func (s *Snapshot) Invalidate() {
	s.byID.DeleteAll()
	s.active.DeleteAll()
	s.byPath.DeleteAll()
}

// Stop terminates the expiry loops.
func (s *Snapshot) Stop() {
	if !s.started {
		return
	}
	s.byID.Stop()
	s.active.Stop()
	s.byPath.Stop()
}
