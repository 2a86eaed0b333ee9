// Package cache implements the integration data cache: a keyed store of
// fetched payloads with version counters and refresh tracking, guarded by
// per-key locks so at most one fetch per cache line is ever in flight.
package cache

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"widget-datacache/internal/config"
	"widget-datacache/internal/credentials"
	"widget-datacache/internal/fetcher"
	"widget-datacache/internal/keylock"
	"widget-datacache/internal/models"
	"widget-datacache/internal/notify"
	"widget-datacache/internal/repository"
	"widget-datacache/pkg/converter"
	"widget-datacache/pkg/log"
)

// backoffFloor bounds how aggressively a failed entry may be retried.
const backoffFloor = 5 * time.Second

// FetchFunc performs the third-party call for one refresh. The cache
// hands it the stored credentials and a ctx bounded by the fetch timeout.
type FetchFunc func(ctx context.Context, creds *models.CredentialRecord) (*fetcher.Result, error)

type DataCache struct {
	entries     repository.EntryRepository
	definitions repository.DefinitionRepository
	credStore   credentials.Store
	notifier    notify.Notifier
	locks       *keylock.Registry

	fetchTimeout           time.Duration
	lockWait               time.Duration
	backoffDivisor         int
	maxConsecutiveFailures int

	now    func() time.Time
	logger zerolog.Logger
}

// NewDataCache assembles the cache around its collaborators. The
// credential store is required; a nil notifier disables update
// notifications.
func NewDataCache(
	entries repository.EntryRepository,
	definitions repository.DefinitionRepository,
	credStore credentials.Store,
	notifier notify.Notifier,
	locks *keylock.Registry,
	cfg *config.Poller,
) *DataCache {
	return &DataCache{
		entries:                entries,
		definitions:            definitions,
		credStore:              credStore,
		notifier:               notifier,
		locks:                  locks,
		fetchTimeout:           cfg.FetchTimeout(),
		lockWait:               cfg.LockWait(),
		backoffDivisor:         cfg.BackoffDivisor,
		maxConsecutiveFailures: cfg.MaxConsecutiveFailures,
		now:                    time.Now,
		logger:                 log.Logger.With().Str("component", "data_cache").Logger(),
	}
}

// Get returns the most recently committed entry for a cache line. It
// never waits on an in-flight fetch; readers see the previous value until
// the fetch commits.
func (c *DataCache) Get(integrationID uuid.UUID, discriminatorID string) (*models.IntegrationDataEntry, error) {
	return c.entries.GetEntry(integrationID, discriminatorID)
}

// NeedsRefresh reports whether a cache line is due. A nil entry counts as
// missing and always needs a fetch.
func (c *DataCache) NeedsRefresh(entry *models.IntegrationDataEntry, now time.Time) bool {
	return entry.NeedsRefresh(now)
}

// Touch records that a live widget configuration read the entry, keeping
// it out of the reaper's retention window.
func (c *DataCache) Touch(integrationID uuid.UUID, discriminatorID string) error {
	return c.entries.TouchEntry(integrationID, discriminatorID, c.now())
}

// FetchAndStore refreshes one cache line with single-flight semantics.
//
// The per-key lock serializes fetches for the same (integration,
// discriminator). A caller that finds the line already refreshed while it
// waited reads the committed result instead of re-fetching. A caller that
// gives up waiting falls back to the last committed entry rather than
// failing.
//
// Fetch failures are absorbed into the entry (status=error, shortened
// refresh_at); only lock and persistence problems surface as errors.
func (c *DataCache) FetchAndStore(
	ctx context.Context,
	def *models.IntegrationDefinition,
	organizationID uuid.UUID,
	discriminatorID string,
	credScope models.CredentialScopeKey,
	fetchFn FetchFunc,
) (*models.IntegrationDataEntry, error) {
	return c.store(ctx, def, organizationID, discriminatorID, credScope, fetchFn, false)
}

// StorePushed commits a pushed payload as a new version of the cache
// line, under the same per-key lock that serializes pulls. Every
// delivery is authoritative: unlike a pull, a push is never deduped
// against a fresh entry, so back-to-back webhooks each bump the version.
func (c *DataCache) StorePushed(
	ctx context.Context,
	def *models.IntegrationDefinition,
	organizationID uuid.UUID,
	discriminatorID string,
	payload map[string]interface{},
) (*models.IntegrationDataEntry, error) {
	fetchFn := func(_ context.Context, _ *models.CredentialRecord) (*fetcher.Result, error) {
		return &fetcher.Result{Data: payload}, nil
	}
	return c.store(ctx, def, organizationID, discriminatorID, models.CredentialScopeKey{}, fetchFn, true)
}

func (c *DataCache) store(
	ctx context.Context,
	def *models.IntegrationDefinition,
	organizationID uuid.UUID,
	discriminatorID string,
	credScope models.CredentialScopeKey,
	fetchFn FetchFunc,
	push bool,
) (*models.IntegrationDataEntry, error) {
	action := "fetch_and_store"
	if push {
		action = "store_pushed"
	}
	logger := c.logger.With().
		Str("action", action).
		Str("integration_id", def.ID.String()).
		Str("discriminator_id", discriminatorID).
		Logger()

	waitStart := c.now()
	key := lockKey(def.ID, discriminatorID)

	lockCtx, cancel := context.WithTimeout(ctx, c.lockWait)
	defer cancel()

	release, err := c.locks.Acquire(lockCtx, key)
	if err != nil {
		// LockTimeout: serve the last known good entry, possibly stale.
		entry, getErr := c.entries.GetEntry(def.ID, discriminatorID)
		if getErr == nil {
			logger.Warn().Err(err).Msg("Gave up waiting for in-flight fetch, serving last committed entry")
			return entry, nil
		}
		return nil, fmt.Errorf("timed out waiting for in-flight fetch: %w", err)
	}
	defer release()

	prev, err := c.entries.GetEntry(def.ID, discriminatorID)
	if err != nil && !errors.Is(err, repository.ErrEntryNotFound) {
		return nil, err
	}

	// Single-flight dedup applies to pulls only: a pull that finds the
	// line committed while it waited for the lock, or simply no longer
	// due, reads the committed result instead of fetching again. A push
	// carries its own data and always commits.
	if !push && prev != nil && (!prev.FetchedAt.Before(waitStart) || !prev.NeedsRefresh(c.now())) {
		logger.Debug().Int64("version", prev.Version).Msg("Entry already refreshed by concurrent caller")
		return prev, nil
	}

	var creds *models.CredentialRecord
	if !push {
		creds, err = c.loadCredentials(ctx, credScope, def.ID)
		if err != nil {
			return nil, err
		}
	}

	fetchCtx, cancelFetch := context.WithTimeout(ctx, c.fetchTimeout)
	defer cancelFetch()

	result, fetchErr := fetchFn(fetchCtx, creds)

	if c.definitionDisabled(def.ID) {
		// The integration was deactivated mid-flight; discard the result
		// instead of committing data nobody should be serving.
		logger.Info().Msg("Integration deactivated during fetch, discarding result")
		result = nil
		fetchErr = errors.New("integration disabled")
	}

	now := c.now()
	entry := c.buildEntry(prev, def, organizationID, discriminatorID, now)

	if fetchErr != nil {
		c.applyFailure(entry, def, fetchErr, now)
		// A rotation can succeed even when the fetch after it fails;
		// the re-issued bundle must be kept or every later fetch runs
		// on dead credentials.
		c.persistRotatedCredentials(ctx, credScope, def.ID, creds, fetcher.RotatedCredentials(fetchErr))
		logger.Warn().Err(fetchErr).
			Int("failure_count", entry.FailureCount).
			Time("refresh_at", entry.RefreshAt).
			Msg("Fetch failed, backing off")
	} else {
		c.applySuccess(entry, def, result, now)
		if result != nil {
			c.persistRotatedCredentials(ctx, credScope, def.ID, creds, result.UpdatedCredentials)
		}
	}

	if upsertErr := c.entries.UpsertEntry(entry); upsertErr != nil {
		// The lock is still released by the deferred call; the next poll
		// cycle retries.
		logger.Error().Err(upsertErr).Msg("Failed to persist cache entry")
		return nil, upsertErr
	}

	if fetchErr == nil && c.notifier != nil {
		c.notifier.EntryUpdated(entry.IntegrationID, entry.DiscriminatorID, entry.Version)
	}

	return entry, nil
}

func (c *DataCache) buildEntry(
	prev *models.IntegrationDataEntry,
	def *models.IntegrationDefinition,
	organizationID uuid.UUID,
	discriminatorID string,
	now time.Time,
) *models.IntegrationDataEntry {
	if prev != nil {
		return prev
	}
	return &models.IntegrationDataEntry{
		IntegrationID:   def.ID,
		OrganizationID:  organizationID,
		DiscriminatorID: discriminatorID,
		Payload:         map[string]interface{}{},
		Version:         0,
		LastUsedAt:      now,
		Status:          models.EntryStatusPending,
	}
}

func (c *DataCache) applySuccess(
	entry *models.IntegrationDataEntry,
	def *models.IntegrationDefinition,
	result *fetcher.Result,
	now time.Time,
) {
	entry.Version++
	// The fetcher's map stays with the fetcher; committing a copy keeps
	// later caller mutations out of the cache line.
	entry.Payload = converter.DeepCopy(result.Data)
	entry.FetchedAt = now
	entry.RefreshAt = now.Add(def.PullInterval())
	entry.Status = models.EntryStatusOK
	entry.ErrorMessage = nil
	entry.FailureCount = 0
}

func (c *DataCache) applyFailure(
	entry *models.IntegrationDataEntry,
	def *models.IntegrationDefinition,
	fetchErr error,
	now time.Time,
) {
	message := fetchErr.Error()
	entry.Status = models.EntryStatusError
	entry.ErrorMessage = &message
	entry.FailureCount++
	entry.FetchedAt = now
	entry.RefreshAt = now.Add(c.backoffInterval(def, entry.FailureCount))
}

// backoffInterval is the shortened retry interval after a failure: a
// fixed fraction of the normal interval, floored so a short interval does
// not turn into a tight loop, and never longer than the normal interval.
// Past the consecutive-failure cap the entry falls back to the normal
// schedule so a permanently broken integration is not hammered.
func (c *DataCache) backoffInterval(def *models.IntegrationDefinition, failureCount int) time.Duration {
	interval := def.PullInterval()
	if failureCount >= c.maxConsecutiveFailures {
		return interval
	}

	backoffed := interval / time.Duration(c.backoffDivisor)
	if backoffed < backoffFloor {
		backoffed = backoffFloor
	}
	if backoffed > interval {
		backoffed = interval
	}
	return backoffed
}

func (c *DataCache) loadCredentials(
	ctx context.Context,
	scope models.CredentialScopeKey,
	integrationID uuid.UUID,
) (*models.CredentialRecord, error) {
	creds, err := c.credStore.Get(ctx, scope, integrationID)
	if errors.Is(err, credentials.ErrCredentialsNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to load credentials for scope %s: %w", scope, err)
	}
	return creds, nil
}

func (c *DataCache) persistRotatedCredentials(
	ctx context.Context,
	scope models.CredentialScopeKey,
	integrationID uuid.UUID,
	previous *models.CredentialRecord,
	rotated *models.CredentialRecord,
) {
	if rotated == nil || rotated.Equal(previous) {
		return
	}

	rotated.Scope = scope
	rotated.IntegrationID = integrationID

	// A failed credential write must not lose the fetched payload; the
	// next auth failure triggers another refresh.
	if err := c.credStore.Put(ctx, rotated); err != nil {
		c.logger.Error().Err(err).
			Str("scope", scope.String()).
			Str("integration_id", integrationID.String()).
			Msg("Failed to persist rotated credentials")
	}
}

func (c *DataCache) definitionDisabled(integrationID uuid.UUID) bool {
	if c.definitions == nil {
		return false
	}

	def, err := c.definitions.GetDefinition(integrationID)
	if errors.Is(err, repository.ErrDefinitionNotFound) {
		return true
	}
	if err != nil {
		// On a read failure assume the definition is still active rather
		// than discarding a good fetch.
		return false
	}
	return !def.Active
}

func lockKey(integrationID uuid.UUID, discriminatorID string) string {
	return "entry/" + integrationID.String() + "/" + discriminatorID
}
