package repository

import (
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	_ "github.com/jackc/pgx/v5/stdlib"
	"github.com/rs/zerolog"

	"widget-datacache/internal/models"
	"widget-datacache/internal/repository"
	postgres "widget-datacache/pkg/db"
	"widget-datacache/pkg/log"
)

type PsqlEntryRepository struct {
	psql *postgres.PostgresDatastore
}

func NewPsqlEntryRepository(psql *postgres.PostgresDatastore) *PsqlEntryRepository {
	return &PsqlEntryRepository{
		psql: psql,
	}
}

func (repo *PsqlEntryRepository) GetEntry(integrationID uuid.UUID, discriminatorID string) (*models.IntegrationDataEntry, error) {
	var entry models.IntegrationDataEntry
	query := `SELECT * FROM integration_data_entries WHERE integration_id = $1 AND discriminator_id = $2`

	err := repo.psql.DB.Get(&entry, query, integrationID, discriminatorID)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, repository.ErrEntryNotFound
	}
	if err != nil {
		repo.decorateLog(log.Logger.Error, integrationID, discriminatorID).Err(err).Msg("Failed to get cache entry")
		return nil, fmt.Errorf("failed to get cache entry: %w", err)
	}

	if err := decodePayload(&entry); err != nil {
		repo.decorateLog(log.Logger.Error, integrationID, discriminatorID).Err(err).Msg("Failed to decode cache entry payload")
		return nil, err
	}

	repo.decorateLog(log.Logger.Debug, integrationID, discriminatorID).Msg("Successfully retrieved cache entry")
	return &entry, nil
}

func (repo *PsqlEntryRepository) UpsertEntry(entry *models.IntegrationDataEntry) error {
	rawPayload, err := json.Marshal(entry.Payload)
	if err != nil {
		return fmt.Errorf("failed to encode cache entry payload: %w", err)
	}
	if entry.Payload == nil {
		rawPayload = []byte(`{}`)
	}
	entry.RawPayload = rawPayload

	query := `
        INSERT INTO integration_data_entries (
            integration_id, organization_id, discriminator_id, payload, version,
            fetched_at, refresh_at, last_used_at, status, error_message, failure_count
        ) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11)
        ON CONFLICT (integration_id, discriminator_id) DO UPDATE SET
            payload = EXCLUDED.payload,
            version = EXCLUDED.version,
            fetched_at = EXCLUDED.fetched_at,
            refresh_at = EXCLUDED.refresh_at,
            last_used_at = EXCLUDED.last_used_at,
            status = EXCLUDED.status,
            error_message = EXCLUDED.error_message,
            failure_count = EXCLUDED.failure_count`

	_, err = repo.psql.DB.Exec(query,
		entry.IntegrationID, entry.OrganizationID, entry.DiscriminatorID, entry.RawPayload, entry.Version,
		entry.FetchedAt, entry.RefreshAt, entry.LastUsedAt, entry.Status, entry.ErrorMessage, entry.FailureCount)
	if err != nil {
		repo.decorateLog(log.Logger.Error, entry.IntegrationID, entry.DiscriminatorID).Err(err).Msg("Failed to upsert cache entry")
		return fmt.Errorf("failed to upsert cache entry: %w", err)
	}

	repo.decorateLog(log.Logger.Debug, entry.IntegrationID, entry.DiscriminatorID).
		Int64("version", entry.Version).
		Str("status", entry.Status.String()).
		Msg("Successfully upserted cache entry")
	return nil
}

func (repo *PsqlEntryRepository) TouchEntry(integrationID uuid.UUID, discriminatorID string, usedAt time.Time) error {
	query := `UPDATE integration_data_entries SET last_used_at = $3 WHERE integration_id = $1 AND discriminator_id = $2`

	result, err := repo.psql.DB.Exec(query, integrationID, discriminatorID, usedAt)
	if err != nil {
		repo.decorateLog(log.Logger.Error, integrationID, discriminatorID).Err(err).Msg("Failed to touch cache entry")
		return fmt.Errorf("failed to touch cache entry: %w", err)
	}

	affected, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to touch cache entry: %w", err)
	}
	if affected == 0 {
		return repository.ErrEntryNotFound
	}
	return nil
}

// ListReapableEntries returns entries unused since the cutoff. Liveness
// is left entirely to the caller: whether a widget still resolves to an
// entry depends on the integration's sharing policy and current option
// values, which SQL cannot see. An organization-level join here would
// wrongly shield entries whose widgets drifted to other discriminators,
// so the query stays a plain last_used_at scan.
func (repo *PsqlEntryRepository) ListReapableEntries(cutoff time.Time) ([]*models.IntegrationDataEntry, error) {
	var entries []*models.IntegrationDataEntry
	query := `
        SELECT e.* FROM integration_data_entries e
        WHERE e.last_used_at < $1
        ORDER BY e.last_used_at`

	err := repo.psql.DB.Select(&entries, query, cutoff)
	if err != nil {
		log.Logger.Error().Err(err).Time("cutoff", cutoff).Msg("Failed to list reapable cache entries")
		return nil, fmt.Errorf("failed to list reapable cache entries: %w", err)
	}

	for _, entry := range entries {
		if decodeErr := decodePayload(entry); decodeErr != nil {
			return nil, decodeErr
		}
	}
	return entries, nil
}

func (repo *PsqlEntryRepository) DeleteEntry(integrationID uuid.UUID, discriminatorID string) error {
	query := `DELETE FROM integration_data_entries WHERE integration_id = $1 AND discriminator_id = $2`

	_, err := repo.psql.DB.Exec(query, integrationID, discriminatorID)
	if err != nil {
		repo.decorateLog(log.Logger.Error, integrationID, discriminatorID).Err(err).Msg("Failed to delete cache entry")
		return fmt.Errorf("failed to delete cache entry: %w", err)
	}

	repo.decorateLog(log.Logger.Debug, integrationID, discriminatorID).Msg("Deleted cache entry")
	return nil
}

func (repo *PsqlEntryRepository) Close() error {
	return repo.psql.Close()
}

func decodePayload(entry *models.IntegrationDataEntry) error {
	if len(entry.RawPayload) == 0 {
		entry.Payload = map[string]interface{}{}
		return nil
	}
	if err := json.Unmarshal(entry.RawPayload, &entry.Payload); err != nil {
		return fmt.Errorf("failed to decode cache entry payload: %w", err)
	}
	return nil
}

func (repo *PsqlEntryRepository) decorateLog(eventFactory func() *zerolog.Event, integrationID uuid.UUID, discriminatorID string) *zerolog.Event {
	return eventFactory().Str("integration_id", integrationID.String()).Str("discriminator_id", discriminatorID)
}
