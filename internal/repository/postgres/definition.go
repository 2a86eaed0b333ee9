package repository

import (
	"database/sql"
	"errors"
	"fmt"

	"github.com/google/uuid"

	"widget-datacache/internal/models"
	"widget-datacache/internal/repository"
	postgres "widget-datacache/pkg/db"
	"widget-datacache/pkg/log"
)

type PsqlDefinitionRepository struct {
	psql *postgres.PostgresDatastore
}

func NewPsqlDefinitionRepository(psql *postgres.PostgresDatastore) *PsqlDefinitionRepository {
	return &PsqlDefinitionRepository{
		psql: psql,
	}
}

func (repo *PsqlDefinitionRepository) GetDefinition(id uuid.UUID) (*models.IntegrationDefinition, error) {
	var definition models.IntegrationDefinition
	query := `SELECT * FROM integration_definitions WHERE id = $1`

	err := repo.psql.DB.Get(&definition, query, id)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, repository.ErrDefinitionNotFound
	}
	if err != nil {
		log.Logger.Error().Err(err).Str("integration_id", id.String()).Msg("Failed to get integration definition")
		return nil, fmt.Errorf("failed to get integration definition: %w", err)
	}
	return &definition, nil
}

func (repo *PsqlDefinitionRepository) GetDefinitionByWebhookPath(path string) (*models.IntegrationDefinition, error) {
	var definition models.IntegrationDefinition
	query := `SELECT * FROM integration_definitions WHERE push_webhook_path = $1 AND push_webhook_path <> ''`

	err := repo.psql.DB.Get(&definition, query, path)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, repository.ErrDefinitionNotFound
	}
	if err != nil {
		log.Logger.Error().Err(err).Str("webhook_path", path).Msg("Failed to get integration definition by webhook path")
		return nil, fmt.Errorf("failed to get integration definition by webhook path: %w", err)
	}
	return &definition, nil
}

func (repo *PsqlDefinitionRepository) ListActiveDefinitions() ([]*models.IntegrationDefinition, error) {
	var definitions = make([]*models.IntegrationDefinition, 0)
	query := `SELECT * FROM integration_definitions WHERE active ORDER BY widget_type, id`

	err := repo.psql.DB.Select(&definitions, query)
	if err != nil {
		log.Logger.Error().Err(err).Msg("Failed to list active integration definitions")
		return nil, fmt.Errorf("failed to list active integration definitions: %w", err)
	}
	return definitions, nil
}
