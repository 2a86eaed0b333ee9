package repository

import (
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/google/uuid"

	"widget-datacache/internal/models"
	"widget-datacache/internal/repository"
	postgres "widget-datacache/pkg/db"
	"widget-datacache/pkg/log"
)

type PsqlWidgetConfigRepository struct {
	psql *postgres.PostgresDatastore
}

func NewPsqlWidgetConfigRepository(psql *postgres.PostgresDatastore) *PsqlWidgetConfigRepository {
	return &PsqlWidgetConfigRepository{
		psql: psql,
	}
}

func (repo *PsqlWidgetConfigRepository) GetWidgetConfiguration(widgetID uuid.UUID) (*models.WidgetConfiguration, error) {
	var widget models.WidgetConfiguration
	query := `SELECT * FROM widget_configurations WHERE widget_id = $1`

	err := repo.psql.DB.Get(&widget, query, widgetID)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, repository.ErrWidgetConfigNotFound
	}
	if err != nil {
		log.Logger.Error().Err(err).Str("widget_id", widgetID.String()).Msg("Failed to get widget configuration")
		return nil, fmt.Errorf("failed to get widget configuration: %w", err)
	}

	if err := decodeOptions(&widget); err != nil {
		log.Logger.Error().Err(err).Str("widget_id", widgetID.String()).Msg("Failed to decode widget options")
		return nil, err
	}
	return &widget, nil
}

func (repo *PsqlWidgetConfigRepository) ListActiveByIntegration(integrationID uuid.UUID) ([]*models.WidgetConfiguration, error) {
	var widgets = make([]*models.WidgetConfiguration, 0)
	query := `SELECT * FROM widget_configurations WHERE integration_id = $1 AND active ORDER BY widget_id`

	err := repo.psql.DB.Select(&widgets, query, integrationID)
	if err != nil {
		log.Logger.Error().Err(err).Str("integration_id", integrationID.String()).Msg("Failed to list widget configurations")
		return nil, fmt.Errorf("failed to list widget configurations: %w", err)
	}

	for _, widget := range widgets {
		if decodeErr := decodeOptions(widget); decodeErr != nil {
			return nil, decodeErr
		}
	}
	return widgets, nil
}

func decodeOptions(widget *models.WidgetConfiguration) error {
	if len(widget.RawOptions) == 0 {
		widget.Options = models.OptionMap{}
		return nil
	}
	var options models.OptionMap
	if err := json.Unmarshal(widget.RawOptions, &options); err != nil {
		return fmt.Errorf("failed to decode widget options: %w", err)
	}
	widget.Options = options
	return nil
}
