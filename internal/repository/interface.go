package repository

import (
	"time"

	"github.com/google/uuid"

	"widget-datacache/internal/models"
)

// EntryRepository persists cache lines. (integration_id, discriminator_id)
// is the primary identity; UpsertEntry must keep the row in place across
// refreshes so the version counter survives.
type EntryRepository interface {
	GetEntry(integrationID uuid.UUID, discriminatorID string) (*models.IntegrationDataEntry, error)
	UpsertEntry(entry *models.IntegrationDataEntry) error
	TouchEntry(integrationID uuid.UUID, discriminatorID string, usedAt time.Time) error
	ListReapableEntries(cutoff time.Time) ([]*models.IntegrationDataEntry, error)
	DeleteEntry(integrationID uuid.UUID, discriminatorID string) error
	Close() error
}

// DefinitionRepository reads integration definitions authored by the web
// backend. The cache core never writes them.
type DefinitionRepository interface {
	GetDefinition(id uuid.UUID) (*models.IntegrationDefinition, error)
	GetDefinitionByWebhookPath(path string) (*models.IntegrationDefinition, error)
	ListActiveDefinitions() ([]*models.IntegrationDefinition, error)
}

// WidgetConfigRepository reads widget instance configurations owned by the
// web backend, used to resolve discriminators and to keep referenced cache
// lines alive.
type WidgetConfigRepository interface {
	GetWidgetConfiguration(widgetID uuid.UUID) (*models.WidgetConfiguration, error)
	ListActiveByIntegration(integrationID uuid.UUID) ([]*models.WidgetConfiguration, error)
}
