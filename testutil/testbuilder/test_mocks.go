package testbuilder

import (
	"context"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/mock"

	"widget-datacache/internal/models"
)

// ********
//
// MockEntryRepository is a mock implementation of the EntryRepository interface
//
// ********
type MockEntryRepository struct {
	mock.Mock
}

func (m *MockEntryRepository) GetEntry(integrationID uuid.UUID, discriminatorID string) (*models.IntegrationDataEntry, error) {
	args := m.Called(integrationID, discriminatorID)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).(*models.IntegrationDataEntry), args.Error(1)
}

func (m *MockEntryRepository) UpsertEntry(entry *models.IntegrationDataEntry) error {
	args := m.Called(entry)
	return args.Error(0)
}

func (m *MockEntryRepository) TouchEntry(integrationID uuid.UUID, discriminatorID string, usedAt time.Time) error {
	args := m.Called(integrationID, discriminatorID, usedAt)
	return args.Error(0)
}

func (m *MockEntryRepository) ListReapableEntries(cutoff time.Time) ([]*models.IntegrationDataEntry, error) {
	args := m.Called(cutoff)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).([]*models.IntegrationDataEntry), args.Error(1)
}

func (m *MockEntryRepository) DeleteEntry(integrationID uuid.UUID, discriminatorID string) error {
	args := m.Called(integrationID, discriminatorID)
	return args.Error(0)
}

func (m *MockEntryRepository) Close() error {
	args := m.Called()
	return args.Error(0)
}

// ********
//
// MockDefinitionRepository is a mock implementation of the DefinitionRepository interface
//
// ********
type MockDefinitionRepository struct {
	mock.Mock
}

func (m *MockDefinitionRepository) GetDefinition(id uuid.UUID) (*models.IntegrationDefinition, error) {
	args := m.Called(id)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).(*models.IntegrationDefinition), args.Error(1)
}

func (m *MockDefinitionRepository) GetDefinitionByWebhookPath(path string) (*models.IntegrationDefinition, error) {
	args := m.Called(path)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).(*models.IntegrationDefinition), args.Error(1)
}

func (m *MockDefinitionRepository) ListActiveDefinitions() ([]*models.IntegrationDefinition, error) {
	args := m.Called()
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).([]*models.IntegrationDefinition), args.Error(1)
}

// ********
//
// MockWidgetConfigRepository is a mock implementation of the WidgetConfigRepository interface
//
// ********
type MockWidgetConfigRepository struct {
	mock.Mock
}

func (m *MockWidgetConfigRepository) GetWidgetConfiguration(widgetID uuid.UUID) (*models.WidgetConfiguration, error) {
	args := m.Called(widgetID)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).(*models.WidgetConfiguration), args.Error(1)
}

func (m *MockWidgetConfigRepository) ListActiveByIntegration(integrationID uuid.UUID) ([]*models.WidgetConfiguration, error) {
	args := m.Called(integrationID)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).([]*models.WidgetConfiguration), args.Error(1)
}

// ********
//
// MockCredentialStore is a mock implementation of the credentials.Store interface
//
// ********
type MockCredentialStore struct {
	mock.Mock
}

func (m *MockCredentialStore) Get(ctx context.Context, scope models.CredentialScopeKey, integrationID uuid.UUID) (*models.CredentialRecord, error) {
	args := m.Called(ctx, scope, integrationID)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).(*models.CredentialRecord), args.Error(1)
}

func (m *MockCredentialStore) Put(ctx context.Context, record *models.CredentialRecord) error {
	args := m.Called(ctx, record)
	return args.Error(0)
}

// ********
//
// MockNotifier is a mock implementation of the notify.Notifier interface
//
// ********
type MockNotifier struct {
	mock.Mock
}

func (m *MockNotifier) EntryUpdated(integrationID uuid.UUID, discriminatorID string, version int64) {
	m.Called(integrationID, discriminatorID, version)
}
