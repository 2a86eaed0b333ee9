package testbuilder

import (
	"context"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/mock"

	"widget-datacache/internal/fetcher"
	"widget-datacache/internal/models"
)

// ********
//
// MockFetcher is a mock implementation of the fetcher.Fetcher interface
//
// ********
type MockFetcher struct {
	mock.Mock
}

func (m *MockFetcher) Fetch(
	ctx context.Context,
	def *models.IntegrationDefinition,
	creds *models.CredentialRecord,
	options models.OptionMap,
) (*fetcher.Result, error) {
	args := m.Called(ctx, def, creds, options)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).(*fetcher.Result), args.Error(1)
}

// Fluent builders for the three persisted models. Every builder starts
// from a valid default so tests only spell out what they care about.

type DefinitionBuilder struct {
	def models.IntegrationDefinition
}

func NewDefinition() *DefinitionBuilder {
	return &DefinitionBuilder{
		def: models.IntegrationDefinition{
			ID:                  uuid.New(),
			WidgetType:          "weather",
			Mode:                models.ModePull,
			CredentialScope:     models.CredentialScopeOrganization,
			SharingPolicy:       models.SharingOrganization,
			PullEndpoint:        "https://api.example.com/v1/data",
			PullIntervalSeconds: 300,
			Active:              true,
			CreatedAt:           time.Now().UTC(),
			UpdatedAt:           time.Now().UTC(),
		},
	}
}

func (b *DefinitionBuilder) WithID(id uuid.UUID) *DefinitionBuilder {
	b.def.ID = id
	return b
}

func (b *DefinitionBuilder) WithWidgetType(widgetType string) *DefinitionBuilder {
	b.def.WidgetType = widgetType
	return b
}

func (b *DefinitionBuilder) WithMode(mode models.IntegrationMode) *DefinitionBuilder {
	b.def.Mode = mode
	return b
}

func (b *DefinitionBuilder) WithCredentialScope(scope models.CredentialScope) *DefinitionBuilder {
	b.def.CredentialScope = scope
	return b
}

func (b *DefinitionBuilder) WithSharingPolicy(policy models.SharingPolicy, param string) *DefinitionBuilder {
	b.def.SharingPolicy = policy
	b.def.SharingPolicyParam = param
	return b
}

func (b *DefinitionBuilder) WithPullEndpoint(endpoint string) *DefinitionBuilder {
	b.def.PullEndpoint = endpoint
	return b
}

func (b *DefinitionBuilder) WithPullInterval(seconds int) *DefinitionBuilder {
	b.def.PullIntervalSeconds = seconds
	return b
}

func (b *DefinitionBuilder) WithWebhookPath(path string) *DefinitionBuilder {
	b.def.PushWebhookPath = path
	return b
}

func (b *DefinitionBuilder) Inactive() *DefinitionBuilder {
	b.def.Active = false
	return b
}

func (b *DefinitionBuilder) Build() *models.IntegrationDefinition {
	def := b.def
	return &def
}

type WidgetBuilder struct {
	widget models.WidgetConfiguration
}

func NewWidget(integrationID uuid.UUID) *WidgetBuilder {
	return &WidgetBuilder{
		widget: models.WidgetConfiguration{
			WidgetID:       uuid.New(),
			OrganizationID: uuid.New(),
			IntegrationID:  integrationID,
			Options:        models.OptionMap{},
			Active:         true,
			CreatedAt:      time.Now().UTC(),
			UpdatedAt:      time.Now().UTC(),
		},
	}
}

func (b *WidgetBuilder) WithWidgetID(id uuid.UUID) *WidgetBuilder {
	b.widget.WidgetID = id
	return b
}

func (b *WidgetBuilder) WithOrganization(id uuid.UUID) *WidgetBuilder {
	b.widget.OrganizationID = id
	return b
}

func (b *WidgetBuilder) WithOption(key string, value models.OptionValue) *WidgetBuilder {
	b.widget.Options[key] = value
	return b
}

func (b *WidgetBuilder) Inactive() *WidgetBuilder {
	b.widget.Active = false
	return b
}

func (b *WidgetBuilder) Build() *models.WidgetConfiguration {
	widget := b.widget
	return &widget
}

type EntryBuilder struct {
	entry models.IntegrationDataEntry
}

func NewEntry(integrationID uuid.UUID, discriminatorID string) *EntryBuilder {
	now := time.Now().UTC()
	return &EntryBuilder{
		entry: models.IntegrationDataEntry{
			IntegrationID:   integrationID,
			OrganizationID:  uuid.New(),
			DiscriminatorID: discriminatorID,
			Payload:         map[string]interface{}{"value": "cached"},
			Version:         1,
			FetchedAt:       now,
			RefreshAt:       now.Add(5 * time.Minute),
			LastUsedAt:      now,
			Status:          models.EntryStatusOK,
		},
	}
}

func (b *EntryBuilder) WithOrganization(id uuid.UUID) *EntryBuilder {
	b.entry.OrganizationID = id
	return b
}

func (b *EntryBuilder) WithPayload(payload map[string]interface{}) *EntryBuilder {
	b.entry.Payload = payload
	return b
}

func (b *EntryBuilder) WithVersion(version int64) *EntryBuilder {
	b.entry.Version = version
	return b
}

func (b *EntryBuilder) WithFetchedAt(fetchedAt time.Time) *EntryBuilder {
	b.entry.FetchedAt = fetchedAt
	return b
}

func (b *EntryBuilder) WithRefreshAt(refreshAt time.Time) *EntryBuilder {
	b.entry.RefreshAt = refreshAt
	return b
}

func (b *EntryBuilder) WithLastUsedAt(lastUsedAt time.Time) *EntryBuilder {
	b.entry.LastUsedAt = lastUsedAt
	return b
}

func (b *EntryBuilder) WithFailure(message string, failureCount int) *EntryBuilder {
	b.entry.Status = models.EntryStatusError
	b.entry.ErrorMessage = &message
	b.entry.FailureCount = failureCount
	return b
}

func (b *EntryBuilder) Build() *models.IntegrationDataEntry {
	entry := b.entry
	return &entry
}
