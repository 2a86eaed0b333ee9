package repository

import (
	"context"
	"log"
	"os"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/suite"

	"widget-datacache/internal/models"
	"widget-datacache/internal/repository"
	"widget-datacache/pkg/db"
	"widget-datacache/pkg/db/migrations"
	"widget-datacache/testutil"
	"widget-datacache/testutil/testbuilder"
)

type EntryRepositoryTestSuite struct {
	suite.Suite
	ctx      context.Context
	pgHelper *testutil.PostgresHelper
	db       *db.PostgresDatastore
}

func TestEntryRepositorySuite(t *testing.T) {
	if os.Getenv("SKIP_INTEGRATION_TESTS") == "true" {
		t.Skip("Skipping integration tests")
	}
	suite.Run(t, new(EntryRepositoryTestSuite))
}

func (suite *EntryRepositoryTestSuite) SetupSuite() {
	var err error
	suite.pgHelper, err = testutil.NewPostgresContainer(suite.T(), context.Background())
	suite.NoError(err, "Failed to create Postgres test container")

	suite.db, err = db.NewPostgresDatastore(suite.pgHelper.Config, migrations.NewPostgresMigration())
	suite.NoError(err, "Failed to create PostgresDatastore")

	suite.ctx = context.Background()
}

func (suite *EntryRepositoryTestSuite) SetupTest() {
	suite.truncateTables()
}

func (suite *EntryRepositoryTestSuite) SetupSubTest() {
	suite.truncateTables()
}

func (suite *EntryRepositoryTestSuite) TearDownSuite() {
	if suite.pgHelper != nil {
		err := suite.pgHelper.Terminate(suite.ctx)
		if err != nil {
			log.Printf("Error terminating container: %v", err)
		}
	}
}

func (suite *EntryRepositoryTestSuite) TestGetEntry() {
	suite.Run("returns existing entry with decoded payload", func() {
		def := suite.insertTestDefinition()
		orgID := uuid.New()
		entry := testbuilder.NewEntry(def.ID, orgID.String()).
			WithOrganization(orgID).
			WithPayload(map[string]interface{}{"temp": 21.5, "unit": "C"}).
			WithVersion(3).
			Build()

		repo := NewPsqlEntryRepository(suite.db)
		suite.NoError(repo.UpsertEntry(entry))

		result, err := repo.GetEntry(def.ID, orgID.String())

		suite.NoError(err)
		suite.Require().NotNil(result)
		suite.Equal(int64(3), result.Version)
		suite.Equal(models.EntryStatusOK, result.Status)
		suite.Equal(map[string]interface{}{"temp": 21.5, "unit": "C"}, result.Payload)
		suite.WithinDuration(entry.FetchedAt, result.FetchedAt, time.Second)
		suite.WithinDuration(entry.RefreshAt, result.RefreshAt, time.Second)
	})

	suite.Run("returns ErrEntryNotFound for missing discriminator", func() {
		def := suite.insertTestDefinition()
		repo := NewPsqlEntryRepository(suite.db)

		result, err := repo.GetEntry(def.ID, "unknown-discriminator")

		suite.ErrorIs(err, repository.ErrEntryNotFound)
		suite.Nil(result)
	})
}

func (suite *EntryRepositoryTestSuite) TestUpsertEntry() {
	suite.Run("updates the row in place on conflict", func() {
		def := suite.insertTestDefinition()
		orgID := uuid.New()
		repo := NewPsqlEntryRepository(suite.db)

		first := testbuilder.NewEntry(def.ID, orgID.String()).
			WithOrganization(orgID).
			WithPayload(map[string]interface{}{"price": 100.0}).
			WithVersion(1).
			Build()
		suite.NoError(repo.UpsertEntry(first))

		second := testbuilder.NewEntry(def.ID, orgID.String()).
			WithOrganization(orgID).
			WithPayload(map[string]interface{}{"price": 101.5}).
			WithVersion(2).
			Build()
		suite.NoError(repo.UpsertEntry(second))

		var count int
		suite.NoError(suite.db.DB.Get(&count, "SELECT COUNT(*) FROM integration_data_entries"))
		suite.Equal(1, count, "the cache line is one row, updated in place")

		result, err := repo.GetEntry(def.ID, orgID.String())
		suite.NoError(err)
		suite.Equal(int64(2), result.Version)
		suite.Equal(map[string]interface{}{"price": 101.5}, result.Payload)
	})

	suite.Run("persists error state with message and failure count", func() {
		def := suite.insertTestDefinition()
		orgID := uuid.New()
		repo := NewPsqlEntryRepository(suite.db)

		failed := testbuilder.NewEntry(def.ID, orgID.String()).
			WithOrganization(orgID).
			WithVersion(4).
			WithFailure("provider returned status 502", 3).
			Build()
		suite.NoError(repo.UpsertEntry(failed))

		result, err := repo.GetEntry(def.ID, orgID.String())
		suite.NoError(err)
		suite.Equal(models.EntryStatusError, result.Status)
		suite.Require().NotNil(result.ErrorMessage)
		suite.Equal("provider returned status 502", *result.ErrorMessage)
		suite.Equal(3, result.FailureCount)
		suite.Equal(int64(4), result.Version, "a failed fetch never resets the version")
	})

	suite.Run("stores an empty object for nil payload", func() {
		def := suite.insertTestDefinition()
		orgID := uuid.New()
		repo := NewPsqlEntryRepository(suite.db)

		entry := testbuilder.NewEntry(def.ID, orgID.String()).
			WithOrganization(orgID).
			Build()
		entry.Payload = nil
		suite.NoError(repo.UpsertEntry(entry))

		result, err := repo.GetEntry(def.ID, orgID.String())
		suite.NoError(err)
		suite.Equal(map[string]interface{}{}, result.Payload)
	})
}

func (suite *EntryRepositoryTestSuite) TestTouchEntry() {
	suite.Run("moves last_used_at forward", func() {
		def := suite.insertTestDefinition()
		orgID := uuid.New()
		repo := NewPsqlEntryRepository(suite.db)

		entry := testbuilder.NewEntry(def.ID, orgID.String()).
			WithOrganization(orgID).
			WithLastUsedAt(time.Now().UTC().Add(-1 * time.Hour)).
			Build()
		suite.NoError(repo.UpsertEntry(entry))

		usedAt := time.Now().UTC().Truncate(time.Millisecond)
		suite.NoError(repo.TouchEntry(def.ID, orgID.String(), usedAt))

		result, err := repo.GetEntry(def.ID, orgID.String())
		suite.NoError(err)
		suite.WithinDuration(usedAt, result.LastUsedAt, time.Second)
	})

	suite.Run("returns ErrEntryNotFound for unknown key", func() {
		def := suite.insertTestDefinition()
		repo := NewPsqlEntryRepository(suite.db)

		err := repo.TouchEntry(def.ID, "missing", time.Now().UTC())

		suite.ErrorIs(err, repository.ErrEntryNotFound)
	})
}

func (suite *EntryRepositoryTestSuite) TestListReapableEntries() {
	suite.Run("returns every entry unused since the cutoff", func() {
		def := suite.insertTestDefinition()
		repo := NewPsqlEntryRepository(suite.db)

		staleOrg := uuid.New()
		stale := testbuilder.NewEntry(def.ID, staleOrg.String()).
			WithOrganization(staleOrg).
			WithLastUsedAt(time.Now().UTC().Add(-31 * 24 * time.Hour)).
			Build()
		suite.NoError(repo.UpsertEntry(stale))

		freshOrg := uuid.New()
		fresh := testbuilder.NewEntry(def.ID, freshOrg.String()).
			WithOrganization(freshOrg).
			WithLastUsedAt(time.Now().UTC()).
			Build()
		suite.NoError(repo.UpsertEntry(fresh))

		cutoff := time.Now().UTC().Add(-30 * 24 * time.Hour)
		result, err := repo.ListReapableEntries(cutoff)

		suite.NoError(err)
		suite.Require().Len(result, 1)
		suite.Equal(staleOrg.String(), result[0].DiscriminatorID)
	})

	suite.Run("lists stale entries even when the organization has active widgets", func() {
		// An active widget in the same organization proves nothing
		// about this entry: its options may have drifted to a different
		// discriminator, leaving the old line abandoned. Option-keyed
		// liveness is the sweep's call, so the query must surface the
		// entry as a candidate.
		def := suite.insertTestDefinition()
		repo := NewPsqlEntryRepository(suite.db)

		orgID := uuid.New()
		abandoned := testbuilder.NewEntry(def.ID, orgID.String()+":property_id:42").
			WithOrganization(orgID).
			WithLastUsedAt(time.Now().UTC().Add(-31 * 24 * time.Hour)).
			Build()
		suite.NoError(repo.UpsertEntry(abandoned))
		suite.insertTestWidget(testbuilder.NewWidget(def.ID).
			WithOrganization(orgID).
			WithOption("property_id", models.NumberValue(99)).
			Build())

		result, err := repo.ListReapableEntries(time.Now().UTC().Add(-30 * 24 * time.Hour))

		suite.NoError(err)
		suite.Require().Len(result, 1)
		suite.Equal(abandoned.DiscriminatorID, result[0].DiscriminatorID)
	})

	suite.Run("returns empty slice when nothing is stale", func() {
		repo := NewPsqlEntryRepository(suite.db)

		result, err := repo.ListReapableEntries(time.Now().UTC().Add(-30 * 24 * time.Hour))

		suite.NoError(err)
		suite.Len(result, 0)
	})
}

func (suite *EntryRepositoryTestSuite) TestDeleteEntry() {
	def := suite.insertTestDefinition()
	orgID := uuid.New()
	repo := NewPsqlEntryRepository(suite.db)

	entry := testbuilder.NewEntry(def.ID, orgID.String()).
		WithOrganization(orgID).
		Build()
	suite.NoError(repo.UpsertEntry(entry))

	suite.NoError(repo.DeleteEntry(def.ID, orgID.String()))

	_, err := repo.GetEntry(def.ID, orgID.String())
	suite.ErrorIs(err, repository.ErrEntryNotFound)

	suite.NoError(repo.DeleteEntry(def.ID, orgID.String()), "deleting a missing entry is not an error")
}

// test helper functions

func (suite *EntryRepositoryTestSuite) truncateTables() {
	_, err := suite.db.DB.Exec("TRUNCATE TABLE integration_data_entries, widget_configurations, integration_definitions CASCADE")
	suite.NoError(err, "Failed to truncate tables")
}

func (suite *EntryRepositoryTestSuite) insertTestDefinition() *models.IntegrationDefinition {
	def := testbuilder.NewDefinition().Build()
	insertDefinition(suite.T(), suite.db, def)
	return def
}

func (suite *EntryRepositoryTestSuite) insertTestWidget(widget *models.WidgetConfiguration) {
	insertWidget(suite.T(), suite.db, widget)
}
