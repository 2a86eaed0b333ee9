package credentials

import (
	"context"
	"log"
	"os"
	"sync"
	"testing"

	"github.com/google/uuid"
	"github.com/stretchr/testify/suite"

	"widget-datacache/internal/keylock"
	"widget-datacache/internal/models"
	"widget-datacache/testutil"
)

type VaultStoreTestSuite struct {
	suite.Suite
	ctx    context.Context
	helper *testutil.VaultHelper
	store  *VaultStore
}

func TestVaultStoreSuite(t *testing.T) {
	if os.Getenv("SKIP_INTEGRATION_TESTS") == "true" {
		t.Skip("Skipping integration tests")
	}
	suite.Run(t, new(VaultStoreTestSuite))
}

func (suite *VaultStoreTestSuite) SetupSuite() {
	suite.ctx = context.Background()

	var err error
	suite.helper, err = testutil.NewVaultContainer(suite.ctx)
	suite.NoError(err, "Failed to create Vault test container")

	suite.store, err = NewVaultStore(suite.helper.Config, keylock.NewRegistry())
	suite.NoError(err, "Failed to create VaultStore")
}

func (suite *VaultStoreTestSuite) TearDownSuite() {
	if suite.helper != nil {
		err := suite.helper.Terminate(suite.ctx)
		if err != nil {
			log.Printf("Error terminating container: %v", err)
		}
	}
}

func (suite *VaultStoreTestSuite) TestPutAndGetRoundTrip() {
	integrationID := uuid.New()
	scope := models.CredentialScopeKey{
		ScopeType: models.CredentialScopeOrganization,
		ScopeID:   uuid.New(),
	}
	record := &models.CredentialRecord{
		Scope:         scope,
		IntegrationID: integrationID,
		Secrets: map[string]string{
			"access_token":  "tok-abc",
			"refresh_token": "refresh-xyz",
		},
	}

	suite.NoError(suite.store.Put(suite.ctx, record))

	result, err := suite.store.Get(suite.ctx, scope, integrationID)
	suite.NoError(err)
	suite.Require().NotNil(result)
	suite.Equal(record.Secrets, result.Secrets)
	suite.Equal(scope, result.Scope)
	suite.Equal(integrationID, result.IntegrationID)
}

func (suite *VaultStoreTestSuite) TestGetMissingCredentials() {
	scope := models.CredentialScopeKey{
		ScopeType: models.CredentialScopeWidget,
		ScopeID:   uuid.New(),
	}

	result, err := suite.store.Get(suite.ctx, scope, uuid.New())

	suite.ErrorIs(err, ErrCredentialsNotFound)
	suite.Nil(result)
}

func (suite *VaultStoreTestSuite) TestScopesAreIsolated() {
	integrationID := uuid.New()
	orgScope := models.CredentialScopeKey{
		ScopeType: models.CredentialScopeOrganization,
		ScopeID:   uuid.New(),
	}
	widgetScope := models.CredentialScopeKey{
		ScopeType: models.CredentialScopeWidget,
		ScopeID:   uuid.New(),
	}

	suite.NoError(suite.store.Put(suite.ctx, &models.CredentialRecord{
		Scope:         orgScope,
		IntegrationID: integrationID,
		Secrets:       map[string]string{"api_key": "org-key"},
	}))
	suite.NoError(suite.store.Put(suite.ctx, &models.CredentialRecord{
		Scope:         widgetScope,
		IntegrationID: integrationID,
		Secrets:       map[string]string{"api_key": "widget-key"},
	}))

	orgResult, err := suite.store.Get(suite.ctx, orgScope, integrationID)
	suite.NoError(err)
	suite.Equal("org-key", orgResult.Secrets["api_key"])

	widgetResult, err := suite.store.Get(suite.ctx, widgetScope, integrationID)
	suite.NoError(err)
	suite.Equal("widget-key", widgetResult.Secrets["api_key"])
}

func (suite *VaultStoreTestSuite) TestRotationOverwritesBundle() {
	integrationID := uuid.New()
	scope := models.CredentialScopeKey{
		ScopeType: models.CredentialScopeOrganization,
		ScopeID:   uuid.New(),
	}

	suite.NoError(suite.store.Put(suite.ctx, &models.CredentialRecord{
		Scope:         scope,
		IntegrationID: integrationID,
		Secrets:       map[string]string{"access_token": "tok-old"},
	}))
	suite.NoError(suite.store.Put(suite.ctx, &models.CredentialRecord{
		Scope:         scope,
		IntegrationID: integrationID,
		Secrets:       map[string]string{"access_token": "tok-new"},
	}))

	result, err := suite.store.Get(suite.ctx, scope, integrationID)
	suite.NoError(err)
	suite.Equal("tok-new", result.Secrets["access_token"])
}

func (suite *VaultStoreTestSuite) TestConcurrentWritesToSameScope() {
	integrationID := uuid.New()
	scope := models.CredentialScopeKey{
		ScopeType: models.CredentialScopeOrganization,
		ScopeID:   uuid.New(),
	}

	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			err := suite.store.Put(suite.ctx, &models.CredentialRecord{
				Scope:         scope,
				IntegrationID: integrationID,
				Secrets:       map[string]string{"access_token": "tok-concurrent"},
			})
			suite.NoError(err)
		}()
	}
	wg.Wait()

	result, err := suite.store.Get(suite.ctx, scope, integrationID)
	suite.NoError(err)
	suite.Equal("tok-concurrent", result.Secrets["access_token"])
}

func (suite *VaultStoreTestSuite) TestRejectsInvalidScope() {
	scope := models.CredentialScopeKey{ScopeType: "cluster", ScopeID: uuid.New()}

	_, err := suite.store.Get(suite.ctx, scope, uuid.New())
	suite.Error(err)

	err = suite.store.Put(suite.ctx, &models.CredentialRecord{
		Scope:         scope,
		IntegrationID: uuid.New(),
		Secrets:       map[string]string{"k": "v"},
	})
	suite.Error(err)
}
