package cache

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/suite"

	"widget-datacache/internal/config"
	"widget-datacache/internal/credentials"
	"widget-datacache/internal/fetcher"
	"widget-datacache/internal/keylock"
	"widget-datacache/internal/models"
	"widget-datacache/internal/repository"
	"widget-datacache/testutil"
	"widget-datacache/testutil/testbuilder"
)

// memEntryRepo is an in-memory EntryRepository. The single-flight tests
// need committed state visible across concurrent callers, which a static
// mock cannot express.
type memEntryRepo struct {
	mu        sync.Mutex
	entries   map[string]*models.IntegrationDataEntry
	upsertErr error
	upserts   int
}

func newMemEntryRepo() *memEntryRepo {
	return &memEntryRepo{entries: make(map[string]*models.IntegrationDataEntry)}
}

func (r *memEntryRepo) key(integrationID uuid.UUID, discriminatorID string) string {
	return integrationID.String() + "/" + discriminatorID
}

func (r *memEntryRepo) GetEntry(integrationID uuid.UUID, discriminatorID string) (*models.IntegrationDataEntry, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	entry, ok := r.entries[r.key(integrationID, discriminatorID)]
	if !ok {
		return nil, repository.ErrEntryNotFound
	}
	copied := *entry
	return &copied, nil
}

func (r *memEntryRepo) UpsertEntry(entry *models.IntegrationDataEntry) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.upsertErr != nil {
		return r.upsertErr
	}
	copied := *entry
	r.entries[r.key(entry.IntegrationID, entry.DiscriminatorID)] = &copied
	r.upserts++
	return nil
}

func (r *memEntryRepo) TouchEntry(integrationID uuid.UUID, discriminatorID string, usedAt time.Time) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	entry, ok := r.entries[r.key(integrationID, discriminatorID)]
	if !ok {
		return repository.ErrEntryNotFound
	}
	entry.LastUsedAt = usedAt
	return nil
}

func (r *memEntryRepo) ListReapableEntries(cutoff time.Time) ([]*models.IntegrationDataEntry, error) {
	return nil, nil
}

func (r *memEntryRepo) DeleteEntry(integrationID uuid.UUID, discriminatorID string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.entries, r.key(integrationID, discriminatorID))
	return nil
}

func (r *memEntryRepo) Close() error { return nil }

type DataCacheTestSuite struct {
	suite.Suite
	ctx       context.Context
	def       *models.IntegrationDefinition
	orgID     uuid.UUID
	scope     models.CredentialScopeKey
	entries   *memEntryRepo
	defs      *testbuilder.MockDefinitionRepository
	credStore *testbuilder.MockCredentialStore
	locks     *keylock.Registry
	dataCache *DataCache
	clock     time.Time
}

func TestDataCacheTestSuite(t *testing.T) {
	suite.Run(t, new(DataCacheTestSuite))
}

func (suite *DataCacheTestSuite) SetupTest() {
	suite.ctx = context.Background()
	suite.def = testbuilder.NewDefinition().WithPullInterval(120).Build()
	suite.orgID = uuid.New()
	suite.scope = models.CredentialScopeKey{ScopeType: models.CredentialScopeOrganization, ScopeID: suite.orgID}
	suite.entries = newMemEntryRepo()
	suite.defs = new(testbuilder.MockDefinitionRepository)
	suite.defs.On("GetDefinition", suite.def.ID).Return(suite.def, nil)
	suite.credStore = new(testbuilder.MockCredentialStore)
	suite.credStore.On("Get", mock.Anything, mock.Anything, mock.Anything).
		Return(nil, credentials.ErrCredentialsNotFound).Maybe()
	suite.locks = keylock.NewRegistry()
	suite.clock = time.Now().UTC()

	suite.dataCache = NewDataCache(suite.entries, suite.defs, suite.credStore, nil, suite.locks, &config.Poller{
		FetchTimeoutSeconds:    2,
		LockWaitSeconds:        2,
		BackoffDivisor:         4,
		MaxConsecutiveFailures: 5,
	})
	suite.dataCache.now = func() time.Time { return suite.clock }
}

func (suite *DataCacheTestSuite) successFetch(payload map[string]interface{}) FetchFunc {
	return func(_ context.Context, _ *models.CredentialRecord) (*fetcher.Result, error) {
		return &fetcher.Result{Data: payload}, nil
	}
}

func (suite *DataCacheTestSuite) TestFirstFetchInitializesEntry() {
	entry, err := suite.dataCache.FetchAndStore(
		suite.ctx, suite.def, suite.orgID, "disc-1", suite.scope,
		suite.successFetch(map[string]interface{}{"temp": 21.5}),
	)

	suite.Require().NoError(err)
	suite.Equal(int64(1), entry.Version)
	suite.Equal(models.EntryStatusOK, entry.Status)
	suite.Equal(map[string]interface{}{"temp": 21.5}, entry.Payload)
	suite.Equal(suite.clock, entry.FetchedAt)
	suite.Equal(120*time.Second, entry.RefreshAt.Sub(entry.FetchedAt))
	suite.Nil(entry.ErrorMessage)
}

func (suite *DataCacheTestSuite) TestVersionIsMonotonic() {
	for i := 1; i <= 4; i++ {
		entry, err := suite.dataCache.FetchAndStore(
			suite.ctx, suite.def, suite.orgID, "disc-1", suite.scope,
			suite.successFetch(map[string]interface{}{"pass": i}),
		)
		suite.Require().NoError(err)
		suite.Equal(int64(i), entry.Version)

		// Advance past refresh_at so the next call fetches again.
		suite.clock = suite.clock.Add(suite.def.PullInterval() + time.Second)
	}
}

func (suite *DataCacheTestSuite) TestSingleFlightUnderConcurrency() {
	var fetches atomic.Int32
	fetchFn := func(_ context.Context, _ *models.CredentialRecord) (*fetcher.Result, error) {
		fetches.Add(1)
		time.Sleep(30 * time.Millisecond)
		return &fetcher.Result{Data: map[string]interface{}{"value": "shared"}}, nil
	}

	const callers = 16
	results := make([]*models.IntegrationDataEntry, callers)
	errs := make([]error, callers)
	var wg sync.WaitGroup

	for i := 0; i < callers; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			results[i], errs[i] = suite.dataCache.FetchAndStore(
				suite.ctx, suite.def, suite.orgID, "disc-1", suite.scope, fetchFn,
			)
		}(i)
	}
	wg.Wait()

	suite.Equal(int32(1), fetches.Load(), "concurrent callers for the same key must share one fetch")
	for i := 0; i < callers; i++ {
		suite.Require().NoError(errs[i])
		suite.Equal(int64(1), results[i].Version)
		suite.Equal(map[string]interface{}{"value": "shared"}, results[i].Payload)
	}
	suite.Equal(1, suite.entries.upserts)
}

func (suite *DataCacheTestSuite) TestDistinctKeysFetchIndependently() {
	var fetches atomic.Int32
	fetchFn := func(_ context.Context, _ *models.CredentialRecord) (*fetcher.Result, error) {
		fetches.Add(1)
		return &fetcher.Result{Data: map[string]interface{}{}}, nil
	}

	var wg sync.WaitGroup
	for _, disc := range []string{"disc-1", "disc-2", "disc-3"} {
		wg.Add(1)
		go func(disc string) {
			defer wg.Done()
			_, err := suite.dataCache.FetchAndStore(suite.ctx, suite.def, suite.orgID, disc, suite.scope, fetchFn)
			suite.NoError(err)
		}(disc)
	}
	wg.Wait()

	suite.Equal(int32(3), fetches.Load())
}

func (suite *DataCacheTestSuite) TestGetServesPreviousEntryDuringFetch() {
	previous := testbuilder.NewEntry(suite.def.ID, "disc-1").
		WithOrganization(suite.orgID).
		WithVersion(3).
		WithFetchedAt(suite.clock.Add(-3 * time.Minute)).
		WithRefreshAt(suite.clock.Add(-time.Minute)).
		Build()
	suite.Require().NoError(suite.entries.UpsertEntry(previous))

	fetchStarted := make(chan struct{})
	fetchRelease := make(chan struct{})
	fetchFn := func(_ context.Context, _ *models.CredentialRecord) (*fetcher.Result, error) {
		close(fetchStarted)
		<-fetchRelease
		return &fetcher.Result{Data: map[string]interface{}{"value": "new"}}, nil
	}

	done := make(chan struct{})
	go func() {
		defer close(done)
		_, err := suite.dataCache.FetchAndStore(suite.ctx, suite.def, suite.orgID, "disc-1", suite.scope, fetchFn)
		suite.NoError(err)
	}()

	<-fetchStarted
	entry, err := suite.dataCache.Get(suite.def.ID, "disc-1")
	suite.Require().NoError(err)
	suite.Equal(int64(3), entry.Version, "reads during an in-flight fetch see the previous committed entry")

	close(fetchRelease)
	<-done

	entry, err = suite.dataCache.Get(suite.def.ID, "disc-1")
	suite.Require().NoError(err)
	suite.Equal(int64(4), entry.Version)
}

func (suite *DataCacheTestSuite) TestFetchFailureIsAbsorbedWithBackoff() {
	fetchFn := func(_ context.Context, _ *models.CredentialRecord) (*fetcher.Result, error) {
		return nil, errors.New("connection refused")
	}

	entry, err := suite.dataCache.FetchAndStore(suite.ctx, suite.def, suite.orgID, "disc-1", suite.scope, fetchFn)

	suite.Require().NoError(err, "fetch failures are committed to the entry, not returned")
	suite.Equal(models.EntryStatusError, entry.Status)
	suite.Require().NotNil(entry.ErrorMessage)
	suite.Equal("connection refused", *entry.ErrorMessage)
	suite.Equal(1, entry.FailureCount)
	suite.Equal(int64(0), entry.Version, "a failed first fetch does not mint a version")

	backoff := entry.RefreshAt.Sub(entry.FetchedAt)
	suite.Equal(30*time.Second, backoff, "backoff is interval/divisor")
	suite.Less(backoff, suite.def.PullInterval())
}

func (suite *DataCacheTestSuite) TestFailureKeepsPreviousPayload() {
	_, err := suite.dataCache.FetchAndStore(
		suite.ctx, suite.def, suite.orgID, "disc-1", suite.scope,
		suite.successFetch(map[string]interface{}{"value": "good"}),
	)
	suite.Require().NoError(err)

	suite.clock = suite.clock.Add(suite.def.PullInterval() + time.Second)

	entry, err := suite.dataCache.FetchAndStore(
		suite.ctx, suite.def, suite.orgID, "disc-1", suite.scope,
		func(_ context.Context, _ *models.CredentialRecord) (*fetcher.Result, error) {
			return nil, errors.New("boom")
		},
	)
	suite.Require().NoError(err)
	suite.Equal(models.EntryStatusError, entry.Status)
	suite.Equal(int64(1), entry.Version, "failures never advance the version")
	suite.Equal(map[string]interface{}{"value": "good"}, entry.Payload, "failures keep the last good payload")
}

func (suite *DataCacheTestSuite) TestBackoffFloorForShortIntervals() {
	shortDef := testbuilder.NewDefinition().WithPullInterval(12).Build()
	suite.defs.On("GetDefinition", shortDef.ID).Return(shortDef, nil)

	entry, err := suite.dataCache.FetchAndStore(
		suite.ctx, shortDef, suite.orgID, "disc-1", suite.scope,
		func(_ context.Context, _ *models.CredentialRecord) (*fetcher.Result, error) {
			return nil, errors.New("boom")
		},
	)
	suite.Require().NoError(err)

	// interval/4 would be 3s; the floor caps retry aggressiveness, and
	// the result can never exceed the normal interval.
	backoff := entry.RefreshAt.Sub(entry.FetchedAt)
	suite.Equal(5*time.Second, backoff)
	suite.LessOrEqual(backoff, shortDef.PullInterval())
}

func (suite *DataCacheTestSuite) TestBackoffNeverExceedsInterval() {
	tinyDef := testbuilder.NewDefinition().WithPullInterval(4).Build()
	suite.defs.On("GetDefinition", tinyDef.ID).Return(tinyDef, nil)

	entry, err := suite.dataCache.FetchAndStore(
		suite.ctx, tinyDef, suite.orgID, "disc-1", suite.scope,
		func(_ context.Context, _ *models.CredentialRecord) (*fetcher.Result, error) {
			return nil, errors.New("boom")
		},
	)
	suite.Require().NoError(err)
	suite.Equal(tinyDef.PullInterval(), entry.RefreshAt.Sub(entry.FetchedAt))
}

func (suite *DataCacheTestSuite) TestRepeatedFailuresFallBackToNormalInterval() {
	fetchFn := func(_ context.Context, _ *models.CredentialRecord) (*fetcher.Result, error) {
		return nil, errors.New("still broken")
	}

	var entry *models.IntegrationDataEntry
	var err error
	for i := 0; i < 6; i++ {
		entry, err = suite.dataCache.FetchAndStore(suite.ctx, suite.def, suite.orgID, "disc-1", suite.scope, fetchFn)
		suite.Require().NoError(err)
		suite.clock = suite.clock.Add(suite.def.PullInterval() + time.Second)
	}

	suite.Equal(6, entry.FailureCount)
	// Past the consecutive-failure cap the shortened retry is abandoned.
	suite.Equal(suite.def.PullInterval(), entry.RefreshAt.Sub(entry.FetchedAt))
}

func (suite *DataCacheTestSuite) TestLockTimeoutServesLastCommittedEntry() {
	previous := testbuilder.NewEntry(suite.def.ID, "disc-1").
		WithOrganization(suite.orgID).
		WithVersion(7).
		WithRefreshAt(suite.clock.Add(-time.Minute)).
		Build()
	suite.Require().NoError(suite.entries.UpsertEntry(previous))

	// Hold the per-key lock so the caller cannot acquire it.
	release, err := suite.locks.Acquire(suite.ctx, lockKey(suite.def.ID, "disc-1"))
	suite.Require().NoError(err)
	defer release()

	suite.dataCache.lockWait = 30 * time.Millisecond

	var fetches atomic.Int32
	entry, err := suite.dataCache.FetchAndStore(
		suite.ctx, suite.def, suite.orgID, "disc-1", suite.scope,
		func(_ context.Context, _ *models.CredentialRecord) (*fetcher.Result, error) {
			fetches.Add(1)
			return &fetcher.Result{Data: map[string]interface{}{}}, nil
		},
	)

	suite.Require().NoError(err)
	suite.Equal(int64(7), entry.Version, "a timed-out waiter falls back to the stale entry")
	suite.Equal(int32(0), fetches.Load())
}

func (suite *DataCacheTestSuite) TestLockTimeoutWithNoEntryFails() {
	release, err := suite.locks.Acquire(suite.ctx, lockKey(suite.def.ID, "disc-1"))
	suite.Require().NoError(err)
	defer release()

	suite.dataCache.lockWait = 30 * time.Millisecond

	_, err = suite.dataCache.FetchAndStore(
		suite.ctx, suite.def, suite.orgID, "disc-1", suite.scope,
		suite.successFetch(map[string]interface{}{}),
	)
	suite.Error(err)
}

func (suite *DataCacheTestSuite) TestDeactivatedDuringFetchDiscardsResult() {
	disabledDef := testbuilder.NewDefinition().Build()
	inactive := testutil.CopyStruct(disabledDef)
	inactive.Active = false
	suite.defs.On("GetDefinition", disabledDef.ID).Return(inactive, nil)

	entry, err := suite.dataCache.FetchAndStore(
		suite.ctx, disabledDef, suite.orgID, "disc-1", suite.scope,
		suite.successFetch(map[string]interface{}{"value": "must not commit"}),
	)

	suite.Require().NoError(err)
	suite.Equal(models.EntryStatusError, entry.Status)
	suite.Require().NotNil(entry.ErrorMessage)
	suite.Equal("integration disabled", *entry.ErrorMessage)
	suite.NotContains(entry.Payload, "value")
}

func (suite *DataCacheTestSuite) TestPersistenceErrorReleasesLock() {
	suite.entries.upsertErr = errors.New("disk full")

	_, err := suite.dataCache.FetchAndStore(
		suite.ctx, suite.def, suite.orgID, "disc-1", suite.scope,
		suite.successFetch(map[string]interface{}{}),
	)
	suite.Require().Error(err)

	// The lock must not leak; a retry on the same key proceeds.
	suite.entries.upsertErr = nil
	entry, err := suite.dataCache.FetchAndStore(
		suite.ctx, suite.def, suite.orgID, "disc-1", suite.scope,
		suite.successFetch(map[string]interface{}{"value": "retried"}),
	)
	suite.Require().NoError(err)
	suite.Equal(int64(1), entry.Version)
}

func (suite *DataCacheTestSuite) TestNotifierFiresOnSuccessOnly() {
	notifier := new(testbuilder.MockNotifier)
	suite.dataCache.notifier = notifier
	notifier.On("EntryUpdated", suite.def.ID, "disc-1", int64(1)).Once()

	_, err := suite.dataCache.FetchAndStore(
		suite.ctx, suite.def, suite.orgID, "disc-1", suite.scope,
		suite.successFetch(map[string]interface{}{}),
	)
	suite.Require().NoError(err)

	suite.clock = suite.clock.Add(suite.def.PullInterval() + time.Second)
	_, err = suite.dataCache.FetchAndStore(
		suite.ctx, suite.def, suite.orgID, "disc-1", suite.scope,
		func(_ context.Context, _ *models.CredentialRecord) (*fetcher.Result, error) {
			return nil, errors.New("boom")
		},
	)
	suite.Require().NoError(err)

	notifier.AssertExpectations(suite.T())
}

func (suite *DataCacheTestSuite) TestRotatedCredentialsArePersisted() {
	credStore := new(testbuilder.MockCredentialStore)
	suite.dataCache.credStore = credStore

	stored := &models.CredentialRecord{
		Scope:         suite.scope,
		IntegrationID: suite.def.ID,
		Secrets:       map[string]string{"access_token": "old"},
	}
	rotated := &models.CredentialRecord{Secrets: map[string]string{"access_token": "new"}}

	credStore.On("Get", mock.Anything, suite.scope, suite.def.ID).Return(stored, nil)
	credStore.On("Put", mock.Anything, mock.MatchedBy(func(record *models.CredentialRecord) bool {
		return record.Secrets["access_token"] == "new" &&
			record.Scope == suite.scope &&
			record.IntegrationID == suite.def.ID
	})).Return(nil).Once()

	_, err := suite.dataCache.FetchAndStore(
		suite.ctx, suite.def, suite.orgID, "disc-1", suite.scope,
		func(_ context.Context, creds *models.CredentialRecord) (*fetcher.Result, error) {
			suite.Equal("old", creds.Secrets["access_token"])
			return &fetcher.Result{Data: map[string]interface{}{}, UpdatedCredentials: rotated}, nil
		},
	)
	suite.Require().NoError(err)
	credStore.AssertExpectations(suite.T())
}

func (suite *DataCacheTestSuite) TestUnchangedCredentialsAreNotRewritten() {
	credStore := new(testbuilder.MockCredentialStore)
	suite.dataCache.credStore = credStore

	stored := &models.CredentialRecord{
		Scope:         suite.scope,
		IntegrationID: suite.def.ID,
		Secrets:       map[string]string{"api_key": "k"},
	}
	credStore.On("Get", mock.Anything, suite.scope, suite.def.ID).Return(stored, nil)

	_, err := suite.dataCache.FetchAndStore(
		suite.ctx, suite.def, suite.orgID, "disc-1", suite.scope,
		func(_ context.Context, creds *models.CredentialRecord) (*fetcher.Result, error) {
			return &fetcher.Result{
				Data:               map[string]interface{}{},
				UpdatedCredentials: &models.CredentialRecord{Secrets: map[string]string{"api_key": "k"}},
			}, nil
		},
	)
	suite.Require().NoError(err)
	credStore.AssertNotCalled(suite.T(), "Put", mock.Anything, mock.Anything)
}

func (suite *DataCacheTestSuite) TestRotatedCredentialsPersistedWhenFetchFails() {
	credStore := new(testbuilder.MockCredentialStore)
	suite.dataCache.credStore = credStore

	stored := &models.CredentialRecord{
		Scope:         suite.scope,
		IntegrationID: suite.def.ID,
		Secrets:       map[string]string{"access_token": "old"},
	}
	rotated := &models.CredentialRecord{Secrets: map[string]string{"access_token": "new"}}

	credStore.On("Get", mock.Anything, suite.scope, suite.def.ID).Return(stored, nil)
	credStore.On("Put", mock.Anything, mock.MatchedBy(func(record *models.CredentialRecord) bool {
		return record.Secrets["access_token"] == "new"
	})).Return(nil).Once()

	// The provider re-issued the token but the fetch after the refresh
	// still failed; the new bundle must be written back anyway.
	entry, err := suite.dataCache.FetchAndStore(
		suite.ctx, suite.def, suite.orgID, "disc-1", suite.scope,
		func(_ context.Context, _ *models.CredentialRecord) (*fetcher.Result, error) {
			return nil, &fetcher.FetchError{
				Kind:    fetcher.KindTransport,
				Err:     errors.New("provider returned status 500"),
				Rotated: rotated,
			}
		},
	)

	suite.Require().NoError(err)
	suite.Equal(models.EntryStatusError, entry.Status)
	credStore.AssertExpectations(suite.T())
}

func (suite *DataCacheTestSuite) TestPushCommitsOverFreshEntry() {
	previous := testbuilder.NewEntry(suite.def.ID, "disc-1").
		WithOrganization(suite.orgID).
		WithVersion(3).
		WithPayload(map[string]interface{}{"message": "old"}).
		WithFetchedAt(suite.clock).
		WithRefreshAt(suite.clock.Add(time.Minute)).
		Build()
	suite.Require().NoError(suite.entries.UpsertEntry(previous))

	entry, err := suite.dataCache.StorePushed(
		suite.ctx, suite.def, suite.orgID, "disc-1",
		map[string]interface{}{"message": "hello"},
	)

	suite.Require().NoError(err)
	suite.Equal(int64(4), entry.Version, "a push commits even when the entry is not yet due")
	suite.Equal(models.EntryStatusOK, entry.Status)
	suite.Equal(map[string]interface{}{"message": "hello"}, entry.Payload)
	suite.credStore.AssertNotCalled(suite.T(), "Get", mock.Anything, mock.Anything, mock.Anything)
}

func (suite *DataCacheTestSuite) TestBackToBackPushesEachMintAVersion() {
	first, err := suite.dataCache.StorePushed(
		suite.ctx, suite.def, suite.orgID, "disc-1",
		map[string]interface{}{"seq": 1},
	)
	suite.Require().NoError(err)
	suite.Equal(int64(1), first.Version)

	second, err := suite.dataCache.StorePushed(
		suite.ctx, suite.def, suite.orgID, "disc-1",
		map[string]interface{}{"seq": 2},
	)
	suite.Require().NoError(err)
	suite.Equal(int64(2), second.Version)
	suite.Equal(map[string]interface{}{"seq": 2}, second.Payload)
}
