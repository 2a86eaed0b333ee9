// Package poller drives refreshes through the data cache: a scan pass
// discovers cache lines that are due, deduplicates them per key, and
// fans the resulting jobs out over a bounded worker pool.
package poller

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"widget-datacache/internal/cache"
	"widget-datacache/internal/discriminator"
	"widget-datacache/internal/fetcher"
	"widget-datacache/internal/models"
	"widget-datacache/internal/repository"
	"widget-datacache/internal/service/definitions"
	"widget-datacache/pkg/converter"
	"widget-datacache/pkg/log"
)

// PollResult summarizes one scan pass.
type PollResult struct {
	Discovered int
	Refreshed  int
	Failed     int
	Skipped    int
	Deduped    int
	Duration   time.Duration
	JobResults []*JobResult
}

// JobResult is the outcome of one executed poll job.
type JobResult struct {
	Job   models.PollJob
	Entry *models.IntegrationDataEntry
	Error error
}

type PollScheduler struct {
	dataCache   *cache.DataCache
	definitions *definitions.Snapshot
	widgets     repository.WidgetConfigRepository
	fetch       fetcher.Fetcher
	concurrency int

	mu       sync.Mutex
	inFlight map[string]struct{}

	now    func() time.Time
	logger zerolog.Logger
}

func NewPollScheduler(
	dataCache *cache.DataCache,
	defs *definitions.Snapshot,
	widgets repository.WidgetConfigRepository,
	fetch fetcher.Fetcher,
	concurrency int,
) *PollScheduler {
	return &PollScheduler{
		dataCache:   dataCache,
		definitions: defs,
		widgets:     widgets,
		fetch:       fetch,
		concurrency: concurrency,
		inFlight:    make(map[string]struct{}),
		now:         time.Now,
		logger:      log.Logger.With().Str("component", "poll_scheduler").Logger(),
	}
}

// RunOnce performs one scan pass: discover due cache lines and refresh
// them. Called by the serve daemon on every tick and by `poll once`.
func (s *PollScheduler) RunOnce(ctx context.Context) (*PollResult, error) {
	startTime := s.now()
	s.logger.Debug().Msg("Starting poll scan pass")

	if ctx.Err() != nil {
		return nil, ctx.Err()
	}

	jobs, deduped, err := s.discoverJobs(ctx)
	if err != nil {
		return nil, err
	}

	result := &PollResult{
		Discovered: len(jobs),
		Deduped:    deduped,
		JobResults: make([]*JobResult, 0, len(jobs)),
	}

	if len(jobs) > 0 {
		s.executeJobs(ctx, jobs, result)
	}
	result.Duration = time.Since(startTime)

	s.logSummary(result)

	if ctx.Err() != nil {
		return result, fmt.Errorf("poll pass interrupted: %w", ctx.Err())
	}
	return result, nil
}

// TriggerPoll enqueues an on-demand refresh for one widget (the admin
// "refresh now" action). The job is dropped when the cache line is fresh
// or a refresh for its key is already scheduled or running.
func (s *PollScheduler) TriggerPoll(ctx context.Context, organizationID, widgetID uuid.UUID) error {
	widget, err := s.widgets.GetWidgetConfiguration(widgetID)
	if err != nil {
		return err
	}
	if !widget.Active {
		return repository.ErrWidgetConfigNotFound
	}
	if widget.OrganizationID != organizationID {
		return fmt.Errorf("widget %s does not belong to organization %s", widgetID, organizationID)
	}

	def, err := s.definitions.Get(widget.IntegrationID)
	if err != nil {
		return err
	}
	if !def.Active || !def.Mode.HasPull() {
		return fmt.Errorf("integration %s does not accept poll requests", def.ID)
	}

	discriminatorID, err := discriminator.Resolve(def, widget.OrganizationID, widget.WidgetID, widget.Options)
	if err != nil {
		return err
	}

	job := models.PollJob{
		OrganizationID:  widget.OrganizationID,
		IntegrationID:   def.ID,
		WidgetID:        widget.WidgetID,
		DiscriminatorID: discriminatorID,
		Options:         widget.Options,
		OnDemand:        true,
	}

	entry, err := s.dataCache.Get(def.ID, discriminatorID)
	if err != nil && !errors.Is(err, repository.ErrEntryNotFound) {
		return err
	}
	if !s.dataCache.NeedsRefresh(entry, s.now()) {
		s.logger.Debug().Str("key", job.Key()).Msg("On-demand poll skipped, entry is fresh")
		return nil
	}

	if !s.markScheduled(job.Key()) {
		s.logger.Debug().Str("key", job.Key()).Msg("On-demand poll deduplicated, job already in flight")
		return nil
	}

	// The refresh outlives the triggering request, so detach from its
	// cancellation while keeping its values.
	jobCtx := context.WithoutCancel(ctx)
	go func() {
		defer s.unmarkScheduled(job.Key())
		s.runJob(jobCtx, job, def)
	}()

	return nil
}

func (s *PollScheduler) discoverJobs(ctx context.Context) ([]models.PollJob, int, error) {
	defs, err := s.definitions.Active()
	if err != nil {
		return nil, 0, err
	}

	var jobs []models.PollJob
	deduped := 0
	seen := make(map[string]struct{})
	now := s.now()

	for _, def := range defs {
		if !def.Mode.HasPull() {
			continue
		}
		if ctx.Err() != nil {
			return jobs, deduped, ctx.Err()
		}

		widgets, err := s.widgets.ListActiveByIntegration(def.ID)
		if err != nil {
			s.logger.Error().Err(err).Str("integration_id", def.ID.String()).Msg("Failed to list widgets for integration")
			continue
		}

		for _, widget := range widgets {
			discriminatorID, resolveErr := discriminator.Resolve(def, widget.OrganizationID, widget.WidgetID, widget.Options)
			if resolveErr != nil {
				s.logger.Warn().Err(resolveErr).
					Str("widget_id", widget.WidgetID.String()).
					Strs("option_keys", converter.MapKeysToSlice(widget.Options)).
					Msg("Failed to resolve discriminator, skipping widget")
				continue
			}

			job := models.PollJob{
				OrganizationID:  widget.OrganizationID,
				IntegrationID:   def.ID,
				WidgetID:        widget.WidgetID,
				DiscriminatorID: discriminatorID,
				Options:         widget.Options,
			}

			// Many widgets resolving to the same key produce one job.
			if _, ok := seen[job.Key()]; ok {
				continue
			}
			seen[job.Key()] = struct{}{}

			entry, getErr := s.dataCache.Get(def.ID, discriminatorID)
			if getErr != nil && !errors.Is(getErr, repository.ErrEntryNotFound) {
				s.logger.Error().Err(getErr).Str("key", job.Key()).Msg("Failed to read cache entry during discovery")
				continue
			}
			// The scan pass fires on refresh_at, which after a failure is
			// the backed-off retry time. The status=error shortcut in
			// NeedsRefresh is reserved for on-demand triggers.
			if entry != nil && now.Before(entry.RefreshAt) {
				continue
			}

			if !s.markScheduled(job.Key()) {
				deduped++
				continue
			}
			jobs = append(jobs, job)
		}
	}

	return jobs, deduped, nil
}

func (s *PollScheduler) executeJobs(ctx context.Context, jobs []models.PollJob, result *PollResult) {
	s.logger.Info().
		Int("concurrency", s.concurrency).
		Int("jobs", len(jobs)).
		Msg("Executing poll jobs")

	jobResults := s.runJobsInParallel(ctx, jobs)
	for jobResult := range jobResults {
		result.JobResults = append(result.JobResults, jobResult)
		s.categorizeJobResult(jobResult, result)
	}
}

func (s *PollScheduler) runJobsInParallel(ctx context.Context, jobs []models.PollJob) chan *JobResult {
	var wg sync.WaitGroup
	semaphore := make(chan struct{}, s.concurrency)
	jobResults := make(chan *JobResult, len(jobs))

	for _, job := range jobs {
		wg.Add(1)
		go s.executeJob(ctx, job, &wg, semaphore, jobResults)
	}

	go func() {
		wg.Wait()
		close(jobResults)
	}()

	return jobResults
}

func (s *PollScheduler) executeJob(
	ctx context.Context,
	job models.PollJob,
	wg *sync.WaitGroup,
	semaphore chan struct{},
	jobResults chan *JobResult,
) {
	defer wg.Done()
	defer s.unmarkScheduled(job.Key())

	cancelJob := func(err error) {
		jobResults <- &JobResult{Job: job, Error: err}
	}

	select {
	case <-ctx.Done():
		cancelJob(ctx.Err())
		return
	default:
		// Context is still valid, proceed
	}

	select {
	case semaphore <- struct{}{}:
		defer func() { <-semaphore }()
	case <-ctx.Done():
		cancelJob(ctx.Err())
		return
	}

	// The definition may have been deactivated between discovery and
	// pickup; drop the job before it transitions to running.
	def, err := s.definitions.Get(job.IntegrationID)
	if err != nil || !def.Active {
		cancelJob(fmt.Errorf("integration %s deactivated before job ran", job.IntegrationID))
		return
	}

	jobResults <- s.runJob(ctx, job, def)
}

func (s *PollScheduler) runJob(ctx context.Context, job models.PollJob, def *models.IntegrationDefinition) *JobResult {
	entry, err := s.dataCache.FetchAndStore(
		ctx,
		def,
		job.OrganizationID,
		job.DiscriminatorID,
		credentialScopeForJob(def, job),
		func(fetchCtx context.Context, creds *models.CredentialRecord) (*fetcher.Result, error) {
			return s.fetch.Fetch(fetchCtx, def, creds, job.Options)
		},
	)
	if err != nil {
		s.logger.Error().Err(err).Str("key", job.Key()).Msg("Poll job execution failed")
	}
	return &JobResult{Job: job, Entry: entry, Error: err}
}

func (s *PollScheduler) categorizeJobResult(jobResult *JobResult, result *PollResult) {
	if jobResult.Error != nil {
		if errors.Is(jobResult.Error, context.Canceled) || errors.Is(jobResult.Error, context.DeadlineExceeded) {
			result.Skipped++
			return
		}
		result.Failed++
		return
	}

	if jobResult.Entry != nil && jobResult.Entry.Status == models.EntryStatusError {
		result.Failed++
		return
	}
	result.Refreshed++
}

func (s *PollScheduler) markScheduled(key string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.inFlight[key]; ok {
		return false
	}
	s.inFlight[key] = struct{}{}
	return true
}

func (s *PollScheduler) unmarkScheduled(key string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.inFlight, key)
}

func (s *PollScheduler) logSummary(result *PollResult) {
	s.logger.Info().
		Int("discovered", result.Discovered).
		Int("refreshed", result.Refreshed).
		Int("failed", result.Failed).
		Int("skipped", result.Skipped).
		Int("deduped", result.Deduped).
		Dur("duration", result.Duration).
		Msg("Poll pass completed")
}

func credentialScopeForJob(def *models.IntegrationDefinition, job models.PollJob) models.CredentialScopeKey {
	if def.CredentialScope == models.CredentialScopeWidget {
		return models.CredentialScopeKey{ScopeType: models.CredentialScopeWidget, ScopeID: job.WidgetID}
	}
	return models.CredentialScopeKey{ScopeType: models.CredentialScopeOrganization, ScopeID: job.OrganizationID}
}
