// Package reaper sweeps cache entries that no widget has used within the
// retention window. It runs outside the request path; a failed sweep is
// logged and picked up again on the next schedule, never fatal.
package reaper

import (
	"context"
	"errors"
	"time"

	"github.com/rs/zerolog"

	"widget-datacache/internal/discriminator"
	"widget-datacache/internal/models"
	"widget-datacache/internal/repository"
	"widget-datacache/internal/service/definitions"
	"widget-datacache/pkg/log"
)

type SweepResult struct {
	Scanned  int
	Deleted  int
	Retained int
	Failed   int
	Duration time.Duration
}

type Reaper struct {
	entries     repository.EntryRepository
	widgets     repository.WidgetConfigRepository
	definitions *definitions.Snapshot
	retention   time.Duration

	now    func() time.Time
	logger zerolog.Logger
}

func NewReaper(
	entries repository.EntryRepository,
	widgets repository.WidgetConfigRepository,
	defs *definitions.Snapshot,
	retention time.Duration,
) *Reaper {
	return &Reaper{
		entries:     entries,
		widgets:     widgets,
		definitions: defs,
		retention:   retention,
		now:         time.Now,
		logger:      log.Logger.With().Str("component", "stale_entry_reaper").Logger(),
	}
}

// Sweep deletes entries unused for longer than the retention window,
// unless a live widget configuration still resolves to the entry's
// discriminator. The repository query filters on last_used_at only; the
// resolver recheck here is the liveness test, and it is exact for
// option- and widget-scoped sharing, including widgets whose options
// drifted to a different discriminator since the entry was written.
func (r *Reaper) Sweep(ctx context.Context) (*SweepResult, error) {
	startTime := r.now()
	cutoff := startTime.Add(-r.retention)

	logger := r.logger.With().Str("action", "sweep").Logger()
	logger.Info().Time("cutoff", cutoff).Msg("Starting stale entry sweep")

	candidates, err := r.entries.ListReapableEntries(cutoff)
	if err != nil {
		logger.Error().Err(err).Msg("Failed to list reapable entries, retrying on next sweep")
		return nil, err
	}

	result := &SweepResult{Scanned: len(candidates)}

	for _, entry := range candidates {
		if ctx.Err() != nil {
			result.Duration = time.Since(startTime)
			return result, ctx.Err()
		}

		referenced, refErr := r.isReferenced(entry)
		if refErr != nil {
			logger.Error().Err(refErr).
				Str("discriminator_id", entry.DiscriminatorID).
				Msg("Failed to check entry references, keeping entry")
			result.Failed++
			continue
		}
		if referenced {
			result.Retained++
			continue
		}

		if deleteErr := r.entries.DeleteEntry(entry.IntegrationID, entry.DiscriminatorID); deleteErr != nil {
			logger.Error().Err(deleteErr).
				Str("discriminator_id", entry.DiscriminatorID).
				Msg("Failed to delete stale entry")
			result.Failed++
			continue
		}
		result.Deleted++
	}

	result.Duration = time.Since(startTime)
	logger.Info().
		Int("scanned", result.Scanned).
		Int("deleted", result.Deleted).
		Int("retained", result.Retained).
		Int("failed", result.Failed).
		Dur("duration", result.Duration).
		Msg("Stale entry sweep completed")

	return result, nil
}

// isReferenced reports whether any active widget configuration still
// resolves to the entry's discriminator.
func (r *Reaper) isReferenced(entry *models.IntegrationDataEntry) (bool, error) {
	def, err := r.definitions.Get(entry.IntegrationID)
	if errors.Is(err, repository.ErrDefinitionNotFound) {
		// Orphaned entry, its integration definition is gone.
		return false, nil
	}
	if err != nil {
		return false, err
	}

	widgets, err := r.widgets.ListActiveByIntegration(entry.IntegrationID)
	if err != nil {
		return false, err
	}

	for _, widget := range widgets {
		discriminatorID, resolveErr := discriminator.Resolve(def, widget.OrganizationID, widget.WidgetID, widget.Options)
		if resolveErr != nil {
			continue
		}
		if discriminatorID == entry.DiscriminatorID {
			return true, nil
		}
	}
	return false, nil
}
