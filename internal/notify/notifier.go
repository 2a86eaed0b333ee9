package notify

import (
	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"widget-datacache/pkg/log"
)

// Notifier is the hook fired after a successful fetch commit. The real
// delivery fan-out (device push, websockets) lives in the platform's
// notification subsystem; this interface is its seam.
type Notifier interface {
	EntryUpdated(integrationID uuid.UUID, discriminatorID string, version int64)
}

// LogNotifier is the default sink used when no notification subsystem is
// attached.
type LogNotifier struct {
	logger zerolog.Logger
}

func NewLogNotifier() *LogNotifier {
	return &LogNotifier{
		logger: log.Logger.With().Str("component", "notifier").Logger(),
	}
}

func (n *LogNotifier) EntryUpdated(integrationID uuid.UUID, discriminatorID string, version int64) {
	n.logger.Info().
		Str("integration_id", integrationID.String()).
		Str("discriminator_id", discriminatorID).
		Int64("version", version).
		Msg("Cache entry updated")
}
