package credentials

import (
	"context"
	"errors"

	"github.com/google/uuid"

	"widget-datacache/internal/models"
)

// ErrCredentialsNotFound is returned when no credential bundle exists for
// a scope. Integrations without credentials treat this as an empty bundle.
var ErrCredentialsNotFound = errors.New("credentials not found for scope")

// Store holds encrypted credential bundles keyed by (scope, integration).
// Writes for the same scope must be serialized by the implementation so
// two concurrent refreshes cannot overwrite each other's rotated tokens.
type Store interface {
	Get(ctx context.Context, scope models.CredentialScopeKey, integrationID uuid.UUID) (*models.CredentialRecord, error)
	Put(ctx context.Context, record *models.CredentialRecord) error
}
