package fetcher

import (
	"context"
	"errors"
	"fmt"

	"widget-datacache/internal/models"
)

// Result is what a successful third-party call produces: the payload to
// cache and, when the provider rotated tokens during the call, the
// credentials to write back.
type Result struct {
	Data               map[string]interface{}
	UpdatedCredentials *models.CredentialRecord
}

// Fetcher performs the actual third-party call for one integration. It
// must be safe to call concurrently and must honor ctx cancellation; the
// cache enforces the upper-bound timeout through ctx.
type Fetcher interface {
	Fetch(ctx context.Context, def *models.IntegrationDefinition, creds *models.CredentialRecord, options models.OptionMap) (*Result, error)
}

// CredentialProvider is the pluggable capability for integrations whose
// credentials can be re-issued (e.g. an OAuth refresh-token flow). PKCE
// verifier storage, where a provider needs it, is the provider's own
// concern.
type CredentialProvider interface {
	Refresh(ctx context.Context, creds *models.CredentialRecord) (*models.CredentialRecord, error)
}

// ErrorKind classifies fetch failures for the retry policy.
type ErrorKind string

const (
	KindTimeout   ErrorKind = "timeout"
	KindTransport ErrorKind = "transport"
	KindAuth      ErrorKind = "auth"
)

type FetchError struct {
	Kind ErrorKind
	Err  error

	// Rotated carries a credential bundle the provider re-issued during
	// the failed fetch. The caller must still persist it; otherwise the
	// old, already-invalidated bundle is retried forever.
	Rotated *models.CredentialRecord
}

func (e *FetchError) Error() string {
	return fmt.Sprintf("fetch %s error: %v", e.Kind, e.Err)
}

func (e *FetchError) Unwrap() error {
	return e.Err
}

func NewFetchError(kind ErrorKind, err error) *FetchError {
	return &FetchError{Kind: kind, Err: err}
}

// withRotated attaches a re-issued credential bundle to a fetch error so
// it survives the failure path.
func withRotated(err error, rotated *models.CredentialRecord) error {
	var fetchErr *FetchError
	if errors.As(err, &fetchErr) {
		fetchErr.Rotated = rotated
		return err
	}
	return &FetchError{Kind: KindOf(err), Err: err, Rotated: rotated}
}

// RotatedCredentials returns the credential bundle re-issued during a
// failed fetch, or nil when the failure rotated nothing.
func RotatedCredentials(err error) *models.CredentialRecord {
	var fetchErr *FetchError
	if errors.As(err, &fetchErr) {
		return fetchErr.Rotated
	}
	return nil
}

// KindOf returns the classification of err, defaulting to transport for
// anything unclassified.
func KindOf(err error) ErrorKind {
	var fetchErr *FetchError
	if errors.As(err, &fetchErr) {
		return fetchErr.Kind
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return KindTimeout
	}
	return KindTransport
}
