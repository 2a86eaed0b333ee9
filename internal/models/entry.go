package models

import (
	"time"

	"github.com/google/uuid"
)

// EntryStatus is the health of a cache line.
const (
	EntryStatusOK      EntryStatus = "ok"
	EntryStatusError   EntryStatus = "error"
	EntryStatusPending EntryStatus = "pending"
)

type EntryStatus string

func (s EntryStatus) String() string {
	return string(s)
}

// IntegrationDataEntry is one cache line: the payload fetched for a
// discriminator, shared by every widget instance that resolves to it.
// (integration_id, discriminator_id) is unique; the row is updated in
// place on every fetch so the version counter never resets.
type IntegrationDataEntry struct {
	IntegrationID   uuid.UUID              `db:"integration_id"`
	OrganizationID  uuid.UUID              `db:"organization_id"`
	DiscriminatorID string                 `db:"discriminator_id"`
	Payload         map[string]interface{} `db:"-"`
	RawPayload      []byte                 `db:"payload"`
	Version         int64                  `db:"version"`
	FetchedAt       time.Time              `db:"fetched_at"`
	RefreshAt       time.Time              `db:"refresh_at"`
	LastUsedAt      time.Time              `db:"last_used_at"`
	Status          EntryStatus            `db:"status"`
	ErrorMessage    *string                `db:"error_message"`
	FailureCount    int                    `db:"failure_count"`
}

func (e *IntegrationDataEntry) SetStatus(status EntryStatus) {
	e.Status = status
}

func (e *IntegrationDataEntry) SetErrorMessage(msg *string) {
	e.ErrorMessage = msg
}

// NeedsRefresh reports whether the entry is due for another fetch: the
// previous fetch failed, or the refresh deadline has passed. A nil entry
// (nothing cached yet) always needs one.
func (e *IntegrationDataEntry) NeedsRefresh(now time.Time) bool {
	if e == nil {
		return true
	}
	if e.Status == EntryStatusError {
		return true
	}
	return !now.Before(e.RefreshAt)
}
