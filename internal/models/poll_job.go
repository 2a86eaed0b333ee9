package models

import (
	"github.com/google/uuid"
)

// PollJob is a transient unit of refresh work. It is never persisted;
// it only exists on the scheduler's queue between discovery and
// execution.
type PollJob struct {
	OrganizationID  uuid.UUID
	IntegrationID   uuid.UUID
	WidgetID        uuid.UUID
	DiscriminatorID string
	Options         OptionMap
	OnDemand        bool
}

// Key returns the scheduling identity of the job. Two jobs with the same
// key refresh the same cache line, so only one of them may be queued or
// running at a time.
func (j PollJob) Key() string {
	return j.IntegrationID.String() + "/" + j.DiscriminatorID
}
