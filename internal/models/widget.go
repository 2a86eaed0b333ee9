package models

import (
	"time"

	"github.com/google/uuid"
)

// WidgetConfiguration is a widget instance's binding to an integration,
// owned by the platform's web backend. The cache core reads it to resolve
// discriminators and to decide which cache lines are still referenced.
type WidgetConfiguration struct {
	WidgetID       uuid.UUID `db:"widget_id"`
	OrganizationID uuid.UUID `db:"organization_id"`
	IntegrationID  uuid.UUID `db:"integration_id"`
	RawOptions     []byte    `db:"options"`
	Options        OptionMap `db:"-"`
	Active         bool      `db:"active"`
	CreatedAt      time.Time `db:"created_at"`
	UpdatedAt      time.Time `db:"updated_at"`
}
