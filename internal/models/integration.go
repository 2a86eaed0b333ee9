package models

import (
	"fmt"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/google/uuid"
)

// IntegrationMode describes how a widget type exchanges data with the
// third-party service.
type IntegrationMode string

const (
	ModePull IntegrationMode = "pull"
	ModePush IntegrationMode = "push"
	ModeBoth IntegrationMode = "both"
)

func (m IntegrationMode) HasPull() bool {
	return m == ModePull || m == ModeBoth
}

func (m IntegrationMode) HasPush() bool {
	return m == ModePush || m == ModeBoth
}

// CredentialScope determines whether credentials are shared by the whole
// organization or held per widget instance.
type CredentialScope string

const (
	CredentialScopeOrganization CredentialScope = "organization"
	CredentialScopeWidget       CredentialScope = "widget"
)

// SharingPolicy determines which widget instances share a cache line.
type SharingPolicy string

const (
	// SharingOrganization shares one cache line across the organization.
	SharingOrganization SharingPolicy = "organization"
	// SharingWidgetOption shares per distinct value of one widget option.
	SharingWidgetOption SharingPolicy = "widget_option"
	// SharingWidgetConfig gives every widget instance its own cache line.
	SharingWidgetConfig SharingPolicy = "widget_config"
)

// IntegrationDefinition describes one way a widget type talks to an
// external service. Definitions are authored by administrators in the web
// backend and are read-only to the cache core.
type IntegrationDefinition struct {
	ID                  uuid.UUID       `db:"id" validate:"required"`
	WidgetType          string          `db:"widget_type" validate:"required"`
	Mode                IntegrationMode `db:"mode" validate:"required,oneof=pull push both"`
	CredentialScope     CredentialScope `db:"credential_scope" validate:"required,oneof=organization widget"`
	SharingPolicy       SharingPolicy   `db:"sharing_policy" validate:"required,oneof=organization widget_option widget_config"`
	SharingPolicyParam  string          `db:"sharing_policy_param"`
	PullEndpoint        string          `db:"pull_endpoint"`
	PullIntervalSeconds int             `db:"pull_interval_seconds"`
	PushWebhookPath     string          `db:"push_webhook_path"`
	Active              bool            `db:"active"`
	CreatedAt           time.Time       `db:"created_at"`
	UpdatedAt           time.Time       `db:"updated_at"`
}

//nolint:gochecknoglobals
var validate = validator.New()

// Validate enforces the cross-field invariants that struct tags alone
// cannot express: pull mode requires an endpoint and a positive interval,
// push mode requires a webhook path, and option-scoped sharing requires
// the option name.
func (d *IntegrationDefinition) Validate() error {
	if err := validate.Struct(d); err != nil {
		return fmt.Errorf("invalid integration definition: %w", err)
	}

	if d.Mode.HasPull() {
		if d.PullEndpoint == "" {
			return fmt.Errorf("integration %s: pull mode requires a pull endpoint", d.ID)
		}
		if d.PullIntervalSeconds <= 0 {
			return fmt.Errorf("integration %s: pull mode requires a positive pull interval", d.ID)
		}
	}

	if d.Mode.HasPush() && d.PushWebhookPath == "" {
		return fmt.Errorf("integration %s: push mode requires a webhook path", d.ID)
	}

	if d.SharingPolicy == SharingWidgetOption && d.SharingPolicyParam == "" {
		return fmt.Errorf("integration %s: widget_option sharing requires a policy parameter", d.ID)
	}

	return nil
}

// PullInterval returns the configured refresh interval.
func (d *IntegrationDefinition) PullInterval() time.Duration {
	return time.Duration(d.PullIntervalSeconds) * time.Second
}
