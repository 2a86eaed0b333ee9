// Package discriminator computes cache keys from an integration's sharing
// policy and a widget's configuration. Resolution is a pure function:
// identical inputs must always yield the identical discriminator id, or
// widgets silently stop sharing cache lines.
package discriminator

import (
	"errors"
	"fmt"

	"github.com/google/uuid"

	"widget-datacache/internal/models"
)

// ErrMissingDiscriminatorKey is returned when an option-scoped sharing
// policy names an option the widget does not carry. This is a
// configuration error and should be caught by the admin validation layer
// before any poll reaches the cache core.
var ErrMissingDiscriminatorKey = errors.New("missing discriminator key option")

// Resolve computes the discriminator id for one widget configuration.
//
// organization sharing keys on the organization id alone; widget_option
// sharing keys on the value of the configured option within the
// organization; widget_config sharing keys on the widget instance id so
// nothing is ever shared.
func Resolve(
	def *models.IntegrationDefinition,
	organizationID uuid.UUID,
	widgetID uuid.UUID,
	options models.OptionMap,
) (string, error) {
	switch def.SharingPolicy {
	case models.SharingOrganization:
		return organizationID.String(), nil

	case models.SharingWidgetOption:
		value, ok := options[def.SharingPolicyParam]
		if !ok || value.IsNull() {
			return "", fmt.Errorf("%w: option %q is not set for widget %s",
				ErrMissingDiscriminatorKey, def.SharingPolicyParam, widgetID)
		}
		return fmt.Sprintf("%s:%s:%s", organizationID, def.SharingPolicyParam, value.Canonical()), nil

	case models.SharingWidgetConfig:
		return widgetID.String(), nil

	default:
		return "", fmt.Errorf("unknown sharing policy %q for integration %s", def.SharingPolicy, def.ID)
	}
}
