package discriminator

import (
	"testing"

	"github.com/google/uuid"
	"github.com/stretchr/testify/require"

	"widget-datacache/internal/models"
	"widget-datacache/testutil/testbuilder"
)

func TestResolveOrganizationSharing(t *testing.T) {
	def := testbuilder.NewDefinition().Build()
	orgID := uuid.New()

	// Two widgets in the same organization share one cache line.
	first, err := Resolve(def, orgID, uuid.New(), models.OptionMap{})
	require.NoError(t, err)
	second, err := Resolve(def, orgID, uuid.New(), models.OptionMap{})
	require.NoError(t, err)
	require.Equal(t, first, second)
	require.Equal(t, orgID.String(), first)

	// A widget in another organization does not.
	other, err := Resolve(def, uuid.New(), uuid.New(), models.OptionMap{})
	require.NoError(t, err)
	require.NotEqual(t, first, other)
}

func TestResolveWidgetOptionSharing(t *testing.T) {
	def := testbuilder.NewDefinition().
		WithSharingPolicy(models.SharingWidgetOption, "symbol").
		Build()
	orgID := uuid.New()

	same1, err := Resolve(def, orgID, uuid.New(), models.OptionMap{"symbol": models.StringValue("AAPL")})
	require.NoError(t, err)
	same2, err := Resolve(def, orgID, uuid.New(), models.OptionMap{"symbol": models.StringValue("AAPL")})
	require.NoError(t, err)
	require.Equal(t, same1, same2)

	different, err := Resolve(def, orgID, uuid.New(), models.OptionMap{"symbol": models.StringValue("MSFT")})
	require.NoError(t, err)
	require.NotEqual(t, same1, different)

	// Same option value in another organization stays separate.
	otherOrg, err := Resolve(def, uuid.New(), uuid.New(), models.OptionMap{"symbol": models.StringValue("AAPL")})
	require.NoError(t, err)
	require.NotEqual(t, same1, otherOrg)
}

func TestResolveNumericOptionCanonicalization(t *testing.T) {
	def := testbuilder.NewDefinition().
		WithSharingPolicy(models.SharingWidgetOption, "count").
		Build()
	orgID := uuid.New()

	asInt, err := Resolve(def, orgID, uuid.New(), models.OptionMap{"count": models.NumberValue(42)})
	require.NoError(t, err)
	asFloat, err := Resolve(def, orgID, uuid.New(), models.OptionMap{"count": models.NumberValue(42.0)})
	require.NoError(t, err)
	require.Equal(t, asInt, asFloat)
}

func TestResolveMissingOption(t *testing.T) {
	def := testbuilder.NewDefinition().
		WithSharingPolicy(models.SharingWidgetOption, "symbol").
		Build()

	_, err := Resolve(def, uuid.New(), uuid.New(), models.OptionMap{})
	require.ErrorIs(t, err, ErrMissingDiscriminatorKey)

	_, err = Resolve(def, uuid.New(), uuid.New(), models.OptionMap{"symbol": models.NullValue()})
	require.ErrorIs(t, err, ErrMissingDiscriminatorKey)
}

func TestResolveWidgetConfigSharing(t *testing.T) {
	def := testbuilder.NewDefinition().
		WithSharingPolicy(models.SharingWidgetConfig, "").
		Build()
	orgID := uuid.New()
	widgetID := uuid.New()

	// Identical inputs always produce the identical discriminator.
	first, err := Resolve(def, orgID, widgetID, models.OptionMap{})
	require.NoError(t, err)
	second, err := Resolve(def, orgID, widgetID, models.OptionMap{})
	require.NoError(t, err)
	require.Equal(t, first, second)

	other, err := Resolve(def, orgID, uuid.New(), models.OptionMap{})
	require.NoError(t, err)
	require.NotEqual(t, first, other)
}

func TestResolveUnknownPolicy(t *testing.T) {
	def := testbuilder.NewDefinition().Build()
	def.SharingPolicy = "per-device"

	_, err := Resolve(def, uuid.New(), uuid.New(), models.OptionMap{})
	require.Error(t, err)
}
