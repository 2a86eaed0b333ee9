package repository

import (
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/require"

	"widget-datacache/internal/models"
	"widget-datacache/pkg/db"
)

func insertDefinition(t *testing.T, ds *db.PostgresDatastore, def *models.IntegrationDefinition) {
	t.Helper()
	_, err := ds.DB.Exec(`
        INSERT INTO integration_definitions (
            id, widget_type, mode, credential_scope, sharing_policy, sharing_policy_param,
            pull_endpoint, pull_interval_seconds, push_webhook_path, active
        ) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)`,
		def.ID, def.WidgetType, def.Mode, def.CredentialScope, def.SharingPolicy, def.SharingPolicyParam,
		def.PullEndpoint, def.PullIntervalSeconds, def.PushWebhookPath, def.Active)
	require.NoError(t, err, "Failed to insert test definition")
}

func insertWidget(t *testing.T, ds *db.PostgresDatastore, widget *models.WidgetConfiguration) {
	t.Helper()
	rawOptions, err := json.Marshal(widget.Options)
	require.NoError(t, err, "Failed to encode widget options")

	_, err = ds.DB.Exec(`
        INSERT INTO widget_configurations (
            widget_id, organization_id, integration_id, options, active
        ) VALUES ($1, $2, $3, $4, $5)`,
		widget.WidgetID, widget.OrganizationID, widget.IntegrationID, rawOptions, widget.Active)
	require.NoError(t, err, "Failed to insert test widget configuration")
}
