package credentials

import (
	"context"
	"errors"
	"fmt"

	"github.com/google/uuid"
	vault "github.com/hashicorp/vault/api"
	"github.com/rs/zerolog"

	"widget-datacache/internal/config"
	"widget-datacache/internal/keylock"
	"widget-datacache/internal/models"
	"widget-datacache/pkg/log"
)

// VaultStore keeps credential bundles in a Vault KV v2 mount at
// {mount}/{scope_type}/{scope_id}/{integration_id}. Vault provides the
// encryption at rest; this store only enforces scope shape and write
// serialization.
type VaultStore struct {
	client *vault.Client
	mount  string
	locks  *keylock.Registry
	logger zerolog.Logger
}

func NewVaultStore(cfg *config.Vault, locks *keylock.Registry) (*VaultStore, error) {
	vaultConfig := vault.DefaultConfig()
	vaultConfig.Address = cfg.Address

	if cfg.TLSSkipVerify {
		if err := vaultConfig.ConfigureTLS(&vault.TLSConfig{Insecure: true}); err != nil {
			return nil, fmt.Errorf("failed to configure vault tls: %w", err)
		}
	}

	client, err := vault.NewClient(vaultConfig)
	if err != nil {
		return nil, fmt.Errorf("failed to create vault client: %w", err)
	}
	client.SetToken(cfg.Token)

	return &VaultStore{
		client: client,
		mount:  cfg.Mount,
		locks:  locks,
		logger: log.Logger.With().Str("component", "vault_credential_store").Logger(),
	}, nil
}

func (s *VaultStore) Get(ctx context.Context, scope models.CredentialScopeKey, integrationID uuid.UUID) (*models.CredentialRecord, error) {
	if err := scope.Validate(); err != nil {
		return nil, err
	}

	secret, err := s.client.KVv2(s.mount).Get(ctx, s.secretPath(scope, integrationID))
	if errors.Is(err, vault.ErrSecretNotFound) {
		return nil, ErrCredentialsNotFound
	}
	if err != nil {
		s.logger.Error().Err(err).Str("scope", scope.String()).Msg("Failed to read credentials from vault")
		return nil, fmt.Errorf("failed to read credentials: %w", err)
	}

	secrets := make(map[string]string, len(secret.Data))
	for key, value := range secret.Data {
		stringValue, ok := value.(string)
		if !ok {
			return nil, fmt.Errorf("credential field %q for scope %s is not a string", key, scope)
		}
		secrets[key] = stringValue
	}

	return &models.CredentialRecord{
		Scope:         scope,
		IntegrationID: integrationID,
		Secrets:       secrets,
	}, nil
}

// Put writes a bundle back, holding the scope lock so concurrent
// refreshes for the same scope cannot interleave their token rotations.
func (s *VaultStore) Put(ctx context.Context, record *models.CredentialRecord) error {
	if err := record.Scope.Validate(); err != nil {
		return err
	}

	release, err := s.locks.Acquire(ctx, "credentials/"+record.Scope.String())
	if err != nil {
		return fmt.Errorf("failed to acquire credential scope lock: %w", err)
	}
	defer release()

	data := make(map[string]interface{}, len(record.Secrets))
	for key, value := range record.Secrets {
		data[key] = value
	}

	_, err = s.client.KVv2(s.mount).Put(ctx, s.secretPath(record.Scope, record.IntegrationID), data)
	if err != nil {
		s.logger.Error().Err(err).Str("scope", record.Scope.String()).Msg("Failed to write credentials to vault")
		return fmt.Errorf("failed to write credentials: %w", err)
	}

	s.logger.Debug().Str("scope", record.Scope.String()).Str("integration_id", record.IntegrationID.String()).
		Msg("Stored rotated credentials")
	return nil
}

func (s *VaultStore) secretPath(scope models.CredentialScopeKey, integrationID uuid.UUID) string {
	return fmt.Sprintf("%s/%s/%s", scope.ScopeType, scope.ScopeID, integrationID)
}
