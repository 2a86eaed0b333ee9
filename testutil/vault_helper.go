package testutil

import (
	"context"
	"fmt"
	"time"

	"github.com/docker/docker/api/types/container"
	"github.com/docker/go-connections/nat"
	"github.com/testcontainers/testcontainers-go"
	"github.com/testcontainers/testcontainers-go/modules/vault"
	"github.com/testcontainers/testcontainers-go/wait"

	"widget-datacache/internal/config"
)

const CredentialsMount = "widget-credentials"

type VaultHelper struct {
	container *vault.VaultContainer
	Config    *config.Vault
	port      int
}

// NewVaultContainer starts a dev-mode Vault with the credentials KV v2
// mount already enabled.
func NewVaultContainer(ctx context.Context) (*VaultHelper, error) {
	pm := getPortManager()
	hostPort, err := pm.reservePort()
	if err != nil {
		return nil, fmt.Errorf("failed to reserve port: %w", err)
	}

	rootToken := "root-token"
	vaultContainer, err := vault.Run(ctx,
		"hashicorp/vault:1.13.0",
		vault.WithToken(rootToken),
		vault.WithInitCommand(fmt.Sprintf("secrets enable -path=%s kv-v2", CredentialsMount)),
		testcontainers.WithWaitStrategy(
			wait.ForHTTP("/v1/sys/health").
				WithPort("8200/tcp").
				WithStartupTimeout(30*time.Second),
			wait.ForExposedPort().WithStartupTimeout(1*time.Minute)),
		testcontainers.WithHostConfigModifier(func(hostConfig *container.HostConfig) {
			hostConfig.PortBindings = nat.PortMap{
				nat.Port("8200/tcp"): []nat.PortBinding{{HostPort: fmt.Sprintf("%d", hostPort)}},
			}
		}),
	)

	if err != nil {
		pm.releasePort(hostPort)
		return nil, fmt.Errorf("failed to start Vault container: %w", err)
	}

	host, err := vaultContainer.Host(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to get host: %w", err)
	}

	port, err := vaultContainer.MappedPort(ctx, "8200")
	if err != nil {
		return nil, fmt.Errorf("failed to get mapped port: %w", err)
	}

	vaultConfig := &config.Vault{
		Address: fmt.Sprintf("http://%s:%s", host, port.Port()),
		Token:   rootToken,
		Mount:   CredentialsMount,
	}

	return &VaultHelper{
		container: vaultContainer,
		Config:    vaultConfig,
		port:      hostPort,
	}, nil
}

func (v *VaultHelper) Terminate(ctx context.Context) error {
	getPortManager().releasePort(v.port)
	if v.container != nil {
		return v.container.Terminate(ctx)
	}
	return nil
}
