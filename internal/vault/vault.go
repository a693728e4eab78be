// Package vault loads exchange credentials from a HashiCorp Vault KV v2
// mount, as an alternative to plain environment variables.
package vault

import (
	"context"
	"fmt"

	vaultapi "github.com/hashicorp/vault/api"

	"futures-trading-engine/config"
	"futures-trading-engine/internal/logging"
)

// Credentials are the exchange API keys held in Vault.
type Credentials struct {
	APIKey    string
	SecretKey string
}

// LoadCredentials reads the configured secret path. Missing keys in the
// secret are an error; trading without credentials must fail at startup.
func LoadCredentials(ctx context.Context, cfg config.VaultConfig) (*Credentials, error) {
	log := logging.Component("vault")

	vc := vaultapi.DefaultConfig()
	vc.Address = cfg.Address
	client, err := vaultapi.NewClient(vc)
	if err != nil {
		return nil, fmt.Errorf("vault: create client: %w", err)
	}
	client.SetToken(cfg.Token)

	secret, err := client.KVv2(cfg.MountPath).Get(ctx, cfg.SecretPath)
	if err != nil {
		return nil, fmt.Errorf("vault: read %s/%s: %w", cfg.MountPath, cfg.SecretPath, err)
	}

	apiKey, _ := secret.Data["api_key"].(string)
	secretKey, _ := secret.Data["secret_key"].(string)
	if apiKey == "" || secretKey == "" {
		return nil, fmt.Errorf("vault: secret %s missing api_key or secret_key", cfg.SecretPath)
	}
	log.Info().Str("path", cfg.SecretPath).Msg("exchange credentials loaded from vault")
	return &Credentials{APIKey: apiKey, SecretKey: secretKey}, nil
}
