// Package secrets resolves runtime credentials from Vault.
package secrets

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/hashicorp/vault/api"
)

// DatabaseURLKey is the KV2 field holding the Postgres connection string.
const DatabaseURLKey = "PG_URL"

// Vault reads secrets from a Vault server.
type Vault struct {
	client *api.Client
}

func NewVault(address, token string) (*Vault, error) {
	cfg := api.DefaultConfig()
	cfg.Address = address

	client, err := api.NewClient(cfg)
	if err != nil {
		return nil, fmt.Errorf("vault client initialization failed: %w", err)
	}
	if token != "" {
		client.SetToken(token)
	}
	return &Vault{client: client}, nil
}

// KV2 reads a KV v2 secret and returns the inner data map.
func (v *Vault) KV2(ctx context.Context, path string) (map[string]any, error) {
	secret, err := v.client.Logical().ReadWithContext(ctx, path)
	if err != nil {
		return nil, fmt.Errorf("failed to read secret at %s: %w", path, err)
	}
	if secret == nil || secret.Data == nil {
		return nil, fmt.Errorf("no data found at %s", path)
	}
	data, ok := secret.Data["data"].(map[string]any)
	if !ok {
		return nil, fmt.Errorf("unexpected data format at %s", path)
	}
	return data, nil
}

// String reads a single string field from a KV v2 secret.
func (v *Vault) String(ctx context.Context, path, key string) (string, error) {
	data, err := v.KV2(ctx, path)
	if err != nil {
		return "", err
	}
	s, ok := data[key].(string)
	if !ok || s == "" {
		return "", fmt.Errorf("key %s missing at %s", key, path)
	}
	return s, nil
}

// Resolver picks the database URL from Vault when configured, falling back
// to a plain value from the environment.
type Resolver struct {
	Vault      *Vault
	SecretPath string
	Fallback   string
	Logger     *slog.Logger
}

var ErrNoDatabaseURL = errors.New("no database url available")

func (r Resolver) DatabaseURL(ctx context.Context) (string, error) {
	if r.Vault != nil {
		url, err := r.Vault.String(ctx, r.SecretPath, DatabaseURLKey)
		if err == nil {
			return url, nil
		}
		if r.Fallback == "" {
			return "", fmt.Errorf("%w: %v", ErrNoDatabaseURL, err)
		}
		if r.Logger != nil {
			r.Logger.Warn("vault lookup failed, using DATABASE_URL", "path", r.SecretPath, "error", err)
		}
	}
	if r.Fallback == "" {
		return "", ErrNoDatabaseURL
	}
	return r.Fallback, nil
}
