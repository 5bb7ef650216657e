package secrets

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	vault "github.com/hashicorp/vault/api"

	"icebreaker/backend/pkg/cache"
	"icebreaker/backend/pkg/logger"
)

// VaultConfig holds configuration for the Vault client
type VaultConfig struct {
	Address string
	Token   string
	// Path is the full KV v2 data path, e.g. secret/data/icebreaker
	Path       string
	Timeout    time.Duration
	MaxRetries int
	CacheTTL   time.Duration
}

// VaultManager reads secrets from one KV v2 document and falls back to the
// environment for keys the document does not hold
type VaultManager struct {
	client *vault.Client
	mount  string
	path   string
	cache  *cache.Cache
	env    Env
	log    *logger.Logger
}

// NewVaultManager creates a Vault-backed manager
func NewVaultManager(cfg VaultConfig, log *logger.Logger) (*VaultManager, error) {
	if cfg.Address == "" {
		return nil, ErrNoVaultAddress
	}
	if cfg.Token == "" {
		return nil, ErrNoVaultToken
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = 10 * time.Second
	}
	if cfg.CacheTTL <= 0 {
		cfg.CacheTTL = 5 * time.Minute
	}
	mount, path, err := splitKVPath(cfg.Path)
	if err != nil {
		return nil, err
	}

	vcfg := vault.DefaultConfig()
	vcfg.Address = cfg.Address
	vcfg.Timeout = cfg.Timeout
	vcfg.MaxRetries = cfg.MaxRetries

	client, err := vault.NewClient(vcfg)
	if err != nil {
		return nil, fmt.Errorf("failed to create vault client: %w", err)
	}
	client.SetToken(cfg.Token)

	if log == nil {
		log = logger.Nop()
	}
	return &VaultManager{
		client: client,
		mount:  mount,
		path:   path,
		cache:  cache.New(cache.Options{TTL: cfg.CacheTTL, CleanupInterval: cfg.CacheTTL}),
		log:    log.WithComponent("secrets"),
	}, nil
}

// splitKVPath turns "secret/data/icebreaker" into mount "secret" and path "icebreaker"
func splitKVPath(full string) (string, string, error) {
	parts := strings.SplitN(strings.Trim(full, "/"), "/", 3)
	switch {
	case len(parts) == 3 && parts[1] == "data":
		return parts[0], parts[2], nil
	case len(parts) >= 2:
		return parts[0], strings.Join(parts[1:], "/"), nil
	default:
		return "", "", fmt.Errorf("invalid vault path %q", full)
	}
}

// GetSecret returns key from Vault, then from the environment
func (m *VaultManager) GetSecret(ctx context.Context, key string) (string, error) {
	if v, ok := m.cache.Get(key); ok {
		return v.(string), nil
	}

	value, err := m.getFromVault(ctx, key)
	if errors.Is(err, ErrSecretNotFound) {
		m.log.Debug("secret not in vault, trying environment", "key", key)
		value, err = m.env.GetSecret(ctx, key)
	}
	if err != nil {
		return "", err
	}

	m.cache.Set(key, value)
	return value, nil
}

// GetSecretWithDefault returns key or defaultValue
func (m *VaultManager) GetSecretWithDefault(ctx context.Context, key, defaultValue string) string {
	value, err := m.GetSecret(ctx, key)
	if err != nil {
		if !errors.Is(err, ErrSecretNotFound) {
			m.log.Warn("failed to get secret, using default", "key", key, "error", err.Error())
		}
		return defaultValue
	}
	return value
}

// Close stops the cache janitor
func (m *VaultManager) Close() {
	m.cache.Close()
}

func (m *VaultManager) getFromVault(ctx context.Context, key string) (string, error) {
	secret, err := m.client.KVv2(m.mount).Get(ctx, m.path)
	if err != nil {
		if errors.Is(err, vault.ErrSecretNotFound) {
			return "", ErrSecretNotFound
		}
		return "", fmt.Errorf("failed to read secret: %w", err)
	}
	if secret == nil || secret.Data == nil {
		return "", ErrSecretNotFound
	}
	value, ok := secret.Data[key].(string)
	if !ok || value == "" {
		return "", ErrSecretNotFound
	}
	return value, nil
}
