package secrets

import (
	"context"
	"errors"
	"os"
	"strings"
)

var (
	ErrSecretNotFound = errors.New("secret not found")
	ErrNoVaultToken   = errors.New("no vault token provided")
	ErrNoVaultAddress = errors.New("no vault address provided")
)

// Manager provides access to secrets
type Manager interface {
	// GetSecret retrieves a secret by key
	GetSecret(ctx context.Context, key string) (string, error)
	// GetSecretWithDefault retrieves a secret, returning defaultValue if it is missing
	GetSecretWithDefault(ctx context.Context, key, defaultValue string) string
}

// EnvKey maps a secret key to its environment variable: "assist-api.key" → "ASSIST_API_KEY"
func EnvKey(key string) string {
	return strings.ToUpper(strings.NewReplacer("-", "_", ".", "_").Replace(key))
}

// Env reads secrets from the environment only
type Env struct{}

// GetSecret returns the environment value for key
func (Env) GetSecret(_ context.Context, key string) (string, error) {
	if v := os.Getenv(EnvKey(key)); v != "" {
		return v, nil
	}
	return "", ErrSecretNotFound
}

// GetSecretWithDefault returns the environment value for key or defaultValue
func (e Env) GetSecretWithDefault(ctx context.Context, key, defaultValue string) string {
	if v, err := e.GetSecret(ctx, key); err == nil {
		return v
	}
	return defaultValue
}
