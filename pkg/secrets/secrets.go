// Package secrets resolves secret references used by the configuration.
//
// Providers are tried in a fixed order: file-mounted secrets first (the
// container-orchestrator convention of /run/secrets/NAME), then environment
// variables. Resolution is read-only; the gateway never writes secrets.
package secrets

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
)

// DefaultFileDir is where file-mounted secrets are looked up.
const DefaultFileDir = "/run/secrets"

// ErrSecretNotFound indicates the provider has no value for the name.
// Check with errors.Is; other errors indicate provider failure.
var ErrSecretNotFound = errors.New("secret not found")

// Provider retrieves a secret by name.
type Provider interface {
	// GetSecret returns the secret value. Returns an error wrapping
	// ErrSecretNotFound when the provider has no value for the name.
	GetSecret(ctx context.Context, name string) (string, error)
}

// FileProvider reads secrets from files under a base directory, trimming
// trailing whitespace (mounted secrets routinely end in a newline).
type FileProvider struct {
	dir string
}

// NewFileProvider creates a file provider rooted at dir. An empty dir uses
// DefaultFileDir.
func NewFileProvider(dir string) *FileProvider {
	if dir == "" {
		dir = DefaultFileDir
	}
	return &FileProvider{dir: dir}
}

// GetSecret implements Provider.
func (p *FileProvider) GetSecret(_ context.Context, name string) (string, error) {
	if err := validateName(name); err != nil {
		return "", err
	}
	data, err := os.ReadFile(filepath.Join(p.dir, name))
	if err != nil {
		if os.IsNotExist(err) {
			return "", fmt.Errorf("file secret %q: %w", name, ErrSecretNotFound)
		}
		return "", fmt.Errorf("reading file secret %q: %w", name, err)
	}
	return strings.TrimRight(string(data), " \t\r\n"), nil
}

// EnvProvider reads secrets from environment variables of the same name.
type EnvProvider struct{}

// NewEnvProvider creates an environment variable provider.
func NewEnvProvider() *EnvProvider {
	return &EnvProvider{}
}

// GetSecret implements Provider.
func (*EnvProvider) GetSecret(_ context.Context, name string) (string, error) {
	if err := validateName(name); err != nil {
		return "", err
	}
	value, ok := os.LookupEnv(name)
	if !ok {
		return "", fmt.Errorf("environment secret %q: %w", name, ErrSecretNotFound)
	}
	return value, nil
}

// Chain tries providers in order, falling through on not-found.
type Chain struct {
	providers []Provider
}

// NewChain creates a provider chain. With no providers it uses the default
// file-then-environment order.
func NewChain(providers ...Provider) *Chain {
	if len(providers) == 0 {
		providers = []Provider{NewFileProvider(""), NewEnvProvider()}
	}
	return &Chain{providers: providers}
}

// GetSecret implements Provider. The first provider error that is not a
// not-found stops the chain.
func (c *Chain) GetSecret(ctx context.Context, name string) (string, error) {
	for _, p := range c.providers {
		value, err := p.GetSecret(ctx, name)
		if err == nil {
			return value, nil
		}
		if !errors.Is(err, ErrSecretNotFound) {
			return "", err
		}
	}
	return "", fmt.Errorf("secret %q: %w", name, ErrSecretNotFound)
}

func validateName(name string) error {
	if name == "" {
		return errors.New("secret name cannot be empty")
	}
	// Reject path traversal; secret names are flat identifiers.
	if strings.ContainsAny(name, "/\\") || name == "." || name == ".." {
		return fmt.Errorf("invalid secret name %q", name)
	}
	return nil
}
