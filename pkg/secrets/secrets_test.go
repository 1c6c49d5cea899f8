package secrets

import (
	"context"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestFileProviderTrimsTrailingWhitespace(t *testing.T) {
	t.Parallel()

	dir := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(dir, "DB_PASSWORD"), []byte("s3cret\n"), 0o600))

	p := NewFileProvider(dir)
	value, err := p.GetSecret(context.Background(), "DB_PASSWORD")
	require.NoError(t, err)
	assert.Equal(t, "s3cret", value)
}

func TestFileProviderNotFound(t *testing.T) {
	t.Parallel()

	p := NewFileProvider(t.TempDir())
	_, err := p.GetSecret(context.Background(), "MISSING")
	assert.ErrorIs(t, err, ErrSecretNotFound)
}

func TestFileProviderRejectsTraversal(t *testing.T) {
	t.Parallel()

	p := NewFileProvider(t.TempDir())
	_, err := p.GetSecret(context.Background(), "../etc/passwd")
	require.Error(t, err)
	assert.NotErrorIs(t, err, ErrSecretNotFound)
}

func TestEnvProvider(t *testing.T) {
	t.Setenv("TE_CLIENT_SECRET", "env-value")

	p := NewEnvProvider()
	value, err := p.GetSecret(context.Background(), "TE_CLIENT_SECRET")
	require.NoError(t, err)
	assert.Equal(t, "env-value", value)

	_, err = p.GetSecret(context.Background(), "TE_CLIENT_SECRET_MISSING")
	assert.ErrorIs(t, err, ErrSecretNotFound)
}

func TestChainOrder(t *testing.T) {
	dir := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(dir, "SHARED"), []byte("from-file"), 0o600))
	t.Setenv("SHARED", "from-env")
	t.Setenv("ENV_ONLY", "env-only")

	chain := NewChain(NewFileProvider(dir), NewEnvProvider())

	// File wins when both exist.
	value, err := chain.GetSecret(context.Background(), "SHARED")
	require.NoError(t, err)
	assert.Equal(t, "from-file", value)

	// Falls through to environment.
	value, err = chain.GetSecret(context.Background(), "ENV_ONLY")
	require.NoError(t, err)
	assert.Equal(t, "env-only", value)

	// Nothing resolves.
	_, err = chain.GetSecret(context.Background(), "NOWHERE")
	assert.ErrorIs(t, err, ErrSecretNotFound)
}
