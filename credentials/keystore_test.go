package credentials

import (
	"context"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestKeystoreRoundTrip(t *testing.T) {
	path := filepath.Join(t.TempDir(), "keys.json")
	ks, err := NewKeystore(path, []byte("correct horse battery staple"))
	require.NoError(t, err)

	ctx := context.Background()

	_, found, err := ks.Lookup(ctx, "sda2")
	require.NoError(t, err)
	assert.False(t, found, "missing file reads as empty store")

	require.NoError(t, ks.Store(ctx, "sda2", "hunter2"))
	require.NoError(t, ks.Store(ctx, "sdb1", "other-secret"))

	pass, found, err := ks.Lookup(ctx, "sda2")
	require.NoError(t, err)
	require.True(t, found)
	assert.Equal(t, "hunter2", pass)

	// A fresh instance picks the entries up from disk.
	reopened, err := NewKeystore(path, []byte("correct horse battery staple"))
	require.NoError(t, err)
	pass, found, err = reopened.Lookup(ctx, "sdb1")
	require.NoError(t, err)
	require.True(t, found)
	assert.Equal(t, "other-secret", pass)
}

func TestKeystoreFileIsSealed(t *testing.T) {
	path := filepath.Join(t.TempDir(), "keys.json")
	ks, err := NewKeystore(path, []byte("secret"))
	require.NoError(t, err)
	require.NoError(t, ks.Store(context.Background(), "sda2", "hunter2"))

	data, err := os.ReadFile(path)
	require.NoError(t, err)
	assert.NotContains(t, string(data), "hunter2")

	info, err := os.Stat(path)
	require.NoError(t, err)
	assert.Equal(t, os.FileMode(0o600), info.Mode().Perm())
}

func TestKeystoreWrongSecret(t *testing.T) {
	path := filepath.Join(t.TempDir(), "keys.json")
	ks, err := NewKeystore(path, []byte("secret"))
	require.NoError(t, err)
	require.NoError(t, ks.Store(context.Background(), "sda2", "hunter2"))

	wrong, err := NewKeystore(path, []byte("not the secret"))
	require.NoError(t, err)
	_, _, err = wrong.Lookup(context.Background(), "sda2")
	assert.ErrorIs(t, err, ErrKeystoreCorrupt)
}

func TestKeystoreDelete(t *testing.T) {
	path := filepath.Join(t.TempDir(), "keys.json")
	ks, err := NewKeystore(path, []byte("secret"))
	require.NoError(t, err)

	ctx := context.Background()
	require.NoError(t, ks.Store(ctx, "sda2", "hunter2"))
	require.NoError(t, ks.Delete("sda2"))

	_, found, err := ks.Lookup(ctx, "sda2")
	require.NoError(t, err)
	assert.False(t, found)

	// Deleting an absent entry is fine.
	require.NoError(t, ks.Delete("sda2"))
}

func TestKeystoreValidation(t *testing.T) {
	_, err := NewKeystore("", []byte("secret"))
	assert.Error(t, err)
	_, err = NewKeystore("/tmp/keys.json", nil)
	assert.Error(t, err)
}
