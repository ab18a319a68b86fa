package main

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestGenerateAndLoadKey(t *testing.T) {
	path := filepath.Join(t.TempDir(), "keys", "server.key")

	_, err := loadKey(path)
	require.ErrorContains(t, err, "keygen")

	pub, err := generateKey(path, false)
	require.NoError(t, err)
	key, err := loadKey(path)
	require.NoError(t, err)
	assert.Equal(t, pub, key.Public())

	_, err = generateKey(path, false)
	require.ErrorContains(t, err, "already exists")

	pub2, err := generateKey(path, true)
	require.NoError(t, err)
	assert.NotEqual(t, pub, pub2)

	require.NoError(t, os.WriteFile(path, []byte("abcd\n"), 0o600))
	_, err = loadKey(path)
	require.Error(t, err)
}
