package identity

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"dev.c0redev.rdlink/internal/crypto"
	"dev.c0redev.rdlink/internal/errs"
	"dev.c0redev.rdlink/internal/idwords"
)

func TestLoadGeneratesAndPersists(t *testing.T) {
	dir := filepath.Join(t.TempDir(), "data")
	first, err := Load(dir, "")
	require.NoError(t, err)
	assert.True(t, idwords.Valid(first.UserID), first.UserID)
	assert.Equal(t, crypto.RSABits, first.Key.N.BitLen())

	second, err := Load(dir, "")
	require.NoError(t, err)
	assert.Equal(t, first.UserID, second.UserID)
	assert.True(t, first.Key.Equal(second.Key))

	der, err := second.PublicKeyDER()
	require.NoError(t, err)
	pub, err := crypto.ParsePublicKey(der)
	require.NoError(t, err)
	assert.True(t, pub.Equal(&first.Key.PublicKey))
}

func TestLoadOverrideUserID(t *testing.T) {
	dir := t.TempDir()
	_, err := Load(dir, "")
	require.NoError(t, err)
	id, err := Load(dir, " office-pc ")
	require.NoError(t, err)
	assert.Equal(t, "office-pc", id.UserID)

	again, err := Load(dir, "")
	require.NoError(t, err)
	assert.Equal(t, "office-pc", again.UserID)
}

func TestLoadCorruptKey(t *testing.T) {
	dir := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(dir, keyFile), []byte("not pem"), 0600))
	_, err := Load(dir, "x")
	assert.ErrorIs(t, err, errs.ErrInvalidData)
}

func TestLoadKey(t *testing.T) {
	path := filepath.Join(t.TempDir(), "relay.pem")
	k1, err := LoadKey(path)
	require.NoError(t, err)
	k2, err := LoadKey(path)
	require.NoError(t, err)
	assert.True(t, k1.Equal(k2))
	fi, err := os.Stat(path)
	require.NoError(t, err)
	assert.Equal(t, os.FileMode(0600), fi.Mode().Perm())
}
