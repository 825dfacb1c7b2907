package identity

import (
	"os"
	"path/filepath"
	"strings"
	"testing"

	gossh "golang.org/x/crypto/ssh"

	"github.com/sshpod/sshpod/logger"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestEnsureGeneratesKeypair(t *testing.T) {
	t.Parallel()

	dir := filepath.Join(t.TempDir(), "sshpod")
	id, err := Ensure(logger.Discard, dir)
	require.NoError(t, err)

	assert.True(t, strings.HasPrefix(id.AuthorizedKey, "ssh-ed25519 "), "got %q", id.AuthorizedKey)
	assert.True(t, strings.HasSuffix(id.AuthorizedKey, " sshpod"))
	assert.Equal(t, "ssh-ed25519", id.Signer.PublicKey().Type())

	info, err := os.Stat(id.PrivateKeyPath)
	require.NoError(t, err)
	assert.Equal(t, os.FileMode(0o600), info.Mode().Perm())

	dirInfo, err := os.Stat(dir)
	require.NoError(t, err)
	assert.Equal(t, os.FileMode(0o700), dirInfo.Mode().Perm())

	// The persisted private key must round-trip through a standard parser.
	raw, err := os.ReadFile(id.PrivateKeyPath)
	require.NoError(t, err)
	_, err = gossh.ParsePrivateKey(raw)
	require.NoError(t, err)
}

func TestEnsureIsStable(t *testing.T) {
	t.Parallel()

	dir := t.TempDir()
	first, err := Ensure(logger.Discard, dir)
	require.NoError(t, err)
	second, err := Ensure(logger.Discard, dir)
	require.NoError(t, err)

	assert.Equal(t, first.AuthorizedKey, second.AuthorizedKey, "a second run must reuse the persisted key")
}

func TestLoadMissingKey(t *testing.T) {
	t.Parallel()

	_, err := Load(t.TempDir())
	assert.True(t, os.IsNotExist(err))
}
