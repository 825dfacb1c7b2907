package osutil

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestUserHomeDirPrefersHOME(t *testing.T) {
	// not parallel: manipulates env vars
	t.Setenv("HOME", "/home/someone")

	home, err := UserHomeDir()
	require.NoError(t, err)
	assert.Equal(t, "/home/someone", home)
}

func TestExpandHome(t *testing.T) {
	// not parallel: ExpandHome consults the current user
	home, err := UserHomeDir()
	require.NoError(t, err)

	got, err := ExpandHome("~/.ssh/config")
	require.NoError(t, err)
	assert.Equal(t, filepath.Join(home, ".ssh", "config"), got)

	got, err = ExpandHome("/absolute/path")
	require.NoError(t, err)
	assert.Equal(t, "/absolute/path", got)

	_, err = ExpandHome("~other/file")
	require.Error(t, err, "per-user home expansion is not supported")
}

func TestNormalizeFilePath(t *testing.T) {
	t.Setenv("SSHPOD_TEST_DIR", "/opt/sshpod")

	got, err := NormalizeFilePath("$SSHPOD_TEST_DIR/bundles")
	require.NoError(t, err)
	assert.Equal(t, "/opt/sshpod/bundles", got)

	got, err = NormalizeFilePath("")
	require.NoError(t, err)
	assert.Equal(t, "", got)
}

func TestFileExists(t *testing.T) {
	t.Parallel()

	path := filepath.Join(t.TempDir(), "f")
	assert.False(t, FileExists(path))
	require.NoError(t, os.WriteFile(path, []byte("x"), 0o600))
	assert.True(t, FileExists(path))
}
