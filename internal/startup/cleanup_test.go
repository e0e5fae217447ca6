package startup

import (
	"log/slog"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const testPrefix = "commentarr-hls-"

func makeDir(t *testing.T, base, name string, age time.Duration) string {
	t.Helper()
	path := filepath.Join(base, name)
	require.NoError(t, os.Mkdir(path, 0o755))
	if age > 0 {
		stamp := time.Now().Add(-age)
		require.NoError(t, os.Chtimes(path, stamp, stamp))
	}
	return path
}

func TestCleanup_RemovesOldPrefixedDirs(t *testing.T) {
	base := t.TempDir()
	old := makeDir(t, base, testPrefix+"aaa", 2*time.Hour)
	recent := makeDir(t, base, testPrefix+"bbb", time.Minute)
	unrelated := makeDir(t, base, "other-dir", 2*time.Hour)

	removed, err := CleanupOrphanedOutputDirs(slog.Default(), base, testPrefix, time.Hour)
	require.NoError(t, err)
	assert.Equal(t, 1, removed)

	assert.NoDirExists(t, old)
	assert.DirExists(t, recent)
	assert.DirExists(t, unrelated)
}

func TestCleanup_IgnoresFiles(t *testing.T) {
	base := t.TempDir()
	file := filepath.Join(base, testPrefix+"file")
	require.NoError(t, os.WriteFile(file, []byte("x"), 0o644))
	stamp := time.Now().Add(-2 * time.Hour)
	require.NoError(t, os.Chtimes(file, stamp, stamp))

	removed, err := CleanupOrphanedOutputDirs(slog.Default(), base, testPrefix, time.Hour)
	require.NoError(t, err)
	assert.Zero(t, removed)
	assert.FileExists(t, file)
}

func TestCleanup_MissingBaseDir(t *testing.T) {
	removed, err := CleanupOrphanedOutputDirs(slog.Default(), filepath.Join(t.TempDir(), "absent"), testPrefix, time.Hour)
	require.NoError(t, err)
	assert.Zero(t, removed)
}

func TestCleanup_EmptyBaseDir(t *testing.T) {
	removed, err := CleanupOrphanedOutputDirs(slog.Default(), t.TempDir(), testPrefix, time.Hour)
	require.NoError(t, err)
	assert.Zero(t, removed)
}
