package pid_test

import (
	"os"
	"path/filepath"
	"strconv"
	"testing"

	"codeberg.org/mutker/hardensim/internal/errors"
	"codeberg.org/mutker/hardensim/internal/pid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestWriteAndRemove(t *testing.T) {
	path := pid.PathFor(filepath.Join(t.TempDir(), "cell.db"))

	require.NoError(t, pid.Write(path))

	bytes, err := os.ReadFile(path)
	require.NoError(t, err)
	assert.Equal(t, strconv.Itoa(os.Getpid()), string(bytes))

	require.NoError(t, pid.Remove(path))
	assert.NoFileExists(t, path)

	require.NoError(t, pid.Remove(path), "removing twice is fine")
}

func TestWriteRejectsLiveOwner(t *testing.T) {
	path := filepath.Join(t.TempDir(), "cell.db.pid")
	// The parent of the test binary is alive for the duration of the test.
	require.NoError(t, os.WriteFile(path, []byte(strconv.Itoa(os.Getppid())), 0o600))

	err := pid.Write(path)
	require.Error(t, err)
	assert.Equal(t, errors.ErrAlreadyRunning, errors.CodeOf(err))
}

func TestWriteReplacesStaleFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "cell.db.pid")
	require.NoError(t, os.WriteFile(path, []byte("not a pid"), 0o600))

	require.NoError(t, pid.Write(path))

	bytes, err := os.ReadFile(path)
	require.NoError(t, err)
	assert.Equal(t, strconv.Itoa(os.Getpid()), string(bytes))
}
