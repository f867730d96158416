package engine

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func tempStore(t *testing.T) *StateStore {
	t.Helper()
	return NewStateStore(filepath.Join(t.TempDir(), "state.json"))
}

func TestStateStoreRoundTrip(t *testing.T) {
	store := tempStore(t)
	updated := time.Date(2026, 8, 20, 12, 0, 0, 0, time.UTC)

	in := map[string]ImageState{
		"linuxserver/sonarr": {
			TrackedTag:     "4.0.15",
			Digest:         "sha256:aaa",
			LastChecked:    updated.Add(time.Hour),
			LastUpdated:    &updated,
			CurrentVersion: "4.0.14",
		},
	}
	require.NoError(t, store.Save(in))

	out := store.Load()
	require.Contains(t, out, "linuxserver/sonarr")
	got := out["linuxserver/sonarr"]
	assert.Equal(t, "4.0.15", got.TrackedTag)
	assert.Equal(t, "sha256:aaa", got.Digest)
	require.NotNil(t, got.LastUpdated)
	assert.True(t, got.LastUpdated.Equal(updated))
	assert.Equal(t, "4.0.14", got.CurrentVersion)
}

func TestStateStoreMissingFileIsEmpty(t *testing.T) {
	store := tempStore(t)
	out := store.Load()
	assert.Empty(t, out)
	assert.NotNil(t, out)
}

func TestStateStoreCorruptFileIsEmpty(t *testing.T) {
	store := tempStore(t)
	require.NoError(t, os.WriteFile(store.path, []byte("{not json"), 0o644))

	out := store.Load()
	assert.Empty(t, out)
	assert.NotNil(t, out)
}

func TestStateStoreSaveLeavesNoTempFile(t *testing.T) {
	store := tempStore(t)
	require.NoError(t, store.Save(map[string]ImageState{
		"a": {Digest: "sha256:aaa"},
	}))

	_, err := os.Stat(store.path + ".tmp")
	assert.True(t, os.IsNotExist(err))
}

func TestStateStoreCrashBeforeRenameKeepsCommittedState(t *testing.T) {
	store := tempStore(t)
	require.NoError(t, store.Save(map[string]ImageState{"a": {Digest: "sha256:committed"}}))

	// A crash between the temp write and the rename leaves a stray .tmp
	// file; the committed state file must be unaffected.
	require.NoError(t, os.WriteFile(store.path+".tmp", []byte("{partial"), 0o644))

	out := store.Load()
	assert.Equal(t, "sha256:committed", out["a"].Digest)
}

func TestStateStoreSaveReplacesPreviousAtomically(t *testing.T) {
	store := tempStore(t)
	require.NoError(t, store.Save(map[string]ImageState{"a": {Digest: "sha256:old"}}))
	require.NoError(t, store.Save(map[string]ImageState{"a": {Digest: "sha256:new"}}))

	out := store.Load()
	assert.Equal(t, "sha256:new", out["a"].Digest)
}

func TestStateStoreLockBlocksSecondHolder(t *testing.T) {
	store := tempStore(t)

	release, err := store.Lock(time.Second)
	require.NoError(t, err)
	defer release()

	// flock is per file description; a second descriptor in the same
	// process still conflicts.
	_, err = store.Lock(300 * time.Millisecond)
	require.ErrorIs(t, err, ErrStateLockTimeout)
}

func TestStateStoreLockReleaseAllowsReacquire(t *testing.T) {
	store := tempStore(t)

	release, err := store.Lock(time.Second)
	require.NoError(t, err)
	release()

	// Release keeps the lock file: unlinking it opens a window where two
	// holders lock different inodes of the same path.
	_, err = os.Stat(store.lockPath)
	require.NoError(t, err)

	release2, err := store.Lock(time.Second)
	require.NoError(t, err)
	release2()
}
