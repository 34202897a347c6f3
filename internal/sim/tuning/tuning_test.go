package tuning

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"tilesync.dev/internal/sim/action"
)

func TestDefaultValidates(t *testing.T) {
	d := Default()
	require.NoError(t, d.Validate())
	assert.Equal(t, uint32(100), d.Network.SyncFreq)
	assert.Equal(t, 2, d.Network.CommandsPerFrame)
	assert.Equal(t, action.PauseLevelNoConstruction, d.Network.PauseLevelValue())
}

func TestLoadOverlaysYAMLAndEnv(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "tuning.yaml")
	require.NoError(t, os.WriteFile(path, []byte("network:\n  sync_freq: 10\n  pause_level: all_actions\nworld:\n  seed: 42\n"), 0o644))
	t.Setenv("TILESYNC_NET_COMMANDS_PER_FRAME", "5")
	t.Setenv("TILESYNC_SERVER_NAME", "env-name")

	got, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, uint32(10), got.Network.SyncFreq)
	assert.Equal(t, uint64(42), got.World.Seed)
	assert.Equal(t, 5, got.Network.CommandsPerFrame)
	assert.Equal(t, "env-name", got.Server.Name)
	assert.Equal(t, action.PauseLevelAllActions, got.Network.PauseLevelValue())
	// untouched keys keep defaults
	assert.Equal(t, uint32(500), got.Network.MaxLagTime)
}

func TestLoadRejectsBadValues(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "tuning.yaml")
	require.NoError(t, os.WriteFile(path, []byte("network:\n  pause_level: sometimes\n"), 0o644))
	_, err := Load(path)
	require.Error(t, err)

	require.NoError(t, os.WriteFile(path, []byte("world: [1, 2"), 0o644))
	_, err = Load(path)
	require.ErrorContains(t, err, "tuning.yaml")
}

func TestLoadDotEnvMissingIsFine(t *testing.T) {
	require.NoError(t, LoadDotEnv(filepath.Join(t.TempDir(), ".env")))
}

func TestValidatePersist(t *testing.T) {
	d := Default()
	d.Persist.KeepSnapshots = -1
	require.ErrorContains(t, d.Validate(), "keep_snapshots")

	d = Default()
	d.Persist.ArchiveEveryFrames = 4500
	require.ErrorContains(t, d.Validate(), "archive_every_frames")

	d.Persist.ArchiveEveryFrames = 0
	require.NoError(t, d.Validate())
}
