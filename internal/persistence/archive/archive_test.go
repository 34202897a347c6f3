package archive

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"tilesync.dev/internal/persistence/snapshot"
)

func writeDummy(t *testing.T, dir string, frame uint32) string {
	t.Helper()
	require.NoError(t, os.MkdirAll(dir, 0o755))
	p := filepath.Join(dir, fmt.Sprintf("%d.snap.zst", frame))
	require.NoError(t, os.WriteFile(p, []byte(fmt.Sprintf("snap %d", frame)), 0o644))
	return p
}

func TestArchiveMilestoneCopiesSnapshot(t *testing.T) {
	worldDir := filepath.Join(t.TempDir(), "worlds", "w1")
	src := writeDummy(t, filepath.Join(worldDir, "snapshots"), 600)

	snap := snapshot.SnapshotV1{
		Header:     snapshot.Header{Version: 1, WorldID: "w1", Frame: 600, Seed: 42},
		MapSizeLog: 6,
		Companies:  []snapshot.CompanyV1{{ID: 0}, {ID: 1}},
	}
	dst, ok, err := ArchiveMilestone(worldDir, src, snap, 300)
	require.NoError(t, err)
	require.True(t, ok)

	got, err := os.ReadFile(dst)
	require.NoError(t, err)
	assert.Equal(t, "snap 600", string(got))

	raw, err := os.ReadFile(filepath.Join(filepath.Dir(dst), "meta.json"))
	require.NoError(t, err)
	var meta MilestoneMeta
	require.NoError(t, json.Unmarshal(raw, &meta))
	assert.Equal(t, uint32(600), meta.Frame)
	assert.Equal(t, uint64(42), meta.Seed)
	assert.Equal(t, 2, meta.Companies)
	assert.Equal(t, "600.snap.zst", meta.Snapshot)
}

func TestArchiveMilestoneSkipsOtherFrames(t *testing.T) {
	worldDir := t.TempDir()
	src := writeDummy(t, filepath.Join(worldDir, "snapshots"), 450)
	for _, every := range []uint32{0, 300} {
		_, ok, err := ArchiveMilestone(worldDir, src, snapshot.SnapshotV1{Header: snapshot.Header{Frame: 450}}, every)
		require.NoError(t, err)
		assert.False(t, ok)
	}
	_, ok, err := ArchiveMilestone(worldDir, src, snapshot.SnapshotV1{}, 300)
	require.NoError(t, err)
	assert.False(t, ok, "frame 0 is never a milestone")
	_, err = os.Stat(filepath.Join(worldDir, "archives"))
	assert.True(t, os.IsNotExist(err))
}

func TestListAndPrune(t *testing.T) {
	dir := filepath.Join(t.TempDir(), "snapshots")
	for _, f := range []uint32{30, 1000, 200, 5} {
		writeDummy(t, dir, f)
	}
	require.NoError(t, os.WriteFile(filepath.Join(dir, "notes.txt"), nil, 0o644))
	require.NoError(t, os.WriteFile(filepath.Join(dir, "x.snap.zst"), nil, 0o644))

	ents, err := List(dir)
	require.NoError(t, err)
	var frames []uint32
	for _, e := range ents {
		frames = append(frames, e.Frame)
	}
	assert.Equal(t, []uint32{5, 30, 200, 1000}, frames)

	removed, err := Prune(dir, 2)
	require.NoError(t, err)
	assert.Len(t, removed, 2)
	ents, err = List(dir)
	require.NoError(t, err)
	require.Len(t, ents, 2)
	assert.Equal(t, uint32(200), ents[0].Frame)
	assert.Equal(t, uint32(1000), ents[1].Frame)

	removed, err = Prune(dir, 0)
	require.NoError(t, err)
	assert.Empty(t, removed)

	missing, err := List(filepath.Join(dir, "nope"))
	require.NoError(t, err)
	assert.Empty(t, missing)
}
