package indexdb

import (
	"context"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"tilesync.dev/internal/netsync"
	"tilesync.dev/internal/persistence/snapshot"
	"tilesync.dev/internal/protocol"
)

func seedIndex(t *testing.T) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "world.sqlite")
	idx, err := OpenSQLite(path)
	require.NoError(t, err)
	for f := uint32(1); f <= 5; f++ {
		e := netsync.FrameLogEntry{Frame: f, Seed: uint64(f) * 7, Digest: "d"}
		e.Commands = []netsync.CommandRecord{
			{Origin: 2, Action: protocol.ActionPayload{Kind: "build_track", Tile: 70, P1: 1}, Class: "ok", Cost: 100},
		}
		if f%2 == 0 {
			e.Commands = append(e.Commands, netsync.CommandRecord{
				Origin: 3, Action: protocol.ActionPayload{Kind: "plant_tree", Tile: 71}, Class: "failed", Reason: "E_TILE_OCCUPIED",
			})
		}
		require.NoError(t, idx.WriteFrame(e))
	}
	require.NoError(t, idx.WriteAudit(netsync.AuditEntry{Frame: 1, Event: netsync.AuditJoin, ClientID: 2, Name: "alice"}))
	require.NoError(t, idx.WriteAudit(netsync.AuditEntry{Frame: 1, Event: netsync.AuditJoin, ClientID: 3, Name: "bob"}))
	require.NoError(t, idx.WriteAudit(netsync.AuditEntry{Frame: 4, Event: netsync.AuditDesync, ClientID: 3, Expected: 10, Got: 11}))
	idx.RecordSnapshot("a/2.snap.zst", snapshot.SnapshotV1{Header: snapshot.Header{WorldID: "w", Frame: 2, Seed: 14}})
	idx.RecordSnapshot("a/4.snap.zst", snapshot.SnapshotV1{Header: snapshot.Header{WorldID: "w", Frame: 4, Seed: 28}})
	require.NoError(t, idx.Close())
	return path
}

func TestReaderQueries(t *testing.T) {
	r, err := OpenReader(seedIndex(t))
	require.NoError(t, err)
	defer r.Close()
	ctx := context.Background()

	snaps, err := r.Snapshots(ctx, 0)
	require.NoError(t, err)
	require.Len(t, snaps, 2)
	assert.Equal(t, uint32(4), snaps[0].Frame)
	assert.Equal(t, uint64(28), snaps[0].Seed)

	frames, err := r.Frames(ctx, 2, 4, 0)
	require.NoError(t, err)
	require.Len(t, frames, 3)
	assert.Equal(t, uint32(2), frames[0].Frame)
	assert.Equal(t, 2, frames[0].Commands)

	all, err := r.Frames(ctx, 0, 0, 0)
	require.NoError(t, err)
	assert.Len(t, all, 5)

	byOrigin, err := r.Commands(ctx, CommandFilter{Origin: 2})
	require.NoError(t, err)
	assert.Len(t, byOrigin, 5)
	assert.Equal(t, uint32(5), byOrigin[0].Frame)

	failed, err := r.Commands(ctx, CommandFilter{Failed: true})
	require.NoError(t, err)
	require.Len(t, failed, 2)
	assert.Equal(t, "plant_tree", failed[0].Kind)
	assert.Equal(t, "E_TILE_OCCUPIED", failed[0].Reason)

	limited, err := r.Commands(ctx, CommandFilter{Kind: "build_track", Limit: 2})
	require.NoError(t, err)
	assert.Len(t, limited, 2)

	events, err := r.Events(ctx, 3, 0)
	require.NoError(t, err)
	require.Len(t, events, 2)
	assert.Equal(t, netsync.AuditDesync, events[0].Event)

	desyncs, err := r.Desyncs(ctx, 0)
	require.NoError(t, err)
	require.Len(t, desyncs, 1)
	assert.Equal(t, uint64(10), desyncs[0].Expected)
	assert.Equal(t, uint64(11), desyncs[0].Got)
}
