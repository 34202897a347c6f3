package indexdb

import (
	"database/sql"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"tilesync.dev/internal/netsync"
	"tilesync.dev/internal/persistence/snapshot"
	"tilesync.dev/internal/protocol"
	"tilesync.dev/internal/sim/tuning"
)

func TestQueueDropStats(t *testing.T) {
	s := &SQLiteIndex{ch: make(chan req, 1)}
	s.ch <- req{kind: reqFrame, frame: netsync.FrameLogEntry{Frame: 1}}

	require.NoError(t, s.WriteFrame(netsync.FrameLogEntry{Frame: 2}))
	require.NoError(t, s.WriteAudit(netsync.AuditEntry{Frame: 2}))
	s.RecordSnapshot("/tmp/2.snap.zst", snapshot.SnapshotV1{})

	st := s.Stats()
	assert.Equal(t, uint64(1), st.DropFrameTotal)
	assert.Equal(t, uint64(1), st.DropAuditTotal)
	assert.Equal(t, uint64(1), st.DropSnapshotTotal)
	assert.Equal(t, 1, st.QueueDepth)
	assert.Equal(t, 1, st.QueueCapacity)
}

func TestIndexWritesTables(t *testing.T) {
	path := filepath.Join(t.TempDir(), "index", "world.sqlite")
	idx, err := OpenSQLite(path)
	require.NoError(t, err)

	require.NoError(t, idx.UpsertTuning(tuning.Default()))
	for f := uint32(1); f <= 3; f++ {
		e := netsync.FrameLogEntry{Frame: f, Seed: 99, Digest: "abc"}
		if f == 2 {
			e.Commands = []netsync.CommandRecord{
				{Origin: 1, Action: protocol.ActionPayload{Kind: "build_track", Tile: 70, Company: 0}, Class: "ok", Cost: 100},
				{Origin: 2, Action: protocol.ActionPayload{Kind: "give_money", Company: 1, P1: 5}, Class: "failed", Reason: "E_NOT_ENOUGH_CASH"},
			}
		}
		require.NoError(t, idx.WriteFrame(e))
	}
	require.NoError(t, idx.WriteAudit(netsync.AuditEntry{Frame: 2, Event: netsync.AuditJoin, ClientID: 2, Name: "bob"}))
	require.NoError(t, idx.WriteAudit(netsync.AuditEntry{Frame: 2, Event: netsync.AuditDesync, ClientID: 2, Expected: 1, Got: 2, Reason: "seed mismatch"}))
	idx.RecordSnapshot("snap/3.snap.zst", snapshot.SnapshotV1{
		Header:    snapshot.Header{WorldID: "w", Frame: 3, Seed: 99},
		Tiles:     make([]snapshot.TileV1, 16),
		Companies: []snapshot.CompanyV1{{ID: 0}},
	})
	require.NoError(t, idx.Close())
	assert.Zero(t, idx.Stats().WriteErrorTotal)

	db, err := sql.Open("sqlite", path)
	require.NoError(t, err)
	defer db.Close()

	count := func(q string, args ...any) int {
		var n int
		require.NoError(t, db.QueryRow(q, args...).Scan(&n))
		return n
	}
	assert.Equal(t, 3, count(`SELECT COUNT(*) FROM frames`))
	assert.Equal(t, 2, count(`SELECT COUNT(*) FROM commands WHERE frame = 2`))
	assert.Equal(t, 1, count(`SELECT COUNT(*) FROM commands WHERE class = 'failed' AND reason = 'E_NOT_ENOUGH_CASH'`))
	assert.Equal(t, 2, count(`SELECT COUNT(*) FROM session_events WHERE client_id = 2`))
	assert.Equal(t, 1, count(`SELECT COUNT(*) FROM desyncs WHERE expected = 1 AND got = 2`))
	assert.Equal(t, 16, count(`SELECT tiles FROM snapshots WHERE frame = 3`))
	assert.Equal(t, 5, count(`SELECT COUNT(*) FROM tuning`))

	var net string
	require.NoError(t, db.QueryRow(`SELECT json FROM tuning WHERE name = 'network'`).Scan(&net))
	assert.Contains(t, net, "SyncFreq")
}

func TestPasswordIsNotIndexed(t *testing.T) {
	path := filepath.Join(t.TempDir(), "world.sqlite")
	idx, err := OpenSQLite(path)
	require.NoError(t, err)
	tune := tuning.Default()
	tune.Server.Password = "hunter2"
	tune.Offsite.SecretAccessKey = "s3cret"
	require.NoError(t, idx.UpsertTuning(tune))
	require.NoError(t, idx.Close())

	db, err := sql.Open("sqlite", path)
	require.NoError(t, err)
	defer db.Close()
	var js string
	require.NoError(t, db.QueryRow(`SELECT json FROM tuning WHERE name = 'server'`).Scan(&js))
	assert.NotContains(t, js, "hunter2")
	require.NoError(t, db.QueryRow(`SELECT json FROM tuning WHERE name = 'offsite'`).Scan(&js))
	assert.NotContains(t, js, "s3cret")
}

func TestClosedIndexIgnoresWrites(t *testing.T) {
	idx, err := OpenSQLite(filepath.Join(t.TempDir(), "w.sqlite"))
	require.NoError(t, err)
	require.NoError(t, idx.Close())
	require.NoError(t, idx.Close())
	assert.NoError(t, idx.WriteFrame(netsync.FrameLogEntry{Frame: 1}))
	assert.Zero(t, idx.Stats().DropFrameTotal)
}
