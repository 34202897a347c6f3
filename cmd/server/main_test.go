package main

import (
	"bytes"
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"tilesync.dev/internal/netsync"
	"tilesync.dev/internal/persistence/indexdb"
	"tilesync.dev/internal/persistence/offsite"
	"tilesync.dev/internal/persistence/snapshot"
	"tilesync.dev/internal/sim/tuning"
	"tilesync.dev/internal/sim/world"
)

func quietLogger() *logrus.Logger {
	l := logrus.New()
	l.SetOutput(bytes.NewBuffer(nil))
	return l
}

func TestLatestSnapshotPicksHighestFrame(t *testing.T) {
	dir := t.TempDir()
	assert.Empty(t, latestSnapshot(dir))

	sd := snapshotDir(dir)
	require.NoError(t, os.MkdirAll(sd, 0o755))
	for _, name := range []string{"90.snap.zst", "1200.snap.zst", "300.snap.zst", "notes.txt", "x.snap.zst"} {
		require.NoError(t, os.WriteFile(filepath.Join(sd, name), nil, 0o644))
	}
	assert.Equal(t, filepath.Join(sd, "1200.snap.zst"), latestSnapshot(dir))
}

func TestOpenWorldResumesFromSnapshot(t *testing.T) {
	tune := tuning.Default()
	w, frame, err := openWorld(tune, "")
	require.NoError(t, err)
	assert.Zero(t, frame)

	path := snapshotPath(t.TempDir(), 42)
	require.NoError(t, snapshot.WriteSnapshot(path, w.ExportSnapshot(42)))

	resumed, frame, err := openWorld(tune, path)
	require.NoError(t, err)
	assert.Equal(t, uint32(42), frame)
	assert.Equal(t, w.Digest(), resumed.Digest())

	tune.World.ID = "other"
	_, _, err = openWorld(tune, path)
	assert.ErrorContains(t, err, "world id mismatch")
}

type failingFrames struct{ n int }

func (f *failingFrames) WriteFrame(netsync.FrameLogEntry) error {
	f.n++
	return errors.New("disk full")
}

type countingFrames struct{ n int }

func (c *countingFrames) WriteFrame(netsync.FrameLogEntry) error {
	c.n++
	return nil
}

func TestFanoutReachesEveryLogger(t *testing.T) {
	bad, good := &failingFrames{}, &countingFrames{}
	var none runtimeIndex
	fan := frameFanout{none, bad, good}
	err := fan.WriteFrame(netsync.FrameLogEntry{Frame: 1})
	assert.ErrorContains(t, err, "disk full")
	assert.Equal(t, 1, bad.n)
	assert.Equal(t, 1, good.n)
}

func TestMetricsExposition(t *testing.T) {
	var buf bytes.Buffer
	writeMetrics(&buf, "w1", netsync.Stats{Frame: 77, Sessions: 3, Active: 2, Commands: 9, Desyncs: 1}, nil, nil)
	out := buf.String()
	assert.Contains(t, out, `tilesync_frame{world="w1"} 77`)
	assert.Contains(t, out, `tilesync_active_clients{world="w1"} 2`)
	assert.Contains(t, out, "# TYPE tilesync_commands_total counter")
	assert.Contains(t, out, `tilesync_desyncs_total{world="w1"} 1`)
	assert.NotContains(t, out, "tilesync_index")

	buf.Reset()
	writeMetrics(&buf, "w1", netsync.Stats{}, &indexdb.Stats{QueueDepth: 4, DropAuditTotal: 2}, nil)
	assert.Contains(t, buf.String(), `tilesync_index_queue_depth{world="w1"} 4`)
	assert.Contains(t, buf.String(), `tilesync_index_dropped_total{world="w1",kind="audit"} 2`)
	assert.NotContains(t, buf.String(), "tilesync_offsite")

	buf.Reset()
	writeMetrics(&buf, "w1", netsync.Stats{}, nil, &offsite.Stats{Uploaded: 5, Failed: 1})
	assert.Contains(t, buf.String(), `tilesync_offsite_uploaded_total{world="w1"} 5`)
	assert.Contains(t, buf.String(), `tilesync_offsite_failed_total{world="w1"} 1`)
}

func TestMuxServesHealthAndMetrics(t *testing.T) {
	w, err := world.New(world.DefaultConfig())
	require.NoError(t, err)
	srv, err := netsync.NewServer(w, netsync.Config{Net: tuning.Default().Network}, netsync.ServerOptions{})
	require.NoError(t, err)
	mux := newMux(httpDeps{worldID: "world", srv: srv, log: quietLogger(), admin: true})

	rec := httptest.NewRecorder()
	mux.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/healthz", nil))
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "ok", rec.Body.String())

	rec = httptest.NewRecorder()
	mux.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/metrics", nil))
	assert.Contains(t, rec.Body.String(), `tilesync_sessions{world="world"} 0`)

	req := httptest.NewRequest(http.MethodGet, "/admin/v1/state", nil)
	req.RemoteAddr = "10.0.0.8:5555"
	rec = httptest.NewRecorder()
	mux.ServeHTTP(rec, req)
	assert.Equal(t, http.StatusForbidden, rec.Code)

	req.RemoteAddr = "127.0.0.1:5555"
	rec = httptest.NewRecorder()
	mux.ServeHTTP(rec, req)
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), `"world_id":"world"`)
	assert.Contains(t, rec.Body.String(), `"active_clients":0`)
	assert.Contains(t, rec.Body.String(), `"divergences_total":0`)
}

func TestAutosaveWritesAndIndexes(t *testing.T) {
	dir := t.TempDir()
	idx, err := openRuntimeIndex(dir, true)
	require.NoError(t, err)
	defer idx.Close()

	w, err := world.New(world.DefaultConfig())
	require.NoError(t, err)
	sink := make(chan snapshot.SnapshotV1, 2)
	sink <- w.ExportSnapshot(10)
	sink <- w.ExportSnapshot(20)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	saver := &autosaver{worldDir: dir, idx: idx, log: quietLogger()}
	go func() { done <- saver.run(ctx, sink) }()

	require.Eventually(t, func() bool { return latestSnapshot(dir) == snapshotPath(dir, 20) }, 5*time.Second, 10*time.Millisecond)
	cancel()
	require.NoError(t, <-done)

	snap, err := snapshot.ReadSnapshot(snapshotPath(dir, 10))
	require.NoError(t, err)
	assert.Equal(t, uint32(10), snap.Header.Frame)
}

func TestAutosaveArchivesAndPrunes(t *testing.T) {
	dir := t.TempDir()
	w, err := world.New(world.DefaultConfig())
	require.NoError(t, err)

	saver := &autosaver{worldDir: dir, archiveEvery: 20, keep: 2, log: quietLogger()}
	for _, f := range []uint32{10, 20, 30, 40} {
		saver.save(w.ExportSnapshot(f))
	}

	_, err = os.Stat(snapshotPath(dir, 20))
	assert.True(t, os.IsNotExist(err), "pruned")
	assert.FileExists(t, snapshotPath(dir, 30))
	assert.FileExists(t, snapshotPath(dir, 40))

	for _, f := range []string{"frame_0000000020", "frame_0000000040"} {
		assert.FileExists(t, filepath.Join(dir, "archives", f, "meta.json"))
	}
	assert.NoDirExists(t, filepath.Join(dir, "archives", "frame_0000000030"))

	archived, err := snapshot.ReadSnapshot(filepath.Join(dir, "archives", "frame_0000000020", "20.snap.zst"))
	require.NoError(t, err)
	assert.Equal(t, w.Digest(), mustWorld(t, archived).Digest())
}

type recordingMirror struct{ paths []string }

func (r *recordingMirror) Enqueue(p string) { r.paths = append(r.paths, p) }

func TestAutosaveEnqueuesOffsite(t *testing.T) {
	dir := t.TempDir()
	w, err := world.New(world.DefaultConfig())
	require.NoError(t, err)

	rec := &recordingMirror{}
	saver := &autosaver{worldDir: dir, mirror: rec, archiveEvery: 20, log: quietLogger()}
	saver.save(w.ExportSnapshot(10))
	saver.save(w.ExportSnapshot(20))

	arch := filepath.Join(dir, "archives", "frame_0000000020")
	assert.Equal(t, []string{
		snapshotPath(dir, 10),
		snapshotPath(dir, 20),
		filepath.Join(arch, "20.snap.zst"),
		filepath.Join(arch, "meta.json"),
	}, rec.paths)
}

func TestOpenMirrorOffByDefault(t *testing.T) {
	m, err := openMirror(tuning.Default(), quietLogger())
	require.NoError(t, err)
	assert.Nil(t, m)
	assert.Nil(t, mirrorOrNil(m))

	tune := tuning.Default()
	tune.Offsite.Endpoint = "r2.example"
	_, err = openMirror(tune, quietLogger())
	assert.ErrorIs(t, err, offsite.ErrNotConfigured)
}

func mustWorld(t *testing.T, snap snapshot.SnapshotV1) *world.World {
	t.Helper()
	w, err := world.FromSnapshot(snap, int(snap.MaxCompanies))
	require.NoError(t, err)
	return w
}

func TestIsLoopbackRemote(t *testing.T) {
	assert.True(t, isLoopbackRemote("127.0.0.1:80"))
	assert.True(t, isLoopbackRemote("[::1]:80"))
	assert.False(t, isLoopbackRemote("192.168.1.4:80"))
	assert.False(t, isLoopbackRemote("garbage"))
}
