package log

import (
	"errors"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"tilesync.dev/internal/netsync"
	"tilesync.dev/internal/protocol"
)

func TestFrameLogRotatesAndReadsBackInOrder(t *testing.T) {
	dir := t.TempDir()
	l := NewFrameLogger(dir)
	clock := time.Date(2026, 3, 1, 10, 59, 0, 0, time.UTC)
	l.w.now = func() time.Time { return clock }

	for f := uint32(1); f <= 6; f++ {
		if f == 4 {
			clock = clock.Add(2 * time.Minute)
		}
		e := netsync.FrameLogEntry{Frame: f, Seed: uint64(f) << 40, Digest: "d"}
		if f == 2 {
			e.Commands = []netsync.CommandRecord{{
				Origin: 3,
				Ref:    7,
				Action: protocol.ActionPayload{Kind: "place_sign", Text: "hi", Company: 255},
				Class:  "ok",
			}}
		}
		require.NoError(t, l.WriteFrame(e))
	}
	require.NoError(t, l.Close())

	files, err := filepath.Glob(filepath.Join(FrameDir(dir), "frames-*.jsonl.zst"))
	require.NoError(t, err)
	assert.Len(t, files, 2)

	var got []netsync.FrameLogEntry
	require.NoError(t, ReadFrames(FrameDir(dir), func(e netsync.FrameLogEntry) error {
		got = append(got, e)
		return nil
	}))
	require.Len(t, got, 6)
	for i, e := range got {
		assert.Equal(t, uint32(i+1), e.Frame)
		assert.Equal(t, uint64(i+1)<<40, e.Seed)
	}
	require.Len(t, got[1].Commands, 1)
	assert.Equal(t, "place_sign", got[1].Commands[0].Action.Kind)
	assert.Equal(t, uint32(7), got[1].Commands[0].Ref)
}

func TestReopenAppendsToTheHourFile(t *testing.T) {
	dir := t.TempDir()
	for i := 0; i < 2; i++ {
		l := NewAuditLogger(dir)
		l.w.now = func() time.Time { return time.Date(2026, 3, 1, 10, 0, 0, 0, time.UTC) }
		require.NoError(t, l.WriteAudit(netsync.AuditEntry{Frame: uint32(i), Event: netsync.AuditJoin, Name: "alice"}))
		require.NoError(t, l.Close())
	}

	var events []netsync.AuditEntry
	require.NoError(t, ReadAudit(AuditDir(dir), func(e netsync.AuditEntry) error {
		events = append(events, e)
		return nil
	}))
	require.Len(t, events, 2)
	assert.Equal(t, uint32(1), events[1].Frame)
}

func TestReadStopsOnCallbackError(t *testing.T) {
	dir := t.TempDir()
	l := NewFrameLogger(dir)
	for f := uint32(1); f <= 3; f++ {
		require.NoError(t, l.WriteFrame(netsync.FrameLogEntry{Frame: f}))
	}
	require.NoError(t, l.Close())

	stop := errors.New("stop")
	n := 0
	err := ReadFrames(FrameDir(dir), func(netsync.FrameLogEntry) error {
		n++
		return stop
	})
	assert.ErrorIs(t, err, stop)
	assert.Equal(t, 1, n)
}

func TestReadMissingDirIsEmpty(t *testing.T) {
	n := 0
	err := ReadFrames(filepath.Join(t.TempDir(), "nope"), func(netsync.FrameLogEntry) error {
		n++
		return nil
	})
	require.NoError(t, err)
	assert.Zero(t, n)
}
