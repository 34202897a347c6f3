package replay

import (
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"tilesync.dev/internal/netsync"
	"tilesync.dev/internal/persistence/snapshot"
	"tilesync.dev/internal/sim/action"
	"tilesync.dev/internal/sim/tuning"
	"tilesync.dev/internal/sim/world"
)

type frames []netsync.FrameLogEntry

func (f *frames) WriteFrame(e netsync.FrameLogEntry) error {
	*f = append(*f, e)
	return nil
}

// record runs a server with no peers for 20 frames, issuing a few actions,
// and returns its frame log and the snapshot taken at frame 4.
func record(t *testing.T) (frames, snapshot.SnapshotV1) {
	t.Helper()
	cfg := world.DefaultConfig()
	cfg.Seed = 11
	w, err := world.New(cfg)
	require.NoError(t, err)

	var log frames
	sink := make(chan snapshot.SnapshotV1, 8)
	srv, err := netsync.NewServer(w, netsync.Config{Net: tuning.Default().Network, SnapshotEveryFrames: 4},
		netsync.ServerOptions{FrameLog: &log, SnapshotSink: sink})
	require.NoError(t, err)

	var tiles []action.TileIndex
	for y := uint32(1); y < 63 && len(tiles) < 6; y++ {
		for x := uint32(1); x < 63 && len(tiles) < 6; x++ {
			ti := w.TileXY(x, y)
			if tl, ok := w.TileAt(ti); ok && tl.Type == world.TileClear {
				tiles = append(tiles, ti)
			}
		}
	}
	require.Len(t, tiles, 6)

	require.True(t, srv.SubmitAction(action.Envelope{Kind: action.KindCompanyCtrl, Company: action.CompanySpectator}).Succeeded())
	for i := 0; i < 20; i++ {
		switch {
		case i >= 5 && i < 11:
			c := srv.SubmitAction(action.Envelope{Kind: action.KindBuildTrack, Tile: tiles[i-5], P1: 1, Company: 0})
			require.True(t, c.Succeeded(), c.String())
		case i == 12:
			c := srv.SubmitAction(action.Envelope{Kind: action.KindPlaceSign, Tile: tiles[0], Text: "depot", Company: action.CompanySpectator})
			require.True(t, c.Succeeded(), c.String())
		}
		srv.Tick()
	}
	require.Len(t, log, 20)
	require.NotEmpty(t, sink)
	return log, <-sink
}

func replayAll(v *Verifier, log frames) error {
	for _, e := range log {
		if err := v.Apply(e); err != nil {
			return err
		}
	}
	return nil
}

func TestReplayMatchesLog(t *testing.T) {
	log, snap := record(t)
	require.Equal(t, uint32(4), snap.Header.Frame)

	v, err := New(snap, Options{})
	require.NoError(t, err)
	require.NoError(t, replayAll(v, log))

	assert.Equal(t, uint32(20), v.Frame())
	// The snapshot frame plus the 16 after it.
	assert.Equal(t, 17, v.Checked())
	assert.Equal(t, 7, v.Commands())
	assert.Equal(t, log[19].Digest, v.World().Digest())
	assert.Len(t, v.World().Signs(), 1)
}

func TestReplayDetectsDigestMismatch(t *testing.T) {
	log, snap := record(t)
	log[9].Digest = "bogus"

	v, err := New(snap, Options{})
	require.NoError(t, err)
	err = replayAll(v, log)

	var me *MismatchError
	require.ErrorAs(t, err, &me)
	assert.Equal(t, uint32(10), me.Frame)
	assert.Equal(t, "digest", me.What)
}

func TestReplayDetectsCostMismatch(t *testing.T) {
	log, snap := record(t)
	var frame uint32
	for i := range log {
		if len(log[i].Commands) > 0 && log[i].Frame > snap.Header.Frame {
			log[i].Commands[0].Cost++
			frame = log[i].Frame
			break
		}
	}
	require.NotZero(t, frame)

	v, err := New(snap, Options{})
	require.NoError(t, err)
	err = replayAll(v, log)

	var me *MismatchError
	require.ErrorAs(t, err, &me)
	assert.Equal(t, frame, me.Frame)
	assert.Contains(t, me.What, "cost")
}

func TestReplayVerifyFromSkipsEarlyFrames(t *testing.T) {
	log, snap := record(t)
	log[5].Digest = "bogus"

	v, err := New(snap, Options{VerifyFrom: 10})
	require.NoError(t, err)
	require.NoError(t, replayAll(v, log))
	assert.Equal(t, 11, v.Checked())
}

func TestReplayGapAndLimit(t *testing.T) {
	log, snap := record(t)

	v, err := New(snap, Options{})
	require.NoError(t, err)
	err = replayAll(v, append(append(frames{}, log[:8]...), log[9:]...))
	assert.True(t, errors.Is(err, ErrGap), "%v", err)

	v, err = New(snap, Options{To: 10})
	require.NoError(t, err)
	err = replayAll(v, log)
	assert.ErrorIs(t, err, ErrDone)
	assert.Equal(t, uint32(10), v.Frame())
}
