package snapshot

import (
	"bytes"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func sample() SnapshotV1 {
	return SnapshotV1{
		Header:     Header{WorldID: "w1", Frame: 5000, Seed: 42},
		MapSizeLog: 4,
		DayTicks:   74,
		Date:       12,
		Random:     [2]uint32{1, 2},
		Tiles:      make([]TileV1, 16*16),
		Companies:  []CompanyV1{{ID: 0, Name: "Acme", Money: 1000}},
		Signs:      []SignV1{{ID: 1, Tile: 17, Owner: 0, Text: "hq"}},
		NextSign:   2,
	}
}

func TestMarshal_EqualInputsEqualBytes(t *testing.T) {
	a, err := Marshal(sample())
	require.NoError(t, err)
	b, err := Marshal(sample())
	require.NoError(t, err)
	assert.True(t, bytes.Equal(a, b))

	got, err := Unmarshal(a)
	require.NoError(t, err)
	assert.Equal(t, uint32(5000), got.Header.Frame)
	assert.Equal(t, Version, got.Header.Version)
	assert.Equal(t, "hq", got.Signs[0].Text)
}

func TestUnmarshal_RejectsGarbage(t *testing.T) {
	_, err := Unmarshal([]byte("not a snapshot"))
	require.Error(t, err)
}

func TestWriteSnapshot_FileAndHeader(t *testing.T) {
	path := filepath.Join(t.TempDir(), "snapshots", "5000.snap.zst")
	require.NoError(t, WriteSnapshot(path, sample()))

	h, err := ReadHeader(path)
	require.NoError(t, err)
	assert.Equal(t, uint32(5000), h.Frame)
	assert.Equal(t, "w1", h.WorldID)

	snap, err := ReadSnapshot(path)
	require.NoError(t, err)
	assert.Len(t, snap.Tiles, 256)
}
