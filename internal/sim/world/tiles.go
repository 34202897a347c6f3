package world

import "tilesync.dev/internal/sim/action"

type TileType uint8

const (
	TileClear TileType = iota
	TileWater
	TileVoid
	TileTrack
	TileTrees
)

func (t TileType) String() string {
	switch t {
	case TileClear:
		return "clear"
	case TileWater:
		return "water"
	case TileVoid:
		return "void"
	case TileTrack:
		return "track"
	case TileTrees:
		return "trees"
	}
	return "unknown"
}

// Owners outside the company range.
const (
	OwnerNone  uint8 = 0x10
	OwnerWater uint8 = 0x11
)

const (
	MaxTrees  = 4
	TrackMask = 0x3F
)

type Tile struct {
	Type  TileType
	Owner uint8
	Track uint8
	Trees uint8
}

func (w *World) mapSize() uint32 { return 1 << (2 * uint32(w.sizeLog)) }
func (w *World) edge() uint32    { return 1 << uint32(w.sizeLog) }

// Edge is the side length of the square map in tiles.
func (w *World) Edge() uint32 { return w.edge() }

// TileXY builds a tile index from coordinates.
func (w *World) TileXY(x, y uint32) action.TileIndex {
	return action.TileIndex(y<<w.sizeLog | x)
}

func (w *World) tileCoords(t action.TileIndex) (x, y uint32) {
	return uint32(t) & (w.edge() - 1), uint32(t) >> w.sizeLog
}

func (w *World) TileAt(t action.TileIndex) (Tile, bool) {
	if uint32(t) >= w.mapSize() {
		return Tile{}, false
	}
	return w.tiles[t], true
}

func (w *World) TileValid(t action.TileIndex, allTiles bool) bool {
	if uint32(t) >= w.mapSize() {
		return false
	}
	return allTiles || w.tiles[t].Type != TileVoid
}

// generate lays out void edges, water and trees from the seed alone.
func (w *World) generate(seed uint64, waterPermille uint32) {
	rng := NewRandom(seed ^ 0x9E3779B97F4A7C15)
	n := w.edge()
	w.tiles = make([]Tile, w.mapSize())
	for y := uint32(0); y < n; y++ {
		for x := uint32(0); x < n; x++ {
			t := &w.tiles[y<<w.sizeLog|x]
			t.Owner = OwnerNone
			switch {
			case x == 0 || y == 0 || x == n-1 || y == n-1:
				t.Type = TileVoid
			case rng.Below(1000) < waterPermille:
				t.Type = TileWater
				t.Owner = OwnerWater
			case rng.Below(1000) < 150:
				t.Type = TileTrees
				t.Trees = uint8(1 + rng.Below(MaxTrees))
			}
		}
	}
}
