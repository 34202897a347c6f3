package world

import (
	"crypto/sha256"
	"encoding/binary"
	"encoding/hex"
	"fmt"

	"tilesync.dev/internal/persistence/snapshot"
	"tilesync.dev/internal/sim/action"
)

// ExportSnapshot captures the full state. frame only goes into the header.
func (w *World) ExportSnapshot(frame uint32) snapshot.SnapshotV1 {
	s := snapshot.SnapshotV1{
		Header:           snapshot.Header{WorldID: w.cfg.ID, Frame: frame, Seed: w.cfg.Seed},
		MapSizeLog:       w.sizeLog,
		DayTicks:         w.cfg.DayTicks,
		MaxCompanies:     uint8(w.cfg.MaxCompanies),
		Date:             w.date,
		DateFract:        w.dateFract,
		Random:           w.rng.state,
		PauseMode:        w.pauseMode,
		StartMoney:       w.cfg.StartMoney,
		MaxLoan:          w.cfg.MaxLoan,
		LoanStep:         w.cfg.LoanStep,
		InterestPermille: w.cfg.InterestPermille,
		NextSign:         w.nextSign,
	}
	s.Tiles = make([]snapshot.TileV1, len(w.tiles))
	for i, t := range w.tiles {
		s.Tiles[i] = snapshot.TileV1{Type: uint8(t.Type), Owner: t.Owner, Track: t.Track, Trees: t.Trees}
	}
	for _, c := range w.companies {
		if c == nil {
			continue
		}
		s.Companies = append(s.Companies, snapshot.CompanyV1{
			ID:      uint8(c.ID),
			Name:    c.Name,
			Money:   int64(c.Money),
			Loan:    int64(c.Loan),
			Founded: c.Founded,
			Client:  uint32(c.Client),
		})
	}
	for _, sg := range w.signs {
		s.Signs = append(s.Signs, snapshot.SignV1{ID: sg.ID, Tile: uint32(sg.Tile), Owner: sg.Owner, Text: sg.Text})
	}
	return s
}

// ImportSnapshot replaces the whole state of w in place, so processors bound
// to w stay valid.
func (w *World) ImportSnapshot(s snapshot.SnapshotV1) error {
	if s.MapSizeLog < 4 || s.MapSizeLog > 10 {
		return fmt.Errorf("snapshot map size log %d out of range", s.MapSizeLog)
	}
	if want := 1 << (2 * uint(s.MapSizeLog)); len(s.Tiles) != want {
		return fmt.Errorf("snapshot has %d tiles, want %d", len(s.Tiles), want)
	}
	if s.DayTicks == 0 {
		return fmt.Errorf("snapshot day ticks is zero")
	}
	var companies [action.MaxCompanies]*Company
	for _, c := range s.Companies {
		id := action.CompanyID(c.ID)
		if !id.Valid() || companies[id] != nil {
			return fmt.Errorf("snapshot company id %d invalid or duplicated", c.ID)
		}
		companies[id] = &Company{
			ID:      id,
			Name:    c.Name,
			Money:   action.Money(c.Money),
			Loan:    action.Money(c.Loan),
			Founded: c.Founded,
			Client:  action.ClientID(c.Client),
		}
	}

	w.cfg.ID = s.Header.WorldID
	w.cfg.Seed = s.Header.Seed
	w.cfg.MapSizeLog = s.MapSizeLog
	w.cfg.DayTicks = s.DayTicks
	if n := int(s.MaxCompanies); n > 0 && n <= action.MaxCompanies {
		w.cfg.MaxCompanies = n
	}
	w.cfg.StartMoney = s.StartMoney
	w.cfg.MaxLoan = s.MaxLoan
	w.cfg.LoanStep = s.LoanStep
	w.cfg.InterestPermille = s.InterestPermille
	w.sizeLog = s.MapSizeLog
	w.date = s.Date
	w.dateFract = s.DateFract
	w.rng.state = s.Random
	w.pauseMode = s.PauseMode
	w.nextSign = s.NextSign
	w.companies = companies

	w.tiles = make([]Tile, len(s.Tiles))
	for i, t := range s.Tiles {
		w.tiles[i] = Tile{Type: TileType(t.Type), Owner: t.Owner, Track: t.Track, Trees: t.Trees}
	}
	w.signs = w.signs[:0]
	for _, sg := range s.Signs {
		w.signs = append(w.signs, Sign{ID: sg.ID, Tile: action.TileIndex(sg.Tile), Owner: sg.Owner, Text: sg.Text})
	}
	return nil
}

// Serialize produces the opaque blob streamed to joining peers.
func (w *World) Serialize() ([]byte, error) {
	return snapshot.Marshal(w.ExportSnapshot(0))
}

// Deserialize replaces the state of w with a blob made by Serialize.
func (w *World) Deserialize(b []byte) error {
	s, err := snapshot.Unmarshal(b)
	if err != nil {
		return err
	}
	return w.ImportSnapshot(s)
}

// Load builds a fresh world from a blob made by Serialize.
func Load(b []byte, maxCompanies int) (*World, error) {
	s, err := snapshot.Unmarshal(b)
	if err != nil {
		return nil, err
	}
	return FromSnapshot(s, maxCompanies)
}

// FromSnapshot builds a world from a stored snapshot. maxCompanies applies
// only when the snapshot does not carry its own limit.
func FromSnapshot(s snapshot.SnapshotV1, maxCompanies int) (*World, error) {
	w := &World{cfg: Config{MaxCompanies: maxCompanies}}
	if w.cfg.MaxCompanies <= 0 || w.cfg.MaxCompanies > action.MaxCompanies {
		w.cfg.MaxCompanies = action.MaxCompanies
	}
	if err := w.ImportSnapshot(s); err != nil {
		return nil, err
	}
	return w, nil
}

// Digest hashes the complete state. Two worlds with equal digests are equal.
func (w *World) Digest() string {
	h := sha256.New()
	var tmp [8]byte
	putU64 := func(v uint64) {
		binary.LittleEndian.PutUint64(tmp[:], v)
		h.Write(tmp[:])
	}
	putStr := func(s string) {
		putU64(uint64(len(s)))
		h.Write([]byte(s))
	}

	putU64(uint64(w.sizeLog))
	putU64(uint64(w.date))
	putU64(uint64(w.dateFract))
	putU64(w.SyncSeed())
	putU64(uint64(w.pauseMode))
	putU64(uint64(w.nextSign))
	for _, t := range w.tiles {
		h.Write([]byte{byte(t.Type), t.Owner, t.Track, t.Trees})
	}
	for i, c := range w.companies {
		if c == nil {
			continue
		}
		putU64(uint64(i))
		putStr(c.Name)
		putU64(uint64(c.Money))
		putU64(uint64(c.Loan))
		putU64(uint64(c.Founded))
		putU64(uint64(c.Client))
	}
	for _, s := range w.signs {
		putU64(uint64(s.ID))
		putU64(uint64(s.Tile))
		putU64(uint64(s.Owner))
		putStr(s.Text)
	}
	return hex.EncodeToString(h.Sum(nil))
}
