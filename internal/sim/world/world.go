package world

import (
	"fmt"

	"tilesync.dev/internal/sim/action"
)

// Pause reasons; the world is paused while any bit is set.
const (
	PauseNormal uint8 = 1 << iota
	PauseJoin
	PauseError
)

type Config struct {
	ID               string
	Seed             uint64
	MapSizeLog       uint8
	DayTicks         uint16
	StartMoney       int64
	MaxLoan          int64
	LoanStep         int64
	InterestPermille int64
	WaterPermille    uint32
	MaxCompanies     int
}

func DefaultConfig() Config {
	return Config{
		ID:               "world",
		Seed:             1,
		MapSizeLog:       6,
		DayTicks:         74,
		StartMoney:       100_000,
		MaxLoan:          300_000,
		LoanStep:         10_000,
		InterestPermille: 40,
		WaterPermille:    80,
		MaxCompanies:     action.MaxCompanies,
	}
}

type Company struct {
	ID      action.CompanyID
	Name    string
	Money   action.Money
	Loan    action.Money
	Founded uint32
	Client  action.ClientID
}

type Sign struct {
	ID    uint32
	Tile  action.TileIndex
	Owner uint8
	Text  string
}

// World is a small tile and ledger simulation. Only the simulation loop
// touches it.
type World struct {
	cfg     Config
	sizeLog uint8

	tiles     []Tile
	companies [action.MaxCompanies]*Company
	signs     []Sign
	nextSign  uint32

	rng       Random
	date      uint32
	dateFract uint16
	pauseMode uint8
}

func New(cfg Config) (*World, error) {
	if cfg.MapSizeLog < 4 || cfg.MapSizeLog > 10 {
		return nil, fmt.Errorf("map size log %d out of range [4,10]", cfg.MapSizeLog)
	}
	if cfg.DayTicks == 0 {
		return nil, fmt.Errorf("day ticks must be positive")
	}
	if cfg.MaxCompanies <= 0 || cfg.MaxCompanies > action.MaxCompanies {
		cfg.MaxCompanies = action.MaxCompanies
	}
	w := &World{
		cfg:      cfg,
		sizeLog:  cfg.MapSizeLog,
		rng:      NewRandom(cfg.Seed),
		nextSign: 1,
	}
	w.generate(cfg.Seed, cfg.WaterPermille)
	return w, nil
}

func (w *World) ID() string { return w.cfg.ID }

func (w *World) Date() (day uint32, fract uint16) { return w.date, w.dateFract }

// DayTicks is the number of frames in one simulated day.
func (w *World) DayTicks() uint16 { return w.cfg.DayTicks }

func (w *World) Company(id action.CompanyID) (Company, bool) {
	if !id.Valid() || w.companies[id] == nil {
		return Company{}, false
	}
	return *w.companies[id], true
}

func (w *World) CompanyValid(id action.CompanyID) bool {
	return id.Valid() && w.companies[id] != nil
}

func (w *World) CompanyCount() int {
	n := 0
	for _, c := range w.companies {
		if c != nil {
			n++
		}
	}
	return n
}

// MaxCompanies is the configured participant capacity.
func (w *World) MaxCompanies() int { return w.cfg.MaxCompanies }

// CompanyForClient finds the company most recently founded by client.
func (w *World) CompanyForClient(client action.ClientID) (action.CompanyID, bool) {
	for i := len(w.companies) - 1; i >= 0; i-- {
		if c := w.companies[i]; c != nil && c.Client == client {
			return c.ID, true
		}
	}
	return action.CompanySpectator, false
}

func (w *World) Signs() []Sign {
	out := make([]Sign, len(w.signs))
	copy(out, w.signs)
	return out
}

func (w *World) Funds(id action.CompanyID) (action.Money, bool) {
	if !w.CompanyValid(id) {
		return 0, false
	}
	return w.companies[id].Money, true
}

func (w *World) Deduct(id action.CompanyID, m action.Money) {
	if !w.CompanyValid(id) {
		return
	}
	w.companies[id].Money -= m
}

func (w *World) Paused() bool     { return w.pauseMode != 0 }
func (w *World) PauseMode() uint8 { return w.pauseMode }

// SyncSeed exposes the PRNG state peers compare.
func (w *World) SyncSeed() uint64 {
	return uint64(w.rng.state[0])<<32 | uint64(w.rng.state[1])
}

// StepFrame advances time by one frame. Nothing moves while paused.
func (w *World) StepFrame() {
	if w.pauseMode != 0 {
		return
	}
	w.growTrees()
	w.dateFract++
	if w.dateFract < w.cfg.DayTicks {
		return
	}
	w.dateFract = 0
	w.date++
	if w.date%30 == 0 {
		w.chargeInterest()
	}
}

func (w *World) growTrees() {
	r := w.rng.Next()
	if r>>28 != 0 {
		return
	}
	t := &w.tiles[w.rng.Below(w.mapSize())]
	if t.Type == TileTrees && t.Trees < MaxTrees {
		t.Trees++
	}
}

func (w *World) chargeInterest() {
	for _, c := range w.companies {
		if c == nil || c.Loan == 0 {
			continue
		}
		c.Money -= c.Loan * action.Money(w.cfg.InterestPermille) / 1000 / 12
	}
}

// NewProcessor binds a processor to w with all of its handlers.
func NewProcessor(w *World, opts action.Options) (*action.Processor, error) {
	reg, err := action.NewRegistry(w.Handlers())
	if err != nil {
		return nil, err
	}
	return action.NewProcessor(reg, w, opts), nil
}
