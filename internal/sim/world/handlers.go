package world

import (
	"math/bits"
	"strings"
	"unicode/utf8"

	"tilesync.dev/internal/sim/action"
)

const (
	costTrackPiece  action.Money = 100
	costRemoveTrack action.Money = 30
	costClearGrass  action.Money = 5
	costClearTree   action.Money = 20
	costPlantTree   action.Money = 15

	maxCompanyName = 31
	maxSigns       = 64
	maxAreaEdge    = 16
)

// Handlers returns the handler of every action kind.
func (w *World) Handlers() map[action.Kind]action.Handler {
	return map[action.Kind]action.Handler{
		action.KindBuildTrack:    action.HandlerFunc(w.buildTrack),
		action.KindRemoveTrack:   action.HandlerFunc(w.removeTrack),
		action.KindClearTile:     action.HandlerFunc(w.clearTile),
		action.KindClearArea:     action.HandlerFunc(w.clearArea),
		action.KindPlantTree:     action.HandlerFunc(w.plantTree),
		action.KindPlaceSign:     action.HandlerFunc(w.placeSign),
		action.KindRenameCompany: action.HandlerFunc(w.renameCompany),
		action.KindGiveMoney:     action.HandlerFunc(w.giveMoney),
		action.KindIncreaseLoan:  action.HandlerFunc(w.increaseLoan),
		action.KindDecreaseLoan:  action.HandlerFunc(w.decreaseLoan),
		action.KindCompanyCtrl:   action.HandlerFunc(w.companyCtrl),
		action.KindPause:         action.HandlerFunc(w.pause),
		action.KindMoneyCheat:    action.HandlerFunc(w.moneyCheat),
		action.KindSurveyTile:    action.HandlerFunc(w.surveyTile),
	}
}

func (w *World) buildTrack(c *action.Call, env action.Envelope) action.Cost {
	pieces := uint8(env.P1) & TrackMask
	if pieces == 0 || env.P1 > TrackMask {
		return action.Fail(action.ReasonBadRequest)
	}
	var cost action.Cost
	t := w.tiles[env.Tile]
	switch t.Type {
	case TileVoid:
		return action.Fail(action.ReasonInvalidTarget)
	case TileWater:
		if c.Flags().Has(action.DoNoWater) {
			return action.Fail(action.ReasonWater)
		}
	case TileTrees:
		if !c.Flags().Has(action.DoAuto) {
			return action.Fail(action.ReasonOccupied)
		}
		cost.Add(c.Do(action.Envelope{Kind: action.KindClearTile, Tile: env.Tile}, 0))
		if cost.Failed() {
			return cost
		}
	case TileTrack:
		if t.Owner != uint8(c.Company()) {
			return action.Fail(action.ReasonNotOwner)
		}
		if t.Track&pieces != 0 {
			return action.Fail(action.ReasonOccupied)
		}
	}
	cost.AddMoney(costTrackPiece * action.Money(bits.OnesCount8(pieces)))
	if c.Exec() {
		tile := &w.tiles[env.Tile]
		tile.Type = TileTrack
		tile.Owner = uint8(c.Company())
		tile.Track |= pieces
		tile.Trees = 0
	}
	return cost
}

func (w *World) removeTrack(c *action.Call, env action.Envelope) action.Cost {
	pieces := uint8(env.P1) & TrackMask
	t := w.tiles[env.Tile]
	if t.Type != TileTrack || pieces == 0 || t.Track&pieces != pieces {
		return action.Fail(action.ReasonInvalidTarget)
	}
	if t.Owner != uint8(c.Company()) {
		return action.Fail(action.ReasonNotOwner)
	}
	if c.Exec() {
		tile := &w.tiles[env.Tile]
		tile.Track &^= pieces
		if tile.Track == 0 {
			tile.Type = TileClear
			tile.Owner = OwnerNone
		}
	}
	return action.Ok(costRemoveTrack * action.Money(bits.OnesCount8(pieces)))
}

func (w *World) clearTile(c *action.Call, env action.Envelope) action.Cost {
	t := w.tiles[env.Tile]
	var cost action.Cost
	switch t.Type {
	case TileVoid:
		return action.Fail(action.ReasonInvalidTarget)
	case TileWater:
		return action.Fail(action.ReasonWater)
	case TileClear:
		cost = action.Ok(costClearGrass)
	case TileTrees:
		cost = action.Ok(costClearTree * action.Money(t.Trees))
	case TileTrack:
		return c.Do(action.Envelope{Kind: action.KindRemoveTrack, Tile: env.Tile, P1: uint32(t.Track)}, 0)
	}
	if c.Exec() {
		w.tiles[env.Tile] = Tile{Type: TileClear, Owner: OwnerNone}
	}
	return cost
}

// clearArea clears every tile of a rectangle. While committing it stops as
// soon as the company runs out of money, so its trial can overestimate.
func (w *World) clearArea(c *action.Call, env action.Envelope) action.Cost {
	end := action.TileIndex(env.P1)
	if !w.TileValid(end, false) {
		return action.Fail(action.ReasonInvalidTarget)
	}
	x0, y0 := w.tileCoords(env.Tile)
	x1, y1 := w.tileCoords(end)
	if x1 < x0 {
		x0, x1 = x1, x0
	}
	if y1 < y0 {
		y0, y1 = y1, y0
	}
	if x1-x0 >= maxAreaEdge || y1-y0 >= maxAreaEdge {
		return action.Fail(action.ReasonLimit)
	}

	var cost action.Cost
	lastErr := action.Fail(action.ReasonInvalidTarget)
	success := false
	money := c.Available()
	for y := y0; y <= y1; y++ {
		for x := x0; x <= x1; x++ {
			sub := action.Envelope{Kind: action.KindClearTile, Tile: w.TileXY(x, y)}
			res := c.Test(sub)
			if res.Failed() {
				lastErr = res
				continue
			}
			success = true
			if c.Exec() {
				money -= res.Money
				if res.Money > 0 && money < 0 {
					c.ShortOf(res.Money)
					return cost
				}
				c.Do(sub, 0)
			}
			cost.AddMoney(res.Money)
		}
	}
	if !success {
		return lastErr
	}
	return cost
}

func (w *World) plantTree(c *action.Call, env action.Envelope) action.Cost {
	n := uint8(env.P1)
	if n == 0 || n > MaxTrees {
		return action.Fail(action.ReasonBadRequest)
	}
	t := w.tiles[env.Tile]
	switch t.Type {
	case TileVoid:
		return action.Fail(action.ReasonInvalidTarget)
	case TileWater:
		return action.Fail(action.ReasonWater)
	case TileTrack:
		return action.Fail(action.ReasonOccupied)
	case TileTrees:
		if t.Trees+n > MaxTrees {
			return action.Fail(action.ReasonOccupied)
		}
	}
	if c.Exec() {
		tile := &w.tiles[env.Tile]
		tile.Type = TileTrees
		tile.Trees += n
	}
	return action.Ok(costPlantTree * action.Money(n))
}

func (w *World) placeSign(c *action.Call, env action.Envelope) action.Cost {
	text := strings.TrimSpace(env.Text)
	if text == "" || !utf8.ValidString(text) {
		return action.Fail(action.ReasonBadRequest)
	}
	owner := OwnerNone
	if c.Company().Valid() {
		owner = uint8(c.Company())
	}
	count := 0
	for _, s := range w.signs {
		if s.Owner == owner {
			count++
		}
	}
	if count >= maxSigns {
		return action.Fail(action.ReasonLimit)
	}
	if c.Exec() {
		w.signs = append(w.signs, Sign{ID: w.nextSign, Tile: env.Tile, Owner: owner, Text: text})
		w.nextSign++
	}
	return action.Ok(0)
}

func (w *World) renameCompany(c *action.Call, env action.Envelope) action.Cost {
	name := strings.TrimSpace(env.Text)
	if name == "" || len(name) > maxCompanyName || !utf8.ValidString(name) {
		return action.Fail(action.ReasonBadRequest)
	}
	for _, o := range w.companies {
		if o != nil && o.ID != c.Company() && strings.EqualFold(o.Name, name) {
			return action.Fail(action.ReasonOccupied)
		}
	}
	if c.Exec() {
		w.companies[c.Company()].Name = name
	}
	return action.Ok(0)
}

func (w *World) giveMoney(c *action.Call, env action.Envelope) action.Cost {
	amount := action.Money(env.P1)
	dest := action.CompanyID(env.P2)
	if amount <= 0 || dest == c.Company() || !w.CompanyValid(dest) {
		return action.Fail(action.ReasonInvalidTarget)
	}
	if c.Exec() {
		w.companies[dest].Money += amount
	}
	return action.Ok(amount)
}

func (w *World) increaseLoan(c *action.Call, env action.Envelope) action.Cost {
	co := w.companies[c.Company()]
	limit := action.Money(w.cfg.MaxLoan)
	if co.Loan >= limit {
		return action.Fail(action.ReasonLimit)
	}
	amount := action.Money(w.cfg.LoanStep)
	if env.P1 == 1 || co.Loan+amount > limit {
		amount = limit - co.Loan
	}
	if c.Exec() {
		co.Loan += amount
	}
	return action.Ok(-amount)
}

func (w *World) decreaseLoan(c *action.Call, env action.Envelope) action.Cost {
	co := w.companies[c.Company()]
	if co.Loan == 0 {
		return action.Fail(action.ReasonLimit)
	}
	amount := action.Money(w.cfg.LoanStep)
	if env.P1 == 1 || amount > co.Loan {
		amount = co.Loan
	}
	if c.Exec() {
		co.Loan -= amount
	}
	return action.Ok(amount)
}

const (
	companyCtrlNew    = 0
	companyCtrlDelete = 1
)

// companyCtrl creates (P1=0) or deletes (P1=1, company id in bits 8..15) a
// company. P2 is the client the new company belongs to.
func (w *World) companyCtrl(c *action.Call, env action.Envelope) action.Cost {
	switch env.P1 & 0xFF {
	case companyCtrlNew:
		if w.CompanyCount() >= w.cfg.MaxCompanies {
			return action.Fail(action.ReasonTooManyCompanies)
		}
		id := action.CompanySpectator
		for i := 0; i < w.cfg.MaxCompanies; i++ {
			if w.companies[i] == nil {
				id = action.CompanyID(i)
				break
			}
		}
		if c.Exec() {
			w.companies[id] = &Company{
				ID:      id,
				Name:    defaultCompanyName(id),
				Money:   action.Money(w.cfg.StartMoney),
				Founded: w.date,
				Client:  action.ClientID(env.P2),
			}
		}
		return action.Cost{Result: uint32(id)}

	case companyCtrlDelete:
		if c.Client() != action.ServerClient {
			return action.Reject(action.ReasonNotAuthorized)
		}
		id := action.CompanyID(env.P1 >> 8)
		if !w.CompanyValid(id) {
			return action.Fail(action.ReasonNoSuchCompany)
		}
		if c.Exec() {
			w.removeCompany(id)
		}
		return action.Cost{Result: uint32(id)}
	}
	return action.Fail(action.ReasonBadRequest)
}

func defaultCompanyName(id action.CompanyID) string {
	return "Company " + string(rune('A'+int(id)))
}

func (w *World) removeCompany(id action.CompanyID) {
	for i := range w.tiles {
		t := &w.tiles[i]
		if t.Type == TileTrack && t.Owner == uint8(id) {
			*t = Tile{Type: TileClear, Owner: OwnerNone}
		}
	}
	kept := w.signs[:0]
	for _, s := range w.signs {
		if s.Owner != uint8(id) {
			kept = append(kept, s)
		}
	}
	w.signs = kept
	w.companies[id] = nil
}

// pause sets (P2=1) or clears (P2=0) the pause reasons in P1.
func (w *World) pause(c *action.Call, env action.Envelope) action.Cost {
	reason := uint8(env.P1)
	if reason == 0 {
		return action.Fail(action.ReasonBadRequest)
	}
	if c.Exec() {
		if env.P2 != 0 {
			w.pauseMode |= reason
		} else {
			w.pauseMode &^= reason
		}
	}
	return action.Ok(0)
}

func (w *World) moneyCheat(c *action.Call, env action.Envelope) action.Cost {
	return action.Ok(-action.Money(int32(env.P1)))
}

// surveyTile reports what clearing a tile would cost; Result packs the tile
// type and owner.
func (w *World) surveyTile(c *action.Call, env action.Envelope) action.Cost {
	t := w.tiles[env.Tile]
	res := action.Cost{Result: uint32(t.Type)<<8 | uint32(t.Owner)}
	if t.Type == TileVoid {
		return res
	}
	cc := c.Test(action.Envelope{Kind: action.KindClearTile, Tile: env.Tile})
	if cc.Succeeded() {
		res.Money = cc.Money
	}
	return res
}
