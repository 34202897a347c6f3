package main

import (
	"fmt"
	"math/rand"

	"github.com/sirupsen/logrus"

	"tilesync.dev/internal/netsync"
	"tilesync.dev/internal/sim/action"
	"tilesync.dev/internal/sim/world"
)

type bot struct {
	rng   *rand.Rand
	every int
	log   logrus.FieldLogger

	ticks     int
	submitted int
	executed  int
	failed    int
}

func (b *bot) tick(c *netsync.Client) {
	if c.State != netsync.StateActive || c.World() == nil {
		return
	}
	b.ticks++
	if b.every > 1 && b.ticks%b.every != 0 {
		return
	}
	env := randomAction(b.rng, c.World(), c.Company)
	if _, cost := c.Submit(env); cost.Failed() {
		// Refused locally; nothing was sent.
		b.log.WithFields(logrus.Fields{"kind": env.Kind.String(), "reason": cost.Reason}).Debug("skipped")
		return
	}
	b.submitted++
}

// randomAction picks something a player might do. Spectators can only place
// signs and survey.
func randomAction(rng *rand.Rand, w *world.World, company action.CompanyID) action.Envelope {
	edge := w.Edge()
	tile := w.TileXY(1+uint32(rng.Intn(int(edge-2))), 1+uint32(rng.Intn(int(edge-2))))

	if company == action.CompanySpectator {
		if rng.Intn(4) == 0 {
			return action.Envelope{Kind: action.KindSurveyTile, Tile: tile}
		}
		return action.Envelope{Kind: action.KindPlaceSign, Tile: tile, Text: fmt.Sprintf("bot %d", rng.Intn(1000))}
	}

	switch n := rng.Intn(10); {
	case n < 5:
		return action.Envelope{Kind: action.KindBuildTrack, Tile: tile, P1: uint32(1 + rng.Intn(int(world.TrackMask)))}
	case n < 7:
		return action.Envelope{Kind: action.KindPlantTree, Tile: tile, P1: uint32(1 + rng.Intn(world.MaxTrees))}
	case n < 8:
		return action.Envelope{Kind: action.KindClearTile, Tile: tile}
	case n < 9:
		return action.Envelope{Kind: action.KindIncreaseLoan}
	default:
		return action.Envelope{Kind: action.KindPlaceSign, Tile: tile, Text: "depot"}
	}
}
