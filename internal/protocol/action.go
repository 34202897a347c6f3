package protocol

import (
	"fmt"

	"tilesync.dev/internal/sim/action"
)

// PayloadOf converts an envelope to its wire form.
func PayloadOf(env action.Envelope) ActionPayload {
	return ActionPayload{
		Kind:    env.Kind.String(),
		Tile:    uint32(env.Tile),
		P1:      env.P1,
		P2:      env.P2,
		Text:    env.Text,
		Company: uint8(env.Company),
	}
}

// Envelope converts the wire form back. Run flags never travel, so the
// result has none.
func (p ActionPayload) Envelope() (action.Envelope, error) {
	k, ok := action.KindByName(p.Kind)
	if !ok {
		return action.Envelope{}, fmt.Errorf("unknown action kind %q", p.Kind)
	}
	return action.Envelope{
		Kind:    k,
		Tile:    action.TileIndex(p.Tile),
		P1:      p.P1,
		P2:      p.P2,
		Text:    p.Text,
		Company: action.CompanyID(p.Company),
	}, nil
}
