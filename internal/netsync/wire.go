package netsync

import (
	"tilesync.dev/internal/protocol"
	"tilesync.dev/internal/sim/action"
)

func resultMsg(ref, frame uint32, c action.Cost) protocol.ActionResultMsg {
	return protocol.ActionResultMsg{
		Type:   protocol.TypeActionResult,
		Ref:    ref,
		Frame:  frame,
		Class:  c.Class.String(),
		Reason: string(c.Reason),
		Cost:   int64(c.Money),
	}
}

func splitSeed(seed uint64) (uint32, uint32) { return uint32(seed >> 32), uint32(seed) }

func joinSeed(s1, s2 uint32) uint64 { return uint64(s1)<<32 | uint64(s2) }
