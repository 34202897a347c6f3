package world

import "math/bits"

// Random is the simulation's only source of randomness. Its state is the seed
// lineage compared between peers.
type Random struct {
	state [2]uint32
}

func NewRandom(seed uint64) Random {
	return Random{state: [2]uint32{uint32(seed), uint32(seed >> 32)}}
}

func (r *Random) Next() uint32 {
	s, t := r.state[0], r.state[1]
	r.state[0] = s + bits.RotateLeft32(t^0x1234567F, -7) + 1
	r.state[1] = bits.RotateLeft32(s, -3) - 1
	return r.state[1]
}

// Below returns a value in [0, limit).
func (r *Random) Below(limit uint32) uint32 {
	return uint32((uint64(r.Next()) * uint64(limit)) >> 32)
}
