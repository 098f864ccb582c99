package smc

import "math/rand"

// Random streams within one population.
const (
	streamPopulation  = 1
	streamCalibration = 2
)

// slotRand returns the source owned by one proposal slot. It depends only on
// the run seed and the slot coordinates, so results do not depend on how
// slots are scheduled across workers.
func slotRand(seed int64, population, stream, slot int) *rand.Rand {
	x := splitmix(uint64(seed))
	x = splitmix(x ^ uint64(population))
	x = splitmix(x ^ uint64(stream)<<40 ^ uint64(slot))
	return rand.New(rand.NewSource(int64(x)))
}

func splitmix(z uint64) uint64 {
	z += 0x9e3779b97f4a7c15
	z = (z ^ (z >> 30)) * 0xbf58476d1ce4e5b9
	z = (z ^ (z >> 27)) * 0x94d049bb133111eb
	return z ^ (z >> 31)
}
