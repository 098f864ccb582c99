package smc

import (
	"fmt"
	"math"
	"sort"
)

// PopulationStrategy decides how many particles population t holds.
type PopulationStrategy interface {
	Name() string
	Size(t int) int
}

type ConstantPopulationSize struct {
	N int
}

func (s ConstantPopulationSize) Name() string {
	return fmt.Sprintf("constant(%d)", s.N)
}

func (s ConstantPopulationSize) Size(int) int { return s.N }

// ListPopulationSize replays Sizes, holding the last entry afterwards.
type ListPopulationSize struct {
	Sizes []int
}

func (s ListPopulationSize) Name() string {
	return fmt.Sprintf("list(%v)", s.Sizes)
}

func (s ListPopulationSize) Size(t int) int {
	if len(s.Sizes) == 0 {
		return 0
	}
	if t >= len(s.Sizes) {
		t = len(s.Sizes) - 1
	}
	if t < 0 {
		t = 0
	}
	return s.Sizes[t]
}

// Allocation is the per-model quota policy.
type Allocation int

const (
	// AllocateSampled draws the model of every proposal from the current
	// model weights.
	AllocateSampled Allocation = iota
	// AllocateProportional fixes round(N*p(m)) slots per model up front.
	AllocateProportional
)

func (a Allocation) String() string {
	switch a {
	case AllocateSampled:
		return "sampled"
	case AllocateProportional:
		return "proportional"
	default:
		return fmt.Sprintf("allocation(%d)", int(a))
	}
}

func ParseAllocation(s string) (Allocation, error) {
	switch s {
	case "", "sampled":
		return AllocateSampled, nil
	case "proportional":
		return AllocateProportional, nil
	default:
		return 0, fmt.Errorf("unsupported allocation: %q", s)
	}
}

// allocateQuotas splits total slots across models by largest remainder.
// Ties go to the lower model index.
func allocateQuotas(probabilities []float64, total int) []int {
	quotas := make([]int, len(probabilities))
	if total <= 0 || len(probabilities) == 0 {
		return quotas
	}
	sum := 0.0
	for _, p := range probabilities {
		sum += p
	}
	if sum <= 0 {
		return quotas
	}

	type alloc struct {
		model     int
		remainder float64
	}
	allocs := make([]alloc, 0, len(probabilities))
	assigned := 0
	for m, p := range probabilities {
		share := p / sum * float64(total)
		base := int(math.Floor(share))
		quotas[m] = base
		assigned += base
		if p > 0 {
			allocs = append(allocs, alloc{model: m, remainder: share - float64(base)})
		}
	}
	sort.SliceStable(allocs, func(i, j int) bool {
		if allocs[i].remainder == allocs[j].remainder {
			return allocs[i].model < allocs[j].model
		}
		return allocs[i].remainder > allocs[j].remainder
	})
	for i := 0; i < total-assigned && len(allocs) > 0; i++ {
		quotas[allocs[i%len(allocs)].model]++
	}
	return quotas
}
