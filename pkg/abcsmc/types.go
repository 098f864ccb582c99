package abcsmc

import (
	"abcsmc/internal/distribution"
	"abcsmc/internal/epsilon"
	"abcsmc/internal/history"
	"abcsmc/internal/kernel"
	"abcsmc/internal/smc"
)

type (
	Parameter  = distribution.Parameter
	SumStat    = distribution.SumStat
	Prior      = distribution.Distribution
	Univariate = distribution.Univariate

	Uniform     = distribution.Uniform
	Normal      = distribution.Normal
	Exponential = distribution.Exponential

	Model        = smc.Model
	ModelFunc    = smc.ModelFunc
	ModelSpec    = smc.ModelSpec
	Distance     = smc.Distance
	DistanceFunc = smc.DistanceFunc
	PNorm        = smc.PNorm

	EpsilonScheduler = epsilon.Scheduler
	QuantileEpsilon  = epsilon.QuantileEpsilon
	ListEpsilon      = epsilon.ListEpsilon

	KernelFitter             = kernel.Fitter
	MultivariateNormalFitter = kernel.MultivariateNormalFitter

	PopulationStrategy     = smc.PopulationStrategy
	ConstantPopulationSize = smc.ConstantPopulationSize
	ListPopulationSize     = smc.ListPopulationSize
	Allocation             = smc.Allocation

	Summary    = smc.Summary
	StopReason = smc.StopReason
)

const (
	AllocateSampled      = smc.AllocateSampled
	AllocateProportional = smc.AllocateProportional

	// Latest selects the most recent population in queries.
	Latest = history.Latest
)

var (
	NewModel            = smc.NewModel
	NewDistance         = smc.NewDistance
	Serial              = smc.Serial
	NewIndependentPrior = distribution.NewIndependent
)

var (
	ErrConfiguration         = smc.ErrConfiguration
	ErrRunNotFound           = smc.ErrRunNotFound
	ErrCorruptHistory        = smc.ErrCorruptHistory
	ErrPriorSupportExhausted = smc.ErrPriorSupportExhausted
	ErrSimulation            = smc.ErrSimulation
	ErrDegenerateKernel      = kernel.ErrDegenerateKernel
	ErrPopulationNotFound    = history.ErrPopulationNotFound
)
