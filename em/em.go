// Package em allocates ambiguously assigned molecules across candidate
// features by expectation-maximization, one equivalence class at a time.
// The solver is a pure function of its inputs; nothing is shared between
// classes or barcodes.
package em

import (
	"fmt"
	"math"

	"gonum.org/v1/gonum/floats"
)

// State describes the solver's progression.  INIT and ITERATING are
// transient; a Result carries one of the two terminal states.
type State int

const (
	Init State = iota
	Iterating
	Converged
	MaxIterReached
)

func (s State) String() string {
	switch s {
	case Init:
		return "INIT"
	case Iterating:
		return "ITERATING"
	case Converged:
		return "CONVERGED"
	case MaxIterReached:
		return "MAX_ITER_REACHED"
	}
	return fmt.Sprintf("State(%d)", int(s))
}

// Opts configures one allocation.
type Opts struct {
	// Tolerance stops iteration once the largest per-feature abundance
	// change drops below it.
	Tolerance float64
	// MaxIterations caps EM rounds.  0 short-circuits to the uniform
	// initial distribution, flagged MaxIterReached.
	MaxIterations int
	// ThetaFloor keeps abundance estimates strictly positive when used
	// as denominators.  A feature driven to zero support keeps its slot
	// with a vanishing share rather than being dropped.
	ThetaFloor float64
}

// DefaultOpts are the values used by the pipeline unless overridden.
var DefaultOpts = Opts{
	Tolerance:     1e-6,
	MaxIterations: 100,
	ThetaFloor:    1e-10,
}

// Member is one molecule group of the class: its candidate features as
// offsets into the class's feature list, and its EM weight.  Candidates
// must be non-empty; the equivalence class construction guarantees this.
type Member struct {
	Candidates []int
	Weight     float64
}

// Result of one allocation.
type Result struct {
	// Theta is the final per-feature abundance estimate, indexed like
	// the class's feature list.  Sums to 1.
	Theta []float64
	// Posteriors[i][k] is p(member i originated from Candidates[k])
	// under the final theta.  Each row sums to 1, so multiplying a row
	// by the member's weight conserves its mass exactly.
	Posteriors [][]float64
	State      State
	Iterations int
}

// Solve runs EM for one equivalence class with nFeatures candidate
// features.  Abundances start uniform; the E-step distributes each
// member over its candidates proportionally to the current abundances,
// the M-step re-estimates abundances from the weighted posteriors.
func Solve(members []Member, nFeatures int, opts Opts) Result {
	if nFeatures < 2 {
		panic(fmt.Sprintf("em: class with %d features does not need EM", nFeatures))
	}
	totalWeight := 0.0
	for i := range members {
		if len(members[i].Candidates) == 0 {
			panic(fmt.Sprintf("em: member %d has no candidate features", i))
		}
		totalWeight += members[i].Weight
	}
	if totalWeight <= 0 {
		panic("em: class has no weight")
	}

	theta := make([]float64, nFeatures)
	for f := range theta {
		theta[f] = 1.0 / float64(nFeatures)
	}
	state := Iterating

	next := make([]float64, nFeatures)
	iterations := 0
	for iterations < opts.MaxIterations {
		iterations++
		for f := range next {
			next[f] = 0
		}
		for i := range members {
			m := &members[i]
			denom := 0.0
			for _, f := range m.Candidates {
				denom += floored(theta[f], opts.ThetaFloor)
			}
			for _, f := range m.Candidates {
				next[f] += m.Weight * floored(theta[f], opts.ThetaFloor) / denom
			}
		}
		floats.Scale(1/totalWeight, next)
		delta := floats.Distance(next, theta, math.Inf(1))
		copy(theta, next)
		if delta < opts.Tolerance {
			state = Converged
			break
		}
	}
	if state != Converged {
		state = MaxIterReached
	}

	posteriors := make([][]float64, len(members))
	for i := range members {
		m := &members[i]
		denom := 0.0
		for _, f := range m.Candidates {
			denom += floored(theta[f], opts.ThetaFloor)
		}
		row := make([]float64, len(m.Candidates))
		for k, f := range m.Candidates {
			row[k] = floored(theta[f], opts.ThetaFloor) / denom
		}
		posteriors[i] = row
	}
	return Result{
		Theta:      theta,
		Posteriors: posteriors,
		State:      state,
		Iterations: iterations,
	}
}

func floored(x, lo float64) float64 {
	if x < lo {
		return lo
	}
	return x
}
