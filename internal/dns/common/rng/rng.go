// Package rng supplies caller-provided randomness to the engine. The core
// never reaches for global randomness; every component that needs random
// values takes a Source.
package rng

import "math/rand/v2"

// Source yields the random values the engine needs: message ids and
// uniform picks from candidate sets.
type Source interface {
	// ID returns a random DNS message id.
	ID() uint16
	// IntN returns a uniform value in [0, n). n must be positive.
	IntN(n int) int
}

// mathSource is the production Source backed by math/rand/v2.
type mathSource struct {
	r *rand.Rand
}

// New returns a Source seeded from the given values.
func New(seed1, seed2 uint64) Source {
	return &mathSource{r: rand.New(rand.NewPCG(seed1, seed2))}
}

func (s *mathSource) ID() uint16 {
	return uint16(s.r.Uint32())
}

func (s *mathSource) IntN(n int) int {
	return s.r.IntN(n)
}

// Sequence is a deterministic Source for tests: ids and picks are served
// from fixed slices, wrapping around when exhausted.
type Sequence struct {
	IDs   []uint16
	Picks []int

	idIdx, pickIdx int
}

func (s *Sequence) ID() uint16 {
	if len(s.IDs) == 0 {
		return 0
	}
	v := s.IDs[s.idIdx%len(s.IDs)]
	s.idIdx++
	return v
}

func (s *Sequence) IntN(n int) int {
	if len(s.Picks) == 0 {
		return 0
	}
	v := s.Picks[s.pickIdx%len(s.Picks)] % n
	s.pickIdx++
	return v
}
