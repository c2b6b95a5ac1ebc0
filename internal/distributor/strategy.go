package distributor

import (
	"sync"
	"sync/atomic"
)

// Strategy picks the provider for a new chunk placement from an
// ordered, fixed provider list. Next is called exactly once per new
// (non-dedup) chunk (spec §4.6).
type Strategy interface {
	Next(providers []Provider) Provider
}

// RoundRobinStrategy cycles through providers in configuration order:
// provider index = i mod N, where i is a monotonic counter advanced on
// every new placement. Dedup hits never call Next and so never advance
// the counter.
type RoundRobinStrategy struct {
	counter uint64
}

// NewRoundRobin returns a fresh round-robin strategy starting at index 0.
func NewRoundRobin() *RoundRobinStrategy {
	return &RoundRobinStrategy{}
}

func (s *RoundRobinStrategy) Next(providers []Provider) Provider {
	n := atomic.AddUint64(&s.counter, 1) - 1
	return providers[n%uint64(len(providers))]
}

// WeightedStrategy builds a placement ring proportional to each
// provider's configured Weight and walks it round-robin. Equal-weight
// providers in the ring tie-break by their position in the
// configuration-declared provider order (an Open Question spec.md
// leaves unresolved; resolved here because the alternative —
// unordered random tie-break — would violate the determinism
// requirement in §9).
type WeightedStrategy struct {
	mu      sync.Mutex
	ring    []Provider
	builtOn int // len(providers) the ring was built for, to detect config changes
	counter uint64
}

// NewWeighted returns a fresh weighted strategy. The ring is built
// lazily on first Next call against the provider slice actually passed.
func NewWeighted() *WeightedStrategy {
	return &WeightedStrategy{}
}

func (s *WeightedStrategy) Next(providers []Provider) Provider {
	s.mu.Lock()
	if s.ring == nil || s.builtOn != len(providers) {
		s.ring = buildWeightedRing(providers)
		s.builtOn = len(providers)
	}
	ring := s.ring
	s.mu.Unlock()

	n := atomic.AddUint64(&s.counter, 1) - 1
	return ring[n%uint64(len(ring))]
}

// buildWeightedRing expands providers into a ring where each provider
// appears Weight() times, interleaved round-robin style (not grouped
// consecutively) so consecutive placements spread across providers even
// within one provider's run of slots. Ring order follows the input
// provider order, which is the tie-break for equal weights.
func buildWeightedRing(providers []Provider) []Provider {
	remaining := make([]int, len(providers))
	total := 0
	for i, p := range providers {
		w := p.Weight()
		if w <= 0 {
			w = 1
		}
		remaining[i] = w
		total += w
	}

	ring := make([]Provider, 0, total)
	for total > 0 {
		for i, p := range providers {
			if remaining[i] > 0 {
				ring = append(ring, p)
				remaining[i]--
				total--
			}
		}
	}
	return ring
}
