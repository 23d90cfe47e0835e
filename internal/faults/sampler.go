package faults

import (
	"math/rand"
	"sync"
)

// Sampler supplies the random draws used by sampling and materialization.
// Implementations must be safe for concurrent use.
type Sampler interface {
	// Intn returns a uniform int in [0, n).
	Intn(n int) int
	// Float64 returns a uniform float64 in [0.0, 1.0).
	Float64() float64
}

// NewSystemSampler returns a sampler backed by the process-global random
// source. This is the production default: draws are independent per request
// and uncorrelated across concurrent calls.
func NewSystemSampler() Sampler {
	return systemSampler{}
}

type systemSampler struct{}

func (systemSampler) Intn(n int) int   { return rand.Intn(n) }
func (systemSampler) Float64() float64 { return rand.Float64() }

// NewSeededSampler returns a sampler with a fixed seed, for deterministic
// tests of distributions and boundary values.
func NewSeededSampler(seed int64) Sampler {
	return &seededSampler{rng: rand.New(rand.NewSource(seed))}
}

type seededSampler struct {
	mu  sync.Mutex
	rng *rand.Rand
}

func (s *seededSampler) Intn(n int) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.rng.Intn(n)
}

func (s *seededSampler) Float64() float64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.rng.Float64()
}
