package ml

import (
	"time"

	"golang.org/x/exp/rand"
)

// Generator is a seeded source of noise. Two generators created with the
// same seed produce identical sequences.
type Generator struct {
	seed uint64
	rng  *rand.Rand
}

func NewGenerator(seed uint64) *Generator {
	return &Generator{seed: seed, rng: rand.New(rand.NewSource(seed))}
}

func (g *Generator) Seed() uint64 { return g.seed }

// Normal fills a new tensor with standard normal samples.
func (g *Generator) Normal(shape ...int) *Tensor {
	t := Zeros(shape...)
	for i := range t.data {
		t.data[i] = float32(g.rng.NormFloat64())
	}
	return t
}

func (g *Generator) NormalLike(t *Tensor) *Tensor {
	return g.Normal(t.shape...)
}

// Intn returns a uniform integer in [0, n).
func (g *Generator) Intn(n int) int {
	return g.rng.Intn(n)
}

// RandomSeed picks a fresh non-negative seed from the wall clock.
func RandomSeed() int64 {
	return rand.New(rand.NewSource(uint64(time.Now().UnixNano()))).Int63()
}
