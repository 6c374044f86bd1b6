// Package idgen is the gateway's random-source collaborator: opaque
// request ids and instance ids, and weighted-selection randomness.
package idgen

import (
	"math/rand"

	"github.com/google/uuid"
)

// Generator produces opaque ids and uniform randomness.
type Generator interface {
	RequestID() string
	InstanceID() string
	Float64() float64
}

// uuidGenerator is the production Generator, backed by google/uuid and
// math/rand for the weighted load-balancer draw.
type uuidGenerator struct {
	rnd *rand.Rand
}

// New returns the production id/random generator.
func New() Generator {
	return &uuidGenerator{rnd: rand.New(rand.NewSource(rand.Int63()))}
}

func (g *uuidGenerator) RequestID() string {
	return uuid.New().String()
}

func (g *uuidGenerator) InstanceID() string {
	return uuid.New().String()
}

func (g *uuidGenerator) Float64() float64 {
	return g.rnd.Float64()
}
