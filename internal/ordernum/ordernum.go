// Package ordernum generates human-readable order numbers.
package ordernum

import (
	"fmt"
	"math/rand/v2"
	"time"
)

const (
	prefix     = "ORD"
	layout     = "20060102-150405"
	suffixSpan = 100000
)

// Generator produces order numbers of the form ORD-yyyyMMdd-HHmmss-NNNNN.
//
// Numbers are not checked for uniqueness; the orders table's UNIQUE
// constraint rejects the rare collision.
type Generator struct {
	now  func() time.Time
	intN func(n int) int
}

// Option configures a Generator.
type Option func(*Generator)

// WithClock overrides the time source.
func WithClock(now func() time.Time) Option {
	return func(g *Generator) {
		g.now = now
	}
}

// WithRand overrides the random source used for the numeric suffix.
// intN must return a value in [0, n).
func WithRand(intN func(n int) int) Option {
	return func(g *Generator) {
		g.intN = intN
	}
}

// New returns a Generator using the wall clock and math/rand/v2.
func New(opts ...Option) *Generator {
	g := &Generator{
		now:  time.Now,
		intN: rand.IntN,
	}
	for _, opt := range opts {
		opt(g)
	}
	return g
}

// Next returns a new order number.
func (g *Generator) Next() string {
	return fmt.Sprintf("%s-%s-%05d", prefix, g.now().Format(layout), g.intN(suffixSpan))
}
