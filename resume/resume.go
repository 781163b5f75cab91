// Package resume provides the resumption points used for the non-local
// return out of a virtual-8086 invocation.
//
// A Point is created before the one-way mode switch and resolved by whichever
// trap handler recognizes the end of the invocation. The mode-switch
// primitive polls Reached between events and returns to its caller once the
// point is resolved; that loop is the only place control crosses back.
package resume

import "sync/atomic"

var nextID atomic.Uint64

// Point is a resumption point.
type Point struct {
	id      uint64
	reached bool
	value   int
}

// New records a fresh resumption point.
func New() *Point {
	return &Point{id: nextID.Add(1)}
}

// ID identifies the point in logs.
func (p *Point) ID() uint64 {
	return p.id
}

// JumpTo resolves the point with value. A point can be resolved once.
func (p *Point) JumpTo(value int) {
	if p.reached {
		panic("resume: point resolved twice")
	}

	p.reached, p.value = true, value
}

// Reached reports whether JumpTo was called.
func (p *Point) Reached() bool {
	return p != nil && p.reached
}

// Value returns the value passed to JumpTo.
func (p *Point) Value() int {
	return p.value
}
