package geom

import (
	"errors"
	"math"
)

// ErrDegenerateExtent is returned when an extent can no longer be subdivided
// because a midpoint collapses onto one of its bounds.
var ErrDegenerateExtent = errors.New("extent cannot be subdivided further")

// PartitionFunc splits an extent into n congruent children. Child i must own
// every location for which ChildIndex returns i.
type PartitionFunc func(e Extent, n int) ([]Extent, error)

// Dims returns the number of split axes for a branching factor.
func Dims(branching int) int {
	if branching == 8 {
		return 3
	}
	return 2
}

// Partition is the default equal-split strategy: 4 quadrants on x/y or 8 octants
// on x/y/z. Bit a of the child index is set when the child covers the upper half
// along axis a.
func Partition(e Extent, n int) ([]Extent, error) {
	dims := Dims(n)
	var mid Point
	for a := 0; a < dims; a++ {
		lo, hi := e.Min.Coord(a), e.Max.Coord(a)
		m := lo + (hi-lo)/2
		if !(m > lo && m < hi) || math.IsInf(m, 0) || math.IsNaN(m) {
			return nil, ErrDegenerateExtent
		}
		mid.setCoord(a, m)
	}
	return PartitionAt(e, mid, n), nil
}

// PartitionAt splits e at mid into n children laid out as in Partition.
// Children share mid's coordinates exactly, so they never overlap.
func PartitionAt(e Extent, mid Point, n int) []Extent {
	dims := Dims(n)
	out := make([]Extent, n)
	for i := 0; i < n; i++ {
		c := e
		for a := 0; a < dims; a++ {
			if i&(1<<a) != 0 {
				c.Min.setCoord(a, mid.Coord(a))
			} else {
				c.Max.setCoord(a, mid.Coord(a))
			}
		}
		out[i] = c
	}
	return out
}

// ChildIndex returns the child of e that owns location p. Lower halves are
// half-open so a location on a midpoint belongs to the upper child.
func ChildIndex(e Extent, p Point, n int) int {
	idx := 0
	for a := 0; a < Dims(n); a++ {
		lo, hi := e.Min.Coord(a), e.Max.Coord(a)
		if p.Coord(a) >= lo+(hi-lo)/2 {
			idx |= 1 << a
		}
	}
	return idx
}

// ChildIndexOf finds the child extent owning p using explicit child extents,
// which keeps custom partition functions honest.
func ChildIndexOf(children []Extent, p Point, n int) int {
	dims := Dims(n)
	for i, c := range children {
		inside := true
		for a := 0; a < dims; a++ {
			v := p.Coord(a)
			if v < c.Min.Coord(a) || v > c.Max.Coord(a) {
				inside = false
				break
			}
			// Upper bounds are exclusive unless the child touches the parent's upper bound.
			if v == c.Max.Coord(a) && !touchesUpper(children, c, a) {
				inside = false
				break
			}
		}
		if inside {
			return i
		}
	}
	return -1
}

func touchesUpper(children []Extent, c Extent, axis int) bool {
	for _, o := range children {
		if o.Max.Coord(axis) > c.Max.Coord(axis) {
			return false
		}
	}
	return true
}

// GrowToward doubles e toward p along every split axis and returns the larger
// extent plus the child slot e occupies inside it.
func GrowToward(e Extent, p Point, n int) (Extent, int) {
	out := e
	slot := 0
	for a := 0; a < Dims(n); a++ {
		size := e.Size(a)
		if size <= 0 {
			size = 1
		}
		if p.Coord(a) < e.Min.Coord(a) {
			out.Min.setCoord(a, e.Min.Coord(a)-size)
			slot |= 1 << a
		} else {
			out.Max.setCoord(a, e.Max.Coord(a)+size)
		}
	}
	return out, slot
}

// GrowthMidpoint returns the split point of grown, the result of GrowToward
// on e with the given slot. It sits on e's own bounds so the siblings of e
// meet e exactly.
func GrowthMidpoint(e Extent, slot, n int) Point {
	var mid Point
	for a := 0; a < Dims(n); a++ {
		if slot&(1<<a) != 0 {
			mid.setCoord(a, e.Min.Coord(a))
		} else {
			mid.setCoord(a, e.Max.Coord(a))
		}
	}
	return mid
}

// NearlyEqual compares extents with a tolerance relative to their size; used to
// check parent/children coverage after root growth where doubling may round.
func NearlyEqual(a, b Extent) bool {
	tol := 1e-9 * math.Max(1, math.Max(a.Width(), math.Max(a.Height(), a.Depth())))
	for axis := 0; axis < 3; axis++ {
		if math.Abs(a.Min.Coord(axis)-b.Min.Coord(axis)) > tol ||
			math.Abs(a.Max.Coord(axis)-b.Max.Coord(axis)) > tol {
			return false
		}
	}
	return true
}
