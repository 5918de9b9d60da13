// Package geom holds the coordinate primitives the spatial index is generic over.
// The index itself only talks to items through the PointLike and Boundable
// interfaces; Point, Segment and Feature are the concrete item types shipped
// with the module.
package geom

import (
	"fmt"
	"math"
)

// Point is a 2D or 3D coordinate. 2D data keeps Z at zero.
type Point struct {
	X float64 `msgpack:"x"`
	Y float64 `msgpack:"y"`
	Z float64 `msgpack:"z"`
}

// PointLike is anything that has a reference location.
type PointLike interface {
	Location() Point
}

// Boundable is anything that has an axis-aligned bounding box.
type Boundable interface {
	Bounds() Extent
}

// Item is the constraint placed on values stored in the index.
type Item interface {
	PointLike
	Boundable
}

// Location returns the point itself.
func (p Point) Location() Point { return p }

// Bounds returns the degenerate extent of the point.
func (p Point) Bounds() Extent { return Extent{Min: p, Max: p} }

func (p Point) String() string {
	return fmt.Sprintf("(%g %g %g)", p.X, p.Y, p.Z)
}

// Coord returns the coordinate along axis 0 (x), 1 (y) or 2 (z).
func (p Point) Coord(axis int) float64 {
	switch axis {
	case 0:
		return p.X
	case 1:
		return p.Y
	default:
		return p.Z
	}
}

func (p *Point) setCoord(axis int, v float64) {
	switch axis {
	case 0:
		p.X = v
	case 1:
		p.Y = v
	default:
		p.Z = v
	}
}

// Segment is a linear feature between two points.
type Segment struct {
	A Point `msgpack:"a"`
	B Point `msgpack:"b"`
}

// Location is the centre of the segment bounds; it decides which node owns the segment.
func (s Segment) Location() Point { return s.Bounds().Center() }

// Bounds returns the bounding box of both end points.
func (s Segment) Bounds() Extent { return EmptyExtent().ExpandPoint(s.A).ExpandPoint(s.B) }

// Feature is a point carrying an identifier, the usual payload of terrain point datasets.
type Feature struct {
	ID uint64 `msgpack:"id"`
	P  Point  `msgpack:"p"`
}

// Location returns the feature point.
func (f Feature) Location() Point { return f.P }

// Bounds returns the degenerate extent of the feature point.
func (f Feature) Bounds() Extent { return f.P.Bounds() }

// Extent represents an axis-aligned bounding box in 2D or 3D space.
type Extent struct {
	Min Point `msgpack:"min"`
	Max Point `msgpack:"max"`
}

// NewExtent builds a 2D extent.
func NewExtent(minX, minY, maxX, maxY float64) Extent {
	return Extent{Min: Point{X: minX, Y: minY}, Max: Point{X: maxX, Y: maxY}}
}

// NewExtent3D builds a 3D extent.
func NewExtent3D(minX, minY, minZ, maxX, maxY, maxZ float64) Extent {
	return Extent{Min: Point{X: minX, Y: minY, Z: minZ}, Max: Point{X: maxX, Y: maxY, Z: maxZ}}
}

// EmptyExtent returns an inverted extent that any Expand call replaces.
func EmptyExtent() Extent {
	inf := math.Inf(1)
	return Extent{
		Min: Point{X: inf, Y: inf, Z: inf},
		Max: Point{X: -inf, Y: -inf, Z: -inf},
	}
}

// IsEmpty reports whether the extent is inverted on any axis.
func (e Extent) IsEmpty() bool {
	return e.Min.X > e.Max.X || e.Min.Y > e.Max.Y || e.Min.Z > e.Max.Z
}

// Width, Height and Depth are the sizes along x, y and z.
func (e Extent) Width() float64  { return e.Max.X - e.Min.X }
func (e Extent) Height() float64 { return e.Max.Y - e.Min.Y }
func (e Extent) Depth() float64  { return e.Max.Z - e.Min.Z }

// Size returns the size along the given axis.
func (e Extent) Size(axis int) float64 { return e.Max.Coord(axis) - e.Min.Coord(axis) }

// Center returns the middle of the extent.
func (e Extent) Center() Point {
	return Point{
		X: e.Min.X + (e.Max.X-e.Min.X)/2,
		Y: e.Min.Y + (e.Max.Y-e.Min.Y)/2,
		Z: e.Min.Z + (e.Max.Z-e.Min.Z)/2,
	}
}

// Intersects checks if two extents overlap, boundaries included.
func (e Extent) Intersects(other Extent) bool {
	if e.IsEmpty() || other.IsEmpty() {
		return false
	}
	return e.Min.X <= other.Max.X && e.Max.X >= other.Min.X &&
		e.Min.Y <= other.Max.Y && e.Max.Y >= other.Min.Y &&
		e.Min.Z <= other.Max.Z && e.Max.Z >= other.Min.Z
}

// Contains checks if the extent fully contains another extent.
func (e Extent) Contains(other Extent) bool {
	if e.IsEmpty() || other.IsEmpty() {
		return false
	}
	return e.Min.X <= other.Min.X && e.Max.X >= other.Max.X &&
		e.Min.Y <= other.Min.Y && e.Max.Y >= other.Max.Y &&
		e.Min.Z <= other.Min.Z && e.Max.Z >= other.Max.Z
}

// ContainsPoint is the closed containment test used at the root.
func (e Extent) ContainsPoint(p Point) bool {
	return p.X >= e.Min.X && p.X <= e.Max.X &&
		p.Y >= e.Min.Y && p.Y <= e.Max.Y &&
		p.Z >= e.Min.Z && p.Z <= e.Max.Z
}

// ContainsPointIn is ContainsPoint restricted to the first dims axes, so a 2D
// index ignores z.
func (e Extent) ContainsPointIn(p Point, dims int) bool {
	for a := 0; a < dims; a++ {
		v := p.Coord(a)
		if v < e.Min.Coord(a) || v > e.Max.Coord(a) {
			return false
		}
	}
	return true
}

// Overlap returns the volume shared by two extents along the first dims axes.
// Touching extents overlap by zero.
func (e Extent) Overlap(other Extent, dims int) float64 {
	v := 1.0
	for a := 0; a < dims; a++ {
		lo := math.Max(e.Min.Coord(a), other.Min.Coord(a))
		hi := math.Min(e.Max.Coord(a), other.Max.Coord(a))
		if hi <= lo {
			return 0
		}
		v *= hi - lo
	}
	return v
}

// Union returns the extent that encloses both extents.
func (e Extent) Union(other Extent) Extent {
	if e.IsEmpty() {
		return other
	}
	if other.IsEmpty() {
		return e
	}
	return Extent{
		Min: Point{
			X: math.Min(e.Min.X, other.Min.X),
			Y: math.Min(e.Min.Y, other.Min.Y),
			Z: math.Min(e.Min.Z, other.Min.Z),
		},
		Max: Point{
			X: math.Max(e.Max.X, other.Max.X),
			Y: math.Max(e.Max.Y, other.Max.Y),
			Z: math.Max(e.Max.Z, other.Max.Z),
		},
	}
}

// ExpandPoint grows the extent to include p.
func (e Extent) ExpandPoint(p Point) Extent {
	return e.Union(p.Bounds())
}

// Equal compares extents exactly.
func (e Extent) Equal(other Extent) bool {
	return e.Min == other.Min && e.Max == other.Max
}

// Area is the x/y area of the extent.
func (e Extent) Area() float64 {
	if e.IsEmpty() {
		return 0
	}
	return e.Width() * e.Height()
}

func (e Extent) String() string {
	if e.IsEmpty() {
		return "[empty]"
	}
	return fmt.Sprintf("[%v-%v]", e.Min, e.Max)
}

// Square returns the smallest extent with equal x/y (and z, when dims is 3) sides
// that shares the minimum corner of e and contains it. A degenerate extent gets
// a unit side.
func (e Extent) Square(dims int) Extent {
	side := math.Max(e.Width(), e.Height())
	if dims == 3 {
		side = math.Max(side, e.Depth())
	}
	if side <= 0 {
		side = 1
	}
	out := Extent{Min: e.Min, Max: e.Min}
	out.Max.X += side
	out.Max.Y += side
	if dims == 3 {
		out.Max.Z += side
	}
	return out
}
