package geom

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestExtentAlgebra(t *testing.T) {
	a := NewExtent(0, 0, 10, 10)
	b := NewExtent(5, 5, 20, 20)
	c := NewExtent(11, 11, 12, 12)

	require.True(t, a.Intersects(b))
	require.False(t, a.Intersects(c))
	require.True(t, a.Union(c).Contains(c))
	require.Equal(t, NewExtent(0, 0, 20, 20), a.Union(b))
	require.True(t, EmptyExtent().IsEmpty())
	require.Equal(t, a, EmptyExtent().Union(a))
	require.False(t, EmptyExtent().Intersects(a))
	require.Equal(t, Point{X: 5, Y: 5}, a.Center())
	require.Equal(t, 100.0, a.Area())
}

func TestSquareKeepsMinCorner(t *testing.T) {
	sq := NewExtent(2, 3, 4, 10).Square(2)
	require.Equal(t, NewExtent(2, 3, 9, 10), sq)

	unit := Point{X: 1, Y: 1}.Bounds().Square(2)
	require.Equal(t, NewExtent(1, 1, 2, 2), unit)
}

func TestPartitionQuadrantsCoverParent(t *testing.T) {
	parent := NewExtent(0, 0, 8, 8)
	children, err := Partition(parent, 4)
	require.NoError(t, err)
	require.Len(t, children, 4)

	union := EmptyExtent()
	for _, c := range children {
		union = union.Union(c)
		require.InDelta(t, 16.0, c.Area(), 1e-12)
	}
	require.Equal(t, parent, union)
	require.Equal(t, NewExtent(0, 0, 4, 4), children[0])
	require.Equal(t, NewExtent(4, 0, 8, 4), children[1])
	require.Equal(t, NewExtent(0, 4, 4, 8), children[2])
	require.Equal(t, NewExtent(4, 4, 8, 8), children[3])
}

func TestPartitionOctants(t *testing.T) {
	parent := NewExtent3D(0, 0, 0, 2, 2, 2)
	children, err := Partition(parent, 8)
	require.NoError(t, err)
	require.Len(t, children, 8)
	require.Equal(t, NewExtent3D(1, 1, 1, 2, 2, 2), children[7])
	require.Equal(t, 7, ChildIndex(parent, Point{X: 1.5, Y: 1.5, Z: 1.5}, 8))
	require.Equal(t, 4, ChildIndex(parent, Point{X: 0.5, Y: 0.5, Z: 1.5}, 8))
}

func TestPartitionDegenerate(t *testing.T) {
	_, err := Partition(NewExtent(1, 1, 1, 5), 4)
	require.ErrorIs(t, err, ErrDegenerateExtent)
}

func TestChildIndexMatchesPartition(t *testing.T) {
	parent := NewExtent(-3, -3, 5, 5)
	children, err := Partition(parent, 4)
	require.NoError(t, err)

	points := []Point{{X: -3, Y: -3}, {X: 1, Y: 1}, {X: 5, Y: 5}, {X: 0.999, Y: 4}, {X: 1, Y: -3}}
	for _, p := range points {
		i := ChildIndex(parent, p, 4)
		require.Equal(t, i, ChildIndexOf(children, p, 4), "point %v", p)
		require.True(t, children[i].ContainsPoint(p), "point %v child %d", p, i)
	}
}

func TestGrowToward(t *testing.T) {
	e := NewExtent(0, 0, 10, 10)
	grown, slot := GrowToward(e, Point{X: 1e9, Y: 1e9}, 4)
	require.Equal(t, NewExtent(0, 0, 20, 20), grown)
	require.Equal(t, 0, slot)

	grown, slot = GrowToward(e, Point{X: -1, Y: 3}, 4)
	require.Equal(t, NewExtent(-10, 0, 10, 20), grown)
	require.Equal(t, 1, slot)

	children, err := Partition(grown, 4)
	require.NoError(t, err)
	require.True(t, NearlyEqual(children[slot], e))
}

func TestGrowthPartitionSharesOldBounds(t *testing.T) {
	e := NewExtent(0.1, 0.7, 0.3, 1.1)
	grown, slot := GrowToward(e, Point{X: 5, Y: -5}, 4)
	require.Equal(t, 2, slot)

	children := PartitionAt(grown, GrowthMidpoint(e, slot, 4), 4)
	require.Equal(t, e, children[slot])
	for i, c := range children {
		for _, o := range children[i+1:] {
			require.Zero(t, c.Overlap(o, 2), "%s and %s", c, o)
		}
	}
	union := EmptyExtent()
	for _, c := range children {
		union = union.Union(c)
	}
	require.Equal(t, grown, union)
}

func TestSegmentLocation(t *testing.T) {
	s := Segment{A: Point{X: 0, Y: 0}, B: Point{X: 4, Y: 2}}
	require.Equal(t, Point{X: 2, Y: 1}, s.Location())
	require.Equal(t, NewExtent(0, 0, 4, 2), s.Bounds())
}

func TestContainsPointInIgnoresUnusedAxes(t *testing.T) {
	e := NewExtent(0, 0, 10, 10)
	p := Point{X: 5, Y: 5, Z: 42}
	require.False(t, e.ContainsPoint(p))
	require.True(t, e.ContainsPointIn(p, 2))
	require.False(t, e.ContainsPointIn(Point{X: 11}, 2))
}

func TestOverlap(t *testing.T) {
	a := NewExtent(0, 0, 4, 4)
	require.Equal(t, 4.0, a.Overlap(NewExtent(2, 2, 6, 6), 2))
	require.Zero(t, a.Overlap(NewExtent(4, 0, 8, 4), 2), "touching extents do not overlap")
	require.Zero(t, a.Overlap(NewExtent(5, 5, 6, 6), 2))
}
