// Package spatial provides the (RT, m/z) neighbourhood index used for
// clustering and registration, and the m/z partitioning of point sets.
package spatial

import (
	"fmt"
	"math"
	"sort"

	"github.com/524D/mzalign/internal/feature"
	"gonum.org/v1/gonum/spatial/kdtree"
)

// Coordinate axes of the tree
const (
	axisRT kdtree.Dim = iota
	axisMz
)

// node is a point stored in the tree. c holds the working RT and the m/z
// coordinate (see feature.MzCoord).
type node struct {
	idx int
	c   [2]float64
}

func (n node) Compare(c kdtree.Comparable, d kdtree.Dim) float64 {
	return n.c[d] - c.(node).c[d]
}

func (n node) Dims() int { return 2 }

func (n node) Distance(c kdtree.Comparable) float64 {
	o := c.(node)
	drt := n.c[axisRT] - o.c[axisRT]
	dmz := n.c[axisMz] - o.c[axisMz]
	return drt*drt + dmz*dmz
}

type nodes []node

func (p nodes) Index(i int) kdtree.Comparable         { return p[i] }
func (p nodes) Len() int                              { return len(p) }
func (p nodes) Pivot(d kdtree.Dim) int                { return plane{Dim: d, nodes: p}.Pivot() }
func (p nodes) Slice(start, end int) kdtree.Interface { return p[start:end] }

type plane struct {
	kdtree.Dim
	nodes
}

func (p plane) Less(i, j int) bool { return p.nodes[i].c[p.Dim] < p.nodes[j].c[p.Dim] }
func (p plane) Pivot() int         { return kdtree.Partition(p, kdtree.MedianOfMedians(p)) }
func (p plane) Slice(start, end int) kdtree.SortSlicer {
	p.nodes = p.nodes[start:end]
	return p
}
func (p plane) Swap(i, j int) { p.nodes[i], p.nodes[j] = p.nodes[j], p.nodes[i] }

// window is a query box. Compare and Distance are expressed in units of the
// tolerance so that a kdtree.DistKeeper with a limit of 1 keeps exactly the
// nodes inside the box (Chebyshev distance, squared to match the pruning
// test of the tree search).
type window struct {
	c   [2]float64
	tol [2]float64
}

func (w window) Compare(c kdtree.Comparable, d kdtree.Dim) float64 {
	return (w.c[d] - c.(node).c[d]) / w.tol[d]
}

func (w window) Dims() int { return 2 }

func (w window) Distance(c kdtree.Comparable) float64 {
	n := c.(node)
	var dist float64
	for d := range w.c {
		v := (w.c[d] - n.c[d]) / w.tol[d]
		if v*v > dist {
			dist = v * v
		}
	}
	return dist
}

// Index answers tolerance-box queries over a fixed set of points. It is
// immutable after construction and safe for concurrent reads.
type Index struct {
	points []feature.Point
	coords []node
	unit   feature.MzUnit
	tree   *kdtree.Tree
}

// New builds an index over points. rts holds the working (possibly warped)
// retention time of each point; if it is nil the points' own RT is used.
func New(points []feature.Point, rts []float64, unit feature.MzUnit) *Index {
	if rts != nil && len(rts) != len(points) {
		panic(fmt.Sprintf("spatial: %d retention times for %d points", len(rts), len(points)))
	}
	coords := make([]node, len(points))
	for i, p := range points {
		rt := p.RT
		if rts != nil {
			rt = rts[i]
		}
		coords[i] = node{idx: i, c: [2]float64{rt, feature.MzCoord(p.Mz, unit)}}
	}
	tn := make(nodes, len(coords))
	copy(tn, coords)
	idx := &Index{points: points, coords: coords, unit: unit}
	if len(tn) > 0 {
		idx.tree = kdtree.New(tn, false)
	}
	return idx
}

// Len returns the number of indexed points.
func (x *Index) Len() int { return len(x.points) }

// Unit returns the m/z unit the index was built for.
func (x *Index) Unit() feature.MzUnit { return x.unit }

// Point returns the i-th point.
func (x *Index) Point(i int) feature.Point {
	x.check(i)
	return x.points[i]
}

// RT returns the working retention time of the i-th point.
func (x *Index) RT(i int) float64 {
	x.check(i)
	return x.coords[i].c[axisRT]
}

// MapIndex returns the map the i-th point belongs to.
func (x *Index) MapIndex(i int) int {
	x.check(i)
	return x.points[i].Map
}

func (x *Index) check(i int) {
	if i < 0 || i >= len(x.points) {
		panic(fmt.Sprintf("spatial: point index %d out of range [0,%d)", i, len(x.points)))
	}
}

// Neighborhood returns the indices of all points within rtTol and mzTol of
// point i, in ascending order. The box is inclusive on both axes. With
// excludeSelf the query point itself is left out.
func (x *Index) Neighborhood(i int, rtTol, mzTol float64, excludeSelf bool) []int {
	x.check(i)
	res := x.query(x.coords[i].c, rtTol, mzTol)
	if !excludeSelf {
		return res
	}
	out := res[:0]
	for _, j := range res {
		if j != i {
			out = append(out, j)
		}
	}
	return out
}

// QueryRegion returns the indices of all points inside the box centred on
// (rt, mz), in ascending order.
func (x *Index) QueryRegion(rt, mz, rtTol, mzTol float64) []int {
	return x.query([2]float64{rt, feature.MzCoord(mz, x.unit)}, rtTol, mzTol)
}

func (x *Index) query(c [2]float64, rtTol, mzTol float64) []int {
	if x.tree == nil {
		return nil
	}
	w := window{c: c, tol: [2]float64{positive(rtTol), positive(mzTol)}}
	keep := kdtree.NewDistKeeper(1)
	x.tree.NearestSet(keep, w)
	res := make([]int, 0, keep.Len())
	for _, cd := range keep.Heap {
		if cd.Comparable == nil {
			continue
		}
		res = append(res, cd.Comparable.(node).idx)
	}
	sort.Ints(res)
	return res
}

// Distance returns the Euclidean distance between points i and j after
// scaling each axis by its tolerance. Points inside each other's box have a
// distance of at most sqrt(2).
func (x *Index) Distance(i, j int, rtTol, mzTol float64) float64 {
	x.check(i)
	x.check(j)
	a, b := x.coords[i].c, x.coords[j].c
	return math.Hypot((a[axisRT]-b[axisRT])/positive(rtTol), (a[axisMz]-b[axisMz])/positive(mzTol))
}

// positive keeps zero tolerances usable as divisors; a zero tolerance then
// only matches identical coordinates.
func positive(tol float64) float64 {
	if tol <= 0 {
		return math.SmallestNonzeroFloat64
	}
	return tol
}
