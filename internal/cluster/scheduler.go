// Package cluster implements best-first grouping of points across maps.
// Every unassigned point keeps a proxy describing the best cluster it could
// currently form as its center; the best proxy is taken, its points are
// assigned, and only the proxies of affected neighbours are recomputed.
package cluster

import (
	"container/heap"
	"errors"
	"fmt"
	"sort"

	"github.com/524D/mzalign/internal/feature"
	"github.com/524D/mzalign/internal/spatial"
)

// ErrInvariant is returned when the scheduler state is inconsistent, which
// indicates a bug. No partial result should be used after it.
var ErrInvariant = errors.New("cluster scheduling invariant violated")

// Filter decides whether cand may join a cluster centred on center.
// Members are only tested against the center, so any two candidates a
// center accepts must also be acceptable to each other.
type Filter interface {
	Compatible(center, cand feature.Point) bool
}

// Options for a Scheduler.
type Options struct {
	RTTol  float64
	MzTol  float64
	Filter Filter // nil accepts every candidate
}

// Cluster is a decision of the scheduler: the center point and the other
// members, one per map, in ascending index order.
type Cluster struct {
	Center  int
	Members []int
	AvgDist float64 // mean normalized distance of the members to the center
}

// Size counts the center and the members.
func (c Cluster) Size() int { return len(c.Members) + 1 }

func (c Cluster) equal(o Cluster) bool {
	if c.Center != o.Center || c.AvgDist != o.AvgDist || len(c.Members) != len(o.Members) {
		return false
	}
	for i := range c.Members {
		if c.Members[i] != o.Members[i] {
			return false
		}
	}
	return true
}

type proxy struct {
	Cluster
	heapIdx int
}

// better is the total order on proxies: larger clusters first, then
// tighter ones, then the lower center index.
func better(a, b *proxy) bool {
	if a.Size() != b.Size() {
		return a.Size() > b.Size()
	}
	if a.AvgDist != b.AvgDist {
		return a.AvgDist < b.AvgDist
	}
	return a.Center < b.Center
}

type proxyHeap []*proxy

func (h proxyHeap) Len() int           { return len(h) }
func (h proxyHeap) Less(i, j int) bool { return better(h[i], h[j]) }
func (h proxyHeap) Swap(i, j int) {
	h[i], h[j] = h[j], h[i]
	h[i].heapIdx = i
	h[j].heapIdx = j
}
func (h *proxyHeap) Push(x any) {
	p := x.(*proxy)
	p.heapIdx = len(*h)
	*h = append(*h, p)
}
func (h *proxyHeap) Pop() any {
	old := *h
	n := len(old)
	p := old[n-1]
	old[n-1] = nil
	p.heapIdx = -1
	*h = old[:n-1]
	return p
}

// Scheduler runs the best-first clustering over one index. A Scheduler is
// used once and is not safe for concurrent use.
type Scheduler struct {
	idx       *spatial.Index
	opts      Options
	neighbors [][]int
	assigned  []bool
	proxies   []*proxy // nil once the point is assigned
	heap      proxyHeap
}

// New returns a scheduler over all points of idx.
func New(idx *spatial.Index, opts Options) *Scheduler {
	return &Scheduler{idx: idx, opts: opts}
}

// computeBestClusterForCenter picks, for every other map, the nearest
// unassigned compatible neighbour of i. Equal distances go to the lower
// index.
func (s *Scheduler) computeBestClusterForCenter(i int) Cluster {
	center := s.idx.Point(i)
	type pick struct {
		idx  int
		dist float64
	}
	best := make(map[int]pick)
	for _, j := range s.neighbors[i] {
		if s.assigned[j] {
			continue
		}
		mj := s.idx.MapIndex(j)
		if mj == center.Map {
			continue
		}
		if s.opts.Filter != nil && !s.opts.Filter.Compatible(center, s.idx.Point(j)) {
			continue
		}
		d := s.idx.Distance(i, j, s.opts.RTTol, s.opts.MzTol)
		if cur, ok := best[mj]; !ok || d < cur.dist || (d == cur.dist && j < cur.idx) {
			best[mj] = pick{idx: j, dist: d}
		}
	}
	c := Cluster{Center: i}
	if len(best) == 0 {
		return c
	}
	for _, p := range best {
		c.Members = append(c.Members, p.idx)
	}
	sort.Ints(c.Members)
	// Sum in index order so the result doesn't depend on map iteration
	var sum float64
	for _, j := range c.Members {
		sum += best[s.idx.MapIndex(j)].dist
	}
	c.AvgDist = sum / float64(len(c.Members))
	return c
}

// updateProxies recomputes the proxies of the affected unassigned points
// and replaces the ones that changed. A proxy may only shrink or stay the
// same size, since candidates only ever disappear.
func (s *Scheduler) updateProxies(affected []int) error {
	for _, i := range affected {
		if s.assigned[i] {
			continue
		}
		old := s.proxies[i]
		if old == nil || old.heapIdx < 0 {
			return fmt.Errorf("%w: unassigned point %d has no proxy", ErrInvariant, i)
		}
		c := s.computeBestClusterForCenter(i)
		if c.equal(old.Cluster) {
			continue
		}
		if c.Size() > old.Size() {
			return fmt.Errorf("%w: proxy of point %d grew from %d to %d", ErrInvariant, i, old.Size(), c.Size())
		}
		heap.Remove(&s.heap, old.heapIdx)
		p := &proxy{Cluster: c}
		s.proxies[i] = p
		heap.Push(&s.heap, p)
	}
	return nil
}

// init collects the neighbourhoods and the initial proxy of every point.
func (s *Scheduler) init() {
	n := s.idx.Len()
	s.neighbors = make([][]int, n)
	s.assigned = make([]bool, n)
	s.proxies = make([]*proxy, n)
	s.heap = make(proxyHeap, 0, n)
	for i := 0; i < n; i++ {
		s.neighbors[i] = s.idx.Neighborhood(i, s.opts.RTTol, s.opts.MzTol, true)
	}
	for i := 0; i < n; i++ {
		p := &proxy{Cluster: s.computeBestClusterForCenter(i), heapIdx: i}
		s.proxies[i] = p
		s.heap = append(s.heap, p)
	}
	heap.Init(&s.heap)
}

// Run clusters all points and calls emit for every cluster in best-first
// order. Every point ends up in exactly one emitted cluster. Run stops at
// the first error from emit or on an invariant violation.
func (s *Scheduler) Run(emit func(Cluster) error) error {
	s.init()
	for s.heap.Len() > 0 {
		p := heap.Pop(&s.heap).(*proxy)
		all := append([]int{p.Center}, p.Members...)
		for _, m := range all {
			if s.assigned[m] {
				return fmt.Errorf("%w: point %d assigned twice", ErrInvariant, m)
			}
		}
		if err := emit(p.Cluster); err != nil {
			return err
		}
		var affected []int
		for _, m := range all {
			s.assigned[m] = true
			if q := s.proxies[m]; q != nil && q != p {
				if q.heapIdx < 0 {
					return fmt.Errorf("%w: stale proxy for point %d", ErrInvariant, m)
				}
				heap.Remove(&s.heap, q.heapIdx)
			}
			s.proxies[m] = nil
			affected = append(affected, s.neighbors[m]...)
		}
		sort.Ints(affected)
		if err := s.updateProxies(uniq(affected)); err != nil {
			return err
		}
	}
	return nil
}

func uniq(s []int) []int {
	if len(s) == 0 {
		return s
	}
	out := s[:1]
	for _, v := range s[1:] {
		if v != out[len(out)-1] {
			out = append(out, v)
		}
	}
	return out
}
