package align

import (
	"context"
	"fmt"
	"math"
	"runtime"

	"github.com/524D/mzalign/internal/cluster"
	"github.com/524D/mzalign/internal/consensus"
	"github.com/524D/mzalign/internal/feature"
	"github.com/524D/mzalign/internal/spatial"
	"github.com/524D/mzalign/internal/transform"
	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"
)

// KD groups all maps symmetrically. The points of all maps are split into
// m/z buckets that are processed independently. When warping is enabled,
// retention time drift is first corrected per map from connected
// components of points that agree within the warp tolerances.
type KD struct {
	cfg     Config
	builder *consensus.Builder
	hooks   *hooks
}

// NewKD validates cfg and returns a KD aligner.
func NewKD(cfg Config, opts ...Option) (*KD, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &KD{
		cfg:     cfg,
		builder: consensus.NewBuilder(cfg.ChargeMergePolicy, cfg.AdductMergePolicy),
		hooks:   newHooks(opts),
	}, nil
}

// Align groups the maps. The input maps are not modified. The run can be
// cancelled between buckets.
func (k *KD) Align(ctx context.Context, maps []feature.Map) (*Result, error) {
	if err := checkMaps(maps, -1); err != nil {
		return nil, err
	}
	maps = stampMaps(maps)
	var pts []feature.Point
	for _, m := range maps {
		pts = append(pts, m.Points...)
	}
	gap := k.cfg.MzTolerance
	if k.cfg.WarpEnabled {
		gap = math.Max(gap, k.cfg.WarpMzTolerance)
	}
	buckets := spatial.Partition(pts, k.cfg.NumPartitions, gap, k.cfg.MzUnit)

	res := &Result{
		RunID:      uuid.NewString(),
		Reference:  -1,
		NumMaps:    len(maps),
		MapNames:   make([]string, len(maps)),
		Transforms: make([]transform.Model, len(maps)),
	}
	for i, m := range maps {
		res.MapNames[i] = m.Name
		res.Transforms[i] = transform.Identity{}
	}

	rts := make([]float64, len(pts))
	for i, p := range pts {
		rts[i] = p.RT
	}
	if k.cfg.WarpEnabled {
		anchors, err := k.driftAnchors(ctx, pts, buckets, len(maps))
		if err != nil {
			return nil, err
		}
		k.fitDrift(anchors, res)
		for i, p := range pts {
			rts[i] = res.Transforms[p.Map].Apply(p.RT)
		}
	}

	groups, err := k.group(ctx, pts, rts, buckets)
	if err != nil {
		return nil, err
	}
	for _, g := range groups {
		res.Entities = append(res.Entities, g...)
	}
	consensus.Sort(res.Entities)
	return res, nil
}

func (k *KD) workers() int {
	if k.cfg.Workers > 0 {
		return k.cfg.Workers
	}
	return runtime.GOMAXPROCS(0)
}

// forEachBucket runs f for every bucket on a bounded worker pool. Buckets
// not yet started when ctx is cancelled are skipped.
func (k *KD) forEachBucket(ctx context.Context, stage string, buckets [][]int, f func(b int, members []int) error) error {
	g, ctx := errgroup.WithContext(ctx)
	g.SetLimit(k.workers())
	done := make(chan struct{}, len(buckets))
	for b, members := range buckets {
		b, members := b, members
		g.Go(func() error {
			if err := ctx.Err(); err != nil {
				return fmt.Errorf("alignment cancelled before bucket %d: %w", b, err)
			}
			if err := f(b, members); err != nil {
				return err
			}
			done <- struct{}{}
			k.hooks.report(stage, len(done), len(buckets))
			return nil
		})
	}
	return g.Wait()
}

// driftAnchors finds, per map, anchors of the map RT against the component
// average RT. Components come from linking points of different maps that lie
// within the warp tolerances and pass the charge, adduct and intensity
// checks.
func (k *KD) driftAnchors(ctx context.Context, pts []feature.Point, buckets [][]int, numMaps int) ([][]feature.AnchorPair, error) {
	perBucket := make([][][]feature.AnchorPair, len(buckets))
	err := k.forEachBucket(ctx, "drift", buckets, func(b int, members []int) error {
		perBucket[b] = k.bucketAnchors(pts, members, numMaps)
		return nil
	})
	if err != nil {
		return nil, err
	}
	anchors := make([][]feature.AnchorPair, numMaps)
	for _, pb := range perBucket {
		for m, a := range pb {
			anchors[m] = append(anchors[m], a...)
		}
	}
	return anchors, nil
}

func (k *KD) bucketAnchors(all []feature.Point, members []int, numMaps int) [][]feature.AnchorPair {
	pts := make([]feature.Point, len(members))
	for i, m := range members {
		pts[i] = all[m]
	}
	tol := k.cfg.warpTolerance()
	idx := spatial.New(pts, nil, tol.Unit)
	uf := newUnionFind(len(pts))
	for i := range pts {
		for _, j := range idx.Neighborhood(i, tol.RT, tol.Mz, true) {
			if j > i && k.linkable(pts[i], pts[j]) {
				uf.union(i, j)
			}
		}
	}

	anchors := make([][]feature.AnchorPair, numMaps)
	for _, comp := range uf.components() {
		rtSum := make(map[int]float64)
		count := make(map[int]int)
		for _, i := range comp {
			rtSum[pts[i].Map] += pts[i].RT
			count[pts[i].Map]++
		}
		if len(count) < 2 {
			continue
		}
		conflicts := len(comp) - len(count)
		if k.cfg.MaxConflictsPerComponent >= 0 && conflicts > k.cfg.MaxConflictsPerComponent {
			continue
		}
		// Component RT is the mean over maps, not over points
		var avg float64
		for m := range count {
			avg += rtSum[m] / float64(count[m])
		}
		avg /= float64(len(count))
		for m := 0; m < numMaps; m++ {
			if count[m] == 0 {
				continue
			}
			rt := rtSum[m] / float64(count[m])
			anchors[m] = append(anchors[m], feature.AnchorPair{
				Model:   feature.Handle{Map: centroidMap},
				Scene:   feature.Handle{Map: m},
				ModelRT: avg,
				SceneRT: rt,
				Quality: 1,
			})
		}
	}
	return anchors
}

// linkable reports whether two points of a warp neighbourhood may share a
// component. Either point may act as the center.
func (k *KD) linkable(a, b feature.Point) bool {
	if a.Map == b.Map || !(k.builder.Compatible(a, b) || k.builder.Compatible(b, a)) {
		return false
	}
	if k.cfg.WarpMaxLogFoldChange >= 0 && a.Intensity > 0 && b.Intensity > 0 {
		return math.Abs(math.Log10(a.Intensity/b.Intensity)) <= k.cfg.WarpMaxLogFoldChange
	}
	return true
}

// fitDrift fits one transformation per map from the anchors of all buckets.
func (k *KD) fitDrift(anchors [][]feature.AnchorPair, res *Result) {
	for m, a := range anchors {
		model, rep := transform.Fit(a, k.cfg.fitOptions())
		k.hooks.emit(TransformEvent{Map: m, Report: rep, Model: model})
		if rep.Degraded {
			res.Warnings = append(res.Warnings, Warning{Map: m, Kind: WarnNoDriftData,
				Message: fmt.Sprintf("%d usable drift anchors, map is not warped", rep.Used)})
			continue
		}
		if len(rep.Fallbacks) > 0 {
			res.Warnings = append(res.Warnings, Warning{Map: m, Kind: WarnRegionFallback,
				Message: fmt.Sprintf("regions %v have too few drift anchors", rep.Fallbacks)})
		}
		res.Transforms[m] = model
	}
}

// group clusters every bucket on the warped RTs.
func (k *KD) group(ctx context.Context, all []feature.Point, rts []float64, buckets [][]int) ([][]*consensus.Entity, error) {
	out := make([][]*consensus.Entity, len(buckets))
	tol := k.cfg.tolerance()
	err := k.forEachBucket(ctx, "group", buckets, func(b int, members []int) error {
		pts := make([]feature.Point, len(members))
		brts := make([]float64, len(members))
		for i, m := range members {
			pts[i] = all[m]
			brts[i] = rts[m]
		}
		idx := spatial.New(pts, brts, tol.Unit)
		sched := cluster.New(idx, cluster.Options{RTTol: tol.RT, MzTol: tol.Mz, Filter: k.builder})
		var entities []*consensus.Entity
		err := sched.Run(func(c cluster.Cluster) error {
			e, err := k.builder.Materialize(idx, c.Center, c.Members, tol)
			if err != nil {
				return fmt.Errorf("%w: %v", ErrInvariant, err)
			}
			entities = append(entities, e)
			return nil
		})
		if err != nil {
			return fmt.Errorf("bucket %d: %w", b, err)
		}
		out[b] = entities
		k.hooks.emit(BucketEvent{Bucket: b, Points: len(pts), Entities: len(entities)})
		return nil
	})
	if err != nil {
		return nil, err
	}
	return out, nil
}

type unionFind struct {
	parent []int
}

func newUnionFind(n int) *unionFind {
	uf := &unionFind{parent: make([]int, n)}
	for i := range uf.parent {
		uf.parent[i] = i
	}
	return uf
}

func (u *unionFind) find(i int) int {
	for u.parent[i] != i {
		u.parent[i] = u.parent[u.parent[i]]
		i = u.parent[i]
	}
	return i
}

// union keeps the lower root, so component roots are their lowest member.
func (u *unionFind) union(a, b int) {
	ra, rb := u.find(a), u.find(b)
	if ra == rb {
		return
	}
	if ra < rb {
		u.parent[rb] = ra
	} else {
		u.parent[ra] = rb
	}
}

// components lists the members of every component in ascending order,
// ordered by their lowest member.
func (u *unionFind) components() [][]int {
	byRoot := make(map[int]int)
	var comps [][]int
	for i := range u.parent {
		r := u.find(i)
		c, ok := byRoot[r]
		if !ok {
			c = len(comps)
			byRoot[r] = c
			comps = append(comps, nil)
		}
		comps[c] = append(comps[c], i)
	}
	return comps
}
