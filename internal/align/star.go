package align

import (
	"context"
	"fmt"

	"github.com/524D/mzalign/internal/cluster"
	"github.com/524D/mzalign/internal/consensus"
	"github.com/524D/mzalign/internal/feature"
	"github.com/524D/mzalign/internal/registration"
	"github.com/524D/mzalign/internal/spatial"
	"github.com/524D/mzalign/internal/transform"
	"github.com/google/uuid"
)

// ErrInvariant reports an internal inconsistency. The run is aborted and no
// consensus map is returned.
var ErrInvariant = cluster.ErrInvariant

// centroidMap is the map index of consensus centroids while they are
// clustered against a new map.
const centroidMap = -1

// Star aligns maps one at a time onto a reference map. Every map is
// registered against the consensus built so far, warped, and merged into
// it.
type Star struct {
	cfg     Config
	reg     registration.Registrar
	builder *consensus.Builder
	hooks   *hooks
}

// NewStar validates cfg and returns a star aligner.
func NewStar(cfg Config, opts ...Option) (*Star, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	reg, err := registration.New(cfg.Registration, cfg.registrationParams())
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrConfig, err)
	}
	return &Star{
		cfg:     cfg,
		reg:     reg,
		builder: consensus.NewBuilder(cfg.ChargeMergePolicy, cfg.AdductMergePolicy),
		hooks:   newHooks(opts),
	}, nil
}

// starRun is the state of one alignment run.
type starRun struct {
	*Star
	maps       []feature.Map
	ref        int
	entities   []*consensus.Entity
	transforms []transform.Model
	warnings   []Warning
}

// Align runs the star alignment. The input maps are not modified. The run
// can be cancelled between maps.
func (s *Star) Align(ctx context.Context, maps []feature.Map) (*Result, error) {
	if err := checkMaps(maps, s.cfg.Reference); err != nil {
		return nil, err
	}
	r := &starRun{
		Star:       s,
		maps:       stampMaps(maps),
		transforms: make([]transform.Model, len(maps)),
	}
	r.selectReference()
	total := len(maps) - 1
	done := 0
	for m := range r.maps {
		if m == r.ref {
			continue
		}
		if err := ctx.Err(); err != nil {
			return nil, fmt.Errorf("alignment cancelled before map %d: %w", m, err)
		}
		if err := r.merge(m); err != nil {
			return nil, err
		}
		done++
		s.hooks.report("register", done, total)
	}
	return r.finalize(), nil
}

// checkMaps validates the input before any processing.
func checkMaps(maps []feature.Map, ref int) error {
	if len(maps) < 2 {
		return fmt.Errorf("%w: need at least 2 maps, got %d", ErrConfig, len(maps))
	}
	if ref >= len(maps) {
		return fmt.Errorf("%w: reference map %d out of range, %d maps", ErrConfig, ref, len(maps))
	}
	return nil
}

// stampMaps copies the maps and sets the map index of every point.
func stampMaps(maps []feature.Map) []feature.Map {
	out := make([]feature.Map, len(maps))
	for i, m := range maps {
		out[i] = feature.Map{Name: m.Name, Points: append([]feature.Point(nil), m.Points...)}
		out[i].SetIndex(i)
	}
	return out
}

// selectReference picks the configured reference or the map with most
// points, and seeds the consensus with its points.
func (r *starRun) selectReference() {
	r.ref = r.cfg.Reference
	if r.ref < 0 {
		r.ref = 0
		for i, m := range r.maps {
			if len(m.Points) > len(r.maps[r.ref].Points) {
				r.ref = i
			}
		}
	}
	r.transforms[r.ref] = transform.Identity{}
	for _, p := range r.maps[r.ref].Points {
		r.entities = append(r.entities, r.builder.Singleton(p, p.RT))
	}
}

func (r *starRun) warn(m int, kind WarningKind, format string, a ...any) {
	r.warnings = append(r.warnings, Warning{Map: m, Kind: kind, Message: fmt.Sprintf(format, a...)})
}

// minWarpAnchors is the least number of anchors for which a coarse
// registration is applied.
const minWarpAnchors = 2

// register finds the transformation of map m onto the current consensus.
// With warping disabled the identity is used.
func (r *starRun) register(m int, centroids []feature.Point) transform.Model {
	if !r.cfg.WarpEnabled {
		return transform.Identity{}
	}
	res := r.reg.Register(centroids, r.maps[m].Points)
	r.hooks.emit(RegistrationEvent{Map: m, Reference: r.ref, Result: res})
	switch res.Status {
	case registration.Failed:
		r.warn(m, WarnRegistrationFailed, "%s, map is not warped", res.Message)
		return transform.Identity{}
	case registration.Degraded:
		// One pair can't tell a shift from a chance match
		if len(res.Anchors) < minWarpAnchors {
			r.warn(m, WarnFewAnchors, "%s, map is not warped", res.Message)
			return transform.Identity{}
		}
		r.warn(m, WarnFewAnchors, "%s", res.Message)
		return res.Transform
	}
	model, rep := transform.Fit(res.Anchors, r.cfg.fitOptions())
	r.hooks.emit(TransformEvent{Map: m, Report: rep, Model: model})
	if rep.Degraded {
		r.warn(m, WarnFewAnchors, "%d of %d anchors above quality %v, using registration transformation",
			rep.Used, len(res.Anchors), r.cfg.MinAnchorQuality)
		return res.Transform
	}
	if len(rep.Fallbacks) > 0 {
		r.warn(m, WarnRegionFallback, "regions %v have too few anchors", rep.Fallbacks)
	}
	return model
}

// merge registers map m, warps it and groups its points with the consensus.
// Points that find no partner become new singleton entities.
func (r *starRun) merge(m int) error {
	nc := len(r.entities)
	pts := make([]feature.Point, 0, nc+len(r.maps[m].Points))
	rts := make([]float64, 0, cap(pts))
	for k, e := range r.entities {
		c := e.Point(centroidMap, k)
		pts = append(pts, c)
		rts = append(rts, c.RT)
	}
	t := r.register(m, pts)
	r.transforms[m] = t
	for _, p := range r.maps[m].Points {
		pts = append(pts, p)
		rts = append(rts, t.Apply(p.RT))
	}

	tol := r.cfg.tolerance()
	idx := spatial.New(pts, rts, tol.Unit)
	sched := cluster.New(idx, cluster.Options{RTTol: tol.RT, MzTol: tol.Mz, Filter: r.builder})
	var added []*consensus.Entity
	grouped := 0
	err := sched.Run(func(c cluster.Cluster) error {
		entity, point := -1, -1
		for _, i := range append([]int{c.Center}, c.Members...) {
			if i < nc {
				entity = i
			} else {
				point = i
			}
		}
		switch {
		case point < 0:
			return nil
		case entity < 0:
			added = append(added, r.builder.Singleton(pts[point], rts[point]))
			return nil
		}
		if !r.builder.Join(r.entities[entity], pts[point], rts[point], tol) {
			return fmt.Errorf("%w: entity %d already has a member from map %d", ErrInvariant, entity, m)
		}
		grouped++
		return nil
	})
	if err != nil {
		return fmt.Errorf("merging map %d: %w", m, err)
	}
	r.entities = append(r.entities, added...)
	r.hooks.emit(BucketEvent{Bucket: m, Points: idx.Len(), Entities: grouped + len(added)})
	return nil
}

func (r *starRun) finalize() *Result {
	for _, e := range r.entities {
		e.Seal()
	}
	consensus.Sort(r.entities)
	names := make([]string, len(r.maps))
	for i, m := range r.maps {
		names[i] = m.Name
	}
	return &Result{
		RunID:      uuid.NewString(),
		Reference:  r.ref,
		NumMaps:    len(r.maps),
		MapNames:   names,
		Entities:   r.entities,
		Transforms: r.transforms,
		Warnings:   r.warnings,
	}
}
