package consensus

import (
	"errors"
	"fmt"
	"math"
	"sort"

	"github.com/524D/mzalign/internal/feature"
	"github.com/524D/mzalign/internal/spatial"
)

// ErrDuplicateMap is returned when a cluster holds two points of one map.
// It can only happen through a scheduling bug.
var ErrDuplicateMap = errors.New("two members from the same map")

// Builder enforces the charge and adduct merge policies and materializes
// cluster decisions into entities.
type Builder struct {
	ChargePolicy feature.MergePolicy
	AdductPolicy feature.MergePolicy
}

// NewBuilder returns a builder for the given policies.
func NewBuilder(charge, adduct feature.MergePolicy) *Builder {
	return &Builder{ChargePolicy: charge, AdductPolicy: adduct}
}

// Compatible reports whether cand may join a cluster centred on center.
// The test is directional: with CompatibleWithUnknown an unannotated center
// only accepts unannotated candidates, so all members of a cluster agree on
// every known charge and adduct.
func (b *Builder) Compatible(center, cand feature.Point) bool {
	return feature.ChargeAccepts(center.Charge, cand.Charge, b.ChargePolicy) &&
		feature.AdductAccepts(center.Adduct, cand.Adduct, b.AdductPolicy)
}

// Materialize creates a sealed entity from the indexed points center and
// members. Member quality is 1 minus the normalized distance to the center
// (scaled to [0,1]).
func (b *Builder) Materialize(idx *spatial.Index, center int, members []int, tol feature.Tolerance) (*Entity, error) {
	e := &Entity{}
	all := append([]int{center}, members...)
	sort.Ints(all)
	for _, m := range all {
		q := 1.0
		if m != center {
			q = memberQuality(idx.Distance(center, m, tol.RT, tol.Mz))
		}
		if !e.Add(MemberOf(idx.Point(m), idx.RT(m), q)) {
			return nil, fmt.Errorf("%w: map %d, point %d", ErrDuplicateMap, idx.MapIndex(m), m)
		}
	}
	e.Seal()
	return e, nil
}

// memberQuality converts a normalized distance (at most sqrt(2) inside the
// tolerance box) to a quality in [0,1].
func memberQuality(dist float64) float64 {
	return math.Max(0, 1-dist/math.Sqrt2)
}

// Join adds the point to an unsealed entity, with a quality computed from
// its distance to the entity centroid. It returns false like Entity.Add.
func (b *Builder) Join(e *Entity, p feature.Point, warpedRT float64, tol feature.Tolerance) bool {
	d := tol.Normalized(e.RT(), e.Mz(), warpedRT, p.Mz)
	return e.Add(MemberOf(p, warpedRT, memberQuality(d)))
}

// Singleton returns an unsealed entity holding only p.
func (b *Builder) Singleton(p feature.Point, warpedRT float64) *Entity {
	e := &Entity{}
	e.Add(MemberOf(p, warpedRT, 1))
	return e
}

// Sort orders entities by m/z, then RT, for output.
func Sort(entities []*Entity) {
	sort.SliceStable(entities, func(i, j int) bool {
		if entities[i].Mz() != entities[j].Mz() {
			return entities[i].Mz() < entities[j].Mz()
		}
		return entities[i].RT() < entities[j].RT()
	})
}
