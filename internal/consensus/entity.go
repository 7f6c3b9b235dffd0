// Package consensus holds consensus entities, the groups of corresponding
// points across maps, and the builder that turns cluster decisions into
// entities.
package consensus

import (
	"sort"

	"github.com/524D/mzalign/internal/feature"
)

// Member is one point of an entity, with its original coordinates and the
// retention time it was grouped at.
type Member struct {
	Handle    feature.Handle
	Map       int
	RT        float64
	Mz        float64
	Intensity float64
	WarpedRT  float64
	Charge    int
	Adduct    string
	Quality   float64 // closeness to the cluster center, in [0,1]
}

// MemberOf creates a member from a point.
func MemberOf(p feature.Point, warpedRT, quality float64) Member {
	return Member{
		Handle:    p.Handle,
		Map:       p.Map,
		RT:        p.RT,
		Mz:        p.Mz,
		Intensity: p.Intensity,
		WarpedRT:  warpedRT,
		Charge:    p.Charge,
		Adduct:    p.Adduct,
		Quality:   quality,
	}
}

// Entity is a group of points, at most one per map, believed to be the same
// analyte. The centroid is kept up to date while members are added. After
// Seal the membership can't change.
type Entity struct {
	members   []Member // ordered by map index
	rt        float64
	mz        float64
	intensity float64
	quality   float64
	sealed    bool
}

// Add inserts m. It returns false, leaving the entity unchanged, if the
// entity is sealed or already has a member from m's map.
func (e *Entity) Add(m Member) bool {
	if e.sealed || e.Has(m.Map) {
		return false
	}
	i := sort.Search(len(e.members), func(i int) bool { return e.members[i].Map > m.Map })
	e.members = append(e.members, Member{})
	copy(e.members[i+1:], e.members[i:])
	e.members[i] = m
	e.update()
	return true
}

// Has reports whether the entity has a member from map mapIdx.
func (e *Entity) Has(mapIdx int) bool {
	i := sort.Search(len(e.members), func(i int) bool { return e.members[i].Map >= mapIdx })
	return i < len(e.members) && e.members[i].Map == mapIdx
}

func (e *Entity) update() {
	n := float64(len(e.members))
	var rt, mz, in, q float64
	for _, m := range e.members {
		rt += m.WarpedRT
		mz += m.Mz
		in += m.Intensity
		q += m.Quality
	}
	e.rt, e.mz, e.intensity, e.quality = rt/n, mz/n, in/n, q/n
}

// Seal freezes the membership.
func (e *Entity) Seal() { e.sealed = true }

// Sealed reports whether the entity is sealed.
func (e *Entity) Sealed() bool { return e.sealed }

// Size returns the number of members.
func (e *Entity) Size() int { return len(e.members) }

// Members returns a copy of the members ordered by map index.
func (e *Entity) Members() []Member {
	return append([]Member(nil), e.members...)
}

// RT returns the mean warped retention time of the members.
func (e *Entity) RT() float64 { return e.rt }

// Mz returns the mean m/z of the members.
func (e *Entity) Mz() float64 { return e.mz }

// Intensity returns the mean intensity of the members.
func (e *Entity) Intensity() float64 { return e.intensity }

// Quality returns the mean member quality. Members' qualities measure how
// close they were to the cluster center, so tight clusters score high.
func (e *Entity) Quality() float64 { return e.quality }

// Charge returns the most frequent known charge of the members, the lowest
// one on a tie, or 0 if no member has a known charge.
func (e *Entity) Charge() int {
	count := make(map[int]int)
	best, bestN := 0, 0
	for _, m := range e.members {
		if m.Charge == 0 {
			continue
		}
		count[m.Charge]++
		n := count[m.Charge]
		if n > bestN || (n == bestN && m.Charge < best) {
			best, bestN = m.Charge, n
		}
	}
	return best
}

// Adduct returns the most frequent known adduct of the members, the
// alphabetically first one on a tie, or "".
func (e *Entity) Adduct() string {
	count := make(map[string]int)
	best, bestN := "", 0
	for _, m := range e.members {
		if m.Adduct == "" {
			continue
		}
		count[m.Adduct]++
		n := count[m.Adduct]
		if n > bestN || (n == bestN && m.Adduct < best) {
			best, bestN = m.Adduct, n
		}
	}
	return best
}

// Point returns the centroid as a point of a pseudo map, used to register
// and cluster against a consensus.
func (e *Entity) Point(mapIdx, index int) feature.Point {
	return feature.Point{
		RT:        e.rt,
		Mz:        e.mz,
		Intensity: e.intensity,
		Map:       mapIdx,
		Charge:    e.Charge(),
		Adduct:    e.Adduct(),
		Quality:   e.quality,
		Handle:    feature.Handle{Map: mapIdx, Index: index},
	}
}
