package registration

import (
	"math"

	"github.com/524D/mzalign/internal/feature"
	"github.com/524D/mzalign/internal/spatial"
	"github.com/524D/mzalign/internal/transform"
)

// minRefineAnchors is the smallest anchor count for a least squares fit
const minRefineAnchors = 3

// collectAnchors maps every scene point with t and pairs it with the
// nearest model point inside the anchor tolerance. Only mutual best matches
// are kept, so every model and scene point is used at most once.
func collectAnchors(model, scene []feature.Point, t transform.Model, p Params) []feature.AnchorPair {
	if len(model) == 0 || len(scene) == 0 {
		return nil
	}
	idx := spatial.New(model, nil, p.Unit)
	tol := feature.Tolerance{RT: p.AnchorRTTol, Mz: p.AnchorMzTol, Unit: p.Unit}

	type match struct {
		model int
		dist  float64
	}
	best := make([]match, len(scene))
	bestScene := make(map[int]int, len(scene))
	for k, sp := range scene {
		best[k] = match{model: -1}
		rt := t.Apply(sp.RT)
		for _, m := range idx.QueryRegion(rt, sp.Mz, tol.RT, tol.Mz) {
			mp := model[m]
			if !feature.ChargeCompatible(mp.Charge, sp.Charge, p.ChargePolicy) {
				continue
			}
			d := tol.Normalized(mp.RT, mp.Mz, rt, sp.Mz)
			// QueryRegion returns ascending indices, so ties keep the lower one
			if best[k].model < 0 || d < best[k].dist {
				best[k] = match{model: m, dist: d}
			}
		}
		if best[k].model < 0 {
			continue
		}
		prev, ok := bestScene[best[k].model]
		if !ok || best[k].dist < best[prev].dist {
			bestScene[best[k].model] = k
		}
	}

	var anchors []feature.AnchorPair
	for k, b := range best {
		if b.model < 0 || bestScene[b.model] != k {
			continue
		}
		mp, sp := model[b.model], scene[k]
		charge := mp.Charge
		if charge == 0 {
			charge = sp.Charge
		}
		anchors = append(anchors, feature.AnchorPair{
			Model:       mp.Handle,
			Scene:       sp.Handle,
			ModelRT:     mp.RT,
			SceneRT:     sp.RT,
			ModelMz:     mp.Mz,
			SceneMz:     sp.Mz,
			Quality:     math.Max(0, 1-b.dist/math.Sqrt2),
			Charge:      charge,
			AdductMatch: mp.Adduct == sp.Adduct,
		})
	}
	return anchors
}
