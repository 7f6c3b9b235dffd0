package registration

import (
	"fmt"
	"math"
	"sort"

	"github.com/524D/mzalign/internal/feature"
	"github.com/524D/mzalign/internal/transform"
)

// selectPoints returns the numUsed most intense points sorted by m/z.
// Ties keep input order so the result is deterministic.
func selectPoints(pts []feature.Point, numUsed int) []feature.Point {
	sel := append([]feature.Point(nil), pts...)
	if numUsed >= 0 && len(sel) > numUsed {
		sort.SliceStable(sel, func(i, j int) bool { return sel[i].Intensity > sel[j].Intensity })
		sel = sel[:numUsed]
	}
	sort.SliceStable(sel, func(i, j int) bool { return sel[i].Mz < sel[j].Mz })
	return sel
}

// window returns the half-open range of pts (sorted by m/z) within maxDist
// of mz.
func window(pts []feature.Point, mz, maxDist float64) (lo, hi int) {
	lo = sort.Search(len(pts), func(i int) bool { return pts[i].Mz >= mz-maxDist })
	hi = sort.Search(len(pts), func(i int) bool { return pts[i].Mz > mz+maxDist })
	return lo, hi
}

// winLengthFactor weighs a point by the number of points in its m/z window.
func winLengthFactor(lo, hi int) float64 {
	if hi <= lo {
		return 0
	}
	return 1/float64(hi-lo) - winLengthBaseline
}

func rtBounds(pts []feature.Point) (lo, hi float64) {
	for i, p := range pts {
		if i == 0 || p.RT < lo {
			lo = p.RT
		}
		if i == 0 || p.RT > hi {
			hi = p.RT
		}
	}
	return lo, hi
}

func totalIntensityRatio(model, scene []feature.Point) float64 {
	var tm, ts float64
	for _, p := range model {
		tm += p.Intensity
	}
	for _, p := range scene {
		ts += p.Intensity
	}
	if tm <= 0 || ts <= 0 {
		return 1
	}
	return tm / ts
}

// pairVisitor is called for every pair of pairs (i,j) in the model and
// (k,l) in the scene with compatible m/z and consistent RT order.
type pairVisitor func(scaling, shift, weight float64)

// affine estimates scaling and shift, in two rounds of hashing: the first
// round finds the plausible scaling range, the second hashes the images of
// the RT range ends under each transformation within that range.
type affine struct {
	p Params
}

func (a *affine) Register(model, scene []feature.Point) Result {
	if len(model) == 0 || len(scene) == 0 {
		return Result{Coarse: transform.Linear{Slope: 1}, Transform: transform.Identity{}, Status: Failed, Message: "empty map"}
	}
	mSel := selectPoints(model, a.p.NumUsedPoints)
	sSel := selectPoints(scene, a.p.NumUsedPoints)
	mLo, mHi := rtBounds(model)
	sLo, sHi := rtBounds(scene)
	rtLow := (mLo + sLo) / 2
	rtHigh := (mHi + sHi) / 2
	if rtHigh <= rtLow {
		return (&shiftOnly{p: a.p}).Register(model, scene)
	}
	minDist := a.p.RTPairDistanceFraction * (rtHigh - rtLow)
	ratio := totalIntensityRatio(mSel, sSel)

	scalingHalf := int(math.Ceil(math.Log(a.p.MaxScaling)/a.p.ScalingBucketSize)) + 1
	scaling1 := newHistogram(a.p.ScalingBucketSize, scalingHalf, 0)
	a.visitPairs(mSel, sSel, minDist, ratio, func(scaling, _, w float64) {
		scaling1.add(math.Log(scaling), w)
	})
	logScale, logStdDev, ok := scaling1.peak()
	if !ok {
		c, found, msg := estimateShift(mSel, sSel, ratio, a.p)
		return finish(model, scene, c, found, msg, a.p)
	}
	// The range covers at least one bucket on either side of the centroid
	logStdDev = math.Max(logStdDev, a.p.ScalingBucketSize)
	scaleLow := math.Exp(logScale - logStdDev)
	scaleHigh := math.Exp(logScale + logStdDev)

	rtHalf := 4 + 2*int(math.Ceil(a.p.MaxShift*a.p.MaxScaling/a.p.ShiftBucketSize))
	lowHash := newHistogram(a.p.ShiftBucketSize, rtHalf, rtLow)
	highHash := newHistogram(a.p.ShiftBucketSize, rtHalf, rtHigh)
	a.visitPairs(mSel, sSel, minDist, ratio, func(scaling, shift, w float64) {
		if scaling < scaleLow || scaling > scaleHigh {
			return
		}
		lowHash.add(shift+rtLow*scaling, w)
		highHash.add(shift+rtHigh*scaling, w)
	})
	lowImage, _, okLow := lowHash.peak()
	highImage, _, okHigh := highHash.peak()
	if !okLow || !okHigh {
		c, found, msg := estimateShift(mSel, sSel, ratio, a.p)
		return finish(model, scene, c, found, msg, a.p)
	}
	slope := (highImage - lowImage) / (rtHigh - rtLow)
	intercept := lowImage - rtLow*slope
	if math.IsNaN(slope) || math.IsInf(slope, 0) || math.IsNaN(intercept) || math.IsInf(intercept, 0) {
		return finish(model, scene, transform.Linear{}, false,
			fmt.Sprintf("pose clustering gave slope %v, intercept %v", slope, intercept), a.p)
	}
	return finish(model, scene, transform.Linear{Slope: slope, Intercept: intercept}, true, "", a.p)
}

func (a *affine) visitPairs(model, scene []feature.Point, minDist, ratio float64, visit pairVisitor) {
	maxDist := a.p.MzPairMaxDistance
	for i := 0; i < len(model)-1; i++ {
		iLo, iHi := window(model, model[i].Mz, maxDist)
		fi := winLengthFactor(iLo, iHi)
		if fi <= 0 {
			continue
		}
		kLo, kHi := window(scene, model[i].Mz, maxDist)
		fk := winLengthFactor(kLo, kHi)
		if fk <= 0 {
			continue
		}
		for k := kLo; k < kHi; k++ {
			simIK := similarity(model[i].Intensity, scene[k].Intensity*ratio) * fi * fk
			for j := i + 1; j < len(model); j++ {
				diffModel := model[j].RT - model[i].RT
				if math.Abs(diffModel) < minDist {
					continue
				}
				jLo, jHi := window(model, model[j].Mz, maxDist)
				fj := winLengthFactor(jLo, jHi)
				if fj <= 0 {
					continue
				}
				lLo, lHi := window(scene, model[j].Mz, maxDist)
				fl := winLengthFactor(lLo, lHi)
				if fl <= 0 {
					continue
				}
				for l := lLo; l < lHi; l++ {
					diffScene := scene[l].RT - scene[k].RT
					// Skip crossed pairs and pairs too close in RT
					if math.Abs(diffScene) < minDist || (diffModel > 0) != (diffScene > 0) {
						continue
					}
					scaling := diffModel / diffScene
					shift := model[i].RT - scene[k].RT*scaling
					simJL := similarity(model[j].Intensity, scene[l].Intensity*ratio) * fj * fl
					visit(scaling, shift, simIK*simJL)
				}
			}
		}
	}
}

// shiftOnly only estimates an RT shift.
type shiftOnly struct {
	p Params
}

func (s *shiftOnly) Register(model, scene []feature.Point) Result {
	if len(model) == 0 || len(scene) == 0 {
		return Result{Coarse: transform.Linear{Slope: 1}, Transform: transform.Identity{}, Status: Failed, Message: "empty map"}
	}
	mSel := selectPoints(model, s.p.NumUsedPoints)
	sSel := selectPoints(scene, s.p.NumUsedPoints)
	c, found, msg := estimateShift(mSel, sSel, totalIntensityRatio(mSel, sSel), s.p)
	return finish(model, scene, c, found, msg, s.p)
}

// estimateShift hashes the RT differences of all m/z compatible point pairs.
func estimateShift(model, scene []feature.Point, ratio float64, p Params) (transform.Linear, bool, string) {
	half := int(math.Ceil(p.MaxShift/p.ShiftBucketSize)) + 2
	h := newHistogram(p.ShiftBucketSize, half, 0)
	for i := range model {
		iLo, iHi := window(model, model[i].Mz, p.MzPairMaxDistance)
		fi := winLengthFactor(iLo, iHi)
		if fi <= 0 {
			continue
		}
		kLo, kHi := window(scene, model[i].Mz, p.MzPairMaxDistance)
		fk := winLengthFactor(kLo, kHi)
		if fk <= 0 {
			continue
		}
		for k := kLo; k < kHi; k++ {
			w := similarity(model[i].Intensity, scene[k].Intensity*ratio) * fi * fk
			h.add(model[i].RT-scene[k].RT, w)
		}
	}
	sh, _, ok := h.peak()
	if !ok {
		return transform.Linear{Slope: 1}, false, "no compatible point pairs for pose clustering"
	}
	return transform.Linear{Slope: 1, Intercept: sh}, true, ""
}
