package registration

import (
	"math"
	"sort"

	"github.com/524D/mzalign/internal/feature"
	"github.com/524D/mzalign/internal/transform"
	"gonum.org/v1/gonum/optimize"
)

// minIQR keeps residuals within a fraction of a second from being treated
// as outliers when the anchors fit almost exactly.
const minIQR = 0.5

func residual(a feature.AnchorPair, t transform.Linear) float64 {
	return a.ModelRT - t.Apply(a.SceneRT)
}

// removeOutliersIQR removes anchors whose residual lies outside
// [Q1 - 1.5 IQR, Q3 + 1.5 IQR], the mzQC outlier definition. It reports
// whether all anchors were accepted. The anchors are sorted by residual.
func removeOutliersIQR(anchors []feature.AnchorPair, t transform.Linear) ([]feature.AnchorPair, bool) {
	sort.SliceStable(anchors, func(i, j int) bool {
		return residual(anchors[i], t) < residual(anchors[j], t)
	})
	var q1i1, q1i2 int
	if len(anchors) < 6 {
		// Too few anchors for outlier detection
		if len(anchors) < 4 {
			return anchors, true
		}
		q1i1, q1i2 = 1, 1
	} else {
		nq1 := len(anchors) / 2
		q1i1 = (nq1 - 1) / 2
		q1i2 = nq1 / 2
	}
	q1 := (residual(anchors[q1i1], t) + residual(anchors[q1i2], t)) / 2
	q3i1 := len(anchors) - q1i1 - 1
	q3i2 := len(anchors) - q1i2 - 1
	q3 := (residual(anchors[q3i1], t) + residual(anchors[q3i2], t)) / 2
	iqr := math.Max(q3-q1, minIQR)
	lowLim := q1 - 1.5*iqr
	highLim := q3 + 1.5*iqr

	accepted := 0
	for _, a := range anchors {
		r := residual(a, t)
		if r >= lowLim && r <= highLim {
			anchors[accepted] = a
			accepted++
		}
	}
	return anchors[:accepted], accepted == len(anchors)
}

// refine fits a line through the anchors by least squares, starting from
// the coarse estimate, and removes outliers until none are left. ok is false
// when fewer than three anchors survive or the fit fails. The input slice
// is not modified.
func refine(anchors []feature.AnchorPair, start transform.Linear) (transform.Linear, []feature.AnchorPair, bool) {
	work := append([]feature.AnchorPair(nil), anchors...)
	// Center the scene RTs so intercept and slope are of similar scale
	var xm float64
	for _, a := range work {
		xm += a.SceneRT
	}
	xm /= float64(len(work))

	// p[0] is the model RT at xm, p[1] the slope. We use the gonum.optimize
	// package to find the best parameters.
	problem := optimize.Problem{
		Func: func(p []float64) float64 {
			var ss float64
			for _, a := range work {
				r := a.ModelRT - (p[0] + p[1]*(a.SceneRT-xm))
				ss += r * r
			}
			return ss / float64(len(work))
		},
	}

	var t transform.Linear
	satisfied := false
	for !satisfied && len(work) >= minRefineAnchors {
		pIn := []float64{start.Apply(xm), start.Slope}
		res, err := optimize.Minimize(problem, pIn, nil, nil)
		if err != nil || res == nil {
			return start, nil, false
		}
		p := res.X
		if math.IsNaN(p[0]) || math.IsNaN(p[1]) {
			return start, nil, false
		}
		t = transform.Linear{Slope: p[1], Intercept: p[0] - p[1]*xm}
		work, satisfied = removeOutliersIQR(work, t)
	}
	if !satisfied {
		return start, nil, false
	}
	sort.SliceStable(work, func(i, j int) bool {
		if work[i].Scene.Map != work[j].Scene.Map {
			return work[i].Scene.Map < work[j].Scene.Map
		}
		return work[i].Scene.Index < work[j].Scene.Index
	})
	return t, work, true
}
