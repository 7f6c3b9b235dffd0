package transform

import (
	"fmt"
	"math"
	"sort"
	"strings"

	"github.com/524D/mzalign/internal/feature"
	"gonum.org/v1/gonum/stat"
)

// Method selects the model fitted in each region.
type Method int

// Fitting methods
const (
	MethodLinear Method = iota
	MethodLowess
	MethodInterpolated
)

var methodNames = []string{"linear", "lowess", "interpolated"}

// ParseMethod converts a method name to a Method.
func ParseMethod(s string) (Method, error) {
	s = strings.ToLower(strings.TrimSpace(s))
	for i, n := range methodNames {
		if s == n {
			return Method(i), nil
		}
	}
	return MethodLinear, fmt.Errorf("%w: %q", ErrUnknownModel, s)
}

func (m Method) String() string {
	if m < 0 || int(m) >= len(methodNames) {
		return fmt.Sprintf("Method(%d)", int(m))
	}
	return methodNames[m]
}

// MarshalText implements encoding.TextMarshaler.
func (m Method) MarshalText() ([]byte, error) { return []byte(m.String()), nil }

// UnmarshalText implements encoding.TextUnmarshaler.
func (m *Method) UnmarshalText(b []byte) error {
	v, err := ParseMethod(string(b))
	if err != nil {
		return err
	}
	*m = v
	return nil
}

// FitOptions control Fit.
type FitOptions struct {
	Method     Method
	Regions    int     // number of equal-width RT regions, values < 1 mean 1
	Span       float64 // LOWESS neighbourhood as a fraction of the anchors
	MinQuality float64 // anchors with lower quality are ignored
}

// FitReport describes how a fit went.
type FitReport struct {
	Used      int   // anchors that took part in the fit
	Rejected  int   // anchors dropped for low quality
	Fallbacks []int // regions that borrowed a neighbour's model or became identity
	Degraded  bool  // no region had enough anchors; the result is the identity
}

// minRegionAnchors is the smallest number of anchors a region is fitted from
const minRegionAnchors = 2

// Fit builds a model mapping scene RT onto model RT from the anchors.
// A region with fewer than two usable anchors takes the model of the nearest
// region that has one (the lower region wins a tie), or the identity if no
// region could be fitted.
func Fit(anchors []feature.AnchorPair, opts FitOptions) (Model, FitReport) {
	var rep FitReport
	var x, y []float64
	for _, a := range anchors {
		if a.Quality < opts.MinQuality {
			rep.Rejected++
			continue
		}
		x = append(x, a.SceneRT)
		y = append(y, a.ModelRT)
	}
	rep.Used = len(x)
	regions := opts.Regions
	if regions < 1 {
		regions = 1
	}
	if len(x) < minRegionAnchors {
		rep.Degraded = true
		for r := 0; r < regions; r++ {
			rep.Fallbacks = append(rep.Fallbacks, r)
		}
		return Identity{}, rep
	}
	if regions == 1 {
		return fitRegion(x, y, opts), rep
	}

	lo, hi := x[0], x[0]
	for _, v := range x {
		lo = math.Min(lo, v)
		hi = math.Max(hi, v)
	}
	width := (hi - lo) / float64(regions)
	g := &Grid{Models: make([]Model, regions)}
	for r := 1; r < regions; r++ {
		g.Bounds = append(g.Bounds, lo+float64(r)*width)
	}
	rx := make([][]float64, regions)
	ry := make([][]float64, regions)
	for i, v := range x {
		r := sort.Search(len(g.Bounds), func(k int) bool { return g.Bounds[k] > v })
		rx[r] = append(rx[r], v)
		ry[r] = append(ry[r], y[i])
	}
	fitted := make([]bool, regions)
	for r := range g.Models {
		if len(rx[r]) >= minRegionAnchors {
			g.Models[r] = fitRegion(rx[r], ry[r], opts)
			fitted[r] = true
		}
	}
	for r := range g.Models {
		if fitted[r] {
			continue
		}
		rep.Fallbacks = append(rep.Fallbacks, r)
		g.Models[r] = Identity{}
		for d := 1; d < regions; d++ {
			if r-d >= 0 && fitted[r-d] {
				g.Models[r] = g.Models[r-d]
				break
			}
			if r+d < regions && fitted[r+d] {
				g.Models[r] = g.Models[r+d]
				break
			}
		}
	}
	return g, rep
}

func fitRegion(x, y []float64, opts FitOptions) Model {
	switch opts.Method {
	case MethodInterpolated:
		return NewInterpolated(x, y)
	case MethodLowess:
		// Too few anchors for a local fit
		if len(x) < 4 {
			return fitLinear(x, y)
		}
		order := make([]int, len(x))
		for i := range order {
			order[i] = i
		}
		sort.SliceStable(order, func(a, b int) bool { return x[order[a]] < x[order[b]] })
		sx := make([]float64, len(x))
		sy := make([]float64, len(y))
		for i, o := range order {
			sx[i], sy[i] = x[o], y[o]
		}
		span := opts.Span
		if span <= 0 || span > 1 {
			span = 2.0 / 3
		}
		return NewInterpolated(sx, lowess(sx, sy, span, 2))
	}
	return fitLinear(x, y)
}

// fitLinear fits a least squares line. Without spread in x only the mean
// shift can be determined.
func fitLinear(x, y []float64) Model {
	alpha, beta := stat.LinearRegression(x, y, nil, false)
	if math.IsNaN(alpha) || math.IsNaN(beta) || math.IsInf(alpha, 0) || math.IsInf(beta, 0) || stat.Variance(x, nil) == 0 {
		var shift float64
		for i := range x {
			shift += y[i] - x[i]
		}
		return Linear{Slope: 1, Intercept: shift / float64(len(x))}
	}
	return Linear{Slope: beta, Intercept: alpha}
}

// lowess smooths y over sorted x with locally weighted linear regression
// (tricube weights over the nearest span*n points) followed by robust
// reweighting iterations with bisquare weights.
func lowess(x, y []float64, span float64, robustIter int) []float64 {
	n := len(x)
	k := int(math.Ceil(span * float64(n)))
	if k < 3 {
		k = 3
	}
	if k > n {
		k = n
	}
	fitted := make([]float64, n)
	rw := make([]float64, n)
	for i := range rw {
		rw[i] = 1
	}
	w := make([]float64, k)
	res := make([]float64, n)
	for iter := 0; iter <= robustIter; iter++ {
		lo := 0
		for i := 0; i < n; i++ {
			for lo+k < n && x[i]-x[lo] > x[lo+k]-x[i] {
				lo++
			}
			h := math.Max(x[i]-x[lo], x[lo+k-1]-x[i])
			// keep the outermost neighbour in the fit
			h *= 1.001
			for j := 0; j < k; j++ {
				if h == 0 {
					w[j] = rw[lo+j]
					continue
				}
				u := math.Abs(x[lo+j]-x[i]) / h
				t := 1 - u*u*u
				w[j] = rw[lo+j] * t * t * t
			}
			fitted[i] = localLinear(x[lo:lo+k], y[lo:lo+k], w, x[i])
		}
		if iter == robustIter {
			break
		}
		for i := range res {
			res[i] = math.Abs(y[i] - fitted[i])
		}
		sorted := append([]float64(nil), res...)
		sort.Float64s(sorted)
		s := stat.Quantile(0.5, stat.Empirical, sorted, nil)
		// Floor the scale when most anchors are fitted exactly, otherwise
		// every point near an outlier is discarded.
		s = math.Max(s, 1e-3*stat.Mean(res, nil))
		if s == 0 {
			break
		}
		for i := range rw {
			u := res[i] / (6 * s)
			if u < 1 {
				rw[i] = (1 - u*u) * (1 - u*u)
			} else {
				rw[i] = 0
			}
		}
	}
	return fitted
}

func localLinear(x, y, w []float64, x0 float64) float64 {
	var sw float64
	for _, v := range w {
		sw += v
	}
	if sw == 0 {
		return stat.Mean(y, nil)
	}
	// Scale the weights to sum to n; gonum's weighted moments divide by
	// (sum of weights - 1).
	nw := make([]float64, len(w))
	for i, v := range w {
		nw[i] = v * float64(len(w)) / sw
	}
	mean := stat.Mean(x, nw)
	var ss float64
	for i, v := range x {
		ss += nw[i] * (v - mean) * (v - mean)
	}
	if ss < 1e-12 {
		return stat.Mean(y, nw)
	}
	alpha, beta := stat.LinearRegression(x, y, nw, false)
	return alpha + beta*x0
}
