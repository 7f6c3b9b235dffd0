package transform

import (
	"encoding/json"
	"math"
	"testing"

	"github.com/524D/mzalign/internal/feature"
	"github.com/google/go-cmp/cmp"
	"github.com/google/go-cmp/cmp/cmpopts"
)

func anchorsFrom(f func(float64) float64, xs ...float64) []feature.AnchorPair {
	var a []feature.AnchorPair
	for _, x := range xs {
		a = append(a, feature.AnchorPair{SceneRT: x, ModelRT: f(x), Quality: 1})
	}
	return a
}

func near(a, b float64) bool { return math.Abs(a-b) < 1e-6 }

func TestLinearFit(t *testing.T) {
	f := func(x float64) float64 { return 1.02*x + 5 }
	m, rep := Fit(anchorsFrom(f, 100, 200, 300, 400, 800), FitOptions{Method: MethodLinear})
	if rep.Degraded || rep.Used != 5 {
		t.Fatalf("unexpected report %+v", rep)
	}
	for _, x := range []float64{0, 150, 1000} {
		if got := m.Apply(x); !near(got, f(x)) {
			t.Errorf("Apply(%v) = %v, want %v", x, got, f(x))
		}
	}
}

func TestLowessFitFollowsCurve(t *testing.T) {
	f := func(x float64) float64 { return x + 10*math.Sin(x/200) }
	var xs []float64
	for x := 0.0; x <= 2000; x += 20 {
		xs = append(xs, x)
	}
	m, _ := Fit(anchorsFrom(f, xs...), FitOptions{Method: MethodLowess, Span: 0.1})
	for _, x := range []float64{200, 700, 1500} {
		if got := m.Apply(x); math.Abs(got-f(x)) > 0.5 {
			t.Errorf("Apply(%v) = %v, want about %v", x, got, f(x))
		}
	}
}

func TestLowessIgnoresOutlier(t *testing.T) {
	f := func(x float64) float64 { return x + 30 }
	var xs []float64
	for x := 0.0; x <= 1000; x += 25 {
		xs = append(xs, x)
	}
	a := anchorsFrom(f, xs...)
	a[20].ModelRT += 300
	m, _ := Fit(a, FitOptions{Method: MethodLowess, Span: 0.3})
	if got := m.Apply(xs[20]); math.Abs(got-f(xs[20])) > 1 {
		t.Errorf("outlier pulled fit to %v, want about %v", got, f(xs[20]))
	}
}

func TestQualityFilterAndDegraded(t *testing.T) {
	a := anchorsFrom(func(x float64) float64 { return x + 1 }, 10, 20, 30)
	for i := range a {
		a[i].Quality = 0.2
	}
	m, rep := Fit(a, FitOptions{MinQuality: 0.5})
	if !rep.Degraded || rep.Rejected != 3 || rep.Used != 0 {
		t.Errorf("unexpected report %+v", rep)
	}
	if _, ok := m.(Identity); !ok {
		t.Errorf("degraded fit returned %T, want Identity", m)
	}
}

func TestGridFallbackToNeighbour(t *testing.T) {
	// Anchors only in the lower half of the RT range, plus one at the top
	// so the range spans four regions.
	a := anchorsFrom(func(x float64) float64 { return x + 10 }, 0, 50, 100, 150, 200, 250)
	a = append(a, feature.AnchorPair{SceneRT: 1000, ModelRT: 1100, Quality: 1})
	m, rep := Fit(a, FitOptions{Method: MethodLinear, Regions: 4})
	g, ok := m.(*Grid)
	if !ok {
		t.Fatalf("got %T, want *Grid", m)
	}
	if diff := cmp.Diff([]int{1, 2, 3}, rep.Fallbacks); diff != "" {
		t.Errorf("fallback regions (-want +got):\n%s", diff)
	}
	if len(g.Models) != 4 {
		t.Fatalf("%d regions", len(g.Models))
	}
	// Regions without anchors use the model of region 0, never a wild
	// extrapolation.
	if got := m.Apply(600); !near(got, 610) {
		t.Errorf("Apply(600) = %v, want 610", got)
	}
}

func TestInterpolated(t *testing.T) {
	m := NewInterpolated([]float64{20, 10, 10, 30}, []float64{25, 12, 14, 30})
	tests := []struct{ in, want float64 }{
		{10, 13},
		{15, 19},
		{30, 30},
		{40, 38.5},
		{0, 4.5},
	}
	for _, tt := range tests {
		if got := m.Apply(tt.in); !near(got, tt.want) {
			t.Errorf("Apply(%v) = %v, want %v", tt.in, got, tt.want)
		}
	}
}

func TestInterpolatedSteepEdge(t *testing.T) {
	// The first segment has slope 100, the knots overall slope 1
	m := NewInterpolated([]float64{100, 100.01, 300, 500}, []float64{100, 101, 300, 500})
	tests := []struct{ in, want float64 }{
		{0, 0},
		{50, 50},
		{100.005, 100.5},
		{600, 600},
	}
	for _, tt := range tests {
		if got := m.Apply(tt.in); !near(got, tt.want) {
			t.Errorf("Apply(%v) = %v, want %v", tt.in, got, tt.want)
		}
	}

	var a []feature.AnchorPair
	for i := range m.X {
		a = append(a, feature.AnchorPair{SceneRT: m.X[i], ModelRT: m.Y[i], Quality: 1})
	}
	fit, _ := Fit(a, FitOptions{Method: MethodInterpolated})
	if got := fit.Apply(0); !near(got, 0) {
		t.Errorf("fitted Apply(0) = %v, want 0", got)
	}
}

func TestApplyIsPure(t *testing.T) {
	models := []Model{
		Identity{},
		Linear{Slope: 1.1, Intercept: -3},
		NewInterpolated([]float64{1, 2, 3}, []float64{2, 2.5, 4}),
		&Grid{Bounds: []float64{5}, Models: []Model{Identity{}, Linear{Slope: 1, Intercept: 2}}},
	}
	for _, m := range models {
		for _, x := range []float64{-1, 0, 2.5, 5, 100} {
			first := m.Apply(x)
			for i := 0; i < 3; i++ {
				if got := m.Apply(x); got != first {
					t.Errorf("%T.Apply(%v) changed from %v to %v", m, x, first, got)
				}
			}
		}
	}
}

func TestDescriptionJSON(t *testing.T) {
	orig := &Grid{
		Bounds: []float64{100},
		Models: []Model{Linear{Slope: 1.01, Intercept: 2}, NewInterpolated([]float64{100, 200}, []float64{103, 198})},
	}
	b, err := json.Marshal(Describe(orig))
	if err != nil {
		t.Fatal(err)
	}
	var d Description
	if err := json.Unmarshal(b, &d); err != nil {
		t.Fatal(err)
	}
	m, err := d.Model()
	if err != nil {
		t.Fatal(err)
	}
	if diff := cmp.Diff(Model(orig), m, cmpopts.EquateApprox(0, 1e-12)); diff != "" {
		t.Errorf("model changed after JSON (-want +got):\n%s", diff)
	}
	if _, err := (Description{Kind: "spline"}).Model(); err == nil {
		t.Error("unknown kind accepted")
	}
}
