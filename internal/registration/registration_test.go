package registration

import (
	"math"
	"testing"

	"github.com/524D/mzalign/internal/feature"
	"github.com/524D/mzalign/internal/transform"
	"github.com/google/go-cmp/cmp"
)

// synthetic returns a model map with well separated m/z values and a scene
// whose RTs are mapped back through the inverse of modelRT = f(sceneRT).
func synthetic(n int, inv func(float64) float64) (model, scene []feature.Point) {
	for i := 0; i < n; i++ {
		rt := 100 + float64((i*37)%n)*1800/float64(n)
		p := feature.Point{
			RT:        rt,
			Mz:        300 + 3*float64(i),
			Intensity: 1000 + float64((i*13)%7)*500,
			Map:       0,
			Handle:    feature.Handle{Map: 0, Index: i},
		}
		model = append(model, p)
		q := p
		q.RT = inv(rt)
		q.Map = 1
		q.Handle = feature.Handle{Map: 1, Index: i}
		scene = append(scene, q)
	}
	return model, scene
}

func checkTransform(t *testing.T, r Result, f func(float64) float64, tol float64) {
	t.Helper()
	for _, x := range []float64{100, 500, 1000, 1700} {
		if got, want := r.Transform.Apply(x), f(x); math.Abs(got-want) > tol {
			t.Errorf("Transform.Apply(%v) = %v, want %v", x, got, want)
		}
	}
}

func TestAffineRegistration(t *testing.T) {
	f := func(x float64) float64 { return 1.05*x + 20 }
	inv := func(y float64) float64 { return (y - 20) / 1.05 }
	model, scene := synthetic(60, inv)
	reg, err := New(PoseAffine, DefaultParams())
	if err != nil {
		t.Fatal(err)
	}
	r := reg.Register(model, scene)
	if r.Status != OK {
		t.Fatalf("status %v (%s)", r.Status, r.Message)
	}
	if len(r.Anchors) < 50 {
		t.Errorf("only %d anchors", len(r.Anchors))
	}
	for _, a := range r.Anchors {
		if a.Model.Index != a.Scene.Index {
			t.Errorf("anchor pairs model %d with scene %d", a.Model.Index, a.Scene.Index)
		}
	}
	if math.Abs(r.Coarse.Slope-1.05) > 0.01 {
		t.Errorf("coarse slope %v, want about 1.05", r.Coarse.Slope)
	}
	checkTransform(t, r, f, 0.5)
}

func TestShiftRegistration(t *testing.T) {
	f := func(x float64) float64 { return x + 30 }
	inv := func(y float64) float64 { return y - 30 }
	model, scene := synthetic(40, inv)
	reg, _ := New(PoseShift, DefaultParams())
	r := reg.Register(model, scene)
	if r.Status != OK {
		t.Fatalf("status %v (%s)", r.Status, r.Message)
	}
	if math.Abs(r.Coarse.Intercept-30) > 3 {
		t.Errorf("coarse shift %v, want about 30", r.Coarse.Intercept)
	}
	checkTransform(t, r, f, 0.5)
}

func TestRegistrationFewAnchors(t *testing.T) {
	model := []feature.Point{
		{RT: 100, Mz: 400, Intensity: 10, Handle: feature.Handle{Index: 0}},
		{RT: 600, Mz: 500, Intensity: 10, Handle: feature.Handle{Index: 1}},
	}
	scene := []feature.Point{
		{RT: 90, Mz: 400, Intensity: 10, Map: 1, Handle: feature.Handle{Map: 1, Index: 0}},
		{RT: 590, Mz: 500, Intensity: 10, Map: 1, Handle: feature.Handle{Map: 1, Index: 1}},
	}
	reg, _ := New(PoseAffine, DefaultParams())
	r := reg.Register(model, scene)
	if r.Status != Degraded {
		t.Fatalf("status %v, want degraded", r.Status)
	}
	if len(r.Anchors) != 2 {
		t.Errorf("%d anchors, want 2", len(r.Anchors))
	}
	if diff := cmp.Diff(r.Transform, r.Coarse); diff != "" {
		t.Errorf("transform is not the coarse estimate (-transform +coarse):\n%s", diff)
	}
	checkTransform(t, r, func(x float64) float64 { return x + 10 }, 3)
}

func TestRegistrationNoAnchors(t *testing.T) {
	model, _ := synthetic(10, func(x float64) float64 { return x })
	var scene []feature.Point
	for i := 0; i < 10; i++ {
		scene = append(scene, feature.Point{RT: float64(100 * i), Mz: 1500 + float64(i), Map: 1})
	}
	for _, kind := range []Kind{PoseAffine, PoseShift} {
		reg, _ := New(kind, DefaultParams())
		r := reg.Register(model, scene)
		if r.Status != Failed {
			t.Errorf("%v: status %v, want failed", kind, r.Status)
		}
		if len(r.Anchors) != 0 {
			t.Errorf("%v: %d anchors", kind, len(r.Anchors))
		}
		if got := r.Transform.Apply(123); got != 123 {
			t.Errorf("%v: transform not identity, Apply(123) = %v", kind, got)
		}
	}
	reg, _ := New(PoseAffine, DefaultParams())
	if r := reg.Register(nil, scene); r.Status != Failed {
		t.Errorf("empty model: status %v", r.Status)
	}
}

func TestRegistrationDeterministicAndPure(t *testing.T) {
	model, scene := synthetic(30, func(y float64) float64 { return y - 12 })
	mCopy := append([]feature.Point(nil), model...)
	sCopy := append([]feature.Point(nil), scene...)
	reg, _ := New(PoseAffine, DefaultParams())
	r1 := reg.Register(model, scene)
	r2 := reg.Register(model, scene)
	if diff := cmp.Diff(r1, r2); diff != "" {
		t.Errorf("results differ between runs (-first +second):\n%s", diff)
	}
	if diff := cmp.Diff(mCopy, model); diff != "" {
		t.Errorf("model modified:\n%s", diff)
	}
	if diff := cmp.Diff(sCopy, scene); diff != "" {
		t.Errorf("scene modified:\n%s", diff)
	}
}

func TestHistogramSplitsValues(t *testing.T) {
	h := newHistogram(1, 5, 0)
	h.add(0.25, 4)
	if h.data[5] != 3 || h.data[6] != 1 {
		t.Errorf("buckets 5,6 = %v,%v, want 3,1", h.data[5], h.data[6])
	}
	// Out of range values are dropped
	h.add(100, 1)
	if h.total() != 4 {
		t.Errorf("total %v, want 4", h.total())
	}
}

func TestHistogramPeak(t *testing.T) {
	h := newHistogram(1, 50, 0)
	// flat baseline plus a peak at 12
	for i := -50; i <= 50; i++ {
		h.add(float64(i), 1)
	}
	h.add(12, 20)
	h.add(11, 5)
	h.add(13, 5)
	mean, _, ok := h.peak()
	if !ok {
		t.Fatal("no peak found")
	}
	if math.Abs(mean-12) > 0.5 {
		t.Errorf("peak at %v, want 12", mean)
	}
	if _, _, ok := newHistogram(1, 3, 0).peak(); ok {
		t.Error("empty histogram reported a peak")
	}
}

func TestRemoveOutliersIQR(t *testing.T) {
	var anchors []feature.AnchorPair
	for i := 0; i < 10; i++ {
		anchors = append(anchors, feature.AnchorPair{SceneRT: float64(i * 100), ModelRT: float64(i*100) + float64(i%2)*0.2})
	}
	anchors = append(anchors, feature.AnchorPair{SceneRT: 550, ModelRT: 650})
	kept, all := removeOutliersIQR(anchors, transform.Linear{Slope: 1})
	if all {
		t.Error("outlier not detected")
	}
	if len(kept) != 10 {
		t.Errorf("%d anchors kept, want 10", len(kept))
	}
}
