package align

import (
	"context"
	"errors"
	"math"
	"math/rand"
	"os"
	"path/filepath"
	"sort"
	"testing"

	"github.com/524D/mzalign/internal/consensus"
	"github.com/524D/mzalign/internal/feature"
	"github.com/524D/mzalign/internal/registration"
	"github.com/524D/mzalign/internal/transform"
	"github.com/google/go-cmp/cmp"
)

type aligner interface {
	Align(ctx context.Context, maps []feature.Map) (*Result, error)
}

// aligners returns star aligners with and without warping and a KD
// aligner with the given configuration.
func aligners(t *testing.T, cfg Config) map[string]aligner {
	t.Helper()
	fixedCfg := cfg
	fixedCfg.WarpEnabled = false
	fixed, err := NewStar(fixedCfg)
	if err != nil {
		t.Fatal(err)
	}
	warpCfg := cfg
	warpCfg.WarpEnabled = true
	warped, err := NewStar(warpCfg)
	if err != nil {
		t.Fatal(err)
	}
	k, err := NewKD(cfg)
	if err != nil {
		t.Fatal(err)
	}
	return map[string]aligner{"star": fixed, "star-warp": warped, "kd": k}
}

func pt(rt, mz float64, charge int) feature.Point {
	return feature.Point{RT: rt, Mz: mz, Intensity: 1000, Charge: charge}
}

func maps(points ...[]feature.Point) []feature.Map {
	var ms []feature.Map
	for _, p := range points {
		ms = append(ms, feature.Map{Points: p})
	}
	return ms
}

// sizes lists the member count of every entity.
func sizes(entities []*consensus.Entity) []int {
	var s []int
	for _, e := range entities {
		s = append(s, e.Size())
	}
	return s
}

// checkConsensus verifies that every input point is in exactly one entity,
// that no entity has two members from one map and that no entity holds two
// different known charges.
func checkConsensus(t *testing.T, in []feature.Map, res *Result) {
	t.Helper()
	seen := make(map[feature.Handle]int)
	for _, e := range res.Entities {
		if !e.Sealed() {
			t.Errorf("entity at mz %v is not sealed", e.Mz())
		}
		last := math.MinInt
		charge := 0
		for _, m := range e.Members() {
			if m.Charge != 0 {
				if charge != 0 && m.Charge != charge {
					t.Errorf("entity at mz %v mixes charges %d and %d", e.Mz(), charge, m.Charge)
				}
				charge = m.Charge
			}
			if m.Map <= last {
				t.Errorf("entity at mz %v: members not ordered by distinct maps", e.Mz())
			}
			last = m.Map
			seen[feature.Handle{Map: m.Handle.Map, Index: m.Handle.Index}]++
		}
	}
	for mi, m := range in {
		for i := range m.Points {
			if n := seen[feature.Handle{Map: mi, Index: i}]; n != 1 {
				t.Errorf("point %d of map %d appears %d times", i, mi, n)
			}
		}
	}
}

func TestScenarios(t *testing.T) {
	tests := []struct {
		name   string
		charge feature.MergePolicy
		maps   []feature.Map
		want   []int
	}{
		{
			name: "identical points",
			maps: maps([]feature.Point{pt(100, 500, 0)}, []feature.Point{pt(100, 500, 0)}),
			want: []int{2},
		},
		{
			name: "outside rt tolerance",
			maps: maps([]feature.Point{pt(100, 500, 0)}, []feature.Point{pt(500, 500, 0)}),
			want: []int{1, 1},
		},
		{
			name: "three maps",
			maps: maps([]feature.Point{pt(100, 500, 0)}, []feature.Point{pt(101, 500.001, 0)},
				[]feature.Point{pt(99, 499.999, 0)}),
			want: []int{3},
		},
		{
			name:   "identical charge required",
			charge: feature.Identical,
			maps:   maps([]feature.Point{pt(100, 500, 2)}, []feature.Point{pt(100, 500, 3)}),
			want:   []int{1, 1},
		},
		{
			name:   "unknown charge merges",
			charge: feature.CompatibleWithUnknown,
			maps:   maps([]feature.Point{pt(100, 500, 2)}, []feature.Point{pt(100, 500, 0)}),
			want:   []int{2},
		},
	}
	for _, tt := range tests {
		cfg := DefaultConfig()
		cfg.ChargeMergePolicy = tt.charge
		for name, a := range aligners(t, cfg) {
			res, err := a.Align(context.Background(), tt.maps)
			if err != nil {
				t.Fatalf("%s %s: %v", name, tt.name, err)
			}
			if diff := cmp.Diff(tt.want, sizes(res.Entities)); diff != "" {
				t.Errorf("%s %s: entity sizes mismatch (-want +got):\n%s", name, tt.name, diff)
			}
			checkConsensus(t, tt.maps, res)
		}
	}
}

func TestUnknownChargeKeepsKnownChargesApart(t *testing.T) {
	in := maps([]feature.Point{pt(100, 500, 0)}, []feature.Point{pt(100, 500, 2)},
		[]feature.Point{pt(100, 500, 3)})
	cfg := DefaultConfig()
	cfg.ChargeMergePolicy = feature.CompatibleWithUnknown
	for name, a := range aligners(t, cfg) {
		res, err := a.Align(context.Background(), in)
		if err != nil {
			t.Fatalf("%s: %v", name, err)
		}
		got := sizes(res.Entities)
		sort.Ints(got)
		if diff := cmp.Diff([]int{1, 2}, got); diff != "" {
			t.Errorf("%s: entity sizes mismatch (-want +got):\n%s", name, diff)
		}
		checkConsensus(t, in, res)
	}
}

func TestScenarioCentroid(t *testing.T) {
	for name, a := range aligners(t, DefaultConfig()) {
		res, err := a.Align(context.Background(),
			maps([]feature.Point{pt(100, 500, 0)}, []feature.Point{pt(100, 500, 0)}))
		if err != nil {
			t.Fatal(err)
		}
		e := res.Entities[0]
		if math.Abs(e.RT()-100) > 1e-9 || math.Abs(e.Mz()-500) > 1e-9 || math.Abs(e.Intensity()-1000) > 1e-9 {
			t.Errorf("%s: centroid (%v, %v, %v)", name, e.RT(), e.Mz(), e.Intensity())
		}
	}
}

// randomMaps draws analytes and observes each in a random subset of maps
// with small RT and m/z noise, plus some noise points.
func randomMaps(nMaps, nAnalytes int, seed int64) []feature.Map {
	rnd := rand.New(rand.NewSource(seed))
	ms := make([]feature.Map, nMaps)
	for a := 0; a < nAnalytes; a++ {
		rt := 60 + rnd.Float64()*3000
		mz := 200 + rnd.Float64()*800
		charge := rnd.Intn(4)
		for m := range ms {
			if rnd.Float64() < 0.2 {
				continue
			}
			ms[m].Points = append(ms[m].Points, feature.Point{
				RT:        rt + rnd.NormFloat64()*5 + float64(m)*8,
				Mz:        mz * (1 + rnd.NormFloat64()*2e-6),
				Intensity: 1e4 * (1 + rnd.Float64()),
				Charge:    charge,
			})
		}
	}
	for m := range ms {
		for i := 0; i < nAnalytes/10; i++ {
			ms[m].Points = append(ms[m].Points, feature.Point{
				RT: 60 + rnd.Float64()*3000, Mz: 200 + rnd.Float64()*800, Intensity: 500,
			})
		}
	}
	return ms
}

func TestConsensusInvariants(t *testing.T) {
	in := randomMaps(4, 300, 7)
	cfg := DefaultConfig()
	cfg.NumPartitions = 4
	cfg.Workers = 2
	for name, a := range aligners(t, cfg) {
		res, err := a.Align(context.Background(), in)
		if err != nil {
			t.Fatalf("%s: %v", name, err)
		}
		checkConsensus(t, in, res)
		if len(res.Transforms) != len(in) {
			t.Errorf("%s: %d transforms for %d maps", name, len(res.Transforms), len(in))
		}
		if res.RunID == "" {
			t.Errorf("%s: no run id", name)
		}
	}
}

// shiftedMaps returns a map of n well separated analytes and one copy per
// shift with the RTs moved by that shift.
func shiftedMaps(n int, shifts ...float64) []feature.Map {
	ms := make([]feature.Map, 1+len(shifts))
	for i := 0; i < n; i++ {
		p := feature.Point{
			RT:        100 + float64((i*37)%n)*1800/float64(n),
			Mz:        300 + 3*float64(i),
			Intensity: 1000 + float64((i*13)%7)*500,
		}
		ms[0].Points = append(ms[0].Points, p)
		for s, shift := range shifts {
			q := p
			q.RT += shift
			ms[s+1].Points = append(ms[s+1].Points, q)
		}
	}
	return ms
}

func TestStarWarping(t *testing.T) {
	in := shiftedMaps(60, 40)
	cfg := DefaultConfig()
	cfg.RTTolerance = 10

	cfg.WarpEnabled = false
	s, err := NewStar(cfg)
	if err != nil {
		t.Fatal(err)
	}
	res, err := s.Align(context.Background(), in)
	if err != nil {
		t.Fatal(err)
	}
	if len(res.Entities) != 120 {
		t.Errorf("without warping: %d entities, want 120", len(res.Entities))
	}

	cfg.WarpEnabled = true
	s, err = NewStar(cfg)
	if err != nil {
		t.Fatal(err)
	}
	res, err = s.Align(context.Background(), in)
	if err != nil {
		t.Fatal(err)
	}
	if len(res.Entities) != 60 {
		t.Errorf("with warping: %d entities, want 60", len(res.Entities))
	}
	if got := res.Transforms[1].Apply(540); math.Abs(got-500) > 1 {
		t.Errorf("Transforms[1].Apply(540) = %v, want about 500", got)
	}
	if _, ok := res.Transforms[0].(transform.Identity); !ok {
		t.Errorf("reference transform is %T, want identity", res.Transforms[0])
	}
	for _, e := range res.Entities {
		for _, m := range e.Members() {
			if m.Map == 1 && math.Abs(m.WarpedRT-(m.RT-40)) > 1 {
				t.Errorf("member rt %v warped to %v", m.RT, m.WarpedRT)
			}
		}
	}
	checkConsensus(t, in, res)
}

func TestKDDriftCorrection(t *testing.T) {
	in := shiftedMaps(40, 15, 30)
	cfg := DefaultConfig()
	cfg.RTTolerance = 10
	cfg.NumPartitions = 3
	k, err := NewKD(cfg)
	if err != nil {
		t.Fatal(err)
	}
	res, err := k.Align(context.Background(), in)
	if err != nil {
		t.Fatal(err)
	}
	if diff := cmp.Diff([]int{3}, uniqueSizes(res.Entities)); diff != "" {
		t.Errorf("entity sizes mismatch (-want +got):\n%s", diff)
	}
	if len(res.Entities) != 40 {
		t.Errorf("%d entities, want 40", len(res.Entities))
	}
	// Every map is moved to the mean RT, 15 s after map 0
	for m, shift := range []float64{0, 15, 30} {
		if got := res.Transforms[m].Apply(1000 + shift); math.Abs(got-1015) > 0.1 {
			t.Errorf("Transforms[%d].Apply(%v) = %v, want 1015", m, 1000+shift, got)
		}
	}
	if res.Reference != -1 {
		t.Errorf("Reference = %d, want -1", res.Reference)
	}
	if len(res.Warnings) != 0 {
		t.Errorf("unexpected warnings %v", res.Warnings)
	}
}

func uniqueSizes(entities []*consensus.Entity) []int {
	var out []int
	for _, s := range sizes(entities) {
		if len(out) == 0 || out[len(out)-1] != s {
			out = append(out, s)
		}
	}
	return out
}

func TestKDConflictsAndFoldChange(t *testing.T) {
	// Map 0 has two points inside one warp window, so the component has a
	// conflict. The intensities of the second pair differ 100 fold.
	in := maps(
		[]feature.Point{pt(100, 500, 0), pt(150, 500, 0), {RT: 1000, Mz: 700, Intensity: 10}},
		[]feature.Point{pt(120, 500, 0), {RT: 1000, Mz: 700, Intensity: 1000}},
	)
	cfg := DefaultConfig()
	cfg.MaxConflictsPerComponent = 0
	cfg.WarpMaxLogFoldChange = 1
	k, err := NewKD(cfg)
	if err != nil {
		t.Fatal(err)
	}
	comps := k.bucketAnchors(stampMaps(in)[0].Points, []int{0, 1, 2}, 2)
	if comps[0] != nil {
		t.Errorf("single map component gave anchors %v", comps[0])
	}

	var all []feature.Point
	for _, m := range stampMaps(in) {
		all = append(all, m.Points...)
	}
	anchors := k.bucketAnchors(all, []int{0, 1, 2, 3, 4}, 2)
	for m, a := range anchors {
		if len(a) != 0 {
			t.Errorf("map %d: %d anchors, want none", m, len(a))
		}
	}

	cfg.MaxConflictsPerComponent = -1
	cfg.WarpMaxLogFoldChange = -1
	k, err = NewKD(cfg)
	if err != nil {
		t.Fatal(err)
	}
	anchors = k.bucketAnchors(all, []int{0, 1, 2, 3, 4}, 2)
	want := []feature.AnchorPair{
		{Model: feature.Handle{Map: centroidMap}, Scene: feature.Handle{Map: 0}, ModelRT: 122.5, SceneRT: 125, Quality: 1},
		{Model: feature.Handle{Map: centroidMap}, Scene: feature.Handle{Map: 0}, ModelRT: 1000, SceneRT: 1000, Quality: 1},
	}
	if diff := cmp.Diff(want, anchors[0]); diff != "" {
		t.Errorf("map 0 anchors mismatch (-want +got):\n%s", diff)
	}
}

func TestReferenceSelection(t *testing.T) {
	in := maps(
		[]feature.Point{pt(100, 500, 0)},
		[]feature.Point{pt(100, 500, 0), pt(200, 600, 0)},
		[]feature.Point{pt(100, 500, 0), pt(300, 700, 0)},
	)
	cfg := DefaultConfig()
	cfg.WarpEnabled = false
	for _, tt := range []struct{ configured, want int }{{-1, 1}, {2, 2}, {0, 0}} {
		cfg.Reference = tt.configured
		s, err := NewStar(cfg)
		if err != nil {
			t.Fatal(err)
		}
		res, err := s.Align(context.Background(), in)
		if err != nil {
			t.Fatal(err)
		}
		if res.Reference != tt.want {
			t.Errorf("reference %d: got %d, want %d", tt.configured, res.Reference, tt.want)
		}
		checkConsensus(t, in, res)
	}
}

func TestRegistrationFailure(t *testing.T) {
	in := maps(
		[]feature.Point{pt(100, 500, 0), pt(300, 510, 0), pt(500, 520, 0)},
		[]feature.Point{pt(100, 900, 0), pt(300, 910, 0)},
	)
	s, err := NewStar(DefaultConfig())
	if err != nil {
		t.Fatal(err)
	}
	res, err := s.Align(context.Background(), in)
	if err != nil {
		t.Fatal(err)
	}
	if len(res.Entities) != 5 {
		t.Errorf("%d entities, want 5 singletons", len(res.Entities))
	}
	want := []WarningKind{WarnRegistrationFailed}
	var got []WarningKind
	for _, w := range res.Warnings {
		got = append(got, w.Kind)
		if w.Map != 1 {
			t.Errorf("warning for map %d, want 1", w.Map)
		}
	}
	if diff := cmp.Diff(want, got); diff != "" {
		t.Errorf("warnings mismatch (-want +got):\n%s", diff)
	}
	if _, ok := res.Transforms[1].(transform.Identity); !ok {
		t.Errorf("failed map transform is %T, want identity", res.Transforms[1])
	}
}

func TestInputNotModified(t *testing.T) {
	in := maps([]feature.Point{pt(100, 500, 0)}, []feature.Point{pt(100, 500, 0)})
	in[1].Points[0].Map = 7
	want := make([]feature.Map, len(in))
	for i, m := range in {
		want[i] = feature.Map{Name: m.Name, Points: append([]feature.Point(nil), m.Points...)}
	}
	for name, a := range aligners(t, DefaultConfig()) {
		if _, err := a.Align(context.Background(), in); err != nil {
			t.Fatal(err)
		}
		if diff := cmp.Diff(want, in); diff != "" {
			t.Errorf("%s modified its input (-want +got):\n%s", name, diff)
		}
	}
}

func TestConfigErrors(t *testing.T) {
	for name, a := range aligners(t, DefaultConfig()) {
		for _, in := range [][]feature.Map{nil, maps([]feature.Point{pt(1, 1, 0)})} {
			if _, err := a.Align(context.Background(), in); !errors.Is(err, ErrConfig) {
				t.Errorf("%s with %d maps: err %v, want ErrConfig", name, len(in), err)
			}
		}
	}

	cfg := DefaultConfig()
	cfg.Reference = 5
	s, err := NewStar(cfg)
	if err != nil {
		t.Fatal(err)
	}
	if _, err := s.Align(context.Background(), maps(nil, nil)); !errors.Is(err, ErrConfig) {
		t.Errorf("reference out of range: err %v, want ErrConfig", err)
	}

	bad := []func(*Config){
		func(c *Config) { c.RTTolerance = 0 },
		func(c *Config) { c.MzTolerance = -1 },
		func(c *Config) { c.NumPartitions = 0 },
		func(c *Config) { c.WarpMzTolerance = 0 },
		func(c *Config) { c.MaxConflictsPerComponent = -2 },
		func(c *Config) { c.LowessSpan = 1.5 },
		func(c *Config) { c.Registration = registration.Kind(9) },
	}
	for i, f := range bad {
		cfg := DefaultConfig()
		f(&cfg)
		_, errStar := NewStar(cfg)
		if !errors.Is(errStar, ErrConfig) {
			t.Errorf("case %d: NewStar err %v, want ErrConfig", i, errStar)
		}
	}
}

func TestCancel(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	in := maps([]feature.Point{pt(100, 500, 0)}, []feature.Point{pt(100, 500, 0)})
	for name, a := range aligners(t, DefaultConfig()) {
		res, err := a.Align(ctx, in)
		if !errors.Is(err, context.Canceled) {
			t.Errorf("%s: err %v, want context.Canceled", name, err)
		}
		if res != nil {
			t.Errorf("%s: partial result returned", name)
		}
	}
}

func TestHooks(t *testing.T) {
	in := shiftedMaps(30, 10, 20)
	var events []Event
	var stages []string
	opts := []Option{
		WithDiagnostics(func(e Event) { events = append(events, e) }),
		WithProgress(func(stage string, done, total int) {
			if done == total {
				stages = append(stages, stage)
			}
		}),
	}
	s, err := NewStar(DefaultConfig(), opts...)
	if err != nil {
		t.Fatal(err)
	}
	if _, err := s.Align(context.Background(), in); err != nil {
		t.Fatal(err)
	}
	var regs, buckets int
	for _, e := range events {
		switch e.(type) {
		case RegistrationEvent:
			regs++
		case BucketEvent:
			buckets++
		}
	}
	if regs != 2 || buckets != 2 {
		t.Errorf("%d registration and %d bucket events, want 2 and 2", regs, buckets)
	}
	if diff := cmp.Diff([]string{"register"}, stages); diff != "" {
		t.Errorf("progress stages mismatch (-want +got):\n%s", diff)
	}
}

func TestLoadConfig(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "align.yaml")
	data := []byte(`rt_tolerance: 15
mz_tolerance: 0.01
mz_unit: da
charge_merge_policy: identical
registration: pose_shift
transform: linear
warp_enabled: false
`)
	if err := os.WriteFile(path, data, 0644); err != nil {
		t.Fatal(err)
	}
	got, err := LoadConfig(path)
	if err != nil {
		t.Fatal(err)
	}
	want := DefaultConfig()
	want.RTTolerance = 15
	want.MzTolerance = 0.01
	want.MzUnit = feature.Da
	want.ChargeMergePolicy = feature.Identical
	want.Registration = registration.PoseShift
	want.Transform = transform.MethodLinear
	want.WarpEnabled = false
	if diff := cmp.Diff(want, got); diff != "" {
		t.Errorf("LoadConfig mismatch (-want +got):\n%s", diff)
	}

	saved := filepath.Join(dir, "saved.yaml")
	if err := SaveConfig(saved, got); err != nil {
		t.Fatal(err)
	}
	again, err := LoadConfig(saved)
	if err != nil {
		t.Fatal(err)
	}
	if diff := cmp.Diff(got, again); diff != "" {
		t.Errorf("saved config mismatch (-want +got):\n%s", diff)
	}

	if err := os.WriteFile(path, []byte("rt_tolerance: -1\n"), 0644); err != nil {
		t.Fatal(err)
	}
	if _, err := LoadConfig(path); !errors.Is(err, ErrConfig) {
		t.Errorf("negative tolerance: err %v, want ErrConfig", err)
	}
	if err := os.WriteFile(path, []byte("charge_merge_policy: sometimes\n"), 0644); err != nil {
		t.Fatal(err)
	}
	if _, err := LoadConfig(path); err == nil {
		t.Error("unknown policy accepted")
	}
	if _, err := LoadConfig(filepath.Join(dir, "missing.yaml")); err == nil {
		t.Error("missing file accepted")
	}
}
