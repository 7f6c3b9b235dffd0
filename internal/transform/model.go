// Package transform implements retention time transformations: the models
// that map an RT of one map onto the RT scale of another, and their fitting
// from anchor pairs.
package transform

import (
	"errors"
	"fmt"
	"sort"
)

// ErrUnknownModel is returned for descriptions of an unsupported model kind
var ErrUnknownModel = errors.New("unknown transformation model")

// Model maps a retention time to a corrected retention time. Apply must be
// a pure function of its argument.
type Model interface {
	Apply(rt float64) float64
}

// Identity leaves retention times unchanged.
type Identity struct{}

// Apply implements Model.
func (Identity) Apply(rt float64) float64 { return rt }

// Linear is rt' = Intercept + Slope*rt.
type Linear struct {
	Slope     float64
	Intercept float64
}

// Apply implements Model.
func (l Linear) Apply(rt float64) float64 { return l.Intercept + l.Slope*rt }

// Interpolated is a piecewise linear function through knots (X[i], Y[i]).
// Outside the knot range it continues from the end knots with the slope of
// the line through the first and the last knot, so one steep segment at an
// edge can't throw far away RTs off.
type Interpolated struct {
	X []float64
	Y []float64
}

// NewInterpolated builds an Interpolated model from unsorted knots. Knots
// with equal x are replaced by one knot at the mean y.
func NewInterpolated(x, y []float64) *Interpolated {
	if len(x) != len(y) {
		panic(fmt.Sprintf("transform: %d x values for %d y values", len(x), len(y)))
	}
	order := make([]int, len(x))
	for i := range order {
		order[i] = i
	}
	sort.SliceStable(order, func(a, b int) bool { return x[order[a]] < x[order[b]] })
	m := &Interpolated{}
	for i := 0; i < len(order); {
		j := i
		var sum float64
		for j < len(order) && x[order[j]] == x[order[i]] {
			sum += y[order[j]]
			j++
		}
		m.X = append(m.X, x[order[i]])
		m.Y = append(m.Y, sum/float64(j-i))
		i = j
	}
	return m
}

// Apply implements Model. Evaluation is O(log n).
func (m *Interpolated) Apply(rt float64) float64 {
	n := len(m.X)
	switch n {
	case 0:
		return rt
	case 1:
		return rt + m.Y[0] - m.X[0]
	}
	switch {
	case rt < m.X[0]:
		return m.Y[0] + (rt-m.X[0])*m.slope()
	case rt > m.X[n-1]:
		return m.Y[n-1] + (rt-m.X[n-1])*m.slope()
	}
	i := sort.SearchFloat64s(m.X, rt)
	if i < 1 {
		i = 1
	} else if i > n-1 {
		i = n - 1
	}
	x0, x1 := m.X[i-1], m.X[i]
	y0, y1 := m.Y[i-1], m.Y[i]
	return y0 + (rt-x0)*(y1-y0)/(x1-x0)
}

func (m *Interpolated) slope() float64 {
	n := len(m.X)
	return (m.Y[n-1] - m.Y[0]) / (m.X[n-1] - m.X[0])
}

// Grid applies independent models to consecutive RT regions. Bounds holds
// the len(Models)-1 inner region boundaries in ascending order; a boundary
// belongs to the region above it.
type Grid struct {
	Bounds []float64
	Models []Model
}

// Apply implements Model.
func (g *Grid) Apply(rt float64) float64 {
	i := sort.Search(len(g.Bounds), func(k int) bool { return g.Bounds[k] > rt })
	return g.Models[i].Apply(rt)
}

// Description is the serialisable form of a Model.
type Description struct {
	Kind      string        `json:"kind"`
	Slope     float64       `json:"slope,omitempty"`
	Intercept float64       `json:"intercept,omitempty"`
	X         []float64     `json:"x,omitempty"`
	Y         []float64     `json:"y,omitempty"`
	Bounds    []float64     `json:"bounds,omitempty"`
	Regions   []Description `json:"regions,omitempty"`
}

// Describe returns the serialisable description of m.
func Describe(m Model) Description {
	switch v := m.(type) {
	case Identity:
		return Description{Kind: "identity"}
	case Linear:
		return Description{Kind: "linear", Slope: v.Slope, Intercept: v.Intercept}
	case *Interpolated:
		return Description{Kind: "interpolated", X: v.X, Y: v.Y}
	case *Grid:
		d := Description{Kind: "grid", Bounds: v.Bounds}
		for _, r := range v.Models {
			d.Regions = append(d.Regions, Describe(r))
		}
		return d
	}
	panic(fmt.Sprintf("transform: can't describe %T", m))
}

// Model rebuilds the model from its description.
func (d Description) Model() (Model, error) {
	switch d.Kind {
	case "identity", "":
		return Identity{}, nil
	case "linear":
		return Linear{Slope: d.Slope, Intercept: d.Intercept}, nil
	case "interpolated":
		if len(d.X) != len(d.Y) {
			return nil, fmt.Errorf("interpolated model with %d x and %d y values", len(d.X), len(d.Y))
		}
		return &Interpolated{X: d.X, Y: d.Y}, nil
	case "grid":
		if len(d.Regions) != len(d.Bounds)+1 {
			return nil, fmt.Errorf("grid with %d bounds and %d regions", len(d.Bounds), len(d.Regions))
		}
		g := &Grid{Bounds: d.Bounds}
		for _, r := range d.Regions {
			m, err := r.Model()
			if err != nil {
				return nil, err
			}
			g.Models = append(g.Models, m)
		}
		return g, nil
	}
	return nil, fmt.Errorf("%w: %q", ErrUnknownModel, d.Kind)
}
