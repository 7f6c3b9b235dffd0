package feature

import (
	"errors"
	"fmt"
	"math"
	"strings"
)

// ErrUnknownUnit is returned when an m/z unit name can't be parsed
var ErrUnknownUnit = errors.New("unknown m/z unit")

// MzUnit selects how m/z tolerances are interpreted.
type MzUnit int

// Supported m/z units
const (
	PPM MzUnit = iota
	Da
)

// ParseMzUnit converts "ppm" or "Da" (case insensitive) to an MzUnit.
func ParseMzUnit(s string) (MzUnit, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "ppm":
		return PPM, nil
	case "da", "th":
		return Da, nil
	}
	return PPM, fmt.Errorf("%w: %q", ErrUnknownUnit, s)
}

func (u MzUnit) String() string {
	if u == Da {
		return "Da"
	}
	return "ppm"
}

// MarshalText implements encoding.TextMarshaler.
func (u MzUnit) MarshalText() ([]byte, error) {
	return []byte(u.String()), nil
}

// UnmarshalText implements encoding.TextUnmarshaler.
func (u *MzUnit) UnmarshalText(b []byte) error {
	v, err := ParseMzUnit(string(b))
	if err != nil {
		return err
	}
	*u = v
	return nil
}

// MzCoord maps an m/z value onto the axis on which tolerances are constant.
// For ppm this is ln(mz)*1e6, so the distance between two coordinates is
// the symmetric ppm difference |ln(a/b)|*1e6. For Da it is m/z itself.
func MzCoord(mz float64, u MzUnit) float64 {
	if u == Da {
		return mz
	}
	if mz <= 0 {
		return math.Inf(-1)
	}
	return math.Log(mz) * 1e6
}

// MzDistance returns the distance between two m/z values in the given unit.
// The ppm distance is symmetric in its arguments.
func MzDistance(a, b float64, u MzUnit) float64 {
	if u == Da {
		return math.Abs(a - b)
	}
	return math.Abs(MzCoord(a, u) - MzCoord(b, u))
}

// Tolerance is a box in (RT, m/z) space.
type Tolerance struct {
	RT   float64
	Mz   float64
	Unit MzUnit
}

// Within reports whether b lies within the tolerance box around a,
// comparing a's RT with the given RT of b. Boundaries are inclusive.
func (t Tolerance) Within(rtA, mzA, rtB, mzB float64) bool {
	return math.Abs(rtA-rtB) <= t.RT && MzDistance(mzA, mzB, t.Unit) <= t.Mz
}

// Normalized returns the Euclidean distance between two positions after
// scaling each axis by its tolerance. Points inside the box have a distance
// of at most sqrt(2).
func (t Tolerance) Normalized(rtA, mzA, rtB, mzB float64) float64 {
	drt := (rtA - rtB) / t.RT
	dmz := MzDistance(mzA, mzB, t.Unit) / t.Mz
	return math.Hypot(drt, dmz)
}
