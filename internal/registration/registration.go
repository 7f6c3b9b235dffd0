// Package registration estimates the coarse retention time transformation
// between two maps by pose clustering, and collects the anchor pairs that
// support it.
package registration

import (
	"errors"
	"fmt"
	"strings"

	"github.com/524D/mzalign/internal/feature"
	"github.com/524D/mzalign/internal/transform"
)

// ErrUnknownKind is returned for an unsupported registration kind
var ErrUnknownKind = errors.New("unknown registration kind")

// Kind selects the pose clustering variant.
type Kind int

// Registration variants
const (
	// PoseAffine estimates scaling and shift from pairs of pairs
	PoseAffine Kind = iota
	// PoseShift only estimates a shift
	PoseShift
)

var kindNames = []string{"pose_affine", "pose_shift"}

// ParseKind converts a registration kind name to a Kind.
func ParseKind(s string) (Kind, error) {
	s = strings.ToLower(strings.TrimSpace(s))
	for i, n := range kindNames {
		if s == n {
			return Kind(i), nil
		}
	}
	return PoseAffine, fmt.Errorf("%w: %q", ErrUnknownKind, s)
}

func (k Kind) String() string {
	if k < 0 || int(k) >= len(kindNames) {
		return fmt.Sprintf("Kind(%d)", int(k))
	}
	return kindNames[k]
}

// MarshalText implements encoding.TextMarshaler.
func (k Kind) MarshalText() ([]byte, error) { return []byte(k.String()), nil }

// UnmarshalText implements encoding.TextUnmarshaler.
func (k *Kind) UnmarshalText(b []byte) error {
	v, err := ParseKind(string(b))
	if err != nil {
		return err
	}
	*k = v
	return nil
}

// Params holds the tuning parameters of the pose clustering.
type Params struct {
	MzPairMaxDistance      float64 // Da; m/z window for corresponding points
	RTPairDistanceFraction float64 // minimal RT distance of a pair, as fraction of the RT range
	NumUsedPoints          int     // most intense points used for hashing, -1 = all
	ScalingBucketSize      float64 // bucket size of the log(scaling) histogram
	ShiftBucketSize        float64 // bucket size of the shift histograms, in seconds
	MaxShift               float64
	MaxScaling             float64

	// Anchors are collected after applying the coarse transformation
	AnchorRTTol  float64
	AnchorMzTol  float64
	Unit         feature.MzUnit
	ChargePolicy feature.MergePolicy
}

// DefaultParams returns the default pose clustering parameters.
func DefaultParams() Params {
	return Params{
		MzPairMaxDistance:      0.5,
		RTPairDistanceFraction: 0.1,
		NumUsedPoints:          2000,
		ScalingBucketSize:      0.005,
		ShiftBucketSize:        3.0,
		MaxShift:               1000,
		MaxScaling:             2.0,
		AnchorRTTol:            100,
		AnchorMzTol:            5,
		Unit:                   feature.PPM,
		ChargePolicy:           feature.CompatibleWithUnknown,
	}
}

// Status tells how reliable a registration is.
type Status int

// Registration outcomes
const (
	// OK means the transformation was refined from at least three anchors.
	OK Status = iota
	// Degraded means too few anchors for a refinement; the coarse
	// transformation is used.
	Degraded
	// Failed means no anchors were found; the transformation is the identity.
	Failed
)

func (s Status) String() string {
	switch s {
	case OK:
		return "ok"
	case Degraded:
		return "degraded"
	}
	return "failed"
}

// Result of a registration of a scene onto a model.
type Result struct {
	// Coarse is the pose clustering estimate, scene RT -> model RT.
	Coarse transform.Linear
	// Transform is the best estimate: the least squares refinement over the
	// anchors, the coarse estimate, or the identity.
	Transform transform.Model
	Anchors   []feature.AnchorPair
	Status    Status
	Message   string
}

// Registrar registers a scene point set onto a model point set. Neither
// input is modified. Results are deterministic for identical input order.
type Registrar interface {
	Register(model, scene []feature.Point) Result
}

// New returns the registrar for the given kind.
func New(kind Kind, p Params) (Registrar, error) {
	switch kind {
	case PoseAffine:
		return &affine{p: p}, nil
	case PoseShift:
		return &shiftOnly{p: p}, nil
	}
	return nil, fmt.Errorf("%w: %v", ErrUnknownKind, kind)
}

// finish collects anchors under the coarse estimate and refines it.
func finish(model, scene []feature.Point, coarse transform.Linear, found bool, msg string, p Params) Result {
	res := Result{Coarse: coarse, Message: msg}
	base := transform.Model(coarse)
	if !found {
		base = transform.Identity{}
		res.Coarse = transform.Linear{Slope: 1}
	}
	res.Anchors = collectAnchors(model, scene, base, p)
	switch {
	case len(res.Anchors) == 0:
		res.Status = Failed
		res.Transform = transform.Identity{}
		if res.Message == "" {
			res.Message = "no anchor pairs found"
		}
	case len(res.Anchors) < minRefineAnchors:
		res.Status = Degraded
		res.Transform = base
		if res.Message == "" {
			res.Message = fmt.Sprintf("only %d anchor pairs, using coarse transformation", len(res.Anchors))
		}
	default:
		lin, inliers, ok := refine(res.Anchors, res.Coarse)
		if !ok {
			res.Status = Degraded
			res.Transform = base
			res.Message = "anchor refinement did not converge, using coarse transformation"
			break
		}
		res.Transform = lin
		res.Anchors = inliers
		res.Status = OK
		if !found {
			res.Status = Degraded
		}
	}
	return res
}
