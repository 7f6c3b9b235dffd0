package feature

import (
	"errors"
	"fmt"
	"strings"
)

// ErrUnknownPolicy is returned when a merge policy name can't be parsed
var ErrUnknownPolicy = errors.New("unknown merge policy")

// MergePolicy decides whether two points with possibly different charge or
// adduct annotations may be grouped together.
type MergePolicy int

// Merge policies. Unknown means charge 0 or an empty adduct.
const (
	// Identical requires equal values; two unknowns are equal.
	Identical MergePolicy = iota
	// CompatibleWithUnknown accepts equal values or an unknown on either side.
	CompatibleWithUnknown
	// Any accepts every combination.
	Any
)

var policyNames = []string{"identical", "with_unknown", "any"}

// ParseMergePolicy converts a policy name to a MergePolicy.
func ParseMergePolicy(s string) (MergePolicy, error) {
	s = strings.ToLower(strings.TrimSpace(s))
	switch s {
	case "compatible_with_unknown", "with_charge_zero", "with_unknown_adducts":
		return CompatibleWithUnknown, nil
	}
	for i, n := range policyNames {
		if s == n {
			return MergePolicy(i), nil
		}
	}
	return Identical, fmt.Errorf("%w: %q", ErrUnknownPolicy, s)
}

func (p MergePolicy) String() string {
	if p < 0 || int(p) >= len(policyNames) {
		return fmt.Sprintf("MergePolicy(%d)", int(p))
	}
	return policyNames[p]
}

// MarshalText implements encoding.TextMarshaler.
func (p MergePolicy) MarshalText() ([]byte, error) {
	return []byte(p.String()), nil
}

// UnmarshalText implements encoding.TextUnmarshaler.
func (p *MergePolicy) UnmarshalText(b []byte) error {
	v, err := ParseMergePolicy(string(b))
	if err != nil {
		return err
	}
	*p = v
	return nil
}

// ChargeCompatible applies the policy to two charge states.
func ChargeCompatible(a, b int, p MergePolicy) bool {
	switch p {
	case Any:
		return true
	case CompatibleWithUnknown:
		return a == b || a == 0 || b == 0
	}
	return a == b
}

// AdductCompatible applies the policy to two canonical adduct formulas.
func AdductCompatible(a, b string, p MergePolicy) bool {
	switch p {
	case Any:
		return true
	case CompatibleWithUnknown:
		return a == b || a == "" || b == ""
	}
	return a == b
}

// ChargeAccepts reports whether a candidate with charge cand may join a
// cluster centred on a point with charge center. Unlike ChargeCompatible it
// is directional: under CompatibleWithUnknown the candidate must carry the
// center's charge or none, so an uncharged center only takes uncharged
// candidates and no cluster ends up holding two different known charges.
func ChargeAccepts(center, cand int, p MergePolicy) bool {
	switch p {
	case Any:
		return true
	case CompatibleWithUnknown:
		return cand == center || cand == 0
	}
	return cand == center
}

// AdductAccepts is the directional adduct counterpart of ChargeAccepts.
func AdductAccepts(center, cand string, p MergePolicy) bool {
	switch p {
	case Any:
		return true
	case CompatibleWithUnknown:
		return cand == center || cand == ""
	}
	return cand == center
}
