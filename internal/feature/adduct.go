package feature

import (
	"errors"
	"fmt"
	"sort"
	"strconv"
	"strings"
	"unicode"
)

// ErrInvalidFormula is returned for adduct strings that can't be parsed
var ErrInvalidFormula = errors.New("invalid adduct formula")

// CanonicalFormula converts an adduct annotation to a canonical sum formula,
// so annotations written differently compare equal. Accepted inputs are
// plain formulas with optional signed counts ("Na1H-1", "NH4") and bracket
// notation ("[M+Na-H]+", "[M+NH4]+"). The result lists elements in Hill
// order, each followed by its count; elements with count 0 are dropped.
// An empty input yields an empty formula.
func CanonicalFormula(s string) (string, error) {
	s = strings.TrimSpace(s)
	if s == "" {
		return "", nil
	}
	body := s
	if strings.HasPrefix(body, "[") {
		end := strings.LastIndex(body, "]")
		if end < 0 {
			return "", fmt.Errorf("%w: %q", ErrInvalidFormula, s)
		}
		body = body[1:end]
	}
	// Drop the leading molecule placeholder (M, 2M, ...)
	if i := strings.IndexAny(body, "+-"); i >= 0 {
		head := strings.TrimLeft(body[:i], "0123456789")
		if head == "M" {
			body = body[i:]
		}
	} else if strings.TrimLeft(body, "0123456789") == "M" {
		return "", nil
	}

	counts := make(map[string]int)
	sign := 1
	r := []rune(body)
	for i := 0; i < len(r); {
		c := r[i]
		switch {
		case c == '+':
			sign = 1
			i++
		case c == '-':
			sign = -1
			i++
		case unicode.IsUpper(c):
			j := i + 1
			for j < len(r) && unicode.IsLower(r[j]) {
				j++
			}
			elem := string(r[i:j])
			k := j
			if k < len(r) && r[k] == '-' && k+1 < len(r) && unicode.IsDigit(r[k+1]) {
				k++
			}
			for k < len(r) && unicode.IsDigit(r[k]) {
				k++
			}
			n := 1
			if k > j {
				v, err := strconv.Atoi(string(r[j:k]))
				if err != nil {
					return "", fmt.Errorf("%w: %q", ErrInvalidFormula, s)
				}
				n = v
			}
			counts[elem] += sign * n
			i = k
		case unicode.IsDigit(c):
			// Multiplier in front of a group, e.g. "+2Na"
			j := i
			for j < len(r) && unicode.IsDigit(r[j]) {
				j++
			}
			m, _ := strconv.Atoi(string(r[i:j]))
			k := j
			for k < len(r) && r[k] != '+' && r[k] != '-' {
				k++
			}
			sub, err := CanonicalFormula(string(r[j:k]))
			if err != nil {
				return "", err
			}
			subCounts, _ := parseCanonical(sub)
			for e, n := range subCounts {
				counts[e] += sign * m * n
			}
			i = k
		default:
			return "", fmt.Errorf("%w: %q", ErrInvalidFormula, s)
		}
	}
	return formatHill(counts), nil
}

// parseCanonical reads a formula written by formatHill.
func parseCanonical(f string) (map[string]int, error) {
	counts := make(map[string]int)
	r := []rune(f)
	for i := 0; i < len(r); {
		if !unicode.IsUpper(r[i]) {
			return nil, ErrInvalidFormula
		}
		j := i + 1
		for j < len(r) && unicode.IsLower(r[j]) {
			j++
		}
		k := j
		if k < len(r) && r[k] == '-' {
			k++
		}
		for k < len(r) && unicode.IsDigit(r[k]) {
			k++
		}
		n, err := strconv.Atoi(string(r[j:k]))
		if err != nil {
			return nil, ErrInvalidFormula
		}
		counts[string(r[i:j])] += n
		i = k
	}
	return counts, nil
}

func formatHill(counts map[string]int) string {
	elems := make([]string, 0, len(counts))
	for e, n := range counts {
		if n != 0 {
			elems = append(elems, e)
		}
	}
	hasC := counts["C"] != 0
	rank := func(e string) int {
		if !hasC {
			return 2
		}
		switch e {
		case "C":
			return 0
		case "H":
			return 1
		}
		return 2
	}
	sort.Slice(elems, func(i, j int) bool {
		ri, rj := rank(elems[i]), rank(elems[j])
		if ri != rj {
			return ri < rj
		}
		return elems[i] < elems[j]
	})
	var b strings.Builder
	for _, e := range elems {
		b.WriteString(e)
		b.WriteString(strconv.Itoa(counts[e]))
	}
	return b.String()
}
