package spatial

import (
	"sort"

	"github.com/524D/mzalign/internal/feature"
)

// Partition splits points into at most n groups of contiguous m/z ranges.
// Boundaries are only placed where the m/z gap between neighbouring points
// exceeds gap, so no two points within gap of each other end up in
// different groups. Groups hold point indices in ascending order; groups are
// ordered by m/z. Fewer than n groups are returned when the data has too few
// suitable gaps.
func Partition(points []feature.Point, n int, gap float64, unit feature.MzUnit) [][]int {
	if len(points) == 0 {
		return nil
	}
	order := make([]int, len(points))
	for i := range order {
		order[i] = i
	}
	sort.SliceStable(order, func(a, b int) bool {
		return points[order[a]].Mz < points[order[b]].Mz
	})
	if n < 1 {
		n = 1
	}
	target := (len(points) + n - 1) / n

	var parts [][]int
	start := 0
	for i := 0; i < len(order)-1; i++ {
		if i+1-start < target || len(parts) == n-1 {
			continue
		}
		d := feature.MzDistance(points[order[i]].Mz, points[order[i+1]].Mz, unit)
		if d > gap {
			parts = append(parts, sortedCopy(order[start:i+1]))
			start = i + 1
		}
	}
	parts = append(parts, sortedCopy(order[start:]))
	return parts
}

func sortedCopy(s []int) []int {
	c := make([]int, len(s))
	copy(c, s)
	sort.Ints(c)
	return c
}
