package registration

import (
	"math"
	"sort"

	"gonum.org/v1/gonum/floats"
	"gonum.org/v1/gonum/stat"
)

// Tuning constants of the histogram filtering
const (
	tophatLength         = 21  // buckets in the structuring element
	crossingSlope        = 3.0 // separates noise level from enriched buckets
	cutoffStdDevMultiple = 1.5
	centroidLoops        = 3
	winLengthBaseline    = 0.1 // windows with more than 10 points get no weight
)

// histogram accumulates weighted votes. A value is split between the two
// buckets next to it, proportional to its distance to each.
type histogram struct {
	scale  float64
	offset float64
	data   []float64
}

// newHistogram returns a histogram with 2*half+1 buckets of width scale,
// bucket half sitting at center.
func newHistogram(scale float64, half int, center float64) *histogram {
	return &histogram{
		scale:  scale,
		offset: center - float64(half)*scale,
		data:   make([]float64, 2*half+1),
	}
}

func (h *histogram) key2index(key float64) float64 { return (key - h.offset) / h.scale }
func (h *histogram) index2key(idx float64) float64 { return idx*h.scale + h.offset }

func (h *histogram) add(key, weight float64) {
	pos := h.key2index(key)
	if math.IsNaN(pos) || math.IsInf(pos, 0) {
		return
	}
	lo := math.Floor(pos)
	frac := pos - lo
	i := int(lo)
	if i >= 0 && i < len(h.data) {
		h.data[i] += (1 - frac) * weight
	}
	if i+1 >= 0 && i+1 < len(h.data) {
		h.data[i+1] += frac * weight
	}
}

func (h *histogram) total() float64 { return floats.Sum(h.data) }

// tophat removes the baseline: the morphological opening (erosion followed
// by dilation) is subtracted from the data.
func (h *histogram) tophat(length int) {
	half := length / 2
	n := len(h.data)
	eroded := make([]float64, n)
	for i := range h.data {
		lo, hi := max(0, i-half), min(n, i+half+1)
		eroded[i] = floats.Min(h.data[lo:hi])
	}
	for i := range h.data {
		lo, hi := max(0, i-half), min(n, i+half+1)
		h.data[i] -= floats.Max(eroded[lo:hi])
		if h.data[i] < 0 {
			h.data[i] = 0
		}
	}
}

// cutoff zeroes buckets below the noise level. Buckets are sorted by height
// and the noise level is where the sorted curve first drops below a line
// from the highest bucket with slope (min-max)/n/crossingSlope.
func (h *histogram) cutoff() {
	n := len(h.data)
	if n < 2 {
		return
	}
	buf := append([]float64(nil), h.data...)
	sort.Sort(sort.Reverse(sort.Float64Slice(buf)))
	intercept := buf[0]
	slope := (buf[n-1] - buf[0]) / float64(n) / crossingSlope
	if slope == 0 {
		return
	}
	idx := 1
	for idx < n && buf[idx] >= intercept+slope*float64(idx) {
		idx++
	}
	freqCutoff := buf[idx-1]
	for i, v := range h.data {
		if v < freqCutoff {
			h.data[i] = 0
		}
	}
}

// centroid iteratively narrows the bucket range to mean ± 1.5 stdev and
// returns the mean and standard deviation in key units. ok is false for an
// empty histogram.
func (h *histogram) centroid() (mean, stdDev float64, ok bool) {
	n := len(h.data)
	begin, end := 0, n
	idx := make([]float64, n)
	for i := range idx {
		idx[i] = float64(i)
	}
	var m, sd float64
	for loop := 0; loop < centroidLoops; loop++ {
		if floats.Sum(h.data[begin:end]) <= 0 {
			if loop == 0 {
				return 0, 0, false
			}
			break
		}
		m, sd = stat.PopMeanStdDev(idx[begin:end], h.data[begin:end])
		begin = int(math.Floor(math.Max(m-cutoffStdDevMultiple*sd, 0)))
		end = int(math.Ceil(math.Min(m+cutoffStdDevMultiple*sd+1, float64(n))))
	}
	return h.index2key(m), sd * h.scale, true
}

// peak filters the histogram and returns its centroid.
func (h *histogram) peak() (mean, stdDev float64, ok bool) {
	h.tophat(tophatLength)
	h.cutoff()
	return h.centroid()
}

// similarity of two intensities in [0,1]. Unknown intensities match
// everything.
func similarity(a, b float64) float64 {
	if a <= 0 || b <= 0 {
		return 1
	}
	if a < b {
		return a / b
	}
	return b / a
}
