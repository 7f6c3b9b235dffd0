package mzml

import (
	"fmt"
	"sort"

	"github.com/524D/mzalign/internal/feature"
)

// PeakMap returns the peaks of all centroided MS1 spectra as points.
// Profile spectra are skipped, since every peak in them spans many points;
// if all MS1 spectra are profile spectra ErrNoCentroidData is returned.
// Peaks below minIntensity are skipped, and of the rest only the topN most
// intense per spectrum are kept (topN <= 0 keeps all). Point IDs are the
// spectrum id followed by the peak number.
func (f *MzML) PeakMap(minIntensity float64, topN int) (feature.Map, error) {
	var m feature.Map
	ms1, profile := 0, 0
	for i := 0; i < f.NumSpecs(); i++ {
		msLevel, err := f.MSLevel(i)
		if err != nil {
			return m, err
		}
		if msLevel != 1 {
			continue
		}
		ms1++
		centroid, err := f.Centroid(i)
		if err != nil {
			return m, err
		}
		if !centroid {
			profile++
			continue
		}
		rt, err := f.RetentionTime(i)
		if err != nil {
			return m, err
		}
		if rt < 0 {
			continue
		}
		peaks, err := f.ReadScan(i)
		if err != nil {
			return m, err
		}
		order := make([]int, 0, len(peaks))
		for j, p := range peaks {
			if p.Intens >= minIntensity && p.Intens > 0 {
				order = append(order, j)
			}
		}
		if topN > 0 && len(order) > topN {
			sort.SliceStable(order, func(a, b int) bool {
				return peaks[order[a]].Intens > peaks[order[b]].Intens
			})
			order = order[:topN]
			sort.Ints(order)
		}
		id, err := f.ScanID(i)
		if err != nil {
			return m, err
		}
		for _, j := range order {
			m.Points = append(m.Points, feature.Point{
				RT:        rt,
				Mz:        peaks[j].Mz,
				Intensity: peaks[j].Intens,
				Quality:   1,
				Handle:    feature.Handle{Index: len(m.Points), ID: fmt.Sprintf("%s#%d", id, j)},
			})
		}
	}
	if ms1 > 0 && profile == ms1 {
		return m, ErrNoCentroidData
	}
	return m, nil
}
