package featurexml

import (
	"encoding/xml"
	"fmt"
	"io"

	"github.com/524D/mzalign/internal/feature"
	"golang.org/x/net/html/charset"
)

// Read reads the features of a featureXML file. Subordinate features are
// skipped. The map index of the points is left at 0; the caller sets it.
func Read(reader io.Reader) (feature.Map, error) {
	var m feature.Map
	var content featureMapContent
	found := false

	d := xml.NewDecoder(reader)
	d.CharsetReader = charset.NewReaderLabel
	for {
		t, err := d.Token()
		if err != nil {
			if err == io.EOF {
				break
			}
			return m, err
		}
		if t, ok := t.(xml.StartElement); ok && t.Name.Local == "featureMap" {
			if err := d.DecodeElement(&content, &t); err != nil {
				return m, err
			}
			found = true
			break
		}
	}
	if !found {
		return m, ErrNoFeatures
	}

	m.Points = make([]feature.Point, 0, len(content.Features))
	for i, f := range content.Features {
		p, err := f.point()
		if err != nil {
			return m, fmt.Errorf("%w: feature %d (%s): %v", ErrInvalidFeature, i, f.ID, err)
		}
		p.Handle = feature.Handle{Index: i, ID: f.ID}
		m.Points = append(m.Points, p)
	}
	return m, nil
}

func (f *xmlFeat) point() (feature.Point, error) {
	p := feature.Point{Intensity: f.Intensity, Charge: f.Charge, Quality: 1}
	var haveRT, haveMz bool
	for _, pos := range f.Position {
		switch pos.Dim {
		case 0:
			p.RT, haveRT = pos.Value, true
		case 1:
			p.Mz, haveMz = pos.Value, true
		}
	}
	if !haveRT || !haveMz {
		return p, fmt.Errorf("missing position")
	}
	if f.OverallQuality != nil {
		p.Quality = *f.OverallQuality
	}
	for _, up := range f.UserPar {
		if up.Name != adductParam || up.Value == "" {
			continue
		}
		a, err := feature.CanonicalFormula(up.Value)
		if err != nil {
			return p, err
		}
		p.Adduct = a
	}
	return p, nil
}
