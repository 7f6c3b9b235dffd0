package mzidentml

import (
	"encoding/xml"
	"fmt"
	"io"
	"math"
	"strconv"

	"github.com/524D/mzalign/internal/feature"
	"golang.org/x/net/html/charset"
)

// Read reads mzIdentML content from io.reader
func Read(reader io.Reader) (MzIdentML, error) {
	var mzIdentML MzIdentML
	d := xml.NewDecoder(reader)
	d.CharsetReader = charset.NewReaderLabel
	err := d.Decode(&mzIdentML.content)
	if err != nil {
		return mzIdentML, err
	}
	mzIdentML.buildPepID2Sequence()
	mzIdentML.buildIdentList()
	return mzIdentML, err
}

func (m *MzIdentML) buildPepID2Sequence() {
	m.seqID2PepIdx = make(map[string]int, len(m.content.Peptide))
	for i, p := range m.content.Peptide {
		m.seqID2PepIdx[p.ID] = i
	}
}

func (m *MzIdentML) buildIdentList() {
	for i := range m.content.SpectrumIdentificationResult {
		for j := range m.content.SpectrumIdentificationResult[i].SpectrumIdentificationItem {
			m.identList = append(m.identList, identRef{specIDIdx: i, specResultIdx: j})
		}
	}
}

// NumIdents returns the total number of identifications in the mzIdentML file
// Note that for some spectra, multiple identifications may be present
// The identifications can be accessed using the Ident() method, which takes
// an index as argument. The index runs from 0 to NumIdents()-1
func (m *MzIdentML) NumIdents() int {
	return len(m.identList)
}

// Retention time CV terms in order of decreasing preference
var rtTerms = map[string]int{
	"MS:1000016": 1, // scan start time
	"MS:1000894": 2, // retention time
	"MS:1000826": 3, // elution time
	"MS:1001114": 4, // retention time (deprecated)
}

// Ident returns a spectrum identification from the mzIdentML file.
// Parameter i is the index of the identification to return. The index runs
// from 0 to NumIdents()-1
func (m *MzIdentML) Ident(i int) (Identification, error) {
	var ident Identification

	if i < 0 || i >= len(m.identList) {
		return ident, ErrInvalidIdentIndex
	}
	result := &m.content.SpectrumIdentificationResult[m.identList[i].specIDIdx]
	item := &result.SpectrumIdentificationItem[m.identList[i].specResultIdx]

	pepIdx, ok := m.seqID2PepIdx[item.PeptideRef]
	if !ok {
		return ident, fmt.Errorf("%w %q", ErrUnknownPeptide, item.PeptideRef)
	}
	pep := &m.content.Peptide[pepIdx]
	ident.PepSeq = pep.PeptideSequence
	ident.PepID = pep.ID
	ident.Charge = item.ChargeState
	ident.Mz = item.ExperimentalMassToCharge
	ident.Rank = item.Rank
	ident.PassThreshold = item.PassThreshold
	for _, mod := range pep.Modification {
		ident.ModMass += mod.MonoisotopicMassDelta
	}
	ident.SpecID = result.SpectrumID
	ident.RetentionTime = -1
	prio := math.MaxInt32
	for _, cv := range result.CvPar {
		p, ok := rtTerms[cv.Accession]
		if !ok || p >= prio {
			continue
		}
		prio = p
		retentionTime, err := strconv.ParseFloat(cv.Value, 64)
		if err != nil {
			return ident, err
		}
		// Check if the retention time is in minutes, otherwise assume it's seconds
		if cv.UnitAccession == "UO:0000031" || cv.UnitAccession == "MS:1000038" {
			retentionTime *= 60
		}
		ident.RetentionTime = retentionTime
	}
	return ident, nil
}

// PointMap returns the best ranked identification of every spectrum that
// passed the threshold as a point at the experimental m/z. Identifications
// without retention time are skipped. The intensity is unknown (0).
func (m *MzIdentML) PointMap() (feature.Map, error) {
	var fm feature.Map
	best := make(map[string]Identification)
	var order []string
	for i := 0; i < m.NumIdents(); i++ {
		ident, err := m.Ident(i)
		if err != nil {
			return fm, err
		}
		if !ident.PassThreshold || ident.RetentionTime < 0 || ident.Mz <= 0 {
			continue
		}
		prev, ok := best[ident.SpecID]
		if !ok {
			order = append(order, ident.SpecID)
		}
		if !ok || ident.Rank < prev.Rank {
			best[ident.SpecID] = ident
		}
	}
	for _, id := range order {
		ident := best[id]
		fm.Points = append(fm.Points, feature.Point{
			RT:      ident.RetentionTime,
			Mz:      ident.Mz,
			Charge:  ident.Charge,
			Quality: 1,
			Handle:  feature.Handle{Index: len(fm.Points), ID: ident.SpecID + ":" + ident.PepSeq},
		})
	}
	return fm, nil
}
