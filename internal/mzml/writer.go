package mzml

import (
	"encoding/xml"
	"io"
	"strconv"

	"github.com/524D/mzalign/internal/transform"
)

// Write writes the mzML content. The index of an indexedmzML input is not
// written, since the offsets change.
func (f *MzML) Write(writer io.Writer) error {
	if _, err := io.WriteString(writer, `<?xml version="1.0" encoding="utf-8"?>
`); err != nil {
		return err
	}
	enc := xml.NewEncoder(writer)
	enc.Indent(` `, `  `)
	var content mzMLContentWrite

	content.XMLName = f.content.XMLName
	content.Sl1 = "http://psi.hupo.org/ms/mzml http://psidev.info/files/ms/mzML/xsd/mzML1.1.0.xsd"
	content.Version = "1.1.0"
	content.Sl2 = "http://www.w3.org/2001/XMLSchema-instance"
	content.CvList = f.content.CvList
	content.FileDescription = f.content.FileDescription
	content.ReferenceableParamGroupList = f.content.ReferenceableParamGroupList
	content.SoftwareList = f.content.SoftwareList
	content.InstrumentConfigurationList = f.content.InstrumentConfigurationList
	content.DataProcessingList = f.content.DataProcessingList
	content.Run = f.content.Run

	return enc.Encode(&content)
}

// AppendSoftwareInfo adds info to the SoftwareList tag of the mzML file
func (f *MzML) AppendSoftwareInfo(id string, version string) {
	if f.content.SoftwareList == nil {
		f.content.SoftwareList = &softwareList{}
	}
	f.content.SoftwareList.Count++
	f.content.SoftwareList.Software = append(f.content.SoftwareList.Software,
		software{ID: id, Version: version})
}

// AppendDataProcessing adds info to the DataProcessing tag of the mzML file
func (f *MzML) AppendDataProcessing(proc DataProcessing) {
	if f.content.DataProcessingList == nil {
		f.content.DataProcessingList = &dataProcessingList{}
	}
	f.content.DataProcessingList.Count++
	f.content.DataProcessingList.DataProcessing = append(f.content.DataProcessingList.DataProcessing, proc)
}

// AlignmentProcessing returns the data processing entry that records a
// retention time alignment by the given software.
func AlignmentProcessing(id, softwareRef string) DataProcessing {
	return DataProcessing{
		ID: id,
		ProcessingMeth: []ProcessingMethod{{
			Count:       0,
			SoftwareRef: softwareRef,
			CvPar: []CVParam{{
				Accession: "MS:1000745",
				Name:      "retention time alignment",
			}},
		}},
	}
}

// SetRetentionTime sets the scan start time of a spectrum, in seconds. The
// unit of the file is kept.
func (f *MzML) SetRetentionTime(scanIndex int, rt float64) error {
	if scanIndex < 0 || scanIndex >= f.NumSpecs() {
		return ErrInvalidScanIndex
	}
	cv := f.scanStartTime(scanIndex)
	if cv == nil {
		return nil
	}
	inMinutes, err := minutes(cv)
	if err != nil {
		return err
	}
	if inMinutes {
		rt /= 60
	}
	cv.Value = strconv.FormatFloat(rt, 'f', -1, 64)
	return nil
}

// Dewarp maps the retention time of every spectrum through t.
func (f *MzML) Dewarp(t transform.Model) error {
	for i := 0; i < f.NumSpecs(); i++ {
		rt, err := f.RetentionTime(i)
		if err != nil {
			return err
		}
		if rt < 0 {
			continue
		}
		if err := f.SetRetentionTime(i, t.Apply(rt)); err != nil {
			return err
		}
	}
	return nil
}
