// Package featurexml reads featureXML feature maps and writes consensusXML
// consensus maps.
package featurexml

import (
	"encoding/xml"
	"errors"
)

// The featureXML content that we read. Only the fields needed for
// alignment are parsed.
type featureMapContent struct {
	XMLName  xml.Name  `xml:"featureMap"`
	ID       string    `xml:"id,attr"`
	UniqueID string    `xml:"unique_id,attr"`
	Features []xmlFeat `xml:"featureList>feature"`
}

type xmlFeat struct {
	ID             string      `xml:"id,attr"`
	Position       []position  `xml:"position"`
	Intensity      float64     `xml:"intensity"`
	OverallQuality *float64    `xml:"overallquality"`
	Charge         int         `xml:"charge"`
	UserPar        []userParam `xml:"UserParam"`
}

type position struct {
	Dim   int     `xml:"dim,attr"`
	Value float64 `xml:",chardata"`
}

type userParam struct {
	Type  string `xml:"type,attr,omitempty"`
	Name  string `xml:"name,attr"`
	Value string `xml:"value,attr"`
}

// adductParam holds the adduct formula of a decharged feature
const adductParam = "dc_charge_adducts"

var (
	// ErrNoFeatures means the input has no featureMap element
	ErrNoFeatures = errors.New("featureXML: no featureMap element")
	// ErrInvalidFeature means a feature lacks a position or has a bad adduct
	ErrInvalidFeature = errors.New("featureXML: invalid feature")
)

// consensusXML output
type consensusContent struct {
	XMLName  xml.Name         `xml:"consensusXML"`
	Version  string           `xml:"version,attr"`
	ID       string           `xml:"id,attr"`
	MapList  mapList          `xml:"mapList"`
	Elements consensusElemLst `xml:"consensusElementList"`
}

type mapList struct {
	Count int      `xml:"count,attr"`
	Maps  []mapRef `xml:"map"`
}

type mapRef struct {
	ID       int    `xml:"id,attr"`
	Name     string `xml:"name,attr"`
	UniqueID string `xml:"unique_id,attr,omitempty"`
	Label    string `xml:"label,attr"`
	Size     int    `xml:"size,attr"`
}

type consensusElemLst struct {
	Elements []consensusElement `xml:"consensusElement"`
}

type consensusElement struct {
	ID       string      `xml:"id,attr"`
	Quality  float64     `xml:"quality,attr"`
	Charge   int         `xml:"charge,attr"`
	Centroid centroid    `xml:"centroid"`
	Grouped  []element   `xml:"groupedElementList>element"`
	UserPar  []userParam `xml:"UserParam,omitempty"`
}

type centroid struct {
	RT float64 `xml:"rt,attr"`
	Mz float64 `xml:"mz,attr"`
	It float64 `xml:"it,attr"`
}

type element struct {
	Map    int     `xml:"map,attr"`
	ID     string  `xml:"id,attr"`
	RT     float64 `xml:"rt,attr"`
	Mz     float64 `xml:"mz,attr"`
	It     float64 `xml:"it,attr"`
	Charge int     `xml:"charge,attr"`
}
