package featurexml

import (
	"encoding/xml"
	"fmt"
	"io"
	"strconv"

	"github.com/524D/mzalign/internal/consensus"
)

// MapInfo describes one input map of a consensus map.
type MapInfo struct {
	Name string
	Size int
}

// WriteConsensus writes the entities as a consensusXML file. Element RTs are
// the aligned retention times the entities were grouped at.
func WriteConsensus(writer io.Writer, id string, maps []MapInfo, entities []*consensus.Entity) error {
	if _, err := io.WriteString(writer, `<?xml version="1.0" encoding="UTF-8"?>
`); err != nil {
		return err
	}
	enc := xml.NewEncoder(writer)
	enc.Indent(``, `  `)

	content := consensusContent{Version: "1.7", ID: "cm_" + id}
	content.MapList.Count = len(maps)
	for i, m := range maps {
		content.MapList.Maps = append(content.MapList.Maps, mapRef{ID: i, Name: m.Name, Size: m.Size})
	}
	content.Elements.Elements = make([]consensusElement, 0, len(entities))
	for i, e := range entities {
		ce := consensusElement{
			ID:       fmt.Sprintf("e_%d", i),
			Quality:  e.Quality(),
			Charge:   e.Charge(),
			Centroid: centroid{RT: e.RT(), Mz: e.Mz(), It: e.Intensity()},
		}
		if a := e.Adduct(); a != "" {
			ce.UserPar = append(ce.UserPar, userParam{Type: "string", Name: adductParam, Value: a})
		}
		for _, m := range e.Members() {
			id := m.Handle.ID
			if id == "" {
				id = strconv.Itoa(m.Handle.Index)
			}
			ce.Grouped = append(ce.Grouped, element{
				Map:    m.Map,
				ID:     id,
				RT:     m.WarpedRT,
				Mz:     m.Mz,
				It:     m.Intensity,
				Charge: m.Charge,
			})
		}
		content.Elements.Elements = append(content.Elements.Elements, ce)
	}
	if err := enc.Encode(&content); err != nil {
		return err
	}
	_, err := io.WriteString(writer, "\n")
	return err
}
