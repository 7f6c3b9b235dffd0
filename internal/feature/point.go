// Package feature holds the data model shared by the alignment packages:
// points read from LC-MS maps, tolerances and the merge policies that decide
// which points may end up in the same consensus entity.
package feature

// Handle refers back to the record a point was created from.
type Handle struct {
	Map   int    // index of the source map
	Index int    // position of the record in the source map
	ID    string // identifier from the input file, may be empty
}

// Point is a single observation in an LC-MS map. Points are never modified
// after they are read; warped retention times are kept alongside them.
type Point struct {
	RT        float64
	Mz        float64
	Intensity float64
	Map       int
	Charge    int    // 0 means unknown
	Adduct    string // canonical formula, "" means unknown
	Quality   float64
	Handle    Handle
}

// Map is one input map: a list of points read from a single file.
type Map struct {
	Name   string
	Points []Point
}

// SetIndex stamps the map index into every point and its handle, and
// numbers the handles in input order.
func (m *Map) SetIndex(idx int) {
	for i := range m.Points {
		m.Points[i].Map = idx
		m.Points[i].Handle.Map = idx
		m.Points[i].Handle.Index = i
	}
}

// RTRange returns the smallest and largest retention time in the map.
func (m *Map) RTRange() (lo, hi float64) {
	for i, p := range m.Points {
		if i == 0 || p.RT < lo {
			lo = p.RT
		}
		if i == 0 || p.RT > hi {
			hi = p.RT
		}
	}
	return lo, hi
}

// AnchorPair links a point of the model side of a registration to a point of
// the scene side that is believed to be the same analyte.
type AnchorPair struct {
	Model       Handle
	Scene       Handle
	ModelRT     float64
	SceneRT     float64
	ModelMz     float64
	SceneMz     float64
	Quality     float64 // in [0,1], higher is better
	Charge      int
	AdductMatch bool
}
