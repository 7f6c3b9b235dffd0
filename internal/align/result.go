package align

import (
	"fmt"
	"sync"

	"github.com/524D/mzalign/internal/consensus"
	"github.com/524D/mzalign/internal/registration"
	"github.com/524D/mzalign/internal/transform"
)

// WarningKind classifies a degraded but recovered condition.
type WarningKind int

// Warning kinds
const (
	WarnFewAnchors WarningKind = iota
	WarnRegistrationFailed
	WarnRegionFallback
	WarnNoDriftData
)

var warningNames = []string{"few anchors", "registration failed", "region fallback", "no drift data"}

func (k WarningKind) String() string {
	if k >= 0 && int(k) < len(warningNames) {
		return warningNames[k]
	}
	return fmt.Sprintf("WarningKind(%d)", int(k))
}

// MarshalText encodes the kind by name.
func (k WarningKind) MarshalText() ([]byte, error) { return []byte(k.String()), nil }

// Warning is a degraded condition that did not stop the run.
type Warning struct {
	Map     int
	Kind    WarningKind
	Message string
}

func (w Warning) String() string {
	return fmt.Sprintf("map %d: %s: %s", w.Map, w.Kind, w.Message)
}

// Result of an alignment run.
type Result struct {
	RunID     string
	Reference int // -1 when all maps were treated symmetrically
	NumMaps   int
	MapNames  []string
	Entities  []*consensus.Entity
	// Transforms maps working RT of every input map to the aligned RT,
	// indexed by map.
	Transforms []transform.Model
	Warnings   []Warning
}

// Event is a diagnostics record emitted during alignment.
type Event interface {
	event()
}

// RegistrationEvent reports the pairwise registration of a map.
type RegistrationEvent struct {
	Map       int
	Reference int
	Result    registration.Result
}

// TransformEvent reports the transform fitted for a map.
type TransformEvent struct {
	Map    int
	Report transform.FitReport
	Model  transform.Model
}

// BucketEvent reports the clustering of one m/z bucket, or of one star
// merge step (Bucket is then the map index).
type BucketEvent struct {
	Bucket   int
	Points   int
	Entities int
}

func (RegistrationEvent) event() {}
func (TransformEvent) event()    {}
func (BucketEvent) event()       {}

// Diagnostics receives events. Calls are serialized.
type Diagnostics func(Event)

// Progress receives advisory progress updates. Calls are serialized.
type Progress func(stage string, done, total int)

// Option configures an aligner.
type Option func(*hooks)

// WithDiagnostics installs a diagnostics callback.
func WithDiagnostics(d Diagnostics) Option {
	return func(h *hooks) { h.diag = d }
}

// WithProgress installs a progress callback.
func WithProgress(p Progress) Option {
	return func(h *hooks) { h.progress = p }
}

type hooks struct {
	mu       sync.Mutex
	diag     Diagnostics
	progress Progress
}

func newHooks(opts []Option) *hooks {
	h := &hooks{}
	for _, o := range opts {
		o(h)
	}
	return h
}

func (h *hooks) emit(e Event) {
	if h.diag == nil {
		return
	}
	h.mu.Lock()
	defer h.mu.Unlock()
	h.diag(e)
}

func (h *hooks) report(stage string, done, total int) {
	if h.progress == nil {
		return
	}
	h.mu.Lock()
	defer h.mu.Unlock()
	h.progress(stage, done, total)
}
