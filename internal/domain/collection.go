package domain

import "github.com/google/uuid"

// Collection is a named, filtered view over the indicator snapshot.
// Predicate is a pure function over an Indicator; it carries no state and
// is safe to share across goroutines.
type Collection struct {
	ID          string
	Title       string
	Description string
	Predicate   func(Indicator) bool
}

// AllIndicators is the default collection containing every indicator in
// the snapshot, unfiltered.
func AllIndicators() Collection {
	return Collection{
		ID:          "ioc-indicators",
		Title:       "IOC Indicators",
		Description: "IP-based indicators of compromise from local detections and external reputation data",
		Predicate:   func(Indicator) bool { return true },
	}
}

// HighConfidenceIndicators is the default collection restricted to
// indicators whose final_confidence is at least 80.
func HighConfidenceIndicators() Collection {
	return Collection{
		ID:          "high-confidence-iocs",
		Title:       "High Confidence IOCs",
		Description: "High confidence IOCs (>= 80% confidence score)",
		Predicate:   func(i Indicator) bool { return i.FinalConfidence >= 80 },
	}
}

// DefaultCollections returns the two statically-defined collections this
// server exposes.
func DefaultCollections() []Collection {
	return []Collection{AllIndicators(), HighConfidenceIndicators()}
}

// Apply returns the subset of indicators matching the collection's
// predicate, preserving order.
func (c Collection) Apply(indicators []Indicator) []Indicator {
	out := make([]Indicator, 0, len(indicators))
	for _, ind := range indicators {
		if c.Predicate(ind) {
			out = append(out, ind)
		}
	}
	return out
}

// Bundle is the STIX-shaped serialization envelope carrying a list of
// indicator wire objects.
type Bundle struct {
	Type       string `json:"type"`
	ID         string `json:"id"`
	SpecVersion string `json:"spec_version"`
	Objects    []any  `json:"objects"`
}

// NewBundle wraps objects (already-serialized indicator shapes) in a STIX
// bundle envelope with a fresh bundle id.
func NewBundle(objects []any) Bundle {
	return Bundle{
		Type:        "bundle",
		ID:          "bundle--" + newBundleUUID(),
		SpecVersion: "2.1",
		Objects:     objects,
	}
}

// Envelope is the outer TAXII 2.1 transport wrapper around any paginated
// payload: {more, next?, data}.
type Envelope struct {
	More bool   `json:"more"`
	Next string `json:"next,omitempty"`
	Data any    `json:"data"`
}

func newBundleUUID() string {
	return uuid.New().String()
}
