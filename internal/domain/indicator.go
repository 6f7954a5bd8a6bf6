// Package domain holds the data types shared across the enrichment
// pipeline and the sharing-protocol server: the fused Indicator record,
// its per-source inputs, and the wire envelopes it is served in.
package domain

import (
	"fmt"
	"net"
	"sort"
	"strings"
	"time"

	"github.com/google/uuid"
)

// Source identifies which upstream contributed to an Indicator.
type Source string

const (
	SourceLocal    Source = "LOCAL"
	SourceExternal Source = "EXTERNAL"
)

// indicatorNamespace is a fixed UUID namespace so the same IP always
// derives the same indicator id across rebuild cycles and process
// restarts, matching STIX's expectation of stable object identifiers.
var indicatorNamespace = uuid.MustParse("7b1d6e0a-7b9b-4c7a-8c7f-2f7e2a3d9b10")

// Provenance is one contributing source for an Indicator, surfaced on the
// wire as a STIX external_reference.
type Provenance struct {
	SourceName string    `json:"source_name"`
	SourceURL  string    `json:"source_url,omitempty"`
	ObservedAt time.Time `json:"observed_at"`
}

// Geo is the optional geolocation attached to an Indicator.
type Geo struct {
	CountryCode string  `json:"country_code"`
	CountryName string  `json:"country_name"`
	City        string  `json:"city"`
	Lat         float64 `json:"lat"`
	Lon         float64 `json:"lon"`
	ASN         string  `json:"asn,omitempty"`
	ISP         string  `json:"isp,omitempty"`
}

// Indicator is the central, fully-enriched entity produced by one rebuild
// cycle. It is immutable after commit: a rebuild replaces it wholesale,
// never mutates it in place.
type Indicator struct {
	IP                 string       `json:"ip"`
	SourceSet          []Source     `json:"source_set"`
	LocalConfidence    *int         `json:"local_confidence,omitempty"`
	ExternalConfidence *int         `json:"external_confidence,omitempty"`
	FinalConfidence    int          `json:"final_confidence"`
	FirstReportedAt    time.Time    `json:"first_reported_at"`
	LastReportedAt     time.Time    `json:"last_reported_at"`
	Categories         []string     `json:"categories"`
	Geo                *Geo         `json:"geo,omitempty"`
	Provenance         []Provenance `json:"provenance"`
	ProcessedAt        time.Time    `json:"processed_at"`
}

// ID derives a deterministic UUIDv5 for the indicator from its IP,
// used as the protocol object's stable id.
func (i Indicator) ID() string {
	return "indicator--" + uuid.NewSHA1(indicatorNamespace, []byte(i.IP)).String()
}

// Pattern renders the STIX comparison-expression pattern for the
// indicator's IP, choosing the ipv4-addr or ipv6-addr object type.
func (i Indicator) Pattern() string {
	if addr := net.ParseIP(i.IP); addr != nil && addr.To4() == nil {
		return fmt.Sprintf("[ipv6-addr:value = '%s']", i.IP)
	}
	return fmt.Sprintf("[ipv4-addr:value = '%s']", i.IP)
}

// HasSource reports whether s contributed to this indicator.
func (i Indicator) HasSource(s Source) bool {
	for _, got := range i.SourceSet {
		if got == s {
			return true
		}
	}
	return false
}

// categoryLabels maps AbuseIPDB-style numeric category ids to STIX 2.1
// threat labels. Grounded on original_source's correlation.py mapping
// table; a category with no mapping is simply dropped.
var categoryLabels = map[string]string{
	"1":  "malicious-activity",
	"2":  "malicious-activity",
	"3":  "anonymization",
	"4":  "malicious-activity",
	"5":  "anonymization",
	"6":  "malicious-activity",
	"7":  "phishing",
	"8":  "fraud",
	"9":  "anonymization",
	"10": "malicious-activity",
	"11": "malicious-activity",
	"12": "malicious-activity",
	"13": "anonymization",
	"14": "malicious-activity",
	"15": "malicious-activity",
	"16": "malicious-activity",
	"17": "malicious-activity",
	"18": "malicious-activity",
	"19": "malicious-activity",
	"20": "malicious-activity",
	"21": "malicious-activity",
	"22": "malicious-activity",
	"23": "malicious-activity",
}

// MapCategoriesToLabels converts raw category tags into the sorted,
// deduplicated set of STIX labels they imply. Categories with no known
// mapping are ignored; if nothing maps, "malicious-activity" is the
// default label (every indicator in this system is a reported attacker).
func MapCategoriesToLabels(categories []string) []string {
	set := make(map[string]struct{})
	for _, c := range categories {
		if label, ok := categoryLabels[strings.TrimSpace(c)]; ok {
			set[label] = struct{}{}
		}
	}
	if len(set) == 0 {
		return []string{"malicious-activity"}
	}
	labels := make([]string, 0, len(set))
	for label := range set {
		labels = append(labels, label)
	}
	sort.Strings(labels)
	return labels
}
