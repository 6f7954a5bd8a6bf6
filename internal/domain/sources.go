package domain

import "time"

// LocalRecord is one row from the local-threat reader: a locally-reported
// attacker IP with its own confidence and report metadata, before any
// enrichment or correlation.
type LocalRecord struct {
	IP              string
	Confidence      int
	Categories      []string
	FirstReportedAt time.Time
	LastReportedAt  time.Time
	ReportCount     int
}

// ReputationRecord is the external per-IP reputation fetched from the
// blacklist/reputation service, cached to amortize the daily budget.
type ReputationRecord struct {
	IP             string
	Confidence     int
	Categories     []string
	ReporterCount  int
	LastSeen       time.Time
	Raw            map[string]any
	FetchedAt      time.Time
	FromStaleCache bool
}

// GeoRecord is a cached geolocation result for one IP.
type GeoRecord struct {
	IP           string
	CountryCode  string
	CountryName  string
	City         string
	Lat          float64
	Lon          float64
	ASN          string
	ISP          string
	ProviderName string
	FetchedAt    time.Time
}

// BudgetState tracks the reputation provider's UTC-day request counter.
type BudgetState struct {
	Day          string // UTC date, "2006-01-02"
	RequestsUsed int
	Limit        int
}

// Exhausted reports whether another request would exceed the daily limit.
func (b BudgetState) Exhausted() bool {
	return b.Limit > 0 && b.RequestsUsed >= b.Limit
}
