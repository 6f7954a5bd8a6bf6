// Package localreader projects the externally-owned table of
// locally-reported attacker IPs into domain.LocalRecord. It never
// writes to that table: migrations, seeding and schema changes belong
// to whatever system owns the data.
package localreader

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"
	"time"

	"gorm.io/gorm"

	"ioctaxii/internal/domain"
)

// ErrTransient wraps connection-level failures that a caller may retry.
var ErrTransient = errors.New("localreader: transient failure")

// ErrFatal wraps failures that indicate the table no longer matches the
// shape this reader expects (e.g. a renamed or missing column).
var ErrFatal = errors.New("localreader: fatal failure")

// reportedIP is the gorm projection of the externally-owned table. The
// table name and column set are intentionally narrow: this reader only
// ever selects from it, never migrates or writes it.
type reportedIP struct {
	IP              string `gorm:"column:ip"`
	Confidence      int    `gorm:"column:confidence"`
	Categories      string `gorm:"column:categories"`
	ReportCount     int    `gorm:"column:report_count"`
	FirstReportedAt int64  `gorm:"column:first_reported_at"`
	LastReportedAt  int64  `gorm:"column:last_reported_at"`
}

// TableName pins the gorm query to the externally-owned table instead
// of gorm's pluralized-struct-name guess.
func (reportedIP) TableName() string {
	return "reported_ips"
}

// Reader is a read-only gorm-backed Local-Threat Reader.
type Reader struct {
	db *gorm.DB
}

// New wraps an already-configured *gorm.DB. The caller owns the
// connection lifecycle (see internal/database).
func New(db *gorm.DB) *Reader {
	return &Reader{db: db}
}

// FetchAll returns every locally-reported IP, deduplicated by ip: the
// row with the most recent last_reported_at wins, ties broken by the
// higher confidence. Ordering within the result is last-reported-first.
func (r *Reader) FetchAll(ctx context.Context) ([]domain.LocalRecord, error) {
	var rows []reportedIP
	err := r.db.WithContext(ctx).
		Order("last_reported_at DESC").
		Find(&rows).Error
	if err != nil {
		return nil, classify(err)
	}

	deduped := dedupe(rows)
	out := make([]domain.LocalRecord, 0, len(deduped))
	for _, row := range deduped {
		out = append(out, toLocalRecord(row))
	}
	return out, nil
}

// dedupe collapses rows to one per ip: the row with the most recent
// last_reported_at wins, ties broken by the higher confidence. The
// result is ordered last-reported-first.
func dedupe(rows []reportedIP) []reportedIP {
	best := make(map[string]reportedIP, len(rows))
	for _, row := range rows {
		existing, ok := best[row.IP]
		if !ok {
			best[row.IP] = row
			continue
		}
		if row.LastReportedAt > existing.LastReportedAt {
			best[row.IP] = row
			continue
		}
		if row.LastReportedAt == existing.LastReportedAt && row.Confidence > existing.Confidence {
			best[row.IP] = row
		}
	}

	out := make([]reportedIP, 0, len(best))
	for _, row := range best {
		out = append(out, row)
	}
	sort.Slice(out, func(i, j int) bool {
		return out[i].LastReportedAt > out[j].LastReportedAt
	})
	return out
}

func toLocalRecord(row reportedIP) domain.LocalRecord {
	var categories []string
	for _, c := range strings.Split(row.Categories, ",") {
		c = strings.TrimSpace(c)
		if c != "" {
			categories = append(categories, c)
		}
	}
	return domain.LocalRecord{
		IP:              row.IP,
		Confidence:      row.Confidence,
		Categories:      categories,
		FirstReportedAt: unixToTime(row.FirstReportedAt),
		LastReportedAt:  unixToTime(row.LastReportedAt),
		ReportCount:     row.ReportCount,
	}
}

func unixToTime(sec int64) time.Time {
	if sec == 0 {
		return time.Time{}
	}
	return time.Unix(sec, 0).UTC()
}

// classify maps a gorm/driver error onto the TRANSIENT/FATAL taxonomy
// spec.md §4.1 requires: a missing or renamed column surfaces as FATAL,
// everything else (connection refused, timeout, context canceled) as
// TRANSIENT.
func classify(err error) error {
	if err == nil {
		return nil
	}
	msg := strings.ToLower(err.Error())
	if strings.Contains(msg, "column") || strings.Contains(msg, "relation") || strings.Contains(msg, "does not exist") {
		return fmt.Errorf("%w: %v", ErrFatal, err)
	}
	return fmt.Errorf("%w: %v", ErrTransient, err)
}
