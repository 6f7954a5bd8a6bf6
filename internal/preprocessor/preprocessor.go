// Package preprocessor orchestrates the rebuild cycle: fetch local and
// external records, correlate and geo-enrich them in batches, and
// atomically commit the resulting snapshot to the cache. It is the one
// writer of the snapshot keys; the protocol server only ever reads them.
package preprocessor

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/charmbracelet/log"
	"golang.org/x/sync/singleflight"

	"ioctaxii/internal/cache"
	"ioctaxii/internal/correlate"
	"ioctaxii/internal/domain"
	"ioctaxii/internal/reputation"
)

const (
	SnapshotKey             = "preprocessed_iocs"
	HighConfidenceKey       = "high_confidence_iocs"
	reputationMinConfidence = 50
	highConfidenceFloor     = 80
)

// LocalReader is the subset of internal/localreader's Reader this
// package depends on.
type LocalReader interface {
	FetchAll(ctx context.Context) ([]domain.LocalRecord, error)
}

// ReputationSource is the subset of internal/reputation's Client this
// package depends on.
type ReputationSource interface {
	GetBlacklist(ctx context.Context, minConfidence int) ([]domain.ReputationRecord, error)
}

// GeoSource is the subset of internal/geo's Enricher this package
// depends on.
type GeoSource interface {
	Enrich(ctx context.Context, ip string) (domain.GeoRecord, bool, error)
}

// Stats is the outcome of the most recent rebuild cycle, surfaced by
// internal/health.
type Stats struct {
	StartedAt       time.Time
	FinishedAt      time.Time
	IndicatorCount  int
	HighConfidence  int
	GeoSuccessRatio float64
	BudgetExhausted bool
	Err             error
}

// Options configures a rebuild cycle.
type Options struct {
	Interval  time.Duration
	BatchSize int
	Correlate correlate.Options
}

// Preprocessor runs rebuild cycles on a schedule and on demand,
// coalescing concurrent on-demand triggers into whichever cycle is
// already in flight (O2).
type Preprocessor struct {
	reader LocalReader
	rep    ReputationSource
	geo    GeoSource
	cache  cache.Cache
	opts   Options

	group singleflight.Group

	statsMu sync.RWMutex
	stats   Stats

	running atomic.Bool
}

// New builds a Preprocessor from its three upstream sources and the
// cache it commits snapshots to.
func New(reader LocalReader, rep ReputationSource, geoSource GeoSource, c cache.Cache, opts Options) *Preprocessor {
	if opts.BatchSize <= 0 {
		opts.BatchSize = 100
	}
	return &Preprocessor{reader: reader, rep: rep, geo: geoSource, cache: c, opts: opts}
}

// Stats returns a copy of the most recent rebuild's outcome.
func (p *Preprocessor) Stats() Stats {
	p.statsMu.RLock()
	defer p.statsMu.RUnlock()
	return p.stats
}

// Run drives the periodic rebuild loop until ctx is cancelled. Callers
// typically wrap this in support.RunWithLeader so only one instance in
// a multi-process deployment drives rebuilds.
func (p *Preprocessor) Run(ctx context.Context, runAtStartup bool) {
	if runAtStartup {
		if err := p.TriggerRebuild(ctx); err != nil {
			log.Error("preprocessor: startup rebuild failed", "error", err)
		}
	}

	ticker := time.NewTicker(p.opts.Interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := p.TriggerRebuild(ctx); err != nil {
				log.Error("preprocessor: scheduled rebuild failed", "error", err)
			}
		}
	}
}

// TriggerRebuild runs a rebuild cycle, or waits for and returns the
// result of one already in flight: concurrent triggers coalesce into a
// single cycle per O2.
func (p *Preprocessor) TriggerRebuild(ctx context.Context) error {
	_, err, _ := p.group.Do("rebuild", func() (any, error) {
		return nil, p.runCycle(ctx)
	})
	return err
}

// runCycle is the algorithm of spec.md §4.5.
func (p *Preprocessor) runCycle(ctx context.Context) error {
	p.running.Store(true)
	defer p.running.Store(false)

	stats := Stats{StartedAt: time.Now().UTC()}
	deadline := softDeadline(p.opts.Interval)
	cycleCtx, cancel := context.WithTimeout(ctx, deadline)
	defer cancel()

	locals, err := p.reader.FetchAll(cycleCtx)
	if err != nil {
		stats.FinishedAt = time.Now().UTC()
		stats.Err = err
		p.commitStats(stats)
		return fmt.Errorf("preprocessor: fetch local records: %w", err)
	}

	externals, err := p.rep.GetBlacklist(cycleCtx, reputationMinConfidence)
	if err != nil {
		if errors.Is(err, reputation.ErrBudgetExhausted) {
			log.Warn("preprocessor: reputation budget exhausted, continuing with local data only")
			stats.BudgetExhausted = true
			externals = nil
		} else {
			log.Warn("preprocessor: reputation fetch failed, continuing with local data only", "error", err)
			externals = nil
		}
	}

	localsByIP := make(map[string]domain.LocalRecord, len(locals))
	for _, l := range locals {
		localsByIP[l.IP] = l
	}
	externalsByIP := make(map[string]domain.ReputationRecord, len(externals))
	for _, e := range externals {
		externalsByIP[e.IP] = e
	}

	keys := make([]string, 0, len(localsByIP)+len(externalsByIP))
	seen := make(map[string]struct{}, len(localsByIP)+len(externalsByIP))
	for ip := range localsByIP {
		if _, ok := seen[ip]; !ok {
			seen[ip] = struct{}{}
			keys = append(keys, ip)
		}
	}
	for ip := range externalsByIP {
		if _, ok := seen[ip]; !ok {
			seen[ip] = struct{}{}
			keys = append(keys, ip)
		}
	}

	indicators := make([]domain.Indicator, 0, len(keys))
	var geoAttempts, geoHits int

	for batchStart := 0; batchStart < len(keys); batchStart += p.opts.BatchSize {
		end := batchStart + p.opts.BatchSize
		if end > len(keys) {
			end = len(keys)
		}
		for _, ip := range keys[batchStart:end] {
			local, hasLocal := localsByIP[ip]
			external, hasExternal := externalsByIP[ip]

			ind, err := p.buildIndicator(cycleCtx, ip, local, hasLocal, external, hasExternal)
			if err != nil {
				log.Warn("preprocessor: failed to build indicator, skipping", "ip", ip, "error", err)
				continue
			}

			geoAttempts++
			if ind.Geo != nil {
				geoHits++
			}
			indicators = append(indicators, ind)
		}
	}

	if len(indicators) == 0 && len(keys) > 0 {
		stats.FinishedAt = time.Now().UTC()
		stats.Err = errors.New("preprocessor: cycle produced zero indicators from a non-empty keyset")
		p.commitStats(stats)
		return stats.Err
	}

	highConfidence := make([]domain.Indicator, 0)
	for _, ind := range indicators {
		if ind.FinalConfidence >= highConfidenceFloor {
			highConfidence = append(highConfidence, ind)
		}
	}

	ttl := snapshotTTL(p.opts.Interval)
	if err := p.commitSnapshot(cycleCtx, SnapshotKey, indicators, ttl); err != nil {
		stats.FinishedAt = time.Now().UTC()
		stats.Err = err
		p.commitStats(stats)
		return fmt.Errorf("preprocessor: commit snapshot: %w", err)
	}
	if err := p.commitSnapshot(cycleCtx, HighConfidenceKey, highConfidence, ttl); err != nil {
		log.Error("preprocessor: commit high-confidence snapshot failed", "error", err)
	}

	stats.FinishedAt = time.Now().UTC()
	stats.IndicatorCount = len(indicators)
	stats.HighConfidence = len(highConfidence)
	if geoAttempts > 0 {
		stats.GeoSuccessRatio = float64(geoHits) / float64(geoAttempts)
	}
	p.commitStats(stats)

	log.Info("preprocessor: rebuild cycle committed",
		"indicators", stats.IndicatorCount,
		"high_confidence", stats.HighConfidence,
		"geo_success_ratio", stats.GeoSuccessRatio,
		"duration", stats.FinishedAt.Sub(stats.StartedAt))
	return nil
}

func (p *Preprocessor) buildIndicator(
	ctx context.Context,
	ip string,
	local domain.LocalRecord, hasLocal bool,
	external domain.ReputationRecord, hasExternal bool,
) (domain.Indicator, error) {
	in := correlate.Input{}
	var sourceSet []domain.Source
	var categories []string
	var provenance []domain.Provenance
	firstReported := time.Now().UTC()
	lastReported := time.Now().UTC()

	if hasLocal {
		sourceSet = append(sourceSet, domain.SourceLocal)
		lc := local.Confidence
		in.Local = &lc
		categories = correlate.UnionCategories(categories, local.Categories)
		firstReported = local.FirstReportedAt
		lastReported = local.LastReportedAt
		provenance = append(provenance, domain.Provenance{
			SourceName: "local-threat-reader",
			ObservedAt: local.LastReportedAt,
		})
	}
	if hasExternal {
		sourceSet = append(sourceSet, domain.SourceExternal)
		ec := external.Confidence
		in.External = &ec
		categories = correlate.UnionCategories(categories, external.Categories)
		if !hasLocal || external.LastSeen.After(lastReported) {
			lastReported = external.LastSeen
		}
		provenance = append(provenance, domain.Provenance{
			SourceName: "reputation-service",
			ObservedAt: external.LastSeen,
		})
	}
	if len(sourceSet) == 0 {
		return domain.Indicator{}, fmt.Errorf("indicator %s has no contributing source", ip)
	}

	final := correlate.FinalConfidence(in, p.opts.Correlate)

	var geoPtr *domain.Geo
	if rec, ok, err := p.geo.Enrich(ctx, ip); err != nil {
		log.Warn("preprocessor: geo enrichment failed, producing indicator without geo", "ip", ip, "error", err)
	} else if ok {
		geoPtr = &domain.Geo{
			CountryCode: rec.CountryCode,
			CountryName: rec.CountryName,
			City:        rec.City,
			Lat:         rec.Lat,
			Lon:         rec.Lon,
			ASN:         rec.ASN,
			ISP:         rec.ISP,
		}
	}

	return domain.Indicator{
		IP:                 ip,
		SourceSet:          sourceSet,
		LocalConfidence:    in.Local,
		ExternalConfidence: in.External,
		FinalConfidence:    final,
		FirstReportedAt:    firstReported,
		LastReportedAt:     lastReported,
		Categories:         categories,
		Geo:                geoPtr,
		Provenance:         provenance,
		ProcessedAt:        time.Now().UTC(),
	}, nil
}

func (p *Preprocessor) commitSnapshot(ctx context.Context, key string, indicators []domain.Indicator, ttl time.Duration) error {
	raw, err := json.Marshal(indicators)
	if err != nil {
		return fmt.Errorf("marshal snapshot: %w", err)
	}
	return p.cache.AtomicSwap(ctx, key, raw, ttl)
}

func (p *Preprocessor) commitStats(s Stats) {
	p.statsMu.Lock()
	defer p.statsMu.Unlock()
	p.stats = s
}

// softDeadline is spec.md §5's "max(PREPROCESS_INTERVAL x 3, 15 min)".
func softDeadline(interval time.Duration) time.Duration {
	d := interval * 3
	if d < 15*time.Minute {
		d = 15 * time.Minute
	}
	return d
}

// snapshotTTL is PREPROCESS_INTERVAL + 2m slack (see DESIGN.md's Open
// Question decision), so a delayed rebuild never lets the previous
// snapshot expire before the new one lands.
func snapshotTTL(interval time.Duration) time.Duration {
	return interval + 2*time.Minute
}
