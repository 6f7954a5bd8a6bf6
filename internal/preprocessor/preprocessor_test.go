package preprocessor

import (
	"context"
	"errors"
	"testing"
	"time"

	"ioctaxii/internal/cache"
	"ioctaxii/internal/correlate"
	"ioctaxii/internal/domain"
	"ioctaxii/internal/reputation"
)

func defaultCorrelateOptions() correlate.Options {
	return correlate.Options{
		Weights:                correlate.Weights{Local: 0.8, External: 0.2},
		LocalConfidenceBoost:   10,
		MinimumFinalConfidence: 85,
	}
}

type stubReader struct {
	records []domain.LocalRecord
	err     error
}

func (s stubReader) FetchAll(context.Context) ([]domain.LocalRecord, error) {
	return s.records, s.err
}

type stubReputation struct {
	records []domain.ReputationRecord
	err     error
}

func (s stubReputation) GetBlacklist(context.Context, int) ([]domain.ReputationRecord, error) {
	return s.records, s.err
}

type stubGeo struct {
	rec domain.GeoRecord
	ok  bool
	err error
}

func (s stubGeo) Enrich(context.Context, string) (domain.GeoRecord, bool, error) {
	return s.rec, s.ok, s.err
}

func newTestPreprocessor(reader LocalReader, rep ReputationSource, geoSource GeoSource) *Preprocessor {
	return New(reader, rep, geoSource, cache.NewMem(), Options{
		Interval:  time.Minute,
		BatchSize: 2,
		Correlate: defaultCorrelateOptions(),
	})
}

func TestRunCycleCommitsSnapshotFromLocalOnly(t *testing.T) {
	reader := stubReader{records: []domain.LocalRecord{
		{IP: "203.0.113.10", Confidence: 90, FirstReportedAt: time.Now(), LastReportedAt: time.Now()},
	}}
	p := newTestPreprocessor(reader, stubReputation{}, stubGeo{})

	if err := p.TriggerRebuild(context.Background()); err != nil {
		t.Fatalf("TriggerRebuild: %v", err)
	}

	stats := p.Stats()
	if stats.IndicatorCount != 1 {
		t.Fatalf("IndicatorCount = %d, want 1", stats.IndicatorCount)
	}
	if stats.HighConfidence != 1 {
		t.Fatalf("HighConfidence = %d, want 1 (boosted local-only 90 clamps to 100)", stats.HighConfidence)
	}

	raw, err := p.cache.Get(context.Background(), SnapshotKey)
	if err != nil {
		t.Fatalf("cache.Get(%s): %v", SnapshotKey, err)
	}
	if len(raw) == 0 {
		t.Fatal("expected a non-empty committed snapshot")
	}
}

func TestRunCycleUnionsLocalAndExternalKeysets(t *testing.T) {
	reader := stubReader{records: []domain.LocalRecord{
		{IP: "203.0.113.10", Confidence: 80, FirstReportedAt: time.Now(), LastReportedAt: time.Now()},
	}}
	rep := stubReputation{records: []domain.ReputationRecord{
		{IP: "198.51.100.20", Confidence: 60, LastSeen: time.Now()},
	}}
	p := newTestPreprocessor(reader, rep, stubGeo{})

	if err := p.TriggerRebuild(context.Background()); err != nil {
		t.Fatalf("TriggerRebuild: %v", err)
	}

	stats := p.Stats()
	if stats.IndicatorCount != 2 {
		t.Fatalf("IndicatorCount = %d, want 2 (one local-only, one external-only)", stats.IndicatorCount)
	}
}

func TestRunCycleContinuesWithLocalDataOnBudgetExhaustion(t *testing.T) {
	reader := stubReader{records: []domain.LocalRecord{
		{IP: "203.0.113.10", Confidence: 80, FirstReportedAt: time.Now(), LastReportedAt: time.Now()},
	}}
	rep := stubReputation{err: reputation.ErrBudgetExhausted}
	p := newTestPreprocessor(reader, rep, stubGeo{})

	if err := p.TriggerRebuild(context.Background()); err != nil {
		t.Fatalf("TriggerRebuild should not fail on budget exhaustion: %v", err)
	}

	stats := p.Stats()
	if !stats.BudgetExhausted {
		t.Fatal("expected BudgetExhausted to be recorded")
	}
	if stats.IndicatorCount != 1 {
		t.Fatalf("IndicatorCount = %d, want 1 (local data alone)", stats.IndicatorCount)
	}
}

func TestRunCycleFailsWithoutTouchingCacheWhenLocalReaderErrors(t *testing.T) {
	reader := stubReader{err: errors.New("db unreachable")}
	p := newTestPreprocessor(reader, stubReputation{}, stubGeo{})

	if err := p.TriggerRebuild(context.Background()); err == nil {
		t.Fatal("expected TriggerRebuild to fail when the local reader errors")
	}

	if _, err := p.cache.Get(context.Background(), SnapshotKey); err != cache.ErrMiss {
		t.Fatalf("expected no snapshot to have been committed, got err=%v", err)
	}
}

func TestRunCycleEmptyKeysetProducesEmptySnapshotNotAFailure(t *testing.T) {
	p := newTestPreprocessor(stubReader{}, stubReputation{}, stubGeo{})

	if err := p.TriggerRebuild(context.Background()); err != nil {
		t.Fatalf("TriggerRebuild on an empty table should succeed: %v", err)
	}
	if p.Stats().IndicatorCount != 0 {
		t.Fatalf("IndicatorCount = %d, want 0", p.Stats().IndicatorCount)
	}
}

func TestRunCycleAttachesGeoWhenEnricherReturnsUsableRecord(t *testing.T) {
	reader := stubReader{records: []domain.LocalRecord{
		{IP: "203.0.113.10", Confidence: 80, FirstReportedAt: time.Now(), LastReportedAt: time.Now()},
	}}
	geoSource := stubGeo{rec: domain.GeoRecord{CountryCode: "US", Lat: 1, Lon: 2}, ok: true}
	p := newTestPreprocessor(reader, stubReputation{}, geoSource)

	if err := p.TriggerRebuild(context.Background()); err != nil {
		t.Fatalf("TriggerRebuild: %v", err)
	}
	if p.Stats().GeoSuccessRatio != 1.0 {
		t.Fatalf("GeoSuccessRatio = %v, want 1.0", p.Stats().GeoSuccessRatio)
	}
}

func TestTriggerRebuildCoalescesConcurrentCalls(t *testing.T) {
	reader := stubReader{records: []domain.LocalRecord{
		{IP: "203.0.113.10", Confidence: 80, FirstReportedAt: time.Now(), LastReportedAt: time.Now()},
	}}
	p := newTestPreprocessor(reader, stubReputation{}, stubGeo{})

	done := make(chan error, 4)
	for i := 0; i < 4; i++ {
		go func() { done <- p.TriggerRebuild(context.Background()) }()
	}
	for i := 0; i < 4; i++ {
		if err := <-done; err != nil {
			t.Fatalf("coalesced TriggerRebuild: %v", err)
		}
	}
}

func TestSoftDeadlineEnforcesFifteenMinuteFloor(t *testing.T) {
	if got := softDeadline(time.Minute); got != 15*time.Minute {
		t.Fatalf("softDeadline(1m) = %v, want 15m floor", got)
	}
	if got := softDeadline(10 * time.Minute); got != 30*time.Minute {
		t.Fatalf("softDeadline(10m) = %v, want 30m", got)
	}
}

func TestSnapshotTTLAddsTwoMinutesSlack(t *testing.T) {
	if got := snapshotTTL(15 * time.Minute); got != 17*time.Minute {
		t.Fatalf("snapshotTTL(15m) = %v, want 17m", got)
	}
}
