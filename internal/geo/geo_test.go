package geo

import (
	"context"
	"errors"
	"testing"
	"time"

	"ioctaxii/internal/cache"
	"ioctaxii/internal/domain"
)

func staticProvider(name string, rec domain.GeoRecord, ok bool, err error) Provider {
	return Provider{
		Name: name,
		Lookup: func(context.Context, string) (domain.GeoRecord, bool, error) {
			return rec, ok, err
		},
	}
}

func TestEnrichUsesFirstUsableProvider(t *testing.T) {
	providers := []Provider{
		staticProvider("first", domain.GeoRecord{}, false, nil),
		staticProvider("second", domain.GeoRecord{IP: "203.0.113.10", CountryCode: "US", Lat: 1, Lon: 2}, true, nil),
	}

	e := New(providers, cache.NewMem(), 0)
	rec, ok, err := e.Enrich(context.Background(), "203.0.113.10")
	if err != nil {
		t.Fatalf("Enrich: %v", err)
	}
	if !ok {
		t.Fatal("expected a usable record")
	}
	if rec.ProviderName != "second" {
		t.Fatalf("ProviderName = %q, want %q", rec.ProviderName, "second")
	}
}

func TestEnrichFallsThroughOnError(t *testing.T) {
	var secondCalled bool
	providers := []Provider{
		staticProvider("first", domain.GeoRecord{}, false, errors.New("boom")),
		{
			Name: "second",
			Lookup: func(context.Context, string) (domain.GeoRecord, bool, error) {
				secondCalled = true
				return domain.GeoRecord{IP: "198.51.100.1", CountryCode: "DE", Lat: 1, Lon: 1}, true, nil
			},
		},
	}

	e := New(providers, cache.NewMem(), 0)
	_, ok, err := e.Enrich(context.Background(), "198.51.100.1")
	if err != nil {
		t.Fatalf("Enrich: %v", err)
	}
	if !ok || !secondCalled {
		t.Fatal("expected fallback to second provider after first errors")
	}
}

func TestEnrichAllProvidersFailReturnsNotFoundNonFatal(t *testing.T) {
	providers := []Provider{
		staticProvider("first", domain.GeoRecord{}, false, nil),
		staticProvider("second", domain.GeoRecord{}, false, errors.New("down")),
	}

	e := New(providers, cache.NewMem(), 0)
	_, ok, err := e.Enrich(context.Background(), "203.0.113.99")
	if err != nil {
		t.Fatalf("Enrich should not return an error when all providers fail: %v", err)
	}
	if ok {
		t.Fatal("expected ok=false when no provider has data")
	}
}

func TestEnrichCachesResult(t *testing.T) {
	var calls int
	providers := []Provider{
		{
			Name: "only",
			Lookup: func(context.Context, string) (domain.GeoRecord, bool, error) {
				calls++
				return domain.GeoRecord{IP: "203.0.113.10", CountryCode: "US", Lat: 1, Lon: 1}, true, nil
			},
		},
	}

	e := New(providers, cache.NewMem(), 0)
	ctx := context.Background()
	if _, _, err := e.Enrich(ctx, "203.0.113.10"); err != nil {
		t.Fatalf("Enrich: %v", err)
	}
	if _, _, err := e.Enrich(ctx, "203.0.113.10"); err != nil {
		t.Fatalf("Enrich: %v", err)
	}
	if calls != 1 {
		t.Fatalf("provider called %d times, want 1 (second call should hit cache)", calls)
	}
}

func TestPacerEnforcesMinimumSpacing(t *testing.T) {
	p := newPacer(20 * time.Millisecond)
	ctx := context.Background()

	start := time.Now()
	p.wait(ctx)
	p.wait(ctx)
	elapsed := time.Since(start)

	if elapsed < 20*time.Millisecond {
		t.Fatalf("second wait returned after %v, want >= 20ms spacing", elapsed)
	}
}

func TestDynamicDelayDecaysOnSuccessAndGrowsOnRepeatedError(t *testing.T) {
	d := newDynamicDelay(time.Second, 30*time.Second)

	d.onError()
	d.onError()
	if d.value() != time.Second {
		t.Fatalf("delay should not grow before 3 consecutive errors, got %v", d.value())
	}
	d.onError()
	if d.value() <= time.Second {
		t.Fatalf("delay should grow after 3 consecutive errors, got %v", d.value())
	}

	d.onSuccess()
	if d.consecutiveErrors != 0 {
		t.Fatal("onSuccess should reset the error streak")
	}
}
