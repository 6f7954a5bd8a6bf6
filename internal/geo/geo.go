// Package geo resolves geolocation for an IP through an ordered
// provider chain: a local MaxMind GeoLite2 lookup first, then a pool of
// free third-party HTTP providers, with process-global pacing between
// outbound HTTP requests and a per-IP cache.
package geo

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"time"

	"github.com/charmbracelet/log"

	"ioctaxii/internal/cache"
	"ioctaxii/internal/domain"
)

const (
	cacheTTL        = 24 * time.Hour
	dynamicBaseDelay = time.Second
	dynamicMaxDelay  = 30 * time.Second
)

// ErrRateLimited signals an HTTP provider returned a 429; Enrich treats
// it more aggressively than a generic failure when growing the dynamic
// delay, matching original_source's _handle_rate_limit_error.
var ErrRateLimited = errors.New("geo: rate limited")

// Provider resolves geolocation for one ip. name identifies it in logs
// and in GeoRecord.ProviderName. local providers (the MaxMind lookup)
// are exempt from the global outbound pacing; http providers are not.
type Provider struct {
	Name   string
	Local  bool
	Lookup func(ctx context.Context, ip string) (domain.GeoRecord, bool, error)
}

// Enricher runs the provider chain with pacing and caching.
type Enricher struct {
	providers []Provider
	cache     cache.Cache
	pacer     *pacer
	dynamic   *dynamicDelay
}

// New builds an Enricher from an ordered provider list. The first
// provider to return a usable record (country code + coordinates) wins.
func New(providers []Provider, c cache.Cache, requestDelay time.Duration) *Enricher {
	return &Enricher{
		providers: providers,
		cache:     c,
		pacer:     newPacer(requestDelay),
		dynamic:   newDynamicDelay(dynamicBaseDelay, dynamicMaxDelay),
	}
}

func cacheKey(ip string) string { return "geo:" + ip }

// Enrich returns the GeoRecord for ip, consulting the cache first, then
// the provider chain in order. A false bool with a nil error means no
// provider had usable data, which is not itself an error: the indicator
// is simply produced without geo fields (spec.md §4.3).
func (e *Enricher) Enrich(ctx context.Context, ip string) (domain.GeoRecord, bool, error) {
	if rec, ok := e.cached(ctx, ip); ok {
		return rec, true, nil
	}

	for _, p := range e.providers {
		if !p.Local {
			e.pacer.wait(ctx)
			sleepFor(ctx, e.dynamic.value())
		}

		rec, ok, err := p.Lookup(ctx, ip)
		switch {
		case errors.Is(err, ErrRateLimited):
			e.dynamic.onRateLimit()
			log.Warn("geo: provider rate limited", "provider", p.Name, "ip", ip)
			continue
		case err != nil:
			e.dynamic.onError()
			log.Warn("geo: provider lookup failed", "provider", p.Name, "ip", ip, "error", err)
			continue
		case !ok || !usable(rec):
			continue
		}

		e.dynamic.onSuccess()
		rec.ProviderName = p.Name
		rec.FetchedAt = time.Now().UTC()
		e.store(ctx, rec)
		return rec, true, nil
	}

	return domain.GeoRecord{}, false, nil
}

func usable(rec domain.GeoRecord) bool {
	return rec.CountryCode != "" && (rec.Lat != 0 || rec.Lon != 0)
}

func (e *Enricher) cached(ctx context.Context, ip string) (domain.GeoRecord, bool) {
	raw, err := e.cache.Get(ctx, cacheKey(ip))
	if err != nil {
		return domain.GeoRecord{}, false
	}
	var rec domain.GeoRecord
	if err := json.Unmarshal(raw, &rec); err != nil {
		return domain.GeoRecord{}, false
	}
	return rec, true
}

func (e *Enricher) store(ctx context.Context, rec domain.GeoRecord) {
	raw, err := json.Marshal(rec)
	if err != nil {
		log.Warn("geo: marshal record for cache", "ip", rec.IP, "error", err)
		return
	}
	if err := e.cache.Set(ctx, cacheKey(rec.IP), raw, cacheTTL); err != nil {
		log.Warn("geo: cache store failed", "ip", rec.IP, "error", err)
	}
}

// pacer enforces a process-global minimum spacing between outbound geo
// HTTP requests, per spec.md §5: a single mutex guarding
// {last_request_at} plus a sleep-until, not a per-provider throttle.
type pacer struct {
	mu            sync.Mutex
	minInterval   time.Duration
	lastRequestAt time.Time
}

func newPacer(minInterval time.Duration) *pacer {
	return &pacer{minInterval: minInterval}
}

func sleepFor(ctx context.Context, d time.Duration) {
	if d <= 0 {
		return
	}
	select {
	case <-ctx.Done():
	case <-time.After(d):
	}
}

func (p *pacer) wait(ctx context.Context) {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.minInterval <= 0 {
		return
	}

	elapsed := time.Since(p.lastRequestAt)
	if wait := p.minInterval - elapsed; wait > 0 {
		select {
		case <-ctx.Done():
		case <-time.After(wait):
		}
	}
	p.lastRequestAt = time.Now()
}
