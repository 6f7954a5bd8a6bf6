// Package reputation fetches external blacklist/reputation data for an
// IP from a generic AbuseIPDB-shaped reputation API, subject to a
// strict daily request budget, caching each response to amortize that
// budget across rebuild cycles.
package reputation

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"math/rand"
	"net/http"
	"strconv"
	"time"

	"github.com/charmbracelet/log"

	"ioctaxii/internal/cache"
	"ioctaxii/internal/domain"
)

var (
	// ErrBudgetExhausted is returned when the daily request budget is
	// used up: by Check when no cached record is available to fall back
	// to, and by GetBlacklist whenever the budget is used up.
	ErrBudgetExhausted = errors.New("reputation: BUDGET_EXHAUSTED")
	// ErrTransient wraps retriable upstream failures (429/5xx/timeout)
	// after retries are exhausted.
	ErrTransient = errors.New("reputation: TRANSIENT")
	// ErrNotFound is returned by Check when the IP has no reputation data.
	ErrNotFound = errors.New("reputation: NOT_FOUND")
)

const (
	cacheTTL      = time.Hour
	requestTimeout = 10 * time.Second
	maxRetries    = 3
	initialBackoff = time.Second
	maxBackoff    = 30 * time.Second
)

// Client is a rate-budgeted, cached reputation client.
type Client struct {
	BaseURL    string
	APIKey     string
	DailyLimit int
	httpClient *http.Client
	cache      cache.Cache
}

// New builds a Client against baseURL (e.g. AbuseIPDB's
// "https://api.abuseipdb.com/api/v2") using apiKey, which the caller
// reads from the environment, and dailyLimit, which the caller takes
// from the loaded settings.
func New(baseURL, apiKey string, dailyLimit int, c cache.Cache) *Client {
	return &Client{
		BaseURL:    baseURL,
		APIKey:     apiKey,
		DailyLimit: dailyLimit,
		httpClient: &http.Client{Timeout: requestTimeout},
		cache:      c,
	}
}

func budgetKey(day string) string { return "rep:budget:" + day }
func recordKey(ip string) string  { return "rep:" + ip }

// Check returns the cached or freshly-fetched ReputationRecord for ip,
// or ErrNotFound if the reputation service has nothing on it.
func (c *Client) Check(ctx context.Context, ip string) (domain.ReputationRecord, error) {
	if rec, ok := c.cached(ctx, ip); ok {
		return rec, nil
	}

	allowed, err := c.consumeBudget(ctx)
	if err != nil {
		return domain.ReputationRecord{}, err
	}
	if !allowed {
		return domain.ReputationRecord{}, ErrBudgetExhausted
	}

	rec, err := c.fetchCheck(ctx, ip)
	if err != nil {
		return domain.ReputationRecord{}, err
	}
	if rec == nil {
		return domain.ReputationRecord{}, ErrNotFound
	}

	c.store(ctx, *rec)
	return *rec, nil
}

// GetBlacklist returns every reputation record the provider has at or
// above minConfidence, caching each record under its per-IP key. If the
// budget is exhausted it returns no records and ErrBudgetExhausted; the
// cached per-IP records are not read back by this call.
func (c *Client) GetBlacklist(ctx context.Context, minConfidence int) ([]domain.ReputationRecord, error) {
	allowed, err := c.consumeBudget(ctx)
	if err != nil {
		return nil, err
	}
	if !allowed {
		log.Warn("reputation: daily budget exhausted, blacklist not fetched")
		return nil, ErrBudgetExhausted
	}

	records, err := c.fetchBlacklist(ctx, minConfidence)
	if err != nil {
		return nil, err
	}
	for _, rec := range records {
		c.store(ctx, rec)
	}
	return records, nil
}

func (c *Client) cached(ctx context.Context, ip string) (domain.ReputationRecord, bool) {
	raw, err := c.cache.Get(ctx, recordKey(ip))
	if err != nil {
		return domain.ReputationRecord{}, false
	}
	var rec domain.ReputationRecord
	if err := json.Unmarshal(raw, &rec); err != nil {
		return domain.ReputationRecord{}, false
	}
	return rec, true
}

func (c *Client) store(ctx context.Context, rec domain.ReputationRecord) {
	raw, err := json.Marshal(rec)
	if err != nil {
		log.Warn("reputation: marshal record for cache", "ip", rec.IP, "error", err)
		return
	}
	if err := c.cache.Set(ctx, recordKey(rec.IP), raw, cacheTTL); err != nil {
		log.Warn("reputation: cache store failed", "ip", rec.IP, "error", err)
	}
}

// consumeBudget atomically increments today's UTC counter and reports
// whether the call is still within the daily limit (O3: the increment
// itself is the atomic compare-and-act, via cache.IncrCounter).
func (c *Client) consumeBudget(ctx context.Context) (bool, error) {
	day := time.Now().UTC().Format("2006-01-02")
	used, err := c.cache.IncrCounter(ctx, budgetKey(day), 1, 25*time.Hour)
	if err != nil {
		return false, fmt.Errorf("reputation: budget counter: %w", err)
	}
	return int(used) <= c.DailyLimit, nil
}

// BudgetState returns today's usage without consuming a request.
func (c *Client) BudgetState(ctx context.Context) (domain.BudgetState, error) {
	day := time.Now().UTC().Format("2006-01-02")
	used, err := c.cache.GetCounter(ctx, budgetKey(day))
	if err != nil {
		return domain.BudgetState{}, err
	}
	return domain.BudgetState{Day: day, RequestsUsed: int(used), Limit: c.DailyLimit}, nil
}

type checkResponse struct {
	Data struct {
		IPAddress            string `json:"ipAddress"`
		AbuseConfidenceScore int    `json:"abuseConfidenceScore"`
		CountryCode          string `json:"countryCode"`
		ISP                  string `json:"isp"`
		Domain               string `json:"domain"`
		TotalReports         int    `json:"totalReports"`
		NumDistinctUsers     int    `json:"numDistinctUsers"`
		LastReportedAt       string `json:"lastReportedAt"`
	} `json:"data"`
}

func (c *Client) fetchCheck(ctx context.Context, ip string) (*domain.ReputationRecord, error) {
	url := fmt.Sprintf("%s/check?ipAddress=%s&maxAgeInDays=90", c.BaseURL, ip)
	body, err := c.doWithRetry(ctx, url)
	if err != nil {
		return nil, err
	}
	if body == nil {
		return nil, nil
	}

	var parsed checkResponse
	if err := json.Unmarshal(body, &parsed); err != nil {
		return nil, fmt.Errorf("%w: decode check response: %v", ErrTransient, err)
	}
	if parsed.Data.IPAddress == "" {
		log.Warn("reputation: check response missing ipAddress, skipping", "ip", ip)
		return nil, nil
	}

	lastSeen, _ := time.Parse(time.RFC3339, parsed.Data.LastReportedAt)
	var raw map[string]any
	_ = json.Unmarshal(body, &raw)

	return &domain.ReputationRecord{
		IP:            parsed.Data.IPAddress,
		Confidence:    parsed.Data.AbuseConfidenceScore,
		ReporterCount: parsed.Data.NumDistinctUsers,
		LastSeen:      lastSeen,
		Raw:           raw,
		FetchedAt:     time.Now().UTC(),
	}, nil
}

type blacklistResponse struct {
	Data []struct {
		IPAddress            string `json:"ipAddress"`
		AbuseConfidenceScore int    `json:"abuseConfidenceScore"`
		LastReportedAt       string `json:"lastReportedAt"`
	} `json:"data"`
}

func (c *Client) fetchBlacklist(ctx context.Context, minConfidence int) ([]domain.ReputationRecord, error) {
	url := fmt.Sprintf("%s/blacklist?confidenceMinimum=%s", c.BaseURL, strconv.Itoa(minConfidence))
	body, err := c.doWithRetry(ctx, url)
	if err != nil {
		return nil, err
	}
	if body == nil {
		return nil, nil
	}

	var parsed blacklistResponse
	if err := json.Unmarshal(body, &parsed); err != nil {
		return nil, fmt.Errorf("%w: decode blacklist response: %v", ErrTransient, err)
	}

	out := make([]domain.ReputationRecord, 0, len(parsed.Data))
	for _, row := range parsed.Data {
		if row.IPAddress == "" {
			log.Warn("reputation: blacklist row missing ipAddress, skipping")
			continue
		}
		lastSeen, _ := time.Parse(time.RFC3339, row.LastReportedAt)
		out = append(out, domain.ReputationRecord{
			IP:         row.IPAddress,
			Confidence: row.AbuseConfidenceScore,
			LastSeen:   lastSeen,
			FetchedAt:  time.Now().UTC(),
		})
	}
	return out, nil
}

// doWithRetry issues a GET with the provider's auth header, retrying
// HTTP 429/5xx with exponential backoff and jitter (initial 1s, cap
// 30s, max 3 retries) before surfacing ErrTransient.
func (c *Client) doWithRetry(ctx context.Context, url string) ([]byte, error) {
	backoff := initialBackoff
	var lastErr error

	for attempt := 0; attempt <= maxRetries; attempt++ {
		if attempt > 0 {
			jittered := backoff + time.Duration(rand.Int63n(int64(backoff)/2+1))
			select {
			case <-ctx.Done():
				return nil, ctx.Err()
			case <-time.After(jittered):
			}
			backoff *= 2
			if backoff > maxBackoff {
				backoff = maxBackoff
			}
		}

		req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
		if err != nil {
			return nil, fmt.Errorf("reputation: build request: %w", err)
		}
		req.Header.Set("Key", c.APIKey)
		req.Header.Set("Accept", "application/json")

		resp, err := c.httpClient.Do(req)
		if err != nil {
			lastErr = err
			continue
		}

		body, readErr := io.ReadAll(resp.Body)
		resp.Body.Close()

		if resp.StatusCode == http.StatusTooManyRequests || resp.StatusCode >= 500 {
			lastErr = fmt.Errorf("reputation: status %d", resp.StatusCode)
			continue
		}
		if resp.StatusCode == http.StatusNotFound {
			return nil, nil
		}
		if resp.StatusCode != http.StatusOK {
			return nil, fmt.Errorf("reputation: unexpected status %d", resp.StatusCode)
		}
		if readErr != nil {
			lastErr = readErr
			continue
		}
		return body, nil
	}

	return nil, fmt.Errorf("%w: %v", ErrTransient, lastErr)
}
