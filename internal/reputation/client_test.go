package reputation

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"

	"ioctaxii/internal/cache"
)

func TestCheckReturnsCachedRecordWithoutConsumingBudget(t *testing.T) {
	var hits int
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		hits++
		w.Write([]byte(`{"data":{"ipAddress":"203.0.113.10","abuseConfidenceScore":75}}`))
	}))
	defer srv.Close()

	c := cache.NewMem()
	client := New(srv.URL, "key", 10, c)

	ctx := context.Background()
	first, err := client.Check(ctx, "203.0.113.10")
	if err != nil {
		t.Fatalf("first Check: %v", err)
	}
	if first.Confidence != 75 {
		t.Fatalf("Confidence = %d, want 75", first.Confidence)
	}

	second, err := client.Check(ctx, "203.0.113.10")
	if err != nil {
		t.Fatalf("second Check: %v", err)
	}
	if second.Confidence != 75 {
		t.Fatalf("cached Confidence = %d, want 75", second.Confidence)
	}
	if hits != 1 {
		t.Fatalf("upstream hit %d times, want 1 (second call should be served from cache)", hits)
	}
}

func TestCheckReturnsNotFoundOn404(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusNotFound)
	}))
	defer srv.Close()

	client := New(srv.URL, "key", 10, cache.NewMem())
	_, err := client.Check(context.Background(), "198.51.100.1")
	if !errors.Is(err, ErrNotFound) {
		t.Fatalf("Check = %v, want ErrNotFound", err)
	}
}

func TestCheckBudgetExhausted(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(`{"data":{"ipAddress":"203.0.113.10","abuseConfidenceScore":75}}`))
	}))
	defer srv.Close()

	client := New(srv.URL, "key", 1, cache.NewMem())
	ctx := context.Background()

	if _, err := client.Check(ctx, "203.0.113.10"); err != nil {
		t.Fatalf("first Check: %v", err)
	}
	// Second distinct IP: cache miss, budget already at limit.
	if _, err := client.Check(ctx, "198.51.100.1"); !errors.Is(err, ErrBudgetExhausted) {
		t.Fatalf("Check after budget exhausted = %v, want ErrBudgetExhausted", err)
	}
}

func TestDoWithRetryRetriesOn500ThenSucceeds(t *testing.T) {
	var calls int
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls++
		if calls < 2 {
			w.WriteHeader(http.StatusInternalServerError)
			return
		}
		w.Write([]byte(`{"data":{"ipAddress":"203.0.113.10","abuseConfidenceScore":50}}`))
	}))
	defer srv.Close()

	client := New(srv.URL, "key", 10, cache.NewMem())
	rec, err := client.Check(context.Background(), "203.0.113.10")
	if err != nil {
		t.Fatalf("Check: %v", err)
	}
	if rec.Confidence != 50 {
		t.Fatalf("Confidence = %d, want 50", rec.Confidence)
	}
	if calls != 2 {
		t.Fatalf("upstream called %d times, want 2 (one retry)", calls)
	}
}

func TestGetBlacklistSkipsRecordsMissingIP(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(`{"data":[{"ipAddress":"198.51.100.7","abuseConfidenceScore":75},{"abuseConfidenceScore":90}]}`))
	}))
	defer srv.Close()

	client := New(srv.URL, "key", 10, cache.NewMem())
	records, err := client.GetBlacklist(context.Background(), 50)
	if err != nil {
		t.Fatalf("GetBlacklist: %v", err)
	}
	if len(records) != 1 || records[0].IP != "198.51.100.7" {
		t.Fatalf("GetBlacklist = %+v, want single record for 198.51.100.7", records)
	}
}
