package taxii

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"ioctaxii/internal/cache"
	"ioctaxii/internal/domain"
	"ioctaxii/internal/preprocessor"
)

func indicatorAt(ip string, confidence int, processedAt time.Time) domain.Indicator {
	return domain.Indicator{
		IP:              ip,
		SourceSet:       []domain.Source{domain.SourceLocal},
		FinalConfidence: confidence,
		Categories:      []string{"malicious-activity"},
		ProcessedAt:     processedAt,
	}
}

func seedSnapshot(t *testing.T, c cache.Cache, key string, indicators []domain.Indicator) {
	t.Helper()
	raw, err := json.Marshal(indicators)
	if err != nil {
		t.Fatalf("marshal snapshot: %v", err)
	}
	if err := c.AtomicSwap(context.Background(), key, raw, time.Hour); err != nil {
		t.Fatalf("seed snapshot: %v", err)
	}
}

func TestDiscoveryAdvertisesAPIRoot(t *testing.T) {
	s := New(cache.NewMem())
	mux := http.NewServeMux()
	s.Register(mux)

	rr := httptest.NewRecorder()
	mux.ServeHTTP(rr, httptest.NewRequest(http.MethodGet, "/taxii2", nil))
	if rr.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200", rr.Code)
	}

	var body struct {
		APIRoots []string `json:"api_roots"`
	}
	if err := json.Unmarshal(rr.Body.Bytes(), &body); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if len(body.APIRoots) != 1 || body.APIRoots[0] != apiRootPath {
		t.Fatalf("api_roots = %v, want [%s]", body.APIRoots, apiRootPath)
	}
}

func TestObjectsReturnsServiceUnavailableOnCacheMiss(t *testing.T) {
	s := New(cache.NewMem())
	mux := http.NewServeMux()
	s.Register(mux)

	rr := httptest.NewRecorder()
	mux.ServeHTTP(rr, httptest.NewRequest(http.MethodGet, "/taxii2/iocs/collections/ioc-indicators/objects/", nil))
	if rr.Code != http.StatusServiceUnavailable {
		t.Fatalf("status = %d, want 503", rr.Code)
	}
}

func TestObjectsReturnsNotFoundForUnknownCollection(t *testing.T) {
	s := New(cache.NewMem())
	mux := http.NewServeMux()
	s.Register(mux)

	rr := httptest.NewRecorder()
	mux.ServeHTTP(rr, httptest.NewRequest(http.MethodGet, "/taxii2/iocs/collections/nope/objects/", nil))
	if rr.Code != http.StatusNotFound {
		t.Fatalf("status = %d, want 404", rr.Code)
	}
}

func TestObjectsPaginatesAcrossThreePages(t *testing.T) {
	c := cache.NewMem()
	now := time.Now().UTC()
	indicators := make([]domain.Indicator, 250)
	for i := range indicators {
		indicators[i] = indicatorAt("203.0.113.1", 90, now)
	}
	seedSnapshot(t, c, preprocessor.SnapshotKey, indicators)

	s := New(c)
	mux := http.NewServeMux()
	s.Register(mux)

	fetch := func(next string) (int, bool, string) {
		url := "/taxii2/iocs/collections/ioc-indicators/objects/?limit=100"
		if next != "" {
			url += "&next=" + next
		}
		rr := httptest.NewRecorder()
		mux.ServeHTTP(rr, httptest.NewRequest(http.MethodGet, url, nil))
		if rr.Code != http.StatusOK {
			t.Fatalf("status = %d, want 200", rr.Code)
		}
		var env struct {
			More bool   `json:"more"`
			Next string `json:"next"`
			Data struct {
				Objects []any `json:"objects"`
			} `json:"data"`
		}
		if err := json.Unmarshal(rr.Body.Bytes(), &env); err != nil {
			t.Fatalf("decode: %v", err)
		}
		return len(env.Data.Objects), env.More, env.Next
	}

	n1, more1, next1 := fetch("")
	if n1 != 100 || !more1 || next1 == "" {
		t.Fatalf("page 1: n=%d more=%v next=%q, want 100/true/non-empty", n1, more1, next1)
	}
	n2, more2, next2 := fetch(next1)
	if n2 != 100 || !more2 || next2 == "" {
		t.Fatalf("page 2: n=%d more=%v next=%q, want 100/true/non-empty", n2, more2, next2)
	}
	n3, more3, next3 := fetch(next2)
	if n3 != 50 || more3 || next3 != "" {
		t.Fatalf("page 3: n=%d more=%v next=%q, want 50/false/empty", n3, more3, next3)
	}
}

func TestObjectsTruncatesOnGenerationChangeInsteadOfInterleaving(t *testing.T) {
	c := cache.NewMem()
	now := time.Now().UTC()
	first := []domain.Indicator{indicatorAt("203.0.113.1", 90, now), indicatorAt("203.0.113.2", 90, now)}
	seedSnapshot(t, c, preprocessor.SnapshotKey, first)

	s := New(c)
	mux := http.NewServeMux()
	s.Register(mux)

	rr := httptest.NewRecorder()
	mux.ServeHTTP(rr, httptest.NewRequest(http.MethodGet, "/taxii2/iocs/collections/ioc-indicators/objects/?limit=1", nil))
	var env struct {
		Next string `json:"next"`
	}
	_ = json.Unmarshal(rr.Body.Bytes(), &env)

	second := []domain.Indicator{indicatorAt("198.51.100.1", 90, now)}
	seedSnapshot(t, c, preprocessor.SnapshotKey, second)

	rr2 := httptest.NewRecorder()
	mux.ServeHTTP(rr2, httptest.NewRequest(http.MethodGet, "/taxii2/iocs/collections/ioc-indicators/objects/?limit=1&next="+env.Next, nil))
	var env2 struct {
		More bool `json:"more"`
		Data struct {
			Objects []any `json:"objects"`
		} `json:"data"`
	}
	if err := json.Unmarshal(rr2.Body.Bytes(), &env2); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if env2.More || len(env2.Data.Objects) != 0 {
		t.Fatalf("expected a stale cursor to truncate with no objects, got more=%v objects=%d", env2.More, len(env2.Data.Objects))
	}
}

func TestHighConfidenceCollectionReadsItsOwnSnapshotKey(t *testing.T) {
	c := cache.NewMem()
	now := time.Now().UTC()
	seedSnapshot(t, c, preprocessor.HighConfidenceKey, []domain.Indicator{indicatorAt("203.0.113.5", 95, now)})

	s := New(c)
	mux := http.NewServeMux()
	s.Register(mux)

	rr := httptest.NewRecorder()
	mux.ServeHTTP(rr, httptest.NewRequest(http.MethodGet, "/taxii2/iocs/collections/high-confidence-iocs/objects/", nil))
	if rr.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200", rr.Code)
	}
	var env struct {
		Data struct {
			Objects []any `json:"objects"`
		} `json:"data"`
	}
	if err := json.Unmarshal(rr.Body.Bytes(), &env); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if len(env.Data.Objects) != 1 {
		t.Fatalf("objects = %d, want 1", len(env.Data.Objects))
	}
}

func TestGeoPointOrdersLongitudeBeforeLatitude(t *testing.T) {
	ind := indicatorAt("203.0.113.9", 90, time.Now())
	ind.Geo = &domain.Geo{CountryCode: "US", Lat: 40.7, Lon: -74.0}

	w := toWireIndicator(ind)
	if len(w.GeoPoint) != 2 || w.GeoPoint[0] != -74.0 || w.GeoPoint[1] != 40.7 {
		t.Fatalf("GeoPoint = %v, want [lon, lat] = [-74.0, 40.7]", w.GeoPoint)
	}
}

func TestWireIndicatorRoundTripsRequiredAndXFields(t *testing.T) {
	local := 90
	ind := domain.Indicator{
		IP:              "203.0.113.10",
		SourceSet:       []domain.Source{domain.SourceLocal},
		LocalConfidence: &local,
		FinalConfidence: 100,
		Categories:      []string{"malicious-activity"},
		ProcessedAt:     time.Now().UTC(),
	}

	raw, err := json.Marshal(toWireIndicator(ind))
	if err != nil {
		t.Fatalf("marshal: %v", err)
	}
	var back wireIndicator
	if err := json.Unmarshal(raw, &back); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if back.Confidence != 100 || back.Pattern != ind.Pattern() || *back.LocalConfidence != 90 {
		t.Fatalf("round trip mismatch: %+v", back)
	}
}
