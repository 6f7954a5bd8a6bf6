// Package taxii implements the sharing-protocol surface: discovery,
// api-root, collections, objects, and manifest, serving the preprocessor's
// committed snapshot as a TAXII-2.1-shaped, STIX-2.1-shaped payload.
package taxii

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/charmbracelet/log"

	"ioctaxii/internal/cache"
	"ioctaxii/internal/domain"
	"ioctaxii/internal/preprocessor"
)

const (
	mediaType        = "application/taxii+json;version=2.1"
	discoveryTitle   = "Threat Intelligence Enrichment Service"
	apiRootPath      = "/taxii2/iocs/"
	maxContentLength = 100 * 1024 * 1024
)

// Server holds everything the six protocol handlers need: the snapshot
// cache they read from and the static collection set they expose.
type Server struct {
	cache       cache.Cache
	collections []domain.Collection
}

// New builds a protocol Server backed by c, serving the default
// all-indicators and high-confidence collections.
func New(c cache.Cache) *Server {
	return &Server{cache: c, collections: domain.DefaultCollections()}
}

// Register wires the six endpoints onto mux, matching the path table of
// spec.md §6 exactly.
func (s *Server) Register(mux *http.ServeMux) {
	mux.HandleFunc("GET /taxii2", s.handleDiscovery)
	mux.HandleFunc("GET /taxii2/iocs/", s.handleAPIRoot)
	mux.HandleFunc("GET /taxii2/iocs/collections/", s.handleCollectionsList)
	mux.HandleFunc("GET /taxii2/iocs/collections/{id}/", s.handleCollectionDetail)
	mux.HandleFunc("GET /taxii2/iocs/collections/{id}/objects/", s.handleObjects)
	mux.HandleFunc("GET /taxii2/iocs/collections/{id}/manifest/", s.handleManifest)
}

func (s *Server) handleDiscovery(w http.ResponseWriter, r *http.Request) {
	writeTAXII(w, http.StatusOK, map[string]any{
		"title":       discoveryTitle,
		"description": "Enriched, correlated IP indicators of compromise",
		"default":     apiRootPath,
		"api_roots":   []string{apiRootPath},
	})
}

func (s *Server) handleAPIRoot(w http.ResponseWriter, r *http.Request) {
	writeTAXII(w, http.StatusOK, map[string]any{
		"title":              "IOC Indicators",
		"versions":           []string{mediaType},
		"max_content_length": maxContentLength,
	})
}

func (s *Server) handleCollectionsList(w http.ResponseWriter, r *http.Request) {
	descriptors := make([]collectionDescriptor, 0, len(s.collections))
	for _, c := range s.collections {
		descriptors = append(descriptors, describeCollection(c))
	}
	writeTAXII(w, http.StatusOK, map[string]any{"collections": descriptors})
}

func (s *Server) handleCollectionDetail(w http.ResponseWriter, r *http.Request) {
	c, ok := s.findCollection(r.PathValue("id"))
	if !ok {
		writeTAXIIError(w, "collection not found", http.StatusNotFound)
		return
	}
	writeTAXII(w, http.StatusOK, describeCollection(c))
}

func (s *Server) handleObjects(w http.ResponseWriter, r *http.Request) {
	c, ok := s.findCollection(r.PathValue("id"))
	if !ok {
		writeTAXIIError(w, "collection not found", http.StatusNotFound)
		return
	}

	indicators, generation, err := s.filteredSnapshot(r.Context(), c, r)
	if err != nil {
		s.writeSnapshotError(w, err)
		return
	}

	page, more, next := paginate(indicators, generation, r)
	objects := make([]any, 0, len(page))
	for _, ind := range page {
		objects = append(objects, toWireIndicator(ind))
	}

	envelope := domain.Envelope{
		More: more,
		Next: next,
		Data: domain.NewBundle(objects),
	}
	writeTAXII(w, http.StatusOK, envelope)
}

func (s *Server) handleManifest(w http.ResponseWriter, r *http.Request) {
	c, ok := s.findCollection(r.PathValue("id"))
	if !ok {
		writeTAXIIError(w, "collection not found", http.StatusNotFound)
		return
	}

	indicators, generation, err := s.filteredSnapshot(r.Context(), c, r)
	if err != nil {
		s.writeSnapshotError(w, err)
		return
	}

	page, more, next := paginate(indicators, generation, r)
	entries := make([]manifestEntry, 0, len(page))
	for _, ind := range page {
		entries = append(entries, toManifestEntry(ind))
	}

	envelope := domain.Envelope{
		More: more,
		Next: next,
		Data: map[string]any{"objects": entries},
	}
	writeTAXII(w, http.StatusOK, envelope)
}

func (s *Server) findCollection(id string) (domain.Collection, bool) {
	for _, c := range s.collections {
		if c.ID == id {
			return c, true
		}
	}
	return domain.Collection{}, false
}

// filteredSnapshot loads the current snapshot, applies the collection's
// predicate, and applies the added_after query filter. It returns the
// snapshot's generation fingerprint alongside the filtered list so
// pagination can detect a stale cursor.
func (s *Server) filteredSnapshot(ctx context.Context, c domain.Collection, r *http.Request) ([]domain.Indicator, string, error) {
	key := preprocessor.SnapshotKey
	if c.ID == domain.HighConfidenceIndicators().ID {
		key = preprocessor.HighConfidenceKey
	}

	raw, err := s.cache.Get(ctx, key)
	if err != nil {
		return nil, "", err
	}

	var indicators []domain.Indicator
	if err := json.Unmarshal(raw, &indicators); err != nil {
		return nil, "", err
	}

	indicators = c.Apply(indicators)

	if addedAfter := r.URL.Query().Get("added_after"); addedAfter != "" {
		if cutoff, err := time.Parse(time.RFC3339, addedAfter); err == nil {
			filtered := indicators[:0:0]
			for _, ind := range indicators {
				if ind.ProcessedAt.After(cutoff) {
					filtered = append(filtered, ind)
				}
			}
			indicators = filtered
		}
	}

	return indicators, generationOf(raw), nil
}

func (s *Server) writeSnapshotError(w http.ResponseWriter, err error) {
	if errors.Is(err, cache.ErrMiss) {
		writeTAXIIError(w, "no snapshot available yet", http.StatusServiceUnavailable)
		return
	}
	log.Error("taxii: snapshot read failed", "error", err)
	writeTAXIIError(w, "cache unreachable", http.StatusServiceUnavailable)
}

// paginate applies limit/next against indicators, truncating at the
// snapshot-generation boundary (more=false) rather than interleaving
// generations, per the project's resolution of spec.md §4.7's open
// pagination question.
func paginate(indicators []domain.Indicator, generation string, r *http.Request) (page []domain.Indicator, more bool, next string) {
	offset := 0
	if cursorGen, cursorOffset, ok := decodeCursor(r.URL.Query().Get("next")); ok {
		if cursorGen != generation {
			log.Warn("taxii: snapshot changed between paginated reads, truncating instead of interleaving generations")
			return nil, false, ""
		}
		offset = cursorOffset
	}
	if offset > len(indicators) {
		offset = len(indicators)
	}

	limit := len(indicators) - offset
	if raw := r.URL.Query().Get("limit"); raw != "" {
		if n, err := strconv.Atoi(raw); err == nil && n >= 0 && n < limit {
			limit = n
		}
	}

	end := offset + limit
	page = indicators[offset:end]
	if end < len(indicators) {
		return page, true, encodeCursor(generation, end)
	}
	return page, false, ""
}

type collectionDescriptor struct {
	ID          string   `json:"id"`
	Title       string   `json:"title"`
	Description string   `json:"description"`
	MediaTypes  []string `json:"media_types"`
}

func describeCollection(c domain.Collection) collectionDescriptor {
	return collectionDescriptor{
		ID:          c.ID,
		Title:       c.Title,
		Description: c.Description,
		MediaTypes:  []string{mediaType},
	}
}

func writeTAXII(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", mediaType)
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(payload)
}

func writeTAXIIError(w http.ResponseWriter, msg string, status int) {
	writeTAXII(w, status, map[string]string{"error": msg})
}
