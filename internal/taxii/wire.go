package taxii

import (
	"time"

	"ioctaxii/internal/domain"
)

// geoCoords backs the two x_elastic_geo_* object fields (coordinates and
// location); the point field needs its own [lon, lat] array, so it is
// built separately in toWireIndicator rather than reused.
type geoCoords struct {
	Lat float64 `json:"lat"`
	Lon float64 `json:"lon"`
}

type externalReference struct {
	SourceName  string `json:"source_name"`
	URL         string `json:"url,omitempty"`
	Description string `json:"description,omitempty"`
}

// wireIndicator is the STIX-2.1-shaped object served by the objects
// endpoint, extended with the x_-prefixed fields the ingesting platform's
// custom threat-intel feature expects.
type wireIndicator struct {
	Type     string   `json:"type"`
	ID       string   `json:"id"`
	Pattern  string   `json:"pattern"`
	Confidence int    `json:"confidence"`
	Labels   []string `json:"labels"`
	Created  string   `json:"created"`
	Modified string   `json:"modified"`

	LocalConfidence    *int     `json:"x_local_confidence,omitempty"`
	ExternalConfidence *int     `json:"x_external_confidence,omitempty"`
	SourceSet          []string `json:"x_source_set"`
	Categories         []string `json:"x_categories"`

	GeoCountryCode string     `json:"x_elastic_geo_country_code,omitempty"`
	GeoCountryName string     `json:"x_elastic_geo_country_name,omitempty"`
	GeoCity        string     `json:"x_elastic_geo_city,omitempty"`
	GeoCoordinates *geoCoords `json:"x_elastic_geo_coordinates,omitempty"`
	GeoLocation    *geoCoords `json:"x_elastic_geo_location,omitempty"`
	GeoPoint       []float64  `json:"x_elastic_geo_point,omitempty"`

	ExternalReferences []externalReference `json:"external_references"`
}

// toWireIndicator converts a fused domain.Indicator into the protocol's
// wire shape. Geo fields are omitted entirely when no provider produced a
// usable record, per §4.3's non-fatal failure contract.
func toWireIndicator(ind domain.Indicator) wireIndicator {
	sourceSet := make([]string, 0, len(ind.SourceSet))
	for _, s := range ind.SourceSet {
		sourceSet = append(sourceSet, string(s))
	}

	refs := make([]externalReference, 0, len(ind.Provenance))
	for _, p := range ind.Provenance {
		refs = append(refs, externalReference{
			SourceName:  p.SourceName,
			URL:         p.SourceURL,
			Description: "observed at " + p.ObservedAt.UTC().Format(time.RFC3339),
		})
	}

	w := wireIndicator{
		Type:               "indicator",
		ID:                 ind.ID(),
		Pattern:             ind.Pattern(),
		Confidence:          ind.FinalConfidence,
		Labels:              domain.MapCategoriesToLabels(ind.Categories),
		Created:             ind.ProcessedAt.UTC().Format(time.RFC3339),
		Modified:            ind.ProcessedAt.UTC().Format(time.RFC3339),
		LocalConfidence:     ind.LocalConfidence,
		ExternalConfidence:  ind.ExternalConfidence,
		SourceSet:           sourceSet,
		Categories:          ind.Categories,
		ExternalReferences:  refs,
	}

	if ind.Geo != nil {
		w.GeoCountryCode = ind.Geo.CountryCode
		w.GeoCountryName = ind.Geo.CountryName
		w.GeoCity = ind.Geo.City
		w.GeoCoordinates = &geoCoords{Lat: ind.Geo.Lat, Lon: ind.Geo.Lon}
		w.GeoLocation = &geoCoords{Lat: ind.Geo.Lat, Lon: ind.Geo.Lon}
		w.GeoPoint = []float64{ind.Geo.Lon, ind.Geo.Lat}
	}

	return w
}

// manifestEntry is one row of a collection manifest response.
type manifestEntry struct {
	ID        string `json:"id"`
	DateAdded string `json:"date_added"`
	Version   string `json:"version"`
	MediaType string `json:"media_type"`
}

func toManifestEntry(ind domain.Indicator) manifestEntry {
	stamp := ind.ProcessedAt.UTC().Format(time.RFC3339)
	return manifestEntry{
		ID:        ind.ID(),
		DateAdded: stamp,
		Version:   stamp,
		MediaType: mediaType,
	}
}
