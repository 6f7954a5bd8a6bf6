package geo

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"ioctaxii/internal/domain"
)

const httpProviderTimeout = 5 * time.Second

func newHTTPClient() *http.Client {
	return &http.Client{Timeout: httpProviderTimeout}
}

// IPAPIProvider queries ip-api.com, grounded on original_source's
// _get_from_ipapi field mapping.
func IPAPIProvider() Provider {
	client := newHTTPClient()
	return Provider{
		Name: "ip-api.com",
		Lookup: func(ctx context.Context, ip string) (domain.GeoRecord, bool, error) {
			url := fmt.Sprintf("http://ip-api.com/json/%s?fields=status,message,country,countryCode,regionName,city,lat,lon,isp,org", ip)
			body, err := getJSON(ctx, client, url)
			if err != nil {
				return domain.GeoRecord{}, false, err
			}

			var parsed struct {
				Status      string  `json:"status"`
				Country     string  `json:"country"`
				CountryCode string  `json:"countryCode"`
				City        string  `json:"city"`
				Lat         float64 `json:"lat"`
				Lon         float64 `json:"lon"`
				ISP         string  `json:"isp"`
			}
			if err := json.Unmarshal(body, &parsed); err != nil {
				return domain.GeoRecord{}, false, fmt.Errorf("ip-api.com: decode: %w", err)
			}
			if parsed.Status != "success" {
				return domain.GeoRecord{}, false, nil
			}

			return domain.GeoRecord{
				IP:          ip,
				CountryCode: parsed.CountryCode,
				CountryName: parsed.Country,
				City:        parsed.City,
				Lat:         parsed.Lat,
				Lon:         parsed.Lon,
				ISP:         parsed.ISP,
			}, true, nil
		},
	}
}

// IPWhoisProvider queries ipwhois.app, grounded on original_source's
// _get_from_ipwhois field mapping.
func IPWhoisProvider() Provider {
	client := newHTTPClient()
	return Provider{
		Name: "ipwhois.app",
		Lookup: func(ctx context.Context, ip string) (domain.GeoRecord, bool, error) {
			url := fmt.Sprintf("http://ipwhois.app/json/%s", ip)
			body, err := getJSON(ctx, client, url)
			if err != nil {
				return domain.GeoRecord{}, false, err
			}

			var parsed struct {
				Success     bool    `json:"success"`
				Country     string  `json:"country"`
				CountryCode string  `json:"country_code"`
				City        string  `json:"city"`
				Latitude    float64 `json:"latitude"`
				Longitude   float64 `json:"longitude"`
				ISP         string  `json:"isp"`
			}
			if err := json.Unmarshal(body, &parsed); err != nil {
				return domain.GeoRecord{}, false, fmt.Errorf("ipwhois.app: decode: %w", err)
			}
			if !parsed.Success {
				return domain.GeoRecord{}, false, nil
			}

			return domain.GeoRecord{
				IP:          ip,
				CountryCode: parsed.CountryCode,
				CountryName: parsed.Country,
				City:        parsed.City,
				Lat:         parsed.Latitude,
				Lon:         parsed.Longitude,
				ISP:         parsed.ISP,
			}, true, nil
		},
	}
}

// GeoJSProvider queries geojs.io, grounded on original_source's
// _get_from_geojs field mapping.
func GeoJSProvider() Provider {
	client := newHTTPClient()
	return Provider{
		Name: "geojs.io",
		Lookup: func(ctx context.Context, ip string) (domain.GeoRecord, bool, error) {
			url := fmt.Sprintf("https://get.geojs.io/v1/ip/geo/%s.json", ip)
			body, err := getJSON(ctx, client, url)
			if err != nil {
				return domain.GeoRecord{}, false, err
			}

			var parsed struct {
				CountryCode string `json:"country_code"`
				Country     string `json:"country"`
				City        string `json:"city"`
				Latitude    string `json:"latitude"`
				Longitude   string `json:"longitude"`
			}
			if err := json.Unmarshal(body, &parsed); err != nil {
				return domain.GeoRecord{}, false, fmt.Errorf("geojs.io: decode: %w", err)
			}
			if parsed.CountryCode == "" {
				return domain.GeoRecord{}, false, nil
			}

			var lat, lon float64
			fmt.Sscanf(parsed.Latitude, "%g", &lat)
			fmt.Sscanf(parsed.Longitude, "%g", &lon)

			return domain.GeoRecord{
				IP:          ip,
				CountryCode: parsed.CountryCode,
				CountryName: parsed.Country,
				City:        parsed.City,
				Lat:         lat,
				Lon:         lon,
			}, true, nil
		},
	}
}

func getJSON(ctx context.Context, client *http.Client, url string) ([]byte, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return nil, err
	}

	resp, err := client.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	if resp.StatusCode == http.StatusTooManyRequests {
		return nil, ErrRateLimited
	}
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("unexpected status %d", resp.StatusCode)
	}

	return io.ReadAll(resp.Body)
}
