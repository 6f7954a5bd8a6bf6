// Package geolite manages the on-disk GeoLite2 City database that
// internal/geo's local provider reads: downloading it from MaxMind
// under a license key, and replicating it to the other instances of a
// multi-instance deployment over Redis so only one instance needs to
// hold a license key.
package geolite

import (
	"archive/tar"
	"compress/gzip"
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/charmbracelet/log"
	"golang.org/x/sync/singleflight"

	"ioctaxii/internal/config"
	"ioctaxii/internal/geo"
	"ioctaxii/internal/support"
)

const (
	maxMindDownloadURL = "https://download.maxmind.com/app/geoip_download"
	userAgent          = "ioctaxii-geolite-updater/1.0"

	// cityEditionID is the MaxMind edition downloaded; internal/geo's
	// local provider only ever reads a City database.
	cityEditionID = "GeoLite2-City"
	cityFileName  = "GeoLite2-City.mmdb"

	licenseKeyEnv = "GEOLITE_LICENSE_KEY"
)

var (
	updateGroup singleflight.Group
	httpClient  = &http.Client{Timeout: 2 * time.Minute}
)

// ErrNoAPIKey indicates that the GeoLite license key is not configured
// in the environment. It is kept under the operator's control rather
// than the settings file, since it is a secret.
var ErrNoAPIKey = errors.New("geolite: license key is not configured")

// UpdateDatabases downloads the GeoLite2 City database into the
// directory named by config.Config.GeoLite.DataDir and loads it into
// internal/geo's local provider. It returns true when an update was
// performed. If the license key is missing the call is skipped and
// ErrNoAPIKey is returned.
func UpdateDatabases(ctx context.Context) (bool, error) {
	result, err, _ := updateGroup.Do("update", func() (interface{}, error) {
		licenseKey := strings.TrimSpace(support.GetEnv(licenseKeyEnv, ""))
		if licenseKey == "" {
			return false, ErrNoAPIKey
		}

		cfg := config.GetConfig()
		dataDir := dataDirOrDefault(cfg)
		if err := os.MkdirAll(dataDir, 0o755); err != nil {
			return false, fmt.Errorf("ensure data dir: %w", err)
		}

		destPath := filepath.Join(dataDir, cityFileName)
		if err := downloadEdition(ctx, licenseKey, destPath); err != nil {
			return false, err
		}

		if err := geo.LoadMaxmind(destPath); err != nil {
			return false, fmt.Errorf("load geolite: %w", err)
		}

		if err := PublishGeoLiteDatabases(ctx, []string{cityFileName}); err != nil {
			log.Warn("Failed to publish GeoLite database to redis", "error", err)
		}

		return true, nil
	})

	if err != nil {
		return false, err
	}

	updated, _ := result.(bool)
	return updated, nil
}

func dataDirOrDefault(cfg config.Config) string {
	if cfg.GeoLite.DataDir != "" {
		return cfg.GeoLite.DataDir
	}
	return "data/geolite"
}

func downloadEdition(ctx context.Context, licenseKey, destPath string) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, buildDownloadURL(licenseKey, cityEditionID), nil)
	if err != nil {
		return fmt.Errorf("create request: %w", err)
	}
	req.Header.Set("User-Agent", userAgent)

	resp, err := httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("download %s: %w", cityEditionID, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 2048))
		return fmt.Errorf("download %s: unexpected status %d: %s", cityEditionID, resp.StatusCode, strings.TrimSpace(string(body)))
	}

	gzipReader, err := gzip.NewReader(resp.Body)
	if err != nil {
		return fmt.Errorf("%s: open gzip: %w", cityEditionID, err)
	}
	defer gzipReader.Close()

	tarReader := tar.NewReader(gzipReader)
	for {
		header, err := tarReader.Next()
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			return fmt.Errorf("%s: read tar: %w", cityEditionID, err)
		}
		if header.Typeflag != tar.TypeReg {
			continue
		}
		if filepath.Base(header.Name) != cityFileName {
			continue
		}

		if err := writeToFile(destPath, tarReader); err != nil {
			return fmt.Errorf("%s: write file: %w", cityEditionID, err)
		}
		return nil
	}

	return fmt.Errorf("%s: mmdb file not found in archive", cityEditionID)
}

func writeToFile(destPath string, data io.Reader) error {
	if err := os.MkdirAll(filepath.Dir(destPath), 0o755); err != nil {
		return fmt.Errorf("create dir: %w", err)
	}

	tmpFile, err := os.CreateTemp(filepath.Dir(destPath), "geolite-*.mmdb")
	if err != nil {
		return fmt.Errorf("create temp file: %w", err)
	}
	defer func() {
		_ = os.Remove(tmpFile.Name())
	}()

	if _, err := io.Copy(tmpFile, data); err != nil {
		tmpFile.Close()
		return fmt.Errorf("copy data: %w", err)
	}

	if err := tmpFile.Sync(); err != nil {
		tmpFile.Close()
		return fmt.Errorf("sync temp file: %w", err)
	}

	if err := tmpFile.Close(); err != nil {
		return fmt.Errorf("close temp file: %w", err)
	}

	if err := os.Rename(tmpFile.Name(), destPath); err != nil {
		return fmt.Errorf("replace file: %w", err)
	}

	return nil
}

func buildDownloadURL(licenseKey, edition string) string {
	return fmt.Sprintf("%s?edition_id=%s&license_key=%s&suffix=tar.gz", maxMindDownloadURL, edition, licenseKey)
}
