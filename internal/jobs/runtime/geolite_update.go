package runtime

import (
	"context"
	"errors"
	"time"

	"github.com/charmbracelet/log"

	"ioctaxii/internal/config"
	"ioctaxii/internal/geolite"
	"ioctaxii/internal/support"
)

const (
	geoLiteUpdateLockKey       = "ioctaxii:leader:geolite_update"
	geoLiteUpdateFallbackEvery = 7 * 24 * time.Hour
)

// StartGeoLiteUpdateRoutine runs the GeoLite2 City database refresh on its
// own interval, separate from the indicator rebuild cycle, gated behind
// leader election so only one instance in a deployment downloads from
// MaxMind and republishes to the others over Redis.
func StartGeoLiteUpdateRoutine(ctx context.Context) {
	if ctx == nil {
		ctx = context.Background()
	}

	err := support.RunWithLeader(ctx, geoLiteUpdateLockKey, support.DefaultLeadershipTTL, runGeoLiteUpdateLoop)
	if err != nil && !errors.Is(err, context.Canceled) {
		log.Error("GeoLite update routine stopped", "error", err)
	}
}

func runGeoLiteUpdateLoop(ctx context.Context) {
	interval := config.GetConfig().GeoLite.UpdateInterval.Duration()
	if interval <= 0 {
		interval = geoLiteUpdateFallbackEvery
	}

	triggerGeoLiteUpdate(ctx, "startup")

	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			triggerGeoLiteUpdate(ctx, "scheduled")
		}
	}
}

// RunGeoLiteUpdate runs the updater on demand, outside the scheduled loop.
func RunGeoLiteUpdate(ctx context.Context, reason string) {
	if ctx == nil {
		ctx = context.Background()
	}
	triggerGeoLiteUpdate(ctx, reason)
}

func triggerGeoLiteUpdate(ctx context.Context, reason string) {
	updated, err := geolite.UpdateDatabases(ctx)
	switch {
	case errors.Is(err, geolite.ErrNoAPIKey):
		log.Debug("GeoLite update skipped: license key missing", "reason", reason)
	case err != nil:
		log.Error("GeoLite update failed", "reason", reason, "error", err)
	case updated:
		log.Info("GeoLite database updated", "reason", reason)
	default:
		log.Debug("GeoLite update skipped", "reason", reason)
	}
}
