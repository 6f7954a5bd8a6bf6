package app

import (
	"context"
	"flag"
	"fmt"
	"os"
	"runtime/debug"
	"strconv"
	"time"

	"github.com/charmbracelet/log"
	"github.com/joho/godotenv"

	"ioctaxii/internal/app/server"
	"ioctaxii/internal/auth"
	"ioctaxii/internal/cache"
	"ioctaxii/internal/config"
	"ioctaxii/internal/correlate"
	"ioctaxii/internal/database"
	"ioctaxii/internal/geo"
	"ioctaxii/internal/geolite"
	"ioctaxii/internal/health"
	"ioctaxii/internal/jobs/runtime"
	"ioctaxii/internal/localreader"
	"ioctaxii/internal/preprocessor"
	"ioctaxii/internal/reputation"
	"ioctaxii/internal/support"
	"ioctaxii/internal/taxii"
)

const defaultBackendPort = 8082

func Run() error {
	if err := godotenv.Load(); err != nil {
		log.Warn("No .env file found. Falling back to system environment variables.")
	}

	logLevel := log.DebugLevel
	if parsed, err := log.ParseLevel(support.GetEnv("LOG_LEVEL", "debug")); err == nil {
		logLevel = parsed
	}
	log.SetLevel(logLevel)
	debug.SetMaxThreads(9999999999)

	backendPortFlag := flag.Int("backend-port", 0, "Port override for the TAXII/admin HTTP server (overrides listen_addr's port)")
	flag.Parse()

	if err := config.ReadSettings(); err != nil {
		return fmt.Errorf("failed to load settings: %w", err)
	}
	cfg := config.GetConfig()

	addr := cfg.ListenAddr
	if addr == "" {
		addr = fmt.Sprintf(":%d", defaultBackendPort)
	}
	if port := resolvePort("BACKEND_PORT", "PORT", *backendPortFlag); port != 0 {
		addr = fmt.Sprintf(":%d", port)
	}

	if _, err := database.SetupDB(); err != nil {
		return fmt.Errorf("failed to connect to local-threat database: %w", err)
	}

	redisClient, err := support.GetRedisClient()
	if err != nil {
		return fmt.Errorf("failed to get redis client: %w", err)
	}

	heartbeatCancel := runtime.LaunchInstanceHeartbeat(context.Background(), redisClient)
	defer heartbeatCancel()

	geolite.EnableRedisDistribution(context.Background(), redisClient)
	geoliteCtx, geoliteCancel := context.WithCancel(context.Background())
	defer geoliteCancel()
	go runtime.StartGeoLiteUpdateRoutine(geoliteCtx)

	appCache := cache.NewRedis(redisClient)

	reader := localreader.New(database.DB)

	repClient := reputation.New(
		support.GetEnv("REPUTATION_BASE_URL", "https://api.abuseipdb.com/api/v2"),
		support.GetEnv("REPUTATION_API_KEY", ""),
		cfg.Reputation.DailyLimit,
		appCache,
	)

	geoProviders := []geo.Provider{}
	if geo.Available() {
		geoProviders = append(geoProviders, geo.MaxmindProvider())
	}
	geoProviders = append(geoProviders, geo.IPAPIProvider(), geo.IPWhoisProvider(), geo.GeoJSProvider())
	geoEnricher := geo.New(geoProviders, appCache, time.Duration(cfg.Geo.RequestDelayMS)*time.Millisecond)

	correlateOpts := correlate.Options{
		Weights:                correlate.Weights{Local: cfg.Weights.Local, External: cfg.Weights.External},
		LocalConfidenceBoost:   cfg.LocalConfidenceBoost,
		MinimumFinalConfidence: cfg.MinimumFinalConfidence,
	}
	if err := correlateOpts.Weights.Validate(); err != nil {
		return fmt.Errorf("invalid correlation weights: %w", err)
	}

	preproc := preprocessor.New(reader, repClient, geoEnricher, appCache, preprocessor.Options{
		Interval:  cfg.Preprocessor.Interval.Duration(),
		BatchSize: cfg.Preprocessor.BatchSize,
		Correlate: correlateOpts,
	})

	preprocCtx, preprocCancel := context.WithCancel(context.Background())
	defer preprocCancel()
	if cfg.Preprocessor.AutoStart {
		go func() {
			leaderErr := support.RunWithLeader(preprocCtx, "ioctaxii:leader:preprocessor", support.DefaultLeadershipTTL, func(leaderCtx context.Context) {
				preproc.Run(leaderCtx, true)
			})
			if leaderErr != nil && preprocCtx.Err() == nil {
				log.Error("preprocessor leader routine stopped", "error", leaderErr)
			}
		}()
	}

	adminSecret := support.GetEnv("ADMIN_SECRET", "")
	if adminSecret == "" {
		return fmt.Errorf("ADMIN_SECRET must be set")
	}
	authenticator, err := auth.LoadOrInit(adminSecret, "data/admin_secret.hash")
	if err != nil {
		return fmt.Errorf("failed to initialize admin authenticator: %w", err)
	}

	healthServer := health.New(appCache, repClient, preproc, cfg.Preprocessor.Interval.Duration())

	deps := server.Deps{
		TAXII:        taxii.New(appCache),
		Health:       healthServer,
		Auth:         authenticator,
		Preprocessor: preproc,
	}

	return server.OpenRoutes(addr, deps)
}

func resolvePort(primaryEnv, legacyEnv string, fallback int) int {
	if port := readPort(primaryEnv); port != 0 {
		return port
	}
	if port := readPort(legacyEnv); port != 0 {
		return port
	}
	return fallback
}

func readPort(envKey string) int {
	raw := os.Getenv(envKey)
	if raw == "" {
		return 0
	}
	port, err := strconv.Atoi(raw)
	if err != nil || port == 0 {
		log.Warn("invalid port override", "env", envKey, "value", raw)
		return 0
	}
	return port
}
