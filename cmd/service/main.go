package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"go.uber.org/zap"
	"golang.org/x/time/rate"

	"github.com/kjstillabower/covid-tracker-service/internal/cache"
	"github.com/kjstillabower/covid-tracker-service/internal/charts"
	"github.com/kjstillabower/covid-tracker-service/internal/config"
	"github.com/kjstillabower/covid-tracker-service/internal/dataset"
	httphandler "github.com/kjstillabower/covid-tracker-service/internal/http"
	"github.com/kjstillabower/covid-tracker-service/internal/lifecycle"
	"github.com/kjstillabower/covid-tracker-service/internal/models"
	"github.com/kjstillabower/covid-tracker-service/internal/observability"
	"github.com/kjstillabower/covid-tracker-service/internal/service"
)

func main() {
	logger, err := observability.NewLogger()
	if err != nil {
		fmt.Fprintf(os.Stderr, "logger: %v\n", err)
		os.Exit(1)
	}
	defer func() { _ = logger.Sync() }()

	cfg, err := config.Load()
	if err != nil {
		logger.Fatal("config", zap.Error(err))
	}

	loader := dataset.NewLoader(cfg.DataPath, logger)
	data, err := loader.Load()
	if err != nil {
		logger.Fatal("dataset", zap.String("path", loader.Path()), zap.Error(err))
	}

	var exportCache cache.Cache
	var memcacheCloser *cache.MemcachedCache
	switch cfg.CacheBackend {
	case "memcached":
		mc, err := cache.NewMemcachedCache(cfg.MemcachedAddrs, cfg.MemcachedTimeout, cfg.MemcachedMaxIdleConns)
		if err != nil {
			logger.Fatal("memcached cache", zap.Error(err))
		}
		memcacheCloser = mc
		exportCache = mc
		logger.Info("cache backend: memcached", zap.String("addrs", cfg.MemcachedAddrs))
	default:
		exportCache = cache.NewInMemoryCache()
		logger.Info("cache backend: in_memory")
	}
	dashboard := service.NewDashboardService(data, exportCache, cfg.CacheTTL, cfg.CoalesceEnabled, cfg.CoalesceTimeout)

	healthConfig := &httphandler.HealthConfig{
		OverloadWindow:       cfg.OverloadWindow,
		OverloadThresholdPct: cfg.OverloadThresholdPct,
		RateLimitRPS:         cfg.RateLimitRPS,
		RateLimitBurst:       cfg.RateLimitBurst,
	}
	if memcacheCloser != nil {
		healthConfig.CachePing = memcacheCloser.Ping
	}
	defaults := httphandler.Defaults{
		Locations: cfg.DefaultLocations,
		Start:     cfg.DefaultStart,
		End:       cfg.DefaultEnd,
	}

	var limiter *rate.Limiter
	if cfg.RateLimitRPS > 0 {
		limiter = rate.NewLimiter(rate.Limit(cfg.RateLimitRPS), cfg.RateLimitBurst)
	}
	chartSize := charts.Size{Width: cfg.ChartWidth, Height: cfg.ChartHeight}
	handler := httphandler.NewHandler(dashboard, healthConfig, defaults, cfg.LocationMaxLength, chartSize, logger)

	observability.RegisterRateLimitGauges(cfg.OverloadWindow)
	observability.SetTrackedLocations(cfg.TrackedLocations)

	router := httphandler.NewRouter(handler, logger, limiter, cfg.RequestTimeout)
	lifecycle.SetPhase(lifecycle.PhaseStarting)

	srv := &http.Server{
		Addr:         ":" + cfg.ServerPort,
		Handler:      router,
		ReadTimeout:  10 * time.Second,
		WriteTimeout: 30 * time.Second,
	}

	go func() {
		logger.Info("server starting",
			zap.String("addr", ":"+cfg.ServerPort),
			zap.Int("rows", data.Len()),
			zap.Int("locations", len(data.Locations())))
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Fatal("server", zap.Error(err))
		}
	}()

	if cfg.CacheWarmEnabled {
		selections := []models.Selection{{
			Locations: cfg.DefaultLocations,
			Interval:  models.Interval{Start: cfg.DefaultStart, End: cfg.DefaultEnd},
		}}
		warmer := cache.NewCacheWarmer(dashboard, logger)
		warmCtx, warmCancel := context.WithTimeout(context.Background(), 30*time.Second)
		if err := warmer.Warm(warmCtx, selections); err != nil {
			logger.Warn("cache warming failed", zap.Error(err))
		}
		warmCancel()
		// Ticks rebuild the entries so they never age out while the process runs.
		if cfg.CacheWarmInterval > 0 {
			go func() {
				if err := warmer.WarmPeriodic(context.Background(), selections, cfg.CacheWarmInterval); err != nil && !errors.Is(err, context.Canceled) {
					logger.Error("periodic cache warming stopped", zap.Error(err))
				}
			}()
		}
	}

	lifecycle.SetPhase(lifecycle.PhaseServing)
	logger.Info("serving")

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	<-ctx.Done()
	stop()

	logger.Info("graceful shutdown triggered")
	lifecycle.SetPhase(lifecycle.PhaseDraining)
	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.ShutdownTimeout)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		logger.Error("server shutdown", zap.Error(err))
	}

	inFlight := httphandler.InFlightCount()
	logger.Info("waiting for in-flight requests", zap.Int64("count", inFlight))
	waitCtx, waitCancel := context.WithTimeout(context.Background(), cfg.ShutdownInFlightTimeout)
	defer waitCancel()
	if err := httphandler.WaitForInFlight(waitCtx, cfg.ShutdownCheckInterval); err != nil {
		logger.Warn("in-flight requests not completed", zap.Error(err), zap.Int64("remaining", httphandler.InFlightCount()))
	}

	if err := observability.FlushTelemetry(context.Background(), logger); err != nil {
		logger.Error("telemetry flush", zap.Error(err))
	}

	if memcacheCloser != nil {
		if err := memcacheCloser.Close(); err != nil {
			logger.Error("memcached close", zap.Error(err))
		}
	}
	logger.Info("shutdown complete")
}
