package cache

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/kjstillabower/covid-tracker-service/internal/models"
	"github.com/kjstillabower/covid-tracker-service/internal/observability"
)

// ExportFetcher is implemented by the service layer. Export serves from the cache when it
// can and fills it on a miss; RefreshExport always rebuilds and overwrites the entry.
// Declared here so the warmer does not depend on the service package.
type ExportFetcher interface {
	Export(ctx context.Context, sel models.Selection) ([]byte, error)
	RefreshExport(ctx context.Context, sel models.Selection) ([]byte, error)
}

// CacheWarmer precomputes CSV exports for a fixed list of selections.
type CacheWarmer struct {
	fetcher ExportFetcher
	logger  *zap.Logger
}

// NewCacheWarmer creates a CacheWarmer that uses the given fetcher and logger.
func NewCacheWarmer(fetcher ExportFetcher, logger *zap.Logger) *CacheWarmer {
	return &CacheWarmer{fetcher: fetcher, logger: logger}
}

// Warm exports every selection concurrently, leaving entries already cached untouched.
// Returns an aggregated error if any failed.
func (w *CacheWarmer) Warm(ctx context.Context, selections []models.Selection) error {
	return w.run(ctx, selections, w.fetcher.Export)
}

func (w *CacheWarmer) run(ctx context.Context, selections []models.Selection, fetch func(context.Context, models.Selection) ([]byte, error)) error {
	start := time.Now()
	observability.CacheWarmingTotal.Inc()
	if w.logger != nil {
		w.logger.Info("warming export cache", zap.Int("selections", len(selections)))
	}
	var wg sync.WaitGroup
	errCh := make(chan error, len(selections))
	for _, sel := range selections {
		wg.Add(1)
		go func(sel models.Selection) {
			defer wg.Done()
			if _, err := fetch(ctx, sel); err != nil {
				errCh <- fmt.Errorf("warm %s: %w", strings.Join(sel.Locations, "|"), err)
			}
		}(sel)
	}
	wg.Wait()
	close(errCh)
	var errs []error
	for err := range errCh {
		errs = append(errs, err)
	}
	duration := time.Since(start).Seconds()
	observability.CacheWarmingDurationSeconds.Observe(duration)
	if w.logger != nil {
		w.logger.Info("export cache warming complete", zap.Int("selections", len(selections)), zap.Int("errors", len(errs)), zap.Float64("duration_seconds", duration))
	}
	if len(errs) > 0 {
		observability.CacheWarmingErrorsTotal.Inc()
		return fmt.Errorf("cache warming: %w", errors.Join(errs...))
	}
	return nil
}

// WarmPeriodic rebuilds every selection at each interval tick until ctx is done, resetting
// each entry's TTL. It does not warm on entry; call Warm first for that.
func (w *CacheWarmer) WarmPeriodic(ctx context.Context, selections []models.Selection, interval time.Duration) error {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			if err := w.run(ctx, selections, w.fetcher.RefreshExport); err != nil && w.logger != nil {
				w.logger.Warn("periodic cache warm failed", zap.Error(err))
			}
		}
	}
}
