package service

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"sort"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/kjstillabower/covid-tracker-service/internal/cache"
	"github.com/kjstillabower/covid-tracker-service/internal/charts"
	"github.com/kjstillabower/covid-tracker-service/internal/dataset"
	"github.com/kjstillabower/covid-tracker-service/internal/models"
	"github.com/kjstillabower/covid-tracker-service/internal/observability"
)

// DashboardService answers every dashboard view from the shared, immutable dataset.
// All derivations are recomputed per call; only CSV exports are cached.
type DashboardService struct {
	data            *dataset.Dataset
	cache           cache.Cache
	ttl             time.Duration
	stampedeTracker *stampedeTracker
	coalescer       *requestCoalescer // nil when coalescing is disabled
}

// NewDashboardService creates a DashboardService over data. ttl is the export cache
// expiry; coalesceEnabled and coalesceTimeout configure request coalescing for exports
// (disabled if timeout is 0).
func NewDashboardService(data *dataset.Dataset, exportCache cache.Cache, ttl time.Duration, coalesceEnabled bool, coalesceTimeout time.Duration) *DashboardService {
	var coalescer *requestCoalescer
	if coalesceEnabled && coalesceTimeout > 0 {
		coalescer = newRequestCoalescer(coalesceTimeout)
	}
	return &DashboardService{
		data:            data,
		cache:           exportCache,
		ttl:             ttl,
		stampedeTracker: newStampedeTracker(),
		coalescer:       coalescer,
	}
}

// loggerFromContext extracts a zap.Logger from request context if present.
func loggerFromContext(ctx context.Context) *zap.Logger {
	if v := ctx.Value("logger"); v != nil {
		if l, ok := v.(*zap.Logger); ok && l != nil {
			return l
		}
	}
	return nil
}

// Locations returns the sorted distinct location names for selection widgets.
func (s *DashboardService) Locations() []string {
	return s.data.Locations()
}

// LatestDate returns the global latest date used by every snapshot.
func (s *DashboardService) LatestDate() (time.Time, bool) {
	return s.data.MaxDate()
}

// LoadedAt returns when the dataset finished parsing.
func (s *DashboardService) LoadedAt() time.Time {
	return s.data.LoadedAt
}

// Columns returns the dataset header.
func (s *DashboardService) Columns() []string {
	return s.data.Columns
}

// Rows returns the number of rows in the dataset.
func (s *DashboardService) Rows() int {
	return s.data.Len()
}

// Filter returns the filtered view for sel.
func (s *DashboardService) Filter(ctx context.Context, sel models.Selection) dataset.Table {
	observability.RecordLocationQueries(sel.Locations)
	view := dataset.Filter(s.data.Table, sel.Locations, sel.Interval)
	observability.ViewRowsReturned.WithLabelValues("data").Observe(float64(view.Len()))
	if logger := loggerFromContext(ctx); logger != nil {
		logger.Debug("filtered view",
			zap.Strings("locations", sel.Locations),
			zap.Time("start", sel.Interval.Start),
			zap.Time("end", sel.Interval.End),
			zap.Int("rows", view.Len()))
	}
	return view
}

// Snapshot returns the latest-date rows for locations. The date is the dataset's global
// latest date, not the end of any selected interval.
func (s *DashboardService) Snapshot(ctx context.Context, locations []string) dataset.Table {
	observability.RecordLocationQueries(locations)
	view := dataset.LatestSnapshot(s.data, locations)
	observability.ViewRowsReturned.WithLabelValues("snapshot").Observe(float64(view.Len()))
	return view
}

// TimeSeries returns one line per location for a line view over the filtered range.
func (s *DashboardService) TimeSeries(ctx context.Context, v charts.View, sel models.Selection) ([]charts.Series, error) {
	view := s.Filter(ctx, sel)
	series, err := charts.TimeSeries(view, v.Column)
	if err != nil {
		return nil, fmt.Errorf("%s series: %w", v.Name, err)
	}
	return series, nil
}

// Rankings returns the bars of a bar view over the latest snapshot, highest value first.
func (s *DashboardService) Rankings(ctx context.Context, v charts.View, locations []string) ([]charts.Bar, error) {
	view := s.Snapshot(ctx, locations)
	bars, err := charts.Ranked(view, v.Column)
	if err != nil {
		return nil, fmt.Errorf("%s rankings: %w", v.Name, err)
	}
	return bars, nil
}

// Export returns the filtered view for sel as CSV, using the cache-aside pattern.
// Cache failures are logged and counted but never fail the request.
func (s *DashboardService) Export(ctx context.Context, sel models.Selection) ([]byte, error) {
	key := SelectionKey(sel)
	logger := loggerFromContext(ctx)

	if s.cache != nil {
		getStart := time.Now()
		cached, ok, err := s.cache.Get(ctx, key)
		getDuration := time.Since(getStart).Seconds()
		if err != nil {
			observability.ExportCacheErrorsTotal.WithLabelValues("get", categorizeCacheError(err)).Inc()
			observability.ExportCacheOperationDurationSeconds.WithLabelValues("get", "error").Observe(getDuration)
			if logger != nil {
				logger.Warn("export cache get failed", zap.Error(err))
			}
		} else if ok {
			observability.ExportCacheOperationDurationSeconds.WithLabelValues("get", "success").Observe(getDuration)
			observability.ExportCacheHitsTotal.WithLabelValues("export").Inc()
			observability.RecordLocationQueries(sel.Locations)
			if logger != nil {
				logger.Debug("export cache hit", zap.String("key", key))
			}
			return cached, nil
		}
	}

	if n := s.stampedeTracker.RecordMiss(key); n > 1 {
		observability.ExportStampedeDetectedTotal.Inc()
	}
	defer s.stampedeTracker.Resolve(key)

	payload, err := s.build(ctx, sel, key)
	if err != nil {
		return nil, fmt.Errorf("export selection: %w", err)
	}
	return payload, nil
}

// RefreshExport rebuilds the export for sel and overwrites its cache entry without
// reading the cache first, so the entry's TTL starts over.
func (s *DashboardService) RefreshExport(ctx context.Context, sel models.Selection) ([]byte, error) {
	payload, err := s.build(ctx, sel, SelectionKey(sel))
	if err != nil {
		return nil, fmt.Errorf("refresh export: %w", err)
	}
	return payload, nil
}

// build renders the CSV for sel and stores it under key, coalescing concurrent builds.
func (s *DashboardService) build(ctx context.Context, sel models.Selection, key string) ([]byte, error) {
	render := func() ([]byte, error) {
		payload, err := dataset.ExportCSV(s.Filter(ctx, sel))
		if err != nil {
			return nil, err
		}
		observability.ExportBytes.Observe(float64(len(payload)))
		s.store(ctx, key, payload)
		return payload, nil
	}
	if s.coalescer == nil {
		return render()
	}
	payload, shared, err := s.coalescer.Do(ctx, key, render)
	if shared && err == nil {
		observability.RequestCoalescingHitsTotal.Inc()
	}
	return payload, err
}

// store writes payload to the cache with a context detached from the request so a
// cancelled client does not prevent the cache fill.
func (s *DashboardService) store(ctx context.Context, key string, payload []byte) {
	if s.cache == nil {
		return
	}
	setStart := time.Now()
	err := s.cache.Set(context.WithoutCancel(ctx), key, payload, s.ttl)
	duration := time.Since(setStart).Seconds()
	if err != nil {
		observability.ExportCacheErrorsTotal.WithLabelValues("set", categorizeCacheError(err)).Inc()
		observability.ExportCacheOperationDurationSeconds.WithLabelValues("set", "error").Observe(duration)
		if logger := loggerFromContext(ctx); logger != nil {
			logger.Warn("export cache set failed", zap.String("key", key), zap.Int("bytes", len(payload)), zap.Error(err))
		}
		return
	}
	observability.ExportCacheOperationDurationSeconds.WithLabelValues("set", "success").Observe(duration)
}

// SelectionKey returns a stable cache key for sel. Location order and duplicates do not
// change the key since they do not change the filtered view.
func SelectionKey(sel models.Selection) string {
	locs := make([]string, len(sel.Locations))
	copy(locs, sel.Locations)
	sort.Strings(locs)
	var b strings.Builder
	prev := ""
	for i, l := range locs {
		if i > 0 && l == prev {
			continue
		}
		b.WriteString(l)
		b.WriteByte(0)
		prev = l
	}
	b.WriteString(sel.Interval.Start.UTC().Format(time.RFC3339))
	b.WriteByte(0)
	b.WriteString(sel.Interval.End.UTC().Format(time.RFC3339))
	sum := sha256.Sum256([]byte(b.String()))
	return hex.EncodeToString(sum[:])
}

// categorizeCacheError returns a stable label for cache error metrics (timeout, connection, unknown).
func categorizeCacheError(err error) string {
	if err == nil {
		return "unknown"
	}
	errStr := err.Error()
	if strings.Contains(errStr, "timeout") {
		return "timeout"
	}
	if strings.Contains(errStr, "connection") || strings.Contains(errStr, "network") {
		return "connection"
	}
	return "unknown"
}
