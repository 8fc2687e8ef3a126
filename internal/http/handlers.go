package http

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/gorilla/mux"
	"go.uber.org/zap"

	"github.com/kjstillabower/covid-tracker-service/internal/charts"
	"github.com/kjstillabower/covid-tracker-service/internal/dataset"
	"github.com/kjstillabower/covid-tracker-service/internal/lifecycle"
	"github.com/kjstillabower/covid-tracker-service/internal/models"
	"github.com/kjstillabower/covid-tracker-service/internal/observability"
	"github.com/kjstillabower/covid-tracker-service/internal/service"
	"github.com/kjstillabower/covid-tracker-service/internal/traffic"
	"github.com/kjstillabower/covid-tracker-service/internal/validation"
)

// HealthConfig holds lifecycle thresholds for the health handler.
type HealthConfig struct {
	OverloadWindow       time.Duration
	OverloadThresholdPct int
	RateLimitRPS         int
	RateLimitBurst       int // 0 when rate limiter disabled
	// CachePing, when set, is called to check cache reachability. Used when backend is memcached.
	CachePing func() error
}

// Defaults is the selection applied when a request omits a parameter.
type Defaults struct {
	Locations []string
	Start     time.Time
	End       time.Time
}

// Handler holds dependencies for HTTP handlers.
type Handler struct {
	dashboard        *service.DashboardService
	healthConfig     *HealthConfig
	defaults         Defaults
	maxLocationLen   int
	chartSize        charts.Size
	logger           *zap.Logger
	healthStatusMu   sync.Mutex
	healthStatusPrev string
}

// NewHandler returns a new Handler. maxLocationLen bounds each location parameter; 0 means
// no limit. chartSize is the PNG size; zero fields use the renderer default.
func NewHandler(
	dashboard *service.DashboardService,
	healthConfig *HealthConfig,
	defaults Defaults,
	maxLocationLen int,
	chartSize charts.Size,
	logger *zap.Logger,
) *Handler {
	return &Handler{
		dashboard:      dashboard,
		healthConfig:   healthConfig,
		defaults:       defaults,
		maxLocationLen: maxLocationLen,
		chartSize:      chartSize,
		logger:         logger,
	}
}

// tableResponse is the JSON shape of a filtered view or snapshot.
type tableResponse struct {
	Date    string     `json:"date,omitempty"`
	Columns []string   `json:"columns"`
	Rows    [][]string `json:"rows"`
	Count   int        `json:"count"`
}

func newTableResponse(t dataset.Table) tableResponse {
	rows := make([][]string, 0, len(t.Rows))
	for _, r := range t.Rows {
		rows = append(rows, r.Fields)
	}
	return tableResponse{Columns: t.Columns, Rows: rows, Count: len(rows)}
}

// GetLocations handles GET /api/locations.
func (h *Handler) GetLocations(w http.ResponseWriter, r *http.Request) {
	defaults := h.defaults.Locations
	if defaults == nil {
		defaults = []string{}
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"locations": h.dashboard.Locations(),
		"defaults":  defaults,
	})
}

// GetData handles GET /api/data.
func (h *Handler) GetData(w http.ResponseWriter, r *http.Request) {
	sel, ok := h.parseSelection(w, r)
	if !ok {
		return
	}
	writeJSON(w, http.StatusOK, newTableResponse(h.dashboard.Filter(r.Context(), sel)))
}

// GetSnapshot handles GET /api/snapshot. The interval parameters are ignored; the
// response carries the dataset-wide latest date it was taken on.
func (h *Handler) GetSnapshot(w http.ResponseWriter, r *http.Request) {
	locations, ok := h.parseLocations(w, r)
	if !ok {
		return
	}
	resp := newTableResponse(h.dashboard.Snapshot(r.Context(), locations))
	if latest, ok := h.dashboard.LatestDate(); ok {
		resp.Date = latest.Format(validation.DateLayout)
	}
	writeJSON(w, http.StatusOK, resp)
}

// GetChart handles GET /api/charts/{view}.
func (h *Handler) GetChart(w http.ResponseWriter, r *http.Request) {
	v, sel, ok := h.parseChartRequest(w, r)
	if !ok {
		return
	}
	resp := map[string]interface{}{
		"view":   v.Name,
		"title":  v.Title,
		"kind":   v.Kind,
		"column": v.Column,
		"yLabel": v.YLabel,
	}
	switch v.Kind {
	case charts.KindLine:
		series, err := h.dashboard.TimeSeries(r.Context(), v, sel)
		if err != nil {
			writeChartError(w, r, err)
			return
		}
		resp["series"] = series
	default:
		bars, err := h.dashboard.Rankings(r.Context(), v, sel.Locations)
		if err != nil {
			writeChartError(w, r, err)
			return
		}
		if latest, ok := h.dashboard.LatestDate(); ok {
			resp["date"] = latest.Format(validation.DateLayout)
		}
		resp["bars"] = bars
	}
	writeJSON(w, http.StatusOK, resp)
}

// GetChartPNG handles GET /api/charts/{view}.png.
func (h *Handler) GetChartPNG(w http.ResponseWriter, r *http.Request) {
	v, sel, ok := h.parseChartRequest(w, r)
	if !ok {
		return
	}
	start := time.Now()
	var buf bytes.Buffer
	var err error
	switch v.Kind {
	case charts.KindLine:
		var series []charts.Series
		if series, err = h.dashboard.TimeSeries(r.Context(), v, sel); err == nil {
			err = charts.RenderLine(&buf, v, series, h.chartSize)
		}
	default:
		var bars []charts.Bar
		if bars, err = h.dashboard.Rankings(r.Context(), v, sel.Locations); err == nil {
			err = charts.RenderBar(&buf, v, bars, h.chartSize)
		}
	}
	if err != nil {
		writeChartError(w, r, err)
		return
	}
	observability.ChartRenderDurationSeconds.WithLabelValues(v.Name).Observe(time.Since(start).Seconds())
	w.Header().Set("Content-Type", "image/png")
	w.Header().Set("Content-Length", strconv.Itoa(buf.Len()))
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write(buf.Bytes())
}

// GetExport handles GET /api/export.
func (h *Handler) GetExport(w http.ResponseWriter, r *http.Request) {
	sel, ok := h.parseSelection(w, r)
	if !ok {
		return
	}
	payload, err := h.dashboard.Export(r.Context(), sel)
	if err != nil {
		if logger, ok := r.Context().Value("logger").(*zap.Logger); ok && logger != nil {
			logger.Error("export failed", zap.Error(err))
		}
		writeError(w, r, http.StatusInternalServerError, "EXPORT_FAILED", "Unable to export data")
		return
	}
	w.Header().Set("Content-Type", "text/csv; charset=utf-8")
	w.Header().Set("Content-Disposition", `attachment; filename="`+dataset.ExportFilename+`"`)
	w.Header().Set("Content-Length", strconv.Itoa(len(payload)))
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write(payload)
}

// parseChartRequest resolves the {view} path variable and the selection for it.
func (h *Handler) parseChartRequest(w http.ResponseWriter, r *http.Request) (charts.View, models.Selection, bool) {
	name := mux.Vars(r)["view"]
	v, found := charts.Lookup(name)
	if !found {
		writeError(w, r, http.StatusNotFound, "UNKNOWN_VIEW", "unknown chart view: "+name+" (known: "+strings.Join(charts.Names(), ", ")+")")
		return charts.View{}, models.Selection{}, false
	}
	sel, ok := h.parseSelection(w, r)
	if !ok {
		return charts.View{}, models.Selection{}, false
	}
	return v.WithMetric(sel.Metric), sel, true
}

// parseSelection reads location, start, end and metric from the query string, applying
// the configured defaults for absent parameters.
func (h *Handler) parseSelection(w http.ResponseWriter, r *http.Request) (models.Selection, bool) {
	locations, ok := h.parseLocations(w, r)
	if !ok {
		return models.Selection{}, false
	}
	q := r.URL.Query()
	start, ok := h.parseDateParam(w, r, q.Get("start"), h.defaults.Start, "start")
	if !ok {
		return models.Selection{}, false
	}
	end, ok := h.parseDateParam(w, r, q.Get("end"), h.defaults.End, "end")
	if !ok {
		return models.Selection{}, false
	}
	metric, err := validation.ParseMetric(q.Get("metric"))
	if err != nil {
		writeError(w, r, http.StatusBadRequest, "UNKNOWN_METRIC", err.Error()+": "+q.Get("metric"))
		return models.Selection{}, false
	}
	return models.Selection{
		Locations: locations,
		Interval:  models.Interval{Start: start, End: end},
		Metric:    metric,
	}, true
}

// parseLocations distinguishes an absent location parameter (defaults) from a present
// but empty one (empty selection).
func (h *Handler) parseLocations(w http.ResponseWriter, r *http.Request) ([]string, bool) {
	values, present := r.URL.Query()["location"]
	if !present {
		return append([]string{}, h.defaults.Locations...), true
	}
	locations, err := validation.ParseLocations(values, h.maxLocationLen)
	if err != nil {
		writeError(w, r, http.StatusBadRequest, "INVALID_LOCATION", err.Error())
		return nil, false
	}
	return locations, true
}

func (h *Handler) parseDateParam(w http.ResponseWriter, r *http.Request, raw string, fallback time.Time, name string) (time.Time, bool) {
	if strings.TrimSpace(raw) == "" {
		return fallback, true
	}
	t, err := validation.ParseDate(raw)
	if err != nil {
		writeError(w, r, http.StatusBadRequest, "INVALID_DATE", name+": "+err.Error())
		return time.Time{}, false
	}
	return t, true
}

// writeChartError maps chart derivation failures to responses.
func writeChartError(w http.ResponseWriter, r *http.Request, err error) {
	switch {
	case errors.Is(err, charts.ErrUnknownColumn):
		writeError(w, r, http.StatusUnprocessableEntity, "COLUMN_UNAVAILABLE", err.Error())
	case errors.Is(err, charts.ErrNoData):
		writeError(w, r, http.StatusUnprocessableEntity, "NO_DATA", "No data to plot for this selection")
	default:
		if logger, ok := r.Context().Value("logger").(*zap.Logger); ok && logger != nil {
			logger.Error("chart failed", zap.Error(err))
		}
		writeError(w, r, http.StatusInternalServerError, "CHART_FAILED", "Unable to build chart")
	}
}

// healthResult holds the computed health status and metadata for logging.
type healthResult struct {
	status     string
	statusCode int
	reason     string
}

// GetHealth handles GET /health.
func (h *Handler) GetHealth(w http.ResponseWriter, r *http.Request) {
	result := h.computeHealthStatus(r.Context())

	h.healthStatusMu.Lock()
	prev := h.healthStatusPrev
	if prev != "" && prev != result.status {
		h.logger.Info("health status transition",
			zap.String("previous_status", prev),
			zap.String("current_status", result.status),
			zap.String("reason", result.reason))
	}
	h.healthStatusPrev = result.status
	h.healthStatusMu.Unlock()

	checks := map[string]string{"dataset": "healthy"}
	if h.dashboard == nil || h.dashboard.Rows() == 0 {
		checks["dataset"] = "empty"
	}
	if h.healthConfig != nil && h.healthConfig.CachePing != nil {
		if h.healthConfig.CachePing() == nil {
			checks["cache"] = "healthy"
		} else {
			checks["cache"] = "unhealthy"
		}
	}
	resp := map[string]interface{}{
		"status":    result.status,
		"service":   observability.ServiceName,
		"version":   "dev",
		"checks":    checks,
		"timestamp": time.Now().UTC().Format(time.RFC3339),
	}
	if h.dashboard != nil {
		resp["datasetLoadedAt"] = h.dashboard.LoadedAt().UTC().Format(time.RFC3339)
	}
	writeJSON(w, result.statusCode, resp)
}

// computeHealthStatus evaluates health conditions in priority order:
// shutting-down > starting > overloaded > healthy.
func (h *Handler) computeHealthStatus(ctx context.Context) healthResult {
	switch lifecycle.CurrentPhase() {
	case lifecycle.PhaseDraining:
		return healthResult{"shutting-down", http.StatusServiceUnavailable, "signal"}
	case lifecycle.PhaseStarting:
		return healthResult{"starting", http.StatusServiceUnavailable, "warming"}
	}
	if h.healthConfig == nil || h.healthConfig.RateLimitRPS <= 0 || h.healthConfig.OverloadWindow <= 0 {
		return healthResult{"healthy", http.StatusOK, ""}
	}
	// Overloaded when rate-limit denials exceed the configured share of window capacity.
	threshold := float64(h.healthConfig.RateLimitRPS) * h.healthConfig.OverloadWindow.Seconds() * float64(h.healthConfig.OverloadThresholdPct) / 100
	if float64(traffic.DenialCount(h.healthConfig.OverloadWindow)) > threshold {
		return healthResult{"overloaded", http.StatusServiceUnavailable, "overload_threshold"}
	}
	return healthResult{"healthy", http.StatusOK, ""}
}

// writeJSON writes a JSON response with the specified HTTP status code.
func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

// writeError writes an error response in the standard error format with code, message,
// and requestId (correlation ID) if available in request context.
func writeError(w http.ResponseWriter, r *http.Request, status int, code, message string) {
	corrID := ""
	if v, ok := r.Context().Value("correlation_id").(string); ok {
		corrID = v
	}
	writeJSON(w, status, map[string]interface{}{
		"error": map[string]string{
			"code":      code,
			"message":   message,
			"requestId": corrID,
		},
	})
}
