package http

import (
	"net/http"
	"time"

	"github.com/gorilla/mux"
	"go.uber.org/zap"
	"golang.org/x/time/rate"

	"github.com/kjstillabower/covid-tracker-service/internal/observability"
)

// NewRouter wires every route. /health and /metrics sit outside the rate limiter and
// request timeout; the /api subrouter gets both. limiter may be nil.
func NewRouter(h *Handler, logger *zap.Logger, limiter *rate.Limiter, requestTimeout time.Duration) *mux.Router {
	router := mux.NewRouter()
	router.Use(CorrelationIDMiddleware(logger))
	router.Use(MetricsMiddleware)

	router.HandleFunc("/health", h.GetHealth).Methods(http.MethodGet)
	router.Handle("/metrics", observability.MetricsHandler()).Methods(http.MethodGet)

	api := router.PathPrefix("/api").Subrouter()
	api.Use(RateLimitMiddleware(limiter))
	if requestTimeout > 0 {
		api.Use(TimeoutMiddleware(requestTimeout))
	}
	api.HandleFunc("/locations", h.GetLocations).Methods(http.MethodGet)
	api.HandleFunc("/data", h.GetData).Methods(http.MethodGet)
	api.HandleFunc("/snapshot", h.GetSnapshot).Methods(http.MethodGet)
	api.HandleFunc("/export", h.GetExport).Methods(http.MethodGet)
	// The .png route must be registered first; {view} alone would also match "cases.png".
	api.HandleFunc("/charts/{view:[a-z-]+}.png", h.GetChartPNG).Methods(http.MethodGet)
	api.HandleFunc("/charts/{view}", h.GetChart).Methods(http.MethodGet)
	return router
}
