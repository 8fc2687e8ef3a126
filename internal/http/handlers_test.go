package http

import (
	"context"
	"encoding/json"
	"image/png"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/mux"
	"github.com/jonboulle/clockwork"
	"go.uber.org/zap"
	"go.uber.org/zap/zaptest/observer"

	"github.com/kjstillabower/covid-tracker-service/internal/cache"
	"github.com/kjstillabower/covid-tracker-service/internal/charts"
	"github.com/kjstillabower/covid-tracker-service/internal/dataset"
	"github.com/kjstillabower/covid-tracker-service/internal/lifecycle"
	"github.com/kjstillabower/covid-tracker-service/internal/service"
	"github.com/kjstillabower/covid-tracker-service/internal/traffic"
)

// handlerCSV has no new_deaths_smoothed_per_million column so the deaths view is unavailable.
const handlerCSV = `location,date,new_cases_smoothed_per_million,total_cases_per_million,people_fully_vaccinated_per_hundred,total_vaccinations_per_hundred
Kenya,2020-12-31,3,900,,
Kenya,2021-01-01,5,1000,,
United States,2021-01-01,10,60000,1,2
India,2021-01-01,7,7500,,
Kenya,2022-06-01,2,5800,15,28
United States,2022-06-01,30,250000,65,180
India,2022-06-01,3,30000,60,140
Kenya,2023-05-01,1,6000,17,30
United States,2023-05-01,2,300000,69,200
India,2023-05-01,0.5,31000,67,150
`

func day(s string) time.Time {
	t, _ := time.Parse("2006-01-02", s)
	return t
}

func defaultSelection() Defaults {
	return Defaults{
		Locations: []string{"Kenya", "United States", "India"},
		Start:     day("2021-01-01"),
		End:       day("2023-01-01"),
	}
}

// newTestHandler builds a Handler over handlerCSV with an in-memory export cache.
func newTestHandler(t *testing.T, logger *zap.Logger, healthConfig *HealthConfig) *Handler {
	t.Helper()
	d, err := dataset.Parse(strings.NewReader(handlerCSV))
	if err != nil {
		t.Fatalf("Parse() error = %v", err)
	}
	dashboard := service.NewDashboardService(d, cache.NewInMemoryCache(), 5*time.Minute, false, 0)
	return NewHandler(dashboard, healthConfig, defaultSelection(), 100, charts.Size{}, logger)
}

func serve(t *testing.T, h *Handler, path string) *httptest.ResponseRecorder {
	t.Helper()
	router := NewRouter(h, zap.NewNop(), nil, 0)
	req := httptest.NewRequest("GET", path, nil)
	w := httptest.NewRecorder()
	router.ServeHTTP(w, req)
	return w
}

type tableBody struct {
	Date    string     `json:"date"`
	Columns []string   `json:"columns"`
	Rows    [][]string `json:"rows"`
	Count   int        `json:"count"`
}

type errorBody struct {
	Error struct {
		Code      string `json:"code"`
		Message   string `json:"message"`
		RequestID string `json:"requestId"`
	} `json:"error"`
}

func decodeError(t *testing.T, w *httptest.ResponseRecorder) errorBody {
	t.Helper()
	var body errorBody
	if err := json.NewDecoder(w.Body).Decode(&body); err != nil {
		t.Fatalf("decode error response: %v", err)
	}
	return body
}

func rowLocations(rows [][]string) []string {
	out := make([]string, 0, len(rows))
	for _, r := range rows {
		out = append(out, r[0])
	}
	return out
}

// TestHandler_GetLocations verifies the sorted location list and defaults.
func TestHandler_GetLocations(t *testing.T) {
	// Arrange
	h := newTestHandler(t, zap.NewNop(), nil)

	// Act
	w := serve(t, h, "/api/locations")

	// Assert
	if w.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200", w.Code)
	}
	var body struct {
		Locations []string `json:"locations"`
		Defaults  []string `json:"defaults"`
	}
	if err := json.NewDecoder(w.Body).Decode(&body); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if got := strings.Join(body.Locations, ","); got != "India,Kenya,United States" {
		t.Errorf("locations = %s", got)
	}
	if got := strings.Join(body.Defaults, ","); got != "Kenya,United States,India" {
		t.Errorf("defaults = %s", got)
	}
}

// TestHandler_GetData_DefaultSelection verifies an absent location parameter uses the
// default locations and interval.
func TestHandler_GetData_DefaultSelection(t *testing.T) {
	h := newTestHandler(t, zap.NewNop(), nil)

	w := serve(t, h, "/api/data")

	if w.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200", w.Code)
	}
	var body tableBody
	if err := json.NewDecoder(w.Body).Decode(&body); err != nil {
		t.Fatalf("decode: %v", err)
	}
	// 2021-01-01 and 2022-06-01 rows for three locations; 2020-12-31 and 2023 rows excluded.
	if body.Count != 6 || len(body.Rows) != 6 {
		t.Errorf("count = %d rows = %d, want 6", body.Count, len(body.Rows))
	}
	if body.Columns[0] != "location" || body.Columns[1] != "date" {
		t.Errorf("columns = %v", body.Columns)
	}
}

func TestHandler_GetData_ExplicitSelection(t *testing.T) {
	h := newTestHandler(t, zap.NewNop(), nil)

	w := serve(t, h, "/api/data?location=Kenya&location=India&start=2021-01-01&end=2023-12-31")

	var body tableBody
	if err := json.NewDecoder(w.Body).Decode(&body); err != nil {
		t.Fatalf("decode: %v", err)
	}
	want := "Kenya,India,Kenya,India,Kenya,India"
	if got := strings.Join(rowLocations(body.Rows), ","); got != want {
		t.Errorf("row locations = %s, want %s (dataset order)", got, want)
	}
}

func TestHandler_GetData_EmptySelections(t *testing.T) {
	h := newTestHandler(t, zap.NewNop(), nil)

	tests := []struct {
		name string
		path string
	}{
		{"empty location param", "/api/data?location="},
		{"start after end", "/api/data?location=Kenya&start=2023-01-01&end=2021-01-01"},
		{"unknown location", "/api/data?location=Atlantis"},
		{"case mismatch", "/api/data?location=kenya"},
		{"padded location", "/api/data?location=%20Kenya%20"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			w := serve(t, h, tt.path)
			if w.Code != http.StatusOK {
				t.Fatalf("status = %d, want 200", w.Code)
			}
			var body tableBody
			if err := json.NewDecoder(w.Body).Decode(&body); err != nil {
				t.Fatalf("decode: %v", err)
			}
			if body.Count != 0 || body.Rows == nil {
				t.Errorf("count = %d rows = %v, want empty non-null rows", body.Count, body.Rows)
			}
		})
	}
}

func TestHandler_ValidationErrors(t *testing.T) {
	h := newTestHandler(t, zap.NewNop(), nil)

	tests := []struct {
		name     string
		path     string
		wantCode string
	}{
		{"bad start", "/api/data?start=2021/01/01", "INVALID_DATE"},
		{"bad end", "/api/export?end=yesterday", "INVALID_DATE"},
		{"long location", "/api/data?location=" + strings.Repeat("x", 101), "INVALID_LOCATION"},
		{"control char", "/api/snapshot?location=Ken%00ya", "INVALID_LOCATION"},
		{"unknown metric", "/api/charts/vaccinations?metric=new_cases", "UNKNOWN_METRIC"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			w := serve(t, h, tt.path)
			if w.Code != http.StatusBadRequest {
				t.Fatalf("status = %d, want 400", w.Code)
			}
			if got := decodeError(t, w).Error.Code; got != tt.wantCode {
				t.Errorf("error.code = %q, want %q", got, tt.wantCode)
			}
		})
	}
}

// TestHandler_GetSnapshot verifies the snapshot uses the dataset-wide latest date and
// ignores the interval parameters.
func TestHandler_GetSnapshot(t *testing.T) {
	h := newTestHandler(t, zap.NewNop(), nil)

	w := serve(t, h, "/api/snapshot?location=Kenya&location=India&start=2021-01-01&end=2021-02-01")

	if w.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200", w.Code)
	}
	var body tableBody
	if err := json.NewDecoder(w.Body).Decode(&body); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if body.Date != "2023-05-01" {
		t.Errorf("date = %q, want 2023-05-01", body.Date)
	}
	if got := strings.Join(rowLocations(body.Rows), ","); got != "Kenya,India" {
		t.Errorf("row locations = %s, want Kenya,India", got)
	}
}

func TestHandler_GetChart_Line(t *testing.T) {
	h := newTestHandler(t, zap.NewNop(), nil)

	w := serve(t, h, "/api/charts/cases?location=Kenya&location=United%20States")

	if w.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200: %s", w.Code, w.Body.String())
	}
	var body struct {
		Kind   string `json:"kind"`
		Column string `json:"column"`
		Series []struct {
			Location string `json:"location"`
			Points   []struct {
				Value float64 `json:"value"`
			} `json:"points"`
		} `json:"series"`
	}
	if err := json.NewDecoder(w.Body).Decode(&body); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if body.Kind != "line" || body.Column != "new_cases_smoothed_per_million" {
		t.Errorf("kind = %s column = %s", body.Kind, body.Column)
	}
	if len(body.Series) != 2 || body.Series[0].Location != "Kenya" {
		t.Fatalf("series = %+v", body.Series)
	}
	if len(body.Series[0].Points) != 2 || body.Series[0].Points[0].Value != 5 {
		t.Errorf("Kenya points = %+v", body.Series[0].Points)
	}
}

func TestHandler_GetChart_VaccinationMetricChoice(t *testing.T) {
	h := newTestHandler(t, zap.NewNop(), nil)

	w := serve(t, h, "/api/charts/vaccinations?metric=people_fully_vaccinated_per_hundred")

	var body struct {
		Column string `json:"column"`
	}
	if err := json.NewDecoder(w.Body).Decode(&body); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if body.Column != "people_fully_vaccinated_per_hundred" {
		t.Errorf("column = %q", body.Column)
	}
}

func TestHandler_GetChart_BarRanking(t *testing.T) {
	h := newTestHandler(t, zap.NewNop(), nil)

	w := serve(t, h, "/api/charts/total-cases")

	if w.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200", w.Code)
	}
	var body struct {
		Date string `json:"date"`
		Bars []struct {
			Location string   `json:"location"`
			Value    *float64 `json:"value"`
		} `json:"bars"`
	}
	if err := json.NewDecoder(w.Body).Decode(&body); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if body.Date != "2023-05-01" {
		t.Errorf("date = %q", body.Date)
	}
	var order []string
	for _, b := range body.Bars {
		order = append(order, b.Location)
	}
	if got := strings.Join(order, ","); got != "United States,India,Kenya" {
		t.Errorf("bar order = %s", got)
	}
}

func TestHandler_GetChart_Errors(t *testing.T) {
	h := newTestHandler(t, zap.NewNop(), nil)

	tests := []struct {
		name       string
		path       string
		wantStatus int
		wantCode   string
	}{
		{"unknown view", "/api/charts/hospitalizations", http.StatusNotFound, "UNKNOWN_VIEW"},
		{"unknown view png", "/api/charts/hospitalizations.png", http.StatusNotFound, "UNKNOWN_VIEW"},
		{"missing column", "/api/charts/deaths", http.StatusUnprocessableEntity, "COLUMN_UNAVAILABLE"},
		{"no data png", "/api/charts/cases.png?location=", http.StatusUnprocessableEntity, "NO_DATA"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			w := serve(t, h, tt.path)
			if w.Code != tt.wantStatus {
				t.Fatalf("status = %d, want %d", w.Code, tt.wantStatus)
			}
			if got := decodeError(t, w).Error.Code; got != tt.wantCode {
				t.Errorf("error.code = %q, want %q", got, tt.wantCode)
			}
		})
	}
}

func TestHandler_GetChart_UnknownViewListsKnownViews(t *testing.T) {
	h := newTestHandler(t, zap.NewNop(), nil)

	w := serve(t, h, "/api/charts/hospitalizations")
	if w.Code != http.StatusNotFound {
		t.Fatalf("status = %d, want 404", w.Code)
	}
	msg := decodeError(t, w).Error.Message
	for _, name := range []string{"hospitalizations", "cases", "fully-vaccinated"} {
		if !strings.Contains(msg, name) {
			t.Errorf("message %q does not mention %q", msg, name)
		}
	}
}

func TestHandler_GetChartPNG(t *testing.T) {
	h := newTestHandler(t, zap.NewNop(), nil)

	for _, view := range []string{"cases", "fully-vaccinated"} {
		t.Run(view, func(t *testing.T) {
			w := serve(t, h, "/api/charts/"+view+".png")
			if w.Code != http.StatusOK {
				t.Fatalf("status = %d, want 200: %s", w.Code, w.Body.String())
			}
			if ct := w.Header().Get("Content-Type"); ct != "image/png" {
				t.Errorf("Content-Type = %q, want image/png", ct)
			}
			if !strings.HasPrefix(w.Body.String(), "\x89PNG") {
				t.Error("body is not a PNG")
			}
		})
	}
}

func TestHandler_GetChartPNG_ConfiguredSize(t *testing.T) {
	d, err := dataset.Parse(strings.NewReader(handlerCSV))
	if err != nil {
		t.Fatalf("Parse() error = %v", err)
	}
	dashboard := service.NewDashboardService(d, nil, time.Minute, false, 0)
	h := NewHandler(dashboard, nil, defaultSelection(), 100, charts.Size{Width: 320, Height: 200}, zap.NewNop())

	for _, view := range []string{"cases", "total-cases"} {
		w := serve(t, h, "/api/charts/"+view+".png")
		if w.Code != http.StatusOK {
			t.Fatalf("%s: status = %d, want 200", view, w.Code)
		}
		cfg, err := png.DecodeConfig(w.Body)
		if err != nil {
			t.Fatalf("%s: DecodeConfig() error = %v", view, err)
		}
		if cfg.Width != 320 || cfg.Height != 200 {
			t.Errorf("%s: image = %dx%d, want 320x200", view, cfg.Width, cfg.Height)
		}
	}
}

func TestHandler_GetExport(t *testing.T) {
	h := newTestHandler(t, zap.NewNop(), nil)

	w := serve(t, h, "/api/export?location=Kenya&start=2021-01-01&end=2022-12-31")

	if w.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200", w.Code)
	}
	if got := w.Header().Get("Content-Disposition"); got != `attachment; filename="filtered_covid_data.csv"` {
		t.Errorf("Content-Disposition = %q", got)
	}
	if ct := w.Header().Get("Content-Type"); !strings.HasPrefix(ct, "text/csv") {
		t.Errorf("Content-Type = %q", ct)
	}
	want := "location,date,new_cases_smoothed_per_million,total_cases_per_million,people_fully_vaccinated_per_hundred,total_vaccinations_per_hundred\n" +
		"Kenya,2021-01-01,5,1000,,\n" +
		"Kenya,2022-06-01,2,5800,15,28\n"
	if got := w.Body.String(); got != want {
		t.Errorf("body = %q, want %q", got, want)
	}
}

func TestHandler_GetExport_EmptySelectionHeaderOnly(t *testing.T) {
	h := newTestHandler(t, zap.NewNop(), nil)

	w := serve(t, h, "/api/export?location=")

	if w.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200", w.Code)
	}
	lines := strings.Split(strings.TrimRight(w.Body.String(), "\n"), "\n")
	if len(lines) != 1 || !strings.HasPrefix(lines[0], "location,date") {
		t.Errorf("body = %q, want header only", w.Body.String())
	}
}

func TestHandler_GetHealth(t *testing.T) {
	// Arrange
	lifecycle.SetPhase(lifecycle.PhaseServing)
	traffic.Reset()
	h := newTestHandler(t, zap.NewNop(), nil)
	req := httptest.NewRequest("GET", "/health", nil)
	w := httptest.NewRecorder()

	// Act
	h.GetHealth(w, req)

	// Assert
	if w.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200", w.Code)
	}
	var body struct {
		Status  string            `json:"status"`
		Service string            `json:"service"`
		Checks  map[string]string `json:"checks"`
	}
	if err := json.NewDecoder(w.Body).Decode(&body); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if body.Status != "healthy" || body.Service != "covid-tracker-service" {
		t.Errorf("status = %q service = %q", body.Status, body.Service)
	}
	if body.Checks["dataset"] != "healthy" {
		t.Errorf("checks.dataset = %q", body.Checks["dataset"])
	}
	if _, ok := body.Checks["cache"]; ok {
		t.Error("cache check should be absent without CachePing")
	}
}

func TestHandler_GetHealth_ReportsDatasetLoadTime(t *testing.T) {
	lifecycle.SetPhase(lifecycle.PhaseServing)
	traffic.Reset()
	fake := clockwork.NewFakeClockAt(time.Date(2024, 3, 1, 12, 0, 0, 0, time.UTC))
	dataset.SetClock(fake)
	defer dataset.SetClock(nil)
	h := newTestHandler(t, zap.NewNop(), nil)
	w := httptest.NewRecorder()

	h.GetHealth(w, httptest.NewRequest("GET", "/health", nil))

	var body struct {
		DatasetLoadedAt string `json:"datasetLoadedAt"`
	}
	if err := json.NewDecoder(w.Body).Decode(&body); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if body.DatasetLoadedAt != "2024-03-01T12:00:00Z" {
		t.Errorf("datasetLoadedAt = %q, want 2024-03-01T12:00:00Z", body.DatasetLoadedAt)
	}
}

func TestHandler_GetHealth_CachePingFailure(t *testing.T) {
	lifecycle.SetPhase(lifecycle.PhaseServing)
	traffic.Reset()
	h := newTestHandler(t, zap.NewNop(), &HealthConfig{
		CachePing: func() error { return context.DeadlineExceeded },
	})
	w := httptest.NewRecorder()

	h.GetHealth(w, httptest.NewRequest("GET", "/health", nil))

	var body struct {
		Status string            `json:"status"`
		Checks map[string]string `json:"checks"`
	}
	if err := json.NewDecoder(w.Body).Decode(&body); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if body.Checks["cache"] != "unhealthy" {
		t.Errorf("checks.cache = %q, want unhealthy", body.Checks["cache"])
	}
	if body.Status != "healthy" {
		t.Errorf("status = %q, cache failures must not fail health", body.Status)
	}
}

func TestHandler_GetHealth_ShuttingDown(t *testing.T) {
	lifecycle.SetPhase(lifecycle.PhaseDraining)
	defer lifecycle.SetPhase(lifecycle.PhaseServing)
	h := newTestHandler(t, zap.NewNop(), nil)
	w := httptest.NewRecorder()

	h.GetHealth(w, httptest.NewRequest("GET", "/health", nil))

	if w.Code != http.StatusServiceUnavailable {
		t.Errorf("status = %d, want 503", w.Code)
	}
	if !strings.Contains(w.Body.String(), `"shutting-down"`) {
		t.Errorf("body = %s, want shutting-down", w.Body.String())
	}
}

func TestHandler_GetHealth_Starting(t *testing.T) {
	lifecycle.SetPhase(lifecycle.PhaseStarting)
	defer lifecycle.SetPhase(lifecycle.PhaseServing)
	h := newTestHandler(t, zap.NewNop(), nil)
	w := httptest.NewRecorder()

	h.GetHealth(w, httptest.NewRequest("GET", "/health", nil))

	if w.Code != http.StatusServiceUnavailable {
		t.Errorf("status = %d, want 503", w.Code)
	}
	if !strings.Contains(w.Body.String(), `"starting"`) {
		t.Errorf("body = %s, want starting", w.Body.String())
	}
}

func TestHandler_GetHealth_Overloaded(t *testing.T) {
	// Arrange: 10 rps over 1s at 50% gives a threshold of 5 denials.
	lifecycle.SetPhase(lifecycle.PhaseServing)
	traffic.Reset()
	defer traffic.Reset()
	h := newTestHandler(t, zap.NewNop(), &HealthConfig{
		OverloadWindow:       time.Second,
		OverloadThresholdPct: 50,
		RateLimitRPS:         10,
		RateLimitBurst:       10,
	})
	for i := 0; i < 6; i++ {
		traffic.RecordDenied()
	}
	w := httptest.NewRecorder()

	// Act
	h.GetHealth(w, httptest.NewRequest("GET", "/health", nil))

	// Assert
	if w.Code != http.StatusServiceUnavailable {
		t.Errorf("status = %d, want 503", w.Code)
	}
	if !strings.Contains(w.Body.String(), `"overloaded"`) {
		t.Errorf("body = %s, want overloaded", w.Body.String())
	}
}

func TestHandler_GetHealth_LogsTransition(t *testing.T) {
	// Arrange
	lifecycle.SetPhase(lifecycle.PhaseServing)
	traffic.Reset()
	core, logs := observer.New(zap.DebugLevel)
	h := newTestHandler(t, zap.New(core), nil)
	req := httptest.NewRequest("GET", "/health", nil)

	// Act: healthy, then shutting down, then shutting down again.
	h.GetHealth(httptest.NewRecorder(), req)
	lifecycle.SetPhase(lifecycle.PhaseDraining)
	defer lifecycle.SetPhase(lifecycle.PhaseServing)
	h.GetHealth(httptest.NewRecorder(), req)
	h.GetHealth(httptest.NewRecorder(), req)

	// Assert
	entries := logs.FilterMessage("health status transition").All()
	if len(entries) != 1 {
		t.Fatalf("want 1 transition log, got %d", len(entries))
	}
	fields := entries[0].ContextMap()
	if fields["previous_status"] != "healthy" || fields["current_status"] != "shutting-down" {
		t.Errorf("transition fields = %v", fields)
	}
}

func TestHandler_ErrorIncludesRequestID(t *testing.T) {
	h := newTestHandler(t, zap.NewNop(), nil)
	router := mux.NewRouter()
	router.Use(CorrelationIDMiddleware(zap.NewNop()))
	router.HandleFunc("/api/data", h.GetData)

	req := httptest.NewRequest("GET", "/api/data?start=nope", nil)
	req.Header.Set("X-Correlation-ID", "req-123")
	w := httptest.NewRecorder()
	router.ServeHTTP(w, req)

	if got := decodeError(t, w).Error.RequestID; got != "req-123" {
		t.Errorf("requestId = %q, want req-123", got)
	}
}
