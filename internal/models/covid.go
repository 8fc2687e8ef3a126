package models

import "time"

// Metric names a numeric column of the source dataset.
type Metric string

const (
	MetricNewCases          Metric = "new_cases_smoothed_per_million"
	MetricNewDeaths         Metric = "new_deaths_smoothed_per_million"
	MetricTotalVaccinations Metric = "total_vaccinations_per_hundred"
	MetricFullyVaccinated   Metric = "people_fully_vaccinated_per_hundred"
	MetricTotalCases        Metric = "total_cases_per_million"
)

// VaccinationMetrics is the fixed set a client may choose from on the vaccinations view.
var VaccinationMetrics = []Metric{MetricTotalVaccinations, MetricFullyVaccinated}

// DefaultVaccinationMetric is used when the client does not pick one.
const DefaultVaccinationMetric = MetricTotalVaccinations

// Interval is a closed date range [Start, End].
type Interval struct {
	Start time.Time `json:"start"`
	End   time.Time `json:"end"`
}

// Contains reports whether t lies within the interval, inclusive on both ends.
// An interval whose Start is after its End contains nothing.
func (iv Interval) Contains(t time.Time) bool {
	return !t.Before(iv.Start) && !t.After(iv.End)
}

// Empty reports whether the interval can match no date at all.
func (iv Interval) Empty() bool {
	return iv.Start.After(iv.End)
}

// Selection is the transient user input driving every view.
type Selection struct {
	Locations []string `json:"locations"`
	Interval  Interval `json:"interval"`
	Metric    Metric   `json:"metric,omitempty"`
}
