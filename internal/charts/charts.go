// Package charts turns filtered tables into chart-ready series and renders them as images.
package charts

import (
	"errors"
	"fmt"
	"sort"
	"time"

	"github.com/kjstillabower/covid-tracker-service/internal/dataset"
	"github.com/kjstillabower/covid-tracker-service/internal/models"
)

// ErrUnknownColumn is returned when a view needs a column the dataset does not carry.
var ErrUnknownColumn = errors.New("column not present in dataset")

// Kind is how a view is drawn.
type Kind string

const (
	KindLine Kind = "line"
	KindBar  Kind = "bar"
)

// View describes one dashboard chart: which table it reads (line views read the filtered
// range, bar views read the latest snapshot) and which column it plots.
type View struct {
	Name   string        `json:"view"`
	Title  string        `json:"title"`
	Kind   Kind          `json:"kind"`
	Column models.Metric `json:"column"`
	YLabel string        `json:"yLabel"`
	// MetricChoice marks the view whose column is picked by the client.
	MetricChoice bool `json:"-"`
}

var views = map[string]View{
	"cases": {
		Name: "cases", Title: "New Cases", Kind: KindLine,
		Column: models.MetricNewCases, YLabel: "Cases per million",
	},
	"deaths": {
		Name: "deaths", Title: "New Deaths", Kind: KindLine,
		Column: models.MetricNewDeaths, YLabel: "Deaths per million",
	},
	"vaccinations": {
		Name: "vaccinations", Title: "Vaccination Progress", Kind: KindLine,
		Column: models.DefaultVaccinationMetric, YLabel: "Vaccination coverage", MetricChoice: true,
	},
	"total-cases": {
		Name: "total-cases", Title: "Total Cases per Million", Kind: KindBar,
		Column: models.MetricTotalCases, YLabel: "Cases per million",
	},
	"fully-vaccinated": {
		Name: "fully-vaccinated", Title: "Vaccination Coverage", Kind: KindBar,
		Column: models.MetricFullyVaccinated, YLabel: "Fully vaccinated (%)",
	},
}

// Lookup returns the view registered under name.
func Lookup(name string) (View, bool) {
	v, ok := views[name]
	return v, ok
}

// Names returns the registered view names in sorted order.
func Names() []string {
	out := make([]string, 0, len(views))
	for name := range views {
		out = append(out, name)
	}
	sort.Strings(out)
	return out
}

// WithMetric returns the view with its column replaced by metric when the view lets the
// client choose. Other views are returned unchanged.
func (v View) WithMetric(metric models.Metric) View {
	if v.MetricChoice && metric != "" {
		v.Column = metric
	}
	return v
}

// Point is one observation on a line.
type Point struct {
	Date  time.Time `json:"date"`
	Value float64   `json:"value"`
}

// Series is one location's line.
type Series struct {
	Location string  `json:"location"`
	Points   []Point `json:"points"`
}

// Bar is one location's bar. Value is nil when the cell is missing.
type Bar struct {
	Location string   `json:"location"`
	Date     string   `json:"date"`
	Value    *float64 `json:"value"`
}

func columnIndex(t dataset.Table, column models.Metric) (int, error) {
	idx, ok := t.ColumnIndex(string(column))
	if !ok {
		return -1, fmt.Errorf("%w: %s", ErrUnknownColumn, column)
	}
	return idx, nil
}

// TimeSeries groups t by location, one series per location in order of first appearance,
// points in row order. Rows with a missing value are skipped.
func TimeSeries(t dataset.Table, column models.Metric) ([]Series, error) {
	idx, err := columnIndex(t, column)
	if err != nil {
		return nil, err
	}
	out := []Series{}
	pos := make(map[string]int)
	for _, row := range t.Rows {
		i, ok := pos[row.Location]
		if !ok {
			i = len(out)
			pos[row.Location] = i
			out = append(out, Series{Location: row.Location, Points: []Point{}})
		}
		v, ok := dataset.Float(row, idx)
		if !ok {
			continue
		}
		out[i].Points = append(out[i].Points, Point{Date: row.Date, Value: v})
	}
	return out, nil
}

// Ranked returns one bar per row sorted by value, highest first. Ties keep row order and
// missing values sort last.
func Ranked(t dataset.Table, column models.Metric) ([]Bar, error) {
	idx, err := columnIndex(t, column)
	if err != nil {
		return nil, err
	}
	out := make([]Bar, 0, len(t.Rows))
	for _, row := range t.Rows {
		b := Bar{Location: row.Location, Date: row.Date.Format("2006-01-02")}
		if v, ok := dataset.Float(row, idx); ok {
			b.Value = &v
		}
		out = append(out, b)
	}
	sort.SliceStable(out, func(i, j int) bool {
		a, b := out[i].Value, out[j].Value
		if a == nil || b == nil {
			return a != nil && b == nil
		}
		return *a > *b
	})
	return out, nil
}
