package dataset

import (
	"math"
	"strconv"
	"strings"
	"time"
)

const (
	// LocationColumn and DateColumn are the two columns every source file must carry.
	LocationColumn = "location"
	DateColumn     = "date"
)

// Row is one (location, date) record. Fields holds every raw cell of the source line
// in header order; Location and Date are the parsed key columns.
type Row struct {
	Location string
	Date     time.Time
	Fields   []string
}

// Table is an ordered set of rows sharing one header. Tables returned by the pipeline
// share Row.Fields with the Dataset they came from; callers must not modify them.
type Table struct {
	Columns []string
	Rows    []Row
}

// Len returns the number of rows.
func (t Table) Len() int {
	return len(t.Rows)
}

// ColumnIndex returns the position of the named column.
func (t Table) ColumnIndex(name string) (int, bool) {
	for i, c := range t.Columns {
		if c == name {
			return i, true
		}
	}
	return -1, false
}

// Float returns the numeric value of column idx in row. Empty cells, NaN and
// non-numeric text are reported as missing.
func Float(row Row, idx int) (float64, bool) {
	if idx < 0 || idx >= len(row.Fields) {
		return 0, false
	}
	s := strings.TrimSpace(row.Fields[idx])
	if s == "" {
		return 0, false
	}
	v, err := strconv.ParseFloat(s, 64)
	if err != nil || math.IsNaN(v) {
		return 0, false
	}
	return v, true
}

// Dataset is the full table loaded at startup. It is never mutated after Parse returns,
// so one *Dataset may be shared by every request goroutine without locking.
type Dataset struct {
	Table

	// LoadedAt is when the source file finished parsing.
	LoadedAt time.Time

	maxDate   time.Time
	locations []string
}

// MaxDate returns the latest date present anywhere in the dataset.
// The second result is false for an empty dataset.
func (d *Dataset) MaxDate() (time.Time, bool) {
	if len(d.Rows) == 0 {
		return time.Time{}, false
	}
	return d.maxDate, true
}

// Locations returns the sorted distinct location names. The slice is shared; do not modify.
func (d *Dataset) Locations() []string {
	return d.locations
}
