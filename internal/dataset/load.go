package dataset

import (
	"encoding/csv"
	"errors"
	"fmt"
	"io"
	"os"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/jonboulle/clockwork"
	"go.uber.org/zap"

	"github.com/kjstillabower/covid-tracker-service/internal/observability"
)

// ErrNotFound is returned when the source file does not exist.
var ErrNotFound = errors.New("dataset file not found")

// ErrParse is returned when the source file cannot be read as a dataset.
var ErrParse = errors.New("dataset parse error")

// clock stamps Dataset.LoadedAt and times Loader.Load. Tests swap it via SetClock.
var clock = clockwork.NewRealClock()

// SetClock swaps the time source used for load timestamps. Pass nil to reset to real time.
func SetClock(c clockwork.Clock) {
	if c == nil {
		clock = clockwork.NewRealClock()
		return
	}
	clock = c
}

var dateLayouts = []string{
	"2006-01-02",
	time.RFC3339,
	"2006-01-02T15:04:05",
	"2006-01-02 15:04:05",
}

// ParseDate parses an ISO-8601 date or timestamp. Values without a zone are UTC.
func ParseDate(s string) (time.Time, error) {
	s = strings.TrimSpace(s)
	for _, layout := range dateLayouts {
		if t, err := time.Parse(layout, s); err == nil {
			return t.UTC(), nil
		}
	}
	return time.Time{}, fmt.Errorf("invalid date %q", s)
}

// Parse reads a CSV stream into a Dataset. The header must contain location and date;
// every other column is carried through untouched.
func Parse(r io.Reader) (*Dataset, error) {
	cr := csv.NewReader(r)
	cr.ReuseRecord = false

	header, err := cr.Read()
	if err != nil {
		if errors.Is(err, io.EOF) {
			return nil, fmt.Errorf("%w: empty file", ErrParse)
		}
		return nil, fmt.Errorf("%w: header: %v", ErrParse, err)
	}
	if len(header) > 0 {
		header[0] = strings.TrimPrefix(header[0], "\ufeff")
	}
	columns := make([]string, len(header))
	copy(columns, header)

	t := Table{Columns: columns, Rows: []Row{}}
	locIdx, ok := t.ColumnIndex(LocationColumn)
	if !ok {
		return nil, fmt.Errorf("%w: missing %q column", ErrParse, LocationColumn)
	}
	dateIdx, ok := t.ColumnIndex(DateColumn)
	if !ok {
		return nil, fmt.Errorf("%w: missing %q column", ErrParse, DateColumn)
	}

	d := &Dataset{}
	seen := make(map[string]struct{})
	for {
		rec, err := cr.Read()
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			return nil, fmt.Errorf("%w: %v", ErrParse, err)
		}
		date, err := ParseDate(rec[dateIdx])
		if err != nil {
			line, _ := cr.FieldPos(dateIdx)
			return nil, fmt.Errorf("%w: line %d: %v", ErrParse, line, err)
		}
		row := Row{Location: rec[locIdx], Date: date, Fields: rec}
		t.Rows = append(t.Rows, row)

		if date.After(d.maxDate) || len(t.Rows) == 1 {
			d.maxDate = date
		}
		if _, ok := seen[row.Location]; !ok {
			seen[row.Location] = struct{}{}
			d.locations = append(d.locations, row.Location)
		}
	}
	sort.Strings(d.locations)

	d.Table = t
	d.LoadedAt = clock.Now()
	return d, nil
}

// Load opens path and parses it.
func Load(path string) (*Dataset, error) {
	f, err := os.Open(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, fmt.Errorf("%w: %s", ErrNotFound, path)
		}
		return nil, fmt.Errorf("%w: open %s: %v", ErrParse, path, err)
	}
	defer f.Close()

	d, err := Parse(f)
	if err != nil {
		return nil, fmt.Errorf("load %s: %w", path, err)
	}
	return d, nil
}

// Loader memoizes the dataset for the process lifetime. The file is read on the first
// Load call only; every later call returns the same *Dataset (or the same error).
type Loader struct {
	path   string
	logger *zap.Logger

	once sync.Once
	data *Dataset
	err  error
}

// NewLoader returns a Loader for the CSV at path. logger may be nil.
func NewLoader(path string, logger *zap.Logger) *Loader {
	return &Loader{path: path, logger: logger}
}

// Path returns the source file path.
func (l *Loader) Path() string {
	return l.path
}

// Load returns the cached dataset, reading the source file on first use.
func (l *Loader) Load() (*Dataset, error) {
	l.once.Do(func() {
		start := clock.Now()
		l.data, l.err = Load(l.path)
		duration := clock.Since(start)
		if l.err != nil {
			observability.DatasetLoadsTotal.WithLabelValues("error").Inc()
			if l.logger != nil {
				l.logger.Error("dataset load failed", zap.String("path", l.path), zap.Error(l.err))
			}
			return
		}
		observability.DatasetLoadsTotal.WithLabelValues("success").Inc()
		observability.DatasetLoadDurationSeconds.Set(duration.Seconds())
		observability.DatasetRows.Set(float64(l.data.Len()))
		observability.DatasetLoadedTimestamp.Set(float64(l.data.LoadedAt.Unix()))
		if maxDate, ok := l.data.MaxDate(); ok {
			observability.DatasetLatestDate.Set(float64(maxDate.Unix()))
		}
		if l.logger != nil {
			l.logger.Info("dataset loaded",
				zap.String("path", l.path),
				zap.Int("rows", l.data.Len()),
				zap.Int("columns", len(l.data.Columns)),
				zap.Int("locations", len(l.data.Locations())),
				zap.Duration("duration", duration))
		}
	})
	return l.data, l.err
}
