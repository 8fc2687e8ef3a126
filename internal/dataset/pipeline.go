package dataset

import (
	"github.com/kjstillabower/covid-tracker-service/internal/models"
)

// locationSet builds an exact-match lookup. Matching is case-sensitive.
func locationSet(locations []string) map[string]struct{} {
	set := make(map[string]struct{}, len(locations))
	for _, loc := range locations {
		set[loc] = struct{}{}
	}
	return set
}

// Filter returns the rows of t whose location is in locations and whose date lies in iv,
// inclusive on both ends, in their original order. An empty location set or an interval
// with Start after End yields an empty table, never an error. t is not modified.
func Filter(t Table, locations []string, iv models.Interval) Table {
	out := Table{Columns: t.Columns, Rows: []Row{}}
	if len(locations) == 0 || iv.Empty() {
		return out
	}
	set := locationSet(locations)
	for _, row := range t.Rows {
		if _, ok := set[row.Location]; !ok {
			continue
		}
		if iv.Contains(row.Date) {
			out.Rows = append(out.Rows, row)
		}
	}
	return out
}

// LatestSnapshot returns the rows dated on the dataset's global latest date, restricted
// to locations. The date is taken over the whole dataset and ignores any date range the
// caller may have selected elsewhere.
func LatestSnapshot(d *Dataset, locations []string) Table {
	out := Table{Columns: d.Columns, Rows: []Row{}}
	maxDate, ok := d.MaxDate()
	if !ok || len(locations) == 0 {
		return out
	}
	set := locationSet(locations)
	for _, row := range d.Rows {
		if !row.Date.Equal(maxDate) {
			continue
		}
		if _, ok := set[row.Location]; ok {
			out.Rows = append(out.Rows, row)
		}
	}
	return out
}
