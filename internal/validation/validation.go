package validation

import (
	"errors"
	"strings"
	"time"
	"unicode"

	"github.com/kjstillabower/covid-tracker-service/internal/models"
)

// ErrLocationTooLong is returned when a location name exceeds the maximum length.
var ErrLocationTooLong = errors.New("location too long")

// ErrLocationInvalidChars is returned when a location name contains control characters.
var ErrLocationInvalidChars = errors.New("location contains invalid characters")

// ErrInvalidDate is returned when a date parameter is not YYYY-MM-DD.
var ErrInvalidDate = errors.New("date must be YYYY-MM-DD")

// ErrUnknownMetric is returned when the metric is outside the vaccination metric set.
var ErrUnknownMetric = errors.New("unknown metric")

// DateLayout is the accepted format for interval endpoints.
const DateLayout = "2006-01-02"

// ParseLocations drops empty values and duplicates (first occurrence wins) and enforces
// maxLen (in runes, 0 = unlimited). Values are otherwise kept verbatim, surrounding spaces
// and case included, since locations match the dataset exactly. A nil or all-empty input
// yields an empty, non-nil slice.
func ParseLocations(values []string, maxLen int) ([]string, error) {
	out := make([]string, 0, len(values))
	seen := make(map[string]struct{}, len(values))
	for _, s := range values {
		if s == "" {
			continue
		}
		if maxLen > 0 && len([]rune(s)) > maxLen {
			return nil, ErrLocationTooLong
		}
		for _, c := range s {
			if unicode.IsControl(c) {
				return nil, ErrLocationInvalidChars
			}
		}
		if _, dup := seen[s]; dup {
			continue
		}
		seen[s] = struct{}{}
		out = append(out, s)
	}
	return out, nil
}

// ParseDate parses a YYYY-MM-DD interval endpoint as a UTC date.
func ParseDate(s string) (time.Time, error) {
	t, err := time.Parse(DateLayout, strings.TrimSpace(s))
	if err != nil {
		return time.Time{}, ErrInvalidDate
	}
	return t, nil
}

// ParseMetric resolves the vaccination metric choice. Empty input selects the default.
func ParseMetric(s string) (models.Metric, error) {
	s = strings.TrimSpace(s)
	if s == "" {
		return models.DefaultVaccinationMetric, nil
	}
	for _, m := range models.VaccinationMetrics {
		if string(m) == s {
			return m, nil
		}
	}
	return "", ErrUnknownMetric
}
