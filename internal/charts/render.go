package charts

import (
	"errors"
	"fmt"
	"io"
	"math"
	"time"

	chart "github.com/wcharczuk/go-chart/v2"
)

// ErrNoData is returned when there is nothing drawable for a chart.
var ErrNoData = errors.New("no data to plot")

const (
	defaultWidth  = 1024
	defaultHeight = 500
)

// Size is the output image size in pixels. Zero fields fall back to 1024x500.
type Size struct {
	Width  int
	Height int
}

func (s Size) resolve() (int, int) {
	w, h := s.Width, s.Height
	if w <= 0 {
		w = defaultWidth
	}
	if h <= 0 {
		h = defaultHeight
	}
	return w, h
}

// RenderLine draws one line per series as PNG. Series with a single point are padded to
// a one-day segment since go-chart needs two X values per series.
func RenderLine(w io.Writer, v View, series []Series, size Size) error {
	width, height := size.resolve()
	var (
		out        []chart.Series
		yMin, yMax = math.Inf(1), math.Inf(-1)
	)
	for _, s := range series {
		if len(s.Points) == 0 {
			continue
		}
		xs := make([]time.Time, 0, len(s.Points)+1)
		ys := make([]float64, 0, len(s.Points)+1)
		for _, p := range s.Points {
			xs = append(xs, p.Date)
			ys = append(ys, p.Value)
			yMin = math.Min(yMin, p.Value)
			yMax = math.Max(yMax, p.Value)
		}
		if len(xs) == 1 {
			xs = append(xs, xs[0].Add(24*time.Hour))
			ys = append(ys, ys[0])
		}
		out = append(out, chart.TimeSeries{Name: s.Location, XValues: xs, YValues: ys})
	}
	if len(out) == 0 {
		return ErrNoData
	}

	ch := chart.Chart{
		Title:      v.Title,
		Width:      width,
		Height:     height,
		Background: chart.Style{Padding: chart.Box{Top: 40, Left: 16, Right: 12, Bottom: 16}},
		XAxis:      chart.XAxis{Name: "date", ValueFormatter: chart.TimeValueFormatterWithFormat("2006-01-02")},
		YAxis:      chart.YAxis{Name: v.YLabel, Range: yRange(yMin, yMax)},
		Series:     out,
	}
	ch.Elements = []chart.Renderable{chart.Legend(&ch)}
	if err := ch.Render(chart.PNG, w); err != nil {
		return fmt.Errorf("render %s: %w", v.Name, err)
	}
	return nil
}

// RenderBar draws the ranked bars as PNG in the order given. Bars without a value are
// left out of the image.
func RenderBar(w io.Writer, v View, bars []Bar, size Size) error {
	width, height := size.resolve()
	values := make([]chart.Value, 0, len(bars))
	yMin, yMax := 0.0, math.Inf(-1)
	for _, b := range bars {
		if b.Value == nil {
			continue
		}
		values = append(values, chart.Value{Label: b.Location, Value: *b.Value})
		yMin = math.Min(yMin, *b.Value)
		yMax = math.Max(yMax, *b.Value)
	}
	if len(values) == 0 {
		return ErrNoData
	}

	bc := chart.BarChart{
		Title:      v.Title,
		Width:      width,
		Height:     height,
		BarWidth:   barWidth(width, len(values)),
		Background: chart.Style{Padding: chart.Box{Top: 40}},
		YAxis:      chart.YAxis{Name: v.YLabel, Range: yRange(yMin, yMax)},
		Bars:       values,
	}
	if err := bc.Render(chart.PNG, w); err != nil {
		return fmt.Errorf("render %s: %w", v.Name, err)
	}
	return nil
}

// yRange widens a flat range so go-chart never sees a zero delta.
func yRange(min, max float64) *chart.ContinuousRange {
	if max-min == 0 {
		pad := math.Max(math.Abs(max)*0.1, 1)
		return &chart.ContinuousRange{Min: min - pad, Max: max + pad}
	}
	return &chart.ContinuousRange{Min: min, Max: max + (max-min)*0.05}
}

func barWidth(width, n int) int {
	bw := width / (2 * n)
	if bw > 80 {
		return 80
	}
	if bw < 4 {
		return 4
	}
	return bw
}
