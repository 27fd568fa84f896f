package report

import (
	"errors"
	"fmt"
	"math"
	"os"
	"time"

	chart "github.com/wcharczuk/go-chart/v2"

	"oracle-audit/internal/domain"
)

// ErrNotEnoughPoints is returned when a chart has no range to draw.
var ErrNotEnoughPoints = errors.New("report: not enough points to chart")

// WriteAnomalyChart renders one bar per validator with its anomaly count.
func WriteAnomalyChart(path string, rows []domain.ValidatorScorecard) error {
	if len(rows) == 0 {
		return ErrNotEnoughPoints
	}
	if err := ensureDir(path); err != nil {
		return err
	}

	bars := make([]chart.Value, len(rows))
	top := 1.0
	for i, s := range rows {
		n := float64(s.AnomalyCount())
		bars[i] = chart.Value{Label: shortID(s.ValidatorID), Value: n}
		top = math.Max(top, n)
	}

	graph := chart.BarChart{
		Title:    "Anomalies per validator",
		Width:    1280,
		Height:   720,
		BarWidth: barWidth(len(rows)),
		YAxis: chart.YAxis{
			Name:           "Anomalies",
			Range:          &chart.ContinuousRange{Min: 0, Max: math.Ceil(top * 1.1)},
			ValueFormatter: intFormatter,
		},
		Bars: bars,
	}

	file, err := os.Create(path)
	if err != nil {
		return err
	}
	defer file.Close()

	if err := graph.Render(chart.PNG, file); err != nil {
		return fmt.Errorf("render anomaly chart: %w", err)
	}
	return nil
}

// WriteCoverageChart renders the fraction of active validators present per slot, downsampled to at
// most maxPoints, with the full-coverage threshold as a reference line.
func WriteCoverageChart(path string, slots []domain.SlotCoverage, threshold float64, maxPoints int) error {
	slots = DownsampleSlots(slots, maxPoints)
	if len(slots) < 2 {
		return ErrNotEnoughPoints
	}
	if err := ensureDir(path); err != nil {
		return err
	}

	x := make([]time.Time, len(slots))
	fraction := make([]float64, len(slots))
	line := make([]float64, len(slots))
	for i, s := range slots {
		x[i] = s.Slot
		fraction[i] = s.Fraction
		line[i] = threshold
	}

	graph := chart.Chart{
		Width:  1280,
		Height: 720,
		XAxis: chart.XAxis{
			ValueFormatter: chart.TimeValueFormatter,
		},
		YAxis: chart.YAxis{
			Name:           "Present / active",
			Range:          &chart.ContinuousRange{Min: 0, Max: 1},
			ValueFormatter: fractionFormatter,
		},
		Series: []chart.Series{
			chart.TimeSeries{
				Name:    "Coverage",
				XValues: x,
				YValues: fraction,
			},
			chart.TimeSeries{
				Name:    "Threshold",
				XValues: x,
				YValues: line,
				Style: chart.Style{
					StrokeDashArray: []float64{5.0, 5.0},
				},
			},
		},
	}
	graph.Elements = []chart.Renderable{chart.Legend(&graph)}

	file, err := os.Create(path)
	if err != nil {
		return err
	}
	defer file.Close()

	if err := graph.Render(chart.PNG, file); err != nil {
		return fmt.Errorf("render coverage chart: %w", err)
	}
	return nil
}

// DownsampleSlots keeps at most max evenly spaced slots, always including the first and last.
func DownsampleSlots(slots []domain.SlotCoverage, max int) []domain.SlotCoverage {
	if max <= 1 || len(slots) <= max {
		return slots
	}

	result := make([]domain.SlotCoverage, 0, max)
	step := float64(len(slots)-1) / float64(max-1)
	for i := 0; i < max; i++ {
		idx := int(math.Round(step * float64(i)))
		if idx >= len(slots) {
			idx = len(slots) - 1
		}
		result = append(result, slots[idx])
	}
	return result
}

func barWidth(n int) int {
	w := 1000 / n
	if w > 60 {
		return 60
	}
	if w < 4 {
		return 4
	}
	return w
}

// shortID abbreviates hex addresses so bar labels stay readable.
func shortID(id string) string {
	if len(id) > 12 && id[:2] == "0x" {
		return id[:6] + ".." + id[len(id)-4:]
	}
	return id
}

func intFormatter(v interface{}) string {
	return chart.FloatValueFormatterWithFormat(v, "%.0f")
}

func fractionFormatter(v interface{}) string {
	return chart.FloatValueFormatterWithFormat(v, "%.2f")
}
