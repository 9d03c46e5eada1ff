package report

import (
	"bytes"
	"fmt"
	"time"

	"github.com/banshee-data/trajectory/internal/fsutil"
	"github.com/banshee-data/trajectory/internal/reference"
	"github.com/banshee-data/trajectory/internal/units"
	"github.com/go-echarts/go-echarts/v2/charts"
	"github.com/go-echarts/go-echarts/v2/components"
	"github.com/go-echarts/go-echarts/v2/opts"
)

// ChartOptions control the HTML speed report.
type ChartOptions struct {
	// Units is one of units.ValidUnits; empty means m/s.
	Units string
	// Timezone is used for the run start in the subtitle; empty means UTC.
	Timezone string
}

// WriteSpeedChart renders an HTML page with the reconstructed speed of
// every series over time and a bar chart of per-target step counts.
func WriteSpeedChart(fsys fsutil.FileSystem, path string, series []Series, run *reference.Run, o ChartOptions) error {
	if len(series) == 0 {
		return ErrNoData
	}
	unit := o.Units
	if unit == "" {
		unit = units.MPS
	}
	if err := units.Validate(unit); err != nil {
		return err
	}
	started, err := units.ConvertTime(run.Started, o.Timezone)
	if err != nil {
		return err
	}

	page := components.NewPage()
	page.SetPageTitle("Trajectory reconstruction")
	page.AddCharts(speedChart(series, run, unit, started), countsChart(run))

	var buf bytes.Buffer
	if err := page.Render(&buf); err != nil {
		return fmt.Errorf("render %s: %w", path, err)
	}

	f, err := fsutil.CreateAll(fsys, path)
	if err != nil {
		return fmt.Errorf("chart %s: %w", path, err)
	}
	if _, err := f.Write(buf.Bytes()); err != nil {
		f.Close()
		return fmt.Errorf("chart %s: %w", path, err)
	}
	return f.Close()
}

func speedChart(series []Series, run *reference.Run, unit string, started time.Time) *charts.Line {
	label := units.Label(unit)
	line := charts.NewLine()
	line.SetGlobalOptions(
		charts.WithInitializationOpts(opts.Initialization{PageTitle: "Reconstructed speed", Width: "100%", Height: "560px"}),
		charts.WithTitleOpts(opts.Title{
			Title:    "Reconstructed speed",
			Subtitle: fmt.Sprintf("run=%s started=%s", run.ID, started.Format(time.RFC3339)),
		}),
		charts.WithTooltipOpts(opts.Tooltip{Show: opts.Bool(true), Trigger: "axis"}),
		charts.WithLegendOpts(opts.Legend{Show: opts.Bool(true), Top: "bottom"}),
		charts.WithXAxisOpts(opts.XAxis{Type: "time", Name: "Time", NameLocation: "middle", NameGap: 25}),
		charts.WithYAxisOpts(opts.YAxis{Name: fmt.Sprintf("Speed (%s)", label), NameLocation: "middle", NameGap: 40}),
		charts.WithDataZoomOpts(opts.DataZoom{Type: "inside"}),
	)
	for _, s := range series {
		data := make([]opts.LineData, 0, len(s.Speeds))
		for _, v := range s.Speeds {
			data = append(data, opts.LineData{Value: []interface{}{v.T.UnixMilli(), units.ConvertSpeed(v.Speed, unit)}})
		}
		line.AddSeries(s.Name, data)
	}
	return line
}

func countsChart(run *reference.Run) *charts.Bar {
	ids := make([]string, 0, len(run.Results))
	var valid, skipped, failed []opts.BarData
	for _, res := range run.Results {
		ids = append(ids, res.TargetID)
		valid = append(valid, opts.BarData{Value: res.Counts.Valid})
		skipped = append(skipped, opts.BarData{Value: res.Counts.Skipped})
		failed = append(failed, opts.BarData{Value: res.Counts.Failed})
	}

	bar := charts.NewBar()
	bar.SetGlobalOptions(
		charts.WithInitializationOpts(opts.Initialization{Width: "100%", Height: "420px"}),
		charts.WithTitleOpts(opts.Title{
			Title:    "Filter steps per target",
			Subtitle: fmt.Sprintf("references=%d duration=%s", run.NumReferences(), run.Duration),
		}),
		charts.WithTooltipOpts(opts.Tooltip{Show: opts.Bool(true)}),
		charts.WithLegendOpts(opts.Legend{Show: opts.Bool(true)}),
	)
	bar.SetXAxis(ids).
		AddSeries("valid", valid).
		AddSeries("skipped", skipped).
		AddSeries("failed", failed)
	bar.SetSeriesOptions(charts.WithBarChartOpts(opts.BarChart{Stack: "steps"}))
	return bar
}
