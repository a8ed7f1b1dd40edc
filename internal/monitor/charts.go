package monitor

import (
	"bytes"
	"fmt"
	"net/http"

	"github.com/go-echarts/go-echarts/v2/charts"
	"github.com/go-echarts/go-echarts/v2/components"
	"github.com/go-echarts/go-echarts/v2/opts"
	"tailscale.com/tsweb"
)

// chartPoints caps how many samples a chart plots; older ones are strided.
const chartPoints = 1500

// AttachAdminRoutes registers the live charts under /debug/. a may be nil.
func AttachAdminRoutes(mux *http.ServeMux, t *Trace, a *Assessment) {
	debug := tsweb.Debugger(mux)
	debug.HandleFunc("trace", "Servo trace charts", func(w http.ResponseWriter, r *http.Request) {
		page, err := tracePage(t, a)
		if err != nil {
			http.Error(w, fmt.Sprintf("render error: %v", err), http.StatusInternalServerError)
			return
		}
		w.Header().Set("Content-Type", "text/html; charset=utf-8")
		_, _ = w.Write(page)
	})
}

func stride(n int) int {
	if n <= chartPoints {
		return 1
	}
	return (n + chartPoints - 1) / chartPoints
}

func tracePage(t *Trace, a *Assessment) ([]byte, error) {
	page := components.NewPage()
	page.PageTitle = "ParSight trace"
	page.AddCharts(offsetChart(t.Frames()), setpointChart(t.Setpoints()), trackChart(t.Setpoints(), t.VisionPoses()))
	if a != nil {
		page.AddCharts(assessmentChart(a.Report()))
	}

	var buf bytes.Buffer
	if err := page.Render(&buf); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

func offsetChart(frames []FrameSample) *charts.Line {
	line := charts.NewLine()
	line.SetGlobalOptions(
		charts.WithInitializationOpts(opts.Initialization{Width: "100%", Height: "360px"}),
		charts.WithTitleOpts(opts.Title{Title: "Target offset", Subtitle: fmt.Sprintf("frames=%d", len(frames))}),
		charts.WithTooltipOpts(opts.Tooltip{Show: opts.Bool(true), Trigger: "axis"}),
		charts.WithYAxisOpts(opts.YAxis{Name: "px"}),
	)

	step := stride(len(frames))
	var (
		x      []string
		ox, oy []opts.LineData
	)
	for i := 0; i < len(frames); i += step {
		f := frames[i]
		x = append(x, f.At.Format("15:04:05.000"))
		if f.Found {
			ox = append(ox, opts.LineData{Value: f.OffsetX})
			oy = append(oy, opts.LineData{Value: f.OffsetY})
		} else {
			ox = append(ox, opts.LineData{Value: "-"})
			oy = append(oy, opts.LineData{Value: "-"})
		}
	}
	line.SetXAxis(x).
		AddSeries("x", ox).
		AddSeries("y", oy)
	return line
}

func setpointChart(setpoints []PoseSample) *charts.Line {
	line := charts.NewLine()
	line.SetGlobalOptions(
		charts.WithInitializationOpts(opts.Initialization{Width: "100%", Height: "360px"}),
		charts.WithTitleOpts(opts.Title{Title: "Setpoint", Subtitle: fmt.Sprintf("published=%d", len(setpoints))}),
		charts.WithTooltipOpts(opts.Tooltip{Show: opts.Bool(true), Trigger: "axis"}),
		charts.WithYAxisOpts(opts.YAxis{Name: "m"}),
	)

	step := stride(len(setpoints))
	var (
		x          []string
		xs, ys, zs []opts.LineData
	)
	for i := 0; i < len(setpoints); i += step {
		s := setpoints[i]
		x = append(x, s.At.Format("15:04:05.000"))
		xs = append(xs, opts.LineData{Value: s.X})
		ys = append(ys, opts.LineData{Value: s.Y})
		zs = append(zs, opts.LineData{Value: s.Z})
	}
	line.SetXAxis(x).
		AddSeries("x", xs).
		AddSeries("y", ys).
		AddSeries("z", zs)
	return line
}

func trackChart(setpoints, poses []PoseSample) *charts.Scatter {
	scatter := charts.NewScatter()
	scatter.SetGlobalOptions(
		charts.WithInitializationOpts(opts.Initialization{Width: "720px", Height: "720px"}),
		charts.WithTitleOpts(opts.Title{Title: "Track (top-down)"}),
		charts.WithTooltipOpts(opts.Tooltip{Show: opts.Bool(true)}),
		charts.WithXAxisOpts(opts.XAxis{Name: "x (m)", NameLocation: "middle", NameGap: 25}),
		charts.WithYAxisOpts(opts.YAxis{Name: "y (m)", NameLocation: "middle", NameGap: 30}),
	)
	scatter.AddSeries("setpoint", xyData(setpoints), charts.WithScatterChartOpts(opts.ScatterChart{SymbolSize: 4}))
	scatter.AddSeries("vision pose", xyData(poses), charts.WithScatterChartOpts(opts.ScatterChart{SymbolSize: 3}))
	return scatter
}

func xyData(samples []PoseSample) []opts.ScatterData {
	step := stride(len(samples))
	data := make([]opts.ScatterData, 0, len(samples)/step+1)
	for i := 0; i < len(samples); i += step {
		data = append(data, opts.ScatterData{Value: []interface{}{samples[i].X, samples[i].Y}})
	}
	return data
}

func assessmentChart(rep Report) *charts.Bar {
	bar := charts.NewBar()
	bar.SetGlobalOptions(
		charts.WithInitializationOpts(opts.Initialization{Width: "100%", Height: "360px"}),
		charts.WithTitleOpts(opts.Title{
			Title:    "Detection assessment",
			Subtitle: fmt.Sprintf("accuracy=%.1f%% precision=%.1f%% recall=%.1f%% fpr=%.1f%%", rep.Accuracy, rep.Precision, rep.Recall, rep.FalsePositiveRate),
		}),
		charts.WithTooltipOpts(opts.Tooltip{Show: opts.Bool(true)}),
	)
	bar.SetXAxis([]string{"TP", "FN", "FP", "TN"}).
		AddSeries("frames", []opts.BarData{
			{Value: rep.TruePositives},
			{Value: rep.FalseNegatives},
			{Value: rep.FalsePositives},
			{Value: rep.TrueNegatives},
		}, charts.WithLabelOpts(opts.Label{Show: opts.Bool(true), Position: "top"}))
	return bar
}
