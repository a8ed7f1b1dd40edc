package monitor

import (
	"errors"
	"fmt"
	"image/color"
	"path/filepath"

	"gonum.org/v1/plot"
	"gonum.org/v1/plot/plotter"
	"gonum.org/v1/plot/vg"

	"github.com/banshee-data/parsight/internal/fsutil"
)

// ErrEmptyTrace is returned by WritePlots when nothing has been traced.
var ErrEmptyTrace = errors.New("trace is empty")

var (
	colorX = color.RGBA{R: 214, G: 39, B: 40, A: 255}
	colorY = color.RGBA{R: 31, G: 119, B: 180, A: 255}
	colorZ = color.RGBA{R: 44, G: 160, B: 44, A: 255}
)

type series struct {
	label string
	color color.Color
	pts   plotter.XYs
}

// WritePlots renders the trace into dir as PNG files and returns their
// paths: pixel offsets against time, setpoints against time and the
// setpoint track seen from above.
func WritePlots(fs fsutil.FileSystem, dir string, t *Trace) ([]string, error) {
	frames := t.Frames()
	setpoints := t.Setpoints()
	if len(frames) == 0 && len(setpoints) == 0 {
		return nil, ErrEmptyTrace
	}
	if err := fs.MkdirAll(dir, 0755); err != nil {
		return nil, fmt.Errorf("failed to create plot directory: %w", err)
	}

	var written []string
	save := func(name string, p *plot.Plot) error {
		path := filepath.Join(dir, name)
		if err := savePNG(fs, path, p); err != nil {
			return fmt.Errorf("save %s: %w", name, err)
		}
		written = append(written, path)
		return nil
	}

	if len(frames) > 0 {
		t0 := frames[0].At
		var ox, oy plotter.XYs
		for _, f := range frames {
			if !f.Found {
				continue
			}
			sec := f.At.Sub(t0).Seconds()
			ox = append(ox, plotter.XY{X: sec, Y: f.OffsetX})
			oy = append(oy, plotter.XY{X: sec, Y: f.OffsetY})
		}
		p, err := linePlot("Target offset from image center", "Time (s)", "Offset (px)",
			series{"x", colorX, ox}, series{"y", colorY, oy})
		if err != nil {
			return written, err
		}
		if err := save("offsets.png", p); err != nil {
			return written, err
		}
	}

	if len(setpoints) > 0 {
		t0 := setpoints[0].At
		xs := make(plotter.XYs, len(setpoints))
		ys := make(plotter.XYs, len(setpoints))
		zs := make(plotter.XYs, len(setpoints))
		track := make(plotter.XYs, len(setpoints))
		for i, s := range setpoints {
			sec := s.At.Sub(t0).Seconds()
			xs[i] = plotter.XY{X: sec, Y: s.X}
			ys[i] = plotter.XY{X: sec, Y: s.Y}
			zs[i] = plotter.XY{X: sec, Y: s.Z}
			track[i] = plotter.XY{X: s.X, Y: s.Y}
		}
		p, err := linePlot("Setpoint", "Time (s)", "Position (m)",
			series{"x", colorX, xs}, series{"y", colorY, ys}, series{"z", colorZ, zs})
		if err != nil {
			return written, err
		}
		if err := save("setpoints.png", p); err != nil {
			return written, err
		}

		p, err = linePlot("Setpoint track", "x (m)", "y (m)", series{"track", colorY, track})
		if err != nil {
			return written, err
		}
		if err := save("track.png", p); err != nil {
			return written, err
		}
	}
	return written, nil
}

func linePlot(title, xLabel, yLabel string, ss ...series) (*plot.Plot, error) {
	p := plot.New()
	p.Title.Text = title
	p.X.Label.Text = xLabel
	p.Y.Label.Text = yLabel
	p.Add(plotter.NewGrid())

	for _, s := range ss {
		if len(s.pts) == 0 {
			continue
		}
		line, err := plotter.NewLine(s.pts)
		if err != nil {
			return nil, err
		}
		line.Color = s.color
		line.Width = vg.Points(1)
		p.Add(line)
		p.Legend.Add(s.label, line)
	}

	p.Legend.Top = true
	p.Legend.Left = false
	p.Legend.XOffs = -10
	p.Legend.YOffs = -10
	return p, nil
}

func savePNG(fs fsutil.FileSystem, path string, p *plot.Plot) error {
	wt, err := p.WriterTo(14*vg.Inch, 6*vg.Inch, "png")
	if err != nil {
		return err
	}
	f, err := fs.Create(path)
	if err != nil {
		return err
	}
	if _, err := wt.WriteTo(f); err != nil {
		f.Close()
		return err
	}
	return f.Close()
}
