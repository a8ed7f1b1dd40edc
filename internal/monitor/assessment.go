package monitor

import (
	"fmt"
	"sync"

	"gonum.org/v1/gonum/stat"

	"github.com/banshee-data/parsight/internal/pipeline"
)

// Mode selects what the operator asserts about the frames being assessed.
type Mode string

const (
	// ModeInFrame: the target is in view, so every frame should detect it.
	ModeInFrame Mode = "in_frame"
	// ModeFalsePositive: the target is out of view, so no frame should.
	ModeFalsePositive Mode = "false_positive"
)

// ParseMode accepts a mode name.
func ParseMode(s string) (Mode, error) {
	switch Mode(s) {
	case ModeInFrame, ModeFalsePositive:
		return Mode(s), nil
	}
	return "", fmt.Errorf("unknown assessment mode %q", s)
}

// Assessment counts detections while the operator holds the target in or out
// of view. Both modes may run at once; starting a mode clears its counters.
type Assessment struct {
	mu sync.Mutex

	inFrame      bool
	inTotal      int
	inDetected   int
	offsetNorms  []float64
	falsePos     bool
	fpTotal      int
	fpDetections int
}

// NewAssessment returns an idle assessment.
func NewAssessment() *Assessment {
	return &Assessment{}
}

// Toggle starts mode if it is stopped and stops it if it is running. It
// reports whether the mode is now running.
func (a *Assessment) Toggle(mode Mode) (bool, error) {
	a.mu.Lock()
	defer a.mu.Unlock()
	switch mode {
	case ModeInFrame:
		a.inFrame = !a.inFrame
		if a.inFrame {
			a.inTotal, a.inDetected, a.offsetNorms = 0, 0, nil
		}
		return a.inFrame, nil
	case ModeFalsePositive:
		a.falsePos = !a.falsePos
		if a.falsePos {
			a.fpTotal, a.fpDetections = 0, 0
		}
		return a.falsePos, nil
	}
	return false, fmt.Errorf("unknown assessment mode %q", mode)
}

// Observe counts one frame in every running mode.
func (a *Assessment) Observe(res pipeline.FrameResult) {
	a.mu.Lock()
	defer a.mu.Unlock()
	found := res.Detection.Found
	if a.inFrame {
		a.inTotal++
		if found {
			a.inDetected++
			a.offsetNorms = append(a.offsetNorms, res.Offset.Norm())
		}
	}
	if a.falsePos {
		a.fpTotal++
		if found {
			a.fpDetections++
		}
	}
}

// Report is the confusion matrix over both modes. Rates are percentages and
// are zero when their denominator is zero.
type Report struct {
	InFrameRunning       bool `json:"in_frame_running"`
	FalsePositiveRunning bool `json:"false_positive_running"`

	TruePositives  int `json:"true_positives"`
	FalseNegatives int `json:"false_negatives"`
	FalsePositives int `json:"false_positives"`
	TrueNegatives  int `json:"true_negatives"`

	Accuracy          float64 `json:"accuracy"`
	Precision         float64 `json:"precision"`
	Recall            float64 `json:"recall"`
	FalsePositiveRate float64 `json:"false_positive_rate"`

	// Pixel distance from the image center over in-frame detections.
	OffsetMean   float64 `json:"offset_mean"`
	OffsetStdDev float64 `json:"offset_stddev"`
}

// Report computes the current metrics.
func (a *Assessment) Report() Report {
	a.mu.Lock()
	defer a.mu.Unlock()

	tp := a.inDetected
	fn := a.inTotal - tp
	fp := a.fpDetections
	tn := a.fpTotal - fp

	r := Report{
		InFrameRunning:       a.inFrame,
		FalsePositiveRunning: a.falsePos,
		TruePositives:        tp,
		FalseNegatives:       fn,
		FalsePositives:       fp,
		TrueNegatives:        tn,
		Accuracy:             percent(tp+tn, tp+tn+fp+fn),
		Precision:            percent(tp, tp+fp),
		Recall:               percent(tp, tp+fn),
		FalsePositiveRate:    percent(fp, fp+tn),
	}
	switch len(a.offsetNorms) {
	case 0:
	case 1:
		r.OffsetMean = a.offsetNorms[0]
	default:
		r.OffsetMean, r.OffsetStdDev = stat.MeanStdDev(a.offsetNorms, nil)
	}
	return r
}

func percent(n, d int) float64 {
	if d <= 0 {
		return 0
	}
	return float64(n) / float64(d) * 100
}
