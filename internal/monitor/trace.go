// Package monitor captures what the servo loop did so a run can be judged
// afterwards: a rolling control trace, detection assessment counters, PNG
// plots of a run and live HTML charts under /debug/.
package monitor

import (
	"sync"
	"time"

	"github.com/banshee-data/parsight/internal/pipeline"
	"github.com/banshee-data/parsight/internal/pose"
	"github.com/banshee-data/parsight/internal/safety"
)

// DefaultCapacity keeps roughly a minute of frames at the camera rate.
const DefaultCapacity = 6000

// FrameSample is one frame's entry in the trace.
type FrameSample struct {
	At        time.Time `json:"at"`
	Phase     string    `json:"phase"`
	Found     bool      `json:"found"`
	OffsetX   float64   `json:"offset_x"`
	OffsetY   float64   `json:"offset_y"`
	PoseFresh bool      `json:"pose_fresh"`
	Hold      bool      `json:"hold"`
	Applied   bool      `json:"applied"`
}

// PoseSample is one published pose: a setpoint or a vision pose.
type PoseSample struct {
	At time.Time `json:"at"`
	X  float64   `json:"x"`
	Y  float64   `json:"y"`
	Z  float64   `json:"z"`
}

// ring is a fixed-capacity FIFO.
type ring[T any] struct {
	buf  []T
	head int
	full bool
}

func newRing[T any](capacity int) ring[T] {
	return ring[T]{buf: make([]T, capacity)}
}

func (r *ring[T]) push(v T) {
	if len(r.buf) == 0 {
		return
	}
	r.buf[r.head] = v
	r.head = (r.head + 1) % len(r.buf)
	if r.head == 0 {
		r.full = true
	}
}

func (r *ring[T]) items() []T {
	if !r.full {
		return append([]T(nil), r.buf[:r.head]...)
	}
	out := make([]T, 0, len(r.buf))
	out = append(out, r.buf[r.head:]...)
	return append(out, r.buf[:r.head]...)
}

// Trace keeps the most recent frames, setpoints and vision poses.
type Trace struct {
	mu        sync.Mutex
	frames    ring[FrameSample]
	setpoints ring[PoseSample]
	poses     ring[PoseSample]
}

// NewTrace keeps up to capacity entries of each kind.
func NewTrace(capacity int) *Trace {
	if capacity <= 0 {
		capacity = DefaultCapacity
	}
	return &Trace{
		frames:    newRing[FrameSample](capacity),
		setpoints: newRing[PoseSample](capacity),
		poses:     newRing[PoseSample](capacity),
	}
}

// AddFrame records a processed frame.
func (t *Trace) AddFrame(res pipeline.FrameResult) {
	s := FrameSample{
		At:        res.Stamp,
		Phase:     res.Phase.String(),
		Found:     res.Detection.Found,
		OffsetX:   res.Offset.X,
		OffsetY:   res.Offset.Y,
		PoseFresh: res.PoseFresh,
		Hold:      res.Command.Hold,
		Applied:   res.Applied,
	}
	t.mu.Lock()
	t.frames.push(s)
	t.mu.Unlock()
}

func (t *Trace) addPose(r *ring[PoseSample], p pose.Pose) {
	s := PoseSample{At: p.Stamp, X: p.Position.X, Y: p.Position.Y, Z: p.Position.Z}
	t.mu.Lock()
	r.push(s)
	t.mu.Unlock()
}

// Frames returns the frame samples, oldest first.
func (t *Trace) Frames() []FrameSample {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.frames.items()
}

// Setpoints returns the published setpoints, oldest first.
func (t *Trace) Setpoints() []PoseSample {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.setpoints.items()
}

// VisionPoses returns the forwarded vision poses, oldest first.
func (t *Trace) VisionPoses() []PoseSample {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.poses.items()
}

// Sink returns a sink that traces every message before forwarding it.
func (t *Trace) Sink(next pipeline.Sink) pipeline.Sink {
	return &tap{trace: t, next: next}
}

type tap struct {
	trace *Trace
	next  pipeline.Sink
}

func (s *tap) SendVisionPose(p pose.Pose) error {
	s.trace.addPose(&s.trace.poses, p)
	return s.next.SendVisionPose(p)
}

func (s *tap) SendSetpoint(sp safety.Setpoint) error {
	s.trace.addPose(&s.trace.setpoints, sp.Pose())
	return s.next.SendSetpoint(sp)
}

// Tap feeds every frame the runtime processes into t and, when a is not
// nil, into the assessment.
func Tap(rt *pipeline.Runtime, t *Trace, a *Assessment) {
	rt.OnFrame(func(res pipeline.FrameResult) {
		if t != nil {
			t.AddFrame(res)
		}
		if a != nil {
			a.Observe(res)
		}
	})
}
