// Package safety clamps every outgoing position setpoint into a fixed box.
//
// Setpoint values can only be produced by an Envelope, so any code holding a
// Setpoint holds a position that is already inside the bounds.
package safety

import (
	"fmt"
	"time"

	"gonum.org/v1/gonum/num/quat"
	"gonum.org/v1/gonum/spatial/r3"

	"github.com/banshee-data/parsight/internal/config"
	"github.com/banshee-data/parsight/internal/pose"
)

// Bounds is an axis-aligned box in the local frame, in metres.
type Bounds struct {
	XMin, XMax float64
	YMin, YMax float64
	ZMin, ZMax float64
}

// DefaultBounds is the indoor test-area box.
var DefaultBounds = Bounds{XMin: -3, XMax: 3, YMin: -3, YMax: 3, ZMin: 0, ZMax: 2.5}

// BoundsFromConfig reads the safety box from tuning configuration.
func BoundsFromConfig(cfg *config.TuningConfig) Bounds {
	return Bounds{
		XMin: cfg.GetXMin(), XMax: cfg.GetXMax(),
		YMin: cfg.GetYMin(), YMax: cfg.GetYMax(),
		ZMin: cfg.GetZMin(), ZMax: cfg.GetZMax(),
	}
}

// Validate reports an inverted axis.
func (b Bounds) Validate() error {
	if b.XMin > b.XMax || b.YMin > b.YMax || b.ZMin > b.ZMax {
		return fmt.Errorf("invalid safety bounds %+v", b)
	}
	return nil
}

// Contains reports whether p is inside the box, boundaries included.
func (b Bounds) Contains(p r3.Vec) bool {
	return p.X >= b.XMin && p.X <= b.XMax &&
		p.Y >= b.YMin && p.Y <= b.YMax &&
		p.Z >= b.ZMin && p.Z <= b.ZMax
}

// Clamp limits each coordinate of p to the bounds. It is total and
// idempotent.
func Clamp(p r3.Vec, b Bounds) r3.Vec {
	return r3.Vec{
		X: clamp(p.X, b.XMin, b.XMax),
		Y: clamp(p.Y, b.YMin, b.YMax),
		Z: clamp(p.Z, b.ZMin, b.ZMax),
	}
}

func clamp(v, lo, hi float64) float64 {
	if v < lo {
		return lo
	}
	if v > hi {
		return hi
	}
	return v
}

// Setpoint is a desired pose whose position has passed through an Envelope.
// The zero value is not a valid setpoint; obtain one from Envelope.Setpoint.
type Setpoint struct {
	p     pose.Pose
	valid bool
}

// Position returns the clamped position.
func (s Setpoint) Position() r3.Vec { return s.p.Position }

// Orientation returns the commanded orientation.
func (s Setpoint) Orientation() quat.Number { return s.p.Orientation }

// Stamp returns the time the setpoint was produced.
func (s Setpoint) Stamp() time.Time { return s.p.Stamp }

// FrameID returns the reference frame.
func (s Setpoint) FrameID() string { return s.p.FrameID }

// Pose returns the setpoint as a plain pose.
func (s Setpoint) Pose() pose.Pose { return s.p }

// Valid reports whether s was produced by an Envelope.
func (s Setpoint) Valid() bool { return s.valid }

// Envelope applies a fixed set of bounds to outgoing setpoints.
type Envelope struct {
	bounds Bounds
}

// NewEnvelope creates an envelope for the given bounds.
func NewEnvelope(b Bounds) (*Envelope, error) {
	if err := b.Validate(); err != nil {
		return nil, err
	}
	return &Envelope{bounds: b}, nil
}

// Bounds returns the envelope's box.
func (e *Envelope) Bounds() Bounds { return e.bounds }

// Setpoint clamps the position of desired and returns it as a Setpoint.
// Orientation, stamp and frame pass through unchanged.
func (e *Envelope) Setpoint(desired pose.Pose) Setpoint {
	desired.Position = Clamp(desired.Position, e.bounds)
	return Setpoint{p: desired, valid: true}
}
