// Package control turns a pixel offset between the detected target and the
// image center into a desired horizontal position, using a proportional and
// derivative law on the pixel error.
package control

import (
	"math"
	"time"

	"gonum.org/v1/gonum/spatial/r3"

	"github.com/banshee-data/parsight/internal/config"
	"github.com/banshee-data/parsight/internal/timeutil"
)

// minDt replaces a zero sample interval in the derivative term.
const minDt = 1e-6

// Gains configures the controller.
type Gains struct {
	Kp             float64 // metres per pixel
	Kd             float64 // metres per pixel/second
	PixelTolerance float64 // dead-band radius in pixels
	CruiseHeight   float64 // metres
}

// DefaultGains are the flight-tested values.
var DefaultGains = Gains{Kp: 0.020, Kd: 0.002, PixelTolerance: 5, CruiseHeight: 2.3}

// GainsFromConfig reads the controller gains from tuning configuration.
func GainsFromConfig(cfg *config.TuningConfig) Gains {
	return Gains{
		Kp:             cfg.GetKp(),
		Kd:             cfg.GetKd(),
		PixelTolerance: cfg.GetPixelTolerance(),
		CruiseHeight:   cfg.GetCruiseHeight(),
	}
}

// Offset is the target center minus the frame center, in pixels.
type Offset struct {
	X, Y float64
}

// Norm returns the Euclidean length of the offset.
func (o Offset) Norm() float64 {
	return math.Hypot(o.X, o.Y)
}

// State is the error memory carried between frames.
type State struct {
	PrevErrX float64
	PrevErrY float64
	PrevTime time.Time
}

// Command is the result of one controller step.
type Command struct {
	// Hold is set when the offset was inside the dead-band.
	Hold bool
	// MoveX and MoveY are the PD terms along the image axes. Zero on hold.
	MoveX, MoveY float64
	// Desired is the horizontal target at cruise height.
	Desired r3.Vec
	// Applicable reports whether Desired may be written to the setpoint.
	// It mirrors the tracking flag passed to Step.
	Applicable bool
}

// Controller is the PD law and its State. A Controller is not safe for
// concurrent use; the frame handler owns it.
type Controller struct {
	gains Gains
	clock timeutil.Clock
	state State
}

// NewController creates a controller whose derivative clock starts now.
func NewController(g Gains, clock timeutil.Clock) *Controller {
	if clock == nil {
		clock = timeutil.RealClock{}
	}
	return &Controller{
		gains: g,
		clock: clock,
		state: State{PrevTime: clock.Now()},
	}
}

// Gains returns the controller configuration.
func (c *Controller) Gains() Gains { return c.gains }

// State returns a copy of the carried error state.
func (c *Controller) State() State { return c.state }

// Step runs the PD law for one detection.
//
// Inside the dead-band the command holds at the observed horizontal position
// and State is left untouched. Outside it the image axes cross onto the
// local frame: the y move shifts x and the x move shifts y, both subtracted.
// State is updated on every non-hold step whether or not tracking is enabled.
func (c *Controller) Step(off Offset, observed r3.Vec, tracking bool) Command {
	cruise := c.gains.CruiseHeight

	if off.Norm() <= c.gains.PixelTolerance {
		return Command{
			Hold:       true,
			Desired:    r3.Vec{X: observed.X, Y: observed.Y, Z: cruise},
			Applicable: tracking,
		}
	}

	now := c.clock.Now()
	dt := now.Sub(c.state.PrevTime).Seconds()
	if dt == 0 {
		dt = minDt
	}
	dx := (off.X - c.state.PrevErrX) / dt
	dy := (off.Y - c.state.PrevErrY) / dt

	moveX := c.gains.Kp*off.X + c.gains.Kd*dx
	moveY := c.gains.Kp*off.Y + c.gains.Kd*dy

	c.state = State{PrevErrX: off.X, PrevErrY: off.Y, PrevTime: now}

	return Command{
		MoveX: moveX,
		MoveY: moveY,
		Desired: r3.Vec{
			X: observed.X - moveY,
			Y: observed.Y - moveX,
			Z: cruise,
		},
		Applicable: tracking,
	}
}
