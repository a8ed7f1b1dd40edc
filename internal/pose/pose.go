// Package pose holds the vehicle pose type shared by the servo loop and its
// transports, and the orientation sign correction applied to external pose
// estimates before they reach the flight controller.
package pose

import (
	"math"
	"time"

	"gonum.org/v1/gonum/num/quat"
	"gonum.org/v1/gonum/spatial/r3"
)

// DefaultFrameID is the reference frame of every pose handled by the loop.
const DefaultFrameID = "map"

// Pose is a position and orientation in a named frame at an instant.
//
// Orientation uses gonum's quaternion layout, so the (x, y, z, w) components
// map to (Imag, Jmag, Kmag, Real).
type Pose struct {
	Position    r3.Vec
	Orientation quat.Number
	Stamp       time.Time
	FrameID     string
}

// Identity returns the unit quaternion with positive scalar part.
func Identity() quat.Number {
	return quat.Number{Real: 1}
}

// LevelFacing is the orientation commanded at launch: zero yaw expressed in
// the flight controller's sign convention, (x, y, z, w) = (0, 0, 0, -1).
func LevelFacing() quat.Number {
	return quat.Number{Real: -1}
}

// FromXYZW builds a quaternion from components in (x, y, z, w) order.
func FromXYZW(x, y, z, w float64) quat.Number {
	return quat.Number{Real: w, Imag: x, Jmag: y, Kmag: z}
}

// XYZW returns the quaternion components in (x, y, z, w) order.
func XYZW(q quat.Number) (x, y, z, w float64) {
	return q.Imag, q.Jmag, q.Kmag, q.Real
}

// Convert negates all four orientation components of an external pose so it
// agrees with the flight controller's sign convention. Position, stamp and
// frame are unchanged. Convert(Convert(p)) == p.
func Convert(p Pose) Pose {
	p.Orientation = quat.Scale(-1, p.Orientation)
	return p
}

// Yaw returns the heading encoded in q in radians. q and -q encode the same
// rotation, so the result is independent of the sign convention.
func Yaw(q quat.Number) float64 {
	x, y, z, w := XYZW(q)
	return math.Atan2(2*(w*z+x*y), 1-2*(y*y+z*z))
}

// Age returns how old the pose is relative to now.
func (p Pose) Age(now time.Time) time.Duration {
	return now.Sub(p.Stamp)
}
