package serialmux

import (
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"gonum.org/v1/gonum/spatial/r3"

	"github.com/banshee-data/parsight/internal/pose"
	"github.com/banshee-data/parsight/internal/safety"
)

// Line types carried on the link. The bridge sends pose and command lines;
// the loop answers with vision_pose and setpoint lines.
const (
	LineTypePose       = "pose"
	LineTypeCommand    = "command"
	LineTypeVisionPose = "vision_pose"
	LineTypeSetpoint   = "setpoint"
	LineTypeUnknown    = "unknown"
)

// LineTypes lists the known line types.
var LineTypes = []string{LineTypePose, LineTypeCommand, LineTypeVisionPose, LineTypeSetpoint}

var ErrWrongLineType = errors.New("unexpected line type")

// PoseLine is the JSON form of a pose on the link.
type PoseLine struct {
	Type    string  `json:"type"`
	X       float64 `json:"x"`
	Y       float64 `json:"y"`
	Z       float64 `json:"z"`
	QX      float64 `json:"qx"`
	QY      float64 `json:"qy"`
	QZ      float64 `json:"qz"`
	QW      float64 `json:"qw"`
	FrameID string  `json:"frame_id,omitempty"`
	StampNS int64   `json:"stamp_ns,omitempty"`
}

// CommandLine is an operator trigger relayed by the bridge.
type CommandLine struct {
	Type string `json:"type"`
	Name string `json:"name"`
}

// ClassifyLine returns the type field of a JSON line, or LineTypeUnknown
// when the line is not a JSON object or has an unrecognised type.
func ClassifyLine(line string) string {
	var head struct {
		Type string `json:"type"`
	}
	if err := json.Unmarshal([]byte(line), &head); err != nil {
		return LineTypeUnknown
	}
	for _, t := range LineTypes {
		if head.Type == t {
			return t
		}
	}
	return LineTypeUnknown
}

// DecodePose parses a pose line. A missing stamp decodes as the zero time.
func DecodePose(line string) (pose.Pose, error) {
	var pl PoseLine
	if err := json.Unmarshal([]byte(line), &pl); err != nil {
		return pose.Pose{}, fmt.Errorf("failed to decode pose line: %w", err)
	}
	if pl.Type != LineTypePose {
		return pose.Pose{}, fmt.Errorf("%w: %q", ErrWrongLineType, pl.Type)
	}
	p := pose.Pose{
		Position:    r3.Vec{X: pl.X, Y: pl.Y, Z: pl.Z},
		Orientation: pose.FromXYZW(pl.QX, pl.QY, pl.QZ, pl.QW),
		FrameID:     pl.FrameID,
	}
	if pl.StampNS != 0 {
		p.Stamp = time.Unix(0, pl.StampNS)
	}
	return p, nil
}

// DecodeCommand parses a command line and returns the trigger name.
func DecodeCommand(line string) (string, error) {
	var cl CommandLine
	if err := json.Unmarshal([]byte(line), &cl); err != nil {
		return "", fmt.Errorf("failed to decode command line: %w", err)
	}
	if cl.Type != LineTypeCommand {
		return "", fmt.Errorf("%w: %q", ErrWrongLineType, cl.Type)
	}
	return cl.Name, nil
}

// EncodePose renders p as a line of the given type.
func EncodePose(lineType string, p pose.Pose) (string, error) {
	x, y, z, w := pose.XYZW(p.Orientation)
	pl := PoseLine{
		Type:    lineType,
		X:       p.Position.X,
		Y:       p.Position.Y,
		Z:       p.Position.Z,
		QX:      x,
		QY:      y,
		QZ:      z,
		QW:      w,
		FrameID: p.FrameID,
	}
	if !p.Stamp.IsZero() {
		pl.StampNS = p.Stamp.UnixNano()
	}
	b, err := json.Marshal(pl)
	if err != nil {
		return "", err
	}
	return string(b), nil
}

// LineSink writes the loop's outbound stream back over the link.
type LineSink struct {
	link Mux
}

// NewLineSink returns a sink writing to link.
func NewLineSink(link Mux) *LineSink {
	return &LineSink{link: link}
}

func (s *LineSink) SendVisionPose(p pose.Pose) error {
	return s.send(LineTypeVisionPose, p)
}

func (s *LineSink) SendSetpoint(sp safety.Setpoint) error {
	return s.send(LineTypeSetpoint, sp.Pose())
}

func (s *LineSink) send(lineType string, p pose.Pose) error {
	line, err := EncodePose(lineType, p)
	if err != nil {
		return fmt.Errorf("failed to encode %s line: %w", lineType, err)
	}
	if err := s.link.WriteLine(line); err != nil {
		return fmt.Errorf("failed to write %s line: %w", lineType, err)
	}
	return nil
}
