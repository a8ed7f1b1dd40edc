package api

import (
	"time"

	"github.com/banshee-data/parsight/internal/pipeline"
	"github.com/banshee-data/parsight/internal/pose"
	"github.com/banshee-data/parsight/internal/vision"
)

// PoseView is a pose as served by the API.
type PoseView struct {
	X       float64   `json:"x"`
	Y       float64   `json:"y"`
	Z       float64   `json:"z"`
	QX      float64   `json:"qx"`
	QY      float64   `json:"qy"`
	QZ      float64   `json:"qz"`
	QW      float64   `json:"qw"`
	Yaw     float64   `json:"yaw"`
	FrameID string    `json:"frame_id,omitempty"`
	Stamp   time.Time `json:"stamp,omitzero"`
}

func poseView(p pose.Pose) PoseView {
	x, y, z, w := pose.XYZW(p.Orientation)
	return PoseView{
		X: p.Position.X, Y: p.Position.Y, Z: p.Position.Z,
		QX: x, QY: y, QZ: z, QW: w,
		Yaw:     pose.Yaw(p.Orientation),
		FrameID: p.FrameID,
		Stamp:   p.Stamp,
	}
}

// DetectionView is the last detection as served by the API.
type DetectionView struct {
	Found      bool      `json:"found"`
	Source     string    `json:"source,omitempty"`
	CenterX    float64   `json:"center_x"`
	CenterY    float64   `json:"center_y"`
	OffsetX    float64   `json:"offset_x"`
	OffsetY    float64   `json:"offset_y"`
	Score      float64   `json:"score"`
	Candidates int       `json:"candidates"`
	At         time.Time `json:"at"`
}

func detectionView(d vision.Detection, at time.Time) DetectionView {
	v := DetectionView{Found: d.Found, Candidates: len(d.Candidates), At: at}
	if d.Found {
		v.Source = string(d.Source)
		v.CenterX, v.CenterY = d.Center.X, d.Center.Y
		v.OffsetX, v.OffsetY = d.Offset()
		v.Score = d.Score
	}
	return v
}

// ControlView is the controller's derivative memory.
type ControlView struct {
	PrevErrX float64   `json:"prev_err_x"`
	PrevErrY float64   `json:"prev_err_y"`
	PrevTime time.Time `json:"prev_time,omitzero"`
}

// StateView is the body of GET /api/state.
type StateView struct {
	Phase     string         `json:"phase"`
	Desired   PoseView       `json:"desired"`
	Observed  *PoseView      `json:"observed,omitempty"`
	PoseFresh bool           `json:"pose_fresh"`
	Setpoint  *PoseView      `json:"setpoint,omitempty"`
	Detection *DetectionView `json:"detection,omitempty"`
	Control   ControlView    `json:"control"`
	Stats     pipeline.Stats `json:"stats"`
}

func stateView(rep pipeline.Report) StateView {
	v := StateView{
		Phase:     rep.Phase.String(),
		Desired:   poseView(rep.Desired),
		PoseFresh: rep.PoseFresh,
		Control: ControlView{
			PrevErrX: rep.Control.PrevErrX,
			PrevErrY: rep.Control.PrevErrY,
			PrevTime: rep.Control.PrevTime,
		},
		Stats: rep.Stats,
	}
	if rep.Observed != nil {
		o := poseView(*rep.Observed)
		v.Observed = &o
	}
	if rep.Setpoint != nil {
		sp := poseView(rep.Setpoint.Pose())
		v.Setpoint = &sp
	}
	if rep.Detection != nil {
		d := detectionView(*rep.Detection, rep.DetectedAt)
		v.Detection = &d
	}
	return v
}
