// Package api is the operator HTTP surface: flight commands under /comm/,
// loop state and assessment under /api/, and a few debug pages.
package api

import (
	"errors"
	"image/png"
	"net/http"
	"strconv"
	"strings"
	"time"

	"tailscale.com/tsweb"

	"github.com/banshee-data/parsight/internal/flight"
	"github.com/banshee-data/parsight/internal/fsutil"
	"github.com/banshee-data/parsight/internal/httputil"
	"github.com/banshee-data/parsight/internal/monitor"
	"github.com/banshee-data/parsight/internal/monitoring"
	"github.com/banshee-data/parsight/internal/pipeline"
	"github.com/banshee-data/parsight/internal/recorder"
	"github.com/banshee-data/parsight/internal/security"
	"github.com/banshee-data/parsight/internal/timeutil"
	"github.com/banshee-data/parsight/internal/version"
	"github.com/banshee-data/parsight/internal/vision"
)

// ANSI escape codes for request logs.
const (
	colorCyan      = "\033[36m"
	colorReset     = "\033[0m"
	colorYellow    = "\033[33m"
	colorBoldGreen = "\033[1;32m"
	colorBoldRed   = "\033[1;31m"
)

// SessionStore lists recorded flights. *recorder.Recorder satisfies it.
type SessionStore interface {
	Sessions() ([]recorder.SessionInfo, error)
	Transitions(sessionID string) ([]recorder.TransitionRecord, error)
}

// Options are the optional collaborators of a Server.
type Options struct {
	Assessment *monitor.Assessment
	Trace      *monitor.Trace
	Sessions   SessionStore
	// PlotFS and PlotDir receive PNG plots written by POST /api/plots.
	PlotFS  fsutil.FileSystem
	PlotDir string
	Clock   timeutil.Clock
}

// Server serves the operator API for one runtime.
type Server struct {
	rt   *pipeline.Runtime
	opts Options
}

// NewServer creates a server for rt.
func NewServer(rt *pipeline.Runtime, opts Options) *Server {
	if opts.Clock == nil {
		opts.Clock = timeutil.RealClock{}
	}
	if opts.PlotFS == nil {
		opts.PlotFS = fsutil.OSFileSystem{}
	}
	if opts.PlotDir == "" {
		opts.PlotDir = "plots"
	}
	return &Server{rt: rt, opts: opts}
}

// ServeMux returns a mux with every route mounted.
func (s *Server) ServeMux() *http.ServeMux {
	mux := http.NewServeMux()
	mux.HandleFunc("/comm/", s.handleCommand)
	mux.HandleFunc("/api/state", s.handleState)
	mux.HandleFunc("/api/version", s.handleVersion)
	mux.HandleFunc("/api/assessment", s.handleAssessment)
	mux.HandleFunc("/api/assessment/", s.handleAssessmentToggle)
	mux.HandleFunc("/api/trace", s.handleTrace)
	mux.HandleFunc("/api/plots", s.handlePlots)
	mux.HandleFunc("/api/sessions", s.handleSessions)
	mux.HandleFunc("/api/sessions/", s.handleSessionTransitions)
	s.AttachAdminRoutes(mux)
	return mux
}

// AttachAdminRoutes registers /debug/frame.png, the last camera frame with
// the detection drawn on it.
func (s *Server) AttachAdminRoutes(mux *http.ServeMux) {
	debug := tsweb.Debugger(mux)
	debug.HandleSilentFunc("frame.png", s.handleFramePNG)
	debug.URL("/debug/frame.png", "Last camera frame with detection overlay")
}

func (s *Server) handleCommand(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		httputil.MethodNotAllowed(w, http.MethodPost)
		return
	}
	name := strings.TrimPrefix(r.URL.Path, "/comm/")
	ack, err := s.rt.Command(name)
	switch {
	case err == nil:
		httputil.WriteJSONOK(w, ack)
	case errors.Is(err, flight.ErrUnknownTrigger):
		httputil.WriteJSON(w, http.StatusNotFound, ack)
	case errors.Is(err, pipeline.ErrNoFreshDetection):
		httputil.WriteJSON(w, http.StatusConflict, ack)
	default:
		httputil.WriteJSON(w, http.StatusInternalServerError, ack)
	}
}

func (s *Server) handleState(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		httputil.MethodNotAllowed(w, http.MethodGet)
		return
	}
	httputil.WriteJSONOK(w, stateView(s.rt.Report()))
}

func (s *Server) handleVersion(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		httputil.MethodNotAllowed(w, http.MethodGet)
		return
	}
	httputil.WriteJSONOK(w, map[string]string{
		"version":    version.Version,
		"git_sha":    version.GitSHA,
		"build_time": version.BuildTime,
	})
}

func (s *Server) handleAssessment(w http.ResponseWriter, r *http.Request) {
	if s.opts.Assessment == nil {
		httputil.NotFound(w, "assessment disabled")
		return
	}
	if r.Method != http.MethodGet {
		httputil.MethodNotAllowed(w, http.MethodGet)
		return
	}
	httputil.WriteJSONOK(w, s.opts.Assessment.Report())
}

// handleAssessmentToggle serves POST /api/assessment/{in_frame,false_positive}.
func (s *Server) handleAssessmentToggle(w http.ResponseWriter, r *http.Request) {
	if s.opts.Assessment == nil {
		httputil.NotFound(w, "assessment disabled")
		return
	}
	if r.Method != http.MethodPost {
		httputil.MethodNotAllowed(w, http.MethodPost)
		return
	}
	mode, err := monitor.ParseMode(strings.TrimPrefix(r.URL.Path, "/api/assessment/"))
	if err != nil {
		httputil.NotFound(w, err.Error())
		return
	}
	running, err := s.opts.Assessment.Toggle(mode)
	if err != nil {
		httputil.BadRequest(w, err.Error())
		return
	}
	monitoring.Logf("assessment: %s running=%t", mode, running)
	httputil.WriteJSONOK(w, map[string]any{"mode": mode, "running": running})
}

type traceResponse struct {
	Frames      []monitor.FrameSample `json:"frames,omitempty"`
	Setpoints   []monitor.PoseSample  `json:"setpoints,omitempty"`
	VisionPoses []monitor.PoseSample  `json:"vision_poses,omitempty"`
}

// handleTrace returns the rolling trace. ?limit=N keeps the newest N
// entries of each kind.
func (s *Server) handleTrace(w http.ResponseWriter, r *http.Request) {
	if s.opts.Trace == nil {
		httputil.NotFound(w, "trace disabled")
		return
	}
	if r.Method != http.MethodGet {
		httputil.MethodNotAllowed(w, http.MethodGet)
		return
	}
	limit := 0
	if v := r.URL.Query().Get("limit"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n < 1 {
			httputil.BadRequest(w, "invalid 'limit' parameter")
			return
		}
		limit = n
	}
	httputil.WriteJSONOK(w, traceResponse{
		Frames:      newest(s.opts.Trace.Frames(), limit),
		Setpoints:   newest(s.opts.Trace.Setpoints(), limit),
		VisionPoses: newest(s.opts.Trace.VisionPoses(), limit),
	})
}

func newest[T any](items []T, limit int) []T {
	if limit <= 0 || len(items) <= limit {
		return items
	}
	return items[len(items)-limit:]
}

func (s *Server) handlePlots(w http.ResponseWriter, r *http.Request) {
	if s.opts.Trace == nil {
		httputil.NotFound(w, "trace disabled")
		return
	}
	if r.Method != http.MethodPost {
		httputil.MethodNotAllowed(w, http.MethodPost)
		return
	}
	name := s.opts.Clock.Now().Format("20060102_150405")
	if label := security.SanitizeFilename(r.URL.Query().Get("name")); label != "" {
		name = label
	}
	dir, err := security.JoinWithin(s.opts.PlotDir, name)
	if err != nil {
		httputil.BadRequest(w, err.Error())
		return
	}
	paths, err := monitor.WritePlots(s.opts.PlotFS, dir, s.opts.Trace)
	if errors.Is(err, monitor.ErrEmptyTrace) {
		httputil.Conflict(w, err.Error())
		return
	}
	if err != nil {
		httputil.InternalServerError(w, err.Error())
		return
	}
	monitoring.Logf("monitor: wrote %d plots to %s", len(paths), dir)
	httputil.WriteJSONOK(w, map[string]any{"dir": dir, "files": paths})
}

func (s *Server) handleSessions(w http.ResponseWriter, r *http.Request) {
	if s.opts.Sessions == nil {
		httputil.NotFound(w, "recorder disabled")
		return
	}
	if r.Method != http.MethodGet {
		httputil.MethodNotAllowed(w, http.MethodGet)
		return
	}
	sessions, err := s.opts.Sessions.Sessions()
	if err != nil {
		httputil.InternalServerError(w, "failed to list sessions: "+err.Error())
		return
	}
	if sessions == nil {
		sessions = []recorder.SessionInfo{}
	}
	httputil.WriteJSONOK(w, sessions)
}

// handleSessionTransitions serves GET /api/sessions/{id}/transitions.
func (s *Server) handleSessionTransitions(w http.ResponseWriter, r *http.Request) {
	if s.opts.Sessions == nil {
		httputil.NotFound(w, "recorder disabled")
		return
	}
	if r.Method != http.MethodGet {
		httputil.MethodNotAllowed(w, http.MethodGet)
		return
	}
	id, ok := strings.CutSuffix(strings.TrimPrefix(r.URL.Path, "/api/sessions/"), "/transitions")
	if !ok || id == "" || strings.Contains(id, "/") {
		httputil.NotFound(w, "not found")
		return
	}
	trs, err := s.opts.Sessions.Transitions(id)
	if err != nil {
		httputil.InternalServerError(w, "failed to list transitions: "+err.Error())
		return
	}
	if trs == nil {
		trs = []recorder.TransitionRecord{}
	}
	httputil.WriteJSONOK(w, trs)
}

func (s *Server) handleFramePNG(w http.ResponseWriter, r *http.Request) {
	frame, det, ok := s.rt.LastFrame()
	if !ok {
		http.Error(w, "no frame yet", http.StatusNotFound)
		return
	}
	w.Header().Set("Content-Type", "image/png")
	w.Header().Set("Cache-Control", "no-store")
	w.Header().Set("X-Frame-Stamp", frame.Stamp.Format(time.RFC3339Nano))
	if err := png.Encode(w, vision.Annotate(frame, det)); err != nil {
		monitoring.Logf("api: failed to encode frame: %v", err)
	}
}
