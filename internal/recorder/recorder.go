// Package recorder is the flight recorder. Every flight session gets a row
// in SQLite, and the transitions, pose streams and per-frame detections of
// the session are stored against it for later review.
package recorder

import (
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/tailscale/tailsql/server/tailsql"
	_ "modernc.org/sqlite"
	"tailscale.com/tsweb"

	"github.com/banshee-data/parsight/internal/flight"
	"github.com/banshee-data/parsight/internal/monitoring"
	"github.com/banshee-data/parsight/internal/pipeline"
	"github.com/banshee-data/parsight/internal/pose"
	"github.com/banshee-data/parsight/internal/safety"
	"github.com/banshee-data/parsight/internal/timeutil"
)

// ErrNoSession is returned by writes made before StartSession.
var ErrNoSession = errors.New("no active recording session")

// Pose kinds in the poses table.
const (
	KindVision   = "vision"
	KindSetpoint = "setpoint"
)

// DefaultQueueSize is how many pending writes Open buffers before new
// writes are dropped.
const DefaultQueueSize = 1024

// Recorder owns the recording database. Writes made through Sink and Observe
// are queued and committed by a single writer goroutine so a slow or locked
// database never delays the servo loop.
type Recorder struct {
	db    *sql.DB
	path  string
	clock timeutil.Clock

	mu      sync.RWMutex
	session string

	qmu     sync.RWMutex
	closed  bool
	queue   chan job
	done    chan struct{}
	dropped atomic.Uint64
}

type job struct {
	what  string
	write func() error
	flush chan struct{}
}

// Open opens (creating if needed) the database at path and migrates it to
// the latest schema.
func Open(path string, clock timeutil.Clock) (*Recorder, error) {
	return open(path, clock, DefaultQueueSize)
}

func open(path string, clock timeutil.Clock, queueSize int) (*Recorder, error) {
	if clock == nil {
		clock = timeutil.RealClock{}
	}
	dsn := path + "?_pragma=journal_mode(WAL)&_pragma=busy_timeout(5000)&_pragma=synchronous(NORMAL)&_pragma=foreign_keys(ON)"
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("failed to open recorder database: %w", err)
	}
	if err := db.Ping(); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to open recorder database %s: %w", path, err)
	}
	r := &Recorder{
		db:    db,
		path:  path,
		clock: clock,
		queue: make(chan job, queueSize),
		done:  make(chan struct{}),
	}
	if err := r.MigrateUp(); err != nil {
		db.Close()
		return nil, err
	}
	go r.drain()
	return r, nil
}

// Close commits the queued writes, ends the active session, if any, and
// closes the database.
func (r *Recorder) Close() error {
	r.qmu.Lock()
	if !r.closed {
		r.closed = true
		close(r.queue)
	}
	r.qmu.Unlock()
	<-r.done

	if r.Session() != "" {
		if err := r.EndSession(); err != nil {
			monitoring.Logf("recorder: failed to end session: %v", err)
		}
	}
	return r.db.Close()
}

func (r *Recorder) drain() {
	defer close(r.done)
	for j := range r.queue {
		if j.flush != nil {
			close(j.flush)
			continue
		}
		if err := j.write(); err != nil {
			monitoring.Logf("recorder: %s not recorded: %v", j.what, err)
		}
	}
}

// enqueue hands write to the writer goroutine without blocking. When the
// queue is full the write is dropped and counted.
func (r *Recorder) enqueue(what string, write func() error) {
	r.qmu.RLock()
	defer r.qmu.RUnlock()
	if r.closed {
		return
	}
	select {
	case r.queue <- job{what: what, write: write}:
	default:
		if n := r.dropped.Add(1); n == 1 || n%100 == 0 {
			monitoring.Logf("recorder: write queue full, %d writes dropped", n)
		}
	}
}

// Flush blocks until every write queued before the call is committed.
func (r *Recorder) Flush() {
	flushed := make(chan struct{})
	r.qmu.RLock()
	if r.closed {
		r.qmu.RUnlock()
		return
	}
	r.queue <- job{flush: flushed}
	r.qmu.RUnlock()
	<-flushed
}

// Dropped returns how many queued writes were discarded because the writer
// fell behind.
func (r *Recorder) Dropped() uint64 { return r.dropped.Load() }

// DB exposes the underlying handle for ad-hoc queries.
func (r *Recorder) DB() *sql.DB { return r.db }

// Session returns the active session id, or "".
func (r *Recorder) Session() string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.session
}

// StartSession opens a new session and makes it active. config is stored as
// JSON alongside the build version.
func (r *Recorder) StartSession(version string, config any) (string, error) {
	cfg, err := json.Marshal(config)
	if err != nil {
		return "", fmt.Errorf("failed to encode session config: %w", err)
	}
	id := uuid.NewString()
	if _, err := r.db.Exec(
		`INSERT INTO sessions (session_id, started_ns, version, config_json) VALUES (?, ?, ?, ?)`,
		id, r.clock.Now().UnixNano(), version, string(cfg),
	); err != nil {
		return "", fmt.Errorf("failed to start session: %w", err)
	}
	r.mu.Lock()
	r.session = id
	r.mu.Unlock()
	monitoring.Logf("recorder: session %s started", id)
	return id, nil
}

// EndSession stamps the active session's end time and clears it.
func (r *Recorder) EndSession() error {
	r.mu.Lock()
	id := r.session
	r.session = ""
	r.mu.Unlock()
	if id == "" {
		return ErrNoSession
	}
	_, err := r.db.Exec(`UPDATE sessions SET ended_ns = ? WHERE session_id = ?`, r.clock.Now().UnixNano(), id)
	return err
}

func (r *Recorder) active() (string, error) {
	id := r.Session()
	if id == "" {
		return "", ErrNoSession
	}
	return id, nil
}

// RecordTransition stores one flight phase change.
func (r *Recorder) RecordTransition(tr flight.Transition) error {
	id, err := r.active()
	if err != nil {
		return err
	}
	return r.insertTransition(id, tr)
}

func (r *Recorder) insertTransition(id string, tr flight.Transition) error {
	d := tr.Desired.Position
	_, err := r.db.Exec(
		`INSERT INTO transitions (session_id, at_ns, trigger_name, from_phase, to_phase, desired_x, desired_y, desired_z)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
		id, tr.At.UnixNano(), tr.Trigger, tr.From.String(), tr.To.String(), d.X, d.Y, d.Z,
	)
	return err
}

// RecordPose stores p under kind (KindVision or KindSetpoint).
func (r *Recorder) RecordPose(kind string, p pose.Pose) error {
	id, err := r.active()
	if err != nil {
		return err
	}
	return r.insertPose(id, kind, p)
}

func (r *Recorder) insertPose(id, kind string, p pose.Pose) error {
	x, y, z, w := pose.XYZW(p.Orientation)
	_, err := r.db.Exec(
		`INSERT INTO poses (session_id, kind, stamp_ns, frame_id, x, y, z, qx, qy, qz, qw)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		id, kind, p.Stamp.UnixNano(), p.FrameID, p.Position.X, p.Position.Y, p.Position.Z, x, y, z, w,
	)
	return err
}

// RecordFrame stores the outcome of one processed frame.
func (r *Recorder) RecordFrame(res pipeline.FrameResult) error {
	id, err := r.active()
	if err != nil {
		return err
	}
	return r.insertFrame(id, res)
}

func (r *Recorder) insertFrame(id string, res pipeline.FrameResult) error {
	det := res.Detection
	var cx, cy, ox, oy, score sql.NullFloat64
	if det.Found {
		cx = sql.NullFloat64{Float64: det.Center.X, Valid: true}
		cy = sql.NullFloat64{Float64: det.Center.Y, Valid: true}
		ox = sql.NullFloat64{Float64: res.Offset.X, Valid: true}
		oy = sql.NullFloat64{Float64: res.Offset.Y, Valid: true}
		score = sql.NullFloat64{Float64: det.Score, Valid: true}
	}
	_, err := r.db.Exec(
		`INSERT INTO detections (session_id, stamp_ns, phase, found, source, center_x, center_y,
		   offset_x, offset_y, score, candidates, pose_fresh, hold, applied)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		id, res.Stamp.UnixNano(), res.Phase.String(), det.Found, string(det.Source), cx, cy,
		ox, oy, score, len(det.Candidates), res.PoseFresh, res.Command.Hold, res.Applied,
	)
	return err
}

// Observe attaches the recorder to a runtime: transitions and frames are
// queued for recording as they happen. Nothing is recorded without an
// active session, and write failures are logged, never propagated into the
// loop.
func (r *Recorder) Observe(rt *pipeline.Runtime) {
	rt.Machine().Observe(func(tr flight.Transition) {
		if id := r.Session(); id != "" {
			r.enqueue("transition", func() error { return r.insertTransition(id, tr) })
		}
	})
	rt.OnFrame(func(res pipeline.FrameResult) {
		if id := r.Session(); id != "" {
			r.enqueue("frame", func() error { return r.insertFrame(id, res) })
		}
	})
}

// Sink returns a sink that forwards every message to next and then queues it
// for recording. Only next's error is returned.
func (r *Recorder) Sink(next pipeline.Sink) pipeline.Sink {
	return &recordingSink{rec: r, next: next}
}

type recordingSink struct {
	rec  *Recorder
	next pipeline.Sink
}

func (s *recordingSink) record(kind string, p pose.Pose) {
	if id := s.rec.Session(); id != "" {
		s.rec.enqueue(kind+" pose", func() error { return s.rec.insertPose(id, kind, p) })
	}
}

func (s *recordingSink) SendVisionPose(p pose.Pose) error {
	err := s.next.SendVisionPose(p)
	s.record(KindVision, p)
	return err
}

func (s *recordingSink) SendSetpoint(sp safety.Setpoint) error {
	err := s.next.SendSetpoint(sp)
	s.record(KindSetpoint, sp.Pose())
	return err
}

// SessionInfo summarises one recorded session.
type SessionInfo struct {
	ID          string     `json:"id"`
	Started     time.Time  `json:"started"`
	Ended       *time.Time `json:"ended,omitempty"`
	Version     string     `json:"version"`
	Transitions int        `json:"transitions"`
	Frames      int        `json:"frames"`
	Detections  int        `json:"detections"`
}

// Sessions lists sessions, newest first.
func (r *Recorder) Sessions() ([]SessionInfo, error) {
	rows, err := r.db.Query(`
		SELECT s.session_id, s.started_ns, s.ended_ns, s.version,
		       (SELECT COUNT(*) FROM transitions t WHERE t.session_id = s.session_id),
		       (SELECT COUNT(*) FROM detections d WHERE d.session_id = s.session_id),
		       (SELECT COUNT(*) FROM detections d WHERE d.session_id = s.session_id AND d.found = 1)
		FROM sessions s
		ORDER BY s.started_ns DESC, s.rowid DESC`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []SessionInfo
	for rows.Next() {
		var (
			info    SessionInfo
			started int64
			ended   sql.NullInt64
		)
		if err := rows.Scan(&info.ID, &started, &ended, &info.Version, &info.Transitions, &info.Frames, &info.Detections); err != nil {
			return nil, err
		}
		info.Started = time.Unix(0, started)
		if ended.Valid {
			t := time.Unix(0, ended.Int64)
			info.Ended = &t
		}
		out = append(out, info)
	}
	return out, rows.Err()
}

// TransitionRecord is a stored transition.
type TransitionRecord struct {
	At      time.Time `json:"at"`
	Trigger string    `json:"trigger"`
	From    string    `json:"from"`
	To      string    `json:"to"`
	X       float64   `json:"x"`
	Y       float64   `json:"y"`
	Z       float64   `json:"z"`
}

// Transitions returns a session's transitions in order.
func (r *Recorder) Transitions(sessionID string) ([]TransitionRecord, error) {
	rows, err := r.db.Query(`
		SELECT at_ns, trigger_name, from_phase, to_phase, desired_x, desired_y, desired_z
		FROM transitions WHERE session_id = ? ORDER BY transition_id`, sessionID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []TransitionRecord
	for rows.Next() {
		var (
			tr TransitionRecord
			at int64
		)
		if err := rows.Scan(&at, &tr.Trigger, &tr.From, &tr.To, &tr.X, &tr.Y, &tr.Z); err != nil {
			return nil, err
		}
		tr.At = time.Unix(0, at)
		out = append(out, tr)
	}
	return out, rows.Err()
}

// CountPoses returns how many poses of kind a session stored.
func (r *Recorder) CountPoses(sessionID, kind string) (int, error) {
	var n int
	err := r.db.QueryRow(`SELECT COUNT(*) FROM poses WHERE session_id = ? AND kind = ?`, sessionID, kind).Scan(&n)
	return n, err
}

// AttachAdminRoutes mounts tailsql over the recording database at
// /debug/tailsql/.
func (r *Recorder) AttachAdminRoutes(mux *http.ServeMux) error {
	debug := tsweb.Debugger(mux)
	tsql, err := tailsql.NewServer(tailsql.Options{
		RoutePrefix: "/debug/tailsql/",
	})
	if err != nil {
		return fmt.Errorf("failed to create tailsql server: %w", err)
	}
	tsql.SetDB("sqlite://"+r.path, r.db, &tailsql.DBOptions{
		Label: "Flight recorder",
	})
	debug.Handle("tailsql/", "SQL over the flight recorder", tsql.NewMux())
	return nil
}
