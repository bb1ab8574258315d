// Package panorama coordinates in-place rotation with snapshot requests to
// capture one stitched panorama per session.
package panorama

import (
	"image"
	"math"
	"time"

	"github.com/pkg/errors"

	"github.com/cjeanneret/PanBot/internal/logic/capture"
)

// Tolerance for angle comparisons, in degrees.
const epsilon = 1e-9

var (
	ErrSessionAlreadyActive  = errors.New("already-in-progress")
	ErrInvalidParameters     = errors.New("invalid panorama parameters")
	ErrCaptureServiceFailure = errors.New("capture service failure")
	ErrPrematureFinalize     = errors.New("finalize requested before any snapshot was issued")
	ErrActiveTimeout         = errors.New("capture service did not become active in time")
	ErrMotionFailure         = errors.New("motion command failed")
	ErrIllegalTransition     = errors.New("illegal state transition")
)

// State of the orchestrator.
type State int

const (
	Idle State = iota
	AwaitingActive
	Rotating
	HoldingForSnapshot
	Finalizing
)

func (s State) String() string {
	switch s {
	case Idle:
		return "idle"
	case AwaitingActive:
		return "awaiting_active"
	case Rotating:
		return "rotating"
	case HoldingForSnapshot:
		return "holding_for_snapshot"
	case Finalizing:
		return "finalizing"
	default:
		return "unknown"
	}
}

// MarshalText renders the state name in JSON.
func (s State) MarshalText() ([]byte, error) {
	return []byte(s.String()), nil
}

// Mode selects how snapshots are taken along the arc.
type Mode string

const (
	// ModeContinuous keeps rotating while snapshots are taken.
	ModeContinuous Mode = "continuous"
	// ModeStepwise stops for every snapshot and resumes once it is accepted.
	ModeStepwise Mode = "stepwise"
	// ModeStop turns a start request into a stop request.
	ModeStop Mode = "stop"
)

// Params are the caller-tunable session parameters. Zero fields take the
// configured defaults.
type Params struct {
	AngleDeg            float64 `json:"angle_deg"`
	SnapIntervalDeg     float64 `json:"snap_interval_deg"`
	RotationVelocityDPS float64 `json:"rotation_velocity_dps"`
	Mode                Mode    `json:"mode"`
}

// WithDefaults fills every zero field from d.
func (p Params) WithDefaults(d Params) Params {
	if p.AngleDeg == 0 {
		p.AngleDeg = d.AngleDeg
	}
	if p.SnapIntervalDeg == 0 {
		p.SnapIntervalDeg = d.SnapIntervalDeg
	}
	if p.RotationVelocityDPS == 0 {
		p.RotationVelocityDPS = d.RotationVelocityDPS
	}
	if p.Mode == "" {
		p.Mode = d.Mode
	}
	return p
}

// Validate checks that every value is finite and positive, that the interval
// fits in the arc and that the mode is a capture mode.
func (p Params) Validate() error {
	for _, f := range []struct {
		name string
		v    float64
	}{
		{"angle_deg", p.AngleDeg},
		{"snap_interval_deg", p.SnapIntervalDeg},
		{"rotation_velocity_dps", p.RotationVelocityDPS},
	} {
		if math.IsNaN(f.v) || math.IsInf(f.v, 0) || f.v <= 0 {
			return errors.Wrapf(ErrInvalidParameters, "%s must be a finite value > 0, got %v", f.name, f.v)
		}
	}
	if p.SnapIntervalDeg > p.AngleDeg+epsilon {
		return errors.Wrapf(ErrInvalidParameters, "snap_interval_deg %v exceeds angle_deg %v", p.SnapIntervalDeg, p.AngleDeg)
	}
	switch p.Mode {
	case ModeContinuous, ModeStepwise:
		return nil
	default:
		return errors.Wrapf(ErrInvalidParameters, "unknown mode %q", p.Mode)
	}
}

// Outcome is the answer to a request.
type Outcome string

const (
	OutcomeStarted    Outcome = "started"
	OutcomeInProgress Outcome = "in_progress"
	OutcomeRejected   Outcome = "rejected"
	OutcomeFailed     Outcome = "failed"
	OutcomeStopped    Outcome = "stopped"
	OutcomeIdle       Outcome = "idle"
	OutcomeFinalizing Outcome = "finalizing"
	OutcomeIgnored    Outcome = "ignored"
	OutcomeHandled    Outcome = "handled"
)

// Response is what Machine.Handle returns for every event.
type Response struct {
	Outcome Outcome
	State   State // state after the event
	Reason  string
	Err     error
	Task    capture.TaskID
	Status  Status
}

// Status is a snapshot of the orchestrator for status queries.
type Status struct {
	State          State          `json:"state"`
	Task           capture.TaskID `json:"task_id,omitempty"`
	TaskState      string         `json:"task_state"`
	Params         *Params        `json:"params,omitempty"`
	AccumulatedDeg float64        `json:"accumulated_deg"`
	LastSnapAtDeg  float64        `json:"last_snap_at_deg"`
	Requested      int            `json:"snapshots_requested"`
	Accepted       int            `json:"snapshots_accepted"`
	StartedAt      *time.Time     `json:"started_at,omitempty"`
}

// Session outcomes recorded in a Summary.
const (
	SessionSucceeded = "succeeded"
	SessionFailed    = "failed"
	SessionCancelled = "cancelled"
)

// Panorama is a successfully stitched image.
type Panorama struct {
	Task        capture.TaskID
	Image       image.Image
	Snapshots   int
	Params      Params
	CompletedAt time.Time
}

// Summary describes how a session ended.
type Summary struct {
	Task           capture.TaskID `json:"task_id"`
	Params         Params         `json:"params"`
	Requested      int            `json:"snapshots_requested"`
	Accepted       int            `json:"snapshots_accepted"`
	AccumulatedDeg float64        `json:"accumulated_deg"`
	Outcome        string         `json:"outcome"`
	Reason         string         `json:"reason,omitempty"`
	StartedAt      time.Time      `json:"started_at"`
	EndedAt        time.Time      `json:"ended_at"`
}

// session is the single in-flight capture attempt.
type session struct {
	params    Params
	task      capture.TaskID
	taskState capture.TaskState
	startedAt time.Time

	// segments holds rotation folded out of the tracker before each stepwise reset.
	segments   float64
	lastSnapAt float64
	requested  int
	accepted   int

	// set when the arc is covered while the only snapshots are still in flight
	finalizeWhenAccepted bool
}
