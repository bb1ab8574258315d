package panorama

import (
	"fmt"
	"math"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/pkg/errors"
	"go.uber.org/multierr"

	"github.com/cjeanneret/PanBot/internal/debug"
	"github.com/cjeanneret/PanBot/internal/logic/capture"
	"github.com/cjeanneret/PanBot/internal/logic/motion"
	"github.com/cjeanneret/PanBot/internal/logic/odometry"
)

// Config wires a Machine to its collaborators.
type Config struct {
	Motion  motion.Commander
	Capture capture.Client
	// Notifier is handed to Capture.Start for every task.
	Notifier capture.Notifier
	Defaults Params
	// ActiveTimeout bounds AwaitingActive. Zero waits forever.
	ActiveTimeout time.Duration
	Clock         clock.Clock
	// Post delivers timer events back into the event stream. Required when
	// ActiveTimeout is set.
	Post func(Event)
}

// Effect is work the machine hands to the outside once an event is handled.
type Effect interface {
	isEffect()
}

// PublishImage asks for a stitched panorama to be published.
type PublishImage struct{ Panorama Panorama }

// RecordSummary asks for a finished session to be recorded.
type RecordSummary struct{ Summary Summary }

// LogProgress is a human-readable progress line.
type LogProgress struct{ Message string }

func (PublishImage) isEffect()  {}
func (RecordSummary) isEffect() {}
func (LogProgress) isEffect()   {}

var transitions = map[State][]State{
	Idle:               {AwaitingActive},
	AwaitingActive:     {Rotating, HoldingForSnapshot, Idle},
	Rotating:           {HoldingForSnapshot, Finalizing, Idle},
	HoldingForSnapshot: {Rotating, Finalizing, Idle},
	Finalizing:         {Idle},
}

func canTransition(from, to State) bool {
	for _, s := range transitions[from] {
		if s == to {
			return true
		}
	}
	return false
}

// Machine is the session state machine. It is not safe for concurrent use:
// every event must be handled from a single goroutine.
type Machine struct {
	cfg     Config
	state   State
	sess    *session
	tracker odometry.Tracker
	timer   *clock.Timer
	effects []Effect
}

// NewMachine creates an idle machine.
func NewMachine(cfg Config) *Machine {
	if cfg.Clock == nil {
		cfg.Clock = clock.New()
	}
	return &Machine{cfg: cfg}
}

// State returns the current state.
func (m *Machine) State() State { return m.state }

// Effects returns and clears the effects queued by previous events.
func (m *Machine) Effects() []Effect {
	out := m.effects
	m.effects = nil
	return out
}

// Handle processes one event and returns the response to it.
func (m *Machine) Handle(ev Event) Response {
	var r Response
	switch e := ev.(type) {
	case StartRequested:
		r = m.onStart(e)
	case StopRequested:
		r = m.onStop()
	case OdometryReceived:
		r = m.onOdometry(e)
	case CaptureActive:
		r = m.onActive(e)
	case CaptureFeedback:
		r = m.onFeedback(e)
	case CaptureResult:
		r = m.onResult(e)
	case ActiveTimedOut:
		r = m.onActiveTimeout(e)
	case StatusRequested:
		r = Response{Outcome: OutcomeHandled}
	case ShutdownRequested:
		r = m.onShutdown()
	default:
		r = Response{Outcome: OutcomeIgnored, Reason: fmt.Sprintf("unknown event %T", ev)}
	}
	r.State = m.state
	r.Status = m.Status()
	return r
}

// Status describes the current session, if any.
func (m *Machine) Status() Status {
	st := Status{State: m.state, TaskState: capture.TaskIdle.String()}
	if m.sess == nil {
		return st
	}
	p := m.sess.params
	started := m.sess.startedAt
	st.Task = m.sess.task
	st.TaskState = m.sess.taskState.String()
	st.Params = &p
	st.AccumulatedDeg = m.total()
	st.LastSnapAtDeg = m.sess.lastSnapAt
	st.Requested = m.sess.requested
	st.Accepted = m.sess.accepted
	st.StartedAt = &started
	return st
}

func (m *Machine) total() float64 {
	if m.sess == nil {
		return 0
	}
	return m.sess.segments + m.tracker.Accumulated()
}

// enter moves to next if the transition table allows it. An illegal
// transition is logged and the current state is kept.
func (m *Machine) enter(next State) bool {
	if !canTransition(m.state, next) {
		debug.Error(errors.Wrapf(ErrIllegalTransition, "%s -> %s", m.state, next))
		return false
	}
	debug.Verbose("Panorama: %s -> %s", m.state, next)
	m.state = next
	return true
}

func (m *Machine) progress(format string, args ...interface{}) {
	msg := fmt.Sprintf(format, args...)
	debug.Live("Panorama: %s", msg)
	m.effects = append(m.effects, LogProgress{Message: msg})
}

func (m *Machine) stale(task capture.TaskID) bool {
	return m.sess == nil || task != m.sess.task
}

func (m *Machine) onStart(e StartRequested) Response {
	if e.Params.Mode == ModeStop {
		return m.onStop()
	}
	if m.state != Idle {
		return Response{
			Outcome: OutcomeInProgress,
			Reason:  "panorama already in progress",
			Err:     ErrSessionAlreadyActive,
			Task:    m.sess.task,
		}
	}

	p := e.Params.WithDefaults(m.cfg.Defaults)
	if err := p.Validate(); err != nil {
		return Response{Outcome: OutcomeRejected, Reason: err.Error(), Err: err}
	}

	m.tracker.Reset()
	m.sess = &session{
		params:    p,
		taskState: capture.TaskStarting,
		startedAt: m.cfg.Clock.Now(),
	}
	m.enter(AwaitingActive)

	id, err := m.cfg.Capture.Start(capture.Goal{AngleDeg: p.AngleDeg, SnapIntervalDeg: p.SnapIntervalDeg}, m.cfg.Notifier)
	if err != nil {
		err = errors.Wrapf(ErrCaptureServiceFailure, "start capture: %v", err)
		m.finish(false, SessionFailed, err)
		return Response{Outcome: OutcomeFailed, Reason: err.Error(), Err: err}
	}
	m.sess.task = id

	if m.cfg.ActiveTimeout > 0 && m.cfg.Post != nil {
		post := m.cfg.Post
		m.timer = m.cfg.Clock.AfterFunc(m.cfg.ActiveTimeout, func() {
			post(ActiveTimedOut{Task: id})
		})
	}

	debug.Summary("Panorama session started")
	debug.PrintStruct("Params", p)
	m.progress("starting %s panorama: %.1f deg, snapshot every %.1f deg at %.1f deg/s",
		p.Mode, p.AngleDeg, p.SnapIntervalDeg, p.RotationVelocityDPS)
	return Response{Outcome: OutcomeStarted, Task: id}
}

func (m *Machine) onStop() Response {
	switch m.state {
	case Idle:
		return Response{Outcome: OutcomeIdle, Reason: "no panorama in progress"}
	case Finalizing:
		return Response{Outcome: OutcomeFinalizing, Reason: "panorama is being stitched", Task: m.sess.task}
	}

	task := m.sess.task
	if m.sess.accepted > 0 {
		m.progress("stop requested, stitching %d snapshots", m.sess.accepted)
		m.beginFinalize()
		return Response{Outcome: OutcomeStopped, Task: task}
	}
	m.finish(true, SessionCancelled, errors.New("stopped before any snapshot was accepted"))
	return Response{Outcome: OutcomeStopped, Task: task}
}

func (m *Machine) onShutdown() Response {
	if m.state == Idle {
		return Response{Outcome: OutcomeIdle}
	}
	task := m.sess.task
	m.finish(true, SessionCancelled, errors.New("shutting down"))
	return Response{Outcome: OutcomeStopped, Task: task}
}

func (m *Machine) onOdometry(e OdometryReceived) Response {
	switch m.state {
	case Rotating, HoldingForSnapshot:
	default:
		return Response{Outcome: OutcomeIgnored}
	}

	m.tracker.Update(e.Sample.HeadingDeg)
	if m.state != Rotating {
		// stationary: only keeps the heading baseline fresh
		return Response{Outcome: OutcomeHandled}
	}

	total := m.total()
	debug.Trace("Panorama: heading %.3f, accumulated %.3f", e.Sample.HeadingDeg, total)

	atTarget := total >= m.sess.params.AngleDeg-epsilon
	if n := m.dueSnapshots(total); n > 0 {
		if m.sess.params.Mode == ModeStepwise && !atTarget {
			// one frame per stop; rotation resumes after feedback
			n = 1
		}
		if !m.snapshots(n) {
			return Response{Outcome: OutcomeHandled}
		}
	}
	if atTarget {
		m.reachTarget()
	}
	return Response{Outcome: OutcomeHandled}
}

// dueSnapshots counts the interval marks up to total, capped at the target,
// that have no snapshot yet. Marks sit at whole multiples of the interval
// so the cadence does not depend on where odometry samples land.
func (m *Machine) dueSnapshots(total float64) int {
	p := m.sess.params
	limit := math.Min(total, p.AngleDeg)
	n := 0
	for next := m.sess.lastSnapAt + p.SnapIntervalDeg; next <= limit+epsilon; next += p.SnapIntervalDeg {
		n++
	}
	return n
}

// snapshots triggers the next n marks. It returns false if the session was
// aborted.
func (m *Machine) snapshots(n int) bool {
	stepwise := m.sess.params.Mode == ModeStepwise
	if stepwise {
		if err := m.cfg.Motion.Stop(); err != nil {
			m.finish(true, SessionFailed, errors.Wrapf(ErrMotionFailure, "stop before snapshot: %v", err))
			return false
		}
	}
	for i := 0; i < n; i++ {
		mark := m.sess.lastSnapAt + m.sess.params.SnapIntervalDeg
		if !m.trigger(mark) {
			return false
		}
		m.sess.lastSnapAt = mark
	}
	if stepwise {
		m.sess.segments += m.tracker.Accumulated()
		m.tracker.Reset()
		m.enter(HoldingForSnapshot)
	}
	return true
}

func (m *Machine) trigger(at float64) bool {
	if err := m.cfg.Capture.TriggerSnapshot(); err != nil {
		m.finish(true, SessionFailed, errors.Wrapf(ErrCaptureServiceFailure, "trigger snapshot: %v", err))
		return false
	}
	m.sess.requested++
	debug.Snapshot(m.sess.requested, at)
	m.progress("snapshot %d requested at %.1f deg", m.sess.requested, at)
	return true
}

func (m *Machine) reachTarget() {
	m.progress("covered %.1f of %.1f deg", m.total(), m.sess.params.AngleDeg)
	switch {
	case m.sess.accepted > 0:
		m.beginFinalize()
	case m.sess.requested > 0:
		if err := m.cfg.Motion.Stop(); err != nil {
			m.finish(true, SessionFailed, errors.Wrapf(ErrMotionFailure, "stop at target: %v", err))
			return
		}
		m.sess.finalizeWhenAccepted = true
		if m.state != HoldingForSnapshot {
			m.enter(HoldingForSnapshot)
		}
		m.progress("waiting for the first snapshot before stitching")
	default:
		m.finish(true, SessionFailed, ErrPrematureFinalize)
	}
}

// beginFinalize stops the robot and asks the worker to stitch. Requires at
// least one accepted snapshot.
func (m *Machine) beginFinalize() {
	if m.sess.accepted == 0 {
		m.finish(true, SessionFailed, ErrPrematureFinalize)
		return
	}
	stopErr := m.cfg.Motion.Stop()
	if stopErr != nil {
		debug.Error(errors.Wrap(stopErr, "stop before finalize"))
	}
	if err := m.cfg.Capture.Finalize(); err != nil {
		m.finish(true, SessionFailed, errors.Wrapf(ErrCaptureServiceFailure, "finalize: %v", err))
		return
	}
	if m.timer != nil {
		m.timer.Stop()
		m.timer = nil
	}
	m.sess.finalizeWhenAccepted = false
	m.sess.taskState = capture.TaskStopping
	m.enter(Finalizing)
	m.progress("stitching %d snapshots", m.sess.accepted)
}

func (m *Machine) onActive(e CaptureActive) Response {
	if m.stale(e.Task) || m.state != AwaitingActive {
		return Response{Outcome: OutcomeIgnored}
	}
	if m.timer != nil {
		m.timer.Stop()
		m.timer = nil
	}
	m.sess.taskState = capture.TaskActive
	// rotation is measured from the first sample after the worker is ready
	m.tracker.Reset()

	if m.sess.params.Mode == ModeStepwise {
		if err := m.cfg.Motion.Stop(); err != nil {
			m.finish(true, SessionFailed, errors.Wrapf(ErrMotionFailure, "stop before anchor: %v", err))
			return Response{Outcome: OutcomeHandled, Err: err}
		}
		if !m.trigger(0) {
			return Response{Outcome: OutcomeHandled}
		}
		m.enter(HoldingForSnapshot)
		return Response{Outcome: OutcomeHandled}
	}

	if !m.rotate() {
		return Response{Outcome: OutcomeHandled}
	}
	m.enter(Rotating)
	return Response{Outcome: OutcomeHandled}
}

func (m *Machine) rotate() bool {
	if err := m.cfg.Motion.Rotate(m.sess.params.RotationVelocityDPS); err != nil {
		m.finish(true, SessionFailed, errors.Wrapf(ErrMotionFailure, "rotate: %v", err))
		return false
	}
	return true
}

func (m *Machine) onFeedback(e CaptureFeedback) Response {
	if m.stale(e.Task) {
		return Response{Outcome: OutcomeIgnored}
	}
	if e.Accepted > m.sess.accepted {
		m.sess.accepted = e.Accepted
	}
	debug.Live("Panorama: %d/%d snapshots accepted", m.sess.accepted, m.sess.requested)

	if m.state != HoldingForSnapshot {
		return Response{Outcome: OutcomeHandled}
	}
	if m.sess.finalizeWhenAccepted {
		if m.sess.accepted > 0 {
			m.beginFinalize()
		}
		return Response{Outcome: OutcomeHandled}
	}
	if m.sess.accepted >= m.sess.requested {
		if m.rotate() {
			m.enter(Rotating)
		}
	}
	return Response{Outcome: OutcomeHandled}
}

func (m *Machine) onResult(e CaptureResult) Response {
	if m.stale(e.Task) {
		return Response{Outcome: OutcomeIgnored}
	}
	res := e.Result
	if res.Snapshots > m.sess.accepted {
		m.sess.accepted = res.Snapshots
	}
	if res.Err != nil || res.Image == nil {
		cause := res.Err
		if cause == nil {
			cause = errors.New("no image in result")
		}
		m.sess.taskState = capture.TaskFinished
		// Cancel is a no-op once the worker has released the task
		m.finish(true, SessionFailed, errors.Wrapf(ErrCaptureServiceFailure, "%v", cause))
		return Response{Outcome: OutcomeHandled}
	}

	if m.state != Finalizing {
		debug.Warn("Panorama: result received in %s, publishing anyway", m.state)
	}
	m.sess.taskState = capture.TaskFinished
	m.effects = append(m.effects, PublishImage{Panorama: Panorama{
		Task:        m.sess.task,
		Image:       res.Image,
		Snapshots:   res.Snapshots,
		Params:      m.sess.params,
		CompletedAt: m.cfg.Clock.Now(),
	}})
	b := res.Image.Bounds()
	m.progress("panorama ready: %d snapshots, %dx%d px", res.Snapshots, b.Dx(), b.Dy())
	m.finish(false, SessionSucceeded, nil)
	return Response{Outcome: OutcomeHandled}
}

func (m *Machine) onActiveTimeout(e ActiveTimedOut) Response {
	if m.stale(e.Task) || m.state != AwaitingActive {
		return Response{Outcome: OutcomeIgnored}
	}
	m.finish(true, SessionFailed, errors.Wrapf(ErrActiveTimeout, "waited %v", m.cfg.ActiveTimeout))
	return Response{Outcome: OutcomeHandled, Err: ErrActiveTimeout}
}

// finish is the only way back to Idle. It always stops the robot first, then
// cancels the task when asked, and records the session.
func (m *Machine) finish(cancelTask bool, outcome string, cause error) {
	if m.timer != nil {
		m.timer.Stop()
		m.timer = nil
	}

	cleanup := errors.Wrap(m.cfg.Motion.Stop(), "stop")
	if cancelTask {
		cleanup = multierr.Append(cleanup, errors.Wrap(m.cfg.Capture.Cancel(), "cancel capture"))
	}
	if cleanup != nil {
		debug.Error(errors.Wrap(cleanup, "panorama cleanup"))
	}

	s := m.sess
	summary := Summary{
		Task:           s.task,
		Params:         s.params,
		Requested:      s.requested,
		Accepted:       s.accepted,
		AccumulatedDeg: m.total(),
		Outcome:        outcome,
		StartedAt:      s.startedAt,
		EndedAt:        m.cfg.Clock.Now(),
	}
	if cause != nil {
		summary.Reason = cause.Error()
		m.progress("panorama %s: %v", outcome, cause)
	} else {
		m.progress("panorama %s", outcome)
	}
	m.effects = append(m.effects, RecordSummary{Summary: summary})

	m.enter(Idle)
	m.sess = nil
	m.tracker.Reset()
}
