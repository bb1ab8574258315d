package panorama

import (
	"github.com/cjeanneret/PanBot/internal/logic/capture"
	"github.com/cjeanneret/PanBot/internal/logic/odometry"
)

// Event is anything the machine reacts to.
type Event interface {
	isEvent()
}

// StartRequested asks for a new session. Zero params take the defaults.
type StartRequested struct {
	Params Params
}

// StopRequested asks to end the current session early.
type StopRequested struct{}

// OdometryReceived carries one heading sample.
type OdometryReceived struct {
	Sample odometry.Sample
}

// CaptureActive reports that the capture task accepts triggers.
type CaptureActive struct {
	Task capture.TaskID
}

// CaptureFeedback reports how many snapshots the task has accepted so far.
type CaptureFeedback struct {
	Task     capture.TaskID
	Accepted int
}

// CaptureResult carries the final result of a task.
type CaptureResult struct {
	Task   capture.TaskID
	Result capture.Result
}

// ActiveTimedOut fires when a task stays in AwaitingActive too long.
type ActiveTimedOut struct {
	Task capture.TaskID
}

// StatusRequested asks for a Status snapshot.
type StatusRequested struct{}

// ShutdownRequested ends any live session because the process is exiting.
type ShutdownRequested struct{}

func (StartRequested) isEvent()    {}
func (StopRequested) isEvent()     {}
func (OdometryReceived) isEvent()  {}
func (CaptureActive) isEvent()     {}
func (CaptureFeedback) isEvent()   {}
func (CaptureResult) isEvent()     {}
func (ActiveTimedOut) isEvent()    {}
func (StatusRequested) isEvent()   {}
func (ShutdownRequested) isEvent() {}
