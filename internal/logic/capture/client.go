// Package capture is the asynchronous capture/stitch service protocol and a
// local worker implementing it on top of the camera trigger.
package capture

import (
	"image"

	"github.com/pkg/errors"
)

var (
	// ErrNoTask is returned by TriggerSnapshot when no task is in flight.
	ErrNoTask = errors.New("no capture task in flight")
	// ErrTaskInFlight is returned by Start while a previous task is still attached.
	ErrTaskInFlight = errors.New("capture task already in flight")
	// ErrNoSnapshots is the result of finalizing a task that accepted no snapshot.
	ErrNoSnapshots = errors.New("finalize requested with zero snapshots")
	// ErrQueueFull is returned when the worker cannot take another command.
	ErrQueueFull = errors.New("capture command queue full")
)

// TaskID identifies one capture task.
type TaskID string

// TaskState is the lifecycle of a capture task as seen by its owner.
type TaskState int

const (
	TaskIdle TaskState = iota
	TaskStarting
	TaskActive
	TaskStopping
	TaskFinished
)

func (s TaskState) String() string {
	switch s {
	case TaskIdle:
		return "idle"
	case TaskStarting:
		return "starting"
	case TaskActive:
		return "active"
	case TaskStopping:
		return "stopping"
	case TaskFinished:
		return "finished"
	default:
		return "unknown"
	}
}

// Goal describes the panorama a task is expected to produce.
type Goal struct {
	AngleDeg        float64
	SnapIntervalDeg float64
}

// Result is delivered once per task. Err is nil on success.
type Result struct {
	Image     image.Image
	Snapshots int
	Err       error
}

// Notifier receives task notifications. Calls for one task arrive in order.
type Notifier interface {
	OnActive(id TaskID)
	OnFeedback(id TaskID, accepted int)
	OnResult(id TaskID, r Result)
}

// Client drives a capture service. Every call returns without waiting for the
// worker; outcomes arrive through the Notifier given to Start.
type Client interface {
	Start(goal Goal, n Notifier) (TaskID, error)
	TriggerSnapshot() error
	Finalize() error
	Cancel() error
}
