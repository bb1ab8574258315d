package motion

import (
	"math"

	"github.com/golang/geo/r3"
	"github.com/pkg/errors"

	"github.com/cjeanneret/PanBot/internal/debug"
)

// Commander is what the panorama orchestrator drives: rotate in place at a
// rate, or stop. Implementations hold no session state.
type Commander interface {
	Rotate(degPerSec float64) error
	Stop() error
}

// Axis is a continuously rotating joint, such as the pan stepper.
type Axis interface {
	Run(degPerSec float64) error
	Halt() error
	HeadingDeg() float64
	AngularVelocity() float64
}

// Controller is the intermediate layer between the orchestrator and the
// rotating axis. It accepts twist-style velocity commands the way a mobile
// base does, but only the yaw component can be honoured: the robot turns in place.
type Controller struct {
	yaw Axis
}

var _ Commander = (*Controller)(nil)

func NewController(yaw Axis) *Controller {
	return &Controller{yaw: yaw}
}

// SetVelocity commands a twist. linear must be zero and only angular.Z (deg/s)
// may be set.
func (c *Controller) SetVelocity(linear, angular r3.Vector) error {
	if linear.Norm() != 0 {
		return errors.Errorf("in-place rotation only, got linear velocity %v", linear)
	}
	if angular.X != 0 || angular.Y != 0 {
		return errors.Errorf("only yaw rotation is supported, got angular velocity %v", angular)
	}
	if math.IsNaN(angular.Z) || math.IsInf(angular.Z, 0) {
		return errors.Errorf("invalid yaw rate %v", angular.Z)
	}
	debug.Verbose("Motion: yaw rate %.2f deg/s", angular.Z)
	return errors.Wrap(c.yaw.Run(angular.Z), "run yaw axis")
}

// Rotate turns in place at degPerSec.
func (c *Controller) Rotate(degPerSec float64) error {
	return c.SetVelocity(r3.Vector{}, r3.Vector{Z: degPerSec})
}

// Stop issues a zero-velocity command.
func (c *Controller) Stop() error {
	debug.Verbose("Motion: stop")
	return errors.Wrap(c.yaw.Halt(), "halt yaw axis")
}

// HeadingDeg exposes the axis heading for odometry.
func (c *Controller) HeadingDeg() float64 {
	return c.yaw.HeadingDeg()
}

// AngularVelocity exposes the commanded yaw rate for odometry.
func (c *Controller) AngularVelocity() float64 {
	return c.yaw.AngularVelocity()
}
