package odometry

import (
	"context"
	"time"

	"github.com/pkg/errors"
)

// HeadingSource reports the current heading in degrees and the angular rate in deg/s.
type HeadingSource interface {
	HeadingDeg() float64
	AngularVelocity() float64
}

// Sink consumes samples. Returning an error stops the poller.
type Sink func(ctx context.Context, s Sample) error

// Poller samples a HeadingSource at a fixed interval.
type Poller struct {
	source   HeadingSource
	interval time.Duration
	now      func() time.Time
}

// NewPoller creates a poller. A non-positive interval defaults to 50ms.
func NewPoller(source HeadingSource, interval time.Duration) *Poller {
	if interval <= 0 {
		interval = 50 * time.Millisecond
	}
	return &Poller{source: source, interval: interval, now: time.Now}
}

// Run delivers samples to sink until ctx is done or sink fails.
func (p *Poller) Run(ctx context.Context, sink Sink) error {
	ticker := time.NewTicker(p.interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			if err := ctx.Err(); err != nil {
				return err
			}
			s := Sample{
				HeadingDeg:         p.source.HeadingDeg(),
				AngularVelocityDPS: p.source.AngularVelocity(),
				Time:               p.now(),
			}
			if err := sink(ctx, s); err != nil {
				return errors.Wrap(err, "odometry sink")
			}
		}
	}
}
