package panorama

import (
	"context"
	"sync"

	"github.com/pkg/errors"
	"golang.org/x/sync/errgroup"

	"github.com/cjeanneret/PanBot/internal/debug"
	"github.com/cjeanneret/PanBot/internal/logic/capture"
	"github.com/cjeanneret/PanBot/internal/logic/odometry"
)

// ErrClosed is returned by requests once Run has returned.
var ErrClosed = errors.New("orchestrator is not running")

// Publisher receives stitched panoramas.
type Publisher interface {
	Publish(ctx context.Context, p Panorama) error
}

// Recorder receives one Summary per finished session.
type Recorder interface {
	Record(ctx context.Context, s Summary) error
}

// RecorderFunc adapts a function to Recorder.
type RecorderFunc func(ctx context.Context, s Summary) error

func (f RecorderFunc) Record(ctx context.Context, s Summary) error { return f(ctx, s) }

// Reporter receives human-readable progress lines.
type Reporter interface {
	Report(msg string)
}

// Sinks are the optional consumers of session output.
type Sinks struct {
	Publisher Publisher
	Recorder  Recorder
	Reporter  Reporter
}

type envelope struct {
	ev    Event
	reply chan Response
}

// Orchestrator serializes every event source through one goroutine running
// the Machine. Output effects are handed to a dispatcher goroutine so slow
// sinks never hold up event handling.
type Orchestrator struct {
	machine *Machine
	sinks   Sinks
	events  chan envelope
	stopped chan struct{}

	mu      sync.Mutex
	outbox  []Effect
	wake    chan struct{}
	running bool
}

var _ capture.Notifier = (*Orchestrator)(nil)

// New creates an orchestrator. cfg.Notifier and cfg.Post are replaced by the
// orchestrator itself.
func New(cfg Config, sinks Sinks) *Orchestrator {
	o := &Orchestrator{
		sinks:   sinks,
		events:  make(chan envelope, 256),
		stopped: make(chan struct{}),
		wake:    make(chan struct{}, 1),
	}
	cfg.Notifier = o
	cfg.Post = o.post
	o.machine = NewMachine(cfg)
	return o
}

// Run handles events until ctx is cancelled. On the way out any live session
// is cancelled and the robot stopped, and pending output is flushed.
func (o *Orchestrator) Run(ctx context.Context) error {
	o.mu.Lock()
	if o.running {
		o.mu.Unlock()
		return errors.New("orchestrator already running")
	}
	o.running = true
	o.mu.Unlock()

	loopDone := make(chan struct{})
	var g errgroup.Group
	g.Go(func() error {
		defer close(loopDone)
		defer close(o.stopped)
		o.loop(ctx)
		return nil
	})
	g.Go(func() error {
		o.dispatch(loopDone)
		return nil
	})
	return g.Wait()
}

func (o *Orchestrator) loop(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			o.machine.Handle(ShutdownRequested{})
			o.enqueue(o.machine.Effects())
			debug.Verbose("Panorama: orchestrator stopped")
			return
		case env := <-o.events:
			resp := o.machine.Handle(env.ev)
			o.enqueue(o.machine.Effects())
			if env.reply != nil {
				env.reply <- resp
			}
		}
	}
}

func (o *Orchestrator) enqueue(effects []Effect) {
	if len(effects) == 0 {
		return
	}
	o.mu.Lock()
	o.outbox = append(o.outbox, effects...)
	o.mu.Unlock()
	select {
	case o.wake <- struct{}{}:
	default:
	}
}

func (o *Orchestrator) dispatch(loopDone <-chan struct{}) {
	for {
		select {
		case <-o.wake:
			o.drain()
		case <-loopDone:
			o.drain()
			return
		}
	}
}

func (o *Orchestrator) drain() {
	o.mu.Lock()
	pending := o.outbox
	o.outbox = nil
	o.mu.Unlock()

	// sinks run after shutdown too, so they get a context of their own
	ctx := context.Background()
	for _, eff := range pending {
		switch e := eff.(type) {
		case PublishImage:
			if o.sinks.Publisher != nil {
				if err := o.sinks.Publisher.Publish(ctx, e.Panorama); err != nil {
					debug.Error(errors.Wrap(err, "publish panorama"))
				}
			}
		case RecordSummary:
			if o.sinks.Recorder != nil {
				if err := o.sinks.Recorder.Record(ctx, e.Summary); err != nil {
					debug.Error(errors.Wrap(err, "record session"))
				}
			}
		case LogProgress:
			if o.sinks.Reporter != nil {
				o.sinks.Reporter.Report(e.Message)
			}
		}
	}
}

func (o *Orchestrator) closed() bool {
	select {
	case <-o.stopped:
		return true
	default:
		return false
	}
}

func (o *Orchestrator) request(ctx context.Context, ev Event) (Response, error) {
	if o.closed() {
		return Response{}, ErrClosed
	}
	reply := make(chan Response, 1)
	select {
	case o.events <- envelope{ev: ev, reply: reply}:
	case <-o.stopped:
		return Response{}, ErrClosed
	case <-ctx.Done():
		return Response{}, ctx.Err()
	}
	select {
	case r := <-reply:
		return r, nil
	case <-o.stopped:
		select {
		case r := <-reply:
			return r, nil
		default:
			return Response{}, ErrClosed
		}
	case <-ctx.Done():
		return Response{}, ctx.Err()
	}
}

// post delivers an event without waiting for it to be handled.
func (o *Orchestrator) post(ev Event) {
	if o.closed() {
		return
	}
	select {
	case o.events <- envelope{ev: ev}:
	case <-o.stopped:
	}
}

// Start requests a session with p. Zero fields take the defaults.
func (o *Orchestrator) Start(ctx context.Context, p Params) (Response, error) {
	return o.request(ctx, StartRequested{Params: p})
}

// TakeDefault requests a session with every parameter defaulted.
func (o *Orchestrator) TakeDefault(ctx context.Context) (Response, error) {
	return o.Start(ctx, Params{})
}

// Stop requests the current session to end. It is safe in any state.
func (o *Orchestrator) Stop(ctx context.Context) (Response, error) {
	return o.request(ctx, StopRequested{})
}

// Status returns the current session status.
func (o *Orchestrator) Status(ctx context.Context) (Status, error) {
	r, err := o.request(ctx, StatusRequested{})
	return r.Status, err
}

// Odometry feeds one heading sample. It matches odometry.Sink.
func (o *Orchestrator) Odometry(ctx context.Context, s odometry.Sample) error {
	if o.closed() {
		return ErrClosed
	}
	select {
	case o.events <- envelope{ev: OdometryReceived{Sample: s}}:
		return nil
	case <-o.stopped:
		return ErrClosed
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (o *Orchestrator) OnActive(id capture.TaskID) {
	o.post(CaptureActive{Task: id})
}

func (o *Orchestrator) OnFeedback(id capture.TaskID, accepted int) {
	o.post(CaptureFeedback{Task: id, Accepted: accepted})
}

func (o *Orchestrator) OnResult(id capture.TaskID, r capture.Result) {
	o.post(CaptureResult{Task: id, Result: r})
}
