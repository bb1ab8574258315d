package capture

import (
	"context"
	"image"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/pkg/errors"

	"github.com/cjeanneret/PanBot/internal/debug"
	"github.com/cjeanneret/PanBot/internal/hw/camera"
)

type command int

const (
	cmdSnap command = iota
	cmdFinalize
)

type task struct {
	id     TaskID
	cmds   chan command
	cancel context.CancelFunc
}

// LocalWorker is an in-process capture service. Each task runs in its own
// goroutine: it primes the frame source, reports active, then serves snapshot
// and finalize commands in order.
type LocalWorker struct {
	cam       camera.Camera
	frames    camera.FrameSource
	stitcher  Stitcher
	queueSize int
	frameWait time.Duration

	mu   sync.Mutex
	task *task
	wg   sync.WaitGroup
}

var _ Client = (*LocalWorker)(nil)

// NewLocalWorker creates a worker that triggers cam and reads frames back
// from frames.
func NewLocalWorker(cam camera.Camera, frames camera.FrameSource, stitcher Stitcher) *LocalWorker {
	return &LocalWorker{
		cam:       cam,
		frames:    frames,
		stitcher:  stitcher,
		queueSize: 64,
	}
}

// WithFrameWait makes each snapshot poll the frame source for up to d while it
// reports camera.ErrNoFrame.
func (w *LocalWorker) WithFrameWait(d time.Duration) *LocalWorker {
	w.frameWait = d
	return w
}

// Start launches a new task. Only one task may be attached at a time; Finalize
// and Cancel detach it.
func (w *LocalWorker) Start(goal Goal, n Notifier) (TaskID, error) {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.task != nil {
		return "", ErrTaskInFlight
	}

	ctx, cancel := context.WithCancel(context.Background())
	t := &task{
		id:     TaskID(uuid.NewString()),
		cmds:   make(chan command, w.queueSize),
		cancel: cancel,
	}
	w.task = t

	debug.Live("Capture: task %s started (%.1f deg every %.1f deg)", t.id, goal.AngleDeg, goal.SnapIntervalDeg)
	w.wg.Add(1)
	go func() {
		defer w.wg.Done()
		defer cancel()
		defer w.detach(t)
		w.run(ctx, t, n)
	}()
	return t.id, nil
}

// TriggerSnapshot queues a snapshot on the attached task.
func (w *LocalWorker) TriggerSnapshot() error {
	return w.send(cmdSnap, false)
}

// Finalize queues the stitch and detaches the task.
func (w *LocalWorker) Finalize() error {
	return w.send(cmdFinalize, true)
}

func (w *LocalWorker) send(c command, detach bool) error {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.task == nil {
		return ErrNoTask
	}
	select {
	case w.task.cmds <- c:
	default:
		return ErrQueueFull
	}
	if detach {
		w.task = nil
	}
	return nil
}

// Cancel aborts the attached task without a result. It is a no-op when no
// task is attached.
func (w *LocalWorker) Cancel() error {
	w.mu.Lock()
	t := w.task
	w.task = nil
	w.mu.Unlock()
	if t != nil {
		debug.Live("Capture: task %s cancelled", t.id)
		t.cancel()
	}
	return nil
}

// Close cancels any attached task and waits for every task goroutine to exit.
func (w *LocalWorker) Close() error {
	err := w.Cancel()
	w.wg.Wait()
	return err
}

// detach releases t if it is still the attached task.
func (w *LocalWorker) detach(t *task) {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.task == t {
		w.task = nil
	}
}

func (w *LocalWorker) run(ctx context.Context, t *task, n Notifier) {
	// the task is released before its result is delivered, so the receiver
	// may start the next one right away
	result := func(r Result) {
		w.detach(t)
		n.OnResult(t.id, r)
	}

	if p, ok := w.frames.(camera.Primer); ok {
		if err := p.Prime(); err != nil {
			result(Result{Err: errors.Wrap(err, "prime frame source")})
			return
		}
	}
	if ctx.Err() != nil {
		return
	}
	n.OnActive(t.id)

	var frames []image.Image
	for {
		select {
		case <-ctx.Done():
			return
		case c := <-t.cmds:
			if ctx.Err() != nil {
				return
			}
			switch c {
			case cmdSnap:
				img, err := w.snap(ctx)
				if err != nil {
					result(Result{Snapshots: len(frames), Err: err})
					return
				}
				frames = append(frames, img)
				debug.Live("Capture: snapshot %d accepted", len(frames))
				n.OnFeedback(t.id, len(frames))
			case cmdFinalize:
				if len(frames) == 0 {
					result(Result{Err: ErrNoSnapshots})
					return
				}
				debug.Live("Capture: stitching %d frames", len(frames))
				img, err := w.stitcher.Stitch(frames)
				result(Result{Image: img, Snapshots: len(frames), Err: errors.Wrap(err, "stitch")})
				return
			}
		}
	}
}

func (w *LocalWorker) snap(ctx context.Context) (image.Image, error) {
	if err := w.cam.Shoot(); err != nil {
		return nil, errors.Wrap(err, "shoot")
	}
	deadline := time.Now().Add(w.frameWait)
	for {
		img, err := w.frames.Frame()
		if err == nil {
			return img, nil
		}
		if !errors.Is(err, camera.ErrNoFrame) || time.Now().After(deadline) {
			return nil, errors.Wrap(err, "read frame")
		}
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-time.After(50 * time.Millisecond):
		}
	}
}
