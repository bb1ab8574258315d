package camera

import "image"

// Camera is the high-level trigger interface used by the capture worker.
// It represents an abstract "camera", regardless of how it's controlled
// (GPIO, USB, network protocol, etc.).
type Camera interface {
	// Shoot triggers a single photo capture.
	Shoot() error
}

// FrameSource hands back the image produced by the most recent Shoot.
// Trigger-only cameras (GPIO remote) pair with a source that reads what the
// camera wrote, such as a tethered-shooting directory.
type FrameSource interface {
	Frame() (image.Image, error)
}

// Primer is implemented by frame sources that need a warm-up before the
// first frame can be trusted. Prime may block for the pipeline's first-frame
// latency.
type Primer interface {
	Prime() error
}
