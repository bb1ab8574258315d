package capture

import (
	"image"
	"image/color"
	"math"

	"github.com/disintegration/imaging"
	"github.com/pkg/errors"
)

// Stitcher lays frames side by side, keeping the centre strip of each frame
// that is not covered by its neighbours.
type Stitcher struct {
	// Overlap is the fraction of a frame shared with the next one, in [0, 1).
	Overlap float64
}

// Stitch builds a horizontal montage from frames in capture order. Frames are
// scaled to the height of the first one.
func (s Stitcher) Stitch(frames []image.Image) (image.Image, error) {
	if len(frames) == 0 {
		return nil, ErrNoSnapshots
	}
	if s.Overlap < 0 || s.Overlap >= 1 || math.IsNaN(s.Overlap) {
		return nil, errors.Errorf("overlap must be in [0, 1), got %v", s.Overlap)
	}

	height := frames[0].Bounds().Dy()
	if height <= 0 {
		return nil, errors.New("first frame is empty")
	}

	strips := make([]*image.NRGBA, 0, len(frames))
	total := 0
	for i, f := range frames {
		if f == nil || f.Bounds().Empty() {
			return nil, errors.Errorf("frame %d is empty", i)
		}
		var scaled image.Image = f
		if f.Bounds().Dy() != height {
			scaled = imaging.Resize(f, 0, height, imaging.Lanczos)
		}
		keep := int(math.Round(float64(scaled.Bounds().Dx()) * (1 - s.Overlap)))
		if keep < 1 {
			keep = 1
		}
		strip := imaging.CropCenter(scaled, keep, height)
		strips = append(strips, strip)
		total += strip.Bounds().Dx()
	}

	out := imaging.New(total, height, color.Black)
	x := 0
	for _, strip := range strips {
		out = imaging.Paste(out, strip, image.Pt(x, 0))
		x += strip.Bounds().Dx()
	}
	return out, nil
}
