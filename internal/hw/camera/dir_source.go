package camera

import (
	"image"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/disintegration/imaging"
	"github.com/pkg/errors"

	"github.com/cjeanneret/PanBot/internal/debug"
)

// ErrNoFrame is returned when no new image has appeared since the last frame.
var ErrNoFrame = errors.New("no new frame available")

var imageExts = map[string]bool{".jpg": true, ".jpeg": true, ".png": true, ".tif": true, ".tiff": true}

// DirSource reads frames from a tethered-shooting directory: each Frame call
// returns the newest image written after the previous one.
type DirSource struct {
	dir string

	mu   sync.Mutex
	last time.Time
}

// NewDirSource creates a frame source watching dir.
func NewDirSource(dir string) *DirSource {
	return &DirSource{dir: dir}
}

// Prime ignores every image already present, so a session only sees its own shots.
func (d *DirSource) Prime() error {
	if _, err := os.Stat(d.dir); err != nil {
		return errors.Wrapf(err, "frames dir %s", d.dir)
	}
	d.mu.Lock()
	d.last = time.Now()
	d.mu.Unlock()
	return nil
}

// Frame opens the newest image newer than the previous frame.
func (d *DirSource) Frame() (image.Image, error) {
	d.mu.Lock()
	defer d.mu.Unlock()

	entries, err := os.ReadDir(d.dir)
	if err != nil {
		return nil, errors.Wrapf(err, "read frames dir %s", d.dir)
	}

	var newest string
	var newestMod time.Time
	for _, e := range entries {
		if e.IsDir() || !imageExts[strings.ToLower(filepath.Ext(e.Name()))] {
			continue
		}
		info, err := e.Info()
		if err != nil {
			continue
		}
		if info.ModTime().After(d.last) && info.ModTime().After(newestMod) {
			newest, newestMod = e.Name(), info.ModTime()
		}
	}
	if newest == "" {
		return nil, ErrNoFrame
	}

	path := filepath.Join(d.dir, newest)
	img, err := imaging.Open(path, imaging.AutoOrientation(true))
	if err != nil {
		return nil, errors.Wrapf(err, "open frame %s", path)
	}
	d.last = newestMod
	debug.Verbose("Camera: read frame %s", path)
	return img, nil
}
