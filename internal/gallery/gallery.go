// Package gallery stores stitched panoramas on disk and keeps the latest one
// at hand for the web surface.
package gallery

import (
	"context"
	"io"
	"os"
	"path/filepath"
	"sync"

	"github.com/disintegration/imaging"
	"github.com/pkg/errors"

	"github.com/cjeanneret/PanBot/internal/debug"
	"github.com/cjeanneret/PanBot/internal/logic/panorama"
)

// ErrEmpty is returned when no panorama has been published yet.
var ErrEmpty = errors.New("no panorama available")

// Entry is a saved panorama.
type Entry struct {
	Panorama panorama.Panorama
	Path     string
}

// Gallery writes every published panorama as <dir>/<task>.png.
type Gallery struct {
	dir string

	mu     sync.RWMutex
	latest *Entry
	notify func(Entry)
}

var _ panorama.Publisher = (*Gallery)(nil)

// New creates the output directory if needed.
func New(dir string) (*Gallery, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, errors.Wrap(err, "create output directory")
	}
	return &Gallery{dir: dir}, nil
}

// OnPublish registers a callback run after each panorama is saved.
func (g *Gallery) OnPublish(fn func(Entry)) {
	g.mu.Lock()
	g.notify = fn
	g.mu.Unlock()
}

// Publish saves p and makes it the latest panorama.
func (g *Gallery) Publish(_ context.Context, p panorama.Panorama) error {
	if p.Image == nil {
		return errors.New("panorama has no image")
	}
	name := filepath.Base(string(p.Task))
	if name == "" || name == "." || name == string(filepath.Separator) {
		name = "panorama"
	}
	path := filepath.Join(g.dir, name+".png")
	if err := imaging.Save(p.Image, path); err != nil {
		return errors.Wrapf(err, "save panorama %s", path)
	}

	e := Entry{Panorama: p, Path: path}
	g.mu.Lock()
	g.latest = &e
	notify := g.notify
	g.mu.Unlock()

	b := p.Image.Bounds()
	debug.Info("Panorama saved: %s (%dx%d, %d snapshots)", path, b.Dx(), b.Dy(), p.Snapshots)
	if notify != nil {
		notify(e)
	}
	return nil
}

// Latest returns the most recently published panorama.
func (g *Gallery) Latest() (Entry, error) {
	g.mu.RLock()
	defer g.mu.RUnlock()
	if g.latest == nil {
		return Entry{}, ErrEmpty
	}
	return *g.latest, nil
}

// WriteLatestPNG encodes the latest panorama as PNG to w.
func (g *Gallery) WriteLatestPNG(w io.Writer) error {
	e, err := g.Latest()
	if err != nil {
		return err
	}
	return errors.Wrap(imaging.Encode(w, e.Panorama.Image, imaging.PNG), "encode panorama")
}
