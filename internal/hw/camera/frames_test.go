package camera

import (
	"errors"
	"image"
	"image/color"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/disintegration/imaging"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestSynthetic_FrameSize(t *testing.T) {
	s := NewSynthetic(64, 48)
	img, err := s.Frame()
	require.NoError(t, err)
	assert.Equal(t, image.Rect(0, 0, 64, 48), img.Bounds())
}

func TestSynthetic_DefaultSize(t *testing.T) {
	img, err := NewSynthetic(0, 0).Frame()
	require.NoError(t, err)
	assert.Equal(t, 320, img.Bounds().Dx())
	assert.Equal(t, 240, img.Bounds().Dy())
}

func TestSynthetic_ShootCounts(t *testing.T) {
	s := NewSynthetic(8, 8)
	require.NoError(t, s.Shoot())
	require.NoError(t, s.Shoot())
	assert.Equal(t, 2, s.Shots())
}

func TestSynthetic_HueFollowsHeading(t *testing.T) {
	heading := 0.0
	s := NewSynthetic(40, 10).WithHeading(func() float64 { return heading })

	a, err := s.Frame()
	require.NoError(t, err)
	heading = 180
	b, err := s.Frame()
	require.NoError(t, err)

	assert.NotEqual(t, a.At(0, 0), b.At(0, 0), "frames at different headings should differ")
}

func TestSynthetic_PrimeWaitsForLatency(t *testing.T) {
	s := NewSynthetic(8, 8).WithFirstFrameLatency(20 * time.Millisecond)
	start := time.Now()
	require.NoError(t, s.Prime())
	assert.GreaterOrEqual(t, time.Since(start), 20*time.Millisecond)
}

func TestSynthetic_ImplementsInterfaces(t *testing.T) {
	var _ Camera = NewSynthetic(1, 1)
	var _ FrameSource = NewSynthetic(1, 1)
	var _ Primer = NewSynthetic(1, 1)
	var _ Primer = NewDirSource("")
}

func writePNG(t *testing.T, path string, mod time.Time) {
	t.Helper()
	img := imaging.New(4, 3, color.White)
	require.NoError(t, imaging.Save(img, path))
	require.NoError(t, os.Chtimes(path, mod, mod))
}

func TestDirSource_ReturnsNewestAfterPrime(t *testing.T) {
	dir := t.TempDir()
	writePNG(t, filepath.Join(dir, "old.png"), time.Now().Add(-time.Hour))

	src := NewDirSource(dir)
	require.NoError(t, src.Prime())

	_, err := src.Frame()
	assert.True(t, errors.Is(err, ErrNoFrame), "pre-existing files must be ignored, got %v", err)

	writePNG(t, filepath.Join(dir, "shot1.png"), time.Now().Add(time.Second))
	img, err := src.Frame()
	require.NoError(t, err)
	assert.Equal(t, 4, img.Bounds().Dx())

	_, err = src.Frame()
	assert.True(t, errors.Is(err, ErrNoFrame), "the same file must not be returned twice")
}

func TestDirSource_IgnoresNonImages(t *testing.T) {
	dir := t.TempDir()
	src := NewDirSource(dir)
	require.NoError(t, src.Prime())

	path := filepath.Join(dir, "notes.txt")
	require.NoError(t, os.WriteFile(path, []byte("x"), 0o644))
	future := time.Now().Add(time.Minute)
	require.NoError(t, os.Chtimes(path, future, future))

	_, err := src.Frame()
	assert.True(t, errors.Is(err, ErrNoFrame))
}

func TestDirSource_MissingDir(t *testing.T) {
	src := NewDirSource(filepath.Join(t.TempDir(), "missing"))
	assert.Error(t, src.Prime())
	_, err := src.Frame()
	assert.Error(t, err)
}
