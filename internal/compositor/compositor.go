// Package compositor pastes generated face patches back into the avatar's
// full frames and writes the result in output order.
package compositor

import (
	"errors"
	"fmt"
	"image"
	"os"
	"path/filepath"

	"golang.org/x/image/draw"

	"github.com/heimdex/avatar-agent/internal/avatar"
	"github.com/heimdex/avatar-agent/internal/framestore"
)

var (
	ErrOutOfOrder     = errors.New("compositor: frame written out of order")
	ErrBoxOutOfBounds = errors.New("compositor: box outside frame")
)

type Options struct {
	// Interpolator scales patches to the box size. Nil means nearest neighbour.
	Interpolator draw.Interpolator
}

// Compositor holds the full-frame and coordinate cycles of one avatar.
type Compositor struct {
	frames []image.Image
	coords []avatar.Box
	interp draw.Interpolator
}

func New(frames []image.Image, coords []avatar.Box, opts Options) (*Compositor, error) {
	if len(frames) != len(coords) {
		return nil, fmt.Errorf("%d frames for %d boxes", len(frames), len(coords))
	}
	interp := opts.Interpolator
	if interp == nil {
		interp = draw.NearestNeighbor
	}
	return &Compositor{frames: frames, coords: coords, interp: interp}, nil
}

// FromState builds a compositor over a loaded avatar.
func FromState(st *avatar.State, opts Options) (*Compositor, error) {
	return New(st.Frames, st.Coords, opts)
}

// Composite returns a copy of the frame at cyclePos with patch scaled into its
// box. The avatar frame itself is never modified.
func (c *Compositor) Composite(cyclePos int, patch image.Image) (*image.RGBA, error) {
	if cyclePos < 0 || cyclePos >= len(c.frames) {
		return nil, fmt.Errorf("cycle position %d out of range [0,%d)", cyclePos, len(c.frames))
	}
	frame := c.frames[cyclePos]
	box := c.coords[cyclePos].Rect()
	if box.Empty() || !box.In(frame.Bounds()) {
		return nil, fmt.Errorf("%w: %v not in %v", ErrBoxOutOfBounds, box, frame.Bounds())
	}

	out := image.NewRGBA(frame.Bounds())
	draw.Draw(out, out.Bounds(), frame, frame.Bounds().Min, draw.Src)
	c.interp.Scale(out, box, patch, patch.Bounds(), draw.Src, nil)
	return out, nil
}

// FrameSink writes composited frames as numbered PNGs, strictly in order.
type FrameSink struct {
	dir  string
	next int
}

// NewFrameSink creates dir if needed.
func NewFrameSink(dir string) (*FrameSink, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("failed to create frame dir: %w", err)
	}
	return &FrameSink{dir: dir}, nil
}

// Write stores img as output frame pos, which must be the next expected one.
func (s *FrameSink) Write(pos int, img image.Image) error {
	if pos != s.next {
		return fmt.Errorf("%w: got %d, want %d", ErrOutOfOrder, pos, s.next)
	}
	if err := framestore.WriteImage(filepath.Join(s.dir, framestore.FrameName(pos, ".png")), img); err != nil {
		return err
	}
	s.next++
	return nil
}

// Written is the number of frames stored so far.
func (s *FrameSink) Written() int { return s.next }

func (s *FrameSink) Dir() string { return s.dir }

// Pattern is the ffmpeg input pattern for the written frames.
func (s *FrameSink) Pattern() string {
	return filepath.Join(s.dir, fmt.Sprintf("%%0%dd.png", framestore.FrameDigits))
}

// Remove deletes the scratch directory.
func (s *FrameSink) Remove() error {
	return os.RemoveAll(s.dir)
}
