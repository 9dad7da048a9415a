// Package avatar builds, persists and loads the cyclic frame/latent buffer of
// a talking-head avatar.
//
// A prepared avatar of N source frames is held as cycles of length 2N: the
// frames in order followed by the same frames reversed, so that element i and
// element 2N-1-i are the same physical frame and playback can loop without a
// visible jump.
package avatar

import (
	"errors"
	"fmt"
	"image"
	"slices"

	"github.com/heimdex/avatar-agent/internal/tensor"
)

var (
	ErrNoFace       = errors.New("avatar: frame has no face")
	ErrCorruptState = errors.New("avatar: corrupt state")
	ErrNotPrepared  = errors.New("avatar: not prepared")
)

// Box is a face crop in frame pixel coordinates, half-open on X2 and Y2.
type Box struct {
	X1, Y1, X2, Y2 int
}

func BoxFromRect(r image.Rectangle) Box {
	return Box{X1: r.Min.X, Y1: r.Min.Y, X2: r.Max.X, Y2: r.Max.Y}
}

func (b Box) Width() int  { return b.X2 - b.X1 }
func (b Box) Height() int { return b.Y2 - b.Y1 }

func (b Box) Rect() image.Rectangle {
	return image.Rect(b.X1, b.Y1, b.X2, b.Y2)
}

// Expand grows b by shift pixels on every side and clamps it to bounds.
func (b Box) Expand(shift int, bounds image.Rectangle) Box {
	r := image.Rect(b.X1-shift, b.Y1-shift, b.X2+shift, b.Y2+shift).Intersect(bounds)
	return BoxFromRect(r)
}

// Palindrome returns xs followed by xs reversed.
func Palindrome[T any](xs []T) []T {
	out := make([]T, 0, 2*len(xs))
	out = append(out, xs...)
	for i := len(xs) - 1; i >= 0; i-- {
		out = append(out, xs[i])
	}
	return out
}

// State is a loaded avatar. It is read-only after construction and safe to
// share between renders.
type State struct {
	ID      string
	Frames  []image.Image
	Masks   []image.Image
	Coords  []Box
	Latents []tensor.Tensor
}

// Len is the cycle length 2N.
func (s *State) Len() int {
	return len(s.Coords)
}

// Validate checks the cycle invariants.
func (s *State) Validate() error {
	n := len(s.Coords)
	switch {
	case n == 0:
		return fmt.Errorf("%w: empty cycle", ErrCorruptState)
	case n%2 != 0:
		return fmt.Errorf("%w: odd cycle length %d", ErrCorruptState, n)
	case len(s.Frames) != n:
		return fmt.Errorf("%w: %d frames for %d coords", ErrCorruptState, len(s.Frames), n)
	case len(s.Latents) != n:
		return fmt.Errorf("%w: %d latents for %d coords", ErrCorruptState, len(s.Latents), n)
	case s.Masks != nil && len(s.Masks) != n:
		return fmt.Errorf("%w: %d masks for %d coords", ErrCorruptState, len(s.Masks), n)
	}

	for i := 0; i < n/2; i++ {
		if s.Coords[i] != s.Coords[n-1-i] {
			return fmt.Errorf("%w: coords %d and %d are not mirrored", ErrCorruptState, i, n-1-i)
		}
	}
	for i, b := range s.Coords {
		if b.Width() <= 0 || b.Height() <= 0 || !b.Rect().In(s.Frames[i].Bounds()) {
			return fmt.Errorf("%w: box %v outside frame %d", ErrCorruptState, b, i)
		}
	}
	for i, l := range s.Latents {
		if !slices.Equal(l.Shape, s.Latents[0].Shape) {
			return fmt.Errorf("%w: latent %d has shape %v, want %v", ErrCorruptState, i, l.Shape, s.Latents[0].Shape)
		}
	}
	return nil
}

// NextIndex returns the cycle position after idx.
func (s *State) NextIndex(idx int) int {
	return s.Advance(idx, 1)
}

// Advance moves idx by n positions around the cycle.
func (s *State) Advance(idx, n int) int {
	l := s.Len()
	if l == 0 {
		return 0
	}
	return ((idx+n)%l + l) % l
}
