// Package sampler builds temporal audio windows around a frame and draws
// reference and mismatch indices for dataset sampling. It is shared by the
// training dataset and the render pipeline.
package sampler

import (
	"errors"
	"fmt"
	"math/rand/v2"

	"github.com/heimdex/avatar-agent/internal/framestore"
	"github.com/heimdex/avatar-agent/internal/tensor"
)

// DefaultMaxAttempts bounds the rejection draws of PickReferenceIndex and
// PickMismatchOffset.
const DefaultMaxAttempts = 1000

// ErrSamplingExhausted is returned when no acceptable index was drawn within
// the attempt budget.
var ErrSamplingExhausted = errors.New("sampling exhausted")

// Window describes the audio context gathered around a frame.
type Window struct {
	HalfWidth    int // W: frames [idx-W, idx+W) contribute
	RowsPerFrame int // rows of one per-frame embedding
	Dim          int // embedding width
}

// DefaultWindow matches a whisper-tiny feature extractor: 5 layers x 2
// encoder steps per video frame, 384 wide.
var DefaultWindow = Window{HalfWidth: 2, RowsPerFrame: 10, Dim: 384}

// Frames is the number of frame slots in a window. The last slot is never
// filled but keeps the model's hidden size at (2W+1)*rows.
func (w Window) Frames() int {
	return 2*w.HalfWidth + 1
}

// Shape returns the shape of a window tensor.
func (w Window) Shape() []int {
	return []int{w.Frames() * w.RowsPerFrame, w.Dim}
}

// FeatureSource yields per-frame audio embeddings.
type FeatureSource interface {
	Len() int
	Feature(i int) (tensor.Tensor, error)
}

// Features is an in-memory FeatureSource.
type Features []tensor.Tensor

func (f Features) Len() int { return len(f) }

func (f Features) Feature(i int) (tensor.Tensor, error) { return f[i], nil }

// FileFeatures loads per-frame .npy files lazily.
type FileFeatures []string

func (f FileFeatures) Len() int { return len(f) }

func (f FileFeatures) Feature(i int) (tensor.Tensor, error) {
	return framestore.ReadFeature(f[i])
}

// AudioWindow concatenates the embeddings of frames [center-W, center+W).
// Frames outside [0, src.Len()-1] leave their slot zeroed; the window never
// wraps at sequence edges.
func AudioWindow(src FeatureSource, center int, w Window) (tensor.Tensor, error) {
	out := tensor.Zeros(w.Shape()...)
	frameSize := w.RowsPerFrame * w.Dim
	first := center - w.HalfWidth

	lo := max(0, first)
	hi := min(center+w.HalfWidth, src.Len())
	for f := lo; f < hi; f++ {
		feat, err := src.Feature(f)
		if err != nil {
			return tensor.Tensor{}, fmt.Errorf("audio feature %d: %w", f, err)
		}
		if feat.Size() != frameSize {
			return tensor.Tensor{}, fmt.Errorf("%w: audio feature %d has %d values, want %dx%d",
				tensor.ErrShape, f, feat.Size(), w.RowsPerFrame, w.Dim)
		}
		slot := f - first
		copy(out.Data[slot*frameSize:(slot+1)*frameSize], feat.Data)
	}
	return out, nil
}

// AudioWindows builds one window per frame of src.
func AudioWindows(src FeatureSource, w Window) ([]tensor.Tensor, error) {
	out := make([]tensor.Tensor, src.Len())
	for i := range out {
		win, err := AudioWindow(src, i, w)
		if err != nil {
			return nil, err
		}
		out[i] = win
	}
	return out, nil
}

// PickReferenceIndex draws a frame index uniformly from [0, videoLen) whose
// distance from target exceeds minDistance.
func PickReferenceIndex(rng *rand.Rand, videoLen, target, minDistance, maxAttempts int) (int, error) {
	if videoLen <= 0 {
		return 0, fmt.Errorf("%w: empty video", ErrSamplingExhausted)
	}
	if !hasCandidate(videoLen-1, target, minDistance) {
		return 0, fmt.Errorf("%w: no frame of %d is more than %d from %d",
			ErrSamplingExhausted, videoLen, minDistance, target)
	}
	return rejectionDraw(rng, videoLen, target, minDistance, maxAttempts)
}

// PickMismatchOffset draws a window offset uniformly from [0, maxOffset]
// at least minGap+1 away from trueOffset.
func PickMismatchOffset(rng *rand.Rand, maxOffset, trueOffset, minGap, maxAttempts int) (int, error) {
	if maxOffset < 0 {
		return 0, fmt.Errorf("%w: negative offset range", ErrSamplingExhausted)
	}
	if !hasCandidate(maxOffset, trueOffset, minGap) {
		return 0, fmt.Errorf("%w: no offset in [0,%d] is more than %d from %d",
			ErrSamplingExhausted, maxOffset, minGap, trueOffset)
	}
	return rejectionDraw(rng, maxOffset+1, trueOffset, minGap, maxAttempts)
}

func rejectionDraw(rng *rand.Rand, n, center, exclude, maxAttempts int) (int, error) {
	if maxAttempts <= 0 {
		maxAttempts = DefaultMaxAttempts
	}
	for range maxAttempts {
		c := rng.IntN(n)
		if abs(c-center) > exclude {
			return c, nil
		}
	}
	return 0, fmt.Errorf("%w: %d attempts", ErrSamplingExhausted, maxAttempts)
}

// hasCandidate reports whether any value in [0, last] lies further than
// exclude from center.
func hasCandidate(last, center, exclude int) bool {
	return center-exclude-1 >= 0 || center+exclude+1 <= last
}

func abs(x int) int {
	if x < 0 {
		return -x
	}
	return x
}
