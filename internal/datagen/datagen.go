// Package datagen pairs audio windows with latent frames from an avatar's
// cycle and yields them in fixed-size batches.
package datagen

import (
	"errors"
	"fmt"
	"iter"

	"github.com/heimdex/avatar-agent/internal/tensor"
)

// DefaultBatchSize is the number of frames per model call.
const DefaultBatchSize = 4

var (
	// ErrEmptyCycle is returned by New for an avatar with no latents.
	ErrEmptyCycle = errors.New("datagen: empty latent cycle")
	// ErrBatchSize is returned by New for a non-positive batch size.
	ErrBatchSize = errors.New("datagen: batch size must be positive")
)

// Batch is one model input batch.
type Batch struct {
	// Start is the output frame position of the first element.
	Start int
	// Indices are the cycle positions used for each element.
	Indices []int
	// Audio is (B, ...) audio windows.
	Audio tensor.Tensor
	// Latents is (B, ...) dual latents.
	Latents tensor.Tensor
}

// Len returns the number of elements in the batch.
func (b Batch) Len() int {
	return len(b.Indices)
}

// Generator walks the audio windows in order while cycling over the latents.
type Generator struct {
	audio     []tensor.Tensor
	cycle     []tensor.Tensor
	batchSize int
	offset    int
}

// New builds a generator. Output position k uses cycle position
// (startOffset + k) mod len(cycle).
func New(audio, cycle []tensor.Tensor, batchSize, startOffset int) (*Generator, error) {
	if len(cycle) == 0 {
		return nil, ErrEmptyCycle
	}
	if batchSize <= 0 {
		return nil, fmt.Errorf("%w: %d", ErrBatchSize, batchSize)
	}
	n := len(cycle)
	return &Generator{
		audio:     audio,
		cycle:     cycle,
		batchSize: batchSize,
		offset:    (startOffset%n + n) % n,
	}, nil
}

// Count is the number of batches Batches yields.
func (g *Generator) Count() int {
	return (len(g.audio) + g.batchSize - 1) / g.batchSize
}

// Len is the number of output frames.
func (g *Generator) Len() int {
	return len(g.audio)
}

// CyclePos returns the cycle position for output position k.
func (g *Generator) CyclePos(k int) int {
	return (g.offset + k) % len(g.cycle)
}

// EndOffset is the cycle position following the last output frame, where a
// continuing render should start.
func (g *Generator) EndOffset() int {
	return g.CyclePos(len(g.audio))
}

// Batches yields every batch in order. Each call starts from the beginning.
// A shape mismatch while stacking is yielded once and ends the sequence.
func (g *Generator) Batches() iter.Seq2[Batch, error] {
	return func(yield func(Batch, error) bool) {
		for start := 0; start < len(g.audio); start += g.batchSize {
			end := min(start+g.batchSize, len(g.audio))

			b := Batch{Start: start, Indices: make([]int, 0, end-start)}
			lat := make([]tensor.Tensor, 0, end-start)
			for k := start; k < end; k++ {
				pos := g.CyclePos(k)
				b.Indices = append(b.Indices, pos)
				lat = append(lat, g.cycle[pos])
			}

			var err error
			if b.Audio, err = tensor.Stack(g.audio[start:end]); err != nil {
				yield(Batch{}, fmt.Errorf("audio batch at %d: %w", start, err))
				return
			}
			if b.Latents, err = tensor.Stack(lat); err != nil {
				yield(Batch{}, fmt.Errorf("latent batch at %d: %w", start, err))
				return
			}
			if !yield(b, nil) {
				return
			}
		}
	}
}
