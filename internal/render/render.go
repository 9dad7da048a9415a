// Package render drives inference for a prepared avatar: audio features are
// windowed, batched against the avatar's latent cycle, generated, decoded and
// composited back into full frames, then muxed with the speech track.
package render

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"time"

	"golang.org/x/image/draw"

	"github.com/heimdex/avatar-agent/internal/avatar"
	"github.com/heimdex/avatar-agent/internal/compositor"
	"github.com/heimdex/avatar-agent/internal/datagen"
	"github.com/heimdex/avatar-agent/internal/imageproc"
	"github.com/heimdex/avatar-agent/internal/models"
	"github.com/heimdex/avatar-agent/internal/sampler"
)

var ErrNoAudio = errors.New("speech track produced no frames")

// Media is the subset of the ffmpeg adapter a render needs.
type Media interface {
	ExtractAudio(ctx context.Context, inputPath, outputPath string) error
	EncodeVideo(ctx context.Context, framesDir, audioPath, outputPath string, fps int) error
}

// Renderer turns a speech track into a talking-head video of one avatar.
type Renderer struct {
	Media     Media
	Extractor models.FeatureExtractor
	Generator models.Generator
	Decoder   models.Decoder
	Window    sampler.Window
	BatchSize int
	FPS       int
	// Interpolator scales decoded faces into their boxes.
	Interpolator draw.Interpolator
	Logger       *slog.Logger
	// Progress, if set, is called after each batch is composited.
	Progress func(done, total int)
}

// Request describes one render.
type Request struct {
	AudioPath string
	// Name is the output file stem inside the avatar's vid_output dir.
	Name string
	// StartOffset is the cycle position of the first output frame.
	StartOffset int
}

type Result struct {
	OutputPath string
	Frames     int
	// NextOffset continues the cycle seamlessly in a following render.
	NextOffset int
	Elapsed    time.Duration
}

// Render writes layout.OutputPath(req.Name). Scratch frames are removed
// whether or not the render succeeds.
func (r *Renderer) Render(ctx context.Context, st *avatar.State, layout avatar.Layout, req Request) (*Result, error) {
	if req.Name == "" {
		return nil, fmt.Errorf("render name is required")
	}
	started := time.Now()
	logger := r.logger().With("avatar_id", st.ID, "render", req.Name)

	scratch := filepath.Join(layout.TmpDir(), req.Name)
	if err := os.RemoveAll(scratch); err != nil {
		return nil, fmt.Errorf("failed to clear scratch dir: %w", err)
	}
	sink, err := compositor.NewFrameSink(filepath.Join(scratch, "frames"))
	if err != nil {
		return nil, err
	}
	defer func() {
		if rmErr := os.RemoveAll(scratch); rmErr != nil {
			logger.Warn("failed to remove scratch dir", "error", rmErr)
		}
	}()

	wavPath := filepath.Join(scratch, "speech.wav")
	if err := r.Media.ExtractAudio(ctx, req.AudioPath, wavPath); err != nil {
		return nil, fmt.Errorf("audio conversion failed: %w", err)
	}

	feats, err := r.Extractor.Extract(ctx, wavPath, r.fps())
	if err != nil {
		return nil, fmt.Errorf("audio feature extraction failed: %w", err)
	}
	if len(feats) == 0 {
		return nil, ErrNoAudio
	}
	windows, err := sampler.AudioWindows(sampler.Features(feats), r.window())
	if err != nil {
		return nil, err
	}

	gen, err := datagen.New(windows, st.Latents, r.batchSize(), req.StartOffset)
	if err != nil {
		return nil, err
	}
	comp, err := compositor.FromState(st, compositor.Options{Interpolator: r.Interpolator})
	if err != nil {
		return nil, err
	}
	logger.Info("rendering", "frames", gen.Len(), "batches", gen.Count(), "start_offset", req.StartOffset)

	done := 0
	for batch, err := range gen.Batches() {
		if err != nil {
			return nil, err
		}
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		if err := r.renderBatch(ctx, comp, sink, batch); err != nil {
			return nil, fmt.Errorf("batch at frame %d: %w", batch.Start, err)
		}
		done++
		if r.Progress != nil {
			r.Progress(done, gen.Count())
		}
	}

	out := layout.OutputPath(req.Name)
	if err := os.MkdirAll(filepath.Dir(out), 0o755); err != nil {
		return nil, fmt.Errorf("failed to create output dir: %w", err)
	}
	if err := r.Media.EncodeVideo(ctx, sink.Dir(), wavPath, out, r.fps()); err != nil {
		return nil, fmt.Errorf("video encoding failed: %w", err)
	}

	res := &Result{
		OutputPath: out,
		Frames:     sink.Written(),
		NextOffset: gen.EndOffset(),
		Elapsed:    time.Since(started),
	}
	logger.Info("render complete", "output", out, "frames", res.Frames, "elapsed_ms", res.Elapsed.Milliseconds())
	return res, nil
}

func (r *Renderer) renderBatch(ctx context.Context, comp *compositor.Compositor, sink *compositor.FrameSink, b datagen.Batch) error {
	pred, err := r.Generator.Generate(ctx, b.Latents, b.Audio)
	if err != nil {
		return fmt.Errorf("generation failed: %w", err)
	}
	faces, err := r.Decoder.Decode(ctx, pred)
	if err != nil {
		return fmt.Errorf("decoding failed: %w", err)
	}
	imgs, err := faces.Unstack()
	if err != nil {
		return err
	}
	if len(imgs) != b.Len() {
		return fmt.Errorf("decoder returned %d faces for %d inputs", len(imgs), b.Len())
	}

	for i, face := range imgs {
		patch, err := imageproc.ToImage(face)
		if err != nil {
			return err
		}
		frame, err := comp.Composite(b.Indices[i], patch)
		if err != nil {
			return err
		}
		if err := sink.Write(b.Start+i, frame); err != nil {
			return err
		}
	}
	return nil
}

func (r *Renderer) fps() int {
	if r.FPS <= 0 {
		return avatar.DefaultFPS
	}
	return r.FPS
}

func (r *Renderer) batchSize() int {
	if r.BatchSize <= 0 {
		return datagen.DefaultBatchSize
	}
	return r.BatchSize
}

func (r *Renderer) window() sampler.Window {
	if r.Window.RowsPerFrame == 0 {
		return sampler.DefaultWindow
	}
	return r.Window
}

func (r *Renderer) logger() *slog.Logger {
	if r.Logger == nil {
		return slog.Default()
	}
	return r.Logger
}
