package avatar

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"image"
	"image/color"
	"log/slog"
	"os"
	"path/filepath"
	"time"

	"golang.org/x/image/draw"

	"github.com/heimdex/avatar-agent/internal/framestore"
	"github.com/heimdex/avatar-agent/internal/imageproc"
	"github.com/heimdex/avatar-agent/internal/models"
	"github.com/heimdex/avatar-agent/internal/npy"
	"github.com/heimdex/avatar-agent/internal/tensor"
)

const (
	DefaultFPS       = 25
	DefaultBBoxShift = 5
)

// FrameExtractor decodes a video into numbered PNG frames.
type FrameExtractor interface {
	ExtractFrames(ctx context.Context, videoPath, outDir string, fps int) error
}

// Info is the content of the completion sentinel.
type Info struct {
	ID          string    `json:"id"`
	Video       string    `json:"video"`
	Frames      int       `json:"frames"`
	CycleLen    int       `json:"cycle_len"`
	BBoxShift   int       `json:"bbox_shift"`
	ImageSize   int       `json:"image_size"`
	LatentShape []int     `json:"latent_shape"`
	PreparedAt  time.Time `json:"prepared_at"`
}

// Preparer turns a source video into a persisted avatar.
type Preparer struct {
	Root      string
	Frames    FrameExtractor
	Detector  models.FaceDetector
	Encoder   models.Encoder
	Workers   int
	BBoxShift int
	ImageSize int
	FPS       int
	Logger    *slog.Logger
	// Progress, if set, is called after each frame is encoded.
	Progress func(done, total int)
}

// Layout returns the directory layout of avatar id.
func (p *Preparer) Layout(id string) Layout {
	return NewLayout(p.Root, id)
}

// Prepare builds avatar id from videoPath. Any existing directory for id is
// replaced. On failure nothing is left on disk.
func (p *Preparer) Prepare(ctx context.Context, id, videoPath string) (st *State, err error) {
	layout := p.Layout(id)
	logger := p.logger().With("avatar_id", id)

	if err := os.RemoveAll(layout.Root); err != nil {
		return nil, fmt.Errorf("failed to clear avatar dir: %w", err)
	}
	for _, dir := range []string{layout.ImagesDir(), layout.MasksDir(), layout.OutputDir()} {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, fmt.Errorf("failed to create %s: %w", dir, err)
		}
	}
	defer func() {
		if err != nil {
			if rmErr := os.RemoveAll(layout.Root); rmErr != nil {
				logger.Error("failed to remove partial avatar", "error", rmErr)
			}
		}
	}()

	logger.Info("extracting frames", "video", videoPath)
	if err := p.Frames.ExtractFrames(ctx, videoPath, layout.ImagesDir(), p.fps()); err != nil {
		return nil, fmt.Errorf("frame extraction failed: %w", err)
	}

	paths, err := framestore.ListImages(layout.ImagesDir())
	if err != nil {
		return nil, fmt.Errorf("failed to list frames: %w", err)
	}
	if len(paths) == 0 {
		return nil, fmt.Errorf("video %s produced no frames", filepath.Base(videoPath))
	}
	frames, err := framestore.ReadImages(ctx, paths, p.Workers)
	if err != nil {
		return nil, fmt.Errorf("failed to read frames: %w", err)
	}

	n := len(frames)
	coords := make([]Box, n)
	masks := make([]image.Image, n)
	latents := make([]tensor.Tensor, n)
	var reference tensor.Tensor

	for i, frame := range frames {
		if err := ctx.Err(); err != nil {
			return nil, err
		}

		det, err := p.Detector.Detect(ctx, frame)
		if errors.Is(err, models.ErrNoFace) {
			return nil, fmt.Errorf("frame %d: %w", i, ErrNoFace)
		}
		if err != nil {
			return nil, fmt.Errorf("face detection failed on frame %d: %w", i, err)
		}

		box := BoxFromRect(det.Box).Expand(p.BBoxShift, frame.Bounds())
		if box.Width() <= 0 || box.Height() <= 0 {
			return nil, fmt.Errorf("frame %d: %w", i, ErrNoFace)
		}
		coords[i] = box

		mask := det.Mask
		if mask == nil {
			mask = boxMask(frame.Bounds(), box)
		}
		masks[i] = mask
		if err := framestore.WriteImage(filepath.Join(layout.MasksDir(), framestore.FrameName(i, ".png")), mask); err != nil {
			return nil, fmt.Errorf("failed to write mask %d: %w", i, err)
		}

		face, err := imageproc.Crop(frame, box.Rect())
		if err != nil {
			return nil, fmt.Errorf("frame %d: %w", i, err)
		}
		if i == 0 {
			reference, err = p.encode(ctx, face, false)
			if err != nil {
				return nil, fmt.Errorf("failed to encode reference face: %w", err)
			}
		}
		masked, err := p.encode(ctx, face, true)
		if err != nil {
			return nil, fmt.Errorf("failed to encode frame %d: %w", i, err)
		}
		dual, err := tensor.ConcatChannels(masked, reference)
		if err != nil {
			return nil, fmt.Errorf("frame %d: %w", i, err)
		}
		latents[i] = dual

		if p.Progress != nil {
			p.Progress(i+1, n)
		}
	}

	st = &State{
		ID:      id,
		Frames:  Palindrome(frames),
		Masks:   Palindrome(masks),
		Coords:  Palindrome(coords),
		Latents: Palindrome(latents),
	}
	if err := st.Validate(); err != nil {
		return nil, err
	}
	if err := save(layout, st); err != nil {
		return nil, err
	}

	info := Info{
		ID:          id,
		Video:       videoPath,
		Frames:      n,
		CycleLen:    st.Len(),
		BBoxShift:   p.BBoxShift,
		ImageSize:   p.imageSize(),
		LatentShape: st.Latents[0].Shape,
		PreparedAt:  time.Now().UTC(),
	}
	if err := writeSentinel(layout, info); err != nil {
		return nil, err
	}

	logger.Info("avatar prepared", "frames", n, "cycle_len", st.Len())
	return st, nil
}

func (p *Preparer) encode(ctx context.Context, face image.Image, halfMask bool) (tensor.Tensor, error) {
	in := imageproc.Process(face, p.imageSize(), halfMask)
	batch, err := tensor.Stack([]tensor.Tensor{in})
	if err != nil {
		return tensor.Tensor{}, err
	}
	out, err := p.Encoder.Encode(ctx, batch)
	if err != nil {
		return tensor.Tensor{}, err
	}
	latent, err := out.Index(0)
	if err != nil {
		return tensor.Tensor{}, err
	}
	return latent.Clone(), nil
}

func (p *Preparer) fps() int {
	if p.FPS > 0 {
		return p.FPS
	}
	return DefaultFPS
}

func (p *Preparer) imageSize() int {
	if p.ImageSize > 0 {
		return p.ImageSize
	}
	return imageproc.DefaultSize
}

func (p *Preparer) logger() *slog.Logger {
	if p.Logger != nil {
		return p.Logger
	}
	return slog.Default()
}

// save persists the coordinate and latent cycles.
func save(layout Layout, st *State) error {
	coords := make([]int64, 0, 4*st.Len())
	for _, b := range st.Coords {
		coords = append(coords, int64(b.X1), int64(b.Y1), int64(b.X2), int64(b.Y2))
	}
	if err := npy.SaveInt64(layout.CoordsPath(), []int{st.Len(), 4}, coords); err != nil {
		return fmt.Errorf("failed to save coords: %w", err)
	}

	stacked, err := tensor.Stack(st.Latents)
	if err != nil {
		return fmt.Errorf("failed to stack latents: %w", err)
	}
	if err := npy.SaveTensor(layout.LatentsPath(), stacked); err != nil {
		return fmt.Errorf("failed to save latents: %w", err)
	}
	return nil
}

func writeSentinel(layout Layout, info Info) error {
	data, err := json.MarshalIndent(info, "", "  ")
	if err != nil {
		return err
	}
	tmp := layout.SentinelPath() + ".tmp"
	if err := os.WriteFile(tmp, data, 0o644); err != nil {
		return fmt.Errorf("failed to write sentinel: %w", err)
	}
	return os.Rename(tmp, layout.SentinelPath())
}

// boxMask paints the face box white on a black frame-sized canvas.
func boxMask(bounds image.Rectangle, box Box) image.Image {
	m := image.NewGray(bounds)
	draw.Draw(m, box.Rect(), image.NewUniform(color.White), image.Point{}, draw.Src)
	return m
}
