package pipelines

import (
	"context"
	"fmt"
	"image"
	"os"
	"path/filepath"

	"github.com/heimdex/avatar-agent/internal/framestore"
	"github.com/heimdex/avatar-agent/internal/models"
	"github.com/heimdex/avatar-agent/internal/npy"
	"github.com/heimdex/avatar-agent/internal/tensor"
)

// Workers adapts a Runner to the model collaborator interfaces. Every call
// exchanges files through a private scratch directory under ArtifactsDir.
type Workers struct {
	runner Runner
}

func NewWorkers(runner Runner) *Workers {
	return &Workers{runner: runner}
}

var (
	_ models.FaceDetector     = (*Workers)(nil)
	_ models.Encoder          = (*Workers)(nil)
	_ models.Decoder          = (*Workers)(nil)
	_ models.Generator        = (*Workers)(nil)
	_ models.FeatureExtractor = (*Workers)(nil)
)

func (w *Workers) scratch(kind string) (string, func(), error) {
	if err := os.MkdirAll(w.runner.ArtifactsDir(), 0o755); err != nil {
		return "", nil, err
	}
	dir, err := os.MkdirTemp(w.runner.ArtifactsDir(), kind+"-")
	if err != nil {
		return "", nil, fmt.Errorf("cannot create scratch dir: %w", err)
	}
	return dir, func() { os.RemoveAll(dir) }, nil
}

// Detect runs `faces detect` on one frame.
func (w *Workers) Detect(ctx context.Context, frame image.Image) (models.Detection, error) {
	dir, cleanup, err := w.scratch("faces")
	if err != nil {
		return models.Detection{}, err
	}
	defer cleanup()

	in := filepath.Join(dir, "frame.png")
	if err := framestore.WriteImage(in, frame); err != nil {
		return models.Detection{}, err
	}
	maskPath := filepath.Join(dir, "mask.png")
	outPath := filepath.Join(dir, "faces.json")
	if _, err := w.runner.RunFaces(ctx, in, maskPath, outPath); err != nil {
		return models.Detection{}, err
	}

	var out FaceOutput
	if err := w.runner.ValidateOutput(outPath, &out); err != nil {
		return models.Detection{}, err
	}
	if !out.Found {
		return models.Detection{}, models.ErrNoFace
	}

	det := models.Detection{Box: image.Rect(out.Box[0], out.Box[1], out.Box[2], out.Box[3])}
	if out.MaskPath != "" {
		if !filepath.IsAbs(out.MaskPath) {
			out.MaskPath = filepath.Join(dir, out.MaskPath)
		}
		mask, err := framestore.ReadImage(out.MaskPath)
		if err != nil {
			return models.Detection{}, fmt.Errorf("cannot read face mask: %w", err)
		}
		det.Mask = mask
	}
	return det, nil
}

func (w *Workers) Encode(ctx context.Context, images tensor.Tensor) (tensor.Tensor, error) {
	return w.tensorCall(ctx, "vae", func(dir, outPath string) error {
		in := filepath.Join(dir, "in.npy")
		if err := npy.SaveTensor(in, images); err != nil {
			return err
		}
		_, err := w.runner.RunVAE(ctx, VAEEncode, in, outPath)
		return err
	})
}

func (w *Workers) Decode(ctx context.Context, latents tensor.Tensor) (tensor.Tensor, error) {
	return w.tensorCall(ctx, "vae", func(dir, outPath string) error {
		in := filepath.Join(dir, "in.npy")
		if err := npy.SaveTensor(in, latents); err != nil {
			return err
		}
		_, err := w.runner.RunVAE(ctx, VAEDecode, in, outPath)
		return err
	})
}

func (w *Workers) Generate(ctx context.Context, latents, audio tensor.Tensor) (tensor.Tensor, error) {
	return w.tensorCall(ctx, "unet", func(dir, outPath string) error {
		lp := filepath.Join(dir, "latents.npy")
		ap := filepath.Join(dir, "audio.npy")
		if err := npy.SaveTensor(lp, latents); err != nil {
			return err
		}
		if err := npy.SaveTensor(ap, audio); err != nil {
			return err
		}
		_, err := w.runner.RunUNet(ctx, lp, ap, outPath)
		return err
	})
}

// Extract runs the fine-tuned whisper worker, which returns an (F, R, D)
// array of per-frame features.
func (w *Workers) Extract(ctx context.Context, audioPath string, fps int) ([]tensor.Tensor, error) {
	all, err := w.tensorCall(ctx, "features", func(_ string, outPath string) error {
		_, err := w.runner.RunFeatures(ctx, audioPath, fps, outPath)
		return err
	})
	if err != nil {
		return nil, err
	}
	if all.Rank() != 3 {
		return nil, fmt.Errorf("%w: features must be (F,R,D), got %v", tensor.ErrShape, all.Shape)
	}
	return all.Unstack()
}

func (w *Workers) tensorCall(ctx context.Context, kind string, run func(dir, outPath string) error) (tensor.Tensor, error) {
	if err := ctx.Err(); err != nil {
		return tensor.Tensor{}, err
	}
	dir, cleanup, err := w.scratch(kind)
	if err != nil {
		return tensor.Tensor{}, err
	}
	defer cleanup()

	outPath := filepath.Join(dir, "out.json")
	if err := run(dir, outPath); err != nil {
		return tensor.Tensor{}, fmt.Errorf("%s worker: %w", kind, err)
	}

	var out TensorOutput
	if err := w.runner.ValidateOutput(outPath, &out); err != nil {
		return tensor.Tensor{}, err
	}
	arrayPath := out.ArrayPath
	if !filepath.IsAbs(arrayPath) {
		arrayPath = filepath.Join(dir, arrayPath)
	}
	return npy.LoadTensor(arrayPath)
}
