package onnx

import (
	"context"
	"errors"
	"fmt"

	"github.com/heimdex/avatar-agent/internal/models"
	"github.com/heimdex/avatar-agent/internal/tensor"
)

// DefaultScalingFactor is the Stable Diffusion VAE latent scale.
const DefaultScalingFactor = 0.18215

// Config points at the exported model files.
type Config struct {
	LibraryPath   string
	EncoderPath   string
	DecoderPath   string
	UNetPath      string
	WhisperPath   string
	ScalingFactor float32
	Threads       int
}

// Models holds the ONNX sessions for the avatar pipeline. The whisper
// extractor is optional and only created when WhisperPath is set.
type Models struct {
	encoder *session
	decoder *session
	unet    *session
	scale   float32

	Features *FeatureExtractor
}

var (
	_ models.Encoder   = (*Models)(nil)
	_ models.Decoder   = (*Models)(nil)
	_ models.Generator = (*Models)(nil)
)

// Load initializes the runtime and opens every configured session.
func Load(cfg Config) (*Models, error) {
	if err := Init(cfg.LibraryPath); err != nil {
		return nil, err
	}
	m := &Models{scale: cfg.ScalingFactor}
	if m.scale == 0 {
		m.scale = DefaultScalingFactor
	}

	var err error
	if m.encoder, err = newSession(cfg.EncoderPath, []string{"images"}, []string{"latents"}, cfg.Threads); err != nil {
		return nil, err
	}
	if m.decoder, err = newSession(cfg.DecoderPath, []string{"latents"}, []string{"images"}, cfg.Threads); err != nil {
		m.Close()
		return nil, err
	}
	if m.unet, err = newSession(cfg.UNetPath, []string{"latents", "audio"}, []string{"pred"}, cfg.Threads); err != nil {
		m.Close()
		return nil, err
	}
	if cfg.WhisperPath != "" {
		if m.Features, err = NewFeatureExtractor(cfg.WhisperPath, cfg.Threads); err != nil {
			m.Close()
			return nil, err
		}
	}
	return m, nil
}

// Encode returns scaled latents for a (B, 3, S, S) batch.
func (m *Models) Encode(ctx context.Context, images tensor.Tensor) (tensor.Tensor, error) {
	if err := ctx.Err(); err != nil {
		return tensor.Tensor{}, err
	}
	out, err := m.encoder.run(images)
	if err != nil {
		return tensor.Tensor{}, fmt.Errorf("vae encode: %w", err)
	}
	scaleInPlace(out, m.scale)
	return out, nil
}

// Decode unscales latents and returns a (B, 3, S, S) batch.
func (m *Models) Decode(ctx context.Context, latents tensor.Tensor) (tensor.Tensor, error) {
	if err := ctx.Err(); err != nil {
		return tensor.Tensor{}, err
	}
	in := latents.Clone()
	scaleInPlace(in, 1/m.scale)
	out, err := m.decoder.run(in)
	if err != nil {
		return tensor.Tensor{}, fmt.Errorf("vae decode: %w", err)
	}
	return out, nil
}

func (m *Models) Generate(ctx context.Context, latents, audio tensor.Tensor) (tensor.Tensor, error) {
	if err := ctx.Err(); err != nil {
		return tensor.Tensor{}, err
	}
	out, err := m.unet.run(latents, audio)
	if err != nil {
		return tensor.Tensor{}, fmt.Errorf("unet: %w", err)
	}
	return out, nil
}

// Close destroys every open session.
func (m *Models) Close() error {
	var errs []error
	for _, s := range []*session{m.encoder, m.decoder, m.unet} {
		errs = append(errs, s.destroy())
	}
	if m.Features != nil {
		errs = append(errs, m.Features.Close())
	}
	return errors.Join(errs...)
}

func scaleInPlace(t tensor.Tensor, k float32) {
	for i := range t.Data {
		t.Data[i] *= k
	}
}
