// Package models declares the neural collaborators the avatar core drives.
// Concrete adapters live in internal/onnx (in-process) and internal/pipelines
// (Python subprocess workers).
package models

import (
	"context"
	"errors"
	"image"

	"github.com/heimdex/avatar-agent/internal/tensor"
)

// ErrNoFace is returned by a FaceDetector when the image has no usable face.
var ErrNoFace = errors.New("no face detected")

// Detection is one located face.
type Detection struct {
	// Box is the face bounding box in frame pixel coordinates.
	Box image.Rectangle
	// Mask is the landmark mask for the full frame. It may be nil.
	Mask image.Image
}

type FaceDetector interface {
	Detect(ctx context.Context, frame image.Image) (Detection, error)
}

// Encoder maps a (B, 3, S, S) image batch in [-1, 1] to scaled latents
// (B, C, H, W).
type Encoder interface {
	Encode(ctx context.Context, images tensor.Tensor) (tensor.Tensor, error)
}

// Decoder maps scaled latents (B, C, H, W) back to a (B, 3, S, S) image batch.
type Decoder interface {
	Decode(ctx context.Context, latents tensor.Tensor) (tensor.Tensor, error)
}

// Generator predicts face latents (B, C, H, W) from dual latents
// (B, 2C, H, W) and audio windows (B, (2W+1)*R, D).
type Generator interface {
	Generate(ctx context.Context, latents, audio tensor.Tensor) (tensor.Tensor, error)
}

// FeatureExtractor turns a speech track into one (R, D) feature per video
// frame at the given frame rate.
type FeatureExtractor interface {
	Extract(ctx context.Context, audioPath string, fps int) ([]tensor.Tensor, error)
}

// Extractor strategy names accepted by configuration.
const (
	ExtractorFast      = "fast"
	ExtractorFinetuned = "finetuned"
)
