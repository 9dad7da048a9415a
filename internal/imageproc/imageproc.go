// Package imageproc converts between face crops and normalized CHW model
// tensors.
package imageproc

import (
	"fmt"
	"image"
	"strings"

	"golang.org/x/image/draw"

	"github.com/heimdex/avatar-agent/internal/tensor"
)

const DefaultSize = 256

// Interpolator returns the scaler registered under name. Unknown names fall
// back to nearest neighbour.
func Interpolator(name string) draw.Interpolator {
	switch strings.ToLower(name) {
	case "bilinear":
		return draw.BiLinear
	case "approx-bilinear":
		return draw.ApproxBiLinear
	case "catmullrom", "lanczos":
		return draw.CatmullRom
	default:
		return draw.NearestNeighbor
	}
}

// Resize scales img to exactly w x h.
func Resize(img image.Image, w, h int, interp draw.Interpolator) *image.RGBA {
	dst := image.NewRGBA(image.Rect(0, 0, w, h))
	interp.Scale(dst, dst.Bounds(), img, img.Bounds(), draw.Src, nil)
	return dst
}

// Crop returns the part of img inside r, rebased to the origin.
func Crop(img image.Image, r image.Rectangle) (*image.RGBA, error) {
	if !r.In(img.Bounds()) || r.Empty() {
		return nil, fmt.Errorf("crop %v outside image bounds %v", r, img.Bounds())
	}
	dst := image.NewRGBA(image.Rect(0, 0, r.Dx(), r.Dy()))
	draw.Draw(dst, dst.Bounds(), img, r.Min, draw.Src)
	return dst, nil
}

// Process resizes img to size x size and converts it to a (3, size, size)
// tensor in [-1, 1]. With halfMask the lower half of the crop is blacked out
// before normalization, hiding the mouth region.
func Process(img image.Image, size int, halfMask bool) tensor.Tensor {
	rgba := Resize(img, size, size, draw.CatmullRom)
	out := tensor.Zeros(3, size, size)
	plane := size * size
	maskFrom := size
	if halfMask {
		maskFrom = size / 2
	}

	for y := 0; y < size; y++ {
		for x := 0; x < size; x++ {
			off := rgba.PixOffset(x, y)
			i := y*size + x
			if y >= maskFrom {
				out.Data[i] = -1
				out.Data[plane+i] = -1
				out.Data[2*plane+i] = -1
				continue
			}
			out.Data[i] = normalize(rgba.Pix[off])
			out.Data[plane+i] = normalize(rgba.Pix[off+1])
			out.Data[2*plane+i] = normalize(rgba.Pix[off+2])
		}
	}
	return out
}

// ToImage converts a (3, H, W) tensor in [-1, 1] back to an opaque image.
func ToImage(t tensor.Tensor) (*image.RGBA, error) {
	if t.Rank() != 3 || t.Shape[0] != 3 {
		return nil, fmt.Errorf("%w: want (3,H,W), got %v", tensor.ErrShape, t.Shape)
	}
	h, w := t.Shape[1], t.Shape[2]
	plane := h * w
	img := image.NewRGBA(image.Rect(0, 0, w, h))
	for y := 0; y < h; y++ {
		for x := 0; x < w; x++ {
			i := y*w + x
			off := img.PixOffset(x, y)
			img.Pix[off] = denormalize(t.Data[i])
			img.Pix[off+1] = denormalize(t.Data[plane+i])
			img.Pix[off+2] = denormalize(t.Data[2*plane+i])
			img.Pix[off+3] = 0xff
		}
	}
	return img, nil
}

func normalize(v uint8) float32 {
	return float32(v)/127.5 - 1
}

func denormalize(v float32) uint8 {
	p := (v + 1) * 127.5
	switch {
	case p <= 0:
		return 0
	case p >= 255:
		return 255
	}
	return uint8(p + 0.5)
}
