package imageproc

import (
	"image"
	"image/color"
	"testing"
)

func gradient(w, h int) *image.RGBA {
	img := image.NewRGBA(image.Rect(0, 0, w, h))
	for y := 0; y < h; y++ {
		for x := 0; x < w; x++ {
			img.SetRGBA(x, y, color.RGBA{R: uint8(x * 255 / w), G: uint8(y * 255 / h), B: 128, A: 255})
		}
	}
	return img
}

func TestProcess_ShapeAndRange(t *testing.T) {
	out := Process(gradient(40, 60), 16, false)
	if out.Rank() != 3 || out.Shape[0] != 3 || out.Shape[1] != 16 || out.Shape[2] != 16 {
		t.Fatalf("shape = %v, want [3 16 16]", out.Shape)
	}
	for i, v := range out.Data {
		if v < -1 || v > 1 {
			t.Fatalf("value %d = %f outside [-1,1]", i, v)
		}
	}
}

func TestProcess_HalfMask(t *testing.T) {
	const size = 8
	img := image.NewRGBA(image.Rect(0, 0, size, size))
	for i := range img.Pix {
		img.Pix[i] = 255
	}

	out := Process(img, size, true)
	plane := size * size
	for c := 0; c < 3; c++ {
		for y := 0; y < size; y++ {
			v := out.Data[c*plane+y*size]
			if y < size/2 && v != 1 {
				t.Errorf("channel %d row %d = %f, want 1 (unmasked)", c, y, v)
			}
			if y >= size/2 && v != -1 {
				t.Errorf("channel %d row %d = %f, want -1 (masked)", c, y, v)
			}
		}
	}
}

func TestToImage_RoundTrip(t *testing.T) {
	src := gradient(16, 16)
	back, err := ToImage(Process(src, 16, false))
	if err != nil {
		t.Fatalf("ToImage() error = %v", err)
	}
	if back.Bounds() != src.Bounds() {
		t.Fatalf("bounds = %v, want %v", back.Bounds(), src.Bounds())
	}
	for i := range src.Pix {
		d := int(src.Pix[i]) - int(back.Pix[i])
		if d < -2 || d > 2 {
			t.Fatalf("pixel byte %d = %d, want ~%d", i, back.Pix[i], src.Pix[i])
		}
	}
}

func TestCrop(t *testing.T) {
	img := gradient(20, 20)
	c, err := Crop(img, image.Rect(5, 6, 15, 10))
	if err != nil {
		t.Fatalf("Crop() error = %v", err)
	}
	if c.Bounds().Dx() != 10 || c.Bounds().Dy() != 4 {
		t.Errorf("crop size = %v", c.Bounds())
	}
	if c.RGBAAt(0, 0) != img.RGBAAt(5, 6) {
		t.Error("crop origin does not match source pixel")
	}

	if _, err := Crop(img, image.Rect(15, 15, 25, 25)); err == nil {
		t.Error("Crop() outside bounds should fail")
	}
}

func TestResize_ExactSize(t *testing.T) {
	r := Resize(gradient(7, 3), 13, 29, Interpolator("nearest"))
	if r.Bounds().Dx() != 13 || r.Bounds().Dy() != 29 {
		t.Errorf("resized bounds = %v, want 13x29", r.Bounds())
	}
}
