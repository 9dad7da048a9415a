package ui

import (
	"bytes"
	"image"
	"image/color"
	"image/png"
)

var iconBytes = drawIcon(32)

// drawIcon renders a filled circle with a lighter mouth bar.
func drawIcon(size int) []byte {
	img := image.NewNRGBA(image.Rect(0, 0, size, size))
	face := color.NRGBA{R: 0x3b, G: 0x82, B: 0xf6, A: 0xff}
	mouth := color.NRGBA{R: 0xf8, G: 0xfa, B: 0xfc, A: 0xff}

	c := float64(size-1) / 2
	r2 := c * c
	for y := 0; y < size; y++ {
		for x := 0; x < size; x++ {
			dx, dy := float64(x)-c, float64(y)-c
			if dx*dx+dy*dy > r2 {
				continue
			}
			if y >= size*5/8 && y < size*3/4 && x >= size/4 && x < size*3/4 {
				img.SetNRGBA(x, y, mouth)
			} else {
				img.SetNRGBA(x, y, face)
			}
		}
	}

	var buf bytes.Buffer
	if err := png.Encode(&buf, img); err != nil {
		panic(err)
	}
	return buf.Bytes()
}
