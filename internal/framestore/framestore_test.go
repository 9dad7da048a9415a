package framestore

import (
	"context"
	"image"
	"image/color"
	"os"
	"path/filepath"
	"testing"
)

func solidImage(w, h int, c color.RGBA) *image.RGBA {
	img := image.NewRGBA(image.Rect(0, 0, w, h))
	for y := 0; y < h; y++ {
		for x := 0; x < w; x++ {
			img.SetRGBA(x, y, c)
		}
	}
	return img
}

func TestFrameName(t *testing.T) {
	tests := []struct {
		idx  int
		ext  string
		want string
	}{
		{0, ".png", "00000000.png"},
		{42, ".npy", "00000042.npy"},
		{12345678, ".png", "12345678.png"},
	}
	for _, tt := range tests {
		if got := FrameName(tt.idx, tt.ext); got != tt.want {
			t.Errorf("FrameName(%d, %q) = %q, want %q", tt.idx, tt.ext, got, tt.want)
		}
	}
}

func TestListImages_NumericOrder(t *testing.T) {
	dir := t.TempDir()
	// unpadded names would sort wrong lexically
	for _, name := range []string{"10.png", "2.png", "1.png", "notes.txt", "x.png"} {
		os.WriteFile(filepath.Join(dir, name), nil, 0644)
	}
	os.Mkdir(filepath.Join(dir, "3.png"), 0755)

	files, err := ListImages(dir)
	if err != nil {
		t.Fatalf("ListImages() error = %v", err)
	}

	want := []string{"1.png", "2.png", "10.png"}
	if len(files) != len(want) {
		t.Fatalf("got %d files, want %d: %v", len(files), len(want), files)
	}
	for i, f := range files {
		if filepath.Base(f) != want[i] {
			t.Errorf("files[%d] = %s, want %s", i, filepath.Base(f), want[i])
		}
	}
}

func TestReadImages_PreservesOrder(t *testing.T) {
	dir := t.TempDir()
	var paths []string
	for i := 0; i < 12; i++ {
		p := filepath.Join(dir, FrameName(i, ".png"))
		if err := WriteImage(p, solidImage(4, 4, color.RGBA{R: uint8(i * 10), A: 255})); err != nil {
			t.Fatalf("WriteImage() error = %v", err)
		}
		paths = append(paths, p)
	}

	images, err := ReadImages(context.Background(), paths, 3)
	if err != nil {
		t.Fatalf("ReadImages() error = %v", err)
	}
	for i, img := range images {
		r, _, _, _ := img.At(0, 0).RGBA()
		if uint8(r>>8) != uint8(i*10) {
			t.Errorf("images[%d] has red %d, want %d", i, r>>8, i*10)
		}
	}
}

func TestReadImages_MissingFile(t *testing.T) {
	_, err := ReadImages(context.Background(), []string{"/nonexistent/00000001.png"}, 2)
	if err == nil {
		t.Fatal("expected error for missing frame")
	}
}

func TestCorpusLayout_Videos(t *testing.T) {
	root := t.TempDir()
	layout := CorpusLayout{ImagesDir: filepath.Join(root, "images"), AudiosDir: filepath.Join(root, "audios")}
	for _, v := range []string{"b", "a", ".hidden"} {
		os.MkdirAll(layout.VideoImagesDir(v), 0755)
	}

	videos, err := layout.Videos()
	if err != nil {
		t.Fatalf("Videos() error = %v", err)
	}
	if len(videos) != 2 || videos[0] != "a" || videos[1] != "b" {
		t.Errorf("Videos() = %v, want [a b]", videos)
	}
}
