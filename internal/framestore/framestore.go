// Package framestore implements the on-disk layout of extracted video frames
// and per-frame audio features. Files are named by zero-padded frame number
// (00000001.png, 00000001.npy) and always listed in numeric order.
package framestore

import (
	"context"
	"fmt"
	"image"
	"image/jpeg"
	"image/png"
	"os"
	"path/filepath"
	"runtime"
	"slices"
	"strconv"
	"strings"

	"golang.org/x/sync/errgroup"

	"github.com/heimdex/avatar-agent/internal/npy"
	"github.com/heimdex/avatar-agent/internal/tensor"
)

const (
	FrameDigits  = 8
	FeatureExt   = ".npy"
	DefaultImage = ".png"
)

var ImageExtensions = map[string]bool{
	".png":  true,
	".jpg":  true,
	".jpeg": true,
}

// CorpusLayout locates a pre-extracted training corpus:
// ImagesDir/<video>/<frame>.png and AudiosDir/<video>/<frame>.npy.
type CorpusLayout struct {
	ImagesDir string
	AudiosDir string
}

func (l CorpusLayout) VideoImagesDir(video string) string {
	return filepath.Join(l.ImagesDir, video)
}

func (l CorpusLayout) VideoAudiosDir(video string) string {
	return filepath.Join(l.AudiosDir, video)
}

// Videos lists the video directories under ImagesDir in lexical order.
func (l CorpusLayout) Videos() ([]string, error) {
	entries, err := os.ReadDir(l.ImagesDir)
	if err != nil {
		return nil, fmt.Errorf("failed to list corpus images: %w", err)
	}
	var names []string
	for _, e := range entries {
		if e.IsDir() && !strings.HasPrefix(e.Name(), ".") {
			names = append(names, e.Name())
		}
	}
	return names, nil
}

// FrameName returns the zero-padded file name for a frame index.
func FrameName(idx int, ext string) string {
	return fmt.Sprintf("%0*d%s", FrameDigits, idx, ext)
}

// FrameNumber parses the numeric stem of a frame file path.
func FrameNumber(path string) (int, error) {
	base := filepath.Base(path)
	stem := strings.TrimSuffix(base, filepath.Ext(base))
	n, err := strconv.Atoi(stem)
	if err != nil {
		return 0, fmt.Errorf("frame file %q has no numeric name", base)
	}
	return n, nil
}

// ListImages returns the image files in dir sorted by frame number.
func ListImages(dir string) ([]string, error) {
	return listNumbered(dir, func(ext string) bool { return ImageExtensions[ext] })
}

// ListFeatures returns the .npy files in dir sorted by frame number.
func ListFeatures(dir string) ([]string, error) {
	return listNumbered(dir, func(ext string) bool { return ext == FeatureExt })
}

func listNumbered(dir string, keep func(ext string) bool) ([]string, error) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return nil, err
	}

	type numbered struct {
		path string
		n    int
	}
	var files []numbered
	for _, e := range entries {
		if e.IsDir() || !keep(strings.ToLower(filepath.Ext(e.Name()))) {
			continue
		}
		p := filepath.Join(dir, e.Name())
		n, err := FrameNumber(p)
		if err != nil {
			continue
		}
		files = append(files, numbered{path: p, n: n})
	}

	slices.SortFunc(files, func(a, b numbered) int { return a.n - b.n })
	out := make([]string, len(files))
	for i, f := range files {
		out[i] = f.path
	}
	return out, nil
}

// ReadImage decodes a PNG or JPEG file.
func ReadImage(path string) (image.Image, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()

	img, _, err := image.Decode(f)
	if err != nil {
		return nil, fmt.Errorf("failed to decode %s: %w", filepath.Base(path), err)
	}
	return img, nil
}

// WriteImage encodes img by the extension of path (.png or .jpg/.jpeg).
func WriteImage(path string, img image.Image) error {
	f, err := os.Create(path)
	if err != nil {
		return err
	}

	switch strings.ToLower(filepath.Ext(path)) {
	case ".jpg", ".jpeg":
		err = jpeg.Encode(f, img, &jpeg.Options{Quality: 95})
	default:
		err = png.Encode(f, img)
	}
	if err != nil {
		f.Close()
		return fmt.Errorf("failed to encode %s: %w", filepath.Base(path), err)
	}
	return f.Close()
}

// ReadImages decodes paths on a bounded worker pool. Completion order is
// arbitrary but the returned slice is in the order of paths.
func ReadImages(ctx context.Context, paths []string, workers int) ([]image.Image, error) {
	if workers <= 0 {
		workers = runtime.NumCPU()
	}

	images := make([]image.Image, len(paths))
	g, ctx := errgroup.WithContext(ctx)
	g.SetLimit(workers)

	for i, p := range paths {
		g.Go(func() error {
			if err := ctx.Err(); err != nil {
				return err
			}
			img, err := ReadImage(p)
			if err != nil {
				return err
			}
			images[i] = img
			return nil
		})
	}

	if err := g.Wait(); err != nil {
		return nil, err
	}
	return images, nil
}

// ReadFeature loads one per-frame audio feature array.
func ReadFeature(path string) (tensor.Tensor, error) {
	return npy.LoadTensor(path)
}

// WriteFeature stores one per-frame audio feature array.
func WriteFeature(path string, t tensor.Tensor) error {
	return npy.SaveTensor(path, t)
}
