package dataset

import (
	"context"
	"errors"
	"fmt"
	"image"
	"log/slog"
	"os"
	"path/filepath"
	"strings"

	"golang.org/x/image/draw"

	"github.com/heimdex/avatar-agent/internal/framestore"
	"github.com/heimdex/avatar-agent/internal/imageproc"
	"github.com/heimdex/avatar-agent/internal/models"
)

// MediaExtractor splits a video into frames and a speech track.
type MediaExtractor interface {
	ExtractFrames(ctx context.Context, videoPath, outDir string, fps int) error
	ExtractAudio(ctx context.Context, videoPath, outPath string) error
}

// Builder turns raw videos into a training corpus of face crops and
// per-frame audio features.
type Builder struct {
	Layout    framestore.CorpusLayout
	Media     MediaExtractor
	Detector  models.FaceDetector
	Extractor models.FeatureExtractor
	// FixedFace crops every frame with the box found on the first frame.
	FixedFace  bool
	ImageSize  int
	FPS        int
	Workers    int
	ScratchDir string
	Logger     *slog.Logger
	Progress   func(done, total int)
	// Track, when set, supplies the progress callback for each video
	// ProcessDir visits.
	Track func(video string) func(done, total int)
}

// ErrNoVideos is returned by ProcessDir for a directory without videos.
var ErrNoVideos = errors.New("dataset: no videos")

// ProcessVideo writes ImagesDir/<name>/%08d.png and AudiosDir/<name>/%08d.npy
// for one video and returns the number of aligned frames written. On error
// both per-video directories are removed so the corpus never holds a
// partial video.
func (b *Builder) ProcessVideo(ctx context.Context, videoPath string) (int, error) {
	return b.processVideo(ctx, videoPath, b.Progress)
}

func (b *Builder) processVideo(ctx context.Context, videoPath string, progress func(done, total int)) (n int, err error) {
	name := videoName(videoPath)
	logger := b.logger().With("video", name)

	imagesDir := b.Layout.VideoImagesDir(name)
	audiosDir := b.Layout.VideoAudiosDir(name)
	defer func() {
		if err != nil {
			os.RemoveAll(imagesDir)
			os.RemoveAll(audiosDir)
		}
	}()

	scratch, err := os.MkdirTemp(b.ScratchDir, "build-"+name+"-")
	if err != nil {
		return 0, fmt.Errorf("failed to create scratch dir: %w", err)
	}
	defer os.RemoveAll(scratch)

	for _, dir := range []string{imagesDir, audiosDir} {
		if err := os.RemoveAll(dir); err != nil {
			return 0, err
		}
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return 0, err
		}
	}

	framesDir := filepath.Join(scratch, "frames")
	if err := os.MkdirAll(framesDir, 0o755); err != nil {
		return 0, err
	}
	if err := b.Media.ExtractFrames(ctx, videoPath, framesDir, b.fps()); err != nil {
		return 0, fmt.Errorf("frame extraction failed: %w", err)
	}
	audioPath := filepath.Join(scratch, "audio.wav")
	if err := b.Media.ExtractAudio(ctx, videoPath, audioPath); err != nil {
		return 0, fmt.Errorf("audio extraction failed: %w", err)
	}

	features, err := b.Extractor.Extract(ctx, audioPath, b.fps())
	if err != nil {
		return 0, fmt.Errorf("feature extraction failed: %w", err)
	}
	paths, err := framestore.ListImages(framesDir)
	if err != nil {
		return 0, err
	}
	frames, err := framestore.ReadImages(ctx, paths, b.Workers)
	if err != nil {
		return 0, err
	}

	n = min(len(frames), len(features))
	if n != len(frames) || n != len(features) {
		logger.Debug("truncating to aligned length", "frames", len(frames), "features", len(features))
	}

	var fixed image.Rectangle
	size := b.imageSize()
	for i := 0; i < n; i++ {
		if err := ctx.Err(); err != nil {
			return i, err
		}

		box := fixed
		if !b.FixedFace || i == 0 {
			det, err := b.Detector.Detect(ctx, frames[i])
			if errors.Is(err, models.ErrNoFace) {
				return i, fmt.Errorf("frame %d: %w", i, err)
			}
			if err != nil {
				return i, fmt.Errorf("face detection failed on frame %d: %w", i, err)
			}
			box = det.Box.Intersect(frames[i].Bounds())
			fixed = box
		}

		crop, err := imageproc.Crop(frames[i], box)
		if err != nil {
			return i, fmt.Errorf("frame %d: %w", i, err)
		}
		resized := imageproc.Resize(crop, size, size, draw.CatmullRom)
		if err := framestore.WriteImage(filepath.Join(imagesDir, framestore.FrameName(i, ".png")), resized); err != nil {
			return i, err
		}
		if err := framestore.WriteFeature(filepath.Join(audiosDir, framestore.FrameName(i, framestore.FeatureExt)), features[i]); err != nil {
			return i, err
		}
		if progress != nil {
			progress(i+1, n)
		}
	}

	logger.Info("video processed", "frames", n, "fixed_face", b.FixedFace)
	return n, nil
}

// ProcessDir processes every .mp4 in dir and returns the names processed
// and the names skipped. A failing video is logged and skipped.
func (b *Builder) ProcessDir(ctx context.Context, dir string) (done, failed []string, err error) {
	videos, err := filepath.Glob(filepath.Join(dir, "*.mp4"))
	if err != nil {
		return nil, nil, err
	}
	if len(videos) == 0 {
		return nil, nil, fmt.Errorf("%w in %s", ErrNoVideos, dir)
	}
	for _, v := range videos {
		name := videoName(v)
		var progress func(done, total int)
		if b.Track != nil {
			progress = b.Track(name)
		}
		if _, err := b.processVideo(ctx, v, progress); err != nil {
			if ctx.Err() != nil {
				return done, failed, ctx.Err()
			}
			b.logger().Warn("skipping video", "video", name, "error", err)
			failed = append(failed, name)
			continue
		}
		done = append(done, name)
	}
	return done, failed, nil
}

func videoName(path string) string {
	return strings.TrimSuffix(filepath.Base(path), filepath.Ext(path))
}

func (b *Builder) fps() int {
	if b.FPS > 0 {
		return b.FPS
	}
	return 25
}

func (b *Builder) imageSize() int {
	if b.ImageSize > 0 {
		return b.ImageSize
	}
	return imageproc.DefaultSize
}

func (b *Builder) logger() *slog.Logger {
	if b.Logger != nil {
		return b.Logger
	}
	return slog.Default()
}
