// Package pipeline wraps the ffmpeg and ffprobe binaries used to split
// videos into frames and audio and to re-encode rendered frames.
package pipeline

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"os/exec"
	"path/filepath"
	"strconv"
	"strings"
)

const (
	// AudioSampleRate is the rate the feature extractors expect.
	AudioSampleRate = 16000
	DefaultFPS      = 25
)

type FFmpeg interface {
	Probe(ctx context.Context, filePath string) (*ProbeResult, error)
	// ExtractFrames writes every frame resampled to fps as outDir/%08d.png.
	ExtractFrames(ctx context.Context, videoPath, outDir string, fps int) error
	// ExtractAudio writes a 16 kHz mono 16-bit WAV.
	ExtractAudio(ctx context.Context, filePath, outputPath string) error
	// EncodeVideo encodes framesDir/%08d.png at fps, muxed with audioPath
	// when it is not empty.
	EncodeVideo(ctx context.Context, framesDir, audioPath, outputPath string, fps int) error
}

type ProbeResult struct {
	Duration    float64
	Width       int
	Height      int
	Codec       string
	Bitrate     int64
	FrameRate   float64
	AudioCodec  string
	AudioSample int
}

// RealFFmpeg runs the ffmpeg and ffprobe executables.
type RealFFmpeg struct {
	ffmpeg  string
	ffprobe string
	logger  *slog.Logger
}

// NewRealFFmpeg uses ffmpeg and ffprobe from PATH.
func NewRealFFmpeg(logger *slog.Logger) *RealFFmpeg {
	return NewRealFFmpegWithPaths("ffmpeg", "ffprobe", logger)
}

func NewRealFFmpegWithPaths(ffmpegPath, ffprobePath string, logger *slog.Logger) *RealFFmpeg {
	if logger == nil {
		logger = slog.Default()
	}
	return &RealFFmpeg{ffmpeg: ffmpegPath, ffprobe: ffprobePath, logger: logger}
}

// Available reports whether both binaries resolve on PATH.
func (f *RealFFmpeg) Available() error {
	for _, bin := range []string{f.ffmpeg, f.ffprobe} {
		if _, err := exec.LookPath(bin); err != nil {
			return fmt.Errorf("%s not found: %w", bin, err)
		}
	}
	return nil
}

func (f *RealFFmpeg) Probe(ctx context.Context, filePath string) (*ProbeResult, error) {
	cmd := exec.CommandContext(ctx, f.ffprobe,
		"-v", "error",
		"-print_format", "json",
		"-show_format", "-show_streams",
		filePath,
	)
	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr
	if err := cmd.Run(); err != nil {
		return nil, fmt.Errorf("ffprobe: %w: %s", err, strings.TrimSpace(stderr.String()))
	}
	return parseProbe(stdout.Bytes())
}

func (f *RealFFmpeg) ExtractFrames(ctx context.Context, videoPath, outDir string, fps int) error {
	if err := os.MkdirAll(outDir, 0o755); err != nil {
		return err
	}
	return f.run(ctx, "extract frames", extractFramesArgs(videoPath, outDir, fps))
}

func (f *RealFFmpeg) ExtractAudio(ctx context.Context, filePath, outputPath string) error {
	if err := os.MkdirAll(filepath.Dir(outputPath), 0o755); err != nil {
		return err
	}
	return f.run(ctx, "extract audio", extractAudioArgs(filePath, outputPath))
}

func (f *RealFFmpeg) EncodeVideo(ctx context.Context, framesDir, audioPath, outputPath string, fps int) error {
	if err := os.MkdirAll(filepath.Dir(outputPath), 0o755); err != nil {
		return err
	}
	return f.run(ctx, "encode video", encodeVideoArgs(framesDir, audioPath, outputPath, fps))
}

func (f *RealFFmpeg) run(ctx context.Context, what string, args []string) error {
	f.logger.Debug("running ffmpeg", "op", what)
	cmd := exec.CommandContext(ctx, f.ffmpeg, args...) //nolint:gosec
	var stderr bytes.Buffer
	cmd.Stderr = &stderr
	if err := cmd.Run(); err != nil {
		return fmt.Errorf("ffmpeg %s: %w: %s", what, err, strings.TrimSpace(stderr.String()))
	}
	return nil
}

func baseArgs() []string {
	return []string{"-hide_banner", "-loglevel", "error", "-y"}
}

func extractFramesArgs(videoPath, outDir string, fps int) []string {
	if fps <= 0 {
		fps = DefaultFPS
	}
	return append(baseArgs(),
		"-i", videoPath,
		"-vf", fmt.Sprintf("fps=%d", fps),
		"-start_number", "0",
		filepath.Join(outDir, "%08d.png"),
	)
}

func extractAudioArgs(filePath, outputPath string) []string {
	return append(baseArgs(),
		"-i", filePath,
		"-vn",
		"-ac", "1",
		"-ar", strconv.Itoa(AudioSampleRate),
		"-c:a", "pcm_s16le",
		outputPath,
	)
}

func encodeVideoArgs(framesDir, audioPath, outputPath string, fps int) []string {
	if fps <= 0 {
		fps = DefaultFPS
	}
	args := append(baseArgs(),
		"-framerate", strconv.Itoa(fps),
		"-i", filepath.Join(framesDir, "%08d.png"),
	)
	if audioPath != "" {
		args = append(args, "-i", audioPath, "-c:a", "aac", "-shortest")
	}
	return append(args,
		"-c:v", "libx264",
		"-pix_fmt", "yuv420p",
		"-vf", "pad=ceil(iw/2)*2:ceil(ih/2)*2",
		outputPath,
	)
}

type probeJSON struct {
	Format struct {
		Duration string `json:"duration"`
		BitRate  string `json:"bit_rate"`
	} `json:"format"`
	Streams []struct {
		CodecType    string `json:"codec_type"`
		CodecName    string `json:"codec_name"`
		Width        int    `json:"width"`
		Height       int    `json:"height"`
		AvgFrameRate string `json:"avg_frame_rate"`
		SampleRate   string `json:"sample_rate"`
	} `json:"streams"`
}

func parseProbe(data []byte) (*ProbeResult, error) {
	var raw probeJSON
	if err := json.Unmarshal(data, &raw); err != nil {
		return nil, fmt.Errorf("cannot parse ffprobe output: %w", err)
	}

	res := &ProbeResult{}
	res.Duration, _ = strconv.ParseFloat(raw.Format.Duration, 64)
	res.Bitrate, _ = strconv.ParseInt(raw.Format.BitRate, 10, 64)
	for _, s := range raw.Streams {
		switch s.CodecType {
		case "video":
			if res.Codec != "" {
				continue
			}
			res.Codec = s.CodecName
			res.Width = s.Width
			res.Height = s.Height
			res.FrameRate = parseRate(s.AvgFrameRate)
		case "audio":
			if res.AudioCodec != "" {
				continue
			}
			res.AudioCodec = s.CodecName
			res.AudioSample, _ = strconv.Atoi(s.SampleRate)
		}
	}
	return res, nil
}

// parseRate parses an ffprobe rational such as "30000/1001".
func parseRate(s string) float64 {
	num, den, ok := strings.Cut(s, "/")
	n, err := strconv.ParseFloat(num, 64)
	if err != nil {
		return 0
	}
	if !ok {
		return n
	}
	d, err := strconv.ParseFloat(den, 64)
	if err != nil || d == 0 {
		return 0
	}
	return n / d
}
