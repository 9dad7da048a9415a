package commands

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"path/filepath"

	"github.com/heimdex/avatar-agent/internal/avatar"
	"github.com/heimdex/avatar-agent/internal/config"
	"github.com/heimdex/avatar-agent/internal/models"
	"github.com/heimdex/avatar-agent/internal/onnx"
	"github.com/heimdex/avatar-agent/internal/pipeline"
	"github.com/heimdex/avatar-agent/internal/pipelines"
	"github.com/heimdex/avatar-agent/internal/render"
)

var errNoWorkers = errors.New("python workers unavailable; set AVATAR_AGENT_PIPELINES_PYTHON or run `avatar-agent doctor`")

// stack is the set of collaborators every command draws from.
type stack struct {
	cfg    config.Config
	logger *slog.Logger

	ffmpeg  *pipeline.RealFFmpeg
	workers *pipelines.Workers
	doctor  *pipelines.CachedDoctor
	models  *onnx.Models

	extractor models.FeatureExtractor

	studio *render.Studio
	close  func()
}

func pipelinesConfig(cfg config.Config, logger *slog.Logger) pipelines.Config {
	pc := pipelines.DefaultConfig(cfg.DataDir(), logger)
	pc.PythonPath = cfg.PipelinesPython()
	pc.ModuleName = cfg.PipelinesModule()
	pc.DoctorTimeout = cfg.PipelinesTimeoutDoctor()
	pc.FacesTimeout = cfg.PipelinesTimeoutFaces()
	pc.ModelTimeout = cfg.PipelinesTimeoutModel()
	pc.FeaturesTimeout = cfg.PipelinesTimeoutFeatures()
	return pc
}

// newStack wires the configured backend. A missing Python interpreter is not
// fatal: the stack is returned without a studio and commands that need one
// report errNoWorkers.
func newStack(cfg config.Config, logger *slog.Logger) (*stack, error) {
	s := &stack{cfg: cfg, logger: logger, close: func() {}}

	s.ffmpeg = pipeline.NewRealFFmpeg(logger)
	if err := s.ffmpeg.Available(); err != nil {
		return nil, err
	}

	pr, err := pipelines.NewRunner(pipelinesConfig(cfg, logger))
	if err != nil {
		logger.Warn("python workers unavailable", "error", err)
	} else {
		s.workers = pipelines.NewWorkers(pr)
		s.doctor = pipelines.NewCachedDoctor(pr, logger)
	}

	var (
		encoder   models.Encoder
		decoder   models.Decoder
		generator models.Generator
		extractor models.FeatureExtractor
	)
	if s.workers != nil {
		encoder, decoder, generator, extractor = s.workers, s.workers, s.workers, s.workers
	}

	if cfg.Backend() == config.BackendONNX {
		paths := cfg.ONNX()
		m, err := onnx.Load(onnx.Config{
			LibraryPath: paths.Library,
			EncoderPath: paths.Encoder,
			DecoderPath: paths.Decoder,
			UNetPath:    paths.UNet,
			WhisperPath: paths.Whisper,
			Threads:     paths.Threads,
		})
		if err != nil {
			return nil, fmt.Errorf("failed to load onnx models: %w", err)
		}
		s.models = m
		s.close = func() {
			m.Close()
			onnx.Shutdown()
		}
		encoder, decoder, generator = m, m, m
	}

	if cfg.Extractor() == models.ExtractorFast {
		if s.models == nil || s.models.Features == nil {
			s.close()
			return nil, errors.New("the fast extractor needs onnx.whisper to be configured")
		}
		extractor = s.models.Features
	}

	s.extractor = extractor

	if s.workers == nil {
		// face detection only exists as a Python worker
		return s, nil
	}

	preparer := &avatar.Preparer{
		Root:      cfg.AvatarsDir(),
		Frames:    s.ffmpeg,
		Detector:  s.workers,
		Encoder:   encoder,
		Workers:   cfg.Workers(),
		BBoxShift: cfg.BBoxShift(),
		FPS:       cfg.FPS(),
		Logger:    logger,
	}
	renderer := &render.Renderer{
		Media:     s.ffmpeg,
		Extractor: extractor,
		Generator: generator,
		Decoder:   decoder,
		BatchSize: cfg.BatchSize(),
		FPS:       cfg.FPS(),
		Logger:    logger,
	}
	s.studio, err = render.NewStudio(preparer, renderer, cfg.CacheSize(), logger)
	if err != nil {
		s.close()
		return nil, err
	}
	return s, nil
}

func (s *stack) requireStudio() error {
	if s.studio == nil {
		return errNoWorkers
	}
	return nil
}

// probe refreshes worker capabilities, logging rather than failing.
func (s *stack) probe(ctx context.Context) *pipelines.Capabilities {
	if s.doctor == nil {
		return nil
	}
	ctx, cancel := context.WithTimeout(ctx, s.cfg.PipelinesTimeoutDoctor())
	defer cancel()
	caps, err := s.doctor.Refresh(ctx)
	if err != nil {
		s.logger.Warn("worker probe failed", "error", err)
		return nil
	}
	s.logger.Info("worker capabilities detected",
		"faces", caps.HasFaces,
		"vae", caps.HasVAE,
		"unet", caps.HasUNet,
		"features", caps.HasFeatures,
		"deps", fmt.Sprintf("%d/%d", caps.Summary.Available, caps.Summary.Total),
	)
	return caps
}

func stem(path string) string {
	base := filepath.Base(path)
	return base[:len(base)-len(filepath.Ext(base))]
}
