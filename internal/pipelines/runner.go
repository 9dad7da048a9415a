package pipelines

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/exec"
	"path/filepath"
	"strconv"
	"strings"
	"time"
)

const (
	maxStderrBytes = 8 * 1024 // 8 KB tail of stderr kept for diagnostics
)

// Runner executes Python worker commands as subprocesses.
type Runner interface {
	// RunDoctor executes `python -m <module> doctor --json --out <path>` and
	// returns parsed capabilities.
	RunDoctor(ctx context.Context) (*Capabilities, error)

	// RunFaces locates the face in one frame image and writes its landmark
	// mask to maskPath.
	RunFaces(ctx context.Context, imagePath, maskPath, outPath string) (RunResult, error)

	// RunVAE encodes or decodes a tensor batch stored as .npy.
	RunVAE(ctx context.Context, op VAEOp, inPath, outPath string) (RunResult, error)

	// RunUNet predicts latents from dual latents and audio windows.
	RunUNet(ctx context.Context, latentsPath, audioPath, outPath string) (RunResult, error)

	// RunFeatures extracts per-frame fine-tuned whisper features from audio.
	RunFeatures(ctx context.Context, audioPath string, fps int, outPath string) (RunResult, error)

	// ValidateOutput reads a worker output JSON into v and checks the
	// required metadata fields.
	ValidateOutput(path string, v any) error

	// ArtifactsDir returns the base directory for worker exchange files.
	ArtifactsDir() string
}

type VAEOp string

const (
	VAEEncode VAEOp = "encode"
	VAEDecode VAEOp = "decode"
)

// Config holds the runner's configuration.
type Config struct {
	PythonPath      string        // path to python binary; empty = auto-detect
	ModuleName      string        // default "avatar_workers"
	ArtifactsBase   string        // base dir for exchange files
	DoctorTimeout   time.Duration // timeout for doctor command
	FacesTimeout    time.Duration // timeout per face detection
	ModelTimeout    time.Duration // timeout per VAE or UNet batch
	FeaturesTimeout time.Duration // timeout for feature extraction of one track
	Logger          *slog.Logger
	DebugPaths      bool // if true, log full file paths; otherwise sanitise
}

// DefaultConfig returns production-ready defaults.
func DefaultConfig(dataDir string, logger *slog.Logger) Config {
	return Config{
		PythonPath:      "", // auto-detect
		ModuleName:      "avatar_workers",
		ArtifactsBase:   filepath.Join(dataDir, "artifacts"),
		DoctorTimeout:   30 * time.Second,
		FacesTimeout:    2 * time.Minute,
		ModelTimeout:    5 * time.Minute,
		FeaturesTimeout: 15 * time.Minute,
		Logger:          logger,
		DebugPaths:      false,
	}
}

// SubprocessRunner is the production implementation of Runner.
type SubprocessRunner struct {
	cfg    Config
	python string // resolved python path
}

// NewRunner creates a SubprocessRunner, resolving the Python binary path.
func NewRunner(cfg Config) (*SubprocessRunner, error) {
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	python, err := resolvePython(cfg.PythonPath)
	if err != nil {
		return nil, fmt.Errorf("cannot locate python: %w", err)
	}

	if err := os.MkdirAll(cfg.ArtifactsBase, 0755); err != nil {
		return nil, fmt.Errorf("cannot create artifacts dir: %w", err)
	}

	cfg.Logger.Info("worker runner initialised",
		"python", python,
		"module", cfg.ModuleName,
		"artifacts_dir", cfg.ArtifactsBase,
	)

	return &SubprocessRunner{cfg: cfg, python: python}, nil
}

func (r *SubprocessRunner) ArtifactsDir() string {
	return r.cfg.ArtifactsBase
}

// RunDoctor probes the installed worker environment.
func (r *SubprocessRunner) RunDoctor(ctx context.Context) (*Capabilities, error) {
	outPath := filepath.Join(r.cfg.ArtifactsBase, ".doctor.json")

	ctx, cancel := context.WithTimeout(ctx, r.cfg.DoctorTimeout)
	defer cancel()

	result := r.exec(ctx, outPath, "doctor", "--json", "--out", outPath)
	if !result.IsSuccess() {
		return nil, fmt.Errorf("doctor exited %d: %s", result.ExitCode, result.StderrTail)
	}

	data, err := os.ReadFile(outPath)
	if err != nil {
		return nil, fmt.Errorf("cannot read doctor output: %w", err)
	}

	var caps Capabilities
	if err := json.Unmarshal(data, &caps); err != nil {
		return nil, fmt.Errorf("cannot parse doctor JSON: %w", err)
	}
	deriveCapabilities(&caps)

	r.cfg.Logger.Info("doctor probe complete",
		"faces", caps.HasFaces,
		"vae", caps.HasVAE,
		"unet", caps.HasUNet,
		"features", caps.HasFeatures,
		"cuda", caps.GPU.CUDAAvailable,
		"deps_available", caps.Summary.Available,
		"deps_total", caps.Summary.Total,
	)

	return &caps, nil
}

func deriveCapabilities(caps *Capabilities) {
	torch := isAvailable(caps.Dependencies, "torch")
	caps.HasFaces = isAvailable(caps.Dependencies, "cv2") &&
		isAvailable(caps.Dependencies, "face_recognition")
	caps.HasVAE = torch && isAvailable(caps.Dependencies, "diffusers")
	caps.HasUNet = torch
	caps.HasFeatures = torch && isAvailable(caps.Dependencies, "transformers") &&
		isAvailable(caps.Executables, "ffmpeg")
	caps.ProbedAt = time.Now()
}

func (r *SubprocessRunner) RunFaces(ctx context.Context, imagePath, maskPath, outPath string) (RunResult, error) {
	ctx, cancel := context.WithTimeout(ctx, r.cfg.FacesTimeout)
	defer cancel()

	return r.check(r.exec(ctx, outPath,
		"faces", "detect",
		"--image", imagePath,
		"--mask-out", maskPath,
		"--out", outPath,
	))
}

func (r *SubprocessRunner) RunVAE(ctx context.Context, op VAEOp, inPath, outPath string) (RunResult, error) {
	ctx, cancel := context.WithTimeout(ctx, r.cfg.ModelTimeout)
	defer cancel()

	return r.check(r.exec(ctx, outPath,
		"vae", string(op),
		"--in", inPath,
		"--out", outPath,
	))
}

func (r *SubprocessRunner) RunUNet(ctx context.Context, latentsPath, audioPath, outPath string) (RunResult, error) {
	ctx, cancel := context.WithTimeout(ctx, r.cfg.ModelTimeout)
	defer cancel()

	return r.check(r.exec(ctx, outPath,
		"unet", "predict",
		"--latents", latentsPath,
		"--audio", audioPath,
		"--out", outPath,
	))
}

func (r *SubprocessRunner) RunFeatures(ctx context.Context, audioPath string, fps int, outPath string) (RunResult, error) {
	ctx, cancel := context.WithTimeout(ctx, r.cfg.FeaturesTimeout)
	defer cancel()

	return r.check(r.exec(ctx, outPath,
		"features", "extract",
		"--audio", audioPath,
		"--fps", strconv.Itoa(fps),
		"--out", outPath,
	))
}

// ValidateOutput reads a worker JSON output and checks required metadata fields.
func (r *SubprocessRunner) ValidateOutput(path string, v any) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("cannot read output file %s: %w", r.safePath(path), err)
	}

	var meta WorkerOutput
	if err := json.Unmarshal(data, &meta); err != nil {
		return fmt.Errorf("cannot parse output JSON: %w", err)
	}
	if !meta.RequiredFieldsPresent() {
		missing := []string{}
		if meta.SchemaVersion == "" {
			missing = append(missing, "schema_version")
		}
		if meta.WorkerVersion == "" {
			missing = append(missing, "worker_version")
		}
		if meta.ModelVersion == "" {
			missing = append(missing, "model_version")
		}
		return fmt.Errorf("worker output missing required fields: %s", strings.Join(missing, ", "))
	}

	if v != nil {
		if err := json.Unmarshal(data, v); err != nil {
			return fmt.Errorf("cannot parse output JSON: %w", err)
		}
	}
	return nil
}

// ErrWorkerFailed is wrapped by errors from a non-zero worker exit.
var ErrWorkerFailed = errors.New("worker failed")

func (r *SubprocessRunner) check(result RunResult) (RunResult, error) {
	if !result.IsSuccess() {
		return result, fmt.Errorf("%w: exit %d: %s", ErrWorkerFailed, result.ExitCode, truncate(result.StderrTail, 512))
	}
	return result, nil
}

// exec is the core subprocess execution helper.
func (r *SubprocessRunner) exec(ctx context.Context, outPath string, args ...string) RunResult {
	start := time.Now()

	if outPath != "" {
		if err := os.MkdirAll(filepath.Dir(outPath), 0755); err != nil {
			r.cfg.Logger.Error("cannot create output dir", "error", err)
			return RunResult{ExitCode: -1, StderrTail: err.Error(), Duration: time.Since(start)}
		}
	}

	cmdArgs := append([]string{"-m", r.cfg.ModuleName}, args...)
	cmd := exec.CommandContext(ctx, r.python, cmdArgs...)

	var stderrBuf bytes.Buffer
	cmd.Stderr = io.Writer(&limitedWriter{w: &stderrBuf, limit: maxStderrBytes})
	cmd.Stdout = io.Discard // workers write to --out, not stdout

	r.cfg.Logger.Debug("executing worker command", "args", args[:min(2, len(args))])

	err := cmd.Run()
	elapsed := time.Since(start)

	exitCode := 0
	if err != nil {
		var exitErr *exec.ExitError
		if errors.As(err, &exitErr) {
			exitCode = exitErr.ExitCode()
		} else {
			exitCode = -1
			stderrBuf.WriteString(err.Error())
		}
	}

	stderrTail := stderrBuf.String()

	if exitCode != 0 {
		r.cfg.Logger.Warn("worker command failed",
			"command", args[0],
			"exit_code", exitCode,
			"duration_ms", elapsed.Milliseconds(),
			"stderr_tail", truncate(stderrTail, 512),
		)
	} else {
		r.cfg.Logger.Debug("worker command succeeded",
			"command", args[0],
			"duration_ms", elapsed.Milliseconds(),
			"output", r.safePath(outPath),
		)
	}

	return RunResult{
		ExitCode:   exitCode,
		OutputPath: outPath,
		StderrTail: stderrTail,
		Duration:   elapsed,
	}
}

func (r *SubprocessRunner) safePath(path string) string {
	if r.cfg.DebugPaths {
		return path
	}
	home, err := os.UserHomeDir()
	if err != nil {
		return filepath.Base(path)
	}
	if strings.HasPrefix(path, home) {
		return "~" + path[len(home):]
	}
	return filepath.Base(path)
}

// resolvePython finds a usable python binary.
func resolvePython(preferred string) (string, error) {
	if preferred != "" {
		if p, err := exec.LookPath(preferred); err == nil {
			return p, nil
		}
		return "", fmt.Errorf("configured python %q not found", preferred)
	}
	for _, name := range []string{"python3", "python"} {
		if p, err := exec.LookPath(name); err == nil {
			return p, nil
		}
	}
	return "", fmt.Errorf("no python binary found on PATH (tried python3, python)")
}

func isAvailable(deps map[string]DepInfo, name string) bool {
	d, ok := deps[name]
	return ok && d.Available
}

func truncate(s string, maxLen int) string {
	if len(s) <= maxLen {
		return s
	}
	return "..." + s[len(s)-maxLen:]
}

// limitedWriter is an io.Writer that keeps only the last `limit` bytes.
type limitedWriter struct {
	w     *bytes.Buffer
	limit int
}

func (lw *limitedWriter) Write(p []byte) (int, error) {
	n := len(p)
	lw.w.Write(p)
	if lw.w.Len() > lw.limit {
		b := lw.w.Bytes()
		lw.w.Reset()
		lw.w.Write(b[len(b)-lw.limit:])
	}
	return n, nil
}
