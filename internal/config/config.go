// Package config provides configuration management for the avatar agent.
// Values start at the defaults below, are overlaid by an optional YAML file
// named by AVATAR_AGENT_CONFIG, then by AVATAR_AGENT_* environment variables.
package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"time"

	"gopkg.in/yaml.v3"
)

const (
	// Default values
	DefaultPort      = 8787
	DefaultLogLevel  = "info"
	DefaultDataDir   = ".avatar-agent"
	DefaultBackend   = BackendONNX
	DefaultExtractor = "fast"
	DefaultFPS       = 25
	DefaultBatchSize = 8
	DefaultBBoxShift = 0
	DefaultWorkers   = 4
	DefaultThreads   = 0
	DefaultCacheSize = 4

	// Environment variable names
	EnvConfigFile = "AVATAR_AGENT_CONFIG"
	EnvPort       = "AVATAR_AGENT_PORT"
	EnvLogLevel   = "AVATAR_AGENT_LOG_LEVEL"
	EnvDataDir    = "AVATAR_AGENT_DATA_DIR"
	EnvBackend    = "AVATAR_AGENT_BACKEND"
	EnvExtractor  = "AVATAR_AGENT_EXTRACTOR"
	EnvFPS        = "AVATAR_AGENT_FPS"
	EnvBatchSize  = "AVATAR_AGENT_BATCH_SIZE"
	EnvBBoxShift  = "AVATAR_AGENT_BBOX_SHIFT"
	EnvWorkers    = "AVATAR_AGENT_WORKERS"
	EnvCacheSize  = "AVATAR_AGENT_CACHE_SIZE"

	EnvONNXLibrary = "AVATAR_AGENT_ONNX_LIBRARY"
	EnvONNXEncoder = "AVATAR_AGENT_ONNX_ENCODER"
	EnvONNXDecoder = "AVATAR_AGENT_ONNX_DECODER"
	EnvONNXUNet    = "AVATAR_AGENT_ONNX_UNET"
	EnvONNXWhisper = "AVATAR_AGENT_ONNX_WHISPER"
	EnvONNXThreads = "AVATAR_AGENT_ONNX_THREADS"

	// Pipeline environment variable names
	EnvPipelinesPython = "AVATAR_AGENT_PIPELINES_PYTHON"
	EnvPipelinesModule = "AVATAR_AGENT_PIPELINES_MODULE"

	// Database filename
	DBFilename = "avatar-agent.db"

	// Pipeline defaults
	DefaultPipelinesModule          = "avatar_workers"
	DefaultPipelinesTimeoutDoctor   = 30  // seconds
	DefaultPipelinesTimeoutFaces    = 120 // per frame
	DefaultPipelinesTimeoutModel    = 300 // per batch
	DefaultPipelinesTimeoutFeatures = 900 // per track
)

// Model backends.
const (
	BackendONNX   = "onnx"
	BackendPython = "python"
)

// Config defines the application configuration interface
type Config interface {
	Port() int
	LogLevel() string
	DataDir() string
	DBPath() string
	AvatarsDir() string
	Backend() string
	Extractor() string
	FPS() int
	BatchSize() int
	BBoxShift() int
	Workers() int
	CacheSize() int
	ONNX() ONNXPaths
	PipelinesPython() string
	PipelinesModule() string
	PipelinesTimeoutDoctor() time.Duration
	PipelinesTimeoutFaces() time.Duration
	PipelinesTimeoutModel() time.Duration
	PipelinesTimeoutFeatures() time.Duration
}

// ONNXPaths locates the runtime library and exported model files.
type ONNXPaths struct {
	Library string `yaml:"library"`
	Encoder string `yaml:"encoder"`
	Decoder string `yaml:"decoder"`
	UNet    string `yaml:"unet"`
	Whisper string `yaml:"whisper"`
	Threads int    `yaml:"threads"`
}

// fileConfig mirrors the YAML file. Zero values leave defaults in place.
type fileConfig struct {
	Port      int       `yaml:"port"`
	LogLevel  string    `yaml:"log_level"`
	DataDir   string    `yaml:"data_dir"`
	Backend   string    `yaml:"backend"`
	Extractor string    `yaml:"extractor"`
	FPS       int       `yaml:"fps"`
	BatchSize int       `yaml:"batch_size"`
	BBoxShift *int      `yaml:"bbox_shift"`
	Workers   int       `yaml:"workers"`
	CacheSize int       `yaml:"cache_size"`
	ONNX      ONNXPaths `yaml:"onnx"`
	Pipelines struct {
		Python string `yaml:"python"`
		Module string `yaml:"module"`
	} `yaml:"pipelines"`
}

// EnvConfig reads configuration from a YAML file and environment variables
type EnvConfig struct {
	port      int
	logLevel  string
	dataDir   string
	backend   string
	extractor string
	fps       int
	batchSize int
	bboxShift int
	workers   int
	cacheSize int
	onnx      ONNXPaths

	pipelinesPython string
	pipelinesModule string
}

// New creates a new EnvConfig with defaults, file and environment overrides
func New() (*EnvConfig, error) {
	cfg := &EnvConfig{
		port:      DefaultPort,
		logLevel:  DefaultLogLevel,
		dataDir:   defaultDataDir(),
		backend:   DefaultBackend,
		extractor: DefaultExtractor,
		fps:       DefaultFPS,
		batchSize: DefaultBatchSize,
		bboxShift: DefaultBBoxShift,
		workers:   DefaultWorkers,
		cacheSize: DefaultCacheSize,
		onnx:      ONNXPaths{Threads: DefaultThreads},
	}

	if path := os.Getenv(EnvConfigFile); path != "" {
		if err := cfg.loadFile(path); err != nil {
			return nil, err
		}
	}
	if err := cfg.loadEnv(); err != nil {
		return nil, err
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func (c *EnvConfig) loadFile(path string) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("read config file: %w", err)
	}
	var f fileConfig
	if err := yaml.Unmarshal(data, &f); err != nil {
		return fmt.Errorf("parse config file %s: %w", path, err)
	}

	setInt(&c.port, f.Port)
	setString(&c.logLevel, f.LogLevel)
	setString(&c.dataDir, f.DataDir)
	setString(&c.backend, f.Backend)
	setString(&c.extractor, f.Extractor)
	setInt(&c.fps, f.FPS)
	setInt(&c.batchSize, f.BatchSize)
	if f.BBoxShift != nil {
		c.bboxShift = *f.BBoxShift
	}
	setInt(&c.workers, f.Workers)
	setInt(&c.cacheSize, f.CacheSize)
	setString(&c.onnx.Library, f.ONNX.Library)
	setString(&c.onnx.Encoder, f.ONNX.Encoder)
	setString(&c.onnx.Decoder, f.ONNX.Decoder)
	setString(&c.onnx.UNet, f.ONNX.UNet)
	setString(&c.onnx.Whisper, f.ONNX.Whisper)
	setInt(&c.onnx.Threads, f.ONNX.Threads)
	setString(&c.pipelinesPython, f.Pipelines.Python)
	setString(&c.pipelinesModule, f.Pipelines.Module)
	return nil
}

func (c *EnvConfig) loadEnv() error {
	for _, s := range []struct {
		env string
		dst *string
	}{
		{EnvLogLevel, &c.logLevel},
		{EnvDataDir, &c.dataDir},
		{EnvBackend, &c.backend},
		{EnvExtractor, &c.extractor},
		{EnvONNXLibrary, &c.onnx.Library},
		{EnvONNXEncoder, &c.onnx.Encoder},
		{EnvONNXDecoder, &c.onnx.Decoder},
		{EnvONNXUNet, &c.onnx.UNet},
		{EnvONNXWhisper, &c.onnx.Whisper},
		{EnvPipelinesPython, &c.pipelinesPython},
		{EnvPipelinesModule, &c.pipelinesModule},
	} {
		setString(s.dst, os.Getenv(s.env))
	}

	for _, n := range []struct {
		env string
		dst *int
	}{
		{EnvPort, &c.port},
		{EnvFPS, &c.fps},
		{EnvBatchSize, &c.batchSize},
		{EnvBBoxShift, &c.bboxShift},
		{EnvWorkers, &c.workers},
		{EnvCacheSize, &c.cacheSize},
		{EnvONNXThreads, &c.onnx.Threads},
	} {
		v := os.Getenv(n.env)
		if v == "" {
			continue
		}
		i, err := strconv.Atoi(v)
		if err != nil {
			return fmt.Errorf("invalid %s: %w", n.env, err)
		}
		*n.dst = i
	}
	return nil
}

// Validate checks value ranges and cross-field requirements.
func (c *EnvConfig) Validate() error {
	var errs []error
	if c.port < 1 || c.port > 65535 {
		errs = append(errs, errors.New("port must be between 1 and 65535"))
	}
	switch c.logLevel {
	case "debug", "info", "warn", "error":
	default:
		errs = append(errs, fmt.Errorf("unknown log level %q", c.logLevel))
	}
	if c.backend != BackendONNX && c.backend != BackendPython {
		errs = append(errs, fmt.Errorf("backend must be %q or %q, got %q", BackendONNX, BackendPython, c.backend))
	}
	switch c.extractor {
	case "fast":
		if c.backend == BackendPython {
			errs = append(errs, errors.New("the fast extractor needs the onnx backend"))
		}
	case "finetuned":
	default:
		errs = append(errs, fmt.Errorf("extractor must be fast or finetuned, got %q", c.extractor))
	}
	if c.fps < 1 || 50%c.fps != 0 {
		errs = append(errs, fmt.Errorf("fps %d must divide the 50 Hz audio feature rate", c.fps))
	}
	if c.batchSize < 1 {
		errs = append(errs, errors.New("batch_size must be positive"))
	}
	if c.workers < 1 {
		errs = append(errs, errors.New("workers must be positive"))
	}
	if c.cacheSize < 1 {
		errs = append(errs, errors.New("cache_size must be positive"))
	}
	if c.onnx.Threads < 0 {
		errs = append(errs, errors.New("onnx threads must not be negative"))
	}
	return errors.Join(errs...)
}

func setString(dst *string, v string) {
	if v != "" {
		*dst = v
	}
}

func setInt(dst *int, v int) {
	if v != 0 {
		*dst = v
	}
}

// Port returns the HTTP server port
func (c *EnvConfig) Port() int {
	return c.port
}

// LogLevel returns the log level (debug, info, warn, error)
func (c *EnvConfig) LogLevel() string {
	return c.logLevel
}

// DataDir returns the data directory path
func (c *EnvConfig) DataDir() string {
	return c.dataDir
}

// DBPath returns the full path to the SQLite database file
func (c *EnvConfig) DBPath() string {
	return filepath.Join(c.dataDir, DBFilename)
}

// AvatarsDir holds one prepared directory per avatar.
func (c *EnvConfig) AvatarsDir() string {
	return filepath.Join(c.dataDir, "avatars")
}

func (c *EnvConfig) Backend() string   { return c.backend }
func (c *EnvConfig) Extractor() string { return c.extractor }
func (c *EnvConfig) FPS() int          { return c.fps }
func (c *EnvConfig) BatchSize() int    { return c.batchSize }
func (c *EnvConfig) BBoxShift() int    { return c.bboxShift }
func (c *EnvConfig) Workers() int      { return c.workers }
func (c *EnvConfig) CacheSize() int    { return c.cacheSize }

// ONNX returns model file locations. Relative paths resolve against the
// data directory.
func (c *EnvConfig) ONNX() ONNXPaths {
	p := c.onnx
	for _, s := range []*string{&p.Encoder, &p.Decoder, &p.UNet, &p.Whisper} {
		if *s != "" && !filepath.IsAbs(*s) {
			*s = filepath.Join(c.dataDir, "models", *s)
		}
	}
	return p
}

func (c *EnvConfig) PipelinesPython() string {
	return c.pipelinesPython
}

func (c *EnvConfig) PipelinesModule() string {
	if c.pipelinesModule != "" {
		return c.pipelinesModule
	}
	return DefaultPipelinesModule
}

func (c *EnvConfig) PipelinesTimeoutDoctor() time.Duration {
	return time.Duration(DefaultPipelinesTimeoutDoctor) * time.Second
}

func (c *EnvConfig) PipelinesTimeoutFaces() time.Duration {
	return time.Duration(DefaultPipelinesTimeoutFaces) * time.Second
}

func (c *EnvConfig) PipelinesTimeoutModel() time.Duration {
	return time.Duration(DefaultPipelinesTimeoutModel) * time.Second
}

func (c *EnvConfig) PipelinesTimeoutFeatures() time.Duration {
	return time.Duration(DefaultPipelinesTimeoutFeatures) * time.Second
}

// defaultDataDir returns the default data directory path
func defaultDataDir() string {
	home, err := os.UserHomeDir()
	if err != nil {
		// Fallback to current directory if home is not available
		return DefaultDataDir
	}
	return filepath.Join(home, DefaultDataDir)
}

// Version information (set at build time via ldflags)
var (
	Version   = "0.1.0"
	BuildTime = "unknown"
	GitCommit = "unknown"
)
