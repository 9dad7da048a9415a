package config

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
)

// clearEnv isolates a test from AVATAR_AGENT_* variables set by the caller.
func clearEnv(t *testing.T) {
	t.Helper()
	for _, kv := range os.Environ() {
		if name, _, _ := strings.Cut(kv, "="); strings.HasPrefix(name, "AVATAR_AGENT_") {
			t.Setenv(name, "")
		}
	}
	t.Setenv(EnvDataDir, t.TempDir())
}

func TestNew_Defaults(t *testing.T) {
	clearEnv(t)

	cfg, err := New()
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if cfg.Port() != DefaultPort || cfg.Backend() != BackendONNX || cfg.Extractor() != "fast" {
		t.Errorf("defaults = port %d backend %q extractor %q", cfg.Port(), cfg.Backend(), cfg.Extractor())
	}
	if cfg.FPS() != 25 || cfg.BatchSize() != DefaultBatchSize || cfg.CacheSize() != DefaultCacheSize {
		t.Errorf("fps %d batch %d cache %d", cfg.FPS(), cfg.BatchSize(), cfg.CacheSize())
	}
	if filepath.Base(cfg.DBPath()) != DBFilename {
		t.Errorf("DBPath = %q", cfg.DBPath())
	}
	if cfg.PipelinesModule() != DefaultPipelinesModule {
		t.Errorf("PipelinesModule = %q", cfg.PipelinesModule())
	}
}

func TestNew_EnvOverrides(t *testing.T) {
	clearEnv(t)
	t.Setenv(EnvPort, "9000")
	t.Setenv(EnvBackend, BackendPython)
	t.Setenv(EnvExtractor, "finetuned")
	t.Setenv(EnvBBoxShift, "-5")
	t.Setenv(EnvONNXThreads, "2")

	cfg, err := New()
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if cfg.Port() != 9000 || cfg.Backend() != BackendPython || cfg.Extractor() != "finetuned" {
		t.Errorf("got port %d backend %q extractor %q", cfg.Port(), cfg.Backend(), cfg.Extractor())
	}
	if cfg.BBoxShift() != -5 || cfg.ONNX().Threads != 2 {
		t.Errorf("bbox shift %d threads %d", cfg.BBoxShift(), cfg.ONNX().Threads)
	}
}

func TestNew_FileThenEnv(t *testing.T) {
	clearEnv(t)
	dir := t.TempDir()
	path := filepath.Join(dir, "agent.yaml")
	yaml := `
port: 8800
batch_size: 16
bbox_shift: 0
onnx:
  encoder: vae_enc.onnx
  decoder: /models/vae_dec.onnx
pipelines:
  module: custom_workers
`
	if err := os.WriteFile(path, []byte(yaml), 0o644); err != nil {
		t.Fatal(err)
	}
	t.Setenv(EnvConfigFile, path)
	t.Setenv(EnvDataDir, dir)
	t.Setenv(EnvBatchSize, "4")

	cfg, err := New()
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if cfg.Port() != 8800 {
		t.Errorf("Port = %d, want 8800 from file", cfg.Port())
	}
	if cfg.BatchSize() != 4 {
		t.Errorf("BatchSize = %d, want env override 4", cfg.BatchSize())
	}
	onnx := cfg.ONNX()
	if onnx.Encoder != filepath.Join(dir, "models", "vae_enc.onnx") {
		t.Errorf("relative encoder path = %q", onnx.Encoder)
	}
	if onnx.Decoder != "/models/vae_dec.onnx" {
		t.Errorf("absolute decoder path = %q", onnx.Decoder)
	}
	if cfg.PipelinesModule() != "custom_workers" {
		t.Errorf("PipelinesModule = %q", cfg.PipelinesModule())
	}
}

func TestNew_Invalid(t *testing.T) {
	tests := []struct {
		name string
		env  map[string]string
		want string
	}{
		{"port range", map[string]string{EnvPort: "70000"}, "port"},
		{"port not a number", map[string]string{EnvPort: "abc"}, EnvPort},
		{"backend", map[string]string{EnvBackend: "tensorflow"}, "backend"},
		{"extractor", map[string]string{EnvExtractor: "slow"}, "extractor"},
		{"fast needs onnx", map[string]string{EnvBackend: BackendPython}, "fast extractor"},
		{"fps", map[string]string{EnvFPS: "30"}, "fps"},
		{"batch", map[string]string{EnvBatchSize: "0"}, "batch_size"},
		{"log level", map[string]string{EnvLogLevel: "loud"}, "log level"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			clearEnv(t)
			for k, v := range tt.env {
				t.Setenv(k, v)
			}
			_, err := New()
			if err == nil || !strings.Contains(err.Error(), tt.want) {
				t.Errorf("err = %v, want mention of %q", err, tt.want)
			}
		})
	}
}

func TestNew_BadFile(t *testing.T) {
	clearEnv(t)
	path := filepath.Join(t.TempDir(), "agent.yaml")
	os.WriteFile(path, []byte("port: [1, 2"), 0o644)
	t.Setenv(EnvConfigFile, path)

	if _, err := New(); err == nil {
		t.Error("expected parse error")
	}
}
