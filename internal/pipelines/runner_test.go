package pipelines

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"
)

func TestRunResult_IsSuccess(t *testing.T) {
	tests := []struct {
		exitCode int
		want     bool
	}{
		{0, true},
		{1, false},
		{-1, false},
		{127, false},
	}
	for _, tt := range tests {
		r := RunResult{ExitCode: tt.exitCode}
		if got := r.IsSuccess(); got != tt.want {
			t.Errorf("RunResult{ExitCode: %d}.IsSuccess() = %v, want %v", tt.exitCode, got, tt.want)
		}
	}
}

func TestWorkerOutput_RequiredFieldsPresent(t *testing.T) {
	tests := []struct {
		name string
		out  WorkerOutput
		want bool
	}{
		{"all present", WorkerOutput{"1.0", "0.1.0", "sd-vae-ft-mse"}, true},
		{"missing schema", WorkerOutput{"", "0.1.0", "sd-vae-ft-mse"}, false},
		{"missing worker", WorkerOutput{"1.0", "", "sd-vae-ft-mse"}, false},
		{"missing model", WorkerOutput{"1.0", "0.1.0", ""}, false},
		{"all empty", WorkerOutput{}, false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := tt.out.RequiredFieldsPresent(); got != tt.want {
				t.Errorf("RequiredFieldsPresent() = %v, want %v", got, tt.want)
			}
		})
	}
}

func TestLimitedWriter_KeepsOnlyTail(t *testing.T) {
	var buf bytes.Buffer
	lw := &limitedWriter{w: &buf, limit: 10}

	lw.Write([]byte("hello"))
	if buf.String() != "hello" {
		t.Errorf("after short write got %q, want %q", buf.String(), "hello")
	}

	lw.Write([]byte(" world of test data"))
	got := buf.String()
	if len(got) > 10 {
		t.Errorf("buffer length %d exceeds limit 10", len(got))
	}

	want := " test data"
	if got != want {
		t.Errorf("after overflow got %q, want %q", got, want)
	}
}

func TestLimitedWriter_ExactLimit(t *testing.T) {
	var buf bytes.Buffer
	lw := &limitedWriter{w: &buf, limit: 5}

	n, err := lw.Write([]byte("12345"))
	if err != nil {
		t.Fatalf("Write error: %v", err)
	}
	if n != 5 {
		t.Errorf("Write returned %d, want 5", n)
	}
	if buf.String() != "12345" {
		t.Errorf("got %q, want %q", buf.String(), "12345")
	}
}

func TestTruncate(t *testing.T) {
	tests := []struct {
		input  string
		maxLen int
		want   string
	}{
		{"hello", 10, "hello"},
		{"hello", 5, "hello"},
		{"hello world", 5, "...world"},
	}
	for _, tt := range tests {
		got := truncate(tt.input, tt.maxLen)
		if got != tt.want {
			t.Errorf("truncate(%q, %d) = %q, want %q", tt.input, tt.maxLen, got, tt.want)
		}
	}
}

func TestResolvePython_PreferredNotFound(t *testing.T) {
	_, err := resolvePython("/nonexistent/python999")
	if err == nil {
		t.Fatal("expected error for nonexistent python")
	}
}

func TestResolvePython_AutoDetect(t *testing.T) {
	p, err := resolvePython("")
	if err != nil {
		t.Skipf("no python on PATH: %v", err)
	}
	if p == "" {
		t.Error("resolved python path is empty")
	}
}

func TestIsAvailable(t *testing.T) {
	deps := map[string]DepInfo{
		"cv2":          {Available: true, Version: "4.13"},
		"transformers": {Available: false, Error: "not installed"},
	}

	if !isAvailable(deps, "cv2") {
		t.Error("cv2 should be available")
	}
	if isAvailable(deps, "transformers") {
		t.Error("transformers should not be available")
	}
	if isAvailable(deps, "nonexistent") {
		t.Error("nonexistent should not be available")
	}
}

func TestDeriveCapabilities(t *testing.T) {
	caps := &Capabilities{
		Dependencies: map[string]DepInfo{
			"torch":            {Available: true},
			"diffusers":        {Available: true},
			"cv2":              {Available: true},
			"face_recognition": {Available: true},
			"transformers":     {Available: true},
		},
		Executables: map[string]DepInfo{},
	}
	deriveCapabilities(caps)

	if !caps.HasFaces || !caps.HasVAE || !caps.HasUNet {
		t.Errorf("caps = %+v, want faces, vae and unet", caps)
	}
	if caps.HasFeatures {
		t.Error("features need ffmpeg on PATH")
	}
	if !caps.Ready() {
		t.Error("Ready() = false, want true")
	}
	if caps.ProbedAt.IsZero() {
		t.Error("ProbedAt not set")
	}
	var none *Capabilities
	if none.Ready() {
		t.Error("nil capabilities must not be ready")
	}
}

func TestValidateOutput_ValidJSON(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "result.json")

	data := FaceOutput{
		WorkerOutput: WorkerOutput{
			SchemaVersion: "1.0",
			WorkerVersion: "0.1.0",
			ModelVersion:  "face_recognition-1.3",
		},
		Found: true,
		Box:   [4]int{10, 20, 110, 140},
	}
	b, _ := json.Marshal(data)
	os.WriteFile(path, b, 0644)

	cfg := DefaultConfig(dir, nil)
	r := &SubprocessRunner{cfg: cfg, python: "python3"}

	var out FaceOutput
	if err := r.ValidateOutput(path, &out); err != nil {
		t.Fatalf("ValidateOutput error: %v", err)
	}
	if !out.Found || out.Box != [4]int{10, 20, 110, 140} {
		t.Errorf("decoded output = %+v", out)
	}
}

func TestValidateOutput_MissingFields(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "result.json")

	data := map[string]string{"schema_version": "1.0"}
	b, _ := json.Marshal(data)
	os.WriteFile(path, b, 0644)

	cfg := DefaultConfig(dir, nil)
	r := &SubprocessRunner{cfg: cfg, python: "python3"}

	err := r.ValidateOutput(path, nil)
	if err == nil {
		t.Fatal("expected error for missing fields")
	}
	if !strings.Contains(err.Error(), "worker_version") {
		t.Errorf("error %q should name worker_version", err)
	}
}

func TestValidateOutput_FileNotFound(t *testing.T) {
	dir := t.TempDir()
	cfg := DefaultConfig(dir, nil)
	r := &SubprocessRunner{cfg: cfg, python: "python3"}

	err := r.ValidateOutput(filepath.Join(dir, "nonexistent.json"), nil)
	if err == nil {
		t.Fatal("expected error for missing file")
	}
}

func TestCachedDoctor_TTL(t *testing.T) {
	calls := 0
	fake := &fakeRunner{
		doctorFn: func(ctx context.Context) (*Capabilities, error) {
			calls++
			return &Capabilities{
				HasFaces: true,
				HasVAE:   false,
				ProbedAt: time.Now(),
				Summary:   SummaryInfo{Available: 5, Total: 9},
			}, nil
		},
	}

	doc := NewCachedDoctor(fake, nil)
	doc.ttl = 100 * time.Millisecond
	ctx := context.Background()

	caps1, err := doc.Get(ctx)
	if err != nil {
		t.Fatalf("first Get: %v", err)
	}
	if !caps1.HasFaces {
		t.Error("expected HasFaces=true")
	}
	if calls != 1 {
		t.Errorf("expected 1 call, got %d", calls)
	}

	caps2, err := doc.Get(ctx)
	if err != nil {
		t.Fatalf("second Get: %v", err)
	}
	if caps2.ProbedAt != caps1.ProbedAt {
		t.Error("expected cached result on second call")
	}
	if calls != 1 {
		t.Errorf("expected 1 call (cached), got %d", calls)
	}

	time.Sleep(150 * time.Millisecond)

	_, err = doc.Get(ctx)
	if err != nil {
		t.Fatalf("third Get (after TTL): %v", err)
	}
	if calls != 2 {
		t.Errorf("expected 2 calls after TTL expiry, got %d", calls)
	}
}

func TestCachedDoctor_Invalidate(t *testing.T) {
	calls := 0
	fake := &fakeRunner{
		doctorFn: func(ctx context.Context) (*Capabilities, error) {
			calls++
			return &Capabilities{ProbedAt: time.Now()}, nil
		},
	}

	doc := NewCachedDoctor(fake, nil)
	ctx := context.Background()

	doc.Get(ctx)
	if calls != 1 {
		t.Fatalf("expected 1 call, got %d", calls)
	}

	doc.Invalidate()
	doc.Get(ctx)
	if calls != 2 {
		t.Errorf("expected 2 calls after Invalidate, got %d", calls)
	}
}

func TestSafePath_DebugMode(t *testing.T) {
	r := &SubprocessRunner{
		cfg: Config{DebugPaths: true},
	}
	path := "/Users/test/secret/file.json"
	if got := r.safePath(path); got != path {
		t.Errorf("debug mode: safePath(%q) = %q, want full path", path, got)
	}
}

func TestSafePath_ProductionMode(t *testing.T) {
	r := &SubprocessRunner{
		cfg: Config{DebugPaths: false},
	}
	home, err := os.UserHomeDir()
	if err != nil {
		t.Skip("cannot determine home dir")
	}
	path := filepath.Join(home, ".avatar-agent", "artifacts", "result.json")
	got := r.safePath(path)
	if got == path {
		t.Errorf("production mode should sanitise path, got full path: %q", got)
	}
	if got != "~/.avatar-agent/artifacts/result.json" {
		t.Errorf("safePath() = %q, want %q", got, "~/.avatar-agent/artifacts/result.json")
	}
}

func TestCachedDoctor_StaleOnFailureKeepsUNet(t *testing.T) {
	fail := false
	fake := &fakeRunner{
		doctorFn: func(ctx context.Context) (*Capabilities, error) {
			if fail {
				return nil, errors.New("python crashed")
			}
			return &Capabilities{HasUNet: true, ProbedAt: time.Now()}, nil
		},
	}

	doc := NewCachedDoctor(fake, nil)
	if _, err := doc.Refresh(context.Background()); err != nil {
		t.Fatalf("Refresh: %v", err)
	}
	fail = true
	caps, err := doc.Refresh(context.Background())
	if err != nil {
		t.Fatalf("Refresh after failure should return stale cache, got %v", err)
	}
	if !caps.HasUNet {
		t.Error("expected stale capabilities")
	}

	doc.Invalidate()
	if _, err := doc.Refresh(context.Background()); err == nil {
		t.Error("Refresh with empty cache should surface the error")
	}
}
