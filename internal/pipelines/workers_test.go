package pipelines

import (
	"context"
	"encoding/json"
	"errors"
	"image"
	"image/color"
	"os"
	"path/filepath"
	"slices"
	"testing"

	"github.com/heimdex/avatar-agent/internal/framestore"
	"github.com/heimdex/avatar-agent/internal/models"
	"github.com/heimdex/avatar-agent/internal/npy"
	"github.com/heimdex/avatar-agent/internal/tensor"
)

// fakeRunner stands in for the Python workers by writing the result files
// they would produce.
type fakeRunner struct {
	dir      string
	doctorFn func(ctx context.Context) (*Capabilities, error)
	noFace   bool
	failVAE  bool
	calls    []string
}

var meta = WorkerOutput{SchemaVersion: "1.0", WorkerVersion: "0.1.0", ModelVersion: "test"}

func writeJSON(path string, v any) error {
	b, err := json.Marshal(v)
	if err != nil {
		return err
	}
	return os.WriteFile(path, b, 0o644)
}

func (f *fakeRunner) RunDoctor(ctx context.Context) (*Capabilities, error) {
	return f.doctorFn(ctx)
}

func (f *fakeRunner) RunFaces(_ context.Context, imagePath, maskPath, outPath string) (RunResult, error) {
	f.calls = append(f.calls, "faces")
	if _, err := os.Stat(imagePath); err != nil {
		return RunResult{ExitCode: 1}, err
	}
	out := FaceOutput{WorkerOutput: meta, Found: !f.noFace, Box: [4]int{2, 3, 12, 13}}
	if !f.noFace {
		mask := image.NewGray(image.Rect(0, 0, 16, 16))
		mask.SetGray(5, 5, color.Gray{Y: 255})
		if err := framestore.WriteImage(maskPath, mask); err != nil {
			return RunResult{ExitCode: 1}, err
		}
		out.MaskPath = filepath.Base(maskPath)
	}
	return RunResult{OutputPath: outPath}, writeJSON(outPath, out)
}

// RunVAE halves the spatial size on encode and doubles it on decode.
func (f *fakeRunner) RunVAE(_ context.Context, op VAEOp, inPath, outPath string) (RunResult, error) {
	f.calls = append(f.calls, "vae "+string(op))
	if f.failVAE {
		return RunResult{ExitCode: 2}, ErrWorkerFailed
	}
	in, err := npy.LoadTensor(inPath)
	if err != nil {
		return RunResult{ExitCode: 1}, err
	}
	b, h, w := in.Shape[0], in.Shape[2], in.Shape[3]
	var out tensor.Tensor
	if op == VAEEncode {
		out = tensor.Zeros(b, 4, h/2, w/2)
	} else {
		out = tensor.Zeros(b, 3, h*2, w*2)
	}
	return f.writeTensor(outPath, out)
}

func (f *fakeRunner) RunUNet(_ context.Context, latentsPath, audioPath, outPath string) (RunResult, error) {
	f.calls = append(f.calls, "unet")
	lat, err := npy.LoadTensor(latentsPath)
	if err != nil {
		return RunResult{ExitCode: 1}, err
	}
	if _, err := npy.LoadTensor(audioPath); err != nil {
		return RunResult{ExitCode: 1}, err
	}
	return f.writeTensor(outPath, tensor.Zeros(lat.Shape[0], lat.Shape[1]/2, lat.Shape[2], lat.Shape[3]))
}

func (f *fakeRunner) RunFeatures(_ context.Context, _ string, _ int, outPath string) (RunResult, error) {
	f.calls = append(f.calls, "features")
	return f.writeTensor(outPath, tensor.Zeros(7, 10, 384))
}

func (f *fakeRunner) writeTensor(outPath string, t tensor.Tensor) (RunResult, error) {
	arr := filepath.Join(filepath.Dir(outPath), "out.npy")
	if err := npy.SaveTensor(arr, t); err != nil {
		return RunResult{ExitCode: 1}, err
	}
	out := TensorOutput{WorkerOutput: meta, ArrayPath: "out.npy", Shape: t.Shape}
	return RunResult{OutputPath: outPath}, writeJSON(outPath, out)
}

func (f *fakeRunner) ValidateOutput(path string, v any) error {
	r := &SubprocessRunner{cfg: DefaultConfig(f.dir, nil)}
	return r.ValidateOutput(path, v)
}

func (f *fakeRunner) ArtifactsDir() string {
	return f.dir
}

func TestWorkers_Detect(t *testing.T) {
	fr := &fakeRunner{dir: t.TempDir()}
	w := NewWorkers(fr)

	det, err := w.Detect(context.Background(), image.NewRGBA(image.Rect(0, 0, 16, 16)))
	if err != nil {
		t.Fatalf("Detect() error = %v", err)
	}
	if det.Box != image.Rect(2, 3, 12, 13) {
		t.Errorf("box = %v", det.Box)
	}
	if det.Mask == nil {
		t.Fatal("mask not loaded")
	}

	entries, _ := os.ReadDir(fr.dir)
	if len(entries) != 0 {
		t.Errorf("scratch dirs left behind: %d", len(entries))
	}
}

func TestWorkers_DetectNoFace(t *testing.T) {
	w := NewWorkers(&fakeRunner{dir: t.TempDir(), noFace: true})
	_, err := w.Detect(context.Background(), image.NewRGBA(image.Rect(0, 0, 16, 16)))
	if !errors.Is(err, models.ErrNoFace) {
		t.Errorf("Detect() error = %v, want ErrNoFace", err)
	}
}

func TestWorkers_EncodeGenerateDecode(t *testing.T) {
	fr := &fakeRunner{dir: t.TempDir()}
	w := NewWorkers(fr)
	ctx := context.Background()

	lat, err := w.Encode(ctx, tensor.Zeros(2, 3, 8, 8))
	if err != nil {
		t.Fatalf("Encode() error = %v", err)
	}
	if !slices.Equal(lat.Shape, []int{2, 4, 4, 4}) {
		t.Fatalf("latent shape = %v", lat.Shape)
	}

	pred, err := w.Generate(ctx, tensor.Zeros(2, 8, 4, 4), tensor.Zeros(2, 50, 384))
	if err != nil {
		t.Fatalf("Generate() error = %v", err)
	}
	if !slices.Equal(pred.Shape, []int{2, 4, 4, 4}) {
		t.Fatalf("prediction shape = %v", pred.Shape)
	}

	img, err := w.Decode(ctx, pred)
	if err != nil {
		t.Fatalf("Decode() error = %v", err)
	}
	if !slices.Equal(img.Shape, []int{2, 3, 8, 8}) {
		t.Errorf("image shape = %v", img.Shape)
	}

	want := []string{"vae encode", "unet", "vae decode"}
	if !slices.Equal(fr.calls, want) {
		t.Errorf("calls = %v, want %v", fr.calls, want)
	}
}

func TestWorkers_Extract(t *testing.T) {
	w := NewWorkers(&fakeRunner{dir: t.TempDir()})
	feats, err := w.Extract(context.Background(), "speech.wav", 25)
	if err != nil {
		t.Fatalf("Extract() error = %v", err)
	}
	if len(feats) != 7 || !slices.Equal(feats[0].Shape, []int{10, 384}) {
		t.Errorf("features = %d x %v", len(feats), feats[0].Shape)
	}
}

func TestWorkers_FailurePropagates(t *testing.T) {
	w := NewWorkers(&fakeRunner{dir: t.TempDir(), failVAE: true})
	_, err := w.Encode(context.Background(), tensor.Zeros(1, 3, 8, 8))
	if !errors.Is(err, ErrWorkerFailed) {
		t.Errorf("Encode() error = %v, want ErrWorkerFailed", err)
	}
}
