package avatar

import (
	"context"
	"encoding/binary"
	"errors"
	"image"
	"image/color"
	"os"
	"path/filepath"
	"slices"
	"strings"
	"sync/atomic"
	"testing"

	"github.com/heimdex/avatar-agent/internal/framestore"
	"github.com/heimdex/avatar-agent/internal/models"
	"github.com/heimdex/avatar-agent/internal/npy"
	"github.com/heimdex/avatar-agent/internal/tensor"
)

type fakeFrames struct {
	count int
	calls atomic.Int32
}

func (f *fakeFrames) ExtractFrames(_ context.Context, _, outDir string, _ int) error {
	f.calls.Add(1)
	for i := 0; i < f.count; i++ {
		img := image.NewRGBA(image.Rect(0, 0, 32, 24))
		for p := range img.Pix {
			img.Pix[p] = uint8(10 * (i + 1))
		}
		if err := framestore.WriteImage(filepath.Join(outDir, framestore.FrameName(i, ".png")), img); err != nil {
			return err
		}
	}
	return nil
}

type fakeDetector struct {
	box      image.Rectangle
	failAt   int32
	detected atomic.Int32
}

func (d *fakeDetector) Detect(_ context.Context, _ image.Image) (models.Detection, error) {
	n := d.detected.Add(1)
	if d.failAt > 0 && n == d.failAt {
		return models.Detection{}, models.ErrNoFace
	}
	return models.Detection{Box: d.box}, nil
}

// fakeEncoder returns a (B,4,2,2) latent filled with the mean input value.
type fakeEncoder struct{}

func (fakeEncoder) Encode(_ context.Context, images tensor.Tensor) (tensor.Tensor, error) {
	var sum float32
	for _, v := range images.Data {
		sum += v
	}
	out := tensor.Zeros(images.Shape[0], 4, 2, 2)
	for i := range out.Data {
		out.Data[i] = sum / float32(len(images.Data))
	}
	return out, nil
}

func newPreparer(t *testing.T, frames int, det *fakeDetector) (*Preparer, *fakeFrames) {
	t.Helper()
	ff := &fakeFrames{count: frames}
	return &Preparer{
		Root:      t.TempDir(),
		Frames:    ff,
		Detector:  det,
		Encoder:   fakeEncoder{},
		Workers:   2,
		BBoxShift: 2,
		ImageSize: 8,
	}, ff
}

func TestPalindrome(t *testing.T) {
	got := Palindrome([]int{1, 2, 3})
	if !slices.Equal(got, []int{1, 2, 3, 3, 2, 1}) {
		t.Errorf("Palindrome() = %v", got)
	}
	if len(Palindrome([]int{})) != 0 {
		t.Error("Palindrome of empty slice should be empty")
	}
}

func TestBox_Expand(t *testing.T) {
	bounds := image.Rect(0, 0, 20, 20)
	tests := []struct {
		name string
		box  Box
		want Box
	}{
		{"inside", Box{5, 5, 10, 10}, Box{3, 3, 12, 12}},
		{"clamped low", Box{1, 0, 10, 10}, Box{0, 0, 12, 12}},
		{"clamped high", Box{10, 10, 19, 20}, Box{8, 8, 20, 20}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := tt.box.Expand(2, bounds); got != tt.want {
				t.Errorf("Expand() = %v, want %v", got, tt.want)
			}
		})
	}
}

func TestState_Advance(t *testing.T) {
	st := &State{Coords: make([]Box, 6)}
	tests := []struct {
		idx, n, want int
	}{
		{0, 1, 1},
		{5, 1, 0},
		{4, 7, 5},
		{0, -1, 5},
		{2, 12, 2},
	}
	for _, tt := range tests {
		if got := st.Advance(tt.idx, tt.n); got != tt.want {
			t.Errorf("Advance(%d, %d) = %d, want %d", tt.idx, tt.n, got, tt.want)
		}
	}
	if st.NextIndex(5) != 0 {
		t.Error("NextIndex() must wrap at the cycle end")
	}
}

func TestPrepare_BuildsPalindromicCycle(t *testing.T) {
	det := &fakeDetector{box: image.Rect(8, 6, 24, 20)}
	p, _ := newPreparer(t, 3, det)

	var lastDone, lastTotal int
	p.Progress = func(done, total int) { lastDone, lastTotal = done, total }

	st, err := p.Prepare(context.Background(), "alice", "alice.mp4")
	if err != nil {
		t.Fatalf("Prepare() error = %v", err)
	}
	if st.Len() != 6 {
		t.Fatalf("Len() = %d, want 6", st.Len())
	}
	if lastDone != 3 || lastTotal != 3 {
		t.Errorf("progress = %d/%d, want 3/3", lastDone, lastTotal)
	}

	for i := 0; i < st.Len(); i++ {
		j := st.Len() - 1 - i
		if st.Coords[i] != st.Coords[j] {
			t.Errorf("coords %d and %d differ", i, j)
		}
		if st.Frames[i] != st.Frames[j] {
			t.Errorf("frames %d and %d are not the same element", i, j)
		}
		if !slices.Equal(st.Latents[i].Data, st.Latents[j].Data) {
			t.Errorf("latents %d and %d differ", i, j)
		}
	}
	if want := (Box{6, 4, 26, 22}); st.Coords[0] != want {
		t.Errorf("coords[0] = %v, want %v", st.Coords[0], want)
	}

	if !slices.Equal(st.Latents[0].Shape, []int{8, 2, 2}) {
		t.Fatalf("latent shape = %v, want [8 2 2]", st.Latents[0].Shape)
	}
	// the reference half is shared by every frame
	ref := st.Latents[0].Data[16:]
	for i, l := range st.Latents {
		if !slices.Equal(l.Data[16:], ref) {
			t.Errorf("latent %d has a different reference half", i)
		}
	}

	layout := p.Layout("alice")
	if !IsPrepared(layout) {
		t.Error("sentinel missing after Prepare()")
	}
	info, err := ReadInfo(layout)
	if err != nil {
		t.Fatalf("ReadInfo() error = %v", err)
	}
	if info.Frames != 3 || info.CycleLen != 6 {
		t.Errorf("info = %+v", info)
	}
	masks, _ := framestore.ListImages(layout.MasksDir())
	if len(masks) != 3 {
		t.Errorf("mask files = %d, want 3", len(masks))
	}
}

func TestPrepare_NoFaceRemovesDirectory(t *testing.T) {
	det := &fakeDetector{box: image.Rect(8, 6, 24, 20), failAt: 2}
	p, _ := newPreparer(t, 3, det)

	_, err := p.Prepare(context.Background(), "bob", "bob.mp4")
	if !errors.Is(err, ErrNoFace) {
		t.Fatalf("Prepare() error = %v, want ErrNoFace", err)
	}
	if _, statErr := os.Stat(p.Layout("bob").Root); !os.IsNotExist(statErr) {
		t.Error("avatar directory should be removed after a failed preparation")
	}
}

func TestLoad_RoundTrip(t *testing.T) {
	det := &fakeDetector{box: image.Rect(8, 6, 24, 20)}
	p, _ := newPreparer(t, 4, det)

	prepared, err := p.Prepare(context.Background(), "carol", "carol.mp4")
	if err != nil {
		t.Fatalf("Prepare() error = %v", err)
	}

	loaded, err := Load(context.Background(), "carol", p.Layout("carol"), 2)
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}
	if loaded.Len() != prepared.Len() {
		t.Fatalf("Len() = %d, want %d", loaded.Len(), prepared.Len())
	}
	if !slices.Equal(loaded.Coords, prepared.Coords) {
		t.Error("coords differ after load")
	}
	for i := range loaded.Latents {
		if !slices.Equal(loaded.Latents[i].Data, prepared.Latents[i].Data) {
			t.Fatalf("latent %d differs after load", i)
		}
	}
	if len(loaded.Masks) != loaded.Len() {
		t.Errorf("masks = %d, want %d", len(loaded.Masks), loaded.Len())
	}
}

func TestLoad_NotPrepared(t *testing.T) {
	layout := NewLayout(t.TempDir(), "nobody")
	if _, err := Load(context.Background(), "nobody", layout, 1); !errors.Is(err, ErrNotPrepared) {
		t.Errorf("Load() error = %v, want ErrNotPrepared", err)
	}
}

func TestLoad_CorruptCoords(t *testing.T) {
	det := &fakeDetector{box: image.Rect(8, 6, 24, 20)}
	p, _ := newPreparer(t, 2, det)
	if _, err := p.Prepare(context.Background(), "dave", "dave.mp4"); err != nil {
		t.Fatalf("Prepare() error = %v", err)
	}

	layout := p.Layout("dave")
	// three boxes for a four-frame cycle
	if err := npy.SaveInt64(layout.CoordsPath(), []int{3, 4}, make([]int64, 12)); err != nil {
		t.Fatalf("SaveInt64() error = %v", err)
	}
	if _, err := Load(context.Background(), "dave", layout, 1); !errors.Is(err, ErrCorruptState) {
		t.Errorf("Load() error = %v, want ErrCorruptState", err)
	}
}

func TestLoad_NegativeCoordsShape(t *testing.T) {
	det := &fakeDetector{box: image.Rect(8, 6, 24, 20)}
	p, _ := newPreparer(t, 3, det)
	if _, err := p.Prepare(context.Background(), "erin", "erin.mp4"); err != nil {
		t.Fatalf("Prepare() error = %v", err)
	}

	layout := p.Layout("erin")
	dict := "{'descr': '<i8', 'fortran_order': False, 'shape': (-6, 4), }"
	dict += strings.Repeat(" ", 64-(10+len(dict)+1)%64) + "\n"
	raw := []byte("\x93NUMPY\x01\x00")
	raw = binary.LittleEndian.AppendUint16(raw, uint16(len(dict)))
	raw = append(raw, dict...)
	if err := os.WriteFile(layout.CoordsPath(), raw, 0o644); err != nil {
		t.Fatalf("WriteFile() error = %v", err)
	}

	if _, err := Load(context.Background(), "erin", layout, 1); !errors.Is(err, ErrCorruptState) {
		t.Errorf("Load() error = %v, want ErrCorruptState", err)
	}
}

func TestOpen_ReplacesPartialDirectory(t *testing.T) {
	det := &fakeDetector{box: image.Rect(8, 6, 24, 20)}
	p, ff := newPreparer(t, 2, det)

	layout := p.Layout("erin")
	if err := os.MkdirAll(layout.ImagesDir(), 0o755); err != nil {
		t.Fatal(err)
	}
	stale := image.NewRGBA(image.Rect(0, 0, 4, 4))
	stale.Set(0, 0, color.White)
	framestore.WriteImage(filepath.Join(layout.ImagesDir(), framestore.FrameName(99, ".png")), stale)

	st, err := p.Open(context.Background(), "erin", "erin.mp4")
	if err != nil {
		t.Fatalf("Open() error = %v", err)
	}
	if st.Len() != 4 {
		t.Errorf("Len() = %d, want 4", st.Len())
	}
	if ff.calls.Load() != 1 {
		t.Errorf("extract calls = %d, want 1", ff.calls.Load())
	}

	// second open loads from disk
	if _, err := p.Open(context.Background(), "erin", "erin.mp4"); err != nil {
		t.Fatalf("Open() error = %v", err)
	}
	if ff.calls.Load() != 1 {
		t.Errorf("extract calls after reopen = %d, want 1", ff.calls.Load())
	}
}

func TestValidate(t *testing.T) {
	frame := image.NewRGBA(image.Rect(0, 0, 10, 10))
	lat := tensor.Zeros(2, 1, 1)
	good := Box{1, 1, 5, 5}

	tests := []struct {
		name  string
		state State
		ok    bool
	}{
		{"valid", State{
			Frames: []image.Image{frame, frame}, Coords: []Box{good, good}, Latents: []tensor.Tensor{lat, lat},
		}, true},
		{"empty", State{}, false},
		{"odd", State{
			Frames: []image.Image{frame}, Coords: []Box{good}, Latents: []tensor.Tensor{lat},
		}, false},
		{"not mirrored", State{
			Frames: []image.Image{frame, frame}, Coords: []Box{good, {0, 0, 3, 3}}, Latents: []tensor.Tensor{lat, lat},
		}, false},
		{"box outside frame", State{
			Frames: []image.Image{frame, frame}, Coords: []Box{{5, 5, 12, 12}, {5, 5, 12, 12}}, Latents: []tensor.Tensor{lat, lat},
		}, false},
		{"latent count", State{
			Frames: []image.Image{frame, frame}, Coords: []Box{good, good}, Latents: []tensor.Tensor{lat},
		}, false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := tt.state.Validate()
			if tt.ok && err != nil {
				t.Errorf("Validate() error = %v", err)
			}
			if !tt.ok && !errors.Is(err, ErrCorruptState) {
				t.Errorf("Validate() error = %v, want ErrCorruptState", err)
			}
		})
	}
}
