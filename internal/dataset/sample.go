package dataset

import (
	"encoding/json"
	"fmt"
	"math/rand/v2"
	"os"
	"path/filepath"

	"github.com/heimdex/avatar-agent/internal/framestore"
	"github.com/heimdex/avatar-agent/internal/imageproc"
	"github.com/heimdex/avatar-agent/internal/npy"
	"github.com/heimdex/avatar-agent/internal/sampler"
	"github.com/heimdex/avatar-agent/internal/tensor"
)

// SampleKind selects which tuple a Sampler produces.
type SampleKind int

const (
	Reconstruction SampleKind = iota
	Sync
)

func (k SampleKind) String() string {
	switch k {
	case Reconstruction:
		return "reconstruction"
	case Sync:
		return "sync"
	}
	return fmt.Sprintf("SampleKind(%d)", int(k))
}

// ParseSampleKind accepts the names returned by String.
func ParseSampleKind(s string) (SampleKind, error) {
	switch s {
	case "reconstruction", "recon":
		return Reconstruction, nil
	case "sync", "syncnet":
		return Sync, nil
	}
	return 0, fmt.Errorf("unknown sample kind %q", s)
}

type Options struct {
	// AudioWindow is the half width W of the audio window in frames.
	AudioWindow int
	// ReferenceWindow is the minimum exclusive distance between a target
	// frame and its reference.
	ReferenceWindow int
	// SyncT is the number of consecutive frames per sample.
	SyncT        int
	ImageSize    int
	RowsPerFrame int
	Dim          int
	MaxAttempts  int
}

func DefaultOptions() Options {
	return Options{
		AudioWindow:     sampler.DefaultWindow.HalfWidth,
		ReferenceWindow: 5,
		SyncT:           5,
		ImageSize:       imageproc.DefaultSize,
		RowsPerFrame:    sampler.DefaultWindow.RowsPerFrame,
		Dim:             sampler.DefaultWindow.Dim,
		MaxAttempts:     sampler.DefaultMaxAttempts,
	}
}

func (o Options) window() sampler.Window {
	return sampler.Window{HalfWidth: o.AudioWindow, RowsPerFrame: o.RowsPerFrame, Dim: o.Dim}
}

func (o Options) validate() error {
	if o.SyncT < 1 {
		return fmt.Errorf("sync_t must be at least 1, got %d", o.SyncT)
	}
	if o.AudioWindow < 0 || o.ReferenceWindow < 0 {
		return fmt.Errorf("windows must not be negative")
	}
	if o.ImageSize <= 0 || o.RowsPerFrame <= 0 || o.Dim <= 0 {
		return fmt.Errorf("image size and feature dims must be positive")
	}
	return nil
}

// Sample is a tuple ready to be exported.
type Sample interface {
	Kind() SampleKind
	Arrays() map[string]tensor.Tensor
	Meta() map[string]any
}

// ReconstructionSample holds T consecutive frames with their references,
// half-masked copies and audio windows.
type ReconstructionSample struct {
	Video      string
	Offset     int
	References []int
	// Target, Reference and Masked are (T, 3, S, S).
	Target    tensor.Tensor
	Reference tensor.Tensor
	Masked    tensor.Tensor
	// Audio is (T, (2W+1)*R, D).
	Audio tensor.Tensor
}

func (s ReconstructionSample) Kind() SampleKind { return Reconstruction }

func (s ReconstructionSample) Arrays() map[string]tensor.Tensor {
	return map[string]tensor.Tensor{
		"target":    s.Target,
		"reference": s.Reference,
		"masked":    s.Masked,
		"audio":     s.Audio,
	}
}

func (s ReconstructionSample) Meta() map[string]any {
	return map[string]any{
		"kind":       s.Kind().String(),
		"video":      s.Video,
		"offset":     s.Offset,
		"references": s.References,
	}
}

// SyncSample pairs T frames with T audio windows that either match (label 1)
// or come from a distant offset of the same video (label 0).
type SyncSample struct {
	Video       string
	VideoOffset int
	AudioOffset int
	Label       int
	// Images is (T*3, S, S).
	Images tensor.Tensor
	// Audio is (T, (2W+1)*R, D).
	Audio tensor.Tensor
}

func (s SyncSample) Kind() SampleKind { return Sync }

func (s SyncSample) Arrays() map[string]tensor.Tensor {
	return map[string]tensor.Tensor{
		"images": s.Images,
		"audio":  s.Audio,
	}
}

func (s SyncSample) Meta() map[string]any {
	return map[string]any{
		"kind":         s.Kind().String(),
		"video":        s.Video,
		"video_offset": s.VideoOffset,
		"audio_offset": s.AudioOffset,
		"label":        s.Label,
	}
}

// Sampler draws samples from a corpus: a uniform video first, then a uniform
// window inside it.
type Sampler struct {
	entries []Entry
	opts    Options
	rng     *rand.Rand
}

func NewSampler(entries []Entry, opts Options, rng *rand.Rand) (*Sampler, error) {
	if err := opts.validate(); err != nil {
		return nil, err
	}
	var usable []Entry
	for _, e := range entries {
		if e.Len() > opts.SyncT {
			usable = append(usable, e)
		}
	}
	if len(usable) == 0 {
		return nil, ErrEmptyCorpus
	}
	return &Sampler{entries: usable, opts: opts, rng: rng}, nil
}

// Len is the total number of frames, the nominal epoch size.
func (s *Sampler) Len() int {
	return TotalFrames(s.entries)
}

// Sample draws one tuple of the given kind.
func (s *Sampler) Sample(kind SampleKind) (Sample, error) {
	e := s.entries[s.rng.IntN(len(s.entries))]
	offset := s.rng.IntN(e.Len() - s.opts.SyncT)

	switch kind {
	case Reconstruction:
		return SampleReconstruction(e, offset, s.opts, s.rng)
	case Sync:
		return SampleSync(e, offset, s.opts, s.rng)
	}
	return nil, fmt.Errorf("unknown sample kind %v", kind)
}

// SampleReconstruction builds the reconstruction tuple for frames
// [offset, offset+SyncT) of e.
func SampleReconstruction(e Entry, offset int, opts Options, rng *rand.Rand) (ReconstructionSample, error) {
	out := ReconstructionSample{Video: e.Name, Offset: offset}
	if err := checkOffset(e, offset, opts.SyncT); err != nil {
		return out, err
	}

	audio := sampler.FileFeatures(e.AudioFiles)
	var targets, refs, masked, windows []tensor.Tensor
	for t := 0; t < opts.SyncT; t++ {
		idx := offset + t
		ref, err := sampler.PickReferenceIndex(rng, e.Len(), idx, opts.ReferenceWindow, opts.MaxAttempts)
		if err != nil {
			return out, fmt.Errorf("video %s frame %d: %w", e.Name, idx, err)
		}
		out.References = append(out.References, ref)

		target, half, err := loadFrame(e, idx, opts.ImageSize, true)
		if err != nil {
			return out, err
		}
		reference, _, err := loadFrame(e, ref, opts.ImageSize, false)
		if err != nil {
			return out, err
		}
		win, err := sampler.AudioWindow(audio, idx, opts.window())
		if err != nil {
			return out, fmt.Errorf("video %s frame %d: %w", e.Name, idx, err)
		}

		targets = append(targets, target)
		refs = append(refs, reference)
		masked = append(masked, half)
		windows = append(windows, win)
	}

	var err error
	if out.Target, err = tensor.Stack(targets); err != nil {
		return out, err
	}
	if out.Reference, err = tensor.Stack(refs); err != nil {
		return out, err
	}
	if out.Masked, err = tensor.Stack(masked); err != nil {
		return out, err
	}
	if out.Audio, err = tensor.Stack(windows); err != nil {
		return out, err
	}
	return out, nil
}

// SampleSync builds the sync tuple for frames [offset, offset+SyncT) of e.
// The label is drawn uniformly; a negative pairs the frames with audio from an
// offset more than SyncT frames away.
func SampleSync(e Entry, offset int, opts Options, rng *rand.Rand) (SyncSample, error) {
	out := SyncSample{Video: e.Name, VideoOffset: offset, AudioOffset: offset, Label: rng.IntN(2)}
	if err := checkOffset(e, offset, opts.SyncT); err != nil {
		return out, err
	}

	if out.Label == 0 {
		o, err := sampler.PickMismatchOffset(rng, e.Len()-1-opts.SyncT, offset, opts.SyncT, opts.MaxAttempts)
		if err != nil {
			return out, fmt.Errorf("video %s: %w", e.Name, err)
		}
		out.AudioOffset = o
	}

	var frames []tensor.Tensor
	for t := 0; t < opts.SyncT; t++ {
		img, _, err := loadFrame(e, offset+t, opts.ImageSize, false)
		if err != nil {
			return out, err
		}
		frames = append(frames, img)
	}
	stacked, err := tensor.Stack(frames)
	if err != nil {
		return out, err
	}
	if out.Images, err = stacked.Reshape(opts.SyncT*3, opts.ImageSize, opts.ImageSize); err != nil {
		return out, err
	}

	audio := sampler.FileFeatures(e.AudioFiles)
	var windows []tensor.Tensor
	for t := 0; t < opts.SyncT; t++ {
		win, err := sampler.AudioWindow(audio, out.AudioOffset+t, opts.window())
		if err != nil {
			return out, fmt.Errorf("video %s frame %d: %w", e.Name, out.AudioOffset+t, err)
		}
		windows = append(windows, win)
	}
	if out.Audio, err = tensor.Stack(windows); err != nil {
		return out, err
	}
	return out, nil
}

func checkOffset(e Entry, offset, t int) error {
	if offset < 0 || offset > e.Len()-1-t {
		return fmt.Errorf("offset %d outside [0,%d] for video %s", offset, e.Len()-1-t, e.Name)
	}
	return nil
}

// loadFrame reads frame idx and returns it normalized, plus a half-masked copy
// when withMask is set.
func loadFrame(e Entry, idx, size int, withMask bool) (full, masked tensor.Tensor, err error) {
	img, err := framestore.ReadImage(e.ImageFiles[idx])
	if err != nil {
		return full, masked, fmt.Errorf("video %s frame %d: %w", e.Name, idx, err)
	}
	full = imageproc.Process(img, size, false)
	if withMask {
		masked = imageproc.Process(img, size, true)
	}
	return full, masked, nil
}

// Export writes each array of s as <name>.npy under dir, plus meta.json.
func Export(dir string, s Sample) error {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return err
	}
	for name, t := range s.Arrays() {
		if err := npy.SaveTensor(filepath.Join(dir, name+".npy"), t); err != nil {
			return fmt.Errorf("failed to export %s: %w", name, err)
		}
	}
	meta, err := json.MarshalIndent(s.Meta(), "", "  ")
	if err != nil {
		return err
	}
	return os.WriteFile(filepath.Join(dir, "meta.json"), meta, 0o644)
}
