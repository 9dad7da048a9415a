// Package dataset loads a pre-extracted training corpus and samples training
// tuples from it.
package dataset

import (
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"math/rand/v2"
	"os"
	"slices"
	"strings"

	"github.com/heimdex/avatar-agent/internal/framestore"
)

// MinFrames is the shortest usable video: five seconds at 25 fps.
const MinFrames = 25 * 5

var ErrEmptyCorpus = errors.New("dataset: corpus has no usable videos")

// Entry is one video of the corpus with aligned per-frame files.
type Entry struct {
	Name       string   `json:"-"`
	ImageFiles []string `json:"image_files"`
	AudioFiles []string `json:"audio_files"`
}

// Len is the number of aligned frames.
func (e Entry) Len() int {
	return len(e.ImageFiles)
}

// normalize truncates both lists to the shorter one and reports whether the
// entry is long enough to keep.
func (e *Entry) normalize(logger *slog.Logger) bool {
	n := min(len(e.ImageFiles), len(e.AudioFiles))
	if len(e.ImageFiles) != len(e.AudioFiles) {
		logger.Debug("truncating video to aligned length",
			"video", e.Name, "images", len(e.ImageFiles), "audios", len(e.AudioFiles), "frames", n)
	}
	e.ImageFiles = e.ImageFiles[:n]
	e.AudioFiles = e.AudioFiles[:n]
	if n < MinFrames {
		logger.Debug("skipping short video", "video", e.Name, "frames", n)
		return false
	}
	return true
}

// LoadCorpus walks layout and returns the usable videos sorted by name.
func LoadCorpus(layout framestore.CorpusLayout, logger *slog.Logger) ([]Entry, error) {
	if logger == nil {
		logger = slog.Default()
	}
	videos, err := layout.Videos()
	if err != nil {
		return nil, err
	}

	var entries []Entry
	for _, v := range videos {
		images, err := framestore.ListImages(layout.VideoImagesDir(v))
		if err != nil {
			return nil, fmt.Errorf("video %s: %w", v, err)
		}
		audios, err := framestore.ListFeatures(layout.VideoAudiosDir(v))
		if err != nil {
			return nil, fmt.Errorf("video %s: %w", v, err)
		}
		e := Entry{Name: v, ImageFiles: images, AudioFiles: audios}
		if e.normalize(logger) {
			entries = append(entries, e)
		}
	}
	return entries, nil
}

// LoadManifest reads a train.json or test.json manifest.
func LoadManifest(path string, logger *slog.Logger) ([]Entry, error) {
	if logger == nil {
		logger = slog.Default()
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	var raw map[string]Entry
	if err := json.Unmarshal(data, &raw); err != nil {
		return nil, fmt.Errorf("failed to parse manifest %s: %w", path, err)
	}

	entries := make([]Entry, 0, len(raw))
	for name, e := range raw {
		e.Name = name
		if e.normalize(logger) {
			entries = append(entries, e)
		}
	}
	slices.SortFunc(entries, func(a, b Entry) int { return strings.Compare(a.Name, b.Name) })
	return entries, nil
}

// WriteManifest stores entries in the manifest format read by LoadManifest.
func WriteManifest(path string, entries []Entry) error {
	raw := make(map[string]Entry, len(entries))
	for _, e := range entries {
		raw[e.Name] = e
	}
	data, err := json.MarshalIndent(raw, "", "  ")
	if err != nil {
		return err
	}
	return os.WriteFile(path, data, 0o644)
}

// Split shuffles entries and moves a testFraction share into the test set.
// At least one video stays in train.
func Split(entries []Entry, testFraction float64, rng *rand.Rand) (train, test []Entry) {
	shuffled := slices.Clone(entries)
	rng.Shuffle(len(shuffled), func(i, j int) { shuffled[i], shuffled[j] = shuffled[j], shuffled[i] })

	nTest := int(float64(len(shuffled)) * testFraction)
	if nTest >= len(shuffled) {
		nTest = len(shuffled) - 1
	}
	if nTest < 0 {
		nTest = 0
	}
	test = shuffled[:nTest]
	train = shuffled[nTest:]
	slices.SortFunc(train, func(a, b Entry) int { return strings.Compare(a.Name, b.Name) })
	slices.SortFunc(test, func(a, b Entry) int { return strings.Compare(a.Name, b.Name) })
	return train, test
}

// TotalFrames sums the aligned frames of all entries.
func TotalFrames(entries []Entry) int {
	n := 0
	for _, e := range entries {
		n += e.Len()
	}
	return n
}
