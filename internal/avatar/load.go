package avatar

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"image"
	"io/fs"
	"os"

	"github.com/heimdex/avatar-agent/internal/framestore"
	"github.com/heimdex/avatar-agent/internal/npy"
)

// ReadInfo reads the completion sentinel of a prepared avatar.
func ReadInfo(layout Layout) (Info, error) {
	var info Info
	data, err := os.ReadFile(layout.SentinelPath())
	if errors.Is(err, fs.ErrNotExist) {
		return info, ErrNotPrepared
	}
	if err != nil {
		return info, err
	}
	if err := json.Unmarshal(data, &info); err != nil {
		return info, fmt.Errorf("%w: bad sentinel: %v", ErrCorruptState, err)
	}
	return info, nil
}

// IsPrepared reports whether layout holds a completed avatar.
func IsPrepared(layout Layout) bool {
	_, err := os.Stat(layout.SentinelPath())
	return err == nil
}

// Load reads a prepared avatar and validates its cycles.
func Load(ctx context.Context, id string, layout Layout, workers int) (*State, error) {
	if _, err := ReadInfo(layout); err != nil {
		return nil, err
	}

	framePaths, err := framestore.ListImages(layout.ImagesDir())
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrCorruptState, err)
	}
	frames, err := framestore.ReadImages(ctx, framePaths, workers)
	if err != nil {
		return nil, fmt.Errorf("failed to read frames: %w", err)
	}

	var masks []image.Image
	maskPaths, err := framestore.ListImages(layout.MasksDir())
	if err == nil && len(maskPaths) > 0 {
		masks, err = framestore.ReadImages(ctx, maskPaths, workers)
		if err != nil {
			return nil, fmt.Errorf("failed to read masks: %w", err)
		}
		masks = Palindrome(masks)
	}

	shape, raw, err := npy.LoadInt64(layout.CoordsPath())
	if err != nil {
		return nil, fmt.Errorf("%w: coords: %v", ErrCorruptState, err)
	}
	if len(shape) != 2 || shape[1] != 4 {
		return nil, fmt.Errorf("%w: coords shape %v", ErrCorruptState, shape)
	}
	coords := make([]Box, shape[0])
	for i := range coords {
		c := raw[4*i : 4*i+4]
		coords[i] = Box{X1: int(c[0]), Y1: int(c[1]), X2: int(c[2]), Y2: int(c[3])}
	}

	stacked, err := npy.LoadTensor(layout.LatentsPath())
	if err != nil {
		return nil, fmt.Errorf("%w: latents: %v", ErrCorruptState, err)
	}
	latents, err := stacked.Unstack()
	if err != nil {
		return nil, fmt.Errorf("%w: latents: %v", ErrCorruptState, err)
	}

	st := &State{
		ID:      id,
		Frames:  Palindrome(frames),
		Masks:   masks,
		Coords:  coords,
		Latents: latents,
	}
	if err := st.Validate(); err != nil {
		return nil, err
	}
	return st, nil
}

// Open loads avatar id if it is fully prepared and otherwise prepares it from
// videoPath, discarding any partial directory.
func (p *Preparer) Open(ctx context.Context, id, videoPath string) (*State, error) {
	layout := p.Layout(id)
	if IsPrepared(layout) {
		return Load(ctx, id, layout, p.Workers)
	}
	p.logger().Info("avatar not prepared, preparing", "avatar_id", id)
	return p.Prepare(ctx, id, videoPath)
}
