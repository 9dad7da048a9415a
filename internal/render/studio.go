package render

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"sync"

	lru "github.com/hashicorp/golang-lru/v2"

	"github.com/heimdex/avatar-agent/internal/avatar"
)

const DefaultCacheSize = 4

var ErrUnknownAvatar = errors.New("avatar not found")

// Studio owns the avatar root directory. It prepares avatars, keeps recently
// used ones loaded and renders against them.
type Studio struct {
	preparer *avatar.Preparer
	renderer *Renderer
	logger   *slog.Logger

	cache *lru.Cache[string, *avatar.State]
	// loadMu serializes loads so concurrent renders of one avatar read it once.
	loadMu sync.Mutex
}

func NewStudio(preparer *avatar.Preparer, renderer *Renderer, cacheSize int, logger *slog.Logger) (*Studio, error) {
	if cacheSize <= 0 {
		cacheSize = DefaultCacheSize
	}
	cache, err := lru.New[string, *avatar.State](cacheSize)
	if err != nil {
		return nil, fmt.Errorf("failed to create avatar cache: %w", err)
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Studio{preparer: preparer, renderer: renderer, logger: logger, cache: cache}, nil
}

func (s *Studio) Layout(id string) avatar.Layout {
	return s.preparer.Layout(id)
}

// Prepare (re)builds avatar id from videoPath and caches the result.
func (s *Studio) Prepare(ctx context.Context, id, videoPath string) (avatar.Info, error) {
	s.cache.Remove(id)
	st, err := s.preparer.Prepare(ctx, id, videoPath)
	if err != nil {
		return avatar.Info{}, err
	}
	s.cache.Add(id, st)
	return avatar.ReadInfo(s.Layout(id))
}

// Open returns the avatar's info, preparing it only when no completed
// avatar exists on disk.
func (s *Studio) Open(ctx context.Context, id, videoPath string) (avatar.Info, error) {
	st, err := s.preparer.Open(ctx, id, videoPath)
	if err != nil {
		return avatar.Info{}, err
	}
	s.cache.Add(id, st)
	return avatar.ReadInfo(s.Layout(id))
}

// State returns the loaded avatar, reading it from disk on a cache miss.
func (s *Studio) State(ctx context.Context, id string) (*avatar.State, error) {
	if st, ok := s.cache.Get(id); ok {
		return st, nil
	}
	s.loadMu.Lock()
	defer s.loadMu.Unlock()
	if st, ok := s.cache.Get(id); ok {
		return st, nil
	}

	layout := s.Layout(id)
	if _, err := os.Stat(layout.Root); errors.Is(err, os.ErrNotExist) {
		return nil, fmt.Errorf("%w: %s", ErrUnknownAvatar, id)
	}
	st, err := avatar.Load(ctx, id, layout, s.preparer.Workers)
	if err != nil {
		return nil, err
	}
	s.cache.Add(id, st)
	s.logger.Debug("avatar loaded", "avatar_id", id, "cycle_len", st.Len())
	return st, nil
}

// Render runs req against avatar id.
func (s *Studio) Render(ctx context.Context, id string, req Request) (*Result, error) {
	st, err := s.State(ctx, id)
	if err != nil {
		return nil, err
	}
	return s.renderer.Render(ctx, st, s.Layout(id), req)
}

// Delete evicts and removes avatar id from disk.
func (s *Studio) Delete(id string) error {
	s.cache.Remove(id)
	if err := os.RemoveAll(s.Layout(id).Root); err != nil {
		return fmt.Errorf("failed to remove avatar %s: %w", id, err)
	}
	return nil
}

// Loaded is the number of cached avatars.
func (s *Studio) Loaded() int {
	return s.cache.Len()
}

// SetProgress installs progress hooks on the preparer and renderer. It must
// not be called while work is in flight.
func (s *Studio) SetProgress(prepare, render func(done, total int)) {
	s.preparer.Progress = prepare
	s.renderer.Progress = render
}

// SetBBoxShift changes the face box shift used by later preparations.
func (s *Studio) SetBBoxShift(px int) {
	s.preparer.BBoxShift = px
}
