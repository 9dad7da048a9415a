package catalog

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"time"

	avatarpkg "github.com/heimdex/avatar-agent/internal/avatar"
	"github.com/heimdex/avatar-agent/internal/logging"
)

var (
	ErrNotFound     = errors.New("not found")
	ErrInvalidInput = errors.New("invalid input")
	ErrNotReady     = errors.New("avatar is not ready")
)

// Workspace removes an avatar's files.
type Workspace interface {
	Delete(id string) error
}

type CatalogService interface {
	CreateAvatar(ctx context.Context, name, videoPath string) (*Avatar, *Job, error)
	GetAvatar(ctx context.Context, id string) (*Avatar, error)
	ListAvatars(ctx context.Context) ([]*Avatar, error)
	DeleteAvatar(ctx context.Context, id string) error
	CountAvatars(ctx context.Context) (int, error)
	RequestRender(ctx context.Context, avatarID, audioPath string, startOffset *int) (*Job, error)
	GetJob(ctx context.Context, id string) (*Job, error)
	ListJobs(ctx context.Context, limit int) ([]*Job, error)
}

type Service struct {
	repo      Repository
	workspace Workspace
	logger    *slog.Logger
}

func NewService(repo Repository, workspace Workspace, logger *slog.Logger) *Service {
	return &Service{repo: repo, workspace: workspace, logger: logger}
}

// CreateAvatar registers an avatar for videoPath and queues its preparation.
// Reusing a name re-prepares that avatar in place.
func (s *Service) CreateAvatar(ctx context.Context, name, videoPath string) (*Avatar, *Job, error) {
	absPath, err := checkFile(videoPath, IsVideoFile)
	if err != nil {
		return nil, nil, err
	}
	if name == "" {
		name = trimExt(filepath.Base(absPath))
	}
	name = avatarpkg.SanitizeName(name, avatarpkg.MaxNameLen)
	if name == "" {
		return nil, nil, fmt.Errorf("%w: avatar name is empty", ErrInvalidInput)
	}

	now := time.Now()
	avatar, err := s.repo.GetAvatarByName(ctx, name)
	if err != nil {
		return nil, nil, err
	}
	if avatar == nil {
		avatar = &Avatar{
			ID:        NewID(),
			Name:      name,
			VideoPath: absPath,
			Status:    AvatarStatusPending,
			CreatedAt: now,
			UpdatedAt: now,
		}
		if err := s.repo.CreateAvatar(ctx, avatar); err != nil {
			return nil, nil, err
		}
	} else {
		if avatar.VideoPath != absPath {
			return nil, nil, fmt.Errorf("%w: avatar %q already uses %s", ErrInvalidInput, name, avatar.VideoPath)
		}
		if err := s.repo.UpdateAvatarStatus(ctx, avatar.ID, AvatarStatusPending, ""); err != nil {
			return nil, nil, err
		}
		avatar.Status = AvatarStatusPending
	}

	job := &Job{
		ID:        NewID(),
		Type:      JobTypePrepare,
		Status:    JobStatusPending,
		AvatarID:  avatar.ID,
		CreatedAt: now,
		UpdatedAt: now,
	}
	if err := s.repo.CreateJob(ctx, job); err != nil {
		return nil, nil, err
	}

	if s.logger != nil {
		s.logger.Info("prepare job created", "job_id", job.ID, "avatar_id", avatar.ID, "video", logging.SanitizePath(absPath))
	}
	return avatar, job, nil
}

func (s *Service) GetAvatar(ctx context.Context, id string) (*Avatar, error) {
	return s.repo.GetAvatar(ctx, id)
}

func (s *Service) ListAvatars(ctx context.Context) ([]*Avatar, error) {
	return s.repo.ListAvatars(ctx)
}

func (s *Service) CountAvatars(ctx context.Context) (int, error) {
	return s.repo.CountAvatars(ctx)
}

// DeleteAvatar removes the avatar's files and its catalog rows. Jobs cascade.
func (s *Service) DeleteAvatar(ctx context.Context, id string) error {
	avatar, err := s.repo.GetAvatar(ctx, id)
	if err != nil {
		return err
	}
	if avatar == nil {
		return fmt.Errorf("avatar %s: %w", id, ErrNotFound)
	}
	if avatar.Status == AvatarStatusPreparing {
		return fmt.Errorf("%w: avatar %s is being prepared", ErrInvalidInput, id)
	}
	if s.workspace != nil {
		if err := s.workspace.Delete(id); err != nil {
			return err
		}
	}
	if err := s.repo.DeleteAvatar(ctx, id); err != nil {
		return err
	}
	if s.logger != nil {
		s.logger.Info("avatar deleted", "avatar_id", id)
	}
	return nil
}

// RequestRender queues a render of audioPath. A nil startOffset continues the
// avatar's cycle from where its last render stopped.
func (s *Service) RequestRender(ctx context.Context, avatarID, audioPath string, startOffset *int) (*Job, error) {
	avatar, err := s.repo.GetAvatar(ctx, avatarID)
	if err != nil {
		return nil, err
	}
	if avatar == nil {
		return nil, fmt.Errorf("avatar %s: %w", avatarID, ErrNotFound)
	}
	if avatar.Status != AvatarStatusReady {
		return nil, fmt.Errorf("%w: %s is %s", ErrNotReady, avatarID, avatar.Status)
	}
	absPath, err := checkFile(audioPath, IsAudioFile)
	if err != nil {
		return nil, err
	}
	if startOffset != nil && *startOffset < 0 {
		return nil, fmt.Errorf("%w: start offset %d is negative", ErrInvalidInput, *startOffset)
	}

	now := time.Now()
	job := &Job{
		ID:          NewID(),
		Type:        JobTypeRender,
		Status:      JobStatusPending,
		AvatarID:    avatarID,
		AudioPath:   absPath,
		StartOffset: startOffset,
		CreatedAt:   now,
		UpdatedAt:   now,
	}
	if err := s.repo.CreateJob(ctx, job); err != nil {
		return nil, err
	}

	if s.logger != nil {
		s.logger.Info("render job created", "job_id", job.ID, "avatar_id", avatarID, "audio", logging.SanitizePath(absPath))
	}
	return job, nil
}

func (s *Service) GetJob(ctx context.Context, id string) (*Job, error) {
	return s.repo.GetJob(ctx, id)
}

func (s *Service) ListJobs(ctx context.Context, limit int) ([]*Job, error) {
	return s.repo.ListJobs(ctx, limit)
}

func checkFile(path string, accept func(string) bool) (string, error) {
	absPath, err := filepath.Abs(path)
	if err != nil {
		return "", fmt.Errorf("%w: %v", ErrInvalidInput, err)
	}
	info, err := os.Stat(absPath)
	if err != nil {
		return "", fmt.Errorf("%w: %v", ErrInvalidInput, err)
	}
	if info.IsDir() {
		return "", fmt.Errorf("%w: %s is a directory", ErrInvalidInput, absPath)
	}
	if !accept(absPath) {
		return "", fmt.Errorf("%w: unsupported file type %s", ErrInvalidInput, filepath.Ext(absPath))
	}
	return absPath, nil
}

func trimExt(name string) string {
	return name[:len(name)-len(filepath.Ext(name))]
}
