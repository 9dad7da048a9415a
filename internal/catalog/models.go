// Package catalog tracks avatars and the prepare/render jobs that act on
// them, and runs those jobs one at a time in the background.
package catalog

import (
	"path/filepath"
	"strings"
	"time"

	"github.com/google/uuid"
)

const (
	AvatarStatusPending   = "pending"
	AvatarStatusPreparing = "preparing"
	AvatarStatusReady     = "ready"
	AvatarStatusFailed    = "failed"
)

type Avatar struct {
	ID        string `json:"id"`
	Name      string `json:"name"`
	VideoPath string `json:"video_path"`
	Status    string `json:"status"`
	Frames    int    `json:"frames"`
	CycleLen  int    `json:"cycle_len"`
	// NextOffset is where the next render continues the cycle.
	NextOffset int       `json:"next_offset"`
	Error      string    `json:"error,omitempty"`
	CreatedAt  time.Time `json:"created_at"`
	UpdatedAt  time.Time `json:"updated_at"`
}

const (
	JobTypePrepare = "prepare"
	JobTypeRender  = "render"

	JobStatusPending   = "pending"
	JobStatusRunning   = "running"
	JobStatusCompleted = "completed"
	JobStatusFailed    = "failed"
)

type Job struct {
	ID       string `json:"id"`
	Type     string `json:"type"`
	Status   string `json:"status"`
	AvatarID string `json:"avatar_id,omitempty"`
	// AudioPath and StartOffset are set on render jobs. A nil StartOffset
	// continues from the avatar's NextOffset.
	AudioPath   string    `json:"audio_path,omitempty"`
	StartOffset *int      `json:"start_offset,omitempty"`
	OutputPath  string    `json:"output_path,omitempty"`
	Progress    int       `json:"progress"`
	Error       string    `json:"error,omitempty"`
	CreatedAt   time.Time `json:"created_at"`
	UpdatedAt   time.Time `json:"updated_at"`
}

type ConfigEntry struct {
	Key   string `json:"key"`
	Value string `json:"value"`
}

var VideoExtensions = map[string]bool{
	".mp4": true,
	".mov": true,
	".mkv": true,
	".avi": true,
}

var AudioExtensions = map[string]bool{
	".wav":  true,
	".mp3":  true,
	".m4a":  true,
	".flac": true,
	".ogg":  true,
}

func NewID() string {
	return uuid.NewString()
}

func IsVideoFile(filename string) bool {
	return VideoExtensions[strings.ToLower(filepath.Ext(filename))]
}

func IsAudioFile(filename string) bool {
	return AudioExtensions[strings.ToLower(filepath.Ext(filename))]
}
