package api

import (
	"time"

	"github.com/heimdex/avatar-agent/internal/catalog"
)

type HealthResponse struct {
	Status   string `json:"status"`
	Version  string `json:"version"`
	UptimeS  int64  `json:"uptime_s"`
	DeviceID string `json:"device_id"`
}

type StatusResponse struct {
	State        string                `json:"state"`
	LastError    string                `json:"last_error,omitempty"`
	AvatarsCount int                   `json:"avatars_count"`
	AvatarsReady int                   `json:"avatars_ready"`
	JobsRunning  int                   `json:"jobs_running"`
	JobsPending  int                   `json:"jobs_pending"`
	ActiveJob    *JobResponse          `json:"active_job,omitempty"`
	Workers      *WorkerStatusResponse `json:"workers,omitempty"`
}

type WorkerStatusResponse struct {
	HasFaces    bool   `json:"has_faces"`
	HasVAE      bool   `json:"has_vae"`
	HasUNet     bool   `json:"has_unet"`
	HasFeatures bool   `json:"has_features"`
	LastProbeAt string `json:"last_probe_at,omitempty"`
	DepsAvail   int    `json:"deps_available"`
	DepsTotal   int    `json:"deps_total"`
}

type CreateAvatarRequest struct {
	Name      string `json:"name,omitempty"`
	VideoPath string `json:"video_path"`
}

type CreateAvatarResponse struct {
	AvatarID string `json:"avatar_id"`
	JobID    string `json:"job_id"`
}

type AvatarResponse struct {
	ID         string        `json:"id"`
	Name       string        `json:"name"`
	VideoPath  string        `json:"video_path"`
	Status     string        `json:"status"`
	Frames     int           `json:"frames"`
	CycleLen   int           `json:"cycle_len"`
	NextOffset int           `json:"next_offset"`
	Error      string        `json:"error,omitempty"`
	CreatedAt  string        `json:"created_at"`
	UpdatedAt  string        `json:"updated_at"`
	Jobs       []JobResponse `json:"jobs,omitempty"`
}

type AvatarsResponse struct {
	Avatars []AvatarResponse `json:"avatars"`
}

type RenderRequest struct {
	AudioPath string `json:"audio_path"`
	// StartOffset overrides the avatar's continuation offset.
	StartOffset *int `json:"start_offset,omitempty"`
}

type RenderResponse struct {
	JobID string `json:"job_id"`
}

type JobResponse struct {
	ID          string `json:"id"`
	Type        string `json:"type"`
	Status      string `json:"status"`
	AvatarID    string `json:"avatar_id,omitempty"`
	AudioPath   string `json:"audio_path,omitempty"`
	StartOffset *int   `json:"start_offset,omitempty"`
	OutputPath  string `json:"output_path,omitempty"`
	Progress    int    `json:"progress"`
	Error       string `json:"error,omitempty"`
	CreatedAt   string `json:"created_at"`
	UpdatedAt   string `json:"updated_at"`
}

type JobsResponse struct {
	Jobs []JobResponse `json:"jobs"`
}

type RunnerResponse struct {
	Paused bool `json:"paused"`
}

type ErrorResponse struct {
	Error string `json:"error"`
	Code  string `json:"code,omitempty"`
}

func AvatarToResponse(a *catalog.Avatar) AvatarResponse {
	return AvatarResponse{
		ID:         a.ID,
		Name:       a.Name,
		VideoPath:  a.VideoPath,
		Status:     a.Status,
		Frames:     a.Frames,
		CycleLen:   a.CycleLen,
		NextOffset: a.NextOffset,
		Error:      a.Error,
		CreatedAt:  a.CreatedAt.Format(time.RFC3339),
		UpdatedAt:  a.UpdatedAt.Format(time.RFC3339),
	}
}

func JobToResponse(j *catalog.Job) JobResponse {
	return JobResponse{
		ID:          j.ID,
		Type:        j.Type,
		Status:      j.Status,
		AvatarID:    j.AvatarID,
		AudioPath:   j.AudioPath,
		StartOffset: j.StartOffset,
		OutputPath:  j.OutputPath,
		Progress:    j.Progress,
		Error:       j.Error,
		CreatedAt:   j.CreatedAt.Format(time.RFC3339),
		UpdatedAt:   j.UpdatedAt.Format(time.RFC3339),
	}
}
