package catalog

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"sync/atomic"
	"time"

	"github.com/heimdex/avatar-agent/internal/avatar"
	"github.com/heimdex/avatar-agent/internal/logging"
	"github.com/heimdex/avatar-agent/internal/pipelines"
	"github.com/heimdex/avatar-agent/internal/render"
)

// Workloads performs the heavy lifting for jobs. render.Studio implements it.
type Workloads interface {
	Prepare(ctx context.Context, id, videoPath string) (avatar.Info, error)
	Render(ctx context.Context, id string, req render.Request) (*render.Result, error)
	SetProgress(prepare, render func(done, total int))
}

// Requirement reports whether probed worker capabilities can serve a job.
type Requirement func(caps *pipelines.Capabilities) bool

// DefaultRequirements need the face worker for preparation. Rendering with
// in-process models needs no Python worker.
func DefaultRequirements() map[string]Requirement {
	return map[string]Requirement{
		JobTypePrepare: func(c *pipelines.Capabilities) bool { return c.HasFaces },
	}
}

type Runner struct {
	repo         Repository
	workloads    Workloads
	doctor       *pipelines.CachedDoctor
	logger       *slog.Logger
	pollInterval time.Duration
	running      atomic.Bool
	paused       atomic.Bool

	// Requirements gate job types on doctor capabilities when a doctor is set.
	Requirements map[string]Requirement
}

func NewRunner(repo Repository, workloads Workloads, doctor *pipelines.CachedDoctor, logger *slog.Logger) *Runner {
	return &Runner{
		repo:         repo,
		workloads:    workloads,
		doctor:       doctor,
		logger:       logger,
		pollInterval: 2 * time.Second,
		Requirements: DefaultRequirements(),
	}
}

func (r *Runner) Start(ctx context.Context) {
	if r.running.Swap(true) {
		return
	}

	r.logger.Info("job runner started")

	ticker := time.NewTicker(r.pollInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			r.logger.Info("job runner stopping")
			r.running.Store(false)
			return
		case <-ticker.C:
			if !r.paused.Load() {
				r.processNextJob(ctx)
			}
		}
	}
}

func (r *Runner) Pause() {
	r.paused.Store(true)
	r.logger.Info("job runner paused")
}

func (r *Runner) Resume() {
	r.paused.Store(false)
	r.logger.Info("job runner resumed")
}

func (r *Runner) IsPaused() bool {
	return r.paused.Load()
}

func (r *Runner) IsRunning() bool {
	return r.running.Load()
}

// processNextJob runs the oldest pending job, if any, and reports whether one
// was found.
func (r *Runner) processNextJob(ctx context.Context) bool {
	jobs, err := r.repo.ListPendingJobs(ctx)
	if err != nil {
		r.logger.Error("failed to list pending jobs", "error", err)
		return false
	}
	if len(jobs) == 0 {
		return false
	}

	job := jobs[0]
	logger := logging.WithAvatarID(logging.WithJobID(r.logger, job.ID), job.AvatarID)
	logger.Info("processing job", "type", job.Type)

	if r.workloads == nil {
		r.fail(ctx, job, "workloads not configured")
		return true
	}
	if err := r.checkCapabilities(ctx, job.Type); err != nil {
		r.fail(ctx, job, err.Error())
		return true
	}

	r.repo.UpdateJobStatus(ctx, job.ID, JobStatusRunning, "")
	progress := r.progressFunc(ctx, job.ID)
	r.workloads.SetProgress(progress, progress)
	defer r.workloads.SetProgress(nil, nil)

	switch job.Type {
	case JobTypePrepare:
		err = r.runPrepare(ctx, job)
	case JobTypeRender:
		err = r.runRender(ctx, job)
	default:
		logger.Warn("unknown job type", "type", job.Type)
		err = fmt.Errorf("unknown job type %q", job.Type)
	}

	if err != nil {
		logger.Error("job failed", "error", err)
		r.fail(ctx, job, err.Error())
		return true
	}
	r.repo.UpdateJobProgress(ctx, job.ID, 100)
	r.repo.UpdateJobStatus(ctx, job.ID, JobStatusCompleted, "")
	logger.Info("job completed", "type", job.Type)
	return true
}

func (r *Runner) runPrepare(ctx context.Context, job *Job) error {
	a, err := r.repo.GetAvatar(ctx, job.AvatarID)
	if err != nil || a == nil {
		return fmt.Errorf("avatar %s not found", job.AvatarID)
	}
	r.repo.UpdateAvatarStatus(ctx, a.ID, AvatarStatusPreparing, "")

	info, err := r.workloads.Prepare(ctx, a.ID, a.VideoPath)
	if err != nil {
		r.repo.UpdateAvatarStatus(ctx, a.ID, AvatarStatusFailed, err.Error())
		return fmt.Errorf("preparation failed: %w", err)
	}
	return r.repo.UpdateAvatarPrepared(ctx, a.ID, info.Frames, info.CycleLen)
}

func (r *Runner) runRender(ctx context.Context, job *Job) error {
	a, err := r.repo.GetAvatar(ctx, job.AvatarID)
	if err != nil || a == nil {
		return fmt.Errorf("avatar %s not found", job.AvatarID)
	}
	if a.Status != AvatarStatusReady {
		return fmt.Errorf("avatar %s is %s", a.ID, a.Status)
	}

	offset := a.NextOffset
	if job.StartOffset != nil {
		offset = *job.StartOffset
	}
	res, err := r.workloads.Render(ctx, a.ID, render.Request{
		AudioPath:   job.AudioPath,
		Name:        job.ID,
		StartOffset: offset,
	})
	if err != nil {
		return fmt.Errorf("render failed: %w", err)
	}

	if err := r.repo.UpdateJobOutput(ctx, job.ID, res.OutputPath); err != nil {
		return err
	}
	return r.repo.UpdateAvatarOffset(ctx, a.ID, res.NextOffset)
}

func (r *Runner) checkCapabilities(ctx context.Context, jobType string) error {
	need, ok := r.Requirements[jobType]
	if r.doctor == nil || !ok {
		return nil
	}
	caps, err := r.doctor.Get(ctx)
	if err != nil {
		return fmt.Errorf("doctor probe failed: %v", err)
	}
	if !need(caps) {
		return fmt.Errorf("required workers unavailable for %s (missing: %s)", jobType, strings.Join(caps.Missing(), ", "))
	}
	return nil
}

// progressFunc records whole-percent progress, skipping repeats.
func (r *Runner) progressFunc(ctx context.Context, jobID string) func(done, total int) {
	last := -1
	return func(done, total int) {
		if total <= 0 {
			return
		}
		// leave 100 for completion
		pct := min(done*100/total, 99)
		if pct == last {
			return
		}
		last = pct
		if err := r.repo.UpdateJobProgress(ctx, jobID, pct); err != nil {
			r.logger.Warn("failed to record progress", "job_id", jobID, "error", err)
		}
	}
}

func (r *Runner) fail(ctx context.Context, job *Job, msg string) {
	r.repo.UpdateJobStatus(ctx, job.ID, JobStatusFailed, truncateStr(msg, 512))
}

func truncateStr(s string, maxLen int) string {
	if len(s) <= maxLen {
		return s
	}
	return s[len(s)-maxLen:]
}

func (r *Runner) GetActiveJobCount(ctx context.Context) int {
	jobs, err := r.repo.ListJobs(ctx, 100)
	if err != nil {
		return 0
	}
	count := 0
	for _, j := range jobs {
		if j.Status == JobStatusRunning || j.Status == JobStatusPending {
			count++
		}
	}
	return count
}
