package api

import (
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/heimdex/avatar-agent/internal/catalog"
)

func NewRouter(cfg ServerConfig) *chi.Mux {
	r := chi.NewRouter()

	r.Use(RequestIDMiddleware())
	r.Use(RecoveryMiddleware(cfg.Logger))
	r.Use(LoggingMiddleware(cfg.Logger))
	r.Use(CORSAllowlist())

	r.Get("/health", healthHandler(cfg))

	r.Group(func(r chi.Router) {
		r.Use(AuthMiddleware(cfg.Repository, cfg.Logger))

		r.Get("/status", statusHandler(cfg))
		r.Get("/avatars", listAvatarsHandler(cfg))
		r.Post("/avatars", createAvatarHandler(cfg))
		r.Get("/avatars/{id}", getAvatarHandler(cfg))
		r.Delete("/avatars/{id}", deleteAvatarHandler(cfg))
		r.Post("/avatars/{id}/renders", renderHandler(cfg))
		r.Get("/jobs", listJobsHandler(cfg))
		r.Get("/jobs/{id}", getJobHandler(cfg))
		r.Post("/runner/pause", runnerHandler(cfg, true))
		r.Post("/runner/resume", runnerHandler(cfg, false))
	})

	// players cannot attach a bearer token, so playback is loopback-only
	r.Group(func(r chi.Router) {
		r.Use(LoopbackGuard())

		r.Get("/renders/file", renderFileHandler(cfg))
		r.Head("/renders/file", renderFileHandler(cfg))
	})

	return r
}

var activeStates = map[string]string{
	catalog.JobTypePrepare: "preparing",
	catalog.JobTypeRender:  "rendering",
}

func healthHandler(cfg ServerConfig) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		uptime := int64(time.Since(cfg.StartTime).Seconds())
		WriteJSON(w, http.StatusOK, HealthResponse{
			Status:   "ok",
			Version:  Version,
			UptimeS:  uptime,
			DeviceID: cfg.DeviceID,
		})
	}
}

func statusHandler(cfg ServerConfig) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		ctx := r.Context()

		avatars, _ := cfg.CatalogService.ListAvatars(ctx)
		jobs, _ := cfg.Repository.ListJobs(ctx, 20)

		resp := StatusResponse{State: "idle", AvatarsCount: len(avatars)}
		for _, a := range avatars {
			if a.Status == catalog.AvatarStatusReady {
				resp.AvatarsReady++
			}
		}

		if cfg.Runner != nil && cfg.Runner.IsPaused() {
			resp.State = "paused"
		}

		for _, j := range jobs {
			switch j.Status {
			case catalog.JobStatusRunning:
				resp.State = activeStates[j.Type]
				job := JobToResponse(j)
				resp.ActiveJob = &job
				resp.JobsRunning++
			case catalog.JobStatusPending:
				resp.JobsPending++
			case catalog.JobStatusFailed:
				if resp.LastError == "" {
					resp.LastError = j.Error
				}
			}
		}
		if resp.LastError != "" && resp.State == "idle" {
			resp.State = "error"
		}

		// status polls only read the last probe
		if cfg.Doctor != nil {
			if caps := cfg.Doctor.Peek(); caps != nil && !caps.ProbedAt.IsZero() {
				resp.Workers = &WorkerStatusResponse{
					HasFaces:    caps.HasFaces,
					HasVAE:      caps.HasVAE,
					HasUNet:     caps.HasUNet,
					HasFeatures: caps.HasFeatures,
					LastProbeAt: caps.ProbedAt.Format(time.RFC3339),
					DepsAvail:   caps.Summary.Available,
					DepsTotal:   caps.Summary.Total,
				}
			}
		}

		WriteJSON(w, http.StatusOK, resp)
	}
}

func listAvatarsHandler(cfg ServerConfig) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		avatars, err := cfg.CatalogService.ListAvatars(r.Context())
		if err != nil {
			WriteError(w, http.StatusInternalServerError, "failed to list avatars", "INTERNAL_ERROR")
			return
		}

		resp := AvatarsResponse{Avatars: make([]AvatarResponse, len(avatars))}
		for i, a := range avatars {
			resp.Avatars[i] = AvatarToResponse(a)
		}
		WriteJSON(w, http.StatusOK, resp)
	}
}

func createAvatarHandler(cfg ServerConfig) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var req CreateAvatarRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			WriteError(w, http.StatusBadRequest, "invalid request body", "BAD_REQUEST")
			return
		}

		if req.VideoPath == "" {
			WriteError(w, http.StatusBadRequest, "video_path is required", "BAD_REQUEST")
			return
		}

		avatar, job, err := cfg.CatalogService.CreateAvatar(r.Context(), req.Name, req.VideoPath)
		if err != nil {
			writeServiceError(w, err)
			return
		}

		WriteJSON(w, http.StatusAccepted, CreateAvatarResponse{AvatarID: avatar.ID, JobID: job.ID})
	}
}

func getAvatarHandler(cfg ServerConfig) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		id := chi.URLParam(r, "id")

		avatar, err := cfg.CatalogService.GetAvatar(r.Context(), id)
		if err != nil {
			WriteError(w, http.StatusInternalServerError, err.Error(), "INTERNAL_ERROR")
			return
		}
		if avatar == nil {
			WriteError(w, http.StatusNotFound, "avatar not found", "NOT_FOUND")
			return
		}

		resp := AvatarToResponse(avatar)
		jobs, err := cfg.Repository.ListJobsByAvatar(r.Context(), id)
		if err != nil {
			WriteError(w, http.StatusInternalServerError, err.Error(), "INTERNAL_ERROR")
			return
		}
		for _, j := range jobs {
			resp.Jobs = append(resp.Jobs, JobToResponse(j))
		}
		WriteJSON(w, http.StatusOK, resp)
	}
}

func deleteAvatarHandler(cfg ServerConfig) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		id := chi.URLParam(r, "id")

		if err := cfg.CatalogService.DeleteAvatar(r.Context(), id); err != nil {
			writeServiceError(w, err)
			return
		}

		w.WriteHeader(http.StatusNoContent)
	}
}

func renderHandler(cfg ServerConfig) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		id := chi.URLParam(r, "id")

		var req RenderRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			WriteError(w, http.StatusBadRequest, "invalid request body", "BAD_REQUEST")
			return
		}
		if req.AudioPath == "" {
			WriteError(w, http.StatusBadRequest, "audio_path is required", "BAD_REQUEST")
			return
		}

		job, err := cfg.CatalogService.RequestRender(r.Context(), id, req.AudioPath, req.StartOffset)
		if err != nil {
			writeServiceError(w, err)
			return
		}

		WriteJSON(w, http.StatusAccepted, RenderResponse{JobID: job.ID})
	}
}

func listJobsHandler(cfg ServerConfig) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		limit := 50
		if v := r.URL.Query().Get("limit"); v != "" {
			n, err := strconv.Atoi(v)
			if err != nil || n <= 0 {
				WriteError(w, http.StatusBadRequest, "limit must be a positive integer", "BAD_REQUEST")
				return
			}
			limit = min(n, 500)
		}

		jobs, err := cfg.CatalogService.ListJobs(r.Context(), limit)
		if err != nil {
			WriteError(w, http.StatusInternalServerError, "failed to list jobs", "INTERNAL_ERROR")
			return
		}

		resp := JobsResponse{Jobs: make([]JobResponse, len(jobs))}
		for i, j := range jobs {
			resp.Jobs[i] = JobToResponse(j)
		}
		WriteJSON(w, http.StatusOK, resp)
	}
}

func getJobHandler(cfg ServerConfig) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		id := chi.URLParam(r, "id")

		job, err := cfg.CatalogService.GetJob(r.Context(), id)
		if err != nil {
			WriteError(w, http.StatusInternalServerError, err.Error(), "INTERNAL_ERROR")
			return
		}
		if job == nil {
			WriteError(w, http.StatusNotFound, "job not found", "NOT_FOUND")
			return
		}

		WriteJSON(w, http.StatusOK, JobToResponse(job))
	}
}

func runnerHandler(cfg ServerConfig, pause bool) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if cfg.Runner == nil {
			WriteError(w, http.StatusServiceUnavailable, "job runner not configured", "UNAVAILABLE")
			return
		}
		if pause {
			cfg.Runner.Pause()
		} else {
			cfg.Runner.Resume()
		}
		WriteJSON(w, http.StatusOK, RunnerResponse{Paused: cfg.Runner.IsPaused()})
	}
}

func renderFileHandler(cfg ServerConfig) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		jobID := r.URL.Query().Get("job_id")
		if jobID == "" {
			WriteError(w, http.StatusBadRequest, "job_id is required", "BAD_REQUEST")
			return
		}

		job, err := cfg.CatalogService.GetJob(r.Context(), jobID)
		if err != nil {
			WriteError(w, http.StatusInternalServerError, err.Error(), "INTERNAL_ERROR")
			return
		}
		if job == nil || job.Type != catalog.JobTypeRender {
			WriteError(w, http.StatusNotFound, "render not found", "NOT_FOUND")
			return
		}
		if job.Status != catalog.JobStatusCompleted || job.OutputPath == "" {
			WriteError(w, http.StatusConflict, "render is "+job.Status, "NOT_READY")
			return
		}

		if err := cfg.PlaybackServer.ServeFile(w, r, job.OutputPath); err != nil {
			cfg.Logger.Error("playback error", "error", err, "job_id", jobID)
		}
	}
}

func writeServiceError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, catalog.ErrNotFound):
		WriteError(w, http.StatusNotFound, err.Error(), "NOT_FOUND")
	case errors.Is(err, catalog.ErrNotReady):
		WriteError(w, http.StatusConflict, err.Error(), "NOT_READY")
	case errors.Is(err, catalog.ErrInvalidInput):
		WriteError(w, http.StatusBadRequest, err.Error(), "BAD_REQUEST")
	default:
		WriteError(w, http.StatusInternalServerError, err.Error(), "INTERNAL_ERROR")
	}
}
