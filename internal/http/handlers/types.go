// Package handlers provides HTTP API handlers for video-processor.
package handlers

import (
	"time"

	"github.com/SimonGino/video-processor/internal/models"
)

// Common response types

// PaginationMeta contains pagination metadata in responses.
type PaginationMeta struct {
	CurrentPage int   `json:"current_page"`
	PageSize    int   `json:"page_size"`
	TotalItems  int64 `json:"total_items"`
	TotalPages  int64 `json:"total_pages"`
}

func paginationFor(offset, limit int, total int64) PaginationMeta {
	totalPages := total / int64(limit)
	if total%int64(limit) > 0 {
		totalPages++
	}
	return PaginationMeta{
		CurrentPage: (offset / limit) + 1,
		PageSize:    limit,
		TotalItems:  total,
		TotalPages:  totalPages,
	}
}

// Session types

// SessionResponse represents a stream session in API responses.
type SessionResponse struct {
	ID              models.ULID `json:"id"`
	CreatedAt       time.Time   `json:"created_at"`
	StreamerName    string      `json:"streamer_name"`
	StartedAt       *time.Time  `json:"started_at,omitempty"`
	EndedAt         *time.Time  `json:"ended_at,omitempty"`
	Open            bool        `json:"open"`
	DurationSeconds int64       `json:"duration_seconds,omitempty"`
}

// SessionFromModel converts a session model to a response.
func SessionFromModel(s *models.StreamSession) SessionResponse {
	resp := SessionResponse{
		ID:           s.ID,
		CreatedAt:    s.CreatedAt,
		StreamerName: s.StreamerName,
		StartedAt:    s.StartedAt,
		EndedAt:      s.EndedAt,
		Open:         s.IsOpen(),
	}
	if s.StartedAt != nil && s.EndedAt != nil {
		resp.DurationSeconds = int64(s.EndedAt.Sub(*s.StartedAt).Seconds())
	}
	return resp
}

// Upload types

// UploadedVideoResponse represents an uploaded video in API responses.
type UploadedVideoResponse struct {
	ID                models.ULID `json:"id"`
	CreatedAt         time.Time   `json:"created_at"`
	BVID              string      `json:"bvid,omitempty"`
	Title             string      `json:"title"`
	FirstPartFilename string      `json:"first_part_filename"`
	UploadTime        time.Time   `json:"upload_time"`
	Published         bool        `json:"published"`
}

// UploadedVideoFromModel converts an uploaded video model to a response.
func UploadedVideoFromModel(v *models.UploadedVideo) UploadedVideoResponse {
	resp := UploadedVideoResponse{
		ID:                v.ID,
		CreatedAt:         v.CreatedAt,
		Title:             v.Title,
		FirstPartFilename: v.FirstPartFilename,
		UploadTime:        v.UploadTime,
		Published:         v.HasBVID(),
	}
	if v.BVID != nil {
		resp.BVID = *v.BVID
	}
	return resp
}

// Job types

// JobResponse represents a job in API responses.
type JobResponse struct {
	ID             models.ULID      `json:"id"`
	CreatedAt      time.Time        `json:"created_at"`
	UpdatedAt      time.Time        `json:"updated_at"`
	Type           models.JobType   `json:"type"`
	TargetName     string           `json:"target_name,omitempty"`
	Status         models.JobStatus `json:"status"`
	CronSchedule   string           `json:"cron_schedule,omitempty"`
	NextRunAt      *time.Time       `json:"next_run_at,omitempty"`
	StartedAt      *time.Time       `json:"started_at,omitempty"`
	CompletedAt    *time.Time       `json:"completed_at,omitempty"`
	DurationMs     int64            `json:"duration_ms,omitempty"`
	AttemptCount   int              `json:"attempt_count"`
	MaxAttempts    int              `json:"max_attempts"`
	BackoffSeconds int              `json:"backoff_seconds"`
	LastError      string           `json:"last_error,omitempty"`
	Result         string           `json:"result,omitempty"`
	Priority       int              `json:"priority"`
	LockedBy       string           `json:"locked_by,omitempty"`
	LockedAt       *time.Time       `json:"locked_at,omitempty"`
}

// JobFromModel converts a job model to a response.
func JobFromModel(j *models.Job) JobResponse {
	return JobResponse{
		ID:             j.ID,
		CreatedAt:      j.CreatedAt,
		UpdatedAt:      j.UpdatedAt,
		Type:           j.Type,
		TargetName:     j.TargetName,
		Status:         j.Status,
		CronSchedule:   j.CronSchedule,
		NextRunAt:      j.NextRunAt,
		StartedAt:      j.StartedAt,
		CompletedAt:    j.CompletedAt,
		DurationMs:     j.DurationMs,
		AttemptCount:   j.AttemptCount,
		MaxAttempts:    j.MaxAttempts,
		BackoffSeconds: j.BackoffSeconds,
		LastError:      j.LastError,
		Result:         j.Result,
		Priority:       j.Priority,
		LockedBy:       j.LockedBy,
		LockedAt:       j.LockedAt,
	}
}

// JobHistoryResponse represents a job history record in API responses.
type JobHistoryResponse struct {
	ID            models.ULID      `json:"id"`
	CreatedAt     time.Time        `json:"created_at"`
	JobID         models.ULID      `json:"job_id"`
	Type          models.JobType   `json:"type"`
	TargetName    string           `json:"target_name,omitempty"`
	Status        models.JobStatus `json:"status"`
	StartedAt     *time.Time       `json:"started_at,omitempty"`
	CompletedAt   *time.Time       `json:"completed_at,omitempty"`
	DurationMs    int64            `json:"duration_ms,omitempty"`
	AttemptNumber int              `json:"attempt_number"`
	Error         string           `json:"error,omitempty"`
	Result        string           `json:"result,omitempty"`
}

// JobHistoryFromModel converts a job history model to a response.
func JobHistoryFromModel(h *models.JobHistory) JobHistoryResponse {
	return JobHistoryResponse{
		ID:            h.ID,
		CreatedAt:     h.CreatedAt,
		JobID:         h.JobID,
		Type:          h.Type,
		TargetName:    h.TargetName,
		Status:        h.Status,
		StartedAt:     h.StartedAt,
		CompletedAt:   h.CompletedAt,
		DurationMs:    h.DurationMs,
		AttemptNumber: h.AttemptNumber,
		Error:         h.Error,
		Result:        h.Result,
	}
}

// RunnerStatusResponse represents the job runner status.
type RunnerStatusResponse struct {
	Running      bool   `json:"running"`
	WorkerCount  int    `json:"worker_count"`
	WorkerID     string `json:"worker_id"`
	PendingJobs  int64  `json:"pending_jobs"`
	RunningJobs  int64  `json:"running_jobs"`
	PollInterval string `json:"poll_interval"`
}

// Streamer types

// StreamerResponse merges a configured streamer with its recording state.
// State fields stay empty when the streamer is disabled and has no
// coordinator running.
type StreamerResponse struct {
	Name         string     `json:"name"`
	RoomID       string     `json:"room_id"`
	Enabled      bool       `json:"enabled"`
	State        string     `json:"state,omitempty"`
	Live         bool       `json:"live"`
	SegmentBase  string     `json:"segment_base,omitempty"`
	SegmentStart *time.Time `json:"segment_start,omitempty"`
	Segments     int        `json:"segments_recorded"`
}
