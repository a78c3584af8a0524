// Package repository defines data access interfaces for video-processor entities.
// All database access goes through these interfaces, enabling easy testing
// and database backend switching.
package repository

import (
	"context"
	"time"

	"github.com/SimonGino/video-processor/internal/models"
)

// StreamSessionRepository defines operations for stream session persistence.
type StreamSessionRepository interface {
	// Create creates a new stream session.
	Create(ctx context.Context, session *models.StreamSession) error
	// GetByID retrieves a stream session by ID.
	GetByID(ctx context.Context, id models.ULID) (*models.StreamSession, error)
	// GetLatestOpen retrieves the most recently started open session for a
	// streamer, or nil if the streamer has no open session.
	GetLatestOpen(ctx context.Context, streamerName string) (*models.StreamSession, error)
	// GetClosedSince retrieves sessions for a streamer that ended at or after
	// the given time, ordered by start time ascending.
	GetClosedSince(ctx context.Context, streamerName string, since time.Time) ([]*models.StreamSession, error)
	// GetOpenOlderThan retrieves open sessions across all streamers that
	// started before the given time. Used to sweep sessions left open by
	// crashes or missed offline transitions.
	GetOpenOlderThan(ctx context.Context, olderThan time.Time) ([]*models.StreamSession, error)
	// GetByStreamer retrieves sessions for a streamer with pagination,
	// newest first.
	GetByStreamer(ctx context.Context, streamerName string, offset, limit int) ([]*models.StreamSession, int64, error)
	// Update updates an existing stream session.
	Update(ctx context.Context, session *models.StreamSession) error
	// Delete deletes a stream session by ID.
	Delete(ctx context.Context, id models.ULID) error
}

// UploadedVideoRepository defines operations for uploaded video persistence.
type UploadedVideoRepository interface {
	// Create creates a new uploaded video record.
	Create(ctx context.Context, video *models.UploadedVideo) error
	// GetByID retrieves an uploaded video by ID.
	GetByID(ctx context.Context, id models.ULID) (*models.UploadedVideo, error)
	// GetByBVID retrieves an uploaded video by its bvid.
	GetByBVID(ctx context.Context, bvid string) (*models.UploadedVideo, error)
	// GetByTitle retrieves an uploaded video by exact title match.
	GetByTitle(ctx context.Context, title string) (*models.UploadedVideo, error)
	// GetByFilename retrieves an uploaded video by the basename of its file.
	GetByFilename(ctx context.Context, filename string) (*models.UploadedVideo, error)
	// GetInWindow retrieves videos whose upload time falls inside the
	// inclusive [start, end] window, ordered by upload time ascending.
	GetInWindow(ctx context.Context, start, end time.Time) ([]*models.UploadedVideo, error)
	// CountInWindow returns the number of videos whose upload time falls
	// inside the inclusive [start, end] window.
	CountInWindow(ctx context.Context, start, end time.Time) (int64, error)
	// GetMissingBVID retrieves videos that have no bvid assigned yet,
	// oldest first.
	GetMissingBVID(ctx context.Context) ([]*models.UploadedVideo, error)
	// GetRecent retrieves uploaded videos with pagination, newest first.
	GetRecent(ctx context.Context, offset, limit int) ([]*models.UploadedVideo, int64, error)
	// Update updates an existing uploaded video record.
	Update(ctx context.Context, video *models.UploadedVideo) error
	// Delete deletes an uploaded video record by ID.
	Delete(ctx context.Context, id models.ULID) error
}

// JobRepository defines operations for job persistence.
type JobRepository interface {
	// Create creates a new job.
	Create(ctx context.Context, job *models.Job) error
	// GetByID retrieves a job by ID.
	GetByID(ctx context.Context, id models.ULID) (*models.Job, error)
	// GetAll retrieves all jobs.
	GetAll(ctx context.Context) ([]*models.Job, error)
	// GetPending retrieves all pending/scheduled jobs ready for execution.
	GetPending(ctx context.Context) ([]*models.Job, error)
	// GetByStatus retrieves jobs by status.
	GetByStatus(ctx context.Context, status models.JobStatus) ([]*models.Job, error)
	// GetByType retrieves jobs by type.
	GetByType(ctx context.Context, jobType models.JobType) ([]*models.Job, error)
	// GetByTargetName retrieves jobs for a specific target.
	GetByTargetName(ctx context.Context, targetName string) ([]*models.Job, error)
	// GetRunning retrieves all currently running jobs.
	GetRunning(ctx context.Context) ([]*models.Job, error)
	// Update updates an existing job.
	Update(ctx context.Context, job *models.Job) error
	// Delete deletes a job by ID.
	Delete(ctx context.Context, id models.ULID) error
	// DeleteCompleted deletes completed jobs older than the specified duration.
	DeleteCompleted(ctx context.Context, before time.Time) (int64, error)
	// AcquireJob atomically acquires a pending job for execution (sets status to running).
	// Returns nil if no jobs are available or if another worker acquired it first.
	AcquireJob(ctx context.Context, workerID string) (*models.Job, error)
	// ReleaseJob releases a job lock (used when a worker fails unexpectedly).
	ReleaseJob(ctx context.Context, id models.ULID) error
	// FindDuplicatePending finds an existing pending/scheduled job for the same type and target.
	// Used for deduplication of concurrent job requests.
	FindDuplicatePending(ctx context.Context, jobType models.JobType, targetName string) (*models.Job, error)
	// CreateHistory creates a job history record.
	CreateHistory(ctx context.Context, history *models.JobHistory) error
	// GetHistory retrieves job history with pagination. A non-nil since
	// restricts results to records completed at or after that time.
	GetHistory(ctx context.Context, jobType *models.JobType, since *time.Time, offset, limit int) ([]*models.JobHistory, int64, error)
	// DeleteHistory deletes history records older than the specified time.
	DeleteHistory(ctx context.Context, before time.Time) (int64, error)
}
