package scheduler

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/SimonGino/video-processor/internal/douyu"
	"github.com/SimonGino/video-processor/internal/models"
	"github.com/SimonGino/video-processor/internal/observability"
	"github.com/SimonGino/video-processor/internal/pipeline"
	"github.com/SimonGino/video-processor/internal/repository"
	"github.com/SimonGino/video-processor/internal/uploader"
)

// JobHandler defines the interface for handling specific job types.
type JobHandler interface {
	// Execute runs the job and returns a result string or error.
	Execute(ctx context.Context, job *models.Job) (string, error)
}

// StatusPoller runs one live-status check for a streamer and dispatches
// the transition to its coordinator.
type StatusPoller interface {
	PollStreamer(ctx context.Context, streamer string) (*douyu.Transition, error)
}

// PipelineTrigger queues a post-offline processing run for a streamer.
type PipelineTrigger interface {
	TriggerPostOffline(ctx context.Context, streamer string) error
}

// ProcessingPipeline runs the recording processing stages.
type ProcessingPipeline interface {
	Execute(ctx context.Context) (*pipeline.Result, error)
}

// UploadTask runs one upload round over the staged files.
type UploadTask interface {
	Run(ctx context.Context) (*uploader.Result, error)
}

// LiveChecker reports whether any monitored streamer is currently live.
type LiveChecker interface {
	AnyLive() bool
}

// StatusCheckHandler handles per-streamer live-status poll jobs.
type StatusCheckHandler struct {
	poller  StatusPoller
	trigger PipelineTrigger
	logger  *slog.Logger
}

// NewStatusCheckHandler creates a handler for status check jobs.
func NewStatusCheckHandler(poller StatusPoller, logger *slog.Logger) *StatusCheckHandler {
	return &StatusCheckHandler{
		poller: poller,
		logger: observability.WithComponent(logger, "status-check"),
	}
}

// WithPipelineTrigger makes a went-offline transition queue a post-offline
// processing run.
func (h *StatusCheckHandler) WithPipelineTrigger(trigger PipelineTrigger) *StatusCheckHandler {
	h.trigger = trigger
	return h
}

// Execute runs a status check job.
func (h *StatusCheckHandler) Execute(ctx context.Context, job *models.Job) (string, error) {
	t, err := h.poller.PollStreamer(ctx, job.TargetName)
	if err != nil {
		return "", err
	}
	if t == nil {
		return fmt.Sprintf("%s unchanged", job.TargetName), nil
	}

	if t.WentOffline() && h.trigger != nil {
		// The stream just ended; its segments become processable
		// once the recorder flushes, hence the delayed run.
		if err := h.trigger.TriggerPostOffline(ctx, job.TargetName); err != nil {
			h.logger.Warn("failed to queue post-offline processing",
				slog.String("streamer", job.TargetName),
				slog.String("error", err.Error()))
		}
	}

	return fmt.Sprintf("%s went %s", job.TargetName, t.To), nil
}

// VideoPipelineHandler handles the combined process-then-upload job.
type VideoPipelineHandler struct {
	pipeline ProcessingPipeline
	upload   UploadTask
	live     LiveChecker
	logger   *slog.Logger
}

// NewVideoPipelineHandler creates a handler for pipeline jobs.
func NewVideoPipelineHandler(p ProcessingPipeline, logger *slog.Logger) *VideoPipelineHandler {
	return &VideoPipelineHandler{
		pipeline: p,
		logger:   observability.WithComponent(logger, "pipeline-job"),
	}
}

// WithUpload chains an upload round after each successful pipeline run.
func (h *VideoPipelineHandler) WithUpload(upload UploadTask) *VideoPipelineHandler {
	h.upload = upload
	return h
}

// WithLiveHold skips pipeline runs while any monitored streamer is live,
// so the encoder never competes with an active recording.
func (h *VideoPipelineHandler) WithLiveHold(live LiveChecker) *VideoPipelineHandler {
	h.live = live
	return h
}

// Execute runs a pipeline job.
func (h *VideoPipelineHandler) Execute(ctx context.Context, job *models.Job) (string, error) {
	if h.live != nil && h.live.AnyLive() {
		h.logger.Info("skipping pipeline run, a monitored streamer is live",
			slog.String("target", job.TargetName))
		return "skipped: stream in progress", nil
	}

	res, err := h.pipeline.Execute(ctx)
	if err != nil {
		return "", fmt.Errorf("processing recordings: %w", err)
	}

	processed := 0
	for _, sr := range res.StageResults {
		processed += sr.Processed
	}
	summary := fmt.Sprintf("processed %d files in %s", processed, res.Duration.Round(time.Millisecond))

	if h.upload == nil {
		return summary, nil
	}

	ures, err := h.upload.Run(ctx)
	if err != nil {
		return "", fmt.Errorf("uploading staged files: %w", err)
	}
	return summary + "; " + uploadSummary(ures), nil
}

// UploadBatchHandler handles one-off upload jobs.
type UploadBatchHandler struct {
	upload UploadTask
}

// NewUploadBatchHandler creates a handler for upload batch jobs.
func NewUploadBatchHandler(upload UploadTask) *UploadBatchHandler {
	return &UploadBatchHandler{upload: upload}
}

// Execute runs an upload batch job.
func (h *UploadBatchHandler) Execute(ctx context.Context, job *models.Job) (string, error) {
	res, err := h.upload.Run(ctx)
	if err != nil {
		return "", fmt.Errorf("uploading staged files: %w", err)
	}
	return uploadSummary(res), nil
}

func uploadSummary(res *uploader.Result) string {
	return fmt.Sprintf("submitted %d, appended %d, recovered %d bvids, held %d, failed %d",
		res.Submitted, res.Appended, res.Recovered, res.Skipped, res.Failed)
}

// staleSessionCap bounds the assumed length of a session whose end was
// never observed.
const staleSessionCap = 12 * time.Hour

// SessionCleanupHandler closes sessions left open by crashes or missed
// offline events.
type SessionCleanupHandler struct {
	sessions repository.StreamSessionRepository
	staleAge time.Duration
	logger   *slog.Logger
}

// NewSessionCleanupHandler creates a handler for session cleanup jobs.
// Sessions open longer than staleAge get a synthetic end: start plus the
// session cap, clamped to now.
func NewSessionCleanupHandler(sessions repository.StreamSessionRepository, staleAge time.Duration, logger *slog.Logger) *SessionCleanupHandler {
	return &SessionCleanupHandler{
		sessions: sessions,
		staleAge: staleAge,
		logger:   observability.WithComponent(logger, "session-cleanup"),
	}
}

// Execute runs a session cleanup job.
func (h *SessionCleanupHandler) Execute(ctx context.Context, job *models.Job) (string, error) {
	cutoff := models.Now().Add(-h.staleAge)
	stale, err := h.sessions.GetOpenOlderThan(ctx, cutoff)
	if err != nil {
		return "", fmt.Errorf("listing stale sessions: %w", err)
	}

	closed := 0
	for _, s := range stale {
		end := s.StartedAt.Add(staleSessionCap)
		if now := models.Now(); end.After(now) {
			end = now
		}
		if err := s.Close(end); err != nil {
			h.logger.Warn("stale session not closeable",
				slog.String("streamer", s.StreamerName),
				slog.String("error", err.Error()))
			continue
		}
		if err := h.sessions.Update(ctx, s); err != nil {
			h.logger.Error("failed to close stale session",
				slog.String("streamer", s.StreamerName),
				slog.String("error", err.Error()))
			continue
		}
		closed++
		h.logger.Info("stale session closed",
			slog.String("streamer", s.StreamerName),
			slog.Time("started_at", *s.StartedAt),
			slog.Time("ended_at", end))
	}

	return fmt.Sprintf("closed %d stale sessions", closed), nil
}

// Ensure every handler satisfies JobHandler at compile time.
var (
	_ JobHandler = (*StatusCheckHandler)(nil)
	_ JobHandler = (*VideoPipelineHandler)(nil)
	_ JobHandler = (*UploadBatchHandler)(nil)
	_ JobHandler = (*SessionCleanupHandler)(nil)
)

// Executor dispatches jobs to the appropriate handlers.
type Executor struct {
	handlers map[models.JobType]JobHandler
	jobs     repository.JobRepository
	logger   *slog.Logger
}

// NewExecutor creates a new job executor.
func NewExecutor(jobs repository.JobRepository, logger *slog.Logger) *Executor {
	return &Executor{
		handlers: make(map[models.JobType]JobHandler),
		jobs:     jobs,
		logger:   observability.WithComponent(logger, "executor"),
	}
}

// RegisterHandler registers a handler for a job type.
func (e *Executor) RegisterHandler(jobType models.JobType, handler JobHandler) {
	e.handlers[jobType] = handler
}

// Execute runs a job and updates its status.
func (e *Executor) Execute(ctx context.Context, job *models.Job) error {
	handler, ok := e.handlers[job.Type]
	if !ok {
		return fmt.Errorf("no handler registered for job type: %s", job.Type)
	}

	e.logger.Info("executing job",
		slog.String("job_id", job.ID.String()),
		slog.String("type", string(job.Type)),
		slog.String("target", job.TargetName))

	result, err := handler.Execute(ctx, job)

	if err != nil {
		e.logger.Error("job failed",
			slog.String("job_id", job.ID.String()),
			slog.String("type", string(job.Type)),
			slog.String("error", err.Error()))

		job.MarkFailed(err)

		if job.CanRetry() {
			job.ScheduleRetry()
			e.logger.Info("job scheduled for retry",
				slog.String("job_id", job.ID.String()),
				slog.Int("attempt", job.AttemptCount),
				slog.Time("next_run", job.NextRunAt.UTC()))
		}
	} else {
		e.logger.Info("job completed",
			slog.String("job_id", job.ID.String()),
			slog.String("type", string(job.Type)),
			slog.String("result", result))

		job.MarkCompleted(result)
	}

	if err := e.jobs.Update(ctx, job); err != nil {
		e.logger.Error("failed to update job status",
			slog.String("job_id", job.ID.String()),
			slog.String("error", err.Error()))
		return fmt.Errorf("updating job status: %w", err)
	}

	if job.IsFinished() {
		e.createHistoryRecord(ctx, job)
	}

	return nil
}

// createHistoryRecord creates a job history record.
func (e *Executor) createHistoryRecord(ctx context.Context, job *models.Job) {
	history := &models.JobHistory{
		JobID:         job.ID,
		Type:          job.Type,
		TargetName:    job.TargetName,
		Status:        job.Status,
		StartedAt:     job.StartedAt,
		CompletedAt:   job.CompletedAt,
		DurationMs:    job.DurationMs,
		AttemptNumber: job.AttemptCount,
		Error:         job.LastError,
		Result:        job.Result,
	}

	if err := e.jobs.CreateHistory(ctx, history); err != nil {
		e.logger.Error("failed to create job history",
			slog.String("job_id", job.ID.String()),
			slog.String("error", err.Error()))
	}
}
