package handlers

import (
	"context"
	"fmt"
	"time"

	"github.com/danielgtaylor/huma/v2"
	"github.com/SimonGino/video-processor/internal/models"
	"github.com/SimonGino/video-processor/internal/repository"
	"github.com/SimonGino/video-processor/internal/scheduler"
	"github.com/SimonGino/video-processor/pkg/duration"
)

// JobHandler handles job API endpoints.
type JobHandler struct {
	jobs      repository.JobRepository
	scheduler *scheduler.Scheduler
	runner    *scheduler.Runner
}

// NewJobHandler creates a new job handler.
func NewJobHandler(jobs repository.JobRepository) *JobHandler {
	return &JobHandler{
		jobs: jobs,
	}
}

// WithScheduler sets the scheduler used for manual triggers.
func (h *JobHandler) WithScheduler(s *scheduler.Scheduler) *JobHandler {
	h.scheduler = s
	return h
}

// WithRunner sets the runner whose status is reported in job listings.
func (h *JobHandler) WithRunner(r *scheduler.Runner) *JobHandler {
	h.runner = r
	return h
}

// Register registers the job routes with the API.
func (h *JobHandler) Register(api huma.API) {
	huma.Register(api, huma.Operation{
		OperationID: "listJobs",
		Method:      "GET",
		Path:        "/api/v1/jobs",
		Summary:     "List jobs",
		Description: "Returns all jobs and the runner status",
		Tags:        []string{"Jobs"},
	}, h.List)

	huma.Register(api, huma.Operation{
		OperationID: "getJobHistory",
		Method:      "GET",
		Path:        "/api/v1/jobs/history",
		Summary:     "Get job history",
		Description: "Returns job execution history with pagination",
		Tags:        []string{"Jobs"},
	}, h.GetHistory)

	huma.Register(api, huma.Operation{
		OperationID: "triggerJob",
		Method:      "POST",
		Path:        "/api/v1/jobs/{type}",
		Summary:     "Trigger job",
		Description: "Queues an immediate run of a batch job type",
		Tags:        []string{"Jobs"},
	}, h.Trigger)
}

// ListJobsInput is the input for listing jobs.
type ListJobsInput struct{}

// ListJobsOutput is the output for listing jobs.
type ListJobsOutput struct {
	Body struct {
		Jobs   []JobResponse         `json:"jobs"`
		Runner *RunnerStatusResponse `json:"runner,omitempty"`
	}
}

// List returns all jobs together with the runner status.
func (h *JobHandler) List(ctx context.Context, input *ListJobsInput) (*ListJobsOutput, error) {
	jobs, err := h.jobs.GetAll(ctx)
	if err != nil {
		return nil, huma.Error500InternalServerError("failed to list jobs", err)
	}

	resp := &ListJobsOutput{}
	resp.Body.Jobs = make([]JobResponse, 0, len(jobs))
	for _, j := range jobs {
		resp.Body.Jobs = append(resp.Body.Jobs, JobFromModel(j))
	}

	if h.runner != nil {
		status := h.runner.GetStatus()
		resp.Body.Runner = &RunnerStatusResponse{
			Running:      status.Running,
			WorkerCount:  status.WorkerCount,
			WorkerID:     status.WorkerID,
			PendingJobs:  status.PendingJobs,
			RunningJobs:  status.RunningJobs,
			PollInterval: status.PollInterval.String(),
		}
	}

	return resp, nil
}

// GetJobHistoryInput is the input for getting job history.
type GetJobHistoryInput struct {
	Type   string `query:"type" doc:"Filter by job type (optional)" enum:"status_check,video_pipeline,upload_batch,session_cleanup,"`
	Since  string `query:"since" required:"false" doc:"Only records completed at or after this time; RFC3339 or a relative expression like '2 hours ago'"`
	Offset int    `query:"offset" default:"0" minimum:"0" doc:"Offset for pagination"`
	Limit  int    `query:"limit" default:"50" minimum:"1" maximum:"1000" doc:"Limit for pagination"`
}

// GetJobHistoryOutput is the output for getting job history.
type GetJobHistoryOutput struct {
	Body struct {
		History    []JobHistoryResponse `json:"history"`
		Pagination PaginationMeta       `json:"pagination"`
	}
}

// GetHistory returns job execution history.
func (h *JobHandler) GetHistory(ctx context.Context, input *GetJobHistoryInput) (*GetJobHistoryOutput, error) {
	var jobType *models.JobType
	if input.Type != "" {
		jt := models.JobType(input.Type)
		jobType = &jt
	}

	var since *time.Time
	if input.Since != "" {
		t, err := parseSince(input.Since)
		if err != nil {
			return nil, huma.Error400BadRequest(fmt.Sprintf("invalid since value %q", input.Since), err)
		}
		since = &t
	}

	history, total, err := h.jobs.GetHistory(ctx, jobType, since, input.Offset, input.Limit)
	if err != nil {
		return nil, huma.Error500InternalServerError("failed to get job history", err)
	}

	resp := &GetJobHistoryOutput{}
	resp.Body.History = make([]JobHistoryResponse, 0, len(history))
	for _, record := range history {
		resp.Body.History = append(resp.Body.History, JobHistoryFromModel(record))
	}
	resp.Body.Pagination = paginationFor(input.Offset, input.Limit, total)

	return resp, nil
}

// parseSince interprets a history cutoff as an absolute RFC3339 stamp or a
// relative expression such as "2 hours ago".
func parseSince(s string) (time.Time, error) {
	if t, err := time.Parse(time.RFC3339, s); err == nil {
		return t, nil
	}
	return duration.ParseRelative(s)
}

// TriggerJobInput is the input for triggering a job.
type TriggerJobInput struct {
	Type     string `path:"type" doc:"Job type to run" enum:"video_pipeline,upload_batch,session_cleanup"`
	Streamer string `query:"streamer" required:"false" doc:"Streamer to target (optional)"`
}

// TriggerJobOutput is the output for triggering a job.
type TriggerJobOutput struct {
	Body JobResponse
}

// Trigger queues an immediate one-off run of a batch job type. Status
// checks are excluded since they already run on their own cadence per
// streamer. Duplicate pending runs collapse into the existing job.
func (h *JobHandler) Trigger(ctx context.Context, input *TriggerJobInput) (*TriggerJobOutput, error) {
	jobType := models.JobType(input.Type)
	switch jobType {
	case models.JobTypeVideoPipeline, models.JobTypeUploadBatch, models.JobTypeSessionCleanup:
	default:
		return nil, huma.Error400BadRequest(fmt.Sprintf("job type %q cannot be triggered", input.Type))
	}

	if h.scheduler == nil {
		return nil, huma.Error503ServiceUnavailable("scheduler not configured")
	}

	job, err := h.scheduler.ScheduleImmediate(ctx, jobType, input.Streamer)
	if err != nil {
		return nil, huma.Error500InternalServerError("failed to trigger job", err)
	}

	return &TriggerJobOutput{
		Body: JobFromModel(job),
	}, nil
}
