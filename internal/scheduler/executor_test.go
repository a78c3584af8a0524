package scheduler

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/SimonGino/video-processor/internal/douyu"
	"github.com/SimonGino/video-processor/internal/models"
	"github.com/SimonGino/video-processor/internal/pipeline"
	"github.com/SimonGino/video-processor/internal/uploader"
)

// mockJobHandler implements JobHandler for testing.
type mockJobHandler struct {
	executeResult string
	executeErr    error
	executeCalled bool
}

func (m *mockJobHandler) Execute(ctx context.Context, job *models.Job) (string, error) {
	m.executeCalled = true
	return m.executeResult, m.executeErr
}

// mockStatusPoller implements StatusPoller for testing.
type mockStatusPoller struct {
	transition *douyu.Transition
	err        error
	polled     []string
}

func (m *mockStatusPoller) PollStreamer(ctx context.Context, streamer string) (*douyu.Transition, error) {
	m.polled = append(m.polled, streamer)
	if m.err != nil {
		return nil, m.err
	}
	return m.transition, nil
}

// mockPipelineTrigger implements PipelineTrigger for testing.
type mockPipelineTrigger struct {
	err       error
	triggered []string
}

func (m *mockPipelineTrigger) TriggerPostOffline(ctx context.Context, streamer string) error {
	m.triggered = append(m.triggered, streamer)
	return m.err
}

// mockProcessingPipeline implements ProcessingPipeline for testing.
type mockProcessingPipeline struct {
	result *pipeline.Result
	err    error
	called bool
}

func (m *mockProcessingPipeline) Execute(ctx context.Context) (*pipeline.Result, error) {
	m.called = true
	if m.err != nil {
		return nil, m.err
	}
	return m.result, nil
}

// mockUploadTask implements UploadTask for testing.
type mockUploadTask struct {
	result *uploader.Result
	err    error
	called bool
}

func (m *mockUploadTask) Run(ctx context.Context) (*uploader.Result, error) {
	m.called = true
	if m.err != nil {
		return nil, m.err
	}
	return m.result, nil
}

// mockLiveChecker implements LiveChecker for testing.
type mockLiveChecker struct {
	live bool
}

func (m *mockLiveChecker) AnyLive() bool { return m.live }

// mockSessionRepo implements repository.StreamSessionRepository for testing.
type mockSessionRepo struct {
	stale     []*models.StreamSession
	updated   []*models.StreamSession
	listErr   error
	updateErr error
}

func (m *mockSessionRepo) Create(ctx context.Context, session *models.StreamSession) error {
	return nil
}

func (m *mockSessionRepo) GetByID(ctx context.Context, id models.ULID) (*models.StreamSession, error) {
	return nil, nil
}

func (m *mockSessionRepo) GetLatestOpen(ctx context.Context, streamerName string) (*models.StreamSession, error) {
	return nil, nil
}

func (m *mockSessionRepo) GetClosedSince(ctx context.Context, streamerName string, since time.Time) ([]*models.StreamSession, error) {
	return nil, nil
}

func (m *mockSessionRepo) GetOpenOlderThan(ctx context.Context, olderThan time.Time) ([]*models.StreamSession, error) {
	if m.listErr != nil {
		return nil, m.listErr
	}
	return m.stale, nil
}

func (m *mockSessionRepo) GetByStreamer(ctx context.Context, streamerName string, offset, limit int) ([]*models.StreamSession, int64, error) {
	return nil, 0, nil
}

func (m *mockSessionRepo) Update(ctx context.Context, session *models.StreamSession) error {
	if m.updateErr != nil {
		return m.updateErr
	}
	m.updated = append(m.updated, session)
	return nil
}

func (m *mockSessionRepo) Delete(ctx context.Context, id models.ULID) error {
	return nil
}

func TestExecutor_RegisterHandler(t *testing.T) {
	jobRepo := newMockJobRepo()
	executor := NewExecutor(jobRepo, discardLogger())

	handler := &mockJobHandler{}
	executor.RegisterHandler(models.JobTypeStatusCheck, handler)

	assert.NotNil(t, executor.handlers[models.JobTypeStatusCheck])
}

func TestExecutor_Execute_Success(t *testing.T) {
	jobRepo := newMockJobRepo()
	executor := NewExecutor(jobRepo, discardLogger())

	handler := &mockJobHandler{executeResult: "星奈 went live"}
	executor.RegisterHandler(models.JobTypeStatusCheck, handler)

	now := models.Now()
	job := &models.Job{
		Type:       models.JobTypeStatusCheck,
		TargetName: "星奈",
		Status:     models.JobStatusRunning,
		StartedAt:  &now,
	}
	job.ID = models.NewULID()
	jobRepo.jobs[job.ID] = job

	ctx := context.Background()
	err := executor.Execute(ctx, job)
	require.NoError(t, err)

	assert.True(t, handler.executeCalled)
	assert.Equal(t, models.JobStatusCompleted, job.Status)
	assert.Equal(t, "星奈 went live", job.Result)
	assert.NotNil(t, job.CompletedAt)

	// History should be created.
	require.Len(t, jobRepo.history, 1)
	assert.Equal(t, models.JobStatusCompleted, jobRepo.history[0].Status)
	assert.Equal(t, job.ID, jobRepo.history[0].JobID)
	assert.Equal(t, "星奈", jobRepo.history[0].TargetName)
}

func TestExecutor_Execute_Failure(t *testing.T) {
	jobRepo := newMockJobRepo()
	executor := NewExecutor(jobRepo, discardLogger())

	handler := &mockJobHandler{executeErr: errors.New("poll failed")}
	executor.RegisterHandler(models.JobTypeStatusCheck, handler)

	now := models.Now()
	job := &models.Job{
		Type:         models.JobTypeStatusCheck,
		TargetName:   "星奈",
		Status:       models.JobStatusRunning,
		StartedAt:    &now,
		AttemptCount: 1, // Already attempted once
		MaxAttempts:  1, // No retries allowed
	}
	job.ID = models.NewULID()
	jobRepo.jobs[job.ID] = job

	ctx := context.Background()
	err := executor.Execute(ctx, job)
	require.NoError(t, err) // Execute returns nil, error is recorded in job

	assert.True(t, handler.executeCalled)
	assert.Equal(t, models.JobStatusFailed, job.Status)
	assert.Equal(t, "poll failed", job.LastError)
	assert.NotNil(t, job.CompletedAt)

	// History should be created.
	require.Len(t, jobRepo.history, 1)
	assert.Equal(t, models.JobStatusFailed, jobRepo.history[0].Status)
}

func TestExecutor_Execute_FailureWithRetry(t *testing.T) {
	jobRepo := newMockJobRepo()
	executor := NewExecutor(jobRepo, discardLogger())

	handler := &mockJobHandler{executeErr: errors.New("temporary error")}
	executor.RegisterHandler(models.JobTypeVideoPipeline, handler)

	now := models.Now()
	job := &models.Job{
		Type:           models.JobTypeVideoPipeline,
		Status:         models.JobStatusRunning,
		StartedAt:      &now,
		AttemptCount:   1,
		MaxAttempts:    3,
		BackoffSeconds: 10,
	}
	job.ID = models.NewULID()
	jobRepo.jobs[job.ID] = job

	ctx := context.Background()
	err := executor.Execute(ctx, job)
	require.NoError(t, err)

	// Should be scheduled for retry, so no history yet.
	assert.Equal(t, models.JobStatusScheduled, job.Status)
	assert.NotNil(t, job.NextRunAt)
	assert.Empty(t, jobRepo.history)
}

func TestExecutor_Execute_NoHandler(t *testing.T) {
	jobRepo := newMockJobRepo()
	executor := NewExecutor(jobRepo, discardLogger())

	job := &models.Job{
		Type:       models.JobTypeStatusCheck,
		TargetName: "星奈",
		Status:     models.JobStatusRunning,
	}
	job.ID = models.NewULID()

	ctx := context.Background()
	err := executor.Execute(ctx, job)
	assert.Error(t, err)
	assert.Contains(t, err.Error(), "no handler registered")
}

func TestStatusCheckHandler(t *testing.T) {
	ctx := context.Background()
	job := &models.Job{
		Type:       models.JobTypeStatusCheck,
		TargetName: "星奈",
		Status:     models.JobStatusRunning,
	}
	job.ID = models.NewULID()

	t.Run("no transition", func(t *testing.T) {
		poller := &mockStatusPoller{}
		handler := NewStatusCheckHandler(poller, discardLogger())

		result, err := handler.Execute(ctx, job)
		require.NoError(t, err)
		assert.Equal(t, "星奈 unchanged", result)
		assert.Equal(t, []string{"星奈"}, poller.polled)
	})

	t.Run("went live", func(t *testing.T) {
		poller := &mockStatusPoller{transition: &douyu.Transition{
			Streamer: "星奈",
			From:     douyu.StatusOffline,
			To:       douyu.StatusLive,
		}}
		trigger := &mockPipelineTrigger{}
		handler := NewStatusCheckHandler(poller, discardLogger()).WithPipelineTrigger(trigger)

		result, err := handler.Execute(ctx, job)
		require.NoError(t, err)
		assert.Equal(t, "星奈 went live", result)
		assert.Empty(t, trigger.triggered)
	})

	t.Run("went offline queues processing", func(t *testing.T) {
		poller := &mockStatusPoller{transition: &douyu.Transition{
			Streamer: "星奈",
			From:     douyu.StatusLive,
			To:       douyu.StatusOffline,
		}}
		trigger := &mockPipelineTrigger{}
		handler := NewStatusCheckHandler(poller, discardLogger()).WithPipelineTrigger(trigger)

		result, err := handler.Execute(ctx, job)
		require.NoError(t, err)
		assert.Equal(t, "星奈 went offline", result)
		assert.Equal(t, []string{"星奈"}, trigger.triggered)
	})

	t.Run("trigger trouble does not fail the poll", func(t *testing.T) {
		poller := &mockStatusPoller{transition: &douyu.Transition{
			Streamer: "星奈",
			From:     douyu.StatusLive,
			To:       douyu.StatusOffline,
		}}
		trigger := &mockPipelineTrigger{err: errors.New("db closed")}
		handler := NewStatusCheckHandler(poller, discardLogger()).WithPipelineTrigger(trigger)

		result, err := handler.Execute(ctx, job)
		require.NoError(t, err)
		assert.Equal(t, "星奈 went offline", result)
	})

	t.Run("went offline without a trigger", func(t *testing.T) {
		poller := &mockStatusPoller{transition: &douyu.Transition{
			Streamer: "星奈",
			From:     douyu.StatusLive,
			To:       douyu.StatusOffline,
		}}
		handler := NewStatusCheckHandler(poller, discardLogger())

		result, err := handler.Execute(ctx, job)
		require.NoError(t, err)
		assert.Equal(t, "星奈 went offline", result)
	})

	t.Run("poll failure fails the job", func(t *testing.T) {
		poller := &mockStatusPoller{err: errors.New("room lookup failed")}
		handler := NewStatusCheckHandler(poller, discardLogger())

		_, err := handler.Execute(ctx, job)
		assert.Error(t, err)
	})
}

func TestVideoPipelineHandler(t *testing.T) {
	ctx := context.Background()
	job := &models.Job{Type: models.JobTypeVideoPipeline, Status: models.JobStatusRunning}
	job.ID = models.NewULID()

	pipelineResult := &pipeline.Result{
		Success:  true,
		Duration: 1500 * time.Millisecond,
		StageResults: map[string]*pipeline.StageResult{
			"convert": {Processed: 2},
			"encode":  {Processed: 3},
		},
	}

	t.Run("summarizes the processed stages", func(t *testing.T) {
		pipe := &mockProcessingPipeline{result: pipelineResult}
		handler := NewVideoPipelineHandler(pipe, discardLogger())

		result, err := handler.Execute(ctx, job)
		require.NoError(t, err)
		assert.True(t, pipe.called)
		assert.Equal(t, "processed 5 files in 1.5s", result)
	})

	t.Run("holds while a streamer is live", func(t *testing.T) {
		pipe := &mockProcessingPipeline{result: pipelineResult}
		handler := NewVideoPipelineHandler(pipe, discardLogger()).
			WithLiveHold(&mockLiveChecker{live: true})

		result, err := handler.Execute(ctx, job)
		require.NoError(t, err)
		assert.False(t, pipe.called)
		assert.Equal(t, "skipped: stream in progress", result)
	})

	t.Run("without the hold a live stream does not block the run", func(t *testing.T) {
		// The hold is only attached when process-after-stream-end is
		// enabled; a plain handler must run even mid-stream.
		pipe := &mockProcessingPipeline{result: pipelineResult}
		handler := NewVideoPipelineHandler(pipe, discardLogger())

		result, err := handler.Execute(ctx, job)
		require.NoError(t, err)
		assert.True(t, pipe.called)
		assert.Equal(t, "processed 5 files in 1.5s", result)
	})

	t.Run("runs when nobody is live", func(t *testing.T) {
		pipe := &mockProcessingPipeline{result: pipelineResult}
		handler := NewVideoPipelineHandler(pipe, discardLogger()).
			WithLiveHold(&mockLiveChecker{})

		_, err := handler.Execute(ctx, job)
		require.NoError(t, err)
		assert.True(t, pipe.called)
	})

	t.Run("pipeline trouble fails the job", func(t *testing.T) {
		pipe := &mockProcessingPipeline{err: errors.New("disk full")}
		handler := NewVideoPipelineHandler(pipe, discardLogger())

		_, err := handler.Execute(ctx, job)
		require.Error(t, err)
		assert.Contains(t, err.Error(), "processing recordings")
	})

	t.Run("chains the upload round", func(t *testing.T) {
		pipe := &mockProcessingPipeline{result: pipelineResult}
		upload := &mockUploadTask{result: &uploader.Result{Submitted: 1, Appended: 2, Skipped: 3}}
		handler := NewVideoPipelineHandler(pipe, discardLogger()).WithUpload(upload)

		result, err := handler.Execute(ctx, job)
		require.NoError(t, err)
		assert.True(t, upload.called)
		assert.Equal(t, "processed 5 files in 1.5s; submitted 1, appended 2, recovered 0 bvids, held 3, failed 0", result)
	})

	t.Run("upload trouble fails the job", func(t *testing.T) {
		pipe := &mockProcessingPipeline{result: pipelineResult}
		upload := &mockUploadTask{err: errors.New("not logged in")}
		handler := NewVideoPipelineHandler(pipe, discardLogger()).WithUpload(upload)

		_, err := handler.Execute(ctx, job)
		require.Error(t, err)
		assert.Contains(t, err.Error(), "uploading staged files")
	})
}

func TestUploadBatchHandler(t *testing.T) {
	ctx := context.Background()
	job := &models.Job{Type: models.JobTypeUploadBatch, Status: models.JobStatusRunning}
	job.ID = models.NewULID()

	t.Run("success", func(t *testing.T) {
		upload := &mockUploadTask{result: &uploader.Result{Submitted: 2, Appended: 1, Recovered: 1, Failed: 1}}
		handler := NewUploadBatchHandler(upload)

		result, err := handler.Execute(ctx, job)
		require.NoError(t, err)
		assert.True(t, upload.called)
		assert.Equal(t, "submitted 2, appended 1, recovered 1 bvids, held 0, failed 1", result)
	})

	t.Run("failure", func(t *testing.T) {
		upload := &mockUploadTask{err: errors.New("not logged in")}
		handler := NewUploadBatchHandler(upload)

		_, err := handler.Execute(ctx, job)
		require.Error(t, err)
		assert.Contains(t, err.Error(), "uploading staged files")
	})
}

func TestSessionCleanupHandler(t *testing.T) {
	ctx := context.Background()
	job := &models.Job{Type: models.JobTypeSessionCleanup, Status: models.JobStatusRunning}
	job.ID = models.NewULID()

	t.Run("caps a long-dead session at twelve hours", func(t *testing.T) {
		start := models.Now().Add(-26 * time.Hour)
		session := &models.StreamSession{StreamerName: "星奈", StartedAt: &start}
		sessions := &mockSessionRepo{stale: []*models.StreamSession{session}}
		handler := NewSessionCleanupHandler(sessions, 24*time.Hour, discardLogger())

		result, err := handler.Execute(ctx, job)
		require.NoError(t, err)
		assert.Equal(t, "closed 1 stale sessions", result)
		require.Len(t, sessions.updated, 1)
		require.NotNil(t, session.EndedAt)
		assert.WithinDuration(t, start.Add(12*time.Hour), *session.EndedAt, time.Second)
	})

	t.Run("clamps the synthetic end to now", func(t *testing.T) {
		start := models.Now().Add(-2 * time.Hour)
		session := &models.StreamSession{StreamerName: "星奈", StartedAt: &start}
		sessions := &mockSessionRepo{stale: []*models.StreamSession{session}}
		handler := NewSessionCleanupHandler(sessions, time.Hour, discardLogger())

		result, err := handler.Execute(ctx, job)
		require.NoError(t, err)
		assert.Equal(t, "closed 1 stale sessions", result)
		require.NotNil(t, session.EndedAt)
		assert.WithinDuration(t, time.Now(), *session.EndedAt, 5*time.Second)
	})

	t.Run("nothing stale", func(t *testing.T) {
		sessions := &mockSessionRepo{}
		handler := NewSessionCleanupHandler(sessions, 24*time.Hour, discardLogger())

		result, err := handler.Execute(ctx, job)
		require.NoError(t, err)
		assert.Equal(t, "closed 0 stale sessions", result)
		assert.Empty(t, sessions.updated)
	})

	t.Run("an already closed session is skipped", func(t *testing.T) {
		start := models.Now().Add(-26 * time.Hour)
		end := start.Add(time.Hour)
		session := &models.StreamSession{StreamerName: "星奈", StartedAt: &start, EndedAt: &end}
		sessions := &mockSessionRepo{stale: []*models.StreamSession{session}}
		handler := NewSessionCleanupHandler(sessions, 24*time.Hour, discardLogger())

		result, err := handler.Execute(ctx, job)
		require.NoError(t, err)
		assert.Equal(t, "closed 0 stale sessions", result)
		assert.Empty(t, sessions.updated)
	})

	t.Run("listing trouble fails the job", func(t *testing.T) {
		sessions := &mockSessionRepo{listErr: errors.New("db closed")}
		handler := NewSessionCleanupHandler(sessions, 24*time.Hour, discardLogger())

		_, err := handler.Execute(ctx, job)
		require.Error(t, err)
		assert.Contains(t, err.Error(), "listing stale sessions")
	})

	t.Run("update trouble skips the session but keeps the job alive", func(t *testing.T) {
		start := models.Now().Add(-26 * time.Hour)
		session := &models.StreamSession{StreamerName: "星奈", StartedAt: &start}
		sessions := &mockSessionRepo{stale: []*models.StreamSession{session}, updateErr: errors.New("db closed")}
		handler := NewSessionCleanupHandler(sessions, 24*time.Hour, discardLogger())

		result, err := handler.Execute(ctx, job)
		require.NoError(t, err)
		assert.Equal(t, "closed 0 stale sessions", result)
	})
}

func TestOfflineTrigger(t *testing.T) {
	ctx := context.Background()

	t.Run("queues a delayed run", func(t *testing.T) {
		jobRepo := newMockJobRepo()
		scheduler := NewScheduler(jobRepo, testCadence(), nil, discardLogger())
		trigger := NewOfflineTrigger(scheduler, true, discardLogger())

		require.NoError(t, trigger.TriggerPostOffline(ctx, "星奈"))

		job, err := jobRepo.FindDuplicatePending(ctx, models.JobTypeVideoPipeline, "星奈")
		require.NoError(t, err)
		require.NotNil(t, job)
		assert.Equal(t, models.JobStatusScheduled, job.Status)
		require.NotNil(t, job.NextRunAt)
		assert.WithinDuration(t, time.Now().Add(3*time.Minute), *job.NextRunAt, 5*time.Second)
	})

	t.Run("disabled trigger is inert", func(t *testing.T) {
		jobRepo := newMockJobRepo()
		scheduler := NewScheduler(jobRepo, testCadence(), nil, discardLogger())
		trigger := NewOfflineTrigger(scheduler, false, discardLogger())

		require.NoError(t, trigger.TriggerPostOffline(ctx, "星奈"))
		assert.Empty(t, jobRepo.jobs)
	})

	t.Run("scheduler trouble surfaces", func(t *testing.T) {
		jobRepo := newMockJobRepo()
		jobRepo.findDupErr = errors.New("db closed")
		scheduler := NewScheduler(jobRepo, testCadence(), nil, discardLogger())
		trigger := NewOfflineTrigger(scheduler, true, discardLogger())

		err := trigger.TriggerPostOffline(ctx, "星奈")
		require.Error(t, err)
		assert.Contains(t, err.Error(), "scheduling post-offline run for 星奈")
	})
}
