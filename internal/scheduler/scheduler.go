// Package scheduler provides the database-backed job system. A sync loop
// turns the configured cadences into pending job rows, a worker pool claims
// and executes them, and per-type handlers carry the archiver's work:
// status polls, the processing pipeline, upload batches, and stale-session
// cleanup.
package scheduler

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/robfig/cron/v3"

	"github.com/SimonGino/video-processor/internal/config"
	"github.com/SimonGino/video-processor/internal/models"
	"github.com/SimonGino/video-processor/internal/observability"
	"github.com/SimonGino/video-processor/internal/repository"
)

// defaultSyncInterval is how often the scheduler checks for due schedules.
const defaultSyncInterval = time.Minute

// Scheduler turns configured cadences into job rows. Streamers live in
// configuration rather than the database, so each sync tick walks the
// configured list, checks which cron schedules are due, and creates a
// pending job unless the same type and target is already queued or
// running. Missed ticks therefore coalesce into a single run.
type Scheduler struct {
	mu sync.RWMutex

	jobs      repository.JobRepository
	streamers []config.StreamerConfig

	// statusCrons maps streamer name to its status-check schedule,
	// honoring per-streamer interval overrides.
	statusCrons  map[string]string
	pipelineCron string
	cleanupCron  string

	postOfflineDelay time.Duration

	logger *slog.Logger
	parser cron.Parser

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	syncInterval time.Duration
}

// SchedulerConfig holds tuning knobs for the scheduler.
type SchedulerConfig struct {
	// SyncInterval is how often to check for due schedules.
	// Default: 1 minute
	SyncInterval time.Duration
}

// DefaultSchedulerConfig returns the default scheduler configuration.
func DefaultSchedulerConfig() SchedulerConfig {
	return SchedulerConfig{
		SyncInterval: defaultSyncInterval,
	}
}

// NewScheduler creates a scheduler from the configured cadences.
func NewScheduler(jobs repository.JobRepository, cadence config.SchedulerConfig, streamers []config.StreamerConfig, logger *slog.Logger) *Scheduler {
	s := &Scheduler{
		jobs:             jobs,
		streamers:        streamers,
		statusCrons:      make(map[string]string, len(streamers)),
		pipelineCron:     cronForInterval(cadence.PipelineInterval),
		cleanupCron:      cronForInterval(cadence.CleanupInterval),
		postOfflineDelay: cadence.PostOfflineDelay,
		logger:           observability.WithComponent(logger, "scheduler"),
		parser:           cron.NewParser(cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow),
		syncInterval:     defaultSyncInterval,
	}
	for _, st := range streamers {
		interval := cadence.StatusCheckInterval
		if st.CheckInterval > 0 {
			interval = st.CheckInterval
		}
		s.statusCrons[st.Name] = cronForInterval(interval)
	}
	return s
}

// WithConfig applies configuration to the scheduler.
func (s *Scheduler) WithConfig(config SchedulerConfig) *Scheduler {
	if config.SyncInterval > 0 {
		s.syncInterval = config.SyncInterval
	}
	return s
}

// Start begins the scheduler's background sync loop.
func (s *Scheduler) Start(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.ctx != nil {
		return fmt.Errorf("scheduler already started")
	}

	s.ctx, s.cancel = context.WithCancel(ctx)

	s.wg.Add(1)
	go s.syncLoop()

	s.logger.Info("scheduler started",
		slog.Duration("sync_interval", s.syncInterval),
		slog.Int("streamers", len(s.statusCrons)))

	return nil
}

// Stop stops the scheduler.
func (s *Scheduler) Stop() {
	s.mu.Lock()
	if s.cancel != nil {
		s.cancel()
	}
	s.mu.Unlock()

	s.wg.Wait()

	s.mu.Lock()
	s.ctx = nil
	s.cancel = nil
	s.mu.Unlock()

	s.logger.Info("scheduler stopped")
}

// syncLoop periodically syncs schedules and creates due jobs.
func (s *Scheduler) syncLoop() {
	defer s.wg.Done()

	// Run immediately on start
	s.syncSchedules(s.ctx)

	ticker := time.NewTicker(s.syncInterval)
	defer ticker.Stop()

	for {
		select {
		case <-s.ctx.Done():
			return
		case <-ticker.C:
			s.syncSchedules(s.ctx)
		}
	}
}

// syncSchedules creates jobs for every due schedule: one status check per
// enabled streamer, plus the global pipeline and cleanup runs.
func (s *Scheduler) syncSchedules(ctx context.Context) {
	for i := range s.streamers {
		st := &s.streamers[i]
		if !st.IsEnabled() {
			continue
		}
		expr := s.statusCrons[st.Name]
		if !s.isDue(expr) {
			continue
		}
		if err := s.createJobIfNotDuplicate(ctx, models.JobTypeStatusCheck, st.Name, expr); err != nil {
			s.logger.Error("failed to create status check job",
				slog.String("streamer", st.Name),
				slog.String("error", err.Error()))
		}
	}

	if s.isDue(s.pipelineCron) {
		if err := s.createJobIfNotDuplicate(ctx, models.JobTypeVideoPipeline, "", s.pipelineCron); err != nil {
			s.logger.Error("failed to create pipeline job",
				slog.String("error", err.Error()))
		}
	}

	if s.isDue(s.cleanupCron) {
		if err := s.createJobIfNotDuplicate(ctx, models.JobTypeSessionCleanup, "", s.cleanupCron); err != nil {
			s.logger.Error("failed to create session cleanup job",
				slog.String("error", err.Error()))
		}
	}
}

// isDue checks if a cron schedule is due for execution.
// A schedule is due if the next run time is within the sync interval.
func (s *Scheduler) isDue(cronExpr string) bool {
	schedule, err := s.parser.Parse(cronExpr)
	if err != nil {
		s.logger.Warn("invalid cron expression",
			slog.String("cron", cronExpr),
			slog.String("error", err.Error()))
		return false
	}

	now := time.Now()
	next := schedule.Next(now.Add(-s.syncInterval))

	// Check if next run is within the current sync window
	return next.Before(now) || next.Equal(now) || next.Before(now.Add(s.syncInterval))
}

// createJobIfNotDuplicate creates a job if no duplicate pending job exists.
func (s *Scheduler) createJobIfNotDuplicate(ctx context.Context, jobType models.JobType, targetName, cronSchedule string) error {
	existing, err := s.jobs.FindDuplicatePending(ctx, jobType, targetName)
	if err != nil {
		return fmt.Errorf("checking for duplicate job: %w", err)
	}

	if existing != nil {
		s.logger.Debug("skipping duplicate job",
			slog.String("type", string(jobType)),
			slog.String("target", targetName))
		return nil
	}

	job := &models.Job{
		Type:         jobType,
		TargetName:   targetName,
		Status:       models.JobStatusPending,
		CronSchedule: cronSchedule,
	}

	if err := s.jobs.Create(ctx, job); err != nil {
		return fmt.Errorf("creating job: %w", err)
	}

	s.logger.Info("created scheduled job",
		slog.String("type", string(jobType)),
		slog.String("target", targetName),
		slog.String("job_id", job.ID.String()))

	return nil
}

// ScheduleImmediate creates an immediate (one-off) job for the given
// target. Returns the existing job if a duplicate is pending.
func (s *Scheduler) ScheduleImmediate(ctx context.Context, jobType models.JobType, targetName string) (*models.Job, error) {
	existing, err := s.jobs.FindDuplicatePending(ctx, jobType, targetName)
	if err != nil {
		return nil, fmt.Errorf("checking for duplicate job: %w", err)
	}

	if existing != nil {
		s.logger.Debug("returning existing pending job",
			slog.String("type", string(jobType)),
			slog.String("target", targetName),
			slog.String("job_id", existing.ID.String()))
		return existing, nil
	}

	job := &models.Job{
		Type:       jobType,
		TargetName: targetName,
		Status:     models.JobStatusPending,
	}

	if err := s.jobs.Create(ctx, job); err != nil {
		return nil, fmt.Errorf("creating immediate job: %w", err)
	}

	s.logger.Info("created immediate job",
		slog.String("type", string(jobType)),
		slog.String("target", targetName),
		slog.String("job_id", job.ID.String()))

	return job, nil
}

// SchedulePostOffline queues a one-off pipeline run shortly after a
// streamer went offline. A pending run for the same streamer is pushed
// back instead of duplicated, so a reconnect blip ends up with a single
// run after the final offline. A run already in flight is left alone.
func (s *Scheduler) SchedulePostOffline(ctx context.Context, streamer string) (*models.Job, error) {
	runAt := models.Now().Add(s.postOfflineDelay)

	existing, err := s.jobs.FindDuplicatePending(ctx, models.JobTypeVideoPipeline, streamer)
	if err != nil {
		return nil, fmt.Errorf("checking for pending post-offline job: %w", err)
	}

	if existing != nil && existing.IsRunning() {
		s.logger.Debug("post-offline processing already running",
			slog.String("streamer", streamer),
			slog.String("job_id", existing.ID.String()))
		return existing, nil
	}

	if existing != nil {
		existing.Status = models.JobStatusScheduled
		existing.NextRunAt = &runAt
		if err := s.jobs.Update(ctx, existing); err != nil {
			return nil, fmt.Errorf("replacing pending post-offline job: %w", err)
		}
		s.logger.Info("post-offline processing pushed back",
			slog.String("streamer", streamer),
			slog.Time("run_at", runAt))
		return existing, nil
	}

	job := models.NewPostOfflinePipelineJob(streamer, runAt)
	if err := s.jobs.Create(ctx, job); err != nil {
		return nil, fmt.Errorf("creating post-offline job: %w", err)
	}

	s.logger.Info("post-offline processing scheduled",
		slog.String("streamer", streamer),
		slog.Time("run_at", runAt),
		slog.String("job_id", job.ID.String()))

	return job, nil
}

// ParseCron validates a cron expression and returns the next run time.
func (s *Scheduler) ParseCron(expr string) (time.Time, error) {
	schedule, err := s.parser.Parse(expr)
	if err != nil {
		return time.Time{}, fmt.Errorf("invalid cron expression: %w", err)
	}
	return schedule.Next(time.Now()), nil
}

// ValidateCron validates a cron expression.
func (s *Scheduler) ValidateCron(expr string) error {
	_, err := s.parser.Parse(expr)
	return err
}

// cronForInterval renders a configured interval as a cron schedule.
// Sub-hour intervals step through the minute field, whole-ish hours step
// through the hour field, and anything a day or longer runs at midnight.
func cronForInterval(d time.Duration) string {
	if d < time.Hour {
		m := int(d.Round(time.Minute).Minutes())
		if m < 1 {
			m = 1
		}
		return fmt.Sprintf("*/%d * * * *", m)
	}
	h := int(d.Round(time.Hour).Hours())
	if h < 1 {
		h = 1
	}
	if h >= 24 {
		return "0 0 * * *"
	}
	return fmt.Sprintf("0 */%d * * *", h)
}
