package scheduler

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/SimonGino/video-processor/internal/observability"
)

// OfflineTrigger queues post-offline processing runs. It implements the
// PipelineTrigger interface consumed by the status check handler, so every
// observed went-offline transition schedules one delayed pipeline run for
// that streamer.
type OfflineTrigger struct {
	scheduler *Scheduler
	enabled   bool
	logger    *slog.Logger
}

// NewOfflineTrigger creates the trigger. When process-after-stream-end is
// disabled the trigger is inert; the recurring pipeline job picks the
// segments up on its own cadence instead.
func NewOfflineTrigger(scheduler *Scheduler, enabled bool, logger *slog.Logger) *OfflineTrigger {
	return &OfflineTrigger{
		scheduler: scheduler,
		enabled:   enabled,
		logger:    observability.WithComponent(logger, "offline-trigger"),
	}
}

// TriggerPostOffline schedules the delayed pipeline run for a streamer
// that just went offline. Deduplication and replacement of an earlier
// pending run are handled by the scheduler.
func (t *OfflineTrigger) TriggerPostOffline(ctx context.Context, streamer string) error {
	if !t.enabled {
		t.logger.Debug("post-offline processing disabled",
			slog.String("streamer", streamer))
		return nil
	}

	job, err := t.scheduler.SchedulePostOffline(ctx, streamer)
	if err != nil {
		return fmt.Errorf("scheduling post-offline run for %s: %w", streamer, err)
	}

	t.logger.Info("queued post-offline processing",
		slog.String("streamer", streamer),
		slog.String("job_id", job.ID.String()))
	return nil
}

// Ensure OfflineTrigger implements PipelineTrigger at compile time.
var _ PipelineTrigger = (*OfflineTrigger)(nil)
