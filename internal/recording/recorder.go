// Package recording owns the capture side of the archiver: the ffmpeg
// stream-copy recorder, the per-streamer segment coordinator, and the
// service that ties coordinators to live-status transitions.
package recording

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/SimonGino/video-processor/internal/ffmpeg"
	"github.com/SimonGino/video-processor/internal/observability"
)

// ErrRecorderTimeout marks a recorder process that outlived its wait cap
// and had to be put down.
var ErrRecorderTimeout = fmt.Errorf("recorder exceeded wait cap")

const (
	// defaultWaitSlack is added to the segment duration for the wait cap.
	// ffmpeg needs a moment past -t to flush and close the container.
	defaultWaitSlack = 30 * time.Second
	// defaultMinWait is the wait-cap floor for very short segments.
	defaultMinWait = 10 * time.Second
	// defaultCapGrace is the SIGTERM-to-SIGKILL window once the cap fires.
	defaultCapGrace = 5 * time.Second
	// defaultStopGrace is the SIGTERM-to-SIGKILL window for requested stops.
	defaultStopGrace = 10 * time.Second
)

// Recorder runs one ffmpeg stream-copy capture to completion. Instances
// are single-use; the coordinator creates one per segment.
type Recorder struct {
	binary string
	logger *slog.Logger

	waitSlack time.Duration
	minWait   time.Duration
	capGrace  time.Duration
	stopGrace time.Duration

	mu            sync.Mutex
	cmd           *ffmpeg.Command
	exited        chan struct{}
	started       bool
	stopRequested bool
}

// NewRecorder creates a recorder using the given ffmpeg binary.
func NewRecorder(binary string, logger *slog.Logger) *Recorder {
	return &Recorder{
		binary:    binary,
		logger:    observability.WithComponent(logger, "recorder"),
		waitSlack: defaultWaitSlack,
		minWait:   defaultMinWait,
		capGrace:  defaultCapGrace,
		stopGrace: defaultStopGrace,
	}
}

// Record captures the stream at url into outPath for at most duration,
// copying bytes without re-encoding. outPath must carry the .part suffix;
// the coordinator renames it once the segment is complete. The overall
// wait is capped slightly past duration so a wedged ffmpeg cannot stall
// the segment loop forever. An exit that follows a requested stop or a
// canceled context is not an error.
func (r *Recorder) Record(ctx context.Context, url string, headers http.Header, outPath string, duration time.Duration) error {
	if !strings.HasSuffix(outPath, ".part") {
		return fmt.Errorf("recorder output %s must end in .part", outPath)
	}

	hdrs := make(map[string]string, len(headers))
	for k, vals := range headers {
		hdrs[k] = strings.Join(vals, ", ")
	}

	cmd := ffmpeg.NewCommandBuilder(r.binary).
		HideBanner().
		LogLevel("error").
		Overwrite().
		Headers(hdrs).
		Input(url).
		OutputArgs("-c", "copy").
		Duration(duration).
		Format("flv").
		Output(outPath).
		Command()

	r.mu.Lock()
	if r.started {
		r.mu.Unlock()
		return fmt.Errorf("recorder already used")
	}
	r.started = true
	r.cmd = cmd
	exited := make(chan struct{})
	r.exited = exited
	r.mu.Unlock()

	r.logger.Info("recording segment",
		slog.String("output", outPath),
		slog.Duration("duration", duration))

	if err := cmd.Start(ctx); err != nil {
		close(exited)
		return fmt.Errorf("starting recorder: %w", err)
	}

	waitc := make(chan error, 1)
	go func() {
		waitc <- cmd.Wait()
		close(exited)
	}()

	waitCap := duration + r.waitSlack
	if waitCap < r.minWait {
		waitCap = r.minWait
	}
	timer := time.NewTimer(waitCap)
	defer timer.Stop()

	select {
	case err := <-waitc:
		return r.finish(ctx, err, outPath)
	case <-timer.C:
	}

	// Past the cap the process is wedged. Escalate and report a timeout
	// unless a stop raced in.
	r.logger.Warn("recorder exceeded wait cap, terminating",
		slog.String("output", outPath),
		slog.Duration("cap", waitCap))
	_ = cmd.Terminate()
	select {
	case <-waitc:
	case <-time.After(r.capGrace):
		_ = cmd.Kill()
		<-waitc
	}
	if r.wasStopRequested() || ctx.Err() != nil {
		r.logger.Info("recorder stopped on request", slog.String("output", outPath))
		return nil
	}
	r.logStderr(outPath)
	return fmt.Errorf("%w after %s", ErrRecorderTimeout, waitCap)
}

// finish classifies the recorder exit.
func (r *Recorder) finish(ctx context.Context, err error, outPath string) error {
	if err == nil {
		r.logger.Info("recorder finished", slog.String("output", outPath))
		return nil
	}
	if r.wasStopRequested() || ctx.Err() != nil {
		r.logger.Info("recorder stopped on request", slog.String("output", outPath))
		return nil
	}
	r.logStderr(outPath)
	return fmt.Errorf("recorder exited: %w", err)
}

// Stop asks the recorder to shut down: SIGTERM, a grace period, then
// SIGKILL. Safe to call at any time, from any goroutine, repeatedly.
func (r *Recorder) Stop(ctx context.Context) error {
	r.mu.Lock()
	r.stopRequested = true
	cmd, exited := r.cmd, r.exited
	r.mu.Unlock()

	if cmd == nil {
		return nil
	}
	select {
	case <-exited:
		return nil
	default:
	}

	_ = cmd.Terminate()
	select {
	case <-exited:
		return nil
	case <-ctx.Done():
		_ = cmd.Kill()
		return ctx.Err()
	case <-time.After(r.stopGrace):
	}

	_ = cmd.Kill()
	select {
	case <-exited:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// StderrTail returns the captured tail of the recorder's stderr.
func (r *Recorder) StderrTail() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.cmd == nil {
		return nil
	}
	return r.cmd.StderrTail()
}

func (r *Recorder) wasStopRequested() bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.stopRequested
}

func (r *Recorder) logStderr(outPath string) {
	if tail := r.StderrTail(); len(tail) > 0 {
		r.logger.Error("recorder stderr tail",
			slog.String("output", outPath),
			slog.String("stderr", strings.Join(tail, "\n")))
	}
}
