package recording

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/SimonGino/video-processor/internal/config"
	"github.com/SimonGino/video-processor/internal/danmaku"
	"github.com/SimonGino/video-processor/internal/douyu"
	"github.com/SimonGino/video-processor/internal/models"
	"github.com/SimonGino/video-processor/internal/observability"
	"github.com/SimonGino/video-processor/internal/repository"
)

const (
	// chatStopTimeout bounds the chat collector shutdown at segment close.
	chatStopTimeout = 3 * time.Second
	// recorderStopTimeout bounds a full recorder stop including the
	// SIGTERM grace period.
	recorderStopTimeout = 15 * time.Second
	// transitionBuffer absorbs status flaps while a segment is closing.
	transitionBuffer = 8
	// segmentStampLayout is the local-time stamp embedded in file names.
	// Colons are replaced by underscores to keep names filesystem-safe.
	segmentStampLayout = "2006-01-02T15_04_05"
)

// State is the coordinator's position in the segment lifecycle.
type State int

const (
	StateOffline State = iota
	StateResolving
	StateRecording
	StateClosing
	StateCooldown
)

func (s State) String() string {
	switch s {
	case StateOffline:
		return "offline"
	case StateResolving:
		return "resolving"
	case StateRecording:
		return "recording"
	case StateClosing:
		return "closing"
	case StateCooldown:
		return "cooldown"
	default:
		return "unknown"
	}
}

// Config carries the settings a coordinator needs, resolved by the service.
type Config struct {
	Recording     config.RecordingConfig
	Douyu         config.DouyuConfig
	ProcessingDir string
	FFmpegBinary  string
}

// StreamResolver turns a room ID into a playable stream URL with the
// request headers the CDN expects.
type StreamResolver interface {
	Resolve(ctx context.Context, roomID string) (string, http.Header, error)
}

// StatusSource reports one streamer's live state.
type StatusSource interface {
	Check(ctx context.Context) douyu.Status
	IsLive() bool
}

// Snapshot is a point-in-time view of one coordinator for the API.
type Snapshot struct {
	Streamer     string     `json:"streamer"`
	RoomID       string     `json:"room_id"`
	State        string     `json:"state"`
	Live         bool       `json:"live"`
	SegmentBase  string     `json:"segment_base,omitempty"`
	SegmentStart *time.Time `json:"segment_start,omitempty"`
	Segments     int        `json:"segments_recorded"`
}

// Coordinator owns the record lifecycle of one streamer. It consumes live
// transitions, opens and closes stream sessions, and while the stream is
// live runs capture segments back to back: resolve, record video and chat
// concurrently, close the pair, cool down, repeat.
type Coordinator struct {
	streamer config.StreamerConfig
	cfg      Config
	resolver StreamResolver
	monitor  StatusSource
	sessions repository.StreamSessionRepository
	logger   *slog.Logger

	events   chan douyu.Transition
	stopc    chan struct{}
	donec    chan struct{}
	stopOnce sync.Once

	mu           sync.Mutex
	state        State
	segmentBase  string
	segmentStart time.Time
	segments     int
}

// NewCoordinator creates a coordinator for one streamer. The monitor must
// be the same instance the status poller feeds, so cached state and
// transitions agree.
func NewCoordinator(
	streamer config.StreamerConfig,
	cfg Config,
	resolver StreamResolver,
	monitor StatusSource,
	sessions repository.StreamSessionRepository,
	logger *slog.Logger,
) *Coordinator {
	return &Coordinator{
		streamer: streamer,
		cfg:      cfg,
		resolver: resolver,
		monitor:  monitor,
		sessions: sessions,
		logger:   observability.WithStreamer(observability.WithComponent(logger, "coordinator"), streamer.Name),
		events:   make(chan douyu.Transition, transitionBuffer),
		stopc:    make(chan struct{}),
		donec:    make(chan struct{}),
	}
}

// Start launches the coordinator goroutine.
func (c *Coordinator) Start(ctx context.Context) {
	go c.run(ctx)
}

// Stop shuts the coordinator down. A segment in flight is stopped
// gracefully and its pending renames are abandoned. Idempotent.
func (c *Coordinator) Stop(ctx context.Context) error {
	c.stopOnce.Do(func() { close(c.stopc) })
	select {
	case <-c.donec:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// HandleTransition hands a live-status change to the coordinator. Never
// blocks; when the buffer is full the transition is dropped and the
// cooldown status check picks the state up instead.
func (c *Coordinator) HandleTransition(t douyu.Transition) {
	select {
	case c.events <- t:
	default:
		c.logger.Warn("transition dropped, coordinator busy",
			slog.String("to", t.To.String()))
	}
}

// Snapshot returns the coordinator's current state for the API.
func (c *Coordinator) Snapshot() Snapshot {
	c.mu.Lock()
	defer c.mu.Unlock()
	s := Snapshot{
		Streamer: c.streamer.Name,
		RoomID:   c.streamer.RoomID,
		State:    c.state.String(),
		Live:     c.monitor.IsLive(),
		Segments: c.segments,
	}
	if c.segmentBase != "" {
		s.SegmentBase = c.segmentBase
		start := c.segmentStart
		s.SegmentStart = &start
	}
	return s
}

func (c *Coordinator) run(ctx context.Context) {
	defer close(c.donec)

	// Already live at startup: the went-live transition happened before
	// anyone was watching, so enter the interval directly. An open session
	// from a previous run is reused rather than duplicated.
	if c.monitor.IsLive() {
		c.logger.Info("streamer already live at startup")
		c.ensureSessionOpen(ctx, time.Now())
		c.liveInterval(ctx)
	}

	for {
		select {
		case <-ctx.Done():
			return
		case <-c.stopc:
			return
		case t := <-c.events:
			switch {
			case t.WentLive():
				c.openSession(ctx, t.At)
				c.liveInterval(ctx)
			case t.WentOffline():
				c.closeSession(ctx, t.At)
			}
		}
	}
}

// liveInterval records segments until the stream is definitely offline,
// the resolver gives up, or the coordinator stops. Session bookkeeping
// stays with the transition events; this loop only captures.
func (c *Coordinator) liveInterval(ctx context.Context) {
	defer c.setState(StateOffline)

	if !c.cfg.Recording.Enabled {
		c.logger.Info("recording disabled, tracking session only")
		return
	}

	for {
		if c.stopped(ctx) {
			return
		}

		c.setState(StateResolving)
		url, headers, err := c.resolver.Resolve(ctx, c.streamer.RoomID)
		if err != nil {
			// Wait out this live interval; the next went-live event retries.
			c.logger.Error("stream resolution failed, waiting for next live transition",
				slog.String("error", err.Error()))
			return
		}

		c.recordSegment(ctx, url, headers)

		c.setState(StateCooldown)
		select {
		case <-ctx.Done():
			return
		case <-c.stopc:
			return
		case <-time.After(c.cfg.Recording.Cooldown):
		}

		// Only a definite offline result ends the interval. Unknown keeps
		// recording; a dead stream surfaces as a recorder exit instead.
		if c.monitor.Check(ctx) == douyu.StatusOffline {
			c.logger.Info("stream offline, ending live interval")
			return
		}
	}
}

// recordSegment captures one video segment with its chat log. The segment
// ends when the recorder exits, the duration elapses, or the coordinator
// is stopped.
func (c *Coordinator) recordSegment(ctx context.Context, url string, headers http.Header) {
	start := time.Now()
	base := fmt.Sprintf("%s录播%s", c.streamer.Name, start.Format(segmentStampLayout))
	flvPart := filepath.Join(c.cfg.ProcessingDir, base+".flv.part")
	xmlPart := filepath.Join(c.cfg.ProcessingDir, base+".xml.part")

	c.mu.Lock()
	c.state = StateRecording
	c.segmentBase = base
	c.segmentStart = start
	c.segments++
	c.mu.Unlock()

	c.logger.Info("segment starting", slog.String("base", base))

	// A chat failure degrades the segment to video-only, never aborts it.
	var collector *douyu.Collector
	collectorDone := make(chan error, 1)
	writer := danmaku.NewWriter(xmlPart)
	if err := writer.Open(); err != nil {
		c.logger.Error("opening chat log failed, recording video only",
			slog.String("error", err.Error()))
	} else {
		collector = douyu.NewCollector(c.cfg.Douyu, c.streamer.RoomID, writer, start, c.logger)
		go func() { collectorDone <- collector.Run(ctx) }()
	}

	recorder := NewRecorder(c.cfg.FFmpegBinary, c.logger)
	recorderDone := make(chan error, 1)
	go func() {
		recorderDone <- recorder.Record(ctx, url, headers, flvPart, c.cfg.Recording.SegmentDuration)
	}()

	var recErr error
	interrupted := false
	select {
	case recErr = <-recorderDone:
	case <-c.stopc:
		interrupted = true
	case <-ctx.Done():
		interrupted = true
	}

	c.setState(StateClosing)

	// Chat stops first so the XML document is closed before the pair is
	// judged for finalizing.
	if collector != nil {
		stopCtx, cancel := context.WithTimeout(context.Background(), chatStopTimeout)
		if err := collector.Stop(stopCtx); err != nil {
			c.logger.Warn("stopping chat collector", slog.String("error", err.Error()))
		}
		cancel()
		if err := <-collectorDone; err != nil {
			c.logger.Warn("chat collection degraded", slog.String("error", err.Error()))
		}
	}

	if interrupted {
		stopCtx, cancel := context.WithTimeout(context.Background(), recorderStopTimeout)
		_ = recorder.Stop(stopCtx)
		cancel()
		recErr = <-recorderDone
	}

	if recErr != nil {
		c.logger.Error("segment recorder failed",
			slog.String("base", base),
			slog.String("error", recErr.Error()))
	}

	if interrupted {
		c.logger.Info("segment interrupted, leaving partial files",
			slog.String("base", base))
	} else {
		c.finalizeSegment(base)
	}

	c.mu.Lock()
	c.segmentBase = ""
	c.segmentStart = time.Time{}
	c.mu.Unlock()
}

// finalizeSegment promotes a finished .part pair. The XML is renamed
// before the FLV so a visible video always has its chat log in place; a
// segment with no usable video keeps its partial files for inspection.
func (c *Coordinator) finalizeSegment(base string) {
	flvPart := filepath.Join(c.cfg.ProcessingDir, base+".flv.part")
	xmlPart := filepath.Join(c.cfg.ProcessingDir, base+".xml.part")

	if !fileNonEmpty(flvPart) {
		c.logger.Warn("segment produced no video, leaving partial files",
			slog.String("base", base))
		return
	}

	chatOK := fileNonEmpty(xmlPart)
	if chatOK {
		if err := os.Rename(xmlPart, strings.TrimSuffix(xmlPart, ".part")); err != nil {
			c.logger.Error("finalizing chat log failed", slog.String("error", err.Error()))
			return
		}
	} else {
		// The chat log never materialized (writer open failed). An empty
		// document keeps the flv/xml pairing intact downstream.
		_ = os.Remove(xmlPart)
		if err := danmaku.WriteEmptyLog(strings.TrimSuffix(xmlPart, ".part")); err != nil {
			c.logger.Warn("writing empty chat log failed", slog.String("error", err.Error()))
		}
	}
	if err := os.Rename(flvPart, strings.TrimSuffix(flvPart, ".part")); err != nil {
		c.logger.Error("finalizing video failed", slog.String("error", err.Error()))
		return
	}
	c.logger.Info("segment finalized",
		slog.String("base", base),
		slog.Bool("chat", chatOK))
}

// openSession records a went-live transition, shifted back by the
// configured start-time adjustment. Store failures are logged, never
// fatal: recording matters more than bookkeeping.
func (c *Coordinator) openSession(ctx context.Context, detectedAt time.Time) {
	start := detectedAt.Add(-c.cfg.Recording.StartTimeAdjustment)
	session := &models.StreamSession{
		StreamerName: c.streamer.Name,
		StartedAt:    &start,
	}
	if err := c.sessions.Create(ctx, session); err != nil {
		c.logger.Error("opening stream session failed", slog.String("error", err.Error()))
		return
	}
	c.logger.Info("stream session opened", slog.Time("started_at", start))
}

// ensureSessionOpen opens a session unless a previous run left one open.
func (c *Coordinator) ensureSessionOpen(ctx context.Context, detectedAt time.Time) {
	open, err := c.sessions.GetLatestOpen(ctx, c.streamer.Name)
	if err != nil {
		c.logger.Error("querying open session failed", slog.String("error", err.Error()))
		return
	}
	if open != nil {
		c.logger.Info("resuming open stream session")
		return
	}
	c.openSession(ctx, detectedAt)
}

// closeSession stamps the latest open session with the offline detection
// time. Without an open session an end-only row preserves the boundary
// for upload bucketing.
func (c *Coordinator) closeSession(ctx context.Context, at time.Time) {
	open, err := c.sessions.GetLatestOpen(ctx, c.streamer.Name)
	if err != nil {
		c.logger.Error("querying open session failed", slog.String("error", err.Error()))
		return
	}
	if open == nil {
		session := &models.StreamSession{
			StreamerName: c.streamer.Name,
			EndedAt:      &at,
		}
		if err := c.sessions.Create(ctx, session); err != nil {
			c.logger.Error("recording end-only session failed", slog.String("error", err.Error()))
		}
		return
	}
	if err := open.Close(at); err != nil {
		c.logger.Warn("closing stream session", slog.String("error", err.Error()))
		return
	}
	if err := c.sessions.Update(ctx, open); err != nil {
		c.logger.Error("closing stream session failed", slog.String("error", err.Error()))
		return
	}
	c.logger.Info("stream session closed", slog.Time("ended_at", at))
}

func (c *Coordinator) setState(s State) {
	c.mu.Lock()
	c.state = s
	c.mu.Unlock()
}

func (c *Coordinator) stopped(ctx context.Context) bool {
	select {
	case <-c.stopc:
		return true
	case <-ctx.Done():
		return true
	default:
		return false
	}
}

func fileNonEmpty(path string) bool {
	info, err := os.Stat(path)
	return err == nil && info.Size() > 0
}
