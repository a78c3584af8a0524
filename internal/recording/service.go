package recording

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"sort"
	"sync"

	"github.com/SimonGino/video-processor/internal/config"
	"github.com/SimonGino/video-processor/internal/douyu"
	"github.com/SimonGino/video-processor/internal/ffmpeg"
	"github.com/SimonGino/video-processor/internal/observability"
	"github.com/SimonGino/video-processor/internal/repository"
)

// Service owns one coordinator per enabled streamer. The status poller
// feeds it transitions; coordinators run independently from there.
// Coordinators exist even with recording disabled so session bookkeeping
// keeps working while only uploads are active.
type Service struct {
	cfg      *config.Config
	sessions repository.StreamSessionRepository
	detector *ffmpeg.BinaryDetector
	logger   *slog.Logger

	mu           sync.Mutex
	monitors     map[string]*douyu.Monitor
	coordinators map[string]*Coordinator
	started      bool
}

// NewService creates the recording service. Start wires the per-streamer
// coordinators.
func NewService(cfg *config.Config, sessions repository.StreamSessionRepository, detector *ffmpeg.BinaryDetector, logger *slog.Logger) *Service {
	return &Service{
		cfg:          cfg,
		sessions:     sessions,
		detector:     detector,
		logger:       observability.WithComponent(logger, "recording-service"),
		monitors:     make(map[string]*douyu.Monitor),
		coordinators: make(map[string]*Coordinator),
	}
}

// Start initializes monitors and launches a coordinator per enabled
// streamer. Monitors are seeded before any coordinator runs so a streamer
// already live at startup is picked up immediately.
func (s *Service) Start(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.started {
		return fmt.Errorf("recording service already started")
	}

	ffmpegBinary := ""
	if s.cfg.Recording.Enabled {
		path, err := s.detector.FFmpegPath(ctx)
		if err != nil {
			return fmt.Errorf("recording enabled but ffmpeg unavailable: %w", err)
		}
		ffmpegBinary = path
	}

	processingDir := s.cfg.Storage.ProcessingPath()
	if err := os.MkdirAll(processingDir, 0o755); err != nil {
		return fmt.Errorf("creating processing directory: %w", err)
	}

	client := douyu.NewAPIClient(s.cfg.Douyu, s.logger)
	resolver := douyu.NewResolver(s.cfg.Douyu, client, s.logger)

	ccfg := Config{
		Recording:     s.cfg.Recording,
		Douyu:         s.cfg.Douyu,
		ProcessingDir: processingDir,
		FFmpegBinary:  ffmpegBinary,
	}

	for _, st := range s.cfg.Streamers {
		if !st.IsEnabled() {
			s.logger.Info("streamer disabled, skipping", slog.String("streamer", st.Name))
			continue
		}
		monitor := douyu.NewMonitor(st.Name, st.RoomID, s.cfg.Douyu, client, s.logger)
		monitor.Initialize(ctx)

		coordinator := NewCoordinator(st, ccfg, resolver, monitor, s.sessions, s.logger)
		coordinator.Start(ctx)

		s.monitors[st.Name] = monitor
		s.coordinators[st.Name] = coordinator
	}

	s.started = true
	s.logger.Info("recording service started",
		slog.Int("streamers", len(s.coordinators)),
		slog.Bool("recording", s.cfg.Recording.Enabled))
	return nil
}

// Stop shuts all coordinators down in parallel and waits for them.
func (s *Service) Stop(ctx context.Context) error {
	s.mu.Lock()
	coordinators := make([]*Coordinator, 0, len(s.coordinators))
	for _, c := range s.coordinators {
		coordinators = append(coordinators, c)
	}
	s.mu.Unlock()

	var wg sync.WaitGroup
	errc := make(chan error, len(coordinators))
	for _, c := range coordinators {
		wg.Add(1)
		go func(c *Coordinator) {
			defer wg.Done()
			if err := c.Stop(ctx); err != nil {
				errc <- err
			}
		}(c)
	}
	wg.Wait()
	close(errc)

	var errs []error
	for err := range errc {
		errs = append(errs, err)
	}
	if len(errs) > 0 {
		return errors.Join(errs...)
	}
	s.logger.Info("recording service stopped")
	return nil
}

// HandleTransition routes a live-status change to the owning coordinator.
func (s *Service) HandleTransition(t douyu.Transition) {
	s.mu.Lock()
	coordinator := s.coordinators[t.Streamer]
	s.mu.Unlock()

	if coordinator == nil {
		s.logger.Debug("transition for unmanaged streamer",
			slog.String("streamer", t.Streamer))
		return
	}
	coordinator.HandleTransition(t)
}

// PollStatuses runs one status sweep: poll every monitor and dispatch
// detected transitions. Returns the number of transitions seen; the
// status job reports it.
func (s *Service) PollStatuses(ctx context.Context) int {
	transitions := 0
	for _, m := range s.Monitors() {
		if t := m.DetectChange(ctx); t != nil {
			transitions++
			s.HandleTransition(*t)
		}
	}
	return transitions
}

// PollStreamer runs one status check for a single streamer and dispatches
// the transition when the status flipped. Returns the transition, or nil
// when nothing changed.
func (s *Service) PollStreamer(ctx context.Context, streamer string) (*douyu.Transition, error) {
	s.mu.Lock()
	monitor := s.monitors[streamer]
	s.mu.Unlock()

	if monitor == nil {
		return nil, fmt.Errorf("streamer %s is not monitored", streamer)
	}
	t := monitor.DetectChange(ctx)
	if t != nil {
		s.HandleTransition(*t)
	}
	return t, nil
}

// AnyLive reports whether any monitored streamer is currently live.
func (s *Service) AnyLive() bool {
	for _, m := range s.Monitors() {
		if m.IsLive() {
			return true
		}
	}
	return false
}

// Monitors returns the managed monitors ordered by streamer name.
func (s *Service) Monitors() []*douyu.Monitor {
	s.mu.Lock()
	defer s.mu.Unlock()

	names := make([]string, 0, len(s.monitors))
	for name := range s.monitors {
		names = append(names, name)
	}
	sort.Strings(names)

	monitors := make([]*douyu.Monitor, 0, len(names))
	for _, name := range names {
		monitors = append(monitors, s.monitors[name])
	}
	return monitors
}

// Snapshots returns coordinator snapshots ordered by streamer name.
func (s *Service) Snapshots() []Snapshot {
	s.mu.Lock()
	defer s.mu.Unlock()

	names := make([]string, 0, len(s.coordinators))
	for name := range s.coordinators {
		names = append(names, name)
	}
	sort.Strings(names)

	snapshots := make([]Snapshot, 0, len(names))
	for _, name := range names {
		snapshots = append(snapshots, s.coordinators[name].Snapshot())
	}
	return snapshots
}
