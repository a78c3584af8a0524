package douyu

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/SimonGino/video-processor/internal/config"
	"github.com/SimonGino/video-processor/internal/observability"
	"github.com/SimonGino/video-processor/pkg/httpclient"
)

// Status is the three-valued result of one room status poll.
type Status int

const (
	StatusUnknown Status = iota
	StatusOffline
	StatusLive
)

func (s Status) String() string {
	switch s {
	case StatusLive:
		return "live"
	case StatusOffline:
		return "offline"
	default:
		return "unknown"
	}
}

// Transition is a definite live-state change observed between two polls.
// At is the detection time; downstream consumers derive session boundaries
// from it, so it is stamped once here rather than at each handler.
type Transition struct {
	Streamer string
	RoomID   string
	From     Status
	To       Status
	At       time.Time
}

// WentLive reports a transition into the live state.
func (t Transition) WentLive() bool { return t.To == StatusLive }

// WentOffline reports a transition out of the live state.
func (t Transition) WentOffline() bool { return t.To == StatusOffline }

// Monitor polls one room's status endpoint and caches the last definite
// state. API errors yield StatusUnknown and never touch the cache, so a
// flaky endpoint cannot fabricate a transition.
type Monitor struct {
	streamer string
	roomID   string
	cfg      config.DouyuConfig
	client   *httpclient.Client
	logger   *slog.Logger

	mu     sync.Mutex
	cached Status
}

// NewMonitor builds a monitor for one streamer's room. The cache starts
// offline; call Initialize before relying on IsLive.
func NewMonitor(streamer, roomID string, cfg config.DouyuConfig, client *httpclient.Client, logger *slog.Logger) *Monitor {
	return &Monitor{
		streamer: streamer,
		roomID:   roomID,
		cfg:      cfg,
		client:   client,
		logger:   observability.WithStreamer(observability.WithComponent(logger, "douyu-monitor"), streamer),
		cached:   StatusOffline,
	}
}

// Streamer returns the monitored streamer's display name.
func (m *Monitor) Streamer() string { return m.streamer }

// RoomID returns the monitored room id.
func (m *Monitor) RoomID() string { return m.roomID }

// Check performs one status poll without touching the cached state. Any
// transport or decode failure maps to StatusUnknown.
func (m *Monitor) Check(ctx context.Context) Status {
	reqURL := fmt.Sprintf("%s/betard/%s", strings.TrimRight(m.cfg.APIBase, "/"), url.PathEscape(m.roomID))
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, reqURL, nil)
	if err != nil {
		m.logger.Warn("building status request failed", slog.String("error", err.Error()))
		return StatusUnknown
	}
	if m.cfg.UserAgent != "" {
		req.Header.Set("User-Agent", m.cfg.UserAgent)
	}
	req.Header.Set("Referer", douyuOrigin)

	resp, err := m.client.DoWithContext(ctx, req)
	if err != nil {
		m.logger.Warn("status poll failed",
			slog.String("room_id", m.roomID),
			slog.String("error", err.Error()))
		return StatusUnknown
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		m.logger.Warn("status poll returned unexpected status",
			slog.String("room_id", m.roomID),
			slog.Int("status", resp.StatusCode))
		return StatusUnknown
	}

	var body struct {
		Room struct {
			ShowStatus int `json:"show_status"`
			VideoLoop  int `json:"videoLoop"`
		} `json:"room"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&body); err != nil {
		m.logger.Warn("decoding status response failed",
			slog.String("room_id", m.roomID),
			slog.String("error", err.Error()))
		return StatusUnknown
	}

	// A looping replay keeps show_status at 1; only a real broadcast counts
	// as live.
	if body.Room.ShowStatus == 1 && body.Room.VideoLoop == 0 {
		return StatusLive
	}
	return StatusOffline
}

// Initialize seeds the cache with one poll. An unknown result seeds offline.
func (m *Monitor) Initialize(ctx context.Context) {
	status := m.Check(ctx)
	if status == StatusUnknown {
		status = StatusOffline
	}
	m.mu.Lock()
	m.cached = status
	m.mu.Unlock()
	m.logger.Info("monitor initialized",
		slog.String("room_id", m.roomID),
		slog.String("status", status.String()))
}

// DetectChange polls once and reports a transition when the definite result
// differs from the cached state. Unknown results never produce a transition.
func (m *Monitor) DetectChange(ctx context.Context) *Transition {
	cur := m.Check(ctx)
	if cur == StatusUnknown {
		return nil
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if cur == m.cached {
		return nil
	}
	prev := m.cached
	m.cached = cur
	m.logger.Info("live status changed",
		slog.String("room_id", m.roomID),
		slog.String("from", prev.String()),
		slog.String("to", cur.String()))
	return &Transition{
		Streamer: m.streamer,
		RoomID:   m.roomID,
		From:     prev,
		To:       cur,
		At:       time.Now(),
	}
}

// IsLive reports the cached state.
func (m *Monitor) IsLive() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.cached == StatusLive
}
