package recording

import (
	"context"
	"encoding/xml"
	"errors"
	"net/http"
	"os"
	"path/filepath"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/SimonGino/video-processor/internal/config"
	"github.com/SimonGino/video-processor/internal/douyu"
	"github.com/SimonGino/video-processor/internal/models"
)

// fakeSessionRepo is an in-memory StreamSessionRepository covering the
// calls the coordinator makes.
type fakeSessionRepo struct {
	mu      sync.Mutex
	rows    []*models.StreamSession
	created int
	updated int
}

func (f *fakeSessionRepo) seed(s *models.StreamSession) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.rows = append(f.rows, s)
}

func (f *fakeSessionRepo) createCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.created
}

func (f *fakeSessionRepo) updateCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.updated
}

func (f *fakeSessionRepo) snapshotRows() []*models.StreamSession {
	f.mu.Lock()
	defer f.mu.Unlock()
	rows := make([]*models.StreamSession, len(f.rows))
	copy(rows, f.rows)
	return rows
}

func (f *fakeSessionRepo) Create(ctx context.Context, s *models.StreamSession) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.rows = append(f.rows, s)
	f.created++
	return nil
}

func (f *fakeSessionRepo) GetLatestOpen(ctx context.Context, name string) (*models.StreamSession, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	for i := len(f.rows) - 1; i >= 0; i-- {
		if f.rows[i].StreamerName == name && f.rows[i].EndedAt == nil {
			return f.rows[i], nil
		}
	}
	return nil, nil
}

func (f *fakeSessionRepo) Update(ctx context.Context, s *models.StreamSession) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.updated++
	return nil
}

func (f *fakeSessionRepo) GetByID(ctx context.Context, id models.ULID) (*models.StreamSession, error) {
	return nil, nil
}

func (f *fakeSessionRepo) GetClosedSince(ctx context.Context, name string, since time.Time) ([]*models.StreamSession, error) {
	return nil, nil
}

func (f *fakeSessionRepo) GetOpenOlderThan(ctx context.Context, olderThan time.Time) ([]*models.StreamSession, error) {
	return nil, nil
}

func (f *fakeSessionRepo) GetByStreamer(ctx context.Context, name string, offset, limit int) ([]*models.StreamSession, int64, error) {
	return nil, 0, nil
}

func (f *fakeSessionRepo) Delete(ctx context.Context, id models.ULID) error {
	return nil
}

// fakeResolver hands out a fixed URL or error.
type fakeResolver struct {
	mu    sync.Mutex
	url   string
	err   error
	calls int
}

func (f *fakeResolver) Resolve(ctx context.Context, roomID string) (string, http.Header, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls++
	if f.err != nil {
		return "", nil, f.err
	}
	headers := http.Header{}
	headers.Set("Referer", "https://www.douyu.com/")
	return f.url, headers, nil
}

func (f *fakeResolver) callCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.calls
}

// fakeStatus separates the cached flag from fresh poll results so tests
// can stage startup and cooldown behavior independently.
type fakeStatus struct {
	isLive atomic.Bool
	check  atomic.Int32
}

func (f *fakeStatus) Check(ctx context.Context) douyu.Status {
	return douyu.Status(f.check.Load())
}

func (f *fakeStatus) IsLive() bool {
	return f.isLive.Load()
}

func (f *fakeStatus) setCheck(s douyu.Status) {
	f.check.Store(int32(s))
}

type coordinatorEnv struct {
	dir      string
	repo     *fakeSessionRepo
	resolver *fakeResolver
	status   *fakeStatus
	c        *Coordinator
}

// newTestCoordinator wires a coordinator against fakes and a stub ffmpeg
// that writes its output file instantly. The fresh status check defaults
// to offline so a live interval records exactly one segment.
func newTestCoordinator(t *testing.T, mutate func(*Config)) *coordinatorEnv {
	t.Helper()

	dir := t.TempDir()
	cfg := Config{
		Recording: config.RecordingConfig{
			Enabled:             true,
			SegmentDuration:     time.Hour,
			Cooldown:            10 * time.Millisecond,
			StartTimeAdjustment: 5 * time.Minute,
		},
		Douyu: config.DouyuConfig{
			// Unreachable endpoint: chat degrades instantly and the
			// segment records video-only, closing the XML cleanly.
			DanmakuWSURL:      "ws://127.0.0.1:9/",
			HeartbeatInterval: time.Minute,
			ReconnectDelay:    time.Millisecond,
		},
		ProcessingDir: dir,
		FFmpegBinary:  writeStubFFmpeg(t, `echo "flv data" > "$out"`+"\nexit 0"),
	}
	if mutate != nil {
		mutate(&cfg)
	}

	env := &coordinatorEnv{
		dir:      dir,
		repo:     &fakeSessionRepo{},
		resolver: &fakeResolver{url: "https://cdn.example.com/live.flv"},
		status:   &fakeStatus{},
	}
	env.status.setCheck(douyu.StatusOffline)
	env.c = NewCoordinator(
		config.StreamerConfig{Name: "alice", RoomID: "288016"},
		cfg, env.resolver, env.status, env.repo, discardLogger())
	return env
}

func waitFor(t *testing.T, cond func() bool, msg string) {
	t.Helper()
	deadline := time.Now().Add(3 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatal(msg)
}

func globFiles(t *testing.T, dir, pattern string) []string {
	t.Helper()
	matches, err := filepath.Glob(filepath.Join(dir, pattern))
	require.NoError(t, err)
	return matches
}

func wentLive(at time.Time) douyu.Transition {
	return douyu.Transition{
		Streamer: "alice", RoomID: "288016",
		From: douyu.StatusOffline, To: douyu.StatusLive, At: at,
	}
}

func wentOffline(at time.Time) douyu.Transition {
	return douyu.Transition{
		Streamer: "alice", RoomID: "288016",
		From: douyu.StatusLive, To: douyu.StatusOffline, At: at,
	}
}

func TestCoordinator_RecordsLiveInterval(t *testing.T) {
	env := newTestCoordinator(t, nil)
	env.c.Start(context.Background())
	defer env.c.Stop(context.Background())

	liveAt := time.Now()
	env.c.HandleTransition(wentLive(liveAt))

	waitFor(t, func() bool {
		return env.c.Snapshot().State == "offline" && len(globFiles(t, env.dir, "*.flv")) == 1
	}, "segment never finalized")

	// Pair finalized, nothing partial left behind.
	assert.Len(t, globFiles(t, env.dir, "*.xml"), 1)
	assert.Empty(t, globFiles(t, env.dir, "*.part"))

	snap := env.c.Snapshot()
	assert.Equal(t, 1, snap.Segments)
	assert.Empty(t, snap.SegmentBase)
	assert.Equal(t, 1, env.resolver.callCount())

	// Session opened at detection minus the start-time adjustment.
	rows := env.repo.snapshotRows()
	require.Len(t, rows, 1)
	require.NotNil(t, rows[0].StartedAt)
	assert.WithinDuration(t, liveAt.Add(-5*time.Minute), *rows[0].StartedAt, time.Millisecond)
	assert.Nil(t, rows[0].EndedAt)

	offAt := time.Now()
	env.c.HandleTransition(wentOffline(offAt))
	waitFor(t, func() bool { return env.repo.updateCount() == 1 }, "session never closed")

	rows = env.repo.snapshotRows()
	require.Len(t, rows, 1)
	require.NotNil(t, rows[0].EndedAt)
	assert.WithinDuration(t, offAt, *rows[0].EndedAt, time.Millisecond)
}

func TestCoordinator_ResolveFailureWaitsForNextTransition(t *testing.T) {
	env := newTestCoordinator(t, nil)
	env.resolver.err = errors.New("no playable line")
	env.c.Start(context.Background())
	defer env.c.Stop(context.Background())

	env.c.HandleTransition(wentLive(time.Now()))

	waitFor(t, func() bool {
		return env.resolver.callCount() == 1 && env.c.Snapshot().State == "offline"
	}, "coordinator never gave up on resolution")

	// Session is still opened; only the capture was abandoned.
	assert.Equal(t, 1, env.repo.createCount())
	assert.Equal(t, 0, env.c.Snapshot().Segments)
	assert.Empty(t, globFiles(t, env.dir, "*"))

	// No retry loop: one resolve attempt per live transition.
	time.Sleep(50 * time.Millisecond)
	assert.Equal(t, 1, env.resolver.callCount())
}

func TestCoordinator_StopAbandonsPartFiles(t *testing.T) {
	slow := writeStubFFmpeg(t, `echo "flv data" > "$out"
trap 'exit 0' TERM
i=0; while [ $i -lt 200 ]; do sleep 0.05; i=$((i+1)); done`)
	env := newTestCoordinator(t, func(cfg *Config) { cfg.FFmpegBinary = slow })
	env.status.isLive.Store(true)
	env.c.Start(context.Background())
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		_ = env.c.Stop(ctx)
	})

	env.c.HandleTransition(wentLive(time.Now()))
	waitFor(t, func() bool {
		return len(globFiles(t, env.dir, "*.flv.part")) == 1
	}, "recorder never started")

	snap := env.c.Snapshot()
	assert.Equal(t, "recording", snap.State)
	assert.Contains(t, snap.SegmentBase, "alice录播")
	require.NotNil(t, snap.SegmentStart)
	assert.True(t, snap.Live)

	stopCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	require.NoError(t, env.c.Stop(stopCtx))

	// Renames abandoned: the pair stays partial.
	assert.Empty(t, globFiles(t, env.dir, "*.flv"))
	assert.Len(t, globFiles(t, env.dir, "*.flv.part"), 1)
	assert.Len(t, globFiles(t, env.dir, "*.xml.part"), 1)

	assert.NoError(t, env.c.Stop(context.Background()))
}

func TestCoordinator_FinalizeWithoutChatLogWritesEmptyXML(t *testing.T) {
	// When the chat writer never opened there is no .xml.part; the
	// finalized video still gets an empty chat document so every visible
	// .flv keeps an .xml sibling.
	env := newTestCoordinator(t, nil)
	base := "alice录播2026-02-24T10_30_00"
	flvPart := filepath.Join(env.dir, base+".flv.part")
	require.NoError(t, os.WriteFile(flvPart, []byte("flv data"), 0o644))

	env.c.finalizeSegment(base)

	assert.FileExists(t, filepath.Join(env.dir, base+".flv"))
	raw, err := os.ReadFile(filepath.Join(env.dir, base+".xml"))
	require.NoError(t, err)
	var doc struct {
		Lines []struct{} `xml:"d"`
	}
	require.NoError(t, xml.Unmarshal(raw, &doc))
	assert.Empty(t, doc.Lines)
	assert.Empty(t, globFiles(t, env.dir, "*.part"))
}

func TestCoordinator_SplitsSegmentsWhileLive(t *testing.T) {
	env := newTestCoordinator(t, nil)
	env.status.setCheck(douyu.StatusLive)
	env.c.Start(context.Background())
	defer env.c.Stop(context.Background())

	env.c.HandleTransition(wentLive(time.Now()))

	waitFor(t, func() bool { return env.c.Snapshot().Segments >= 2 }, "stream never split into segments")

	env.status.setCheck(douyu.StatusOffline)
	waitFor(t, func() bool { return env.c.Snapshot().State == "offline" }, "interval never ended")

	assert.GreaterOrEqual(t, env.resolver.callCount(), 2)
	assert.NotEmpty(t, globFiles(t, env.dir, "*.flv"))
}

func TestCoordinator_DisabledRecordingTracksSessions(t *testing.T) {
	env := newTestCoordinator(t, func(cfg *Config) {
		cfg.Recording.Enabled = false
		cfg.FFmpegBinary = ""
	})
	env.c.Start(context.Background())
	defer env.c.Stop(context.Background())

	env.c.HandleTransition(wentLive(time.Now()))
	waitFor(t, func() bool { return env.repo.createCount() == 1 }, "session never opened")

	env.c.HandleTransition(wentOffline(time.Now()))
	waitFor(t, func() bool { return env.repo.updateCount() == 1 }, "session never closed")

	assert.Empty(t, globFiles(t, env.dir, "*"))
	assert.Equal(t, 0, env.resolver.callCount())
}

func TestCoordinator_EndOnlySession(t *testing.T) {
	env := newTestCoordinator(t, nil)
	env.c.Start(context.Background())
	defer env.c.Stop(context.Background())

	offAt := time.Now()
	env.c.HandleTransition(wentOffline(offAt))
	waitFor(t, func() bool { return env.repo.createCount() == 1 }, "end-only session never recorded")

	rows := env.repo.snapshotRows()
	require.Len(t, rows, 1)
	assert.Nil(t, rows[0].StartedAt)
	require.NotNil(t, rows[0].EndedAt)
	assert.WithinDuration(t, offAt, *rows[0].EndedAt, time.Millisecond)
}

func TestCoordinator_StartupAlreadyLive(t *testing.T) {
	t.Run("opens a session when none is open", func(t *testing.T) {
		env := newTestCoordinator(t, func(cfg *Config) { cfg.Recording.Enabled = false })
		env.status.isLive.Store(true)
		env.c.Start(context.Background())
		defer env.c.Stop(context.Background())

		waitFor(t, func() bool { return env.repo.createCount() == 1 }, "no session for already-live streamer")
		rows := env.repo.snapshotRows()
		require.Len(t, rows, 1)
		assert.NotNil(t, rows[0].StartedAt)
	})

	t.Run("resumes an open session from a previous run", func(t *testing.T) {
		env := newTestCoordinator(t, func(cfg *Config) { cfg.Recording.Enabled = false })
		start := time.Now().Add(-time.Hour)
		env.repo.seed(&models.StreamSession{StreamerName: "alice", StartedAt: &start})
		env.status.isLive.Store(true)
		env.c.Start(context.Background())
		defer env.c.Stop(context.Background())

		time.Sleep(50 * time.Millisecond)
		assert.Equal(t, 0, env.repo.createCount())
	})
}

func TestStateString(t *testing.T) {
	assert.Equal(t, "offline", StateOffline.String())
	assert.Equal(t, "resolving", StateResolving.String())
	assert.Equal(t, "recording", StateRecording.String())
	assert.Equal(t, "closing", StateClosing.String())
	assert.Equal(t, "cooldown", StateCooldown.String())
	assert.Equal(t, "unknown", State(99).String())
}
