package uploader

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"sort"
	"strings"
	"sync/atomic"
	"time"

	"github.com/SimonGino/video-processor/internal/bilibili"
	"github.com/SimonGino/video-processor/internal/config"
	"github.com/SimonGino/video-processor/internal/models"
	"github.com/SimonGino/video-processor/internal/observability"
	"github.com/SimonGino/video-processor/internal/repository"
)

// ErrUploadRunning reports an upload task overlapping a run that has not
// finished yet.
var ErrUploadRunning = errors.New("upload task already running")

const (
	feedPublished      = "pubed"
	feedBeingPublished = "is_pubing"
	feedPublishedSize  = 20
	feedPubingSize     = 10

	collectionDateForm = "2006-01-02"
	partClockForm      = "15:04:05"
)

// Platform is the slice of the platform client the upload task drives.
type Platform interface {
	CheckLogin(ctx context.Context) (*bilibili.Account, error)
	UploadVideo(ctx context.Context, path, cdn string) (*bilibili.RemoteVideo, error)
	SubmitNew(ctx context.Context, sub bilibili.Submission, video *bilibili.RemoteVideo, partTitle string) (string, error)
	AppendPart(ctx context.Context, bvid string, video *bilibili.RemoteVideo, partTitle string) error
	Feed(ctx context.Context, statuses string, size int) ([]bilibili.FeedVideo, error)
	UploadCover(ctx context.Context, data []byte, mime string) (string, error)
}

var _ Platform = (*bilibili.Client)(nil)

// Result summarizes one upload run.
type Result struct {
	// Recovered counts rows that got a bvid from the feed sweep.
	Recovered int
	// Submitted counts new archives created.
	Submitted int
	// Appended counts parts added to existing archives.
	Appended int
	// Skipped counts files held for a later round.
	Skipped int
	// Failed counts per-file failures left for retry.
	Failed int
}

// Options configures the upload engine.
type Options struct {
	Upload config.UploadConfig
	// UploadDir is the staging directory the pipeline publishes into.
	UploadDir string
	// SkipEncoding mirrors the pipeline mode: it selects the staged
	// extension and the title suffix.
	SkipEncoding bool
	// WindowBuffer pads session windows on both sides. It carries the
	// start-time adjustment so a file stamped moments before the detected
	// start still lands in its session.
	WindowBuffer time.Duration
	// Streamers are the names whose sessions are considered for bucketing.
	Streamers []string
	Platform  Platform
	Meta      *bilibili.Meta
	Sessions  repository.StreamSessionRepository
	Uploads   repository.UploadedVideoRepository
	Logger    *slog.Logger
}

// Engine is the upload state machine. Each run verifies the login, sweeps
// the feed for bvids the platform has since assigned, buckets staged files
// into stream sessions, and per bucket either appends parts to a published
// archive, holds files while the parent is still in review, or submits the
// first file as a new archive. Runs are serialized; a second caller gets
// ErrUploadRunning.
type Engine struct {
	cfg          config.UploadConfig
	buffer       time.Duration
	skipEncoding bool
	streamers    []string
	platform     Platform
	meta         *bilibili.Meta
	scanner      *Scanner
	sessions     repository.StreamSessionRepository
	uploads      repository.UploadedVideoRepository
	logger       *slog.Logger

	running atomic.Bool
}

func New(opts Options) *Engine {
	return &Engine{
		cfg:          opts.Upload,
		buffer:       opts.WindowBuffer,
		skipEncoding: opts.SkipEncoding,
		streamers:    opts.Streamers,
		platform:     opts.Platform,
		meta:         opts.Meta,
		scanner:      NewScanner(opts.UploadDir, opts.SkipEncoding, opts.Logger),
		sessions:     opts.Sessions,
		uploads:      opts.Uploads,
		logger:       observability.WithComponent(opts.Logger, "uploader"),
	}
}

// Run executes one upload round. The login check comes first and aborts the
// whole round without touching any state; per-file failures afterwards are
// logged and the files stay staged for the next round.
func (e *Engine) Run(ctx context.Context) (*Result, error) {
	if !e.running.CompareAndSwap(false, true) {
		return nil, ErrUploadRunning
	}
	defer e.running.Store(false)

	account, err := e.platform.CheckLogin(ctx)
	if err != nil {
		return nil, fmt.Errorf("login check failed: %w", err)
	}
	e.logger.Info("upload session verified",
		slog.String("uname", account.Uname),
		slog.Int64("mid", account.Mid))

	result := &Result{}
	result.Recovered = e.recoverMissingBVIDs(ctx)

	files, err := e.stagedBatch(ctx)
	if err != nil {
		return result, err
	}
	if len(files) == 0 {
		e.logger.Info("no staged files to upload")
		return result, nil
	}

	sessions, err := e.sessionWindows(ctx)
	if err != nil {
		return result, err
	}

	buckets, orphans := e.bucketFiles(sessions, files)
	for _, f := range orphans {
		e.logger.Warn("staged file matches no session window, holding",
			slog.String("file", f.Name),
			slog.Time("stamp", f.Timestamp))
	}
	result.Skipped += len(orphans)

	for _, b := range buckets {
		if err := ctx.Err(); err != nil {
			return result, err
		}
		e.processBucket(ctx, b, result)
	}

	e.logger.Info("upload round finished",
		slog.Int("submitted", result.Submitted),
		slog.Int("appended", result.Appended),
		slog.Int("recovered", result.Recovered),
		slog.Int("skipped", result.Skipped),
		slog.Int("failed", result.Failed))
	return result, nil
}

// stagedBatch scans the upload directory and drops files the store already
// knows, so a file is never shipped twice.
func (e *Engine) stagedBatch(ctx context.Context) ([]StagedFile, error) {
	files, err := e.scanner.Scan()
	if err != nil {
		return nil, err
	}
	batch := make([]StagedFile, 0, len(files))
	for _, f := range files {
		existing, err := e.uploads.GetByFilename(ctx, f.Name)
		if err != nil {
			return nil, err
		}
		if existing != nil {
			continue
		}
		batch = append(batch, f)
	}
	return batch, nil
}

// sessionWindows loads the sessions files can bucket into: every session
// closed within the lookback, plus each streamer's latest open one, sorted
// by start ascending so overlapping windows resolve to the earliest start.
func (e *Engine) sessionWindows(ctx context.Context) ([]*models.StreamSession, error) {
	cutoff := time.Now().Add(-e.cfg.SessionLookback.Duration())
	var sessions []*models.StreamSession
	for _, streamer := range e.streamers {
		closed, err := e.sessions.GetClosedSince(ctx, streamer, cutoff)
		if err != nil {
			return nil, fmt.Errorf("loading closed sessions for %s: %w", streamer, err)
		}
		sessions = append(sessions, closed...)

		open, err := e.sessions.GetLatestOpen(ctx, streamer)
		if err != nil {
			return nil, fmt.Errorf("loading open session for %s: %w", streamer, err)
		}
		if open != nil {
			sessions = append(sessions, open)
		}
	}

	// End-only sessions have no window.
	windows := sessions[:0]
	for _, s := range sessions {
		if s.StartedAt != nil {
			windows = append(windows, s)
		}
	}
	sort.Slice(windows, func(i, j int) bool {
		return windows[i].StartedAt.Before(*windows[j].StartedAt)
	})
	return windows, nil
}

// bucket pairs a session with the staged files inside its window.
type bucket struct {
	session *models.StreamSession
	files   []StagedFile
}

func (e *Engine) bucketFiles(sessions []*models.StreamSession, files []StagedFile) ([]*bucket, []StagedFile) {
	now := models.Now()
	byIndex := make(map[int]*bucket)
	var orphans []StagedFile

	for _, f := range files {
		placed := false
		for i, s := range sessions {
			if !s.Contains(f.Timestamp, e.buffer, now) {
				continue
			}
			b, ok := byIndex[i]
			if !ok {
				b = &bucket{session: s}
				byIndex[i] = b
			}
			b.files = append(b.files, f)
			placed = true
			break
		}
		if !placed {
			orphans = append(orphans, f)
		}
	}

	buckets := make([]*bucket, 0, len(byIndex))
	for i := range sessions {
		if b, ok := byIndex[i]; ok {
			buckets = append(buckets, b)
		}
	}
	return buckets, orphans
}

// processBucket classifies one session bucket against the rows in its
// window and runs the matching flow.
func (e *Engine) processBucket(ctx context.Context, b *bucket, result *Result) {
	now := models.Now()
	start := b.session.WindowStart(e.buffer)
	end := b.session.WindowEnd(e.buffer, now)

	rows, err := e.uploads.GetInWindow(ctx, start, end)
	if err != nil {
		e.logger.Error("loading window rows failed",
			slog.String("streamer", b.session.StreamerName),
			slog.String("error", err.Error()))
		result.Failed += len(b.files)
		return
	}

	parent := ""
	for _, row := range rows {
		if row.HasBVID() {
			parent = *row.BVID
			break
		}
	}

	switch {
	case parent != "":
		e.appendFiles(ctx, b, parent, len(rows), result)
	case len(rows) > 0:
		e.logger.Info("session parent still in review, holding parts",
			slog.String("streamer", b.session.StreamerName),
			slog.Int("held", len(b.files)))
		result.Skipped += len(b.files)
	default:
		e.submitFirst(ctx, b, result)
	}
}

// appendFiles attaches each staged file to the published archive, oldest
// first. The part number is the count of recorded rows in the window plus
// one; a failed file does not advance it, so the slot is retried next
// round.
func (e *Engine) appendFiles(ctx context.Context, b *bucket, bvid string, recorded int, result *Result) {
	parts := recorded
	for _, f := range b.files {
		if ctx.Err() != nil {
			return
		}

		existing, err := e.uploads.GetByFilename(ctx, f.Name)
		if err != nil {
			e.logger.Error("checking recorded file failed",
				slog.String("file", f.Name),
				slog.String("error", err.Error()))
			result.Failed++
			continue
		}
		if existing != nil {
			result.Skipped++
			continue
		}

		partTitle := e.withSuffix(fmt.Sprintf("P%d %s", parts+1, f.Timestamp.Format(partClockForm)))
		remote, err := e.platform.UploadVideo(ctx, f.Path, e.meta.CDN)
		if err != nil {
			e.logger.Error("uploading part failed",
				slog.String("file", f.Name),
				slog.String("error", err.Error()))
			result.Failed++
			continue
		}
		if err := e.platform.AppendPart(ctx, bvid, remote, partTitle); err != nil {
			e.logger.Error("appending part failed",
				slog.String("file", f.Name),
				slog.String("bvid", bvid),
				slog.String("error", err.Error()))
			result.Failed++
			continue
		}

		parts++
		result.Appended++
		row := &models.UploadedVideo{
			Title:             partTitle + " (分P)",
			FirstPartFilename: f.Name,
			UploadTime:        f.Timestamp,
		}
		if err := e.uploads.Create(ctx, row); err != nil {
			e.logger.Error("recording appended part failed, file kept",
				slog.String("file", f.Name),
				slog.String("error", err.Error()))
			continue
		}
		e.finishFile(f)
	}
}

// submitFirst creates a new archive from the oldest file in the bucket.
// The rest of the bucket waits until the archive publishes and a later
// round can append to it.
func (e *Engine) submitFirst(ctx context.Context, b *bucket, result *Result) {
	f := b.files[0]
	title := e.newTitle(f.Timestamp, len(b.files))

	remote, err := e.platform.UploadVideo(ctx, f.Path, e.meta.CDN)
	if err != nil {
		e.logger.Error("uploading video failed",
			slog.String("file", f.Name),
			slog.String("error", err.Error()))
		result.Failed++
		result.Skipped += len(b.files) - 1
		return
	}

	partTitle := e.withSuffix(fmt.Sprintf("P1 %s", f.Timestamp.Format(partClockForm)))
	bvid, err := e.platform.SubmitNew(ctx, e.meta.Submission(title, e.coverURL(ctx)), remote, partTitle)
	if err != nil {
		e.logger.Error("submitting archive failed",
			slog.String("file", f.Name),
			slog.String("title", title),
			slog.String("error", err.Error()))
		result.Failed++
		result.Skipped += len(b.files) - 1
		return
	}

	result.Submitted++
	if held := len(b.files) - 1; held > 0 {
		e.logger.Info("holding session files until the archive publishes",
			slog.Int("held", held))
		result.Skipped += held
	}

	row := &models.UploadedVideo{
		Title:             title,
		FirstPartFilename: f.Name,
		UploadTime:        f.Timestamp,
	}
	if bvid != "" {
		row.SetBVID(bvid)
	}
	if err := e.uploads.Create(ctx, row); err != nil {
		e.logger.Error("recording submission failed",
			slog.String("file", f.Name),
			slog.String("title", title),
			slog.String("error", err.Error()))
		return
	}
	e.finishFile(f)

	if !row.HasBVID() {
		e.backFillTitle(ctx, row)
	}
}

// newTitle renders the archive title for a new submission. A template
// without the time placeholder would make every multi-file session collide
// on exact-title matching, so those get the batch date appended.
func (e *Engine) newTitle(ts time.Time, batchSize int) string {
	title := e.meta.Title
	switch {
	case e.meta.HasTimePlaceholder():
		title = e.meta.RenderTitle(ts)
	case batchSize > 1:
		title = fmt.Sprintf("%s (合集 %s)", e.meta.Title, ts.Format(collectionDateForm))
	}
	return e.withSuffix(title)
}

// withSuffix appends the mode-matching title suffix when one is
// configured. Skipping the encode means the subtitle track was never
// burned in, which the no-danmaku suffix advertises.
func (e *Engine) withSuffix(title string) string {
	suffix := e.cfg.DanmakuTitleSuffix
	if e.skipEncoding {
		suffix = e.cfg.NoDanmakuTitleSuffix
	}
	if suffix == "" {
		return title
	}
	return title + " " + suffix
}

// coverURL uploads the template cover and returns its hosted URL. Cover
// trouble never blocks a submission; the archive just goes out bare.
func (e *Engine) coverURL(ctx context.Context) string {
	data, mime, err := e.meta.CoverData()
	if err != nil {
		e.logger.Warn("loading cover failed, submitting without one",
			slog.String("error", err.Error()))
		return ""
	}
	if data == nil {
		return ""
	}
	hosted, err := e.platform.UploadCover(ctx, data, mime)
	if err != nil {
		e.logger.Warn("uploading cover failed, submitting without one",
			slog.String("error", err.Error()))
		return ""
	}
	return hosted
}

// backFillTitle polls the feed for the bvid of a fresh submission. Review
// usually lags the submit call, so the poll waits before each query.
func (e *Engine) backFillTitle(ctx context.Context, row *models.UploadedVideo) {
	for attempt := 1; attempt <= e.cfg.FeedAttempts; attempt++ {
		select {
		case <-ctx.Done():
			return
		case <-time.After(e.cfg.FeedWait):
		}

		titles, err := e.fetchFeed(ctx)
		if err != nil {
			e.logger.Warn("feed query failed",
				slog.Int("attempt", attempt),
				slog.String("error", err.Error()))
			continue
		}
		bvid, ok := titles[row.Title]
		if !ok {
			continue
		}
		row.SetBVID(bvid)
		if err := e.uploads.Update(ctx, row); err != nil {
			e.logger.Error("recording recovered bvid failed",
				slog.String("bvid", bvid),
				slog.String("error", err.Error()))
			return
		}
		e.logger.Info("bvid recovered from feed",
			slog.String("bvid", bvid),
			slog.String("title", row.Title))
		return
	}
	e.logger.Info("archive not yet visible in feed, sweep will retry",
		slog.String("title", row.Title))
}

// recoverMissingBVIDs sweeps rows without a bvid against the current feed.
// It runs before the upload flows so a freshly reviewed archive can take
// appends in the same round. Sweep trouble is logged and skipped; pending
// buckets just stay pending.
func (e *Engine) recoverMissingBVIDs(ctx context.Context) int {
	rows, err := e.uploads.GetMissingBVID(ctx)
	if err != nil {
		e.logger.Warn("listing rows without bvid failed",
			slog.String("error", err.Error()))
		return 0
	}
	if len(rows) == 0 {
		return 0
	}

	titles, err := e.fetchFeed(ctx)
	if err != nil {
		e.logger.Warn("feed unavailable for bvid recovery",
			slog.String("error", err.Error()))
		return 0
	}

	recovered := 0
	for _, row := range rows {
		bvid, ok := titles[row.Title]
		if !ok {
			continue
		}
		owner, err := e.uploads.GetByBVID(ctx, bvid)
		if err != nil {
			e.logger.Warn("checking bvid owner failed",
				slog.String("bvid", bvid),
				slog.String("error", err.Error()))
			continue
		}
		if owner != nil {
			// Two rows sharing a title; the bvid belongs to the first.
			e.logger.Warn("feed bvid already claimed, skipping",
				slog.String("bvid", bvid),
				slog.String("title", row.Title))
			continue
		}
		row.SetBVID(bvid)
		if err := e.uploads.Update(ctx, row); err != nil {
			e.logger.Error("recording recovered bvid failed",
				slog.String("bvid", bvid),
				slog.String("error", err.Error()))
			continue
		}
		recovered++
		e.logger.Info("bvid recovered",
			slog.String("bvid", bvid),
			slog.String("title", row.Title))
	}
	return recovered
}

// fetchFeed merges the being-published and published feeds into a title to
// bvid map. Published entries win so a finished review beats its own
// in-flight duplicate, and entries without a proper BV id are dropped.
func (e *Engine) fetchFeed(ctx context.Context) (map[string]string, error) {
	pubing, err := e.platform.Feed(ctx, feedBeingPublished, feedPubingSize)
	if err != nil {
		return nil, fmt.Errorf("querying publishing feed: %w", err)
	}
	pubed, err := e.platform.Feed(ctx, feedPublished, feedPublishedSize)
	if err != nil {
		return nil, fmt.Errorf("querying published feed: %w", err)
	}

	titles := make(map[string]string, len(pubing)+len(pubed))
	for _, v := range pubing {
		if strings.HasPrefix(v.BVID, "BV") {
			titles[v.Title] = v.BVID
		}
	}
	for _, v := range pubed {
		if strings.HasPrefix(v.BVID, "BV") {
			titles[v.Title] = v.BVID
		}
	}
	return titles, nil
}

// finishFile removes a recorded file when the configuration says uploads
// should not linger on disk.
func (e *Engine) finishFile(f StagedFile) {
	if !e.cfg.DeleteAfterUpload {
		return
	}
	if err := os.Remove(f.Path); err != nil {
		e.logger.Warn("removing uploaded file failed",
			slog.String("file", f.Name),
			slog.String("error", err.Error()))
		return
	}
	e.logger.Info("uploaded file removed", slog.String("file", f.Name))
}
