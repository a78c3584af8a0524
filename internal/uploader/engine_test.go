package uploader

import (
	"context"
	"errors"
	"fmt"
	"os"
	"testing"
	"time"

	"github.com/glebarez/sqlite"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"

	"github.com/SimonGino/video-processor/internal/bilibili"
	"github.com/SimonGino/video-processor/internal/config"
	"github.com/SimonGino/video-processor/internal/models"
	"github.com/SimonGino/video-processor/internal/repository"
)

// fakePlatform satisfies Platform with per-test function fields. Calls run
// on the test goroutine, so tests record arguments in plain variables.
type fakePlatform struct {
	checkLogin  func(ctx context.Context) (*bilibili.Account, error)
	uploadVideo func(ctx context.Context, path, cdn string) (*bilibili.RemoteVideo, error)
	submitNew   func(ctx context.Context, sub bilibili.Submission, video *bilibili.RemoteVideo, partTitle string) (string, error)
	appendPart  func(ctx context.Context, bvid string, video *bilibili.RemoteVideo, partTitle string) error
	feed        func(ctx context.Context, statuses string, size int) ([]bilibili.FeedVideo, error)
	uploadCover func(ctx context.Context, data []byte, mime string) (string, error)
}

func (f *fakePlatform) CheckLogin(ctx context.Context) (*bilibili.Account, error) {
	if f.checkLogin != nil {
		return f.checkLogin(ctx)
	}
	return &bilibili.Account{Uname: "tester", Mid: 92113}, nil
}

func (f *fakePlatform) UploadVideo(ctx context.Context, path, cdn string) (*bilibili.RemoteVideo, error) {
	if f.uploadVideo != nil {
		return f.uploadVideo(ctx, path, cdn)
	}
	return &bilibili.RemoteVideo{Filename: "remote"}, nil
}

func (f *fakePlatform) SubmitNew(ctx context.Context, sub bilibili.Submission, video *bilibili.RemoteVideo, partTitle string) (string, error) {
	if f.submitNew != nil {
		return f.submitNew(ctx, sub, video, partTitle)
	}
	return "BV1xx411c7AB", nil
}

func (f *fakePlatform) AppendPart(ctx context.Context, bvid string, video *bilibili.RemoteVideo, partTitle string) error {
	if f.appendPart != nil {
		return f.appendPart(ctx, bvid, video, partTitle)
	}
	return nil
}

func (f *fakePlatform) Feed(ctx context.Context, statuses string, size int) ([]bilibili.FeedVideo, error) {
	if f.feed != nil {
		return f.feed(ctx, statuses, size)
	}
	return nil, nil
}

func (f *fakePlatform) UploadCover(ctx context.Context, data []byte, mime string) (string, error) {
	if f.uploadCover != nil {
		return f.uploadCover(ctx, data, mime)
	}
	return "", nil
}

type engineFixture struct {
	engine   *Engine
	platform *fakePlatform
	sessions repository.StreamSessionRepository
	uploads  repository.UploadedVideoRepository
	dir      string
}

func setupEngine(t *testing.T, mutate func(*Options)) *engineFixture {
	t.Helper()

	db, err := gorm.Open(sqlite.Open(":memory:"), &gorm.Config{
		Logger: logger.Default.LogMode(logger.Silent),
	})
	require.NoError(t, err)
	require.NoError(t, db.AutoMigrate(&models.StreamSession{}, &models.UploadedVideo{}))

	platform := &fakePlatform{}
	opts := Options{
		Upload: config.UploadConfig{
			Enabled:              true,
			NoDanmakuTitleSuffix: "【无弹幕版】",
			FeedAttempts:         0,
			FeedWait:             time.Millisecond,
			SessionLookback:      config.Duration(72 * time.Hour),
		},
		UploadDir:    t.TempDir(),
		WindowBuffer: 10 * time.Minute,
		Streamers:    []string{"星奈"},
		Platform:     platform,
		Meta: &bilibili.Meta{
			Title: "【直播录像】星奈 {time}",
			Tid:   171,
			Tag:   bilibili.TagList{"直播录像", "星奈"},
		},
		Sessions: repository.NewStreamSessionRepository(db),
		Uploads:  repository.NewUploadedVideoRepository(db),
		Logger:   discardLogger(),
	}
	if mutate != nil {
		mutate(&opts)
	}
	return &engineFixture{
		engine:   New(opts),
		platform: platform,
		sessions: opts.Sessions,
		uploads:  opts.Uploads,
		dir:      opts.UploadDir,
	}
}

func (fx *engineFixture) stage(t *testing.T, ts time.Time, ext string) StagedFile {
	t.Helper()
	name := fmt.Sprintf("星奈录播%s.%s", ts.Format(segmentStampLayout), ext)
	path := stageFile(t, fx.dir, name)
	return StagedFile{Path: path, Name: name, Timestamp: ts.Truncate(time.Second)}
}

func seedClosedSession(t *testing.T, repo repository.StreamSessionRepository, streamer string, start, end time.Time) *models.StreamSession {
	t.Helper()
	s := &models.StreamSession{StreamerName: streamer, StartedAt: &start, EndedAt: &end}
	require.NoError(t, repo.Create(context.Background(), s))
	return s
}

func seedOpenSession(t *testing.T, repo repository.StreamSessionRepository, streamer string, start time.Time) *models.StreamSession {
	t.Helper()
	s := &models.StreamSession{StreamerName: streamer, StartedAt: &start}
	require.NoError(t, repo.Create(context.Background(), s))
	return s
}

func seedRow(t *testing.T, repo repository.UploadedVideoRepository, title, filename string, uploadTime time.Time, bvid string) *models.UploadedVideo {
	t.Helper()
	row := &models.UploadedVideo{Title: title, FirstPartFilename: filename, UploadTime: uploadTime}
	if bvid != "" {
		row.SetBVID(bvid)
	}
	require.NoError(t, repo.Create(context.Background(), row))
	return row
}

func TestEngine_Run_LoginGate(t *testing.T) {
	ctx := context.Background()
	fx := setupEngine(t, nil)

	uploads := 0
	fx.platform.checkLogin = func(ctx context.Context) (*bilibili.Account, error) {
		return nil, fmt.Errorf("%w: cookies expired", bilibili.ErrNotLoggedIn)
	}
	fx.platform.uploadVideo = func(ctx context.Context, path, cdn string) (*bilibili.RemoteVideo, error) {
		uploads++
		return &bilibili.RemoteVideo{Filename: "remote"}, nil
	}

	start := time.Now().Add(-2 * time.Hour)
	seedClosedSession(t, fx.sessions, "星奈", start, start.Add(time.Hour))
	staged := fx.stage(t, start.Add(5*time.Minute), "mp4")

	result, err := fx.engine.Run(ctx)
	require.Error(t, err)
	assert.ErrorIs(t, err, bilibili.ErrNotLoggedIn)
	assert.Contains(t, err.Error(), "login check failed")
	assert.Nil(t, result)

	assert.Zero(t, uploads)
	assert.FileExists(t, staged.Path)
	_, total, err := fx.uploads.GetRecent(ctx, 0, 10)
	require.NoError(t, err)
	assert.Zero(t, total)
}

func TestEngine_Run_Serialized(t *testing.T) {
	ctx := context.Background()
	fx := setupEngine(t, nil)

	fx.engine.running.Store(true)
	_, err := fx.engine.Run(ctx)
	assert.ErrorIs(t, err, ErrUploadRunning)

	fx.engine.running.Store(false)
	_, err = fx.engine.Run(ctx)
	require.NoError(t, err)

	// The guard releases after a run.
	_, err = fx.engine.Run(ctx)
	require.NoError(t, err)
}

func TestEngine_Run_NewUpload(t *testing.T) {
	ctx := context.Background()

	t.Run("submits the first file and holds the rest", func(t *testing.T) {
		fx := setupEngine(t, nil)

		start := time.Now().Add(-3 * time.Hour)
		seedClosedSession(t, fx.sessions, "星奈", start, start.Add(2*time.Hour))
		first := fx.stage(t, start.Add(5*time.Minute), "mp4")
		fx.stage(t, start.Add(30*time.Minute), "mp4")

		var uploadedPaths []string
		var gotSub bilibili.Submission
		var gotPartTitle string
		fx.platform.uploadVideo = func(ctx context.Context, path, cdn string) (*bilibili.RemoteVideo, error) {
			uploadedPaths = append(uploadedPaths, path)
			return &bilibili.RemoteVideo{Filename: "n260824remote"}, nil
		}
		fx.platform.submitNew = func(ctx context.Context, sub bilibili.Submission, video *bilibili.RemoteVideo, partTitle string) (string, error) {
			gotSub = sub
			gotPartTitle = partTitle
			return "BV1fresh0001", nil
		}

		result, err := fx.engine.Run(ctx)
		require.NoError(t, err)
		assert.Equal(t, 1, result.Submitted)
		assert.Equal(t, 1, result.Skipped)
		assert.Zero(t, result.Failed)

		require.Equal(t, []string{first.Path}, uploadedPaths)
		wantTitle := "【直播录像】星奈 " + first.Timestamp.Format("2006年01月02日")
		assert.Equal(t, wantTitle, gotSub.Title)
		assert.Equal(t, 171, gotSub.Tid)
		assert.Equal(t, "直播录像,星奈", gotSub.Tag)
		assert.Equal(t, "P1 "+first.Timestamp.Format("15:04:05"), gotPartTitle)

		row, err := fx.uploads.GetByFilename(ctx, first.Name)
		require.NoError(t, err)
		require.NotNil(t, row)
		assert.Equal(t, wantTitle, row.Title)
		require.True(t, row.HasBVID())
		assert.Equal(t, "BV1fresh0001", *row.BVID)
		assert.True(t, row.UploadTime.Equal(first.Timestamp))

		_, total, err := fx.uploads.GetRecent(ctx, 0, 10)
		require.NoError(t, err)
		assert.EqualValues(t, 1, total)
	})

	t.Run("falls back to the batch date for a dateless template", func(t *testing.T) {
		fx := setupEngine(t, func(o *Options) {
			o.Meta = &bilibili.Meta{Title: "星奈精选集", Tid: 171, Tag: bilibili.TagList{"直播录像"}}
		})

		start := time.Now().Add(-3 * time.Hour)
		seedClosedSession(t, fx.sessions, "星奈", start, start.Add(2*time.Hour))
		first := fx.stage(t, start.Add(5*time.Minute), "mp4")
		fx.stage(t, start.Add(30*time.Minute), "mp4")

		var gotTitle string
		fx.platform.submitNew = func(ctx context.Context, sub bilibili.Submission, video *bilibili.RemoteVideo, partTitle string) (string, error) {
			gotTitle = sub.Title
			return "BV1fresh0002", nil
		}

		_, err := fx.engine.Run(ctx)
		require.NoError(t, err)
		assert.Equal(t, "星奈精选集 (合集 "+first.Timestamp.Format("2006-01-02")+")", gotTitle)
	})

	t.Run("keeps a dateless template as-is for a single file", func(t *testing.T) {
		fx := setupEngine(t, func(o *Options) {
			o.Meta = &bilibili.Meta{Title: "星奈精选集", Tid: 171, Tag: bilibili.TagList{"直播录像"}}
		})

		start := time.Now().Add(-3 * time.Hour)
		seedClosedSession(t, fx.sessions, "星奈", start, start.Add(2*time.Hour))
		fx.stage(t, start.Add(5*time.Minute), "mp4")

		var gotTitle string
		fx.platform.submitNew = func(ctx context.Context, sub bilibili.Submission, video *bilibili.RemoteVideo, partTitle string) (string, error) {
			gotTitle = sub.Title
			return "BV1fresh0003", nil
		}

		_, err := fx.engine.Run(ctx)
		require.NoError(t, err)
		assert.Equal(t, "星奈精选集", gotTitle)
	})

	t.Run("marks titles when the subtitle track was never burned in", func(t *testing.T) {
		fx := setupEngine(t, func(o *Options) {
			o.SkipEncoding = true
		})

		start := time.Now().Add(-3 * time.Hour)
		seedClosedSession(t, fx.sessions, "星奈", start, start.Add(2*time.Hour))
		first := fx.stage(t, start.Add(5*time.Minute), "flv")

		var gotTitle, gotPartTitle string
		fx.platform.submitNew = func(ctx context.Context, sub bilibili.Submission, video *bilibili.RemoteVideo, partTitle string) (string, error) {
			gotTitle = sub.Title
			gotPartTitle = partTitle
			return "BV1fresh0004", nil
		}

		_, err := fx.engine.Run(ctx)
		require.NoError(t, err)
		wantTitle := "【直播录像】星奈 " + first.Timestamp.Format("2006年01月02日") + " 【无弹幕版】"
		assert.Equal(t, wantTitle, gotTitle)
		assert.Equal(t, "P1 "+first.Timestamp.Format("15:04:05")+" 【无弹幕版】", gotPartTitle)
	})

	t.Run("ships the hosted cover with the submission", func(t *testing.T) {
		dir := t.TempDir()
		coverPath := stageFile(t, dir, "cover.png")
		fx := setupEngine(t, func(o *Options) {
			o.Meta = &bilibili.Meta{
				Title: "【直播录像】星奈 {time}",
				Tid:   171,
				Tag:   bilibili.TagList{"直播录像"},
				Cover: coverPath,
			}
		})

		start := time.Now().Add(-3 * time.Hour)
		seedClosedSession(t, fx.sessions, "星奈", start, start.Add(2*time.Hour))
		fx.stage(t, start.Add(5*time.Minute), "mp4")

		var gotCover string
		fx.platform.uploadCover = func(ctx context.Context, data []byte, mime string) (string, error) {
			assert.Equal(t, []byte("video"), data)
			return "https://cdn.example.com/cover.png", nil
		}
		fx.platform.submitNew = func(ctx context.Context, sub bilibili.Submission, video *bilibili.RemoteVideo, partTitle string) (string, error) {
			gotCover = sub.Cover
			return "BV1fresh0005", nil
		}

		_, err := fx.engine.Run(ctx)
		require.NoError(t, err)
		assert.Equal(t, "https://cdn.example.com/cover.png", gotCover)
	})

	t.Run("writes no row when the transfer fails", func(t *testing.T) {
		fx := setupEngine(t, nil)

		start := time.Now().Add(-3 * time.Hour)
		seedClosedSession(t, fx.sessions, "星奈", start, start.Add(2*time.Hour))
		staged := fx.stage(t, start.Add(5*time.Minute), "mp4")

		submitted := 0
		fx.platform.uploadVideo = func(ctx context.Context, path, cdn string) (*bilibili.RemoteVideo, error) {
			return nil, errors.New("storage node unreachable")
		}
		fx.platform.submitNew = func(ctx context.Context, sub bilibili.Submission, video *bilibili.RemoteVideo, partTitle string) (string, error) {
			submitted++
			return "BV1fresh0006", nil
		}

		result, err := fx.engine.Run(ctx)
		require.NoError(t, err)
		assert.Equal(t, 1, result.Failed)
		assert.Zero(t, result.Submitted)
		assert.Zero(t, submitted)
		assert.FileExists(t, staged.Path)

		_, total, err := fx.uploads.GetRecent(ctx, 0, 10)
		require.NoError(t, err)
		assert.Zero(t, total)
	})

	t.Run("writes no row when the submission fails", func(t *testing.T) {
		fx := setupEngine(t, nil)

		start := time.Now().Add(-3 * time.Hour)
		seedClosedSession(t, fx.sessions, "星奈", start, start.Add(2*time.Hour))
		staged := fx.stage(t, start.Add(5*time.Minute), "mp4")

		fx.platform.submitNew = func(ctx context.Context, sub bilibili.Submission, video *bilibili.RemoteVideo, partTitle string) (string, error) {
			return "", &bilibili.APIError{Code: 21070, Message: "submission rate limited"}
		}

		result, err := fx.engine.Run(ctx)
		require.NoError(t, err)
		assert.Equal(t, 1, result.Failed)
		assert.Zero(t, result.Submitted)
		assert.FileExists(t, staged.Path)

		_, total, err := fx.uploads.GetRecent(ctx, 0, 10)
		require.NoError(t, err)
		assert.Zero(t, total)
	})

	t.Run("polls the feed when the submit response has no bvid", func(t *testing.T) {
		fx := setupEngine(t, func(o *Options) {
			o.Upload.FeedAttempts = 2
			o.Upload.FeedWait = time.Millisecond
		})

		start := time.Now().Add(-3 * time.Hour)
		seedClosedSession(t, fx.sessions, "星奈", start, start.Add(2*time.Hour))
		first := fx.stage(t, start.Add(5*time.Minute), "mp4")
		wantTitle := "【直播录像】星奈 " + first.Timestamp.Format("2006年01月02日")

		fx.platform.submitNew = func(ctx context.Context, sub bilibili.Submission, video *bilibili.RemoteVideo, partTitle string) (string, error) {
			return "", nil
		}
		var feedQueries []string
		fx.platform.feed = func(ctx context.Context, statuses string, size int) ([]bilibili.FeedVideo, error) {
			feedQueries = append(feedQueries, fmt.Sprintf("%s/%d", statuses, size))
			// The archive surfaces in the published feed on the
			// second poll.
			if len(feedQueries) >= 4 && statuses == feedPublished {
				return []bilibili.FeedVideo{{BVID: "BV1poll0001", Title: wantTitle}}, nil
			}
			return nil, nil
		}

		result, err := fx.engine.Run(ctx)
		require.NoError(t, err)
		assert.Equal(t, 1, result.Submitted)

		assert.Equal(t, []string{"is_pubing/10", "pubed/20", "is_pubing/10", "pubed/20"}, feedQueries)
		row, err := fx.uploads.GetByFilename(ctx, first.Name)
		require.NoError(t, err)
		require.NotNil(t, row)
		require.True(t, row.HasBVID())
		assert.Equal(t, "BV1poll0001", *row.BVID)
	})

	t.Run("leaves the row pending when the feed never shows it", func(t *testing.T) {
		fx := setupEngine(t, func(o *Options) {
			o.Upload.FeedAttempts = 2
			o.Upload.FeedWait = time.Millisecond
		})

		start := time.Now().Add(-3 * time.Hour)
		seedClosedSession(t, fx.sessions, "星奈", start, start.Add(2*time.Hour))
		first := fx.stage(t, start.Add(5*time.Minute), "mp4")

		fx.platform.submitNew = func(ctx context.Context, sub bilibili.Submission, video *bilibili.RemoteVideo, partTitle string) (string, error) {
			return "", nil
		}

		result, err := fx.engine.Run(ctx)
		require.NoError(t, err)
		assert.Equal(t, 1, result.Submitted)

		row, err := fx.uploads.GetByFilename(ctx, first.Name)
		require.NoError(t, err)
		require.NotNil(t, row)
		assert.False(t, row.HasBVID())
	})
}

func TestEngine_Run_AppendParts(t *testing.T) {
	ctx := context.Background()

	t.Run("numbers parts after the recorded rows", func(t *testing.T) {
		fx := setupEngine(t, nil)

		start := time.Now().Add(-4 * time.Hour)
		seedClosedSession(t, fx.sessions, "星奈", start, start.Add(3*time.Hour))
		seedRow(t, fx.uploads, "【直播录像】星奈", "星奈录播old1.mp4", start, "BV1parent001")
		seedRow(t, fx.uploads, "P2 10:00:00 (分P)", "星奈录播old2.mp4", start.Add(30*time.Minute), "")

		third := fx.stage(t, start.Add(time.Hour), "mp4")
		fourth := fx.stage(t, start.Add(2*time.Hour), "mp4")

		type appendCall struct {
			bvid, partTitle string
		}
		var calls []appendCall
		fx.platform.appendPart = func(ctx context.Context, bvid string, video *bilibili.RemoteVideo, partTitle string) error {
			calls = append(calls, appendCall{bvid: bvid, partTitle: partTitle})
			return nil
		}

		result, err := fx.engine.Run(ctx)
		require.NoError(t, err)
		assert.Equal(t, 2, result.Appended)
		assert.Zero(t, result.Submitted)

		require.Len(t, calls, 2)
		assert.Equal(t, "BV1parent001", calls[0].bvid)
		assert.Equal(t, "P3 "+third.Timestamp.Format("15:04:05"), calls[0].partTitle)
		assert.Equal(t, "BV1parent001", calls[1].bvid)
		assert.Equal(t, "P4 "+fourth.Timestamp.Format("15:04:05"), calls[1].partTitle)

		row, err := fx.uploads.GetByFilename(ctx, third.Name)
		require.NoError(t, err)
		require.NotNil(t, row)
		assert.Equal(t, calls[0].partTitle+" (分P)", row.Title)
		assert.False(t, row.HasBVID())
	})

	t.Run("a failed part keeps its slot for the next round", func(t *testing.T) {
		fx := setupEngine(t, nil)

		start := time.Now().Add(-4 * time.Hour)
		seedClosedSession(t, fx.sessions, "星奈", start, start.Add(3*time.Hour))
		seedRow(t, fx.uploads, "【直播录像】星奈", "星奈录播old1.mp4", start, "BV1parent002")

		first := fx.stage(t, start.Add(time.Hour), "mp4")
		fx.stage(t, start.Add(2*time.Hour), "mp4")

		var partTitles []string
		fx.platform.appendPart = func(ctx context.Context, bvid string, video *bilibili.RemoteVideo, partTitle string) error {
			partTitles = append(partTitles, partTitle)
			if len(partTitles) == 1 {
				return errors.New("archive locked for review")
			}
			return nil
		}

		result, err := fx.engine.Run(ctx)
		require.NoError(t, err)
		assert.Equal(t, 1, result.Appended)
		assert.Equal(t, 1, result.Failed)

		// Both files bid for slot P2; the failure did not consume it.
		require.Len(t, partTitles, 2)
		assert.True(t, partTitles[0] != partTitles[1])
		assert.Contains(t, partTitles[0], "P2 ")
		assert.Contains(t, partTitles[1], "P2 ")

		row, err := fx.uploads.GetByFilename(ctx, first.Name)
		require.NoError(t, err)
		assert.Nil(t, row)
	})

	t.Run("double-checks the store before each part", func(t *testing.T) {
		fx := setupEngine(t, nil)

		start := time.Now().Add(-4 * time.Hour)
		seedClosedSession(t, fx.sessions, "星奈", start, start.Add(3*time.Hour))
		seedRow(t, fx.uploads, "【直播录像】星奈", "星奈录播old1.mp4", start, "BV1parent003")

		fx.stage(t, start.Add(time.Hour), "mp4")
		second := fx.stage(t, start.Add(2*time.Hour), "mp4")

		// A concurrent writer claims the second file while the first
		// one transfers.
		appends := 0
		fx.platform.appendPart = func(ctx context.Context, bvid string, video *bilibili.RemoteVideo, partTitle string) error {
			appends++
			if appends == 1 {
				seedRow(t, fx.uploads, "claimed elsewhere", second.Name, second.Timestamp, "")
			}
			return nil
		}

		result, err := fx.engine.Run(ctx)
		require.NoError(t, err)
		assert.Equal(t, 1, result.Appended)
		assert.Equal(t, 1, result.Skipped)
		assert.Equal(t, 1, appends)
	})
}

func TestEngine_Run_PendingHold(t *testing.T) {
	ctx := context.Background()
	fx := setupEngine(t, nil)

	start := time.Now().Add(-3 * time.Hour)
	seedClosedSession(t, fx.sessions, "星奈", start, start.Add(2*time.Hour))
	// The session parent was submitted but has not cleared review.
	seedRow(t, fx.uploads, "【直播录像】星奈", "星奈录播old1.mp4", start, "")

	fx.stage(t, start.Add(time.Hour), "mp4")

	uploads := 0
	fx.platform.uploadVideo = func(ctx context.Context, path, cdn string) (*bilibili.RemoteVideo, error) {
		uploads++
		return &bilibili.RemoteVideo{Filename: "remote"}, nil
	}

	result, err := fx.engine.Run(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, result.Skipped)
	assert.Zero(t, result.Submitted)
	assert.Zero(t, result.Appended)
	assert.Zero(t, uploads)

	_, total, err := fx.uploads.GetRecent(ctx, 0, 10)
	require.NoError(t, err)
	assert.EqualValues(t, 1, total)
}

func TestEngine_Run_Buckets(t *testing.T) {
	ctx := context.Background()

	t.Run("files outside every window are held", func(t *testing.T) {
		fx := setupEngine(t, nil)

		start := time.Now().Add(-2 * time.Hour)
		seedClosedSession(t, fx.sessions, "星奈", start, start.Add(time.Hour))
		// Stamped well before the session window opens.
		orphan := fx.stage(t, start.Add(-2*time.Hour), "mp4")

		uploads := 0
		fx.platform.uploadVideo = func(ctx context.Context, path, cdn string) (*bilibili.RemoteVideo, error) {
			uploads++
			return &bilibili.RemoteVideo{Filename: "remote"}, nil
		}

		result, err := fx.engine.Run(ctx)
		require.NoError(t, err)
		assert.Equal(t, 1, result.Skipped)
		assert.Zero(t, uploads)
		assert.FileExists(t, orphan.Path)
	})

	t.Run("overlapping windows resolve to the earliest start", func(t *testing.T) {
		fx := setupEngine(t, nil)

		now := time.Now()
		firstStart := now.Add(-4 * time.Hour)
		seedClosedSession(t, fx.sessions, "星奈", firstStart, now.Add(-2*time.Hour))
		secondStart := now.Add(-150 * time.Minute)
		seedClosedSession(t, fx.sessions, "星奈", secondStart, now.Add(-time.Hour))
		// In the first session's window only.
		seedRow(t, fx.uploads, "【直播录像】星奈", "星奈录播old1.mp4", firstStart.Add(10*time.Minute), "BV1first0001")

		// Inside both windows; the earlier session claims it.
		fx.stage(t, now.Add(-135*time.Minute), "mp4")

		var appendBVID string
		submitted := 0
		fx.platform.appendPart = func(ctx context.Context, bvid string, video *bilibili.RemoteVideo, partTitle string) error {
			appendBVID = bvid
			return nil
		}
		fx.platform.submitNew = func(ctx context.Context, sub bilibili.Submission, video *bilibili.RemoteVideo, partTitle string) (string, error) {
			submitted++
			return "BV1wrong0001", nil
		}

		result, err := fx.engine.Run(ctx)
		require.NoError(t, err)
		assert.Equal(t, 1, result.Appended)
		assert.Zero(t, submitted)
		assert.Equal(t, "BV1first0001", appendBVID)
	})

	t.Run("an open session catches fresh files", func(t *testing.T) {
		fx := setupEngine(t, nil)

		start := time.Now().Add(-time.Hour)
		seedOpenSession(t, fx.sessions, "星奈", start)
		fx.stage(t, start.Add(30*time.Minute), "mp4")

		submitted := 0
		fx.platform.submitNew = func(ctx context.Context, sub bilibili.Submission, video *bilibili.RemoteVideo, partTitle string) (string, error) {
			submitted++
			return "BV1open0001", nil
		}

		result, err := fx.engine.Run(ctx)
		require.NoError(t, err)
		assert.Equal(t, 1, result.Submitted)
		assert.Equal(t, 1, submitted)
	})

	t.Run("sessions beyond the lookback are ignored", func(t *testing.T) {
		fx := setupEngine(t, func(o *Options) {
			o.Upload.SessionLookback = config.Duration(72 * time.Hour)
		})

		start := time.Now().Add(-6 * 24 * time.Hour)
		seedClosedSession(t, fx.sessions, "星奈", start, start.Add(2*time.Hour))
		fx.stage(t, start.Add(time.Hour), "mp4")

		uploads := 0
		fx.platform.uploadVideo = func(ctx context.Context, path, cdn string) (*bilibili.RemoteVideo, error) {
			uploads++
			return &bilibili.RemoteVideo{Filename: "remote"}, nil
		}

		result, err := fx.engine.Run(ctx)
		require.NoError(t, err)
		assert.Equal(t, 1, result.Skipped)
		assert.Zero(t, uploads)
	})

	t.Run("sessions of other streamers are ignored", func(t *testing.T) {
		fx := setupEngine(t, nil)

		start := time.Now().Add(-2 * time.Hour)
		seedClosedSession(t, fx.sessions, "别人", start, start.Add(time.Hour))
		fx.stage(t, start.Add(30*time.Minute), "mp4")

		result, err := fx.engine.Run(ctx)
		require.NoError(t, err)
		assert.Equal(t, 1, result.Skipped)
		assert.Zero(t, result.Submitted)
	})
}

func TestEngine_Run_FilenameDedup(t *testing.T) {
	ctx := context.Background()
	fx := setupEngine(t, nil)

	start := time.Now().Add(-3 * time.Hour)
	seedClosedSession(t, fx.sessions, "星奈", start, start.Add(2*time.Hour))
	staged := fx.stage(t, start.Add(5*time.Minute), "mp4")
	seedRow(t, fx.uploads, "already shipped", staged.Name, staged.Timestamp, "BV1done0001")

	uploads := 0
	fx.platform.uploadVideo = func(ctx context.Context, path, cdn string) (*bilibili.RemoteVideo, error) {
		uploads++
		return &bilibili.RemoteVideo{Filename: "remote"}, nil
	}

	result, err := fx.engine.Run(ctx)
	require.NoError(t, err)
	assert.Zero(t, uploads)
	assert.Zero(t, result.Submitted)
	assert.Zero(t, result.Appended)
	assert.Zero(t, result.Failed)
}

func TestEngine_Run_DeleteAfterUpload(t *testing.T) {
	ctx := context.Background()

	t.Run("removes shipped files when configured", func(t *testing.T) {
		fx := setupEngine(t, func(o *Options) {
			o.Upload.DeleteAfterUpload = true
		})

		start := time.Now().Add(-3 * time.Hour)
		seedClosedSession(t, fx.sessions, "星奈", start, start.Add(2*time.Hour))
		staged := fx.stage(t, start.Add(5*time.Minute), "mp4")

		result, err := fx.engine.Run(ctx)
		require.NoError(t, err)
		assert.Equal(t, 1, result.Submitted)
		assert.NoFileExists(t, staged.Path)
	})

	t.Run("keeps shipped files by default", func(t *testing.T) {
		fx := setupEngine(t, nil)

		start := time.Now().Add(-3 * time.Hour)
		seedClosedSession(t, fx.sessions, "星奈", start, start.Add(2*time.Hour))
		staged := fx.stage(t, start.Add(5*time.Minute), "mp4")

		result, err := fx.engine.Run(ctx)
		require.NoError(t, err)
		assert.Equal(t, 1, result.Submitted)
		assert.FileExists(t, staged.Path)
	})

	t.Run("keeps files whose append failed", func(t *testing.T) {
		fx := setupEngine(t, func(o *Options) {
			o.Upload.DeleteAfterUpload = true
		})

		start := time.Now().Add(-3 * time.Hour)
		seedClosedSession(t, fx.sessions, "星奈", start, start.Add(2*time.Hour))
		seedRow(t, fx.uploads, "【直播录像】星奈", "星奈录播old1.mp4", start, "BV1parent004")
		staged := fx.stage(t, start.Add(time.Hour), "mp4")

		fx.platform.appendPart = func(ctx context.Context, bvid string, video *bilibili.RemoteVideo, partTitle string) error {
			return errors.New("archive locked for review")
		}

		result, err := fx.engine.Run(ctx)
		require.NoError(t, err)
		assert.Equal(t, 1, result.Failed)
		assert.FileExists(t, staged.Path)
	})
}

func TestEngine_RecoverMissingBVIDs(t *testing.T) {
	ctx := context.Background()

	t.Run("claims bvids from both feeds", func(t *testing.T) {
		fx := setupEngine(t, nil)

		a := seedRow(t, fx.uploads, "回放甲", "星奈录播a.mp4", time.Now().Add(-2*time.Hour), "")
		b := seedRow(t, fx.uploads, "回放乙", "星奈录播b.mp4", time.Now().Add(-time.Hour), "")

		fx.platform.feed = func(ctx context.Context, statuses string, size int) ([]bilibili.FeedVideo, error) {
			if statuses == feedBeingPublished {
				return []bilibili.FeedVideo{{BVID: "BV1pubing01", Title: "回放乙"}}, nil
			}
			return []bilibili.FeedVideo{{BVID: "BV1pubed001", Title: "回放甲"}}, nil
		}

		recovered := fx.engine.recoverMissingBVIDs(ctx)
		assert.Equal(t, 2, recovered)

		gotA, err := fx.uploads.GetByID(ctx, a.ID)
		require.NoError(t, err)
		require.True(t, gotA.HasBVID())
		assert.Equal(t, "BV1pubed001", *gotA.BVID)

		gotB, err := fx.uploads.GetByID(ctx, b.ID)
		require.NoError(t, err)
		require.True(t, gotB.HasBVID())
		assert.Equal(t, "BV1pubing01", *gotB.BVID)
	})

	t.Run("a published entry outranks its in-review duplicate", func(t *testing.T) {
		fx := setupEngine(t, nil)

		row := seedRow(t, fx.uploads, "回放丙", "星奈录播c.mp4", time.Now().Add(-time.Hour), "")

		fx.platform.feed = func(ctx context.Context, statuses string, size int) ([]bilibili.FeedVideo, error) {
			if statuses == feedBeingPublished {
				return []bilibili.FeedVideo{{BVID: "BV1stale001", Title: "回放丙"}}, nil
			}
			return []bilibili.FeedVideo{{BVID: "BV1final001", Title: "回放丙"}}, nil
		}

		recovered := fx.engine.recoverMissingBVIDs(ctx)
		assert.Equal(t, 1, recovered)

		got, err := fx.uploads.GetByID(ctx, row.ID)
		require.NoError(t, err)
		require.True(t, got.HasBVID())
		assert.Equal(t, "BV1final001", *got.BVID)
	})

	t.Run("a bvid already claimed by another row is skipped", func(t *testing.T) {
		fx := setupEngine(t, nil)

		seedRow(t, fx.uploads, "回放丁", "星奈录播d.mp4", time.Now().Add(-2*time.Hour), "BV1taken001")
		dup := seedRow(t, fx.uploads, "回放丁", "星奈录播e.mp4", time.Now().Add(-time.Hour), "")

		fx.platform.feed = func(ctx context.Context, statuses string, size int) ([]bilibili.FeedVideo, error) {
			if statuses == feedPublished {
				return []bilibili.FeedVideo{{BVID: "BV1taken001", Title: "回放丁"}}, nil
			}
			return nil, nil
		}

		recovered := fx.engine.recoverMissingBVIDs(ctx)
		assert.Zero(t, recovered)

		got, err := fx.uploads.GetByID(ctx, dup.ID)
		require.NoError(t, err)
		assert.False(t, got.HasBVID())
	})

	t.Run("entries without a proper id are dropped", func(t *testing.T) {
		fx := setupEngine(t, nil)

		seedRow(t, fx.uploads, "回放戊", "星奈录播f.mp4", time.Now().Add(-time.Hour), "")

		fx.platform.feed = func(ctx context.Context, statuses string, size int) ([]bilibili.FeedVideo, error) {
			if statuses == feedPublished {
				return []bilibili.FeedVideo{{BVID: "av170001", Title: "回放戊"}}, nil
			}
			return nil, nil
		}

		recovered := fx.engine.recoverMissingBVIDs(ctx)
		assert.Zero(t, recovered)
	})

	t.Run("feed trouble recovers nothing", func(t *testing.T) {
		fx := setupEngine(t, nil)

		seedRow(t, fx.uploads, "回放己", "星奈录播g.mp4", time.Now().Add(-time.Hour), "")

		fx.platform.feed = func(ctx context.Context, statuses string, size int) ([]bilibili.FeedVideo, error) {
			return nil, errors.New("feed unavailable")
		}

		recovered := fx.engine.recoverMissingBVIDs(ctx)
		assert.Zero(t, recovered)
	})

	t.Run("an empty backlog skips the feed", func(t *testing.T) {
		fx := setupEngine(t, nil)

		feedCalls := 0
		fx.platform.feed = func(ctx context.Context, statuses string, size int) ([]bilibili.FeedVideo, error) {
			feedCalls++
			return nil, nil
		}

		recovered := fx.engine.recoverMissingBVIDs(ctx)
		assert.Zero(t, recovered)
		assert.Zero(t, feedCalls)
	})
}

func TestEngine_Run_SweepBeforeUpload(t *testing.T) {
	ctx := context.Background()
	fx := setupEngine(t, nil)

	// The parent row is pending review; the sweep resolves it, so the
	// staged file can append in the same round.
	start := time.Now().Add(-3 * time.Hour)
	seedClosedSession(t, fx.sessions, "星奈", start, start.Add(2*time.Hour))
	seedRow(t, fx.uploads, "【直播录像】星奈", "星奈录播old1.mp4", start, "")
	fx.stage(t, start.Add(time.Hour), "mp4")

	fx.platform.feed = func(ctx context.Context, statuses string, size int) ([]bilibili.FeedVideo, error) {
		if statuses == feedPublished {
			return []bilibili.FeedVideo{{BVID: "BV1swept001", Title: "【直播录像】星奈"}}, nil
		}
		return nil, nil
	}
	var appendBVID string
	fx.platform.appendPart = func(ctx context.Context, bvid string, video *bilibili.RemoteVideo, partTitle string) error {
		appendBVID = bvid
		return nil
	}

	result, err := fx.engine.Run(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, result.Recovered)
	assert.Equal(t, 1, result.Appended)
	assert.Zero(t, result.Submitted)
	assert.Equal(t, "BV1swept001", appendBVID)
}

func TestEngine_Run_NoStagedFiles(t *testing.T) {
	ctx := context.Background()
	fx := setupEngine(t, nil)

	feedCalls := 0
	fx.platform.feed = func(ctx context.Context, statuses string, size int) ([]bilibili.FeedVideo, error) {
		feedCalls++
		return nil, nil
	}

	result, err := fx.engine.Run(ctx)
	require.NoError(t, err)
	assert.Zero(t, result.Submitted)
	assert.Zero(t, result.Appended)
	assert.Zero(t, result.Skipped)
	assert.Zero(t, feedCalls)

	// os level check that the staging directory was left untouched.
	entries, err := os.ReadDir(fx.dir)
	require.NoError(t, err)
	assert.Empty(t, entries)
}
