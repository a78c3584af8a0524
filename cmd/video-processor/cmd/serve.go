package cmd

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"
	"gorm.io/gorm"

	"github.com/SimonGino/video-processor/internal/bilibili"
	"github.com/SimonGino/video-processor/internal/config"
	"github.com/SimonGino/video-processor/internal/database"
	"github.com/SimonGino/video-processor/internal/database/migrations"
	"github.com/SimonGino/video-processor/internal/ffmpeg"
	internalhttp "github.com/SimonGino/video-processor/internal/http"
	"github.com/SimonGino/video-processor/internal/http/handlers"
	"github.com/SimonGino/video-processor/internal/models"
	"github.com/SimonGino/video-processor/internal/pipeline"
	"github.com/SimonGino/video-processor/internal/recording"
	"github.com/SimonGino/video-processor/internal/repository"
	"github.com/SimonGino/video-processor/internal/scheduler"
	"github.com/SimonGino/video-processor/internal/uploader"
	"github.com/SimonGino/video-processor/internal/version"
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Start the video-processor server",
	Long: `Start the recording service, job scheduler, and HTTP API.

The server provides:
- Live-status monitoring and segmented recording for configured Douyu rooms
- Danmaku collection alongside each recording segment
- A processing pipeline that converts chat logs to subtitles and encodes recordings
- Scheduled Bilibili uploads grouped into per-session multi-part archives
- REST API for streamers, sessions, uploads, and jobs
- OpenAPI documentation at /docs`,
	RunE: runServe,
}

func init() {
	rootCmd.AddCommand(serveCmd)

	// Like the global flags, these are applied via Changed() instead of a
	// viper binding so they only win when explicitly set.
	serveCmd.Flags().String("host", "0.0.0.0", "Host to bind to")
	serveCmd.Flags().Int("port", 8080, "Port to listen on")
	serveCmd.Flags().String("database", "video-processor.db", "Database DSN (file path for SQLite)")
	serveCmd.Flags().String("data-dir", "./data", "Base directory for recordings and staged uploads")
}

func runServe(cmd *cobra.Command, args []string) error {
	logger := slog.Default()

	cfg, err := config.Load(cfgFile)
	if err != nil {
		return fmt.Errorf("loading config: %w", err)
	}
	applyServeOverrides(cmd, cfg)

	// Initialize database
	db, err := database.New(cfg.Database, logger, nil)
	if err != nil {
		return fmt.Errorf("initializing database: %w", err)
	}
	defer db.Close()

	// Run migrations
	if err := runMigrations(db.DB, logger); err != nil {
		return fmt.Errorf("running migrations: %w", err)
	}

	// Initialize repositories
	sessionRepo := repository.NewStreamSessionRepository(db.DB)
	uploadRepo := repository.NewUploadedVideoRepository(db.DB)
	jobRepo := repository.NewJobRepository(db.DB)

	// Everything below runs until the shutdown signal cancels this context.
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)

	go func() {
		sig := <-sigChan
		logger.Info("received shutdown signal", slog.String("signal", sig.String()))
		cancel()
	}()

	db.StartStatsMonitor(ctx)

	// The recorder and the pipeline share one detector, so the binaries are
	// probed once and cached.
	detector := ffmpeg.NewBinaryDetector(cfg.FFmpeg, logger)
	ffmpegPath, err := detector.FFmpegPath(ctx)
	if err != nil {
		return fmt.Errorf("locating ffmpeg: %w", err)
	}
	ffprobePath, err := detector.FFprobePath()
	if err != nil {
		return fmt.Errorf("locating ffprobe: %w", err)
	}

	// Recording service: monitors poll live status, coordinators drive the
	// segment recorder and danmaku collector per streamer.
	recordingService := recording.NewService(cfg, sessionRepo, detector, logger)
	if err := recordingService.Start(ctx); err != nil {
		return fmt.Errorf("starting recording service: %w", err)
	}

	// Processing pipeline
	proc := pipeline.New(pipeline.Options{
		Pipeline:      cfg.Pipeline,
		FFmpeg:        cfg.FFmpeg,
		ProcessingDir: cfg.Storage.ProcessingPath(),
		UploadDir:     cfg.Storage.UploadPath(),
		FFmpegBinary:  ffmpegPath,
		FFprobeBinary: ffprobePath,
		Logger:        logger,
	})

	// Scheduler and job handlers
	sched := scheduler.NewScheduler(jobRepo, cfg.Scheduler, cfg.Streamers, logger)
	offlineTrigger := scheduler.NewOfflineTrigger(sched, cfg.Scheduler.ProcessAfterStreamEnd, logger)

	statusHandler := scheduler.NewStatusCheckHandler(recordingService, logger).
		WithPipelineTrigger(offlineTrigger)
	pipelineHandler := scheduler.NewVideoPipelineHandler(proc, logger)
	if cfg.Scheduler.ProcessAfterStreamEnd {
		// Deferred processing: the recurring pipeline run waits out live
		// streams and the post-offline trigger collects them instead.
		// Without the flag the hourly run fires regardless of live state.
		pipelineHandler = pipelineHandler.WithLiveHold(recordingService)
	}
	cleanupHandler := scheduler.NewSessionCleanupHandler(sessionRepo, cfg.Scheduler.StaleSessionAge.Duration(), logger)

	executor := scheduler.NewExecutor(jobRepo, logger)
	executor.RegisterHandler(models.JobTypeStatusCheck, statusHandler)
	executor.RegisterHandler(models.JobTypeSessionCleanup, cleanupHandler)

	if cfg.Upload.Enabled {
		meta, err := bilibili.LoadMeta(cfg.Upload.MetaFile)
		if err != nil {
			return fmt.Errorf("loading upload template: %w", err)
		}
		client, err := bilibili.NewClient(cfg.Bilibili, logger)
		if err != nil {
			return fmt.Errorf("initializing bilibili client: %w", err)
		}

		streamerNames := make([]string, 0, len(cfg.Streamers))
		for _, st := range cfg.Streamers {
			streamerNames = append(streamerNames, st.Name)
		}

		engine := uploader.New(uploader.Options{
			Upload:       cfg.Upload,
			UploadDir:    cfg.Storage.UploadPath(),
			SkipEncoding: cfg.Pipeline.SkipEncoding,
			WindowBuffer: cfg.Recording.StartTimeAdjustment,
			Streamers:    streamerNames,
			Platform:     client,
			Meta:         meta,
			Sessions:     sessionRepo,
			Uploads:      uploadRepo,
			Logger:       logger,
		})

		pipelineHandler = pipelineHandler.WithUpload(engine)
		executor.RegisterHandler(models.JobTypeUploadBatch, scheduler.NewUploadBatchHandler(engine))
	} else {
		logger.Info("upload disabled, pipeline runs without the upload pass")
	}
	executor.RegisterHandler(models.JobTypeVideoPipeline, pipelineHandler)

	runner := scheduler.NewRunner(jobRepo, executor, logger)
	if err := runner.Start(ctx); err != nil {
		return fmt.Errorf("starting job runner: %w", err)
	}
	if err := sched.Start(ctx); err != nil {
		return fmt.Errorf("starting scheduler: %w", err)
	}

	// Initialize HTTP server
	serverConfig := internalhttp.DefaultServerConfig()
	serverConfig.Host = cfg.Server.Host
	serverConfig.Port = cfg.Server.Port
	serverConfig.ReadTimeout = cfg.Server.ReadTimeout
	serverConfig.WriteTimeout = cfg.Server.WriteTimeout
	serverConfig.ShutdownTimeout = cfg.Server.ShutdownTimeout
	serverConfig.CORSOrigins = cfg.Server.CORSOrigins
	server := internalhttp.NewServer(serverConfig, logger, version.Version)

	// Register handlers
	healthHandler := handlers.NewHealthHandler(version.Version).
		WithDB(db.DB).
		WithRunner(runner).
		WithStorageDir(cfg.Storage.BaseDir)
	healthHandler.Register(server.API())

	streamerHandler := handlers.NewStreamerHandler(cfg.Streamers, recordingService)
	streamerHandler.Register(server.API())

	sessionHandler := handlers.NewSessionHandler(sessionRepo)
	sessionHandler.Register(server.API())

	uploadHandler := handlers.NewUploadHandler(uploadRepo)
	uploadHandler.Register(server.API())

	jobHandler := handlers.NewJobHandler(jobRepo).
		WithScheduler(sched).
		WithRunner(runner)
	jobHandler.Register(server.API())

	logger.Info("starting video-processor server",
		slog.String("host", serverConfig.Host),
		slog.Int("port", serverConfig.Port),
		slog.String("version", version.Version),
		slog.Int("streamers", len(cfg.Streamers)),
	)

	serveErr := server.ListenAndServe(ctx)

	// Orderly teardown: stop queueing new jobs, drain the workers, then
	// close any recordings still in flight.
	sched.Stop()
	runner.Stop()
	stopCtx, stopCancel := context.WithTimeout(context.Background(), serverConfig.ShutdownTimeout)
	defer stopCancel()
	if err := recordingService.Stop(stopCtx); err != nil {
		logger.Error("stopping recording service", slog.String("error", err.Error()))
	}

	return serveErr
}

// applyServeOverrides applies explicitly-set serve flags on top of the
// loaded configuration, preserving CLI > env > config > default precedence.
func applyServeOverrides(cmd *cobra.Command, cfg *config.Config) {
	flags := cmd.Flags()
	if flags.Changed("host") {
		cfg.Server.Host, _ = flags.GetString("host")
	}
	if flags.Changed("port") {
		cfg.Server.Port, _ = flags.GetInt("port")
	}
	if flags.Changed("database") {
		cfg.Database.DSN, _ = flags.GetString("database")
	}
	if flags.Changed("data-dir") {
		cfg.Storage.BaseDir, _ = flags.GetString("data-dir")
	}
}

func runMigrations(db *gorm.DB, logger *slog.Logger) error {
	migrator := migrations.NewMigrator(db, logger)
	migrator.RegisterAll(migrations.AllMigrations())
	return migrator.Up(context.Background())
}
