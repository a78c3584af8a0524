// Package pipeline turns finished recordings into upload-ready videos.
// Stages sweep the processing directory in a fixed order: undersized
// segments are deleted, chat logs become subtitle tracks, and subtitled
// videos are encoded, or moved as-is, into the upload directory.
package pipeline

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"sync/atomic"
	"time"

	"github.com/SimonGino/video-processor/internal/config"
	"github.com/SimonGino/video-processor/internal/ffmpeg"
	"github.com/SimonGino/video-processor/internal/observability"
)

// ErrPipelineRunning is returned when Execute is called while a previous
// run is still in flight.
var ErrPipelineRunning = errors.New("pipeline already running")

// Stage is one sweep over the processing directory. Per-file problems are
// recorded on the state and never abort the sweep; only environmental
// failures return an error.
type Stage interface {
	ID() string
	Name() string
	Execute(ctx context.Context, state *State) (*StageResult, error)
}

// State is shared by all stages of one pipeline run.
type State struct {
	ProcessingDir string
	UploadDir     string
	StartTime     time.Time

	// Errors collects per-file failures across stages.
	Errors []error
}

// NewState creates the shared state for one run.
func NewState(processingDir, uploadDir string) *State {
	return &State{
		ProcessingDir: processingDir,
		UploadDir:     uploadDir,
		StartTime:     time.Now(),
	}
}

// AddError records a non-fatal error.
func (s *State) AddError(err error) {
	if err != nil {
		s.Errors = append(s.Errors, err)
	}
}

// HasErrors reports whether any non-fatal errors were recorded.
func (s *State) HasErrors() bool {
	return len(s.Errors) > 0
}

// Duration returns the elapsed time since the run started.
func (s *State) Duration() time.Duration {
	return time.Since(s.StartTime)
}

// StageResult is the outcome of a single stage sweep.
type StageResult struct {
	// Processed counts files the stage acted on.
	Processed int
	// Skipped counts files left alone by a skip rule.
	Skipped int
	// Failed counts files the stage could not handle.
	Failed int
	// Duration is the stage execution time.
	Duration time.Duration
	// Message is a short summary for logs and the API.
	Message string
}

// Result is the outcome of a full pipeline run.
type Result struct {
	Success      bool
	Duration     time.Duration
	StageResults map[string]*StageResult
	Errors       []error
}

// Options wires a pipeline from configuration and detected binaries.
type Options struct {
	Pipeline      config.PipelineConfig
	FFmpeg        config.FFmpegConfig
	ProcessingDir string
	UploadDir     string
	FFmpegBinary  string
	FFprobeBinary string
	Logger        *slog.Logger
}

// Pipeline executes the processing stages in order. Only one run may be
// active at a time; overlapping Execute calls fail fast.
type Pipeline struct {
	stages        []Stage
	processingDir string
	uploadDir     string
	logger        *slog.Logger
	running       atomic.Bool
}

// New assembles the standard three-stage pipeline.
func New(opts Options) *Pipeline {
	logger := observability.WithComponent(opts.Logger, "pipeline")
	stages := []Stage{
		NewCleanupStage(opts.Pipeline.MinFileSize.Bytes(), logger),
		NewConvertStage(ffmpeg.NewProber(opts.FFprobeBinary), opts.Pipeline, logger),
		NewEncodeStage(opts.FFmpegBinary, opts.Pipeline, opts.FFmpeg.Environ(), logger),
	}
	return &Pipeline{
		stages:        stages,
		processingDir: opts.ProcessingDir,
		uploadDir:     opts.UploadDir,
		logger:        logger,
	}
}

// Execute runs all stages in sequence. A stage error aborts the run;
// per-file errors are collected in the result instead.
func (p *Pipeline) Execute(ctx context.Context) (*Result, error) {
	result := &Result{StageResults: make(map[string]*StageResult)}

	if !p.running.CompareAndSwap(false, true) {
		return result, ErrPipelineRunning
	}
	defer p.running.Store(false)

	state := NewState(p.processingDir, p.uploadDir)

	p.logger.InfoContext(ctx, "starting video pipeline",
		slog.String("processing_dir", state.ProcessingDir),
		slog.String("upload_dir", state.UploadDir),
		slog.Int("stage_count", len(p.stages)))

	for i, stage := range p.stages {
		select {
		case <-ctx.Done():
			result.Errors = append(result.Errors, ctx.Err())
			result.Duration = state.Duration()
			return result, ctx.Err()
		default:
		}

		stageResult, err := p.executeStage(ctx, i, stage, state)
		result.StageResults[stage.ID()] = stageResult
		if err != nil {
			result.Errors = append(result.Errors, fmt.Errorf("stage %s: %w", stage.ID(), err))
			result.Duration = state.Duration()
			return result, err
		}
	}

	result.Success = true
	result.Duration = state.Duration()
	result.Errors = state.Errors

	p.logger.InfoContext(ctx, "video pipeline completed",
		slog.Duration("duration", result.Duration),
		slog.Int("file_errors", len(state.Errors)))

	return result, nil
}

func (p *Pipeline) executeStage(ctx context.Context, index int, stage Stage, state *State) (*StageResult, error) {
	start := time.Now()

	p.logger.InfoContext(ctx, "executing stage",
		slog.Int("stage_num", index+1),
		slog.Int("total_stages", len(p.stages)),
		slog.String("stage_id", stage.ID()),
		slog.String("stage_name", stage.Name()))

	stageResult, err := stage.Execute(ctx, state)
	if stageResult == nil {
		stageResult = &StageResult{}
	}
	stageResult.Duration = time.Since(start)

	if err != nil {
		p.logger.ErrorContext(ctx, "stage failed",
			slog.String("stage_id", stage.ID()),
			slog.String("error", err.Error()),
			slog.Duration("duration", stageResult.Duration))
		return stageResult, err
	}

	p.logger.InfoContext(ctx, "stage completed",
		slog.String("stage_id", stage.ID()),
		slog.Int("processed", stageResult.Processed),
		slog.Int("skipped", stageResult.Skipped),
		slog.Int("failed", stageResult.Failed),
		slog.Duration("duration", stageResult.Duration))

	return stageResult, nil
}

// fileExists reports whether path names an existing file.
func fileExists(path string) bool {
	_, err := os.Stat(path)
	return err == nil
}
