package pipeline

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"

	"github.com/SimonGino/video-processor/internal/config"
	"github.com/SimonGino/video-processor/internal/danmaku"
	"github.com/SimonGino/video-processor/internal/ffmpeg"
)

const (
	// StageIDConvert identifies the chat-log conversion stage.
	StageIDConvert = "convert_danmaku"

	// Fallback render canvas when the video cannot be probed. Source
	// streams are 1080p in practice, so a failed probe degrades layout,
	// not correctness.
	fallbackWidth  = 1920
	fallbackHeight = 1080
)

// ConvertStage renders chat XML logs into ASS subtitle tracks sized to the
// video they accompany.
type ConvertStage struct {
	prober      *ffmpeg.Prober
	fontSize    int
	scFontSize  int
	keepSources bool
	logger      *slog.Logger
}

// NewConvertStage creates the conversion stage.
func NewConvertStage(prober *ffmpeg.Prober, cfg config.PipelineConfig, logger *slog.Logger) *ConvertStage {
	return &ConvertStage{
		prober:      prober,
		fontSize:    cfg.FontSize,
		scFontSize:  cfg.SCFontSize,
		keepSources: cfg.KeepSources,
		logger:      logger.With(slog.String("stage", StageIDConvert)),
	}
}

// ID returns the stage identifier.
func (s *ConvertStage) ID() string { return StageIDConvert }

// Name returns the human-readable stage name.
func (s *ConvertStage) Name() string { return "Convert Danmaku" }

// Execute converts every chat log that has a finished video and no
// subtitle track yet.
func (s *ConvertStage) Execute(ctx context.Context, state *State) (*StageResult, error) {
	result := &StageResult{}

	chatLogs, err := filepath.Glob(filepath.Join(state.ProcessingDir, "*.xml"))
	if err != nil {
		return result, fmt.Errorf("listing chat logs: %w", err)
	}

	for _, chatLog := range chatLogs {
		select {
		case <-ctx.Done():
			return result, ctx.Err()
		default:
		}

		base := strings.TrimSuffix(chatLog, ".xml")
		video := base + ".flv"
		subtitle := base + ".ass"

		// A .part sibling means the segment is still being captured.
		if fileExists(video + ".part") {
			result.Skipped++
			continue
		}
		if !fileExists(video) {
			s.logger.Warn("chat log has no matching video",
				slog.String("file", filepath.Base(chatLog)))
			result.Skipped++
			continue
		}
		if fileExists(subtitle) {
			result.Skipped++
			continue
		}

		width, height, err := s.prober.Resolution(ctx, video)
		if err != nil {
			width, height = fallbackWidth, fallbackHeight
			s.logger.Warn("probing resolution failed, using fallback canvas",
				slog.String("file", filepath.Base(video)),
				slog.String("error", err.Error()))
		}

		opts := danmaku.ASSOptions{
			FontSize:    s.fontSize,
			SCFontSize:  s.scFontSize,
			ResolutionX: width,
			ResolutionY: height,
		}
		if err := danmaku.ConvertToASS(chatLog, subtitle, opts); err != nil {
			state.AddError(fmt.Errorf("converting %s: %w", filepath.Base(chatLog), err))
			result.Failed++
			continue
		}

		s.logger.Info("chat log converted",
			slog.String("file", filepath.Base(subtitle)),
			slog.Int("width", width),
			slog.Int("height", height))
		result.Processed++

		if !s.keepSources {
			if err := os.Remove(chatLog); err != nil {
				s.logger.Warn("removing converted chat log",
					slog.String("file", filepath.Base(chatLog)),
					slog.String("error", err.Error()))
			}
		}
	}

	result.Message = fmt.Sprintf("Converted %d chat logs", result.Processed)
	return result, nil
}

var _ Stage = (*ConvertStage)(nil)
