package pipeline

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	"github.com/SimonGino/video-processor/internal/config"
	"github.com/SimonGino/video-processor/internal/ffmpeg"
)

const (
	// StageIDEncode identifies the subtitle burn-in stage.
	StageIDEncode = "encode_video"
)

// EncodeStage burns subtitle tracks into their videos with QSV hardware
// encoding and lands the results in the upload directory. With encoding
// disabled it moves finished videos over untouched instead.
type EncodeStage struct {
	binary       string
	encoder      string
	preset       string
	quality      int
	skipEncoding bool
	keepSources  bool
	env          []string
	logger       *slog.Logger
}

// NewEncodeStage creates the encode stage. env carries extra variables for
// the encoder process, such as the VA-API driver selection.
func NewEncodeStage(binary string, cfg config.PipelineConfig, env []string, logger *slog.Logger) *EncodeStage {
	return &EncodeStage{
		binary:       binary,
		encoder:      cfg.VideoEncoder,
		preset:       cfg.Preset,
		quality:      cfg.GlobalQuality,
		skipEncoding: cfg.SkipEncoding,
		keepSources:  cfg.KeepSources,
		env:          env,
		logger:       logger.With(slog.String("stage", StageIDEncode)),
	}
}

// ID returns the stage identifier.
func (s *EncodeStage) ID() string { return StageIDEncode }

// Name returns the human-readable stage name.
func (s *EncodeStage) Name() string { return "Encode Video" }

// Execute processes finished videos into the upload directory.
func (s *EncodeStage) Execute(ctx context.Context, state *State) (*StageResult, error) {
	if err := os.MkdirAll(state.UploadDir, 0o755); err != nil {
		return &StageResult{}, fmt.Errorf("creating upload directory: %w", err)
	}
	if s.skipEncoding {
		return s.moveVideos(ctx, state)
	}
	return s.encodeVideos(ctx, state)
}

// moveVideos relocates finished videos as-is. Every .flv without an
// in-flight .part sibling goes to the upload directory, which also covers
// segments that never had a chat log.
func (s *EncodeStage) moveVideos(ctx context.Context, state *State) (*StageResult, error) {
	result := &StageResult{}

	videos, err := filepath.Glob(filepath.Join(state.ProcessingDir, "*.flv"))
	if err != nil {
		return result, fmt.Errorf("listing videos: %w", err)
	}

	for _, video := range videos {
		select {
		case <-ctx.Done():
			return result, ctx.Err()
		default:
		}

		if fileExists(video + ".part") {
			result.Skipped++
			continue
		}
		dest := filepath.Join(state.UploadDir, filepath.Base(video))
		if fileExists(dest) {
			result.Skipped++
			continue
		}

		if err := moveFile(ctx, video, dest); err != nil {
			state.AddError(fmt.Errorf("moving %s: %w", filepath.Base(video), err))
			result.Failed++
			continue
		}
		s.logger.Info("video moved to upload directory",
			slog.String("file", filepath.Base(dest)))
		result.Processed++

		// The subtitle track is never burned in this mode.
		if !s.keepSources {
			subtitle := strings.TrimSuffix(video, ".flv") + ".ass"
			if fileExists(subtitle) {
				if err := os.Remove(subtitle); err != nil {
					s.logger.Warn("removing unused subtitle track",
						slog.String("file", filepath.Base(subtitle)),
						slog.String("error", err.Error()))
				}
			}
		}
	}

	result.Message = fmt.Sprintf("Moved %d videos", result.Processed)
	return result, nil
}

// encodeVideos burns each subtitle track into its video and moves the
// result to the upload directory.
func (s *EncodeStage) encodeVideos(ctx context.Context, state *State) (*StageResult, error) {
	result := &StageResult{}

	subtitles, err := filepath.Glob(filepath.Join(state.ProcessingDir, "*.ass"))
	if err != nil {
		return result, fmt.Errorf("listing subtitle tracks: %w", err)
	}

	for _, subtitle := range subtitles {
		select {
		case <-ctx.Done():
			return result, ctx.Err()
		default:
		}

		base := strings.TrimSuffix(subtitle, ".ass")
		video := base + ".flv"
		tmp := base + ".mp4"
		dest := filepath.Join(state.UploadDir, filepath.Base(tmp))

		if !fileExists(video) {
			s.logger.Warn("subtitle track has no matching video",
				slog.String("file", filepath.Base(subtitle)))
			result.Skipped++
			continue
		}

		// Already encoded by a previous run; tidy the leftovers.
		if fileExists(dest) {
			if !s.keepSources {
				s.removeSources(video, subtitle)
			}
			result.Skipped++
			continue
		}

		// An interrupted run can leave a truncated temp output behind.
		if fileExists(tmp) {
			s.logger.Warn("removing stale encode output",
				slog.String("file", filepath.Base(tmp)))
			if err := os.Remove(tmp); err != nil {
				state.AddError(fmt.Errorf("removing stale %s: %w", filepath.Base(tmp), err))
				result.Failed++
				continue
			}
		}

		if err := s.encodeOne(ctx, video, subtitle, tmp); err != nil {
			state.AddError(fmt.Errorf("encoding %s: %w", filepath.Base(video), err))
			result.Failed++
			_ = os.Remove(tmp)
			continue
		}

		if err := moveFile(ctx, tmp, dest); err != nil {
			state.AddError(fmt.Errorf("moving %s: %w", filepath.Base(tmp), err))
			result.Failed++
			_ = os.Remove(tmp)
			continue
		}

		s.logger.Info("video encoded",
			slog.String("file", filepath.Base(dest)))
		result.Processed++

		if !s.keepSources {
			s.removeSources(video, subtitle)
		}
	}

	result.Message = fmt.Sprintf("Encoded %d videos", result.Processed)
	return result, nil
}

// encodeOne runs a single QSV burn-in: decode on the GPU, overlay the
// subtitle track, re-encode, and copy the audio stream untouched.
func (s *EncodeStage) encodeOne(ctx context.Context, video, subtitle, output string) error {
	cmd := ffmpeg.NewCommandBuilder(s.binary).
		HideBanner().
		LogLevel("error").
		GlobalArgs("-init_hw_device", "qsv=hw").
		Overwrite().
		InputArgs("-hwaccel", "qsv", "-hwaccel_output_format", "qsv").
		Input(video).
		VideoFilter("ass=" + escapeFilterPath(subtitle)).
		VideoFilter("hwupload=extra_hw_frames=64").
		OutputArgs(
			"-c:v", s.encoder,
			"-preset", s.preset,
			"-global_quality", strconv.Itoa(s.quality),
			"-c:a", "copy").
		Output(output).
		Env(s.env...).
		Command()

	s.logger.Info("encoding video", slog.String("file", filepath.Base(video)))
	s.logger.Debug("encoder command", slog.String("command", cmd.String()))

	if err := cmd.Run(ctx); err != nil {
		if tail := cmd.StderrTail(); len(tail) > 0 {
			s.logger.Error("encoder failed",
				slog.String("file", filepath.Base(video)),
				slog.String("stderr", strings.Join(tail, "\n")))
		}
		return err
	}
	return nil
}

// removeSources deletes a video and its subtitle track after the encoded
// output is safely in place.
func (s *EncodeStage) removeSources(video, subtitle string) {
	for _, path := range []string{video, subtitle} {
		if !fileExists(path) {
			continue
		}
		if err := os.Remove(path); err != nil {
			s.logger.Warn("removing encoded source",
				slog.String("file", filepath.Base(path)),
				slog.String("error", err.Error()))
		}
	}
}

// escapeFilterPath quotes a path for use inside an ffmpeg filter argument.
// The filter graph parser treats colons, commas and brackets as syntax, so
// the path is single-quoted with embedded quotes escaped shell-style.
func escapeFilterPath(path string) string {
	return "'" + strings.ReplaceAll(path, "'", `'\''`) + "'"
}

// moveFile renames src into place, falling back to copy-then-rename when
// the directories sit on different filesystems. The destination only ever
// appears complete; partial copies land under a .tmp name.
func moveFile(ctx context.Context, src, dst string) error {
	if err := os.Rename(src, dst); err == nil {
		return nil
	}

	tmp := dst + ".tmp"
	if err := copyFile(ctx, src, tmp); err != nil {
		_ = os.Remove(tmp)
		return err
	}
	if err := os.Rename(tmp, dst); err != nil {
		_ = os.Remove(tmp)
		return fmt.Errorf("renaming into place: %w", err)
	}
	if err := os.Remove(src); err != nil {
		return fmt.Errorf("removing source after copy: %w", err)
	}
	return nil
}

// copyFile copies in chunks so a canceled context stops multi-gigabyte
// transfers promptly.
func copyFile(ctx context.Context, src, dst string) error {
	in, err := os.Open(src)
	if err != nil {
		return fmt.Errorf("opening source: %w", err)
	}
	defer in.Close()

	out, err := os.Create(dst)
	if err != nil {
		return fmt.Errorf("creating destination: %w", err)
	}

	buf := make([]byte, 256*1024)
	for {
		select {
		case <-ctx.Done():
			out.Close()
			return ctx.Err()
		default:
		}

		n, readErr := in.Read(buf)
		if n > 0 {
			if _, writeErr := out.Write(buf[:n]); writeErr != nil {
				out.Close()
				return fmt.Errorf("writing destination: %w", writeErr)
			}
		}
		if readErr == io.EOF {
			break
		}
		if readErr != nil {
			out.Close()
			return fmt.Errorf("reading source: %w", readErr)
		}
	}
	return out.Close()
}

var _ Stage = (*EncodeStage)(nil)
