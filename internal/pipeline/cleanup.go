package pipeline

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
)

const (
	// StageIDCleanup identifies the small-file cleanup stage.
	StageIDCleanup = "cleanup_small_files"
)

// CleanupStage deletes recordings too short to be worth keeping, together
// with their chat logs. Interrupted captures often leave a few seconds of
// video behind; anything under the size floor is noise.
type CleanupStage struct {
	minSize int64
	logger  *slog.Logger
}

// NewCleanupStage creates the cleanup stage with the given size floor in bytes.
func NewCleanupStage(minSize int64, logger *slog.Logger) *CleanupStage {
	return &CleanupStage{
		minSize: minSize,
		logger:  logger.With(slog.String("stage", StageIDCleanup)),
	}
}

// ID returns the stage identifier.
func (s *CleanupStage) ID() string { return StageIDCleanup }

// Name returns the human-readable stage name.
func (s *CleanupStage) Name() string { return "Cleanup Small Files" }

// Execute removes every .flv below the size floor plus its paired .xml.
func (s *CleanupStage) Execute(ctx context.Context, state *State) (*StageResult, error) {
	result := &StageResult{}

	flvs, err := filepath.Glob(filepath.Join(state.ProcessingDir, "*.flv"))
	if err != nil {
		return result, fmt.Errorf("listing recordings: %w", err)
	}

	for _, flv := range flvs {
		select {
		case <-ctx.Done():
			return result, ctx.Err()
		default:
		}

		info, err := os.Stat(flv)
		if err != nil {
			// Raced away by another stage or process.
			continue
		}
		if info.Size() >= s.minSize {
			continue
		}

		if err := os.Remove(flv); err != nil {
			state.AddError(fmt.Errorf("deleting %s: %w", filepath.Base(flv), err))
			result.Failed++
			continue
		}
		s.logger.Info("deleted short recording",
			slog.String("file", filepath.Base(flv)),
			slog.Int64("size_bytes", info.Size()))
		result.Processed++

		chatLog := strings.TrimSuffix(flv, ".flv") + ".xml"
		if err := os.Remove(chatLog); err != nil && !errors.Is(err, os.ErrNotExist) {
			state.AddError(fmt.Errorf("deleting %s: %w", filepath.Base(chatLog), err))
		}
	}

	result.Message = fmt.Sprintf("Deleted %d short recordings", result.Processed)
	return result, nil
}

var _ Stage = (*CleanupStage)(nil)
