package ffmpeg

import (
	"context"
	"fmt"
	"log/slog"
	"os/exec"
	"slices"
	"strings"
	"sync"
	"time"

	"github.com/SimonGino/video-processor/internal/config"
	"github.com/SimonGino/video-processor/internal/observability"
	"github.com/SimonGino/video-processor/internal/util"
)

// Environment variable overrides for binary discovery. Explicit paths in
// the configuration file take precedence over both.
const (
	envFFmpegBinary  = "VIDEO_PROCESSOR_FFMPEG_BINARY"
	envFFprobeBinary = "VIDEO_PROCESSOR_FFPROBE_BINARY"
)

// detectTimeout bounds the version and encoder queries run at detection.
const detectTimeout = 10 * time.Second

// BinaryInfo describes a detected ffmpeg binary.
type BinaryInfo struct {
	Path     string
	Version  string
	Encoders []string
}

// BinaryDetector locates the ffmpeg and ffprobe binaries and queries their
// capabilities. Results are cached for the process lifetime; the binaries
// do not change while the service runs.
type BinaryDetector struct {
	cfg    config.FFmpegConfig
	logger *slog.Logger

	mu      sync.Mutex
	ffmpeg  *BinaryInfo
	ffprobe string
}

// NewBinaryDetector creates a detector honoring the configured binary paths.
func NewBinaryDetector(cfg config.FFmpegConfig, logger *slog.Logger) *BinaryDetector {
	return &BinaryDetector{
		cfg:    cfg,
		logger: observability.WithComponent(logger, "ffmpeg-detect"),
	}
}

// FFmpeg returns the detected ffmpeg binary with its version and encoder
// list. The first call runs the detection; later calls return the cache.
func (d *BinaryDetector) FFmpeg(ctx context.Context) (*BinaryInfo, error) {
	d.mu.Lock()
	defer d.mu.Unlock()

	if d.ffmpeg != nil {
		return d.ffmpeg, nil
	}

	path := d.cfg.BinaryPath
	if path == "" {
		found, err := util.FindBinary("ffmpeg", envFFmpegBinary)
		if err != nil {
			return nil, err
		}
		path = found
	}

	version, err := d.getVersion(ctx, path)
	if err != nil {
		return nil, err
	}
	encoders, err := d.getEncoders(ctx, path)
	if err != nil {
		return nil, err
	}

	d.ffmpeg = &BinaryInfo{Path: path, Version: version, Encoders: encoders}
	d.logger.Info("ffmpeg detected",
		slog.String("path", path),
		slog.String("version", version),
		slog.Int("encoders", len(encoders)))

	return d.ffmpeg, nil
}

// FFmpegPath returns the path of the detected ffmpeg binary.
func (d *BinaryDetector) FFmpegPath(ctx context.Context) (string, error) {
	info, err := d.FFmpeg(ctx)
	if err != nil {
		return "", err
	}
	return info.Path, nil
}

// FFprobePath returns the path of the ffprobe binary.
func (d *BinaryDetector) FFprobePath() (string, error) {
	d.mu.Lock()
	defer d.mu.Unlock()

	if d.ffprobe != "" {
		return d.ffprobe, nil
	}
	path := d.cfg.ProbePath
	if path == "" {
		found, err := util.FindBinary("ffprobe", envFFprobeBinary)
		if err != nil {
			return "", err
		}
		path = found
	}
	d.ffprobe = path
	return path, nil
}

// HasEncoder reports whether the detected ffmpeg build ships the named encoder.
func (d *BinaryDetector) HasEncoder(ctx context.Context, name string) (bool, error) {
	info, err := d.FFmpeg(ctx)
	if err != nil {
		return false, err
	}
	return slices.Contains(info.Encoders, name), nil
}

// getVersion parses the version token from `ffmpeg -version` output.
func (d *BinaryDetector) getVersion(ctx context.Context, path string) (string, error) {
	ctx, cancel := context.WithTimeout(ctx, detectTimeout)
	defer cancel()

	out, err := exec.CommandContext(ctx, path, "-version").Output()
	if err != nil {
		return "", fmt.Errorf("running %s -version: %w", path, err)
	}

	// First line looks like "ffmpeg version 6.1.1 Copyright (c) ...".
	line, _, _ := strings.Cut(string(out), "\n")
	fields := strings.Fields(line)
	if len(fields) >= 3 && fields[0] == "ffmpeg" && fields[1] == "version" {
		return fields[2], nil
	}
	return "", fmt.Errorf("unrecognized version output from %s: %q", path, line)
}

// getEncoders parses the encoder names from `ffmpeg -encoders` output.
func (d *BinaryDetector) getEncoders(ctx context.Context, path string) ([]string, error) {
	ctx, cancel := context.WithTimeout(ctx, detectTimeout)
	defer cancel()

	out, err := exec.CommandContext(ctx, path, "-hide_banner", "-encoders").Output()
	if err != nil {
		return nil, fmt.Errorf("running %s -encoders: %w", path, err)
	}

	// Entries follow a "------" separator, one per line: flags, name, description.
	var encoders []string
	inList := false
	for _, line := range strings.Split(string(out), "\n") {
		trimmed := strings.TrimSpace(line)
		if !inList {
			if strings.HasPrefix(trimmed, "------") {
				inList = true
			}
			continue
		}
		fields := strings.Fields(trimmed)
		if len(fields) >= 2 {
			encoders = append(encoders, fields[1])
		}
	}
	if !inList {
		return nil, fmt.Errorf("unrecognized encoder list output from %s", path)
	}
	return encoders, nil
}
