package ffmpeg

import (
	"context"
	"encoding/json"
	"fmt"
	"os/exec"
	"strconv"
	"time"
)

// defaultProbeTimeout bounds a single ffprobe invocation.
const defaultProbeTimeout = 30 * time.Second

// ProbeFormat is the container-level section of ffprobe output.
type ProbeFormat struct {
	Filename   string `json:"filename"`
	FormatName string `json:"format_name"`
	Duration   string `json:"duration"`
	Size       string `json:"size"`
	BitRate    string `json:"bit_rate"`
}

// ProbeStream is a single stream entry from ffprobe output. Only the
// fields the pipeline consumes are decoded.
type ProbeStream struct {
	Index     int    `json:"index"`
	CodecName string `json:"codec_name"`
	CodecType string `json:"codec_type"`
	Width     int    `json:"width"`
	Height    int    `json:"height"`
}

// ProbeResult is the decoded output of a full ffprobe run.
type ProbeResult struct {
	Format  ProbeFormat   `json:"format"`
	Streams []ProbeStream `json:"streams"`
}

// Duration returns the container duration, or zero if absent or unparsable.
func (r *ProbeResult) Duration() time.Duration {
	if r.Format.Duration == "" {
		return 0
	}
	secs, err := strconv.ParseFloat(r.Format.Duration, 64)
	if err != nil || secs < 0 {
		return 0
	}
	return time.Duration(secs * float64(time.Second))
}

// VideoStream returns the first video stream, or nil if there is none.
func (r *ProbeResult) VideoStream() *ProbeStream {
	for i := range r.Streams {
		if r.Streams[i].CodecType == "video" {
			return &r.Streams[i]
		}
	}
	return nil
}

// Prober inspects media files with ffprobe.
type Prober struct {
	binary  string
	timeout time.Duration
}

// NewProber creates a prober using the given ffprobe binary path.
func NewProber(binary string) *Prober {
	return &Prober{binary: binary, timeout: defaultProbeTimeout}
}

// Probe runs a full format and stream inspection of input.
func (p *Prober) Probe(ctx context.Context, input string) (*ProbeResult, error) {
	ctx, cancel := context.WithTimeout(ctx, p.timeout)
	defer cancel()

	cmd := exec.CommandContext(ctx, p.binary,
		"-v", "quiet",
		"-print_format", "json",
		"-show_format",
		"-show_streams",
		input,
	)
	out, err := cmd.Output()
	if err != nil {
		return nil, fmt.Errorf("probing %s: %w", input, err)
	}

	var result ProbeResult
	if err := json.Unmarshal(out, &result); err != nil {
		return nil, fmt.Errorf("parsing probe output for %s: %w", input, err)
	}
	return &result, nil
}

// Resolution returns the width and height of the first video stream of
// input. It asks ffprobe for just those two fields, which is much cheaper
// than a full probe on large recordings.
func (p *Prober) Resolution(ctx context.Context, input string) (int, int, error) {
	ctx, cancel := context.WithTimeout(ctx, p.timeout)
	defer cancel()

	cmd := exec.CommandContext(ctx, p.binary,
		"-v", "error",
		"-select_streams", "v:0",
		"-show_entries", "stream=width,height",
		"-of", "json",
		input,
	)
	out, err := cmd.Output()
	if err != nil {
		return 0, 0, fmt.Errorf("probing resolution of %s: %w", input, err)
	}

	var result struct {
		Streams []struct {
			Width  int `json:"width"`
			Height int `json:"height"`
		} `json:"streams"`
	}
	if err := json.Unmarshal(out, &result); err != nil {
		return 0, 0, fmt.Errorf("parsing resolution output for %s: %w", input, err)
	}
	if len(result.Streams) == 0 {
		return 0, 0, fmt.Errorf("no video stream in %s", input)
	}
	w, h := result.Streams[0].Width, result.Streams[0].Height
	if w <= 0 || h <= 0 {
		return 0, 0, fmt.Errorf("invalid resolution %dx%d in %s", w, h, input)
	}
	return w, h, nil
}
