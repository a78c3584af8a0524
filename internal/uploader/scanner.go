// Package uploader moves finished recordings from the upload directory to
// the target platform. A scanner pairs each staged file with the recording
// timestamp in its name; the engine buckets files into stream sessions and
// drives the new-submission and append-part flows against the platform
// client, recording every shipped file in the store so it is never sent
// twice.
package uploader

import (
	"fmt"
	"log/slog"
	"path/filepath"
	"regexp"
	"sort"
	"time"

	"golang.org/x/text/unicode/norm"

	"github.com/SimonGino/video-processor/internal/observability"
)

// segmentStampLayout matches the timestamp the recorder embeds in segment
// basenames.
const segmentStampLayout = "2006-01-02T15_04_05"

// segmentStampPattern extracts the recording timestamp from a staged
// filename. The separator is the literal the recorder writes; only the
// streamer prefix in front of it varies.
var segmentStampPattern = regexp.MustCompile(`录播(\d{4}-\d{2}-\d{2}T\d{2}_\d{2}_\d{2})`)

// StagedFile is one finished recording waiting in the upload directory.
type StagedFile struct {
	Path      string
	Name      string
	Timestamp time.Time
}

// Scanner enumerates the upload directory for finished recordings. The
// extension follows the pipeline mode: flv when encoding is skipped, mp4
// otherwise.
type Scanner struct {
	dir    string
	ext    string
	logger *slog.Logger
}

func NewScanner(dir string, skipEncoding bool, logger *slog.Logger) *Scanner {
	ext := "mp4"
	if skipEncoding {
		ext = "flv"
	}
	return &Scanner{
		dir:    dir,
		ext:    ext,
		logger: observability.WithComponent(logger, "upload-scanner"),
	}
}

// Scan returns the staged recordings sorted by embedded timestamp. Names
// are NFC-normalized before matching so composed and decomposed filesystem
// spellings look the same to the stamp pattern and the store. Files
// without a parseable stamp are logged and left alone.
func (s *Scanner) Scan() ([]StagedFile, error) {
	matches, err := filepath.Glob(filepath.Join(s.dir, "*."+s.ext))
	if err != nil {
		return nil, fmt.Errorf("listing staged files: %w", err)
	}

	files := make([]StagedFile, 0, len(matches))
	for _, path := range matches {
		name := norm.NFC.String(filepath.Base(path))
		m := segmentStampPattern.FindStringSubmatch(name)
		if m == nil {
			s.logger.Warn("staged file carries no recording stamp",
				slog.String("file", name))
			continue
		}
		ts, err := time.ParseInLocation(segmentStampLayout, m[1], time.Local)
		if err != nil {
			s.logger.Warn("staged file carries an invalid recording stamp",
				slog.String("file", name),
				slog.String("error", err.Error()))
			continue
		}
		files = append(files, StagedFile{Path: path, Name: name, Timestamp: ts})
	}

	sort.Slice(files, func(i, j int) bool {
		return files[i].Timestamp.Before(files[j].Timestamp)
	})
	return files, nil
}
