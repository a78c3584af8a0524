// Package danmaku persists live chat as Bilibili-compatible XML and renders
// the finished log into ASS subtitles for burn-in.
package danmaku

import (
	"bufio"
	"bytes"
	"encoding/xml"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"
)

const (
	// flushInterval bounds how long a chat line may sit in the buffer. A
	// crash loses at most this much chat.
	flushInterval = 2 * time.Second

	defaultMode  = 1
	defaultSize  = 25
	defaultColor = 16777215
)

// Message is one chat line destined for the XML log. Zero values select the
// platform defaults: scrolling mode, size 25, white, current time, uid 0.
type Message struct {
	Offset float64
	Text   string
	Mode   int
	Size   int
	Color  int
	Time   time.Time
	Pool   int
	UserID string
	RowID  int
}

// Writer streams chat lines into a Bilibili XML document. Every element is
// written whole, so a file cut short by a crash parses up to the last
// complete line. Writer is safe for concurrent use.
type Writer struct {
	path string

	mu         sync.Mutex
	f          *os.File
	buf        *bufio.Writer
	lastOffset float64
	written    int
	closed     bool

	stopFlush chan struct{}
}

// NewWriter returns a writer targeting path. Nothing touches the filesystem
// until Open.
func NewWriter(path string) *Writer {
	return &Writer{path: path}
}

// Open truncates the target file and writes the document prolog.
func (w *Writer) Open() error {
	w.mu.Lock()
	defer w.mu.Unlock()

	if w.f != nil {
		return nil
	}
	if w.closed {
		return fmt.Errorf("chat log %s already closed", w.path)
	}

	if err := os.MkdirAll(filepath.Dir(w.path), 0o755); err != nil {
		return fmt.Errorf("creating chat log directory: %w", err)
	}
	f, err := os.Create(w.path)
	if err != nil {
		return fmt.Errorf("creating chat log: %w", err)
	}
	w.f = f
	w.buf = bufio.NewWriter(f)

	if _, err := w.buf.WriteString("<?xml version=\"1.0\" encoding=\"UTF-8\"?>\n<i>\n"); err != nil {
		return fmt.Errorf("writing chat log prolog: %w", err)
	}
	if err := w.buf.Flush(); err != nil {
		return fmt.Errorf("flushing chat log prolog: %w", err)
	}

	w.stopFlush = make(chan struct{})
	go w.flushLoop()
	return nil
}

// Write appends one chat line. Offsets are clamped to zero and never move
// backwards relative to lines already written.
func (w *Writer) Write(msg Message) error {
	w.mu.Lock()
	defer w.mu.Unlock()

	if w.f == nil || w.closed {
		return fmt.Errorf("chat log %s is not open", w.path)
	}

	offset := msg.Offset
	if offset < 0 {
		offset = 0
	}
	if offset < w.lastOffset {
		offset = w.lastOffset
	}
	w.lastOffset = offset

	mode := msg.Mode
	if mode == 0 {
		mode = defaultMode
	}
	size := msg.Size
	if size == 0 {
		size = defaultSize
	}
	color := msg.Color
	if color == 0 {
		color = defaultColor
	}
	ts := msg.Time
	if ts.IsZero() {
		ts = time.Now()
	}
	uid := msg.UserID
	if uid == "" {
		uid = "0"
	}

	line := fmt.Sprintf("<d p=\"%.2f,%d,%d,%d,%d,%d,%s,%d\">%s</d>\n",
		offset, mode, size, color, ts.Unix(), msg.Pool, xmlEscape(uid), msg.RowID,
		xmlEscape(msg.Text))
	// Flush ahead of a write that would straddle the buffer so the file
	// only ever ends on an element boundary.
	if w.buf.Available() < len(line) {
		if err := w.buf.Flush(); err != nil {
			return fmt.Errorf("flushing chat log: %w", err)
		}
	}
	if _, err := w.buf.WriteString(line); err != nil {
		return fmt.Errorf("writing chat line: %w", err)
	}
	w.written++
	return nil
}

// WriteMessage appends a plain scrolling chat line. It is the sink surface
// the chat collector feeds.
func (w *Writer) WriteMessage(offset float64, text string) error {
	return w.Write(Message{Offset: offset, Text: text})
}

// Close terminates the document, flushes, and syncs the file to disk. It is
// idempotent; calls after the first return nil.
func (w *Writer) Close() error {
	w.mu.Lock()
	defer w.mu.Unlock()

	if w.closed || w.f == nil {
		w.closed = true
		return nil
	}
	w.closed = true
	close(w.stopFlush)

	var firstErr error
	if _, err := w.buf.WriteString("</i>\n"); err != nil {
		firstErr = fmt.Errorf("writing chat log epilog: %w", err)
	}
	if err := w.buf.Flush(); err != nil && firstErr == nil {
		firstErr = fmt.Errorf("flushing chat log: %w", err)
	}
	if err := w.f.Sync(); err != nil && firstErr == nil {
		firstErr = fmt.Errorf("syncing chat log: %w", err)
	}
	if err := w.f.Close(); err != nil && firstErr == nil {
		firstErr = fmt.Errorf("closing chat log: %w", err)
	}
	w.f = nil
	return firstErr
}

// WriteEmptyLog writes a complete chat document with no lines. Segments
// whose chat log never opened use it so every visible video still has an
// XML sibling for the conversion stage.
func WriteEmptyLog(path string) error {
	w := NewWriter(path)
	if err := w.Open(); err != nil {
		return err
	}
	return w.Close()
}

// Written reports the number of chat lines appended so far.
func (w *Writer) Written() int {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.written
}

// Path returns the target file path.
func (w *Writer) Path() string {
	return w.path
}

func (w *Writer) flushLoop() {
	ticker := time.NewTicker(flushInterval)
	defer ticker.Stop()
	for {
		select {
		case <-w.stopFlush:
			return
		case <-ticker.C:
			w.mu.Lock()
			if !w.closed && w.buf != nil {
				w.buf.Flush()
			}
			w.mu.Unlock()
		}
	}
}

// xmlEscape escapes special XML characters.
func xmlEscape(s string) string {
	var buf bytes.Buffer
	_ = xml.EscapeText(&buf, []byte(s))
	return buf.String()
}
