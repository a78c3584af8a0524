package douyu

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strconv"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"

	"github.com/SimonGino/video-processor/internal/config"
	"github.com/SimonGino/video-processor/internal/observability"
)

// ErrChatDegraded reports that the collector exhausted its reconnect budget
// while the segment was still in flight. The chat log is closed cleanly; the
// video recording is unaffected.
var ErrChatDegraded = errors.New("chat collection degraded: reconnect budget exhausted")

const (
	chatDialTimeout = 10 * time.Second
	chatWriteWait   = 10 * time.Second

	// joinGroupID -9999 selects the anonymous catch-all chat group.
	joinGroupID = "-9999"

	// Every 50th malformed frame is surfaced; a sustained rate is a soft
	// error, not a reason to drop the connection.
	malformedLogEvery = 50
)

// Protocol message types. keeplive is the wire spelling.
const (
	msgLoginReq  = "loginreq"
	msgJoinGroup = "joingroup"
	msgKeepAlive = "keeplive"
	msgChat      = "chatmsg"
)

// CollectorState tracks the chat connection lifecycle.
type CollectorState int32

const (
	StateConnecting CollectorState = iota
	StateLoggedIn
	StateJoined
	StateRunning
	StateReconnecting
	StateStopped
)

func (s CollectorState) String() string {
	switch s {
	case StateConnecting:
		return "connecting"
	case StateLoggedIn:
		return "logged_in"
	case StateJoined:
		return "joined"
	case StateRunning:
		return "running"
	case StateReconnecting:
		return "reconnecting"
	case StateStopped:
		return "stopped"
	default:
		return "unknown"
	}
}

// MessageSink consumes timed chat lines. Offsets are seconds from segment
// start. The collector closes the sink exactly once when it finishes.
type MessageSink interface {
	WriteMessage(offset float64, text string) error
	Close() error
}

// CollectorStats counts what a collector saw on the wire.
type CollectorStats struct {
	Written    int
	Malformed  int
	Reconnects int
	Ignored    map[string]int
}

// Collector drives one room's chat connection for the duration of a
// recording segment. It logs in, joins the room group, heartbeats, and
// writes chatmsg lines to the sink with offsets relative to segment start.
type Collector struct {
	cfg    config.DouyuConfig
	roomID string
	sink   MessageSink
	start  time.Time
	logger *slog.Logger

	state atomic.Int32

	connMu sync.Mutex
	conn   *websocket.Conn

	writeMu sync.Mutex // gorilla/websocket permits one concurrent writer

	stopOnce sync.Once
	stopCh   chan struct{}
	doneCh   chan struct{}
	sinkOnce sync.Once

	statsMu sync.Mutex
	stats   CollectorStats
}

// NewCollector builds a collector for one segment. start anchors message
// offsets and should be the moment the recorder began writing.
func NewCollector(cfg config.DouyuConfig, roomID string, sink MessageSink, start time.Time, logger *slog.Logger) *Collector {
	c := &Collector{
		cfg:    cfg,
		roomID: roomID,
		sink:   sink,
		start:  start,
		logger: observability.WithComponent(logger, "douyu-chat"),
		stopCh: make(chan struct{}),
		doneCh: make(chan struct{}),
	}
	c.stats.Ignored = make(map[string]int)
	return c
}

// Run connects and pumps messages until the context is canceled, Stop is
// called, or the reconnect budget runs out. The sink is closed on every exit
// path. Run returns ErrChatDegraded when the budget was exhausted before the
// segment ended.
func (c *Collector) Run(ctx context.Context) error {
	defer close(c.doneCh)
	defer c.closeSink()
	defer c.setState(StateStopped)

	reconnects := 0
	for {
		err := c.session(ctx)
		if c.stopRequested() || ctx.Err() != nil {
			return nil
		}

		reconnects++
		c.statsMu.Lock()
		c.stats.Reconnects = reconnects
		c.statsMu.Unlock()

		if reconnects > c.cfg.ReconnectMax {
			c.logger.Error("chat reconnect budget exhausted",
				slog.String("room_id", c.roomID),
				slog.Int("reconnects", c.cfg.ReconnectMax),
				slog.String("error", err.Error()))
			return ErrChatDegraded
		}

		c.setState(StateReconnecting)
		c.logger.Warn("chat connection lost, reconnecting",
			slog.String("room_id", c.roomID),
			slog.Int("attempt", reconnects),
			slog.Int("max_attempts", c.cfg.ReconnectMax),
			slog.Duration("delay", c.cfg.ReconnectDelay),
			slog.String("error", err.Error()))

		select {
		case <-ctx.Done():
			return nil
		case <-c.stopCh:
			return nil
		case <-time.After(c.cfg.ReconnectDelay):
		}
	}
}

// Stop requests shutdown and waits for Run to finish or ctx to expire. Safe
// to call from any goroutine and more than once.
func (c *Collector) Stop(ctx context.Context) error {
	c.stopOnce.Do(func() {
		close(c.stopCh)
		c.closeConn()
	})
	select {
	case <-c.doneCh:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// State returns the current lifecycle state.
func (c *Collector) State() CollectorState {
	return CollectorState(c.state.Load())
}

// Stats returns a snapshot of the wire counters.
func (c *Collector) Stats() CollectorStats {
	c.statsMu.Lock()
	defer c.statsMu.Unlock()
	snap := c.stats
	snap.Ignored = make(map[string]int, len(c.stats.Ignored))
	for k, v := range c.stats.Ignored {
		snap.Ignored[k] = v
	}
	return snap
}

// session runs one connect, handshake, and read cycle. It always returns a
// non-nil error; Run decides whether it was a stop or a reason to reconnect.
func (c *Collector) session(ctx context.Context) error {
	c.setState(StateConnecting)

	dialer := websocket.Dialer{HandshakeTimeout: chatDialTimeout}
	conn, resp, err := dialer.DialContext(ctx, c.cfg.DanmakuWSURL, nil)
	if resp != nil && resp.Body != nil {
		resp.Body.Close()
	}
	if err != nil {
		return fmt.Errorf("dialing chat proxy: %w", err)
	}
	c.setConn(conn)
	defer func() {
		c.setConn(nil)
		conn.Close()
	}()

	// Unblock the blocking read when the context or a stop request fires.
	sessionDone := make(chan struct{})
	defer close(sessionDone)
	go func() {
		select {
		case <-ctx.Done():
		case <-c.stopCh:
		case <-sessionDone:
			return
		}
		conn.Close()
	}()

	if err := c.send(conn, map[string]string{"type": msgLoginReq, "roomid": c.roomID}); err != nil {
		return fmt.Errorf("sending loginreq: %w", err)
	}
	c.setState(StateLoggedIn)

	if err := c.send(conn, map[string]string{"type": msgJoinGroup, "rid": c.roomID, "gid": joinGroupID}); err != nil {
		return fmt.Errorf("sending joingroup: %w", err)
	}
	c.setState(StateJoined)

	go c.heartbeat(conn, sessionDone)
	c.setState(StateRunning)
	c.logger.Info("chat connected",
		slog.String("room_id", c.roomID),
		slog.String("url", c.cfg.DanmakuWSURL))

	// Twice the heartbeat interval of read silence means the connection is
	// dead even when the transport has not noticed.
	silence := 2 * c.cfg.HeartbeatInterval
	for {
		if err := conn.SetReadDeadline(time.Now().Add(silence)); err != nil {
			return fmt.Errorf("setting read deadline: %w", err)
		}
		_, data, err := conn.ReadMessage()
		if err != nil {
			return fmt.Errorf("reading chat frame: %w", err)
		}
		c.handleFrame(data)
	}
}

func (c *Collector) heartbeat(conn *websocket.Conn, done <-chan struct{}) {
	ticker := time.NewTicker(c.cfg.HeartbeatInterval)
	defer ticker.Stop()
	for {
		select {
		case <-done:
			return
		case <-c.stopCh:
			return
		case <-ticker.C:
			tick := strconv.FormatInt(time.Now().Unix(), 10)
			if err := c.send(conn, map[string]string{"type": msgKeepAlive, "tick": tick}); err != nil {
				c.logger.Debug("heartbeat send failed", slog.String("error", err.Error()))
				return
			}
		}
	}
}

func (c *Collector) handleFrame(data []byte) {
	payloads, malformed := DecodePayloads(data)
	if malformed > 0 {
		c.statsMu.Lock()
		c.stats.Malformed += malformed
		total := c.stats.Malformed
		c.statsMu.Unlock()
		if total%malformedLogEvery == 1 {
			c.logger.Warn("skipping malformed chat frames",
				slog.String("room_id", c.roomID),
				slog.Int("total", total))
		}
	}

	for _, payload := range payloads {
		fields := Parse(payload)
		typ := fields["type"]
		if typ != msgChat {
			c.statsMu.Lock()
			c.stats.Ignored[typ]++
			c.statsMu.Unlock()
			continue
		}
		text := fields["txt"]
		if text == "" {
			continue
		}
		if err := c.sink.WriteMessage(c.offset(), text); err != nil {
			c.logger.Warn("writing chat line failed", slog.String("error", err.Error()))
			continue
		}
		c.statsMu.Lock()
		c.stats.Written++
		c.statsMu.Unlock()
	}
}

func (c *Collector) send(conn *websocket.Conn, fields map[string]string) error {
	frame := Pack(Encode(fields))
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	if err := conn.SetWriteDeadline(time.Now().Add(chatWriteWait)); err != nil {
		return err
	}
	return conn.WriteMessage(websocket.BinaryMessage, frame)
}

// offset is the chat line's position on the segment time base, clamped at
// zero for lines that race the recorder start.
func (c *Collector) offset() float64 {
	since := time.Since(c.start)
	if since < 0 {
		since = 0
	}
	return since.Seconds()
}

func (c *Collector) setState(s CollectorState) {
	c.state.Store(int32(s))
}

func (c *Collector) setConn(conn *websocket.Conn) {
	c.connMu.Lock()
	c.conn = conn
	c.connMu.Unlock()
}

func (c *Collector) closeConn() {
	c.connMu.Lock()
	conn := c.conn
	c.connMu.Unlock()
	if conn != nil {
		conn.Close()
	}
}

func (c *Collector) closeSink() {
	c.sinkOnce.Do(func() {
		if err := c.sink.Close(); err != nil {
			c.logger.Warn("closing chat log failed", slog.String("error", err.Error()))
		}
	})
}

func (c *Collector) stopRequested() bool {
	select {
	case <-c.stopCh:
		return true
	default:
		return false
	}
}
