package douyu

import (
	"context"
	"crypto/md5"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/SimonGino/video-processor/internal/config"
	"github.com/SimonGino/video-processor/internal/observability"
	"github.com/SimonGino/video-processor/pkg/httpclient"
)

// ErrResolve reports that play-URL resolution exhausted its retry budget.
// The coordinator stays offline for the current live interval when it sees
// this error.
var ErrResolve = errors.New("stream url resolution failed")

// errKeyRejected marks a 403 from the play-info endpoint: the cached
// encryption material went stale and must be refetched.
var errKeyRejected = errors.New("encryption key rejected")

const (
	douyuOrigin    = "https://www.douyu.com"
	encryptionPath = "/wgapi/livenc/liveweb/websec/getEncryption"
	playInfoPath   = "/lapi/live/getH5PlayV1"
	playVersion    = "219032101"

	resolveAttempts  = 3
	resolveBaseDelay = time.Second

	keyTTL         = 24 * time.Hour
	keyExpirySlack = 5 * time.Second
)

// encryptionKey is the signing material the getEncryption endpoint hands out.
type encryptionKey struct {
	EncData   string `json:"enc_data"`
	RandStr   string `json:"rand_str"`
	Key       string `json:"key"`
	EncTime   int    `json:"enc_time"`
	IsSpecial int    `json:"is_special"`
	ExpireAt  int64  `json:"expire_at"`

	expiresAt time.Time
}

func (k *encryptionKey) expired(now time.Time) bool {
	return k == nil || !now.Before(k.expiresAt)
}

// Resolver computes signed getH5PlayV1 requests and picks a playable stream
// URL for a room. Encryption material is cached until the server-reported
// expiry (24h when the server omits one) and invalidated on any 403.
type Resolver struct {
	cfg      config.DouyuConfig
	client   *httpclient.Client
	logger   *slog.Logger
	deviceID string

	mu  sync.Mutex
	key *encryptionKey

	attempts  int
	baseDelay time.Duration
}

// NewResolver builds a resolver sharing one HTTP client. When no device id
// is configured a random uuid-derived one is generated for the process
// lifetime.
func NewResolver(cfg config.DouyuConfig, client *httpclient.Client, logger *slog.Logger) *Resolver {
	deviceID := cfg.DeviceID
	if deviceID == "" {
		deviceID = strings.ReplaceAll(uuid.NewString(), "-", "")
	}
	return &Resolver{
		cfg:       cfg,
		client:    client,
		logger:    observability.WithComponent(logger, "douyu-resolver"),
		deviceID:  deviceID,
		attempts:  resolveAttempts,
		baseDelay: resolveBaseDelay,
	}
}

// NewAPIClient builds the HTTP client Douyu callers share, wired to the
// douyu_api circuit breaker profile. Client-level retries stay off: the
// resolver runs its own bounded retry loop and the monitor maps any failed
// poll to an unknown status.
func NewAPIClient(cfg config.DouyuConfig, logger *slog.Logger) *httpclient.Client {
	hc := httpclient.DefaultConfig()
	hc.Timeout = cfg.Timeout
	hc.RetryAttempts = 0
	hc.UserAgent = cfg.UserAgent
	hc.Logger = logger
	return httpclient.DefaultFactory.CreateClientWithConfig("douyu_api", hc)
}

// DeviceID returns the identifier sent as did on every API call.
func (r *Resolver) DeviceID() string { return r.deviceID }

// Resolve returns a playable stream URL for the room together with the HTTP
// headers the transcoder must present when opening it. Attempts are spaced
// with doubling backoff; exhaustion returns an error wrapping ErrResolve.
func (r *Resolver) Resolve(ctx context.Context, roomID string) (string, http.Header, error) {
	var lastErr error
	delay := r.baseDelay
	for attempt := 1; attempt <= r.attempts; attempt++ {
		streamURL, err := r.resolveOnce(ctx, roomID)
		if err == nil {
			r.logger.Info("resolved stream url",
				slog.String("room_id", roomID),
				slog.Int("attempt", attempt))
			return streamURL, r.PlaybackHeaders(), nil
		}
		lastErr = err
		r.logger.Warn("stream url resolution attempt failed",
			slog.String("room_id", roomID),
			slog.Int("attempt", attempt),
			slog.Int("max_attempts", r.attempts),
			slog.String("error", err.Error()))
		if attempt == r.attempts {
			break
		}
		select {
		case <-ctx.Done():
			return "", nil, ctx.Err()
		case <-time.After(delay):
		}
		delay *= 2
	}
	return "", nil, fmt.Errorf("%w: %w", ErrResolve, lastErr)
}

// PlaybackHeaders returns the headers a media client must present when
// opening a resolved URL.
func (r *Resolver) PlaybackHeaders() http.Header {
	h := http.Header{}
	if r.cfg.UserAgent != "" {
		h.Set("User-Agent", r.cfg.UserAgent)
	}
	h.Set("Referer", douyuOrigin)
	h.Set("Origin", douyuOrigin)
	return h
}

func (r *Resolver) resolveOnce(ctx context.Context, roomID string) (string, error) {
	key, err := r.encryption(ctx)
	if err != nil {
		return "", err
	}
	streamURL, err := r.playInfo(ctx, roomID, key)
	if errors.Is(err, errKeyRejected) {
		r.invalidateKey()
		if key, err = r.encryption(ctx); err != nil {
			return "", err
		}
		return r.playInfo(ctx, roomID, key)
	}
	return streamURL, err
}

func (r *Resolver) encryption(ctx context.Context) (*encryptionKey, error) {
	r.mu.Lock()
	if !r.key.expired(time.Now()) {
		key := r.key
		r.mu.Unlock()
		return key, nil
	}
	r.mu.Unlock()

	reqURL := fmt.Sprintf("%s%s?did=%s", r.apiBase(), encryptionPath, url.QueryEscape(r.deviceID))
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, reqURL, nil)
	if err != nil {
		return nil, fmt.Errorf("building encryption request: %w", err)
	}
	r.decorate(req)

	resp, err := r.client.DoWithContext(ctx, req)
	if err != nil {
		return nil, fmt.Errorf("fetching encryption material: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("fetching encryption material: unexpected status %d", resp.StatusCode)
	}

	var body struct {
		Error int            `json:"error"`
		Msg   string         `json:"msg"`
		Data  *encryptionKey `json:"data"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&body); err != nil {
		return nil, fmt.Errorf("decoding encryption response: %w", err)
	}
	if body.Error != 0 || body.Data == nil {
		return nil, fmt.Errorf("encryption endpoint error %d: %s", body.Error, body.Msg)
	}

	key := body.Data
	key.expiresAt = time.Now().Add(keyTTL)
	if key.ExpireAt > 0 {
		key.expiresAt = time.Unix(key.ExpireAt, 0).Add(-keyExpirySlack)
	}

	r.mu.Lock()
	r.key = key
	r.mu.Unlock()

	r.logger.Debug("refreshed encryption material",
		slog.Int("enc_time", key.EncTime),
		slog.Time("expires_at", key.expiresAt))
	return key, nil
}

func (r *Resolver) playInfo(ctx context.Context, roomID string, key *encryptionKey) (string, error) {
	now := time.Now().Unix()
	params := url.Values{
		"cdn":      {r.cfg.CDN},
		"rate":     {strconv.Itoa(r.cfg.Rate)},
		"ver":      {playVersion},
		"iar":      {"0"},
		"ive":      {"0"},
		"hevc":     {"0"},
		"fa":       {"0"},
		"sov":      {"0"},
		"rid":      {roomID},
		"enc_data": {key.EncData},
		"tt":       {strconv.FormatInt(now, 10)},
		"did":      {r.deviceID},
		"auth":     {signPlayRequest(key, roomID, now)},
	}
	encoded := params.Encode()

	// The endpoint reads the parameters from both the query string and the
	// form body; they must carry the same values.
	reqURL := fmt.Sprintf("%s%s/%s?%s", r.apiBase(), playInfoPath, url.PathEscape(roomID), encoded)
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, reqURL, strings.NewReader(encoded))
	if err != nil {
		return "", fmt.Errorf("building play info request: %w", err)
	}
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	r.decorate(req)

	resp, err := r.client.DoWithContext(ctx, req)
	if err != nil {
		return "", fmt.Errorf("fetching play info: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode == http.StatusForbidden {
		return "", errKeyRejected
	}
	if resp.StatusCode != http.StatusOK {
		return "", fmt.Errorf("fetching play info: unexpected status %d", resp.StatusCode)
	}

	var body struct {
		Error int    `json:"error"`
		Msg   string `json:"msg"`
		Data  struct {
			RTMPURL  string `json:"rtmp_url"`
			RTMPLive string `json:"rtmp_live"`
			HLSURL   string `json:"hls_url"`
			HLSLive  string `json:"hls_live"`
		} `json:"data"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&body); err != nil {
		return "", fmt.Errorf("decoding play info response: %w", err)
	}
	if body.Error != 0 {
		return "", fmt.Errorf("play info endpoint error %d: %s", body.Error, body.Msg)
	}

	if streamURL := joinStreamURL(body.Data.RTMPURL, body.Data.RTMPLive); streamURL != "" {
		return streamURL, nil
	}
	if streamURL := joinStreamURL(body.Data.HLSURL, body.Data.HLSLive); streamURL != "" {
		r.logger.Debug("falling back to hls stream", slog.String("room_id", roomID))
		return streamURL, nil
	}
	return "", errors.New("play info response carries no stream url")
}

// signPlayRequest derives the auth parameter: the rand_str seed is folded
// through md5 enc_time times with the key appended each round, then hashed
// once more with the key and, for regular rooms, roomID+ts as salt.
func signPlayRequest(key *encryptionKey, roomID string, ts int64) string {
	secret := key.RandStr
	for i := 0; i < key.EncTime; i++ {
		secret = md5Hex(secret + key.Key)
	}
	salt := ""
	if key.IsSpecial == 0 {
		salt = roomID + strconv.FormatInt(ts, 10)
	}
	return md5Hex(secret + key.Key + salt)
}

func md5Hex(s string) string {
	sum := md5.Sum([]byte(s)) //nolint:gosec // G401: the platform signs with md5
	return hex.EncodeToString(sum[:])
}

func (r *Resolver) invalidateKey() {
	r.mu.Lock()
	r.key = nil
	r.mu.Unlock()
	r.logger.Debug("invalidated cached encryption material")
}

func (r *Resolver) decorate(req *http.Request) {
	if r.cfg.UserAgent != "" {
		req.Header.Set("User-Agent", r.cfg.UserAgent)
	}
	req.Header.Set("Referer", douyuOrigin)
	req.Header.Set("Origin", douyuOrigin)
}

func (r *Resolver) apiBase() string {
	return strings.TrimRight(r.cfg.APIBase, "/")
}

func joinStreamURL(base, path string) string {
	base = strings.TrimRight(base, "/")
	path = strings.TrimLeft(path, "/")
	if base == "" || path == "" {
		return ""
	}
	return base + "/" + path
}
