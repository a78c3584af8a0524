// Package bilibili implements the upload side of the archiver: login
// verification against the operator's session cookies, chunked video
// transfer over the upos protocol, archive submission and editing, and the
// member feed used to recover BV ids after review.
package bilibili

import (
	"bytes"
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"net/http/cookiejar"
	"net/url"
	"strconv"
	"strings"
	"time"

	"golang.org/x/net/publicsuffix"

	"github.com/SimonGino/video-processor/internal/config"
	"github.com/SimonGino/video-processor/internal/observability"
	"github.com/SimonGino/video-processor/pkg/httpclient"
)

const (
	defaultAPIBase    = "https://api.bilibili.com"
	defaultMemberBase = "https://member.bilibili.com"
	bilibiliOrigin    = "https://www.bilibili.com"

	navPath      = "/x/web-interface/nav"
	archivesPath = "/x/web/archives"
	coverPath    = "/x/vu/web/cover/up"

	// Chunk PUTs on multi-gigabyte recordings need far more headroom than
	// the JSON endpoints.
	uploadTimeout = 10 * time.Minute
)

// ErrNotLoggedIn reports session cookies the platform no longer accepts.
// Upload runs abort before touching any file when they see this error.
var ErrNotLoggedIn = errors.New("session cookies are not logged in")

// APIError is a non-zero code in a platform response envelope.
type APIError struct {
	Code    int
	Message string
}

func (e *APIError) Error() string {
	return fmt.Sprintf("bilibili api error %d: %s", e.Code, e.Message)
}

// Account identifies the member the cookie file belongs to.
type Account struct {
	Uname string
	Mid   int64
}

// FeedVideo is one archive from the member feed.
type FeedVideo struct {
	BVID  string
	Title string
}

// Client talks to the platform with the operator's session cookies. Two
// HTTP clients share one cookie jar: api for the JSON endpoints and upload
// for chunk transfers, each behind its own circuit breaker profile.
type Client struct {
	cfg    config.BilibiliConfig
	api    *httpclient.Client
	upload *httpclient.Client
	csrf   string
	logger *slog.Logger
}

// NewClient loads the cookie file and builds the API clients around a
// shared jar. An unreadable or incomplete cookie file is a configuration
// error. Client-level retries stay off on both clients: request bodies are
// single-shot readers and mutating endpoints must not be replayed blind.
func NewClient(cfg config.BilibiliConfig, logger *slog.Logger) (*Client, error) {
	cookies, csrf, err := loadCredentials(cfg.CookieFile)
	if err != nil {
		return nil, err
	}

	jar, err := cookiejar.New(&cookiejar.Options{PublicSuffixList: publicsuffix.List})
	if err != nil {
		return nil, fmt.Errorf("building cookie jar: %w", err)
	}
	origin, err := url.Parse(bilibiliOrigin + "/")
	if err != nil {
		return nil, fmt.Errorf("parsing origin: %w", err)
	}
	jar.SetCookies(origin, cookies)

	log := observability.WithComponent(logger, "bilibili")

	apiCfg := httpclient.DefaultConfig()
	apiCfg.RetryAttempts = 0
	apiCfg.UserAgent = cfg.UserAgent
	apiCfg.Logger = log
	apiCfg.BaseClient = &http.Client{Jar: jar, Timeout: apiCfg.Timeout}

	upCfg := httpclient.DefaultConfig()
	upCfg.Timeout = uploadTimeout
	upCfg.RetryAttempts = 0
	upCfg.UserAgent = cfg.UserAgent
	upCfg.Logger = log
	upCfg.BaseClient = &http.Client{Jar: jar, Timeout: uploadTimeout}

	return &Client{
		cfg:    cfg,
		api:    httpclient.DefaultFactory.CreateClientWithConfig("bilibili_api", apiCfg),
		upload: httpclient.DefaultFactory.CreateClientWithConfig("bilibili_upload", upCfg),
		csrf:   csrf,
		logger: log,
	}, nil
}

func (c *Client) apiBase() string {
	if c.cfg.APIBase != "" {
		return strings.TrimRight(c.cfg.APIBase, "/")
	}
	return defaultAPIBase
}

func (c *Client) memberBase() string {
	if c.cfg.MemberBase != "" {
		return strings.TrimRight(c.cfg.MemberBase, "/")
	}
	return defaultMemberBase
}

func (c *Client) decorate(req *http.Request) {
	if c.cfg.UserAgent != "" {
		req.Header.Set("User-Agent", c.cfg.UserAgent)
	}
	req.Header.Set("Referer", bilibiliOrigin+"/")
	req.Header.Set("Origin", bilibiliOrigin)
}

// CheckLogin verifies the session against the nav endpoint and returns the
// account it belongs to. A rejected or logged-out session yields
// ErrNotLoggedIn so callers can abort their run without moving any files.
func (c *Client) CheckLogin(ctx context.Context) (*Account, error) {
	var data struct {
		IsLogin bool   `json:"isLogin"`
		Uname   string `json:"uname"`
		Mid     int64  `json:"mid"`
	}
	if err := c.getJSON(ctx, c.apiBase()+navPath, &data); err != nil {
		var apiErr *APIError
		if errors.As(err, &apiErr) {
			return nil, fmt.Errorf("%w: %s", ErrNotLoggedIn, apiErr.Message)
		}
		return nil, fmt.Errorf("checking login: %w", err)
	}
	if !data.IsLogin {
		return nil, ErrNotLoggedIn
	}
	return &Account{Uname: data.Uname, Mid: data.Mid}, nil
}

// Feed lists archives from the member feed filtered by review status.
// statuses is the comma-separated filter the web console uses, e.g.
// "pubed,is_pubing". Only the first page is fetched.
func (c *Client) Feed(ctx context.Context, statuses string, size int) ([]FeedVideo, error) {
	params := url.Values{
		"status": {statuses},
		"pn":     {"1"},
		"ps":     {strconv.Itoa(size)},
	}
	var data struct {
		ArcAudits []struct {
			Archive struct {
				BVID  string `json:"bvid"`
				Title string `json:"title"`
			} `json:"Archive"`
		} `json:"arc_audits"`
	}
	reqURL := fmt.Sprintf("%s%s?%s", c.memberBase(), archivesPath, params.Encode())
	if err := c.getJSON(ctx, reqURL, &data); err != nil {
		return nil, fmt.Errorf("fetching member feed: %w", err)
	}

	videos := make([]FeedVideo, 0, len(data.ArcAudits))
	for _, audit := range data.ArcAudits {
		videos = append(videos, FeedVideo{
			BVID:  audit.Archive.BVID,
			Title: audit.Archive.Title,
		})
	}
	return videos, nil
}

// UploadCover pushes cover image bytes and returns the hosted URL to place
// in a submission. The endpoint wants the image inlined as a base64 data
// URI rather than a multipart body.
func (c *Client) UploadCover(ctx context.Context, data []byte, mime string) (string, error) {
	form := url.Values{
		"csrf":  {c.csrf},
		"cover": {fmt.Sprintf("data:%s;base64,%s", mime, base64.StdEncoding.EncodeToString(data))},
	}
	var result struct {
		URL string `json:"url"`
	}
	if err := c.postForm(ctx, c.memberBase()+coverPath, form, &result); err != nil {
		return "", fmt.Errorf("uploading cover: %w", err)
	}
	if result.URL == "" {
		return "", errors.New("uploading cover: response carries no url")
	}
	return result.URL, nil
}

// getJSON fetches a platform endpoint and decodes the data field of the
// response envelope into out. A non-zero envelope code becomes an APIError.
func (c *Client) getJSON(ctx context.Context, reqURL string, out any) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, reqURL, nil)
	if err != nil {
		return fmt.Errorf("building request: %w", err)
	}
	c.decorate(req)
	return c.doJSON(req, out)
}

// postJSON sends a JSON payload to a platform endpoint and decodes the
// data field of the response envelope into out when out is non-nil.
func (c *Client) postJSON(ctx context.Context, reqURL string, payload, out any) error {
	body, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("encoding payload: %w", err)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, reqURL, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("building request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	c.decorate(req)
	return c.doJSON(req, out)
}

// postForm sends url-encoded form fields to a platform endpoint and decodes
// the data field of the response envelope into out when out is non-nil.
func (c *Client) postForm(ctx context.Context, reqURL string, form url.Values, out any) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, reqURL, strings.NewReader(form.Encode()))
	if err != nil {
		return fmt.Errorf("building request: %w", err)
	}
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	c.decorate(req)
	return c.doJSON(req, out)
}

func (c *Client) doJSON(req *http.Request, out any) error {
	resp, err := c.api.DoWithContext(req.Context(), req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("unexpected status %d", resp.StatusCode)
	}

	var envelope struct {
		Code    int             `json:"code"`
		Message string          `json:"message"`
		Data    json.RawMessage `json:"data"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&envelope); err != nil {
		return fmt.Errorf("decoding response: %w", err)
	}
	if envelope.Code != 0 {
		return &APIError{Code: envelope.Code, Message: envelope.Message}
	}
	if out != nil && len(envelope.Data) > 0 && !bytes.Equal(envelope.Data, []byte("null")) {
		if err := json.Unmarshal(envelope.Data, out); err != nil {
			return fmt.Errorf("decoding response data: %w", err)
		}
	}
	return nil
}
