package bilibili

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"os"
	"path/filepath"
	"strconv"
	"strings"
)

const (
	uploadProfile    = "ugcupos/bup"
	defaultChunkSize = 10 << 20

	addPath  = "/x/vu/web/add"
	editPath = "/x/vu/web/edit"
	viewPath = "/x/web/archive/view"
)

// RemoteVideo is the server-side handle for an uploaded file. Filename is
// the upos object name without directory or extension, which is the form
// the submission endpoints expect in their part lists.
type RemoteVideo struct {
	Filename string
}

// Submission carries the archive fields for a new post. Cover must already
// be a platform-hosted URL, not a local path.
type Submission struct {
	Title   string
	Tid     int
	Tag     string
	Source  string
	Cover   string
	Dynamic string
	Desc    string
}

// submissionVideo is one part entry in an add or edit payload.
type submissionVideo struct {
	Filename string `json:"filename"`
	Title    string `json:"title"`
	Desc     string `json:"desc"`
	CID      int64  `json:"cid,omitempty"`
}

// preuploadTicket is the server's grant for one upos transfer session.
type preuploadTicket struct {
	OK        int    `json:"OK"`
	Auth      string `json:"auth"`
	BizID     int64  `json:"biz_id"`
	ChunkSize int    `json:"chunk_size"`
	Endpoint  string `json:"endpoint"`
	UposURI   string `json:"upos_uri"`
}

// url joins the storage endpoint with the object path. The production
// endpoint comes back protocol-relative.
func (t *preuploadTicket) url() string {
	endpoint := t.Endpoint
	if strings.HasPrefix(endpoint, "//") {
		endpoint = "https:" + endpoint
	}
	return endpoint + "/" + strings.TrimPrefix(t.UposURI, "upos://")
}

type chunkPart struct {
	PartNumber int    `json:"partNumber"`
	ETag       string `json:"eTag"`
}

// UploadVideo pushes one file through the upos chunk protocol: preupload
// for a transfer grant, an initiate call for the upload id, sequential
// chunk PUTs, then the finish call that stitches the parts together. cdn
// optionally pins the upload line; blank lets the server choose.
func (c *Client) UploadVideo(ctx context.Context, path, cdn string) (*RemoteVideo, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("opening video: %w", err)
	}
	defer f.Close()
	info, err := f.Stat()
	if err != nil {
		return nil, fmt.Errorf("stating video: %w", err)
	}
	size := info.Size()
	if size == 0 {
		return nil, fmt.Errorf("video %s is empty", filepath.Base(path))
	}

	ticket, err := c.preupload(ctx, filepath.Base(path), size, cdn)
	if err != nil {
		return nil, err
	}
	uposURL := ticket.url()

	uploadID, err := c.initiateUpload(ctx, uposURL, ticket.Auth)
	if err != nil {
		return nil, err
	}

	chunkSize := int64(ticket.ChunkSize)
	if chunkSize <= 0 {
		chunkSize = defaultChunkSize
	}
	chunks := int((size + chunkSize - 1) / chunkSize)

	c.logger.Info("uploading video",
		slog.String("file", filepath.Base(path)),
		slog.Int64("size_bytes", size),
		slog.Int("chunks", chunks))

	buf := make([]byte, chunkSize)
	parts := make([]chunkPart, 0, chunks)
	for i := 0; i < chunks; i++ {
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		default:
		}

		n, err := io.ReadFull(f, buf)
		if err != nil && !errors.Is(err, io.ErrUnexpectedEOF) {
			return nil, fmt.Errorf("reading chunk %d of %s: %w", i+1, filepath.Base(path), err)
		}
		meta := chunkMeta{
			index:  i,
			chunks: chunks,
			start:  int64(i) * chunkSize,
			size:   n,
			total:  size,
		}
		if err := c.putChunk(ctx, uposURL, ticket.Auth, uploadID, meta, buf[:n]); err != nil {
			return nil, err
		}
		parts = append(parts, chunkPart{PartNumber: i + 1, ETag: "etag"})
		c.logger.Debug("chunk uploaded",
			slog.Int("chunk", i+1),
			slog.Int("chunks", chunks))
	}

	if err := c.finishUpload(ctx, uposURL, ticket, uploadID, filepath.Base(path), parts); err != nil {
		return nil, err
	}

	remote := &RemoteVideo{Filename: remoteName(ticket.UposURI)}
	c.logger.Info("video uploaded",
		slog.String("file", filepath.Base(path)),
		slog.String("remote", remote.Filename))
	return remote, nil
}

// remoteName strips the directory and extension from a upos uri, leaving
// the object name submissions refer to.
func remoteName(uposURI string) string {
	name := uposURI[strings.LastIndexByte(uposURI, '/')+1:]
	if i := strings.LastIndexByte(name, '.'); i > 0 {
		name = name[:i]
	}
	return name
}

func (c *Client) preupload(ctx context.Context, name string, size int64, cdn string) (*preuploadTicket, error) {
	params := url.Values{
		"name":    {name},
		"size":    {strconv.FormatInt(size, 10)},
		"r":       {"upos"},
		"profile": {uploadProfile},
	}
	if cdn != "" {
		params.Set("upcdn", cdn)
	}

	reqURL := fmt.Sprintf("%s/preupload?%s", c.memberBase(), params.Encode())
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, reqURL, nil)
	if err != nil {
		return nil, fmt.Errorf("building preupload request: %w", err)
	}
	c.decorate(req)

	resp, err := c.api.DoWithContext(ctx, req)
	if err != nil {
		return nil, fmt.Errorf("requesting upload grant: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("requesting upload grant: unexpected status %d", resp.StatusCode)
	}

	var ticket preuploadTicket
	if err := json.NewDecoder(resp.Body).Decode(&ticket); err != nil {
		return nil, fmt.Errorf("decoding upload grant: %w", err)
	}
	if ticket.OK != 1 {
		return nil, fmt.Errorf("upload grant rejected for %s", name)
	}
	if ticket.Endpoint == "" || ticket.UposURI == "" {
		return nil, errors.New("upload grant carries no storage endpoint")
	}
	return &ticket, nil
}

func (c *Client) initiateUpload(ctx context.Context, uposURL, auth string) (string, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, uposURL+"?uploads&output=json", nil)
	if err != nil {
		return "", fmt.Errorf("building upload session request: %w", err)
	}
	req.Header.Set("X-Upos-Auth", auth)

	resp, err := c.upload.DoWithContext(ctx, req)
	if err != nil {
		return "", fmt.Errorf("opening upload session: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return "", fmt.Errorf("opening upload session: unexpected status %d", resp.StatusCode)
	}

	var body struct {
		UploadID string `json:"upload_id"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&body); err != nil {
		return "", fmt.Errorf("decoding upload session: %w", err)
	}
	if body.UploadID == "" {
		return "", errors.New("upload session carries no upload id")
	}
	return body.UploadID, nil
}

type chunkMeta struct {
	index  int
	chunks int
	start  int64
	size   int
	total  int64
}

func (c *Client) putChunk(ctx context.Context, uposURL, auth, uploadID string, meta chunkMeta, data []byte) error {
	params := url.Values{
		"partNumber": {strconv.Itoa(meta.index + 1)},
		"uploadId":   {uploadID},
		"chunk":      {strconv.Itoa(meta.index)},
		"chunks":     {strconv.Itoa(meta.chunks)},
		"size":       {strconv.Itoa(meta.size)},
		"start":      {strconv.FormatInt(meta.start, 10)},
		"end":        {strconv.FormatInt(meta.start+int64(meta.size), 10)},
		"total":      {strconv.FormatInt(meta.total, 10)},
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPut, uposURL+"?"+params.Encode(), bytes.NewReader(data))
	if err != nil {
		return fmt.Errorf("building chunk request: %w", err)
	}
	req.Header.Set("X-Upos-Auth", auth)
	req.Header.Set("Content-Type", "application/octet-stream")

	resp, err := c.upload.DoWithContext(ctx, req)
	if err != nil {
		return fmt.Errorf("uploading chunk %d: %w", meta.index+1, err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("uploading chunk %d: unexpected status %d", meta.index+1, resp.StatusCode)
	}
	return nil
}

func (c *Client) finishUpload(ctx context.Context, uposURL string, ticket *preuploadTicket, uploadID, name string, parts []chunkPart) error {
	params := url.Values{
		"output":   {"json"},
		"name":     {name},
		"profile":  {uploadProfile},
		"uploadId": {uploadID},
		"biz_id":   {strconv.FormatInt(ticket.BizID, 10)},
	}
	payload, err := json.Marshal(struct {
		Parts []chunkPart `json:"parts"`
	}{Parts: parts})
	if err != nil {
		return fmt.Errorf("encoding parts manifest: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, uposURL+"?"+params.Encode(), bytes.NewReader(payload))
	if err != nil {
		return fmt.Errorf("building upload finish request: %w", err)
	}
	req.Header.Set("X-Upos-Auth", ticket.Auth)
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.upload.DoWithContext(ctx, req)
	if err != nil {
		return fmt.Errorf("finishing upload: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("finishing upload: unexpected status %d", resp.StatusCode)
	}

	var body struct {
		OK int `json:"OK"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&body); err != nil {
		return fmt.Errorf("decoding upload finish response: %w", err)
	}
	if body.OK != 1 {
		return fmt.Errorf("upload finish rejected for %s", name)
	}
	return nil
}

// SubmitNew posts a new archive with a single part and returns the BV id
// when the response carries one. Submissions are marked as reposts with the
// source room URL so the platform attributes the original stream.
func (c *Client) SubmitNew(ctx context.Context, sub Submission, video *RemoteVideo, partTitle string) (string, error) {
	payload := struct {
		Copyright int               `json:"copyright"`
		Source    string            `json:"source"`
		Tid       int               `json:"tid"`
		Cover     string            `json:"cover"`
		Title     string            `json:"title"`
		Tag       string            `json:"tag"`
		Desc      string            `json:"desc"`
		Dynamic   string            `json:"dynamic"`
		Videos    []submissionVideo `json:"videos"`
		CSRF      string            `json:"csrf"`
	}{
		Copyright: 2,
		Source:    sub.Source,
		Tid:       sub.Tid,
		Cover:     sub.Cover,
		Title:     sub.Title,
		Tag:       sub.Tag,
		Desc:      sub.Desc,
		Dynamic:   sub.Dynamic,
		Videos:    []submissionVideo{{Filename: video.Filename, Title: partTitle}},
		CSRF:      c.csrf,
	}

	var data struct {
		Aid  int64  `json:"aid"`
		BVID string `json:"bvid"`
	}
	reqURL := c.memberBase() + addPath + "?csrf=" + url.QueryEscape(c.csrf)
	if err := c.postJSON(ctx, reqURL, payload, &data); err != nil {
		return "", fmt.Errorf("submitting archive: %w", err)
	}

	c.logger.Info("archive submitted",
		slog.String("title", sub.Title),
		slog.String("bvid", data.BVID))
	return data.BVID, nil
}

// AppendPart fetches the archive behind bvid and resubmits it with the new
// file attached as the last part. The edit endpoint replaces the whole part
// list, so the existing entries are carried over untouched.
func (c *Client) AppendPart(ctx context.Context, bvid string, video *RemoteVideo, partTitle string) error {
	var view struct {
		Archive struct {
			Title     string `json:"title"`
			Tid       int    `json:"tid"`
			Tag       string `json:"tag"`
			Desc      string `json:"desc"`
			Source    string `json:"source"`
			Cover     string `json:"cover"`
			Dynamic   string `json:"dynamic"`
			Copyright int    `json:"copyright"`
		} `json:"archive"`
		Videos []struct {
			Filename string `json:"filename"`
			Title    string `json:"title"`
			Desc     string `json:"desc"`
			CID      int64  `json:"cid"`
		} `json:"videos"`
	}
	viewURL := fmt.Sprintf("%s%s?bvid=%s", c.memberBase(), viewPath, url.QueryEscape(bvid))
	if err := c.getJSON(ctx, viewURL, &view); err != nil {
		return fmt.Errorf("fetching archive %s: %w", bvid, err)
	}

	videos := make([]submissionVideo, 0, len(view.Videos)+1)
	for _, v := range view.Videos {
		videos = append(videos, submissionVideo{
			Filename: v.Filename,
			Title:    v.Title,
			Desc:     v.Desc,
			CID:      v.CID,
		})
	}
	videos = append(videos, submissionVideo{Filename: video.Filename, Title: partTitle})

	copyright := view.Archive.Copyright
	if copyright == 0 {
		copyright = 2
	}
	payload := struct {
		BVID      string            `json:"bvid"`
		Copyright int               `json:"copyright"`
		Source    string            `json:"source"`
		Tid       int               `json:"tid"`
		Cover     string            `json:"cover"`
		Title     string            `json:"title"`
		Tag       string            `json:"tag"`
		Desc      string            `json:"desc"`
		Dynamic   string            `json:"dynamic"`
		Videos    []submissionVideo `json:"videos"`
		CSRF      string            `json:"csrf"`
	}{
		BVID:      bvid,
		Copyright: copyright,
		Source:    view.Archive.Source,
		Tid:       view.Archive.Tid,
		Cover:     view.Archive.Cover,
		Title:     view.Archive.Title,
		Tag:       view.Archive.Tag,
		Desc:      view.Archive.Desc,
		Dynamic:   view.Archive.Dynamic,
		Videos:    videos,
		CSRF:      c.csrf,
	}
	reqURL := c.memberBase() + editPath + "?csrf=" + url.QueryEscape(c.csrf)
	if err := c.postJSON(ctx, reqURL, payload, nil); err != nil {
		return fmt.Errorf("appending part to %s: %w", bvid, err)
	}

	c.logger.Info("part appended",
		slog.String("bvid", bvid),
		slog.String("part_title", partTitle),
		slog.Int("parts", len(videos)))
	return nil
}
