package bilibili

import (
	"bytes"
	"errors"
	"fmt"
	"image/jpeg"
	"net/http"
	"os"
	"path/filepath"
	"strings"
	"time"

	"golang.org/x/image/webp"
	"gopkg.in/yaml.v3"
)

const (
	timePlaceholder = "{time}"
	streamDateForm  = "2006年01月02日"

	coverJPEGQuality = 90
)

// requiredMetaKeys are the fields every upload template must define, even
// when the value is blank. A missing key is treated as a broken template
// rather than an intentional blank, so typos surface at load time instead
// of at submit time.
var requiredMetaKeys = []string{"title", "tid", "tag", "source", "cover", "dynamic", "desc"}

// TagList accepts either a comma-joined scalar or a YAML sequence, since
// both layouts circulate in operator templates.
type TagList []string

func (t *TagList) UnmarshalYAML(value *yaml.Node) error {
	switch value.Kind {
	case yaml.ScalarNode:
		*t = splitTags(value.Value)
		return nil
	case yaml.SequenceNode:
		var items []string
		if err := value.Decode(&items); err != nil {
			return err
		}
		tags := make(TagList, 0, len(items))
		for _, item := range items {
			if item = strings.TrimSpace(item); item != "" {
				tags = append(tags, item)
			}
		}
		*t = tags
		return nil
	default:
		return errors.New("tag must be a string or a list of strings")
	}
}

// String joins the tags the way the submission endpoint expects them.
func (t TagList) String() string { return strings.Join(t, ",") }

func splitTags(s string) []string {
	parts := strings.Split(s, ",")
	tags := make([]string, 0, len(parts))
	for _, part := range parts {
		if part = strings.TrimSpace(part); part != "" {
			tags = append(tags, part)
		}
	}
	return tags
}

// Meta is the operator-maintained upload template. CDN optionally pins the
// upload line and is the only optional key.
type Meta struct {
	Title   string  `yaml:"title"`
	Tid     int     `yaml:"tid"`
	Tag     TagList `yaml:"tag"`
	Source  string  `yaml:"source"`
	Cover   string  `yaml:"cover"`
	Dynamic string  `yaml:"dynamic"`
	Desc    string  `yaml:"desc"`
	CDN     string  `yaml:"cdn"`

	dir string
}

// LoadMeta reads the upload template, failing on any missing required key.
func LoadMeta(path string) (*Meta, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading upload template: %w", err)
	}

	var keys map[string]any
	if err := yaml.Unmarshal(raw, &keys); err != nil {
		return nil, fmt.Errorf("parsing upload template %s: %w", path, err)
	}
	var missing []string
	for _, key := range requiredMetaKeys {
		if _, ok := keys[key]; !ok {
			missing = append(missing, key)
		}
	}
	if len(missing) > 0 {
		return nil, fmt.Errorf("upload template %s is missing required keys: %s", path, strings.Join(missing, ", "))
	}

	var meta Meta
	if err := yaml.Unmarshal(raw, &meta); err != nil {
		return nil, fmt.Errorf("parsing upload template %s: %w", path, err)
	}
	meta.dir = filepath.Dir(path)
	return &meta, nil
}

// HasTimePlaceholder reports whether the title template dates itself.
func (m *Meta) HasTimePlaceholder() bool {
	return strings.Contains(m.Title, timePlaceholder)
}

// RenderTitle substitutes the {time} placeholder with the stream date.
func (m *Meta) RenderTitle(ts time.Time) string {
	return strings.ReplaceAll(m.Title, timePlaceholder, ts.Format(streamDateForm))
}

// Submission returns the archive fields for a new post titled title. The
// caller uploads the cover image separately and passes the hosted URL in
// coverURL; blank means no cover.
func (m *Meta) Submission(title, coverURL string) Submission {
	return Submission{
		Title:   title,
		Tid:     m.Tid,
		Tag:     m.Tag.String(),
		Source:  m.Source,
		Cover:   coverURL,
		Dynamic: m.Dynamic,
		Desc:    m.Desc,
	}
}

// CoverPath resolves the cover image location relative to the template
// file, so templates can sit next to their artwork.
func (m *Meta) CoverPath() string {
	if m.Cover == "" || filepath.IsAbs(m.Cover) {
		return m.Cover
	}
	return filepath.Join(m.dir, m.Cover)
}

// CoverData loads the cover image, transcoding webp to jpeg since the
// cover endpoint rejects webp payloads. Other formats pass through intact
// with their sniffed content type. A blank cover yields no data and no
// error.
func (m *Meta) CoverData() ([]byte, string, error) {
	path := m.CoverPath()
	if path == "" {
		return nil, "", nil
	}
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, "", fmt.Errorf("reading cover image: %w", err)
	}
	if !strings.EqualFold(filepath.Ext(path), ".webp") {
		return raw, http.DetectContentType(raw), nil
	}

	img, err := webp.Decode(bytes.NewReader(raw))
	if err != nil {
		return nil, "", fmt.Errorf("decoding webp cover: %w", err)
	}
	var buf bytes.Buffer
	if err := jpeg.Encode(&buf, img, &jpeg.Options{Quality: coverJPEGQuality}); err != nil {
		return nil, "", fmt.Errorf("encoding jpeg cover: %w", err)
	}
	return buf.Bytes(), "image/jpeg", nil
}
