// Package capsuleapi is a client for the capsule server routes the bridge
// relies on: record and pointer uploads, capsule edits, slide uploads and
// asset downloads.
package capsuleapi

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
	"strconv"
	"strings"
	"time"

	"github.com/dustin/go-humanize"

	"github.com/graaaaa/capsule-bridge/internal/capsule"
	"github.com/graaaaa/capsule-bridge/internal/config"
	"github.com/graaaaa/capsule-bridge/internal/version"
)

// CookieName is the name of the server's session cookie.
const CookieName = "EXAUTH"

// StatusError is returned when the server answers with a non-2xx status.
type StatusError struct {
	Status     int
	StatusText string
	Method     string
	Path       string
}

func (e *StatusError) Error() string {
	return fmt.Sprintf("%s %s: %d %s", e.Method, e.Path, e.Status, e.StatusText)
}

// ErrEmptyResponse is returned when a route that should answer with a capsule
// answers with an empty body.
var ErrEmptyResponse = errors.New("empty response")

// ProgressFunc receives the number of body bytes sent so far and the total.
type ProgressFunc func(loaded, total int64)

// Client talks to a capsule server.
type Client struct {
	baseURL   string
	cookie    config.Secret
	client    *http.Client
	userAgent string
	logger    *slog.Logger
}

// Option configures a Client.
type Option func(*Client)

// WithHTTPClient sets a custom HTTP client.
func WithHTTPClient(client *http.Client) Option {
	return func(c *Client) { c.client = client }
}

// WithLogger sets the logger.
func WithLogger(logger *slog.Logger) Option {
	return func(c *Client) { c.logger = logger }
}

// NewClient creates a client for the server at baseURL. The session cookie is
// sent with every request and logs as [REDACTED].
func NewClient(baseURL string, cookie config.Secret, opts ...Option) *Client {
	c := &Client{
		baseURL:   strings.TrimRight(baseURL, "/"),
		cookie:    cookie,
		client:    &http.Client{Timeout: 30 * time.Minute},
		userAgent: version.UserAgent(),
		logger:    slog.Default(),
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// BaseURL returns the server root.
func (c *Client) BaseURL() string {
	return c.baseURL
}

// UploadRecord stores the webcam recording of group gos and returns the updated capsule.
func (c *Client) UploadRecord(ctx context.Context, capsuleID string, gos int, mimeType string, data []byte, progress ProgressFunc) (*capsule.Capsule, error) {
	path := "/api/upload-record/" + url.PathEscape(capsuleID) + "/" + strconv.Itoa(gos)
	return c.postCapsule(ctx, path, mimeType, data, progress)
}

// UploadPointer stores the pointer recording of group gos and returns the updated capsule.
func (c *Client) UploadPointer(ctx context.Context, capsuleID string, gos int, mimeType string, data []byte, progress ProgressFunc) (*capsule.Capsule, error) {
	path := "/api/upload-pointer/" + url.PathEscape(capsuleID) + "/" + strconv.Itoa(gos)
	return c.postCapsule(ctx, path, mimeType, data, progress)
}

// UpdateCapsule replaces the capsule metadata and structure on the server.
func (c *Client) UpdateCapsule(ctx context.Context, updated *capsule.Capsule) error {
	body, err := json.Marshal(updated)
	if err != nil {
		return fmt.Errorf("encode capsule: %w", err)
	}
	resp, err := c.do(ctx, http.MethodPost, "/api/update-capsule/", "application/json", body, nil)
	if err != nil {
		return err
	}
	resp.Body.Close()
	return nil
}

// EmptyCapsule creates a capsule without slides in project.
func (c *Client) EmptyCapsule(ctx context.Context, project, name string) (*capsule.Capsule, error) {
	path := "/api/empty-capsule/" + url.PathEscape(project) + "/" + url.PathEscape(name)
	return c.postCapsule(ctx, path, "", nil, nil)
}

// AddSlide appends an image as a new slide in a new group at the end of the capsule.
func (c *Client) AddSlide(ctx context.Context, capsuleID string, mimeType string, data []byte) (*capsule.Capsule, error) {
	path := "/api/add-slide/" + url.PathEscape(capsuleID) + "/-1/-1"
	return c.postCapsule(ctx, path, mimeType, data, nil)
}

// ReplaceSlide attaches media to the slide identified by slideUUID. A video
// becomes the slide's extra.
func (c *Client) ReplaceSlide(ctx context.Context, capsuleID, slideUUID string, mimeType string, data []byte) (*capsule.Capsule, error) {
	path := "/api/replace-slide/" + url.PathEscape(capsuleID) + "/" + url.PathEscape(slideUUID) + "/-1"
	out, err := c.postCapsule(ctx, path, mimeType, data, nil)
	if errors.Is(err, ErrEmptyResponse) {
		return nil, nil
	}
	return out, err
}

// AssetPath returns the server path of an asset.
func AssetPath(capsuleID, uuid, ext string) string {
	return "/data/" + url.PathEscape(capsuleID) + "/assets/" + url.PathEscape(uuid) + "." + ext
}

// FetchAsset downloads an asset of a capsule.
func (c *Client) FetchAsset(ctx context.Context, capsuleID, uuid, ext string) ([]byte, error) {
	return c.get(ctx, AssetPath(capsuleID, uuid, ext))
}

// FetchOutput downloads the produced video of a capsule.
func (c *Client) FetchOutput(ctx context.Context, capsuleID string) ([]byte, error) {
	return c.get(ctx, "/data/"+url.PathEscape(capsuleID)+"/output.mp4")
}

func (c *Client) get(ctx context.Context, path string) ([]byte, error) {
	resp, err := c.do(ctx, http.MethodGet, path, "", nil, nil)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("read %s: %w", path, err)
	}
	c.logger.Debug("asset fetched", "path", path, "size", humanize.Bytes(uint64(len(data))))
	return data, nil
}

func (c *Client) postCapsule(ctx context.Context, path, contentType string, body []byte, progress ProgressFunc) (*capsule.Capsule, error) {
	resp, err := c.do(ctx, http.MethodPost, path, contentType, body, progress)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("read %s: %w", path, err)
	}
	if len(bytes.TrimSpace(data)) == 0 {
		return nil, fmt.Errorf("POST %s: %w", path, ErrEmptyResponse)
	}
	var out capsule.Capsule
	if err := json.Unmarshal(data, &out); err != nil {
		return nil, fmt.Errorf("decode capsule from %s: %w", path, err)
	}
	return &out, nil
}

// do sends a request and returns the response of a 2xx answer. Other answers
// are drained and reported as *StatusError.
func (c *Client) do(ctx context.Context, method, path, contentType string, body []byte, progress ProgressFunc) (*http.Response, error) {
	var reader io.Reader
	if body != nil {
		reader = newProgressReader(body, progress)
	}
	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, reader)
	if err != nil {
		return nil, fmt.Errorf("create request: %w", err)
	}
	if body != nil {
		req.ContentLength = int64(len(body))
	}
	if contentType != "" {
		req.Header.Set("Content-Type", contentType)
	}
	req.Header.Set("User-Agent", c.userAgent)
	if !c.cookie.IsEmpty() {
		req.AddCookie(&http.Cookie{Name: CookieName, Value: c.cookie.Value()})
	}

	start := time.Now()
	resp, err := c.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("%s %s: %w", method, path, err)
	}
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		_, _ = io.Copy(io.Discard, resp.Body)
		resp.Body.Close()
		c.logger.Warn("capsule server error", "method", method, "path", path, "status", resp.StatusCode)
		return nil, &StatusError{
			Status:     resp.StatusCode,
			StatusText: http.StatusText(resp.StatusCode),
			Method:     method,
			Path:       path,
		}
	}
	c.logger.Debug("capsule server request",
		"method", method,
		"path", path,
		"status", resp.StatusCode,
		"size", humanize.Bytes(uint64(len(body))),
		"elapsed", time.Since(start),
	)
	return resp, nil
}

// progressReader reports how much of the body has been read.
type progressReader struct {
	r        *bytes.Reader
	total    int64
	loaded   int64
	progress ProgressFunc
}

func newProgressReader(body []byte, progress ProgressFunc) io.Reader {
	if progress == nil {
		return bytes.NewReader(body)
	}
	return &progressReader{r: bytes.NewReader(body), total: int64(len(body)), progress: progress}
}

func (p *progressReader) Read(b []byte) (int, error) {
	n, err := p.r.Read(b)
	if n > 0 {
		p.loaded += int64(n)
		p.progress(p.loaded, p.total)
	}
	return n, err
}
