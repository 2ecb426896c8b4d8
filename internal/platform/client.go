package platform

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/bytedance/sonic"
	"github.com/google/uuid"
	"github.com/sirupsen/logrus"

	"course-uploader/internal/auth"
	"course-uploader/internal/uploads"
)

// ErrUnexpectedStatus wraps every non-success response from the platform.
var ErrUnexpectedStatus = errors.New("unexpected platform response")

type Config struct {
	BaseURL   string
	JWTSecret string
	// Subject is the identity the uploader acts as on the platform.
	Subject string
	// TokenTTL is the lifetime of the bearer tokens sent to the platform.
	// Zero means 15 minutes.
	TokenTTL   time.Duration
	Timeout    time.Duration
	HTTPClient *http.Client
	Logger     *logrus.Logger
}

// Client talks to the course platform's resumable upload API. It is both
// the upload transport and the remote cancellation endpoint.
type Client struct {
	base   *url.URL
	http   *http.Client
	logger *logrus.Logger

	mu     sync.Mutex
	tokens *auth.TokenSource
}

func NewClient(cfg Config) (*Client, error) {
	base, err := url.Parse(strings.TrimRight(cfg.BaseURL, "/"))
	if err != nil || base.Scheme == "" || base.Host == "" {
		return nil, fmt.Errorf("invalid platform base url %q", cfg.BaseURL)
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = 30 * time.Second
	}
	if cfg.HTTPClient == nil {
		cfg.HTTPClient = &http.Client{Timeout: cfg.Timeout}
	}
	if cfg.Logger == nil {
		cfg.Logger = logrus.New()
	}
	c := &Client{
		base:   base,
		http:   cfg.HTTPClient,
		logger: cfg.Logger,
	}
	if cfg.JWTSecret != "" {
		c.tokens = auth.NewTokenSource(cfg.JWTSecret, cfg.Subject, cfg.TokenTTL)
	}
	return c, nil
}

type beginRequest struct {
	FileName       string `json:"fileName"`
	Size           int64  `json:"size"`
	ContentType    string `json:"contentType"`
	ClientUploadID string `json:"clientUploadId"`
}

type beginResponse struct {
	UploadID string `json:"uploadId"`
}

type chunkResponse struct {
	ETag string `json:"etag"`
}

type completePart struct {
	Index int    `json:"index"`
	ETag  string `json:"etag"`
}

type completeRequest struct {
	Parts []completePart `json:"parts"`
}

type completeResponse struct {
	Location string `json:"location"`
}

type cancelMultipleRequest struct {
	UploadIDs []string `json:"uploadIds"`
}

func (c *Client) Begin(ctx context.Context, session uploads.Session) (string, error) {
	var out beginResponse
	err := c.doJSON(ctx, http.MethodPost, "/uploads", beginRequest{
		FileName:       session.FileName,
		Size:           session.Size,
		ContentType:    session.ContentType,
		ClientUploadID: session.UploadID,
	}, &out)
	if err != nil {
		return "", fmt.Errorf("init upload: %w", err)
	}
	if out.UploadID == "" {
		return "", fmt.Errorf("init upload: platform returned no upload id")
	}
	return out.UploadID, nil
}

func (c *Client) Send(ctx context.Context, chunk uploads.Chunk) (uploads.ChunkResult, error) {
	path := fmt.Sprintf("/uploads/%s/chunks/%d", url.PathEscape(chunk.BackendID), chunk.Index)
	req, err := c.newRequest(ctx, http.MethodPut, path, bytes.NewReader(chunk.Data))
	if err != nil {
		return uploads.ChunkResult{}, err
	}
	req.Header.Set("Content-Type", "application/octet-stream")
	req.Header.Set("Content-Range", contentRange(chunk))

	resp, err := c.http.Do(req)
	if err != nil {
		return uploads.ChunkResult{}, fmt.Errorf("send chunk request: %w", err)
	}
	defer c.closeBody(resp)

	if err := checkStatus(resp); err != nil {
		return uploads.ChunkResult{}, err
	}
	result := uploads.ChunkResult{Index: chunk.Index, ETag: resp.Header.Get("ETag")}
	var out chunkResponse
	if err := decodeBody(resp, &out); err == nil && out.ETag != "" {
		result.ETag = out.ETag
	}
	return result, nil
}

func (c *Client) Complete(ctx context.Context, backendID string, parts []uploads.ChunkResult) (string, error) {
	body := completeRequest{Parts: make([]completePart, len(parts))}
	for i, p := range parts {
		body.Parts[i] = completePart{Index: p.Index, ETag: p.ETag}
	}
	var out completeResponse
	path := fmt.Sprintf("/uploads/%s/complete", url.PathEscape(backendID))
	if err := c.doJSON(ctx, http.MethodPost, path, body, &out); err != nil {
		return "", fmt.Errorf("complete upload: %w", err)
	}
	return out.Location, nil
}

// CancelUpload asks the platform to drop a partial upload. Uploads the
// platform no longer knows or has already finished count as cancelled.
func (c *Client) CancelUpload(ctx context.Context, backendID string) error {
	path := fmt.Sprintf("/uploads/%s/cancel", url.PathEscape(backendID))
	if err := c.cancel(ctx, path, nil); err != nil {
		return err
	}
	c.logger.WithField("backend_upload_id", backendID).Info("cancel request sent")
	return nil
}

// CancelUploads cancels several uploads with one request.
func (c *Client) CancelUploads(ctx context.Context, backendIDs []string) error {
	if len(backendIDs) == 0 {
		return nil
	}
	if err := c.cancel(ctx, "/uploads/cancel-multiple", cancelMultipleRequest{UploadIDs: backendIDs}); err != nil {
		return err
	}
	c.logger.Infof("cancel request sent for %d uploads", len(backendIDs))
	return nil
}

func (c *Client) cancel(ctx context.Context, path string, body any) error {
	err := c.doJSON(ctx, http.MethodPost, path, body, nil)
	var statusErr *StatusError
	if errors.As(err, &statusErr) {
		switch statusErr.Code {
		case http.StatusNotFound, http.StatusConflict, http.StatusGone:
			return nil
		}
	}
	if err != nil {
		return fmt.Errorf("cancel request: %w", err)
	}
	return nil
}

func (c *Client) doJSON(ctx context.Context, method, path string, in, out any) error {
	var body io.Reader
	if in != nil {
		payload, err := sonic.Marshal(in)
		if err != nil {
			return fmt.Errorf("encode request: %w", err)
		}
		body = bytes.NewReader(payload)
	}
	req, err := c.newRequest(ctx, method, path, body)
	if err != nil {
		return err
	}
	if in != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return fmt.Errorf("%s %s: %w", method, path, err)
	}
	defer c.closeBody(resp)

	if err := checkStatus(resp); err != nil {
		return err
	}
	if out == nil {
		return nil
	}
	if err := decodeBody(resp, out); err != nil {
		return fmt.Errorf("decode response: %w", err)
	}
	return nil
}

func (c *Client) newRequest(ctx context.Context, method, path string, body io.Reader) (*http.Request, error) {
	req, err := http.NewRequestWithContext(ctx, method, c.base.String()+path, body)
	if err != nil {
		return nil, fmt.Errorf("build request: %w", err)
	}
	req.Header.Set("Accept", "application/json")
	req.Header.Set("X-Request-ID", uuid.NewString())
	if c.tokens != nil {
		c.mu.Lock()
		token, err := c.tokens.Token()
		c.mu.Unlock()
		if err != nil {
			return nil, fmt.Errorf("platform token: %w", err)
		}
		req.Header.Set("Authorization", "Bearer "+token)
	}
	return req, nil
}

func (c *Client) closeBody(resp *http.Response) {
	if err := resp.Body.Close(); err != nil {
		c.logger.Errorf("close response body: %v", err)
	}
}

// StatusError reports a non-2xx platform response.
type StatusError struct {
	Code    int
	Status  string
	Message string
}

func (e *StatusError) Error() string {
	if e.Message == "" {
		return fmt.Sprintf("platform responded %s", e.Status)
	}
	return fmt.Sprintf("platform responded %s: %s", e.Status, e.Message)
}

func (e *StatusError) Unwrap() error { return ErrUnexpectedStatus }

func checkStatus(resp *http.Response) error {
	if resp.StatusCode >= http.StatusOK && resp.StatusCode < http.StatusMultipleChoices {
		return nil
	}
	msg, _ := io.ReadAll(io.LimitReader(resp.Body, 4<<10))
	return &StatusError{
		Code:    resp.StatusCode,
		Status:  resp.Status,
		Message: strings.TrimSpace(string(msg)),
	}
}

func decodeBody(resp *http.Response, out any) error {
	data, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return err
	}
	if len(bytes.TrimSpace(data)) == 0 {
		return io.ErrUnexpectedEOF
	}
	return sonic.Unmarshal(data, out)
}

func contentRange(chunk uploads.Chunk) string {
	total := "*"
	if chunk.Total >= 0 {
		total = strconv.FormatInt(chunk.Total, 10)
	}
	if len(chunk.Data) == 0 {
		return "bytes */" + total
	}
	end := chunk.Offset + int64(len(chunk.Data)) - 1
	return fmt.Sprintf("bytes %d-%d/%s", chunk.Offset, end, total)
}

var (
	_ uploads.Transport = (*Client)(nil)
	_ uploads.Notifier  = (*Client)(nil)
)
