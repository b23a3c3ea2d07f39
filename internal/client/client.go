package client

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"mime/multipart"
	"net/http"
	"net/textproto"
	"net/url"
	"time"

	"mediagen/internal/config"
	"mediagen/internal/idempotency"
	"mediagen/internal/logging"
	"mediagen/internal/models"
)

// SessionCookieName is the cookie carrying the opaque session credential.
const SessionCookieName = models.SessionCookieName

// ErrNotFound is returned when the server reports an unknown token.
var ErrNotFound = errors.New("not found")

// Client talks to the media-generation API.
type Client struct {
	baseURL        string
	httpClient     *http.Client
	sessionCookie  string
	maxAttempts    int
	backoffInitial time.Duration
	backoffMax     time.Duration
	logger         *slog.Logger
	sleep          func(ctx context.Context, d time.Duration) error
}

// Option configures a Client.
type Option func(*Client)

// WithHTTPClient replaces the underlying HTTP client.
func WithHTTPClient(h *http.Client) Option {
	return func(c *Client) { c.httpClient = h }
}

// WithSleep replaces the backoff sleeper. Tests use it to skip real waits.
func WithSleep(fn func(ctx context.Context, d time.Duration) error) Option {
	return func(c *Client) { c.sleep = fn }
}

// New builds a client from config.
func New(cfg config.Config, logger *slog.Logger, opts ...Option) *Client {
	timeout := cfg.HTTPTimeout
	if timeout == 0 {
		timeout = 10 * time.Second
	}
	attempts := cfg.EnqueueMaxAttempts
	if attempts <= 0 {
		attempts = 1
	}
	c := &Client{
		baseURL:        cfg.APIBaseURL,
		httpClient:     &http.Client{Timeout: timeout},
		sessionCookie:  cfg.SessionCookie,
		maxAttempts:    attempts,
		backoffInitial: cfg.BackoffInitial,
		backoffMax:     cfg.BackoffMax,
		logger:         logging.OrDefault(logger),
		sleep:          sleepCtx,
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// JobStatus reads one job's status. Any failure, including success:false, is transient
// from the poller's point of view.
func (c *Client) JobStatus(ctx context.Context, jobToken string) (models.JobStatusResponse, error) {
	var resp models.JobStatusResponse
	code, err := c.doJSON(ctx, http.MethodGet, "/v1/job-status/"+url.PathEscape(jobToken), nil, &resp)
	if err != nil {
		return resp, err
	}
	if code >= http.StatusBadRequest || !resp.Success {
		return resp, transientf("job status %s unavailable (%d)", jobToken, code)
	}
	return resp, nil
}

// Enqueue submits sub and returns the server-issued job token. Transient failures are
// retried with backoff, always carrying the submission's idempotency token.
func (c *Client) Enqueue(ctx context.Context, sub idempotency.Submission) (string, error) {
	if !sub.Kind.Valid() {
		return "", fmt.Errorf("enqueue: unknown job kind %q", sub.Kind)
	}
	path := "/v1/enqueue-" + sub.Kind.Slug()
	body := sub.Body()

	var resp models.EnqueueResponse
	err := c.retry(ctx, "enqueue", sub.Token, func() error {
		resp = models.EnqueueResponse{}
		code, err := c.doJSON(ctx, http.MethodPost, path, body, &resp)
		if err != nil {
			return err
		}
		if !resp.Success {
			return &RejectedError{StatusCode: code, ErrorType: resp.ErrorType, ErrorFields: resp.ErrorFields}
		}
		if resp.InferenceJobToken == "" {
			return fmt.Errorf("%w: enqueue accepted without a job token", ErrMalformed)
		}
		return nil
	})
	if err != nil {
		return "", err
	}
	return resp.InferenceJobToken, nil
}

// UploadSource describes a file to upload. Open is called once per attempt.
type UploadSource struct {
	Filename    string
	ContentType string
	Open        func() (io.ReadCloser, error)
}

// UploadMedia sends a file as multipart form data and returns its media file token.
func (c *Client) UploadMedia(ctx context.Context, idempotencyToken string, src UploadSource) (string, error) {
	var resp models.UploadResponse
	err := c.retry(ctx, "upload", idempotencyToken, func() error {
		body, contentType, err := buildMultipart(idempotencyToken, src)
		if err != nil {
			return err
		}
		resp = models.UploadResponse{}
		code, err := c.do(ctx, http.MethodPost, "/v1/media/upload", body, contentType, &resp)
		if err != nil {
			return err
		}
		if !resp.Success {
			return &RejectedError{StatusCode: code, ErrorType: resp.ErrorType, ErrorFields: resp.ErrorFields}
		}
		if resp.MediaFileToken == "" {
			return fmt.Errorf("%w: upload accepted without a media token", ErrMalformed)
		}
		return nil
	})
	if err != nil {
		return "", err
	}
	return resp.MediaFileToken, nil
}

// MediaFile loads the metadata of an uploaded file.
func (c *Client) MediaFile(ctx context.Context, mediaFileToken string) (models.MediaFile, error) {
	var resp models.MediaFileResponse
	code, err := c.doJSON(ctx, http.MethodGet, "/v1/media/"+url.PathEscape(mediaFileToken), nil, &resp)
	if err != nil {
		return models.MediaFile{}, err
	}
	if code == http.StatusNotFound || !resp.Success || resp.MediaFile == nil {
		return models.MediaFile{}, fmt.Errorf("media file %s: %w", mediaFileToken, ErrNotFound)
	}
	return *resp.MediaFile, nil
}

// Session reads the caller's session. The result is treated as an opaque capability.
func (c *Client) Session(ctx context.Context) (models.SessionResponse, error) {
	var resp models.SessionResponse
	code, err := c.doJSON(ctx, http.MethodGet, "/v1/session", nil, &resp)
	if err != nil {
		return resp, err
	}
	if code >= http.StatusBadRequest {
		return resp, transientf("session unavailable (%d)", code)
	}
	return resp, nil
}

func (c *Client) retry(ctx context.Context, op, idempotencyToken string, fn func() error) error {
	var last error
	for attempt := 1; attempt <= c.maxAttempts; attempt++ {
		err := fn()
		if err == nil {
			return nil
		}
		if !IsTransient(err) {
			return err
		}
		last = err
		if attempt == c.maxAttempts {
			break
		}
		wait := backoffWithJitter(c.backoffInitial, c.backoffMax, attempt)
		c.logger.Warn("retrying request",
			slog.String("op", op),
			slog.String("idempotency_token", idempotencyToken),
			slog.Int("attempt", attempt),
			slog.Duration("backoff", wait),
			slog.String("error", err.Error()),
		)
		if err := c.sleep(ctx, wait); err != nil {
			return err
		}
	}
	return fmt.Errorf("%s failed after %d attempts: %w", op, c.maxAttempts, last)
}

// doJSON performs a JSON request. See do for the error contract.
func (c *Client) doJSON(ctx context.Context, method, path string, payload, result any) (int, error) {
	var body io.Reader
	contentType := ""
	if payload != nil {
		data, err := json.Marshal(payload)
		if err != nil {
			return 0, fmt.Errorf("marshal request: %w", err)
		}
		body = bytes.NewReader(data)
		contentType = "application/json"
	}
	return c.do(ctx, method, path, body, contentType, result)
}

// do sends a request and decodes the body into result. Transport errors, 429 and 5xx
// return ErrTransient; other statuses return the code with a nil error so callers can
// read the server's rejection from result.
func (c *Client) do(ctx context.Context, method, path string, body io.Reader, contentType string, result any) (int, error) {
	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, body)
	if err != nil {
		return 0, fmt.Errorf("create request: %w", err)
	}
	req.Header.Set("Accept", "application/json")
	if contentType != "" {
		req.Header.Set("Content-Type", contentType)
	}
	if c.sessionCookie != "" {
		req.AddCookie(&http.Cookie{Name: SessionCookieName, Value: c.sessionCookie})
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		if ctxErr := ctx.Err(); ctxErr != nil {
			return 0, ctxErr
		}
		return 0, transientf("%s %s: %v", method, path, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode == http.StatusTooManyRequests || resp.StatusCode >= http.StatusInternalServerError {
		snippet, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return resp.StatusCode, transientf("%s %s returned %d: %s", method, path, resp.StatusCode, bytes.TrimSpace(snippet))
	}
	if result == nil {
		return resp.StatusCode, nil
	}
	if err := json.NewDecoder(resp.Body).Decode(result); err != nil {
		if resp.StatusCode >= http.StatusBadRequest {
			return resp.StatusCode, &RejectedError{StatusCode: resp.StatusCode, ErrorType: http.StatusText(resp.StatusCode)}
		}
		return resp.StatusCode, fmt.Errorf("%w: %s %s: %v", ErrMalformed, method, path, err)
	}
	return resp.StatusCode, nil
}

func buildMultipart(idempotencyToken string, src UploadSource) (io.Reader, string, error) {
	if src.Open == nil {
		return nil, "", errors.New("upload source has no opener")
	}
	rc, err := src.Open()
	if err != nil {
		return nil, "", fmt.Errorf("open upload: %w", err)
	}
	defer rc.Close()

	buf := &bytes.Buffer{}
	mw := multipart.NewWriter(buf)
	if err := mw.WriteField(models.IdempotencyField, idempotencyToken); err != nil {
		return nil, "", err
	}
	header := make(textproto.MIMEHeader)
	header.Set("Content-Disposition", fmt.Sprintf(`form-data; name="file"; filename=%q`, src.Filename))
	if src.ContentType != "" {
		header.Set("Content-Type", src.ContentType)
	} else {
		header.Set("Content-Type", "application/octet-stream")
	}
	part, err := mw.CreatePart(header)
	if err != nil {
		return nil, "", err
	}
	if _, err := io.Copy(part, rc); err != nil {
		return nil, "", fmt.Errorf("read upload: %w", err)
	}
	if err := mw.Close(); err != nil {
		return nil, "", err
	}
	return buf, mw.FormDataContentType(), nil
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}
