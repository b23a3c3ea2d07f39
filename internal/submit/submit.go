// Package submit drives one page's workflow against the API: staging and uploading a
// file, loading its metadata, and enqueueing a job whose status is then tracked.
package submit

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"mime"
	"net/http"
	"os"
	"path/filepath"

	"mediagen/internal/client"
	"mediagen/internal/idempotency"
	"mediagen/internal/jobs"
	"mediagen/internal/logging"
	"mediagen/internal/models"
	"mediagen/internal/telemetry"
	"mediagen/internal/workflow"
)

var (
	// ErrStale is returned when a response arrived after the workflow moved on. The
	// server-side effect still happened; only the workflow ignored it.
	ErrStale = errors.New("workflow moved on before the response arrived")
	// ErrLoginRequired is returned when the session cannot enqueue the requested kind.
	ErrLoginRequired = errors.New("login required")
	// ErrNoFile is returned by Load, and by Enqueue for upload kinds, when no media file
	// token is selected.
	ErrNoFile = errors.New("no media file selected")
)

// API is the subset of the HTTP client the submitter uses.
type API interface {
	Session(ctx context.Context) (models.SessionResponse, error)
	Enqueue(ctx context.Context, sub idempotency.Submission) (string, error)
	UploadMedia(ctx context.Context, idempotencyToken string, src client.UploadSource) (string, error)
	MediaFile(ctx context.Context, mediaFileToken string) (models.MediaFile, error)
}

// JobTracker starts status polling for an enqueued job.
type JobTracker interface {
	Track(jobToken string, kind models.JobKind) error
}

// Staged is a local file ready to upload. Its idempotency token is minted once at
// staging, so retrying the upload of the same staged file cannot create a duplicate.
type Staged struct {
	Path             string
	Filename         string
	ContentType      string
	Size             int64
	IdempotencyToken string
}

// Submitter coordinates a workflow machine with the API.
type Submitter struct {
	api     API
	tokens  *idempotency.Factory
	tracker JobTracker
	logger  *slog.Logger
}

// New builds a submitter.
func New(api API, tokens *idempotency.Factory, tracker JobTracker, logger *slog.Logger) *Submitter {
	return &Submitter{api: api, tokens: tokens, tracker: tracker, logger: logging.OrDefault(logger)}
}

// CanEnqueue reports whether session permits enqueueing kind.
func CanEnqueue(session models.SessionResponse, kind models.JobKind) bool {
	if !kind.RequiresLogin() {
		return true
	}
	return session.Success && session.LoggedIn && session.User != nil && session.User.CanUpload
}

// Stage inspects a local file and moves the workflow to FILE_STAGED. A file that cannot
// be used clears the workflow instead.
func (s *Submitter) Stage(m *workflow.Machine, path string) (Staged, error) {
	staged, err := inspect(path)
	if err != nil {
		m.Dispatch(workflow.ClearedFile{})
		return Staged{}, err
	}
	staged.IdempotencyToken = s.tokens.NewToken()
	m.Dispatch(workflow.StagedFile{})
	return staged, nil
}

func inspect(path string) (Staged, error) {
	info, err := os.Stat(path)
	if err != nil {
		return Staged{}, fmt.Errorf("stage %s: %w", path, err)
	}
	if info.IsDir() {
		return Staged{}, fmt.Errorf("stage %s: is a directory", path)
	}
	contentType := mime.TypeByExtension(filepath.Ext(path))
	if contentType == "" {
		f, err := os.Open(path)
		if err != nil {
			return Staged{}, fmt.Errorf("stage %s: %w", path, err)
		}
		head := make([]byte, 512)
		n, _ := io.ReadFull(f, head)
		f.Close()
		contentType = http.DetectContentType(head[:n])
	}
	return Staged{
		Path:        path,
		Filename:    filepath.Base(path),
		ContentType: contentType,
		Size:        info.Size(),
	}, nil
}

// Upload sends a staged file and records the returned media token in the workflow.
func (s *Submitter) Upload(ctx context.Context, m *workflow.Machine, staged Staged) (string, error) {
	ticket := m.Dispatch(workflow.UploadFile{})
	src := client.UploadSource{
		Filename:    staged.Filename,
		ContentType: staged.ContentType,
		Open:        func() (io.ReadCloser, error) { return os.Open(staged.Path) },
	}
	token, err := s.api.UploadMedia(ctx, staged.IdempotencyToken, src)
	if err != nil {
		return "", fmt.Errorf("upload %s: %w", staged.Filename, err)
	}
	if !m.Resolve(ticket, workflow.UploadFileSuccess{MediaFileToken: token}) {
		telemetry.StaleResponses.Inc()
		return token, ErrStale
	}
	s.logger.Info("media uploaded", slog.String("media_file_token", token), slog.String("filename", staged.Filename))
	return token, nil
}

// Select points the workflow at an existing media file. An empty token clears it.
func (s *Submitter) Select(m *workflow.Machine, mediaFileToken string) {
	if mediaFileToken == "" {
		m.Dispatch(workflow.ClearedFile{})
		return
	}
	m.Dispatch(workflow.SelectedFile{MediaFileToken: mediaFileToken})
}

// Load fetches the selected file's metadata into the workflow.
func (s *Submitter) Load(ctx context.Context, m *workflow.Machine) (models.MediaFile, error) {
	token := m.State().MediaFileToken
	if token == "" {
		return models.MediaFile{}, ErrNoFile
	}
	ticket := m.Dispatch(workflow.LoadFile{})
	media, err := s.api.MediaFile(ctx, token)
	if err != nil {
		return models.MediaFile{}, fmt.Errorf("load %s: %w", token, err)
	}
	if !m.Resolve(ticket, workflow.LoadFileSuccess{MediaFileToken: token, MediaFile: &media}) {
		telemetry.StaleResponses.Inc()
		return media, ErrStale
	}
	return media, nil
}

// Enqueue submits sub, records the job token in the workflow and starts tracking it.
// A rejection is returned as *client.RejectedError and leaves the workflow in
// JOB_ENQUEUEING; resubmitting the same sub is safe.
func (s *Submitter) Enqueue(ctx context.Context, m *workflow.Machine, sub idempotency.Submission) (string, error) {
	if sub.Kind.RequiresLogin() {
		session, err := s.api.Session(ctx)
		if err != nil {
			return "", fmt.Errorf("check session: %w", err)
		}
		if !CanEnqueue(session, sub.Kind) {
			return "", fmt.Errorf("enqueue %s: %w", sub.Kind, ErrLoginRequired)
		}
	}

	if sub.Kind.RequiresUpload() && m.State().MediaFileToken == "" {
		return "", fmt.Errorf("enqueue %s: %w", sub.Kind, ErrNoFile)
	}

	ticket := m.Dispatch(workflow.EnqueueJob{Fileless: !sub.Kind.RequiresUpload()})
	token, err := s.api.Enqueue(ctx, sub)
	if err != nil {
		outcome := "failed"
		if client.IsRejected(err) {
			outcome = "rejected"
		}
		telemetry.EnqueueResults.WithLabelValues(string(sub.Kind), outcome).Inc()
		s.logger.Warn("enqueue failed",
			slog.String("kind", string(sub.Kind)),
			slog.String("idempotency_token", sub.Token),
			slog.String("error", err.Error()),
		)
		return "", err
	}
	telemetry.EnqueueResults.WithLabelValues(string(sub.Kind), "accepted").Inc()

	// The job exists server-side whatever the workflow does next, so it is always tracked.
	if err := s.tracker.Track(token, sub.Kind); err != nil && !errors.Is(err, jobs.ErrDuplicateJob) {
		return token, fmt.Errorf("track %s: %w", token, err)
	}
	if !m.Resolve(ticket, workflow.EnqueueJobSuccess{InferenceJobToken: token}) {
		telemetry.StaleResponses.Inc()
		return token, ErrStale
	}
	s.logger.Info("job enqueued",
		slog.String("kind", string(sub.Kind)),
		slog.String("job_token", token),
		slog.String("idempotency_token", sub.Token),
	)
	return token, nil
}
