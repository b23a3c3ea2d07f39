// Package devserver is a local stand-in for the media-generation API. It honours the
// enqueue, job-status, session and media contracts and advances jobs along scripted
// status sequences so clients can be exercised end to end.
package devserver

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"math"
	"net"
	"net/http"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/google/uuid"

	"mediagen/internal/config"
	"mediagen/internal/logging"
	"mediagen/internal/mediastore"
	"mediagen/internal/models"
	"mediagen/internal/ratelimit"
	"mediagen/internal/store"
	"mediagen/internal/telemetry"
)

// Error types reported in rejected responses.
const (
	ErrorTypeBadInput      = "BAD_INPUT"
	ErrorTypeNotAuthorized = "NOT_AUTHORIZED"
	ErrorTypeRateLimited   = "RATE_LIMITED"
	ErrorTypeServer        = "SERVER_ERROR"
)

// simulateField lets callers script a job's outcome.
const simulateField = "simulate"

// Server wires HTTP handlers for the simulated API.
type Server struct {
	cfg     config.Config
	store   store.Store
	media   *mediastore.Store
	limiter *ratelimit.Limiter
	logger  *slog.Logger
	now     func() time.Time

	// statusMu serializes read-advance-save of job documents.
	statusMu sync.Mutex
}

// New constructs the server. limiter may be nil to disable rate limiting.
func New(cfg config.Config, st store.Store, media *mediastore.Store, limiter *ratelimit.Limiter, logger *slog.Logger) *Server {
	return &Server{
		cfg:     cfg,
		store:   st,
		media:   media,
		limiter: limiter,
		logger:  logging.OrDefault(logger),
		now:     time.Now,
	}
}

// Router builds the HTTP router.
func (s *Server) Router() http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.Recoverer)
	r.Use(s.requestLogger)

	r.Get("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte(`{"status":"ok"}`))
	})
	r.Mount("/metrics", telemetry.Handler())

	r.Route("/v1", func(r chi.Router) {
		r.Get("/session", s.handleSession)
		for _, kind := range models.AllKinds {
			r.Post("/enqueue-"+kind.Slug(), s.handleEnqueue(kind))
		}
		r.Get("/job-status/{token}", s.handleJobStatus)
		r.Post("/media/upload", s.handleUpload)
		r.Get("/media/{token}", s.handleGetMedia)
		r.Get("/dev/jobs/{kind}", s.handleListJobs)
	})
	return r
}

func (s *Server) requestLogger(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
		start := time.Now()
		next.ServeHTTP(ww, r)
		s.logger.Debug("request",
			slog.String("method", r.Method),
			slog.String("path", r.URL.Path),
			slog.Int("status", ww.Status()),
			slog.Duration("duration", time.Since(start)),
			slog.String("request_id", middleware.GetReqID(r.Context())),
		)
	})
}

func (s *Server) handleSession(w http.ResponseWriter, r *http.Request) {
	if !s.loggedIn(r) {
		writeJSON(w, http.StatusOK, models.SessionResponse{Success: true, LoggedIn: false})
		return
	}
	writeJSON(w, http.StatusOK, models.SessionResponse{
		Success:  true,
		LoggedIn: true,
		User:     &models.SessionUser{Username: "dev", DisplayName: "Local Developer", CanUpload: true},
	})
}

// loggedIn accepts any non-empty session cookie unless a specific one is configured.
func (s *Server) loggedIn(r *http.Request) bool {
	c, err := r.Cookie(models.SessionCookieName)
	if err != nil || c.Value == "" {
		return false
	}
	return s.cfg.SessionCookie == "" || c.Value == s.cfg.SessionCookie
}

// requiredFields lists the kind-specific fields an enqueue body must carry.
var requiredFields = map[models.JobKind][]string{
	models.KindTTSInference:     {"tts_model_token", "inference_text"},
	models.KindLipsyncInference: {"audio_media_file_token", "image_media_file_token"},
	models.KindModelUpload:      {"title", "media_file_token"},
	models.KindTemplateUpload:   {"title", "media_file_token"},
}

// mediaFields are the fields that must name an uploaded media file.
var mediaFields = []string{"audio_media_file_token", "image_media_file_token", "media_file_token"}

func (s *Server) handleEnqueue(kind models.JobKind) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if !s.allow(w, r) {
			return
		}
		if kind.RequiresLogin() && !s.loggedIn(r) {
			reject(w, http.StatusUnauthorized, ErrorTypeNotAuthorized, nil)
			return
		}

		var raw map[string]any
		if err := json.NewDecoder(r.Body).Decode(&raw); err != nil {
			reject(w, http.StatusBadRequest, ErrorTypeBadInput, map[string]string{"body": "invalid json"})
			return
		}
		fields := stringify(raw)
		idemKey := fields[models.IdempotencyField]
		delete(fields, models.IdempotencyField)

		problems := s.validate(r, kind, fields)
		if idemKey == "" {
			problems[models.IdempotencyField] = "required"
		}
		outcome := fields[simulateField]
		delete(fields, simulateField)
		if outcome == "" {
			outcome = store.OutcomeSuccess
		} else if !validOutcome(outcome) {
			problems[simulateField] = "unknown outcome"
		}
		if len(problems) > 0 {
			reject(w, http.StatusBadRequest, ErrorTypeBadInput, problems)
			return
		}

		candidate := "jinf_" + uuid.NewString()
		token, claimed, err := s.store.ClaimToken(r.Context(), kind.Slug()+":"+idemKey, candidate)
		if err != nil {
			s.serverError(w, "claim idempotency key", err)
			return
		}
		if !claimed {
			telemetry.IdempotentReplays.Inc()
			writeJSON(w, http.StatusOK, models.EnqueueResponse{Success: true, InferenceJobToken: token})
			return
		}

		now := s.now().UTC()
		job := store.Job{
			Token:     token,
			Kind:      kind,
			Outcome:   outcome,
			Status:    models.StatusPending,
			Fields:    fields,
			CreatedAt: now,
			UpdatedAt: now,
		}
		if err := s.store.CreateJob(r.Context(), job); err != nil {
			s.releaseClaim(r.Context(), kind.Slug()+":"+idemKey, token)
			s.serverError(w, "create job", err)
			return
		}
		telemetry.ServerEnqueued.WithLabelValues(string(kind)).Inc()
		s.logger.Info("job enqueued",
			slog.String("kind", string(kind)),
			slog.String("job_token", token),
			slog.String("outcome", outcome),
		)
		writeJSON(w, http.StatusOK, models.EnqueueResponse{Success: true, InferenceJobToken: token})
	}
}

func (s *Server) validate(r *http.Request, kind models.JobKind, fields map[string]string) map[string]string {
	problems := make(map[string]string)
	for _, name := range requiredFields[kind] {
		if strings.TrimSpace(fields[name]) == "" {
			problems[name] = "required"
		}
	}
	for _, name := range mediaFields {
		tok := fields[name]
		if tok == "" || problems[name] != "" {
			continue
		}
		if _, err := s.store.GetMedia(r.Context(), tok); err != nil {
			problems[name] = "unknown media file"
		}
	}
	return problems
}

func (s *Server) handleJobStatus(w http.ResponseWriter, r *http.Request) {
	token := chi.URLParam(r, "token")

	s.statusMu.Lock()
	defer s.statusMu.Unlock()

	job, err := s.store.GetJob(r.Context(), token)
	if errors.Is(err, store.ErrNotFound) {
		writeJSON(w, http.StatusNotFound, models.JobStatusResponse{Success: false})
		return
	}
	if err != nil {
		s.serverError(w, "get job", err)
		return
	}

	if advance(&job, s.now().UTC(), func() string { return "res_" + uuid.NewString() }) {
		telemetry.ServerJobsCompleted.WithLabelValues(job.Status).Inc()
	}
	if err := s.store.SaveJob(r.Context(), job); err != nil {
		s.serverError(w, "save job", err)
		return
	}
	writeJSON(w, http.StatusOK, statusResponse(job))
}

func (s *Server) handleUpload(w http.ResponseWriter, r *http.Request) {
	if !s.allow(w, r) {
		return
	}
	limit := s.cfg.MaxUploadBytes
	if limit <= 0 {
		limit = 100 * 1024 * 1024
	}
	r.Body = http.MaxBytesReader(w, r.Body, limit+1024*1024)
	if err := r.ParseMultipartForm(32 << 20); err != nil {
		reject(w, http.StatusBadRequest, ErrorTypeBadInput, map[string]string{"file": "invalid multipart body"})
		return
	}
	idemKey := r.FormValue(models.IdempotencyField)
	file, hdr, err := r.FormFile("file")
	if err != nil {
		reject(w, http.StatusBadRequest, ErrorTypeBadInput, map[string]string{"file": "required"})
		return
	}
	defer file.Close()
	if idemKey == "" {
		reject(w, http.StatusBadRequest, ErrorTypeBadInput, map[string]string{models.IdempotencyField: "required"})
		return
	}
	data, err := io.ReadAll(io.LimitReader(file, limit+1))
	if err != nil {
		s.serverError(w, "read upload", err)
		return
	}
	if int64(len(data)) > limit {
		reject(w, http.StatusRequestEntityTooLarge, ErrorTypeBadInput, map[string]string{"file": fmt.Sprintf("larger than %d bytes", limit)})
		return
	}

	candidate := "m_" + uuid.NewString()
	token, claimed, err := s.store.ClaimToken(r.Context(), "upload:"+idemKey, candidate)
	if err != nil {
		s.serverError(w, "claim idempotency key", err)
		return
	}
	if !claimed {
		telemetry.IdempotentReplays.Inc()
		writeJSON(w, http.StatusOK, models.UploadResponse{Success: true, MediaFileToken: token})
		return
	}

	media, err := s.media.Save(r.Context(), token, hdr.Filename, hdr.Header.Get("Content-Type"), data)
	if err != nil {
		s.releaseClaim(r.Context(), "upload:"+idemKey, token)
		reject(w, http.StatusBadRequest, ErrorTypeBadInput, map[string]string{"file": err.Error()})
		return
	}
	if err := s.store.SaveMedia(r.Context(), media); err != nil {
		s.releaseClaim(r.Context(), "upload:"+idemKey, token)
		s.serverError(w, "save media", err)
		return
	}
	telemetry.MediaUploads.Inc()
	s.logger.Info("media stored",
		slog.String("media_file_token", token),
		slog.String("content_type", media.ContentType),
		slog.Int64("size_bytes", media.SizeBytes),
	)
	writeJSON(w, http.StatusOK, models.UploadResponse{Success: true, MediaFileToken: token})
}

type jobSummary struct {
	Token        string `json:"token"`
	Status       string `json:"status"`
	AttemptCount int    `json:"attempt_count"`
	Outcome      string `json:"outcome"`
}

type jobListResponse struct {
	Success bool           `json:"success"`
	Kind    models.JobKind `json:"kind"`
	Jobs    []jobSummary   `json:"jobs"`
}

// handleListJobs shows the simulated jobs of one kind without advancing them. The kind
// may be given by name or slug.
func (s *Server) handleListJobs(w http.ResponseWriter, r *http.Request) {
	kind, ok := models.ParseKind(chi.URLParam(r, "kind"))
	if !ok {
		reject(w, http.StatusNotFound, ErrorTypeBadInput, map[string]string{"kind": "unknown job kind"})
		return
	}
	limit := int64(50)
	if raw := r.URL.Query().Get("limit"); raw != "" {
		n, err := strconv.ParseInt(raw, 10, 64)
		if err != nil || n <= 0 {
			reject(w, http.StatusBadRequest, ErrorTypeBadInput, map[string]string{"limit": "must be a positive integer"})
			return
		}
		limit = n
	}

	tokens, err := s.store.JobTokens(r.Context(), kind, limit)
	if err != nil {
		s.serverError(w, "list jobs", err)
		return
	}
	out := jobListResponse{Success: true, Kind: kind, Jobs: make([]jobSummary, 0, len(tokens))}
	for _, token := range tokens {
		job, err := s.store.GetJob(r.Context(), token)
		if errors.Is(err, store.ErrNotFound) {
			continue
		}
		if err != nil {
			s.serverError(w, "get job", err)
			return
		}
		out.Jobs = append(out.Jobs, jobSummary{Token: job.Token, Status: job.Status, AttemptCount: job.AttemptCount, Outcome: job.Outcome})
	}
	writeJSON(w, http.StatusOK, out)
}

// releaseClaim frees a key whose request failed after claiming it, so a retry starts over.
func (s *Server) releaseClaim(ctx context.Context, idemKey, token string) {
	if err := s.store.ReleaseClaim(ctx, idemKey, token); err != nil {
		s.logger.Warn("release idempotency key", slog.String("key", idemKey), slog.String("error", err.Error()))
	}
}

func (s *Server) handleGetMedia(w http.ResponseWriter, r *http.Request) {
	media, err := s.store.GetMedia(r.Context(), chi.URLParam(r, "token"))
	if errors.Is(err, store.ErrNotFound) {
		writeJSON(w, http.StatusNotFound, models.MediaFileResponse{Success: false})
		return
	}
	if err != nil {
		s.serverError(w, "get media", err)
		return
	}
	writeJSON(w, http.StatusOK, models.MediaFileResponse{Success: true, MediaFile: &media})
}

// allow applies the rate limit and writes the 429 itself when the caller is over it.
func (s *Server) allow(w http.ResponseWriter, r *http.Request) bool {
	if s.limiter == nil {
		return true
	}
	d, err := s.limiter.Allow(r.Context(), callerKey(r))
	if err != nil {
		s.serverError(w, "rate limit", err)
		return false
	}
	if !d.Allowed {
		telemetry.RateLimitRejects.Inc()
		w.Header().Set("Retry-After", strconv.Itoa(int(math.Ceil(d.RetryAfter.Seconds()))))
		reject(w, http.StatusTooManyRequests, ErrorTypeRateLimited, nil)
		return false
	}
	return true
}

func callerKey(r *http.Request) string {
	if c, err := r.Cookie(models.SessionCookieName); err == nil && c.Value != "" {
		return "session:" + c.Value
	}
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		host = r.RemoteAddr
	}
	return "ip:" + host
}

func (s *Server) serverError(w http.ResponseWriter, op string, err error) {
	s.logger.Error("request failed", slog.String("op", op), slog.String("error", err.Error()))
	reject(w, http.StatusInternalServerError, ErrorTypeServer, nil)
}

func stringify(raw map[string]any) map[string]string {
	out := make(map[string]string, len(raw))
	for k, v := range raw {
		switch t := v.(type) {
		case nil:
		case string:
			out[k] = t
		default:
			out[k] = fmt.Sprint(t)
		}
	}
	return out
}

func reject(w http.ResponseWriter, code int, errorType string, fields map[string]string) {
	writeJSON(w, code, models.EnqueueResponse{Success: false, ErrorType: errorType, ErrorFields: fields})
}

func writeJSON(w http.ResponseWriter, code int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(payload)
}
