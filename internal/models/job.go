package models

import (
	"strings"
)

// JobKind names the server-side job families the client tracks.
type JobKind string

const (
	KindTTSInference     JobKind = "TtsInference"
	KindLipsyncInference JobKind = "LipsyncInference"
	KindModelUpload      JobKind = "ModelUpload"
	KindTemplateUpload   JobKind = "TemplateUpload"
)

// AllKinds lists every kind in a stable order.
var AllKinds = []JobKind{KindTTSInference, KindLipsyncInference, KindModelUpload, KindTemplateUpload}

// Slug is the route suffix used by the enqueue endpoint (enqueue-{slug}).
func (k JobKind) Slug() string {
	switch k {
	case KindTTSInference:
		return "tts"
	case KindLipsyncInference:
		return "lipsync"
	case KindModelUpload:
		return "model-upload"
	case KindTemplateUpload:
		return "template-upload"
	default:
		return ""
	}
}

// Valid reports whether k is one of the known kinds.
func (k JobKind) Valid() bool {
	return k.Slug() != ""
}

// RequiresLogin reports whether enqueueing k needs an authenticated session. Uploads do,
// inference does not.
func (k JobKind) RequiresLogin() bool {
	return k == KindModelUpload || k == KindTemplateUpload
}

// RequiresUpload reports whether k is enqueued for a file uploaded through the workflow.
// Inference kinds take their inputs as plain fields.
func (k JobKind) RequiresUpload() bool {
	return k == KindModelUpload || k == KindTemplateUpload
}

// ParseKind accepts either the kind name or its slug, case-insensitively.
func ParseKind(raw string) (JobKind, bool) {
	raw = strings.TrimSpace(raw)
	for _, k := range AllKinds {
		if strings.EqualFold(raw, string(k)) || strings.EqualFold(raw, k.Slug()) {
			return k, true
		}
	}
	return "", false
}

// Wire-level job status strings as reported by the job-status endpoint.
const (
	StatusPending         = "pending"
	StatusStarted         = "started"
	StatusAttemptFailed   = "attempt_failed"
	StatusCompleteFailure = "complete_failure"
	StatusDead            = "dead"
	StatusCompleteSuccess = "complete_success"
)

// JobStatusResponse is the payload of GET /v1/job-status/{token}. Optional fields are
// pointers so absence stays distinguishable from empty.
type JobStatusResponse struct {
	Success                     bool    `json:"success"`
	Status                      string  `json:"status"`
	AttemptCount                *int    `json:"attempt_count,omitempty"`
	MaybeResultToken            *string `json:"maybe_result_token,omitempty"`
	MaybeFailureReason          *string `json:"maybe_failure_reason,omitempty"`
	MaybeExtraStatusDescription *string `json:"maybe_extra_status_description,omitempty"`
	CreatedAt                   string  `json:"created_at,omitempty"`
	UpdatedAt                   string  `json:"updated_at,omitempty"`
}

// EnqueueResponse covers both the accepted and the rejected enqueue shapes.
type EnqueueResponse struct {
	Success           bool              `json:"success"`
	InferenceJobToken string            `json:"inference_job_token,omitempty"`
	ErrorType         string            `json:"error_type,omitempty"`
	ErrorFields       map[string]string `json:"error_fields,omitempty"`
}

// IdempotencyField is the body key carrying the submission's idempotency token.
const IdempotencyField = "uuid_idempotency_token"

// SessionCookieName is the cookie carrying the opaque session credential.
const SessionCookieName = "session"

// SessionResponse is the payload of GET /v1/session.
type SessionResponse struct {
	Success  bool         `json:"success"`
	LoggedIn bool         `json:"logged_in"`
	User     *SessionUser `json:"user,omitempty"`
}

// SessionUser is the subset of user info the core reads.
type SessionUser struct {
	Username    string `json:"username"`
	DisplayName string `json:"display_name,omitempty"`
	CanUpload   bool   `json:"can_upload"`
}

// MediaFile is the metadata blob describing an uploaded media file.
type MediaFile struct {
	Token            string `json:"token"`
	OriginalFilename string `json:"original_filename"`
	ContentType      string `json:"content_type"`
	SizeBytes        int64  `json:"size_bytes"`
	Width            int    `json:"width,omitempty"`
	Height           int    `json:"height,omitempty"`
	Location         string `json:"location,omitempty"`
	ThumbnailURL     string `json:"thumbnail_url,omitempty"`
	CreatedAt        string `json:"created_at,omitempty"`
}

// UploadResponse is returned by POST /v1/media/upload.
type UploadResponse struct {
	Success        bool              `json:"success"`
	MediaFileToken string            `json:"media_file_token,omitempty"`
	ErrorType      string            `json:"error_type,omitempty"`
	ErrorFields    map[string]string `json:"error_fields,omitempty"`
}

// MediaFileResponse is returned by GET /v1/media/{token}.
type MediaFileResponse struct {
	Success   bool       `json:"success"`
	MediaFile *MediaFile `json:"media_file,omitempty"`
}
