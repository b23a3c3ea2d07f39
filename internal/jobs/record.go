package jobs

import (
	"strings"
	"time"

	"mediagen/internal/models"
)

// Record is the client-side view of one server job.
type Record struct {
	JobToken               string
	Kind                   models.JobKind
	State                  State
	AttemptCount           int
	ResultToken            string
	FailureReason          string
	ExtraStatusDescription string
	CreatedAt              time.Time
	UpdatedAt              time.Time
}

// FromResponse maps a status payload onto a record. It is pure and tolerant of missing
// optional fields. Result tokens survive only on success, failure reasons only on
// COMPLETE_FAILURE or DEAD; a success without a result token is treated as malformed
// and reported as UNKNOWN so polling continues.
func FromResponse(token string, kind models.JobKind, payload models.JobStatusResponse) Record {
	rec := Record{
		JobToken:               token,
		Kind:                   kind,
		State:                  ParseState(payload.Status),
		ExtraStatusDescription: deref(payload.MaybeExtraStatusDescription),
		CreatedAt:              parseTime(payload.CreatedAt),
		UpdatedAt:              parseTime(payload.UpdatedAt),
	}
	if payload.AttemptCount != nil && *payload.AttemptCount > 0 {
		rec.AttemptCount = *payload.AttemptCount
	}

	switch rec.State {
	case StateCompleteSuccess:
		rec.ResultToken = deref(payload.MaybeResultToken)
		if rec.ResultToken == "" {
			rec.State = StateUnknown
		}
	case StateCompleteFailure, StateDead:
		rec.FailureReason = deref(payload.MaybeFailureReason)
	}
	return rec
}

// Malformed reports whether payload would map to UNKNOWN.
func Malformed(payload models.JobStatusResponse) bool {
	return FromResponse("", "", payload).State == StateUnknown
}

// IsTerminal reports whether r can no longer change.
func IsTerminal(r Record) bool {
	return r.State.IsTerminal()
}

// Succeeded reports whether r finished with a result.
func Succeeded(r Record) bool {
	return r.State == StateCompleteSuccess
}

// Failed reports whether r ended without a result.
func Failed(r Record) bool {
	return r.State == StateCompleteFailure || r.State == StateDead
}

// InProgress reports whether r still needs polling.
func InProgress(r Record) bool {
	return !IsTerminal(r)
}

func deref(s *string) string {
	if s == nil {
		return ""
	}
	return strings.TrimSpace(*s)
}

func parseTime(raw string) time.Time {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return time.Time{}
	}
	for _, layout := range []string{time.RFC3339Nano, time.RFC3339, "2006-01-02 15:04:05"} {
		if t, err := time.Parse(layout, raw); err == nil {
			return t.UTC()
		}
	}
	return time.Time{}
}
