// Package idempotency mints the per-submission tokens that let the server collapse
// duplicate requests for one logical submission into a single effect.
package idempotency

import (
	"maps"

	"github.com/google/uuid"

	"mediagen/internal/models"
)

// Factory mints idempotency tokens.
type Factory struct {
	gen func() string
}

// NewFactory returns a factory producing random UUIDv4 tokens.
func NewFactory() *Factory {
	return &Factory{gen: func() string { return uuid.New().String() }}
}

// NewFactoryWith returns a factory backed by gen. Tests use it for deterministic tokens.
func NewFactoryWith(gen func() string) *Factory {
	return &Factory{gen: gen}
}

// NewToken returns a fresh token. Call it once per logical submission.
func (f *Factory) NewToken() string {
	return f.gen()
}

// Submission binds one idempotency token to one logical enqueue request.
// Network retries reuse the same Submission; edited input becomes a new one via Revise.
type Submission struct {
	Kind   models.JobKind
	Token  string
	fields map[string]string
}

// NewSubmission builds a submission with a freshly minted token.
func (f *Factory) NewSubmission(kind models.JobKind, fields map[string]string) Submission {
	return Submission{
		Kind:   kind,
		Token:  f.NewToken(),
		fields: maps.Clone(fields),
	}
}

// Retry returns the same logical submission, token included.
func (s Submission) Retry() Submission {
	s.fields = maps.Clone(s.fields)
	return s
}

// Revise returns a new logical submission carrying fields and a new token.
func (s Submission) Revise(f *Factory, fields map[string]string) Submission {
	return f.NewSubmission(s.Kind, fields)
}

// Fields returns a copy of the kind-specific request fields.
func (s Submission) Fields() map[string]string {
	return maps.Clone(s.fields)
}

// Body returns the JSON request body: the fields plus the idempotency token.
func (s Submission) Body() map[string]string {
	body := make(map[string]string, len(s.fields)+1)
	for k, v := range s.fields {
		body[k] = v
	}
	body[models.IdempotencyField] = s.Token
	return body
}
