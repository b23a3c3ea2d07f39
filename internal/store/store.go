// Package store persists the dev server's simulated jobs, uploaded media metadata and
// idempotency claims. Redis and Postgres backends implement the same Store interface.
package store

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"mediagen/internal/config"
	"mediagen/internal/models"
)

// ErrNotFound is returned when a job or media token is unknown.
var ErrNotFound = errors.New("not found")

// Simulated outcomes a job can be scripted with.
const (
	OutcomeSuccess = "success"
	OutcomeFailure = "failure"
	OutcomeFlaky   = "flaky"
	OutcomeDead    = "dead"
)

// Job is the server-side record of one simulated job.
type Job struct {
	Token         string            `json:"token"`
	Kind          models.JobKind    `json:"kind"`
	Outcome       string            `json:"outcome"`
	Status        string            `json:"status"`
	AttemptCount  int               `json:"attempt_count"`
	Reads         int               `json:"reads"`
	ResultToken   string            `json:"result_token,omitempty"`
	FailureReason string            `json:"failure_reason,omitempty"`
	Fields        map[string]string `json:"fields,omitempty"`
	CreatedAt     time.Time         `json:"created_at"`
	UpdatedAt     time.Time         `json:"updated_at"`
}

// Store is the persistence surface the dev server needs.
type Store interface {
	// ClaimToken binds idemKey to candidate unless it is already bound. It returns the
	// bound token and whether this call made the binding.
	ClaimToken(ctx context.Context, idemKey, candidate string) (string, bool, error)
	// ReleaseClaim drops idemKey only while it is still bound to token.
	ReleaseClaim(ctx context.Context, idemKey, token string) error
	CreateJob(ctx context.Context, job Job) error
	GetJob(ctx context.Context, token string) (Job, error)
	SaveJob(ctx context.Context, job Job) error
	// JobTokens lists up to limit tokens of kind's jobs, oldest first.
	JobTokens(ctx context.Context, kind models.JobKind, limit int64) ([]string, error)
	SaveMedia(ctx context.Context, media models.MediaFile) error
	GetMedia(ctx context.Context, token string) (models.MediaFile, error)
	Close() error
}

// Open builds the backend selected by cfg.StoreBackend.
func Open(ctx context.Context, cfg config.Config) (Store, error) {
	switch strings.ToLower(cfg.StoreBackend) {
	case "", "redis":
		s := NewRedis(cfg)
		if err := s.Ping(ctx); err != nil {
			_ = s.Close()
			return nil, fmt.Errorf("connect redis: %w", err)
		}
		return s, nil
	case "postgres":
		s, err := NewPostgres(ctx, cfg.PostgresDSN, cfg.IdempotencyTTL)
		if err != nil {
			return nil, err
		}
		if err := s.RunMigrations(ctx); err != nil {
			_ = s.Close()
			return nil, fmt.Errorf("migrations: %w", err)
		}
		return s, nil
	default:
		return nil, fmt.Errorf("unknown store backend %q", cfg.StoreBackend)
	}
}
