package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"mediagen/internal/models"
)

// PostgresStore wraps pgxpool for Postgres persistence.
type PostgresStore struct {
	pool     *pgxpool.Pool
	claimTTL time.Duration
}

// NewPostgres creates a pooled connection to Postgres.
func NewPostgres(ctx context.Context, dsn string, claimTTL time.Duration) (*PostgresStore, error) {
	cfg, err := pgxpool.ParseConfig(dsn)
	if err != nil {
		return nil, fmt.Errorf("parse postgres dsn: %w", err)
	}
	pool, err := pgxpool.NewWithConfig(ctx, cfg)
	if err != nil {
		return nil, fmt.Errorf("connect postgres: %w", err)
	}
	if claimTTL == 0 {
		claimTTL = 24 * time.Hour
	}
	return &PostgresStore{pool: pool, claimTTL: claimTTL}, nil
}

func (s *PostgresStore) Close() error {
	if s.pool != nil {
		s.pool.Close()
	}
	return nil
}

// ClaimToken inserts the claim, taking over a row only once it has expired.
func (s *PostgresStore) ClaimToken(ctx context.Context, idemKey, candidate string) (string, bool, error) {
	expires := time.Now().UTC().Add(s.claimTTL)
	var bound string
	err := s.pool.QueryRow(ctx, `
		INSERT INTO idempotency_keys (key, token, expires_at)
		VALUES ($1, $2, $3)
		ON CONFLICT (key) DO UPDATE SET token = EXCLUDED.token, expires_at = EXCLUDED.expires_at
		WHERE idempotency_keys.expires_at <= NOW()
		RETURNING token
	`, idemKey, candidate, expires).Scan(&bound)
	if err == nil {
		return bound, bound == candidate, nil
	}
	if !errors.Is(err, pgx.ErrNoRows) {
		return "", false, fmt.Errorf("claim idempotency key: %w", err)
	}

	// Live claim held by an earlier request.
	if err := s.pool.QueryRow(ctx, `SELECT token FROM idempotency_keys WHERE key = $1`, idemKey).Scan(&bound); err != nil {
		return "", false, fmt.Errorf("read idempotency key: %w", err)
	}
	return bound, false, nil
}

func (s *PostgresStore) ReleaseClaim(ctx context.Context, idemKey, token string) error {
	if _, err := s.pool.Exec(ctx, `DELETE FROM idempotency_keys WHERE key = $1 AND token = $2`, idemKey, token); err != nil {
		return fmt.Errorf("release idempotency key: %w", err)
	}
	return nil
}

func (s *PostgresStore) CreateJob(ctx context.Context, job Job) error {
	doc, err := json.Marshal(job)
	if err != nil {
		return fmt.Errorf("marshal job: %w", err)
	}
	_, err = s.pool.Exec(ctx, `
		INSERT INTO sim_jobs (token, kind, doc, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $4)
	`, job.Token, string(job.Kind), doc, job.CreatedAt)
	if err != nil {
		return fmt.Errorf("insert job: %w", err)
	}
	return nil
}

func (s *PostgresStore) GetJob(ctx context.Context, token string) (Job, error) {
	var doc []byte
	err := s.pool.QueryRow(ctx, `SELECT doc FROM sim_jobs WHERE token = $1`, token).Scan(&doc)
	if errors.Is(err, pgx.ErrNoRows) {
		return Job{}, fmt.Errorf("job %s: %w", token, ErrNotFound)
	}
	if err != nil {
		return Job{}, fmt.Errorf("get job: %w", err)
	}
	var job Job
	if err := json.Unmarshal(doc, &job); err != nil {
		return Job{}, fmt.Errorf("decode job: %w", err)
	}
	return job, nil
}

func (s *PostgresStore) SaveJob(ctx context.Context, job Job) error {
	doc, err := json.Marshal(job)
	if err != nil {
		return fmt.Errorf("marshal job: %w", err)
	}
	tag, err := s.pool.Exec(ctx, `
		UPDATE sim_jobs SET doc = $2, updated_at = $3 WHERE token = $1
	`, job.Token, doc, job.UpdatedAt)
	if err != nil {
		return fmt.Errorf("update job: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("job %s: %w", job.Token, ErrNotFound)
	}
	return nil
}

func (s *PostgresStore) JobTokens(ctx context.Context, kind models.JobKind, limit int64) ([]string, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT token FROM sim_jobs WHERE kind = $1 ORDER BY created_at LIMIT $2
	`, string(kind), limit)
	if err != nil {
		return nil, fmt.Errorf("list jobs: %w", err)
	}
	tokens, err := pgx.CollectRows(rows, pgx.RowTo[string])
	if err != nil {
		return nil, fmt.Errorf("scan jobs: %w", err)
	}
	return tokens, nil
}

func (s *PostgresStore) SaveMedia(ctx context.Context, media models.MediaFile) error {
	doc, err := json.Marshal(media)
	if err != nil {
		return fmt.Errorf("marshal media: %w", err)
	}
	_, err = s.pool.Exec(ctx, `
		INSERT INTO media_files (token, doc, created_at)
		VALUES ($1, $2, NOW())
		ON CONFLICT (token) DO UPDATE SET doc = EXCLUDED.doc
	`, media.Token, doc)
	if err != nil {
		return fmt.Errorf("insert media: %w", err)
	}
	return nil
}

func (s *PostgresStore) GetMedia(ctx context.Context, token string) (models.MediaFile, error) {
	var doc []byte
	err := s.pool.QueryRow(ctx, `SELECT doc FROM media_files WHERE token = $1`, token).Scan(&doc)
	if errors.Is(err, pgx.ErrNoRows) {
		return models.MediaFile{}, fmt.Errorf("media %s: %w", token, ErrNotFound)
	}
	if err != nil {
		return models.MediaFile{}, fmt.Errorf("get media: %w", err)
	}
	var media models.MediaFile
	if err := json.Unmarshal(doc, &media); err != nil {
		return models.MediaFile{}, fmt.Errorf("decode media: %w", err)
	}
	return media, nil
}

// PurgeExpiredClaims deletes idempotency rows past their expiry.
func (s *PostgresStore) PurgeExpiredClaims(ctx context.Context) (int64, error) {
	tag, err := s.pool.Exec(ctx, `DELETE FROM idempotency_keys WHERE expires_at <= NOW()`)
	if err != nil {
		return 0, fmt.Errorf("purge idempotency keys: %w", err)
	}
	return tag.RowsAffected(), nil
}
