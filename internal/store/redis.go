package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"

	"mediagen/internal/config"
	"mediagen/internal/models"
)

// RedisStore keeps JSON documents under prefixed keys and claims idempotency keys with SETNX.
type RedisStore struct {
	client      *redis.Client
	idemPrefix  string
	jobPrefix   string
	mediaPrefix string
	kindPrefix  string
	claimTTL    time.Duration
}

// NewRedis builds a store client from config.
func NewRedis(cfg config.Config) *RedisStore {
	client := redis.NewClient(&redis.Options{
		Addr:     cfg.RedisAddr,
		Password: cfg.RedisPassword,
		DB:       cfg.RedisDB,
	})
	return NewRedisWithClient(client, cfg.IdempotencyTTL)
}

// NewRedisWithClient wraps an existing client.
func NewRedisWithClient(client *redis.Client, claimTTL time.Duration) *RedisStore {
	if claimTTL == 0 {
		claimTTL = 24 * time.Hour
	}
	return &RedisStore{
		client:      client,
		idemPrefix:  "mediagen:idem:",
		jobPrefix:   "mediagen:job:",
		mediaPrefix: "mediagen:media:",
		kindPrefix:  "mediagen:jobs:",
		claimTTL:    claimTTL,
	}
}

// Client exposes the underlying connection so the rate limiter can share it.
func (s *RedisStore) Client() *redis.Client {
	return s.client
}

// Ping checks connectivity.
func (s *RedisStore) Ping(ctx context.Context) error {
	return s.client.Ping(ctx).Err()
}

func (s *RedisStore) Close() error {
	return s.client.Close()
}

func (s *RedisStore) ClaimToken(ctx context.Context, idemKey, candidate string) (string, bool, error) {
	key := s.idemPrefix + idemKey
	// A claim can expire between SETNX and GET; one retry covers that window.
	for i := 0; i < 2; i++ {
		ok, err := s.client.SetNX(ctx, key, candidate, s.claimTTL).Result()
		if err != nil {
			return "", false, fmt.Errorf("claim idempotency key: %w", err)
		}
		if ok {
			return candidate, true, nil
		}
		existing, err := s.client.Get(ctx, key).Result()
		if errors.Is(err, redis.Nil) {
			continue
		}
		if err != nil {
			return "", false, fmt.Errorf("read idempotency key: %w", err)
		}
		return existing, false, nil
	}
	return "", false, errors.New("idempotency key churned during claim")
}

var releaseScript = redis.NewScript(`
if redis.call("GET", KEYS[1]) == ARGV[1] then
  return redis.call("DEL", KEYS[1])
end
return 0
`)

func (s *RedisStore) ReleaseClaim(ctx context.Context, idemKey, token string) error {
	if err := releaseScript.Run(ctx, s.client, []string{s.idemPrefix + idemKey}, token).Err(); err != nil {
		return fmt.Errorf("release idempotency key: %w", err)
	}
	return nil
}

// CreateJob writes the job document and indexes it under its kind.
func (s *RedisStore) CreateJob(ctx context.Context, job Job) error {
	data, err := json.Marshal(job)
	if err != nil {
		return fmt.Errorf("marshal job: %w", err)
	}
	pipe := s.client.TxPipeline()
	pipe.Set(ctx, s.jobPrefix+job.Token, data, 0)
	pipe.ZAdd(ctx, s.kindPrefix+string(job.Kind), redis.Z{Score: float64(job.CreatedAt.UnixMilli()), Member: job.Token})
	_, err = pipe.Exec(ctx)
	return err
}

func (s *RedisStore) GetJob(ctx context.Context, token string) (Job, error) {
	var job Job
	if err := s.getDoc(ctx, s.jobPrefix+token, &job); err != nil {
		return Job{}, fmt.Errorf("job %s: %w", token, err)
	}
	return job, nil
}

func (s *RedisStore) SaveJob(ctx context.Context, job Job) error {
	data, err := json.Marshal(job)
	if err != nil {
		return fmt.Errorf("marshal job: %w", err)
	}
	return s.client.Set(ctx, s.jobPrefix+job.Token, data, 0).Err()
}

func (s *RedisStore) JobTokens(ctx context.Context, kind models.JobKind, limit int64) ([]string, error) {
	return s.client.ZRange(ctx, s.kindPrefix+string(kind), 0, limit-1).Result()
}

func (s *RedisStore) SaveMedia(ctx context.Context, media models.MediaFile) error {
	data, err := json.Marshal(media)
	if err != nil {
		return fmt.Errorf("marshal media: %w", err)
	}
	return s.client.Set(ctx, s.mediaPrefix+media.Token, data, 0).Err()
}

func (s *RedisStore) GetMedia(ctx context.Context, token string) (models.MediaFile, error) {
	var media models.MediaFile
	if err := s.getDoc(ctx, s.mediaPrefix+token, &media); err != nil {
		return models.MediaFile{}, fmt.Errorf("media %s: %w", token, err)
	}
	return media, nil
}

func (s *RedisStore) getDoc(ctx context.Context, key string, out any) error {
	data, err := s.client.Get(ctx, key).Bytes()
	if errors.Is(err, redis.Nil) {
		return ErrNotFound
	}
	if err != nil {
		return err
	}
	if err := json.Unmarshal(data, out); err != nil {
		return fmt.Errorf("decode document: %w", err)
	}
	return nil
}
