package poller

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"

	"mediagen/internal/config"
	"mediagen/internal/jobs"
	"mediagen/internal/logging"
	"mediagen/internal/models"
)

var (
	// ErrNotTracked is returned by Wait for a token the registry does not know.
	ErrNotTracked = errors.New("job is not tracked")
	// ErrStopped is returned by Wait when polling stopped before the job finished.
	ErrStopped = errors.New("polling stopped before job finished")
)

// Tracker owns the registry's pollers, one per kind, and their shared lifetime.
type Tracker struct {
	registry  *jobs.Registry
	fetcher   StatusFetcher
	intervals config.PollIntervals
	logger    *slog.Logger
	opts      []Option

	ctx    context.Context
	cancel context.CancelFunc

	mu      sync.Mutex
	pollers map[models.JobKind]*Poller
}

// NewTracker builds a tracker. Pollers are created lazily on first use of a kind.
func NewTracker(registry *jobs.Registry, fetcher StatusFetcher, intervals config.PollIntervals, logger *slog.Logger, opts ...Option) *Tracker {
	ctx, cancel := context.WithCancel(context.Background())
	return &Tracker{
		registry:  registry,
		fetcher:   fetcher,
		intervals: intervals,
		logger:    logging.OrDefault(logger),
		opts:      opts,
		ctx:       ctx,
		cancel:    cancel,
		pollers:   make(map[models.JobKind]*Poller),
	}
}

// Registry returns the registry the tracker feeds.
func (t *Tracker) Registry() *jobs.Registry {
	return t.registry
}

// Track registers a freshly enqueued job and makes sure its kind is being polled.
func (t *Tracker) Track(jobToken string, kind models.JobKind) error {
	if err := t.ctx.Err(); err != nil {
		return ErrStopped
	}
	if err := t.registry.Enqueue(jobToken, kind); err != nil {
		return err
	}
	t.Poller(kind).Start(t.ctx)
	return nil
}

// Poller returns the poller for kind, creating it if needed.
func (t *Tracker) Poller(kind models.JobKind) *Poller {
	t.mu.Lock()
	defer t.mu.Unlock()
	p, ok := t.pollers[kind]
	if !ok {
		p = New(kind, t.interval(kind), t.registry, t.fetcher, t.logger, t.opts...)
		t.pollers[kind] = p
	}
	return p
}

// Wait blocks until the job is terminal, ctx ends, or polling stops.
func (t *Tracker) Wait(ctx context.Context, jobToken string) (jobs.Record, error) {
	for {
		rec, ok := t.registry.Get(jobToken)
		if !ok {
			return jobs.Record{}, ErrNotTracked
		}
		if jobs.IsTerminal(rec) {
			return rec, nil
		}
		p := t.Poller(rec.Kind)
		if !p.Running() {
			// The poller may have finished the job and gone idle since the read above.
			if latest, _ := t.registry.Get(jobToken); jobs.IsTerminal(latest) {
				return latest, nil
			}
			return rec, ErrStopped
		}
		select {
		case <-ctx.Done():
			return rec, ctx.Err()
		case <-p.Done():
		case <-time.After(t.interval(rec.Kind) / 2):
		}
	}
}

// Stop tears down every poller. It is safe to call more than once.
func (t *Tracker) Stop() {
	t.cancel()
	t.mu.Lock()
	pollers := make([]*Poller, 0, len(t.pollers))
	for _, p := range t.pollers {
		pollers = append(pollers, p)
	}
	t.mu.Unlock()
	for _, p := range pollers {
		p.Stop()
	}
}

func (t *Tracker) interval(kind models.JobKind) time.Duration {
	var d time.Duration
	switch kind {
	case models.KindTTSInference:
		d = t.intervals.TTSInference
	case models.KindLipsyncInference:
		d = t.intervals.LipsyncInference
	case models.KindModelUpload:
		d = t.intervals.ModelUpload
	case models.KindTemplateUpload:
		d = t.intervals.TemplateUpload
	}
	if d <= 0 {
		d = time.Second
	}
	return d
}
