package poller

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"

	"mediagen/internal/jobs"
	"mediagen/internal/logging"
	"mediagen/internal/models"
	"mediagen/internal/telemetry"
)

// StatusFetcher reads one job's status from the server.
type StatusFetcher interface {
	JobStatus(ctx context.Context, jobToken string) (models.JobStatusResponse, error)
}

// Clock schedules ticks. Tests substitute a manual clock.
type Clock interface {
	After(d time.Duration) <-chan time.Time
}

type realClock struct{}

func (realClock) After(d time.Duration) <-chan time.Time { return time.After(d) }

// Option configures a Poller.
type Option func(*Poller)

// WithClock overrides the tick source.
func WithClock(c Clock) Option {
	return func(p *Poller) { p.clock = c }
}

// Poller refreshes every non-terminal job of one kind on a shared timer. The loop stops
// rescheduling once no job of that kind is left in progress.
type Poller struct {
	kind     models.JobKind
	interval time.Duration
	registry *jobs.Registry
	fetcher  StatusFetcher
	clock    Clock
	logger   *slog.Logger

	mu     sync.Mutex
	alive  bool
	cancel context.CancelFunc
	done   chan struct{}
}

// New creates a stopped poller for kind.
func New(kind models.JobKind, interval time.Duration, registry *jobs.Registry, fetcher StatusFetcher, logger *slog.Logger, opts ...Option) *Poller {
	if interval <= 0 {
		interval = time.Second
	}
	p := &Poller{
		kind:     kind,
		interval: interval,
		registry: registry,
		fetcher:  fetcher,
		clock:    realClock{},
		logger:   logging.OrDefault(logger).With(slog.String("kind", string(kind))),
	}
	for _, opt := range opts {
		opt(p)
	}
	return p
}

// Start launches the polling loop unless it is already running. It reports whether a new
// loop was started.
func (p *Poller) Start(ctx context.Context) bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.alive {
		return false
	}
	runCtx, cancel := context.WithCancel(ctx)
	p.alive = true
	p.cancel = cancel
	p.done = make(chan struct{})
	telemetry.ActivePollers.Inc()
	go p.run(runCtx, p.done)
	p.logger.Debug("poller started", slog.Duration("interval", p.interval))
	return true
}

// Stop clears the liveness flag and waits for the loop to exit. Calling it again, or on a
// poller that never started, is a no-op.
func (p *Poller) Stop() {
	p.mu.Lock()
	if !p.alive {
		p.mu.Unlock()
		return
	}
	p.alive = false
	cancel, done := p.cancel, p.done
	p.mu.Unlock()

	cancel()
	<-done
}

// Running reports whether the loop is scheduled.
func (p *Poller) Running() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.alive
}

// Done returns a channel closed when the current loop exits. For a poller that never
// started it is already closed.
func (p *Poller) Done() <-chan struct{} {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.done == nil {
		closed := make(chan struct{})
		close(closed)
		return closed
	}
	return p.done
}

// Tick polls every in-progress job of the poller's kind once. A failed request is logged
// and left for the next tick; it does not affect other jobs. It returns how many requests
// were issued and how many jobs are still in progress afterwards.
func (p *Poller) Tick(ctx context.Context) (issued, remaining int) {
	kind := string(p.kind)
	for _, rec := range p.registry.Pending(p.kind) {
		if ctx.Err() != nil {
			break
		}
		issued++
		telemetry.PollRequests.WithLabelValues(kind).Inc()

		resp, err := p.fetcher.JobStatus(ctx, rec.JobToken)
		if err != nil {
			if errors.Is(err, context.Canceled) {
				break
			}
			telemetry.PollFailures.WithLabelValues(kind).Inc()
			p.logger.Warn("job status poll failed",
				slog.String("job_token", rec.JobToken),
				slog.String("error", err.Error()),
			)
			continue
		}

		if !p.registry.Update(rec.JobToken, resp) {
			continue
		}
		next, ok := p.registry.Get(rec.JobToken)
		if !ok {
			continue
		}
		if next.State != rec.State {
			p.logger.Info("job state changed",
				slog.String("job_token", next.JobToken),
				slog.String("from", string(rec.State)),
				slog.String("to", string(next.State)),
				slog.Int("attempts", next.AttemptCount),
			)
		}
		if jobs.IsTerminal(next) {
			telemetry.JobsTerminal.WithLabelValues(kind, string(next.State)).Inc()
		}
	}
	return issued, len(p.registry.Pending(p.kind))
}

func (p *Poller) run(ctx context.Context, done chan struct{}) {
	defer func() {
		p.mu.Lock()
		if p.done == done {
			p.alive = false
			p.cancel()
		}
		p.mu.Unlock()
		telemetry.ActivePollers.Dec()
		close(done)
	}()

	for {
		select {
		case <-ctx.Done():
			return
		case <-p.clock.After(p.interval):
		}
		if !p.stillAlive(done) {
			return
		}
		p.Tick(ctx)
		if p.finishIfIdle(done) {
			p.logger.Debug("poller idle, stopping")
			return
		}
	}
}

func (p *Poller) stillAlive(done chan struct{}) bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.alive && p.done == done
}

// finishIfIdle clears the liveness flag when nothing of this kind is left in progress.
// The check runs under the same lock Start takes, so a job registered concurrently either
// keeps this loop going or starts a fresh one.
func (p *Poller) finishIfIdle(done chan struct{}) bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.done != done {
		return true
	}
	if len(p.registry.Pending(p.kind)) > 0 {
		return false
	}
	p.alive = false
	return true
}
