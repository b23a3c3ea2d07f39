package jobs

import (
	"errors"
	"fmt"
	"iter"
	"log/slog"
	"slices"
	"sync"
	"time"

	"mediagen/internal/logging"
	"mediagen/internal/models"
)

var (
	// ErrDuplicateJob is returned when a job token is registered twice.
	ErrDuplicateJob = errors.New("job already registered")
	// ErrEmptyToken is returned when registering an empty job token.
	ErrEmptyToken = errors.New("job token is empty")
)

// Registry is an insertion-ordered set of job records keyed by job token. Records are
// never removed during a session.
type Registry struct {
	mu      sync.RWMutex
	order   []string
	records map[string]Record
	logger  *slog.Logger
	now     func() time.Time
}

// NewRegistry creates an empty registry.
func NewRegistry(logger *slog.Logger) *Registry {
	return &Registry{
		records: make(map[string]Record),
		logger:  logging.OrDefault(logger),
		now:     time.Now,
	}
}

// Enqueue inserts a PENDING record for a freshly accepted job.
func (r *Registry) Enqueue(token string, kind models.JobKind) error {
	if token == "" {
		return ErrEmptyToken
	}
	r.mu.Lock()
	defer r.mu.Unlock()

	if _, exists := r.records[token]; exists {
		return fmt.Errorf("%w: %s", ErrDuplicateJob, token)
	}
	now := r.now().UTC()
	r.records[token] = Record{
		JobToken:  token,
		Kind:      kind,
		State:     StatePending,
		CreatedAt: now,
		UpdatedAt: now,
	}
	r.order = append(r.order, token)
	return nil
}

// Update applies a status payload. Unknown tokens and terminal records are left alone.
// It reports whether the record changed.
func (r *Registry) Update(token string, payload models.JobStatusResponse) bool {
	r.mu.Lock()
	defer r.mu.Unlock()

	current, ok := r.records[token]
	if !ok {
		r.logger.Info("ignoring status for unregistered job", slog.String("job_token", token))
		return false
	}
	if IsTerminal(current) {
		return false
	}

	next := FromResponse(token, current.Kind, payload)
	if next.State == StateUnknown {
		r.logger.Warn("malformed job status",
			slog.String("job_token", token),
			slog.String("status", payload.Status),
		)
	}
	if next.CreatedAt.IsZero() {
		next.CreatedAt = current.CreatedAt
	}
	if next.UpdatedAt.IsZero() {
		next.UpdatedAt = r.now().UTC()
	}
	r.records[token] = next
	return true
}

// Get returns the record for token.
func (r *Registry) Get(token string) (Record, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	rec, ok := r.records[token]
	return rec, ok
}

// List returns records in insertion order, restricted to kinds when any are given.
func (r *Registry) List(kinds ...models.JobKind) []Record {
	return slices.Collect(r.All(kinds...))
}

// All yields records in insertion order, restricted to kinds when any are given. The
// sequence snapshots the registry on each iteration, so it can be ranged over repeatedly.
func (r *Registry) All(kinds ...models.JobKind) iter.Seq[Record] {
	return func(yield func(Record) bool) {
		for _, rec := range r.snapshot(kinds) {
			if !yield(rec) {
				return
			}
		}
	}
}

// Pending returns the non-terminal records of kind in insertion order.
func (r *Registry) Pending(kind models.JobKind) []Record {
	var out []Record
	for _, rec := range r.snapshot([]models.JobKind{kind}) {
		if !IsTerminal(rec) {
			out = append(out, rec)
		}
	}
	return out
}

// Len returns the number of registered jobs.
func (r *Registry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.order)
}

func (r *Registry) snapshot(kinds []models.JobKind) []Record {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]Record, 0, len(r.order))
	for _, token := range r.order {
		rec := r.records[token]
		if len(kinds) > 0 && !slices.Contains(kinds, rec.Kind) {
			continue
		}
		out = append(out, rec)
	}
	return out
}
