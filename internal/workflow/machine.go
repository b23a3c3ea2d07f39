package workflow

import (
	"log/slog"
	"sync"

	"mediagen/internal/logging"
)

// Ticket identifies the epoch at which an async request was issued.
type Ticket struct {
	Epoch uint64
}

// Machine is the state container for one page's workflow. Every applied action advances
// the epoch; async completions are accepted only if the epoch they were issued at is
// still current.
type Machine struct {
	mu      sync.Mutex
	reducer Reducer
	state   State
	epoch   uint64
	logger  *slog.Logger
	subs    map[int]chan State
	nextSub int
}

// MachineOption configures a Machine.
type MachineOption func(*Machine)

// WithPolicy sets the unknown-action policy.
func WithPolicy(p UnknownActionPolicy) MachineOption {
	return func(m *Machine) { m.reducer.Unknown = p }
}

// WithInitialState starts the machine from s instead of NO_FILE.
func WithInitialState(s State) MachineOption {
	return func(m *Machine) { m.state = s }
}

// NewMachine creates a machine in the initial state.
func NewMachine(logger *slog.Logger, opts ...MachineOption) *Machine {
	m := &Machine{
		state:  Initial(),
		logger: logging.OrDefault(logger),
		subs:   make(map[int]chan State),
	}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

// Dispatch applies action and returns a ticket for the new epoch.
func (m *Machine) Dispatch(action Action) Ticket {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.applyLocked(action)
	return Ticket{Epoch: m.epoch}
}

// Resolve applies a completion action only if nothing was dispatched since t was issued.
// It reports whether the action was applied.
func (m *Machine) Resolve(t Ticket, action Action) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	if t.Epoch != m.epoch {
		m.logger.Warn("discarding stale workflow response",
			slog.String("action", actionName(action)),
			slog.Uint64("ticket_epoch", t.Epoch),
			slog.Uint64("current_epoch", m.epoch),
		)
		return false
	}
	m.applyLocked(action)
	return true
}

// State returns a snapshot of the current state.
func (m *Machine) State() State {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.state
}

// Epoch returns the current epoch.
func (m *Machine) Epoch() uint64 {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.epoch
}

// Subscribe returns a channel receiving a snapshot after every applied action and a
// function that unsubscribes. Slow subscribers miss intermediate snapshots rather than
// blocking dispatch.
func (m *Machine) Subscribe(buffer int) (<-chan State, func()) {
	if buffer < 1 {
		buffer = 1
	}
	ch := make(chan State, buffer)

	m.mu.Lock()
	id := m.nextSub
	m.nextSub++
	m.subs[id] = ch
	m.mu.Unlock()

	var once sync.Once
	return ch, func() {
		once.Do(func() {
			m.mu.Lock()
			delete(m.subs, id)
			m.mu.Unlock()
			close(ch)
		})
	}
}

func (m *Machine) applyLocked(action Action) {
	if !Known(action) {
		m.logger.Warn("unrecognised workflow action",
			slog.String("action", actionName(action)),
			slog.String("status", string(m.state.Status)),
		)
	}
	m.state = m.reducer.Transition(m.state, action)
	m.epoch++
	for _, ch := range m.subs {
		select {
		case ch <- m.state:
		default:
		}
	}
}

func actionName(action Action) string {
	if action == nil {
		return "<nil>"
	}
	return action.ActionName()
}
