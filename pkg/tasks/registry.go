package tasks

import (
	"errors"
	"fmt"
	"math"
	"sync"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog"
)

var (
	// ErrNotFound is returned for unknown task ids.
	ErrNotFound = errors.New("task not found")

	// ErrExhausted is returned when the registry cannot accept another task.
	// It is fatal for the submission that hit it.
	ErrExhausted = errors.New("task registry exhausted")

	// ErrInvalidTransition signals an internal-consistency fault: a state
	// transition was requested out of the permitted order. The offending call
	// is a no-op and registry state is unchanged.
	ErrInvalidTransition = errors.New("invalid task state transition")
)

// Registry allocates task identities and serializes their state transitions.
// Structural changes (insert, evict) take the registry lock; transitions on
// one task take that task's lock, so writers on different tasks never
// contend.
type Registry struct {
	mu      sync.RWMutex
	entries map[ID]*entry

	next    atomic.Uint64
	maxLive int
	logger  zerolog.Logger
}

type entry struct {
	mu   sync.Mutex
	task Task
}

// NewRegistry creates a registry. maxLive bounds the number of non-evicted
// tasks; zero or negative means unbounded.
func NewRegistry(maxLive int, logger zerolog.Logger) *Registry {
	return &Registry{
		entries: make(map[ID]*entry),
		maxLive: maxLive,
		logger:  logger.With().Str("component", "task-registry").Logger(),
	}
}

// Allocate reserves the next identity and inserts a task in state Queued.
// It never blocks and fails only on resource exhaustion.
func (r *Registry) Allocate(kind Kind, owningInstance string) (ID, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.maxLive > 0 && len(r.entries) >= r.maxLive {
		return 0, fmt.Errorf("%w: %d live tasks", ErrExhausted, len(r.entries))
	}
	if r.next.Load() == math.MaxUint64 {
		return 0, fmt.Errorf("%w: identity space exhausted", ErrExhausted)
	}

	id := ID(r.next.Add(1))
	r.entries[id] = &entry{task: Task{
		ID:             id,
		Kind:           kind,
		OwningInstance: owningInstance,
		State:          StateQueued,
		CreatedAt:      time.Now(),
	}}
	return id, nil
}

// MarkRunning transitions Queued -> Running.
func (r *Registry) MarkRunning(id ID) error {
	return r.transition(id, func(t *Task) error {
		if t.State != StateQueued {
			return fmt.Errorf("%w: %s -> running", ErrInvalidTransition, t.State)
		}
		t.State = StateRunning
		t.StartedAt = time.Now()
		return nil
	})
}

// MarkProgress records determinate progress on a running task.
func (r *Registry) MarkProgress(id ID, completed, total uint64) error {
	return r.transition(id, func(t *Task) error {
		if t.State != StateRunning && t.State != StateCancelling {
			return fmt.Errorf("%w: progress on %s task", ErrInvalidTransition, t.State)
		}
		t.Progress = &Progress{Completed: completed, Total: total}
		return nil
	})
}

// MarkDone transitions Running|Cancelling -> Done.
func (r *Registry) MarkDone(id ID) error {
	return r.transition(id, func(t *Task) error {
		if t.State != StateRunning && t.State != StateCancelling {
			return fmt.Errorf("%w: %s -> done", ErrInvalidTransition, t.State)
		}
		t.State = StateDone
		t.FinishedAt = time.Now()
		return nil
	})
}

// MarkFailed transitions Running|Cancelling -> Failed with a reason.
func (r *Registry) MarkFailed(id ID, reason string) error {
	return r.transition(id, func(t *Task) error {
		if t.State != StateRunning && t.State != StateCancelling {
			return fmt.Errorf("%w: %s -> failed", ErrInvalidTransition, t.State)
		}
		t.State = StateFailed
		t.FailureReason = reason
		t.FinishedAt = time.Now()
		return nil
	})
}

// RequestCancel transitions Running -> Cancelling and reports whether the
// request had effect. Cancelling a queued or terminal task is a no-op.
func (r *Registry) RequestCancel(id ID) bool {
	effected := false
	err := r.transition(id, func(t *Task) error {
		if t.State != StateRunning {
			return nil
		}
		t.State = StateCancelling
		effected = true
		return nil
	})
	if err != nil {
		return false
	}
	return effected
}

// SetOwningInstance binds a task to an instance it acquired mid-flight,
// e.g. once a creation operation knows the new uuid.
func (r *Registry) SetOwningInstance(id ID, uuid string) error {
	return r.transition(id, func(t *Task) error {
		if t.State.IsTerminal() {
			return fmt.Errorf("%w: set owner on %s task", ErrInvalidTransition, t.State)
		}
		t.OwningInstance = uuid
		return nil
	})
}

// Get returns a snapshot of one task.
func (r *Registry) Get(id ID) (Task, error) {
	r.mu.RLock()
	e, ok := r.entries[id]
	r.mu.RUnlock()
	if !ok {
		return Task{}, ErrNotFound
	}

	e.mu.Lock()
	defer e.mu.Unlock()
	return snapshot(&e.task), nil
}

// List returns a consistent snapshot of all live tasks, unordered.
func (r *Registry) List() []Task {
	r.mu.RLock()
	all := make([]*entry, 0, len(r.entries))
	for _, e := range r.entries {
		all = append(all, e)
	}
	r.mu.RUnlock()

	out := make([]Task, 0, len(all))
	for _, e := range all {
		e.mu.Lock()
		out = append(out, snapshot(&e.task))
		e.mu.Unlock()
	}
	return out
}

// Len returns the number of live tasks.
func (r *Registry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.entries)
}

// EvictTerminalBefore removes tasks that reached a terminal state before the
// cutoff and returns their ids. Non-terminal tasks are never evicted.
func (r *Registry) EvictTerminalBefore(cutoff time.Time) []ID {
	r.mu.Lock()
	defer r.mu.Unlock()

	var evicted []ID
	for id, e := range r.entries {
		e.mu.Lock()
		retire := e.task.State.IsTerminal() && e.task.FinishedAt.Before(cutoff)
		e.mu.Unlock()
		if retire {
			delete(r.entries, id)
			evicted = append(evicted, id)
		}
	}
	return evicted
}

func (r *Registry) transition(id ID, apply func(*Task) error) error {
	r.mu.RLock()
	e, ok := r.entries[id]
	r.mu.RUnlock()
	if !ok {
		return ErrNotFound
	}

	e.mu.Lock()
	defer e.mu.Unlock()

	if err := apply(&e.task); err != nil {
		if errors.Is(err, ErrInvalidTransition) {
			r.logger.Warn().
				Uint64("task_id", uint64(id)).
				Str("state", string(e.task.State)).
				Err(err).
				Msg("Rejected out-of-order task transition")
		}
		return err
	}
	return nil
}

// snapshot deep-copies the parts of a Task that alias registry memory.
func snapshot(t *Task) Task {
	out := *t
	if t.Progress != nil {
		p := *t.Progress
		out.Progress = &p
	}
	return out
}
