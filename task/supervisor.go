package task

import (
	"sync"
	"time"

	"github.com/google/uuid"
)

// State of an asynchronous task.
type State string

const (
	StatePending   State = "PENDING"
	StateRunning   State = "RUNNING"
	StateProgress  State = "PROGRESS"
	StateSucceeded State = "SUCCEEDED"
	StateFailed    State = "FAILED"
)

// Status is the externally visible view of one task. Snapshot holds the
// latest progress snapshot while running and the final result afterwards.
// ExitCode stays nil until the underlying work has finished.
type Status struct {
	State    State  `json:"state"`
	Snapshot string `json:"snapshot,omitempty"`
	ExitCode *int   `json:"exit_code"`
}

// Work is a long-running function executed under supervision. It may call
// report any number of times to publish a progress snapshot and returns the
// final result text and exit code.
type Work func(report func(snapshot string)) (result string, exitCode int, err error)

type record struct {
	status   Status
	finished time.Time
}

// Supervisor issues collision-free handles for submitted work, tracks
// last-known status and progress snapshots, and purges completed tasks
// after a retention window. It performs no execution logic of its own.
type Supervisor struct {
	mu        sync.RWMutex
	tasks     map[string]*record
	retention time.Duration
	stop      chan struct{}
	stopOnce  sync.Once
}

// NewSupervisor starts a supervisor whose completed tasks are retained for
// the given window before the sweep removes them. A zero retention disables
// the sweep; completed tasks then live until explicitly purged.
func NewSupervisor(retention time.Duration) *Supervisor {
	s := &Supervisor{
		tasks:     make(map[string]*record),
		retention: retention,
		stop:      make(chan struct{}),
	}
	if retention > 0 {
		go s.sweep()
	}
	return s
}

// Submit registers the work under a fresh handle and runs it on its own
// goroutine. The handle is valid immediately, in PENDING state.
func (s *Supervisor) Submit(w Work) string {
	id := uuid.New().String()

	s.mu.Lock()
	s.tasks[id] = &record{status: Status{State: StatePending}}
	s.mu.Unlock()

	go s.run(id, w)
	return id
}

func (s *Supervisor) run(id string, w Work) {
	s.update(id, func(rec *record) {
		rec.status.State = StateRunning
	})

	report := func(snapshot string) {
		s.update(id, func(rec *record) {
			rec.status.State = StateProgress
			rec.status.Snapshot = snapshot
		})
	}

	result, exitCode, err := w(report)

	s.update(id, func(rec *record) {
		code := exitCode
		rec.status.ExitCode = &code
		rec.finished = time.Now()
		if err != nil {
			rec.status.State = StateFailed
			rec.status.Snapshot = err.Error()
			return
		}
		rec.status.State = StateSucceeded
		rec.status.Snapshot = result
	})
}

func (s *Supervisor) update(id string, fn func(*record)) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if rec, ok := s.tasks[id]; ok {
		fn(rec)
	}
}

// Status returns the last-known status for a handle. Any number of pollers
// may observe the same handle without side effects.
func (s *Supervisor) Status(id string) (Status, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	rec, ok := s.tasks[id]
	if !ok {
		return Status{}, false
	}
	return rec.status, true
}

// Purge removes a task record. Returns false for unknown handles.
func (s *Supervisor) Purge(id string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.tasks[id]; !ok {
		return false
	}
	delete(s.tasks, id)
	return true
}

// Close stops the retention sweep. Running tasks keep running.
func (s *Supervisor) Close() {
	s.stopOnce.Do(func() { close(s.stop) })
}

func (s *Supervisor) sweep() {
	interval := s.retention / 2
	if interval < time.Second {
		interval = time.Second
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-s.stop:
			return
		case <-ticker.C:
			cutoff := time.Now().Add(-s.retention)
			s.mu.Lock()
			for id, rec := range s.tasks {
				done := rec.status.State == StateSucceeded || rec.status.State == StateFailed
				if done && rec.finished.Before(cutoff) {
					delete(s.tasks, id)
				}
			}
			s.mu.Unlock()
		}
	}
}
