// Package scheduler tracks the lifecycle of every item that enters the
// pipeline.
//
// Core concepts:
//   - One Task per item UID, created by Start before the item is queued
//   - Stages report outcomes through Complete and Fail only
//   - Retry is a recorded state; nothing re-drives a Retry task
package scheduler

import (
	"fmt"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/flashembed/flashembed/internal/domain"
)

// Scheduler is a mutex-guarded map from UID to Task. Decode and infer
// workers update it concurrently.
type Scheduler struct {
	mu    sync.Mutex
	tasks map[string]*domain.Task
	now   func() time.Time

	// Stats
	totalStarted   atomic.Int64
	totalCompleted atomic.Int64
	totalFailed    atomic.Int64
	totalRetried   atomic.Int64
}

// New creates an empty scheduler.
func New() *Scheduler {
	return &Scheduler{
		tasks: make(map[string]*domain.Task),
		now:   time.Now,
	}
}

// ─── Mutations ──────────────────────────────────────────────────────────────

// Start gets or creates the task for uid and marks it in progress.
func (s *Scheduler) Start(uid string) domain.Task {
	s.mu.Lock()
	defer s.mu.Unlock()

	t := s.getOrCreateLocked(uid)
	t.State = domain.TaskInProgress
	t.StartedAt = s.now()
	s.totalStarted.Add(1)
	return *t
}

// Complete marks a started task done. Completing a UID that was never
// started is a programming error and returns ErrTaskNotFound.
func (s *Scheduler) Complete(uid string) (domain.Task, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	t, ok := s.tasks[uid]
	if !ok {
		return domain.Task{}, fmt.Errorf("complete %q: %w", uid, domain.ErrTaskNotFound)
	}
	t.State = domain.TaskDone
	t.EndedAt = s.now()
	s.totalCompleted.Add(1)
	return *t, nil
}

// Fail records a failure. With retry the task moves to Retry and its retry
// counter is incremented; otherwise it is terminally Failed.
func (s *Scheduler) Fail(uid string, errMsg string, retry bool) domain.Task {
	s.mu.Lock()
	defer s.mu.Unlock()

	t := s.getOrCreateLocked(uid)
	if retry {
		t.State = domain.TaskRetry
		t.Retries++
		s.totalRetried.Add(1)
	} else {
		t.State = domain.TaskFailed
		s.totalFailed.Add(1)
	}
	t.LastError = errMsg
	t.EndedAt = s.now()
	return *t
}

func (s *Scheduler) getOrCreateLocked(uid string) *domain.Task {
	t, ok := s.tasks[uid]
	if !ok {
		t = &domain.Task{UID: uid, State: domain.TaskPending}
		s.tasks[uid] = t
	}
	return t
}

// ─── Inspection ─────────────────────────────────────────────────────────────

// Get returns a copy of the task for uid.
func (s *Scheduler) Get(uid string) (domain.Task, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	t, ok := s.tasks[uid]
	if !ok {
		return domain.Task{}, false
	}
	return *t, true
}

// Len returns the number of tracked tasks.
func (s *Scheduler) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.tasks)
}

// Snapshot returns copies of all tasks sorted by UID.
func (s *Scheduler) Snapshot() []domain.Task {
	s.mu.Lock()
	out := make([]domain.Task, 0, len(s.tasks))
	for _, t := range s.tasks {
		out = append(out, *t)
	}
	s.mu.Unlock()

	sort.Slice(out, func(i, j int) bool { return out[i].UID < out[j].UID })
	return out
}

// Counts returns the number of tasks currently in each state.
func (s *Scheduler) Counts() map[domain.TaskState]int {
	s.mu.Lock()
	defer s.mu.Unlock()

	counts := make(map[domain.TaskState]int, len(domain.TaskStates))
	for _, t := range s.tasks {
		counts[t.State]++
	}
	return counts
}

// Stats holds cumulative transition counts.
type Stats struct {
	Tracked        int   `json:"tracked"`
	TotalStarted   int64 `json:"total_started"`
	TotalCompleted int64 `json:"total_completed"`
	TotalFailed    int64 `json:"total_failed"`
	TotalRetried   int64 `json:"total_retried"`
}

// Stats returns current scheduler statistics.
func (s *Scheduler) Stats() Stats {
	return Stats{
		Tracked:        s.Len(),
		TotalStarted:   s.totalStarted.Load(),
		TotalCompleted: s.totalCompleted.Load(),
		TotalFailed:    s.totalFailed.Load(),
		TotalRetried:   s.totalRetried.Load(),
	}
}
