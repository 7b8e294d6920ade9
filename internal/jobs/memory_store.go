package jobs

import (
	"context"
	"sort"
	"sync"
	"time"
)

// MemoryStore is an in-memory job store for demo/development mode.
type MemoryStore struct {
	mu   sync.Mutex
	jobs map[string]*Job
}

// NewMemoryStore creates a new in-memory job store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{jobs: make(map[string]*Job)}
}

func (m *MemoryStore) Enqueue(ctx context.Context, j *Job) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	cp := *j
	m.jobs[j.ID] = &cp
	return nil
}

func (m *MemoryStore) Claim(ctx context.Context, now time.Time, limit int) ([]*Job, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	var due []*Job
	for _, j := range m.jobs {
		switch {
		case j.Status == StatusPending && !j.RunAt.After(now):
			due = append(due, j)
		case j.Status == StatusRunning && j.UpdatedAt.Add(VisibilityTimeout).Before(now):
			due = append(due, j)
		}
	}
	sort.Slice(due, func(i, k int) bool { return due[i].RunAt.Before(due[k].RunAt) })
	if len(due) > limit {
		due = due[:limit]
	}

	out := make([]*Job, 0, len(due))
	for _, j := range due {
		j.Status = StatusRunning
		j.UpdatedAt = now
		cp := *j
		out = append(out, &cp)
	}
	return out, nil
}

func (m *MemoryStore) MarkDone(ctx context.Context, id string) error {
	return m.update(id, func(j *Job) {
		j.Status = StatusDone
	})
}

func (m *MemoryStore) Reschedule(ctx context.Context, id string, runAt time.Time, attempts int, lastErr string) error {
	return m.update(id, func(j *Job) {
		j.Status = StatusPending
		j.RunAt = runAt
		j.Attempts = attempts
		j.LastError = lastErr
	})
}

func (m *MemoryStore) MarkDead(ctx context.Context, id string, lastErr string) error {
	return m.update(id, func(j *Job) {
		j.Status = StatusDead
		j.LastError = lastErr
	})
}

func (m *MemoryStore) update(id string, mutate func(*Job)) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	j, ok := m.jobs[id]
	if !ok {
		return ErrNotFound
	}
	j.UpdatedAt = time.Now()
	mutate(j)
	return nil
}

// Snapshot returns a copy of one job, for tests.
func (m *MemoryStore) Snapshot(id string) (Job, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()

	j, ok := m.jobs[id]
	if !ok {
		return Job{}, false
	}
	return *j, true
}

// All returns copies of every job, for tests.
func (m *MemoryStore) All() []Job {
	m.mu.Lock()
	defer m.mu.Unlock()

	out := make([]Job, 0, len(m.jobs))
	for _, j := range m.jobs {
		out = append(out, *j)
	}
	return out
}
