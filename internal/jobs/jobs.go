// Package jobs is the durable delayed job queue behind the timeout and
// settlement workers.
//
// Delivery is at-least-once: a job claimed by a worker that dies comes
// back after a visibility timeout, so every handler must be idempotent.
// Handlers re-check current state and no-op when the work is already
// done; that property, not the queue, is what makes redelivery safe.
package jobs

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/kudipeer/kudipeer/internal/idgen"
)

var (
	ErrNotFound  = errors.New("job not found")
	ErrNoHandler = errors.New("no handler registered for job")
)

// Status is the job lifecycle state.
type Status string

const (
	StatusPending Status = "pending"
	StatusRunning Status = "running"
	StatusDone    Status = "done"
	StatusDead    Status = "dead" // retry budget exhausted
)

// Job is one unit of deferred work.
type Job struct {
	ID        string          `json:"id"`
	Name      string          `json:"name"`
	Payload   json.RawMessage `json:"payload"`
	Status    Status          `json:"status"`
	RunAt     time.Time       `json:"runAt"`
	Attempts  int             `json:"attempts"`
	LastError string          `json:"lastError,omitempty"`
	CreatedAt time.Time       `json:"createdAt"`
	UpdatedAt time.Time       `json:"updatedAt"`
}

// VisibilityTimeout is how long a claimed job may run before it is
// assumed lost and handed to another worker.
const VisibilityTimeout = 5 * time.Minute

// Store persists jobs. Claim must hand each due job to exactly one
// caller at a time.
type Store interface {
	Enqueue(ctx context.Context, j *Job) error

	// Claim marks up to limit due jobs running and returns them. Due
	// means pending with run_at reached, or running but claimed longer
	// than the visibility timeout ago.
	Claim(ctx context.Context, now time.Time, limit int) ([]*Job, error)

	MarkDone(ctx context.Context, id string) error
	Reschedule(ctx context.Context, id string, runAt time.Time, attempts int, lastErr string) error
	MarkDead(ctx context.Context, id string, lastErr string) error
}

// Queue schedules jobs.
type Queue struct {
	store  Store
	logger *slog.Logger
}

// NewQueue creates a job queue over the store.
func NewQueue(store Store, logger *slog.Logger) *Queue {
	if logger == nil {
		logger = slog.Default()
	}
	return &Queue{store: store, logger: logger}
}

// Schedule enqueues a named job to run after delay.
func (q *Queue) Schedule(ctx context.Context, name string, payload any, delay time.Duration) error {
	raw, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("failed to encode job payload: %w", err)
	}
	now := time.Now()
	j := &Job{
		ID:        idgen.WithPrefix("job_"),
		Name:      name,
		Payload:   raw,
		Status:    StatusPending,
		RunAt:     now.Add(delay),
		CreatedAt: now,
		UpdatedAt: now,
	}
	if err := q.store.Enqueue(ctx, j); err != nil {
		return err
	}
	q.logger.Debug("job scheduled", "jobId", j.ID, "name", name, "runAt", j.RunAt)
	return nil
}

// Handler executes one job delivery.
type Handler func(ctx context.Context, payload json.RawMessage) error

// Worker polls the store and runs due jobs.
type Worker struct {
	store       Store
	handlers    map[string]Handler
	interval    time.Duration
	batchSize   int
	maxAttempts int
	backoffBase time.Duration
	logger      *slog.Logger
	stop        chan struct{}
	done        chan struct{}
}

// NewWorker creates a polling worker. Handlers are registered before Start.
func NewWorker(store Store, interval time.Duration, logger *slog.Logger) *Worker {
	if logger == nil {
		logger = slog.Default()
	}
	return &Worker{
		store:       store,
		handlers:    make(map[string]Handler),
		interval:    interval,
		batchSize:   20,
		maxAttempts: 5,
		backoffBase: 30 * time.Second,
		logger:      logger,
		stop:        make(chan struct{}),
		done:        make(chan struct{}),
	}
}

// Register binds a handler to a job name.
func (w *Worker) Register(name string, h Handler) {
	w.handlers[name] = h
}

// Start polls until Stop is called.
func (w *Worker) Start(ctx context.Context) {
	go func() {
		defer close(w.done)
		ticker := time.NewTicker(w.interval)
		defer ticker.Stop()
		for {
			select {
			case <-ticker.C:
				w.RunOnce(ctx)
			case <-w.stop:
				return
			case <-ctx.Done():
				return
			}
		}
	}()
}

// Stop halts polling and waits for the loop to exit. In-flight jobs
// finish their current delivery.
func (w *Worker) Stop() {
	close(w.stop)
	<-w.done
}

// RunOnce claims and runs one batch of due jobs, returning how many ran.
func (w *Worker) RunOnce(ctx context.Context) int {
	claimed, err := w.store.Claim(ctx, time.Now(), w.batchSize)
	if err != nil {
		w.logger.Error("failed to claim jobs", "error", err)
		return 0
	}
	for _, j := range claimed {
		w.run(ctx, j)
	}
	return len(claimed)
}

func (w *Worker) run(ctx context.Context, j *Job) {
	h, ok := w.handlers[j.Name]
	if !ok {
		w.logger.Error("job has no handler", "jobId", j.ID, "name", j.Name)
		w.fail(ctx, j, ErrNoHandler)
		return
	}

	if err := h(ctx, j.Payload); err != nil {
		w.logger.Warn("job failed", "jobId", j.ID, "name", j.Name,
			"attempt", j.Attempts+1, "error", err)
		w.fail(ctx, j, err)
		return
	}
	if err := w.store.MarkDone(ctx, j.ID); err != nil {
		// The job will be redelivered; the handler must tolerate that.
		w.logger.Error("failed to mark job done", "jobId", j.ID, "error", err)
		return
	}
	w.logger.Debug("job done", "jobId", j.ID, "name", j.Name)
}

func (w *Worker) fail(ctx context.Context, j *Job, cause error) {
	attempts := j.Attempts + 1
	if errors.Is(cause, ErrNoHandler) || attempts >= w.maxAttempts {
		if err := w.store.MarkDead(ctx, j.ID, cause.Error()); err != nil {
			w.logger.Error("failed to dead-letter job", "jobId", j.ID, "error", err)
		} else {
			w.logger.Error("job dead-lettered", "jobId", j.ID, "name", j.Name, "attempts", attempts)
		}
		return
	}
	// Exponential backoff: base, 2x, 4x, ...
	delay := w.backoffBase << (attempts - 1)
	if err := w.store.Reschedule(ctx, j.ID, time.Now().Add(delay), attempts, cause.Error()); err != nil {
		w.logger.Error("failed to reschedule job", "jobId", j.ID, "error", err)
	}
}
