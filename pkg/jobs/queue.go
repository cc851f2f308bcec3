package jobs

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"
)

// ErrNotRunning is returned by Enqueue before Start or after Stop.
var ErrNotRunning = errors.New("queue not running")

// Task is a unit of background work.
type Task struct {
	ID         string
	Kind       string
	Payload    interface{}
	Attempt    int
	EnqueuedAt time.Time
}

// HandlerFunc processes one task attempt.
type HandlerFunc func(ctx context.Context, task Task) error

// Options tunes the worker pool.
type Options struct {
	Workers    int
	Buffer     int
	MaxRetries int
	RetryDelay time.Duration
	Logger     *zap.Logger
	// OnGiveUp is called once a task has exhausted its retries.
	OnGiveUp func(ctx context.Context, task Task, err error)
}

// Queue dispatches tasks to a fixed pool of goroutines. Failed attempts are
// retried in the same worker with linear backoff.
type Queue struct {
	name    string
	handler HandlerFunc
	opts    Options

	mu      sync.RWMutex
	tasks   chan Task
	ctx     context.Context
	cancel  context.CancelFunc
	wg      sync.WaitGroup
	running bool
}

func New(name string, handler HandlerFunc, opts Options) *Queue {
	if opts.Workers <= 0 {
		opts.Workers = 1
	}
	if opts.Buffer <= 0 {
		opts.Buffer = opts.Workers * 8
	}
	if opts.MaxRetries < 0 {
		opts.MaxRetries = 0
	}
	if opts.RetryDelay <= 0 {
		opts.RetryDelay = time.Second
	}
	if opts.Logger == nil {
		opts.Logger = zap.NewNop()
	}
	return &Queue{
		name:    name,
		handler: handler,
		opts:    opts,
		tasks:   make(chan Task, opts.Buffer),
	}
}

// Start launches the workers. Calling it twice is a no-op.
func (q *Queue) Start(ctx context.Context) {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.running {
		return
	}
	q.ctx, q.cancel = context.WithCancel(ctx)
	q.running = true
	for i := 0; i < q.opts.Workers; i++ {
		q.wg.Add(1)
		go q.work()
	}
	q.opts.Logger.Info("queue started", zap.String("queue", q.name), zap.Int("workers", q.opts.Workers))
}

// Stop cancels in-flight work and waits for workers to return.
func (q *Queue) Stop() {
	q.mu.Lock()
	if !q.running {
		q.mu.Unlock()
		return
	}
	q.running = false
	q.cancel()
	q.mu.Unlock()

	q.wg.Wait()
	q.opts.Logger.Info("queue stopped", zap.String("queue", q.name))
}

// Enqueue blocks until the task is buffered, ctx is done or the queue stops.
func (q *Queue) Enqueue(ctx context.Context, task Task) error {
	q.mu.RLock()
	running, qctx := q.running, q.ctx
	q.mu.RUnlock()
	if !running {
		return fmt.Errorf("%s: %w", q.name, ErrNotRunning)
	}
	if task.EnqueuedAt.IsZero() {
		task.EnqueuedAt = time.Now().UTC()
	}

	select {
	case q.tasks <- task:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	case <-qctx.Done():
		return fmt.Errorf("%s: %w", q.name, ErrNotRunning)
	}
}

// Pending reports how many tasks are buffered but not yet picked up.
func (q *Queue) Pending() int {
	return len(q.tasks)
}

func (q *Queue) work() {
	defer q.wg.Done()
	for {
		select {
		case <-q.ctx.Done():
			return
		case task := <-q.tasks:
			q.process(task)
		}
	}
}

func (q *Queue) process(task Task) {
	log := q.opts.Logger.With(zap.String("queue", q.name), zap.String("task_id", task.ID), zap.String("kind", task.Kind))
	for {
		task.Attempt++
		err := q.handler(q.ctx, task)
		if err == nil {
			return
		}
		if task.Attempt > q.opts.MaxRetries || q.ctx.Err() != nil {
			log.Error("task failed", zap.Int("attempt", task.Attempt), zap.Error(err))
			if q.opts.OnGiveUp != nil {
				q.opts.OnGiveUp(context.WithoutCancel(q.ctx), task, err)
			}
			return
		}
		log.Warn("task attempt failed, retrying", zap.Int("attempt", task.Attempt), zap.Error(err))

		timer := time.NewTimer(q.opts.RetryDelay * time.Duration(task.Attempt))
		select {
		case <-q.ctx.Done():
			timer.Stop()
			return
		case <-timer.C:
		}
	}
}
