// Package lock serializes interactions per key. Each key owns a FIFO queue
// and a running flag; one worker goroutine per busy key drains the queue,
// so tasks for the same key never overlap and tasks for different keys run
// independently.
//
// A caller that times out stops waiting, but its task is not cancelled. The
// next task for the key starts only after it settles; its result is
// discarded and reported as orphaned.
package lock

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"chatrelay/internal/failure"
	"chatrelay/internal/logging"

	"go.uber.org/zap"
)

// Task is one unit of exclusive work. Its context carries the caller's
// values but is never cancelled by the caller giving up.
type Task func(ctx context.Context) (any, error)

// Options configures a Queue.
type Options struct {
	Logger *zap.Logger
	// OnOrphan is called when a task finishes after its caller timed out.
	OnOrphan func(key string, err error)
}

// Queue is a set of per-key FIFO task queues.
type Queue struct {
	log      *zap.Logger
	onOrphan func(key string, err error)

	mu   sync.Mutex
	keys map[string]*keyQueue
}

type keyQueue struct {
	running bool
	pending []*job
}

type job struct {
	ctx       context.Context
	task      Task
	done      chan result
	abandoned atomic.Bool
	enqueued  time.Time
}

type result struct {
	val any
	err error
}

// New returns an empty Queue.
func New(opts Options) *Queue {
	return &Queue{
		log:      logging.Or(opts.Logger, logging.CategoryLock),
		onOrphan: opts.OnOrphan,
		keys:     make(map[string]*keyQueue),
	}
}

// Do runs task exclusively for key, after every task enqueued before it has
// settled. It returns a KindLockTimeout failure if task has not finished
// within timeout of enqueueing; timeout <= 0 waits indefinitely. A panic in
// task is recovered into a KindAdapter failure.
func (q *Queue) Do(ctx context.Context, key string, timeout time.Duration, task Task) (any, error) {
	j := &job{
		ctx:      context.WithoutCancel(ctx),
		task:     task,
		done:     make(chan result, 1),
		enqueued: time.Now(),
	}
	q.enqueue(key, j)

	var expired <-chan time.Time
	if timeout > 0 {
		timer := time.NewTimer(timeout)
		defer timer.Stop()
		expired = timer.C
	}

	select {
	case r := <-j.done:
		return r.val, r.err
	case <-expired:
		select {
		case r := <-j.done:
			return r.val, r.err
		default:
		}
		j.abandoned.Store(true)
		q.log.Warn("lock wait timed out; task left to settle",
			zap.String("key", key),
			zap.Duration("timeout", timeout))
		return nil, failure.New(failure.KindLockTimeout, "", "no result for %s within %s", key, timeout)
	case <-ctx.Done():
		j.abandoned.Store(true)
		return nil, ctx.Err()
	}
}

// Do is the typed form of Queue.Do.
func Do[T any](ctx context.Context, q *Queue, key string, timeout time.Duration, task func(ctx context.Context) (T, error)) (T, error) {
	v, err := q.Do(ctx, key, timeout, func(ctx context.Context) (any, error) {
		return task(ctx)
	})
	if err != nil {
		var zero T
		return zero, err
	}
	out, _ := v.(T)
	return out, nil
}

// Pending returns the number of tasks waiting behind the running one.
func (q *Queue) Pending(key string) int {
	q.mu.Lock()
	defer q.mu.Unlock()
	if kq, ok := q.keys[key]; ok {
		return len(kq.pending)
	}
	return 0
}

// Running reports whether a task for key is executing.
func (q *Queue) Running(key string) bool {
	q.mu.Lock()
	defer q.mu.Unlock()
	kq, ok := q.keys[key]
	return ok && kq.running
}

// Keys returns the number of keys with queued or running work.
func (q *Queue) Keys() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.keys)
}

func (q *Queue) enqueue(key string, j *job) {
	q.mu.Lock()
	defer q.mu.Unlock()
	kq, ok := q.keys[key]
	if !ok {
		kq = &keyQueue{}
		q.keys[key] = kq
	}
	kq.pending = append(kq.pending, j)
	if !kq.running {
		kq.running = true
		go q.drain(key, kq)
	}
}

// drain runs key's tasks in arrival order until the queue is empty.
func (q *Queue) drain(key string, kq *keyQueue) {
	for {
		q.mu.Lock()
		if len(kq.pending) == 0 {
			kq.running = false
			delete(q.keys, key)
			q.mu.Unlock()
			return
		}
		j := kq.pending[0]
		kq.pending[0] = nil
		kq.pending = kq.pending[1:]
		q.mu.Unlock()

		q.run(key, j)
	}
}

func (q *Queue) run(key string, j *job) {
	if waited := time.Since(j.enqueued); waited > time.Second {
		q.log.Debug("task started after queueing", zap.String("key", key), zap.Duration("waited", waited))
	}
	val, err := safeRun(j.ctx, j.task)
	j.done <- result{val: val, err: err}

	if j.abandoned.Load() {
		q.log.Warn("orphaned task settled; result discarded",
			zap.String("key", key),
			zap.Duration("took", time.Since(j.enqueued)),
			zap.Error(err))
		if q.onOrphan != nil {
			q.onOrphan(key, err)
		}
	}
}

func safeRun(ctx context.Context, task Task) (val any, err error) {
	defer func() {
		if r := recover(); r != nil {
			err = failure.New(failure.KindAdapter, "", "task panicked: %v", r)
		}
	}()
	return task(ctx)
}
