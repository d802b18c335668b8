package runner

import (
	"context"
	"errors"
	"io"
	"sync"
	"sync/atomic"
	"time"

	"github.com/cenkalti/backoff/v5"

	"github.com/will-x86/storagebridge/logger"
	"github.com/will-x86/storagebridge/storage"
)

// AsyncRunner drains a replication queue with a fixed pool of workers.
// Each op is attempted with exponential backoff before being handed back
// to the queue, which decides whether it is retried later or failed.
type AsyncRunner struct {
	maxConcurrency int
	maxAttempts    uint
	initialBackoff time.Duration
	maxBackoff     time.Duration
	pollInterval   time.Duration
	exitWhenEmpty  bool
	rateLimiter    RateLimiter
	logger         logger.Logger
	onHandled      func(op *storage.Op, err error)
	notify         chan struct{}
}

type RunnerOption func(*AsyncRunner)

func WithGlobalRateLimit(requestsPerSecond int) RunnerOption {
	return func(r *AsyncRunner) {
		r.rateLimiter = NewGlobalRateLimiter(requestsPerSecond)
	}
}

func WithKeyRateLimit(maxRequests int, window time.Duration) RunnerOption {
	return func(r *AsyncRunner) {
		r.rateLimiter = NewKeyedRateLimiter(maxRequests, window)
	}
}

func WithLogger(log logger.Logger) RunnerOption {
	return func(r *AsyncRunner) {
		r.logger = log
	}
}

func WithMaxAttempts(n uint) RunnerOption {
	return func(r *AsyncRunner) {
		if n > 0 {
			r.maxAttempts = n
		}
	}
}

func WithBackoff(initial, max time.Duration) RunnerOption {
	return func(r *AsyncRunner) {
		r.initialBackoff = initial
		r.maxBackoff = max
	}
}

func WithPollInterval(interval time.Duration) RunnerOption {
	return func(r *AsyncRunner) {
		r.pollInterval = interval
	}
}

// WithExitWhenEmpty makes Run return once the queue is drained and no
// worker is busy, instead of waiting for more ops.
func WithExitWhenEmpty() RunnerOption {
	return func(r *AsyncRunner) {
		r.exitWhenEmpty = true
	}
}

// WithOnHandled registers a hook called after every op settles, with the
// final error of its attempts (nil on success).
func WithOnHandled(fn func(op *storage.Op, err error)) RunnerOption {
	return func(r *AsyncRunner) {
		r.onHandled = fn
	}
}

func NewAsyncRunner(maxConcurrency int, opts ...RunnerOption) *AsyncRunner {
	if maxConcurrency == 0 {
		maxConcurrency = 1
	}

	r := &AsyncRunner{
		maxConcurrency: maxConcurrency,
		maxAttempts:    3,
		initialBackoff: 200 * time.Millisecond,
		maxBackoff:     5 * time.Second,
		pollInterval:   500 * time.Millisecond,
		rateLimiter:    &noRateLimiter{},
		logger:         logger.NewStdLogger(),
		notify:         make(chan struct{}, 1),
	}

	for _, opt := range opts {
		opt(r)
	}

	return r
}

// Notify wakes an idle worker. Call it after adding to the queue.
func (r *AsyncRunner) Notify() {
	select {
	case r.notify <- struct{}{}:
	default:
	}
}

func (r *AsyncRunner) newBackOff() backoff.BackOff {
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = r.initialBackoff
	b.MaxInterval = r.maxBackoff
	return b
}

func (r *AsyncRunner) Run(ctx context.Context, rep Replicator, q storage.Queue) error {
	defer r.rateLimiter.Close()

	var wg sync.WaitGroup
	var activeWorkers int32

	runCtx, stop := context.WithCancel(ctx)
	defer stop()

	for i := 0; i < r.maxConcurrency; i++ {
		wg.Add(1)
		go func(workerID int) {
			defer wg.Done()

			for {
				op, err := q.FetchNext(runCtx)
				if errors.Is(err, io.EOF) {
					if !r.idle(runCtx) {
						return
					}
					continue
				}
				if err != nil {
					if runCtx.Err() != nil {
						return
					}
					r.logger.Error("Worker %d: Failed to fetch op: %v", workerID, err)
					if !r.idle(runCtx) {
						return
					}
					continue
				}

				active := atomic.AddInt32(&activeWorkers, 1)
				r.logger.Debug("Worker %d: Replicating %s %q (active: %d)", workerID, op.Method, op.Key, active)
				r.process(runCtx, workerID, rep, q, op)
				atomic.AddInt32(&activeWorkers, -1)
			}
		}(i)
	}

	if r.exitWhenEmpty {
		// Monitor queue and stop once empty and no worker is busy
		go func() {
			ticker := time.NewTicker(r.pollInterval)
			defer ticker.Stop()

			for {
				select {
				case <-ticker.C:
					isEmpty, _ := q.IsEmpty()
					if isEmpty && atomic.LoadInt32(&activeWorkers) == 0 {
						r.logger.Debug("Queue empty and no active workers, finishing...")
						stop()
						return
					}
				case <-runCtx.Done():
					return
				}
			}
		}()
	}

	wg.Wait()

	if err := ctx.Err(); err != nil {
		return err
	}
	r.logger.Info("All workers finished")
	return nil
}

func (r *AsyncRunner) idle(ctx context.Context) bool {
	timer := time.NewTimer(r.pollInterval)
	defer timer.Stop()

	select {
	case <-r.notify:
		return true
	case <-timer.C:
		return true
	case <-ctx.Done():
		return false
	}
}

func (r *AsyncRunner) process(ctx context.Context, workerID int, rep Replicator, q storage.Queue, op *storage.Op) {
	if err := r.rateLimiter.Wait(ctx, op.Key); err != nil {
		return
	}

	_, err := backoff.Retry(ctx, func() (struct{}, error) {
		err := rep.Replicate(ctx, op)
		if IsSettled(err) {
			return struct{}{}, backoff.Permanent(err)
		}
		return struct{}{}, err
	}, backoff.WithBackOff(r.newBackOff()), backoff.WithMaxTries(r.maxAttempts))

	if err != nil && ctx.Err() != nil {
		// Left processing; ResetStuckOps returns it on the next run.
		r.logger.Debug("Worker %d: Stopped during %s %q", workerID, op.Method, op.Key)
		return
	}

	if err != nil && !IsSettled(err) {
		r.logger.Warn("Worker %d: Failed to replicate %s %q: %v", workerID, op.Method, op.Key, err)
		if markErr := q.MarkHandledWithError(op, err); markErr != nil {
			r.logger.Error("Worker %d: Failed to record failure: %v", workerID, markErr)
		}
	} else if markErr := q.MarkHandled(op); markErr != nil {
		r.logger.Error("Worker %d: Failed to record success: %v", workerID, markErr)
	}

	if r.onHandled != nil {
		r.onHandled(op, err)
	}
	// A finished op may unblock another op for the same key.
	r.Notify()
}
