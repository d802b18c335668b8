package storage

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"io"
	"sort"
	"sync"
	"time"

	"github.com/will-x86/storagebridge"
)

type MemoryQueue struct {
	pending    map[string]*Op
	processing map[string]*Op
	latest     map[string]int64
	clearSeq   int64
	seq        int64
	completed  int
	failed     int
	superseded int
	mu         sync.RWMutex
	maxRetries int
}

type MemoryQueueOptions struct {
	MaxRetries int
}

func NewMemoryQueue() *MemoryQueue {
	return NewMemoryQueueWithOptions(MemoryQueueOptions{
		MaxRetries: 3,
	})
}

func NewMemoryQueueWithOptions(opts MemoryQueueOptions) *MemoryQueue {
	if opts.MaxRetries == 0 {
		opts.MaxRetries = 3
	}
	return &MemoryQueue{
		pending:    make(map[string]*Op),
		processing: make(map[string]*Op),
		latest:     make(map[string]int64),
		maxRetries: opts.MaxRetries,
	}
}

func (q *MemoryQueue) Close() error {
	return nil
}

func (q *MemoryQueue) Add(ctx context.Context, op *Op) error {
	if !op.Method.Mutates() {
		return fmt.Errorf("cannot queue %s: %w", op.Method, bridge.ErrInvalidMethod)
	}

	q.mu.Lock()
	defer q.mu.Unlock()

	q.seq++
	now := time.Now()
	op.Seq = q.seq
	op.ID = generateID(op.Seq, op.Key)
	op.Status = StatusPending
	op.RetryCount = 0
	op.AddedAt = now
	op.UpdatedAt = now

	if op.Method == bridge.MethodClear {
		for id, p := range q.pending {
			if p.Method != bridge.MethodClear {
				delete(q.pending, id)
				q.superseded++
			}
		}
		q.clearSeq = op.Seq
	} else {
		for id, p := range q.pending {
			if p.Method != bridge.MethodClear && p.Key == op.Key {
				delete(q.pending, id)
				q.superseded++
			}
		}
		q.latest[op.Key] = op.Seq
	}

	q.pending[op.ID] = op
	return nil
}

func (q *MemoryQueue) FetchNext(ctx context.Context) (*Op, error) {
	q.mu.Lock()
	defer q.mu.Unlock()

	gate := newFetchGate()
	for _, op := range q.processing {
		gate.hold(op)
	}

	ordered := make([]*Op, 0, len(q.pending))
	for _, op := range q.pending {
		ordered = append(ordered, op)
	}
	sort.Slice(ordered, func(i, j int) bool { return ordered[i].Seq < ordered[j].Seq })

	op := gate.pick(ordered, q.maxRetries)
	if op == nil {
		return nil, io.EOF
	}

	delete(q.pending, op.ID)
	op.Status = StatusProcessing
	op.UpdatedAt = time.Now()
	q.processing[op.ID] = op
	return op, nil
}

func (q *MemoryQueue) MarkHandled(op *Op) error {
	return q.MarkHandledWithError(op, nil)
}

func (q *MemoryQueue) MarkHandledWithError(op *Op, handleErr error) error {
	q.mu.Lock()
	defer q.mu.Unlock()

	delete(q.processing, op.ID)
	op.UpdatedAt = time.Now()

	if handleErr == nil {
		op.Status = StatusCompleted
		q.completed++
		return nil
	}

	op.RetryCount++
	op.LastError = handleErr.Error()

	if q.isStale(op) {
		op.Status = StatusSuperseded
		q.superseded++
		return nil
	}

	if op.RetryCount >= q.maxRetries {
		op.Status = StatusFailed
		q.failed++
		return nil
	}

	op.Status = StatusPending
	q.pending[op.ID] = op
	return nil
}

// isStale reports whether a newer op makes retrying op pointless.
func (q *MemoryQueue) isStale(op *Op) bool {
	if op.Seq < q.clearSeq {
		return true
	}
	if op.Method == bridge.MethodClear {
		return false
	}
	return q.latest[op.Key] > op.Seq
}

func (q *MemoryQueue) IsEmpty() (bool, error) {
	q.mu.RLock()
	defer q.mu.RUnlock()

	return len(q.pending) == 0 && len(q.processing) == 0, nil
}

func (q *MemoryQueue) GetStats() (map[string]int, error) {
	q.mu.RLock()
	defer q.mu.RUnlock()

	stats := make(map[string]int)
	stats[string(StatusPending)] = len(q.pending)
	stats[string(StatusProcessing)] = len(q.processing)
	stats[string(StatusCompleted)] = q.completed
	stats[string(StatusFailed)] = q.failed
	stats[string(StatusSuperseded)] = q.superseded

	return stats, nil
}

func generateID(seq int64, key string) string {
	hash := sha256.Sum256([]byte(fmt.Sprintf("%d:%s", seq, key)))
	return hex.EncodeToString(hash[:8])
}
