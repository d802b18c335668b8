package storage

import (
	"context"
	"time"

	"github.com/will-x86/storagebridge"
)

type Status string

const (
	StatusPending    Status = "pending"
	StatusProcessing Status = "processing"
	StatusCompleted  Status = "completed"
	StatusFailed     Status = "failed"
	StatusSuperseded Status = "superseded"
)

// Op is one local mutation waiting to be replicated to the bridge host.
type Op struct {
	ID         string        `json:"id"`
	Seq        int64         `json:"seq"`
	Key        string        `json:"key"`
	Method     bridge.Method `json:"method"`
	Value      string        `json:"value,omitempty"`
	Status     Status        `json:"status"`
	RetryCount int           `json:"retry_count"`
	LastError  string        `json:"last_error,omitempty"`
	AddedAt    time.Time     `json:"added_at"`
	UpdatedAt  time.Time     `json:"updated_at"`
}

// Request builds the protocol request that replicates op.
func (op *Op) Request() bridge.Request {
	req := bridge.Request{Method: op.Method}
	if op.Method == bridge.MethodClear {
		return req
	}
	key := op.Key
	req.Key = &key
	if op.Method == bridge.MethodSetItem {
		value := op.Value
		req.Value = &value
	}
	return req
}

// Queue holds replication ops. A newer op for a key supersedes any pending
// op for the same key, and a clear supersedes every pending op. FetchNext
// never hands out two ops for the same key at once, and never hands out
// anything while a clear is in flight.
type Queue interface {
	Add(ctx context.Context, op *Op) error
	FetchNext(ctx context.Context) (*Op, error)
	MarkHandled(op *Op) error
	MarkHandledWithError(op *Op, handleErr error) error
	IsEmpty() (bool, error)
	GetStats() (map[string]int, error)
	Close() error
}

type fetchGate struct {
	keys  map[string]bool
	clear bool
}

func newFetchGate() *fetchGate {
	return &fetchGate{keys: make(map[string]bool)}
}

func (g *fetchGate) hold(op *Op) {
	if op.Method == bridge.MethodClear {
		g.clear = true
		return
	}
	g.keys[op.Key] = true
}

func (g *fetchGate) busy() bool {
	return g.clear || len(g.keys) > 0
}

// pick returns the first op in seq order that may run now, or nil. A
// pending clear blocks everything queued after it.
func (g *fetchGate) pick(ordered []*Op, maxRetries int) *Op {
	if g.clear {
		return nil
	}
	for _, op := range ordered {
		if op.RetryCount >= maxRetries {
			continue
		}
		if op.Method == bridge.MethodClear {
			if g.busy() {
				return nil
			}
			return op
		}
		if g.keys[op.Key] {
			continue
		}
		return op
	}
	return nil
}
