package adapter

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/will-x86/storagebridge"
	"github.com/will-x86/storagebridge/client"
	"github.com/will-x86/storagebridge/logger"
	"github.com/will-x86/storagebridge/runner"
	"github.com/will-x86/storagebridge/storage"
)

// AsyncStore is the subset of the bridge client the adapter drives.
type AsyncStore interface {
	GetItem(ctx context.Context, key string) (bridge.Result, error)
	GetAllKeys(ctx context.Context) (bridge.Result, error)
	Do(ctx context.Context, req bridge.Request) (bridge.Result, error)
	Bridged() bool
	Subscribe(fn func(bridge.Change)) func()
}

// Status is the replication state of a key's most recent local write.
type Status string

const (
	StatusUnknown   Status = ""
	StatusPending   Status = "pending"
	StatusConfirmed Status = "confirmed"
	// StatusLocalOnly means the bridge was unavailable and the write lives
	// in this origin's storage only.
	StatusLocalOnly Status = "local-only"
	StatusFailed    Status = "failed"
)

var (
	ErrLocalOnly     = errors.New("bridge unavailable, write kept locally")
	errNotPropagated = errors.New("bridge timed out, write not propagated")
	errAdapterClosed = errors.New("adapter closed")
)

const flushPollInterval = 10 * time.Millisecond

type Options struct {
	// Shadow is the synchronous local store that survives restarts. In a
	// browser this is the origin's own localStorage.
	Shadow storage.Storage
	// Queue holds writes waiting to reach the bridge.
	Queue  storage.Queue
	Logger logger.Logger
	// Workers is the number of concurrent replication workers.
	Workers int
	// MaxAttempts bounds bridge attempts per queue round.
	MaxAttempts uint
	// RateLimit caps replication requests per second. Zero disables it.
	RateLimit int
	// RetryInitial and RetryMax shape the exponential backoff between
	// attempts.
	RetryInitial time.Duration
	RetryMax     time.Duration
}

// Adapter exposes a synchronous key-value API over the asynchronous bridge.
// Reads are served from memory or the shadow store. Writes land locally
// at once and replicate in the background.
type Adapter struct {
	store  AsyncStore
	shadow storage.Storage
	queue  storage.Queue
	logger logger.Logger
	runner *runner.AsyncRunner

	// mu orders cache, shadow and enqueue for a key, so a read, a local
	// write and a remote change never interleave.
	mu    sync.RWMutex
	cache map[string]string
	// Keys written locally since construction. Warm-up never overwrites
	// them.
	touched map[string]struct{}

	statusMu sync.Mutex
	status   map[string]keyStatus

	warmed      chan struct{}
	unsubscribe func()

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

type keyStatus struct {
	status Status
	seq    int64
}

func New(store AsyncStore, opts Options) *Adapter {
	if opts.Shadow == nil {
		opts.Shadow = storage.NewMemoryStorage()
	}
	if opts.Queue == nil {
		opts.Queue = storage.NewMemoryQueue()
	}
	if opts.Logger == nil {
		opts.Logger = logger.NewStdLogger()
	}
	if opts.Workers <= 0 {
		opts.Workers = 1
	}
	if opts.MaxAttempts == 0 {
		opts.MaxAttempts = 3
	}
	if opts.RetryInitial == 0 {
		opts.RetryInitial = 200 * time.Millisecond
	}
	if opts.RetryMax == 0 {
		opts.RetryMax = 5 * time.Second
	}

	ctx, cancel := context.WithCancel(context.Background())
	a := &Adapter{
		store:   store,
		shadow:  opts.Shadow,
		queue:   opts.Queue,
		logger:  opts.Logger,
		cache:   make(map[string]string),
		touched: make(map[string]struct{}),
		status:  make(map[string]keyStatus),
		warmed:  make(chan struct{}),
		ctx:     ctx,
		cancel:  cancel,
	}

	a.runner = runner.NewAsyncRunner(opts.Workers,
		runner.WithLogger(logger.Named(opts.Logger, "replicator")),
		runner.WithGlobalRateLimit(opts.RateLimit),
		runner.WithMaxAttempts(opts.MaxAttempts),
		runner.WithBackoff(opts.RetryInitial, opts.RetryMax),
		runner.WithOnHandled(a.onHandled),
	)

	// Ops left processing by a previous run would otherwise never drain.
	if r, ok := opts.Queue.(interface {
		ResetStuckOps(time.Duration) error
	}); ok {
		if err := r.ResetStuckOps(0); err != nil {
			a.logger.Warn("Failed to reset stuck ops: %v", err)
		}
	}

	a.unsubscribe = store.Subscribe(a.applyChange)

	a.wg.Add(2)
	go a.warmUp()
	go a.replicate()

	return a
}

func (a *Adapter) replicate() {
	defer a.wg.Done()
	err := a.runner.Run(a.ctx, runner.ReplicatorFunc(a.push), a.queue)
	if err != nil && !errors.Is(err, context.Canceled) {
		a.logger.Error("Replication stopped: %v", err)
	}
}

func (a *Adapter) push(ctx context.Context, op *storage.Op) error {
	res, err := a.store.Do(ctx, op.Request())
	if err != nil {
		// A host rejection is retried like any other failure; storage
		// errors such as a full quota may clear by the next round.
		var remote *client.RemoteError
		if errors.As(err, &remote) {
			return err
		}
		if res.Source == bridge.SourceLocalFallback && !a.store.Bridged() {
			return runner.Settled(ErrLocalOnly)
		}
		return err
	}
	if res.Source == bridge.SourceLocalFallback {
		if !a.store.Bridged() {
			return runner.Settled(ErrLocalOnly)
		}
		return errNotPropagated
	}
	return nil
}

func (a *Adapter) onHandled(op *storage.Op, err error) {
	var s Status
	switch {
	case op.Status == storage.StatusSuperseded:
		return
	case err == nil:
		s = StatusConfirmed
	case runner.IsSettled(err):
		s = StatusLocalOnly
	case op.Status == storage.StatusFailed:
		a.logger.Error("Giving up on %s %q after %d rounds: %v", op.Method, op.Key, op.RetryCount, err)
		s = StatusFailed
	default:
		s = StatusPending
	}
	a.setStatus(op.Key, s, op.Seq)
}

func (a *Adapter) setStatus(key string, s Status, seq int64) {
	a.statusMu.Lock()
	defer a.statusMu.Unlock()
	a.setStatusLocked(key, s, seq)
}

func (a *Adapter) setStatusLocked(key string, s Status, seq int64) {
	if cur, ok := a.status[key]; ok && cur.seq > seq {
		return
	}
	a.status[key] = keyStatus{status: s, seq: seq}
}

// Status reports the replication state of the last local write to key.
func (a *Adapter) Status(key string) Status {
	a.statusMu.Lock()
	defer a.statusMu.Unlock()
	return a.status[key].status
}

func (a *Adapter) warmUp() {
	defer a.wg.Done()
	defer close(a.warmed)

	res, err := a.store.GetAllKeys(a.ctx)
	if err != nil {
		a.logger.Warn("Warm-up could not list keys: %v", err)
		return
	}

	loaded := 0
	for _, key := range res.Keys {
		item, err := a.store.GetItem(a.ctx, key)
		if err != nil {
			if a.ctx.Err() != nil {
				return
			}
			a.logger.Debug("Warm-up skipped %q: %v", key, err)
			continue
		}
		if !item.Found {
			continue
		}

		a.mu.Lock()
		if _, ok := a.touched[key]; !ok {
			a.cache[key] = item.Value
			loaded++
		}
		a.mu.Unlock()
	}
	a.logger.Debug("Warm-up loaded %d of %d keys", loaded, len(res.Keys))
}

// WarmedUp is closed once the initial background load has finished,
// successfully or not.
func (a *Adapter) WarmedUp() <-chan struct{} {
	return a.warmed
}

// GetItem never blocks on the bridge. A miss in memory falls back to the
// shadow store and backfills the cache.
func (a *Adapter) GetItem(key string) (string, bool) {
	a.mu.RLock()
	v, ok := a.cache[key]
	a.mu.RUnlock()
	if ok {
		return v, true
	}

	a.mu.Lock()
	defer a.mu.Unlock()
	if v, ok := a.cache[key]; ok {
		return v, true
	}

	v, ok, err := a.shadow.GetItem(key)
	if err != nil {
		a.logger.Warn("Shadow read of %q failed: %v", key, err)
		return "", false
	}
	if !ok {
		return "", false
	}
	a.cache[key] = v
	return v, true
}

func (a *Adapter) SetItem(key, value string) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.cache[key] = value
	a.touched[key] = struct{}{}

	if err := a.shadow.SetItem(key, value); err != nil {
		a.logger.Warn("Shadow write of %q failed: %v", key, err)
	}
	a.enqueue(&storage.Op{Key: key, Method: bridge.MethodSetItem, Value: value})
}

func (a *Adapter) RemoveItem(key string) {
	a.mu.Lock()
	defer a.mu.Unlock()
	delete(a.cache, key)
	a.touched[key] = struct{}{}

	if err := a.shadow.RemoveItem(key); err != nil {
		a.logger.Warn("Shadow remove of %q failed: %v", key, err)
	}
	a.enqueue(&storage.Op{Key: key, Method: bridge.MethodRemoveItem})
}

// enqueue is called with a.mu held.
func (a *Adapter) enqueue(op *storage.Op) {
	if a.ctx.Err() != nil {
		a.logger.Warn("%s %q not replicated: %v", op.Method, op.Key, errAdapterClosed)
		return
	}

	// Held across Add so a fast worker cannot report the outcome before
	// the op is recorded as pending.
	a.statusMu.Lock()
	err := a.queue.Add(a.ctx, op)
	if err != nil {
		a.setStatusLocked(op.Key, StatusFailed, a.status[op.Key].seq)
	} else {
		a.setStatusLocked(op.Key, StatusPending, op.Seq)
	}
	a.statusMu.Unlock()

	if err != nil {
		a.logger.Error("Failed to queue %s %q: %v", op.Method, op.Key, err)
		return
	}
	a.runner.Notify()
}

// applyChange mirrors a write another client made through the host. Keys
// with a local write still in flight keep the local value, since that
// write will land on the host after this one.
func (a *Adapter) applyChange(c bridge.Change) {
	a.mu.Lock()
	defer a.mu.Unlock()

	if c.Cleared {
		for key := range a.cache {
			if !a.inFlight(key) {
				delete(a.cache, key)
			}
		}

		keys, err := a.shadow.Keys()
		if err != nil {
			a.logger.Warn("Shadow keys failed during clear: %v", err)
			return
		}
		for _, key := range keys {
			if a.inFlight(key) {
				continue
			}
			if err := a.shadow.RemoveItem(key); err != nil {
				a.logger.Warn("Shadow remove of %q failed: %v", key, err)
			}
		}
		return
	}

	if a.inFlight(c.Key) {
		a.logger.Debug("Remote change to %q ignored, local write pending", c.Key)
		return
	}

	if c.Value == nil {
		delete(a.cache, c.Key)
	} else {
		a.cache[c.Key] = *c.Value
	}

	var err error
	if c.Value == nil {
		err = a.shadow.RemoveItem(c.Key)
	} else {
		err = a.shadow.SetItem(c.Key, *c.Value)
	}
	if err != nil {
		a.logger.Warn("Shadow update of %q failed: %v", c.Key, err)
	}
}

func (a *Adapter) anyPending() bool {
	a.statusMu.Lock()
	defer a.statusMu.Unlock()
	for _, st := range a.status {
		if st.status == StatusPending {
			return true
		}
	}
	return false
}

func (a *Adapter) inFlight(key string) bool {
	a.statusMu.Lock()
	defer a.statusMu.Unlock()
	return a.status[key].status == StatusPending
}

// Flush blocks until every queued write has been handled and its status
// recorded.
func (a *Adapter) Flush(ctx context.Context) error {
	ticker := time.NewTicker(flushPollInterval)
	defer ticker.Stop()

	for {
		empty, err := a.queue.IsEmpty()
		if err != nil {
			return err
		}
		if empty && !a.anyPending() {
			return nil
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-a.ctx.Done():
			return errAdapterClosed
		case <-ticker.C:
		}
	}
}

// Close stops replication and warm-up. Queued writes stay in the queue.
// The store, shadow and queue remain owned by the caller.
func (a *Adapter) Close() error {
	a.cancel()
	a.unsubscribe()
	a.wg.Wait()
	return nil
}
