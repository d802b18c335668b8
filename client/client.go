package client

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/will-x86/storagebridge"
	"github.com/will-x86/storagebridge/logger"
	"github.com/will-x86/storagebridge/storage"
)

// Transport carries protocol frames between a client and the bridge host.
// Messages must be readable before Open is called. Implementations may
// close it once the connection is gone.
type Transport interface {
	Open(ctx context.Context) error
	Post(ctx context.Context, data []byte) error
	Messages() <-chan []byte
	Close() error
}

var ErrClosed = errors.New("bridge client closed")

// RemoteError is a failure reported by the host in a response's error field.
type RemoteError struct {
	Method    bridge.Method
	RequestID string
	Message   string
}

func (e *RemoteError) Error() string {
	return fmt.Sprintf("bridge host %s (%s): %s", e.Method, e.RequestID, e.Message)
}

type Options struct {
	HandshakeTimeout time.Duration
	RequestTimeout   time.Duration
	// Fallback is this origin's own storage, used whenever the bridge is
	// unavailable or too slow.
	Fallback storage.Storage
	Logger   logger.Logger
	IDFunc   func() string
}

type Client struct {
	transport        Transport
	fallback         storage.Storage
	logger           logger.Logger
	handshakeTimeout time.Duration
	requestTimeout   time.Duration
	newID            func() string

	mu      sync.Mutex
	pending map[string]chan bridge.Response
	subs    map[int]func(bridge.Change)
	nextSub int

	ready      atomic.Bool
	bridged    atomic.Bool
	readyCh    chan struct{}
	handshake  chan struct{}
	handshaken sync.Once

	ctx    context.Context
	cancel context.CancelFunc
	closed atomic.Bool
	wg     sync.WaitGroup
}

// New starts initialization in the background and returns immediately.
// Every method waits for initialization before doing anything else.
func New(t Transport, opts Options) *Client {
	if opts.HandshakeTimeout == 0 {
		opts.HandshakeTimeout = bridge.HandshakeTimeout
	}
	if opts.RequestTimeout == 0 {
		opts.RequestTimeout = bridge.RequestTimeout
	}
	if opts.Fallback == nil {
		opts.Fallback = storage.NewMemoryStorage()
	}
	if opts.Logger == nil {
		opts.Logger = logger.NewStdLogger()
	}
	if opts.IDFunc == nil {
		opts.IDFunc = newRequestID
	}

	ctx, cancel := context.WithCancel(context.Background())
	c := &Client{
		transport:        t,
		fallback:         opts.Fallback,
		logger:           opts.Logger,
		handshakeTimeout: opts.HandshakeTimeout,
		requestTimeout:   opts.RequestTimeout,
		newID:            opts.IDFunc,
		pending:          make(map[string]chan bridge.Response),
		subs:             make(map[int]func(bridge.Change)),
		readyCh:          make(chan struct{}),
		handshake:        make(chan struct{}),
		ctx:              ctx,
		cancel:           cancel,
	}

	// The listener must be running before the transport opens, or an
	// early ready message would be lost.
	c.wg.Add(2)
	go c.listen()
	go c.initialize()

	return c
}

func newRequestID() string {
	return fmt.Sprintf("%d-%s", time.Now().UnixMilli(), uuid.NewString()[:8])
}

func (c *Client) initialize() {
	defer c.wg.Done()

	timer := time.NewTimer(c.handshakeTimeout)
	defer timer.Stop()

	opened := make(chan error, 1)
	go func() {
		openCtx, cancel := context.WithTimeout(c.ctx, c.handshakeTimeout)
		defer cancel()
		opened <- c.transport.Open(openCtx)
	}()

	for {
		select {
		case err := <-opened:
			opened = nil
			if err != nil {
				c.logger.Warn("Bridge transport failed to open, waiting out handshake: %v", err)
			}
		case <-c.handshake:
			c.bridged.Store(true)
			c.markReady()
			c.logger.Debug("Bridge handshake complete")
			return
		case <-timer.C:
			c.markReady()
			c.logger.Warn("Bridge not ready after %v, using local storage only", c.handshakeTimeout)
			return
		case <-c.ctx.Done():
			c.markReady()
			return
		}
	}
}

func (c *Client) markReady() {
	if c.ready.CompareAndSwap(false, true) {
		close(c.readyCh)
	}
}

func (c *Client) listen() {
	defer c.wg.Done()

	msgs := c.transport.Messages()
	for {
		select {
		case data, ok := <-msgs:
			if !ok {
				c.logger.Debug("Bridge transport closed")
				return
			}
			c.dispatch(data)
		case <-c.ctx.Done():
			return
		}
	}
}

func (c *Client) dispatch(data []byte) {
	msg, err := bridge.DecodeMessage(data)
	if err != nil {
		c.logger.Debug("Ignoring bridge message: %v", err)
		return
	}

	switch msg.Kind {
	case bridge.KindReady:
		if !msg.Ready {
			return
		}
		if c.ready.Load() && !c.bridged.Load() {
			c.logger.Debug("Late ready message ignored, staying on local storage")
			return
		}
		c.handshaken.Do(func() { close(c.handshake) })
	case bridge.KindResponse:
		c.mu.Lock()
		ch, ok := c.pending[msg.Response.RequestID]
		if ok {
			delete(c.pending, msg.Response.RequestID)
		}
		c.mu.Unlock()

		if !ok {
			c.logger.Debug("No pending request for response %s", msg.Response.RequestID)
			return
		}
		ch <- msg.Response
	case bridge.KindChange:
		c.mu.Lock()
		subs := make([]func(bridge.Change), 0, len(c.subs))
		for _, fn := range c.subs {
			subs = append(subs, fn)
		}
		c.mu.Unlock()

		for _, fn := range subs {
			fn(msg.Change)
		}
	}
}

// Ready reports whether initialization has finished, by handshake or by
// timeout. It never reverts to false.
func (c *Client) Ready() bool {
	return c.ready.Load()
}

// Bridged reports whether the host completed the handshake. When false
// after Ready, every call is served from local storage.
func (c *Client) Bridged() bool {
	return c.bridged.Load()
}

func (c *Client) WaitReady(ctx context.Context) error {
	select {
	case <-c.readyCh:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Subscribe registers fn for changes the host pushes on behalf of other
// clients. The returned func removes the subscription.
func (c *Client) Subscribe(fn func(bridge.Change)) func() {
	c.mu.Lock()
	defer c.mu.Unlock()

	id := c.nextSub
	c.nextSub++
	c.subs[id] = fn

	return func() {
		c.mu.Lock()
		defer c.mu.Unlock()
		delete(c.subs, id)
	}
}

func (c *Client) GetItem(ctx context.Context, key string) (bridge.Result, error) {
	return c.do(ctx, bridge.Request{Method: bridge.MethodGetItem, Key: &key})
}

func (c *Client) SetItem(ctx context.Context, key, value string) (bridge.Result, error) {
	return c.do(ctx, bridge.Request{Method: bridge.MethodSetItem, Key: &key, Value: &value})
}

func (c *Client) RemoveItem(ctx context.Context, key string) (bridge.Result, error) {
	return c.do(ctx, bridge.Request{Method: bridge.MethodRemoveItem, Key: &key})
}

func (c *Client) Clear(ctx context.Context) (bridge.Result, error) {
	return c.do(ctx, bridge.Request{Method: bridge.MethodClear})
}

func (c *Client) GetAllKeys(ctx context.Context) (bridge.Result, error) {
	return c.do(ctx, bridge.Request{Method: bridge.MethodGetAllKeys})
}

// Do sends an arbitrary request. Exposed for the adapter's replication
// path, which already holds a built request.
func (c *Client) Do(ctx context.Context, req bridge.Request) (bridge.Result, error) {
	return c.do(ctx, req)
}

func (c *Client) do(ctx context.Context, req bridge.Request) (bridge.Result, error) {
	if c.closed.Load() {
		return bridge.Result{}, ErrClosed
	}
	if err := req.Validate(); err != nil {
		return bridge.Result{}, err
	}
	if err := c.WaitReady(ctx); err != nil {
		return bridge.Result{}, err
	}
	if !c.bridged.Load() {
		return c.local(ctx, req)
	}

	ch := make(chan bridge.Response, 1)
	req.RequestID = c.register(ch)

	data, err := json.Marshal(req)
	if err != nil {
		c.unregister(req.RequestID)
		return bridge.Result{}, fmt.Errorf("failed to encode request: %w", err)
	}

	if err := c.transport.Post(ctx, data); err != nil {
		c.unregister(req.RequestID)
		c.logger.Warn("Bridge post failed for %s, using local storage: %v", req.Method, err)
		return c.local(ctx, req)
	}

	timer := time.NewTimer(c.requestTimeout)
	defer timer.Stop()

	select {
	case resp := <-ch:
		return c.result(req, resp)
	case <-timer.C:
		if !c.unregister(req.RequestID) {
			// The response won the race with the timer.
			return c.result(req, <-ch)
		}
		c.logger.Warn("Bridge %s %s timed out after %v, using local storage", req.Method, req.RequestID, c.requestTimeout)
		return c.local(ctx, req)
	case <-ctx.Done():
		c.unregister(req.RequestID)
		return bridge.Result{}, ctx.Err()
	}
}

func (c *Client) result(req bridge.Request, resp bridge.Response) (bridge.Result, error) {
	if resp.Error != nil {
		return bridge.Result{Source: bridge.SourceBridge}, &RemoteError{
			Method:    req.Method,
			RequestID: req.RequestID,
			Message:   *resp.Error,
		}
	}
	return bridge.ResultFrom(req.Method, resp.Result, bridge.SourceBridge)
}

func (c *Client) local(ctx context.Context, req bridge.Request) (bridge.Result, error) {
	raw, err := storage.Apply(ctx, c.fallback, req)
	if err != nil {
		return bridge.Result{Source: bridge.SourceLocalFallback}, fmt.Errorf("local storage %s: %w", req.Method, err)
	}
	return bridge.ResultFrom(req.Method, raw, bridge.SourceLocalFallback)
}

func (c *Client) register(ch chan bridge.Response) string {
	c.mu.Lock()
	defer c.mu.Unlock()

	id := c.newID()
	for {
		if _, exists := c.pending[id]; !exists {
			break
		}
		id = c.newID() + "-" + uuid.NewString()[:4]
	}
	c.pending[id] = ch
	return id
}

// unregister removes a pending entry and reports whether it was still
// there.
func (c *Client) unregister(id string) bool {
	c.mu.Lock()
	defer c.mu.Unlock()

	if _, ok := c.pending[id]; !ok {
		return false
	}
	delete(c.pending, id)
	return true
}

// PendingCount returns the number of requests awaiting a response.
func (c *Client) PendingCount() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.pending)
}

func (c *Client) Close() error {
	if !c.closed.CompareAndSwap(false, true) {
		return nil
	}
	c.cancel()
	err := c.transport.Close()
	c.wg.Wait()
	return err
}
