package client

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/will-x86/storagebridge"
	"github.com/will-x86/storagebridge/logger"
	"github.com/will-x86/storagebridge/storage"
)

// fakeTransport plays the bridge host. Requests are answered by respond,
// or left unanswered when respond is nil.
type fakeTransport struct {
	msgs    chan []byte
	openErr error
	noReady bool
	respond func(f *fakeTransport, req bridge.Request)

	mu     sync.Mutex
	posted []bridge.Request
}

func newFakeTransport() *fakeTransport {
	return &fakeTransport{msgs: make(chan []byte, 16)}
}

// serving answers every request from store, like a real host.
func (f *fakeTransport) serving(store storage.Storage) *fakeTransport {
	f.respond = func(f *fakeTransport, req bridge.Request) {
		result, err := storage.Apply(context.Background(), store, req)
		if err != nil {
			f.push(bridge.ErrorResponse(req.RequestID, err))
			return
		}
		f.push(bridge.Response{RequestID: req.RequestID, Result: result})
	}
	return f
}

func (f *fakeTransport) push(v any) {
	data, _ := json.Marshal(v)
	f.msgs <- data
}

func (f *fakeTransport) Open(ctx context.Context) error {
	if f.openErr != nil {
		return f.openErr
	}
	if !f.noReady {
		f.push(bridge.Ready{Ready: true})
	}
	return nil
}

func (f *fakeTransport) Post(ctx context.Context, data []byte) error {
	var req bridge.Request
	if err := json.Unmarshal(data, &req); err != nil {
		return err
	}
	f.mu.Lock()
	f.posted = append(f.posted, req)
	respond := f.respond
	f.mu.Unlock()

	if respond != nil {
		go respond(f, req)
	}
	return nil
}

func (f *fakeTransport) Messages() <-chan []byte { return f.msgs }
func (f *fakeTransport) Close() error            { return nil }

func (f *fakeTransport) postedCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.posted)
}

func newTestClient(t *testing.T, tr Transport, opts Options) *Client {
	t.Helper()
	opts.Logger = logger.NewNopLogger()
	c := New(tr, opts)
	t.Cleanup(func() { c.Close() })
	return c
}

func TestClient_BridgedRoundTrip(t *testing.T) {
	hostStore := storage.NewMemoryStorage()
	c := newTestClient(t, newFakeTransport().serving(hostStore), Options{})
	ctx := context.Background()

	if _, err := c.SetItem(ctx, "cart", "3"); err != nil {
		t.Fatalf("SetItem() error: %v", err)
	}
	res, err := c.GetItem(ctx, "cart")
	if err != nil {
		t.Fatalf("GetItem() error: %v", err)
	}
	if !res.Found || res.Value != "3" || res.Source != bridge.SourceBridge {
		t.Errorf("GetItem() = %+v, want 3 from bridge", res)
	}
	if v, _, _ := hostStore.GetItem("cart"); v != "3" {
		t.Errorf("host cart = %q, want 3", v)
	}
	if !c.Ready() || !c.Bridged() {
		t.Errorf("Ready() = %v, Bridged() = %v, want true, true", c.Ready(), c.Bridged())
	}

	keys, err := c.GetAllKeys(ctx)
	if err != nil {
		t.Fatalf("GetAllKeys() error: %v", err)
	}
	if len(keys.Keys) != 1 || keys.Keys[0] != "cart" {
		t.Errorf("GetAllKeys() = %v, want [cart]", keys.Keys)
	}

	if _, err := c.RemoveItem(ctx, "cart"); err != nil {
		t.Fatalf("RemoveItem() error: %v", err)
	}
	res, _ = c.GetItem(ctx, "cart")
	if res.Found {
		t.Error("GetItem() should miss after RemoveItem")
	}

	c.SetItem(ctx, "a", "1")
	if _, err := c.Clear(ctx); err != nil {
		t.Fatalf("Clear() error: %v", err)
	}
	if keys, _ := hostStore.Keys(); len(keys) != 0 {
		t.Errorf("host keys after Clear() = %v", keys)
	}
}

func TestClient_RequestTimeoutFallsBack(t *testing.T) {
	fallback := storage.NewMemoryStorage()
	fallback.SetItem("cart", "1")

	tr := newFakeTransport()
	c := newTestClient(t, tr, Options{
		RequestTimeout: 50 * time.Millisecond,
		Fallback:       fallback,
	})

	start := time.Now()
	res, err := c.GetItem(context.Background(), "cart")
	if err != nil {
		t.Fatalf("GetItem() error: %v", err)
	}
	if res.Value != "1" || res.Source != bridge.SourceLocalFallback {
		t.Errorf("GetItem() = %+v, want 1 from local fallback", res)
	}
	if elapsed := time.Since(start); elapsed < 50*time.Millisecond {
		t.Errorf("resolved after %v, before the request timeout", elapsed)
	}
	if tr.postedCount() != 1 {
		t.Errorf("posted = %d, want 1", tr.postedCount())
	}
	if n := c.PendingCount(); n != 0 {
		t.Errorf("PendingCount() = %d, want 0 after timeout", n)
	}

	// A response arriving after the timeout is dropped.
	tr.mu.Lock()
	id := tr.posted[0].RequestID
	tr.mu.Unlock()
	tr.push(bridge.Response{RequestID: id, Result: "late"})
	time.Sleep(10 * time.Millisecond)
	if n := c.PendingCount(); n != 0 {
		t.Errorf("PendingCount() = %d after late response", n)
	}
}

func TestClient_HandshakeTimeout(t *testing.T) {
	fallback := storage.NewMemoryStorage()
	fallback.SetItem("theme", "dark")

	tr := newFakeTransport()
	tr.noReady = true
	c := newTestClient(t, tr, Options{
		HandshakeTimeout: 30 * time.Millisecond,
		Fallback:         fallback,
	})

	start := time.Now()
	res, err := c.GetItem(context.Background(), "theme")
	if err != nil {
		t.Fatalf("GetItem() error: %v", err)
	}
	if elapsed := time.Since(start); elapsed < 25*time.Millisecond {
		t.Errorf("resolved after %v, before the handshake timeout", elapsed)
	}
	if res.Value != "dark" || res.Source != bridge.SourceLocalFallback {
		t.Errorf("GetItem() = %+v, want dark from local fallback", res)
	}
	if !c.Ready() || c.Bridged() {
		t.Errorf("Ready() = %v, Bridged() = %v, want true, false", c.Ready(), c.Bridged())
	}
	if tr.postedCount() != 0 {
		t.Errorf("posted = %d, want nothing sent to an unready bridge", tr.postedCount())
	}

	// A late ready does not switch the client back to the bridge.
	tr.push(bridge.Ready{Ready: true})
	time.Sleep(10 * time.Millisecond)
	if c.Bridged() {
		t.Error("late ready message should be ignored")
	}
	if _, err := c.SetItem(context.Background(), "theme", "light"); err != nil {
		t.Fatalf("SetItem() error: %v", err)
	}
	if v, _, _ := fallback.GetItem("theme"); v != "light" {
		t.Errorf("fallback theme = %q, want light", v)
	}
}

func TestClient_OpenFailureWaitsOutHandshake(t *testing.T) {
	tr := newFakeTransport()
	tr.openErr = errors.New("connection refused")
	c := newTestClient(t, tr, Options{HandshakeTimeout: 20 * time.Millisecond})

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	if err := c.WaitReady(ctx); err != nil {
		t.Fatalf("WaitReady() error: %v", err)
	}
	if c.Bridged() {
		t.Error("Bridged() should be false when the transport never opened")
	}
}

func TestClient_DemultiplexesOutOfOrderResponses(t *testing.T) {
	hostStore := storage.NewMemoryStorage()
	hostStore.SetItem("a", "1")
	hostStore.SetItem("b", "2")

	tr := newFakeTransport()
	var mu sync.Mutex
	var held []bridge.Request
	tr.respond = func(f *fakeTransport, req bridge.Request) {
		mu.Lock()
		held = append(held, req)
		if len(held) < 2 {
			mu.Unlock()
			return
		}
		batch := held
		mu.Unlock()

		// Answer in reverse order of arrival.
		for i := len(batch) - 1; i >= 0; i-- {
			v, _, _ := hostStore.GetItem(*batch[i].Key)
			f.push(bridge.Response{RequestID: batch[i].RequestID, Result: v})
		}
	}
	c := newTestClient(t, tr, Options{})

	var wg sync.WaitGroup
	got := make(map[string]string)
	var gotMu sync.Mutex
	for _, key := range []string{"a", "b"} {
		wg.Add(1)
		go func(key string) {
			defer wg.Done()
			res, err := c.GetItem(context.Background(), key)
			if err != nil {
				t.Errorf("GetItem(%q) error: %v", key, err)
				return
			}
			gotMu.Lock()
			got[key] = res.Value
			gotMu.Unlock()
		}(key)
	}
	wg.Wait()

	if got["a"] != "1" || got["b"] != "2" {
		t.Errorf("got %v, want a=1 b=2", got)
	}
}

func TestClient_RemoteError(t *testing.T) {
	tr := newFakeTransport()
	tr.respond = func(f *fakeTransport, req bridge.Request) {
		f.push(bridge.ErrorResponse(req.RequestID, errors.New("quota exceeded")))
	}
	c := newTestClient(t, tr, Options{})

	_, err := c.SetItem(context.Background(), "cart", "3")
	var remote *RemoteError
	if !errors.As(err, &remote) {
		t.Fatalf("SetItem() error = %v, want *RemoteError", err)
	}
	if remote.Message != "quota exceeded" || remote.Method != bridge.MethodSetItem {
		t.Errorf("RemoteError = %+v", remote)
	}
}

func TestClient_ContextCancel(t *testing.T) {
	c := newTestClient(t, newFakeTransport(), Options{RequestTimeout: time.Second})

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	if _, err := c.GetItem(ctx, "cart"); !errors.Is(err, context.DeadlineExceeded) {
		t.Errorf("GetItem() error = %v, want deadline exceeded", err)
	}
	if n := c.PendingCount(); n != 0 {
		t.Errorf("PendingCount() = %d, want 0", n)
	}
}

func TestClient_InvalidRequest(t *testing.T) {
	c := newTestClient(t, newFakeTransport(), Options{})

	if _, err := c.Do(context.Background(), bridge.Request{Method: bridge.MethodGetItem}); !errors.Is(err, bridge.ErrMissingKey) {
		t.Errorf("Do() error = %v, want ErrMissingKey", err)
	}
	if _, err := c.Do(context.Background(), bridge.Request{Method: "key"}); !errors.Is(err, bridge.ErrInvalidMethod) {
		t.Errorf("Do() error = %v, want ErrInvalidMethod", err)
	}
}

func TestClient_UniqueRequestIDs(t *testing.T) {
	// Unanswered, so every request stays pending at the same time.
	tr := newFakeTransport()
	c := newTestClient(t, tr, Options{
		RequestTimeout: 100 * time.Millisecond,
		IDFunc:         func() string { return "fixed" },
	})

	var wg sync.WaitGroup
	for i := 0; i < 5; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			c.GetItem(context.Background(), "cart")
		}()
	}
	wg.Wait()

	if tr.postedCount() != 5 {
		t.Fatalf("posted = %d, want 5", tr.postedCount())
	}
	seen := make(map[string]bool)
	tr.mu.Lock()
	defer tr.mu.Unlock()
	for _, req := range tr.posted {
		if seen[req.RequestID] {
			t.Errorf("duplicate requestId %q", req.RequestID)
		}
		seen[req.RequestID] = true
	}
}

func TestClient_Subscribe(t *testing.T) {
	tr := newFakeTransport()
	c := newTestClient(t, tr, Options{})

	changes := make(chan bridge.Change, 1)
	unsubscribe := c.Subscribe(func(ch bridge.Change) { changes <- ch })

	v := "dark"
	tr.push(map[string]bridge.Change{"change": {Key: "theme", Value: &v}})

	select {
	case ch := <-changes:
		if ch.Key != "theme" || ch.Value == nil || *ch.Value != "dark" {
			t.Errorf("change = %+v", ch)
		}
	case <-time.After(time.Second):
		t.Fatal("change was not delivered")
	}

	unsubscribe()
	tr.push(map[string]bridge.Change{"change": {Cleared: true}})
	select {
	case ch := <-changes:
		t.Errorf("unexpected change after unsubscribe: %+v", ch)
	case <-time.After(20 * time.Millisecond):
	}
}

func TestClient_Close(t *testing.T) {
	c := New(newFakeTransport(), Options{Logger: logger.NewNopLogger()})
	if err := c.Close(); err != nil {
		t.Fatalf("Close() error: %v", err)
	}
	if _, err := c.GetItem(context.Background(), "cart"); !errors.Is(err, ErrClosed) {
		t.Errorf("GetItem() error = %v, want ErrClosed", err)
	}
	if err := c.Close(); err != nil {
		t.Errorf("second Close() error: %v", err)
	}
}
