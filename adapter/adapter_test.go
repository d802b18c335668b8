package adapter

import (
	"context"
	"errors"
	"path/filepath"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/will-x86/storagebridge"
	"github.com/will-x86/storagebridge/client"
	"github.com/will-x86/storagebridge/host"
	"github.com/will-x86/storagebridge/logger"
	"github.com/will-x86/storagebridge/storage"
)

const (
	shopOrigin  = "https://shop1.example.com"
	otherOrigin = "https://shop2.example.com"
)

// silentTransport opens fine but never answers, like a bridge page that
// never loads.
type silentTransport struct {
	msgs chan []byte
}

func newSilentTransport() *silentTransport {
	return &silentTransport{msgs: make(chan []byte)}
}

func (s *silentTransport) Open(ctx context.Context) error              { return nil }
func (s *silentTransport) Post(ctx context.Context, data []byte) error { return nil }
func (s *silentTransport) Messages() <-chan []byte                     { return s.msgs }
func (s *silentTransport) Close() error                                { return nil }

type failingStorage struct {
	*storage.MemoryStorage
	attempts atomic.Int32
}

func (f *failingStorage) SetItem(key, value string) error {
	f.attempts.Add(1)
	return errors.New("quota exceeded")
}

// gatedStorage pauses the next armed read or write right after it has
// touched the underlying store, until release is closed.
type gatedStorage struct {
	*storage.MemoryStorage

	mu       sync.Mutex
	getArmed bool
	setArmed bool
	reached  chan struct{}
	release  chan struct{}
}

func newGatedStorage() *gatedStorage {
	return &gatedStorage{
		MemoryStorage: storage.NewMemoryStorage(),
		reached:       make(chan struct{}),
		release:       make(chan struct{}),
	}
}

func (g *gatedStorage) armGet() { g.mu.Lock(); g.getArmed = true; g.mu.Unlock() }
func (g *gatedStorage) armSet() { g.mu.Lock(); g.setArmed = true; g.mu.Unlock() }

func (g *gatedStorage) pause(armed *bool) {
	g.mu.Lock()
	hit := *armed
	*armed = false
	g.mu.Unlock()
	if hit {
		close(g.reached)
		<-g.release
	}
}

func (g *gatedStorage) GetItem(key string) (string, bool, error) {
	v, ok, err := g.MemoryStorage.GetItem(key)
	g.pause(&g.getArmed)
	return v, ok, err
}

func (g *gatedStorage) SetItem(key, value string) error {
	err := g.MemoryStorage.SetItem(key, value)
	g.pause(&g.setArmed)
	return err
}

func newHost(t *testing.T, store storage.Storage) *host.Host {
	t.Helper()
	h, err := host.New(host.Options{
		Storage: store,
		Origins: host.NewTenantPolicy("example.com"),
		Logger:  logger.NewNopLogger(),
	})
	if err != nil {
		t.Fatalf("host.New() error: %v", err)
	}
	t.Cleanup(func() { h.Close() })
	return h
}

func newClient(t *testing.T, tr client.Transport, fallback storage.Storage, handshake time.Duration) *client.Client {
	t.Helper()
	c := client.New(tr, client.Options{
		HandshakeTimeout: handshake,
		RequestTimeout:   500 * time.Millisecond,
		Fallback:         fallback,
		Logger:           logger.NewNopLogger(),
	})
	t.Cleanup(func() { c.Close() })
	return c
}

func newAdapter(t *testing.T, store AsyncStore, opts Options) *Adapter {
	t.Helper()
	opts.Logger = logger.NewNopLogger()
	if opts.RetryInitial == 0 {
		opts.RetryInitial = time.Millisecond
		opts.RetryMax = 10 * time.Millisecond
	}
	a := New(store, opts)
	t.Cleanup(func() { a.Close() })
	return a
}

// bridgedAdapter wires an adapter on shop1 to h through an in-process pipe.
func bridgedAdapter(t *testing.T, h *host.Host, opts Options) (*Adapter, storage.Storage) {
	t.Helper()
	return adapterAt(t, h, shopOrigin, opts)
}

// adapterAt is a fresh page on origin with its own empty shadow store.
func adapterAt(t *testing.T, h *host.Host, origin string, opts Options) (*Adapter, storage.Storage) {
	t.Helper()
	shadow := storage.NewMemoryStorage()
	c := newClient(t, h.Pipe(origin), shadow, time.Second)
	opts.Shadow = shadow
	return newAdapter(t, c, opts), shadow
}

// inBackground runs fn in the background and reports when it has returned.
func inBackground(fn func()) <-chan struct{} {
	done := make(chan struct{})
	go func() {
		defer close(done)
		fn()
	}()
	return done
}

func waitStatus(t *testing.T, a *Adapter, key string, want Status) {
	t.Helper()
	deadline := time.Now().Add(3 * time.Second)
	for time.Now().Before(deadline) {
		if a.Status(key) == want {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("Status(%q) = %q, want %q", key, a.Status(key), want)
}

func waitWarm(t *testing.T, a *Adapter) {
	t.Helper()
	select {
	case <-a.WarmedUp():
	case <-time.After(3 * time.Second):
		t.Fatal("warm-up did not finish")
	}
}

func flush(t *testing.T, a *Adapter) {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer cancel()
	if err := a.Flush(ctx); err != nil {
		t.Fatalf("Flush() error: %v", err)
	}
}

func TestAdapter_ReadAfterWriteIsSynchronous(t *testing.T) {
	// A handshake that never completes must not delay local reads.
	c := newClient(t, newSilentTransport(), nil, time.Hour)
	a := newAdapter(t, c, Options{})

	start := time.Now()
	a.SetItem("cart", "3")
	v, ok := a.GetItem("cart")
	if !ok || v != "3" {
		t.Fatalf("GetItem() = %q, %v, want 3, true", v, ok)
	}
	if elapsed := time.Since(start); elapsed > 100*time.Millisecond {
		t.Errorf("write and read took %v", elapsed)
	}
	if got := a.Status("cart"); got != StatusPending {
		t.Errorf("Status() = %q, want pending", got)
	}
}

func TestAdapter_RemoveItem(t *testing.T) {
	c := newClient(t, newSilentTransport(), nil, time.Hour)
	shadow := storage.NewMemoryStorage()
	a := newAdapter(t, c, Options{Shadow: shadow})

	a.SetItem("cart", "3")
	a.RemoveItem("cart")

	if _, ok := a.GetItem("cart"); ok {
		t.Error("GetItem() should miss after RemoveItem")
	}
	if _, ok, _ := shadow.GetItem("cart"); ok {
		t.Error("shadow should miss after RemoveItem")
	}
}

func TestAdapter_ReadsThroughShadow(t *testing.T) {
	c := newClient(t, newSilentTransport(), nil, time.Hour)
	shadow := storage.NewMemoryStorage()
	shadow.SetItem("theme", "dark")
	a := newAdapter(t, c, Options{Shadow: shadow})

	v, ok := a.GetItem("theme")
	if !ok || v != "dark" {
		t.Fatalf("GetItem() = %q, %v, want dark, true", v, ok)
	}

	// Backfilled into memory, so the shadow is no longer consulted.
	shadow.RemoveItem("theme")
	if v, ok := a.GetItem("theme"); !ok || v != "dark" {
		t.Errorf("cached GetItem() = %q, %v, want dark, true", v, ok)
	}
	if _, ok := a.GetItem("missing"); ok {
		t.Error("GetItem() should miss unknown keys")
	}
}

func TestAdapter_ReplicatesToHost(t *testing.T) {
	hostStore := storage.NewMemoryStorage()
	a, _ := bridgedAdapter(t, newHost(t, hostStore), Options{})

	a.SetItem("cart", "3")
	a.SetItem("theme", "dark")
	a.RemoveItem("theme")

	waitStatus(t, a, "cart", StatusConfirmed)
	waitStatus(t, a, "theme", StatusConfirmed)
	flush(t, a)

	if v, ok, _ := hostStore.GetItem("cart"); !ok || v != "3" {
		t.Errorf("host cart = %q, %v, want 3, true", v, ok)
	}
	if _, ok, _ := hostStore.GetItem("theme"); ok {
		t.Error("host theme should be removed")
	}
}

func TestAdapter_ReplicatesThroughSQLiteQueue(t *testing.T) {
	q, err := storage.NewSQLiteQueue(storage.SQLiteQueueOptions{
		DBPath: filepath.Join(t.TempDir(), "queue.db"),
	})
	if err != nil {
		t.Fatalf("NewSQLiteQueue() error: %v", err)
	}
	defer q.Close()

	hostStore := storage.NewMemoryStorage()
	a, _ := bridgedAdapter(t, newHost(t, hostStore), Options{Queue: q})

	for _, v := range []string{"1", "2", "3"} {
		a.SetItem("cart", v)
	}
	waitStatus(t, a, "cart", StatusConfirmed)
	flush(t, a)

	if v, _, _ := hostStore.GetItem("cart"); v != "3" {
		t.Errorf("host cart = %q, want 3", v)
	}
}

func TestAdapter_LocalOnlyWhenBridgeNeverReady(t *testing.T) {
	shadow := storage.NewMemoryStorage()
	c := newClient(t, newSilentTransport(), shadow, 20*time.Millisecond)
	a := newAdapter(t, c, Options{Shadow: shadow})

	a.SetItem("cart", "3")
	waitStatus(t, a, "cart", StatusLocalOnly)

	if v, ok := a.GetItem("cart"); !ok || v != "3" {
		t.Errorf("GetItem() = %q, %v, want 3, true", v, ok)
	}
	if v, ok, _ := shadow.GetItem("cart"); !ok || v != "3" {
		t.Errorf("shadow cart = %q, %v, want 3, true", v, ok)
	}
}

func TestAdapter_FailedWhenHostRejects(t *testing.T) {
	hostStore := &failingStorage{MemoryStorage: storage.NewMemoryStorage()}
	h := newHost(t, hostStore)
	q := storage.NewMemoryQueueWithOptions(storage.MemoryQueueOptions{MaxRetries: 2})
	a, _ := bridgedAdapter(t, h, Options{Queue: q, MaxAttempts: 2})

	a.SetItem("cart", "3")
	waitStatus(t, a, "cart", StatusFailed)

	// Every queue round makes its full set of attempts.
	if got := hostStore.attempts.Load(); got != 4 {
		t.Errorf("host saw %d writes, want 2 rounds of 2 attempts", got)
	}

	// The local value survives the failed replication.
	if v, ok := a.GetItem("cart"); !ok || v != "3" {
		t.Errorf("GetItem() = %q, %v, want 3, true", v, ok)
	}
}

func TestAdapter_WarmUp(t *testing.T) {
	hostStore := storage.NewMemoryStorage()
	hostStore.SetItem("theme", "dark")
	hostStore.SetItem("cart", "1")

	a, _ := bridgedAdapter(t, newHost(t, hostStore), Options{})
	a.SetItem("cart", "5")
	waitWarm(t, a)

	if v, ok := a.GetItem("theme"); !ok || v != "dark" {
		t.Errorf("theme = %q, %v, want dark, true", v, ok)
	}
	if v, _ := a.GetItem("cart"); v != "5" {
		t.Errorf("cart = %q, want local write 5 to survive warm-up", v)
	}
}

func TestAdapter_AppliesRemoteChanges(t *testing.T) {
	h := newHost(t, storage.NewMemoryStorage())
	writer, _ := bridgedAdapter(t, h, Options{})
	reader, readerShadow := bridgedAdapter(t, h, Options{})
	waitWarm(t, writer)
	waitWarm(t, reader)

	writer.SetItem("cart", "7")
	waitStatus(t, writer, "cart", StatusConfirmed)

	deadline := time.Now().Add(3 * time.Second)
	for {
		if v, ok := reader.GetItem("cart"); ok && v == "7" {
			break
		}
		if time.Now().After(deadline) {
			t.Fatal("remote change never reached the other adapter")
		}
		time.Sleep(5 * time.Millisecond)
	}
	if v, _, _ := readerShadow.GetItem("cart"); v != "7" {
		t.Errorf("reader shadow cart = %q, want 7", v)
	}

	writer.RemoveItem("cart")
	waitStatus(t, writer, "cart", StatusConfirmed)
	deadline = time.Now().Add(3 * time.Second)
	for {
		if _, ok := reader.GetItem("cart"); !ok {
			break
		}
		if time.Now().After(deadline) {
			t.Fatal("remote removal never reached the other adapter")
		}
		time.Sleep(5 * time.Millisecond)
	}
}

func TestAdapter_FlushAfterClose(t *testing.T) {
	c := newClient(t, newSilentTransport(), nil, time.Hour)
	a := New(c, Options{Logger: logger.NewNopLogger()})
	a.SetItem("cart", "1")
	a.Close()

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	if err := a.Flush(ctx); err == nil {
		t.Error("Flush() should fail once closed with ops queued")
	}

	// Writes after Close stay local.
	a.SetItem("theme", "dark")
	if v, ok := a.GetItem("theme"); !ok || v != "dark" {
		t.Errorf("GetItem() = %q, %v, want dark, true", v, ok)
	}
}

func TestAdapter_FreshPageOnOtherSubdomain(t *testing.T) {
	const cart = `{"qty":2}`

	t.Run("host relayed the write", func(t *testing.T) {
		h := newHost(t, storage.NewMemoryStorage())
		writer, _ := bridgedAdapter(t, h, Options{})
		writer.SetItem("cart", cart)
		waitStatus(t, writer, "cart", StatusConfirmed)

		reader, _ := adapterAt(t, h, otherOrigin, Options{})
		waitWarm(t, reader)
		if v, ok := reader.GetItem("cart"); !ok || v != cart {
			t.Errorf("GetItem() = %q, %v, want %s, true", v, ok, cart)
		}
	})

	t.Run("bridge was down for the write", func(t *testing.T) {
		h := newHost(t, storage.NewMemoryStorage())
		writerShadow := storage.NewMemoryStorage()
		c := newClient(t, newSilentTransport(), writerShadow, 20*time.Millisecond)
		writer := newAdapter(t, c, Options{Shadow: writerShadow})
		writer.SetItem("cart", cart)
		waitStatus(t, writer, "cart", StatusLocalOnly)

		reader, _ := adapterAt(t, h, otherOrigin, Options{})
		waitWarm(t, reader)
		if v, ok := reader.GetItem("cart"); ok {
			t.Errorf("GetItem() = %q, true, want a miss", v)
		}
	})
}

func TestAdapter_RemoveDuringShadowBackfill(t *testing.T) {
	c := newClient(t, newSilentTransport(), nil, time.Hour)
	shadow := newGatedStorage()
	shadow.MemoryStorage.SetItem("cart", "old")
	a := newAdapter(t, c, Options{Shadow: shadow})

	shadow.armGet()
	read := inBackground(func() { a.GetItem("cart") })
	<-shadow.reached

	removed := inBackground(func() { a.RemoveItem("cart") })
	// Let RemoveItem run as far as it can while the read is paused.
	time.Sleep(20 * time.Millisecond)
	close(shadow.release)
	<-read
	<-removed

	if v, ok := a.GetItem("cart"); ok {
		t.Errorf("GetItem() = %q, true after RemoveItem, want a miss", v)
	}
	if _, ok, _ := shadow.MemoryStorage.GetItem("cart"); ok {
		t.Error("shadow still holds cart after RemoveItem")
	}
}

func TestAdapter_LocalWriteDuringRemoteChange(t *testing.T) {
	c := newClient(t, newSilentTransport(), nil, time.Hour)
	shadow := newGatedStorage()
	a := newAdapter(t, c, Options{Shadow: shadow})

	remote := "remote"
	shadow.armSet()
	applied := inBackground(func() { a.applyChange(bridge.Change{Key: "cart", Value: &remote}) })
	<-shadow.reached

	written := inBackground(func() { a.SetItem("cart", "local") })
	time.Sleep(20 * time.Millisecond)
	close(shadow.release)
	<-applied
	<-written

	if v, _ := a.GetItem("cart"); v != "local" {
		t.Errorf("GetItem() = %q, want local", v)
	}
	if v, _, _ := shadow.MemoryStorage.GetItem("cart"); v != "local" {
		t.Errorf("shadow cart = %q, want local", v)
	}
}

func TestAdapter_RateLimitPacesReplication(t *testing.T) {
	a, _ := bridgedAdapter(t, newHost(t, storage.NewMemoryStorage()), Options{RateLimit: 20})
	waitWarm(t, a)

	start := time.Now()
	for _, key := range []string{"a", "b", "c", "d", "e"} {
		a.SetItem(key, "1")
	}
	flush(t, a)

	// Five ops at 20/s: the last starts 200ms after the first.
	if elapsed := time.Since(start); elapsed < 180*time.Millisecond {
		t.Errorf("replicated 5 keys in %v, want at least 180ms", elapsed)
	}
	if got := a.Status("e"); got != StatusConfirmed {
		t.Errorf("Status(e) = %q, want confirmed", got)
	}
}
