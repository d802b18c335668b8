package client

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"sync"

	"golang.org/x/net/websocket"

	"github.com/will-x86/storagebridge"
)

var errTransportClosed = errors.New("transport closed")

// WebSocketTransport connects to a bridge host's socket endpoint, presenting
// the tenant page's origin the way a browser would.
type WebSocketTransport struct {
	url    *url.URL
	origin string
	header http.Header

	msgs      chan []byte
	closeMsgs sync.Once
	done      chan struct{}

	mu     sync.Mutex
	conn   *websocket.Conn
	closed bool
}

type WebSocketOptions struct {
	// URL overrides the socket URL derived from the page host.
	URL *url.URL
	// Origin overrides the origin derived from the page host.
	Origin string
	Header http.Header
}

// NewWebSocketTransport derives the bridge endpoint for a page served from
// pageHost, e.g. "shop1.example.com" or "localhost:5173".
func NewWebSocketTransport(pageHost string, opts WebSocketOptions) (*WebSocketTransport, error) {
	u := opts.URL
	if u == nil {
		page, err := bridge.BridgeURL(pageHost)
		if err != nil {
			return nil, err
		}
		u = bridge.SocketURL(page)
	}

	origin := opts.Origin
	if origin == "" {
		origin = bridge.OriginFor(pageHost)
	}

	return &WebSocketTransport{
		url:    u,
		origin: origin,
		header: opts.Header,
		msgs:   make(chan []byte, 64),
		done:   make(chan struct{}),
	}, nil
}

func (t *WebSocketTransport) URL() *url.URL {
	return t.url
}

func (t *WebSocketTransport) Open(ctx context.Context) error {
	cfg, err := websocket.NewConfig(t.url.String(), t.origin)
	if err != nil {
		return fmt.Errorf("failed to build websocket config: %w", err)
	}
	if t.header != nil {
		cfg.Header = t.header.Clone()
	}

	conn, err := cfg.DialContext(ctx)
	if err != nil {
		return fmt.Errorf("failed to dial %s: %w", t.url, err)
	}

	t.mu.Lock()
	if t.closed {
		t.mu.Unlock()
		conn.Close()
		return errTransportClosed
	}
	t.conn = conn
	t.mu.Unlock()

	go t.readLoop(conn)
	return nil
}

func (t *WebSocketTransport) readLoop(conn *websocket.Conn) {
	defer t.closeMsgs.Do(func() { close(t.msgs) })

	for {
		var data []byte
		if err := websocket.Message.Receive(conn, &data); err != nil {
			return
		}
		select {
		case t.msgs <- data:
		case <-t.done:
			return
		}
	}
}

func (t *WebSocketTransport) Post(ctx context.Context, data []byte) error {
	t.mu.Lock()
	conn, closed := t.conn, t.closed
	t.mu.Unlock()

	if closed {
		return errTransportClosed
	}
	if conn == nil {
		return errors.New("transport not open")
	}
	deadline, _ := ctx.Deadline()
	conn.SetWriteDeadline(deadline)
	return websocket.Message.Send(conn, string(data))
}

func (t *WebSocketTransport) Messages() <-chan []byte {
	return t.msgs
}

func (t *WebSocketTransport) Close() error {
	t.mu.Lock()
	defer t.mu.Unlock()

	if t.closed {
		return nil
	}
	t.closed = true
	close(t.done)

	if t.conn == nil {
		t.closeMsgs.Do(func() { close(t.msgs) })
		return nil
	}
	return t.conn.Close()
}
