package host

import (
	"bytes"
	"context"
	_ "embed"
	"encoding/json"
	"errors"
	"fmt"
	"html/template"
	"net/http"
	"sync"
	"time"

	"golang.org/x/net/websocket"

	"github.com/will-x86/storagebridge"
	"github.com/will-x86/storagebridge/logger"
	"github.com/will-x86/storagebridge/runner"
	"github.com/will-x86/storagebridge/storage"
)

//go:embed bridge_page.html
var bridgePage string

var pageTemplate = template.Must(template.New("bridge").Parse(bridgePage))

var ErrOriginNotAllowed = errors.New("origin not allowed")

const (
	maxDecodeErrorsPerConn = 8
	defaultWriteTimeout    = 5 * time.Second
)

type Options struct {
	// Storage is the canonical shared store. Only the host writes to it.
	Storage storage.Storage
	Origins OriginPolicy
	Logger  logger.Logger
	// RateLimit caps requests per second per origin. Zero disables it.
	RateLimit int
	// WriteTimeout bounds each frame sent to a session. A session that
	// cannot take a frame in time misses it.
	WriteTimeout time.Duration
}

// Host is the single writer of record for the shared store. It serves the
// browser bridge page and a websocket endpoint speaking the same protocol.
type Host struct {
	store   storage.Storage
	origins OriginPolicy
	logger  logger.Logger
	limiter runner.RateLimiter
	page    []byte

	writeTimeout time.Duration

	// Serializes apply+broadcast so every session sees changes in the
	// order they were applied.
	applyMu sync.Mutex

	mu       sync.Mutex
	sessions map[*session]struct{}

	mux *http.ServeMux
}

type session struct {
	origin string
	mu     sync.Mutex
	send   func([]byte) error
}

func (s *session) write(v any) error {
	data, err := json.Marshal(v)
	if err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.send(data)
}

func New(opts Options) (*Host, error) {
	if opts.Storage == nil {
		opts.Storage = storage.NewMemoryStorage()
	}
	if opts.Origins == nil {
		opts.Origins = PolicyAllowNone
	}
	if opts.Logger == nil {
		opts.Logger = logger.NewStdLogger()
	}
	if opts.WriteTimeout <= 0 {
		opts.WriteTimeout = defaultWriteTimeout
	}

	var buf bytes.Buffer
	patterns := Patterns(opts.Origins)
	if patterns == nil {
		patterns = []string{}
	}
	if err := pageTemplate.Execute(&buf, struct{ Patterns []string }{patterns}); err != nil {
		return nil, fmt.Errorf("failed to render bridge page: %w", err)
	}

	h := &Host{
		store:    opts.Storage,
		origins:  opts.Origins,
		logger:   opts.Logger,
		limiter:  runner.NewKeyedRateLimiter(opts.RateLimit, time.Second),
		page:     buf.Bytes(),
		sessions: make(map[*session]struct{}),
		mux:      http.NewServeMux(),

		writeTimeout: opts.WriteTimeout,
	}

	h.mux.HandleFunc("GET "+bridge.BridgePath, h.servePage)
	h.mux.Handle("GET "+bridge.SocketPath, websocket.Server{
		Handshake: h.handshake,
		Handler:   h.serveConn,
	})
	h.mux.HandleFunc("GET /healthz", func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte("ok"))
	})

	return h, nil
}

func (h *Host) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	h.mux.ServeHTTP(w, r)
}

func (h *Host) servePage(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "text/html; charset=utf-8")
	w.Header().Set("Cache-Control", "no-cache")
	w.Write(h.page)
}

func (h *Host) handshake(cfg *websocket.Config, r *http.Request) error {
	origin := r.Header.Get("Origin")
	if !h.origins.Allow(origin) {
		h.logger.Warn("Rejected bridge connection from origin %q", origin)
		return fmt.Errorf("%w: %q", ErrOriginNotAllowed, origin)
	}
	return nil
}

func (h *Host) serveConn(conn *websocket.Conn) {
	defer conn.Close()

	origin := conn.Request().Header.Get("Origin")
	s := &session{
		origin: origin,
		send: func(data []byte) error {
			if err := conn.SetWriteDeadline(time.Now().Add(h.writeTimeout)); err != nil {
				return err
			}
			return websocket.Message.Send(conn, string(data))
		},
	}
	if err := h.attach(s); err != nil {
		h.logger.Error("Failed to greet %s: %v", origin, err)
		return
	}
	defer h.detach(s)

	ctx := conn.Request().Context()
	decodeErrors := 0
	for {
		var data []byte
		if err := websocket.Message.Receive(conn, &data); err != nil {
			h.logger.Debug("Session %s ended: %v", origin, err)
			return
		}
		if !h.handle(ctx, s, data) {
			decodeErrors++
			if decodeErrors >= maxDecodeErrorsPerConn {
				h.logger.Warn("Dropping session %s after %d invalid frames", origin, decodeErrors)
				return
			}
			continue
		}
		decodeErrors = 0
	}
}

func (h *Host) attach(s *session) error {
	h.mu.Lock()
	h.sessions[s] = struct{}{}
	count := len(h.sessions)
	h.mu.Unlock()

	h.logger.Info("Bridge session opened for %s (%d active)", s.origin, count)
	return s.write(bridge.Ready{Ready: true})
}

func (h *Host) detach(s *session) {
	h.mu.Lock()
	delete(h.sessions, s)
	h.mu.Unlock()
}

// Sessions returns the number of connected clients.
func (h *Host) Sessions() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.sessions)
}

// handle processes one inbound frame and always answers a request that
// carries a requestId. It reports false for frames that were not valid
// requests.
func (h *Host) handle(ctx context.Context, s *session, data []byte) bool {
	msg, err := bridge.DecodeMessage(data)
	if err != nil || msg.Kind != bridge.KindRequest {
		if err == nil {
			err = bridge.ErrUnknownMessage
		}
		if id := recoverRequestID(data); id != "" {
			h.reply(s, bridge.ErrorResponse(id, err))
		}
		h.logger.Debug("Invalid frame from %s: %v", s.origin, err)
		return false
	}

	req := msg.Request
	if req.RequestID == "" {
		h.logger.Debug("Request without requestId from %s dropped", s.origin)
		return false
	}

	if err := h.limiter.Wait(ctx, s.origin); err != nil {
		h.reply(s, bridge.ErrorResponse(req.RequestID, err))
		return true
	}

	h.applyMu.Lock()
	result, err := storage.Apply(ctx, h.store, req)
	if err == nil && req.Method.Mutates() {
		h.broadcast(s, changeFor(req))
	}
	h.applyMu.Unlock()

	if err != nil {
		h.logger.Warn("%s from %s failed: %v", req.Method, s.origin, err)
		h.reply(s, bridge.ErrorResponse(req.RequestID, err))
		return true
	}

	h.reply(s, bridge.Response{RequestID: req.RequestID, Result: result})
	return true
}

func (h *Host) reply(s *session, resp bridge.Response) {
	if err := s.write(resp); err != nil {
		h.logger.Debug("Failed to reply %s to %s: %v", resp.RequestID, s.origin, err)
	}
}

func changeFor(req bridge.Request) bridge.Change {
	switch req.Method {
	case bridge.MethodClear:
		return bridge.Change{Cleared: true}
	case bridge.MethodSetItem:
		return bridge.Change{Key: *req.Key, Value: req.Value}
	default:
		return bridge.Change{Key: *req.Key}
	}
}

func (h *Host) broadcast(from *session, c bridge.Change) {
	data, err := bridge.EncodeChange(c)
	if err != nil {
		h.logger.Error("Failed to encode change: %v", err)
		return
	}

	h.mu.Lock()
	targets := make([]*session, 0, len(h.sessions))
	for s := range h.sessions {
		if s != from {
			targets = append(targets, s)
		}
	}
	h.mu.Unlock()

	for _, s := range targets {
		s.mu.Lock()
		err := s.send(data)
		s.mu.Unlock()
		if err != nil {
			h.logger.Debug("Failed to push change to %s: %v", s.origin, err)
		}
	}
}

func recoverRequestID(data []byte) string {
	var probe struct {
		RequestID string `json:"requestId"`
	}
	if json.Unmarshal(data, &probe) != nil {
		return ""
	}
	return probe.RequestID
}

func (h *Host) Close() error {
	h.limiter.Close()
	return nil
}
