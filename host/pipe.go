package host

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"
)

var (
	errPipeClosed  = errors.New("pipe closed")
	errPipeStalled = errors.New("pipe reader stalled")
)

// PipeTransport connects a client to a Host inside the same process. It
// satisfies client.Transport.
type PipeTransport struct {
	host   *Host
	origin string

	msgs    chan []byte
	inbound chan []byte
	done    chan struct{}

	mu      sync.Mutex
	session *session
	closed  bool
	wg      sync.WaitGroup
}

// Pipe returns a transport for a page served from origin, e.g.
// "https://shop1.example.com".
func (h *Host) Pipe(origin string) *PipeTransport {
	return &PipeTransport{
		host:    h,
		origin:  origin,
		msgs:    make(chan []byte, 64),
		inbound: make(chan []byte, 64),
		done:    make(chan struct{}),
	}
}

func (p *PipeTransport) Open(ctx context.Context) error {
	if !p.host.origins.Allow(p.origin) {
		p.host.logger.Warn("Rejected pipe from origin %q", p.origin)
		return fmt.Errorf("%w: %q", ErrOriginNotAllowed, p.origin)
	}

	p.mu.Lock()
	defer p.mu.Unlock()

	if p.closed {
		return errPipeClosed
	}
	if p.session != nil {
		return nil
	}

	p.session = &session{origin: p.origin, send: p.deliver}
	p.wg.Add(1)
	go p.serve()

	return p.host.attach(p.session)
}

func (p *PipeTransport) deliver(data []byte) error {
	select {
	case p.msgs <- data:
		return nil
	default:
	}

	timer := time.NewTimer(p.host.writeTimeout)
	defer timer.Stop()
	select {
	case p.msgs <- data:
		return nil
	case <-timer.C:
		return errPipeStalled
	case <-p.done:
		return errPipeClosed
	}
}

func (p *PipeTransport) serve() {
	defer p.wg.Done()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go func() {
		<-p.done
		cancel()
	}()

	for {
		select {
		case data := <-p.inbound:
			p.host.handle(ctx, p.session, data)
		case <-p.done:
			return
		}
	}
}

func (p *PipeTransport) Post(ctx context.Context, data []byte) error {
	p.mu.Lock()
	open, closed := p.session != nil, p.closed
	p.mu.Unlock()

	if closed {
		return errPipeClosed
	}
	if !open {
		return errors.New("pipe not open")
	}

	select {
	case p.inbound <- append([]byte(nil), data...):
		return nil
	case <-p.done:
		return errPipeClosed
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (p *PipeTransport) Messages() <-chan []byte {
	return p.msgs
}

func (p *PipeTransport) Close() error {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return nil
	}
	p.closed = true
	close(p.done)
	s := p.session
	p.mu.Unlock()

	if s != nil {
		p.host.detach(s)
	}
	p.wg.Wait()
	return nil
}
