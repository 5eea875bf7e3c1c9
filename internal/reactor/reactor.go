//go:build linux

package reactor

import (
	"fmt"
	"sync"
	"time"

	"golang.org/x/sys/unix"
)

// Token identifies a registered file descriptor to the handler. Token 0 is a
// reserved sentinel and is never registered; token 1 is the listening socket
// on the server and the server connection on the client.
type Token uint64

const (
	// TokenSentinel must never appear in a readiness event.
	TokenSentinel Token = 0
	// TokenListener is the server's listening socket. The client library uses
	// the same slot for its single server connection.
	TokenListener Token = 1
	// TokenFirstConn is the first token handed to an accepted connection.
	TokenFirstConn Token = 2
)

// Interest selects which readiness conditions a registration waits for.
type Interest uint8

const (
	Readable Interest = 1 << iota
	Writable
)

func (i Interest) events() uint32 {
	// Registrations are always edge-triggered and oneshot: after one delivery
	// the fd is disarmed until reregistered. RDHUP distinguishes peer close
	// from plain readability.
	ev := uint32(unix.EPOLLET|unix.EPOLLONESHOT) | unix.EPOLLRDHUP
	if i&Readable != 0 {
		ev |= unix.EPOLLIN
	}
	if i&Writable != 0 {
		ev |= unix.EPOLLOUT
	}
	return ev
}

// Event is one readiness delivery.
type Event struct {
	Token    Token
	Readable bool
	Writable bool
	Err      bool
	Hup      bool
}

// Handler receives readiness events and the per-iteration tick.
type Handler interface {
	// Ready is called once per delivered event.
	Ready(ev Event)
	// Tick is called once per RunOnce iteration, after the event batch.
	Tick()
}

// Reactor is a single-threaded epoll wrapper. All methods except the
// fd-token bookkeeping are expected to be driven from one goroutine; the
// token map is still locked so registrations racing a poll are safe.
type Reactor struct {
	epfd   int
	mu     sync.Mutex
	tokens map[int32]Token
	events []unix.EpollEvent
}

const eventBatchSize = 128

// New creates an epoll instance.
func New() (*Reactor, error) {
	epfd, err := unix.EpollCreate1(unix.EPOLL_CLOEXEC)
	if err != nil {
		return nil, fmt.Errorf("epoll_create1: %w", err)
	}
	return &Reactor{
		epfd:   epfd,
		tokens: make(map[int32]Token),
		events: make([]unix.EpollEvent, eventBatchSize),
	}, nil
}

// Register adds fd under token with the given interest.
func (r *Reactor) Register(fd int, tok Token, interest Interest) error {
	if tok == TokenSentinel {
		return fmt.Errorf("register: token 0 is reserved")
	}
	ev := unix.EpollEvent{Events: interest.events(), Fd: int32(fd)}
	if err := unix.EpollCtl(r.epfd, unix.EPOLL_CTL_ADD, fd, &ev); err != nil {
		return fmt.Errorf("epoll_ctl add fd %d: %w", fd, err)
	}
	r.mu.Lock()
	r.tokens[int32(fd)] = tok
	r.mu.Unlock()
	return nil
}

// Reregister rearms a previously registered fd. Required after every
// readiness delivery because registrations are oneshot.
func (r *Reactor) Reregister(fd int, tok Token, interest Interest) error {
	if tok == TokenSentinel {
		return fmt.Errorf("reregister: token 0 is reserved")
	}
	ev := unix.EpollEvent{Events: interest.events(), Fd: int32(fd)}
	if err := unix.EpollCtl(r.epfd, unix.EPOLL_CTL_MOD, fd, &ev); err != nil {
		return fmt.Errorf("epoll_ctl mod fd %d: %w", fd, err)
	}
	r.mu.Lock()
	r.tokens[int32(fd)] = tok
	r.mu.Unlock()
	return nil
}

// Deregister removes fd from the interest set and forgets its token.
// Closing the fd makes the kernel side implicit; this keeps the map clean.
func (r *Reactor) Deregister(fd int) error {
	r.mu.Lock()
	delete(r.tokens, int32(fd))
	r.mu.Unlock()
	if err := unix.EpollCtl(r.epfd, unix.EPOLL_CTL_DEL, fd, nil); err != nil {
		return fmt.Errorf("epoll_ctl del fd %d: %w", fd, err)
	}
	return nil
}

// RunOnce polls for readiness up to timeout, dispatches each event to
// h.Ready, then invokes h.Tick exactly once. A timeout with no events still
// ticks, which is the liveness floor for the orchestrator.
func (r *Reactor) RunOnce(h Handler, timeout time.Duration) error {
	ms := int(timeout / time.Millisecond)
	if timeout > 0 && ms == 0 {
		ms = 1
	}
	n, err := unix.EpollWait(r.epfd, r.events, ms)
	if err != nil && err != unix.EINTR {
		return fmt.Errorf("epoll_wait: %w", err)
	}
	for i := 0; i < n; i++ {
		raw := r.events[i]
		r.mu.Lock()
		tok, ok := r.tokens[raw.Fd]
		r.mu.Unlock()
		if !ok {
			// fd vanished between poll and dispatch (closed by a prior event)
			continue
		}
		h.Ready(Event{
			Token:    tok,
			Readable: raw.Events&(unix.EPOLLIN|unix.EPOLLPRI) != 0,
			Writable: raw.Events&unix.EPOLLOUT != 0,
			Err:      raw.Events&unix.EPOLLERR != 0,
			Hup:      raw.Events&(unix.EPOLLHUP|unix.EPOLLRDHUP) != 0,
		})
	}
	h.Tick()
	return nil
}

// Close releases the epoll instance.
func (r *Reactor) Close() error { return unix.Close(r.epfd) }
