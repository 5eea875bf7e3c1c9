package server

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/lagnet/go-lag-server/internal/game"
	"github.com/lagnet/go-lag-server/internal/logging"
	"github.com/lagnet/go-lag-server/internal/metrics"
	"github.com/lagnet/go-lag-server/internal/proto"
	"github.com/lagnet/go-lag-server/internal/reactor"
)

// Server owns the listening socket, the connection slab, the authoritative
// game state and the routing table. Everything is mutated only from the
// reactor loop, so no locking guards the core state.
type Server struct {
	mu   sync.RWMutex
	addr string

	tickTimeout  time.Duration
	maxClients   int
	sendQueueCap int

	readyOnce sync.Once
	readyCh   chan struct{}
	lastErrMu sync.Mutex
	lastErr   error
	errCh     chan error
	logger    *slog.Logger

	// reactor-loop-owned state
	poll      *reactor.Reactor
	listenFD  int
	conns     map[reactor.Token]*conn
	nextToken reactor.Token
	world     *game.State
	routes    *routingTable
	dirty     bool

	totalAccepted     atomic.Uint64
	totalConnected    atomic.Uint64
	totalDisconnected atomic.Uint64
	totalRejected     atomic.Uint64
	totalImposters    atomic.Uint64
}

const (
	defaultTickTimeout  = 300 * time.Millisecond
	defaultMaxClients   = 128
	defaultSendQueueCap = 1024
	defaultListenAddr   = "0.0.0.0:6969"
)

type Option func(*Server)

func NewServer(opts ...Option) *Server {
	s := &Server{
		tickTimeout:  defaultTickTimeout,
		maxClients:   defaultMaxClients,
		sendQueueCap: defaultSendQueueCap,
		readyCh:      make(chan struct{}),
		errCh:        make(chan error, 1),
		conns:        make(map[reactor.Token]*conn),
		nextToken:    reactor.TokenFirstConn,
		world:        game.NewState(),
		routes:       newRoutingTable(),
		logger:       logging.L(),
	}
	for _, o := range opts {
		o(s)
	}
	if s.addr == "" {
		s.addr = defaultListenAddr
	}
	return s
}

func WithListenAddr(a string) Option { return func(s *Server) { s.addr = a } }

func WithLogger(l *slog.Logger) Option {
	return func(s *Server) {
		if l != nil {
			s.logger = l
		}
	}
}

func WithMaxClients(n int) Option {
	return func(s *Server) {
		if n > 0 {
			s.maxClients = n
		}
	}
}

func WithTickTimeout(d time.Duration) Option {
	return func(s *Server) {
		if d > 0 {
			s.tickTimeout = d
		}
	}
}

func WithSendQueueCap(n int) Option {
	return func(s *Server) {
		if n > 0 {
			s.sendQueueCap = n
		}
	}
}

func (s *Server) Addr() string           { s.mu.RLock(); defer s.mu.RUnlock(); return s.addr }
func (s *Server) setAddr(a string)       { s.mu.Lock(); s.addr = a; s.mu.Unlock() }
func (s *Server) SetListenAddr(a string) { s.setAddr(a) }
func (s *Server) Ready() <-chan struct{} { return s.readyCh }
func (s *Server) Errors() <-chan error   { return s.errCh }

func (s *Server) setError(err error) {
	if err == nil {
		return
	}
	s.lastErrMu.Lock()
	s.lastErr = err
	s.lastErrMu.Unlock()
	select {
	case s.errCh <- err:
	default:
	}
}

func (s *Server) LastError() error { s.lastErrMu.Lock(); defer s.lastErrMu.Unlock(); return s.lastErr }

// loopHandler adapts the server to the reactor callback interface.
type loopHandler struct{ s *Server }

func (h loopHandler) Ready(ev reactor.Event) { h.s.handleReady(ev) }
func (h loopHandler) Tick()                  { h.s.tick() }

// Serve binds the listener and runs the reactor loop until ctx is done.
// The tick timeout bounds each iteration, so cancellation is observed
// within one timeout even with no I/O readiness.
func (s *Server) Serve(ctx context.Context) error {
	fd, err := reactor.Listen(s.Addr())
	if err != nil {
		wrap := fmt.Errorf("%w: %v", ErrListen, err)
		metrics.IncError(mapErrToMetric(wrap))
		s.setError(wrap)
		return wrap
	}
	s.listenFD = fd
	if actual, aerr := reactor.LocalAddr(fd); aerr == nil {
		s.setAddr(actual)
	}
	poll, err := reactor.New()
	if err != nil {
		_ = reactor.Close(fd)
		wrap := fmt.Errorf("%w: %v", ErrReactor, err)
		metrics.IncError(mapErrToMetric(wrap))
		s.setError(wrap)
		return wrap
	}
	s.poll = poll
	if err := poll.Register(fd, reactor.TokenListener, reactor.Readable); err != nil {
		_ = reactor.Close(fd)
		_ = poll.Close()
		wrap := fmt.Errorf("%w: %v", ErrReactor, err)
		metrics.IncError(mapErrToMetric(wrap))
		s.setError(wrap)
		return wrap
	}
	s.readyOnce.Do(func() { close(s.readyCh) })
	s.logger.Info("tcp_listen", "addr", s.Addr())
	s.logger.Info("ready")

	h := loopHandler{s: s}
	for {
		if err := poll.RunOnce(h, s.tickTimeout); err != nil {
			wrap := fmt.Errorf("%w: %v", ErrReactor, err)
			metrics.IncError(mapErrToMetric(wrap))
			s.setError(wrap)
			s.shutdown()
			return wrap
		}
		if ctx.Err() != nil {
			s.shutdown()
			return nil
		}
	}
}

// shutdown closes every connection, the listener and the poller, then logs
// lifetime totals.
func (s *Server) shutdown() {
	for tok, c := range s.conns {
		c.close()
		delete(s.conns, tok)
	}
	metrics.SetClients(0)
	_ = reactor.Close(s.listenFD)
	_ = s.poll.Close()
	s.logger.Info("shutdown_summary",
		"accepted", s.totalAccepted.Load(),
		"connected", s.totalConnected.Load(),
		"disconnected", s.totalDisconnected.Load(),
		"rejected", s.totalRejected.Load(),
		"imposters", s.totalImposters.Load(),
	)
}

// allocToken finds a free slab slot in [TokenFirstConn, TokenFirstConn+max).
// Returns the sentinel when the slab is full.
func (s *Server) allocToken() reactor.Token {
	lo := reactor.TokenFirstConn
	hi := lo + reactor.Token(s.maxClients)
	tok := s.nextToken
	for i := 0; i < s.maxClients; i++ {
		if tok >= hi || tok < lo {
			tok = lo
		}
		if _, used := s.conns[tok]; !used {
			s.nextToken = tok + 1
			return tok
		}
		tok++
	}
	return reactor.TokenSentinel
}

// acceptLoop drains the kernel accept queue, then rearms the listener.
func (s *Server) acceptLoop() {
	for {
		fd, remote, err := reactor.Accept(s.listenFD)
		if err != nil {
			if !reactor.IsWouldBlock(err) {
				wrap := fmt.Errorf("%w: %v", ErrAccept, err)
				metrics.IncError(mapErrToMetric(wrap))
				s.setError(wrap)
				s.logger.Warn("accept_error", "error", wrap)
			}
			break
		}
		s.totalAccepted.Add(1)
		s.admit(fd, remote)
	}
	if err := s.poll.Reregister(s.listenFD, reactor.TokenListener, reactor.Readable); err != nil {
		s.logger.Error("listener_rearm_failed", "error", err)
	}
}

// admit registers an accepted socket, allocates its token and seeds its
// state, or drops it when the slab is full.
func (s *Server) admit(fd int, remote string) {
	if len(s.conns) >= s.maxClients {
		s.totalRejected.Add(1)
		metrics.IncAcceptReject()
		s.logger.Warn("client_reject_full", "remote", remote, "max_clients", s.maxClients)
		_ = reactor.Close(fd)
		return
	}
	tok := s.allocToken()
	if tok == reactor.TokenSentinel {
		s.totalRejected.Add(1)
		metrics.IncAcceptReject()
		s.logger.Warn("client_reject_full", "remote", remote, "max_clients", s.maxClients)
		_ = reactor.Close(fd)
		return
	}
	if err := reactor.SetNoDelay(fd); err != nil {
		s.logger.Debug("nodelay_failed", "remote", remote, "error", err)
	}
	connLogger := s.logger.With("conn_id", uint64(tok), "remote", remote)
	c := newConn(fd, tok, remote, connLogger)
	if err := c.register(s.poll); err != nil {
		connLogger.Warn("register_failed", "error", err)
		_ = reactor.Close(fd)
		return
	}
	s.conns[tok] = c
	s.totalConnected.Add(1)
	metrics.SetClients(len(s.conns))
	connLogger.Info("client_connected")
	s.onNewClientRegistered(tok)
}

// onNewClientRegistered seeds the world with the new client at the origin
// and stages the unicast ClientUpdate that tells the client its id. That
// first frame doubles as the id assignment.
func (s *Server) onNewClientRegistered(tok reactor.Token) {
	cs := game.NewClientState(uint32(tok))
	s.world.Put(cs)
	s.dirty = true
	s.routes.push(Unicast(tok), proto.NewClientUpdate(cs))
}

func (s *Server) handleReady(ev reactor.Event) {
	if ev.Token == reactor.TokenSentinel {
		s.logger.Error("sentinel_token_event")
		return
	}
	if ev.Token == reactor.TokenListener {
		if ev.Readable {
			s.acceptLoop()
		}
		return
	}
	c, ok := s.conns[ev.Token]
	if !ok {
		// Connection removed earlier in this batch.
		return
	}
	if ev.Err {
		// A socket error (for instance a peer reset) is terminal; rearming
		// would only redeliver it every tick.
		c.logger.Warn("conn_error_event")
		s.removeConn(ev.Token, "error")
		return
	}
	if ev.Hup {
		// RDHUP can arrive with final data still unread; drain it first so a
		// close racing a frame does not lose the frame.
		if ev.Readable {
			if !s.readLoop(ev.Token, c) {
				return
			}
		}
		s.removeConn(ev.Token, "hangup")
		return
	}
	if ev.Readable {
		if !s.readLoop(ev.Token, c) {
			return
		}
	}
	if ev.Writable {
		if err := c.write(); err != nil {
			c.logger.Warn("conn_write_failed", "error", err)
			s.removeConn(ev.Token, "write_error")
			return
		}
		if c.hasMail() {
			// Keep draining within this tick instead of waiting for the next.
			if err := c.reregister(s.poll, reactor.Readable|reactor.Writable); err != nil {
				c.logger.Warn("rearm_failed", "error", err)
			}
		}
	}
}

// readLoop pulls frames off a readable connection until it would block.
// Returns false when the connection was removed.
func (s *Server) readLoop(tok reactor.Token, c *conn) bool {
	for {
		m, err := c.readMessage()
		if err != nil {
			switch {
			case errors.Is(err, proto.ErrIncomplete) || reactor.IsWouldBlock(err):
				return true
			case errors.Is(err, io.EOF) || reactor.IsDisconnect(err):
				s.removeConn(tok, "eof")
				return false
			case proto.Fatal(err):
				// Stream desync: the connection cannot recover.
				wrap := fmt.Errorf("%w: %v", ErrProtocol, err)
				metrics.IncError(mapErrToMetric(wrap))
				c.logger.Warn("protocol_error", "error", err)
				s.removeConn(tok, "protocol_error")
				return false
			default:
				wrap := fmt.Errorf("%w: %v", ErrConnRead, err)
				metrics.IncError(mapErrToMetric(wrap))
				c.logger.Warn("conn_read_failed", "error", err)
				s.removeConn(tok, "read_error")
				return false
			}
		}
		metrics.IncTCPRx()
		s.dispatch(tok, c, m)
		if _, alive := s.conns[tok]; !alive {
			return false
		}
	}
}

// dispatch routes one inbound message.
func (s *Server) dispatch(tok reactor.Token, c *conn, m proto.Message) {
	switch m.Kind {
	case proto.KindText:
		c.logger.Debug("text_received", "len", len(m.Text))
		s.routes.push(Broadcast(), m)
	case proto.KindPing:
		// Reserved for keepalive accounting; dropped on purpose.
		metrics.IncPing()
	case proto.KindClientUpdate:
		if m.State.ID != uint32(tok) {
			s.totalImposters.Add(1)
			metrics.IncImposter()
			metrics.IncError(metrics.ErrImposter)
			c.logger.Warn("imposter_rejected", "claimed_id", m.State.ID, "token", uint64(tok))
			return
		}
		s.world.Put(m.State)
		s.dirty = true
	case proto.KindGameStateUpdate:
		// Server-to-client only; a client sending it is misbehaving but the
		// stream is still framed, so drop the message and carry on.
		metrics.IncError(metrics.ErrProtocol)
		c.logger.Warn("unexpected_game_state_update", "entries", len(m.States))
	}
}

// removeConn tears a connection down and marks the world dirty so the next
// broadcast reflects the departure.
func (s *Server) removeConn(tok reactor.Token, reason string) {
	c, ok := s.conns[tok]
	if !ok {
		return
	}
	_ = s.poll.Deregister(c.fd)
	c.close()
	delete(s.conns, tok)
	s.routes.dropUnicast(tok)
	if s.world.Remove(uint32(tok)) {
		s.dirty = true
	}
	s.totalDisconnected.Add(1)
	metrics.SetClients(len(s.conns))
	c.logger.Info("client_disconnected", "reason", reason)
}

// tick runs once per reactor iteration: emit the dirty-state broadcast,
// drain mailboxes into send queues (unicast ahead of broadcast), rearm every
// connection, then clear the broadcast mailbox.
func (s *Server) tick() {
	if s.dirty {
		s.routes.push(Broadcast(), proto.NewGameStateUpdate(s.world.Snapshot()))
		metrics.IncBroadcast()
		s.dirty = false
	}

	bcasts := s.routes.broadcasts()
	if len(bcasts) > 0 {
		metrics.SetBroadcastFanout(len(s.conns))
	}

	maxDepth, sumDepth := 0, 0
	for tok, c := range s.conns {
		c.enqueueFront(s.routes.drainUnicast(tok))
		for _, m := range bcasts {
			c.enqueue(m)
		}

		if d := c.queueDepth(); d > maxDepth {
			maxDepth = d
		}
		sumDepth += c.queueDepth()

		interest := reactor.Interest(0)
		if c.queueDepth() <= s.sendQueueCap {
			interest |= reactor.Readable
		}
		if c.hasMail() {
			interest |= reactor.Writable
		}
		if err := c.reregister(s.poll, interest); err != nil {
			c.logger.Warn("rearm_failed", "error", err)
		}
	}
	if n := len(s.conns); n > 0 {
		metrics.SetQueueDepth(maxDepth, sumDepth/n)
	}

	s.routes.clearBroadcast()
}
