package client

import (
	"errors"
	"fmt"
	"io"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/lagnet/go-lag-server/internal/game"
	"github.com/lagnet/go-lag-server/internal/logging"
	"github.com/lagnet/go-lag-server/internal/proto"
	"github.com/lagnet/go-lag-server/internal/reactor"
)

// tickTimeout bounds one worker iteration; commands enqueued by the
// application are picked up within this window even with no I/O readiness.
const tickTimeout = 300 * time.Millisecond

// receiveQueueHint guesses the per-tick inbound message count.
const receiveQueueHint = 2

// cmdBuffer bounds outbound messages queued ahead of the worker.
const cmdBuffer = 64

// Client is a connection to a game server. A worker goroutine owns the
// socket and the reactor; the application talks to it through a command
// channel and a handful of small locked slots, so no network state is ever
// shared.
type Client struct {
	logger *slog.Logger

	cmds chan proto.Message
	done chan struct{}

	recvMu   sync.Mutex
	received []proto.Message

	stateMu    sync.Mutex
	local      game.ClientState
	dirty      bool
	idAssigned bool

	connected atomic.Bool
	closeOnce sync.Once
}

// Connect dials the server at addr and starts the worker. The assigned id
// arrives asynchronously in the first frame the server sends.
func Connect(addr string) (*Client, error) {
	fd, err := reactor.Dial(addr)
	if err != nil {
		return nil, fmt.Errorf("connect %s: %w", addr, err)
	}
	if err := reactor.SetNoDelay(fd); err != nil {
		_ = reactor.Close(fd)
		return nil, fmt.Errorf("connect %s: %w", addr, err)
	}
	poll, err := reactor.New()
	if err != nil {
		_ = reactor.Close(fd)
		return nil, err
	}
	if err := poll.Register(fd, reactor.TokenListener, reactor.Readable); err != nil {
		_ = reactor.Close(fd)
		_ = poll.Close()
		return nil, err
	}
	c := &Client{
		logger:   logging.L().With("addr", addr),
		cmds:     make(chan proto.Message, cmdBuffer),
		done:     make(chan struct{}),
		received: make([]proto.Message, 0, receiveQueueHint),
	}
	c.connected.Store(true)
	w := &worker{c: c, fd: fd, poll: poll}
	go w.run()
	return c, nil
}

// SendMessage queues m for transmission. It never fails synchronously;
// delivery problems surface through IsConnected.
func (c *Client) SendMessage(m proto.Message) {
	select {
	case c.cmds <- m:
	default:
		c.logger.Warn("send_queue_full_drop", "kind", m.Kind.String())
	}
}

// SetTransform replaces the local transform; the worker uploads it on its
// next tick.
func (c *Client) SetTransform(t game.Transform) {
	c.stateMu.Lock()
	c.local.SetTransform(t)
	c.dirty = true
	c.stateMu.Unlock()
}

// SetPosition updates only the position component.
func (c *Client) SetPosition(p game.Position) {
	c.stateMu.Lock()
	c.local.Position = p
	c.dirty = true
	c.stateMu.Unlock()
}

// SetRotation updates only the yaw component.
func (c *Client) SetRotation(r game.Rotation) {
	c.stateMu.Lock()
	c.local.Rotation = r
	c.dirty = true
	c.stateMu.Unlock()
}

func (c *Client) GetPosition() game.Position {
	c.stateMu.Lock()
	defer c.stateMu.Unlock()
	return c.local.Position
}

func (c *Client) GetRotation() game.Rotation {
	c.stateMu.Lock()
	defer c.stateMu.Unlock()
	return c.local.Rotation
}

func (c *Client) GetTransform() game.Transform {
	c.stateMu.Lock()
	defer c.stateMu.Unlock()
	return c.local.Transform()
}

// ID returns the server-assigned id, or 0 before assignment.
func (c *Client) ID() uint32 {
	c.stateMu.Lock()
	defer c.stateMu.Unlock()
	if !c.idAssigned {
		return 0
	}
	return c.local.ID
}

// PopReceivedMessages swaps the receive queue for an empty one and returns
// the old contents, nil when nothing arrived. ClientUpdate frames never
// appear here; the worker consumes them as id assignments.
func (c *Client) PopReceivedMessages() []proto.Message {
	c.recvMu.Lock()
	defer c.recvMu.Unlock()
	if len(c.received) == 0 {
		return nil
	}
	out := c.received
	c.received = make([]proto.Message, 0, receiveQueueHint)
	return out
}

// IsConnected reports the worker's liveness flag.
func (c *Client) IsConnected() bool { return c.connected.Load() }

// Close stops the worker and waits for it to release the socket.
func (c *Client) Close() {
	c.closeOnce.Do(func() { c.connected.Store(false) })
	<-c.done
}

// latchID adopts a server-sent ClientUpdate as this client's identity.
// The first one after connecting is the id assignment; later ones are
// reserved for corrections.
func (c *Client) latchID(cs game.ClientState) {
	c.stateMu.Lock()
	c.local.ID = cs.ID
	c.idAssigned = true
	c.stateMu.Unlock()
	c.logger.Info("id_assigned", "id", cs.ID)
}

// takeDirtyState snapshots the local state for upload and clears the dirty
// flag. Uploads are held back until the id is assigned; before that the
// server would reject the update as an imposter frame.
func (c *Client) takeDirtyState() (game.ClientState, bool) {
	c.stateMu.Lock()
	defer c.stateMu.Unlock()
	if !c.dirty || !c.idAssigned {
		return game.ClientState{}, false
	}
	c.dirty = false
	return c.local, true
}

// pushReceived appends an inbound message for the application.
func (c *Client) pushReceived(m proto.Message) {
	c.recvMu.Lock()
	c.received = append(c.received, m)
	c.recvMu.Unlock()
}

// worker owns the socket, the reactor registration, the outbound frame
// queue and the inbound reassembly buffer. It is the only goroutine that
// touches any of them.
type worker struct {
	c     *Client
	fd    int
	poll  *reactor.Reactor
	codec proto.Codec

	sendQueue [][]byte
	rbuf      []byte
}

func (w *worker) run() {
	defer close(w.c.done)
	defer func() {
		_ = reactor.Close(w.fd)
		_ = w.poll.Close()
	}()
	for {
		if err := w.poll.RunOnce(w, tickTimeout); err != nil {
			w.c.logger.Error("reactor_error", "error", err)
			w.c.connected.Store(false)
		}
		if !w.c.connected.Load() {
			w.c.logger.Info("worker_exit")
			return
		}
		time.Sleep(100 * time.Nanosecond)
	}
}

// Tick drains application commands into the frame queue, uploads a dirty
// transform, and rearms the oneshot registration with writable interest
// when anything is pending.
func (w *worker) Tick() {
	for {
		select {
		case m := <-w.c.cmds:
			w.sendQueue = append(w.sendQueue, w.codec.Encode(m))
			continue
		default:
		}
		break
	}
	if cs, ok := w.c.takeDirtyState(); ok {
		w.sendQueue = append(w.sendQueue, w.codec.Encode(proto.NewClientUpdate(cs)))
	}
	interest := reactor.Readable
	if len(w.sendQueue) > 0 {
		interest |= reactor.Writable
	}
	if err := w.poll.Reregister(w.fd, reactor.TokenListener, interest); err != nil {
		w.c.logger.Warn("rearm_failed", "error", err)
	}
}

func (w *worker) Ready(ev reactor.Event) {
	if ev.Err {
		w.c.logger.Warn("conn_error_event")
	}
	if ev.Readable || ev.Hup {
		w.readAll()
	}
	if ev.Hup {
		w.c.connected.Store(false)
		return
	}
	if ev.Writable && w.c.connected.Load() {
		w.writeAll()
	}
}

// readAll drains frames until the socket would block. Server ClientUpdates
// are intercepted as the id latch; everything else is surfaced.
func (w *worker) readAll() {
	for {
		m, err := w.readMessage()
		if err != nil {
			switch {
			case errors.Is(err, proto.ErrIncomplete) || reactor.IsWouldBlock(err):
				return
			case errors.Is(err, io.EOF) || reactor.IsDisconnect(err):
				w.c.logger.Info("server_disconnected")
				w.c.connected.Store(false)
				return
			case proto.Fatal(err):
				w.c.logger.Warn("protocol_error", "error", err)
				w.c.connected.Store(false)
				return
			default:
				w.c.logger.Warn("read_failed", "error", err)
				w.c.connected.Store(false)
				return
			}
		}
		if m.Kind == proto.KindClientUpdate {
			w.c.latchID(m.State)
			continue
		}
		w.c.pushReceived(m)
	}
}

func (w *worker) readMessage() (proto.Message, error) {
	if m, n, err := w.codec.DecodeBuffer(w.rbuf); err == nil {
		w.rbuf = w.rbuf[n:]
		return m, nil
	} else if !errors.Is(err, proto.ErrIncomplete) {
		return proto.Message{}, err
	}
	var chunk [1024]byte
	n, err := reactor.Read(w.fd, chunk[:])
	if err != nil {
		return proto.Message{}, err
	}
	if n == 0 {
		return proto.Message{}, io.EOF
	}
	w.rbuf = append(w.rbuf, chunk[:n]...)
	m, consumed, err := w.codec.DecodeBuffer(w.rbuf)
	if err != nil {
		return proto.Message{}, err
	}
	w.rbuf = w.rbuf[consumed:]
	return m, nil
}

// writeAll flushes queued frames until the socket stops taking bytes. A
// partial write leaves the remainder at the queue head.
func (w *worker) writeAll() {
	for len(w.sendQueue) > 0 {
		frame := w.sendQueue[0]
		n, err := reactor.Write(w.fd, frame)
		if err != nil {
			if reactor.IsWouldBlock(err) {
				return
			}
			if reactor.IsDisconnect(err) {
				w.c.logger.Info("server_disconnected", "error", err)
				w.c.connected.Store(false)
				return
			}
			w.c.logger.Warn("write_failed", "error", err)
			return
		}
		if n < len(frame) {
			w.sendQueue[0] = frame[n:]
			return
		}
		w.sendQueue = w.sendQueue[1:]
	}
}
