package server

import (
	"errors"
	"fmt"
	"io"
	"log/slog"

	"github.com/lagnet/go-lag-server/internal/metrics"
	"github.com/lagnet/go-lag-server/internal/proto"
	"github.com/lagnet/go-lag-server/internal/reactor"
)

// Phase is the connection's protocol phase. Hello and Authenticated are
// reserved for a future handshake; every connection currently stays
// Connected for its whole lifetime.
type Phase uint8

const (
	PhaseConnected Phase = iota
	PhaseHello
	PhaseAuthenticated
)

const (
	// sendQueueHint guesses the average outbound backlog per connection.
	sendQueueHint = 15
	// readChunkSize is how much is pulled off the socket per read call.
	readChunkSize = 1024
)

// conn wraps one accepted socket: its token, protocol phase, outbound queue
// and inbound reassembly buffer.
type conn struct {
	fd     int
	token  reactor.Token
	remote string
	phase  Phase
	logger *slog.Logger
	codec  proto.Codec

	sendQueue []proto.Message
	pending   []byte // partially written frame; resumes before the queue
	rbuf      []byte // unparsed inbound bytes
}

func newConn(fd int, tok reactor.Token, remote string, logger *slog.Logger) *conn {
	return &conn{
		fd:        fd,
		token:     tok,
		remote:    remote,
		phase:     PhaseConnected,
		logger:    logger,
		sendQueue: make([]proto.Message, 0, sendQueueHint),
	}
}

// register adds the socket to the reactor with readable interest.
func (c *conn) register(r *reactor.Reactor) error {
	return r.Register(c.fd, c.token, reactor.Readable)
}

// reregister rearms the oneshot registration with the given interest.
func (c *conn) reregister(r *reactor.Reactor, interest reactor.Interest) error {
	return r.Reregister(c.fd, c.token, interest)
}

// enqueue appends m to the back of the send queue.
func (c *conn) enqueue(m proto.Message) {
	c.sendQueue = append(c.sendQueue, m)
}

// enqueueFront splices ms before everything already queued, preserving ms's
// own order. Unicast mail drained at tick time goes ahead of broadcasts.
func (c *conn) enqueueFront(ms []proto.Message) {
	if len(ms) == 0 {
		return
	}
	c.sendQueue = append(ms, c.sendQueue...)
}

// hasMail reports whether anything remains to flush.
func (c *conn) hasMail() bool {
	return len(c.pending) > 0 || len(c.sendQueue) > 0
}

// queueDepth is the number of whole messages awaiting flush.
func (c *conn) queueDepth() int { return len(c.sendQueue) }

// readMessage returns one decoded message. It first consumes any complete
// frame already buffered, then pulls at most one chunk off the socket.
// proto.ErrIncomplete means no full frame is available yet; the caller
// retries on the next readiness.
func (c *conn) readMessage() (proto.Message, error) {
	if m, n, err := c.codec.DecodeBuffer(c.rbuf); err == nil {
		c.rbuf = c.rbuf[n:]
		return m, nil
	} else if !errors.Is(err, proto.ErrIncomplete) {
		return proto.Message{}, err
	}

	var chunk [readChunkSize]byte
	n, err := reactor.Read(c.fd, chunk[:])
	if err != nil {
		return proto.Message{}, err
	}
	if n == 0 {
		return proto.Message{}, io.EOF
	}
	c.rbuf = append(c.rbuf, chunk[:n]...)

	m, consumed, err := c.codec.DecodeBuffer(c.rbuf)
	if err != nil {
		return proto.Message{}, err
	}
	c.rbuf = c.rbuf[consumed:]
	return m, nil
}

// write flushes the send queue until it drains or the socket stops taking
// bytes. A partial write parks the remainder in pending; the frame resumes
// exactly where it stopped on the next writable readiness.
func (c *conn) write() error {
	for {
		if len(c.pending) > 0 {
			n, err := reactor.Write(c.fd, c.pending)
			if err != nil {
				if reactor.IsWouldBlock(err) {
					return nil
				}
				if reactor.IsDisconnect(err) {
					return fmt.Errorf("%w: %v", ErrConnWrite, err)
				}
				// Transient write fault: keep the frame queued and retry on
				// the next writable readiness.
				metrics.IncError(metrics.ErrTCPWrite)
				c.logger.Warn("conn_write_error", "error", err)
				return nil
			}
			c.pending = c.pending[n:]
			if len(c.pending) > 0 {
				return nil
			}
			metrics.AddTCPTx(1)
		}
		if len(c.sendQueue) == 0 {
			return nil
		}
		m := c.sendQueue[0]
		c.sendQueue = c.sendQueue[1:]
		c.pending = c.codec.Encode(m)
	}
}

// close releases the socket.
func (c *conn) close() {
	_ = reactor.Close(c.fd)
}
