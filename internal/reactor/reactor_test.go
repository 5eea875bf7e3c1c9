//go:build linux

package reactor

import (
	"testing"
	"time"

	"golang.org/x/sys/unix"
)

type recordingHandler struct {
	events []Event
	ticks  int
}

func (h *recordingHandler) Ready(ev Event) { h.events = append(h.events, ev) }
func (h *recordingHandler) Tick()          { h.ticks++ }

func socketPair(t *testing.T) (int, int) {
	t.Helper()
	fds, err := unix.Socketpair(unix.AF_UNIX, unix.SOCK_STREAM|unix.SOCK_NONBLOCK|unix.SOCK_CLOEXEC, 0)
	if err != nil {
		t.Fatalf("socketpair: %v", err)
	}
	t.Cleanup(func() { unix.Close(fds[0]); unix.Close(fds[1]) })
	return fds[0], fds[1]
}

func newReactor(t *testing.T) *Reactor {
	t.Helper()
	r, err := New()
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	t.Cleanup(func() { _ = r.Close() })
	return r
}

func TestReactor_ReadableDelivery(t *testing.T) {
	r := newReactor(t)
	rd, wr := socketPair(t)
	if err := r.Register(rd, Token(5), Readable); err != nil {
		t.Fatalf("register: %v", err)
	}
	if _, err := unix.Write(wr, []byte("x")); err != nil {
		t.Fatalf("write: %v", err)
	}
	h := &recordingHandler{}
	if err := r.RunOnce(h, time.Second); err != nil {
		t.Fatalf("RunOnce: %v", err)
	}
	if len(h.events) != 1 || h.events[0].Token != Token(5) || !h.events[0].Readable {
		t.Fatalf("events = %+v", h.events)
	}
	if h.ticks != 1 {
		t.Fatalf("ticks = %d", h.ticks)
	}
}

func TestReactor_OneshotDisarms(t *testing.T) {
	r := newReactor(t)
	rd, wr := socketPair(t)
	if err := r.Register(rd, Token(5), Readable); err != nil {
		t.Fatalf("register: %v", err)
	}
	if _, err := unix.Write(wr, []byte("x")); err != nil {
		t.Fatalf("write: %v", err)
	}
	h := &recordingHandler{}
	if err := r.RunOnce(h, time.Second); err != nil {
		t.Fatalf("RunOnce: %v", err)
	}
	if len(h.events) != 1 {
		t.Fatalf("first poll events = %+v", h.events)
	}
	// Data is still unread, but the oneshot registration has been consumed.
	h2 := &recordingHandler{}
	if err := r.RunOnce(h2, 50*time.Millisecond); err != nil {
		t.Fatalf("RunOnce: %v", err)
	}
	if len(h2.events) != 0 {
		t.Fatalf("oneshot fd delivered again: %+v", h2.events)
	}
	if h2.ticks != 1 {
		t.Fatalf("tick must still run on timeout, got %d", h2.ticks)
	}
	// Rearming re-delivers for the still-pending data.
	if err := r.Reregister(rd, Token(5), Readable); err != nil {
		t.Fatalf("reregister: %v", err)
	}
	h3 := &recordingHandler{}
	if err := r.RunOnce(h3, time.Second); err != nil {
		t.Fatalf("RunOnce: %v", err)
	}
	if len(h3.events) != 1 || !h3.events[0].Readable {
		t.Fatalf("rearm did not re-deliver: %+v", h3.events)
	}
}

func TestReactor_WritableDelivery(t *testing.T) {
	r := newReactor(t)
	rd, wr := socketPair(t)
	_ = rd
	if err := r.Register(wr, Token(7), Writable); err != nil {
		t.Fatalf("register: %v", err)
	}
	h := &recordingHandler{}
	if err := r.RunOnce(h, time.Second); err != nil {
		t.Fatalf("RunOnce: %v", err)
	}
	if len(h.events) != 1 || h.events[0].Token != Token(7) || !h.events[0].Writable {
		t.Fatalf("events = %+v", h.events)
	}
}

func TestReactor_HangupDelivery(t *testing.T) {
	r := newReactor(t)
	rd, wr := socketPair(t)
	if err := r.Register(rd, Token(9), Readable); err != nil {
		t.Fatalf("register: %v", err)
	}
	if err := unix.Close(wr); err != nil {
		t.Fatalf("close: %v", err)
	}
	h := &recordingHandler{}
	if err := r.RunOnce(h, time.Second); err != nil {
		t.Fatalf("RunOnce: %v", err)
	}
	if len(h.events) != 1 || !h.events[0].Hup {
		t.Fatalf("events = %+v", h.events)
	}
}

func TestReactor_SentinelRejected(t *testing.T) {
	r := newReactor(t)
	rd, _ := socketPair(t)
	if err := r.Register(rd, TokenSentinel, Readable); err == nil {
		t.Fatalf("sentinel registration must fail")
	}
}

func TestReactor_DeregisterStopsDelivery(t *testing.T) {
	r := newReactor(t)
	rd, wr := socketPair(t)
	if err := r.Register(rd, Token(5), Readable); err != nil {
		t.Fatalf("register: %v", err)
	}
	if err := r.Deregister(rd); err != nil {
		t.Fatalf("deregister: %v", err)
	}
	if _, err := unix.Write(wr, []byte("x")); err != nil {
		t.Fatalf("write: %v", err)
	}
	h := &recordingHandler{}
	if err := r.RunOnce(h, 50*time.Millisecond); err != nil {
		t.Fatalf("RunOnce: %v", err)
	}
	if len(h.events) != 0 {
		t.Fatalf("deregistered fd delivered: %+v", h.events)
	}
}
