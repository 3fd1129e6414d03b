// Package transport owns the network side of the engine: a single TCP
// listener, at most one active downstream connection, and an asynchronous
// send queue whose per-buffer completion callbacks drive the backpressure
// gate. A new incoming connection replaces the active one immediately, with
// no graceful drain: correctness here favors low latency over politeness.
package transport

import (
	"context"
	"fmt"
	"log/slog"
	"net"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	"github.com/llcast/llcast/internal/backpressure"
)

// sendQueueDepth matches the largest permitted in-flight ceiling, so a
// reserved unit can always be queued without blocking.
const sendQueueDepth = backpressure.MaxLimit

// sendItem couples one wire buffer with its completion callback.
type sendItem struct {
	buf  []byte
	done func(error)
}

// ConnStats describes the active connection for the status surface.
type ConnStats struct {
	ID          string    `json:"id"`
	RemoteAddr  string    `json:"remoteAddr"`
	BytesSent   int64     `json:"bytesSent"`
	FramesSent  int64     `json:"framesSent"`
	ConnectedAt time.Time `json:"connectedAt"`
}

// conn is one accepted client connection and its writer state. ready gates
// the general send path until the adoption preamble has been queued, so a
// fresh client can never receive data ahead of its header.
type conn struct {
	id          string
	c           net.Conn
	sendq       chan sendItem
	done        chan struct{}
	connectedAt time.Time
	ready       atomic.Bool

	bytesSent  atomic.Int64
	framesSent atomic.Int64
}

func (c *conn) stats() ConnStats {
	return ConnStats{
		ID:          c.id,
		RemoteAddr:  c.c.RemoteAddr().String(),
		BytesSent:   c.bytesSent.Load(),
		FramesSent:  c.framesSent.Load(),
		ConnectedAt: c.connectedAt,
	}
}

// Server accepts client connections on one TCP port and relays wire buffers
// to the single active connection. The listener outlives any individual
// connection failure; only Close (or context cancellation) stops it.
type Server struct {
	log      *slog.Logger
	addr     string
	onActive func(remoteAddr string) []byte

	mu     sync.Mutex
	ln     net.Listener
	active *conn
	closed bool
}

// NewServer creates a server for the given port. onActive fires each time a
// new connection becomes the active one, before any encoded data is sent to
// it; any bytes it returns are written to the client ahead of everything
// else. The session uses it to reset the header epoch, hand back the cached
// codec header, and force a keyframe. If log is nil, slog.Default() is used.
func NewServer(port int, onActive func(remoteAddr string) []byte, log *slog.Logger) *Server {
	if log == nil {
		log = slog.Default()
	}
	return &Server{
		log:      log.With("component", "transport"),
		addr:     fmt.Sprintf(":%d", port),
		onActive: onActive,
	}
}

// Start binds the listener synchronously, so port conflicts surface to the
// caller, then serves accepts on a server-owned goroutine until ctx is
// cancelled or Close is called.
func (s *Server) Start(ctx context.Context) error {
	ln, err := net.Listen("tcp", s.addr)
	if err != nil {
		return fmt.Errorf("listen on %s: %w", s.addr, err)
	}

	s.mu.Lock()
	s.ln = ln
	s.closed = false
	s.mu.Unlock()

	s.log.Info("listening", "addr", s.addr)

	go func() {
		<-ctx.Done()
		s.Close()
	}()
	go s.acceptLoop(ln)
	return nil
}

func (s *Server) acceptLoop(ln net.Listener) {
	for {
		c, err := ln.Accept()
		if err != nil {
			s.mu.Lock()
			closed := s.closed
			s.mu.Unlock()
			if closed {
				return
			}
			// The listener stays alive across accept failures; the data
			// path never retries, but new clients must always be able
			// to join.
			s.log.Warn("accept error", "error", err)
			continue
		}
		if tc, ok := c.(*net.TCPConn); ok {
			tc.SetNoDelay(true)
		}
		s.adopt(c)
	}
}

// adopt makes c the active connection, cancelling and discarding any
// previous one immediately.
func (s *Server) adopt(c net.Conn) {
	nc := &conn{
		id:          uuid.NewString(),
		c:           c,
		sendq:       make(chan sendItem, sendQueueDepth),
		done:        make(chan struct{}),
		connectedAt: time.Now(),
	}

	s.mu.Lock()
	old := s.active
	s.active = nc
	s.mu.Unlock()

	if old != nil {
		s.teardown(old, nil)
		s.log.Info("client replaced", "old", old.id, "new", nc.id)
	}

	s.log.Info("client connected", "conn", nc.id, "remote", c.RemoteAddr())

	go s.writeLoop(nc)
	go s.watchClose(nc)

	// Queue the preamble before Send is allowed in; the fresh queue always
	// has room for it.
	if s.onActive != nil {
		if pre := s.onActive(c.RemoteAddr().String()); len(pre) > 0 {
			select {
			case nc.sendq <- sendItem{buf: pre, done: func(error) {}}:
			default:
			}
		}
	}
	nc.ready.Store(true)
}

// writeLoop drains the send queue into the socket, invoking each buffer's
// completion callback exactly once. Any write error tears the connection
// down; queued completions still fire so in-flight slots are released.
func (s *Server) writeLoop(c *conn) {
	for {
		select {
		case <-c.done:
			s.drain(c, net.ErrClosed)
			return
		case item := <-c.sendq:
			if _, err := c.c.Write(item.buf); err != nil {
				item.done(err)
				s.log.Warn("send failed, dropping client", "conn", c.id, "error", err)
				s.teardown(c, err)
				s.drain(c, err)
				return
			}
			c.bytesSent.Add(int64(len(item.buf)))
			c.framesSent.Add(1)
			item.done(nil)
		}
	}
}

// watchClose blocks on a read so a client-initiated close or reset is
// noticed without waiting for the next send to fail.
func (s *Server) watchClose(c *conn) {
	buf := make([]byte, 1)
	for {
		if _, err := c.c.Read(buf); err != nil {
			s.teardown(c, err)
			return
		}
	}
}

// drain completes all still-queued items with err.
func (s *Server) drain(c *conn, err error) {
	for {
		select {
		case item := <-c.sendq:
			item.done(err)
		default:
			return
		}
	}
}

// teardown closes c and clears it as the active connection if it still is.
// Safe to call multiple times from the writer, the close watcher, and adopt.
func (s *Server) teardown(c *conn, cause error) {
	s.mu.Lock()
	if s.active == c {
		s.active = nil
	}
	select {
	case <-c.done:
		s.mu.Unlock()
		return
	default:
	}
	close(c.done)
	s.mu.Unlock()

	c.c.Close()
	if cause != nil {
		s.log.Info("client disconnected", "conn", c.id, "reason", cause)
	}
}

// Send queues one wire buffer for the active connection. done is invoked
// exactly once when the write completes or fails. Send returns false, and
// never invokes done, when no client is connected, the connection is still
// being adopted, or the queue is full; the caller drops the buffer and
// releases its reservation itself.
func (s *Server) Send(buf []byte, done func(error)) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	c := s.active
	if c == nil || !c.ready.Load() {
		return false
	}
	select {
	case c.sendq <- sendItem{buf: buf, done: done}:
		return true
	default:
		return false
	}
}

// Addr returns the bound listener address, or nil before Start.
func (s *Server) Addr() net.Addr {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.ln == nil {
		return nil
	}
	return s.ln.Addr()
}

// Connected reports whether a client is currently active.
func (s *Server) Connected() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.active != nil
}

// ActiveStats returns stats for the active connection, if any.
func (s *Server) ActiveStats() (ConnStats, bool) {
	s.mu.Lock()
	c := s.active
	s.mu.Unlock()
	if c == nil {
		return ConnStats{}, false
	}
	return c.stats(), true
}

// Close stops the listener and drops the active connection.
func (s *Server) Close() {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return
	}
	s.closed = true
	ln := s.ln
	active := s.active
	s.mu.Unlock()

	if ln != nil {
		ln.Close()
	}
	if active != nil {
		s.teardown(active, nil)
	}
	s.log.Info("listener closed", "addr", s.addr)
}
