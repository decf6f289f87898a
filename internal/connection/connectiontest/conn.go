// Package connectiontest provides in-memory transports for testing code
// built on package connection.
package connectiontest

import (
	"context"
	"errors"
	"net/http"
	"sync"

	"github.com/rickgao/chatlink/internal/connection"
)

// ErrClosed is returned by reads and writes after the Conn is closed.
var ErrClosed = errors.New("connectiontest: conn closed")

// Conn is an in-memory connection.Conn. Frames queued with Deliver are
// returned by ReadMessage in order; writes are recorded.
type Conn struct {
	inbound   chan []byte
	closed    chan struct{}
	closeOnce sync.Once

	mu     sync.Mutex
	writes [][]byte
	byPeer bool

	// Written receives a copy of every successful write.
	Written chan []byte
}

// NewConn returns an open Conn.
func NewConn() *Conn {
	return &Conn{
		inbound: make(chan []byte, 64),
		closed:  make(chan struct{}),
		Written: make(chan []byte, 1024),
	}
}

// ReadMessage returns the next delivered frame.
func (c *Conn) ReadMessage() ([]byte, error) {
	select {
	case data := <-c.inbound:
		return data, nil
	case <-c.closed:
		return nil, ErrClosed
	}
}

// WriteMessage records data.
func (c *Conn) WriteMessage(data []byte) error {
	select {
	case <-c.closed:
		return ErrClosed
	default:
	}

	cp := append([]byte(nil), data...)
	c.mu.Lock()
	c.writes = append(c.writes, cp)
	c.mu.Unlock()

	select {
	case c.Written <- cp:
	default:
	}
	return nil
}

// Close closes the Conn from the local side.
func (c *Conn) Close() error {
	c.closeOnce.Do(func() {
		close(c.closed)
	})
	return nil
}

// Deliver queues a frame as if sent by the peer.
func (c *Conn) Deliver(data string) {
	c.inbound <- []byte(data)
}

// PeerClose simulates the peer dropping the connection.
func (c *Conn) PeerClose() {
	c.closeOnce.Do(func() {
		c.mu.Lock()
		c.byPeer = true
		c.mu.Unlock()
		close(c.closed)
	})
}

// Closed reports whether the Conn has been closed by either side.
func (c *Conn) Closed() bool {
	select {
	case <-c.closed:
		return true
	default:
		return false
	}
}

// ClosedByPeer reports whether PeerClose ended the Conn.
func (c *Conn) ClosedByPeer() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.byPeer
}

// Writes returns all recorded writes.
func (c *Conn) Writes() [][]byte {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([][]byte(nil), c.writes...)
}

// Dialer hands out queued Conns. When the queue is empty Dial blocks
// until its context is cancelled.
type Dialer struct {
	mu      sync.Mutex
	conns   []*Conn
	errs    []error
	dials   int
	headers []http.Header
}

// NewDialer returns a Dialer that yields conns in order.
func NewDialer(conns ...*Conn) *Dialer {
	return &Dialer{conns: conns}
}

// FailNext makes the next Dial return err instead of a Conn.
func (d *Dialer) FailNext(err error) {
	d.mu.Lock()
	d.errs = append(d.errs, err)
	d.mu.Unlock()
}

// Dial implements connection.Dialer.
func (d *Dialer) Dial(ctx context.Context, url string, header http.Header) (connection.Conn, error) {
	d.mu.Lock()
	d.dials++
	d.headers = append(d.headers, header.Clone())
	if len(d.errs) > 0 {
		err := d.errs[0]
		d.errs = d.errs[1:]
		d.mu.Unlock()
		return nil, err
	}
	if len(d.conns) > 0 {
		conn := d.conns[0]
		d.conns = d.conns[1:]
		d.mu.Unlock()
		return conn, nil
	}
	d.mu.Unlock()

	<-ctx.Done()
	return nil, ctx.Err()
}

// Dials returns the number of Dial calls.
func (d *Dialer) Dials() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.dials
}

// Headers returns the request headers passed to each Dial.
func (d *Dialer) Headers() []http.Header {
	d.mu.Lock()
	defer d.mu.Unlock()
	return append([]http.Header(nil), d.headers...)
}
