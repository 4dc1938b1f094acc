// Package xt provides the TCP acceptor and connection wrapper for the
// NUL-framed XT protocol.
package xt

import (
	"net"
	"sync"
	"time"

	"github.com/waddlerhq/waddler/internal/protocol"
)

// Conn wraps a TCP connection with XT frame reading and writing.
// Reads happen from a single goroutine; writes are serialized by a mutex.
type Conn struct {
	raw    net.Conn
	framer *protocol.Framer

	mu           sync.Mutex
	closed       bool
	writeTimeout time.Duration
}

// NewConn wraps a raw TCP connection.
//
// Precondition: raw must be a valid, open network connection; maxFrame > 0.
// Postcondition: Returns a Conn ready for reading and writing.
func NewConn(raw net.Conn, writeTimeout time.Duration, maxFrame int) *Conn {
	return &Conn{
		raw:          raw,
		framer:       protocol.NewFramer(raw, maxFrame),
		writeTimeout: writeTimeout,
	}
}

// ReadFrame returns the next complete inbound frame without its delimiter.
// Frames coalesced into one underlying read are returned one at a time, in
// order; a trailing partial read is buffered until it completes.
//
// Postcondition: Returns io.EOF on clean close, or the transport error.
func (c *Conn) ReadFrame() (string, error) {
	return c.framer.Next()
}

// WriteFrame writes one frame payload followed by the NUL delimiter.
//
// Postcondition: Returns net.ErrClosed after Close.
func (c *Conn) WriteFrame(payload string) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.closed {
		return net.ErrClosed
	}
	if c.writeTimeout > 0 {
		_ = c.raw.SetWriteDeadline(time.Now().Add(c.writeTimeout))
	}
	buf := make([]byte, 0, len(payload)+1)
	buf = append(buf, payload...)
	buf = append(buf, protocol.Delimiter)
	_, err := c.raw.Write(buf)
	return err
}

// Writable reports whether the connection can still accept writes.
func (c *Conn) Writable() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return !c.closed
}

// Close closes the underlying TCP connection. Safe to call more than once.
func (c *Conn) Close() error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return nil
	}
	c.closed = true
	c.mu.Unlock()
	return c.raw.Close()
}

// RemoteAddr returns the remote network address of the client.
func (c *Conn) RemoteAddr() net.Addr {
	return c.raw.RemoteAddr()
}
