package testutil

import (
	"bufio"
	"net"
	"testing"
	"time"

	"github.com/waddlerhq/waddler/internal/protocol"
)

// XTClient is a NUL-framed XT protocol test client for integration testing.
type XTClient struct {
	conn   net.Conn
	reader *bufio.Reader
	t      *testing.T
}

// NewXTClient dials the given address and returns a test client.
//
// Precondition: addr must be a valid "host:port" string with a listening server.
// Postcondition: Returns a connected XTClient or fails the test.
func NewXTClient(t *testing.T, addr string) *XTClient {
	t.Helper()
	start := time.Now()

	conn, err := net.DialTimeout("tcp", addr, 5*time.Second)
	if err != nil {
		t.Fatalf("connecting to %s: %v [%s]", addr, err, time.Since(start))
	}

	t.Cleanup(func() {
		conn.Close()
	})

	return &XTClient{
		conn:   conn,
		reader: bufio.NewReader(conn),
		t:      t,
	}
}

// SendFrame writes one frame payload followed by the NUL delimiter.
func (c *XTClient) SendFrame(payload string) {
	c.t.Helper()
	_ = c.conn.SetWriteDeadline(time.Now().Add(5 * time.Second))
	if _, err := c.conn.Write(append([]byte(payload), protocol.Delimiter)); err != nil {
		c.t.Fatalf("sending frame %q: %v", payload, err)
	}
}

// SendRaw writes bytes as-is, without adding a delimiter. Useful for
// exercising coalesced and partial frames.
func (c *XTClient) SendRaw(data []byte) {
	c.t.Helper()
	_ = c.conn.SetWriteDeadline(time.Now().Add(5 * time.Second))
	if _, err := c.conn.Write(data); err != nil {
		c.t.Fatalf("sending raw bytes: %v", err)
	}
}

// ReadFrame reads the next NUL-delimited frame, returning the payload.
//
// Postcondition: Returns the frame without its delimiter, or fails on
// timeout or transport error.
func (c *XTClient) ReadFrame(timeout time.Duration) string {
	c.t.Helper()
	_ = c.conn.SetReadDeadline(time.Now().Add(timeout))

	data, err := c.reader.ReadBytes(protocol.Delimiter)
	if err != nil {
		c.t.Fatalf("reading frame: got %q, error: %v", data, err)
	}
	return string(data[:len(data)-1])
}

// Closed reports whether the server has closed the connection: a read
// returning an error other than a timeout within the given window.
func (c *XTClient) Closed(timeout time.Duration) bool {
	c.t.Helper()
	_ = c.conn.SetReadDeadline(time.Now().Add(timeout))
	_, err := c.reader.ReadByte()
	if err == nil {
		_ = c.reader.UnreadByte()
		return false
	}
	if nerr, ok := err.(net.Error); ok && nerr.Timeout() {
		return false
	}
	return true
}

// Close closes the underlying connection.
func (c *XTClient) Close() {
	c.conn.Close()
}
