package wire

import (
	"bufio"
	"fmt"
	"net"
	"sync"
	"time"
)

// MaxFrameSize bounds a single frame on the wire. Log payloads are chunked
// well below this by the agent.
const MaxFrameSize = 4 << 20

// Codec frames newline-delimited JSON over a net.Conn. Writes are
// serialized; reads are owned by a single reader loop.
type Codec struct {
	conn    net.Conn
	reader  *bufio.Reader
	writeMu sync.Mutex
}

// NewCodec wraps an established connection.
func NewCodec(conn net.Conn) *Codec {
	return &Codec{
		conn:   conn,
		reader: bufio.NewReaderSize(conn, 64<<10),
	}
}

// Write sends one frame. Safe for concurrent use.
func (c *Codec) Write(f *Frame) error {
	data, err := Marshal(f)
	if err != nil {
		return err
	}
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	if _, err := c.conn.Write(append(data, '\n')); err != nil {
		return fmt.Errorf("write frame: %w", err)
	}
	return nil
}

// Read blocks until the next frame arrives. Not safe for concurrent use;
// the session owns a single reader loop.
func (c *Codec) Read() (*Frame, error) {
	line, err := c.reader.ReadBytes('\n')
	if err != nil {
		return nil, err
	}
	if len(line) > MaxFrameSize {
		return nil, fmt.Errorf("frame exceeds %d bytes", MaxFrameSize)
	}
	return Unmarshal(line)
}

// SetReadDeadline bounds the next Read.
func (c *Codec) SetReadDeadline(t time.Time) error {
	return c.conn.SetReadDeadline(t)
}

// Close closes the underlying connection.
func (c *Codec) Close() error {
	return c.conn.Close()
}

// RemoteAddr returns the peer address.
func (c *Codec) RemoteAddr() net.Addr {
	return c.conn.RemoteAddr()
}
