// Package mock provides in-memory implementations of [transport.Dialer] and
// [transport.Conn] for unit tests.
//
// Tests push inbound traffic with [Conn.Inject] and end the connection with
// [Conn.End]; every outbound write is recorded.
package mock

import (
	"context"
	"encoding/json"
	"sync"

	"github.com/MrWong99/reminisce/internal/transport"
)

// Conn is a mock implementation of [transport.Conn].
type Conn struct {
	mu sync.Mutex

	// WriteError is returned by every write when set.
	WriteError error

	binary [][]byte
	json   [][]byte
	msgs   chan transport.Message
	err    error
	ended  bool

	// CallCountClose records how many times Close was called.
	CallCountClose int
}

var _ transport.Conn = (*Conn)(nil)

// NewConn returns an open mock connection.
func NewConn() *Conn {
	return &Conn{msgs: make(chan transport.Message, 64)}
}

// WriteBinary implements [transport.Conn].
func (c *Conn) WriteBinary(_ context.Context, data []byte) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.WriteError != nil {
		return c.WriteError
	}
	if c.ended {
		return transport.ErrClosed
	}
	c.binary = append(c.binary, append([]byte(nil), data...))
	return nil
}

// WriteJSON implements [transport.Conn]. The value is stored marshalled.
func (c *Conn) WriteJSON(_ context.Context, v any) error {
	data, err := json.Marshal(v)
	if err != nil {
		return err
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.WriteError != nil {
		return c.WriteError
	}
	if c.ended {
		return transport.ErrClosed
	}
	c.json = append(c.json, data)
	return nil
}

// Messages implements [transport.Conn].
func (c *Conn) Messages() <-chan transport.Message { return c.msgs }

// Err implements [transport.Conn].
func (c *Conn) Err() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.err
}

// Close implements [transport.Conn].
func (c *Conn) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.CallCountClose++
	c.endLocked(nil)
	return nil
}

// Closed reports whether Close has been called.
func (c *Conn) Closed() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.CallCountClose > 0
}

// Inject delivers an inbound message. It is a no-op after the connection
// ended.
func (c *Conn) Inject(m transport.Message) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.ended {
		return
	}
	c.msgs <- m
}

// InjectJSON marshals v and delivers it as a text message.
func (c *Conn) InjectJSON(v any) {
	data, err := json.Marshal(v)
	if err != nil {
		panic(err)
	}
	c.Inject(transport.Message{Kind: transport.Text, Data: data})
}

// InjectBinary delivers a binary message.
func (c *Conn) InjectBinary(data []byte) {
	c.Inject(transport.Message{Kind: transport.Binary, Data: data})
}

// End simulates the connection going away with err (nil, a
// [*transport.CloseError] or any other error).
func (c *Conn) End(err error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.endLocked(err)
}

func (c *Conn) endLocked(err error) {
	if c.ended {
		return
	}
	c.ended = true
	c.err = err
	close(c.msgs)
}

// BinaryWrites returns copies of every binary write, in order.
func (c *Conn) BinaryWrites() [][]byte {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([][]byte, len(c.binary))
	copy(out, c.binary)
	return out
}

// JSONWrites returns every JSON write as raw bytes, in order.
func (c *Conn) JSONWrites() [][]byte {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([][]byte, len(c.json))
	copy(out, c.json)
	return out
}

// DialCall records one [Dialer.Dial] invocation.
type DialCall struct {
	URL string
}

// Dialer is a mock implementation of [transport.Dialer].
type Dialer struct {
	mu sync.Mutex

	// ConnResult is returned by Dial. When nil, a fresh [Conn] is created.
	ConnResult *Conn

	// DialError is returned by Dial when set.
	DialError error

	// Calls records every Dial invocation.
	Calls []DialCall

	conns []*Conn
}

var _ transport.Dialer = (*Dialer)(nil)

// Dial implements [transport.Dialer].
func (d *Dialer) Dial(_ context.Context, url string) (transport.Conn, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.Calls = append(d.Calls, DialCall{URL: url})
	if d.DialError != nil {
		return nil, d.DialError
	}
	c := d.ConnResult
	if c == nil {
		c = NewConn()
	}
	d.conns = append(d.conns, c)
	return c, nil
}

// CallCount returns how many times Dial was called.
func (d *Dialer) CallCount() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return len(d.Calls)
}

// Last returns the most recently dialled connection, or nil.
func (d *Dialer) Last() *Conn {
	d.mu.Lock()
	defer d.mu.Unlock()
	if len(d.conns) == 0 {
		return nil
	}
	return d.conns[len(d.conns)-1]
}
