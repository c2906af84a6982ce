// Package transport carries the voice session over a single websocket.
//
// Outbound audio goes out as binary messages and control events as JSON text
// messages. Everything the peer sends is surfaced, in order, on
// [Conn.Messages]; the channel closes when the connection ends and
// [Conn.Err] then explains why.
package transport

import (
	"context"
	"errors"
	"fmt"
)

// Kind distinguishes binary from text messages.
type Kind int

const (
	// Binary messages carry audio.
	Binary Kind = iota

	// Text messages carry JSON control events.
	Text
)

// String returns the human-readable name of the kind.
func (k Kind) String() string {
	switch k {
	case Binary:
		return "binary"
	case Text:
		return "text"
	default:
		return "unknown"
	}
}

// Message is one inbound websocket message.
type Message struct {
	Kind Kind
	Data []byte
}

// ErrClosed is returned by writes after the connection has ended.
var ErrClosed = errors.New("transport: connection closed")

// CloseError reports that the peer ended the connection with a close frame.
// A session treats this as an orderly disconnect rather than a failure.
type CloseError struct {
	Code   int
	Reason string
}

func (e *CloseError) Error() string {
	return fmt.Sprintf("transport: closed by peer (%d %s)", e.Code, e.Reason)
}

// IsPeerClose reports whether err is a [*CloseError].
func IsPeerClose(err error) bool {
	var ce *CloseError
	return errors.As(err, &ce)
}

// Conn is an open voice connection. Writes are safe for concurrent use and
// are delivered in call order per goroutine.
type Conn interface {
	WriteBinary(ctx context.Context, data []byte) error
	WriteJSON(ctx context.Context, v any) error

	// Messages yields inbound messages and is closed when the connection
	// ends for any reason.
	Messages() <-chan Message

	// Err returns why the connection ended: nil after a local Close, a
	// [*CloseError] when the peer closed it, or the read error otherwise.
	Err() error

	// Close ends the connection with a normal closure. Idempotent.
	Close() error
}

// Dialer opens connections.
type Dialer interface {
	Dial(ctx context.Context, url string) (Conn, error)
}
