// Package session drives one voice conversation with the remote assistant.
//
// A [Session] owns the websocket, the playback scheduler and (while the
// patient is talking) the capture pipeline. Every state change happens on a
// single event-loop goroutine: public methods post commands to it and the
// transport, player and capture callbacks post events to it, so a UI call and
// a network callback can never race on the state.
//
// The lifecycle is
//
//	disconnected → connecting → connected ⇄ {listening, processing, speaking} → disconnected
//
// with error reachable from any live state. Nothing reconnects on its own;
// the caller decides when to Connect again.
package session

// State is the connection and conversation state of a [Session].
type State int

const (
	Disconnected State = iota
	Connecting
	Connected
	Listening
	Processing
	Speaking
	Error
)

// String returns the lowercase state name.
func (s State) String() string {
	switch s {
	case Disconnected:
		return "disconnected"
	case Connecting:
		return "connecting"
	case Connected:
		return "connected"
	case Listening:
		return "listening"
	case Processing:
		return "processing"
	case Speaking:
		return "speaking"
	case Error:
		return "error"
	default:
		return "unknown"
	}
}

// live reports whether the session holds an open transport in this state.
func (s State) live() bool {
	switch s {
	case Connected, Listening, Processing, Speaking:
		return true
	}
	return false
}

// Snapshot is a read-only view of the session state. Err is set only in the
// [Error] state.
type Snapshot struct {
	State State
	Err   string
}

// Tag is one label attached to a photo, e.g. {Type: "person", Value: "Anna"}.
type Tag struct {
	Type  string
	Value string
}

// Photo is the context of the photo the patient is looking at.
type Photo struct {
	ID      string
	Caption string
	Tags    []Tag
	Date    string
}

// Params identify the conversation to join.
type Params struct {
	SessionID string
	PatientID string
	Token     string

	// URL is the voice endpoint. When empty the session's endpoint builder
	// (see [WithEndpoint]) derives it from the other fields.
	URL string

	// InitialPhoto, when set, is described to the assistant as soon as the
	// peer acknowledges the connection.
	InitialPhoto *Photo
}
