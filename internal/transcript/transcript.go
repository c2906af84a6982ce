// Package transcript records what was said during a voice session and hands
// the finished record to one or more persistence sinks.
package transcript

import (
	"strings"
	"sync"
	"time"
)

// Role identifies who produced an entry.
type Role string

const (
	RoleUser   Role = "user"
	RoleModel  Role = "model"
	RoleSystem Role = "system"
)

// Entry is one line of the session transcript.
type Entry struct {
	Role      Role      `json:"role"`
	Text      string    `json:"text"`
	Timestamp time.Time `json:"timestamp"`
	PhotoID   string    `json:"photo_id,omitempty"`
}

// Log is an append-only transcript. Safe for concurrent use.
type Log struct {
	mu      sync.Mutex
	entries []Entry
}

// Append adds e to the end of the log.
func (l *Log) Append(e Entry) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.entries = append(l.entries, e)
}

// Len returns the number of entries.
func (l *Log) Len() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.entries)
}

// Snapshot returns a copy of all entries in order.
func (l *Log) Snapshot() []Entry {
	l.mu.Lock()
	defer l.mu.Unlock()
	out := make([]Entry, len(l.entries))
	copy(out, l.entries)
	return out
}

// WordCount counts whitespace-separated words spoken by the user and the
// model. System entries are bookkeeping and do not count.
func WordCount(entries []Entry) int {
	n := 0
	for _, e := range entries {
		if e.Role == RoleUser || e.Role == RoleModel {
			n += len(strings.Fields(e.Text))
		}
	}
	return n
}

// Record is the persisted form of a finished session transcript.
type Record struct {
	SessionID  string  `json:"-"`
	Transcript []Entry `json:"transcript"`
	// Duration is the session length in whole seconds.
	Duration  int `json:"duration"`
	WordCount int `json:"word_count"`
}

// NewRecord builds the record for sessionID.
func NewRecord(sessionID string, entries []Entry, duration time.Duration) Record {
	if entries == nil {
		entries = []Entry{}
	}
	return Record{
		SessionID:  sessionID,
		Transcript: entries,
		Duration:   int(duration / time.Second),
		WordCount:  WordCount(entries),
	}
}
