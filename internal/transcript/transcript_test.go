package transcript_test

import (
	"context"
	"encoding/json"
	"errors"
	"sync/atomic"
	"testing"
	"time"

	"github.com/MrWong99/reminisce/internal/transcript"
)

func TestWordCount_CountsUserAndModelOnly(t *testing.T) {
	t.Parallel()

	entries := []transcript.Entry{
		{Role: transcript.RoleUser, Text: "  my   mother's garden "},
		{Role: transcript.RoleModel, Text: "Tell me more about it."},
		{Role: transcript.RoleSystem, Text: "Viewed photo abc"},
	}
	if got := transcript.WordCount(entries); got != 8 {
		t.Errorf("WordCount = %d, want 8", got)
	}
}

func TestLog_SnapshotIsCopy(t *testing.T) {
	t.Parallel()

	var l transcript.Log
	l.Append(transcript.Entry{Role: transcript.RoleUser, Text: "hello"})
	snap := l.Snapshot()
	snap[0].Text = "changed"
	l.Append(transcript.Entry{Role: transcript.RoleModel, Text: "hi"})

	if got := l.Snapshot()[0].Text; got != "hello" {
		t.Errorf("log mutated through snapshot: %q", got)
	}
	if l.Len() != 2 {
		t.Errorf("Len = %d, want 2", l.Len())
	}
}

func TestNewRecord_JSONShape(t *testing.T) {
	t.Parallel()

	ts := time.Date(2026, 1, 2, 3, 4, 5, 0, time.UTC)
	rec := transcript.NewRecord("sess-9", []transcript.Entry{
		{Role: transcript.RoleUser, Text: "one two", Timestamp: ts},
		{Role: transcript.RoleSystem, Text: "Viewed photo p1", Timestamp: ts, PhotoID: "p1"},
	}, 90500*time.Millisecond)

	data, err := json.Marshal(rec)
	if err != nil {
		t.Fatalf("Marshal: %v", err)
	}
	var got map[string]any
	if err := json.Unmarshal(data, &got); err != nil {
		t.Fatalf("Unmarshal: %v", err)
	}
	if got["duration"] != float64(90) || got["word_count"] != float64(2) {
		t.Errorf("duration=%v word_count=%v, want 90 and 2", got["duration"], got["word_count"])
	}
	if _, ok := got["SessionID"]; ok {
		t.Error("session id leaked into the JSON body")
	}
	entries := got["transcript"].([]any)
	first := entries[0].(map[string]any)
	if _, ok := first["photo_id"]; ok {
		t.Error("empty photo_id should be omitted")
	}
	if entries[1].(map[string]any)["photo_id"] != "p1" {
		t.Error("photo_id missing on system entry")
	}
}

func TestNewRecord_EmptyTranscriptIsArray(t *testing.T) {
	t.Parallel()
	data, _ := json.Marshal(transcript.NewRecord("s", nil, 0))
	if want := `{"transcript":[],"duration":0,"word_count":0}`; string(data) != want {
		t.Errorf("JSON = %s, want %s", data, want)
	}
}

// ── Fanout ────────────────────────────────────────────────────────────────────

func TestFanout_UploadsToAllSinks(t *testing.T) {
	t.Parallel()

	boom := errors.New("boom")
	var okCalls, badCalls atomic.Int32
	f := transcript.NewFanout(nil,
		transcript.Sink{Name: "ok", Uploader: transcript.UploaderFunc(func(_ context.Context, rec transcript.Record) error {
			if rec.SessionID != "s1" {
				t.Errorf("SessionID = %q, want s1", rec.SessionID)
			}
			okCalls.Add(1)
			return nil
		})},
		transcript.Sink{Name: "bad", Uploader: transcript.UploaderFunc(func(context.Context, transcript.Record) error {
			badCalls.Add(1)
			return boom
		})},
	)

	err := f.Upload(context.Background(), transcript.NewRecord("s1", nil, time.Second))
	if !errors.Is(err, boom) {
		t.Errorf("err = %v, want wrapping boom", err)
	}
	if okCalls.Load() != 1 || badCalls.Load() != 1 {
		t.Errorf("calls ok=%d bad=%d, want 1 each", okCalls.Load(), badCalls.Load())
	}
}

func TestFanout_NoSinks(t *testing.T) {
	t.Parallel()
	if err := transcript.NewFanout(nil).Upload(context.Background(), transcript.Record{}); err != nil {
		t.Errorf("Upload with no sinks: %v", err)
	}
}
