package app

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/MrWong99/reminisce/internal/backend"
	"github.com/MrWong99/reminisce/internal/session"
	"github.com/MrWong99/reminisce/internal/transcript"
)

var (
	// ErrSessionActive is returned by [SessionManager.Start] while a therapy
	// session is running.
	ErrSessionActive = errors.New("app: a therapy session is already active")

	// ErrNoSession is returned when an operation needs a running session.
	ErrNoSession = errors.New("app: no active therapy session")

	// ErrEndOfQueue is returned by [SessionManager.Next] on the last photo.
	ErrEndOfQueue = errors.New("app: no more photos in the queue")
)

// TherapyAPI opens and closes therapy sessions. [*backend.Client]
// implements it.
type TherapyAPI interface {
	StartSession(ctx context.Context, patientID string, voiceEnabled bool) (*backend.TherapySession, error)
	EndSession(ctx context.Context, sessionID string, stats backend.EndStats) error
}

var _ TherapyAPI = (*backend.Client)(nil)

// Voice is the voice conversation of a therapy session. [*session.Session]
// implements it.
type Voice interface {
	Connect(ctx context.Context, p session.Params) error
	Disconnect(ctx context.Context) error
	ToggleListening(ctx context.Context) error
	SendPhotoChange(ctx context.Context, p session.Photo) error
	State() session.Snapshot
	Ready(ctx context.Context) error
	OnStateChange(fn func(session.Snapshot))
	OnTranscript(fn func(transcript.Entry))
	Close() error
}

var _ Voice = (*session.Session)(nil)

// SessionInfo describes the active therapy session.
type SessionInfo struct {
	SessionID    string
	PatientID    string
	StartedAt    time.Time
	PhotosViewed int

	// Photo is the photo currently on screen; zero when the queue is empty.
	Photo session.Photo
}

// SessionManager runs one therapy session at a time: it opens it with the
// API, walks its photo queue and keeps the voice conversation in step.
// All exported methods are safe for concurrent use.
type SessionManager struct {
	api       TherapyAPI
	voice     Voice
	patientID string
	token     string

	mu     sync.Mutex
	active bool
	info   SessionInfo
	photos []session.Photo
	index  int
}

// SessionManagerConfig holds the dependencies of a [SessionManager].
type SessionManagerConfig struct {
	API       TherapyAPI
	Voice     Voice
	PatientID string
	Token     string
}

// NewSessionManager creates a SessionManager.
func NewSessionManager(cfg SessionManagerConfig) *SessionManager {
	return &SessionManager{
		api:       cfg.API,
		voice:     cfg.Voice,
		patientID: cfg.PatientID,
		token:     cfg.Token,
	}
}

// Start opens a voice-enabled therapy session and connects the voice
// conversation with the first photo of the queue as its context. When the
// voice connection fails the therapy session is ended again.
func (sm *SessionManager) Start(ctx context.Context) error {
	sm.mu.Lock()
	defer sm.mu.Unlock()

	if sm.active {
		return fmt.Errorf("%w (id=%s)", ErrSessionActive, sm.info.SessionID)
	}

	ts, err := sm.api.StartSession(ctx, sm.patientID, true)
	if err != nil {
		return fmt.Errorf("app: start therapy session: %w", err)
	}
	photos := ts.Photos()

	params := session.Params{
		SessionID: ts.ID,
		PatientID: sm.patientID,
		Token:     sm.token,
	}
	info := SessionInfo{
		SessionID: ts.ID,
		PatientID: sm.patientID,
		StartedAt: time.Now(),
	}
	if len(photos) > 0 {
		first := photos[0]
		params.InitialPhoto = &first
		info.Photo = first
		info.PhotosViewed = 1
	}

	if err := sm.voice.Connect(ctx, params); err != nil {
		sm.end(ctx, info, false)
		return fmt.Errorf("app: connect voice: %w", err)
	}

	sm.active = true
	sm.info = info
	sm.photos = photos
	sm.index = 0

	slog.Info("therapy session started",
		"session_id", ts.ID,
		"patient_id", sm.patientID,
		"photos", len(photos),
	)
	return nil
}

// Next advances to the following photo and tells the voice conversation
// about it.
func (sm *SessionManager) Next(ctx context.Context) (session.Photo, error) {
	sm.mu.Lock()
	defer sm.mu.Unlock()

	if !sm.active {
		return session.Photo{}, ErrNoSession
	}
	if sm.index+1 >= len(sm.photos) {
		return session.Photo{}, ErrEndOfQueue
	}
	sm.index++
	p := sm.photos[sm.index]
	sm.info.Photo = p
	sm.info.PhotosViewed++

	if err := sm.voice.SendPhotoChange(ctx, p); err != nil {
		return p, fmt.Errorf("app: send photo change: %w", err)
	}
	return p, nil
}

// ToggleListening starts or stops streaming the microphone.
func (sm *SessionManager) ToggleListening(ctx context.Context) error {
	if !sm.IsActive() {
		return ErrNoSession
	}
	return sm.voice.ToggleListening(ctx)
}

// Stop disconnects the voice conversation and ends the therapy session.
// completed reports whether the patient reached the end naturally. Failing
// to end the session with the API is logged, not returned.
func (sm *SessionManager) Stop(ctx context.Context, completed bool) error {
	sm.mu.Lock()
	defer sm.mu.Unlock()

	if !sm.active {
		return ErrNoSession
	}
	if err := sm.voice.Disconnect(ctx); err != nil {
		slog.Warn("voice disconnect error", "session_id", sm.info.SessionID, "err", err)
	}
	sm.end(ctx, sm.info, completed)

	slog.Info("therapy session stopped",
		"session_id", sm.info.SessionID,
		"photos_viewed", sm.info.PhotosViewed,
	)
	sm.active = false
	sm.info = SessionInfo{}
	sm.photos = nil
	sm.index = 0
	return nil
}

func (sm *SessionManager) end(ctx context.Context, info SessionInfo, completed bool) {
	stats := backend.EndStats{
		PhotosViewed:       info.PhotosViewed,
		Duration:           int(time.Since(info.StartedAt).Seconds()),
		CompletedNaturally: completed,
	}
	if err := sm.api.EndSession(ctx, info.SessionID, stats); err != nil {
		slog.Warn("failed to end therapy session", "session_id", info.SessionID, "err", err)
	}
}

// IsActive reports whether a therapy session is running.
func (sm *SessionManager) IsActive() bool {
	sm.mu.Lock()
	defer sm.mu.Unlock()
	return sm.active
}

// Info returns the active session; the zero value when none is running.
func (sm *SessionManager) Info() SessionInfo {
	sm.mu.Lock()
	defer sm.mu.Unlock()
	return sm.info
}
