// Package backend talks to the reminiscence therapy REST API: it opens and
// closes therapy sessions, derives the voice websocket endpoint and stores
// finished voice transcripts.
//
// The API is a handful of JSON endpoints, so the client is plain net/http.
package backend

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/MrWong99/reminisce/internal/observe"
	"github.com/MrWong99/reminisce/internal/resilience"
	"github.com/MrWong99/reminisce/internal/session"
	"github.com/MrWong99/reminisce/internal/transcript"
)

const defaultTimeout = 15 * time.Second

// maxErrorBody caps how much of an error response is quoted in the error.
const maxErrorBody = 512

// StatusError is returned for any non-2xx response.
type StatusError struct {
	Op     string
	Status int
	Body   string
}

func (e *StatusError) Error() string {
	if e.Body == "" {
		return fmt.Sprintf("backend: %s: status %d", e.Op, e.Status)
	}
	return fmt.Sprintf("backend: %s: status %d: %s", e.Op, e.Status, e.Body)
}

// Option configures a [Client].
type Option func(*Client)

// WithHTTPClient replaces the default HTTP client.
func WithHTTPClient(hc *http.Client) Option {
	return func(c *Client) { c.http = hc }
}

// WithBreaker guards every call with b. Use [Transient] as its failure
// classifier so client errors do not open it.
func WithBreaker(b *resilience.Breaker) Option {
	return func(c *Client) { c.breaker = b }
}

// WithMetrics overrides [observe.DefaultMetrics].
func WithMetrics(m *observe.Metrics) Option {
	return func(c *Client) { c.metrics = m }
}

// Client is safe for concurrent use.
type Client struct {
	base    *url.URL
	token   string
	http    *http.Client
	metrics *observe.Metrics
	breaker *resilience.Breaker
}

var _ transcript.Uploader = (*Client)(nil)

// New returns a client for the API rooted at baseURL (scheme and host, e.g.
// "https://api.example.org"). token is sent as a bearer credential.
func New(baseURL, token string, opts ...Option) (*Client, error) {
	u, err := url.Parse(strings.TrimRight(baseURL, "/"))
	if err != nil {
		return nil, fmt.Errorf("backend: parse base url: %w", err)
	}
	if u.Scheme != "http" && u.Scheme != "https" {
		return nil, fmt.Errorf("backend: base url %q must be http or https", baseURL)
	}
	if u.Host == "" {
		return nil, fmt.Errorf("backend: base url %q has no host", baseURL)
	}
	c := &Client{
		base:  u,
		token: token,
		http:  &http.Client{Timeout: defaultTimeout},
	}
	for _, o := range opts {
		o(c)
	}
	if c.metrics == nil {
		c.metrics = observe.DefaultMetrics()
	}
	return c, nil
}

// ── Therapy sessions ─────────────────────────────────────────────────────────

// Tag is a photo label as the API returns it.
type Tag struct {
	Type  string `json:"tag_type"`
	Value string `json:"tag_value"`
}

// MediaItem is one photo in a session's media queue.
type MediaItem struct {
	ID          string `json:"id"`
	Caption     string `json:"caption"`
	DateTaken   string `json:"date_taken"`
	URL         string `json:"url"`
	StoragePath string `json:"storage_path"`
	Tags        []Tag  `json:"tags"`
}

// Photo converts the item to the context a voice session describes.
func (m MediaItem) Photo() session.Photo {
	p := session.Photo{ID: m.ID, Caption: m.Caption, Date: m.DateTaken}
	for _, t := range m.Tags {
		p.Tags = append(p.Tags, session.Tag{Type: t.Type, Value: t.Value})
	}
	return p
}

// TherapySession is a started slideshow session.
type TherapySession struct {
	ID              string      `json:"id"`
	PatientID       string      `json:"patient_id"`
	StartedAt       time.Time   `json:"started_at"`
	EndedAt         *time.Time  `json:"ended_at"`
	PhotosViewed    int         `json:"photos_viewed"`
	DurationSeconds int         `json:"duration_seconds"`
	VoiceEnabled    bool        `json:"voice_enabled"`
	MediaQueue      []MediaItem `json:"media_queue"`
}

// Photos returns the media queue as session photo contexts.
func (t *TherapySession) Photos() []session.Photo {
	out := make([]session.Photo, 0, len(t.MediaQueue))
	for _, m := range t.MediaQueue {
		out = append(out, m.Photo())
	}
	return out
}

// EndStats summarise a finished therapy session.
type EndStats struct {
	PhotosViewed       int  `json:"photos_viewed"`
	Duration           int  `json:"duration"`
	CompletedNaturally bool `json:"completed_naturally"`
}

// StartSession opens a therapy session for patientID and returns it with its
// media queue.
func (c *Client) StartSession(ctx context.Context, patientID string, voiceEnabled bool) (*TherapySession, error) {
	body := struct {
		PatientID    string `json:"patient_id"`
		VoiceEnabled bool   `json:"voice_enabled"`
	}{patientID, voiceEnabled}

	var out TherapySession
	if err := c.call(ctx, "start_session", http.MethodPost, "/api/therapy-sessions", body, &out); err != nil {
		return nil, err
	}
	if out.ID == "" {
		return nil, fmt.Errorf("backend: start_session: response has no session id")
	}
	return &out, nil
}

// EndSession marks the therapy session finished.
func (c *Client) EndSession(ctx context.Context, sessionID string, stats EndStats) error {
	path := "/api/therapy-sessions/" + sessionID + "/end"
	return c.call(ctx, "end_session", http.MethodPatch, path, stats, nil)
}

// ── Voice ────────────────────────────────────────────────────────────────────

// VoiceURL returns the websocket endpoint of the voice conversation for
// sessionID. The scheme follows the API: http becomes ws, https becomes wss.
func (c *Client) VoiceURL(sessionID, patientID string) string {
	u := *c.base
	if u.Scheme == "https" {
		u.Scheme = "wss"
	} else {
		u.Scheme = "ws"
	}
	u.Path = strings.TrimRight(u.Path, "/") + "/api/voice/ws/voice/" + sessionID
	q := url.Values{}
	q.Set("patient_id", patientID)
	q.Set("token", c.token)
	u.RawQuery = q.Encode()
	return u.String()
}

// Endpoint adapts [Client.VoiceURL] to [session.EndpointFunc].
func (c *Client) Endpoint(p session.Params) string {
	return c.VoiceURL(p.SessionID, p.PatientID)
}

// Upload stores a finished voice transcript. It implements
// [transcript.Uploader].
func (c *Client) Upload(ctx context.Context, rec transcript.Record) error {
	if rec.SessionID == "" {
		return fmt.Errorf("backend: upload_transcript: record has no session id")
	}
	path := "/api/voice/transcript/" + rec.SessionID
	return c.call(ctx, "upload_transcript", http.MethodPost, path, rec, nil)
}

// ── Plumbing ─────────────────────────────────────────────────────────────────

// Transient reports whether err is worth counting against a breaker:
// transport failures and 5xx responses, but not 4xx or cancellation.
func Transient(err error) bool {
	if err == nil || errors.Is(err, context.Canceled) {
		return false
	}
	var se *StatusError
	if errors.As(err, &se) {
		return se.Status >= 500
	}
	return true
}

// call sends in as JSON and decodes the response into out when out is
// non-nil.
func (c *Client) call(ctx context.Context, op, method, path string, in, out any) error {
	if c.breaker == nil {
		return c.roundTrip(ctx, op, method, path, in, out)
	}
	err := c.breaker.Do(ctx, func(ctx context.Context) error {
		return c.roundTrip(ctx, op, method, path, in, out)
	})
	if errors.Is(err, resilience.ErrOpen) {
		c.metrics.RecordBackendRequest(ctx, op, "circuit_open")
		return fmt.Errorf("backend: %s: %w", op, err)
	}
	return err
}

func (c *Client) roundTrip(ctx context.Context, op, method, path string, in, out any) error {
	ctx, span := observe.StartSpan(ctx, "backend."+op)
	defer span.End()

	status := "error"
	defer func() { c.metrics.RecordBackendRequest(ctx, op, status) }()

	payload, err := json.Marshal(in)
	if err != nil {
		return fmt.Errorf("backend: %s: encode: %w", op, err)
	}
	u := *c.base
	u.Path = strings.TrimRight(u.Path, "/") + path
	req, err := http.NewRequestWithContext(ctx, method, u.String(), bytes.NewReader(payload))
	if err != nil {
		return fmt.Errorf("backend: %s: build request: %w", op, err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Accept", "application/json")
	if c.token != "" {
		req.Header.Set("Authorization", "Bearer "+c.token)
	}
	if method != http.MethodGet {
		req.Header.Set("Idempotency-Key", uuid.NewString())
	}
	observe.InjectHeaders(ctx, req.Header)

	resp, err := c.http.Do(req)
	if err != nil {
		return fmt.Errorf("backend: %s: %w", op, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, maxErrorBody))
		status = strconv.Itoa(resp.StatusCode)
		return &StatusError{Op: op, Status: resp.StatusCode, Body: strings.TrimSpace(string(body))}
	}
	if out != nil {
		if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
			return fmt.Errorf("backend: %s: decode response: %w", op, err)
		}
	}
	status = "ok"
	observe.Logger(ctx).Debug("backend request completed", "op", op, "status", resp.StatusCode)
	return nil
}
