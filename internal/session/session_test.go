package session_test

import (
	"context"
	"encoding/json"
	"errors"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/MrWong99/reminisce/internal/session"
	"github.com/MrWong99/reminisce/internal/transcript"
	"github.com/MrWong99/reminisce/internal/transport"
	tmock "github.com/MrWong99/reminisce/internal/transport/mock"
	"github.com/MrWong99/reminisce/pkg/audio/capture"
	cmock "github.com/MrWong99/reminisce/pkg/audio/capture/mock"
	"github.com/MrWong99/reminisce/pkg/audio/playback"
	pmock "github.com/MrWong99/reminisce/pkg/audio/playback/mock"
)

// harness wires a session to mock collaborators.
type harness struct {
	s       *session.Session
	dialer  *tmock.Dialer
	player  *pmock.Player
	src     *cmock.Source
	players int

	mu      sync.Mutex
	records []transcript.Record
	states  []session.State
}

func newHarness(t *testing.T, opts ...session.Option) *harness {
	t.Helper()
	h := &harness{
		dialer: &tmock.Dialer{},
		player: &pmock.Player{},
		src:    &cmock.Source{Rate: 48000},
	}
	pipe, err := capture.New(capture.Config{}, h.src, capture.WithLock(&capture.Lock{}))
	if err != nil {
		t.Fatalf("capture.New: %v", err)
	}
	base := []session.Option{
		session.WithDialer(h.dialer),
		session.WithCapturer(pipe),
		session.WithPlayerFactory(func() (playback.Player, error) {
			h.mu.Lock()
			h.players++
			h.mu.Unlock()
			return h.player, nil
		}),
		session.WithUploader(transcript.UploaderFunc(func(_ context.Context, rec transcript.Record) error {
			h.mu.Lock()
			defer h.mu.Unlock()
			h.records = append(h.records, rec)
			return nil
		})),
	}
	h.s = session.New(append(base, opts...)...)
	h.s.OnStateChange(func(snap session.Snapshot) {
		h.mu.Lock()
		defer h.mu.Unlock()
		h.states = append(h.states, snap.State)
	})
	t.Cleanup(func() { _ = h.s.Close() })
	return h
}

func validParams() session.Params {
	return session.Params{
		SessionID: "sess-1",
		PatientID: "pat-1",
		Token:     "tok",
		URL:       "ws://backend/api/voice/ws/voice/sess-1",
	}
}

// connect opens a connection and delivers the peer acknowledgement.
func (h *harness) connect(t *testing.T, p session.Params) *tmock.Conn {
	t.Helper()
	if err := h.s.Connect(context.Background(), p); err != nil {
		t.Fatalf("Connect: %v", err)
	}
	conn := h.dialer.Last()
	conn.InjectJSON(map[string]string{"type": "connected", "session_id": p.SessionID})
	waitState(t, h.s, session.Connected)
	return conn
}

func (h *harness) uploads() []transcript.Record {
	h.mu.Lock()
	defer h.mu.Unlock()
	out := make([]transcript.Record, len(h.records))
	copy(out, h.records)
	return out
}

func waitFor(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for !cond() {
		if time.Now().After(deadline) {
			t.Fatalf("timed out waiting for %s", what)
		}
		time.Sleep(2 * time.Millisecond)
	}
}

func waitState(t *testing.T, s *session.Session, want session.State) {
	t.Helper()
	waitFor(t, "state "+want.String(), func() bool { return s.State().State == want })
}

// audioFrame builds an inbound audio message with the given sequence number.
func audioFrame(seq byte, pcm ...byte) []byte {
	hdr := []byte{0x01, 0, 0, 0, seq, 0, 0, 0, 0, 0, 0, 0, 100}
	return append(hdr, pcm...)
}

// ── Connect ──────────────────────────────────────────────────────────────────

func TestConnect_MissingParamsFailsWithoutIO(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name   string
		mutate func(*session.Params)
	}{
		{"no session", func(p *session.Params) { p.SessionID = "" }},
		{"no patient", func(p *session.Params) { p.PatientID = "" }},
		{"no token", func(p *session.Params) { p.Token = "" }},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			h := newHarness(t)
			p := validParams()
			tt.mutate(&p)

			err := h.s.Connect(context.Background(), p)
			if !errors.Is(err, session.ErrInvalidParams) {
				t.Fatalf("err = %v, want ErrInvalidParams", err)
			}
			if got := h.s.State().State; got != session.Error {
				t.Errorf("state = %v, want error", got)
			}
			if h.dialer.CallCount() != 0 {
				t.Error("transport must not be dialled")
			}
		})
	}
}

func TestConnect_PermissionDenied(t *testing.T) {
	t.Parallel()
	denied := capture.PermissionFunc(func(context.Context) error { return capture.ErrPermissionDenied })
	h := newHarness(t, session.WithPermission(denied))

	err := h.s.Connect(context.Background(), validParams())
	if !errors.Is(err, session.ErrMicrophone) {
		t.Fatalf("err = %v, want ErrMicrophone", err)
	}
	snap := h.s.State()
	if snap.State != session.Error {
		t.Fatalf("state = %v, want error", snap.State)
	}
	if !strings.Contains(strings.ToLower(snap.Err), "microphone") {
		t.Errorf("error text %q does not mention the microphone", snap.Err)
	}
	if h.dialer.CallCount() != 0 {
		t.Error("transport must not be dialled after a refused permission")
	}
	h.mu.Lock()
	players := h.players
	h.mu.Unlock()
	if players != 0 {
		t.Error("player must not be created after a refused permission")
	}
}

func TestConnect_DialFailure(t *testing.T) {
	t.Parallel()
	h := newHarness(t)
	h.dialer.DialError = errors.New("refused")

	if err := h.s.Connect(context.Background(), validParams()); err == nil {
		t.Fatal("expected an error")
	}
	if snap := h.s.State(); snap.State != session.Error || snap.Err != "Connection error" {
		t.Errorf("snapshot = %+v, want error/Connection error", snap)
	}
	if _, _, destroys := h.player.Counts(); destroys != 1 {
		t.Errorf("player destroyed %d times, want 1", destroys)
	}
}

func TestConnect_WaitsForAcknowledgement(t *testing.T) {
	t.Parallel()
	h := newHarness(t)

	if err := h.s.Connect(context.Background(), validParams()); err != nil {
		t.Fatalf("Connect: %v", err)
	}
	if got := h.s.State().State; got != session.Connecting {
		t.Fatalf("state = %v, want connecting until acknowledged", got)
	}
	if inits, _, _ := h.player.Counts(); inits != 1 {
		t.Errorf("player Init called %d times, want 1", inits)
	}
	if err := h.s.Connect(context.Background(), validParams()); !errors.Is(err, session.ErrAlreadyConnected) {
		t.Errorf("second Connect err = %v, want ErrAlreadyConnected", err)
	}
}

func TestConnect_EndpointBuilder(t *testing.T) {
	t.Parallel()
	h := newHarness(t, session.WithEndpoint(func(p session.Params) string {
		return "ws://built/" + p.SessionID
	}))
	p := validParams()
	p.URL = ""
	if err := h.s.Connect(context.Background(), p); err != nil {
		t.Fatalf("Connect: %v", err)
	}
	if got := h.dialer.Calls[0].URL; got != "ws://built/sess-1" {
		t.Errorf("dialled %q", got)
	}
}

func TestConnect_AckSendsOneGreeting(t *testing.T) {
	t.Parallel()
	h := newHarness(t)
	p := validParams()
	p.InitialPhoto = &session.Photo{
		ID:      "photo-1",
		Caption: "Summer at the lake",
		Tags:    []session.Tag{{Type: "person", Value: "Grandma Rose"}},
		Date:    "1972",
	}
	conn := h.connect(t, p)

	// A repeated acknowledgement must not send a second greeting.
	conn.InjectJSON(map[string]string{"type": "connected"})
	conn.InjectJSON(map[string]string{"type": "transcript", "role": "model", "text": "Hello"})
	waitFor(t, "transcript entry", func() bool { return len(h.s.Transcript()) == 1 })

	writes := conn.JSONWrites()
	if len(writes) != 1 {
		t.Fatalf("got %d JSON writes, want exactly 1", len(writes))
	}
	var msg struct {
		Type string `json:"type"`
		Text string `json:"text"`
	}
	if err := json.Unmarshal(writes[0], &msg); err != nil {
		t.Fatal(err)
	}
	if msg.Type != "text" {
		t.Errorf("type = %q, want text", msg.Type)
	}
	for _, want := range []string{"Summer at the lake", "Grandma Rose", "1972"} {
		if !strings.Contains(msg.Text, want) {
			t.Errorf("greeting %q does not mention %q", msg.Text, want)
		}
	}
}

func TestConnect_NoGreetingWithoutPhoto(t *testing.T) {
	t.Parallel()
	h := newHarness(t)
	conn := h.connect(t, validParams())
	if n := len(conn.JSONWrites()); n != 0 {
		t.Errorf("got %d JSON writes, want none", n)
	}
}

// ── Inbound audio ────────────────────────────────────────────────────────────

func TestAudio_SpeakingBeforeEnqueue(t *testing.T) {
	t.Parallel()
	h := newHarness(t)
	conn := h.connect(t, validParams())

	var seen []session.State
	var mu sync.Mutex
	h.player.OnEnqueue = func([]byte) {
		mu.Lock()
		defer mu.Unlock()
		seen = append(seen, h.s.State().State)
	}
	conn.InjectBinary(audioFrame(1, 0x01, 0x00, 0x02, 0x00))
	waitFor(t, "enqueue", func() bool { return len(h.player.Enqueued()) == 1 })

	mu.Lock()
	defer mu.Unlock()
	if len(seen) != 1 || seen[0] != session.Speaking {
		t.Errorf("state at enqueue = %v, want [speaking]", seen)
	}
	if got := h.player.Enqueued()[0]; string(got) != string([]byte{0x01, 0x00, 0x02, 0x00}) {
		t.Errorf("enqueued % x, want the payload after the header", got)
	}
}

func TestAudio_ShortFrameDropped(t *testing.T) {
	t.Parallel()
	h := newHarness(t)
	conn := h.connect(t, validParams())

	conn.InjectBinary([]byte{0x01, 0x00, 0x00})
	conn.InjectBinary([]byte{0x02, 0, 0, 0, 1, 0, 0, 0, 0, 0, 0, 0, 0, 0xAA, 0xBB})
	conn.InjectJSON(map[string]string{"type": "transcript", "role": "user", "text": "sync"})
	waitFor(t, "transcript entry", func() bool { return len(h.s.Transcript()) == 1 })

	if n := len(h.player.Enqueued()); n != 0 {
		t.Errorf("enqueued %d chunks, want 0", n)
	}
	if got := h.s.State().State; got != session.Connected {
		t.Errorf("state = %v, want connected", got)
	}
}

func TestDrained_ReturnsToConnected(t *testing.T) {
	t.Parallel()
	h := newHarness(t)
	conn := h.connect(t, validParams())

	conn.InjectBinary(audioFrame(1, 0x00, 0x00))
	waitState(t, h.s, session.Speaking)
	h.player.Drain()
	waitState(t, h.s, session.Connected)
}

// ── Control messages ─────────────────────────────────────────────────────────

func TestInterrupted_ClearsAndReturnsConnected(t *testing.T) {
	t.Parallel()
	h := newHarness(t)
	conn := h.connect(t, validParams())

	conn.InjectBinary(audioFrame(1, 0x00, 0x00))
	waitState(t, h.s, session.Speaking)

	conn.InjectJSON(map[string]string{"type": "interrupted"})
	waitState(t, h.s, session.Connected)
	if _, clears, _ := h.player.Counts(); clears != 1 {
		t.Errorf("Clear called %d times, want 1", clears)
	}
}

func TestTranscript_EmittedWithoutStateChange(t *testing.T) {
	t.Parallel()
	h := newHarness(t)

	var mu sync.Mutex
	var got []transcript.Entry
	h.s.OnTranscript(func(e transcript.Entry) {
		mu.Lock()
		defer mu.Unlock()
		got = append(got, e)
	})
	conn := h.connect(t, validParams())
	conn.InjectJSON(map[string]string{"type": "transcript", "role": "user", "text": "That is my sister"})

	waitFor(t, "callback", func() bool {
		mu.Lock()
		defer mu.Unlock()
		return len(got) == 1
	})
	mu.Lock()
	defer mu.Unlock()
	if got[0].Role != transcript.RoleUser || got[0].Text != "That is my sister" {
		t.Errorf("entry = %+v", got[0])
	}
	if s := h.s.State().State; s != session.Connected {
		t.Errorf("state = %v, want connected", s)
	}
}

func TestErrorMessage_EntersErrorAndSurvivesPeerClose(t *testing.T) {
	t.Parallel()
	h := newHarness(t)
	conn := h.connect(t, validParams())

	conn.InjectJSON(map[string]string{"type": "error", "message": "model unavailable"})
	waitState(t, h.s, session.Error)
	if got := h.s.State().Err; got != "model unavailable" {
		t.Errorf("Err = %q", got)
	}

	conn.End(&transport.CloseError{Code: 1000})
	waitFor(t, "teardown", func() bool {
		_, _, destroys := h.player.Counts()
		return destroys == 1
	})
	if got := h.s.State(); got.State != session.Error || got.Err != "model unavailable" {
		t.Errorf("snapshot = %+v, want the original error kept", got)
	}
}

// ── Transport close ──────────────────────────────────────────────────────────

func TestPeerClose_Disconnects(t *testing.T) {
	t.Parallel()
	h := newHarness(t)
	conn := h.connect(t, validParams())

	conn.End(&transport.CloseError{Code: 1000, Reason: "bye"})
	waitState(t, h.s, session.Disconnected)
}

func TestTransportFailure_EntersError(t *testing.T) {
	t.Parallel()
	h := newHarness(t)
	conn := h.connect(t, validParams())

	conn.End(errors.New("connection reset"))
	waitState(t, h.s, session.Error)
	if got := h.s.State().Err; got != "Connection error" {
		t.Errorf("Err = %q", got)
	}
	if h.dialer.CallCount() != 1 {
		t.Error("session must not reconnect on its own")
	}
}

// ── Listening ────────────────────────────────────────────────────────────────

func TestToggleListening_RequiresConnection(t *testing.T) {
	t.Parallel()
	h := newHarness(t)
	if err := h.s.ToggleListening(context.Background()); !errors.Is(err, session.ErrNotConnected) {
		t.Fatalf("err = %v, want ErrNotConnected", err)
	}
	if h.src.CallCountOpen != 0 {
		t.Error("microphone opened without a connection")
	}
}

func TestToggleListening_StreamsMicrophone(t *testing.T) {
	t.Parallel()
	h := newHarness(t)
	conn := h.connect(t, validParams())

	if err := h.s.ToggleListening(context.Background()); err != nil {
		t.Fatalf("start: %v", err)
	}
	if got := h.s.State().State; got != session.Listening {
		t.Fatalf("state = %v, want listening", got)
	}

	// 100 ms at 48 kHz becomes one 1600-sample chunk at 16 kHz.
	h.src.Emit(make([]float32, 4800))
	waitFor(t, "outbound audio", func() bool { return len(conn.BinaryWrites()) == 1 })
	if n := len(conn.BinaryWrites()[0]); n != 3200 {
		t.Errorf("chunk is %d bytes, want 3200", n)
	}

	if err := h.s.ToggleListening(context.Background()); err != nil {
		t.Fatalf("stop: %v", err)
	}
	if got := h.s.State().State; got != session.Connected {
		t.Errorf("state = %v, want connected", got)
	}
	if h.src.IsOpen() {
		t.Error("microphone still open after stop")
	}
}

// stateLog waits for n notifications and returns them.
func (h *harness) stateLog(t *testing.T, n int) []session.State {
	t.Helper()
	waitFor(t, "state notifications", func() bool {
		h.mu.Lock()
		defer h.mu.Unlock()
		return len(h.states) >= n
	})
	h.mu.Lock()
	defer h.mu.Unlock()
	return append([]session.State(nil), h.states...)
}

func sameStates(got, want []session.State) bool {
	if len(got) != len(want) {
		return false
	}
	for i := range want {
		if got[i] != want[i] {
			return false
		}
	}
	return true
}

func TestToggleListening_StopFlushesThenReturnsConnected(t *testing.T) {
	t.Parallel()
	h := newHarness(t)
	conn := h.connect(t, validParams())

	if err := h.s.ToggleListening(context.Background()); err != nil {
		t.Fatal(err)
	}
	// 50 ms is below one encoder frame, so nothing leaves until the flush.
	h.src.Emit(make([]float32, 2400))
	if err := h.s.ToggleListening(context.Background()); err != nil {
		t.Fatal(err)
	}

	writes := conn.BinaryWrites()
	if len(writes) != 1 || len(writes[0]) != 1600 {
		t.Fatalf("flushed writes = %d, want one 800-sample chunk", len(writes))
	}
	if got := h.s.State().State; got != session.Connected {
		t.Fatalf("state = %v, want connected without any peer reply", got)
	}
	want := []session.State{
		session.Connecting, session.Connected, session.Listening,
		session.Processing, session.Connected,
	}
	if got := h.stateLog(t, len(want)); !sameStates(got, want) {
		t.Errorf("states = %v, want %v", got, want)
	}
}

func TestToggleListening_SpeakingPreemptsProcessing(t *testing.T) {
	t.Parallel()
	h := newHarness(t)
	conn := h.connect(t, validParams())

	if err := h.s.ToggleListening(context.Background()); err != nil {
		t.Fatal(err)
	}
	h.src.Emit(make([]float32, 4800))
	waitFor(t, "outbound audio", func() bool { return len(conn.BinaryWrites()) == 1 })

	// The assistant answers while the microphone is still open.
	conn.InjectBinary(audioFrame(1, 0x00, 0x00))
	waitState(t, h.s, session.Speaking)
	if h.src.IsOpen() {
		t.Error("microphone still open while speaking")
	}
	h.player.Drain()
	waitState(t, h.s, session.Connected)

	sent := len(conn.BinaryWrites())
	h.src.Emit(make([]float32, 4800))
	time.Sleep(20 * time.Millisecond)
	if n := len(conn.BinaryWrites()); n != sent {
		t.Errorf("%d microphone chunks sent after the turn ended", n-sent)
	}

	want := []session.State{
		session.Connecting, session.Connected, session.Listening,
		session.Speaking, session.Connected,
	}
	if got := h.stateLog(t, len(want)); !sameStates(got, want) {
		t.Errorf("states = %v, want %v", got, want)
	}

	// The next toggle opens a new turn instead of silently closing the mic.
	if err := h.s.ToggleListening(context.Background()); err != nil {
		t.Fatal(err)
	}
	if got := h.s.State().State; got != session.Listening || !h.src.IsOpen() {
		t.Errorf("after toggle: state = %v, mic open = %v", got, h.src.IsOpen())
	}
}

// ── Photo changes ────────────────────────────────────────────────────────────

func TestSendPhotoChange_RecordsWithoutConnection(t *testing.T) {
	t.Parallel()
	h := newHarness(t)

	if err := h.s.SendPhotoChange(context.Background(), session.Photo{ID: "p9"}); err != nil {
		t.Fatalf("SendPhotoChange: %v", err)
	}
	entries := h.s.Transcript()
	if len(entries) != 1 {
		t.Fatalf("got %d entries, want 1", len(entries))
	}
	if entries[0].Role != transcript.RoleSystem || entries[0].PhotoID != "p9" {
		t.Errorf("entry = %+v", entries[0])
	}
}

func TestSendPhotoChange_SendsTagValues(t *testing.T) {
	t.Parallel()
	h := newHarness(t)
	conn := h.connect(t, validParams())

	photo := session.Photo{
		ID:      "p2",
		Caption: "Wedding",
		Tags:    []session.Tag{{Type: "person", Value: "Tom"}, {Type: "place", Value: "Dublin"}},
		Date:    "1965-06-01",
	}
	if err := h.s.SendPhotoChange(context.Background(), photo); err != nil {
		t.Fatal(err)
	}
	writes := conn.JSONWrites()
	if len(writes) != 1 {
		t.Fatalf("got %d JSON writes, want 1", len(writes))
	}
	var msg struct {
		Type      string   `json:"type"`
		PhotoID   string   `json:"photo_id"`
		Caption   string   `json:"caption"`
		Tags      []string `json:"tags"`
		DateTaken string   `json:"date_taken"`
	}
	if err := json.Unmarshal(writes[0], &msg); err != nil {
		t.Fatal(err)
	}
	if msg.Type != "photo_change" || msg.PhotoID != "p2" || msg.Caption != "Wedding" || msg.DateTaken != "1965-06-01" {
		t.Errorf("message = %+v", msg)
	}
	if len(msg.Tags) != 2 || msg.Tags[0] != "Tom" || msg.Tags[1] != "Dublin" {
		t.Errorf("tags = %v, want [Tom Dublin]", msg.Tags)
	}
}

// ── Disconnect ───────────────────────────────────────────────────────────────

func TestDisconnect_ReleasesAndUploads(t *testing.T) {
	t.Parallel()
	h := newHarness(t)
	conn := h.connect(t, validParams())

	if err := h.s.ToggleListening(context.Background()); err != nil {
		t.Fatal(err)
	}
	conn.InjectJSON(map[string]string{"type": "transcript", "role": "user", "text": "hello there"})
	conn.InjectJSON(map[string]string{"type": "transcript", "role": "model", "text": "hi"})
	waitFor(t, "transcript", func() bool { return len(h.s.Transcript()) == 2 })

	if err := h.s.Disconnect(context.Background()); err != nil {
		t.Fatalf("Disconnect: %v", err)
	}
	if got := h.s.State().State; got != session.Disconnected {
		t.Errorf("state = %v, want disconnected", got)
	}
	if h.src.IsOpen() {
		t.Error("microphone still open")
	}
	if !conn.Closed() {
		t.Error("transport not closed")
	}
	if _, _, destroys := h.player.Counts(); destroys != 1 {
		t.Errorf("player destroyed %d times, want 1", destroys)
	}

	waitFor(t, "upload", func() bool { return len(h.uploads()) == 1 })
	rec := h.uploads()[0]
	if rec.SessionID != "sess-1" || rec.WordCount != 3 || len(rec.Transcript) != 2 {
		t.Errorf("record = %+v", rec)
	}

	// A second disconnect does not upload again.
	if err := h.s.Disconnect(context.Background()); err != nil {
		t.Fatal(err)
	}
	time.Sleep(20 * time.Millisecond)
	if n := len(h.uploads()); n != 1 {
		t.Errorf("uploads = %d, want 1", n)
	}
}

func TestDisconnect_UploadFailureSwallowed(t *testing.T) {
	t.Parallel()
	h := newHarness(t, session.WithUploader(transcript.UploaderFunc(func(context.Context, transcript.Record) error {
		return errors.New("backend down")
	})))
	conn := h.connect(t, validParams())
	conn.InjectJSON(map[string]string{"type": "transcript", "role": "user", "text": "hi"})
	waitFor(t, "transcript", func() bool { return len(h.s.Transcript()) == 1 })

	if err := h.s.Disconnect(context.Background()); err != nil {
		t.Fatalf("Disconnect returned %v, upload errors must be swallowed", err)
	}
}

func TestDisconnect_ThenReconnect(t *testing.T) {
	t.Parallel()
	h := newHarness(t)
	h.connect(t, validParams())
	if err := h.s.Disconnect(context.Background()); err != nil {
		t.Fatal(err)
	}
	second := h.connect(t, validParams())
	if second == nil || h.dialer.CallCount() != 2 {
		t.Errorf("dial count = %d, want 2", h.dialer.CallCount())
	}
	if len(h.s.Transcript()) != 0 {
		t.Error("transcript must start empty for a new connection")
	}
}

func TestClose_Terminal(t *testing.T) {
	t.Parallel()
	h := newHarness(t)
	h.connect(t, validParams())

	if err := h.s.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}
	if err := h.s.Connect(context.Background(), validParams()); !errors.Is(err, session.ErrClosed) {
		t.Errorf("Connect after Close err = %v, want ErrClosed", err)
	}
	if err := h.s.Close(); err != nil {
		t.Errorf("second Close: %v", err)
	}
}

func TestCallbacks_SlowListenerDoesNotStallSession(t *testing.T) {
	t.Parallel()
	h := newHarness(t)
	release := make(chan struct{})
	defer close(release)
	h.s.OnTranscript(func(transcript.Entry) { <-release })
	conn := h.connect(t, validParams())

	for i := range 400 {
		conn.InjectJSON(map[string]string{"type": "transcript", "role": "user", "text": strings.Repeat("a", i%5+1)})
	}
	waitFor(t, "transcript entries", func() bool { return len(h.s.Transcript()) == 400 })

	done := make(chan error, 1)
	go func() { done <- h.s.ToggleListening(context.Background()) }()
	select {
	case err := <-done:
		if err != nil {
			t.Fatalf("ToggleListening: %v", err)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("session blocked behind a slow listener")
	}
}

func TestCallbacks_CloseFromStateListener(t *testing.T) {
	t.Parallel()
	h := newHarness(t)
	closed := make(chan error, 1)
	h.s.OnStateChange(func(snap session.Snapshot) {
		if snap.State == session.Connected {
			closed <- h.s.Close()
		}
	})
	if err := h.s.Connect(context.Background(), validParams()); err != nil {
		t.Fatal(err)
	}
	h.dialer.Last().InjectJSON(map[string]string{"type": "connected"})

	select {
	case err := <-closed:
		if err != nil {
			t.Errorf("Close from callback = %v", err)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("Close from a state callback deadlocked")
	}
	if err := h.s.ToggleListening(context.Background()); !errors.Is(err, session.ErrClosed) {
		t.Errorf("after Close: %v, want ErrClosed", err)
	}
}

func TestState_String(t *testing.T) {
	t.Parallel()
	if session.Speaking.String() != "speaking" || session.State(99).String() != "unknown" {
		t.Error("unexpected State.String output")
	}
}
