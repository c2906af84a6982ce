package session

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/MrWong99/reminisce/internal/observe"
	"github.com/MrWong99/reminisce/internal/transcript"
	"github.com/MrWong99/reminisce/internal/transport"
	"github.com/MrWong99/reminisce/pkg/audio/capture"
	"github.com/MrWong99/reminisce/pkg/audio/playback"
)

// Sentinel errors.
var (
	// ErrInvalidParams means Connect was called without a session id, patient
	// id or credential.
	ErrInvalidParams = errors.New("session: missing session id, patient id or token")

	// ErrMicrophone means microphone access was refused.
	ErrMicrophone = errors.New("session: microphone access denied")

	// ErrAlreadyConnected is returned by Connect while a connection is live.
	ErrAlreadyConnected = errors.New("session: already connected")

	// ErrNotConnected is returned by ToggleListening without a live connection.
	ErrNotConnected = errors.New("session: not connected")

	// ErrCancelled means a Disconnect overtook a Connect in flight.
	ErrCancelled = errors.New("session: connect cancelled")

	// ErrClosed is returned by every method after Close.
	ErrClosed = errors.New("session: closed")
)

// User-facing error texts shown in the Error state.
const (
	errTextParams     = "Missing session, patient or credential"
	errTextMicrophone = "Microphone access is required for voice conversation. Please allow microphone access and try again."
	errTextPlayback   = "Audio playback is unavailable"
	errTextConnection = "Connection error"
)

const (
	defaultUploadTimeout = 10 * time.Second
	writeTimeout         = 5 * time.Second
	eventBuffer          = 128
)

// EndpointFunc derives the voice endpoint from connection parameters.
type EndpointFunc func(p Params) string

// PlayerFactory creates the playback scheduler for one connection.
type PlayerFactory func() (playback.Player, error)

// Option configures a [Session].
type Option func(*Session)

// WithDialer sets the transport dialer. Required.
func WithDialer(d transport.Dialer) Option {
	return func(s *Session) { s.dialer = d }
}

// WithPermission sets the microphone permission gate. Defaults to
// [capture.AllowAll].
func WithPermission(p capture.Permission) Option {
	return func(s *Session) { s.perm = p }
}

// WithCapturer sets the microphone pipeline used by ToggleListening.
func WithCapturer(c capture.Capturer) Option {
	return func(s *Session) { s.capturer = c }
}

// WithPlayerFactory sets how a connection's playback scheduler is created.
func WithPlayerFactory(f PlayerFactory) Option {
	return func(s *Session) { s.newPlayer = f }
}

// WithUploader sets where the transcript goes on disconnect. Defaults to
// [transcript.Discard].
func WithUploader(u transcript.Uploader) Option {
	return func(s *Session) { s.uploader = u }
}

// WithUploadTimeout bounds the background transcript upload.
func WithUploadTimeout(d time.Duration) Option {
	return func(s *Session) {
		if d > 0 {
			s.uploadTimeout = d
		}
	}
}

// WithEndpoint sets the builder used when [Params.URL] is empty.
func WithEndpoint(f EndpointFunc) Option {
	return func(s *Session) { s.endpoint = f }
}

// WithMetrics sets the metrics instance. Defaults to [observe.DefaultMetrics].
func WithMetrics(m *observe.Metrics) Option {
	return func(s *Session) { s.metrics = m }
}

// Session is one voice conversation. Create it with [New]; it is safe for
// concurrent use.
type Session struct {
	dialer        transport.Dialer
	perm          capture.Permission
	capturer      capture.Capturer
	newPlayer     PlayerFactory
	uploader      transcript.Uploader
	uploadTimeout time.Duration
	endpoint      EndpointFunc
	metrics       *observe.Metrics

	life      context.Context
	stopLife  context.CancelFunc
	cmds      chan command
	events    chan event
	quit      chan struct{}
	done      chan struct{}
	closeOnce sync.Once
	notified  sync.WaitGroup
	uploads   sync.WaitGroup

	// Listener callbacks queue here without bounds so the loop never waits
	// on a slow listener.
	queueMu    sync.Mutex
	queue      []func()
	queueShut  bool
	wake       chan struct{}
	inCallback atomic.Bool

	snapMu sync.RWMutex
	snap   Snapshot

	cbMu         sync.Mutex
	onState      func(Snapshot)
	onTranscript func(transcript.Entry)

	log atomic.Pointer[transcript.Log]

	// Owned by the loop goroutine.
	state        State
	epoch        uint64
	params       Params
	conn         transport.Conn
	player       playback.Player
	cancelDial   context.CancelFunc
	connectStart time.Time
	startedAt    time.Time
	acked        bool
	uploaded     bool
	lastSeq      uint32
	haveSeq      bool
}

// New starts a session in the [Disconnected] state.
func New(opts ...Option) *Session {
	s := &Session{
		perm:          capture.AllowAll,
		uploader:      transcript.Discard,
		uploadTimeout: defaultUploadTimeout,
		cmds:          make(chan command),
		events:        make(chan event, eventBuffer),
		wake:          make(chan struct{}, 1),
		quit:          make(chan struct{}),
		done:          make(chan struct{}),
	}
	for _, o := range opts {
		o(s)
	}
	if s.metrics == nil {
		s.metrics = observe.DefaultMetrics()
	}
	s.log.Store(&transcript.Log{})
	s.life, s.stopLife = context.WithCancel(context.Background())

	s.notified.Add(1)
	go s.notifier()
	go s.loop()
	return s
}

// State returns the current state.
func (s *Session) State() Snapshot {
	s.snapMu.RLock()
	defer s.snapMu.RUnlock()
	return s.snap
}

// OnStateChange registers fn to receive every state change. Callbacks run in
// order on a dedicated goroutine; the last registration wins. A callback may
// call any Session method, including Close.
func (s *Session) OnStateChange(fn func(Snapshot)) {
	s.cbMu.Lock()
	defer s.cbMu.Unlock()
	s.onState = fn
}

// OnTranscript registers fn to receive every transcript entry as it is
// recorded. Same delivery rules as [Session.OnStateChange].
func (s *Session) OnTranscript(fn func(transcript.Entry)) {
	s.cbMu.Lock()
	defer s.cbMu.Unlock()
	s.onTranscript = fn
}

// Transcript returns the entries recorded since the last Connect.
func (s *Session) Transcript() []transcript.Entry {
	return s.log.Load().Snapshot()
}

// Ready reports an error while the session is in the [Error] state. It plugs
// into the readiness endpoint.
func (s *Session) Ready(context.Context) error {
	if snap := s.State(); snap.State == Error {
		return fmt.Errorf("session: %s", snap.Err)
	}
	return nil
}

// Connect opens the conversation described by p. It returns once the
// transport is open; the state stays [Connecting] until the peer
// acknowledges. Any failure leaves the session in the [Error] state.
func (s *Session) Connect(ctx context.Context, p Params) error {
	ctx, span := observe.StartSpan(ctx, "session.connect")
	defer span.End()

	var (
		epoch   uint64
		url     string
		dialCtx context.Context
	)
	err := s.do(ctx, func() error {
		if s.state != Disconnected && s.state != Error {
			return ErrAlreadyConnected
		}
		url = p.URL
		if url == "" && s.endpoint != nil {
			url = s.endpoint(p)
		}
		if p.SessionID == "" || p.PatientID == "" || p.Token == "" || url == "" {
			s.setError(errTextParams)
			return ErrInvalidParams
		}
		epoch = s.beginConnect(p)
		dialCtx = s.dialContext()
		return nil
	})
	if err != nil {
		return err
	}
	stop := context.AfterFunc(ctx, s.cancelFor(epoch))
	defer stop()

	log := observe.Logger(ctx).With("session_id", p.SessionID)

	if err := s.perm.RequestMicrophone(dialCtx); err != nil {
		log.Warn("microphone permission refused", "err", err)
		s.fail(epoch, errTextMicrophone)
		return fmt.Errorf("%w: %w", ErrMicrophone, err)
	}

	player, err := s.createPlayer()
	if err != nil {
		log.Error("failed to initialise playback", "err", err)
		s.fail(epoch, errTextPlayback)
		return fmt.Errorf("session: init playback: %w", err)
	}
	player.OnDrained(func() { s.post(event{epoch: epoch, kind: evDrained}) })

	conn, err := s.dialer.Dial(dialCtx, url)
	if err != nil {
		player.Destroy()
		log.Error("failed to open voice connection", "err", err)
		s.fail(epoch, errTextConnection)
		return fmt.Errorf("session: dial: %w", err)
	}

	err = s.do(context.Background(), func() error {
		if s.epoch != epoch {
			return ErrCancelled
		}
		s.conn = conn
		s.player = player
		s.metrics.ActiveSessions.Add(context.Background(), 1)
		go s.pump(epoch, conn)
		return nil
	})
	if err != nil {
		player.Destroy()
		_ = conn.Close()
		return err
	}
	log.Info("voice connection open, awaiting acknowledgement")
	return nil
}

func (s *Session) createPlayer() (playback.Player, error) {
	if s.newPlayer == nil {
		return nil, errors.New("no player factory configured")
	}
	p, err := s.newPlayer()
	if err != nil {
		return nil, err
	}
	if err := p.Init(); err != nil {
		p.Destroy()
		return nil, err
	}
	return p, nil
}

// ToggleListening starts the microphone when it is off and stops it when it
// is on. Starting requires a live connection.
func (s *Session) ToggleListening(ctx context.Context) error {
	return s.do(ctx, func() error {
		if s.capturer == nil {
			return errors.New("session: no capturer configured")
		}
		if s.capturer.Running() {
			s.stopListening()
			return nil
		}
		if !s.state.live() || s.conn == nil {
			return ErrNotConnected
		}
		conn := s.conn
		sid := s.params.SessionID
		onChunk := func(pcm []byte) {
			wctx, cancel := context.WithTimeout(context.Background(), writeTimeout)
			defer cancel()
			if err := conn.WriteBinary(wctx, pcm); err != nil {
				slog.Debug("dropping microphone chunk", "session_id", sid, "err", err)
			}
		}
		if err := s.capturer.Start(s.life, onChunk); err != nil {
			slog.Warn("failed to start microphone", "session_id", sid, "err", err)
			return fmt.Errorf("session: start listening: %w", err)
		}
		s.setState(Listening)
		return nil
	})
}

// SendPhotoChange tells the assistant the patient moved to photo p. The view
// is recorded in the transcript even when no connection is open.
func (s *Session) SendPhotoChange(ctx context.Context, p Photo) error {
	return s.do(ctx, func() error {
		s.record(transcript.Entry{
			Role:      transcript.RoleSystem,
			Text:      "Viewed photo " + p.ID,
			Timestamp: time.Now(),
			PhotoID:   p.ID,
		})
		if s.conn == nil {
			return nil
		}
		wctx, cancel := context.WithTimeout(ctx, writeTimeout)
		defer cancel()
		if err := s.conn.WriteJSON(wctx, newPhotoChange(p)); err != nil {
			slog.Warn("failed to send photo change", "session_id", s.params.SessionID, "photo_id", p.ID, "err", err)
		}
		return nil
	})
}

// Disconnect ends the conversation and uploads the transcript in the
// background. Upload failures are logged, never returned.
func (s *Session) Disconnect(ctx context.Context) error {
	return s.do(ctx, func() error {
		s.teardown()
		s.setState(Disconnected)
		s.uploadTranscript()
		return nil
	})
}

// Close disconnects, waits for pending transcript uploads and stops the
// session. It then waits for queued listener callbacks to finish, unless a
// callback is running at that moment, which lets a callback call Close
// itself. Every later call returns [ErrClosed].
func (s *Session) Close() error {
	err := s.Disconnect(context.Background())
	if errors.Is(err, ErrClosed) {
		err = nil
	}
	s.closeOnce.Do(func() {
		close(s.quit)
		<-s.done
		s.stopLife()
		s.uploads.Wait()
		s.shutQueue()
		if !s.inCallback.Load() {
			s.notified.Wait()
		}
	})
	return err
}

// ── Loop plumbing ────────────────────────────────────────────────────────────

type command struct {
	fn    func() error
	reply chan error
}

type eventKind int

const (
	evMessage eventKind = iota
	evClosed
	evDrained
)

type event struct {
	epoch uint64
	kind  eventKind
	msg   transport.Message
	err   error
}

// do runs fn on the loop goroutine and returns its result.
func (s *Session) do(ctx context.Context, fn func() error) error {
	c := command{fn: fn, reply: make(chan error, 1)}
	select {
	case s.cmds <- c:
	case <-s.done:
		return ErrClosed
	case <-ctx.Done():
		return ctx.Err()
	}
	select {
	case err := <-c.reply:
		return err
	case <-s.done:
		return ErrClosed
	}
}

// post hands an event to the loop. It drops the event once the session is
// closed.
func (s *Session) post(ev event) {
	select {
	case s.events <- ev:
	case <-s.done:
	}
}

// fail moves a connect attempt that is still current into the Error state.
func (s *Session) fail(epoch uint64, text string) {
	_ = s.do(context.Background(), func() error {
		if s.epoch == epoch {
			s.teardown()
			s.setError(text)
		}
		return nil
	})
}

func (s *Session) loop() {
	defer close(s.done)
	for {
		select {
		case c := <-s.cmds:
			c.reply <- c.fn()
		case ev := <-s.events:
			s.handle(ev)
		case <-s.quit:
			s.teardown()
			return
		}
	}
}

func (s *Session) pump(epoch uint64, conn transport.Conn) {
	for m := range conn.Messages() {
		s.post(event{epoch: epoch, kind: evMessage, msg: m})
	}
	s.post(event{epoch: epoch, kind: evClosed, err: conn.Err()})
}

// enqueue schedules fn on the notifier. It never blocks.
func (s *Session) enqueue(fn func()) {
	s.queueMu.Lock()
	if s.queueShut {
		s.queueMu.Unlock()
		return
	}
	s.queue = append(s.queue, fn)
	s.queueMu.Unlock()
	select {
	case s.wake <- struct{}{}:
	default:
	}
}

func (s *Session) shutQueue() {
	s.queueMu.Lock()
	s.queueShut = true
	s.queueMu.Unlock()
	select {
	case s.wake <- struct{}{}:
	default:
	}
}

// notifier runs listener callbacks in order until the queue is shut and
// drained.
func (s *Session) notifier() {
	defer s.notified.Done()
	for {
		s.queueMu.Lock()
		batch, shut := s.queue, s.queueShut
		s.queue = nil
		s.queueMu.Unlock()

		if len(batch) == 0 {
			if shut {
				return
			}
			<-s.wake
			continue
		}
		for _, fn := range batch {
			s.inCallback.Store(true)
			fn()
			s.inCallback.Store(false)
		}
	}
}

// ── Loop-owned helpers ───────────────────────────────────────────────────────

func (s *Session) beginConnect(p Params) uint64 {
	s.epoch++
	s.params = p
	s.log.Store(&transcript.Log{})
	s.uploaded = false
	s.acked = false
	s.haveSeq = false
	s.startedAt = time.Time{}
	s.connectStart = time.Now()
	s.setState(Connecting)
	return s.epoch
}

func (s *Session) dialContext() context.Context {
	ctx, cancel := context.WithCancel(context.Background())
	s.cancelDial = cancel
	return ctx
}

// cancelFor returns a function that aborts the connect attempt for epoch if
// it is still current.
func (s *Session) cancelFor(epoch uint64) func() {
	return func() {
		_ = s.do(context.Background(), func() error {
			if s.epoch == epoch && s.cancelDial != nil {
				s.cancelDial()
			}
			return nil
		})
	}
}

// teardown releases every resource of the current connection and
// invalidates callbacks still in flight for it.
func (s *Session) teardown() {
	s.epoch++
	if s.cancelDial != nil {
		s.cancelDial()
		s.cancelDial = nil
	}
	if s.capturer != nil && s.capturer.Running() {
		s.capturer.Stop()
	}
	if s.player != nil {
		s.player.Destroy()
		s.player = nil
	}
	if s.conn != nil {
		if err := s.conn.Close(); err != nil {
			slog.Debug("closing voice connection", "session_id", s.params.SessionID, "err", err)
		}
		s.conn = nil
		s.metrics.ActiveSessions.Add(context.Background(), -1)
	}
	s.acked = false
}

// stopListening ends a listening turn. The capture pipeline flushes its last
// chunk while the session is Processing; once that chunk is on the wire the
// turn is handed back to the peer and the session returns to Connected.
func (s *Session) stopListening() {
	if s.state == Listening {
		s.setState(Processing)
	}
	s.capturer.Stop()
	if s.state == Processing {
		s.setState(Connected)
	}
}

func (s *Session) setState(next State) {
	if next == s.state {
		return
	}
	prev := s.state
	s.state = next
	s.publish(prev, Snapshot{State: next})
}

func (s *Session) setError(text string) {
	prev := s.state
	s.state = Error
	s.publish(prev, Snapshot{State: Error, Err: text})
}

func (s *Session) publish(prev State, snap Snapshot) {
	s.snapMu.Lock()
	s.snap = snap
	s.snapMu.Unlock()

	if prev != snap.State {
		s.metrics.RecordStateTransition(context.Background(), prev.String(), snap.State.String())
		slog.Debug("session state changed",
			"session_id", s.params.SessionID,
			"from", prev.String(),
			"to", snap.State.String(),
		)
	}

	s.cbMu.Lock()
	fn := s.onState
	s.cbMu.Unlock()
	if fn != nil {
		s.enqueue(func() { fn(snap) })
	}
}

// record appends e to the transcript and forwards it to the listener.
func (s *Session) record(e transcript.Entry) {
	s.log.Load().Append(e)
	s.cbMu.Lock()
	fn := s.onTranscript
	s.cbMu.Unlock()
	if fn != nil {
		s.enqueue(func() { fn(e) })
	}
}

// uploadTranscript hands the transcript to the uploader once per connection,
// in the background and under a bounded timeout.
func (s *Session) uploadTranscript() {
	l := s.log.Load()
	if s.uploaded || l.Len() == 0 {
		return
	}
	s.uploaded = true

	var dur time.Duration
	if !s.startedAt.IsZero() {
		dur = time.Since(s.startedAt)
	}
	rec := transcript.NewRecord(s.params.SessionID, l.Snapshot(), dur)

	s.uploads.Add(1)
	go func() {
		defer s.uploads.Done()
		ctx, cancel := context.WithTimeout(context.Background(), s.uploadTimeout)
		defer cancel()
		if err := s.uploader.Upload(ctx, rec); err != nil {
			slog.Warn("transcript upload failed", "session_id", rec.SessionID, "err", err)
			return
		}
		slog.Info("transcript uploaded",
			"session_id", rec.SessionID,
			"entries", len(rec.Transcript),
			"words", rec.WordCount,
			"duration_s", rec.Duration,
		)
	}()
}
