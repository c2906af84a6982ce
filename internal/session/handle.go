package session

import (
	"context"
	"encoding/json"
	"log/slog"
	"time"

	"github.com/MrWong99/reminisce/internal/transcript"
	"github.com/MrWong99/reminisce/internal/transport"
)

// handle applies one transport or player event. Events from an earlier
// connection are dropped.
func (s *Session) handle(ev event) {
	if ev.epoch != s.epoch {
		return
	}
	switch ev.kind {
	case evMessage:
		if ev.msg.Kind == transport.Binary {
			s.handleAudio(ev.msg.Data)
		} else {
			s.handleControl(ev.msg.Data)
		}
	case evDrained:
		if s.state == Speaking {
			s.setState(Connected)
		}
	case evClosed:
		s.handleClosed(ev.err)
	}
}

func (s *Session) handleAudio(data []byte) {
	log := slog.With("session_id", s.params.SessionID)
	if len(data) == 0 {
		return
	}
	if data[0] != frameAudio {
		log.Debug("ignoring binary message", "type", data[0])
		return
	}
	h, pcm, ok := parseFrame(data)
	if !ok {
		log.Warn("dropping truncated audio frame", "bytes", len(data))
		return
	}
	if s.haveSeq && h.Sequence > s.lastSeq+1 {
		s.metrics.SequenceGaps.Add(context.Background(), 1)
		log.Debug("audio sequence gap", "expected", s.lastSeq+1, "got", h.Sequence)
	}
	s.lastSeq, s.haveSeq = h.Sequence, true
	if len(pcm) == 0 || s.player == nil {
		return
	}

	if s.state != Speaking {
		// The assistant answering ends the patient's turn.
		if s.capturer != nil && s.capturer.Running() {
			s.capturer.Stop()
		}
		s.setState(Speaking)
	}
	if err := s.player.Enqueue(pcm); err != nil {
		log.Warn("failed to enqueue audio", "seq", h.Sequence, "err", err)
	}
}

func (s *Session) handleControl(data []byte) {
	log := slog.With("session_id", s.params.SessionID)

	var m inbound
	if err := json.Unmarshal(data, &m); err != nil {
		log.Warn("ignoring malformed control message", "err", err)
		return
	}
	switch m.Type {
	case msgConnected:
		s.handleAck()
	case msgTranscript:
		s.record(transcript.Entry{
			Role:      transcript.Role(m.Role),
			Text:      m.Text,
			Timestamp: time.Now(),
		})
	case msgInterrupted:
		if s.player != nil {
			if err := s.player.Clear(); err != nil {
				log.Warn("failed to clear playback", "err", err)
			}
		}
		if s.state == Speaking || s.state == Processing {
			s.setState(Connected)
		}
	case msgPhotoUpdated:
		log.Debug("assistant photo context updated", "photo_id", m.PhotoID)
	case msgError:
		text := m.Message
		if text == "" {
			text = "Voice assistant error"
		}
		log.Error("assistant reported an error", "message", text)
		if s.capturer != nil && s.capturer.Running() {
			s.capturer.Stop()
		}
		s.setError(text)
	default:
		log.Debug("ignoring unknown control message", "type", m.Type)
	}
}

// handleAck processes the peer's "connected" message. Repeats are harmless.
func (s *Session) handleAck() {
	if s.acked {
		return
	}
	s.acked = true
	s.startedAt = time.Now()
	s.metrics.ConnectDuration.Record(context.Background(), s.startedAt.Sub(s.connectStart).Seconds())
	if s.state == Connecting {
		s.setState(Connected)
	}
	slog.Info("voice session connected", "session_id", s.params.SessionID)

	p := s.params.InitialPhoto
	if p == nil || s.conn == nil {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), writeTimeout)
	defer cancel()
	if err := s.conn.WriteJSON(ctx, textMessage{Type: msgText, Text: greeting(*p)}); err != nil {
		slog.Warn("failed to send greeting", "session_id", s.params.SessionID, "err", err)
	}
}

// handleClosed reacts to the transport ending underneath the session. A close
// frame from the peer is an orderly end; anything else is an error.
func (s *Session) handleClosed(err error) {
	log := slog.With("session_id", s.params.SessionID)
	s.teardown()

	switch {
	case err == nil || transport.IsPeerClose(err):
		log.Info("voice connection closed by peer", "reason", err)
		if s.state != Error {
			s.setState(Disconnected)
		}
	default:
		log.Error("voice connection failed", "err", err)
		if s.state != Error {
			s.setError(errTextConnection)
		}
	}
	s.uploadTranscript()
}
