package session

import (
	"encoding/binary"
	"strings"
)

// Inbound audio frames start with a 13-byte header: a type byte followed by
// sequence, timestamp and duration as big-endian uint32.
const (
	frameAudio      byte = 0x01
	frameHeaderSize      = 13
)

type frameHeader struct {
	Type      byte
	Sequence  uint32
	Timestamp uint32
	Duration  uint32
}

// parseFrame splits a binary message into header and PCM payload. ok is false
// when data is too short to carry a header.
func parseFrame(data []byte) (h frameHeader, payload []byte, ok bool) {
	if len(data) < frameHeaderSize {
		return h, nil, false
	}
	h = frameHeader{
		Type:      data[0],
		Sequence:  binary.BigEndian.Uint32(data[1:5]),
		Timestamp: binary.BigEndian.Uint32(data[5:9]),
		Duration:  binary.BigEndian.Uint32(data[9:13]),
	}
	return h, data[frameHeaderSize:], true
}

// Control message types.
const (
	msgConnected    = "connected"
	msgTranscript   = "transcript"
	msgInterrupted  = "interrupted"
	msgPhotoUpdated = "photo_context_updated"
	msgError        = "error"
	msgText         = "text"
	msgPhotoChange  = "photo_change"
)

// inbound is the union of every JSON message the peer sends.
type inbound struct {
	Type      string `json:"type"`
	SessionID string `json:"session_id,omitempty"`
	Role      string `json:"role,omitempty"`
	Text      string `json:"text,omitempty"`
	PhotoID   string `json:"photo_id,omitempty"`
	Message   string `json:"message,omitempty"`
}

type textMessage struct {
	Type string `json:"type"`
	Text string `json:"text"`
}

type photoChangeMessage struct {
	Type      string   `json:"type"`
	PhotoID   string   `json:"photo_id"`
	Caption   string   `json:"caption,omitempty"`
	Tags      []string `json:"tags,omitempty"`
	DateTaken string   `json:"date_taken,omitempty"`
}

func newPhotoChange(p Photo) photoChangeMessage {
	m := photoChangeMessage{
		Type:      msgPhotoChange,
		PhotoID:   p.ID,
		Caption:   p.Caption,
		DateTaken: p.Date,
	}
	for _, t := range p.Tags {
		if t.Value != "" {
			m.Tags = append(m.Tags, t.Value)
		}
	}
	return m
}

// greeting describes the photo on screen when the conversation opens. Absent
// fields are left out; with neither caption nor tags a placeholder sentence
// keeps the assistant from guessing.
func greeting(p Photo) string {
	parts := []string{"The session is starting and the patient is looking at a photo."}
	if p.Caption != "" {
		parts = append(parts, "Caption: "+p.Caption+".")
	}
	var values []string
	for _, t := range p.Tags {
		if t.Value != "" {
			values = append(values, t.Value)
		}
	}
	if len(values) > 0 {
		parts = append(parts, "This photo includes: "+strings.Join(values, ", ")+".")
	}
	if p.Date != "" {
		parts = append(parts, "This photo was taken: "+p.Date+".")
	}
	if p.Caption == "" && len(values) == 0 {
		parts = append(parts, "No caption or tags are available for this photo.")
	}
	parts = append(parts, "Greet the patient warmly and invite them to share what they see or remember about it.")
	return strings.Join(parts, " ")
}
