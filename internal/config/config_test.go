package config_test

import (
	"log/slog"
	"strings"
	"testing"
	"time"

	"github.com/MrWong99/reminisce/internal/config"
)

const fullYAML = `
server:
  listen_addr: "127.0.0.1:9000"
  log_level: debug
backend:
  base_url: "https://api.example.org"
  token: "tok"
  patient_id: "pat-7"
audio:
  capture:
    backend: malgo
    strategy: record
    device: "USB"
    sample_rate: 44100
    frame_duration: 50ms
    min_chunk_samples: 800
    clip_duration: 2s
  playback:
    backend: "null"
    preroll_chunks: 4
    safety_margin: 80ms
    preroll_timeout: -1s
transcript:
  sinks: [backend, postgres]
  postgres_dsn: "postgres://localhost/reminisce"
  upload_timeout: 3s
hotkeys:
  talk: "ctrl+t"
  next_photo: "ctrl+n"
`

func TestLoadFromReader_FullConfig(t *testing.T) {
	t.Parallel()
	cfg, err := config.LoadFromReader(strings.NewReader(fullYAML))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	if cfg.Server.ListenAddr != "127.0.0.1:9000" || cfg.Server.LogLevel != config.LogDebug {
		t.Errorf("server = %+v", cfg.Server)
	}
	if cfg.Backend.PatientID != "pat-7" || cfg.Backend.Token != "tok" {
		t.Errorf("backend = %+v", cfg.Backend)
	}

	c := cfg.Audio.Capture
	if c.Strategy != "record" || c.Device != "USB" || c.SampleRate != 44100 {
		t.Errorf("capture = %+v", c)
	}
	if c.FrameDuration != 50*time.Millisecond || c.ClipDuration != 2*time.Second || c.MinChunkSamples != 800 {
		t.Errorf("capture timings = %+v", c)
	}

	p := cfg.Audio.Playback
	if p.Backend != "null" || p.PrerollChunks != 4 || p.SafetyMargin != 80*time.Millisecond || p.PrerollTimeout != -time.Second {
		t.Errorf("playback = %+v", p)
	}

	if len(cfg.Transcript.Sinks) != 2 || cfg.Transcript.UploadTimeout != 3*time.Second {
		t.Errorf("transcript = %+v", cfg.Transcript)
	}
	if cfg.Hotkeys.Talk != "ctrl+t" || cfg.Hotkeys.NextPhoto != "ctrl+n" {
		t.Errorf("hotkeys = %+v", cfg.Hotkeys)
	}
}

func TestLoadFromReader_Defaults(t *testing.T) {
	t.Parallel()
	yaml := `
backend:
  base_url: "http://localhost:8000"
  patient_id: "p"
`
	cfg, err := config.LoadFromReader(strings.NewReader(yaml))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if cfg.Server.ListenAddr != config.DefaultListenAddr {
		t.Errorf("listen_addr = %q", cfg.Server.ListenAddr)
	}
	if cfg.Server.LogLevel != config.LogInfo {
		t.Errorf("log_level = %q", cfg.Server.LogLevel)
	}
	if cfg.Audio.Capture.Backend != "malgo" || cfg.Audio.Playback.Backend != "malgo" {
		t.Errorf("audio backends = %q / %q", cfg.Audio.Capture.Backend, cfg.Audio.Playback.Backend)
	}
	if cfg.Transcript.UploadTimeout != config.DefaultUploadTimeout {
		t.Errorf("upload_timeout = %s", cfg.Transcript.UploadTimeout)
	}
	if cfg.Hotkeys.Talk != config.DefaultTalkHotkey || cfg.Hotkeys.NextPhoto != config.DefaultNextHotkey {
		t.Errorf("hotkeys = %+v", cfg.Hotkeys)
	}
}

func TestLoadFromReader_UnknownField(t *testing.T) {
	t.Parallel()
	yaml := `
backend:
  base_url: "http://localhost:8000"
  patient_id: "p"
  colour: blue
`
	if _, err := config.LoadFromReader(strings.NewReader(yaml)); err == nil {
		t.Fatal("expected an error for an unknown field")
	}
}

func TestLogLevel(t *testing.T) {
	t.Parallel()

	tests := []struct {
		level config.LogLevel
		valid bool
		slog  slog.Level
	}{
		{config.LogDebug, true, slog.LevelDebug},
		{config.LogInfo, true, slog.LevelInfo},
		{config.LogWarn, true, slog.LevelWarn},
		{config.LogError, true, slog.LevelError},
		{"verbose", false, slog.LevelInfo},
	}
	for _, tt := range tests {
		if got := tt.level.IsValid(); got != tt.valid {
			t.Errorf("%q.IsValid() = %v, want %v", tt.level, got, tt.valid)
		}
		if got := tt.level.Level(); got != tt.slog {
			t.Errorf("%q.Level() = %v, want %v", tt.level, got, tt.slog)
		}
	}
}
