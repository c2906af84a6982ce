package config

import (
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/url"
	"os"
	"slices"

	"gopkg.in/yaml.v3"

	"github.com/MrWong99/reminisce/pkg/audio/capture"
)

// ValidBackendNames lists the built-in audio backends per kind. Used by
// [Validate] to warn about unrecognised names.
var ValidBackendNames = map[string][]string{
	"capture":  {"malgo"},
	"playback": {"malgo", "null"},
}

// Load reads the YAML configuration file at path and returns a validated [Config].
// It is a convenience wrapper around [LoadFromReader].
func Load(path string) (*Config, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("config: open %q: %w", path, err)
	}
	defer f.Close()

	cfg, err := LoadFromReader(f)
	if err != nil {
		return nil, fmt.Errorf("config: parse %q: %w", path, err)
	}
	return cfg, nil
}

// LoadFromReader decodes a YAML config from r, applies defaults and validates
// the result. Unknown keys are rejected.
func LoadFromReader(r io.Reader) (*Config, error) {
	cfg := &Config{}
	dec := yaml.NewDecoder(r)
	dec.KnownFields(true)
	if err := dec.Decode(cfg); err != nil && !errors.Is(err, io.EOF) {
		return nil, fmt.Errorf("config: decode yaml: %w", err)
	}
	cfg.applyDefaults()
	if err := Validate(cfg); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate checks that cfg contains a coherent set of values.
// It returns a joined error listing all validation failures found.
func Validate(cfg *Config) error {
	var errs []error

	// Server
	if cfg.Server.LogLevel != "" && !cfg.Server.LogLevel.IsValid() {
		errs = append(errs, fmt.Errorf("server.log_level %q is invalid; valid values: debug, info, warn, error", cfg.Server.LogLevel))
	}

	// Backend
	if cfg.Backend.BaseURL == "" {
		errs = append(errs, errors.New("backend.base_url is required"))
	} else if u, err := url.Parse(cfg.Backend.BaseURL); err != nil || (u.Scheme != "http" && u.Scheme != "https") || u.Host == "" {
		errs = append(errs, fmt.Errorf("backend.base_url %q must be an absolute http or https URL", cfg.Backend.BaseURL))
	}
	if cfg.Backend.PatientID == "" {
		errs = append(errs, errors.New("backend.patient_id is required"))
	}
	if cfg.Backend.Token == "" {
		slog.Warn("backend.token is empty; the voice endpoint will reject the connection")
	}

	// Capture
	c := cfg.Audio.Capture
	validateBackendName("capture", c.Backend)
	switch capture.Strategy(c.Strategy) {
	case "", capture.StrategyStream, capture.StrategyRecord:
	default:
		errs = append(errs, fmt.Errorf("audio.capture.strategy %q is invalid; valid values: stream, record", c.Strategy))
	}
	if c.SampleRate < 0 {
		errs = append(errs, fmt.Errorf("audio.capture.sample_rate %d must not be negative", c.SampleRate))
	}
	if c.FrameDuration < 0 || c.ClipDuration < 0 {
		errs = append(errs, errors.New("audio.capture durations must not be negative"))
	}
	if c.MinChunkSamples < 0 {
		errs = append(errs, fmt.Errorf("audio.capture.min_chunk_samples %d must not be negative", c.MinChunkSamples))
	}

	// Playback
	p := cfg.Audio.Playback
	validateBackendName("playback", p.Backend)
	if p.PrerollChunks < 0 {
		errs = append(errs, fmt.Errorf("audio.playback.preroll_chunks %d must not be negative", p.PrerollChunks))
	}
	if p.SafetyMargin < 0 {
		errs = append(errs, fmt.Errorf("audio.playback.safety_margin %s must not be negative", p.SafetyMargin))
	}

	// Transcript sinks
	seen := make(map[string]bool, len(cfg.Transcript.Sinks))
	for i, s := range cfg.Transcript.Sinks {
		prefix := fmt.Sprintf("transcript.sinks[%d]", i)
		switch s {
		case SinkBackend, SinkPostgres:
		default:
			errs = append(errs, fmt.Errorf("%s %q is invalid; valid values: backend, postgres", prefix, s))
			continue
		}
		if seen[s] {
			errs = append(errs, fmt.Errorf("%s %q is listed twice", prefix, s))
		}
		seen[s] = true
	}
	if seen[SinkPostgres] && cfg.Transcript.PostgresDSN == "" {
		errs = append(errs, errors.New("transcript.postgres_dsn is required when the postgres sink is enabled"))
	}
	if len(cfg.Transcript.Sinks) == 0 {
		slog.Warn("transcript.sinks is empty; transcripts will not be persisted")
	}
	if cfg.Transcript.UploadTimeout < 0 {
		errs = append(errs, fmt.Errorf("transcript.upload_timeout %s must not be negative", cfg.Transcript.UploadTimeout))
	}

	// Hotkeys
	if cfg.Hotkeys.Talk != "" && cfg.Hotkeys.Talk == cfg.Hotkeys.NextPhoto {
		errs = append(errs, fmt.Errorf("hotkeys.talk and hotkeys.next_photo are both %q", cfg.Hotkeys.Talk))
	}

	return errors.Join(errs...)
}

// validateBackendName logs a warning if name is non-empty and not one of the
// built-in backends for kind. Third-party backends may still be registered.
func validateBackendName(kind, name string) {
	if name == "" {
		return
	}
	known, ok := ValidBackendNames[kind]
	if !ok || slices.Contains(known, name) {
		return
	}
	slog.Warn("unknown audio backend; it must be registered before use",
		"kind", kind,
		"name", name,
		"known", known,
	)
}
