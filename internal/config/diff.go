package config

import "slices"

// ConfigDiff describes what changed between two configs.
// Only fields that can be safely hot-reloaded are tracked; everything else
// needs a restart.
type ConfigDiff struct {
	LogLevelChanged bool
	NewLogLevel     LogLevel

	// PlaybackChanged is set when scheduler tuning changed. The new values
	// take effect from the next connection.
	PlaybackChanged bool
	NewPlayback     PlaybackConfig

	// RestartRequired lists top-level sections that changed but cannot be
	// applied at runtime.
	RestartRequired []string
}

// Changed reports whether d carries anything to apply or report.
func (d ConfigDiff) Changed() bool {
	return d.LogLevelChanged || d.PlaybackChanged || len(d.RestartRequired) > 0
}

// Diff compares old and new configs and returns what changed.
func Diff(old, new *Config) ConfigDiff {
	d := ConfigDiff{}

	if old.Server.LogLevel != new.Server.LogLevel {
		d.LogLevelChanged = true
		d.NewLogLevel = new.Server.LogLevel
	}

	op, np := old.Audio.Playback, new.Audio.Playback
	if op.PrerollChunks != np.PrerollChunks || op.SafetyMargin != np.SafetyMargin || op.PrerollTimeout != np.PrerollTimeout {
		d.PlaybackChanged = true
		d.NewPlayback = np
	}

	if old.Server.ListenAddr != new.Server.ListenAddr {
		d.RestartRequired = append(d.RestartRequired, "server.listen_addr")
	}
	if old.Backend != new.Backend {
		d.RestartRequired = append(d.RestartRequired, "backend")
	}
	if old.Audio.Capture != new.Audio.Capture {
		d.RestartRequired = append(d.RestartRequired, "audio.capture")
	}
	if op.Backend != np.Backend {
		d.RestartRequired = append(d.RestartRequired, "audio.playback.backend")
	}
	ot, nt := old.Transcript, new.Transcript
	if ot.PostgresDSN != nt.PostgresDSN || ot.UploadTimeout != nt.UploadTimeout || !slices.Equal(ot.Sinks, nt.Sinks) {
		d.RestartRequired = append(d.RestartRequired, "transcript")
	}
	if old.Hotkeys != new.Hotkeys {
		d.RestartRequired = append(d.RestartRequired, "hotkeys")
	}
	return d
}

