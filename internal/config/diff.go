package config

import "slices"

// ConfigDiff describes what changed between two configs.
// Sessions read the realtime, audio and debug sections when they start, so
// changes there apply to the next session. Everything listed in
// RestartRequired only takes effect after a restart.
type ConfigDiff struct {
	LogLevelChanged bool
	NewLogLevel     LogLevel

	RealtimeChanged bool // session settings or link endpoint
	AudioChanged    bool // pipeline tuning
	DebugChanged    bool // recording directory

	// RestartRequired names the changed keys that cannot be applied live.
	RestartRequired []string
}

// HotChanged reports whether any live-applicable section changed.
func (d ConfigDiff) HotChanged() bool {
	return d.LogLevelChanged || d.RealtimeChanged || d.AudioChanged || d.DebugChanged
}

// Diff compares old and new configs and returns what changed.
func Diff(old, new *Config) ConfigDiff {
	d := ConfigDiff{}

	// Log level
	if old.Server.LogLevel != new.Server.LogLevel {
		d.LogLevelChanged = true
		d.NewLogLevel = new.Server.LogLevel
	}

	d.RealtimeChanged = !realtimeEqual(&old.Realtime, &new.Realtime)
	d.AudioChanged = old.Audio != new.Audio
	d.DebugChanged = old.Debug != new.Debug

	if old.Server.ListenAddr != new.Server.ListenAddr {
		d.RestartRequired = append(d.RestartRequired, "server.listen_addr")
	}
	if !tlsEqual(old.Server.TLS, new.Server.TLS) {
		d.RestartRequired = append(d.RestartRequired, "server.tls")
	}
	if !slices.Equal(old.WebRTC.STUNServers, new.WebRTC.STUNServers) {
		d.RestartRequired = append(d.RestartRequired, "webrtc.stun_servers")
	}
	if old.Resilience != new.Resilience {
		d.RestartRequired = append(d.RestartRequired, "resilience")
	}

	return d
}

// realtimeEqual compares two realtime sections by value, following the
// turn-detection flag pointers.
func realtimeEqual(a, b *RealtimeConfig) bool {
	ac, bc := *a, *b
	ac.TurnDetection.CreateResponse, bc.TurnDetection.CreateResponse = nil, nil
	ac.TurnDetection.InterruptResponse, bc.TurnDetection.InterruptResponse = nil, nil
	if ac != bc {
		return false
	}
	return boolPtrEqual(a.TurnDetection.CreateResponse, b.TurnDetection.CreateResponse) &&
		boolPtrEqual(a.TurnDetection.InterruptResponse, b.TurnDetection.InterruptResponse)
}

func boolPtrEqual(a, b *bool) bool {
	if a == nil || b == nil {
		return a == b
	}
	return *a == *b
}

func tlsEqual(a, b *TLSConfig) bool {
	if a == nil || b == nil {
		return a == b
	}
	return *a == *b
}
