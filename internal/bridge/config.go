package bridge

import (
	"time"

	"github.com/MrWong99/voxrelay/pkg/audio"
	"github.com/MrWong99/voxrelay/pkg/audio/resample"
)

// Defaults applied by [Config] for zero fields.
const (
	DefaultSlice          = 20 * time.Millisecond
	DefaultMargin         = time.Millisecond
	DefaultPacerQueue     = 250
	DefaultDownlinkQueue  = 64
	DefaultLinkSampleRate = 24000
	DefaultPeerSampleRate = 48000
)

// Config tunes the audio pipeline of one session.
type Config struct {
	// PeerFormat is the PCM layout the peer plays. Default: 48 kHz stereo.
	PeerFormat audio.Format

	// LinkSampleRate is the mono sample rate of the speech service in both
	// directions. Default: 24000.
	LinkSampleRate int

	// Slice is the duration of one uplink chunk and one paced output frame.
	// Default: 20ms.
	Slice time.Duration

	// Margin is subtracted from every pacer sleep to absorb scheduling
	// latency. Default: 1ms; a negative value disables it.
	Margin time.Duration

	// PacerQueue is the capacity of the paced output queue in slices.
	// Default: 250 (5 s at 20 ms).
	PacerQueue int

	// DownlinkQueue is the capacity of the downlink input queue in payloads.
	// Default: 64.
	DownlinkQueue int

	// Resampler selects the sample-rate converter. Default: linear.
	Resampler resample.Kind

	// RecordDir, when set, receives one WAV file per session holding the mono
	// audio sent to the speech service.
	RecordDir string
}

func (c Config) withDefaults() Config {
	if c.PeerFormat.SampleRate <= 0 {
		c.PeerFormat.SampleRate = DefaultPeerSampleRate
	}
	if c.PeerFormat.Channels <= 0 {
		c.PeerFormat.Channels = 2
	}
	if c.LinkSampleRate <= 0 {
		c.LinkSampleRate = DefaultLinkSampleRate
	}
	if c.Slice <= 0 {
		c.Slice = DefaultSlice
	}
	if c.Margin < 0 {
		c.Margin = 0
	} else if c.Margin == 0 {
		c.Margin = DefaultMargin
	}
	if c.PacerQueue <= 0 {
		c.PacerQueue = DefaultPacerQueue
	}
	if c.DownlinkQueue <= 0 {
		c.DownlinkQueue = DefaultDownlinkQueue
	}
	if c.Resampler == "" {
		c.Resampler = resample.KindLinear
	}
	return c
}

// linkFormat is the mono layout exchanged with the speech service.
func (c Config) linkFormat() audio.Format {
	return audio.Format{SampleRate: c.LinkSampleRate, Channels: 1}
}
