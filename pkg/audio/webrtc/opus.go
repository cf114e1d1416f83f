package webrtc

import (
	"fmt"
	"time"

	pionwebrtc "github.com/pion/webrtc/v4"
	"layeh.com/gopus"

	"github.com/MrWong99/voxrelay/pkg/audio"
)

// WebRTC audio uses 48 kHz stereo Opus at 20 ms frame size.
const (
	opusSampleRate  = 48000
	opusChannels    = 2
	opusFrameSizeMs = 20
	// opusFrameSize is the number of samples per channel per 20 ms frame.
	opusFrameSize = opusSampleRate * opusFrameSizeMs / 1000 // 960
	// opusMaxFrameSize bounds decoded packets (120 ms is the Opus maximum).
	opusMaxFrameSize = opusSampleRate * 120 / 1000

	opusPayloadType = 111

	frameDuration = opusFrameSizeMs * time.Millisecond
)

var opusCapability = pionwebrtc.RTPCodecCapability{
	MimeType:    pionwebrtc.MimeTypeOpus,
	ClockRate:   opusSampleRate,
	Channels:    opusChannels,
	SDPFmtpLine: "minptime=10;useinbandfec=1",
}

// Format is the PCM layout exchanged with peers.
var Format = audio.Format{SampleRate: opusSampleRate, Channels: opusChannels}

// opusDecoder wraps a gopus Opus decoder for one inbound track. Decoder state
// carries across consecutive packets.
type opusDecoder struct {
	dec *gopus.Decoder
}

func newOpusDecoder() (*opusDecoder, error) {
	dec, err := gopus.NewDecoder(opusSampleRate, opusChannels)
	if err != nil {
		return nil, fmt.Errorf("webrtc: create opus decoder: %w", err)
	}
	return &opusDecoder{dec: dec}, nil
}

// decode decodes an Opus packet into interleaved little-endian int16 PCM.
func (d *opusDecoder) decode(packet []byte) ([]byte, error) {
	pcm, err := d.dec.Decode(packet, opusMaxFrameSize, false)
	if err != nil {
		return nil, fmt.Errorf("webrtc: opus decode: %w", err)
	}
	return audio.Int16sToBytes(pcm), nil
}

// opusEncoder wraps a gopus Opus encoder for the outbound track.
type opusEncoder struct {
	enc *gopus.Encoder
}

func newOpusEncoder() (*opusEncoder, error) {
	enc, err := gopus.NewEncoder(opusSampleRate, opusChannels, gopus.Audio)
	if err != nil {
		return nil, fmt.Errorf("webrtc: create opus encoder: %w", err)
	}
	return &opusEncoder{enc: enc}, nil
}

// encode encodes one 20 ms frame of interleaved stereo PCM.
func (e *opusEncoder) encode(pcm []byte) ([]byte, error) {
	if want := Format.BytesPer(frameDuration); len(pcm) != want {
		return nil, fmt.Errorf("webrtc: opus encode: frame is %d bytes, want %d", len(pcm), want)
	}
	packet, err := e.enc.Encode(audio.BytesToInt16s(pcm), opusFrameSize, len(pcm))
	if err != nil {
		return nil, fmt.Errorf("webrtc: opus encode: %w", err)
	}
	return packet, nil
}
