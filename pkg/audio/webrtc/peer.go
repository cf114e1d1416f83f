package webrtc

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"strings"
	"sync"

	"github.com/pion/rtp"
	pionwebrtc "github.com/pion/webrtc/v4"
	"github.com/pion/webrtc/v4/pkg/media"

	"github.com/MrWong99/voxrelay/pkg/audio"
)

var _ audio.Peer = (*Peer)(nil)

const (
	inboundBuffer = 64
	rtpBufferSize = 1500
	pingPrefix    = "ping"
	pongPrefix    = "pong"
)

// SessionDescription is the JSON form of an SDP offer or answer as exchanged
// with the browser.
type SessionDescription struct {
	SDP  string `json:"sdp"`
	Type string `json:"type"`
}

// Peer is one browser connection. It implements [audio.Peer].
//
// Only the first inbound audio track is consumed; later tracks are ignored.
type Peer struct {
	pc    *pionwebrtc.PeerConnection
	track *pionwebrtc.TrackLocalStaticSample
	log   *slog.Logger

	in     *trackSource
	enc    *opusEncoder
	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	mu        sync.Mutex
	callbacks []func(audio.PeerState)
	reading   bool
	closed    bool
}

func newPeer(pc *pionwebrtc.PeerConnection, log *slog.Logger) (*Peer, error) {
	track, err := pionwebrtc.NewTrackLocalStaticSample(opusCapability, "audio", "voxrelay")
	if err != nil {
		return nil, fmt.Errorf("webrtc: create local track: %w", err)
	}
	sender, err := pc.AddTrack(track)
	if err != nil {
		return nil, fmt.Errorf("webrtc: add local track: %w", err)
	}
	enc, err := newOpusEncoder()
	if err != nil {
		return nil, err
	}

	ctx, cancel := context.WithCancel(context.Background())
	p := &Peer{
		pc:     pc,
		track:  track,
		log:    log,
		in:     newTrackSource(),
		enc:    enc,
		ctx:    ctx,
		cancel: cancel,
	}

	// Drain RTCP so the interceptors keep running.
	p.wg.Go(func() {
		buf := make([]byte, rtpBufferSize)
		for {
			if _, _, err := sender.Read(buf); err != nil {
				return
			}
		}
	})

	pc.OnTrack(p.handleTrack)
	pc.OnDataChannel(p.handleDataChannel)
	pc.OnConnectionStateChange(p.handleState)
	return p, nil
}

// Answer applies the browser's offer, creates an answer and waits for ICE
// gathering to finish so the returned SDP carries every candidate.
func (p *Peer) Answer(ctx context.Context, offer SessionDescription) (SessionDescription, error) {
	if offer.Type != "offer" {
		return SessionDescription{}, fmt.Errorf("webrtc: expected offer, got %q", offer.Type)
	}
	if err := p.pc.SetRemoteDescription(pionwebrtc.SessionDescription{
		Type: pionwebrtc.SDPTypeOffer,
		SDP:  offer.SDP,
	}); err != nil {
		return SessionDescription{}, fmt.Errorf("webrtc: set remote description: %w", err)
	}

	answer, err := p.pc.CreateAnswer(nil)
	if err != nil {
		return SessionDescription{}, fmt.Errorf("webrtc: create answer: %w", err)
	}
	gathered := pionwebrtc.GatheringCompletePromise(p.pc)
	if err := p.pc.SetLocalDescription(answer); err != nil {
		return SessionDescription{}, fmt.Errorf("webrtc: set local description: %w", err)
	}
	select {
	case <-gathered:
	case <-ctx.Done():
		return SessionDescription{}, fmt.Errorf("webrtc: ice gathering: %w", ctx.Err())
	}

	local := p.pc.LocalDescription()
	return SessionDescription{SDP: local.SDP, Type: local.Type.String()}, nil
}

// Source implements [audio.Peer].
func (p *Peer) Source() audio.Source { return p.in }

// Play implements [audio.Peer]. Every frame must be one 20 ms slice of 48 kHz
// stereo PCM; other frames are logged and skipped.
func (p *Peer) Play(ctx context.Context, src audio.FrameSource) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.closed {
		return
	}

	ctx, cancel := context.WithCancel(ctx)
	stop := context.AfterFunc(p.ctx, cancel)

	p.wg.Go(func() {
		defer stop()
		defer cancel()
		for {
			frame, err := src.Next(ctx)
			if err != nil {
				return
			}
			packet, err := p.enc.encode(frame.Data)
			if err != nil {
				p.log.Warn("webrtc: dropping unplayable frame", "format", frame.Format(), "err", err)
				continue
			}
			if err := p.track.WriteSample(media.Sample{Data: packet, Duration: frameDuration}); err != nil {
				if errors.Is(err, io.ErrClosedPipe) {
					return
				}
				p.log.Debug("webrtc: write sample failed", "err", err)
			}
		}
	})
}

// OnStateChange implements [audio.Peer].
func (p *Peer) OnStateChange(cb func(audio.PeerState)) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.callbacks = append(p.callbacks, cb)
}

// Close implements [audio.Peer]. It closes the peer connection, ends the
// inbound source and waits for the peer's goroutines. Idempotent.
func (p *Peer) Close() error {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return nil
	}
	p.closed = true
	p.mu.Unlock()

	p.cancel()
	err := p.pc.Close()
	p.in.end(io.EOF)
	p.wg.Wait()
	if err != nil {
		return fmt.Errorf("webrtc: close peer connection: %w", err)
	}
	return nil
}

// ── pion callbacks ─────────────────────────────────────────────────────────────

func (p *Peer) handleTrack(track *pionwebrtc.TrackRemote, _ *pionwebrtc.RTPReceiver) {
	if track.Kind() != pionwebrtc.RTPCodecTypeAudio {
		p.log.Debug("webrtc: ignoring non-audio track", "kind", track.Kind().String())
		return
	}
	p.mu.Lock()
	if p.reading || p.closed {
		p.mu.Unlock()
		p.log.Debug("webrtc: ignoring extra audio track", "id", track.ID())
		return
	}
	p.reading = true
	p.wg.Add(1)
	p.mu.Unlock()

	go func() {
		defer p.wg.Done()
		p.readTrack(track)
	}()
}

// readTrack decodes inbound Opus packets into frames on the source until the
// track ends.
func (p *Peer) readTrack(track *pionwebrtc.TrackRemote) {
	if mime := track.Codec().MimeType; !strings.EqualFold(mime, pionwebrtc.MimeTypeOpus) {
		p.log.Warn("webrtc: unsupported inbound codec", "codec", mime)
		p.in.end(audio.ErrNotAudio)
		return
	}
	dec, err := newOpusDecoder()
	if err != nil {
		p.log.Error("webrtc: inbound track unusable", "err", err)
		p.in.end(err)
		return
	}

	p.log.Info("webrtc: inbound audio track", "id", track.ID(), "codec", track.Codec().MimeType)
	buf := make([]byte, rtpBufferSize)
	for {
		n, _, err := track.Read(buf)
		if err != nil {
			p.in.end(io.EOF)
			return
		}
		pkt := &rtp.Packet{}
		if err := pkt.Unmarshal(buf[:n]); err != nil {
			p.log.Debug("webrtc: bad rtp packet", "err", err)
			continue
		}
		if len(pkt.Payload) == 0 {
			continue
		}
		pcm, err := dec.decode(pkt.Payload)
		if err != nil {
			p.log.Debug("webrtc: dropping undecodable packet", "seq", pkt.SequenceNumber, "err", err)
			continue
		}
		frame := audio.AudioFrame{
			Data:       pcm,
			SampleRate: opusSampleRate,
			Channels:   opusChannels,
			PTS:        int64(pkt.Timestamp),
			TimeBase:   opusSampleRate,
		}
		if !p.in.push(p.ctx, frame) {
			return
		}
	}
}

func (p *Peer) handleDataChannel(dc *pionwebrtc.DataChannel) {
	dc.OnMessage(func(msg pionwebrtc.DataChannelMessage) {
		if !msg.IsString {
			return
		}
		if reply, ok := PingReply(string(msg.Data)); ok {
			if err := dc.SendText(reply); err != nil {
				p.log.Debug("webrtc: pong failed", "channel", dc.Label(), "err", err)
			}
		}
	})
}

func (p *Peer) handleState(s pionwebrtc.PeerConnectionState) {
	state := convertState(s)
	p.log.Info("webrtc: connection state changed", "state", state.String())

	p.mu.Lock()
	cbs := make([]func(audio.PeerState), len(p.callbacks))
	copy(cbs, p.callbacks)
	p.mu.Unlock()
	for _, cb := range cbs {
		cb(state)
	}
}

func convertState(s pionwebrtc.PeerConnectionState) audio.PeerState {
	switch s {
	case pionwebrtc.PeerConnectionStateConnecting:
		return audio.PeerConnecting
	case pionwebrtc.PeerConnectionStateConnected:
		return audio.PeerConnected
	case pionwebrtc.PeerConnectionStateDisconnected:
		return audio.PeerDisconnected
	case pionwebrtc.PeerConnectionStateFailed:
		return audio.PeerFailed
	case pionwebrtc.PeerConnectionStateClosed:
		return audio.PeerClosed
	default:
		return audio.PeerNew
	}
}

// PingReply answers a data-channel keepalive: a message starting with "ping"
// is echoed back as "pong" followed by the same suffix.
func PingReply(msg string) (string, bool) {
	suffix, ok := strings.CutPrefix(msg, pingPrefix)
	if !ok {
		return "", false
	}
	return pongPrefix + suffix, true
}

// ── inbound source ─────────────────────────────────────────────────────────────

// trackSource buffers decoded inbound frames. Once ended, buffered frames are
// still delivered before the end error is reported.
type trackSource struct {
	frames chan audio.AudioFrame
	done   chan struct{}

	once sync.Once
	err  error
}

func newTrackSource() *trackSource {
	return &trackSource{
		frames: make(chan audio.AudioFrame, inboundBuffer),
		done:   make(chan struct{}),
	}
}

// push reports whether f was accepted. An ended source accepts nothing, even
// when its buffer has room.
func (s *trackSource) push(ctx context.Context, f audio.AudioFrame) bool {
	select {
	case <-s.done:
		return false
	default:
	}
	select {
	case s.frames <- f:
		return true
	case <-s.done:
		return false
	case <-ctx.Done():
		return false
	}
}

func (s *trackSource) end(err error) {
	s.once.Do(func() {
		s.err = err
		close(s.done)
	})
}

// Recv implements [audio.Source].
func (s *trackSource) Recv(ctx context.Context) (audio.AudioFrame, error) {
	select {
	case f := <-s.frames:
		return f, nil
	default:
	}
	select {
	case f := <-s.frames:
		return f, nil
	case <-s.done:
		return audio.AudioFrame{}, s.err
	case <-ctx.Done():
		return audio.AudioFrame{}, ctx.Err()
	}
}
