// Package webrtc connects browser peers to the relay over WebRTC using
// pion/webrtc. Audio travels as 48 kHz stereo Opus in 20 ms frames; inbound
// packets are decoded to PCM and outbound PCM is encoded on the fly.
//
// A [Platform] holds the shared pion API (codecs and interceptors). Each
// browser gets its own [Peer], negotiated through the /offer endpoint served
// by [SignalingServer].
package webrtc

import (
	"fmt"
	"log/slog"

	"github.com/pion/interceptor"
	pionwebrtc "github.com/pion/webrtc/v4"
)

// Option configures a [Platform].
type Option func(*Platform)

// WithSTUNServers sets the STUN server URLs used during ICE negotiation.
// Defaults to ["stun:stun.l.google.com:19302"]. Passing none disables STUN.
func WithSTUNServers(servers ...string) Option {
	return func(p *Platform) {
		p.stunServers = servers
	}
}

// WithLogger sets the logger for peers created by the platform.
func WithLogger(l *slog.Logger) Option {
	return func(p *Platform) {
		p.log = l
	}
}

// Platform creates WebRTC peers sharing one codec and interceptor setup.
//
// Platform is safe for concurrent use.
type Platform struct {
	stunServers []string // immutable after New
	log         *slog.Logger
	api         *pionwebrtc.API
}

// New creates a Platform with Opus registered and the default interceptors
// (NACK, RTCP reports, TWCC) enabled.
func New(opts ...Option) (*Platform, error) {
	p := &Platform{
		stunServers: []string{"stun:stun.l.google.com:19302"},
		log:         slog.Default(),
	}
	for _, o := range opts {
		o(p)
	}

	me := &pionwebrtc.MediaEngine{}
	if err := me.RegisterCodec(pionwebrtc.RTPCodecParameters{
		RTPCodecCapability: opusCapability,
		PayloadType:        opusPayloadType,
	}, pionwebrtc.RTPCodecTypeAudio); err != nil {
		return nil, fmt.Errorf("webrtc: register opus codec: %w", err)
	}

	registry := &interceptor.Registry{}
	if err := pionwebrtc.RegisterDefaultInterceptors(me, registry); err != nil {
		return nil, fmt.Errorf("webrtc: register interceptors: %w", err)
	}

	p.api = pionwebrtc.NewAPI(
		pionwebrtc.WithMediaEngine(me),
		pionwebrtc.WithInterceptorRegistry(registry),
	)
	return p, nil
}

// NewPeer creates an unnegotiated peer with a local Opus output track. Call
// [Peer.Answer] with the browser's offer to complete negotiation.
func (p *Platform) NewPeer(id string) (*Peer, error) {
	cfg := pionwebrtc.Configuration{}
	if len(p.stunServers) > 0 {
		cfg.ICEServers = []pionwebrtc.ICEServer{{URLs: p.stunServers}}
	}
	pc, err := p.api.NewPeerConnection(cfg)
	if err != nil {
		return nil, fmt.Errorf("webrtc: create peer connection: %w", err)
	}
	peer, err := newPeer(pc, p.log.With("peer_id", id))
	if err != nil {
		_ = pc.Close()
		return nil, err
	}
	return peer, nil
}
