package webrtc

import (
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"time"

	"github.com/google/uuid"
)

const (
	maxOfferBytes        = 1 << 20
	defaultAnswerTimeout = 10 * time.Second

	// upstreamErrorMessage is shown to the browser when the relay cannot reach
	// the speech service.
	upstreamErrorMessage = "3rd party service connection error"
)

// PeerHandler attaches a freshly created, not yet negotiated peer to the relay.
// The returned closer tears the attachment down again if negotiation fails.
type PeerHandler func(ctx context.Context, id string, peer *Peer) (io.Closer, error)

// SignalingServer negotiates browser peers over plain HTTP: the browser posts
// its SDP offer and receives the answer in the response, with every ICE
// candidate already included.
type SignalingServer struct {
	platform      *Platform
	onPeer        PeerHandler
	log           *slog.Logger
	answerTimeout time.Duration
}

// NewSignalingServer creates a signaling server backed by platform. onPeer is
// called for every new peer before its answer is produced.
func NewSignalingServer(platform *Platform, onPeer PeerHandler) *SignalingServer {
	return &SignalingServer{
		platform:      platform,
		onPeer:        onPeer,
		log:           platform.log,
		answerTimeout: defaultAnswerTimeout,
	}
}

// Handler returns an http.Handler serving:
//
//	POST /offer  body {"sdp": "...", "type": "offer"}, returns the answer
func (s *SignalingServer) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("POST /offer", s.handleOffer)
	return mux
}

type errorResponse struct {
	Error string `json:"error"`
}

func (s *SignalingServer) handleOffer(w http.ResponseWriter, r *http.Request) {
	var offer SessionDescription
	if err := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxOfferBytes)).Decode(&offer); err != nil {
		writeJSON(w, http.StatusBadRequest, errorResponse{Error: "invalid request body"})
		return
	}
	if offer.Type != "offer" || offer.SDP == "" {
		writeJSON(w, http.StatusBadRequest, errorResponse{Error: "expected an sdp offer"})
		return
	}

	id := uuid.NewString()
	log := s.log.With("peer_id", id)

	peer, err := s.platform.NewPeer(id)
	if err != nil {
		log.Error("webrtc: create peer failed", "err", err)
		writeJSON(w, http.StatusInternalServerError, errorResponse{Error: "failed to create peer"})
		return
	}

	attachment, err := s.onPeer(r.Context(), id, peer)
	if err != nil {
		_ = peer.Close()
		log.Warn("webrtc: relay setup failed", "err", err)
		writeJSON(w, http.StatusBadGateway, errorResponse{Error: upstreamErrorMessage})
		return
	}

	ctx, cancel := context.WithTimeout(r.Context(), s.answerTimeout)
	defer cancel()
	answer, err := peer.Answer(ctx, offer)
	if err != nil {
		_ = attachment.Close()
		_ = peer.Close()
		log.Warn("webrtc: negotiation failed", "err", err)
		writeJSON(w, http.StatusBadRequest, errorResponse{Error: "negotiation failed"})
		return
	}

	log.Info("webrtc: peer negotiated")
	writeJSON(w, http.StatusOK, answer)
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}
