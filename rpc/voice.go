package rpc

import (
	"fmt"
	"sync"

	"github.com/pion/webrtc/v4"
)

// VoiceSessionRecord is one SDK v2 voice session's persisted state, bridging
// signaling (peer, codec hint) to a live WebRTC peer connection via
// pion/webrtc's offer/answer exchange.
type VoiceSessionRecord struct {
	SessionID  string                 `json:"session_id"`
	PeerID     string                 `json:"peer_id"`
	CodecHint  string                 `json:"codec_hint,omitempty"`
	State      string                 `json:"state"` // ringing|connecting|active|closed
	Extensions map[string]interface{} `json:"extensions,omitempty"`
}

// voiceStateRank orders lifecycle transitions so updates can be rejected if
// they would move backwards, except into the terminal "closed" state.
func voiceStateRank(state string) int {
	switch state {
	case "ringing":
		return 0
	case "connecting":
		return 1
	case "active":
		return 2
	case "closed":
		return 4
	default:
		return -1
	}
}

// voiceBridges tracks the live WebRTC peer connections backing active voice
// sessions, keyed by session id; separate from the persisted snapshot since
// a PeerConnection cannot be serialized.
type voiceBridges struct {
	mu    sync.Mutex
	conns map[string]*webrtc.PeerConnection
}

var globalVoiceBridges = &voiceBridges{conns: make(map[string]*webrtc.PeerConnection)}

func (d *Daemon) handleSdkVoiceSessionOpenV2(req RpcRequest) RpcResponse {
	var params struct {
		PeerID     string                 `json:"peer_id"`
		CodecHint  string                 `json:"codec_hint"`
		OfferSDP   string                 `json:"offer_sdp"`
		Extensions map[string]interface{} `json:"extensions"`
	}
	if err := decodeParams(req.Params, &params); err != nil {
		return d.sdkErrorResponse(req.ID, CodeValidationInvalidArgument, err.Error())
	}
	if params.PeerID == "" {
		return d.sdkErrorResponse(req.ID, CodeValidationInvalidArgument, "peer_id must not be empty")
	}
	sessionID := d.nextDomainID("voice")

	var answerSDP string
	if params.OfferSDP != "" {
		sdp, err := globalVoiceBridges.open(sessionID, params.OfferSDP)
		if err != nil {
			return d.sdkErrorResponse(req.ID, CodeInternal, fmt.Sprintf("webrtc negotiation failed: %v", err))
		}
		answerSDP = sdp
	}

	d.snapshotMu.Lock()
	d.snapshot.VoiceSessions[sessionID] = VoiceSessionRecord{
		SessionID: sessionID, PeerID: params.PeerID, CodecHint: params.CodecHint,
		State: "ringing", Extensions: params.Extensions,
	}
	err := d.persistSnapshotLocked()
	d.snapshotMu.Unlock()
	if err != nil {
		return d.sdkErrorResponse(req.ID, CodeInternal, err.Error())
	}
	d.emitEvent("voice_session_opened", "info", map[string]interface{}{"session_id": sessionID, "peer_id": params.PeerID}, nil)
	result := map[string]interface{}{"session_id": sessionID}
	if answerSDP != "" {
		result["answer_sdp"] = answerSDP
	}
	return RpcResponse{ID: req.ID, Result: result}
}

func (d *Daemon) handleSdkVoiceSessionUpdateV2(req RpcRequest) RpcResponse {
	var params struct {
		SessionID  string                 `json:"session_id"`
		State      string                 `json:"state"`
		Extensions map[string]interface{} `json:"extensions"`
	}
	if err := decodeParams(req.Params, &params); err != nil {
		return d.sdkErrorResponse(req.ID, CodeValidationInvalidArgument, err.Error())
	}
	if params.SessionID == "" {
		return d.sdkErrorResponse(req.ID, CodeValidationInvalidArgument, "session_id must not be empty")
	}
	nextRank := voiceStateRank(params.State)
	if nextRank < 0 {
		return d.sdkErrorResponse(req.ID, CodeValidationInvalidArgument, "voice state is invalid")
	}

	d.snapshotMu.Lock()
	defer d.snapshotMu.Unlock()
	session, ok := d.snapshot.VoiceSessions[params.SessionID]
	if !ok {
		return d.sdkErrorResponse(req.ID, CodeRuntimeNotFound, "voice session not found")
	}
	currentRank := voiceStateRank(session.State)
	if currentRank == 4 && session.State != params.State {
		return d.sdkErrorResponse(req.ID, CodeValidationInvalidArgument, "voice session is already terminal")
	}
	if nextRank < currentRank && nextRank != 4 {
		return d.sdkErrorResponse(req.ID, CodeValidationInvalidArgument, "voice session transitions must be monotonic")
	}
	session.State = params.State
	session.Extensions = params.Extensions
	d.snapshot.VoiceSessions[params.SessionID] = session
	if err := d.persistSnapshotLocked(); err != nil {
		return d.sdkErrorResponse(req.ID, CodeInternal, err.Error())
	}
	return RpcResponse{ID: req.ID, Result: map[string]interface{}{"state": params.State}}
}

func (d *Daemon) handleSdkVoiceSessionCloseV2(req RpcRequest) RpcResponse {
	var params struct {
		SessionID string `json:"session_id"`
	}
	if err := decodeParams(req.Params, &params); err != nil {
		return d.sdkErrorResponse(req.ID, CodeValidationInvalidArgument, err.Error())
	}
	if params.SessionID == "" {
		return d.sdkErrorResponse(req.ID, CodeValidationInvalidArgument, "session_id must not be empty")
	}
	d.snapshotMu.Lock()
	session, ok := d.snapshot.VoiceSessions[params.SessionID]
	if !ok {
		d.snapshotMu.Unlock()
		return d.sdkErrorResponse(req.ID, CodeRuntimeNotFound, "voice session not found")
	}
	session.State = "closed"
	d.snapshot.VoiceSessions[params.SessionID] = session
	err := d.persistSnapshotLocked()
	d.snapshotMu.Unlock()
	if err != nil {
		return d.sdkErrorResponse(req.ID, CodeInternal, err.Error())
	}
	globalVoiceBridges.close(params.SessionID)
	return RpcResponse{ID: req.ID, Result: map[string]interface{}{"accepted": true, "session_id": params.SessionID}}
}

// open accepts an SDP offer and returns the corresponding answer SDP,
// keeping the resulting PeerConnection indexed by session id.
func (b *voiceBridges) open(sessionID, offerSDP string) (string, error) {
	pc, err := webrtc.NewPeerConnection(webrtc.Configuration{})
	if err != nil {
		return "", err
	}
	offer := webrtc.SessionDescription{Type: webrtc.SDPTypeOffer, SDP: offerSDP}
	if err := pc.SetRemoteDescription(offer); err != nil {
		pc.Close()
		return "", err
	}
	answer, err := pc.CreateAnswer(nil)
	if err != nil {
		pc.Close()
		return "", err
	}
	if err := pc.SetLocalDescription(answer); err != nil {
		pc.Close()
		return "", err
	}
	b.mu.Lock()
	b.conns[sessionID] = pc
	b.mu.Unlock()
	return answer.SDP, nil
}

func (b *voiceBridges) close(sessionID string) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if pc, ok := b.conns[sessionID]; ok {
		_ = pc.Close()
		delete(b.conns, sessionID)
	}
}
