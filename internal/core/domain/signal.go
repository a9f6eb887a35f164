package domain

import (
	"encoding/json"
	"fmt"
)

type SignalKind string

const (
	KindCallRequest  SignalKind = "call-request"
	KindCallAccepted SignalKind = "call-accepted"
	KindCallEnded    SignalKind = "call-ended"
	KindSdpOffer     SignalKind = "sdp-offer"
	KindSdpAnswer    SignalKind = "sdp-answer"
	KindIceCandidate SignalKind = "ice-candidate"
)

func (k SignalKind) Valid() bool {
	switch k {
	case KindCallRequest, KindCallAccepted, KindCallEnded,
		KindSdpOffer, KindSdpAnswer, KindIceCandidate:
		return true
	}
	return false
}

// Negotiation reports whether messages of this kind carry a payload for the
// peer connection.
func (k SignalKind) Negotiation() bool {
	return k == KindSdpOffer || k == KindSdpAnswer || k == KindIceCandidate
}

// SignalMessage is the unit exchanged over a signal channel.
type SignalMessage struct {
	Kind    SignalKind
	From    PartyID
	To      PartyID
	Payload json.RawMessage
}

// wireMessage mirrors the broadcast format used by the web client:
// SDP kinds put the session description under "sdp", candidates under "candidate".
type wireMessage struct {
	Type      SignalKind      `json:"type"`
	From      PartyID         `json:"from"`
	To        PartyID         `json:"to"`
	SDP       json.RawMessage `json:"sdp,omitempty"`
	Candidate json.RawMessage `json:"candidate,omitempty"`
}

func (m SignalMessage) MarshalJSON() ([]byte, error) {
	if !m.Kind.Valid() {
		return nil, fmt.Errorf("%w: %q", ErrUnknownKind, m.Kind)
	}
	w := wireMessage{Type: m.Kind, From: m.From, To: m.To}
	switch m.Kind {
	case KindSdpOffer, KindSdpAnswer:
		w.SDP = m.Payload
	case KindIceCandidate:
		w.Candidate = m.Payload
	}
	return json.Marshal(w)
}

func (m *SignalMessage) UnmarshalJSON(data []byte) error {
	var w wireMessage
	if err := json.Unmarshal(data, &w); err != nil {
		return err
	}
	if !w.Type.Valid() {
		return fmt.Errorf("%w: %q", ErrUnknownKind, w.Type)
	}
	*m = SignalMessage{Kind: w.Type, From: w.From, To: w.To}
	switch w.Type {
	case KindSdpOffer, KindSdpAnswer:
		m.Payload = w.SDP
	case KindIceCandidate:
		m.Payload = w.Candidate
	}
	return nil
}

// NewControlMessage builds a payload-less CallRequest, CallAccepted or CallEnded.
func NewControlMessage(kind SignalKind, from, to PartyID) SignalMessage {
	return SignalMessage{Kind: kind, From: from, To: to}
}
