package domain

import "encoding/json"

// PeerEvent is one of the closed set of notifications a peer adapter emits:
// LocalSignal, RemoteStreamReady or ConnectionFailed.
type PeerEvent interface {
	peerEvent()
}

// LocalSignal is negotiation data to forward verbatim to the remote party.
type LocalSignal struct {
	Kind    SignalKind
	Payload json.RawMessage
}

// RemoteStreamReady marks negotiation success. Emitted at most once.
type RemoteStreamReady struct {
	Stream MediaStream
}

// ConnectionFailed is terminal for the adapter. Emitted at most once.
type ConnectionFailed struct {
	Reason string
}

func (LocalSignal) peerEvent()       {}
func (RemoteStreamReady) peerEvent() {}
func (ConnectionFailed) peerEvent()  {}
