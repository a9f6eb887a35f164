package ports

import (
	"context"
	"encoding/json"

	"callnet/internal/core/domain"
)

// DeviceCapture acquires the local camera and microphone. Failures are returned
// as *domain.DeviceError.
type DeviceCapture interface {
	AcquireLocalStream(ctx context.Context) (domain.MediaStream, error)
}

// PeerAdapter owns one media-transport negotiation.
type PeerAdapter interface {
	// Feed applies an inbound SdpOffer, SdpAnswer or IceCandidate payload. It fails
	// only with *domain.NegotiationError for malformed payloads.
	Feed(kind domain.SignalKind, payload json.RawMessage) error
	// Destroy releases all transport resources. Idempotent.
	Destroy()
}

// PeerConnector creates adapters. emit receives every adapter event; it must not block.
type PeerConnector interface {
	Create(ctx context.Context, local domain.MediaStream, initiator bool, emit func(domain.PeerEvent)) (PeerAdapter, error)
}
