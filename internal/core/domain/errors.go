package domain

import (
	"errors"
	"fmt"
)

var (
	ErrCallActive       = errors.New("call already active for session")
	ErrNoActiveCall     = errors.New("no active call")
	ErrNotRinging       = errors.New("call is not ringing")
	ErrControllerClosed = errors.New("call controller closed")
	ErrNotSubscribed    = errors.New("session not subscribed")
	ErrChannelClosed    = errors.New("signal channel closed")
	ErrUnknownKind      = errors.New("unknown signal type")
	ErrSelfCall         = errors.New("cannot call yourself")
	ErrInvalidParty     = errors.New("party id must not be empty")
	ErrDeviceBusy       = errors.New("media devices in use by another call")
)

type DeviceErrorKind string

const (
	DevicePermissionDenied DeviceErrorKind = "permission-denied"
	DeviceUnavailable      DeviceErrorKind = "unavailable"
)

// DeviceError reports that local camera or microphone could not be acquired.
type DeviceError struct {
	Kind  DeviceErrorKind
	Cause error
}

func (e *DeviceError) Error() string {
	if e.Cause != nil {
		return fmt.Sprintf("device %s: %v", e.Kind, e.Cause)
	}
	return fmt.Sprintf("device %s", e.Kind)
}

func (e *DeviceError) Unwrap() error { return e.Cause }

// PermissionDenied reports whether the user refused access to the device.
func (e *DeviceError) PermissionDenied() bool {
	return e.Kind == DevicePermissionDenied
}

// NegotiationError reports a malformed SDP or ICE candidate payload.
type NegotiationError struct {
	Kind  SignalKind
	Cause error
}

func (e *NegotiationError) Error() string {
	return fmt.Sprintf("malformed %s payload: %v", e.Kind, e.Cause)
}

func (e *NegotiationError) Unwrap() error { return e.Cause }

// IsDeviceError reports whether err carries a DeviceError.
func IsDeviceError(err error) bool {
	var de *DeviceError
	return errors.As(err, &de)
}

// IsNegotiationError reports whether err carries a NegotiationError.
func IsNegotiationError(err error) bool {
	var ne *NegotiationError
	return errors.As(err, &ne)
}
