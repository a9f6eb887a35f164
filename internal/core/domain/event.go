package domain

import "time"

type EndReason string

const (
	ReasonNone            EndReason = ""
	ReasonLocalEnded      EndReason = "local-ended"
	ReasonRemoteEnded     EndReason = "remote-ended"
	ReasonNoAnswer        EndReason = "no-answer"
	ReasonMissed          EndReason = "missed"
	ReasonDeclined        EndReason = "declined"
	ReasonConnectionError EndReason = "connection-error"
	ReasonDeviceDenied    EndReason = "device-denied"
	ReasonInternalError   EndReason = "internal-error"
)

// Message returns user-facing text for the reason.
func (r EndReason) Message() string {
	switch r {
	case ReasonLocalEnded:
		return "Call ended."
	case ReasonRemoteEnded:
		return "The other participant ended the call."
	case ReasonNoAnswer:
		return "No answer."
	case ReasonMissed:
		return "Missed call."
	case ReasonDeclined:
		return "Call declined."
	case ReasonConnectionError:
		return "There was a problem connecting to the call."
	case ReasonDeviceDenied:
		return "Please allow camera and microphone access to make video calls."
	case ReasonInternalError:
		return "The call failed unexpectedly."
	}
	return ""
}

type CallEventType string

const (
	EventRequesting CallEventType = "requesting"
	EventRinging    CallEventType = "ringing"
	EventConnecting CallEventType = "connecting"
	EventConnected  CallEventType = "connected"
	EventEnded      CallEventType = "ended"
)

// CallEvent is a lifecycle notification for the presentation layer.
type CallEvent struct {
	Type         CallEventType
	CallID       CallID
	SessionID    SessionID
	Role         Role
	RemoteParty  PartyID
	Reason       EndReason
	Err          error
	LocalStream  MediaStream
	RemoteStream MediaStream
	At           time.Time
}
