package domain

import (
	"strings"
	"time"
)

type PartyID string

type SessionID string

type CallID string

// SessionIDFromChat derives the signaling scope of a chat conversation.
func SessionIDFromChat(chatID string) SessionID {
	return SessionID("videocall:" + strings.TrimSpace(chatID))
}

type Role string

const (
	RoleCaller Role = "caller"
	RoleCallee Role = "callee"
)

// IsInitiator reports whether this role generates the SDP offer.
func (r Role) IsInitiator() bool {
	return r == RoleCaller
}

type CallState string

const (
	StateIdle       CallState = "idle"
	StateRequesting CallState = "requesting"
	StateRinging    CallState = "ringing"
	StateConnecting CallState = "connecting"
	StateConnected  CallState = "connected"
	StateEnded      CallState = "ended"
)

// Active reports whether the state belongs to a live call attempt.
func (s CallState) Active() bool {
	return s != StateIdle && s != StateEnded
}

// CallSession identifies one call attempt between two parties.
type CallSession struct {
	ID          CallID
	SessionID   SessionID
	LocalParty  PartyID
	RemoteParty PartyID
	Role        Role
	State       CallState
	CreatedAt   time.Time
}

// AcceptDeadline returns the instant at which an unanswered attempt gives up.
func (s *CallSession) AcceptDeadline(timeout time.Duration) time.Time {
	return s.CreatedAt.Add(timeout)
}

type AcceptPolicy string

const (
	AcceptAuto   AcceptPolicy = "auto"
	AcceptManual AcceptPolicy = "manual"
)

func (p AcceptPolicy) Valid() bool {
	return p == AcceptAuto || p == AcceptManual
}
