package validation

import (
	"fmt"
	"net/url"
	"regexp"
	"strings"
)

const (
	maxIDLength   = 128
	sessionPrefix = "videocall:"
)

var (
	// PartyIDRegex matches user identifiers as issued by the chat backend.
	PartyIDRegex = regexp.MustCompile(`^[a-zA-Z0-9._@-]+$`)

	ChatIDRegex = regexp.MustCompile(`^[a-zA-Z0-9_-]+$`)
)

func ValidatePartyID(party string) error {
	if party == "" {
		return fmt.Errorf("party ID is required")
	}
	if len(party) > maxIDLength {
		return fmt.Errorf("party ID is too long (max %d characters)", maxIDLength)
	}
	if !PartyIDRegex.MatchString(party) {
		return fmt.Errorf("invalid party ID format")
	}
	return nil
}

func ValidateChatID(chatID string) error {
	chatID = strings.TrimSpace(chatID)
	if chatID == "" {
		return fmt.Errorf("chat ID is required")
	}
	if len(chatID) > maxIDLength {
		return fmt.Errorf("chat ID is too long (max %d characters)", maxIDLength)
	}
	if !ChatIDRegex.MatchString(chatID) {
		return fmt.Errorf("invalid chat ID format")
	}
	return nil
}

// ValidateSessionID accepts only session ids derived from a chat,
// "videocall:<chat id>".
func ValidateSessionID(sessionID string) error {
	chatID, ok := strings.CutPrefix(sessionID, sessionPrefix)
	if !ok {
		return fmt.Errorf("session ID must start with %q", sessionPrefix)
	}
	if err := ValidateChatID(chatID); err != nil {
		return fmt.Errorf("invalid session ID: %w", err)
	}
	return nil
}

// ValidateParties rejects a call between a party and itself.
func ValidateParties(self, peer string) error {
	if err := ValidatePartyID(self); err != nil {
		return fmt.Errorf("local %w", err)
	}
	if err := ValidatePartyID(peer); err != nil {
		return fmt.Errorf("remote %w", err)
	}
	if self == peer {
		return fmt.Errorf("local and remote party must differ")
	}
	return nil
}

// ValidateRelayURL checks a WebSocket relay base URL.
func ValidateRelayURL(raw string) error {
	if raw == "" {
		return fmt.Errorf("relay URL is required")
	}
	u, err := url.Parse(raw)
	if err != nil {
		return fmt.Errorf("invalid relay URL format: %w", err)
	}
	if u.Scheme != "ws" && u.Scheme != "wss" {
		return fmt.Errorf("invalid relay URL scheme (must be ws or wss)")
	}
	if u.Host == "" {
		return fmt.Errorf("relay URL must have a host")
	}
	return nil
}
