package middleware

import (
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"callnet/internal/core/domain"
	apperrors "callnet/pkg/errors"

	"github.com/gin-gonic/gin"
	"github.com/golang-jwt/jwt/v5"
)

const partyKey = "party_id"

// PartyAuth issues and validates relay tokens. The party id travels in the
// subject claim. With an empty secret the relay trusts the party_id query
// parameter instead, which is only suitable for development.
type PartyAuth struct {
	secret []byte
	ttl    time.Duration
	now    func() time.Time
}

func NewPartyAuth(secret string, ttl time.Duration) *PartyAuth {
	if ttl <= 0 {
		ttl = time.Hour
	}
	return &PartyAuth{secret: []byte(secret), ttl: ttl, now: time.Now}
}

// Enabled reports whether tokens are required.
func (a *PartyAuth) Enabled() bool {
	return len(a.secret) > 0
}

// IssueToken signs a token for party.
func (a *PartyAuth) IssueToken(party domain.PartyID) (string, error) {
	if party == "" {
		return "", domain.ErrInvalidParty
	}
	if !a.Enabled() {
		return "", errors.New("token signing disabled: no jwt secret configured")
	}
	now := a.now()
	claims := jwt.RegisteredClaims{
		Subject:   string(party),
		IssuedAt:  jwt.NewNumericDate(now),
		NotBefore: jwt.NewNumericDate(now),
		ExpiresAt: jwt.NewNumericDate(now.Add(a.ttl)),
	}
	return jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(a.secret)
}

// ParseToken validates tokenString and returns the party it was issued to.
func (a *PartyAuth) ParseToken(tokenString string) (domain.PartyID, error) {
	claims := &jwt.RegisteredClaims{}
	_, err := jwt.ParseWithClaims(tokenString, claims, func(token *jwt.Token) (interface{}, error) {
		if _, ok := token.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, fmt.Errorf("unexpected signing method: %v", token.Header["alg"])
		}
		return a.secret, nil
	}, jwt.WithTimeFunc(a.now))
	if err != nil {
		if errors.Is(err, jwt.ErrTokenExpired) {
			return "", fmt.Errorf("token expired: %w", err)
		}
		return "", fmt.Errorf("invalid token: %w", err)
	}
	if claims.Subject == "" {
		return "", domain.ErrInvalidParty
	}
	return domain.PartyID(claims.Subject), nil
}

// bearer returns the token from the Authorization header, falling back to the
// token query parameter since browsers cannot set headers on WebSocket upgrades.
func bearer(c *gin.Context) (string, bool) {
	if header := c.GetHeader("Authorization"); header != "" {
		parts := strings.SplitN(header, " ", 2)
		if len(parts) != 2 || parts[0] != "Bearer" {
			return "", false
		}
		return parts[1], true
	}
	if token := c.Query("token"); token != "" {
		return token, true
	}
	return "", false
}

// PartyAuthMiddleware resolves the calling party and stores it for
// PartyFromContext.
func PartyAuthMiddleware(auth *PartyAuth) gin.HandlerFunc {
	return func(c *gin.Context) {
		var party domain.PartyID
		if auth.Enabled() {
			token, ok := bearer(c)
			if !ok {
				_ = c.Error(apperrors.NewUnauthorizedError("bearer token required"))
				c.Abort()
				return
			}
			p, err := auth.ParseToken(token)
			if err != nil {
				_ = c.Error(apperrors.WrapError(err, apperrors.ErrCodeUnauthorized, "invalid token", http.StatusUnauthorized))
				c.Abort()
				return
			}
			party = p
		} else {
			party = domain.PartyID(strings.TrimSpace(c.Query(partyKey)))
			if party == "" {
				_ = c.Error(apperrors.NewUnauthorizedError("party_id required"))
				c.Abort()
				return
			}
		}

		c.Set(partyKey, party)
		c.Next()
	}
}

// PartyFromContext returns the party set by PartyAuthMiddleware.
func PartyFromContext(c *gin.Context) (domain.PartyID, bool) {
	v, ok := c.Get(partyKey)
	if !ok {
		return "", false
	}
	party, ok := v.(domain.PartyID)
	return party, ok
}
