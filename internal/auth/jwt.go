// Package auth verifies agent identity at the collaboration boundary.
package auth

import (
	"errors"
	"os"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"
)

var jwtSecret []byte

func init() {
	secret := os.Getenv("JWT_SECRET")
	if secret == "" {
		secret = "your-secret-key" // Default for development
	}
	jwtSecret = []byte(secret)
}

const ticketPurpose = "ws"

// TicketTTL bounds how long an issued websocket ticket stays valid.
const TicketTTL = 60 * time.Second

// Claims carried by both platform access tokens and websocket tickets.
// Tickets additionally set Purpose to "ws".
type Claims struct {
	AgentID string `json:"agentId"`
	Purpose string `json:"purpose,omitempty"`
	jwt.RegisteredClaims
}

var ErrInvalidToken = errors.New("auth: invalid token")

// Verify parses and validates a token and returns the agent identity.
func Verify(tokenString string) (*Claims, error) {
	token, err := jwt.ParseWithClaims(tokenString, &Claims{}, func(token *jwt.Token) (interface{}, error) {
		if _, ok := token.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, errors.New("unexpected signing method")
		}
		return jwtSecret, nil
	})
	if err != nil {
		return nil, err
	}
	claims := token.Claims.(*Claims)
	if claims.AgentID == "" {
		return nil, ErrInvalidToken
	}
	return claims, nil
}

// IssueTicket mints a short-lived single-purpose token an agent presents as
// the ?ticket= query parameter when opening a collaboration websocket.
// Browsers and SDK websocket clients cannot always set headers, so the
// platform exchanges its access token for one of these first.
func IssueTicket(agentID string) (string, error) {
	now := time.Now()
	claims := &Claims{
		AgentID: agentID,
		Purpose: ticketPurpose,
		RegisteredClaims: jwt.RegisteredClaims{
			ID:        uuid.New().String(),
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(TicketTTL)),
		},
	}
	return jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(jwtSecret)
}

// ExtractTokenFromHeader extracts the token from the Authorization header.
func ExtractTokenFromHeader(authHeader string) (string, error) {
	if authHeader == "" {
		return "", errors.New("authorization header missing")
	}
	if len(authHeader) < 7 || authHeader[:7] != "Bearer " {
		return "", errors.New("invalid authorization header format")
	}
	return authHeader[7:], nil
}
