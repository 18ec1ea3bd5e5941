// Package jwt inspects tokens issued by the backend. The agent never holds a
// signing key, so claims are read without signature verification: the backend
// remains the only party that validates them.
package jwt

import (
	"bytes"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

// UserID is the user_id claim. The backend emits it as a number; other issuers
// use strings. Both decode to the same textual form.
type UserID string

// UnmarshalJSON accepts a JSON number or string
func (u *UserID) UnmarshalJSON(data []byte) error {
	data = bytes.TrimSpace(data)
	if bytes.Equal(data, []byte("null")) {
		*u = ""
		return nil
	}
	if len(data) > 0 && data[0] == '"' {
		var s string
		if err := json.Unmarshal(data, &s); err != nil {
			return err
		}
		*u = UserID(s)
		return nil
	}
	var n json.Number
	if err := json.Unmarshal(data, &n); err != nil {
		return fmt.Errorf("user_id: %w", err)
	}
	*u = UserID(n.String())
	return nil
}

// Claims represents JWT claims structure
type Claims struct {
	UserID   UserID `json:"user_id,omitempty"`
	Username string `json:"username,omitempty"`
	jwt.RegisteredClaims
}

// Identity returns user_id when present, else the registered sub claim
func (c *Claims) Identity() string {
	if c.UserID != "" {
		return string(c.UserID)
	}
	return c.RegisteredClaims.Subject
}

// ParseUnverified decodes a token's claims without checking its signature
func ParseUnverified(tokenString string) (*Claims, error) {
	tokenString = strings.TrimSpace(strings.TrimPrefix(tokenString, "Bearer "))
	if tokenString == "" {
		return nil, fmt.Errorf("empty token")
	}

	token, _, err := jwt.NewParser().ParseUnverified(tokenString, &Claims{})
	if err != nil {
		return nil, fmt.Errorf("failed to parse token: %w", err)
	}

	claims, ok := token.Claims.(*Claims)
	if !ok {
		return nil, fmt.Errorf("invalid claims")
	}
	return claims, nil
}

// ExtractUserID returns the user identity carried by an access token
func ExtractUserID(tokenString string) (string, error) {
	claims, err := ParseUnverified(tokenString)
	if err != nil {
		return "", err
	}
	id := claims.Identity()
	if id == "" {
		return "", fmt.Errorf("token carries no user id")
	}
	return id, nil
}

// IsTokenExpired reports whether a JWT's exp claim is in the past.
// Tokens that are not JWTs, or carry no exp, are treated as not expired:
// opaque media credentials are only judged by the server that issued them.
func IsTokenExpired(tokenString string, now time.Time) bool {
	claims, err := ParseUnverified(tokenString)
	if err != nil || claims.ExpiresAt == nil {
		return false
	}
	return claims.ExpiresAt.Time.Before(now)
}
