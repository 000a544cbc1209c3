package realtime

import (
	"context"
	"fmt"
	"time"

	gojwt "github.com/golang-jwt/jwt/v5"
)

// TokenProvider supplies the current bearer token.
// Implementations may refresh asynchronously; `Token` should return the
// newest token they have, or an error if no token can be issued.
type TokenProvider interface {
	Token(ctx context.Context) (string, error)
}

type StaticTokenProvider struct {
	token string
}

func NewStaticTokenProvider(token string) *StaticTokenProvider {
	return &StaticTokenProvider{
		token: token,
	}
}

func (self *StaticTokenProvider) Token(ctx context.Context) (string, error) {
	if self.token == "" {
		return "", &AuthError{Message: "no token"}
	}
	return self.token, nil
}

type SyncToken struct {
	UserId    string
	ExpiresAt time.Time
}

// extracts the user scope and expiry without verifying the signature.
// verification is the server's job; the client only needs the claims.
func ParseSyncToken(token string) (*SyncToken, error) {
	parser := gojwt.NewParser()
	parsed, _, err := parser.ParseUnverified(token, gojwt.MapClaims{})
	if err != nil {
		return nil, err
	}

	claims := parsed.Claims.(gojwt.MapClaims)

	syncToken := &SyncToken{}

	userId, ok := claims["sub"]
	if !ok {
		userId, ok = claims["user_id"]
	}
	if !ok {
		return nil, fmt.Errorf("token has no user claim")
	}
	switch v := userId.(type) {
	case string:
		syncToken.UserId = v
	default:
		return nil, fmt.Errorf("token has invalid user claim (%T)", v)
	}

	if expiresAt, err := claims.GetExpirationTime(); err == nil && expiresAt != nil {
		syncToken.ExpiresAt = expiresAt.Time
	}

	return syncToken, nil
}

func (self *SyncToken) IsExpired() bool {
	if self.ExpiresAt.IsZero() {
		return false
	}
	return self.ExpiresAt.Before(time.Now())
}
