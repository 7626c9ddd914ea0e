package credguard

import (
	"context"
	"fmt"
	"os"
	"strings"

	"github.com/golang-jwt/jwt/v5"
)

// TokenFileSource reads the delegated credential token the cloud CLI caches
// on disk and reports its expiry and subject. The token is parsed without
// signature verification: we are not the audience, we only need the claims
// the broker stamped into it.
type TokenFileSource struct {
	Path string
}

func NewTokenFileSource(path string) *TokenFileSource {
	return &TokenFileSource{Path: path}
}

func (s *TokenFileSource) CredentialStatus(_ context.Context) (Status, error) {
	raw, err := os.ReadFile(s.Path)
	if err != nil {
		return Status{}, fmt.Errorf("read credential token: %w", err)
	}

	token := strings.TrimSpace(string(raw))
	if token == "" {
		return Status{}, fmt.Errorf("credential token file %s is empty", s.Path)
	}

	claims := jwt.MapClaims{}
	if _, _, err := jwt.NewParser().ParseUnverified(token, claims); err != nil {
		return Status{}, fmt.Errorf("parse credential token: %w", err)
	}

	exp, err := claims.GetExpirationTime()
	if err != nil || exp == nil {
		return Status{}, fmt.Errorf("credential token has no expiry claim")
	}
	sub, _ := claims.GetSubject()
	if sub == "" {
		sub = "unknown"
	}

	return Status{Identity: sub, ExpiresAt: exp.Time}, nil
}
