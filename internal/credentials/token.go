package credentials

import (
	"context"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

// TokenSource yields a web identity token for the STS exchange.
type TokenSource interface {
	Token(ctx context.Context) (string, error)
}

// TokenFetcher requests an OIDC token from the Actions runtime.
type TokenFetcher interface {
	FetchIDToken(ctx context.Context, requestURL, requestToken, audience string) (string, error)
}

// ActionsTokenSource requests a fresh token from the GitHub Actions OIDC endpoint.
type ActionsTokenSource struct {
	Fetcher      TokenFetcher
	RequestURL   string
	RequestToken string
	Audience     string
}

// Token implements TokenSource.
func (s *ActionsTokenSource) Token(ctx context.Context) (string, error) {
	return s.Fetcher.FetchIDToken(ctx, s.RequestURL, s.RequestToken, s.Audience)
}

// FileTokenSource reads a token from a file, re-reading on every call so
// rotated tokens are picked up.
type FileTokenSource struct {
	Path string
}

// Token implements TokenSource.
func (s *FileTokenSource) Token(ctx context.Context) (string, error) {
	data, err := os.ReadFile(s.Path)
	if err != nil {
		return "", fmt.Errorf("reading token file: %w", err)
	}
	return strings.TrimSpace(string(data)), nil
}

// TokenClaims are the claims deployctl inspects before an exchange.
type TokenClaims struct {
	Subject   string
	Audience  []string
	ExpiresAt time.Time
}

// InspectToken parses a JWT without verifying its signature (STS verifies it)
// and rejects tokens that expire within skew of now.
func InspectToken(raw string, now time.Time, skew time.Duration) (*TokenClaims, error) {
	claims := &jwt.RegisteredClaims{}
	if _, _, err := jwt.NewParser().ParseUnverified(raw, claims); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrMalformedToken, err)
	}

	out := &TokenClaims{Subject: claims.Subject, Audience: claims.Audience}
	if claims.ExpiresAt != nil {
		out.ExpiresAt = claims.ExpiresAt.Time
		if !now.Add(skew).Before(out.ExpiresAt) {
			return out, fmt.Errorf("%w at %s", ErrTokenExpired, out.ExpiresAt.UTC().Format(time.RFC3339))
		}
	}
	return out, nil
}
