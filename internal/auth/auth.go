package auth

import (
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"golang.org/x/oauth2"
)

var ErrTokenExpired = errors.New("bearer token expired")

// staticTokenSource serves a fixed bearer token until its optional expiry.
type staticTokenSource struct {
	token  string
	expiry time.Time
	now    func() time.Time
}

// NewTokenSource returns a source for a fixed token. A zero expiry never expires.
func NewTokenSource(token string, expiry time.Time) oauth2.TokenSource {
	return &staticTokenSource{token: strings.TrimSpace(token), expiry: expiry, now: time.Now}
}

func (s *staticTokenSource) Token() (*oauth2.Token, error) {
	if !s.expiry.IsZero() && !s.now().Before(s.expiry) {
		return nil, fmt.Errorf("%w at %s", ErrTokenExpired, s.expiry.UTC().Format(time.RFC3339))
	}
	return &oauth2.Token{AccessToken: s.token, TokenType: "Bearer", Expiry: s.expiry}, nil
}

// Transport sets "Authorization: Bearer <token>" on every request sent through base.
// An empty token leaves requests unauthenticated.
func Transport(base http.RoundTripper, source oauth2.TokenSource) http.RoundTripper {
	if base == nil {
		base = http.DefaultTransport
	}
	if source == nil {
		return base
	}
	return &oauth2.Transport{Source: source, Base: base}
}
