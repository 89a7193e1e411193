package auth

import (
	"crypto/subtle"
	"encoding/base64"
	"errors"
	"fmt"
	"strings"

	"github.com/google/uuid"
	"golang.org/x/crypto/bcrypt"

	"homebox/internal/config"
)

// Token is the per-process value a client must echo back on state-changing
// requests. Create one at startup and hand it to whatever checks it.
type Token struct {
	value string
}

func NewToken() Token {
	return Token{value: uuid.NewString()}
}

// TokenFrom wraps a known value, e.g. for tests.
func TokenFrom(v string) Token {
	return Token{value: v}
}

func (t Token) String() string { return t.value }

func (t Token) Matches(got string) bool {
	return TokenMatches(t.value, got)
}

// TokenMatches compares in constant time. An empty expected value never matches.
func TokenMatches(expected, got string) bool {
	if expected == "" {
		return false
	}
	return subtle.ConstantTimeCompare([]byte(expected), []byte(got)) == 1
}

// Challenge is the WWW-Authenticate value sent with a 401.
const Challenge = `Basic realm="homebox"`

var ErrUnauthorized = errors.New("unauthorized")

// Authenticate checks a BasicAuth Authorization header against bcrypt hashes
// and returns the user name.
func Authenticate(users map[string]config.User, authorization string) (string, error) {
	u, p, ok := parseBasicAuth(authorization)
	if !ok {
		return "", ErrUnauthorized
	}
	user, ok := users[u]
	if !ok {
		return "", ErrUnauthorized
	}
	if err := bcrypt.CompareHashAndPassword([]byte(user.Bcrypt), []byte(p)); err != nil {
		return "", ErrUnauthorized
	}
	return u, nil
}

// HashPassword returns a bcrypt hash suitable for config users.
func HashPassword(password string, cost int) (string, error) {
	if password == "" {
		return "", fmt.Errorf("empty password")
	}
	if cost < bcrypt.MinCost || cost > bcrypt.MaxCost {
		return "", fmt.Errorf("invalid cost %d (min=%d max=%d)", cost, bcrypt.MinCost, bcrypt.MaxCost)
	}
	h, err := bcrypt.GenerateFromPassword([]byte(password), cost)
	if err != nil {
		return "", fmt.Errorf("bcrypt: %w", err)
	}
	return string(h), nil
}

func parseBasicAuth(v string) (user, pass string, ok bool) {
	const prefix = "Basic "
	if !strings.HasPrefix(v, prefix) {
		return "", "", false
	}
	raw, err := base64.StdEncoding.DecodeString(strings.TrimSpace(strings.TrimPrefix(v, prefix)))
	if err != nil {
		return "", "", false
	}
	s := string(raw)
	i := strings.IndexByte(s, ':')
	if i < 0 {
		return "", "", false
	}
	u := s[:i]
	p := s[i+1:]
	if u == "" {
		return "", "", false
	}
	if strings.Contains(u, "\x00") || strings.Contains(p, "\x00") {
		return "", "", false
	}
	return u, p, true
}
