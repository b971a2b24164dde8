package auth

import (
	"context"
	"sync"
	"time"

	"goals-sync/domain"
)

// StaticIdentity always resolves to the same user. The empty value means
// nobody is signed in.
type StaticIdentity string

func (s StaticIdentity) UserID(context.Context) (string, error) {
	if s == "" {
		return "", domain.ErrNoIdentity
	}
	return string(s), nil
}

// SessionIdentity resolves the user from a session token. The subject is
// cached until the token expires.
type SessionIdentity struct {
	auth *Auth

	mu      sync.Mutex
	token   string
	userID  string
	expires time.Time
}

func NewSessionIdentity(a *Auth, token string) *SessionIdentity {
	return &SessionIdentity{auth: a, token: token}
}

// SetToken replaces the session token. An empty token signs the user out.
func (s *SessionIdentity) SetToken(token string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.token = token
	s.userID = ""
	s.expires = time.Time{}
}

func (s *SessionIdentity) UserID(context.Context) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.token == "" {
		return "", domain.ErrNoIdentity
	}
	now := s.auth.now()
	if s.userID != "" && (s.expires.IsZero() || now.Before(s.expires)) {
		return s.userID, nil
	}
	sub, exp, err := s.auth.parse(s.token)
	if err != nil {
		s.userID = ""
		return "", err
	}
	s.userID, s.expires = sub, exp
	return sub, nil
}
