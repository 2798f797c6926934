package identity

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"

	"github.com/redis/go-redis/v9"
)

// SessionStore reads sessions written to Redis by the auth provider.
type SessionStore struct {
	client     *redis.Client
	cookieName string
}

type sessionPayload struct {
	Email string `json:"email"`
	Role  string `json:"role"`
}

// NewSessionStore constructs a SessionStore.
func NewSessionStore(client *redis.Client, cookieName string) *SessionStore {
	return &SessionStore{client: client, cookieName: cookieName}
}

// CookieName returns the cookie identifier used for sessions.
func (s *SessionStore) CookieName() string {
	return s.cookieName
}

// Lookup returns the raw email and role stored for the request's session.
// A missing cookie or an expired session is not an error.
func (s *SessionStore) Lookup(ctx context.Context, r *http.Request) (email, role string, found bool, err error) {
	if s == nil || s.client == nil {
		return "", "", false, nil
	}
	cookie, err := r.Cookie(s.cookieName)
	if err != nil {
		if errors.Is(err, http.ErrNoCookie) {
			return "", "", false, nil
		}
		return "", "", false, err
	}
	if cookie.Value == "" {
		return "", "", false, nil
	}
	raw, err := s.client.Get(ctx, redisKey(cookie.Value)).Bytes()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return "", "", false, nil
		}
		return "", "", false, err
	}
	var payload sessionPayload
	if err := json.Unmarshal(raw, &payload); err != nil {
		return "", "", false, err
	}
	if payload.Email == "" {
		return "", "", false, nil
	}
	return payload.Email, payload.Role, true, nil
}

func redisKey(id string) string {
	return "session:" + id
}
