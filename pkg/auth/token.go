package auth

import (
	"os"
	"strings"
	"sync"

	"github.com/golang-jwt/jwt/v5"
)

// TokenStore hands out the current bearer credential. An empty string means "not logged in".
// Credentials are issued and refreshed elsewhere; this package only reads them.
type TokenStore interface {
	Token() string
}

// StaticTokenStore holds a credential in memory. Set is called by whoever performs login/logout.
type StaticTokenStore struct {
	mu    sync.RWMutex
	token string
}

func NewStaticTokenStore(token string) *StaticTokenStore {
	return &StaticTokenStore{token: strings.TrimSpace(token)}
}

func (s *StaticTokenStore) Token() string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.token
}

func (s *StaticTokenStore) Set(token string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.token = strings.TrimSpace(token)
}

// FileTokenStore re-reads the credential from a file on every call so an external
// process can rotate it. Read errors yield an empty credential.
type FileTokenStore struct {
	Path string
}

func (f FileTokenStore) Token() string {
	data, err := os.ReadFile(f.Path)
	if err != nil {
		return ""
	}
	return strings.TrimSpace(string(data))
}

// PlaceholderName is shown for locally echoed messages when the credential can't be read.
const PlaceholderName = "You"

// Identity is a display hint derived from a credential. It is never used for authorization;
// the server-confirmed message carries the real sender.
type Identity struct {
	UserID string
	Name   string
	Role   string
}

// Inspect decodes the credential's claims without verifying the signature.
// Any failure returns the placeholder identity; it never panics.
func Inspect(token string) (id Identity) {
	id = Identity{Name: PlaceholderName}
	if token == "" {
		return id
	}
	defer func() {
		if r := recover(); r != nil {
			id = Identity{Name: PlaceholderName}
		}
	}()

	claims := jwt.MapClaims{}
	if _, _, err := jwt.NewParser().ParseUnverified(token, claims); err != nil {
		return id
	}

	if sub, err := claims.GetSubject(); err == nil {
		id.UserID = sub
	}
	id.Role = claimString(claims, "role")
	for _, key := range []string{"name", "full_name", "email"} {
		if v := claimString(claims, key); v != "" {
			id.Name = v
			break
		}
	}
	return id
}

func claimString(claims jwt.MapClaims, key string) string {
	v, ok := claims[key].(string)
	if !ok {
		return ""
	}
	return strings.TrimSpace(v)
}
