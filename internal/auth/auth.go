// Package auth implements the broker's single process-wide bearer token
// (spec.md §4.4, §6.4): generated once per process from the OS CSPRNG,
// written to a well-known path with owner-only permission, and checked on
// every WebSocket upgrade and privileged HTTP request. Unlike the teacher's
// auth package (password + TOTP + signed JWT session cookie), there is no
// credential verification step here — the token itself is the credential.
package auth

import (
	"crypto/rand"
	"encoding/hex"
	"errors"
	"net/http"
	"os"
	"path/filepath"
	"strings"

	"github.com/sirupsen/logrus"
)

var ErrInvalidToken = errors.New("invalid or missing token")

const tokenByteLen = 32

// TokenFileName is the well-known file name consumers (the browser
// extension's launcher page, the MCP tool server) look for in the
// machine-local scratch directory.
const TokenFileName = "tabz-auth-token"

// Store holds the in-memory token, the sole source of truth. The on-disk
// copy is best-effort: a failure to write it is logged but never fatal,
// since the in-memory value still lets co-located processes that inherit
// it as an argument or env var authenticate.
type Store struct {
	token string
	path  string
}

// New generates a fresh token and attempts to persist it to path (mode
// 0o600). Generation failure is the only fatal error; persistence failure
// is not.
func New(path string, log *logrus.Entry) (*Store, error) {
	buf := make([]byte, tokenByteLen)
	if _, err := rand.Read(buf); err != nil {
		return nil, errors.New("generating auth token: " + err.Error())
	}
	s := &Store{token: hex.EncodeToString(buf), path: path}

	if err := os.MkdirAll(filepath.Dir(path), 0o700); err != nil {
		log.WithError(err).Warn("auth: could not create token directory, continuing with in-memory token only")
		return s, nil
	}
	if err := os.WriteFile(path, []byte(s.token), 0o600); err != nil {
		log.WithError(err).Warn("auth: could not write token file, continuing with in-memory token only")
		return s, nil
	}
	return s, nil
}

// Token returns the in-memory bearer token. Never logged by any caller.
func (s *Store) Token() string {
	return s.token
}

// Validate performs an exact, full-length comparison. Truncation isn't a
// meaningful attack on an unguessable 32-byte value, but comparing full
// strings avoids ever accepting a prefix.
func (s *Store) Validate(candidate string) error {
	if candidate == "" || len(candidate) != len(s.token) || candidate != s.token {
		return ErrInvalidToken
	}
	return nil
}

// FromRequest extracts a candidate token from an HTTP request: the
// X-Auth-Token header first (spec.md §6.2 POST /api/spawn), then an
// `Authorization: Bearer <token>` header, then a `token` query parameter as
// the last fallback.
func FromRequest(r *http.Request) string {
	if h := r.Header.Get("X-Auth-Token"); h != "" {
		return h
	}
	if h := r.Header.Get("Authorization"); strings.HasPrefix(h, "Bearer ") {
		return strings.TrimPrefix(h, "Bearer ")
	}
	return r.URL.Query().Get("token")
}

// Middleware protects privileged HTTP handlers (everything but
// GET /api/auth/token, which is intentionally public: the browser
// extension running on the same machine needs it to bootstrap).
func (s *Store) Middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if err := s.Validate(FromRequest(r)); err != nil {
			http.Error(w, "unauthorized", http.StatusUnauthorized)
			return
		}
		next.ServeHTTP(w, r)
	})
}
