// Package viewertoken mints and verifies signed tokens that bind a viewer
// websocket to a single call session for a bounded time window.
//
// A token is a base64url-encoded payload (sessionId, expiry) with an
// HMAC-SHA256 signature over the payload, keyed by a process-wide secret
// loaded once at startup. There is no server-side token store: verification
// is a pure function of the token bytes and the secret.
package viewertoken

import (
	"crypto/hmac"
	"crypto/sha256"
	"crypto/subtle"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"time"
)

// DefaultTTL is the viewer-token lifetime used by [Service.Mint] when the
// caller does not specify one.
const DefaultTTL = 10 * time.Minute

// Service mints and verifies viewer tokens using a fixed secret. A Service is
// safe for concurrent use; it holds no mutable state beyond the secret bytes.
type Service struct {
	secret []byte
}

// New creates a [Service] keyed by secret. secret must be non-empty; callers
// are expected to have already applied the environment-variable fallback
// chain (see internal/config) before constructing the service.
func New(secret string) *Service {
	return &Service{secret: []byte(secret)}
}

// payload is the signed, JSON-encoded body of a token.
type payload struct {
	SessionID string `json:"sessionId"`
	Exp       int64  `json:"exp"`
}

// Mint returns a signed token binding sessionID to the caller for ttl. A
// non-positive ttl is replaced with [DefaultTTL].
func (s *Service) Mint(sessionID string, ttl time.Duration) (string, error) {
	if ttl <= 0 {
		ttl = DefaultTTL
	}
	p := payload{SessionID: sessionID, Exp: time.Now().Add(ttl).Unix()}
	body, err := json.Marshal(p)
	if err != nil {
		return "", fmt.Errorf("viewertoken: marshal payload: %w", err)
	}
	sig := s.sign(body)

	encBody := base64.RawURLEncoding.EncodeToString(body)
	encSig := base64.RawURLEncoding.EncodeToString(sig)
	return encBody + "." + encSig, nil
}

// Verify reports whether token is a validly signed, unexpired token bound to
// sessionID. Any parse failure, signature mismatch, session mismatch, or
// expiry yields false; no further detail is surfaced, by design — viewer
// auth failures must not leak signing material or timing information to the
// caller.
func (s *Service) Verify(sessionID, token string) bool {
	body, sig, ok := splitToken(token)
	if !ok {
		return false
	}

	want := s.sign(body)
	if !hmac.Equal(sig, want) {
		return false
	}

	var p payload
	if err := json.Unmarshal(body, &p); err != nil {
		return false
	}
	if subtle.ConstantTimeCompare([]byte(p.SessionID), []byte(sessionID)) != 1 {
		return false
	}
	if time.Now().Unix() > p.Exp {
		return false
	}
	return true
}

func splitToken(token string) (body, sig []byte, ok bool) {
	dot := -1
	for i := 0; i < len(token); i++ {
		if token[i] == '.' {
			dot = i
			break
		}
	}
	if dot < 0 {
		return nil, nil, false
	}
	body, errBody := base64.RawURLEncoding.DecodeString(token[:dot])
	sig, errSig := base64.RawURLEncoding.DecodeString(token[dot+1:])
	if errBody != nil || errSig != nil {
		return nil, nil, false
	}
	return body, sig, true
}

func (s *Service) sign(body []byte) []byte {
	mac := hmac.New(sha256.New, s.secret)
	mac.Write(body)
	return mac.Sum(nil)
}
