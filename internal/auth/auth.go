// Package auth verifies session tokens minted by the external identity
// provider. A token is "base64url(user:expiry)" + "." + "base64url(hmac)",
// HMAC-SHA256 over the payload under a secret shared with the provider.
package auth

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/base64"
	"fmt"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/korvo-chat/backend/internal/chaterr"
)

// TokenVerifier authenticates requests bearing a signed session token in
// the Authorization header or, for browser websocket clients that cannot
// set headers, a "token" query parameter.
type TokenVerifier struct {
	secret []byte
	now    func() time.Time
}

func NewTokenVerifier(secret []byte) *TokenVerifier {
	return &TokenVerifier{secret: secret, now: time.Now}
}

func (v *TokenVerifier) Authenticate(r *http.Request) (string, error) {
	raw := strings.TrimPrefix(r.Header.Get("Authorization"), "Bearer ")
	if raw == "" || raw == r.Header.Get("Authorization") {
		raw = r.URL.Query().Get("token")
	}
	if raw == "" {
		return "", chaterr.New(chaterr.Unauthorized, "missing session token")
	}

	payloadB64, sigB64, ok := strings.Cut(raw, ".")
	if !ok {
		return "", chaterr.New(chaterr.Unauthorized, "malformed session token")
	}
	payload, err := base64.RawURLEncoding.DecodeString(payloadB64)
	if err != nil {
		return "", chaterr.New(chaterr.Unauthorized, "malformed session token")
	}
	sig, err := base64.RawURLEncoding.DecodeString(sigB64)
	if err != nil {
		return "", chaterr.New(chaterr.Unauthorized, "malformed session token")
	}

	mac := hmac.New(sha256.New, v.secret)
	mac.Write(payload)
	if !hmac.Equal(sig, mac.Sum(nil)) {
		return "", chaterr.New(chaterr.Unauthorized, "session token signature mismatch")
	}

	user, expStr, ok := strings.Cut(string(payload), ":")
	if !ok || user == "" {
		return "", chaterr.New(chaterr.Unauthorized, "malformed session token")
	}
	exp, err := strconv.ParseInt(expStr, 10, 64)
	if err != nil {
		return "", chaterr.New(chaterr.Unauthorized, "malformed session token")
	}
	if v.now().Unix() >= exp {
		return "", chaterr.New(chaterr.Unauthorized, "session token expired")
	}
	return user, nil
}

// Mint signs a token for user valid for ttl. The identity provider is the
// production issuer; this is for tests and local tooling.
func Mint(secret []byte, user string, ttl time.Duration) string {
	payload := fmt.Sprintf("%s:%d", user, time.Now().Add(ttl).Unix())
	mac := hmac.New(sha256.New, secret)
	mac.Write([]byte(payload))
	return base64.RawURLEncoding.EncodeToString([]byte(payload)) +
		"." + base64.RawURLEncoding.EncodeToString(mac.Sum(nil))
}

// Insecure trusts the "user" query parameter or X-User header outright.
// Debug runs only.
type Insecure struct{}

func (Insecure) Authenticate(r *http.Request) (string, error) {
	if user := r.URL.Query().Get("user"); user != "" {
		return user, nil
	}
	if user := r.Header.Get("X-User"); user != "" {
		return user, nil
	}
	return "", chaterr.New(chaterr.Unauthorized, "no user identity supplied")
}
