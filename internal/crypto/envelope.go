// Package crypto implements the message envelope: AES-GCM sealing of chat
// payloads under per-room symmetric keys, and wrapping of those room keys
// under the process key-encryption-key.
//
// The package is pure; it never performs I/O. Callers load and persist
// keys through the storage adapter.
package crypto

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"io"
	"strings"
	"time"

	"github.com/korvo-chat/backend/internal/chaterr"
)

const (
	// KeySize is the room symmetric key length.
	KeySize = 32
	// NonceSize is the AES-GCM nonce length on the wire.
	NonceSize = 12
)

// Envelope is the on-disk representation of an encrypted payload. Both
// fields are base64url; padding is tolerated on read and canonical on write.
type Envelope struct {
	Ciphertext string `json:"ciphertext"`
	Nonce      string `json:"nonce"`
}

// Payload is the plaintext structure sealed inside an envelope.
type Payload struct {
	Content   string `json:"content"`
	Timestamp int64  `json:"timestamp"`
}

// Seal encrypts a payload with the room key and a fresh 12-byte nonce,
// returning the serialized envelope JSON.
func Seal(roomKey []byte, payload Payload) (string, error) {
	if len(roomKey) != KeySize {
		return "", chaterr.Wrap(chaterr.Internal, "bad room key",
			fmt.Errorf("room key must be %d bytes, got %d", KeySize, len(roomKey)))
	}
	plaintext, err := json.Marshal(payload)
	if err != nil {
		return "", fmt.Errorf("marshal payload: %w", err)
	}

	gcm, err := newGCM(roomKey)
	if err != nil {
		return "", err
	}

	nonce := make([]byte, NonceSize)
	if _, err := io.ReadFull(rand.Reader, nonce); err != nil {
		return "", fmt.Errorf("generate nonce: %w", err)
	}

	ciphertext := gcm.Seal(nil, nonce, plaintext, nil)
	env := Envelope{
		Ciphertext: base64.URLEncoding.EncodeToString(ciphertext),
		Nonce:      base64.URLEncoding.EncodeToString(nonce),
	}
	out, err := json.Marshal(env)
	if err != nil {
		return "", fmt.Errorf("marshal envelope: %w", err)
	}
	return string(out), nil
}

// SealContent seals a plain content string stamped with the current time.
func SealContent(roomKey []byte, content string) (string, error) {
	return Seal(roomKey, Payload{Content: content, Timestamp: time.Now().Unix()})
}

// Open decrypts a stored content column. Three outcomes:
//
//   - a well-formed envelope decrypts to its content string;
//   - a malformed envelope (bad base64, wrong nonce length) fails with
//     BadEnvelope;
//   - anything that is not an envelope at all is treated as a legacy
//     plaintext row and returned verbatim.
//
// Authentication failure under a correct-looking envelope fails with Tamper.
func Open(roomKey []byte, stored string) (string, error) {
	env, ok := parseEnvelope(stored)
	if !ok {
		// Legacy plaintext row.
		return stored, nil
	}

	ciphertext, err := decodeB64(env.Ciphertext)
	if err != nil {
		return "", chaterr.Wrap(chaterr.BadEnvelope, "message envelope is malformed", err)
	}
	nonce, err := decodeB64(env.Nonce)
	if err != nil {
		return "", chaterr.Wrap(chaterr.BadEnvelope, "message envelope is malformed", err)
	}
	if len(nonce) != NonceSize {
		return "", chaterr.Wrap(chaterr.BadEnvelope, "message envelope is malformed",
			fmt.Errorf("nonce is %d bytes, want %d", len(nonce), NonceSize))
	}

	gcm, err := newGCM(roomKey)
	if err != nil {
		return "", err
	}
	plaintext, err := gcm.Open(nil, nonce, ciphertext, nil)
	if err != nil {
		return "", chaterr.Wrap(chaterr.Tamper, "message failed integrity check", err)
	}

	var payload Payload
	if err := json.Unmarshal(plaintext, &payload); err != nil {
		// Sealed without the payload wrapper; return raw plaintext.
		return string(plaintext), nil
	}
	return payload.Content, nil
}

// parseEnvelope reports whether stored is a JSON object carrying exactly the
// two envelope keys.
func parseEnvelope(stored string) (Envelope, bool) {
	trimmed := strings.TrimSpace(stored)
	if !strings.HasPrefix(trimmed, "{") {
		return Envelope{}, false
	}
	var probe map[string]json.RawMessage
	if err := json.Unmarshal([]byte(trimmed), &probe); err != nil {
		return Envelope{}, false
	}
	if _, ok := probe["ciphertext"]; !ok {
		return Envelope{}, false
	}
	if _, ok := probe["nonce"]; !ok {
		return Envelope{}, false
	}
	var env Envelope
	if err := json.Unmarshal([]byte(trimmed), &env); err != nil {
		return Envelope{}, false
	}
	return env, true
}

// decodeB64 accepts base64url with or without padding and with embedded
// whitespace stripped.
func decodeB64(s string) ([]byte, error) {
	s = strings.Map(func(r rune) rune {
		switch r {
		case ' ', '\n', '\r', '\t':
			return -1
		}
		return r
	}, s)
	if b, err := base64.URLEncoding.DecodeString(s); err == nil {
		return b, nil
	}
	return base64.RawURLEncoding.DecodeString(s)
}

func newGCM(key []byte) (cipher.AEAD, error) {
	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, fmt.Errorf("init cipher: %w", err)
	}
	gcm, err := cipher.NewGCM(block)
	if err != nil {
		return nil, fmt.Errorf("init gcm: %w", err)
	}
	return gcm, nil
}
