package crypto

import (
	"crypto/rand"
	"crypto/sha256"
	"encoding/base64"
	"fmt"
	"io"

	"golang.org/x/crypto/hkdf"

	"github.com/korvo-chat/backend/internal/chaterr"
)

// KeyWrapper seals room keys under a wrapping key derived from the
// process-wide key-encryption-key via HKDF-SHA256. Room keys are stored
// encrypted at rest; the KEK itself lives only in the environment.
type KeyWrapper struct {
	wrapKey []byte
}

// NewKeyWrapper derives the wrapping key from the 32-byte KEK.
func NewKeyWrapper(kek []byte) (*KeyWrapper, error) {
	if len(kek) != KeySize {
		return nil, fmt.Errorf("kek must be %d bytes, got %d", KeySize, len(kek))
	}
	r := hkdf.New(sha256.New, kek, nil, []byte("korvo.room-key.v1"))
	wrapKey := make([]byte, KeySize)
	if _, err := io.ReadFull(r, wrapKey); err != nil {
		return nil, fmt.Errorf("derive wrap key: %w", err)
	}
	return &KeyWrapper{wrapKey: wrapKey}, nil
}

// NewRoomKey generates a fresh 32-byte room key.
func NewRoomKey() ([]byte, error) {
	key := make([]byte, KeySize)
	if _, err := io.ReadFull(rand.Reader, key); err != nil {
		return nil, fmt.Errorf("generate room key: %w", err)
	}
	return key, nil
}

// Wrap encrypts a room key for storage. Output is base64url text:
// nonce || ciphertext.
func (w *KeyWrapper) Wrap(roomKey []byte) (string, error) {
	if len(roomKey) != KeySize {
		return "", fmt.Errorf("room key must be %d bytes, got %d", KeySize, len(roomKey))
	}
	gcm, err := newGCM(w.wrapKey)
	if err != nil {
		return "", err
	}
	nonce := make([]byte, NonceSize)
	if _, err := io.ReadFull(rand.Reader, nonce); err != nil {
		return "", fmt.Errorf("generate nonce: %w", err)
	}
	sealed := gcm.Seal(nonce, nonce, roomKey, nil)
	return base64.URLEncoding.EncodeToString(sealed), nil
}

// Unwrap decrypts a stored sealed room key.
func (w *KeyWrapper) Unwrap(sealed string) ([]byte, error) {
	raw, err := decodeB64(sealed)
	if err != nil {
		return nil, chaterr.Wrap(chaterr.BadEnvelope, "sealed room key is malformed", err)
	}
	if len(raw) < NonceSize {
		return nil, chaterr.Wrap(chaterr.BadEnvelope, "sealed room key is malformed",
			fmt.Errorf("sealed key too short: %d bytes", len(raw)))
	}
	gcm, err := newGCM(w.wrapKey)
	if err != nil {
		return nil, err
	}
	key, err := gcm.Open(nil, raw[:NonceSize], raw[NonceSize:], nil)
	if err != nil {
		return nil, chaterr.Wrap(chaterr.Tamper, "sealed room key failed integrity check", err)
	}
	if len(key) != KeySize {
		return nil, chaterr.Wrap(chaterr.BadEnvelope, "sealed room key is malformed",
			fmt.Errorf("unwrapped key is %d bytes, want %d", len(key), KeySize))
	}
	return key, nil
}
