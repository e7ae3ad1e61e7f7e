// Package keyring loads and caches room symmetric keys. Keys are stored
// sealed under the process KEK; unsealed keys live in a bounded LRU so hot
// rooms do not hit storage on every message.
package keyring

import (
	"context"
	"fmt"
	"time"

	lru "github.com/hashicorp/golang-lru/v2"

	"github.com/korvo-chat/backend/internal/crypto"
	"github.com/korvo-chat/backend/internal/store"
)

type entry struct {
	key      []byte
	version  int
	loadedAt time.Time
}

// Ring caches unsealed room keys.
type Ring struct {
	store   store.Store
	wrapper *crypto.KeyWrapper

	cache *lru.Cache[int64, entry]
	now   func() time.Time
}

func New(st store.Store, wrapper *crypto.KeyWrapper) (*Ring, error) {
	cache, err := lru.New[int64, entry](512)
	if err != nil {
		return nil, err
	}
	return &Ring{store: st, wrapper: wrapper, cache: cache, now: time.Now}, nil
}

// RoomKey returns the unsealed key and its version for a room.
func (r *Ring) RoomKey(ctx context.Context, roomID int64) ([]byte, int, error) {
	if e, ok := r.cache.Get(roomID); ok {
		return e.key, e.version, nil
	}
	return r.reload(ctx, roomID)
}

// Reload bypasses the cache and re-reads the sealed key from storage. Chat
// sessions call this on their rotation cadence so an out-of-band rotation is
// picked up without a restart.
func (r *Ring) Reload(ctx context.Context, roomID int64) ([]byte, int, error) {
	return r.reload(ctx, roomID)
}

func (r *Ring) reload(ctx context.Context, roomID int64) ([]byte, int, error) {
	room, err := r.store.GetRoom(ctx, roomID)
	if err != nil {
		return nil, 0, err
	}
	key, err := r.wrapper.Unwrap(room.SealedKey)
	if err != nil {
		return nil, 0, fmt.Errorf("unseal key for room %d: %w", roomID, err)
	}
	r.cache.Add(roomID, entry{key: key, version: room.KeyVersion, loadedAt: r.now()})
	return key, room.KeyVersion, nil
}

// Rotate mints a fresh room key, seals it, persists it, and refreshes the
// cache. Previously persisted ciphertexts keep decrypting only if the
// backlog is re-encrypted out-of-band, so rotation is reserved for rooms
// with no retained history or an external migration.
func (r *Ring) Rotate(ctx context.Context, roomID int64) ([]byte, error) {
	key, err := crypto.NewRoomKey()
	if err != nil {
		return nil, err
	}
	sealed, err := r.wrapper.Wrap(key)
	if err != nil {
		return nil, err
	}
	if err := r.store.RotateRoomKey(ctx, roomID, sealed); err != nil {
		return nil, err
	}
	return key, r.refresh(ctx, roomID)
}

func (r *Ring) refresh(ctx context.Context, roomID int64) error {
	_, _, err := r.reload(ctx, roomID)
	return err
}

// Invalidate drops the cached key for a room.
func (r *Ring) Invalidate(roomID int64) {
	r.cache.Remove(roomID)
}
