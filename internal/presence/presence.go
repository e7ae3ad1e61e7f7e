// Package presence tracks the per-room online set and per-user last-seen
// timestamps in a shared store, so every instance of the hub observes the
// same view.
package presence

import (
	"context"
	"fmt"
	"strconv"
	"time"

	"github.com/korvo-chat/backend/internal/kv"
)

const keyPrefix = "korvo:presence:"

// Entry is one participant in a snapshot.
type Entry struct {
	User     string    `json:"user"`
	Status   string    `json:"status"` // online | offline
	LastSeen time.Time `json:"last_seen"`
}

// Store tracks online membership per room. Writes are idempotent: the
// canonical connect sequence is Remove then Add, so a transient
// double-connect never double-counts.
type Store struct {
	kv kv.Store
}

// New creates a presence store over the shared kv backend.
func New(store kv.Store) *Store {
	return &Store{kv: store}
}

func roomKey(roomID int64) string {
	return fmt.Sprintf("%sroom:%d", keyPrefix, roomID)
}

func seenKey(user string) string {
	return keyPrefix + "seen:" + user
}

// Add marks a user online in a room.
func (s *Store) Add(ctx context.Context, roomID int64, user string) error {
	return s.kv.SAdd(ctx, roomKey(roomID), user)
}

// Remove marks a user offline in a room. Removing an absent user is a no-op.
func (s *Store) Remove(ctx context.Context, roomID int64, user string) error {
	return s.kv.SRem(ctx, roomKey(roomID), user)
}

// Touch records the user's last-seen timestamp.
func (s *Store) Touch(ctx context.Context, user string, ts time.Time) error {
	return s.kv.Set(ctx, seenKey(user), []byte(strconv.FormatInt(ts.UnixMilli(), 10)), 0)
}

// LastSeen returns the stored last-seen time for a user, zero if unknown.
func (s *Store) LastSeen(ctx context.Context, user string) (time.Time, error) {
	raw, err := s.kv.Get(ctx, seenKey(user))
	if err == kv.ErrNotFound {
		return time.Time{}, nil
	}
	if err != nil {
		return time.Time{}, err
	}
	ms, err := strconv.ParseInt(string(raw), 10, 64)
	if err != nil {
		return time.Time{}, fmt.Errorf("corrupt last-seen for %s: %w", user, err)
	}
	return time.UnixMilli(ms), nil
}

// Online returns the current online set for a room.
func (s *Store) Online(ctx context.Context, roomID int64) ([]string, error) {
	return s.kv.SMembers(ctx, roomKey(roomID))
}

// Snapshot assembles the presence view for a room: every listed participant
// marked online or offline with their stored last-seen. Participants not in
// the online set appear as offline.
func (s *Store) Snapshot(ctx context.Context, roomID int64, participants []string) ([]Entry, error) {
	online, err := s.Online(ctx, roomID)
	if err != nil {
		return nil, err
	}
	onlineSet := make(map[string]bool, len(online))
	for _, u := range online {
		onlineSet[u] = true
	}

	entries := make([]Entry, 0, len(participants))
	for _, u := range participants {
		seen, err := s.LastSeen(ctx, u)
		if err != nil {
			return nil, err
		}
		status := "offline"
		if onlineSet[u] {
			status = "online"
		}
		entries = append(entries, Entry{User: u, Status: status, LastSeen: seen})
	}
	return entries, nil
}
