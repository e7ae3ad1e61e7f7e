package kv

import (
	"context"
	"sync"
	"time"
)

// Memory is an in-process Store used when Redis is unavailable and in tests.
// TTLs are enforced lazily on read.
type Memory struct {
	mu     sync.Mutex
	values map[string]memEntry
	sets   map[string]map[string]struct{}
	lists  map[string][]string
	subs   map[string][]chan []byte

	// Now is overridable in tests to exercise expiry.
	Now func() time.Time
}

type memEntry struct {
	data      []byte
	expiresAt time.Time // zero means no expiry
}

// NewMemory creates an empty in-memory store.
func NewMemory() *Memory {
	return &Memory{
		values: make(map[string]memEntry),
		sets:   make(map[string]map[string]struct{}),
		lists:  make(map[string][]string),
		subs:   make(map[string][]chan []byte),
		Now:    time.Now,
	}
}

func (m *Memory) expired(e memEntry) bool {
	return !e.expiresAt.IsZero() && m.Now().After(e.expiresAt)
}

func (m *Memory) Get(_ context.Context, key string) ([]byte, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	e, ok := m.values[key]
	if !ok || m.expired(e) {
		delete(m.values, key)
		return nil, ErrNotFound
	}
	out := make([]byte, len(e.data))
	copy(out, e.data)
	return out, nil
}

func (m *Memory) Set(_ context.Context, key string, value []byte, ttl time.Duration) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.values[key] = m.entry(value, ttl)
	return nil
}

func (m *Memory) SetNX(_ context.Context, key string, value []byte, ttl time.Duration) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if e, ok := m.values[key]; ok && !m.expired(e) {
		return false, nil
	}
	m.values[key] = m.entry(value, ttl)
	return true, nil
}

func (m *Memory) Del(_ context.Context, keys ...string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, k := range keys {
		delete(m.values, k)
		delete(m.sets, k)
		delete(m.lists, k)
	}
	return nil
}

func (m *Memory) IncrWindow(_ context.Context, key string, ttl time.Duration) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	e, ok := m.values[key]
	if !ok || m.expired(e) {
		m.values[key] = m.entry([]byte{1}, ttl)
		return 1, nil
	}
	n := int64(0)
	for _, b := range e.data {
		n = n<<8 | int64(b)
	}
	n++
	e.data = encodeCount(n)
	m.values[key] = e
	return n, nil
}

func encodeCount(n int64) []byte {
	var out []byte
	for n > 0 {
		out = append([]byte{byte(n & 0xff)}, out...)
		n >>= 8
	}
	if out == nil {
		out = []byte{0}
	}
	return out
}

func (m *Memory) SAdd(_ context.Context, key string, members ...string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	set, ok := m.sets[key]
	if !ok {
		set = make(map[string]struct{})
		m.sets[key] = set
	}
	for _, mem := range members {
		set[mem] = struct{}{}
	}
	return nil
}

func (m *Memory) SRem(_ context.Context, key string, members ...string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	set, ok := m.sets[key]
	if !ok {
		return nil
	}
	for _, mem := range members {
		delete(set, mem)
	}
	return nil
}

func (m *Memory) SMembers(_ context.Context, key string) ([]string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	set := m.sets[key]
	out := make([]string, 0, len(set))
	for mem := range set {
		out = append(out, mem)
	}
	return out, nil
}

func (m *Memory) RPush(_ context.Context, key string, values ...string) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.lists[key] = append(m.lists[key], values...)
	return int64(len(m.lists[key])), nil
}

func (m *Memory) LLen(_ context.Context, key string) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return int64(len(m.lists[key])), nil
}

func (m *Memory) DrainList(_ context.Context, key string) ([]string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	items, ok := m.lists[key]
	if !ok || len(items) == 0 {
		return nil, nil
	}
	delete(m.lists, key)
	return items, nil
}

func (m *Memory) Publish(_ context.Context, channel string, message []byte) error {
	m.mu.Lock()
	subs := append([]chan []byte(nil), m.subs[channel]...)
	m.mu.Unlock()
	for _, ch := range subs {
		select {
		case ch <- message:
		default:
			// Slow subscriber; drop rather than block the publisher.
		}
	}
	return nil
}

func (m *Memory) Subscribe(_ context.Context, channel string, handler func([]byte)) (func(), error) {
	ch := make(chan []byte, 256)
	m.mu.Lock()
	m.subs[channel] = append(m.subs[channel], ch)
	m.mu.Unlock()

	done := make(chan struct{})
	go func() {
		for {
			select {
			case msg, ok := <-ch:
				if !ok {
					return
				}
				handler(msg)
			case <-done:
				return
			}
		}
	}()

	return func() {
		m.mu.Lock()
		subs := m.subs[channel]
		for i, c := range subs {
			if c == ch {
				m.subs[channel] = append(subs[:i], subs[i+1:]...)
				break
			}
		}
		m.mu.Unlock()
		close(done)
	}, nil
}

func (m *Memory) entry(value []byte, ttl time.Duration) memEntry {
	e := memEntry{data: append([]byte(nil), value...)}
	if ttl > 0 {
		e.expiresAt = m.Now().Add(ttl)
	}
	return e
}
