// Package heartbeat records the last liveness signal received from each
// candidate. The monitoring loop reads it to decide whether a candidate is idle.
package heartbeat

import (
	"context"
	"errors"
	"sync"
	"time"
)

var ErrInvalidKey = errors.New("heartbeat: room and candidate IDs are required")

// Store is the heartbeat side channel. LastHeartbeat returns ok=false when
// nothing has ever been recorded for the pair.
type Store interface {
	RecordHeartbeat(ctx context.Context, roomID, candidateID string, ts time.Time) error
	LastHeartbeat(ctx context.Context, roomID, candidateID string) (ts time.Time, ok bool, err error)
}

type key struct {
	room      string
	candidate string
}

type MemoryStore struct {
	mu   sync.RWMutex
	last map[key]time.Time
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{last: make(map[key]time.Time)}
}

func (s *MemoryStore) RecordHeartbeat(_ context.Context, roomID, candidateID string, ts time.Time) error {
	if roomID == "" || candidateID == "" {
		return ErrInvalidKey
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	k := key{roomID, candidateID}
	// Out-of-order delivery never moves the clock backwards.
	if prev, ok := s.last[k]; ok && prev.After(ts) {
		return nil
	}
	s.last[k] = ts
	return nil
}

func (s *MemoryStore) LastHeartbeat(_ context.Context, roomID, candidateID string) (time.Time, bool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	ts, ok := s.last[key{roomID, candidateID}]
	return ts, ok, nil
}

// Forget drops the entry for a candidate, e.g. when they leave the room.
func (s *MemoryStore) Forget(roomID, candidateID string) {
	s.mu.Lock()
	delete(s.last, key{roomID, candidateID})
	s.mu.Unlock()
}
