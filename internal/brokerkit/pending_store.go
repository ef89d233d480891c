package brokerkit

import (
	"context"
	"crypto/rand"
	"encoding/base64"
	"fmt"
	"sync"
	"time"
)

type pendingRecord struct {
	identity string
	issuedAt time.Time
}

type memoryPendingStore struct {
	mutex     sync.Mutex
	entries   map[string]pendingRecord
	ttl       time.Duration
	now       func() time.Time
	stateSize int
}

// NewMemoryPendingStore constructs an in-memory PendingStore whose entries
// expire after the provided TTL.
func NewMemoryPendingStore(ttl time.Duration) PendingStore {
	return &memoryPendingStore{
		entries:   make(map[string]pendingRecord),
		ttl:       ttl,
		now:       time.Now,
		stateSize: 32,
	}
}

func (store *memoryPendingStore) Begin(ctx context.Context, identity string) (string, error) {
	state, err := store.randomState()
	if err != nil {
		return "", err
	}
	store.mutex.Lock()
	defer store.mutex.Unlock()
	store.purgeExpiredLocked()
	store.entries[state] = pendingRecord{identity: identity, issuedAt: store.now()}
	return state, nil
}

func (store *memoryPendingStore) Consume(ctx context.Context, state string) (string, error) {
	store.mutex.Lock()
	defer store.mutex.Unlock()
	record, ok := store.entries[state]
	if !ok {
		store.purgeExpiredLocked()
		return "", ErrStateNotFound
	}
	delete(store.entries, state)
	if store.now().Sub(record.issuedAt) > store.ttl {
		store.purgeExpiredLocked()
		return "", ErrStateExpired
	}
	store.purgeExpiredLocked()
	return record.identity, nil
}

func (store *memoryPendingStore) purgeExpiredLocked() {
	if len(store.entries) == 0 {
		return
	}
	now := store.now()
	for state, record := range store.entries {
		if now.Sub(record.issuedAt) > store.ttl {
			delete(store.entries, state)
		}
	}
}

func (store *memoryPendingStore) randomState() (string, error) {
	buffer := make([]byte, store.stateSize)
	if _, err := rand.Read(buffer); err != nil {
		return "", fmt.Errorf("pending_store.random: %w", err)
	}
	return base64.RawURLEncoding.EncodeToString(buffer), nil
}
