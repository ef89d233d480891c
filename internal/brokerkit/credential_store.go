package brokerkit

import (
	"context"
	"errors"
	"sync"
	"time"

	"go.uber.org/zap"
)

type sealedEntry struct {
	sealed    []byte
	expiresAt time.Time
}

// MemoryCredentialStore keeps sealed credentials in a mutex-guarded map.
// Expired entries are evicted lazily on read.
type MemoryCredentialStore struct {
	mutex   sync.Mutex
	entries map[string]sealedEntry
	sealer  *Cipher
	now     func() time.Time
	logger  *zap.Logger
}

// NewMemoryCredentialStore constructs an in-memory CredentialStore sealing
// entries with the provided cipher.
func NewMemoryCredentialStore(sealer *Cipher, logger *zap.Logger) *MemoryCredentialStore {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &MemoryCredentialStore{
		entries: make(map[string]sealedEntry),
		sealer:  sealer,
		now:     time.Now,
		logger:  logger,
	}
}

// Put seals the credential and overwrites any existing entry for the identity.
func (store *MemoryCredentialStore) Put(ctx context.Context, identity string, credential Credential) error {
	sealed, sealErr := sealCredential(store.sealer, credential)
	if sealErr != nil {
		return sealErr
	}
	store.mutex.Lock()
	defer store.mutex.Unlock()
	store.entries[identity] = sealedEntry{sealed: sealed, expiresAt: credential.ExpiresAt}
	return nil
}

// Get returns the live credential for the identity. Expired entries are
// deleted and reported as not found; entries that fail to open are reported
// as not found but logged distinctly.
func (store *MemoryCredentialStore) Get(ctx context.Context, identity string) (Credential, error) {
	store.mutex.Lock()
	defer store.mutex.Unlock()
	entry, ok := store.entries[identity]
	if !ok {
		return Credential{}, ErrCredentialNotFound
	}
	if !store.now().Before(entry.expiresAt) {
		delete(store.entries, identity)
		return Credential{}, ErrCredentialNotFound
	}
	credential, openErr := openCredential(store.sealer, entry.sealed)
	if openErr != nil {
		store.logger.Warn("stored credential failed to open",
			zap.String("code", "credential_store.open_failed"),
			zap.String("identity", identity))
		delete(store.entries, identity)
		return Credential{}, errors.Join(ErrCredentialNotFound, openErr)
	}
	return credential, nil
}

// Delete removes the entry for the identity. Deleting an absent entry succeeds.
func (store *MemoryCredentialStore) Delete(ctx context.Context, identity string) error {
	store.mutex.Lock()
	defer store.mutex.Unlock()
	delete(store.entries, identity)
	return nil
}

// Count returns the number of stored entries, which may include expired
// entries not yet lazily evicted.
func (store *MemoryCredentialStore) Count(ctx context.Context) (int64, error) {
	store.mutex.Lock()
	defer store.mutex.Unlock()
	return int64(len(store.entries)), nil
}
