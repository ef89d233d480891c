package brokerkit

import "context"

// PendingStore tracks one-time state tokens for in-flight authorization flows.
type PendingStore interface {
	// Begin issues a new unguessable state token bound to the identity.
	Begin(ctx context.Context, identity string) (state string, err error)
	// Consume atomically removes the state token and returns the bound
	// identity. At most one concurrent caller succeeds per token.
	Consume(ctx context.Context, state string) (identity string, err error)
}

// CredentialStore persists sealed downstream credentials keyed by stable identity.
type CredentialStore interface {
	// Put overwrites any existing credential for the identity.
	Put(ctx context.Context, identity string, credential Credential) error
	// Get returns the live credential, or ErrCredentialNotFound when the
	// entry is absent, expired, or cannot be opened.
	Get(ctx context.Context, identity string) (Credential, error)
	// Delete removes any entry for the identity; absent entries are not an error.
	Delete(ctx context.Context, identity string) error
	// Count reports stored entries for observability. Expired entries that
	// have not been lazily evicted yet may still be counted.
	Count(ctx context.Context) (int64, error)
}
