package brokerkit

import (
	"errors"
	"fmt"
)

var (
	// ErrStateNotFound indicates the supplied state token was never issued or already consumed.
	ErrStateNotFound = errors.New("pending_store.state_not_found")
	// ErrStateExpired indicates the state token outlived the pending-authorization TTL before consumption.
	ErrStateExpired = errors.New("pending_store.state_expired")
	// ErrCredentialNotFound indicates no live credential exists for the identity.
	ErrCredentialNotFound = errors.New("credential_store.not_found")
	// ErrDecryptFailed indicates a sealed payload was malformed or produced under a different key.
	ErrDecryptFailed = errors.New("cipher.open_failed")
	// ErrInvalidKeyLength indicates the encryption key is not the required 32 bytes.
	ErrInvalidKeyLength = errors.New("cipher.invalid_key_length")
	// ErrAuthenticationRequired indicates the caller has no credential and must run the authorization flow.
	ErrAuthenticationRequired = errors.New("broker.authentication_required")
	// ErrIdentityUnavailable indicates no identity signal of any strength accompanied the call.
	ErrIdentityUnavailable = errors.New("identity.unavailable")
)

// ExchangeError reports a failed authorization-code exchange against the
// upstream token endpoint. StatusCode and Body carry the upstream response
// for diagnostics; both are zero when the request never completed.
type ExchangeError struct {
	StatusCode int
	Body       string
	Err        error
}

func (exchangeErr *ExchangeError) Error() string {
	if exchangeErr.StatusCode != 0 {
		return fmt.Sprintf("broker.exchange_failed: upstream status %d", exchangeErr.StatusCode)
	}
	return fmt.Sprintf("broker.exchange_failed: %v", exchangeErr.Err)
}

func (exchangeErr *ExchangeError) Unwrap() error {
	return exchangeErr.Err
}
