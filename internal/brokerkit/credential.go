package brokerkit

import (
	"encoding/json"
	"fmt"
	"time"
)

// Credential is the downstream secret held on behalf of one user. The only
// place it exists in plaintext is transiently in memory around seal/open.
type Credential struct {
	AccessToken    string    `json:"access_token"`
	RefreshToken   string    `json:"refresh_token,omitempty"`
	ExternalUserID string    `json:"external_user_id"`
	Username       string    `json:"username,omitempty"`
	ExpiresAt      time.Time `json:"expires_at"`
}

// LiveAt reports whether the credential is still valid at the given instant.
func (credential Credential) LiveAt(now time.Time) bool {
	return now.Before(credential.ExpiresAt)
}

func sealCredential(sealer *Cipher, credential Credential) ([]byte, error) {
	encoded, encodeErr := json.Marshal(credential)
	if encodeErr != nil {
		return nil, fmt.Errorf("credential.encode: %w", encodeErr)
	}
	return sealer.Seal(encoded)
}

func openCredential(sealer *Cipher, sealed []byte) (Credential, error) {
	plaintext, openErr := sealer.Open(sealed)
	if openErr != nil {
		return Credential{}, openErr
	}
	var credential Credential
	if decodeErr := json.Unmarshal(plaintext, &credential); decodeErr != nil {
		return Credential{}, fmt.Errorf("credential.decode: %w", ErrDecryptFailed)
	}
	return credential, nil
}
