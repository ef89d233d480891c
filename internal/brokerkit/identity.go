package brokerkit

import (
	"fmt"
	"sync"
	"time"

	"github.com/Mitchel-BT/bbmcp/pkg/callertoken"
	"go.uber.org/zap"
)

// Identity resolution modes. Claims-backed identities survive across
// transport sessions; session-backed identities do not, and any credential
// bound under one is lost when the session ends.
const (
	IdentityModeClaims  = "claims"
	IdentityModeSession = "session"
)

const sessionIdentityPrefix = "session:"

// CallerContext carries the identity signals available for one inbound call.
// Either field may be empty.
type CallerContext struct {
	BearerToken string
	SessionID   string
}

// ResolvedIdentity is the canonical storage key for a caller plus how it was
// derived.
type ResolvedIdentity struct {
	Key         string
	Mode        string
	DisplayName string
}

// IdentityBinding is bookkeeping about one stable identity: the sessions it
// has been seen on and when. Diagnostics only; credential issuance never
// depends on it.
type IdentityBinding struct {
	Identity  string
	Claims    map[string]string
	Sessions  map[string]struct{}
	FirstSeen time.Time
	LastSeen  time.Time
}

// IdentityBinder is the only component that decides how a StableIdentity is
// derived. A verified caller-token subject is preferred; absent that it
// degrades to the transport session id.
type IdentityBinder struct {
	verifier *callertoken.Verifier
	clock    Clock
	logger   *zap.Logger

	mutex    sync.Mutex
	bindings map[string]*IdentityBinding
}

// NewIdentityBinder constructs a binder. verifier may be nil, in which case
// only the degraded session mode is available.
func NewIdentityBinder(verifier *callertoken.Verifier, clock Clock, logger *zap.Logger) *IdentityBinder {
	if clock == nil {
		clock = NewSystemClock()
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &IdentityBinder{
		verifier: verifier,
		clock:    clock,
		logger:   logger,
		bindings: make(map[string]*IdentityBinding),
	}
}

// Resolve derives the stable identity for a caller. The same verified subject
// always yields the same key; the same session id (absent claims) yields the
// same key for the lifetime of that session only. Both signals absent returns
// ErrIdentityUnavailable.
func (binder *IdentityBinder) Resolve(caller CallerContext) (ResolvedIdentity, error) {
	if binder.verifier != nil && caller.BearerToken != "" {
		claims, verifyErr := binder.verifier.Verify(caller.BearerToken)
		if verifyErr == nil {
			return ResolvedIdentity{
				Key:         claims.Subject,
				Mode:        IdentityModeClaims,
				DisplayName: claims.DisplayName,
			}, nil
		}
		binder.logger.Debug("caller token rejected, degrading to session identity",
			zap.String("code", "identity.token_rejected"))
	}
	if caller.SessionID != "" {
		return ResolvedIdentity{
			Key:  sessionIdentityPrefix + caller.SessionID,
			Mode: IdentityModeSession,
		}, nil
	}
	return ResolvedIdentity{}, fmt.Errorf("identity.resolve: %w", ErrIdentityUnavailable)
}

// Track records bookkeeping for a resolved identity. Purely additive.
func (binder *IdentityBinder) Track(identity string, sessionID string, claims map[string]string) {
	if identity == "" {
		return
	}
	now := binder.clock.Now()
	binder.mutex.Lock()
	defer binder.mutex.Unlock()
	binding, ok := binder.bindings[identity]
	if !ok {
		binding = &IdentityBinding{
			Identity:  identity,
			Sessions:  make(map[string]struct{}),
			FirstSeen: now,
		}
		binder.bindings[identity] = binding
	}
	binding.LastSeen = now
	if sessionID != "" {
		binding.Sessions[sessionID] = struct{}{}
	}
	if len(claims) > 0 {
		snapshot := make(map[string]string, len(claims))
		for key, value := range claims {
			snapshot[key] = value
		}
		binding.Claims = snapshot
	}
}

// Binding returns a copy of the bookkeeping entry for the identity.
func (binder *IdentityBinder) Binding(identity string) (IdentityBinding, bool) {
	binder.mutex.Lock()
	defer binder.mutex.Unlock()
	binding, ok := binder.bindings[identity]
	if !ok {
		return IdentityBinding{}, false
	}
	clone := IdentityBinding{
		Identity:  binding.Identity,
		Sessions:  make(map[string]struct{}, len(binding.Sessions)),
		FirstSeen: binding.FirstSeen,
		LastSeen:  binding.LastSeen,
	}
	for session := range binding.Sessions {
		clone.Sessions[session] = struct{}{}
	}
	if binding.Claims != nil {
		clone.Claims = make(map[string]string, len(binding.Claims))
		for key, value := range binding.Claims {
			clone.Claims[key] = value
		}
	}
	return clone, true
}
