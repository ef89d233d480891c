package brokerkit

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.uber.org/zap"
)

const (
	defaultExchangeTimeout = 30 * time.Second

	// Applied when the upstream token response carries no expiry.
	defaultCredentialTTL = time.Hour
)

// ExchangeResult is the outcome of a successful authorization-code exchange,
// shaped at the exchange boundary so nothing downstream has to guess at the
// upstream response.
type ExchangeResult struct {
	AccessToken    string
	RefreshToken   string
	ExpiresAt      time.Time
	ExternalUserID string
	Username       string
}

// TokenExchanger performs the upstream authorization-code exchange and builds
// the authorization URL the end user is sent to.
type TokenExchanger interface {
	AuthCodeURL(state string) string
	Exchange(ctx context.Context, code string) (ExchangeResult, error)
}

// Authorization is the outcome of BeginAuthorization. When AlreadyConnected
// is set, no pending state was created and URL is empty.
type Authorization struct {
	URL              string
	AlreadyConnected bool
}

// Completion is the outcome of a successful CompleteAuthorization.
type Completion struct {
	Identity       string
	ExternalUserID string
	Username       string
	ExpiresAt      time.Time
}

// Status summarizes the connection state for one identity.
type Status struct {
	Connected      bool
	ExternalUserID string
	Username       string
	ExpiresAt      time.Time
}

// BrokerOptions configures NewBroker. Pending, Credentials, and Exchanger are
// required; the rest default sensibly.
type BrokerOptions struct {
	Pending         PendingStore
	Credentials     CredentialStore
	Exchanger       TokenExchanger
	Clock           Clock
	Logger          *zap.Logger
	Metrics         MetricsRecorder
	ExchangeTimeout time.Duration
}

// Broker orchestrates the authorization lifecycle per stable identity:
// unauthenticated, pending, authenticated, expired back to unauthenticated.
type Broker struct {
	pending         PendingStore
	credentials     CredentialStore
	exchanger       TokenExchanger
	clock           Clock
	logger          *zap.Logger
	metrics         MetricsRecorder
	exchangeTimeout time.Duration
}

// NewBroker composes the pending registry, credential store, and exchanger.
func NewBroker(options BrokerOptions) *Broker {
	clock := options.Clock
	if clock == nil {
		clock = NewSystemClock()
	}
	brokerLogger := options.Logger
	if brokerLogger == nil {
		brokerLogger = zap.NewNop()
	}
	metrics := options.Metrics
	if metrics == nil {
		metrics = NewCounterMetrics()
	}
	exchangeTimeout := options.ExchangeTimeout
	if exchangeTimeout <= 0 {
		exchangeTimeout = defaultExchangeTimeout
	}
	return &Broker{
		pending:         options.Pending,
		credentials:     options.Credentials,
		exchanger:       options.Exchanger,
		clock:           clock,
		logger:          brokerLogger,
		metrics:         metrics,
		exchangeTimeout: exchangeTimeout,
	}
}

// BeginAuthorization issues a pending state for the identity and returns the
// upstream authorization URL. If a live credential already exists, it reports
// AlreadyConnected without minting any state.
func (broker *Broker) BeginAuthorization(ctx context.Context, identity string) (Authorization, error) {
	if _, err := broker.credentials.Get(ctx, identity); err == nil {
		broker.metrics.Increment(MetricAuthorizeAlready)
		return Authorization{AlreadyConnected: true}, nil
	}
	state, beginErr := broker.pending.Begin(ctx, identity)
	if beginErr != nil {
		return Authorization{}, fmt.Errorf("broker.begin: %w", beginErr)
	}
	broker.metrics.Increment(MetricAuthorizeBegin)
	broker.logger.Info("authorization flow started",
		zap.String("identity", identity))
	return Authorization{URL: broker.exchanger.AuthCodeURL(state)}, nil
}

// CompleteAuthorization consumes the state, exchanges the code, and stores
// the resulting credential under the identity bound at Begin time. A failed
// exchange leaves any previously stored credential untouched.
func (broker *Broker) CompleteAuthorization(ctx context.Context, code string, state string) (Completion, error) {
	identity, consumeErr := broker.pending.Consume(ctx, state)
	if consumeErr != nil {
		broker.metrics.Increment(MetricAuthorizeStateRejected)
		return Completion{}, fmt.Errorf("broker.complete: %w", consumeErr)
	}

	exchangeCtx, cancel := context.WithTimeout(ctx, broker.exchangeTimeout)
	defer cancel()
	result, exchangeErr := broker.exchanger.Exchange(exchangeCtx, code)
	if exchangeErr != nil {
		broker.metrics.Increment(MetricAuthorizeExchangeFailed)
		broker.logger.Warn("authorization code exchange failed",
			zap.String("identity", identity),
			zap.Error(exchangeErr))
		return Completion{}, exchangeErr
	}

	if result.ExpiresAt.IsZero() {
		result.ExpiresAt = broker.clock.Now().Add(defaultCredentialTTL)
	}
	credential := Credential{
		AccessToken:    result.AccessToken,
		RefreshToken:   result.RefreshToken,
		ExternalUserID: result.ExternalUserID,
		Username:       result.Username,
		ExpiresAt:      result.ExpiresAt,
	}
	if putErr := broker.credentials.Put(ctx, identity, credential); putErr != nil {
		return Completion{}, fmt.Errorf("broker.complete: %w", putErr)
	}
	broker.metrics.Increment(MetricAuthorizeComplete)
	broker.logger.Info("authorization flow completed",
		zap.String("identity", identity),
		zap.String("external_user_id", result.ExternalUserID))
	return Completion{
		Identity:       identity,
		ExternalUserID: result.ExternalUserID,
		Username:       result.Username,
		ExpiresAt:      result.ExpiresAt,
	}, nil
}

// GetCredential returns the live credential for the identity, translating an
// absent or expired entry into ErrAuthenticationRequired.
func (broker *Broker) GetCredential(ctx context.Context, identity string) (Credential, error) {
	credential, getErr := broker.credentials.Get(ctx, identity)
	if getErr != nil {
		if errors.Is(getErr, ErrCredentialNotFound) {
			broker.metrics.Increment(MetricCredentialRequired)
			return Credential{}, fmt.Errorf("broker.credential: %w", ErrAuthenticationRequired)
		}
		return Credential{}, fmt.Errorf("broker.credential: %w", getErr)
	}
	broker.metrics.Increment(MetricCredentialHit)
	return credential, nil
}

// Revoke removes any credential for the identity. Revoking an identity with
// no credential succeeds.
func (broker *Broker) Revoke(ctx context.Context, identity string) error {
	if err := broker.credentials.Delete(ctx, identity); err != nil {
		return fmt.Errorf("broker.revoke: %w", err)
	}
	broker.metrics.Increment(MetricCredentialRevoked)
	return nil
}

// StatusFor reports the connection state for the identity.
func (broker *Broker) StatusFor(ctx context.Context, identity string) Status {
	credential, getErr := broker.credentials.Get(ctx, identity)
	if getErr != nil {
		return Status{}
	}
	return Status{
		Connected:      true,
		ExternalUserID: credential.ExternalUserID,
		Username:       credential.Username,
		ExpiresAt:      credential.ExpiresAt,
	}
}
