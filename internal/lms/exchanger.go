package lms

import (
	"context"
	"errors"
	"net/http"
	"strings"

	"github.com/Mitchel-BT/bbmcp/internal/brokerkit"
	"go.uber.org/zap"
	"golang.org/x/oauth2"
)

const (
	authorizePath = apiRootV1 + "/oauth2/authorizationcode"
	tokenPath     = apiRootV1 + "/oauth2/token"
)

var defaultScopes = []string{"read", "offline"}

// Config holds the upstream Blackboard application settings.
type Config struct {
	BaseURL     string
	AppKey      string
	AppSecret   string
	RedirectURL string
	Scopes      []string
}

// Exchanger implements brokerkit.TokenExchanger against a Learn deployment.
// The token endpoint authenticates with client_secret_basic.
type Exchanger struct {
	oauthConfig *oauth2.Config
	client      *Client
	httpClient  *http.Client
	logger      *zap.Logger
}

// NewExchanger constructs an Exchanger. httpClient may be nil; the exchange
// deadline is owned by the caller's context either way.
func NewExchanger(config Config, httpClient *http.Client, exchangerLogger *zap.Logger) *Exchanger {
	base := strings.TrimRight(config.BaseURL, "/")
	scopes := config.Scopes
	if len(scopes) == 0 {
		scopes = defaultScopes
	}
	if exchangerLogger == nil {
		exchangerLogger = zap.NewNop()
	}
	return &Exchanger{
		oauthConfig: &oauth2.Config{
			ClientID:     config.AppKey,
			ClientSecret: config.AppSecret,
			RedirectURL:  config.RedirectURL,
			Scopes:       scopes,
			Endpoint: oauth2.Endpoint{
				AuthURL:   base + authorizePath,
				TokenURL:  base + tokenPath,
				AuthStyle: oauth2.AuthStyleInHeader,
			},
		},
		client:     NewClient(base, httpClient, exchangerLogger),
		httpClient: httpClient,
		logger:     exchangerLogger,
	}
}

// AuthCodeURL builds the upstream authorization URL carrying the state token.
func (exchanger *Exchanger) AuthCodeURL(state string) string {
	return exchanger.oauthConfig.AuthCodeURL(state)
}

// Exchange swaps an authorization code for a token and resolves the upstream
// user identity. The Learn token response carries user_id; when it does not,
// the users/me endpoint supplies it.
func (exchanger *Exchanger) Exchange(ctx context.Context, code string) (brokerkit.ExchangeResult, error) {
	if exchanger.httpClient != nil {
		ctx = context.WithValue(ctx, oauth2.HTTPClient, exchanger.httpClient)
	}
	token, exchangeErr := exchanger.oauthConfig.Exchange(ctx, code)
	if exchangeErr != nil {
		var retrieveErr *oauth2.RetrieveError
		if errors.As(exchangeErr, &retrieveErr) && retrieveErr.Response != nil {
			return brokerkit.ExchangeResult{}, &brokerkit.ExchangeError{
				StatusCode: retrieveErr.Response.StatusCode,
				Body:       string(retrieveErr.Body),
				Err:        exchangeErr,
			}
		}
		return brokerkit.ExchangeResult{}, &brokerkit.ExchangeError{Err: exchangeErr}
	}

	result := brokerkit.ExchangeResult{
		AccessToken:  token.AccessToken,
		RefreshToken: token.RefreshToken,
		ExpiresAt:    token.Expiry.UTC(),
	}
	if userID, ok := token.Extra("user_id").(string); ok {
		result.ExternalUserID = userID
	}

	user, meErr := exchanger.client.Me(ctx, token.AccessToken)
	if meErr != nil {
		// The exchange itself succeeded; identity enrichment is best effort
		// when the token response already named the user.
		if result.ExternalUserID == "" {
			return brokerkit.ExchangeResult{}, &brokerkit.ExchangeError{Err: meErr}
		}
		exchanger.logger.Warn("users/me lookup failed after exchange",
			zap.String("code", "lms.me_lookup_failed"),
			zap.Error(meErr))
		return result, nil
	}
	if result.ExternalUserID == "" {
		result.ExternalUserID = user.ID
	}
	result.Username = user.UserName
	return result, nil
}
