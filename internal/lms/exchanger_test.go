package lms

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"net/url"
	"strings"
	"testing"
	"time"

	"github.com/Mitchel-BT/bbmcp/internal/brokerkit"
	"go.uber.org/zap/zaptest"
)

func newUpstreamStub(t *testing.T, tokenStatus int, tokenBody string) *httptest.Server {
	t.Helper()
	mux := http.NewServeMux()
	mux.HandleFunc("/learn/api/public/v1/oauth2/token", func(writer http.ResponseWriter, request *http.Request) {
		if request.Method != http.MethodPost {
			writer.WriteHeader(http.StatusMethodNotAllowed)
			return
		}
		if _, _, ok := request.BasicAuth(); !ok {
			writer.WriteHeader(http.StatusUnauthorized)
			_, _ = writer.Write([]byte(`{"error":"invalid_client"}`))
			return
		}
		writer.Header().Set("Content-Type", "application/json")
		writer.WriteHeader(tokenStatus)
		_, _ = writer.Write([]byte(tokenBody))
	})
	mux.HandleFunc("/learn/api/public/v1/users/me", func(writer http.ResponseWriter, request *http.Request) {
		writer.Header().Set("Content-Type", "application/json")
		_, _ = writer.Write([]byte(`{"id":"_999_1","userName":"jsmith","name":{"given":"Jane","family":"Smith"}}`))
	})
	server := httptest.NewServer(mux)
	t.Cleanup(server.Close)
	return server
}

func newTestExchanger(stub *httptest.Server, t *testing.T) *Exchanger {
	t.Helper()
	return NewExchanger(Config{
		BaseURL:     stub.URL,
		AppKey:      "app-key",
		AppSecret:   "app-secret",
		RedirectURL: "https://broker.example.com/oauth/callback",
	}, stub.Client(), zaptest.NewLogger(t))
}

func TestExchangerAuthCodeURL(t *testing.T) {
	t.Parallel()
	stub := newUpstreamStub(t, http.StatusOK, `{}`)
	exchanger := newTestExchanger(stub, t)

	authorizationURL := exchanger.AuthCodeURL("state-token")
	parsed, parseErr := url.Parse(authorizationURL)
	if parseErr != nil {
		t.Fatalf("parse url: %v", parseErr)
	}
	if !strings.HasSuffix(parsed.Path, "/oauth2/authorizationcode") {
		t.Fatalf("unexpected authorize path %s", parsed.Path)
	}
	query := parsed.Query()
	if query.Get("state") != "state-token" {
		t.Fatalf("state missing from url: %s", authorizationURL)
	}
	if query.Get("client_id") != "app-key" {
		t.Fatalf("client_id missing from url: %s", authorizationURL)
	}
	if query.Get("redirect_uri") != "https://broker.example.com/oauth/callback" {
		t.Fatalf("redirect_uri missing from url: %s", authorizationURL)
	}
}

func TestExchangerSuccess(t *testing.T) {
	t.Parallel()
	stub := newUpstreamStub(t, http.StatusOK,
		`{"access_token":"exchanged-token","token_type":"bearer","expires_in":3600,"refresh_token":"refreshed","user_id":"_999_1"}`)
	exchanger := newTestExchanger(stub, t)

	result, err := exchanger.Exchange(context.Background(), "abc")
	if err != nil {
		t.Fatalf("exchange: %v", err)
	}
	if result.AccessToken != "exchanged-token" || result.RefreshToken != "refreshed" {
		t.Fatalf("unexpected result: %+v", result)
	}
	if result.ExternalUserID != "_999_1" {
		t.Fatalf("expected user_id from token response, got %s", result.ExternalUserID)
	}
	if result.Username != "jsmith" {
		t.Fatalf("expected username enrichment, got %q", result.Username)
	}
	remaining := time.Until(result.ExpiresAt)
	if remaining < 55*time.Minute || remaining > 61*time.Minute {
		t.Fatalf("expected ~3600s validity, got %v", remaining)
	}
}

func TestExchangerResolvesUserFromMeWhenTokenOmitsIt(t *testing.T) {
	t.Parallel()
	stub := newUpstreamStub(t, http.StatusOK,
		`{"access_token":"exchanged-token","token_type":"bearer","expires_in":3600}`)
	exchanger := newTestExchanger(stub, t)

	result, err := exchanger.Exchange(context.Background(), "abc")
	if err != nil {
		t.Fatalf("exchange: %v", err)
	}
	if result.ExternalUserID != "_999_1" {
		t.Fatalf("expected users/me to supply external id, got %q", result.ExternalUserID)
	}
}

func TestExchangerUpstreamRejection(t *testing.T) {
	t.Parallel()
	stub := newUpstreamStub(t, http.StatusBadRequest, `{"error":"invalid_grant"}`)
	exchanger := newTestExchanger(stub, t)

	_, err := exchanger.Exchange(context.Background(), "stale-code")
	var exchangeErr *brokerkit.ExchangeError
	if !errors.As(err, &exchangeErr) {
		t.Fatalf("expected ExchangeError, got %v", err)
	}
	if exchangeErr.StatusCode != http.StatusBadRequest {
		t.Fatalf("expected status 400, got %d", exchangeErr.StatusCode)
	}
	if !strings.Contains(exchangeErr.Body, "invalid_grant") {
		t.Fatalf("expected upstream body, got %q", exchangeErr.Body)
	}
}
