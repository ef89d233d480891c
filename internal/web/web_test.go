package web

import (
	"context"
	"net/http"
	"net/http/httptest"
	"net/url"
	"strings"
	"testing"
	"time"

	"github.com/Mitchel-BT/bbmcp/internal/brokerkit"
	webassets "github.com/Mitchel-BT/bbmcp/web"
	"github.com/gin-gonic/gin"
	"go.uber.org/zap/zaptest"
)

type stubExchanger struct {
	result brokerkit.ExchangeResult
	err    error
}

func (exchanger *stubExchanger) AuthCodeURL(state string) string {
	return "https://learn.example.edu/authorize?state=" + url.QueryEscape(state)
}

func (exchanger *stubExchanger) Exchange(ctx context.Context, code string) (brokerkit.ExchangeResult, error) {
	if exchanger.err != nil {
		return brokerkit.ExchangeResult{}, exchanger.err
	}
	return exchanger.result, nil
}

type webFixture struct {
	router    *gin.Engine
	broker    *brokerkit.Broker
	binder    *brokerkit.IdentityBinder
	exchanger *stubExchanger
}

func newWebFixture(t *testing.T) *webFixture {
	t.Helper()
	gin.SetMode(gin.TestMode)

	key := make([]byte, 32)
	sealer, cipherErr := brokerkit.NewCipher(key)
	if cipherErr != nil {
		t.Fatalf("new cipher: %v", cipherErr)
	}
	logger := zaptest.NewLogger(t)
	exchanger := &stubExchanger{
		result: brokerkit.ExchangeResult{
			AccessToken:    "tok",
			ExternalUserID: "_999_1",
			Username:       "jsmith",
			ExpiresAt:      time.Now().UTC().Add(time.Hour),
		},
	}
	broker := brokerkit.NewBroker(brokerkit.BrokerOptions{
		Pending:     brokerkit.NewMemoryPendingStore(5 * time.Minute),
		Credentials: brokerkit.NewMemoryCredentialStore(sealer, logger),
		Exchanger:   exchanger,
		Logger:      logger,
	})
	binder := brokerkit.NewIdentityBinder(nil, nil, logger)

	pages, pagesErr := NewPages(webassets.FS)
	if pagesErr != nil {
		t.Fatalf("new pages: %v", pagesErr)
	}

	router := gin.New()
	MountOAuthRoutes(router, broker, binder, pages, logger)
	return &webFixture{router: router, broker: broker, binder: binder, exchanger: exchanger}
}

func stateFromURL(t *testing.T, authorizationURL string) string {
	t.Helper()
	parsed, parseErr := url.Parse(authorizationURL)
	if parseErr != nil {
		t.Fatalf("parse authorization url: %v", parseErr)
	}
	state := parsed.Query().Get("state")
	if state == "" {
		t.Fatalf("authorization url missing state: %s", authorizationURL)
	}
	return url.QueryEscape(state)
}

func (fixture *webFixture) get(t *testing.T, target string) *httptest.ResponseRecorder {
	t.Helper()
	recorder := httptest.NewRecorder()
	request := httptest.NewRequest(http.MethodGet, target, nil)
	fixture.router.ServeHTTP(recorder, request)
	return recorder
}

func TestCallbackCompletesFlow(t *testing.T) {
	fixture := newWebFixture(t)

	resolved, _ := fixture.binder.Resolve(brokerkit.CallerContext{SessionID: "sess-1"})
	authorization, beginErr := fixture.broker.BeginAuthorization(context.Background(), resolved.Key)
	if beginErr != nil {
		t.Fatalf("begin: %v", beginErr)
	}
	state := stateFromURL(t, authorization.URL)

	recorder := fixture.get(t, "/oauth/callback?code=abc&state="+state)
	if recorder.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", recorder.Code, recorder.Body.String())
	}
	if !strings.Contains(recorder.Body.String(), "jsmith") {
		t.Fatalf("expected username on success page, got %s", recorder.Body.String())
	}

	status := fixture.get(t, "/oauth/status?session_id=sess-1")
	if status.Code != http.StatusOK || !strings.Contains(status.Body.String(), `"authenticated"`) {
		t.Fatalf("expected authenticated status, got %d %s", status.Code, status.Body.String())
	}
}

func TestCallbackRejectsUnknownState(t *testing.T) {
	fixture := newWebFixture(t)

	recorder := fixture.get(t, "/oauth/callback?code=abc&state=bogus")
	if recorder.Code != http.StatusGone {
		t.Fatalf("expected 410, got %d", recorder.Code)
	}
	if !strings.Contains(recorder.Body.String(), "expired or was already used") {
		t.Fatalf("expected retry page, got %s", recorder.Body.String())
	}
}

func TestCallbackRequiresParameters(t *testing.T) {
	fixture := newWebFixture(t)
	recorder := fixture.get(t, "/oauth/callback")
	if recorder.Code != http.StatusBadRequest {
		t.Fatalf("expected 400, got %d", recorder.Code)
	}
}

func TestCallbackUpstreamDenial(t *testing.T) {
	fixture := newWebFixture(t)
	recorder := fixture.get(t, "/oauth/callback?error=access_denied")
	if recorder.Code != http.StatusBadRequest {
		t.Fatalf("expected 400, got %d", recorder.Code)
	}
	if !strings.Contains(recorder.Body.String(), "did not authorize") {
		t.Fatalf("unexpected page: %s", recorder.Body.String())
	}
}

func TestCallbackUpstreamExchangeFailure(t *testing.T) {
	fixture := newWebFixture(t)

	resolved, _ := fixture.binder.Resolve(brokerkit.CallerContext{SessionID: "sess-2"})
	authorization, _ := fixture.broker.BeginAuthorization(context.Background(), resolved.Key)
	state := stateFromURL(t, authorization.URL)

	fixture.exchanger.err = &brokerkit.ExchangeError{StatusCode: 400, Body: `{"error":"invalid_grant"}`}
	recorder := fixture.get(t, "/oauth/callback?code=abc&state="+state)
	if recorder.Code != http.StatusBadGateway {
		t.Fatalf("expected 502, got %d", recorder.Code)
	}
}

func TestStatusEndpointPendingAndValidation(t *testing.T) {
	fixture := newWebFixture(t)

	missing := fixture.get(t, "/oauth/status")
	if missing.Code != http.StatusBadRequest {
		t.Fatalf("expected 400 without session_id, got %d", missing.Code)
	}

	pending := fixture.get(t, "/oauth/status?session_id=nobody")
	if pending.Code != http.StatusOK || !strings.Contains(pending.Body.String(), `"pending"`) {
		t.Fatalf("expected pending status, got %d %s", pending.Code, pending.Body.String())
	}
}

func TestHealthz(t *testing.T) {
	fixture := newWebFixture(t)
	recorder := fixture.get(t, "/healthz")
	if recorder.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", recorder.Code)
	}
}

func TestConfigureCORSValidation(t *testing.T) {
	logger := zaptest.NewLogger(t)

	if _, err := ConfigureCORS(logger, nil); err == nil {
		t.Fatalf("expected error for empty origin list")
	}
	if _, err := ConfigureCORS(logger, []string{"*"}); err == nil {
		t.Fatalf("expected error for wildcard origin")
	}
	if _, err := ConfigureCORS(logger, []string{"https://app.example.com/path"}); err == nil {
		t.Fatalf("expected error for origin with path")
	}
	if _, err := ConfigureCORS(logger, []string{"https://app.example.com"}); err != nil {
		t.Fatalf("expected valid origin to pass, got %v", err)
	}
}
