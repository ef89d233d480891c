// Package web hosts the inbound browser-facing boundary of the broker: the
// OAuth redirect callback, the connection polling endpoint, and health.
package web

import (
	"errors"
	"net/http"
	"strings"

	"github.com/Mitchel-BT/bbmcp/internal/brokerkit"
	"github.com/gin-gonic/gin"
	"go.uber.org/zap"
)

// MountOAuthRoutes registers /oauth/callback, /oauth/status, and /healthz.
func MountOAuthRoutes(router gin.IRouter, broker *brokerkit.Broker, binder *brokerkit.IdentityBinder, pages *Pages, logger *zap.Logger) {
	if logger == nil {
		logger = zap.NewNop()
	}

	router.GET("/oauth/callback", func(contextGin *gin.Context) {
		if upstreamError := contextGin.Query("error"); upstreamError != "" {
			logger.Warn("authorization refused upstream",
				zap.String("code", "callback.upstream_error"),
				zap.String("error", upstreamError))
			pages.Failure(contextGin, http.StatusBadRequest, "Blackboard did not authorize the request.")
			return
		}
		code := contextGin.Query("code")
		state := contextGin.Query("state")
		if strings.TrimSpace(code) == "" || strings.TrimSpace(state) == "" {
			pages.Failure(contextGin, http.StatusBadRequest, "The callback was missing required parameters.")
			return
		}

		completion, completeErr := broker.CompleteAuthorization(contextGin.Request.Context(), code, state)
		if completeErr != nil {
			switch {
			case errors.Is(completeErr, brokerkit.ErrStateNotFound), errors.Is(completeErr, brokerkit.ErrStateExpired):
				pages.Failure(contextGin, http.StatusGone, "This connection link has expired or was already used.")
			default:
				var exchangeErr *brokerkit.ExchangeError
				if errors.As(completeErr, &exchangeErr) {
					logger.Warn("upstream exchange rejected",
						zap.String("code", "callback.exchange_failed"),
						zap.Int("upstream_status", exchangeErr.StatusCode))
					pages.Failure(contextGin, http.StatusBadGateway, "Blackboard rejected the sign-in. Please try again.")
					return
				}
				logger.Error("callback completion failed",
					zap.String("code", "callback.internal"),
					zap.Error(completeErr))
				pages.Failure(contextGin, http.StatusInternalServerError, "Something went wrong finishing the sign-in.")
			}
			return
		}

		pages.Success(contextGin, completion.Username)
	})

	router.GET("/oauth/status", func(contextGin *gin.Context) {
		sessionID := contextGin.Query("session_id")
		if strings.TrimSpace(sessionID) == "" {
			contextGin.JSON(http.StatusBadRequest, gin.H{"error": "session_id is required"})
			return
		}
		resolved, resolveErr := binder.Resolve(brokerkit.CallerContext{SessionID: sessionID})
		if resolveErr != nil {
			contextGin.JSON(http.StatusBadRequest, gin.H{"error": "session_id is required"})
			return
		}
		status := broker.StatusFor(contextGin.Request.Context(), resolved.Key)
		if !status.Connected {
			contextGin.JSON(http.StatusOK, gin.H{"status": "pending"})
			return
		}
		contextGin.JSON(http.StatusOK, gin.H{
			"status":   "authenticated",
			"username": status.Username,
		})
	})

	router.GET("/healthz", func(contextGin *gin.Context) {
		contextGin.JSON(http.StatusOK, gin.H{"status": "ok"})
	})
}
