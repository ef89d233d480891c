package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/Mitchel-BT/bbmcp/internal/brokerkit"
	"github.com/Mitchel-BT/bbmcp/internal/lms"
	"github.com/Mitchel-BT/bbmcp/internal/mcptools"
	"github.com/Mitchel-BT/bbmcp/internal/web"
	"github.com/Mitchel-BT/bbmcp/pkg/callertoken"
	webassets "github.com/Mitchel-BT/bbmcp/web"
	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"go.uber.org/zap"
)

const serverVersion = "1.2.0"

var serveHTTP = func(server *http.Server) error {
	return server.ListenAndServe()
}

func main() {
	if err := newRootCommand().Execute(); err != nil {
		os.Exit(1)
	}
}

func newRootCommand() *cobra.Command {
	rootCmd := &cobra.Command{
		Use:     "bbmcp",
		Short:   "Blackboard MCP tool server with a multi-tenant OAuth credential broker",
		PreRunE: prepareServerConfig,
		RunE:    runServer,
	}

	rootCmd.Flags().String("listen_addr", ":8000", "HTTP listen address")
	rootCmd.Flags().String("blackboard_url", "", "Base URL of the Blackboard Learn deployment")
	rootCmd.Flags().String("blackboard_app_key", "", "OAuth application key registered with Learn")
	rootCmd.Flags().String("blackboard_app_secret", "", "OAuth application secret registered with Learn")
	rootCmd.Flags().String("server_url", "", "Public base URL of this server, used to build the OAuth redirect")
	rootCmd.Flags().String("encryption_key", "", "32-byte at-rest encryption key, hex or base64 encoded")
	rootCmd.Flags().Duration("pending_state_ttl", 5*time.Minute, "Lifetime of a pending authorization state")
	rootCmd.Flags().String("credential_database_url", "", "Database URL for credentials (postgres:// or sqlite://; leave empty for in-memory store)")
	rootCmd.Flags().String("caller_jwt_signing_key", "", "HS256 key for verifying host-issued caller tokens; leave empty to run session-scoped only")
	rootCmd.Flags().String("caller_jwt_issuer", "", "Expected issuer of caller tokens; empty accepts any issuer")
	rootCmd.Flags().Bool("enable_cors", false, "Enable CORS so browser clients can poll connection status")
	rootCmd.Flags().StringSlice("cors_allowed_origins", []string{}, "Allowed origins when CORS is enabled")

	_ = viper.BindPFlag("listen_addr", rootCmd.Flags().Lookup("listen_addr"))
	_ = viper.BindPFlag("blackboard_url", rootCmd.Flags().Lookup("blackboard_url"))
	_ = viper.BindPFlag("blackboard_app_key", rootCmd.Flags().Lookup("blackboard_app_key"))
	_ = viper.BindPFlag("blackboard_app_secret", rootCmd.Flags().Lookup("blackboard_app_secret"))
	_ = viper.BindPFlag("server_url", rootCmd.Flags().Lookup("server_url"))
	_ = viper.BindPFlag("encryption_key", rootCmd.Flags().Lookup("encryption_key"))
	_ = viper.BindPFlag("pending_state_ttl", rootCmd.Flags().Lookup("pending_state_ttl"))
	_ = viper.BindPFlag("credential_database_url", rootCmd.Flags().Lookup("credential_database_url"))
	_ = viper.BindPFlag("caller_jwt_signing_key", rootCmd.Flags().Lookup("caller_jwt_signing_key"))
	_ = viper.BindPFlag("caller_jwt_issuer", rootCmd.Flags().Lookup("caller_jwt_issuer"))
	_ = viper.BindPFlag("enable_cors", rootCmd.Flags().Lookup("enable_cors"))
	_ = viper.BindPFlag("cors_allowed_origins", rootCmd.Flags().Lookup("cors_allowed_origins"))

	viper.AutomaticEnv()

	return rootCmd
}

const (
	configCodeMissingBlackboardURL = "config.missing_blackboard_url"
	configCodeMissingAppKey        = "config.missing_blackboard_app_key"
	configCodeMissingAppSecret     = "config.missing_blackboard_app_secret"
	configCodeMissingServerURL     = "config.missing_server_url"
	configCodeMissingEncryptionKey = "config.missing_encryption_key"
	configCodeInvalidEncryptionKey = "config.invalid_encryption_key"
	configCodeInvalidPendingTTL    = "config.invalid_pending_state_ttl"
	configCodeUninitializedConf    = "config.uninitialized_server_config"
	configCodeCallerVerifierInit   = "config.caller_verifier_init"
	configCodeCredentialStoreInit  = "config.credential_store_init"
	configCodeCORSConfiguration    = "config.cors"
)

type contextKey string

const serverConfigContextKey contextKey = "serverConfig"

// ServerConfig is the validated runtime configuration assembled from flags
// and environment variables.
type ServerConfig struct {
	BlackboardURL       string
	AppKey              string
	AppSecret           string
	ServerURL           string
	EncryptionKey       []byte
	PendingStateTTL     time.Duration
	CallerJWTSigningKey []byte
	CallerJWTIssuer     string
}

func prepareServerConfig(command *cobra.Command, arguments []string) error {
	serverConfig, loadErr := LoadServerConfig()
	if loadErr != nil {
		return loadErr
	}
	existingContext := command.Context()
	if existingContext == nil {
		existingContext = context.Background()
	}
	command.SetContext(context.WithValue(existingContext, serverConfigContextKey, serverConfig))
	return nil
}

func configError(code, message string) error {
	return fmt.Errorf("%s: %s", code, message)
}

func LoadServerConfig() (ServerConfig, error) {
	blackboardURL := strings.TrimRight(viper.GetString("blackboard_url"), "/")
	if blackboardURL == "" {
		return ServerConfig{}, configError(configCodeMissingBlackboardURL, "blackboard_url must be provided")
	}

	appKey := viper.GetString("blackboard_app_key")
	if appKey == "" {
		return ServerConfig{}, configError(configCodeMissingAppKey, "blackboard_app_key must be provided")
	}

	appSecret := viper.GetString("blackboard_app_secret")
	if appSecret == "" {
		return ServerConfig{}, configError(configCodeMissingAppSecret, "blackboard_app_secret must be provided")
	}

	serverURL := strings.TrimRight(viper.GetString("server_url"), "/")
	if serverURL == "" {
		return ServerConfig{}, configError(configCodeMissingServerURL, "server_url must be provided")
	}

	encodedKey := viper.GetString("encryption_key")
	if encodedKey == "" {
		return ServerConfig{}, configError(configCodeMissingEncryptionKey, "encryption_key must be provided")
	}
	encryptionKey, keyErr := brokerkit.ParseCipherKey(encodedKey)
	if keyErr != nil {
		return ServerConfig{}, fmt.Errorf("%s: %w", configCodeInvalidEncryptionKey, keyErr)
	}

	pendingStateTTL := 5 * time.Minute
	if configuredTTL := viper.GetDuration("pending_state_ttl"); configuredTTL != 0 {
		if configuredTTL < 0 {
			return ServerConfig{}, configError(configCodeInvalidPendingTTL, "pending_state_ttl must be greater than zero")
		}
		pendingStateTTL = configuredTTL
	}

	var callerSigningKey []byte
	if signingKey := viper.GetString("caller_jwt_signing_key"); signingKey != "" {
		callerSigningKey = []byte(signingKey)
	}

	return ServerConfig{
		BlackboardURL:       blackboardURL,
		AppKey:              appKey,
		AppSecret:           appSecret,
		ServerURL:           serverURL,
		EncryptionKey:       encryptionKey,
		PendingStateTTL:     pendingStateTTL,
		CallerJWTSigningKey: callerSigningKey,
		CallerJWTIssuer:     viper.GetString("caller_jwt_issuer"),
	}, nil
}

func runServer(command *cobra.Command, arguments []string) error {
	logger, loggerErr := zap.NewProduction()
	if loggerErr != nil {
		return loggerErr
	}
	defer func() { _ = logger.Sync() }()

	commandContext := command.Context()
	var contextValue any
	if commandContext != nil {
		contextValue = commandContext.Value(serverConfigContextKey)
	}
	serverConfig, ok := contextValue.(ServerConfig)
	if !ok {
		return configError(configCodeUninitializedConf, "server configuration not prepared; PreRunE must execute before RunE")
	}

	listenAddr := viper.GetString("listen_addr")
	credentialDatabaseURL := viper.GetString("credential_database_url")
	enableCORS := viper.GetBool("enable_cors")
	corsAllowedOrigins := viper.GetStringSlice("cors_allowed_origins")

	sealer, cipherErr := brokerkit.NewCipher(serverConfig.EncryptionKey)
	if cipherErr != nil {
		return fmt.Errorf("%s: %w", configCodeInvalidEncryptionKey, cipherErr)
	}

	var credentialStore brokerkit.CredentialStore
	if credentialDatabaseURL != "" {
		persistentStore, storeErr := brokerkit.NewDatabaseCredentialStore(context.Background(), credentialDatabaseURL, sealer, logger)
		if storeErr != nil {
			return fmt.Errorf("%s: %w", configCodeCredentialStoreInit, storeErr)
		}
		credentialStore = persistentStore
		logger.Info("using persistent credential store", zap.String("driver", persistentStore.Driver()))
	} else {
		credentialStore = brokerkit.NewMemoryCredentialStore(sealer, logger)
		logger.Info("using in-memory credential store")
	}

	var callerVerifier *callertoken.Verifier
	if len(serverConfig.CallerJWTSigningKey) > 0 {
		verifier, verifierErr := callertoken.NewVerifier(serverConfig.CallerJWTSigningKey, serverConfig.CallerJWTIssuer, nil)
		if verifierErr != nil {
			return fmt.Errorf("%s: %w", configCodeCallerVerifierInit, verifierErr)
		}
		callerVerifier = verifier
		logger.Info("caller token verification enabled")
	} else {
		logger.Info("caller token verification disabled; identities are session-scoped")
	}

	exchanger := lms.NewExchanger(lms.Config{
		BaseURL:     serverConfig.BlackboardURL,
		AppKey:      serverConfig.AppKey,
		AppSecret:   serverConfig.AppSecret,
		RedirectURL: serverConfig.ServerURL + "/oauth/callback",
	}, nil, logger)

	broker := brokerkit.NewBroker(brokerkit.BrokerOptions{
		Pending:     brokerkit.NewMemoryPendingStore(serverConfig.PendingStateTTL),
		Credentials: credentialStore,
		Exchanger:   exchanger,
		Logger:      logger,
		Metrics:     brokerkit.NewCounterMetrics(),
	})
	binder := brokerkit.NewIdentityBinder(callerVerifier, nil, logger)
	lmsClient := lms.NewClient(serverConfig.BlackboardURL, nil, logger)

	pages, pagesErr := web.NewPages(webassets.FS)
	if pagesErr != nil {
		return pagesErr
	}

	gin.SetMode(gin.ReleaseMode)
	router := gin.New()
	router.Use(gin.Recovery())
	router.Use(requestIDMiddleware())
	router.Use(zapLoggerMiddleware(logger))

	if enableCORS {
		corsMiddleware, corsErr := web.ConfigureCORS(logger, corsAllowedOrigins)
		if corsErr != nil {
			return fmt.Errorf("%s: %w", configCodeCORSConfiguration, corsErr)
		}
		router.Use(corsMiddleware)
	}

	web.MountOAuthRoutes(router, broker, binder, pages, logger)

	toolServer := mcptools.NewServer(broker, binder, lmsClient, logger, serverVersion)
	router.Any("/mcp", gin.WrapH(toolServer.Handler()))

	server := &http.Server{
		Addr:              listenAddr,
		Handler:           router,
		ReadHeaderTimeout: 10 * time.Second,
	}

	shutdownCtx, shutdownCancel := context.WithCancel(context.Background())
	defer shutdownCancel()

	go func() {
		stopSignals := make(chan os.Signal, 1)
		signal.Notify(stopSignals, syscall.SIGINT, syscall.SIGTERM)
		<-stopSignals
		graceCtx, graceCancel := context.WithTimeout(shutdownCtx, 10*time.Second)
		defer graceCancel()
		if err := server.Shutdown(graceCtx); err != nil {
			logger.Error("server shutdown error", zap.Error(err))
		}
	}()

	logger.Info("listening", zap.String("addr", listenAddr))
	if err := serveHTTP(server); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return fmt.Errorf("listen error: %w", err)
	}
	return nil
}

const requestIDHeader = "X-Request-ID"

func requestIDMiddleware() gin.HandlerFunc {
	return func(contextGin *gin.Context) {
		requestID := contextGin.GetHeader(requestIDHeader)
		if requestID == "" {
			requestID = uuid.NewString()
		}
		contextGin.Set("request_id", requestID)
		contextGin.Writer.Header().Set(requestIDHeader, requestID)
		contextGin.Next()
	}
}

func zapLoggerMiddleware(logger *zap.Logger) gin.HandlerFunc {
	return func(contextGin *gin.Context) {
		startTime := time.Now()
		contextGin.Next()
		duration := time.Since(startTime)
		logger.Info("http",
			zap.String("method", contextGin.Request.Method),
			zap.String("path", contextGin.Request.URL.Path),
			zap.Int("status", contextGin.Writer.Status()),
			zap.String("ip", contextGin.ClientIP()),
			zap.String("request_id", contextGin.GetString("request_id")),
			zap.Duration("elapsed", duration),
		)
	}
}
