package main

import (
	"context"
	"fmt"
	"net/url"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"
	"time"

	"github.com/glebarez/sqlite"
	"github.com/planforge/credits/internal/archive"
	"github.com/planforge/credits/internal/httpapi"
	"github.com/planforge/credits/internal/paypal"
	"github.com/planforge/credits/internal/planner"
	"github.com/planforge/credits/internal/store/gormstore"
	"github.com/planforge/credits/internal/webhook"
	"github.com/planforge/credits/pkg/billing"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"go.uber.org/zap"
	"gorm.io/driver/postgres"
	"gorm.io/gorm"
)

const (
	flagDatabaseURL        = "database-url"
	flagListenAddr         = "listen-addr"
	flagAllowedOrigins     = "allowed-origins"
	flagSessionSigningKey  = "session-signing-key"
	flagSessionIssuer      = "session-issuer"
	flagSessionCookieName  = "session-cookie-name"
	flagPayPalBaseURL      = "paypal-base-url"
	flagPayPalClientID     = "paypal-client-id"
	flagPayPalClientSecret = "paypal-client-secret"
	flagPayPalWebhookID    = "paypal-webhook-id"
	flagPlannerBaseURL     = "planner-base-url"
	flagPlannerAPIKey      = "planner-api-key"
	flagPlannerModel       = "planner-model"
	flagArchiveDir         = "archive-dir"

	defaultDatabaseURL    = "sqlite:///tmp/credits.db"
	defaultHTTPListenAddr = ":9090"
	defaultPayPalBaseURL  = "https://api-m.sandbox.paypal.com"
	defaultPlannerBaseURL = "https://api.openai.com/v1"
	defaultPlannerModel   = "gpt-4o-mini"
)

type runtimeConfig struct {
	DatabaseURL        string
	ListenAddr         string
	AllowedOrigins     string
	SessionSigningKey  string
	SessionIssuer      string
	SessionCookieName  string
	PayPalBaseURL      string
	PayPalClientID     string
	PayPalClientSecret string
	PayPalWebhookID    string
	PlannerBaseURL     string
	PlannerAPIKey      string
	PlannerModel       string
	ArchiveDir         string
}

func main() {
	cmd := newRootCommand()
	if err := cmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "creditsd: %v\n", err)
		os.Exit(1)
	}
}

func newRootCommand() *cobra.Command {
	cfg := &runtimeConfig{}
	cmd := &cobra.Command{
		Use:           "creditsd",
		Short:         "Credits ledger and billing API server",
		SilenceUsage:  true,
		SilenceErrors: true,
		PreRunE: func(cmd *cobra.Command, args []string) error {
			return loadConfig(cmd, cfg)
		},
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
			defer stop()
			return runServer(ctx, cfg)
		},
	}

	cmd.Flags().String(flagDatabaseURL, defaultDatabaseURL, "database connection string (postgres:// or sqlite path)")
	cmd.Flags().String(flagListenAddr, defaultHTTPListenAddr, "HTTP listen address")
	cmd.Flags().String(flagAllowedOrigins, "", "comma-separated CORS origins")
	cmd.Flags().String(flagSessionSigningKey, "", "session token signing key")
	cmd.Flags().String(flagSessionIssuer, "", "expected session token issuer")
	cmd.Flags().String(flagSessionCookieName, "", "session cookie name")
	cmd.Flags().String(flagPayPalBaseURL, defaultPayPalBaseURL, "PayPal API base URL")
	cmd.Flags().String(flagPayPalClientID, "", "PayPal REST client id")
	cmd.Flags().String(flagPayPalClientSecret, "", "PayPal REST client secret")
	cmd.Flags().String(flagPayPalWebhookID, "", "PayPal webhook id used for signature verification")
	cmd.Flags().String(flagPlannerBaseURL, defaultPlannerBaseURL, "completion provider base URL")
	cmd.Flags().String(flagPlannerAPIKey, "", "completion provider API key")
	cmd.Flags().String(flagPlannerModel, defaultPlannerModel, "completion model name")
	cmd.Flags().String(flagArchiveDir, "", "directory for archived plan documents (empty disables archiving)")

	return cmd
}

func loadConfig(cmd *cobra.Command, cfg *runtimeConfig) error {
	viper.SetEnvKeyReplacer(strings.NewReplacer("-", "_"))
	viper.AutomaticEnv()

	bindings := []struct {
		key    string
		env    string
		flag   string
		target *string
	}{
		{key: "database_url", env: "DATABASE_URL", flag: flagDatabaseURL, target: &cfg.DatabaseURL},
		{key: "listen_addr", env: "HTTP_LISTEN_ADDR", flag: flagListenAddr, target: &cfg.ListenAddr},
		{key: "allowed_origins", env: "ALLOWED_ORIGINS", flag: flagAllowedOrigins, target: &cfg.AllowedOrigins},
		{key: "session_signing_key", env: "SESSION_SIGNING_KEY", flag: flagSessionSigningKey, target: &cfg.SessionSigningKey},
		{key: "session_issuer", env: "SESSION_ISSUER", flag: flagSessionIssuer, target: &cfg.SessionIssuer},
		{key: "session_cookie_name", env: "SESSION_COOKIE_NAME", flag: flagSessionCookieName, target: &cfg.SessionCookieName},
		{key: "paypal_base_url", env: "PAYPAL_BASE_URL", flag: flagPayPalBaseURL, target: &cfg.PayPalBaseURL},
		{key: "paypal_client_id", env: "PAYPAL_CLIENT_ID", flag: flagPayPalClientID, target: &cfg.PayPalClientID},
		{key: "paypal_client_secret", env: "PAYPAL_CLIENT_SECRET", flag: flagPayPalClientSecret, target: &cfg.PayPalClientSecret},
		{key: "paypal_webhook_id", env: "PAYPAL_WEBHOOK_ID", flag: flagPayPalWebhookID, target: &cfg.PayPalWebhookID},
		{key: "planner_base_url", env: "PLANNER_BASE_URL", flag: flagPlannerBaseURL, target: &cfg.PlannerBaseURL},
		{key: "planner_api_key", env: "PLANNER_API_KEY", flag: flagPlannerAPIKey, target: &cfg.PlannerAPIKey},
		{key: "planner_model", env: "PLANNER_MODEL", flag: flagPlannerModel, target: &cfg.PlannerModel},
		{key: "archive_dir", env: "ARCHIVE_DIR", flag: flagArchiveDir, target: &cfg.ArchiveDir},
	}
	for _, binding := range bindings {
		if err := viper.BindEnv(binding.key, binding.env); err != nil {
			return err
		}
		if err := viper.BindPFlag(binding.key, cmd.Flags().Lookup(binding.flag)); err != nil {
			return err
		}
		*binding.target = viper.GetString(binding.key)
	}

	if cfg.DatabaseURL == "" {
		cfg.DatabaseURL = defaultDatabaseURL
	}
	if cfg.SessionSigningKey == "" {
		return fmt.Errorf("session signing key is required")
	}
	if cfg.PayPalClientID == "" || cfg.PayPalClientSecret == "" || cfg.PayPalWebhookID == "" {
		return fmt.Errorf("paypal client id, client secret, and webhook id are required")
	}
	if cfg.PlannerAPIKey == "" {
		return fmt.Errorf("planner api key is required")
	}
	return nil
}

func runServer(ctx context.Context, cfg *runtimeConfig) error {
	logger, err := zap.NewProduction()
	if err != nil {
		return fmt.Errorf("logger init: %w", err)
	}
	defer func() { _ = logger.Sync() }()

	gormDB, cleanup, driver, err := openDatabase(ctx, cfg.DatabaseURL)
	if err != nil {
		return fmt.Errorf("database open: %w", err)
	}
	defer func() { _ = cleanup() }()

	store := gormstore.New(gormDB)
	if driver == "sqlite" {
		if err := store.Migrate(); err != nil {
			return fmt.Errorf("auto migrate: %w", err)
		}
	}

	clock := func() int64 { return time.Now().UTC().Unix() }
	billingService, err := billing.NewService(store, clock, billing.WithOperationLogger(operationLogger{logger: logger}))
	if err != nil {
		return fmt.Errorf("billing service init: %w", err)
	}

	paypalClient, err := paypal.NewClient(paypal.Config{
		BaseURL:      cfg.PayPalBaseURL,
		ClientID:     cfg.PayPalClientID,
		ClientSecret: cfg.PayPalClientSecret,
		WebhookID:    cfg.PayPalWebhookID,
	})
	if err != nil {
		return fmt.Errorf("paypal client init: %w", err)
	}

	processor, err := webhook.NewProcessor(paypalClient, billingService, store, logger, clock)
	if err != nil {
		return fmt.Errorf("webhook processor init: %w", err)
	}

	plannerClient, err := planner.NewClient(planner.Config{
		BaseURL: cfg.PlannerBaseURL,
		APIKey:  cfg.PlannerAPIKey,
		Model:   cfg.PlannerModel,
	})
	if err != nil {
		return fmt.Errorf("planner client init: %w", err)
	}

	return httpapi.Run(ctx, httpapi.Config{
		ListenAddr:        cfg.ListenAddr,
		AllowedOrigins:    httpapi.ParseAllowedOrigins(cfg.AllowedOrigins),
		SessionSigningKey: cfg.SessionSigningKey,
		SessionIssuer:     cfg.SessionIssuer,
		SessionCookieName: cfg.SessionCookieName,
	}, httpapi.Dependencies{
		Logger:    logger,
		Billing:   billingService,
		Processor: processor,
		Planner:   plannerClient,
		Archive:   archive.New(cfg.ArchiveDir, logger),
	})
}

// operationLogger bridges billing operation callbacks onto zap.
type operationLogger struct {
	logger *zap.Logger
}

func (adapter operationLogger) LogOperation(ctx context.Context, entry billing.OperationLog) {
	fields := []zap.Field{
		zap.String("operation", entry.Operation),
		zap.String("user_id", entry.UserID.String()),
		zap.Int64("amount", entry.Amount),
		zap.String("entry_type", entry.EntryType.String()),
		zap.Bool("duplicate", entry.Duplicate),
		zap.String("status", entry.Status),
	}
	if !entry.IdempotencyKey.IsZero() {
		fields = append(fields, zap.String("idempotency_key", entry.IdempotencyKey.String()))
	}
	if entry.Error != nil {
		adapter.logger.Warn("billing operation failed", append(fields, zap.Error(entry.Error))...)
		return
	}
	adapter.logger.Info("billing operation", fields...)
}

func openDatabase(ctx context.Context, dsn string) (*gorm.DB, func() error, string, error) {
	driver, sqlitePath, err := resolveDriver(dsn)
	if err != nil {
		return nil, nil, "", err
	}

	var db *gorm.DB
	gormCfg := &gorm.Config{}
	switch driver {
	case "postgres":
		db, err = gorm.Open(postgres.Open(dsn), gormCfg)
	case "sqlite":
		db, err = gorm.Open(sqlite.Open(sqlitePath), gormCfg)
	default:
		return nil, nil, "", fmt.Errorf("unsupported database scheme %q", driver)
	}
	if err != nil {
		return nil, nil, "", err
	}
	sqlDB, err := db.DB()
	if err != nil {
		return nil, nil, "", err
	}
	cleanup := func() error { return sqlDB.Close() }
	return db.WithContext(ctx), cleanup, driver, nil
}

func resolveDriver(dsn string) (string, string, error) {
	if strings.HasPrefix(dsn, "postgres://") || strings.HasPrefix(dsn, "postgresql://") {
		return "postgres", "", nil
	}
	if strings.HasPrefix(dsn, "sqlite://") {
		u, err := url.Parse(dsn)
		if err != nil {
			return "", "", fmt.Errorf("parse sqlite url: %w", err)
		}
		path := u.Path
		if path == "" {
			path = u.Host
		}
		if path == "" || path == "/" {
			path = "credits.db"
		}
		sqlitePath, err := normalizeSQLitePath(path)
		return "sqlite", sqlitePath, err
	}
	// Treat everything else as a direct sqlite path.
	sqlitePath, err := normalizeSQLitePath(dsn)
	return "sqlite", sqlitePath, err
}

func normalizeSQLitePath(path string) (string, error) {
	if path == ":memory:" {
		return path, nil
	}
	if strings.HasPrefix(path, "/") {
		if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
			return "", err
		}
		return path, nil
	}
	abs := filepath.Join(".", path)
	if err := os.MkdirAll(filepath.Dir(abs), 0o755); err != nil {
		return "", err
	}
	return abs, nil
}
