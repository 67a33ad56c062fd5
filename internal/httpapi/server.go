package httpapi

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/gin-contrib/cors"
	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/planforge/credits/internal/archive"
	"github.com/planforge/credits/internal/gate"
	"github.com/planforge/credits/internal/planner"
	"github.com/planforge/credits/internal/webhook"
	"github.com/planforge/credits/pkg/billing"
	"github.com/tyemirov/tauth/pkg/sessionvalidator"
	"go.uber.org/zap"
)

const maxWebhookBodyBytes = int64(65536)

// CreditService is the slice of the billing service the handlers use.
type CreditService interface {
	GetBalance(ctx context.Context, userID billing.UserID) (billing.Account, error)
	Deduct(ctx context.Context, userID billing.UserID, amount int64, description string, idempotencyKey billing.IdempotencyKey) (billing.Result, error)
	ListEntries(ctx context.Context, userID billing.UserID, beforeUnixUTC int64, limit int) ([]billing.LedgerEntry, error)
}

// WebhookProcessor ingests payment-processor events.
type WebhookProcessor interface {
	Process(ctx context.Context, payload []byte, headers webhook.Headers) (webhook.Outcome, error)
}

// Dependencies carries the collaborators the HTTP layer forwards to.
type Dependencies struct {
	Logger    *zap.Logger
	Billing   CreditService
	Processor WebhookProcessor
	Planner   planner.Generator
	Archive   *archive.Archiver
}

// Run boots the HTTP API using the supplied configuration.
func Run(ctx context.Context, cfg Config, deps Dependencies) error {
	if err := cfg.Validate(); err != nil {
		return err
	}
	logger := deps.Logger
	if logger == nil {
		logger = zap.NewNop()
	}

	sessionValidator, err := sessionvalidator.New(sessionvalidator.Config{
		SigningKey: []byte(cfg.SessionSigningKey),
		Issuer:     cfg.SessionIssuer,
		CookieName: cfg.SessionCookieName,
	})
	if err != nil {
		return fmt.Errorf("session validator: %w", err)
	}

	handler := &httpHandler{
		logger:    logger,
		billing:   deps.Billing,
		processor: deps.Processor,
		planner:   deps.Planner,
		archive:   deps.Archive,
		cfg:       cfg,
	}
	router := setupRouter(cfg, handler, sessionValidator)

	server := &http.Server{
		Addr:    cfg.ListenAddr,
		Handler: router,
	}

	errCh := make(chan error, 1)
	go func() {
		logger.Info("credits api listening", zap.String("addr", cfg.ListenAddr))
		errCh <- server.ListenAndServe()
	}()

	select {
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if shutdownErr := server.Shutdown(shutdownCtx); shutdownErr != nil {
			logger.Warn("server shutdown error", zap.Error(shutdownErr))
		}
		deps.Archive.Flush()
		return nil
	case err := <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return err
	}
}

func setupRouter(cfg Config, handler *httpHandler, validator *sessionvalidator.Validator) *gin.Engine {
	gin.SetMode(gin.ReleaseMode)
	router := gin.New()
	router.Use(gin.Recovery())
	router.Use(cors.New(cors.Config{
		AllowOrigins:     cfg.AllowedOrigins,
		AllowMethods:     []string{"GET", "POST", "OPTIONS"},
		AllowHeaders:     []string{"Content-Type", "Origin", "Accept"},
		AllowCredentials: true,
		MaxAge:           12 * time.Hour,
	}))

	router.GET("/healthz", func(ctx *gin.Context) {
		ctx.JSON(http.StatusOK, gin.H{"status": "ok"})
	})

	router.POST("/webhooks/paypal", handler.handlePayPalWebhook)

	api := router.Group("/api")
	api.Use(validator.GinMiddleware(gate.ContextKeyClaims))

	api.GET("/balance", handler.handleBalance)
	api.GET("/ledger", handler.handleLedger)
	api.POST("/plans", gate.RequireCredits(handler.billing, handler.logger), handler.handleGeneratePlan)

	return router
}

type httpHandler struct {
	logger    *zap.Logger
	billing   CreditService
	processor WebhookProcessor
	planner   planner.Generator
	archive   *archive.Archiver
	cfg       Config
}

func (handler *httpHandler) handleBalance(ctx *gin.Context) {
	userID, ok := handler.sessionUserID(ctx)
	if !ok {
		return
	}
	requestCtx, cancel := context.WithTimeout(ctx.Request.Context(), handler.cfg.LedgerTimeout)
	defer cancel()

	account, err := handler.billing.GetBalance(requestCtx, userID)
	if err != nil {
		handler.logger.Error("balance fetch failed", zap.String("user_id", userID.String()), zap.Error(err))
		ctx.JSON(http.StatusBadGateway, errorResponse("ledger_error", "balance unavailable"))
		return
	}
	ctx.JSON(http.StatusOK, balancePayload{
		Plan:               account.Plan.String(),
		CreditsBalance:     account.CreditsBalance,
		SubscriptionActive: account.SubscriptionID != "",
	})
}

func (handler *httpHandler) handleLedger(ctx *gin.Context) {
	userID, ok := handler.sessionUserID(ctx)
	if !ok {
		return
	}
	requestCtx, cancel := context.WithTimeout(ctx.Request.Context(), handler.cfg.LedgerTimeout)
	defer cancel()

	entries, err := handler.billing.ListEntries(requestCtx, userID, time.Now().UTC().Add(time.Second).Unix(), handler.cfg.LedgerHistoryLimit)
	if err != nil {
		handler.logger.Error("ledger fetch failed", zap.String("user_id", userID.String()), zap.Error(err))
		ctx.JSON(http.StatusBadGateway, errorResponse("ledger_error", "history unavailable"))
		return
	}
	payload := make([]entryPayload, 0, len(entries))
	for _, entry := range entries {
		payload = append(payload, entryPayload{
			EntryID:        entry.EntryID,
			Amount:         entry.Amount,
			Type:           entry.Type.String(),
			Description:    entry.Description,
			BalanceAfter:   entry.BalanceAfter,
			CreatedUnixUTC: entry.CreatedUnixUTC,
		})
	}
	ctx.JSON(http.StatusOK, gin.H{"entries": payload})
}

func (handler *httpHandler) handleGeneratePlan(ctx *gin.Context) {
	userID, ok := handler.sessionUserID(ctx)
	if !ok {
		return
	}
	var request planRequest
	if err := ctx.ShouldBindJSON(&request); err != nil && !errors.Is(err, io.EOF) {
		ctx.JSON(http.StatusBadRequest, errorResponse("invalid_payload", "expected JSON body"))
		return
	}

	plannerCtx, plannerCancel := context.WithTimeout(ctx.Request.Context(), handler.cfg.PlannerTimeout)
	defer plannerCancel()
	studyPlan, err := handler.planner.Generate(plannerCtx, userID.String(), planner.Request{
		Topic:    request.Topic,
		Material: request.Material,
	})
	if err != nil {
		if errors.Is(err, planner.ErrInvalidPlanRequest) {
			ctx.JSON(http.StatusBadRequest, errorResponse("invalid_payload", "topic is required"))
			return
		}
		handler.logger.Error("plan generation failed", zap.String("user_id", userID.String()), zap.Error(err))
		ctx.JSON(http.StatusBadGateway, errorResponse("planner_error", "plan generation failed"))
		return
	}

	deductKey, err := billing.NewIdempotencyKey(fmt.Sprintf("plan_%s", uuid.NewString()))
	if err != nil {
		handler.logger.Error("deduct key derivation failed", zap.Error(err))
		ctx.JSON(http.StatusInternalServerError, errorResponse("internal_error", "request failed"))
		return
	}
	ledgerCtx, ledgerCancel := context.WithTimeout(ctx.Request.Context(), handler.cfg.LedgerTimeout)
	defer ledgerCancel()
	result, err := handler.billing.Deduct(ledgerCtx, userID, PlanCreditCost(), "study plan generation", deductKey)
	if err != nil {
		// The gate is read-then-decide, so a concurrent spend can
		// empty the balance while the plan was generating.
		if errors.Is(err, billing.ErrInsufficientBalance) {
			ctx.JSON(http.StatusPaymentRequired, errorResponse("insufficient_credits", "no credits remaining"))
			return
		}
		handler.logger.Error("plan deduct failed", zap.String("user_id", userID.String()), zap.Error(err))
		ctx.JSON(http.StatusBadGateway, errorResponse("ledger_error", "deduct failed"))
		return
	}

	handler.archive.Save(userID.String(), "study-plan", studyPlan)

	ctx.JSON(http.StatusOK, gin.H{
		"plan":            studyPlan,
		"credits_balance": result.NewBalance,
	})
}

func (handler *httpHandler) handlePayPalWebhook(ctx *gin.Context) {
	ctx.Request.Body = http.MaxBytesReader(ctx.Writer, ctx.Request.Body, maxWebhookBodyBytes)
	payload, err := io.ReadAll(ctx.Request.Body)
	if err != nil {
		var maxBytesErr *http.MaxBytesError
		if errors.As(err, &maxBytesErr) {
			ctx.JSON(http.StatusRequestEntityTooLarge, errorResponse("payload_too_large", "body exceeds size limit"))
			return
		}
		ctx.JSON(http.StatusBadRequest, errorResponse("invalid_payload", "unreadable body"))
		return
	}
	headers := webhook.Headers{
		TransmissionID:   ctx.GetHeader("Paypal-Transmission-Id"),
		TransmissionTime: ctx.GetHeader("Paypal-Transmission-Time"),
		TransmissionSig:  ctx.GetHeader("Paypal-Transmission-Sig"),
		CertURL:          ctx.GetHeader("Paypal-Cert-Url"),
		AuthAlgo:         ctx.GetHeader("Paypal-Auth-Algo"),
	}

	outcome, err := handler.processor.Process(ctx.Request.Context(), payload, headers)
	if err != nil {
		if errors.Is(err, webhook.ErrVerificationFailed) {
			ctx.JSON(http.StatusUnauthorized, errorResponse("verification_failed", "signature rejected"))
			return
		}
		// Respond 5xx so the processor retries; the event was not
		// recorded and the ledger idempotency key makes the retry safe.
		handler.logger.Error("webhook processing failed", zap.Error(err))
		ctx.JSON(http.StatusInternalServerError, errorResponse("processing_failed", "event not applied"))
		return
	}
	ctx.JSON(http.StatusOK, gin.H{"status": string(outcome)})
}

func (handler *httpHandler) sessionUserID(ctx *gin.Context) (billing.UserID, bool) {
	claims := gate.ClaimsFromContext(ctx)
	if claims == nil {
		ctx.JSON(http.StatusUnauthorized, errorResponse("unauthorized", "missing session"))
		return billing.UserID{}, false
	}
	userID, err := billing.NewUserID(claims.GetUserID())
	if err != nil {
		ctx.JSON(http.StatusUnauthorized, errorResponse("unauthorized", "invalid session subject"))
		return billing.UserID{}, false
	}
	return userID, true
}

func errorResponse(code string, message string) gin.H {
	return gin.H{
		"error": gin.H{
			"code":    code,
			"message": message,
		},
	}
}

type planRequest struct {
	Topic    string `json:"topic"`
	Material string `json:"material"`
}

type balancePayload struct {
	Plan               string `json:"plan"`
	CreditsBalance     int64  `json:"credits_balance"`
	SubscriptionActive bool   `json:"subscription_active"`
}

type entryPayload struct {
	EntryID        string `json:"entry_id"`
	Amount         int64  `json:"amount"`
	Type           string `json:"type"`
	Description    string `json:"description"`
	BalanceAfter   int64  `json:"balance_after"`
	CreatedUnixUTC int64  `json:"created_unix_utc"`
}
