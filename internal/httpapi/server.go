// Package httpapi serves the browser-facing billing API and the processor
// webhook endpoint.
package httpapi

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/MarkoPoloResearchLab/billing/internal/processor"
	"github.com/MarkoPoloResearchLab/billing/internal/purchase"
	"github.com/MarkoPoloResearchLab/billing/internal/webhook"
	"github.com/MarkoPoloResearchLab/billing/pkg/ledger"
	"github.com/gin-contrib/cors"
	"github.com/gin-gonic/gin"
	"github.com/tyemirov/tauth/pkg/sessionvalidator"
	"go.uber.org/zap"
)

const (
	claimsContextKey       = "auth_claims"
	signatureHeader        = "Stripe-Signature"
	maxWebhookPayloadBytes = 1 << 20
	shutdownTimeout        = 5 * time.Second
	defaultRequestTimeout  = 10 * time.Second
	defaultWalletLimit     = 20
)

// Ledger is the slice of the ledger service the HTTP surface reads and charges.
type Ledger interface {
	CheckAccess(ctx context.Context, accountID ledger.AccountID, model string) (ledger.AccessDecision, error)
	ReportUsage(ctx context.Context, report ledger.UsageReport) (ledger.UsageResult, error)
	Account(ctx context.Context, accountID ledger.AccountID) (ledger.Account, error)
	ListEntries(ctx context.Context, accountID ledger.AccountID, before time.Time, limit int) ([]ledger.Entry, error)
}

// Purchases starts checkouts and refunds.
type Purchases interface {
	StartCheckout(ctx context.Context, request purchase.CheckoutRequest) (purchase.Checkout, error)
	StartSubscriptionCheckout(ctx context.Context, request purchase.SubscriptionCheckoutRequest) (purchase.Checkout, error)
	RequestRefund(ctx context.Context, accountID ledger.AccountID, purchaseID string) (processor.Refund, error)
}

// Subscriptions drives the trial and subscription lifecycle.
type Subscriptions interface {
	StartTrial(ctx context.Context, accountID ledger.AccountID) (ledger.Account, error)
	CancelTrial(ctx context.Context, accountID ledger.AccountID) (ledger.Account, error)
	Cancel(ctx context.Context, accountID ledger.AccountID) (ledger.Account, error)
	Reactivate(ctx context.Context, accountID ledger.AccountID) (ledger.Account, error)
}

// Webhooks settles one processor delivery.
type Webhooks interface {
	Process(ctx context.Context, payload []byte, signatureHeader string) (webhook.Result, error)
}

// Config holds the HTTP surface settings.
type Config struct {
	ListenAddr         string
	AllowedOrigins     []string
	SessionSigningKey  string
	SessionIssuer      string
	SessionCookieName  string
	WalletHistoryLimit int
	RequestTimeout     time.Duration
}

// Dependencies are the services the handlers call. Metrics may be nil.
type Dependencies struct {
	Ledger        Ledger
	Purchases     Purchases
	Subscriptions Subscriptions
	Webhooks      Webhooks
	Metrics       http.Handler
}

// Server is the gin HTTP server.
type Server struct {
	config Config
	logger *zap.Logger
	router *gin.Engine
}

// NewServer validates config and builds the router.
func NewServer(config Config, dependencies Dependencies, logger *zap.Logger) (*Server, error) {
	if logger == nil {
		return nil, fmt.Errorf("%w: logger is required", ledger.ErrInvalidServiceConfig)
	}
	if dependencies.Ledger == nil || dependencies.Purchases == nil || dependencies.Subscriptions == nil || dependencies.Webhooks == nil {
		return nil, fmt.Errorf("%w: http dependencies are required", ledger.ErrInvalidServiceConfig)
	}
	if config.WalletHistoryLimit <= 0 {
		config.WalletHistoryLimit = defaultWalletLimit
	}
	if config.RequestTimeout <= 0 {
		config.RequestTimeout = defaultRequestTimeout
	}
	sessionValidator, err := sessionvalidator.New(sessionvalidator.Config{
		SigningKey: []byte(config.SessionSigningKey),
		Issuer:     config.SessionIssuer,
		CookieName: config.SessionCookieName,
	})
	if err != nil {
		return nil, fmt.Errorf("session validator: %w", err)
	}
	handler := &httpHandler{
		logger:       logger,
		config:       config,
		dependencies: dependencies,
	}
	return &Server{
		config: config,
		logger: logger,
		router: setupRouter(config, handler, sessionValidator, dependencies.Metrics),
	}, nil
}

// Handler exposes the router.
func (server *Server) Handler() http.Handler {
	return server.router
}

// Run serves until ctx is cancelled, then shuts down gracefully.
func (server *Server) Run(ctx context.Context) error {
	httpServer := &http.Server{
		Addr:              server.config.ListenAddr,
		Handler:           server.router,
		ReadHeaderTimeout: 10 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		server.logger.Info("http api listening", zap.String("addr", server.config.ListenAddr))
		errCh <- httpServer.ListenAndServe()
	}()

	select {
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		if shutdownErr := httpServer.Shutdown(shutdownCtx); shutdownErr != nil {
			server.logger.Warn("server shutdown error", zap.Error(shutdownErr))
		}
		return nil
	case err := <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return err
	}
}

func setupRouter(config Config, handler *httpHandler, validator *sessionvalidator.Validator, metrics http.Handler) *gin.Engine {
	gin.SetMode(gin.ReleaseMode)
	router := gin.New()
	router.Use(gin.Recovery())
	if len(config.AllowedOrigins) > 0 {
		router.Use(cors.New(cors.Config{
			AllowOrigins:     config.AllowedOrigins,
			AllowMethods:     []string{"GET", "POST", "OPTIONS"},
			AllowHeaders:     []string{"Content-Type", "Origin", "Accept"},
			AllowCredentials: true,
			MaxAge:           12 * time.Hour,
		}))
	}

	router.GET("/healthz", func(ctx *gin.Context) {
		ctx.JSON(http.StatusOK, gin.H{"status": "ok"})
	})
	if metrics != nil {
		router.GET("/metrics", gin.WrapH(metrics))
	}
	router.POST("/webhooks/stripe", handler.handleWebhook)

	api := router.Group("/api")
	api.Use(validator.GinMiddleware(claimsContextKey))

	api.GET("/access", handler.handleAccess)
	api.POST("/usage", handler.handleUsage)
	api.GET("/wallet", handler.handleWallet)
	api.POST("/purchases", handler.handlePurchase)
	api.POST("/purchases/:purchaseID/refund", handler.handleRefund)
	api.GET("/subscription", handler.handleSubscription)
	api.POST("/subscription/trial", handler.handleStartTrial)
	api.POST("/subscription/trial/cancel", handler.handleCancelTrial)
	api.POST("/subscription/checkout", handler.handleSubscriptionCheckout)
	api.POST("/subscription/cancel", handler.handleCancel)
	api.POST("/subscription/reactivate", handler.handleReactivate)

	return router
}

type httpHandler struct {
	logger       *zap.Logger
	config       Config
	dependencies Dependencies
}

func (handler *httpHandler) handleWebhook(ctx *gin.Context) {
	payload, err := io.ReadAll(io.LimitReader(ctx.Request.Body, maxWebhookPayloadBytes))
	if err != nil {
		ctx.JSON(http.StatusBadRequest, errorResponse("invalid_payload", "unreadable body"))
		return
	}
	result, err := handler.dependencies.Webhooks.Process(ctx.Request.Context(), payload, ctx.GetHeader(signatureHeader))
	switch {
	case err == nil:
		ctx.JSON(http.StatusOK, gin.H{
			"event_id": result.EventID,
			"outcome":  string(result.Outcome),
		})
	case errors.Is(err, ledger.ErrSignatureVerification):
		ctx.JSON(http.StatusBadRequest, errorResponse("invalid_signature", "signature verification failed"))
	case errors.Is(err, ledger.ErrValidation):
		ctx.JSON(http.StatusBadRequest, errorResponse("invalid_event", err.Error()))
	default:
		ctx.JSON(http.StatusInternalServerError, errorResponse("webhook_failed", "event not processed"))
	}
}

func (handler *httpHandler) handleAccess(ctx *gin.Context) {
	accountID, ok := handler.accountID(ctx)
	if !ok {
		return
	}
	requestCtx, cancel := handler.requestContext(ctx)
	defer cancel()

	decision, err := handler.dependencies.Ledger.CheckAccess(requestCtx, accountID, ctx.Query("model"))
	if err != nil {
		handler.respondError(ctx, "access check failed", err)
		return
	}
	ctx.JSON(http.StatusOK, gin.H{
		"allowed":       decision.Allowed,
		"reason":        string(decision.Reason),
		"message":       decision.Message,
		"model":         decision.Info.Model,
		"tier":          string(decision.Info.Tier),
		"required_tier": string(decision.Info.RequiredTier),
		"trial_status":  string(decision.Info.TrialStatus),
		"balance":       newBalancePayload(decision.Info.Balance),
	})
}

func (handler *httpHandler) handleUsage(ctx *gin.Context) {
	accountID, ok := handler.accountID(ctx)
	if !ok {
		return
	}
	var request usageRequest
	if err := ctx.ShouldBindJSON(&request); err != nil {
		ctx.JSON(http.StatusBadRequest, errorResponse("invalid_payload", "expected JSON body"))
		return
	}
	metadata, err := metadataFromRequest(request.Metadata)
	if err != nil {
		handler.respondError(ctx, "usage rejected", err)
		return
	}
	requestCtx, cancel := handler.requestContext(ctx)
	defer cancel()

	result, err := handler.dependencies.Ledger.ReportUsage(requestCtx, ledger.UsageReport{
		AccountID:        accountID,
		Model:            request.Model,
		PromptTokens:     request.PromptTokens,
		CompletionTokens: request.CompletionTokens,
		SessionID:        request.SessionID,
		Metadata:         metadata,
	})
	if err != nil {
		handler.respondError(ctx, "usage report failed", err)
		return
	}
	ctx.JSON(http.StatusOK, gin.H{
		"cost":    result.Cost.String(),
		"charged": result.Charged,
		"balance": newBalancePayload(result.Balance),
	})
}

func (handler *httpHandler) handleWallet(ctx *gin.Context) {
	accountID, ok := handler.accountID(ctx)
	if !ok {
		return
	}
	requestCtx, cancel := handler.requestContext(ctx)
	defer cancel()

	account, err := handler.dependencies.Ledger.Account(requestCtx, accountID)
	if err != nil {
		handler.respondError(ctx, "wallet fetch failed", err)
		return
	}
	entries, err := handler.dependencies.Ledger.ListEntries(requestCtx, accountID, time.Time{}, handler.config.WalletHistoryLimit)
	if err != nil {
		handler.respondError(ctx, "wallet fetch failed", err)
		return
	}
	payload := walletResponse{
		Balance:      newBalancePayload(ledger.BalanceOf(account)),
		Subscription: newSubscriptionPayload(account),
		Entries:      make([]entryPayload, 0, len(entries)),
	}
	for _, entry := range entries {
		payload.Entries = append(payload.Entries, newEntryPayload(entry))
	}
	ctx.JSON(http.StatusOK, gin.H{"wallet": payload})
}

func (handler *httpHandler) handlePurchase(ctx *gin.Context) {
	accountID, ok := handler.accountID(ctx)
	if !ok {
		return
	}
	var request purchaseRequest
	if err := ctx.ShouldBindJSON(&request); err != nil {
		ctx.JSON(http.StatusBadRequest, errorResponse("invalid_payload", "expected JSON body"))
		return
	}
	requestCtx, cancel := handler.requestContext(ctx)
	defer cancel()

	checkout, err := handler.dependencies.Purchases.StartCheckout(requestCtx, purchase.CheckoutRequest{
		AccountID: accountID,
		PriceID:   request.PriceID,
		Email:     sessionEmail(ctx),
	})
	if err != nil {
		handler.respondError(ctx, "checkout failed", err)
		return
	}
	ctx.JSON(http.StatusOK, newCheckoutPayload(checkout))
}

func (handler *httpHandler) handleRefund(ctx *gin.Context) {
	accountID, ok := handler.accountID(ctx)
	if !ok {
		return
	}
	requestCtx, cancel := handler.requestContext(ctx)
	defer cancel()

	refund, err := handler.dependencies.Purchases.RequestRefund(requestCtx, accountID, ctx.Param("purchaseID"))
	if err != nil {
		handler.respondError(ctx, "refund request failed", err)
		return
	}
	ctx.JSON(http.StatusAccepted, gin.H{
		"refund_id": refund.ID,
		"status":    refund.Status,
	})
}

func (handler *httpHandler) handleSubscription(ctx *gin.Context) {
	accountID, ok := handler.accountID(ctx)
	if !ok {
		return
	}
	requestCtx, cancel := handler.requestContext(ctx)
	defer cancel()

	account, err := handler.dependencies.Ledger.Account(requestCtx, accountID)
	if err != nil {
		handler.respondError(ctx, "subscription fetch failed", err)
		return
	}
	ctx.JSON(http.StatusOK, gin.H{"subscription": newSubscriptionPayload(account)})
}

func (handler *httpHandler) handleStartTrial(ctx *gin.Context) {
	handler.respondWithTransition(ctx, "trial start failed", handler.dependencies.Subscriptions.StartTrial)
}

func (handler *httpHandler) handleCancelTrial(ctx *gin.Context) {
	handler.respondWithTransition(ctx, "trial cancel failed", handler.dependencies.Subscriptions.CancelTrial)
}

func (handler *httpHandler) handleCancel(ctx *gin.Context) {
	handler.respondWithTransition(ctx, "subscription cancel failed", handler.dependencies.Subscriptions.Cancel)
}

func (handler *httpHandler) handleReactivate(ctx *gin.Context) {
	handler.respondWithTransition(ctx, "subscription reactivate failed", handler.dependencies.Subscriptions.Reactivate)
}

func (handler *httpHandler) handleSubscriptionCheckout(ctx *gin.Context) {
	accountID, ok := handler.accountID(ctx)
	if !ok {
		return
	}
	var request subscriptionCheckoutRequest
	if err := ctx.ShouldBindJSON(&request); err != nil {
		ctx.JSON(http.StatusBadRequest, errorResponse("invalid_payload", "expected JSON body"))
		return
	}
	tier, err := ledger.ParseTier(request.Tier)
	if err != nil {
		handler.respondError(ctx, "subscription checkout rejected", err)
		return
	}
	requestCtx, cancel := handler.requestContext(ctx)
	defer cancel()

	checkout, err := handler.dependencies.Purchases.StartSubscriptionCheckout(requestCtx, purchase.SubscriptionCheckoutRequest{
		AccountID: accountID,
		Tier:      tier,
		Email:     sessionEmail(ctx),
		Nonce:     request.Nonce,
	})
	if err != nil {
		handler.respondError(ctx, "subscription checkout failed", err)
		return
	}
	ctx.JSON(http.StatusOK, newCheckoutPayload(checkout))
}

func (handler *httpHandler) respondWithTransition(ctx *gin.Context, failure string, transition func(context.Context, ledger.AccountID) (ledger.Account, error)) {
	accountID, ok := handler.accountID(ctx)
	if !ok {
		return
	}
	requestCtx, cancel := handler.requestContext(ctx)
	defer cancel()

	account, err := transition(requestCtx, accountID)
	if err != nil {
		handler.respondError(ctx, failure, err)
		return
	}
	ctx.JSON(http.StatusOK, gin.H{
		"subscription": newSubscriptionPayload(account),
		"balance":      newBalancePayload(ledger.BalanceOf(account)),
	})
}

func (handler *httpHandler) accountID(ctx *gin.Context) (ledger.AccountID, bool) {
	claims := getClaims(ctx)
	if claims == nil {
		ctx.JSON(http.StatusUnauthorized, errorResponse("unauthorized", "missing session"))
		return ledger.AccountID{}, false
	}
	accountID, err := ledger.NewAccountID(claims.GetUserID())
	if err != nil {
		ctx.JSON(http.StatusUnauthorized, errorResponse("unauthorized", "session has no user"))
		return ledger.AccountID{}, false
	}
	return accountID, true
}

func (handler *httpHandler) requestContext(ctx *gin.Context) (context.Context, context.CancelFunc) {
	return context.WithTimeout(ctx.Request.Context(), handler.config.RequestTimeout)
}

func (handler *httpHandler) respondError(ctx *gin.Context, message string, err error) {
	statusCode, code := classifyError(err)
	if statusCode >= http.StatusInternalServerError {
		handler.logger.Error(message, zap.String("path", ctx.FullPath()), zap.Error(err))
		ctx.JSON(statusCode, errorResponse(code, message))
		return
	}
	handler.logger.Debug(message, zap.String("path", ctx.FullPath()), zap.Error(err))
	ctx.JSON(statusCode, errorResponse(code, err.Error()))
}

func getClaims(ctx *gin.Context) *sessionvalidator.Claims {
	claimsValue, ok := ctx.Get(claimsContextKey)
	if !ok {
		return nil
	}
	claims, _ := claimsValue.(*sessionvalidator.Claims)
	return claims
}

func sessionEmail(ctx *gin.Context) string {
	claims := getClaims(ctx)
	if claims == nil {
		return ""
	}
	return claims.GetUserEmail()
}

func errorResponse(code string, message string) gin.H {
	return gin.H{
		"error": gin.H{
			"code":    code,
			"message": message,
		},
	}
}
