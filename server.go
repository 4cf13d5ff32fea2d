package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log"
	"net/http"
	"os"
	"os/signal"
	"strconv"
	"strings"
	"syscall"
	"time"

	"bitbucket.org/mmdatafocus/shop_backend/config"
	"bitbucket.org/mmdatafocus/shop_backend/middlewares"
	"bitbucket.org/mmdatafocus/shop_backend/models"
	"bitbucket.org/mmdatafocus/shop_backend/payments"
	"bitbucket.org/mmdatafocus/shop_backend/utils"
	"bitbucket.org/mmdatafocus/shop_backend/workflow"
	"github.com/gin-contrib/cors"
	"github.com/gin-gonic/gin"
	"github.com/redis/go-redis/v9"
	"github.com/sirupsen/logrus"
	"go.opentelemetry.io/otel"
)

const defaultPort = "8080"

var tracer = otel.Tracer("shop-backend")

// RateLimiter counts requests per client IP in Redis over a fixed window.
type RateLimiter struct {
	client *redis.Client
	limit  int64
	window time.Duration
}

func min(a, b int) int {
	if a < b {
		return a
	}
	return b
}

func getRedisClient(redisAddress string) *redis.Client {
	client := redis.NewClient(&redis.Options{
		Addr: redisAddress,
	})
	return client
}

func checkoutHandler(registry *payments.Registry) gin.HandlerFunc {
	return func(c *gin.Context) {
		var input workflow.CheckoutInput
		if err := c.ShouldBindJSON(&input); err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": "invalid request", "fields": utils.ProcessValidationErrors(err)})
			return
		}

		ctx, span := tracer.Start(c.Request.Context(), "checkout")
		defer span.End()

		result, err := workflow.Checkout(ctx, registry, &input)
		if err != nil {
			status := http.StatusBadRequest
			var stockErr *workflow.InsufficientStockError
			switch {
			case errors.Is(err, workflow.ErrEmptyCart):
			case errors.As(err, &stockErr):
				status = http.StatusConflict
			case errors.Is(err, workflow.ErrProviderUnavailable):
				status = http.StatusServiceUnavailable
			default:
				var addrErr *workflow.InvalidAddressError
				if !errors.As(err, &addrErr) {
					status = http.StatusBadGateway
				}
			}
			c.JSON(status, gin.H{"error": err.Error()})
			return
		}
		c.JSON(http.StatusCreated, result)
	}
}

// webhookHandler acknowledges everything it can: providers retry on non-2xx
// and expect 2xx even for duplicates and no-ops. The only 4xx paths are an
// unknown provider segment and a failed signature check.
func webhookHandler(registry *payments.Registry) gin.HandlerFunc {
	return func(c *gin.Context) {
		logger := config.GetLogger()
		provider := c.Param("provider")

		rawPayload, err := io.ReadAll(c.Request.Body)
		if err != nil {
			config.LogError(logger, "server.go", "webhookHandler", "io.ReadAll", provider, err)
			c.JSON(http.StatusOK, gin.H{"received": true})
			return
		}

		var signatureHeader string
		switch payments.ProviderKey(provider) {
		case payments.ProviderStripe:
			signatureHeader = c.Request.Header.Get("Stripe-Signature")
		case payments.ProviderPayPal:
			signatureHeader = payments.CollectPayPalSignature(c.Request.Header)
		default:
			c.JSON(http.StatusNotFound, gin.H{"error": "unknown provider"})
			return
		}

		ctx, span := tracer.Start(c.Request.Context(), "webhook."+provider)
		defer span.End()

		result, err := workflow.ReconcileWebhook(ctx, registry, provider, rawPayload, signatureHeader)
		if err != nil {
			if errors.Is(err, payments.ErrBadSignature) {
				// Possible forgery; worth alerting on.
				config.LogError(logger, "server.go", "webhookHandler", "VerifyWebhook", provider, err)
				c.JSON(http.StatusUnauthorized, gin.H{"error": "signature verification failed"})
				return
			}
			config.LogError(logger, "server.go", "webhookHandler", "ReconcileWebhook", provider, err)
			// Transient reconcile failure: non-2xx makes the provider retry.
			c.JSON(http.StatusInternalServerError, gin.H{"error": "reconciliation failed"})
			return
		}

		c.JSON(http.StatusOK, gin.H{"received": true, "outcome": result.Outcome})
	}
}

type orderStatusRequest struct {
	Status string `json:"status" binding:"required"`
}

func orderStatusHandler() gin.HandlerFunc {
	return func(c *gin.Context) {
		orderId, err := strconv.Atoi(c.Param("id"))
		if err != nil || orderId <= 0 {
			c.JSON(http.StatusBadRequest, gin.H{"error": "invalid order id"})
			return
		}
		var req orderStatusRequest
		if err := c.ShouldBindJSON(&req); err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": "status is required"})
			return
		}

		result, err := models.TransitionOrderStatus(c.Request.Context(), orderId, models.OrderStatus(req.Status))
		if err != nil {
			switch {
			case errors.Is(err, models.ErrInvalidOrderStatus):
				c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
			case errors.Is(err, utils.ErrorRecordNotFound):
				c.JSON(http.StatusNotFound, gin.H{"error": "order not found"})
			default:
				c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
			}
			return
		}
		c.JSON(http.StatusOK, result)
	}
}

// countriesHandler serves the address-form country list. Reference data, so
// it sits in Redis for an hour; a cold cache falls through to the database.
func countriesHandler() gin.HandlerFunc {
	return func(c *gin.Context) {
		const cacheKey = "countries:all"

		var countries []*models.Country
		if found, err := config.GetRedisObject(cacheKey, &countries); err == nil && found {
			c.JSON(http.StatusOK, countries)
			return
		}

		countries, err := models.GetCountryAll(c.Request.Context())
		if err != nil {
			c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
			return
		}
		_ = config.SetRedisObject(cacheKey, countries, time.Hour)
		c.JSON(http.StatusOK, countries)
	}
}

// getOrderByNumberHandler looks an order up by the number the customer quotes
// to support. Admin-only; customers use GET /orders/:id.
func getOrderByNumberHandler() gin.HandlerFunc {
	return func(c *gin.Context) {
		number := strings.TrimSpace(c.Param("number"))
		if number == "" {
			c.JSON(http.StatusBadRequest, gin.H{"error": "order number is required"})
			return
		}
		order, err := models.GetOrderByNumber(c.Request.Context(), number)
		if err != nil {
			c.JSON(http.StatusNotFound, gin.H{"error": "order not found"})
			return
		}
		c.JSON(http.StatusOK, order)
	}
}

func getOrderHandler() gin.HandlerFunc {
	return func(c *gin.Context) {
		orderId, err := strconv.Atoi(c.Param("id"))
		if err != nil || orderId <= 0 {
			c.JSON(http.StatusBadRequest, gin.H{"error": "invalid order id"})
			return
		}
		ctx := c.Request.Context()
		order, err := models.GetOrder(ctx, orderId)
		if err != nil {
			c.JSON(http.StatusNotFound, gin.H{"error": "order not found"})
			return
		}
		customerId, _ := utils.GetCustomerIdFromContext(ctx)
		isAdmin, _ := utils.GetIsAdminFromContext(ctx)
		if !isAdmin && order.CustomerId != customerId {
			c.JSON(http.StatusForbidden, gin.H{"error": "forbidden"})
			return
		}
		c.JSON(http.StatusOK, order)
	}
}

func refundHandler(registry *payments.Registry) gin.HandlerFunc {
	return func(c *gin.Context) {
		orderId, err := strconv.Atoi(c.Param("orderId"))
		if err != nil || orderId <= 0 {
			c.JSON(http.StatusBadRequest, gin.H{"error": "invalid order id"})
			return
		}
		var input workflow.RefundInput
		if err := c.ShouldBindJSON(&input); err != nil && !errors.Is(err, io.EOF) {
			c.JSON(http.StatusBadRequest, gin.H{"error": "invalid request"})
			return
		}

		outcome, err := workflow.RefundPayment(c.Request.Context(), registry, orderId, &input)
		if err != nil {
			switch {
			case errors.Is(err, utils.ErrorRecordNotFound):
				c.JSON(http.StatusNotFound, gin.H{"error": "payment not found"})
			case errors.Is(err, workflow.ErrRefundNotAllowed), errors.Is(err, workflow.ErrRefundAmount):
				c.JSON(http.StatusConflict, gin.H{"error": err.Error()})
			default:
				c.JSON(http.StatusBadGateway, gin.H{"error": err.Error()})
			}
			return
		}
		c.JSON(http.StatusOK, outcome)
	}
}

func stockAdjustmentHandler() gin.HandlerFunc {
	return func(c *gin.Context) {
		var input workflow.StockAdjustmentInput
		if err := c.ShouldBindJSON(&input); err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": "invalid request", "fields": utils.ProcessValidationErrors(err)})
			return
		}
		result, err := workflow.AdjustStock(c.Request.Context(), &input)
		if err != nil {
			switch {
			case errors.Is(err, workflow.ErrInvalidAdjustment):
				c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
			case errors.Is(err, utils.ErrorRecordNotFound):
				c.JSON(http.StatusNotFound, gin.H{"error": "variant not found"})
			default:
				c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
			}
			return
		}
		c.JSON(http.StatusCreated, result)
	}
}

// gatewayConfigHandler upserts one provider's credentials and resets the
// in-process credential cache so the change is picked up without a restart.
func gatewayConfigHandler(registry *payments.Registry) gin.HandlerFunc {
	return func(c *gin.Context) {
		providerKey, err := payments.ParseProviderKey(c.Param("provider"))
		if err != nil {
			c.JSON(http.StatusNotFound, gin.H{"error": "unknown provider"})
			return
		}
		var req struct {
			Enabled       *bool  `json:"enabled" binding:"required"`
			ApiKey        string `json:"api_key"`
			ApiSecret     string `json:"api_secret"`
			WebhookSecret string `json:"webhook_secret"`
			Sandbox       *bool  `json:"sandbox"`
		}
		if err := c.ShouldBindJSON(&req); err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": "invalid request", "fields": utils.ProcessValidationErrors(err)})
			return
		}
		input := models.NewPaymentGatewayConfig{
			Provider:      string(providerKey),
			Enabled:       req.Enabled,
			ApiKey:        req.ApiKey,
			ApiSecret:     req.ApiSecret,
			WebhookSecret: req.WebhookSecret,
			Sandbox:       req.Sandbox,
		}

		gateway, err := models.UpsertPaymentGatewayConfig(c.Request.Context(), &input)
		if err != nil {
			c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
			return
		}
		registry.Credentials().Reset(providerKey)

		// Secrets stay out of responses.
		c.JSON(http.StatusOK, gin.H{
			"provider": gateway.Provider,
			"enabled":  gateway.Enabled,
			"sandbox":  gateway.Sandbox,
		})
	}
}

func stockMovesHandler() gin.HandlerFunc {
	return func(c *gin.Context) {
		reference := c.Query("reference")
		if reference == "" {
			c.JSON(http.StatusBadRequest, gin.H{"error": "reference is required"})
			return
		}
		moves, err := models.GetStockMovesByReference(c.Request.Context(), reference)
		if err != nil {
			c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
			return
		}
		c.JSON(http.StatusOK, moves)
	}
}

func customNotFoundHandler(c *gin.Context) {
	c.JSON(http.StatusNotFound, gin.H{"error": "route not found"})
}

func main() {
	port := os.Getenv("API_PORT")
	if port == "" {
		// Cloud Run standard env var.
		port = os.Getenv("PORT")
	}
	if port == "" {
		port = defaultPort
	}

	logger := config.GetLogger()

	// Cloud Run sends SIGTERM on revision shutdown; handle it for graceful drain.
	sigCtx, stopSignals := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stopSignals()

	// Start the HTTP server ASAP so Cloud Run considers the revision healthy.
	// Until DB/Redis are ready, app endpoints return 503.
	r := gin.New()
	r.Use(middlewares.CorrelationMiddleware())
	r.Use(func(c *gin.Context) {
		// Always allow the startup probe.
		if c.Request.URL.Path == "/healthz" {
			c.Status(http.StatusNoContent)
			c.Abort()
			return
		}
		if config.GetDB() == nil {
			c.AbortWithStatus(http.StatusServiceUnavailable)
			return
		}
		c.Next()
	})

	r.GET("/healthz", func(c *gin.Context) { c.Status(http.StatusNoContent) })

	corsConfig := cors.DefaultConfig()
	// Production requires an explicit allowlist via CORS_ALLOWED_ORIGINS.
	allowedOrigins := strings.TrimSpace(os.Getenv("CORS_ALLOWED_ORIGINS"))
	if strings.EqualFold(strings.TrimSpace(os.Getenv("GO_ENV")), "production") {
		if allowedOrigins == "" {
			corsConfig.AllowOrigins = []string{}
		} else {
			corsConfig.AllowOrigins = splitAndTrim(allowedOrigins)
		}
	} else {
		corsConfig.AllowAllOrigins = true
	}
	corsConfig.AddAllowMethods("GET", "POST", "PUT", "PATCH", "DELETE", "OPTIONS")
	corsConfig.AddAllowHeaders("token", "Origin", "Content-Type", "Authorization", middlewares.CorrelationIdHeader)
	corsConfig.AddExposeHeaders("Content-Length", middlewares.CorrelationIdHeader)
	corsConfig.AllowCredentials = true
	r.Use(cors.New(corsConfig))

	// Optional rate limiting (recommended for production).
	// Env:
	// - RATE_LIMIT_ENABLED=true
	// - RATE_LIMIT_WINDOW_SECONDS=60
	// - RATE_LIMIT_MAX_REQUESTS=600
	if strings.EqualFold(strings.TrimSpace(os.Getenv("RATE_LIMIT_ENABLED")), "true") {
		client := getRedisClient(os.Getenv("REDIS_ADDRESS"))
		limit := int64(600)
		if v := strings.TrimSpace(os.Getenv("RATE_LIMIT_MAX_REQUESTS")); v != "" {
			if n, err := strconv.ParseInt(v, 10, 64); err == nil && n > 0 {
				limit = n
			}
		}
		windowSec := int64(60)
		if v := strings.TrimSpace(os.Getenv("RATE_LIMIT_WINDOW_SECONDS")); v != "" {
			if n, err := strconv.ParseInt(v, 10, 64); err == nil && n > 0 {
				windowSec = n
			}
		}
		rateLimiter := NewRateLimiter(client, limit, time.Duration(windowSec)*time.Second)
		r.Use(rateLimiter.RateLimitMiddleware)
	}

	r.Use(middlewares.AuthMiddleware())
	r.Use(customErrorLogger(logger))
	r.Use(gin.Recovery())

	registry := payments.NewRegistry(payments.NewCredentialCache())

	// Webhooks authenticate with provider signatures, not bearer tokens.
	r.POST("/payments/webhook/:provider", webhookHandler(registry))
	r.GET("/countries", countriesHandler())

	authed := r.Group("/", middlewares.RequireAuth())
	authed.POST("/checkout", checkoutHandler(registry))
	authed.GET("/orders/:id", getOrderHandler())

	admin := r.Group("/", middlewares.RequireAuth(), middlewares.RequireAdmin())
	admin.PATCH("/orders/:id/status", orderStatusHandler())
	admin.GET("/orders/number/:number", getOrderByNumberHandler())
	admin.POST("/payments/:orderId/refund", refundHandler(registry))
	admin.POST("/stock/adjustments", stockAdjustmentHandler())
	admin.GET("/stock/moves", stockMovesHandler())
	admin.PUT("/admin/gateways/:provider", gatewayConfigHandler(registry))

	r.NoRoute(customNotFoundHandler)

	// Start listening immediately (Cloud Run startup probe is TCP based).
	srv := &http.Server{
		Addr:    ":" + port,
		Handler: r,
	}
	serverErrCh := make(chan error, 1)
	go func() {
		// ListenAndServe returns http.ErrServerClosed on graceful shutdown.
		serverErrCh <- srv.ListenAndServe()
	}()

	// Connect dependencies after the port is open.
	config.ConnectDatabaseWithRetry()
	config.ConnectRedisWithRetry()

	db := config.GetDB()
	sqlDB, _ := db.DB()
	defer func() {
		if sqlDB != nil {
			_ = sqlDB.Close()
		}
	}()
	// AutoMigrate can run DDL that blocks tables; allow running migrations as
	// a separate job instead.
	if !strings.EqualFold(strings.TrimSpace(os.Getenv("SKIP_MIGRATIONS")), "true") {
		models.MigrateTable()
	} else {
		logger.WithFields(logrus.Fields{"field": "migrations"}).Warn("SKIP_MIGRATIONS=true; skipping AutoMigrate on startup")
	}

	// Background workers: outbox publishing and reservation expiry.
	workerCtx, cancelWorkers := context.WithCancel(context.Background())
	defer cancelWorkers()
	go workflow.NewOutboxDispatcher(db, logger).Run(workerCtx)
	go workflow.NewReservationSweep(db, logger).Run(workerCtx)

	// Set the session isolation level to READ COMMITTED
	for attempt := 1; ; attempt++ {
		err := db.Exec("SET SESSION TRANSACTION ISOLATION LEVEL READ COMMITTED").Error
		if err == nil {
			break
		}
		sleep := time.Second * time.Duration(1<<min(attempt, 5))
		if sleep > 30*time.Second {
			sleep = 30 * time.Second
		}
		logger.WithFields(logrus.Fields{
			"field":   "database",
			"attempt": attempt,
		}).Warn("failed to set isolation level; retrying in " + sleep.String() + ": " + err.Error())
		time.Sleep(sleep)
	}

	logger.WithFields(logrus.Fields{
		"info": "Connection Established",
	}).Info("listening on http://localhost:", port, "/")
	log.Println("Server started successfully")

	// Block until shutdown or server error.
	select {
	case <-sigCtx.Done():
		// graceful shutdown below
	case err := <-serverErrCh:
		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.WithFields(logrus.Fields{"field": "http"}).Error("server stopped unexpectedly: " + err.Error())
		}
	}

	// Stop background workers first so they don't start new work mid-drain.
	cancelWorkers()

	shutdownTimeout := 30 * time.Second
	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		logger.WithFields(logrus.Fields{"field": "http"}).Error("graceful shutdown failed: " + err.Error())
	}

	if rdb := config.GetRedisDB(); rdb != nil {
		_ = rdb.Close()
	}
}

// customErrorLogger logs only requests that attached errors.
func customErrorLogger(logger *logrus.Logger) gin.HandlerFunc {
	return func(c *gin.Context) {
		c.Next()

		if len(c.Errors) > 0 {
			logger.Error(c.Errors.String())
		}
	}
}

func NewRateLimiter(client *redis.Client, limit int64, window time.Duration) *RateLimiter {
	return &RateLimiter{
		client: client,
		limit:  limit,
		window: window,
	}
}

// RateLimitMiddleware checks and advances the caller's window counter.
func (rl *RateLimiter) RateLimitMiddleware(c *gin.Context) {
	key := c.ClientIP()

	exists, err := rl.client.Exists(c.Request.Context(), key).Result()
	if err != nil {
		c.AbortWithError(http.StatusInternalServerError, err)
		return
	}

	if exists == 0 {
		err := rl.client.Set(c.Request.Context(), key, 1, rl.window).Err()
		if err != nil {
			c.AbortWithError(http.StatusInternalServerError, err)
			return
		}
		c.Next()
		return
	}

	count, err := rl.client.Incr(c.Request.Context(), key).Result()
	if err != nil {
		c.AbortWithError(http.StatusInternalServerError, err)
		return
	}

	if count > rl.limit {
		c.AbortWithStatusJSON(http.StatusTooManyRequests, gin.H{
			"error": fmt.Sprintf("Rate limit exceeded. Try again in %d seconds", int(rl.window.Seconds())),
		})
		return
	}

	c.Next()
}

func splitAndTrim(csv string) []string {
	if strings.TrimSpace(csv) == "" {
		return nil
	}
	parts := strings.Split(csv, ",")
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		p = strings.TrimSpace(p)
		if p != "" {
			out = append(out, p)
		}
	}
	return out
}
