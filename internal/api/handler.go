package api

import (
	"context"
	"errors"
	"net/http"
	"strconv"
	"time"

	"fulfillment-engine/internal/errs"
	"fulfillment-engine/internal/models"
	"fulfillment-engine/internal/payment"
	"fulfillment-engine/internal/service"
	"fulfillment-engine/internal/util"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"
)

// PaymentEventSink receives verified payment webhook events
type PaymentEventSink func(ctx context.Context, ev *models.PaymentEvent) error

// Pinger is a dependency checked by the readiness probe
type Pinger interface {
	Ping(ctx context.Context) error
}

// Handler contains HTTP handlers
type Handler struct {
	manager  *service.OrderLifecycleManager
	verifier *payment.WebhookVerifier
	sink     PaymentEventSink
	checks   map[string]Pinger
	logger   *zap.Logger
}

// NewHandler creates a new HTTP handler
func NewHandler(manager *service.OrderLifecycleManager, verifier *payment.WebhookVerifier, sink PaymentEventSink, checks map[string]Pinger) *Handler {
	return &Handler{
		manager:  manager,
		verifier: verifier,
		sink:     sink,
		checks:   checks,
		logger:   util.GetLogger(),
	}
}

// SetupRoutes sets up HTTP routes
func (h *Handler) SetupRoutes(router *gin.Engine) {
	router.Use(gin.Recovery())
	router.Use(prometheusMiddleware())

	router.GET("/health", h.healthCheck)
	router.GET("/ready", h.readinessCheck)

	router.GET("/metrics", gin.WrapH(promhttp.Handler()))

	v1 := router.Group("/api/v1")
	{
		v1.POST("/orders", h.createOrder)
		v1.POST("/orders/bulk-status", h.bulkUpdateStatus)
		v1.GET("/orders/:id", h.getOrder)
		v1.POST("/orders/:id/status", h.updateStatus)
		v1.POST("/orders/:id/confirm-payment", h.confirmPayment)
		v1.GET("/orders/:id/history", h.getHistory)
		v1.GET("/orders/:id/tracking", h.getTracking)
	}

	router.POST("/webhooks/payments", h.paymentWebhook)
}

// healthCheck handles health check requests
func (h *Handler) healthCheck(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{
		"status": "healthy",
		"time":   time.Now().Unix(),
	})
}

// readinessCheck pings every dependency
func (h *Handler) readinessCheck(c *gin.Context) {
	ctx, cancel := context.WithTimeout(c.Request.Context(), 2*time.Second)
	defer cancel()

	failed := gin.H{}
	for name, p := range h.checks {
		if err := p.Ping(ctx); err != nil {
			failed[name] = err.Error()
		}
	}
	if len(failed) > 0 {
		c.JSON(http.StatusServiceUnavailable, gin.H{
			"status": "not ready",
			"failed": failed,
		})
		return
	}

	c.JSON(http.StatusOK, gin.H{
		"status": "ready",
		"time":   time.Now().Unix(),
	})
}

type itemRequest struct {
	VariantID int64 `json:"variant_id"`
	Quantity  int   `json:"quantity"`
}

type createOrderRequest struct {
	Items           []itemRequest  `json:"items" binding:"required"`
	ShippingAddress models.Address `json:"shipping_address"`
	PaymentMethod   string         `json:"payment_method" binding:"required"`
	BuyerID         int64          `json:"buyer_id" binding:"required"`
	IdempotencyKey  string         `json:"idempotency_key"`
}

// createOrder handles order creation
func (h *Handler) createOrder(c *gin.Context) {
	var req createOrderRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{
			"error":   "Invalid request body",
			"details": err.Error(),
		})
		return
	}

	if req.IdempotencyKey == "" {
		req.IdempotencyKey = c.GetHeader("Idempotency-Key")
	}

	items := make([]models.ItemQuantity, len(req.Items))
	for i, it := range req.Items {
		items[i] = models.ItemQuantity{VariantID: it.VariantID, Quantity: it.Quantity}
	}

	res, err := h.manager.CreateOrder(c.Request.Context(), service.CreateOrderRequest{
		Items:           items,
		ShippingAddress: req.ShippingAddress,
		PaymentMethod:   models.PaymentMethod(req.PaymentMethod),
		BuyerID:         req.BuyerID,
		IdempotencyKey:  req.IdempotencyKey,
	})
	if err != nil {
		h.writeError(c, err)
		return
	}

	status := http.StatusCreated
	if res.Replayed {
		status = http.StatusOK
	}
	body := gin.H{
		"order":    res.Order,
		"items":    res.Items,
		"payment":  res.Payment,
		"replayed": res.Replayed,
	}
	if res.PaymentIntent != nil {
		body["payment_intent_id"] = res.PaymentIntent.ID
		body["client_secret"] = res.PaymentIntent.ClientSecret
	}
	c.JSON(status, body)
}

// getOrder handles get order by ID
func (h *Handler) getOrder(c *gin.Context) {
	orderID, ok := orderIDParam(c)
	if !ok {
		return
	}

	details, err := h.manager.GetOrder(c.Request.Context(), orderID)
	if err != nil {
		h.writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, details)
}

type statusRequest struct {
	Status string `json:"status" binding:"required"`
	Actor  string `json:"actor"`
	Reason string `json:"reason"`
}

func (h *Handler) updateStatus(c *gin.Context) {
	orderID, ok := orderIDParam(c)
	if !ok {
		return
	}
	var req statusRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "Invalid request body", "details": err.Error()})
		return
	}

	res, err := h.manager.UpdateStatus(c.Request.Context(), orderID, models.OrderStatus(req.Status), actor(c, req.Actor), req.Reason)
	if err != nil {
		h.writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, res)
}

type bulkStatusRequest struct {
	OrderIDs []int64 `json:"order_ids" binding:"required"`
	Status   string  `json:"status" binding:"required"`
	Actor    string  `json:"actor"`
	Reason   string  `json:"reason"`
}

func (h *Handler) bulkUpdateStatus(c *gin.Context) {
	var req bulkStatusRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "Invalid request body", "details": err.Error()})
		return
	}
	if _, ok := models.ParseOrderStatus(req.Status); !ok {
		h.writeError(c, errs.NewValidationError("status", "unknown status "+req.Status))
		return
	}

	report := h.manager.BulkUpdateStatus(c.Request.Context(), req.OrderIDs, models.OrderStatus(req.Status), actor(c, req.Actor), req.Reason)
	c.JSON(http.StatusOK, report)
}

type confirmPaymentRequest struct {
	PaymentMethodRef string `json:"payment_method_ref" binding:"required"`
}

func (h *Handler) confirmPayment(c *gin.Context) {
	orderID, ok := orderIDParam(c)
	if !ok {
		return
	}
	var req confirmPaymentRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "Invalid request body", "details": err.Error()})
		return
	}

	status, err := h.manager.ConfirmPayment(c.Request.Context(), orderID, req.PaymentMethodRef)
	if err != nil {
		h.writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"order_id": orderID, "payment_status": status})
}

func (h *Handler) getHistory(c *gin.Context) {
	orderID, ok := orderIDParam(c)
	if !ok {
		return
	}
	entries, err := h.manager.GetStatusHistory(c.Request.Context(), orderID)
	if err != nil {
		h.writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"order_id": orderID, "history": entries})
}

func (h *Handler) getTracking(c *gin.Context) {
	orderID, ok := orderIDParam(c)
	if !ok {
		return
	}
	info, err := h.manager.GetTracking(c.Request.Context(), orderID)
	if err != nil {
		h.writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, info)
}

// paymentWebhook authenticates a processor callback and hands the event to the sink
func (h *Handler) paymentWebhook(c *gin.Context) {
	payload, err := c.GetRawData()
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "Unreadable body"})
		return
	}

	sig := c.GetHeader(payment.SignatureHeader)
	ts := c.GetHeader(payment.TimestampHeader)
	if err := h.verifier.Verify(sig, ts, payload); err != nil {
		h.logger.Warn("Rejected payment webhook", zap.Error(err))
		h.writeError(c, err)
		return
	}

	ev, err := payment.ParseWebhookEvent(payload)
	if err != nil {
		h.writeError(c, err)
		return
	}

	if err := h.sink(c.Request.Context(), ev); err != nil {
		h.logger.Error("Failed to accept payment event",
			zap.String("event_id", ev.EventID),
			zap.String("type", ev.EventType),
			zap.Error(err))
		c.JSON(http.StatusInternalServerError, gin.H{"error": "Event not accepted"})
		return
	}

	c.JSON(http.StatusOK, gin.H{"received": true, "event_id": ev.EventID})
}

// writeError maps the error taxonomy onto HTTP status codes
func (h *Handler) writeError(c *gin.Context, err error) {
	status := http.StatusInternalServerError
	switch {
	case errors.Is(err, errs.ErrValidation):
		status = http.StatusBadRequest
	case errors.Is(err, errs.ErrWebhookSignature):
		status = http.StatusUnauthorized
	case errors.Is(err, errs.ErrOrderNotFound), errors.Is(err, errs.ErrNotShipped):
		status = http.StatusNotFound
	case errors.Is(err, errs.ErrInsufficientInventory),
		errors.Is(err, errs.ErrInvalidStateTransition),
		errors.Is(err, errs.ErrDuplicateRequest):
		status = http.StatusConflict
	case errors.Is(err, errs.ErrPaymentGateway):
		status = http.StatusBadGateway
	case errors.Is(err, errs.ErrCarrierUnavailable):
		status = http.StatusServiceUnavailable
	}

	if status == http.StatusInternalServerError {
		h.logger.Error("Request failed", zap.String("path", c.FullPath()), zap.Error(err))
		c.JSON(status, gin.H{"error": "Internal error"})
		return
	}
	c.JSON(status, gin.H{"error": err.Error()})
}

func orderIDParam(c *gin.Context) (int64, bool) {
	orderID, err := strconv.ParseInt(c.Param("id"), 10, 64)
	if err != nil || orderID <= 0 {
		c.JSON(http.StatusBadRequest, gin.H{
			"error": "Invalid order ID",
		})
		return 0, false
	}
	return orderID, true
}

func actor(c *gin.Context, fromBody string) string {
	if fromBody != "" {
		return fromBody
	}
	if h := c.GetHeader("X-Actor"); h != "" {
		return h
	}
	return "api"
}

// prometheusMiddleware collects HTTP metrics
func prometheusMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()

		c.Next()

		duration := time.Since(start).Seconds()
		status := strconv.Itoa(c.Writer.Status())

		util.HTTPRequestDuration.WithLabelValues(
			c.Request.Method,
			c.FullPath(),
			status,
		).Observe(duration)

		util.HTTPRequestsTotal.WithLabelValues(
			c.Request.Method,
			c.FullPath(),
			status,
		).Inc()
	}
}
