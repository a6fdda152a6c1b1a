package api

import (
	"context"
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/shopspring/decimal"

	"commerce-backend/internal/apperr"
	"commerce-backend/internal/models"
	"commerce-backend/internal/service"
	"commerce-backend/internal/util"
)

// Handler contains the HTTP handlers. Authentication happens upstream; the
// verified identity arrives as X-User-ID / X-User-Role headers and is
// trusted here.
type Handler struct {
	orders   *service.OrderService
	payments *service.PaymentService
	ledger   *service.InventoryLedger
}

// NewHandler creates a new HTTP handler
func NewHandler(orders *service.OrderService, payments *service.PaymentService, ledger *service.InventoryLedger) *Handler {
	return &Handler{orders: orders, payments: payments, ledger: ledger}
}

// SetupRoutes sets up the HTTP routes
func (h *Handler) SetupRoutes(router *gin.Engine) {
	router.Use(gin.Recovery())
	router.Use(prometheusMiddleware())
	router.Use(gin.Logger())

	router.GET("/health", h.healthCheck)
	router.GET("/ready", h.readinessCheck)
	router.GET("/metrics", gin.WrapH(promhttp.Handler()))

	v1 := router.Group("/api/v1")
	v1.Use(identityMiddleware())
	{
		v1.POST("/orders", h.createOrder)
		v1.GET("/orders", h.listOrders)
		v1.GET("/orders/:id", h.getOrder)
		v1.GET("/orders/:id/payment", h.getOrderPayment)
		v1.GET("/orders/by-number/:number", h.getOrderByNumber)
		v1.POST("/orders/:id/cancel", h.cancelOrder)

		v1.POST("/payments", h.processPayment)
		v1.GET("/payments/:id", h.getPayment)
		v1.POST("/payments/:id/retry", h.retryPayment)
		v1.POST("/payments/:id/refund", h.refundPayment)
	}

	admin := v1.Group("/admin")
	admin.Use(requireRole(models.RoleAdmin))
	{
		admin.PATCH("/orders/:id/status", h.updateOrderStatus)

		admin.POST("/inventory", h.createInventory)
		admin.GET("/inventory/low-stock", h.listLowStock)
		admin.GET("/inventory/out-of-stock", h.listOutOfStock)
		admin.GET("/inventory/:product_id", h.getInventory)
		admin.PATCH("/inventory/:product_id", h.updateInventorySettings)
		admin.POST("/inventory/:product_id/restock", h.restock)
		admin.POST("/inventory/:product_id/reserve", h.reserve)
		admin.POST("/inventory/:product_id/release", h.release)
		admin.POST("/inventory/:product_id/confirm", h.confirm)
	}
}

func (h *Handler) healthCheck(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"status": "healthy", "time": time.Now().Unix()})
}

func (h *Handler) readinessCheck(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"status": "ready", "time": time.Now().Unix()})
}

// identityMiddleware extracts the authenticated identity injected by the
// gateway.
func identityMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		userID, err := strconv.ParseInt(c.GetHeader("X-User-ID"), 10, 64)
		if err != nil || userID <= 0 {
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "missing or invalid X-User-ID"})
			return
		}
		role := models.Role(c.GetHeader("X-User-Role"))
		if role == "" {
			role = models.RoleCustomer
		}
		c.Set("user_id", userID)
		c.Set("role", role)
		c.Next()
	}
}

func requireRole(role models.Role) gin.HandlerFunc {
	return func(c *gin.Context) {
		if c.MustGet("role").(models.Role) != role {
			c.AbortWithStatusJSON(http.StatusForbidden, gin.H{"error": "insufficient role"})
			return
		}
		c.Next()
	}
}

func currentUserID(c *gin.Context) int64 {
	return c.MustGet("user_id").(int64)
}

// canViewOrder allows the owner or an admin; writes the 403 itself.
func canViewOrder(c *gin.Context, order *models.Order) bool {
	if order.UserID == currentUserID(c) || c.MustGet("role").(models.Role) == models.RoleAdmin {
		return true
	}
	c.JSON(http.StatusForbidden, gin.H{"error": "not your order"})
	return false
}

// writeError maps the core error taxonomy onto transport status codes.
// The core itself carries no HTTP knowledge.
func writeError(c *gin.Context, err error) {
	switch {
	case apperr.IsNotFound(err):
		c.JSON(http.StatusNotFound, gin.H{"error": err.Error()})
	case apperr.IsInsufficientStock(err):
		var is *apperr.InsufficientStockError
		errors.As(err, &is)
		c.JSON(http.StatusConflict, gin.H{
			"error":      err.Error(),
			"product_id": is.ProductID,
			"requested":  is.Requested,
			"available":  is.Available,
		})
	case apperr.IsLockAcquisition(err):
		c.JSON(http.StatusServiceUnavailable, gin.H{"error": err.Error(), "retryable": true})
	case apperr.IsValidation(err):
		c.JSON(http.StatusUnprocessableEntity, gin.H{"error": err.Error()})
	case apperr.IsAuthorization(err):
		c.JSON(http.StatusForbidden, gin.H{"error": err.Error()})
	case apperr.IsConflict(err):
		c.JSON(http.StatusConflict, gin.H{"error": err.Error()})
	default:
		c.JSON(http.StatusInternalServerError, gin.H{"error": "internal error"})
	}
}

func (h *Handler) createOrder(c *gin.Context) {
	var req service.CreateOrderRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid request body", "details": err.Error()})
		return
	}
	req.UserID = currentUserID(c)
	if req.RequestID == "" {
		req.RequestID = c.GetHeader("Idempotency-Key")
	}

	order, err := h.orders.Create(c.Request.Context(), &req)
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusCreated, order)
}

func (h *Handler) getOrder(c *gin.Context) {
	orderID, ok := paramInt64(c, "id")
	if !ok {
		return
	}

	order, err := h.orders.Get(c.Request.Context(), orderID)
	if err != nil {
		writeError(c, err)
		return
	}
	if !canViewOrder(c, order) {
		return
	}
	c.JSON(http.StatusOK, order)
}

func (h *Handler) getOrderByNumber(c *gin.Context) {
	order, err := h.orders.GetByNumber(c.Request.Context(), c.Param("number"))
	if err != nil {
		writeError(c, err)
		return
	}
	if !canViewOrder(c, order) {
		return
	}
	c.JSON(http.StatusOK, order)
}

func (h *Handler) getOrderPayment(c *gin.Context) {
	orderID, ok := paramInt64(c, "id")
	if !ok {
		return
	}
	order, err := h.orders.Get(c.Request.Context(), orderID)
	if err != nil {
		writeError(c, err)
		return
	}
	if !canViewOrder(c, order) {
		return
	}

	payment, err := h.payments.GetByOrderID(c.Request.Context(), orderID)
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, payment)
}

func (h *Handler) listOrders(c *gin.Context) {
	page, _ := strconv.Atoi(c.DefaultQuery("page", "1"))
	perPage, _ := strconv.Atoi(c.DefaultQuery("per_page", "20"))
	status := models.OrderStatus(c.Query("status"))

	orders, total, err := h.orders.ListByUser(c.Request.Context(), currentUserID(c), status, page, perPage)
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"orders": orders, "total": total, "page": page, "per_page": perPage})
}

func (h *Handler) cancelOrder(c *gin.Context) {
	orderID, ok := paramInt64(c, "id")
	if !ok {
		return
	}
	var body struct {
		Reason string `json:"reason"`
	}
	_ = c.ShouldBindJSON(&body)

	order, err := h.orders.Cancel(c.Request.Context(), orderID, currentUserID(c), body.Reason)
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, order)
}

func (h *Handler) updateOrderStatus(c *gin.Context) {
	orderID, ok := paramInt64(c, "id")
	if !ok {
		return
	}
	var body struct {
		Status         models.OrderStatus `json:"status" binding:"required"`
		TrackingNumber string             `json:"tracking_number"`
	}
	if err := c.ShouldBindJSON(&body); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid request body", "details": err.Error()})
		return
	}

	order, err := h.orders.UpdateStatus(c.Request.Context(), orderID, body.Status, body.TrackingNumber)
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, order)
}

func (h *Handler) processPayment(c *gin.Context) {
	var req service.ProcessPaymentRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid request body", "details": err.Error()})
		return
	}
	if req.IdempotencyKey == "" {
		req.IdempotencyKey = c.GetHeader("Idempotency-Key")
	}

	payment, err := h.payments.Process(c.Request.Context(), &req)
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusCreated, payment)
}

func (h *Handler) getPayment(c *gin.Context) {
	paymentID, ok := paramInt64(c, "id")
	if !ok {
		return
	}
	payment, err := h.payments.GetByID(c.Request.Context(), paymentID)
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, payment)
}

func (h *Handler) retryPayment(c *gin.Context) {
	paymentID, ok := paramInt64(c, "id")
	if !ok {
		return
	}
	payment, err := h.payments.Retry(c.Request.Context(), paymentID)
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, payment)
}

func (h *Handler) refundPayment(c *gin.Context) {
	paymentID, ok := paramInt64(c, "id")
	if !ok {
		return
	}
	var body struct {
		Amount *decimal.Decimal `json:"amount"`
		Reason string           `json:"reason"`
	}
	_ = c.ShouldBindJSON(&body)

	payment, err := h.payments.Refund(c.Request.Context(), paymentID, body.Amount, body.Reason)
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, payment)
}

func (h *Handler) createInventory(c *gin.Context) {
	var body struct {
		ProductID         int64  `json:"product_id" binding:"required"`
		Quantity          int    `json:"quantity" binding:"min=0"`
		LowStockThreshold int    `json:"low_stock_threshold"`
		WarehouseID       string `json:"warehouse_id"`
	}
	if err := c.ShouldBindJSON(&body); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid request body", "details": err.Error()})
		return
	}

	rec := &models.InventoryRecord{
		ProductID:         body.ProductID,
		Quantity:          body.Quantity,
		LowStockThreshold: body.LowStockThreshold,
		WarehouseID:       body.WarehouseID,
	}
	if err := h.ledger.CreateRecord(c.Request.Context(), rec); err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusCreated, inventoryView(rec))
}

func (h *Handler) getInventory(c *gin.Context) {
	productID, ok := paramInt64(c, "product_id")
	if !ok {
		return
	}
	rec, err := h.ledger.Get(c.Request.Context(), productID)
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, inventoryView(rec))
}

func (h *Handler) updateInventorySettings(c *gin.Context) {
	productID, ok := paramInt64(c, "product_id")
	if !ok {
		return
	}
	var body struct {
		LowStockThreshold int    `json:"low_stock_threshold" binding:"min=0"`
		WarehouseID       string `json:"warehouse_id"`
	}
	if err := c.ShouldBindJSON(&body); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid request body", "details": err.Error()})
		return
	}
	if err := h.ledger.UpdateSettings(c.Request.Context(), productID, body.LowStockThreshold, body.WarehouseID); err != nil {
		writeError(c, err)
		return
	}
	c.Status(http.StatusNoContent)
}

func (h *Handler) listLowStock(c *gin.Context) {
	limit, _ := strconv.Atoi(c.DefaultQuery("limit", "50"))
	recs, err := h.ledger.ListLowStock(c.Request.Context(), limit)
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, inventoryViews(recs))
}

func (h *Handler) listOutOfStock(c *gin.Context) {
	recs, err := h.ledger.ListOutOfStock(c.Request.Context())
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, inventoryViews(recs))
}

type quantityBody struct {
	Quantity int `json:"quantity" binding:"required,min=1"`
}

func (h *Handler) restock(c *gin.Context) {
	productID, ok := paramInt64(c, "product_id")
	if !ok {
		return
	}
	var body quantityBody
	if err := c.ShouldBindJSON(&body); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid request body", "details": err.Error()})
		return
	}
	rec, err := h.ledger.Restock(c.Request.Context(), productID, body.Quantity)
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, inventoryView(rec))
}

func (h *Handler) reserve(c *gin.Context) {
	h.stockOp(c, h.ledger.Reserve)
}

func (h *Handler) release(c *gin.Context) {
	h.stockOp(c, h.ledger.Release)
}

func (h *Handler) confirm(c *gin.Context) {
	h.stockOp(c, h.ledger.Confirm)
}

func (h *Handler) stockOp(c *gin.Context, op func(ctx context.Context, productID int64, quantity int) (int, error)) {
	productID, ok := paramInt64(c, "product_id")
	if !ok {
		return
	}
	var body quantityBody
	if err := c.ShouldBindJSON(&body); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid request body", "details": err.Error()})
		return
	}
	available, err := op(c.Request.Context(), productID, body.Quantity)
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"product_id": productID, "available": available})
}

func paramInt64(c *gin.Context, name string) (int64, bool) {
	v, err := strconv.ParseInt(c.Param(name), 10, 64)
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid " + name})
		return 0, false
	}
	return v, true
}

// inventoryView augments the record with its derived fields for clients.
func inventoryView(rec *models.InventoryRecord) gin.H {
	return gin.H{
		"product_id":          rec.ProductID,
		"quantity":            rec.Quantity,
		"reserved":            rec.Reserved,
		"available":           rec.Available(),
		"version":             rec.Version,
		"low_stock_threshold": rec.LowStockThreshold,
		"is_low_stock":        rec.IsLowStock(),
		"is_out_of_stock":     rec.IsOutOfStock(),
	}
}

func inventoryViews(recs []models.InventoryRecord) []gin.H {
	views := make([]gin.H, 0, len(recs))
	for i := range recs {
		views = append(views, inventoryView(&recs[i]))
	}
	return views
}

// prometheusMiddleware collects HTTP metrics
func prometheusMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()

		c.Next()

		duration := time.Since(start).Seconds()
		status := strconv.Itoa(c.Writer.Status())

		util.HTTPRequestDuration.WithLabelValues(c.Request.Method, c.FullPath(), status).Observe(duration)
		util.HTTPRequestsTotal.WithLabelValues(c.Request.Method, c.FullPath(), status).Inc()
	}
}
