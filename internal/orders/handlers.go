package orders

import (
	"errors"
	"io"
	"net/http"
	"strconv"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/mbd888/keygate/internal/validation"
)

// ApprovalScheduler is the deferred auto-approval hook. Implemented by
// the approval package's scheduler.
type ApprovalScheduler interface {
	Arm(orderID string, deadline time.Time)
	Cancel(orderID string)
}

// Handler provides HTTP endpoints for order operations.
type Handler struct {
	service   *Service
	scheduler ApprovalScheduler
	autoDelay time.Duration
}

// NewHandler creates an order handler. scheduler may be nil to disable
// auto-approval; autoDelay is how long a verified order waits for an
// admin before approving itself.
func NewHandler(service *Service, scheduler ApprovalScheduler, autoDelay time.Duration) *Handler {
	if autoDelay <= 0 {
		autoDelay = 10 * time.Minute
	}
	return &Handler{service: service, scheduler: scheduler, autoDelay: autoDelay}
}

// RegisterRoutes sets up customer-facing order routes.
func (h *Handler) RegisterRoutes(r *gin.RouterGroup) {
	r.POST("/orders", h.CreateOrder)
	r.GET("/orders/:id", validation.OrderParamMiddleware(), h.GetOrder)
	r.POST("/orders/:id/screenshot", validation.OrderParamMiddleware(), h.SubmitScreenshot)
	r.POST("/orders/:id/cancel", validation.OrderParamMiddleware(), h.CancelOrder)
	r.GET("/subjects/:subject/orders", h.ListOrders)
}

// RegisterAdminRoutes sets up admin-only resolution routes.
func (h *Handler) RegisterAdminRoutes(r *gin.RouterGroup) {
	r.POST("/orders/:id/approve", validation.OrderParamMiddleware(), h.ApproveOrder)
	r.POST("/orders/:id/reject", validation.OrderParamMiddleware(), h.RejectOrder)
	r.POST("/orders/:id/revoke", validation.OrderParamMiddleware(), h.RevokeKey)
}

type createOrderRequest struct {
	SubjectID string `json:"subject_id" binding:"required"`
	ServerID  string `json:"server_id" binding:"required"`
	PlanID    string `json:"plan_id" binding:"required"`
	Protocol  string `json:"protocol"`
	Amount    int    `json:"amount" binding:"required"`
}

// CreateOrder handles POST /v1/orders
func (h *Handler) CreateOrder(c *gin.Context) {
	var req createOrderRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{
			"error":   "invalid_request",
			"message": "Invalid request body",
		})
		return
	}

	if errs := validation.Validate(
		validation.ValidSubject("subject_id", req.SubjectID),
		validation.MaxLength("server_id", req.ServerID, 64),
		validation.MaxLength("plan_id", req.PlanID, 64),
		validation.PositiveAmount("amount", req.Amount),
	); len(errs) > 0 {
		c.JSON(http.StatusBadRequest, gin.H{
			"error":   "validation_error",
			"message": errs.Error(),
			"details": errs,
		})
		return
	}

	order, err := h.service.Create(c.Request.Context(), CreateInput{
		SubjectID: req.SubjectID,
		ServerID:  req.ServerID,
		PlanID:    req.PlanID,
		Protocol:  req.Protocol,
		Amount:    req.Amount,
	})
	if err != nil {
		if errors.Is(err, ErrSubjectBlocked) {
			c.JSON(http.StatusForbidden, gin.H{
				"error":   "subject_blocked",
				"message": "Too many recent orders. Try again later.",
			})
			return
		}
		if errors.Is(err, ErrInvalidAmount) {
			c.JSON(http.StatusBadRequest, gin.H{
				"error":   "invalid_amount",
				"message": "Amount must be positive",
			})
			return
		}
		c.JSON(http.StatusInternalServerError, gin.H{
			"error":   "order_failed",
			"message": "Failed to create order",
		})
		return
	}

	c.JSON(http.StatusCreated, gin.H{"order": order})
}

// GetOrder handles GET /v1/orders/:id
func (h *Handler) GetOrder(c *gin.Context) {
	order, err := h.service.Get(c.Request.Context(), c.Param("id"))
	if err != nil {
		if errors.Is(err, ErrOrderNotFound) {
			c.JSON(http.StatusNotFound, gin.H{
				"error":   "not_found",
				"message": "Order not found",
			})
			return
		}
		c.JSON(http.StatusInternalServerError, gin.H{
			"error":   "internal_error",
			"message": "Failed to load order",
		})
		return
	}
	c.JSON(http.StatusOK, gin.H{"order": order})
}

// ListOrders handles GET /v1/subjects/:subject/orders
func (h *Handler) ListOrders(c *gin.Context) {
	subject := c.Param("subject")
	if !validation.IsValidSubjectID(subject) {
		c.JSON(http.StatusBadRequest, gin.H{
			"error":   "invalid_subject",
			"message": "subject must be a positive numeric user ID",
		})
		return
	}

	limit := 20
	if l := c.Query("limit"); l != "" {
		if parsed, err := strconv.Atoi(l); err == nil && parsed > 0 {
			limit = parsed
		}
	}

	list, err := h.service.ListBySubject(c.Request.Context(), subject, limit)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{
			"error":   "internal_error",
			"message": "Failed to list orders",
		})
		return
	}
	c.JSON(http.StatusOK, gin.H{"orders": list, "count": len(list)})
}

// SubmitScreenshot handles POST /v1/orders/:id/screenshot. The body is
// the raw image; the owning subject comes from the X-Subject-ID header.
func (h *Handler) SubmitScreenshot(c *gin.Context) {
	subject := c.GetHeader("X-Subject-ID")
	if !validation.IsValidSubjectID(subject) {
		c.JSON(http.StatusBadRequest, gin.H{
			"error":   "invalid_subject",
			"message": "X-Subject-ID must be a positive numeric user ID",
		})
		return
	}

	screenshot, err := io.ReadAll(c.Request.Body)
	if err != nil || len(screenshot) == 0 {
		c.JSON(http.StatusBadRequest, gin.H{
			"error":   "invalid_screenshot",
			"message": "Request body must contain the screenshot image",
		})
		return
	}

	orderID := c.Param("id")
	result, err := h.service.SubmitScreenshot(c.Request.Context(), orderID, subject, screenshot)
	if err != nil {
		switch {
		case errors.Is(err, ErrOrderNotFound):
			c.JSON(http.StatusNotFound, gin.H{"error": "not_found", "message": "Order not found"})
		case errors.Is(err, ErrNotOwner):
			c.JSON(http.StatusForbidden, gin.H{"error": "not_owner", "message": "Order belongs to another subject"})
		case errors.Is(err, ErrNotPending):
			c.JSON(http.StatusConflict, gin.H{"error": "not_pending", "message": "Order is already resolved"})
		case errors.Is(err, ErrSubjectBlocked):
			c.JSON(http.StatusForbidden, gin.H{"error": "duplicate_screenshot", "message": "This screenshot was already used"})
		default:
			c.JSON(http.StatusInternalServerError, gin.H{"error": "internal_error", "message": "Failed to store screenshot"})
		}
		return
	}

	// A verified payment queues the order for auto-approval unless an
	// admin resolves it first.
	if result.Verified && h.scheduler != nil {
		h.scheduler.Arm(orderID, time.Now().Add(h.autoDelay))
	}

	c.JSON(http.StatusOK, gin.H{"verification": result})
}

// ApproveOrder handles POST /v1/orders/:id/approve
func (h *Handler) ApproveOrder(c *gin.Context) {
	orderID := c.Param("id")
	admin := c.GetString("adminID")
	if admin == "" {
		admin = "admin"
	}

	order, err := h.service.TryApprove(c.Request.Context(), orderID, admin)
	if h.scheduler != nil {
		h.scheduler.Cancel(orderID)
	}
	if err != nil {
		switch {
		case errors.Is(err, ErrOrderNotFound):
			c.JSON(http.StatusNotFound, gin.H{"error": "not_found", "message": "Order not found"})
		case errors.Is(err, ErrNotPending):
			c.JSON(http.StatusConflict, gin.H{"error": "not_pending", "message": "Order was already resolved"})
		case order != nil:
			// Approved, but key provisioning failed. Admins deliver
			// the key manually.
			c.JSON(http.StatusBadGateway, gin.H{
				"error":   "provision_failed",
				"message": "Order approved but key creation failed",
				"order":   order,
			})
		default:
			c.JSON(http.StatusInternalServerError, gin.H{"error": "internal_error", "message": "Failed to approve order"})
		}
		return
	}

	c.JSON(http.StatusOK, gin.H{"order": order})
}

type rejectRequest struct {
	Reason string `json:"reason"`
}

// RejectOrder handles POST /v1/orders/:id/reject
func (h *Handler) RejectOrder(c *gin.Context) {
	orderID := c.Param("id")
	admin := c.GetString("adminID")
	if admin == "" {
		admin = "admin"
	}

	var req rejectRequest
	_ = c.ShouldBindJSON(&req) // reason is optional

	order, err := h.service.TryReject(c.Request.Context(), orderID, admin, req.Reason)
	if h.scheduler != nil {
		h.scheduler.Cancel(orderID)
	}
	if err != nil {
		switch {
		case errors.Is(err, ErrOrderNotFound):
			c.JSON(http.StatusNotFound, gin.H{"error": "not_found", "message": "Order not found"})
		case errors.Is(err, ErrNotPending):
			c.JSON(http.StatusConflict, gin.H{"error": "not_pending", "message": "Order was already resolved"})
		default:
			c.JSON(http.StatusInternalServerError, gin.H{"error": "internal_error", "message": "Failed to reject order"})
		}
		return
	}

	c.JSON(http.StatusOK, gin.H{"order": order})
}

// RevokeKey handles POST /v1/admin/orders/:id/revoke. Removes the key
// from the panel for refund or abuse cases; the order record is kept.
func (h *Handler) RevokeKey(c *gin.Context) {
	orderID := c.Param("id")
	admin := c.GetString("adminID")
	if admin == "" {
		admin = "admin"
	}

	err := h.service.RevokeKey(c.Request.Context(), orderID, admin)
	if err != nil {
		switch {
		case errors.Is(err, ErrOrderNotFound):
			c.JSON(http.StatusNotFound, gin.H{"error": "not_found", "message": "Order not found"})
		case errors.Is(err, ErrNoKey):
			c.JSON(http.StatusConflict, gin.H{"error": "no_key", "message": "Order has no provisioned key"})
		default:
			c.JSON(http.StatusBadGateway, gin.H{"error": "revoke_failed", "message": "Failed to revoke key on panel"})
		}
		return
	}

	c.JSON(http.StatusOK, gin.H{"revoked": orderID})
}

// CancelOrder handles POST /v1/orders/:id/cancel. Customers may cancel
// their own pending orders.
func (h *Handler) CancelOrder(c *gin.Context) {
	subject := c.GetHeader("X-Subject-ID")
	if !validation.IsValidSubjectID(subject) {
		c.JSON(http.StatusBadRequest, gin.H{
			"error":   "invalid_subject",
			"message": "X-Subject-ID must be a positive numeric user ID",
		})
		return
	}

	orderID := c.Param("id")
	order, err := h.service.Get(c.Request.Context(), orderID)
	if err != nil {
		if errors.Is(err, ErrOrderNotFound) {
			c.JSON(http.StatusNotFound, gin.H{"error": "not_found", "message": "Order not found"})
			return
		}
		c.JSON(http.StatusInternalServerError, gin.H{"error": "internal_error", "message": "Failed to load order"})
		return
	}
	if order.SubjectID != subject {
		c.JSON(http.StatusForbidden, gin.H{"error": "not_owner", "message": "Order belongs to another subject"})
		return
	}

	cancelled, err := h.service.Cancel(c.Request.Context(), orderID, subject)
	if h.scheduler != nil {
		h.scheduler.Cancel(orderID)
	}
	if err != nil {
		if errors.Is(err, ErrNotPending) {
			c.JSON(http.StatusConflict, gin.H{"error": "not_pending", "message": "Order is already resolved"})
			return
		}
		c.JSON(http.StatusInternalServerError, gin.H{"error": "internal_error", "message": "Failed to cancel order"})
		return
	}

	c.JSON(http.StatusOK, gin.H{"order": cancelled})
}
