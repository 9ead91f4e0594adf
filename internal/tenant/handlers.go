package tenant

import (
	"crypto/subtle"
	"errors"
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/solenko/gatewall/internal/logging"
	"github.com/solenko/gatewall/internal/validation"
)

// ClientInvalidator drops cached protocol-client handles when a tenant's
// credential changes or the tenant is suspended.
type ClientInvalidator interface {
	Invalidate(credentialRef string)
}

// Handler provides the platform-admin HTTP surface for tenant management.
type Handler struct {
	store   Store
	clients ClientInvalidator
}

// NewHandler creates a tenant admin handler.
func NewHandler(store Store, clients ClientInvalidator) *Handler {
	return &Handler{store: store, clients: clients}
}

// RequireAdmin guards routes with the platform admin secret.
// In development (empty secret) everything is allowed.
func RequireAdmin(adminSecret string) gin.HandlerFunc {
	return func(c *gin.Context) {
		if adminSecret == "" {
			c.Next()
			return
		}
		got := c.GetHeader("X-Admin-Secret")
		if subtle.ConstantTimeCompare([]byte(got), []byte(adminSecret)) != 1 {
			c.AbortWithStatusJSON(http.StatusForbidden, gin.H{
				"error":   "forbidden",
				"message": "Admin secret required",
			})
			return
		}
		c.Next()
	}
}

// RegisterRoutes sets up tenant admin routes. The group is expected to carry
// RequireAdmin already.
func (h *Handler) RegisterRoutes(r *gin.RouterGroup) {
	r.POST("/tenants", h.CreateTenant)
	r.GET("/tenants", h.ListTenants)
	r.GET("/tenants/:id", h.GetTenant)
	r.POST("/tenants/:id/rotate", h.RotateCredential)
	r.POST("/tenants/:id/suspend", h.SuspendTenant)
	r.POST("/tenants/:id/resume", h.ResumeTenant)
}

// CreateRequest contains the parameters for registering a tenant.
type CreateRequest struct {
	OwnerID        int64    `json:"ownerId" binding:"required"`
	CredentialRef  string   `json:"credentialRef" binding:"required"`
	PaymentMethods []string `json:"paymentMethods"`
}

// CreateTenant handles POST /admin/tenants
func (h *Handler) CreateTenant(c *gin.Context) {
	var req CreateRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{
			"error":   "invalid_request",
			"message": "Invalid request body",
		})
		return
	}

	if !validation.ValidCredentialRef(req.CredentialRef) {
		c.JSON(http.StatusBadRequest, gin.H{
			"error":   "invalid_request",
			"message": "credentialRef does not look like a bot credential",
		})
		return
	}
	if err := validation.ValidateMethods(req.PaymentMethods); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{
			"error":   "invalid_request",
			"message": err.Error(),
		})
		return
	}

	t := New(req.OwnerID, req.CredentialRef, req.PaymentMethods)
	if err := h.store.Create(c.Request.Context(), t); err != nil {
		logging.L(c.Request.Context()).Error("failed to create tenant", "error", err)
		c.JSON(http.StatusInternalServerError, gin.H{
			"error":   "internal_error",
			"message": "Failed to register tenant",
		})
		return
	}

	logging.L(c.Request.Context()).Info("tenant registered", "tenant_id", t.ID, "owner_id", t.OwnerID)

	// The secret is returned exactly once, at registration.
	c.JSON(http.StatusCreated, gin.H{
		"tenant":  t,
		"secret":  t.Secret,
		"warning": "Store this routing secret securely. It will not be shown again.",
	})
}

// ListTenants handles GET /admin/tenants
func (h *Handler) ListTenants(c *gin.Context) {
	tenants, err := h.store.List(c.Request.Context())
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{
			"error":   "internal_error",
			"message": "Failed to list tenants",
		})
		return
	}
	c.JSON(http.StatusOK, gin.H{"tenants": tenants, "count": len(tenants)})
}

// GetTenant handles GET /admin/tenants/:id
func (h *Handler) GetTenant(c *gin.Context) {
	t, err := h.store.Get(c.Request.Context(), c.Param("id"))
	if err != nil {
		if errors.Is(err, ErrTenantNotFound) {
			c.JSON(http.StatusNotFound, gin.H{
				"error":   "not_found",
				"message": "Tenant not found",
			})
			return
		}
		c.JSON(http.StatusInternalServerError, gin.H{
			"error":   "internal_error",
			"message": "Failed to load tenant",
		})
		return
	}
	c.JSON(http.StatusOK, gin.H{"tenant": t})
}

// RotateRequest carries the replacement credential reference.
type RotateRequest struct {
	CredentialRef string `json:"credentialRef" binding:"required"`
}

// RotateCredential handles POST /admin/tenants/:id/rotate.
// The old reference is superseded, never mutated; a rotation audit row is kept
// and the cached protocol client for the old reference is dropped.
func (h *Handler) RotateCredential(c *gin.Context) {
	var req RotateRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{
			"error":   "invalid_request",
			"message": "Invalid request body",
		})
		return
	}

	ctx := c.Request.Context()
	t, err := h.store.Get(ctx, c.Param("id"))
	if err != nil {
		c.JSON(http.StatusNotFound, gin.H{
			"error":   "not_found",
			"message": "Tenant not found",
		})
		return
	}

	oldRef := t.Rotate(req.CredentialRef)
	if err := h.store.Update(ctx, t); err != nil {
		logging.L(ctx).Error("failed to rotate credential", "tenant_id", t.ID, "error", err)
		c.JSON(http.StatusInternalServerError, gin.H{
			"error":   "internal_error",
			"message": "Failed to rotate credential",
		})
		return
	}

	if err := h.store.RecordRotation(ctx, &Rotation{
		TenantID:  t.ID,
		OldRef:    oldRef,
		NewRef:    req.CredentialRef,
		RotatedAt: t.UpdatedAt,
	}); err != nil {
		logging.L(ctx).Warn("failed to record rotation audit row", "tenant_id", t.ID, "error", err)
	}

	if h.clients != nil {
		h.clients.Invalidate(oldRef)
	}

	logging.L(ctx).Info("credential rotated", "tenant_id", t.ID)
	c.JSON(http.StatusOK, gin.H{"tenant": t})
}

// SuspendTenant handles POST /admin/tenants/:id/suspend
func (h *Handler) SuspendTenant(c *gin.Context) {
	h.setStatus(c, StatusSuspended)
}

// ResumeTenant handles POST /admin/tenants/:id/resume
func (h *Handler) ResumeTenant(c *gin.Context) {
	h.setStatus(c, StatusActive)
}

func (h *Handler) setStatus(c *gin.Context, status Status) {
	ctx := c.Request.Context()
	t, err := h.store.Get(ctx, c.Param("id"))
	if err != nil {
		c.JSON(http.StatusNotFound, gin.H{
			"error":   "not_found",
			"message": "Tenant not found",
		})
		return
	}

	t.Status = status
	if err := h.store.Update(ctx, t); err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{
			"error":   "internal_error",
			"message": "Failed to update tenant",
		})
		return
	}

	if status == StatusSuspended && h.clients != nil {
		h.clients.Invalidate(t.CredentialRef)
	}

	logging.L(ctx).Info("tenant status changed", "tenant_id", t.ID, "status", string(status))
	c.JSON(http.StatusOK, gin.H{"tenant": t})
}
