package catalog

import (
	"context"
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/solenko/gatewall/internal/logging"
	"github.com/solenko/gatewall/internal/pagination"
)

// PlanRefChecker reports whether any request or subscription already
// references a plan. Duration changes are refused once that happens.
type PlanRefChecker interface {
	PlanReferenced(ctx context.Context, planID string) (bool, error)
}

// Handler provides the admin CRUD surface for the catalog.
type Handler struct {
	store Store
	refs  PlanRefChecker
}

// NewHandler creates a catalog admin handler.
func NewHandler(store Store, refs PlanRefChecker) *Handler {
	return &Handler{store: store, refs: refs}
}

// RegisterRoutes sets up catalog admin routes under an admin-guarded group.
func (h *Handler) RegisterRoutes(r *gin.RouterGroup) {
	r.POST("/tenants/:id/plans", h.CreatePlan)
	r.GET("/tenants/:id/plans", h.ListPlans)
	r.PATCH("/plans/:id", h.UpdatePlan)
	r.POST("/tenants/:id/resources", h.CreateResource)
	r.GET("/tenants/:id/resources", h.ListResources)
	r.GET("/tenants/:id/users", h.ListEndUsers)
}

// PlanRequest contains the parameters for creating a plan.
type PlanRequest struct {
	Name         string   `json:"name" binding:"required"`
	DurationDays int      `json:"durationDays"`
	PriceAmount  int64    `json:"priceAmount" binding:"required"`
	PriceUnit    string   `json:"priceUnit" binding:"required"`
	ResourceIDs  []string `json:"resourceIds" binding:"required"`
}

// CreatePlan handles POST /admin/tenants/:id/plans
func (h *Handler) CreatePlan(c *gin.Context) {
	var req PlanRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{
			"error":   "invalid_request",
			"message": "Invalid request body",
		})
		return
	}
	if req.DurationDays < 0 {
		c.JSON(http.StatusBadRequest, gin.H{
			"error":   "invalid_request",
			"message": "durationDays must be zero (lifetime) or positive",
		})
		return
	}

	ctx := c.Request.Context()
	tenantID := c.Param("id")
	for _, rid := range req.ResourceIDs {
		res, err := h.store.GetResource(ctx, rid)
		if err != nil || res.TenantID != tenantID {
			c.JSON(http.StatusBadRequest, gin.H{
				"error":   "invalid_request",
				"message": "Unknown resource: " + rid,
			})
			return
		}
	}

	p := NewPlan(tenantID, req.Name, req.DurationDays,
		Price{Amount: req.PriceAmount, Unit: req.PriceUnit}, req.ResourceIDs)
	if err := h.store.CreatePlan(ctx, p); err != nil {
		logging.L(ctx).Error("failed to create plan", "error", err)
		c.JSON(http.StatusInternalServerError, gin.H{
			"error":   "internal_error",
			"message": "Failed to create plan",
		})
		return
	}
	c.JSON(http.StatusCreated, gin.H{"plan": p})
}

// ListPlans handles GET /admin/tenants/:id/plans
func (h *Handler) ListPlans(c *gin.Context) {
	plans, err := h.store.ListPlans(c.Request.Context(), c.Param("id"))
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{
			"error":   "internal_error",
			"message": "Failed to list plans",
		})
		return
	}
	c.JSON(http.StatusOK, gin.H{"plans": plans, "count": len(plans)})
}

// UpdatePlanRequest carries the mutable plan fields. A nil field means
// "leave unchanged".
type UpdatePlanRequest struct {
	Name         *string  `json:"name"`
	PriceAmount  *int64   `json:"priceAmount"`
	PriceUnit    *string  `json:"priceUnit"`
	Visibility   *string  `json:"visibility"`
	DurationDays *int     `json:"durationDays"`
	ResourceIDs  []string `json:"resourceIds"`
}

// UpdatePlan handles PATCH /admin/plans/:id
func (h *Handler) UpdatePlan(c *gin.Context) {
	var req UpdatePlanRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{
			"error":   "invalid_request",
			"message": "Invalid request body",
		})
		return
	}

	ctx := c.Request.Context()
	p, err := h.store.GetPlan(ctx, c.Param("id"))
	if err != nil {
		if errors.Is(err, ErrPlanNotFound) {
			c.JSON(http.StatusNotFound, gin.H{
				"error":   "not_found",
				"message": "Plan not found",
			})
			return
		}
		c.JSON(http.StatusInternalServerError, gin.H{
			"error":   "internal_error",
			"message": "Failed to load plan",
		})
		return
	}

	if req.DurationDays != nil && *req.DurationDays != p.DurationDays {
		referenced := true
		if h.refs != nil {
			referenced, err = h.refs.PlanReferenced(ctx, p.ID)
			if err != nil {
				c.JSON(http.StatusInternalServerError, gin.H{
					"error":   "internal_error",
					"message": "Failed to check plan references",
				})
				return
			}
		}
		if referenced {
			c.JSON(http.StatusConflict, gin.H{
				"error":   "duration_locked",
				"message": "Plan duration cannot change once subscriptions reference it",
			})
			return
		}
		p.DurationDays = *req.DurationDays
	}

	if req.Name != nil {
		p.Name = *req.Name
	}
	if req.PriceAmount != nil {
		p.Price.Amount = *req.PriceAmount
	}
	if req.PriceUnit != nil {
		p.Price.Unit = *req.PriceUnit
	}
	if req.Visibility != nil {
		v := Visibility(*req.Visibility)
		if v != VisibilityPublic && v != VisibilityUnlisted {
			c.JSON(http.StatusBadRequest, gin.H{
				"error":   "invalid_request",
				"message": "Visibility must be public or unlisted",
			})
			return
		}
		p.Visibility = v
	}
	if req.ResourceIDs != nil {
		p.ResourceIDs = req.ResourceIDs
	}

	if err := h.store.UpdatePlan(ctx, p); err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{
			"error":   "internal_error",
			"message": "Failed to update plan",
		})
		return
	}
	c.JSON(http.StatusOK, gin.H{"plan": p})
}

// ResourceRequest contains the parameters for registering a resource.
type ResourceRequest struct {
	ChatID     int64  `json:"chatId" binding:"required"`
	Title      string `json:"title"`
	Access     string `json:"access" binding:"required"`
	StaticLink string `json:"staticLink"`
}

// CreateResource handles POST /admin/tenants/:id/resources
func (h *Handler) CreateResource(c *gin.Context) {
	var req ResourceRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{
			"error":   "invalid_request",
			"message": "Invalid request body",
		})
		return
	}

	access := AccessMode(req.Access)
	switch access {
	case AccessInviteLink, AccessJoinApproval:
	case AccessStaticLink:
		if req.StaticLink == "" {
			c.JSON(http.StatusBadRequest, gin.H{
				"error":   "invalid_request",
				"message": "staticLink is required for static_link access",
			})
			return
		}
	default:
		c.JSON(http.StatusBadRequest, gin.H{
			"error":   "invalid_request",
			"message": "Unknown access mode",
		})
		return
	}

	r := NewResource(c.Param("id"), req.ChatID, req.Title, access, req.StaticLink)
	if err := h.store.CreateResource(c.Request.Context(), r); err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{
			"error":   "internal_error",
			"message": "Failed to create resource",
		})
		return
	}
	c.JSON(http.StatusCreated, gin.H{"resource": r})
}

// ListResources handles GET /admin/tenants/:id/resources
func (h *Handler) ListResources(c *gin.Context) {
	resources, err := h.store.ListResources(c.Request.Context(), c.Param("id"))
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{
			"error":   "internal_error",
			"message": "Failed to list resources",
		})
		return
	}
	c.JSON(http.StatusOK, gin.H{"resources": resources, "count": len(resources)})
}

// ListEndUsers handles GET /admin/tenants/:id/users.
// Audiences grow without bound, so this one pages by cursor.
func (h *Handler) ListEndUsers(c *gin.Context) {
	cursor, err := pagination.Decode(c.Query("cursor"))
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{
			"error":   "invalid_request",
			"message": "Invalid cursor",
		})
		return
	}
	limit := 100
	if l, convErr := strconv.Atoi(c.DefaultQuery("limit", "100")); convErr == nil && l > 0 && l <= 500 {
		limit = l
	}

	users, err := h.store.ListEndUsers(c.Request.Context(), c.Param("id"))
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{
			"error":   "internal_error",
			"message": "Failed to list users",
		})
		return
	}

	users = pagination.AfterCursor(users, cursor, func(u *EndUser) (time.Time, string) {
		return u.CreatedAt, u.ID
	})
	if len(users) > limit+1 {
		users = users[:limit+1]
	}
	page, next, more := pagination.ComputePage(users, limit, func(u *EndUser) (time.Time, string) {
		return u.CreatedAt, u.ID
	})
	c.JSON(http.StatusOK, gin.H{
		"users":       page,
		"count":       len(page),
		"next_cursor": next,
		"has_more":    more,
	})
}
