package handlers

import (
	"errors"
	"net/http"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"github.com/vmharbor/vmharbor/internal/faults"
)

// HealthCheck runs a full synchronous sweep over every ready tenant and
// returns the aggregate summary. Triggered on an external schedule.
func (h *Handler) HealthCheck(c *gin.Context) {
	summary, err := h.monitor.CheckAll(c.Request.Context())
	if err != nil {
		h.logger.Error("Health sweep failed", zap.Error(err))
		c.JSON(http.StatusInternalServerError, gin.H{"error": "Health sweep failed"})
		return
	}
	c.JSON(http.StatusOK, summary)
}

type ResetRequest struct {
	TenantID string `json:"tenant_id" binding:"required"`
}

// Reset tears down a tenant's provider resources and returns the record
// to pending. Privileged.
func (h *Handler) Reset(c *gin.Context) {
	var req ResetRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	if err := h.orch.Reset(c.Request.Context(), req.TenantID); err != nil {
		if errors.Is(err, faults.ErrNotFound) {
			c.JSON(http.StatusNotFound, gin.H{"error": "Tenant not found"})
			return
		}
		h.logger.Error("Reset failed", zap.String("tenant_id", req.TenantID), zap.Error(err))
		c.JSON(http.StatusInternalServerError, gin.H{"error": "Reset failed"})
		return
	}

	c.JSON(http.StatusOK, gin.H{"success": true, "message": "Record reset to pending"})
}

type SubscriptionRequest struct {
	TenantID string `json:"tenant_id" binding:"required"`
	Active   *bool  `json:"active" binding:"required"`
}

// SetSubscription is the boundary the billing webhook processor calls
// when a subscription starts or lapses.
func (h *Handler) SetSubscription(c *gin.Context) {
	var req SubscriptionRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	if _, err := h.store.EnsureForTenant(c.Request.Context(), req.TenantID); err != nil {
		h.logger.Error("Failed to ensure tenant record", zap.String("tenant_id", req.TenantID), zap.Error(err))
		c.JSON(http.StatusInternalServerError, gin.H{"error": "Internal server error"})
		return
	}
	if err := h.store.SetSubscriptionActive(c.Request.Context(), req.TenantID, *req.Active); err != nil {
		h.logger.Error("Failed to update subscription", zap.String("tenant_id", req.TenantID), zap.Error(err))
		c.JSON(http.StatusInternalServerError, gin.H{"error": "Internal server error"})
		return
	}

	c.JSON(http.StatusOK, gin.H{"success": true})
}
