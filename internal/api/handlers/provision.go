package handlers

import (
	"errors"
	"net/http"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"github.com/vmharbor/vmharbor/internal/faults"
	"github.com/vmharbor/vmharbor/internal/orchestrator"
)

// Provision kicks off the provisioning workflow for the authenticated
// tenant. By default the call blocks until the workflow has persisted its
// terminal state; ?wait=false starts it and returns immediately.
func (h *Handler) Provision(c *gin.Context) {
	tenantID := c.GetString("tenant_id")
	if tenantID == "" {
		c.JSON(http.StatusUnauthorized, gin.H{"error": "Tenant identity missing"})
		return
	}

	if c.DefaultQuery("wait", "true") == "false" {
		if err := h.orch.ProvisionAsync(c.Request.Context(), tenantID); err != nil {
			h.respondProvisionError(c, tenantID, err)
			return
		}
		c.JSON(http.StatusAccepted, gin.H{
			"success": true,
			"message": "Provisioning started",
		})
		return
	}

	result, err := h.orch.Provision(c.Request.Context(), tenantID)
	if err != nil {
		h.respondProvisionError(c, tenantID, err)
		return
	}

	c.JSON(http.StatusOK, gin.H{
		"success":   true,
		"subdomain": result.Subdomain,
		"ip":        result.IP,
	})
}

func (h *Handler) respondProvisionError(c *gin.Context, tenantID string, err error) {
	switch {
	case errors.Is(err, orchestrator.ErrAlreadyProvisioning):
		c.JSON(http.StatusConflict, gin.H{"success": false, "error": "Provisioning already in progress"})
	case errors.Is(err, orchestrator.ErrAlreadyProvisioned):
		c.JSON(http.StatusConflict, gin.H{"success": false, "error": "Already provisioned"})
	case errors.Is(err, orchestrator.ErrSubscriptionRequired):
		c.JSON(http.StatusPaymentRequired, gin.H{"success": false, "error": "Active subscription required"})
	case faults.IsValidationError(err):
		c.JSON(http.StatusBadRequest, gin.H{"success": false, "error": err.Error()})
	case faults.IsConfigError(err):
		h.logger.Error("Provisioning misconfigured", zap.String("tenant_id", tenantID), zap.Error(err))
		c.JSON(http.StatusInternalServerError, gin.H{"success": false, "error": "Service misconfigured"})
	case faults.IsUpstreamError(err):
		h.logger.Error("Provisioning failed upstream", zap.String("tenant_id", tenantID), zap.Error(err))
		c.JSON(http.StatusBadGateway, gin.H{"success": false, "error": err.Error()})
	default:
		h.logger.Error("Provisioning failed", zap.String("tenant_id", tenantID), zap.Error(err))
		c.JSON(http.StatusInternalServerError, gin.H{"success": false, "error": err.Error()})
	}
}

// GetVM returns the authenticated tenant's record for the dashboard. The
// secret hash is never serialized.
func (h *Handler) GetVM(c *gin.Context) {
	tenantID := c.GetString("tenant_id")

	vm, err := h.store.EnsureForTenant(c.Request.Context(), tenantID)
	if err != nil {
		h.logger.Error("Failed to load tenant VM", zap.String("tenant_id", tenantID), zap.Error(err))
		c.JSON(http.StatusInternalServerError, gin.H{"error": "Internal server error"})
		return
	}

	c.JSON(http.StatusOK, vm)
}
