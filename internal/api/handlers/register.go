package handlers

import (
	"errors"
	"net/http"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"github.com/vmharbor/vmharbor/internal/faults"
	"github.com/vmharbor/vmharbor/internal/registration"
)

type RegisterRequest struct {
	Subdomain  string  `json:"subdomain" binding:"required"`
	AuthSecret string  `json:"authSecret" binding:"required"`
	PublicKey  *string `json:"publicKey"`
}

// Register is the callback a booted VM makes exactly once to prove it
// holds the secret embedded at provisioning time.
func (h *Handler) Register(c *gin.Context) {
	var req RegisterRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"success": false, "message": err.Error()})
		return
	}

	err := h.reg.Register(c.Request.Context(), req.Subdomain, req.AuthSecret, req.PublicKey)
	switch {
	case err == nil:
		c.JSON(http.StatusOK, gin.H{"success": true, "message": "VM registered"})
	case errors.Is(err, faults.ErrNotFound):
		c.JSON(http.StatusNotFound, gin.H{"success": false, "message": "Unknown subdomain"})
	case errors.Is(err, faults.ErrConflict):
		c.JSON(http.StatusConflict, gin.H{"success": false, "message": "Already registered"})
	case errors.Is(err, registration.ErrNoSecretOnRecord):
		c.JSON(http.StatusBadRequest, gin.H{"success": false, "message": "No handshake secret on record"})
	case errors.Is(err, faults.ErrUnauthorized):
		c.JSON(http.StatusUnauthorized, gin.H{"success": false, "message": "Invalid secret"})
	default:
		h.logger.Error("Registration failed", zap.String("subdomain", req.Subdomain), zap.Error(err))
		c.JSON(http.StatusInternalServerError, gin.H{"success": false, "message": "Internal server error"})
	}
}
