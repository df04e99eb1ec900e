package api

import (
	"net/http"

	"github.com/gin-gonic/gin"

	"device-hub-backend/internal/gateway"
)

type commandRequest struct {
	Command string `json:"command" binding:"required"`
}

// ExecuteCommand handles POST /api/devices/:device_id/commands.
//
// A command that ran but failed is still a 200 with status "error" in the
// body; the caller inspects returncode and stderr.
func (h *Handler) ExecuteCommand(c *gin.Context) {
	var req commandRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid request"})
		return
	}

	result, err := h.gateway.ExecuteOnce(c.Request.Context(), c.Param("device_id"), caller(c).ID, req.Command)
	if err != nil {
		h.fail(c, err)
		return
	}
	c.JSON(http.StatusOK, result)
}

// BluetoothAction handles POST /api/devices/:device_id/bluetooth/:action for
// connect, disconnect and pair.
func (h *Handler) BluetoothAction(c *gin.Context) {
	result, err := h.gateway.BluetoothAction(c.Request.Context(), c.Param("device_id"), caller(c).ID, c.Param("action"))
	if err != nil {
		h.fail(c, err)
		return
	}
	if result.Status != gateway.StatusSuccess {
		c.JSON(http.StatusInternalServerError, gin.H{
			"error":        "Bluetooth " + c.Param("action") + " failed: " + result.Failure().Error(),
			"output":       result.Stdout,
			"error_output": result.Stderr,
			"command":      result.Command,
		})
		return
	}
	c.JSON(http.StatusOK, gin.H{
		"message":      result.Message,
		"output":       result.Stdout,
		"error_output": result.Stderr,
		"command":      result.Command,
	})
}
