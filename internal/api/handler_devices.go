package api

import (
	"net/http"
	"strconv"
	"time"

	"github.com/gin-gonic/gin"

	"device-hub-backend/internal/hub"
	"device-hub-backend/internal/model"
	"device-hub-backend/internal/store"
)

// GetHealth reports liveness and database reachability.
func (h *Handler) GetHealth(c *gin.Context) {
	status := http.StatusOK
	body := gin.H{"status": "ok", "time": time.Now().UTC()}

	if sqlDB, err := h.store.DB().DB(); err != nil || sqlDB.PingContext(c.Request.Context()) != nil {
		status = http.StatusServiceUnavailable
		body["status"] = "degraded"
		body["database"] = "unreachable"
	}
	if h.hub != nil {
		body["live_subscribers"] = h.hub.SubscriberCount()
	}
	c.JSON(status, body)
}

// queryInt reads a non-negative integer query parameter.
func queryInt(c *gin.Context, key string, def int) (int, bool) {
	raw := c.Query(key)
	if raw == "" {
		return def, true
	}
	v, err := strconv.Atoi(raw)
	if err != nil || v < 0 {
		c.JSON(http.StatusBadRequest, gin.H{"error": key + " must be a non-negative integer"})
		return 0, false
	}
	return v, true
}

// ListDevices handles GET /api/devices.
func (h *Handler) ListDevices(c *gin.Context) {
	skip, ok := queryInt(c, "skip", 0)
	if !ok {
		return
	}
	limit, ok := queryInt(c, "limit", 0)
	if !ok {
		return
	}

	devices, err := h.store.ListDevices(c.Request.Context(), store.DeviceFilter{
		DeviceType: model.DeviceType(c.Query("device_type")),
		Status:     model.DeviceStatus(c.Query("status")),
		Search:     c.Query("search"),
		Group:      c.Query("group"),
		Offset:     skip,
		Limit:      limit,
	})
	if err != nil {
		h.fail(c, err)
		return
	}
	c.JSON(http.StatusOK, devices)
}

// GetDeviceStats handles GET /api/devices/stats.
func (h *Handler) GetDeviceStats(c *gin.Context) {
	stats, err := h.store.DeviceStats(c.Request.Context())
	if err != nil {
		h.fail(c, err)
		return
	}
	c.JSON(http.StatusOK, stats)
}

// GetDevice handles GET /api/devices/:device_id.
func (h *Handler) GetDevice(c *gin.Context) {
	device, err := h.store.GetDevice(c.Request.Context(), c.Param("device_id"))
	if err != nil {
		h.fail(c, err)
		return
	}
	c.JSON(http.StatusOK, device)
}

// UpdateDevice handles PUT /api/devices/:device_id. Admin only.
func (h *Handler) UpdateDevice(c *gin.Context) {
	var patch store.DevicePatch
	if err := c.ShouldBindJSON(&patch); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid request"})
		return
	}

	device, err := h.store.UpdateDevice(c.Request.Context(), c.Param("device_id"), patch)
	if err != nil {
		h.fail(c, err)
		return
	}
	if h.hub != nil {
		h.hub.Publish(hub.DeviceUpdate(time.Now().UTC()))
	}
	c.JSON(http.StatusOK, device)
}

// GetDeviceLogs handles GET /api/devices/:device_id/logs.
func (h *Handler) GetDeviceLogs(c *gin.Context) {
	skip, ok := queryInt(c, "skip", 0)
	if !ok {
		return
	}
	limit, ok := queryInt(c, "limit", 0)
	if !ok {
		return
	}

	logs, err := h.store.ListUsageLogs(c.Request.Context(), c.Param("device_id"), skip, limit)
	if err != nil {
		h.fail(c, err)
		return
	}
	c.JSON(http.StatusOK, logs)
}

type occupyRequest struct {
	Notes string `json:"notes"`
}

// OccupyDevice handles POST /api/devices/:device_id/occupy.
func (h *Handler) OccupyDevice(c *gin.Context) {
	var req occupyRequest
	if c.Request.ContentLength != 0 {
		if err := c.ShouldBindJSON(&req); err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": "invalid request"})
			return
		}
	}

	device, err := h.occupancy.Occupy(c.Request.Context(), c.Param("device_id"), caller(c).ID, req.Notes)
	if err != nil {
		h.fail(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"message": "Device occupied successfully", "device": device})
}

// ReleaseDevice handles POST /api/devices/:device_id/release.
func (h *Handler) ReleaseDevice(c *gin.Context) {
	device, err := h.occupancy.Release(c.Request.Context(), c.Param("device_id"), caller(c).ID)
	if err != nil {
		h.fail(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"message": "Device released successfully", "device": device})
}

// TriggerScan handles POST /api/devices/scan. With wait=true the pass runs
// inline and its result is returned; otherwise it is started in the background.
func (h *Handler) TriggerScan(c *gin.Context) {
	if wait, _ := strconv.ParseBool(c.Query("wait")); wait {
		result, err := h.scanner.Reconcile(c.Request.Context())
		if err != nil {
			h.fail(c, err)
			return
		}
		c.JSON(http.StatusOK, result)
		return
	}

	started := h.scanner.TriggerScan(c.Request.Context())
	message := "Device scan triggered successfully"
	if !started {
		message = "Device scan already in progress"
	}
	c.JSON(http.StatusAccepted, gin.H{"message": message, "started": started})
}
