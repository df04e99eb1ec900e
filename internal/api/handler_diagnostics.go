package api

import (
	"fmt"
	"net/http"

	"github.com/gin-gonic/gin"

	"device-hub-backend/internal/apperr"
	"device-hub-backend/internal/model"
	"device-hub-backend/internal/probe"
)

// adbDevice loads the path device and rejects anything that is not reached over adb.
func (h *Handler) adbDevice(c *gin.Context) (*model.Device, bool) {
	device, err := h.store.GetDevice(c.Request.Context(), c.Param("device_id"))
	if err != nil {
		h.fail(c, err)
		return nil, false
	}
	if device.DeviceType != model.DeviceTypeADB {
		h.fail(c, fmt.Errorf("%w: device %q is not an ADB device", apperr.ErrInvalidState, device.DeviceID))
		return nil, false
	}
	return device, true
}

// GetBluetoothInfo handles GET /api/devices/:device_id/bluetooth/info.
func (h *Handler) GetBluetoothInfo(c *gin.Context) {
	device, ok := h.adbDevice(c)
	if !ok {
		return
	}
	c.JSON(http.StatusOK, gin.H{
		"device_id":      device.DeviceID,
		"bluetooth_info": h.diagnostics.BluetoothInfo(c.Request.Context(), device.DeviceID),
	})
}

// GetWifiAPInfo handles GET /api/devices/:device_id/wifi/ap/info.
func (h *Handler) GetWifiAPInfo(c *gin.Context) {
	device, ok := h.adbDevice(c)
	if !ok {
		return
	}
	c.JSON(http.StatusOK, gin.H{
		"device_id":    device.DeviceID,
		"wifi_ap_info": h.diagnostics.WifiAP(c.Request.Context(), device.DeviceID),
	})
}

// GetVersions handles GET /api/devices/:device_id/versions.
func (h *Handler) GetVersions(c *gin.Context) {
	device, ok := h.adbDevice(c)
	if !ok {
		return
	}
	report, err := h.diagnostics.Versions(c.Request.Context(), device.DeviceID)
	if err != nil {
		h.fail(c, err)
		return
	}
	c.JSON(http.StatusOK, report)
}

// GetMounts handles GET /api/devices/:device_id/filesystem/mounts. Extra
// mount points may be requested with repeated path parameters.
func (h *Handler) GetMounts(c *gin.Context) {
	device, ok := h.adbDevice(c)
	if !ok {
		return
	}
	paths := probe.DefaultMountPoints
	if extra := c.QueryArray("path"); len(extra) > 0 {
		paths = append(append([]string(nil), paths...), extra...)
	}
	report, err := h.diagnostics.Mounts(c.Request.Context(), device.DeviceID, paths)
	if err != nil {
		h.fail(c, err)
		return
	}
	c.JSON(http.StatusOK, report)
}
