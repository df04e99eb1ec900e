package api

import (
	"context"
	"errors"
	"net/http"

	"github.com/SherClockHolmes/webpush-go"
	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"

	"device-hub-backend/internal/apperr"
	"device-hub-backend/internal/gateway"
	"device-hub-backend/internal/hub"
	"device-hub-backend/internal/logger"
	"device-hub-backend/internal/model"
	"device-hub-backend/internal/mw"
	"device-hub-backend/internal/occupancy"
	"device-hub-backend/internal/parse"
	"device-hub-backend/internal/probe"
	"device-hub-backend/internal/scanner"
	"device-hub-backend/internal/store"
)

// Scanner runs reconciliation passes on demand.
type Scanner interface {
	Reconcile(ctx context.Context) (scanner.ReconcileResult, error)
	TriggerScan(ctx context.Context) bool
}

// Diagnostics runs the read-only device inspections.
type Diagnostics interface {
	BluetoothInfo(ctx context.Context, serial string) probe.BluetoothSummary
	WifiAP(ctx context.Context, serial string) parse.WifiAP
	Versions(ctx context.Context, serial string) (*probe.VersionReport, error)
	Mounts(ctx context.Context, serial string, paths []string) (*probe.MountReport, error)
}

// Services are the components the HTTP surface delegates to.
type Services struct {
	Store       store.Store
	Hub         *hub.Hub
	Occupancy   *occupancy.Manager
	Gateway     *gateway.Gateway
	Sessions    *gateway.Sessions
	Scanner     Scanner
	Diagnostics Diagnostics
	Webpush     *webpush.Options
}

// Handler holds shared dependencies for API handlers.
type Handler struct {
	store       store.Store
	hub         *hub.Hub
	occupancy   *occupancy.Manager
	gateway     *gateway.Gateway
	sessions    *gateway.Sessions
	scanner     Scanner
	diagnostics Diagnostics
	webpush     *webpush.Options
	upgrader    websocket.Upgrader
	log         zerolog.Logger
}

// NewHandler creates a new API handler.
func NewHandler(s Services) *Handler {
	return &Handler{
		store:       s.Store,
		hub:         s.Hub,
		occupancy:   s.Occupancy,
		gateway:     s.Gateway,
		sessions:    s.Sessions,
		scanner:     s.Scanner,
		diagnostics: s.Diagnostics,
		webpush:     s.Webpush,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 1024,
			CheckOrigin: func(_ *http.Request) bool {
				return true
			},
		},
		log: logger.Component("api"),
	}
}

// statusFor maps the error taxonomy onto HTTP status codes.
func statusFor(err error) int {
	switch {
	case errors.Is(err, apperr.ErrNotFound):
		return http.StatusNotFound
	case errors.Is(err, apperr.ErrConflict):
		return http.StatusConflict
	case errors.Is(err, apperr.ErrInvalidState), errors.Is(err, apperr.ErrValidation):
		return http.StatusBadRequest
	case errors.Is(err, apperr.ErrPermissionDenied):
		return http.StatusForbidden
	case errors.Is(err, apperr.ErrExecutionFailure):
		return http.StatusBadGateway
	case errors.Is(err, apperr.ErrTransientProbe):
		return http.StatusServiceUnavailable
	default:
		return http.StatusInternalServerError
	}
}

func (h *Handler) fail(c *gin.Context, err error) {
	status := statusFor(err)
	if status == http.StatusInternalServerError {
		h.log.Error().Err(err).Str("path", c.FullPath()).Msg("request failed")
	}
	c.JSON(status, gin.H{"error": err.Error()})
}

// caller returns the authenticated user set by mw.Auth.
func caller(c *gin.Context) *model.User {
	return mw.CurrentUser(c)
}
