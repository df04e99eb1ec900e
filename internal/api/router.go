package api

import (
	"time"

	"github.com/gin-gonic/gin"
	"github.com/patrickmn/go-cache"
	"golang.org/x/time/rate"

	"device-hub-backend/config"
	"device-hub-backend/internal/logger"
	"device-hub-backend/internal/mw"
)

// Router is the configured HTTP surface plus the response cache that live
// updates invalidate.
type Router struct {
	*gin.Engine
	Cache *cache.Cache
}

// NewRouter creates and configures a new Gin router.
func NewRouter(cfg *config.Config, s Services) *Router {
	r := gin.New()
	r.Use(gin.Recovery(), requestLogger())

	handler := NewHandler(s)

	rateLimiter := mw.RateLimiter(rate.Limit(cfg.Server.RateLimitPerSec), cfg.Server.RateLimitBurst)

	// Registry reads are cached briefly; every committed change flushes the cache.
	ttl := time.Duration(cfg.Server.CacheTTLSeconds) * time.Second
	cacheStore := cache.New(ttl, 2*ttl)
	caching := mw.Cache(cacheStore, ttl)

	auth := mw.Auth([]byte(cfg.Auth.JWTSecret), s.Store)
	admin := mw.RequireAdmin()

	r.GET("/ws", handler.LiveUpdates)
	r.GET("/ws/devices/:device_id/terminal", auth, handler.Terminal)

	// API group
	api := r.Group("/api")
	api.Use(rateLimiter)
	{
		api.GET("/health", handler.GetHealth)
		api.GET("/vapid_public_key", handler.GetVAPIDPublicKey)

		api.GET("/subscriptions", handler.GetSubscription)
		api.PUT("/subscriptions", handler.PutSubscription)
		api.DELETE("/subscriptions", handler.DeleteSubscription)

		authed := api.Group("", auth)

		authed.GET("/devices", caching, handler.ListDevices)
		authed.GET("/devices/stats", caching, handler.GetDeviceStats)
		authed.POST("/devices/scan", handler.TriggerScan)
		authed.GET("/devices/:device_id", caching, handler.GetDevice)
		authed.PUT("/devices/:device_id", admin, handler.UpdateDevice)
		authed.GET("/devices/:device_id/logs", handler.GetDeviceLogs)

		authed.POST("/devices/:device_id/occupy", handler.OccupyDevice)
		authed.POST("/devices/:device_id/release", handler.ReleaseDevice)

		authed.POST("/devices/:device_id/commands", handler.ExecuteCommand)
		authed.POST("/devices/:device_id/bluetooth/:action", handler.BluetoothAction)
		authed.POST("/devices/:device_id/actions/install-apk", handler.InstallAPK)
		authed.POST("/devices/:device_id/actions/logcat", handler.FetchLogcat)
		authed.POST("/devices/:device_id/filesystem/push", handler.PushFile)

		authed.GET("/devices/:device_id/bluetooth/info", handler.GetBluetoothInfo)
		authed.GET("/devices/:device_id/wifi/ap/info", handler.GetWifiAPInfo)
		authed.GET("/devices/:device_id/versions", handler.GetVersions)
		authed.GET("/devices/:device_id/filesystem/mounts", handler.GetMounts)

		authed.GET("/sessions", admin, handler.ListSessions)
		authed.DELETE("/sessions/:session_id", admin, handler.CloseSession)
	}

	return &Router{Engine: r, Cache: cacheStore}
}

// requestLogger logs one line per request with the api component logger.
func requestLogger() gin.HandlerFunc {
	log := logger.Component("http")
	return func(c *gin.Context) {
		start := time.Now()
		c.Next()

		event := log.Debug()
		if c.Writer.Status() >= 500 {
			event = log.Warn()
		}
		event.
			Str("method", c.Request.Method).
			Str("path", c.FullPath()).
			Int("status", c.Writer.Status()).
			Dur("latency", time.Since(start)).
			Str("client_ip", c.ClientIP()).
			Msg("request")
	}
}
