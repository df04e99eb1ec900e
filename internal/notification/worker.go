package notification

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"

	"github.com/SherClockHolmes/webpush-go"
	"github.com/rs/zerolog"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	"device-hub-backend/internal/logger"
	"device-hub-backend/internal/model"
)

// jobsPerWorker sizes the dispatch queue relative to the pool.
const jobsPerWorker = 8

// NotificationSender defines the interface for sending a web push notification.
type NotificationSender interface {
	Send(payload []byte, sub *webpush.Subscription, options *webpush.Options) (*http.Response, error)
}

// WebPushSender is a real implementation of NotificationSender using the webpush library.
type WebPushSender struct{}

// Send sends a notification using the webpush library.
func (s *WebPushSender) Send(payload []byte, sub *webpush.Subscription, options *webpush.Options) (*http.Response, error) {
	return webpush.SendNotification(payload, sub, options)
}

// WorkerPool manages a pool of workers for sending device availability notifications.
type WorkerPool struct {
	size    int
	jobs    chan int64
	db      *gorm.DB
	webpush *webpush.Options
	sender  NotificationSender
	log     zerolog.Logger
}

// NewWorkerPool creates a new worker pool.
func NewWorkerPool(size int, db *gorm.DB, webpushOptions *webpush.Options) *WorkerPool {
	if size <= 0 {
		size = 1
	}
	return &WorkerPool{
		size:    size,
		jobs:    make(chan int64, size*jobsPerWorker),
		db:      db,
		webpush: webpushOptions,
		sender:  &WebPushSender{}, // Use the real sender by default
		log:     logger.Component("notification"),
	}
}

// Start launches the worker goroutines.
func (wp *WorkerPool) Start(ctx context.Context) {
	for i := 0; i < wp.size; i++ {
		go wp.worker(ctx, i)
	}
}

// worker is the actual worker goroutine.
func (wp *WorkerPool) worker(ctx context.Context, id int) {
	wp.log.Debug().Int("worker", id).Msg("worker started")
	for {
		select {
		case deviceID := <-wp.jobs:
			wp.sendNotificationsForDevice(ctx, deviceID)
		case <-ctx.Done():
			wp.log.Debug().Int("worker", id).Msg("worker shutting down")
			return
		}
	}
}

// Dispatch queues a device for an availability notification without blocking.
// It reports false when the queue is full and the job was dropped.
func (wp *WorkerPool) Dispatch(deviceID int64) bool {
	select {
	case wp.jobs <- deviceID:
		return true
	default:
		wp.log.Warn().Int64("device", deviceID).Msg("notification queue full, dropping job")
		return false
	}
}

// Jobs returns the jobs channel for testing.
func (wp *WorkerPool) Jobs() chan int64 {
	return wp.jobs
}

// availability is the push payload the service worker renders.
type availability struct {
	Title    string `json:"title"`
	Body     string `json:"body"`
	DeviceID string `json:"device_id,omitempty"`
	URL      string `json:"url,omitempty"`
}

func availabilityPayload(device *model.Device, registryID int64) ([]byte, error) {
	msg := availability{Title: "Device available"}
	if device == nil {
		msg.Body = fmt.Sprintf("Device %d is available", registryID)
		return json.Marshal(msg)
	}
	label := device.Name
	if label == "" {
		label = device.DeviceID
	}
	msg.Body = fmt.Sprintf("Device %s is available", label)
	msg.DeviceID = device.DeviceID
	msg.URL = "/devices/" + url.PathEscape(device.DeviceID)
	return json.Marshal(msg)
}

// sendNotificationsForDevice fetches subscriptions and notifies them that a device is free.
func (wp *WorkerPool) sendNotificationsForDevice(ctx context.Context, deviceID int64) {
	var subscriptions []model.PushSubscription
	err := wp.db.WithContext(ctx).
		Joins("JOIN subscription_device_mapping sdm ON sdm.push_subscription_endpoint = push_subscriptions.endpoint").
		Where("sdm.device_id = ?", deviceID).
		Find(&subscriptions).Error
	if err != nil {
		wp.log.Error().Err(err).Int64("device", deviceID).Msg("failed to fetch subscriptions")
		return
	}

	if len(subscriptions) == 0 {
		return
	}

	var device *model.Device
	var found model.Device
	if err := wp.db.WithContext(ctx).
		Select("device_id", "name").
		First(&found, deviceID).Error; err != nil {
		wp.log.Warn().Err(err).Int64("device", deviceID).Msg("failed to fetch device, sending generic notice")
	} else {
		device = &found
	}

	payload, err := availabilityPayload(device, deviceID)
	if err != nil {
		wp.log.Error().Err(err).Int64("device", deviceID).Msg("failed to encode notification")
		return
	}

	wp.log.Info().Int("subscriptions", len(subscriptions)).Int64("device", deviceID).Msg("sending availability notifications")
	for _, sub := range subscriptions {
		wp.sendNotification(ctx, sub, payload)
	}
}

// sendNotification sends a single web push notification.
func (wp *WorkerPool) sendNotification(ctx context.Context, sub model.PushSubscription, payload []byte) {
	wpSub := &webpush.Subscription{
		Endpoint: sub.Endpoint,
		Keys: webpush.Keys{
			P256dh: sub.P256DH,
			Auth:   sub.Auth,
		},
	}

	resp, err := wp.sender.Send(payload, wpSub, wp.webpush)
	if err != nil {
		wp.log.Error().Err(err).Str("endpoint", sub.Endpoint).Msg("failed to send notification")
		return
	}
	defer resp.Body.Close()

	// Push services answer 404 or 410 for subscriptions that no longer exist.
	switch resp.StatusCode {
	case http.StatusGone, http.StatusNotFound:
		wp.log.Info().Str("endpoint", sub.Endpoint).Int("status", resp.StatusCode).Msg("subscription expired, deleting")
		if err := wp.db.WithContext(ctx).Select(clause.Associations).Delete(&sub).Error; err != nil {
			wp.log.Error().Err(err).Str("endpoint", sub.Endpoint).Msg("failed to delete expired subscription")
		}
	default:
		if resp.StatusCode >= 400 {
			wp.log.Warn().Str("endpoint", sub.Endpoint).Int("status", resp.StatusCode).Msg("push service rejected notification")
		}
	}
}
