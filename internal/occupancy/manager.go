// Package occupancy implements the occupy/release state machine on top of the registry.
package occupancy

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/rs/zerolog"

	"device-hub-backend/internal/apperr"
	"device-hub-backend/internal/hub"
	"device-hub-backend/internal/logger"
	"device-hub-backend/internal/model"
	"device-hub-backend/internal/store"
)

// Registry is the subset of store.Store the manager needs.
type Registry interface {
	GetDevice(ctx context.Context, deviceID string) (*model.Device, error)
	GetUser(ctx context.Context, userID int64) (*model.User, error)
	SetOccupancy(ctx context.Context, update store.OccupancyUpdate) (*model.Device, error)
}

// Notifier is told about devices that became free.
type Notifier interface {
	Dispatch(deviceID int64) bool
}

// Manager enforces occupancy rules.
type Manager struct {
	registry  Registry
	publisher hub.Publisher
	notifier  Notifier
	now       func() time.Time
	log       zerolog.Logger
}

// NewManager creates an occupancy manager. notifier may be nil.
func NewManager(registry Registry, publisher hub.Publisher, notifier Notifier) *Manager {
	return &Manager{
		registry:  registry,
		publisher: publisher,
		notifier:  notifier,
		now:       func() time.Time { return time.Now().UTC() },
		log:       logger.Component("occupancy"),
	}
}

// Occupy gives callerID exclusive use of a free, reachable device.
func (m *Manager) Occupy(ctx context.Context, deviceID string, callerID int64, notes string) (*model.Device, error) {
	caller, err := ActiveUser(ctx, m.registry, callerID)
	if err != nil {
		return nil, err
	}

	device, err := m.registry.GetDevice(ctx, deviceID)
	if err != nil {
		return nil, err
	}
	if device.IsOccupied() {
		return nil, fmt.Errorf("%w: device %q is already occupied", apperr.ErrConflict, deviceID)
	}
	if device.Status == model.StatusOffline {
		return nil, fmt.Errorf("%w: cannot occupy offline device %q", apperr.ErrInvalidState, deviceID)
	}

	now := m.now()
	entry := model.UsageLog{UserID: caller.ID, Action: model.ActionOccupy, Timestamp: now}
	if notes != "" {
		entry.Notes = &notes
	}

	updated, err := m.registry.SetOccupancy(ctx, store.OccupancyUpdate{
		DeviceID: deviceID,
		Occupant: &caller.ID,
		At:       now,
		Log:      entry,
	})
	if err != nil {
		return nil, m.explainLostRace(ctx, deviceID, err)
	}

	m.log.Info().Str("device_id", deviceID).Int64("user_id", caller.ID).Msg("device occupied")
	m.publisher.Publish(hub.DeviceUpdate(now))
	return updated, nil
}

// Release frees a device. Only the occupant or an admin may release it.
func (m *Manager) Release(ctx context.Context, deviceID string, callerID int64) (*model.Device, error) {
	caller, err := ActiveUser(ctx, m.registry, callerID)
	if err != nil {
		return nil, err
	}

	device, err := m.registry.GetDevice(ctx, deviceID)
	if err != nil {
		return nil, err
	}
	if !device.IsOccupied() {
		return nil, fmt.Errorf("%w: device %q is not occupied", apperr.ErrInvalidState, deviceID)
	}
	if !device.IsOccupiedBy(caller.ID) && !caller.IsAdmin() {
		return nil, fmt.Errorf("%w: not authorized to release device %q", apperr.ErrPermissionDenied, deviceID)
	}

	now := m.now()
	holder := *device.OccupiedBy
	updated, err := m.registry.SetOccupancy(ctx, store.OccupancyUpdate{
		DeviceID: deviceID,
		Expected: &holder,
		At:       now,
		Log:      model.UsageLog{UserID: caller.ID, Action: model.ActionRelease, Timestamp: now},
	})
	if err != nil {
		return nil, m.explainLostRelease(ctx, deviceID, caller, err)
	}

	m.log.Info().Str("device_id", deviceID).Int64("user_id", caller.ID).Int64("holder", holder).Msg("device released")
	m.publisher.Publish(hub.DeviceUpdate(now))
	if m.notifier != nil {
		m.notifier.Dispatch(updated.ID)
	}
	return updated, nil
}

// explainLostRace turns a failed claim into the error the caller would have
// seen had the competing change landed first.
func (m *Manager) explainLostRace(ctx context.Context, deviceID string, err error) error {
	if !errors.Is(err, apperr.ErrConflict) {
		return err
	}
	device, lookupErr := m.registry.GetDevice(ctx, deviceID)
	if lookupErr == nil && !device.IsOccupied() && device.Status == model.StatusOffline {
		return fmt.Errorf("%w: cannot occupy offline device %q", apperr.ErrInvalidState, deviceID)
	}
	return err
}

// explainLostRelease does the same for a release that lost to another
// release or a release and re-occupy.
func (m *Manager) explainLostRelease(ctx context.Context, deviceID string, caller *model.User, err error) error {
	if !errors.Is(err, apperr.ErrConflict) {
		return err
	}
	device, lookupErr := m.registry.GetDevice(ctx, deviceID)
	if lookupErr != nil {
		return err
	}
	if !device.IsOccupied() {
		return fmt.Errorf("%w: device %q is not occupied", apperr.ErrInvalidState, deviceID)
	}
	if !device.IsOccupiedBy(caller.ID) && !caller.IsAdmin() {
		return fmt.Errorf("%w: not authorized to release device %q", apperr.ErrPermissionDenied, deviceID)
	}
	return err
}

// UserLookup loads users by id.
type UserLookup interface {
	GetUser(ctx context.Context, userID int64) (*model.User, error)
}

// ActiveUser loads a caller and rejects unknown or deactivated accounts.
func ActiveUser(ctx context.Context, users UserLookup, userID int64) (*model.User, error) {
	user, err := users.GetUser(ctx, userID)
	if err != nil {
		if errors.Is(err, apperr.ErrNotFound) {
			return nil, fmt.Errorf("%w: unknown user %d", apperr.ErrPermissionDenied, userID)
		}
		return nil, err
	}
	if !user.IsActive {
		return nil, fmt.Errorf("%w: user %d is inactive", apperr.ErrPermissionDenied, userID)
	}
	return user, nil
}
