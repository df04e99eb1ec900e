package store

import (
	"time"

	"device-hub-backend/internal/model"
)

// DeviceFact is a single device observed by a transport probe.
type DeviceFact struct {
	DeviceID       string             `json:"device_id"`
	DeviceType     model.DeviceType   `json:"device_type"`
	Name           string             `json:"name"`
	Status         model.DeviceStatus `json:"status"`
	ConnectionInfo map[string]any     `json:"connection_info"`
}

// Scan is the merged outcome of one reconciliation pass, applied atomically.
type Scan struct {
	ObservedAt  time.Time
	Facts       []DeviceFact
	StaleBefore time.Time // devices unseen since this instant go offline
}

// ApplyStats reports what a committed scan changed.
type ApplyStats struct {
	Upserted      int   `json:"upserted"`
	MarkedOffline int64 `json:"marked_offline"`
}

// DeviceFilter narrows ListDevices.
type DeviceFilter struct {
	DeviceType model.DeviceType
	Status     model.DeviceStatus
	Search     string
	Group      string
	Offset     int
	Limit      int
}

// DeviceStats aggregates registry counters.
type DeviceStats struct {
	TotalDevices    int64            `json:"total_devices"`
	OnlineDevices   int64            `json:"online_devices"`
	OccupiedDevices int64            `json:"occupied_devices"`
	OfflineDevices  int64            `json:"offline_devices"`
	DevicesByType   map[string]int64 `json:"devices_by_type"`
}

// OccupancyUpdate is a compare-and-swap on a device's occupant.
//
// The swap only applies when the current occupant equals Expected (nil means
// the device must be free). A non-nil Occupant claims the device; nil releases it.
// Log is appended in the same transaction; its DeviceID is filled in by the store.
type OccupancyUpdate struct {
	DeviceID string
	Expected *int64
	Occupant *int64
	At       time.Time
	Log      model.UsageLog
}

// DevicePatch carries the administrator-editable fields of a device.
type DevicePatch struct {
	Name           *string        `json:"name"`
	GroupName      *string        `json:"group_name"`
	Tags           []string       `json:"tags"`
	ConnectionInfo map[string]any `json:"connection_info"`
}

const (
	defaultDeviceLimit = 100
	defaultLogLimit    = 50
)
