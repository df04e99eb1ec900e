package model

import (
	"time"

	"gorm.io/datatypes"
)

// DeviceType identifies the transport class a device is reached through.
type DeviceType string

const (
	DeviceTypeADB       DeviceType = "adb"
	DeviceTypeBluetooth DeviceType = "bluetooth"
)

// DeviceStatus is the registry status of a device.
type DeviceStatus string

const (
	StatusOnline   DeviceStatus = "online"
	StatusOffline  DeviceStatus = "offline"
	StatusOccupied DeviceStatus = "occupied"
)

// Device is a remote device tracked by the registry.
//
// Status occupied implies OccupiedBy is set; a set OccupiedBy implies status
// occupied or offline. OccupiedAt is set iff OccupiedBy is set.
type Device struct {
	ID             int64                       `gorm:"primaryKey" json:"id"`
	DeviceID       string                      `gorm:"uniqueIndex;size:128;not null" json:"device_id"`
	DeviceType     DeviceType                  `gorm:"size:32;not null;index" json:"device_type"`
	Name           string                      `gorm:"size:256" json:"name"`
	Status         DeviceStatus                `gorm:"size:16;not null;index" json:"status"`
	ConnectionInfo datatypes.JSON              `json:"connection_info"`
	LastSeen       time.Time                   `gorm:"not null;index" json:"last_seen"`
	OccupiedBy     *int64                      `gorm:"index" json:"occupied_by"`
	OccupiedAt     *time.Time                  `json:"occupied_at"`
	Tags           datatypes.JSONSlice[string] `json:"tags"`
	GroupName      *string                     `gorm:"size:128;index" json:"group_name"`
	CreatedAt      time.Time                   `json:"created_at"`
	UpdatedAt      time.Time                   `json:"updated_at"`

	// Associations
	Occupant *User `gorm:"foreignKey:OccupiedBy;constraint:OnDelete:SET NULL" json:"user,omitempty"`
}

// IsOccupied reports whether a user currently holds the device.
func (d *Device) IsOccupied() bool {
	return d.OccupiedBy != nil
}

// IsOccupiedBy reports whether userID is the current occupant.
func (d *Device) IsOccupiedBy(userID int64) bool {
	return d.OccupiedBy != nil && *d.OccupiedBy == userID
}
