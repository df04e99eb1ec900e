package model

import "time"

// Usage log actions written by the occupancy manager and command gateway.
const (
	ActionOccupy   = "occupy"
	ActionRelease  = "release"
	ActionTerminal = "adb_terminal"
)

// UsageLog is an append-only record of an occupancy change or a command execution.
type UsageLog struct {
	ID        int64     `gorm:"primaryKey" json:"id"`
	DeviceID  int64     `gorm:"not null;index" json:"device_id"`
	UserID    int64     `gorm:"not null;index" json:"user_id"`
	Action    string    `gorm:"size:64;not null" json:"action"`
	Timestamp time.Time `gorm:"not null;index" json:"timestamp"`
	Notes     *string   `json:"notes"`

	// Associations
	Device *Device `gorm:"constraint:OnDelete:CASCADE" json:"device,omitempty"`
	User   *User   `json:"user,omitempty"`
}
