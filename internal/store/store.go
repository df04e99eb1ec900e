package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/rs/zerolog/log"
	"gorm.io/datatypes"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	"device-hub-backend/internal/apperr"
	"device-hub-backend/internal/model"
)

// Store defines the interface for all registry operations.
type Store interface {
	ApplyScan(ctx context.Context, scan Scan) (ApplyStats, error)
	GetDevice(ctx context.Context, deviceID string) (*model.Device, error)
	ListDevices(ctx context.Context, filter DeviceFilter) ([]model.Device, error)
	DeviceStats(ctx context.Context) (DeviceStats, error)
	UpdateDevice(ctx context.Context, deviceID string, patch DevicePatch) (*model.Device, error)
	SetOccupancy(ctx context.Context, update OccupancyUpdate) (*model.Device, error)
	AppendUsageLog(ctx context.Context, entry *model.UsageLog) error
	ListUsageLogs(ctx context.Context, deviceID string, offset, limit int) ([]model.UsageLog, error)
	GetUser(ctx context.Context, userID int64) (*model.User, error)
	GetUserByUsername(ctx context.Context, username string) (*model.User, error)
	DB() *gorm.DB
}

// gormStore implements the Store interface using GORM.
type gormStore struct {
	db *gorm.DB
}

// NewGormStore creates a new GORM-backed store.
func NewGormStore(db *gorm.DB) Store {
	return &gormStore{db: db}
}

// DB exposes the underlying handle for handlers that manage auxiliary tables.
func (s *gormStore) DB() *gorm.DB {
	return s.db
}

// ApplyScan upserts every observed device and ages out stale ones in a single
// transaction. Upserts never touch the occupant columns.
func (s *gormStore) ApplyScan(ctx context.Context, scan Scan) (ApplyStats, error) {
	devices := make([]model.Device, 0, len(scan.Facts))
	seenIDs := make([]string, 0, len(scan.Facts))
	index := make(map[string]int, len(scan.Facts))
	for _, fact := range scan.Facts {
		if fact.DeviceID == "" {
			continue
		}
		device, err := prepareDevice(fact, scan)
		if err != nil {
			log.Warn().Err(err).Str("device_id", fact.DeviceID).Msg("skipping device with unencodable connection info")
			continue
		}
		// A batch upsert cannot touch the same row twice; the last fact wins.
		if i, ok := index[fact.DeviceID]; ok {
			devices[i] = device
			continue
		}
		index[fact.DeviceID] = len(devices)
		devices = append(devices, device)
		seenIDs = append(seenIDs, fact.DeviceID)
	}

	var stats ApplyStats
	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if len(devices) > 0 {
			if err := batchUpsertDevices(tx, devices); err != nil {
				return fmt.Errorf("batch upsert devices failed: %w", err)
			}
			stats.Upserted = len(devices)
		}

		marked, err := markStaleOffline(tx, scan, seenIDs)
		if err != nil {
			return err
		}
		stats.MarkedOffline = marked
		return nil
	})
	if err != nil {
		return ApplyStats{}, err
	}
	return stats, nil
}

func prepareDevice(fact DeviceFact, scan Scan) (model.Device, error) {
	info, err := json.Marshal(fact.ConnectionInfo)
	if err != nil {
		return model.Device{}, err
	}
	if fact.ConnectionInfo == nil {
		info = []byte("{}")
	}
	return model.Device{
		DeviceID:       fact.DeviceID,
		DeviceType:     fact.DeviceType,
		Name:           fact.Name,
		Status:         fact.Status,
		ConnectionInfo: datatypes.JSON(info),
		LastSeen:       scan.ObservedAt,
		Tags:           datatypes.JSONSlice[string]{},
	}, nil
}

// batchUpsertDevices keeps an occupied device occupied when the probe reports it online.
func batchUpsertDevices(tx *gorm.DB, devices []model.Device) error {
	updates := clause.AssignmentColumns([]string{"name", "connection_info", "last_seen", "updated_at"})
	updates = append(updates, clause.Assignment{
		Column: clause.Column{Name: "status"},
		Value: gorm.Expr("CASE WHEN devices.occupied_by IS NOT NULL AND excluded.status = ? THEN ? ELSE excluded.status END",
			model.StatusOnline, model.StatusOccupied),
	})

	return tx.Clauses(clause.OnConflict{
		Columns:   []clause.Column{{Name: "device_id"}},
		DoUpdates: updates,
	}).Create(&devices).Error
}

func markStaleOffline(tx *gorm.DB, scan Scan, seenIDs []string) (int64, error) {
	query := tx.Model(&model.Device{}).
		Where("last_seen < ? AND status <> ?", scan.StaleBefore, model.StatusOffline)
	if len(seenIDs) > 0 {
		query = query.Where("device_id NOT IN ?", seenIDs)
	}

	result := query.Updates(map[string]any{
		"status":     model.StatusOffline,
		"updated_at": scan.ObservedAt,
	})
	if result.Error != nil {
		return 0, fmt.Errorf("failed to mark stale devices offline: %w", result.Error)
	}
	return result.RowsAffected, nil
}

// GetDevice loads a device and its occupant by transport-assigned id.
func (s *gormStore) GetDevice(ctx context.Context, deviceID string) (*model.Device, error) {
	var device model.Device
	err := s.db.WithContext(ctx).Preload("Occupant").Where("device_id = ?", deviceID).First(&device).Error
	if err != nil {
		return nil, notFound(err, "device %q", deviceID)
	}
	return &device, nil
}

// ListDevices returns devices matching filter ordered by registry id.
func (s *gormStore) ListDevices(ctx context.Context, filter DeviceFilter) ([]model.Device, error) {
	query := s.db.WithContext(ctx).Model(&model.Device{}).Preload("Occupant")

	if filter.DeviceType != "" {
		query = query.Where("device_type = ?", filter.DeviceType)
	}
	if filter.Status != "" {
		query = query.Where("status = ?", filter.Status)
	}
	if filter.Search != "" {
		pattern := "%" + filter.Search + "%"
		query = query.Where("name LIKE ? OR device_id LIKE ?", pattern, pattern)
	}
	if filter.Group != "" {
		query = query.Where("group_name = ?", filter.Group)
	}

	limit := filter.Limit
	if limit <= 0 {
		limit = defaultDeviceLimit
	}

	var devices []model.Device
	if err := query.Order("id").Offset(filter.Offset).Limit(limit).Find(&devices).Error; err != nil {
		return nil, fmt.Errorf("failed to list devices: %w", err)
	}
	return devices, nil
}

// DeviceStats counts devices by status and type.
func (s *gormStore) DeviceStats(ctx context.Context) (DeviceStats, error) {
	db := s.db.WithContext(ctx)
	stats := DeviceStats{DevicesByType: make(map[string]int64)}

	counts := []struct {
		dst   *int64
		query string
		args  []any
	}{
		{&stats.TotalDevices, "", nil},
		{&stats.OnlineDevices, "status = ?", []any{model.StatusOnline}},
		{&stats.OccupiedDevices, "occupied_by IS NOT NULL", nil},
		{&stats.OfflineDevices, "status = ?", []any{model.StatusOffline}},
	}
	for _, c := range counts {
		q := db.Model(&model.Device{})
		if c.query != "" {
			q = q.Where(c.query, c.args...)
		}
		if err := q.Count(c.dst).Error; err != nil {
			return DeviceStats{}, fmt.Errorf("failed to count devices: %w", err)
		}
	}

	type typeRow struct {
		DeviceType string
		Total      int64
	}
	var rows []typeRow
	if err := db.Model(&model.Device{}).
		Select("device_type, COUNT(*) as total").
		Group("device_type").
		Scan(&rows).Error; err != nil {
		return DeviceStats{}, fmt.Errorf("failed to aggregate devices by type: %w", err)
	}
	for _, r := range rows {
		stats.DevicesByType[r.DeviceType] = r.Total
	}
	return stats, nil
}

// UpdateDevice applies an administrator patch. Connection info keys are merged.
func (s *gormStore) UpdateDevice(ctx context.Context, deviceID string, patch DevicePatch) (*model.Device, error) {
	var updated model.Device
	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var device model.Device
		if err := tx.Where("device_id = ?", deviceID).First(&device).Error; err != nil {
			return notFound(err, "device %q", deviceID)
		}

		updates := make(map[string]any)
		if patch.Name != nil {
			updates["name"] = *patch.Name
		}
		if patch.GroupName != nil {
			updates["group_name"] = *patch.GroupName
		}
		if patch.Tags != nil {
			updates["tags"] = datatypes.JSONSlice[string](patch.Tags)
		}
		if patch.ConnectionInfo != nil {
			merged, err := mergeConnectionInfo(device.ConnectionInfo, patch.ConnectionInfo)
			if err != nil {
				return err
			}
			updates["connection_info"] = merged
		}

		if len(updates) > 0 {
			if err := tx.Model(&device).Updates(updates).Error; err != nil {
				return fmt.Errorf("failed to update device %q: %w", deviceID, err)
			}
		}
		return tx.Preload("Occupant").First(&updated, device.ID).Error
	})
	if err != nil {
		return nil, err
	}
	return &updated, nil
}

func mergeConnectionInfo(existing datatypes.JSON, patch map[string]any) (datatypes.JSON, error) {
	info := make(map[string]any)
	if len(existing) > 0 {
		if err := json.Unmarshal(existing, &info); err != nil {
			return nil, fmt.Errorf("stored connection info is not an object: %w", err)
		}
	}
	for k, v := range patch {
		info[k] = v
	}
	merged, err := json.Marshal(info)
	if err != nil {
		return nil, err
	}
	return datatypes.JSON(merged), nil
}

// SetOccupancy performs the occupant compare-and-swap and appends the usage log
// entry in one transaction. A lost race returns apperr.ErrConflict.
func (s *gormStore) SetOccupancy(ctx context.Context, update OccupancyUpdate) (*model.Device, error) {
	var updated model.Device
	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var device model.Device
		if err := tx.Where("device_id = ?", update.DeviceID).First(&device).Error; err != nil {
			return notFound(err, "device %q", update.DeviceID)
		}

		query := tx.Model(&model.Device{}).Where("id = ?", device.ID)
		if update.Expected == nil {
			query = query.Where("occupied_by IS NULL")
		} else {
			query = query.Where("occupied_by = ?", *update.Expected)
		}

		var values map[string]any
		if update.Occupant != nil {
			query = query.Where("status <> ?", model.StatusOffline)
			values = map[string]any{
				"occupied_by": *update.Occupant,
				"occupied_at": update.At,
				"status":      model.StatusOccupied,
				"updated_at":  update.At,
			}
		} else {
			values = map[string]any{
				"occupied_by": nil,
				"occupied_at": nil,
				"status":      gorm.Expr("CASE WHEN status = ? THEN ? ELSE status END", model.StatusOccupied, model.StatusOnline),
				"updated_at":  update.At,
			}
		}

		result := query.Updates(values)
		if result.Error != nil {
			return fmt.Errorf("failed to update occupancy of device %q: %w", update.DeviceID, result.Error)
		}
		if result.RowsAffected == 0 {
			return fmt.Errorf("%w: occupancy of device %q changed concurrently", apperr.ErrConflict, update.DeviceID)
		}

		entry := update.Log
		entry.DeviceID = device.ID
		if entry.Timestamp.IsZero() {
			entry.Timestamp = update.At
		}
		if err := tx.Create(&entry).Error; err != nil {
			return fmt.Errorf("failed to append usage log for device %q: %w", update.DeviceID, err)
		}

		return tx.First(&updated, device.ID).Error
	})
	if err != nil {
		return nil, err
	}
	return &updated, nil
}

// AppendUsageLog writes one immutable usage log entry.
func (s *gormStore) AppendUsageLog(ctx context.Context, entry *model.UsageLog) error {
	if err := s.db.WithContext(ctx).Create(entry).Error; err != nil {
		return fmt.Errorf("failed to append usage log: %w", err)
	}
	return nil
}

// ListUsageLogs returns a device's usage history, newest first.
func (s *gormStore) ListUsageLogs(ctx context.Context, deviceID string, offset, limit int) ([]model.UsageLog, error) {
	db := s.db.WithContext(ctx)

	var device model.Device
	if err := db.Select("id").Where("device_id = ?", deviceID).First(&device).Error; err != nil {
		return nil, notFound(err, "device %q", deviceID)
	}

	if limit <= 0 {
		limit = defaultLogLimit
	}

	var logs []model.UsageLog
	if err := db.Preload("User").
		Where("device_id = ?", device.ID).
		Order("timestamp DESC, id DESC").
		Offset(offset).
		Limit(limit).
		Find(&logs).Error; err != nil {
		return nil, fmt.Errorf("failed to list usage logs for device %q: %w", deviceID, err)
	}
	return logs, nil
}

// GetUser loads a user by id.
func (s *gormStore) GetUser(ctx context.Context, userID int64) (*model.User, error) {
	var user model.User
	if err := s.db.WithContext(ctx).First(&user, userID).Error; err != nil {
		return nil, notFound(err, "user %d", userID)
	}
	return &user, nil
}

// GetUserByUsername loads a user by login name.
func (s *gormStore) GetUserByUsername(ctx context.Context, username string) (*model.User, error) {
	var user model.User
	if err := s.db.WithContext(ctx).Where("username = ?", username).First(&user).Error; err != nil {
		return nil, notFound(err, "user %q", username)
	}
	return &user, nil
}

func notFound(err error, format string, args ...any) error {
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return fmt.Errorf("%w: "+format, append([]any{apperr.ErrNotFound}, args...)...)
	}
	return fmt.Errorf("lookup "+format+": %w", append(args, err)...)
}
