package occupancy

import (
	"context"
	"errors"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"

	"device-hub-backend/internal/apperr"
	"device-hub-backend/internal/db"
	"device-hub-backend/internal/hub"
	"device-hub-backend/internal/model"
	"device-hub-backend/internal/store"
)

type recordingPublisher struct {
	mu     sync.Mutex
	events []hub.Event
}

func (p *recordingPublisher) Publish(ev hub.Event) bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.events = append(p.events, ev)
	return true
}

func (p *recordingPublisher) count() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.events)
}

type recordingNotifier struct {
	mu  sync.Mutex
	ids []int64
}

func (n *recordingNotifier) Dispatch(deviceID int64) bool {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.ids = append(n.ids, deviceID)
	return true
}

type fixture struct {
	db        *gorm.DB
	store     store.Store
	manager   *Manager
	publisher *recordingPublisher
	notifier  *recordingNotifier
	alice     *model.User
	bob       *model.User
	admin     *model.User
	inactive  *model.User
}

func newFixture(t *testing.T) *fixture {
	t.Helper()

	gormDB, err := gorm.Open(sqlite.Open(filepath.Join(t.TempDir(), "occupancy.db")), &gorm.Config{
		Logger: logger.Default.LogMode(logger.Silent),
	})
	require.NoError(t, err)
	sqlDB, err := gormDB.DB()
	require.NoError(t, err)
	sqlDB.SetMaxOpenConns(1)
	t.Cleanup(func() { sqlDB.Close() })
	require.NoError(t, db.Migrate(gormDB))

	f := &fixture{
		db:        gormDB,
		store:     store.NewGormStore(gormDB),
		publisher: &recordingPublisher{},
		notifier:  &recordingNotifier{},
		alice:     &model.User{ID: 1, Username: "alice", Role: model.RoleUser, IsActive: true},
		bob:       &model.User{ID: 2, Username: "bob", Role: model.RoleUser, IsActive: true},
		admin:     &model.User{ID: 3, Username: "root", Role: model.RoleAdmin, IsActive: true},
		inactive:  &model.User{ID: 4, Username: "gone", Role: model.RoleUser, IsActive: true},
	}
	for _, u := range []*model.User{f.alice, f.bob, f.admin, f.inactive} {
		require.NoError(t, gormDB.Create(u).Error)
	}
	// IsActive has a database default, so it is switched off after insert.
	require.NoError(t, gormDB.Model(f.inactive).Update("is_active", false).Error)

	now := time.Now().UTC()
	_, err = f.store.ApplyScan(context.Background(), store.Scan{
		ObservedAt: now,
		Facts: []store.DeviceFact{
			{DeviceID: "dev-A", DeviceType: model.DeviceTypeADB, Name: "A", Status: model.StatusOnline},
			{DeviceID: "dev-off", DeviceType: model.DeviceTypeADB, Name: "Off", Status: model.StatusOffline},
		},
		StaleBefore: now.Add(-5 * time.Minute),
	})
	require.NoError(t, err)

	f.manager = NewManager(f.store, f.publisher, f.notifier)
	return f
}

func (f *fixture) logs(t *testing.T, action string) int64 {
	var n int64
	require.NoError(t, f.db.Model(&model.UsageLog{}).Where("action = ?", action).Count(&n).Error)
	return n
}

func TestOccupy(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	device, err := f.manager.Occupy(ctx, "dev-A", f.alice.ID, "flashing build 42")
	require.NoError(t, err)
	assert.Equal(t, model.StatusOccupied, device.Status)
	assert.True(t, device.IsOccupiedBy(f.alice.ID))
	assert.NotNil(t, device.OccupiedAt)
	assert.Equal(t, int64(1), f.logs(t, model.ActionOccupy))
	assert.Equal(t, 1, f.publisher.count())

	var entry model.UsageLog
	require.NoError(t, f.db.Where("action = ?", model.ActionOccupy).First(&entry).Error)
	require.NotNil(t, entry.Notes)
	assert.Equal(t, "flashing build 42", *entry.Notes)

	testCases := []struct {
		name     string
		deviceID string
		callerID int64
		wantErr  error
	}{
		{"Second caller conflicts", "dev-A", f.bob.ID, apperr.ErrConflict},
		{"Holder cannot occupy twice", "dev-A", f.alice.ID, apperr.ErrConflict},
		{"Admin conflicts too", "dev-A", f.admin.ID, apperr.ErrConflict},
		{"Offline device", "dev-off", f.bob.ID, apperr.ErrInvalidState},
		{"Unknown device", "dev-missing", f.bob.ID, apperr.ErrNotFound},
		{"Inactive caller", "dev-off", f.inactive.ID, apperr.ErrPermissionDenied},
		{"Unknown caller", "dev-A", 999, apperr.ErrPermissionDenied},
	}
	for _, tc := range testCases {
		t.Run(tc.name, func(t *testing.T) {
			_, err := f.manager.Occupy(ctx, tc.deviceID, tc.callerID, "")
			assert.ErrorIs(t, err, tc.wantErr)
		})
	}

	assert.Equal(t, int64(1), f.logs(t, model.ActionOccupy), "failed attempts write no log")
}

func TestOccupy_ConcurrentCallersExactlyOneWins(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	callers := []int64{f.alice.ID, f.bob.ID, f.admin.ID}
	var (
		wg   sync.WaitGroup
		mu   sync.Mutex
		wins int
	)
	for _, id := range callers {
		wg.Add(1)
		go func(id int64) {
			defer wg.Done()
			_, err := f.manager.Occupy(ctx, "dev-A", id, "")
			mu.Lock()
			defer mu.Unlock()
			if err == nil {
				wins++
				return
			}
			assert.True(t, errors.Is(err, apperr.ErrConflict), "unexpected error: %v", err)
		}(id)
	}
	wg.Wait()

	assert.Equal(t, 1, wins)
	assert.Equal(t, int64(1), f.logs(t, model.ActionOccupy))
}

func TestRelease(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	_, err := f.manager.Release(ctx, "dev-A", f.alice.ID)
	assert.ErrorIs(t, err, apperr.ErrInvalidState, "releasing a free device")

	_, err = f.manager.Occupy(ctx, "dev-A", f.alice.ID, "")
	require.NoError(t, err)

	_, err = f.manager.Release(ctx, "dev-A", f.bob.ID)
	assert.ErrorIs(t, err, apperr.ErrPermissionDenied)

	_, err = f.manager.Release(ctx, "dev-missing", f.alice.ID)
	assert.ErrorIs(t, err, apperr.ErrNotFound)

	device, err := f.manager.Release(ctx, "dev-A", f.alice.ID)
	require.NoError(t, err)
	assert.Equal(t, model.StatusOnline, device.Status)
	assert.Nil(t, device.OccupiedBy)
	assert.Nil(t, device.OccupiedAt)
	assert.Equal(t, int64(1), f.logs(t, model.ActionRelease))
	assert.Equal(t, []int64{device.ID}, f.notifier.ids)

	// Free again: anyone may occupy it.
	_, err = f.manager.Occupy(ctx, "dev-A", f.bob.ID, "")
	assert.NoError(t, err)
}

func TestRelease_ByAdmin(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	_, err := f.manager.Occupy(ctx, "dev-A", f.alice.ID, "")
	require.NoError(t, err)

	device, err := f.manager.Release(ctx, "dev-A", f.admin.ID)
	require.NoError(t, err)
	assert.False(t, device.IsOccupied())

	var entry model.UsageLog
	require.NoError(t, f.db.Where("action = ?", model.ActionRelease).First(&entry).Error)
	assert.Equal(t, f.admin.ID, entry.UserID)
}

func TestRelease_OfflineDeviceStaysOffline(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	_, err := f.manager.Occupy(ctx, "dev-A", f.alice.ID, "")
	require.NoError(t, err)

	// The device drops off the bus and ages out while still held.
	later := time.Now().UTC().Add(10 * time.Minute)
	_, err = f.store.ApplyScan(ctx, store.Scan{ObservedAt: later, StaleBefore: later.Add(-5 * time.Minute)})
	require.NoError(t, err)

	held, err := f.store.GetDevice(ctx, "dev-A")
	require.NoError(t, err)
	assert.Equal(t, model.StatusOffline, held.Status)
	assert.True(t, held.IsOccupiedBy(f.alice.ID), "stale devices keep their occupant")

	device, err := f.manager.Release(ctx, "dev-A", f.alice.ID)
	require.NoError(t, err)
	assert.Equal(t, model.StatusOffline, device.Status)
	assert.False(t, device.IsOccupied())
}

// racingRegistry runs interfere once, between the manager's read of the
// device and its conditional write.
type racingRegistry struct {
	store.Store
	interfere func()
}

func (r *racingRegistry) SetOccupancy(ctx context.Context, update store.OccupancyUpdate) (*model.Device, error) {
	if r.interfere != nil {
		hook := r.interfere
		r.interfere = nil
		hook()
	}
	return r.Store.SetOccupancy(ctx, update)
}

func TestRelease_LosesRace(t *testing.T) {
	ctx := context.Background()

	testCases := []struct {
		name      string
		interfere func(t *testing.T, f *fixture, m *Manager)
		wantErr   error
	}{
		{
			name: "Released concurrently",
			interfere: func(t *testing.T, f *fixture, m *Manager) {
				_, err := m.Release(ctx, "dev-A", f.admin.ID)
				require.NoError(t, err)
			},
			wantErr: apperr.ErrInvalidState,
		},
		{
			name: "Released and taken by someone else",
			interfere: func(t *testing.T, f *fixture, m *Manager) {
				_, err := m.Release(ctx, "dev-A", f.admin.ID)
				require.NoError(t, err)
				_, err = m.Occupy(ctx, "dev-A", f.bob.ID, "")
				require.NoError(t, err)
			},
			wantErr: apperr.ErrPermissionDenied,
		},
	}
	for _, tc := range testCases {
		t.Run(tc.name, func(t *testing.T) {
			f := newFixture(t)
			_, err := f.manager.Occupy(ctx, "dev-A", f.alice.ID, "")
			require.NoError(t, err)

			registry := &racingRegistry{Store: f.store}
			m := NewManager(registry, f.publisher, nil)
			registry.interfere = func() { tc.interfere(t, f, m) }

			_, err = m.Release(ctx, "dev-A", f.alice.ID)
			assert.ErrorIs(t, err, tc.wantErr)
			assert.Equal(t, int64(1), f.logs(t, model.ActionRelease), "only the winning release is logged")
		})
	}
}
