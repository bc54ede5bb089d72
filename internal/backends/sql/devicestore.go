package sql

import (
	"context"
	"errors"
	"strings"
	"time"

	"github.com/google/uuid"
	log "github.com/sirupsen/logrus"
	"gorm.io/driver/postgres"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"

	"wagate/internal/types"
)

// DeviceStore implements ports.DeviceStore on top of gorm.
type DeviceStore struct {
	db *gorm.DB
}

func OpenPostgres(dsn string) (*gorm.DB, error) {
	return gorm.Open(postgres.Open(dsn), gormConfig())
}

// OpenSQLite opens a sqlite database at path. ":memory:" style DSNs are accepted as is.
func OpenSQLite(path string) (*gorm.DB, error) {
	return gorm.Open(sqlite.Open(path), gormConfig())
}

func gormConfig() *gorm.Config {
	lvl := logger.Silent
	if log.IsLevelEnabled(log.DebugLevel) {
		lvl = logger.Info
	}
	return &gorm.Config{Logger: logger.Default.LogMode(lvl)}
}

// NewDeviceStore migrates the devices table and returns the store.
func NewDeviceStore(db *gorm.DB) (*DeviceStore, error) {
	if err := db.AutoMigrate(&types.Device{}); err != nil {
		return nil, err
	}
	return &DeviceStore{db: db}, nil
}

func (s *DeviceStore) FindDevice(ctx context.Context, id string) (types.Device, error) {
	var d types.Device
	err := s.db.WithContext(ctx).First(&d, "id = ?", id).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return types.Device{}, types.ErrNotFound
	}
	if err != nil {
		return types.Device{}, err
	}
	return d, nil
}

func (s *DeviceStore) ListDevices(ctx context.Context, filter types.DeviceFilter) (types.DevicePage, error) {
	f := filter.Normalize()
	q := s.db.WithContext(ctx).Model(&types.Device{})
	if f.Name != "" {
		q = q.Where("LOWER(name) LIKE ?", "%"+strings.ToLower(f.Name)+"%")
	}
	if f.Ready != nil {
		q = q.Where("ready = ?", *f.Ready)
	}
	var total int64
	if err := q.Count(&total).Error; err != nil {
		return types.DevicePage{}, err
	}
	var rows []types.Device
	if err := q.Order("created_at DESC").Order("id").Offset(f.Offset()).Limit(f.PageSize).Find(&rows).Error; err != nil {
		return types.DevicePage{}, err
	}
	return types.NewDevicePage(rows, total, f), nil
}

func (s *DeviceStore) DeviceIDs(ctx context.Context) ([]string, error) {
	var ids []string
	if err := s.db.WithContext(ctx).Model(&types.Device{}).Pluck("id", &ids).Error; err != nil {
		return nil, err
	}
	return ids, nil
}

func (s *DeviceStore) CreateDevice(ctx context.Context, name string) (types.Device, error) {
	d := types.Device{ID: uuid.NewString(), Name: strings.TrimSpace(name)}
	if err := s.db.WithContext(ctx).Create(&d).Error; err != nil {
		return types.Device{}, err
	}
	return d, nil
}

func (s *DeviceStore) UpdateDevice(ctx context.Context, id string, upd types.DeviceUpdate) error {
	values := map[string]any{"updated_at": time.Now()}
	if upd.Ready != nil {
		values["ready"] = *upd.Ready
	}
	if upd.PairingPayload != nil {
		if *upd.PairingPayload == "" {
			values["pairing_code"] = nil
		} else {
			values["pairing_code"] = *upd.PairingPayload
		}
	}
	res := s.db.WithContext(ctx).Model(&types.Device{}).Where("id = ?", id).Updates(values)
	if res.Error != nil {
		return res.Error
	}
	if res.RowsAffected == 0 {
		return types.ErrNotFound
	}
	return nil
}

func (s *DeviceStore) DeleteDevice(ctx context.Context, id string) error {
	res := s.db.WithContext(ctx).Delete(&types.Device{}, "id = ?", id)
	if res.Error != nil {
		return res.Error
	}
	if res.RowsAffected == 0 {
		return types.ErrNotFound
	}
	return nil
}
