package state

import (
	"fmt"
	"os"
	"path/filepath"
	"time"

	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"
)

// TunnelRecord is the checkpointed form of an Entry.
type TunnelRecord struct {
	Key        string `gorm:"primaryKey"`
	Kind       string `gorm:"not null"`
	AccountID  string `gorm:"not null"`
	Region     string `gorm:"not null"`
	Name       string
	Hostname   string `gorm:"index"`
	HostsIP    string
	LocalPort  int
	RemotePort int
	SessionID  string
	PluginPID  int
	OwnerPID   int       `gorm:"index"`
	CreatedAt  time.Time `gorm:"autoCreateTime"`
}

// Setting is a key/value row; holds the fernet key and the discovery cache.
type Setting struct {
	Key       string    `gorm:"primaryKey"`
	Value     string    `gorm:"not null"`
	UpdatedAt time.Time `gorm:"autoUpdateTime"`
}

type checkpoint struct {
	db *gorm.DB
}

func openCheckpoint(dbPath string) (*checkpoint, error) {
	if dbPath != ":memory:" {
		if dir := filepath.Dir(dbPath); dir != "" {
			if err := os.MkdirAll(dir, 0o755); err != nil {
				return nil, fmt.Errorf("create state directory: %w", err)
			}
		}
	}

	db, err := gorm.Open(sqlite.Open(dbPath), &gorm.Config{
		Logger: logger.Default.LogMode(logger.Warn),
	})
	if err != nil {
		return nil, fmt.Errorf("open state database: %w", err)
	}

	sqlDB, err := db.DB()
	if err != nil {
		return nil, fmt.Errorf("get sql.DB: %w", err)
	}
	if _, err := sqlDB.Exec("PRAGMA journal_mode=WAL"); err != nil {
		return nil, fmt.Errorf("set WAL mode: %w", err)
	}

	if err := db.AutoMigrate(&TunnelRecord{}, &Setting{}); err != nil {
		return nil, fmt.Errorf("auto-migrate: %w", err)
	}

	return &checkpoint{db: db}, nil
}

func (c *checkpoint) close() error {
	sqlDB, err := c.db.DB()
	if err != nil {
		return err
	}
	return sqlDB.Close()
}

func (c *checkpoint) saveRecord(e Entry) error {
	rec := TunnelRecord{
		Key:        e.Key,
		Kind:       e.Kind,
		AccountID:  e.AccountID,
		Region:     e.Region,
		Name:       e.Name,
		Hostname:   e.Hostname,
		HostsIP:    e.HostsIP,
		LocalPort:  e.LocalPort,
		RemotePort: e.RemotePort,
		SessionID:  e.SessionID,
		PluginPID:  e.PluginPID,
		OwnerPID:   e.OwnerPID,
		CreatedAt:  e.CreatedAt,
	}
	return c.db.Save(&rec).Error
}

func (c *checkpoint) deleteRecord(key string) error {
	return c.db.Delete(&TunnelRecord{}, "key = ?", key).Error
}

func (c *checkpoint) listRecords() ([]Entry, error) {
	var recs []TunnelRecord
	if err := c.db.Order("key").Find(&recs).Error; err != nil {
		return nil, err
	}
	out := make([]Entry, len(recs))
	for i, r := range recs {
		out[i] = Entry{
			Key:        r.Key,
			Kind:       r.Kind,
			AccountID:  r.AccountID,
			Region:     r.Region,
			Name:       r.Name,
			Hostname:   r.Hostname,
			HostsIP:    r.HostsIP,
			LocalPort:  r.LocalPort,
			RemotePort: r.RemotePort,
			SessionID:  r.SessionID,
			PluginPID:  r.PluginPID,
			OwnerPID:   r.OwnerPID,
			CreatedAt:  r.CreatedAt,
		}
	}
	return out, nil
}

func (c *checkpoint) getSetting(key string) (string, error) {
	var s Setting
	if err := c.db.Where("key = ?", key).First(&s).Error; err != nil {
		return "", err
	}
	return s.Value, nil
}

func (c *checkpoint) setSetting(key, value string) error {
	return c.db.Where("key = ?", key).Assign(Setting{Value: value}).FirstOrCreate(&Setting{Key: key}).Error
}
