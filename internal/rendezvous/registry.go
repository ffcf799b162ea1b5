package rendezvous

import (
	"errors"
	"fmt"
	"time"

	"github.com/glebarez/sqlite"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
	gormlogger "gorm.io/gorm/logger"
)

const memoryDSN = ":memory:"

var ErrNotFound = errors.New("registration not found")

// Registration is a node currently connected to the rendezvous server.
type Registration struct {
	ID           uint   `gorm:"primaryKey"`
	NodeID       string `gorm:"uniqueIndex;not null"`
	Addr         string
	RemoteAddr   string
	RegisteredAt time.Time
}

type Registry struct {
	db *gorm.DB
}

// OpenRegistry opens the registration database at path. An empty path
// keeps it in memory.
func OpenRegistry(path string) (*Registry, error) {
	if path == "" {
		path = memoryDSN
	}

	db, err := gorm.Open(sqlite.Open(path), &gorm.Config{
		PrepareStmt: true,
		Logger:      gormlogger.Default.LogMode(gormlogger.Silent),
	})
	if err != nil {
		return nil, fmt.Errorf("open registry: %w", err)
	}

	sqlDB, err := db.DB()
	if err != nil {
		return nil, err
	}
	// every pooled connection to :memory: would be a separate database
	sqlDB.SetMaxOpenConns(1)

	if err := db.AutoMigrate(&Registration{}); err != nil {
		return nil, fmt.Errorf("migrate registry: %w", err)
	}
	// registrations only describe live connections
	if err := db.Where("1 = 1").Delete(&Registration{}).Error; err != nil {
		return nil, err
	}
	return &Registry{db: db}, nil
}

func (r *Registry) Close() error {
	sqlDB, err := r.db.DB()
	if err != nil {
		return err
	}
	return sqlDB.Close()
}

// Upsert inserts reg or replaces the registration with the same NodeID.
func (r *Registry) Upsert(reg *Registration) error {
	if reg.RegisteredAt.IsZero() {
		reg.RegisteredAt = time.Now()
	}
	return r.db.Clauses(clause.OnConflict{
		Columns:   []clause.Column{{Name: "node_id"}},
		DoUpdates: clause.AssignmentColumns([]string{"addr", "remote_addr", "registered_at"}),
	}).Create(reg).Error
}

func (r *Registry) Remove(nodeID string) error {
	return r.db.Where("node_id = ?", nodeID).Delete(&Registration{}).Error
}

func (r *Registry) Get(nodeID string) (*Registration, error) {
	var reg Registration
	err := r.db.Where("node_id = ?", nodeID).First(&reg).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, fmt.Errorf("%w: %s", ErrNotFound, nodeID)
	}
	if err != nil {
		return nil, err
	}
	return &reg, nil
}

// List returns every registration except the one for exclude, oldest first.
func (r *Registry) List(exclude string) ([]Registration, error) {
	var regs []Registration
	err := r.db.Where("node_id <> ?", exclude).Order("registered_at, id").Find(&regs).Error
	return regs, err
}
