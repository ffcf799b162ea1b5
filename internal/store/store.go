// Package store keeps received chat and direct messages so they can be
// listed again with the history command.
package store

import (
	"context"
	"fmt"
	"time"

	"github.com/glebarez/sqlite"
	"gorm.io/gorm"
	gormlogger "gorm.io/gorm/logger"
)

type Kind string

const (
	KindChat   Kind = "chat"
	KindDirect Kind = "dm"
)

type InboxMessage struct {
	ID         uint   `gorm:"primaryKey"`
	Kind       Kind   `gorm:"index;not null"`
	FromPeer   string `gorm:"not null"`
	FromUser   string
	Text       string
	ReceivedAt time.Time `gorm:"index"`
}

type Inbox struct {
	db *gorm.DB
}

var _ InboxRepository = (*Inbox)(nil)

// Open opens the inbox database at path, creating it if needed. An empty
// path keeps history in memory for the lifetime of the process.
func Open(path string) (*Inbox, error) {
	dsn := path
	if dsn == "" {
		dsn = ":memory:"
	}

	db, err := gorm.Open(sqlite.Open(dsn), &gorm.Config{
		PrepareStmt: true,
		Logger:      gormlogger.Default.LogMode(gormlogger.Silent),
	})
	if err != nil {
		return nil, fmt.Errorf("open inbox: %w", err)
	}

	sqlDB, err := db.DB()
	if err != nil {
		return nil, err
	}
	sqlDB.SetMaxOpenConns(1)

	if err := db.AutoMigrate(&InboxMessage{}); err != nil {
		return nil, fmt.Errorf("migrate inbox: %w", err)
	}
	return &Inbox{db: db}, nil
}

func (i *Inbox) Close() error {
	sqlDB, err := i.db.DB()
	if err != nil {
		return err
	}
	return sqlDB.Close()
}

func (i *Inbox) Save(ctx context.Context, msg *InboxMessage) error {
	if msg.ReceivedAt.IsZero() {
		msg.ReceivedAt = time.Now()
	}
	return i.db.WithContext(ctx).Create(msg).Error
}

// Recent returns up to limit of the newest messages, oldest first.
func (i *Inbox) Recent(ctx context.Context, limit int) ([]InboxMessage, error) {
	if limit <= 0 {
		return nil, nil
	}

	var msgs []InboxMessage
	err := i.db.WithContext(ctx).
		Order("received_at DESC, id DESC").
		Limit(limit).
		Find(&msgs).Error
	if err != nil {
		return nil, err
	}

	for l, r := 0, len(msgs)-1; l < r; l, r = l+1, r-1 {
		msgs[l], msgs[r] = msgs[r], msgs[l]
	}
	return msgs, nil
}
