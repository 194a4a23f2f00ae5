package audit

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/glebarez/sqlite"
	"github.com/google/uuid"
	"gorm.io/driver/postgres"
	"gorm.io/gorm"
	gormlogger "gorm.io/gorm/logger"
)

// ActionRecord is one row of the market action audit trail. Amounts are
// stored as decimal strings so arbitrary-precision values survive the round
// trip through SQL.
type ActionRecord struct {
	ID        uuid.UUID `gorm:"type:uuid;primaryKey"`
	Caller    string    `gorm:"index;size:64"`
	Action    string    `gorm:"index;size:32"`
	Asset     string    `gorm:"size:64"`
	Amount    string    `gorm:"size:96"`
	Shares    string    `gorm:"size:96"`
	Outcome   string    `gorm:"size:32"`
	Detail    string    `gorm:"size:256"`
	RequestID string    `gorm:"size:64"`
	CreatedAt time.Time `gorm:"index"`
}

// Recorder appends action records to a SQL backend.
type Recorder struct {
	db *gorm.DB
}

// Open connects to the configured backend and migrates the schema. Supported
// drivers are sqlite and postgres.
func Open(driver, dsn string) (*Recorder, error) {
	var dialector gorm.Dialector
	switch strings.ToLower(strings.TrimSpace(driver)) {
	case "sqlite":
		dialector = sqlite.Open(dsn)
	case "postgres":
		dialector = postgres.Open(dsn)
	default:
		return nil, fmt.Errorf("audit: unsupported driver %q", driver)
	}
	db, err := gorm.Open(dialector, &gorm.Config{
		Logger: gormlogger.Default.LogMode(gormlogger.Silent),
	})
	if err != nil {
		return nil, fmt.Errorf("audit: open %s: %w", driver, err)
	}
	if err := db.AutoMigrate(&ActionRecord{}); err != nil {
		return nil, fmt.Errorf("audit: migrate: %w", err)
	}
	return &Recorder{db: db}, nil
}

// Record persists one audit row. A zero ID gets a fresh UUID.
func (r *Recorder) Record(ctx context.Context, record ActionRecord) error {
	if r == nil || r.db == nil {
		return nil
	}
	if record.ID == uuid.Nil {
		record.ID = uuid.New()
	}
	if record.CreatedAt.IsZero() {
		record.CreatedAt = time.Now().UTC()
	}
	if err := r.db.WithContext(ctx).Create(&record).Error; err != nil {
		return fmt.Errorf("audit: record action: %w", err)
	}
	return nil
}

// Recent returns the newest records, most recent first.
func (r *Recorder) Recent(ctx context.Context, limit int) ([]ActionRecord, error) {
	if r == nil || r.db == nil {
		return nil, nil
	}
	if limit <= 0 {
		limit = 50
	}
	var records []ActionRecord
	err := r.db.WithContext(ctx).
		Order("created_at desc").
		Limit(limit).
		Find(&records).Error
	if err != nil {
		return nil, fmt.Errorf("audit: list actions: %w", err)
	}
	return records, nil
}
