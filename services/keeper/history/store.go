// Package history persists rescue attempts. It backs the informational
// cooldown check and the admin status view; it is never consulted for
// consent or safety decisions.
package history

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"
	"unicode/utf8"

	"github.com/glebarez/sqlite"
	"github.com/google/uuid"
	"gorm.io/driver/postgres"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"
)

var (
	// ErrUnsupportedDriver is returned by Open for unknown drivers.
	ErrUnsupportedDriver = errors.New("history: unsupported driver")
	// ErrNilStore is returned when a nil store is used.
	ErrNilStore = errors.New("history: store not configured")
)

// Record is one rescue attempt.
type Record struct {
	ID                   uuid.UUID `gorm:"type:uuid;primaryKey" json:"id"`
	User                 string    `gorm:"column:user_address;size:42;index:idx_history_user_created" json:"user"`
	ChainID              int64     `gorm:"index" json:"chain_id"`
	Token                string    `gorm:"size:16" json:"token"`
	AmountUSD            float64   `gorm:"not null" json:"amount_usd"`
	AmountUnits          string    `gorm:"size:80" json:"amount_units"`
	Target               string    `gorm:"size:42" json:"target"`
	TxID                 string    `gorm:"size:80" json:"tx_id"`
	Success              bool      `gorm:"index" json:"success"`
	FailureKind          string    `gorm:"size:32" json:"failure_kind,omitempty"`
	Error                string    `gorm:"size:512" json:"error,omitempty"`
	HealthFactorBefore   float64   `json:"health_factor_before"`
	ExpectedHealthFactor float64   `json:"expected_health_factor"`
	CreatedAt            time.Time `gorm:"index:idx_history_user_created" json:"created_at"`
}

// TableName pins the table name independent of the struct name.
func (Record) TableName() string { return "rescue_history" }

// Store wraps a gorm handle.
type Store struct {
	db  *gorm.DB
	now func() time.Time
}

// Open connects to driver ("sqlite" or "postgres") and migrates the schema.
func Open(driver, dsn string) (*Store, error) {
	var dialector gorm.Dialector
	switch strings.ToLower(strings.TrimSpace(driver)) {
	case "sqlite", "sqlite3", "":
		if strings.TrimSpace(dsn) == "" {
			dsn = "file:rescue-history.db"
		}
		dialector = sqlite.Open(dsn)
	case "postgres", "postgresql":
		dialector = postgres.Open(dsn)
	default:
		return nil, fmt.Errorf("%w: %q", ErrUnsupportedDriver, driver)
	}
	db, err := gorm.Open(dialector, &gorm.Config{Logger: logger.Default.LogMode(logger.Silent)})
	if err != nil {
		return nil, fmt.Errorf("history: open %s: %w", driver, err)
	}
	return New(db)
}

// New wraps an existing connection and migrates the schema.
func New(db *gorm.DB) (*Store, error) {
	if db == nil {
		return nil, ErrNilStore
	}
	if err := db.AutoMigrate(&Record{}); err != nil {
		return nil, fmt.Errorf("history: migrate: %w", err)
	}
	return &Store{db: db, now: time.Now}, nil
}

const maxErrorBytes = 512

// truncateUTF8 cuts s to at most n bytes without splitting a rune.
func truncateUTF8(s string, n int) string {
	if len(s) <= n {
		return s
	}
	for n > 0 && !utf8.RuneStart(s[n]) {
		n--
	}
	return s[:n]
}

// Save inserts rec, assigning an ID and timestamp when unset.
func (s *Store) Save(ctx context.Context, rec Record) (Record, error) {
	if s == nil || s.db == nil {
		return Record{}, ErrNilStore
	}
	if rec.ID == uuid.Nil {
		rec.ID = uuid.New()
	}
	if rec.CreatedAt.IsZero() {
		rec.CreatedAt = s.now().UTC()
	}
	rec.User = normaliseUser(rec.User)
	rec.Error = truncateUTF8(rec.Error, maxErrorBytes)
	if err := s.db.WithContext(ctx).Create(&rec).Error; err != nil {
		return Record{}, fmt.Errorf("history: save: %w", err)
	}
	return rec, nil
}

// LastSuccess returns the time of the most recent successful rescue for user.
func (s *Store) LastSuccess(ctx context.Context, user string) (time.Time, bool, error) {
	if s == nil || s.db == nil {
		return time.Time{}, false, ErrNilStore
	}
	var rec Record
	err := s.db.WithContext(ctx).
		Where("user_address = ? AND success = ?", normaliseUser(user), true).
		Order("created_at DESC").
		Take(&rec).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return time.Time{}, false, nil
	}
	if err != nil {
		return time.Time{}, false, fmt.Errorf("history: last success: %w", err)
	}
	return rec.CreatedAt, true, nil
}

// Recent returns up to limit records, newest first.
func (s *Store) Recent(ctx context.Context, limit int) ([]Record, error) {
	if s == nil || s.db == nil {
		return nil, ErrNilStore
	}
	if limit <= 0 || limit > 500 {
		limit = 50
	}
	var out []Record
	if err := s.db.WithContext(ctx).Order("created_at DESC").Limit(limit).Find(&out).Error; err != nil {
		return nil, fmt.Errorf("history: recent: %w", err)
	}
	return out, nil
}

// Close releases the underlying connection pool.
func (s *Store) Close() error {
	if s == nil || s.db == nil {
		return nil
	}
	sqlDB, err := s.db.DB()
	if err != nil {
		return err
	}
	return sqlDB.Close()
}

func normaliseUser(user string) string {
	return strings.ToLower(strings.TrimSpace(user))
}
