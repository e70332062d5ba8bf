// Package reqlog persists a per-request audit trail to SQLite. Logging is
// opt-in via config or ENABLE_PLUGIN_REQUEST_LOGGING; a nil *Log swallows
// every call so the hot path never pays for disk writes when it is off.
package reqlog

import (
	"os"
	"strings"
	"time"

	"github.com/glebarez/sqlite"
	"github.com/google/uuid"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"

	"github.com/pysugar/codex-nexus/internal/logging"
)

// EnvEnable turns request logging on.
const EnvEnable = "ENABLE_PLUGIN_REQUEST_LOGGING"

// Entry is one logged upstream request.
type Entry struct {
	ID            string `gorm:"primaryKey" json:"id"`
	CorrelationID string `gorm:"index" json:"correlation_id"`
	Timestamp     int64  `gorm:"index" json:"timestamp"`
	Family        string `gorm:"index" json:"family"`
	Model         string `gorm:"index" json:"model,omitempty"`
	AccountIndex  int    `json:"account_index"`
	AccountEmail  string `json:"account_email,omitempty"`
	Status        int    `json:"status"`
	Duration      int64  `json:"duration"` // milliseconds
	SwitchReason  string `json:"switch_reason,omitempty"`
	Error         string `json:"error,omitempty"`
}

// Stats aggregates the log.
type Stats struct {
	TotalRequests int64 `json:"total_requests"`
	SuccessCount  int64 `json:"success_count"`
	ErrorCount    int64 `json:"error_count"`
}

// Log is the audit writer. A nil *Log is a valid disabled logger.
type Log struct {
	db  *gorm.DB
	log *logging.Logger
}

// Enabled reports whether the env switch is on.
func Enabled() bool {
	v := os.Getenv(EnvEnable)
	return v == "1" || strings.EqualFold(v, "true")
}

// Open creates the SQLite-backed log at path, migrating the schema.
// Callers gate on Enabled (or their config) and hold a nil *Log when
// logging is off.
func Open(path string) (*Log, error) {
	db, err := gorm.Open(sqlite.Open(path), &gorm.Config{
		Logger: logger.Default.LogMode(logger.Silent),
	})
	if err != nil {
		return nil, err
	}
	if err := db.AutoMigrate(&Entry{}); err != nil {
		return nil, err
	}
	return &Log{db: db, log: logging.New("reqlog")}, nil
}

// Record writes one entry. Failures are logged and swallowed; the audit
// trail must never break request handling.
func (l *Log) Record(e Entry) {
	if l == nil {
		return
	}
	if e.ID == "" {
		e.ID = uuid.New().String()
	}
	if e.Timestamp == 0 {
		e.Timestamp = time.Now().UnixMilli()
	}
	if err := l.db.Create(&e).Error; err != nil {
		l.log.Warn("failed to record request", map[string]any{"error": err.Error()})
	}
}

// Recent returns the newest entries, newest first.
func (l *Log) Recent(limit int) ([]Entry, error) {
	if l == nil {
		return nil, nil
	}
	var out []Entry
	err := l.db.Order("timestamp DESC").Limit(limit).Find(&out).Error
	return out, err
}

// StatsSince aggregates entries at or after the cutoff.
func (l *Log) StatsSince(sinceMs int64) (Stats, error) {
	var s Stats
	if l == nil {
		return s, nil
	}
	base := l.db.Model(&Entry{}).Where("timestamp >= ?", sinceMs)
	if err := base.Count(&s.TotalRequests).Error; err != nil {
		return s, err
	}
	if err := l.db.Model(&Entry{}).Where("timestamp >= ? AND status >= 200 AND status < 300", sinceMs).
		Count(&s.SuccessCount).Error; err != nil {
		return s, err
	}
	s.ErrorCount = s.TotalRequests - s.SuccessCount
	return s, nil
}

// Prune deletes entries older than the cutoff and returns how many went.
func (l *Log) Prune(olderThanMs int64) (int64, error) {
	if l == nil {
		return 0, nil
	}
	res := l.db.Where("timestamp < ?", olderThanMs).Delete(&Entry{})
	return res.RowsAffected, res.Error
}

// Close releases the underlying connection.
func (l *Log) Close() error {
	if l == nil {
		return nil
	}
	sqlDB, err := l.db.DB()
	if err != nil {
		return err
	}
	return sqlDB.Close()
}
