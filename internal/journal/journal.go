// Package journal persists supervisor state transitions to SQLite so a
// tunnel's history survives restarts of the daemon.
//
// Entries are written from the supervisor's state-change callback and
// removed once older than the retention period by a cron-scheduled purge.
package journal

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/robfig/cron/v3"
	"github.com/sirupsen/logrus"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"

	"github.com/kincerb/tools/internal/supervisor"
)

// DefaultRetention is how long entries are kept when no retention is given.
const DefaultRetention = 30 * 24 * time.Hour

// DefaultPurgeSchedule runs the retention purge once an hour.
const DefaultPurgeSchedule = "@hourly"

// Entry is one persisted transition.
type Entry struct {
	ID        uint      `gorm:"primaryKey" json:"id"`
	SessionID string    `gorm:"index" json:"session_id,omitempty"`
	FromState string    `gorm:"not null" json:"from"`
	ToState   string    `gorm:"not null;index" json:"to"`
	Event     string    `gorm:"not null;index" json:"event"`
	Reason    string    `json:"reason"`
	CreatedAt time.Time `gorm:"index" json:"created_at"`
}

// TableName keeps the table name stable regardless of gorm's pluralizer.
func (Entry) TableName() string { return "transitions" }

// Journal records and queries transitions.
type Journal struct {
	mu        sync.RWMutex
	db        *gorm.DB
	retention time.Duration
	log       *logrus.Entry
	nowFn     func() time.Time

	cron *cron.Cron
}

// gormWriter sends gorm's slow-query and error lines to the daemon's logger.
type gormWriter struct{ log *logrus.Entry }

func (w gormWriter) Printf(format string, args ...any) {
	w.log.Warnf(format, args...)
}

// Open opens (creating if needed) the SQLite journal at path.
func Open(path string, retention time.Duration, log *logrus.Entry) (*Journal, error) {
	if dir := filepath.Dir(path); dir != "" {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, fmt.Errorf("create journal directory: %w", err)
		}
	}
	db, err := gorm.Open(sqlite.Open(path), &gorm.Config{
		Logger: logger.New(gormWriter{log.WithField("component", "journal")}, logger.Config{
			SlowThreshold:             time.Second,
			LogLevel:                  logger.Warn,
			IgnoreRecordNotFoundError: true,
		}),
	})
	if err != nil {
		return nil, fmt.Errorf("open journal: %w", err)
	}
	sqlDB, err := db.DB()
	if err != nil {
		return nil, fmt.Errorf("get sql.DB: %w", err)
	}
	if _, err := sqlDB.Exec("PRAGMA journal_mode=WAL"); err != nil {
		sqlDB.Close()
		return nil, fmt.Errorf("set WAL mode: %w", err)
	}
	j, err := New(db, retention, log)
	if err != nil {
		sqlDB.Close()
		return nil, err
	}
	return j, nil
}

// New wraps an open database, migrating the schema.
func New(db *gorm.DB, retention time.Duration, log *logrus.Entry) (*Journal, error) {
	if retention <= 0 {
		retention = DefaultRetention
	}
	if err := db.AutoMigrate(&Entry{}); err != nil {
		return nil, fmt.Errorf("auto-migrate journal: %w", err)
	}
	return &Journal{
		db:        db,
		retention: retention,
		log:       log.WithField("component", "journal"),
		nowFn:     time.Now,
	}, nil
}

// Record stores one transition.
func (j *Journal) Record(t supervisor.Transition) error {
	created := t.Timestamp
	if created.IsZero() {
		created = j.nowFn()
	}
	e := Entry{
		SessionID: t.SessionID,
		FromState: t.From.String(),
		ToState:   t.To.String(),
		Event:     string(t.Event),
		Reason:    t.Reason,
		CreatedAt: created,
	}
	// SQLite allows one writer; serialize here rather than surface SQLITE_BUSY.
	j.mu.Lock()
	defer j.mu.Unlock()
	if err := j.db.Create(&e).Error; err != nil {
		return fmt.Errorf("record transition: %w", err)
	}
	return nil
}

// Observe is a supervisor.StateChangeCallback. Write failures are logged;
// the journal never holds up the supervisor.
func (j *Journal) Observe(t supervisor.Transition) {
	if err := j.Record(t); err != nil {
		j.log.WithError(err).Warn("journal write failed")
	}
}

// QueryOptions filters Query.
type QueryOptions struct {
	SessionID string
	Event     string
	Since     *time.Time
	Until     *time.Time
	Limit     int
	Offset    int
}

// QueryResult is a page of entries, newest first.
type QueryResult struct {
	Entries []Entry `json:"entries"`
	Total   int64   `json:"total"`
	Limit   int     `json:"limit"`
	Offset  int     `json:"offset"`
}

// Query returns entries matching opts.
func (j *Journal) Query(opts QueryOptions) (*QueryResult, error) {
	j.mu.RLock()
	defer j.mu.RUnlock()

	tx := j.db.Model(&Entry{})
	if opts.SessionID != "" {
		tx = tx.Where("session_id = ?", opts.SessionID)
	}
	if opts.Event != "" {
		tx = tx.Where("event = ?", opts.Event)
	}
	if opts.Since != nil {
		tx = tx.Where("created_at >= ?", *opts.Since)
	}
	if opts.Until != nil {
		tx = tx.Where("created_at <= ?", *opts.Until)
	}

	var total int64
	if err := tx.Count(&total).Error; err != nil {
		return nil, err
	}

	if opts.Limit <= 0 {
		opts.Limit = 50
	}
	if opts.Limit > 1000 {
		opts.Limit = 1000
	}
	if opts.Offset < 0 {
		opts.Offset = 0
	}

	var entries []Entry
	if err := tx.Order("created_at DESC, id DESC").Offset(opts.Offset).Limit(opts.Limit).Find(&entries).Error; err != nil {
		return nil, err
	}
	return &QueryResult{Entries: entries, Total: total, Limit: opts.Limit, Offset: opts.Offset}, nil
}

// PurgeOlderThan deletes entries older than age; a non-positive age uses
// the configured retention. It returns the number of rows removed.
func (j *Journal) PurgeOlderThan(age time.Duration) (int64, error) {
	if age <= 0 {
		age = j.retention
	}
	cutoff := j.nowFn().Add(-age)

	j.mu.Lock()
	defer j.mu.Unlock()
	result := j.db.Where("created_at < ?", cutoff).Delete(&Entry{})
	if result.Error != nil {
		return 0, fmt.Errorf("purge journal: %w", result.Error)
	}
	if result.RowsAffected > 0 {
		j.log.WithFields(logrus.Fields{
			"purged":    result.RowsAffected,
			"retention": age.String(),
		}).Info("purged old journal entries")
	}
	return result.RowsAffected, nil
}

// Retention returns the configured retention period.
func (j *Journal) Retention() time.Duration { return j.retention }

// StartPurge schedules PurgeOlderThan on spec (standard cron syntax or
// descriptors such as "@hourly"). Stop it with Close.
func (j *Journal) StartPurge(spec string) error {
	if spec == "" {
		spec = DefaultPurgeSchedule
	}
	if j.cron != nil {
		return errors.New("journal purge already scheduled")
	}
	c := cron.New()
	if _, err := c.AddFunc(spec, func() {
		if _, err := j.PurgeOlderThan(0); err != nil {
			j.log.WithError(err).Warn("scheduled journal purge failed")
		}
	}); err != nil {
		return fmt.Errorf("schedule journal purge %q: %w", spec, err)
	}
	j.cron = c
	c.Start()
	return nil
}

// Close stops the purge schedule and closes the database.
func (j *Journal) Close() error {
	if j.cron != nil {
		<-j.cron.Stop().Done()
		j.cron = nil
	}
	sqlDB, err := j.db.DB()
	if err != nil {
		return err
	}
	return sqlDB.Close()
}
