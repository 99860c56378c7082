package storage

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/liamashdown/claimwatch/internal/config"
	"github.com/liamashdown/claimwatch/internal/metrics"
	"github.com/sirupsen/logrus"
	"gorm.io/driver/mysql"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"
)

// DB wraps the GORM database connection
type DB struct {
	conn *gorm.DB
	log  *logrus.Logger
}

// New creates a new database connection with GORM
func New(cfg *config.Config, log *logrus.Logger) (*DB, error) {
	var (
		db  *DB
		err error
	)
	if cfg.DatabaseDriver == config.DriverSQLite {
		db, err = OpenSQLite(cfg.DatabaseDSN, log)
	} else {
		db, err = Open(mysql.Open(cfg.DatabaseDSN), log)
	}
	if err != nil {
		return nil, err
	}

	sqlDB, err := db.conn.DB()
	if err != nil {
		return nil, fmt.Errorf("get sql.DB: %w", err)
	}

	if cfg.DatabaseDriver != config.DriverSQLite {
		sqlDB.SetMaxOpenConns(cfg.DatabaseMaxConns)
		sqlDB.SetMaxIdleConns(cfg.DatabaseMaxConns / 2)
	}
	sqlDB.SetConnMaxIdleTime(cfg.DatabaseMaxIdleTime)

	// Verify connection
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	if err := sqlDB.PingContext(ctx); err != nil {
		return nil, fmt.Errorf("ping database: %w", err)
	}

	log.WithField("driver", cfg.DatabaseDriver).Info("Database connection established")

	return db, nil
}

// Open wraps an already selected dialector. Tests use it with in-memory SQLite.
func Open(dialector gorm.Dialector, log *logrus.Logger) (*DB, error) {
	gormLogger := logger.New(
		&gormLogAdapter{log: log},
		logger.Config{
			SlowThreshold:             200 * time.Millisecond,
			LogLevel:                  logger.Warn,
			IgnoreRecordNotFoundError: true,
			Colorful:                  false,
		},
	)

	conn, err := gorm.Open(dialector, &gorm.Config{
		Logger:         gormLogger,
		TranslateError: true,
	})
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}

	return &DB{conn: conn, log: log}, nil
}

// OpenSQLite opens a SQLite database on a single connection. SQLite
// serialises writers, and ":memory:" databases exist per connection.
func OpenSQLite(dsn string, log *logrus.Logger) (*DB, error) {
	db, err := Open(sqlite.Open(dsn), log)
	if err != nil {
		return nil, err
	}
	sqlDB, err := db.conn.DB()
	if err != nil {
		return nil, fmt.Errorf("get sql.DB: %w", err)
	}
	sqlDB.SetMaxOpenConns(1)
	return db, nil
}

// Close closes the database connection
func (db *DB) Close() error {
	sqlDB, err := db.conn.DB()
	if err != nil {
		return err
	}
	return sqlDB.Close()
}

// Ping checks the connection for readiness probes
func (db *DB) Ping(ctx context.Context) error {
	sqlDB, err := db.conn.DB()
	if err != nil {
		return err
	}
	return sqlDB.PingContext(ctx)
}

// AutoMigrate runs GORM auto-migration
func (db *DB) AutoMigrate() error {
	return db.conn.AutoMigrate(
		&AppState{},
		&DetectionJob{},
		&DetectionResult{},
		&EvidenceMatch{},
		&SyncRecord{},
	)
}

// GetState retrieves a state value by key
func (db *DB) GetState(ctx context.Context, key string) (string, error) {
	var state AppState
	result := db.conn.WithContext(ctx).Where("state_key = ?", key).First(&state)
	if errors.Is(result.Error, gorm.ErrRecordNotFound) {
		return "", nil
	}
	if result.Error != nil {
		return "", result.Error
	}
	return state.StateValue, nil
}

// SetState sets a state value
func (db *DB) SetState(ctx context.Context, key, value string) error {
	state := AppState{
		StateKey:   key,
		StateValue: value,
		UpdatedTS:  time.Now().Unix(),
	}
	return db.conn.WithContext(ctx).Save(&state).Error
}

// observe records query metrics around fn
func observe(operation string, fn func() error) error {
	start := time.Now()
	err := fn()
	if errors.Is(err, gorm.ErrRecordNotFound) {
		metrics.RecordDatabaseQuery(operation, time.Since(start), nil)
		return err
	}
	metrics.RecordDatabaseQuery(operation, time.Since(start), err)
	return err
}

// gormLogAdapter adapts logrus to GORM's logger interface
type gormLogAdapter struct {
	log *logrus.Logger
}

func (l *gormLogAdapter) Printf(format string, args ...interface{}) {
	l.log.Debugf(format, args...)
}
