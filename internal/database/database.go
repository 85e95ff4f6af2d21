package database

import (
	"errors"
	"fmt"
	"log/slog"

	"github.com/karloscodes/cartridge/sqlite"
	"gorm.io/driver/postgres"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"

	"workstats/internal/channels"
	"workstats/internal/config"
	"workstats/internal/sessions"
	"workstats/internal/stats"
)

// ErrUnknownDatabaseType is returned for a database type other than sqlite or postgres.
var ErrUnknownDatabaseType = errors.New("unknown database type")

// DBManager owns the relational store connection. SQLite goes through
// cartridge's sqlite.Manager; Postgres is opened directly with gorm.
type DBManager struct {
	*sqlite.Manager
	cfg    *config.Config
	logger *slog.Logger
	conn   *gorm.DB
}

// NewDBManager creates a database manager for the configured store.
func NewDBManager(cfg *config.Config, logger *slog.Logger) *DBManager {
	dm := &DBManager{cfg: cfg, logger: logger}
	if cfg.DatabaseType == config.SQLiteDatabase {
		dm.Manager = sqlite.NewManager(sqlite.Config{
			Path:         cfg.DatabaseName,
			MaxOpenConns: cfg.GetMaxOpenConns(),
			MaxIdleConns: cfg.GetMaxIdleConns(),
			Logger:       logger,
			EnableWAL:    true,
			TxImmediate:  true,
			BusyTimeout:  5000,
		})
	}
	return dm
}

// Init initializes the database connection.
func (dm *DBManager) Init() error {
	switch dm.cfg.DatabaseType {
	case config.SQLiteDatabase:
		_, err := dm.Manager.Connect()
		return err
	case config.PostgresDatabase:
		return dm.connectPostgres()
	default:
		return fmt.Errorf("%w: %s", ErrUnknownDatabaseType, dm.cfg.DatabaseType)
	}
}

func (dm *DBManager) connectPostgres() error {
	db, err := gorm.Open(postgres.Open(dm.cfg.PostgresDSN), &gorm.Config{
		Logger: logger.Default.LogMode(logger.Silent),
	})
	if err != nil {
		return fmt.Errorf("failed to open postgres: %w", err)
	}

	sqlDB, err := db.DB()
	if err != nil {
		return fmt.Errorf("failed to get postgres pool: %w", err)
	}
	sqlDB.SetMaxOpenConns(dm.cfg.GetMaxOpenConns())
	sqlDB.SetMaxIdleConns(dm.cfg.GetMaxIdleConns())
	if err := sqlDB.Ping(); err != nil {
		return fmt.Errorf("failed to ping postgres: %w", err)
	}

	dm.conn = db
	dm.logger.Info("Connected to postgres")
	return nil
}

// GetConnection returns the active connection.
func (dm *DBManager) GetConnection() *gorm.DB {
	if dm.conn != nil {
		return dm.conn
	}
	if dm.Manager == nil {
		return nil
	}
	return dm.Manager.GetConnection()
}

// CloseConnections releases the pool. SQLite is checkpointed first.
func (dm *DBManager) CloseConnections() error {
	db := dm.GetConnection()
	if db == nil {
		return nil
	}
	if dm.Manager != nil {
		if err := dm.CheckpointWAL("FULL"); err != nil {
			dm.logger.Warn("Failed to checkpoint WAL before close", slog.Any("error", err))
		}
	}
	sqlDB, err := db.DB()
	if err != nil {
		return err
	}
	return sqlDB.Close()
}

// OwnedModels lists the tables this service writes. Reference tables are
// owned elsewhere and are never migrated here.
func OwnedModels() []any {
	return []any{
		&sessions.Session{},
		&stats.DailyStat{},
		&stats.CumulativeStat{},
		&channels.ChannelStat{},
	}
}

// MigrateDatabase creates or updates the owned tables.
func (dm *DBManager) MigrateDatabase() error {
	db := dm.GetConnection()
	if db == nil {
		return gorm.ErrInvalidDB
	}

	err := db.Transaction(func(tx *gorm.DB) error {
		return tx.AutoMigrate(OwnedModels()...)
	})
	if err != nil {
		dm.logger.Error("Failed to auto-migrate database", slog.Any("error", err))
		return err
	}

	if dm.Manager != nil {
		if err := dm.CheckpointWAL("FULL"); err != nil {
			dm.logger.Warn("Failed to checkpoint WAL after migration", slog.Any("error", err))
		}
	}

	dm.logger.Info("Database migration completed successfully",
		slog.String("type", dm.cfg.DatabaseType))
	return nil
}
