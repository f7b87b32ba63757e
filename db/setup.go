package db

import (
	"context"
	"fmt"
	"time"

	"github.com/malwarebo/portrait/config"
	"github.com/malwarebo/portrait/utils"
	"gorm.io/driver/postgres"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"
	"gorm.io/plugin/dbresolver"
)

type DB struct {
	*gorm.DB
	Driver string
}

func (db *DB) GetDB() *gorm.DB {
	return db.DB
}

func CreateDB(cfg config.DatabaseConfig) (*DB, error) {
	gormConfig := &gorm.Config{
		Logger: logger.Default.LogMode(logLevel(cfg.LogSQL)),
	}

	var dialector gorm.Dialector
	switch cfg.Driver {
	case "sqlite":
		dialector = sqlite.Open(sqliteDSN(cfg.Path))
	case "postgres":
		dialector = postgres.Open(dsnFor(cfg))
	default:
		return nil, fmt.Errorf("unsupported database driver %q", cfg.Driver)
	}

	db, err := gorm.Open(dialector, gormConfig)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to primary database: %w", err)
	}

	if cfg.Driver == "postgres" && len(cfg.ReplicaDSNs) > 0 {
		resolverConfig := dbresolver.Config{}
		for _, replicaDSN := range cfg.ReplicaDSNs {
			resolverConfig.Replicas = append(resolverConfig.Replicas, postgres.Open(replicaDSN))
		}

		err = db.Use(dbresolver.Register(resolverConfig).
			SetConnMaxIdleTime(time.Hour).
			SetConnMaxLifetime(24 * time.Hour).
			SetMaxIdleConns(cfg.MaxIdleConns).
			SetMaxOpenConns(cfg.MaxOpenConns))
		if err != nil {
			return nil, fmt.Errorf("failed to configure read replicas: %w", err)
		}

		utils.Info(context.Background(), "configured read replicas", map[string]interface{}{"replicas": len(cfg.ReplicaDSNs)})
	}

	sqlDB, err := db.DB()
	if err != nil {
		return nil, fmt.Errorf("failed to get database instance: %w", err)
	}

	if cfg.Driver == "sqlite" {
		// one writer keeps the atomic counter updates from hitting SQLITE_BUSY
		sqlDB.SetMaxOpenConns(1)
	} else {
		sqlDB.SetMaxOpenConns(cfg.MaxOpenConns)
		sqlDB.SetMaxIdleConns(cfg.MaxIdleConns)
		if cfg.MaxLifetime > 0 {
			sqlDB.SetConnMaxLifetime(cfg.MaxLifetime)
		}
		if cfg.MaxIdleTime > 0 {
			sqlDB.SetConnMaxIdleTime(cfg.MaxIdleTime)
		}
	}

	return &DB{DB: db, Driver: cfg.Driver}, nil
}

func (db *DB) Close() error {
	sqlDB, err := db.DB.DB()
	if err != nil {
		return fmt.Errorf("failed to get database instance: %w", err)
	}
	return sqlDB.Close()
}

func (db *DB) Ping() error {
	sqlDB, err := db.DB.DB()
	if err != nil {
		return err
	}
	return sqlDB.Ping()
}

func dsnFor(cfg config.DatabaseConfig) string {
	if cfg.URL != "" {
		return cfg.URL
	}
	return fmt.Sprintf("host=%s port=%d user=%s password=%s dbname=%s sslmode=%s",
		cfg.Host, cfg.Port, cfg.User, cfg.Password, cfg.DBName, cfg.SSLMode)
}

func sqliteDSN(path string) string {
	return path + "?_busy_timeout=5000&_journal_mode=WAL"
}

func logLevel(verbose bool) logger.LogLevel {
	if verbose {
		return logger.Info
	}
	return logger.Warn
}
