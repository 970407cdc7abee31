package storage

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	_ "github.com/lib/pq"
	_ "modernc.org/sqlite"

	logx "postpilot/pkg/logx"
)

// backend describes how one database/sql backend is opened and tuned.
type backend struct {
	name    string // database/sql driver name
	dialect dialect
	prepare func(cfg Config) (dsn string, err error)
	pool    func(db *sql.DB, cfg Config)
	session []string // statements run once after open
}

var sqliteDriver = backend{
	name:    "sqlite",
	dialect: dialectSQLite,
	prepare: func(cfg Config) (string, error) {
		path := strings.TrimSpace(cfg.Path)
		if path == "" {
			return "", errors.New("sqlite path is required")
		}
		return path, os.MkdirAll(filepath.Dir(path), 0o755)
	},
	// One connection: SQLite has a single writer, and it serializes the
	// transition transactions.
	pool: func(db *sql.DB, _ Config) {
		db.SetMaxOpenConns(1)
		db.SetMaxIdleConns(1)
	},
	session: []string{
		"PRAGMA journal_mode = WAL",
		"PRAGMA synchronous = NORMAL",
		"PRAGMA foreign_keys = ON",
	},
}

var postgresDriver = backend{
	name:    "postgres",
	dialect: dialectPostgres,
	prepare: func(cfg Config) (string, error) {
		dsn := strings.TrimSpace(cfg.Path)
		if dsn == "" {
			return "", errors.New("postgres dsn is required (storage.path)")
		}
		return dsn, nil
	},
	pool: func(db *sql.DB, cfg Config) {
		n := cfg.MaxOpenConns
		if n <= 0 {
			n = 10
		}
		db.SetMaxOpenConns(n)
		db.SetMaxIdleConns(n / 2)
		db.SetConnMaxIdleTime(5 * time.Minute)
	},
}

func openSQL(ctx context.Context, drv backend, cfg Config, log logx.Logger) (Store, error) {
	dsn, err := drv.prepare(cfg)
	if err != nil {
		return nil, err
	}
	if cfg.AutoMigrate {
		if _, err := Migrate(ctx, cfg); err != nil {
			return nil, err
		}
	}

	db, err := sql.Open(drv.name, dsn)
	if err != nil {
		return nil, err
	}
	drv.pool(db, cfg)

	session := drv.session
	if drv.dialect == dialectSQLite && cfg.BusyTimeout > 0 {
		session = append([]string{fmt.Sprintf("PRAGMA busy_timeout = %d", cfg.BusyTimeout.Milliseconds())}, session...)
	}
	for _, stmt := range session {
		if _, err := db.ExecContext(ctx, stmt); err != nil {
			log.Warn("storage session setup failed", logx.String("stmt", stmt), logx.Err(err))
		}
	}
	if err := db.PingContext(ctx); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("%s ping: %w", drv.name, err)
	}

	stats := db.Stats()
	log.Info("storage opened", logx.String("driver", drv.name), logx.Int("max_open_conns", stats.MaxOpenConnections))
	return &sqlStore{db: db, d: drv.dialect, log: log}, nil
}
