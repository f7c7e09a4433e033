package db

import (
	"fmt"

	"github.com/jmoiron/sqlx"
	"go.uber.org/zap"

	"github.com/kandev/eventpipe/internal/common/config"
	"github.com/kandev/eventpipe/internal/common/logger"
)

// Driver names as registered with database/sql.
const (
	DriverSQLite   = "sqlite3"
	DriverPostgres = "pgx"
)

// Provide opens the configured database. It returns a nil DB when no driver
// is configured, in which case conversations live only in memory.
func Provide(cfg config.DatabaseConfig, log *logger.Logger) (*sqlx.DB, func() error, error) {
	switch cfg.Driver {
	case "":
		return nil, func() error { return nil }, nil
	case "sqlite":
		conn, err := OpenSQLite(cfg.Path)
		if err != nil {
			return nil, nil, fmt.Errorf("failed to open sqlite database: %w", err)
		}
		log.Info("Database initialized", zap.String("db_path", cfg.Path), zap.String("db_driver", cfg.Driver))
		return sqlx.NewDb(conn, DriverSQLite), func() error {
			// Keep query planner statistics current.
			_, _ = conn.Exec("PRAGMA optimize")
			return conn.Close()
		}, nil
	case "postgres":
		conn, err := OpenPostgres(cfg)
		if err != nil {
			return nil, nil, err
		}
		log.Info("Database initialized", zap.String("db_host", cfg.Host), zap.String("db_driver", cfg.Driver))
		return sqlx.NewDb(conn, DriverPostgres), conn.Close, nil
	default:
		return nil, nil, fmt.Errorf("unsupported database driver: %s", cfg.Driver)
	}
}

// IsPostgres returns true if the sqlx driver name is PostgreSQL (pgx).
func IsPostgres(driver string) bool {
	return driver == DriverPostgres
}
