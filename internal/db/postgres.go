package db

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/stdlib"

	"github.com/kandev/eventpipe/internal/common/config"
)

const (
	defaultPostgresMaxConns = 10
	defaultPostgresMinConns = 2
	postgresConnIdleTime    = 5 * time.Minute
	postgresPingTimeout     = 5 * time.Second
	postgresApplicationName = "eventpipe"
)

// poolSettings sizes the database/sql pool in front of pgx.
type poolSettings struct {
	MaxOpen     int
	MaxIdle     int
	MaxIdleTime time.Duration
}

func postgresPool(cfg config.DatabaseConfig) poolSettings {
	p := poolSettings{
		MaxOpen:     cfg.MaxConns,
		MaxIdle:     cfg.MinConns,
		MaxIdleTime: postgresConnIdleTime,
	}
	if p.MaxOpen <= 0 {
		p.MaxOpen = defaultPostgresMaxConns
	}
	if p.MaxIdle <= 0 {
		p.MaxIdle = defaultPostgresMinConns
	}
	if p.MaxIdle > p.MaxOpen {
		p.MaxIdle = p.MaxOpen
	}
	return p
}

// postgresConnConfig parses the connection settings and tags every
// connection with the service name unless the DSN already sets one.
func postgresConnConfig(cfg config.DatabaseConfig) (*pgx.ConnConfig, error) {
	connCfg, err := pgx.ParseConfig(cfg.DSN())
	if err != nil {
		return nil, fmt.Errorf("invalid postgres settings: %w", err)
	}
	if connCfg.RuntimeParams == nil {
		connCfg.RuntimeParams = make(map[string]string)
	}
	if _, ok := connCfg.RuntimeParams["application_name"]; !ok {
		connCfg.RuntimeParams["application_name"] = postgresApplicationName
	}
	return connCfg, nil
}

// OpenPostgres opens a pgx-backed database/sql pool sized from cfg and
// checks that the server is reachable.
func OpenPostgres(cfg config.DatabaseConfig) (*sql.DB, error) {
	connCfg, err := postgresConnConfig(cfg)
	if err != nil {
		return nil, err
	}

	conn := stdlib.OpenDB(*connCfg)
	pool := postgresPool(cfg)
	conn.SetMaxOpenConns(pool.MaxOpen)
	conn.SetMaxIdleConns(pool.MaxIdle)
	conn.SetConnMaxIdleTime(pool.MaxIdleTime)

	ctx, cancel := context.WithTimeout(context.Background(), postgresPingTimeout)
	defer cancel()
	if err := conn.PingContext(ctx); err != nil {
		_ = conn.Close()
		return nil, fmt.Errorf("failed to ping postgres database %s@%s: %w", connCfg.Database, connCfg.Host, err)
	}
	return conn, nil
}
