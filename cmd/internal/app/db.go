package app

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

const (
	dbApplicationName = "chatsync"
	dbConnectTimeout  = 3 * time.Second
	readyTimeout      = 2 * time.Second
)

// dbPoolConfig turns CHAT_DATABASE_URL and the pool limits into a pgxpool
// config. The chat schema leads the search path of every connection.
func dbPoolConfig(cfg Config) (*pgxpool.Config, error) {
	pcfg, err := pgxpool.ParseConfig(cfg.DatabaseURL)
	if err != nil {
		return nil, fmt.Errorf("app: parse database url: %w", err)
	}

	if cfg.DBMaxConns > 0 {
		pcfg.MaxConns = cfg.DBMaxConns
	}
	if cfg.DBMinConns >= 0 && cfg.DBMinConns <= pcfg.MaxConns {
		pcfg.MinConns = cfg.DBMinConns
	}

	params := pcfg.ConnConfig.RuntimeParams
	if params["application_name"] == "" {
		params["application_name"] = dbApplicationName
	}
	if schema := strings.TrimSpace(cfg.DBSchema); schema != "" {
		params["search_path"] = pgx.Identifier{schema}.Sanitize() + ", public"
	}
	return pcfg, nil
}

// NewDBPool opens the pool backing the postgres chat store and waits for a
// first connection.
func NewDBPool(ctx context.Context, cfg Config, log Logger) (*pgxpool.Pool, error) {
	pcfg, err := dbPoolConfig(cfg)
	if err != nil {
		return nil, err
	}

	pool, err := pgxpool.NewWithConfig(ctx, pcfg)
	if err != nil {
		return nil, err
	}

	if err := PingDB(ctx, pool, dbConnectTimeout); err != nil {
		pool.Close()
		return nil, err
	}

	log.Info("store.pool.ready",
		"max_conns", pcfg.MaxConns,
		"min_conns", pcfg.MinConns,
		"search_path", pcfg.ConnConfig.RuntimeParams["search_path"],
	)
	return pool, nil
}

// PingDB checks a connection can be acquired within timeout. /readyz uses it
// for the postgres store.
func PingDB(parent context.Context, pool *pgxpool.Pool, timeout time.Duration) error {
	ctx, cancel := context.WithTimeout(parent, timeout)
	defer cancel()

	conn, err := pool.Acquire(ctx)
	if err != nil {
		return err
	}
	defer conn.Release()
	return conn.Ping(ctx)
}
