package db

import (
	"context"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
)

// defaultMaxConns хватает одному API-инстансу и воркеру на общей базе.
const defaultMaxConns = 8

// Connect создаёт пул подключений к Postgres. Размер пула задаётся конфигом
// PG_MAX_CONNS, нулевое или отрицательное значение заменяется дефолтом.
func Connect(dsn string, maxConns int32) (*pgxpool.Pool, error) {
	cfg, err := pgxpool.ParseConfig(dsn)
	if err != nil {
		return nil, err
	}
	if maxConns <= 0 {
		maxConns = defaultMaxConns
	}
	cfg.MaxConns = maxConns
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	pool, err := pgxpool.NewWithConfig(ctx, cfg)
	if err != nil {
		return nil, err
	}
	return pool, nil
}
