// Package db archives delivery statuses in Postgres so confirmations keep
// working across restarts.
package db

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"go.uber.org/zap"
)

type DB struct {
	pool   *pgxpool.Pool
	logger *zap.Logger
}

type Config struct {
	Host     string
	Password string
	User     string
	Database string
	SSLMode  string
	Port     int
}

// DSN renders cfg as a libpq keyword/value string. The password is left out
// when empty so a .pgpass file can supply it.
func (cfg Config) DSN() string {
	parts := []string{
		fmt.Sprintf("host=%s", cfg.Host),
		fmt.Sprintf("port=%d", cfg.Port),
		fmt.Sprintf("user=%s", cfg.User),
	}
	if cfg.Password != "" {
		parts = append(parts, fmt.Sprintf("password=%s", cfg.Password))
	}
	parts = append(parts,
		fmt.Sprintf("dbname=%s", cfg.Database),
		fmt.Sprintf("sslmode=%s", cfg.SSLMode),
	)
	return strings.Join(parts, " ")
}

// PoolConfig parses dsn and applies the pool sizing shared by the gateway
// and the migrator. appName shows up in pg_stat_activity.
func PoolConfig(dsn, appName string) (*pgxpool.Config, error) {
	pc, err := pgxpool.ParseConfig(dsn)
	if err != nil {
		return nil, fmt.Errorf("parse pool config: %w", err)
	}
	// One archive write per delivery transition.
	pc.MaxConns = 10
	pc.MinConns = 2
	pc.MaxConnLifetime = time.Hour
	pc.MaxConnIdleTime = 30 * time.Minute
	pc.HealthCheckPeriod = time.Minute
	pc.ConnConfig.RuntimeParams["application_name"] = appName
	return pc, nil
}

// Open builds a pool from pc and fails unless the server answers.
func Open(ctx context.Context, pc *pgxpool.Config) (*pgxpool.Pool, error) {
	pool, err := pgxpool.NewWithConfig(ctx, pc)
	if err != nil {
		return nil, fmt.Errorf("create pool: %w", err)
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("ping %s: %w", pc.ConnConfig.Host, err)
	}
	return pool, nil
}

func New(ctx context.Context, cfg Config, logger *zap.Logger) (*DB, error) {
	pc, err := PoolConfig(cfg.DSN(), "hrpulse-gateway")
	if err != nil {
		return nil, err
	}
	pool, err := Open(ctx, pc)
	if err != nil {
		return nil, err
	}

	logger.Info("postgres archive connected",
		zap.String("host", cfg.Host),
		zap.String("database", cfg.Database),
		zap.Int32("max_conns", pc.MaxConns),
	)
	return &DB{pool: pool, logger: logger}, nil
}

func (db *DB) Close() {
	db.logger.Info("closing database connection pool")
	db.pool.Close()
}

func (db *DB) Pool() *pgxpool.Pool {
	return db.pool
}

// Health is used by the readiness check.
func (db *DB) Health(ctx context.Context) error {
	return db.pool.Ping(ctx)
}
