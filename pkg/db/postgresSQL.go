package db

import (
	"context"
	_ "embed"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"

	"hirechat/pkg/logging"
)

//go:embed schema.sql
var embeddedSchema string

// Connect opens and pings a pool for dsn, then applies the schema unless
// APPLY_SCHEMA_ON_START=false.
func Connect(ctx context.Context, dsn string, logger *slog.Logger) (*pgxpool.Pool, error) {
	if dsn == "" {
		return nil, errors.New("database url not set")
	}
	if logger == nil {
		logger = logging.Discard()
	}

	config, err := pgxpool.ParseConfig(dsn)
	if err != nil {
		return nil, fmt.Errorf("parse db config: %w", err)
	}

	config.MaxConns = int32(getEnvAsInt("DB_MAX_CONNS", 4))
	config.MinConns = int32(getEnvAsInt("DB_MIN_CONNS", 0))
	config.MaxConnIdleTime = getEnvAsDuration("DB_MAX_CONN_IDLE_TIME", "5m")

	connectCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()

	pool, err := pgxpool.NewWithConfig(connectCtx, config)
	if err != nil {
		return nil, fmt.Errorf("connect to database: %w", err)
	}
	if err := pool.Ping(connectCtx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("database ping: %w", err)
	}
	logger.Info("connected to PostgreSQL", "max_conns", config.MaxConns)

	if !strings.EqualFold(os.Getenv("APPLY_SCHEMA_ON_START"), "false") {
		schemaCtx, cancelSchema := context.WithTimeout(ctx, 30*time.Second)
		defer cancelSchema()
		if err := ApplySchema(schemaCtx, pool); err != nil {
			pool.Close()
			return nil, err
		}
		logger.Info("schema applied")
	}

	return pool, nil
}

func getEnvAsInt(key string, defaultValue int) int {
	valueStr := os.Getenv(key)
	if valueStr == "" {
		return defaultValue
	}
	value, err := strconv.Atoi(valueStr)
	if err != nil {
		return defaultValue
	}
	return value
}

func getEnvAsDuration(key, defaultValue string) time.Duration {
	valueStr := os.Getenv(key)
	if valueStr == "" {
		valueStr = defaultValue
	}
	duration, err := time.ParseDuration(valueStr)
	if err != nil {
		duration, _ = time.ParseDuration(defaultValue)
	}
	return duration
}

// Schema returns the SQL to apply: the file at SCHEMA_PATH if set, else the embedded schema.
func Schema() (string, error) {
	sql := embeddedSchema
	if schemaPath := os.Getenv("SCHEMA_PATH"); schemaPath != "" {
		bytes, err := os.ReadFile(schemaPath)
		if err != nil {
			return "", fmt.Errorf("read schema file: %w", err)
		}
		sql = string(bytes)
	}
	sql = strings.TrimSpace(sql)
	if sql == "" {
		return "", errors.New("schema is empty")
	}
	return sql, nil
}

// ApplySchema executes the schema against pool. Statements are idempotent.
func ApplySchema(ctx context.Context, pool *pgxpool.Pool) error {
	sql, err := Schema()
	if err != nil {
		return err
	}
	if _, err := pool.Exec(ctx, sql); err != nil {
		return fmt.Errorf("execute schema: %w", err)
	}
	return nil
}
