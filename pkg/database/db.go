// Package database owns the optional MySQL connection used for booking
// records and domain events. The agent runs fully without it: an empty DSN
// keeps all persistence on local files.
package database

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	_ "github.com/go-sql-driver/mysql"

	"github.com/VhahahaV/sJAutoSport-sub000/pkg/config"
)

// DB wraps the sql pool with the read/write timeouts every query goes
// through.
type DB struct {
	conn         *sql.DB
	readTimeout  time.Duration
	writeTimeout time.Duration
}

// New opens a pooled connection and verifies it with a ping.
func New(dsn string, cfg *config.Config) (*DB, error) {
	conn, err := sql.Open("mysql", dsn)
	if err != nil {
		return nil, fmt.Errorf("database: open: %w", err)
	}

	conn.SetMaxOpenConns(cfg.DBMaxOpenConns)
	conn.SetMaxIdleConns(cfg.DBMaxIdleConns)
	conn.SetConnMaxLifetime(time.Duration(cfg.DBConnMaxLifetime) * time.Minute)

	pingCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := conn.PingContext(pingCtx); err != nil {
		conn.Close()
		return nil, fmt.Errorf("database: ping: %w", err)
	}

	db := &DB{
		conn:         conn,
		readTimeout:  cfg.DBReadTimeout,
		writeTimeout: cfg.DBWriteTimeout,
	}
	return db, nil
}

// Conn exposes the raw pool for health checks.
func (db *DB) Conn() *sql.DB { return db.conn }

// Close shuts the pool down.
func (db *DB) Close() error { return db.conn.Close() }

// ReadCtx derives a context bounded by the configured read timeout.
func (db *DB) ReadCtx(ctx context.Context) (context.Context, context.CancelFunc) {
	if db.readTimeout <= 0 {
		return context.WithCancel(ctx)
	}
	return context.WithTimeout(ctx, db.readTimeout)
}

// WriteCtx derives a context bounded by the configured write timeout.
func (db *DB) WriteCtx(ctx context.Context) (context.Context, context.CancelFunc) {
	if db.writeTimeout <= 0 {
		return context.WithCancel(ctx)
	}
	return context.WithTimeout(ctx, db.writeTimeout)
}

// Exec runs a write statement under the write timeout.
func (db *DB) Exec(ctx context.Context, query string, args ...any) (sql.Result, error) {
	wctx, cancel := db.WriteCtx(ctx)
	defer cancel()
	return db.conn.ExecContext(wctx, query, args...)
}

// Query runs a read statement under the read timeout. The returned rows keep
// the derived context alive until closed.
func (db *DB) Query(ctx context.Context, query string, args ...any) (*sql.Rows, context.CancelFunc, error) {
	rctx, cancel := db.ReadCtx(ctx)
	rows, err := db.conn.QueryContext(rctx, query, args...)
	if err != nil {
		cancel()
		return nil, nil, err
	}
	return rows, cancel, nil
}
