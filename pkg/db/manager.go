// Copyright 2025 Kadir Pekel
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

// Package db provides the centralized database manager: a pooled,
// retrying, health-monitored access layer that is the single chokepoint
// for every SQL statement in the system.
//
// Row-level security context is applied per logical operation: when an
// RLSContext is supplied, the two app.current_user_* session settings are
// issued on the same connection, inside the same transaction as the user
// statement, so the context can never leak across operations.
package db

import (
	"context"
	"database/sql"
	"fmt"
	"log/slog"
	"sync"
	"time"

	_ "github.com/lib/pq"
	_ "github.com/mattn/go-sqlite3"

	"github.com/adamsih300u/bastion/pkg/config"
)

// Row is a single result row keyed by column name.
type Row map[string]any

// RLSContext carries the row-level security identity for one operation.
// A nil UserID is propagated as SQL NULL, not as an empty string.
type RLSContext struct {
	UserID *string
	Role   string
}

// Admin returns an RLS context with the admin role and no user scoping.
func Admin() *RLSContext {
	return &RLSContext{Role: "admin"}
}

// ForUser returns an RLS context scoped to the given user.
func ForUser(userID string) *RLSContext {
	return &RLSContext{UserID: &userID, Role: "user"}
}

// Manager is the shared database access layer.
type Manager struct {
	cfg  *config.DatabaseConfig
	pool *sql.DB

	stats    Stats
	statsMu  sync.Mutex
	stopOnce sync.Once
	stopCh   chan struct{}
}

// NewManager opens the pool, verifies connectivity, and starts the health
// loop. In one-shot mode the pool is still opened for schema work, but
// data-path calls open dedicated connections.
func NewManager(cfg *config.DatabaseConfig) (*Manager, error) {
	if cfg == nil {
		return nil, fmt.Errorf("database config is required")
	}
	cfg.SetDefaults()
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid database config: %w", err)
	}

	pool, err := openPool(cfg)
	if err != nil {
		return nil, err
	}

	m := &Manager{
		cfg:    cfg,
		pool:   pool,
		stopCh: make(chan struct{}),
	}
	m.stats.Status = StatusHealthy

	go m.healthLoop()

	return m, nil
}

func openPool(cfg *config.DatabaseConfig) (*sql.DB, error) {
	pool, err := sql.Open(cfg.DriverName(), cfg.DSN())
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	// SQLite allows only one writer; a single connection serializes access
	// and prevents "database is locked" errors.
	if cfg.DriverName() == "sqlite3" {
		pool.SetMaxOpenConns(1)
		pool.SetMaxIdleConns(1)
	} else {
		pool.SetMaxOpenConns(cfg.MaxConns)
		pool.SetMaxIdleConns(cfg.MinConns)
	}
	pool.SetConnMaxLifetime(cfg.MaxConnLifetime)
	pool.SetConnMaxIdleTime(cfg.MaxConnIdleTime)

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	if err := pool.PingContext(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("failed to connect to database: %w", err)
	}

	return pool, nil
}

// Close stops the health loop and closes the pool.
func (m *Manager) Close() error {
	m.stopOnce.Do(func() { close(m.stopCh) })
	return m.pool.Close()
}

// Pool exposes the underlying pool for schema initialization.
func (m *Manager) Pool() *sql.DB {
	return m.pool
}

// Dialect returns the active SQL dialect ("postgres" or "sqlite").
func (m *Manager) Dialect() string {
	if m.cfg.DriverName() == "sqlite3" {
		return "sqlite"
	}
	return "postgres"
}

// Exec runs a non-returning statement.
func (m *Manager) Exec(ctx context.Context, query string, args []any, rls *RLSContext) error {
	return m.withRetry(ctx, func() error {
		return m.run(ctx, rls, func(ctx context.Context, ex executor) error {
			_, err := ex.ExecContext(ctx, query, args...)
			return err
		})
	})
}

// FetchOne runs a query and returns the first row, or nil when no row matches.
func (m *Manager) FetchOne(ctx context.Context, query string, args []any, rls *RLSContext) (Row, error) {
	var result Row
	err := m.withRetry(ctx, func() error {
		return m.run(ctx, rls, func(ctx context.Context, ex executor) error {
			rows, err := ex.QueryContext(ctx, query, args...)
			if err != nil {
				return err
			}
			defer rows.Close()

			scanned, err := scanRows(rows, 1)
			if err != nil {
				return err
			}
			if len(scanned) == 0 {
				result = nil
			} else {
				result = scanned[0]
			}
			return nil
		})
	})
	return result, err
}

// FetchAll runs a query and returns every row.
func (m *Manager) FetchAll(ctx context.Context, query string, args []any, rls *RLSContext) ([]Row, error) {
	var result []Row
	err := m.withRetry(ctx, func() error {
		return m.run(ctx, rls, func(ctx context.Context, ex executor) error {
			rows, err := ex.QueryContext(ctx, query, args...)
			if err != nil {
				return err
			}
			defer rows.Close()

			scanned, err := scanRows(rows, -1)
			if err != nil {
				return err
			}
			result = scanned
			return nil
		})
	})
	return result, err
}

// FetchVal runs a query and returns the first column of the first row.
func (m *Manager) FetchVal(ctx context.Context, query string, args []any, rls *RLSContext) (any, error) {
	row, err := m.FetchOne(ctx, query, args, rls)
	if err != nil {
		return nil, err
	}
	if row == nil {
		return nil, nil
	}
	if len(row) != 1 {
		return nil, fmt.Errorf("FetchVal expects a single-column query, got %d columns", len(row))
	}
	return firstColumn(row), nil
}

// WithTx executes fn inside a single transaction on one connection,
// applying the RLS context first when supplied.
func (m *Manager) WithTx(ctx context.Context, rls *RLSContext, fn func(ctx context.Context, tx *sql.Tx) error) error {
	return m.withRetry(ctx, func() error {
		handle, release, err := m.acquire(ctx)
		if err != nil {
			return err
		}
		defer release()

		ctx, cancel := context.WithTimeout(ctx, m.cfg.CommandTimeout)
		defer cancel()

		tx, err := handle.BeginTx(ctx, nil)
		if err != nil {
			return fmt.Errorf("failed to begin transaction: %w", err)
		}

		if err := m.applyRLS(ctx, tx, rls); err != nil {
			_ = tx.Rollback()
			return err
		}

		if err := fn(ctx, tx); err != nil {
			_ = tx.Rollback()
			return err
		}

		return tx.Commit()
	})
}

// executor is satisfied by *sql.Tx, *sql.Conn and *sql.DB.
type executor interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
}

// run executes op with per-call timeout, query logging and stats tracking.
// With an RLS context it pins a transaction; without one it uses the pool
// (or a dedicated connection in one-shot mode).
func (m *Manager) run(ctx context.Context, rls *RLSContext, op func(ctx context.Context, ex executor) error) error {
	start := time.Now()

	err := m.runInner(ctx, rls, op)

	m.recordQuery(err)
	if m.cfg.EnableQueryLogging {
		slog.Debug("Executed statement", "duration", time.Since(start), "error", err)
	}
	return err
}

func (m *Manager) runInner(ctx context.Context, rls *RLSContext, op func(ctx context.Context, ex executor) error) error {
	ctx, cancel := context.WithTimeout(ctx, m.cfg.CommandTimeout)
	defer cancel()

	if rls == nil && m.cfg.Mode == config.ModePooled {
		return op(ctx, m.pool)
	}

	handle, release, err := m.acquire(ctx)
	if err != nil {
		return err
	}
	defer release()

	if rls == nil {
		return op(ctx, handle)
	}

	// RLS settings are transaction-local (set_config(..., true)), so the
	// context dies with the transaction and cannot leak to the next
	// operation on this connection.
	tx, err := handle.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	if err := m.applyRLS(ctx, tx, rls); err != nil {
		_ = tx.Rollback()
		return err
	}
	if err := op(ctx, tx); err != nil {
		_ = tx.Rollback()
		return err
	}
	return tx.Commit()
}

// acquire returns a connection handle and its release func. In one-shot
// mode a fresh database handle is opened and torn down per call.
func (m *Manager) acquire(ctx context.Context) (*sql.Conn, func(), error) {
	if m.cfg.Mode == config.ModeOneShot {
		direct, err := sql.Open(m.cfg.DriverName(), m.cfg.DSN())
		if err != nil {
			return nil, nil, fmt.Errorf("failed to open direct connection: %w", err)
		}
		direct.SetMaxOpenConns(1)
		conn, err := direct.Conn(ctx)
		if err != nil {
			direct.Close()
			return nil, nil, fmt.Errorf("failed to acquire direct connection: %w", err)
		}
		return conn, func() {
			_ = conn.Close()
			_ = direct.Close()
		}, nil
	}

	conn, err := m.pool.Conn(ctx)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to acquire connection: %w", err)
	}
	return conn, func() { _ = conn.Close() }, nil
}

// applyRLS issues the two session configuration statements on the same
// transaction as the upcoming user statement. SQLite has no set_config;
// the contract is enforced by PostgreSQL RLS policies in production.
func (m *Manager) applyRLS(ctx context.Context, tx *sql.Tx, rls *RLSContext) error {
	if rls == nil || m.Dialect() != "postgres" {
		return nil
	}

	var userID any
	if rls.UserID != nil {
		userID = *rls.UserID
	}

	if _, err := tx.ExecContext(ctx, `SELECT set_config('app.current_user_id', $1, true)`, userID); err != nil {
		return fmt.Errorf("failed to set RLS user id: %w", err)
	}
	if _, err := tx.ExecContext(ctx, `SELECT set_config('app.current_user_role', $1, true)`, rls.Role); err != nil {
		return fmt.Errorf("failed to set RLS role: %w", err)
	}
	return nil
}

func scanRows(rows *sql.Rows, limit int) ([]Row, error) {
	cols, err := rows.Columns()
	if err != nil {
		return nil, fmt.Errorf("failed to read columns: %w", err)
	}

	var result []Row
	for rows.Next() {
		values := make([]any, len(cols))
		ptrs := make([]any, len(cols))
		for i := range values {
			ptrs[i] = &values[i]
		}
		if err := rows.Scan(ptrs...); err != nil {
			return nil, fmt.Errorf("failed to scan row: %w", err)
		}

		row := make(Row, len(cols))
		for i, col := range cols {
			if b, ok := values[i].([]byte); ok {
				row[col] = string(b)
			} else {
				row[col] = values[i]
			}
		}
		result = append(result, row)

		if limit > 0 && len(result) >= limit {
			break
		}
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating rows: %w", err)
	}
	return result, nil
}

func firstColumn(row Row) any {
	for _, v := range row {
		return v
	}
	return nil
}
