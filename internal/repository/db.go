// Package repository реализует durable store движка исполнения поверх
// database/sql: очередь действий, позиции, очередь ledger-операций и
// dedup-журнал применённых ключей идемпотентности.
//
// Все мутации, затрагивающие несколько записей, выполняются в одной
// транзакции: после сбоя процесс не наблюдает частичного состояния.
package repository

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"
)

// ErrStoreUnavailable оборачивает ошибки ввода-вывода хранилища.
// Вызывающие воркеры трактуют её как retryable: пауза + повтор,
// запись никогда не отбрасывается молча.
var ErrStoreUnavailable = errors.New("store unavailable")

// DBTX - общий интерфейс *sql.DB и *sql.Tx.
// Позволяет репозиториям работать и автономно, и внутри транзакции.
type DBTX interface {
	ExecContext(ctx context.Context, query string, args ...interface{}) (sql.Result, error)
	QueryContext(ctx context.Context, query string, args ...interface{}) (*sql.Rows, error)
	QueryRowContext(ctx context.Context, query string, args ...interface{}) *sql.Row
}

// storeErr помечает ошибку драйвера как недоступность хранилища
func storeErr(op string, err error) error {
	return fmt.Errorf("%w: %s: %v", ErrStoreUnavailable, op, err)
}

// Open создаёт подключение к БД с настроенным пулом соединений
func Open(driver, dsn string) (*sql.DB, error) {
	db, err := sql.Open(driver, dsn)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	db.SetMaxOpenConns(25)
	db.SetMaxIdleConns(5)
	db.SetConnMaxLifetime(5 * time.Minute)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if err := db.PingContext(ctx); err != nil {
		return nil, fmt.Errorf("failed to ping database: %w", err)
	}

	return db, nil
}

// InTx выполняет fn в транзакции с commit/rollback
func InTx(ctx context.Context, db *sql.DB, fn func(tx *sql.Tx) error) error {
	tx, err := db.BeginTx(ctx, nil)
	if err != nil {
		return storeErr("begin tx", err)
	}

	if err := fn(tx); err != nil {
		_ = tx.Rollback()
		return err
	}

	if err := tx.Commit(); err != nil {
		return storeErr("commit tx", err)
	}

	return nil
}

// schema - идемпотентная схема durable store.
//
// pending_actions  - очередь действий с lease и ключом идемпотентности
// positions        - локальные записи об открытых сделках
// ledger_updates   - очередь записей во внешний ledger
// ledger_applied   - журнал применённых ключей (локальный dedup)
// meta             - watermarks для health-эндпоинта
var schema = []string{
	`CREATE TABLE IF NOT EXISTS pending_actions (
		id               BIGSERIAL PRIMARY KEY,
		kind             TEXT NOT NULL,
		symbol           TEXT NOT NULL,
		side             TEXT NOT NULL,
		quantity         DOUBLE PRECISION NOT NULL,
		entry_price      DOUBLE PRECISION NOT NULL DEFAULT 0,
		take_profit      DOUBLE PRECISION NOT NULL DEFAULT 0,
		stop_loss        DOUBLE PRECISION NOT NULL DEFAULT 0,
		status           TEXT NOT NULL DEFAULT 'QUEUED',
		attempts         INTEGER NOT NULL DEFAULT 0,
		idempotency_key  TEXT NOT NULL UNIQUE,
		last_error       TEXT NOT NULL DEFAULT '',
		lease_expires_at TIMESTAMPTZ,
		not_before       TIMESTAMPTZ,
		created_at       TIMESTAMPTZ NOT NULL DEFAULT now(),
		updated_at       TIMESTAMPTZ NOT NULL DEFAULT now()
	)`,
	`CREATE INDEX IF NOT EXISTS idx_actions_claim
		ON pending_actions(status, symbol, id)`,
	`CREATE TABLE IF NOT EXISTS positions (
		id              BIGSERIAL PRIMARY KEY,
		symbol          TEXT NOT NULL,
		entry_price     DOUBLE PRECISION NOT NULL,
		quantity        DOUBLE PRECISION NOT NULL,
		entry_order_ref TEXT NOT NULL DEFAULT '',
		tp_order_ref    TEXT NOT NULL DEFAULT '',
		sl_order_ref    TEXT NOT NULL DEFAULT '',
		take_profit     DOUBLE PRECISION NOT NULL DEFAULT 0,
		stop_loss       DOUBLE PRECISION NOT NULL DEFAULT 0,
		status          TEXT NOT NULL DEFAULT 'OPEN',
		close_reason    TEXT NOT NULL DEFAULT '',
		row_key         TEXT NOT NULL DEFAULT '',
		error_cycles    INTEGER NOT NULL DEFAULT 0,
		reconciled_at   TIMESTAMPTZ,
		archived        BOOLEAN NOT NULL DEFAULT FALSE,
		created_at      TIMESTAMPTZ NOT NULL DEFAULT now(),
		updated_at      TIMESTAMPTZ NOT NULL DEFAULT now(),
		CONSTRAINT positions_tp_sl_paired CHECK ((tp_order_ref = '') = (sl_order_ref = ''))
	)`,
	`CREATE UNIQUE INDEX IF NOT EXISTS idx_positions_symbol_live
		ON positions(symbol) WHERE NOT archived`,
	`CREATE TABLE IF NOT EXISTS ledger_updates (
		id              BIGSERIAL PRIMARY KEY,
		row_key         TEXT NOT NULL,
		kind            TEXT NOT NULL,
		fields          TEXT NOT NULL DEFAULT '{}',
		idempotency_key TEXT NOT NULL UNIQUE,
		status          TEXT NOT NULL DEFAULT 'PENDING',
		retries         INTEGER NOT NULL DEFAULT 0,
		created_at      TIMESTAMPTZ NOT NULL DEFAULT now(),
		sent_at         TIMESTAMPTZ
	)`,
	`CREATE INDEX IF NOT EXISTS idx_ledger_batch
		ON ledger_updates(status, row_key, id)`,
	`CREATE TABLE IF NOT EXISTS ledger_applied (
		idempotency_key TEXT PRIMARY KEY,
		applied_at      TIMESTAMPTZ NOT NULL DEFAULT now()
	)`,
	`CREATE TABLE IF NOT EXISTS notifications (
		id        BIGSERIAL PRIMARY KEY,
		timestamp TIMESTAMPTZ NOT NULL DEFAULT now(),
		type      TEXT NOT NULL,
		severity  TEXT NOT NULL,
		symbol    TEXT NOT NULL DEFAULT '',
		message   TEXT NOT NULL,
		meta      TEXT NOT NULL DEFAULT '{}'
	)`,
	`CREATE TABLE IF NOT EXISTS meta (
		key   TEXT PRIMARY KEY,
		value TEXT NOT NULL
	)`,
}

// InitSchema создаёт таблицы durable store (идемпотентно).
// Схема forward-compatible между рестартами: только CREATE IF NOT EXISTS.
func InitSchema(ctx context.Context, db *sql.DB) error {
	for _, stmt := range schema {
		if _, err := db.ExecContext(ctx, stmt); err != nil {
			return storeErr("init schema", err)
		}
	}
	return nil
}
