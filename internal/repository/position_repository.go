package repository

import (
	"context"
	"database/sql"
	"errors"

	"tradesync/internal/models"
)

// Ошибки репозитория позиций
var (
	ErrPositionNotFound = errors.New("position not found")
	// ErrStaleTransition возвращается когда переход статуса не применился:
	// позиция уже не в ожидаемом исходном статусе (конкурентный цикл
	// реконсиляции успел раньше)
	ErrStaleTransition = errors.New("position not in expected status")
)

const positionColumns = `id, symbol, entry_price, quantity, entry_order_ref, tp_order_ref, sl_order_ref,
	take_profit, stop_loss, status, close_reason, row_key, error_cycles, reconciled_at, archived, created_at, updated_at`

// PositionRepository - работа с таблицей positions
type PositionRepository struct {
	db DBTX
}

// NewPositionRepository создает новый экземпляр репозитория
func NewPositionRepository(db DBTX) *PositionRepository {
	return &PositionRepository{db: db}
}

// WithTx возвращает копию репозитория, привязанную к транзакции
func (r *PositionRepository) WithTx(tx *sql.Tx) *PositionRepository {
	return &PositionRepository{db: tx}
}

// Upsert создаёт или обновляет незаархивированную позицию символа.
//
// Уникальный частичный индекс по symbol гарантирует инвариант
// "не более одной живой позиции на символ"; CHECK-констрейнт таблицы -
// парность TP/SL ссылок.
func (r *PositionRepository) Upsert(ctx context.Context, p *models.Position) error {
	query := `
		INSERT INTO positions (symbol, entry_price, quantity, entry_order_ref, tp_order_ref, sl_order_ref,
			take_profit, stop_loss, status, close_reason, row_key)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11)
		ON CONFLICT (symbol) WHERE NOT archived DO UPDATE SET
			entry_price     = EXCLUDED.entry_price,
			quantity        = EXCLUDED.quantity,
			entry_order_ref = EXCLUDED.entry_order_ref,
			tp_order_ref    = EXCLUDED.tp_order_ref,
			sl_order_ref    = EXCLUDED.sl_order_ref,
			take_profit     = EXCLUDED.take_profit,
			stop_loss       = EXCLUDED.stop_loss,
			status          = EXCLUDED.status,
			close_reason    = EXCLUDED.close_reason,
			row_key         = EXCLUDED.row_key,
			updated_at      = now()
		RETURNING id`

	err := r.db.QueryRowContext(
		ctx,
		query,
		p.Symbol,
		p.EntryPrice,
		p.Quantity,
		p.EntryOrderRef,
		p.TPOrderRef,
		p.SLOrderRef,
		p.TakeProfit,
		p.StopLoss,
		p.Status,
		p.CloseReason,
		p.RowKey,
	).Scan(&p.ID)

	if err != nil {
		return storeErr("upsert position", err)
	}

	return nil
}

// GetBySymbol возвращает живую (незаархивированную) позицию символа
func (r *PositionRepository) GetBySymbol(ctx context.Context, symbol string) (*models.Position, error) {
	query := `SELECT ` + positionColumns + ` FROM positions WHERE symbol = $1 AND NOT archived`

	p, err := scanPosition(r.db.QueryRowContext(ctx, query, symbol))
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrPositionNotFound
		}
		return nil, storeErr("get position", err)
	}

	return p, nil
}

// ListOpen возвращает все живые позиции в статусах OPEN и CLOSING.
// CLOSING включён: после краха между отменой sibling-ордера и финальным
// CLOSED реконсилятор должен доделать закрытие.
func (r *PositionRepository) ListOpen(ctx context.Context) ([]*models.Position, error) {
	query := `SELECT ` + positionColumns + `
		FROM positions
		WHERE NOT archived AND status IN ($1, $2)
		ORDER BY symbol`

	rows, err := r.db.QueryContext(ctx, query, models.PositionStatusOpen, models.PositionStatusClosing)
	if err != nil {
		return nil, storeErr("list open positions", err)
	}
	defer rows.Close()

	var positions []*models.Position
	for rows.Next() {
		p, err := scanPosition(rows)
		if err != nil {
			return nil, storeErr("list open positions", err)
		}
		positions = append(positions, p)
	}

	if err := rows.Err(); err != nil {
		return nil, storeErr("list open positions", err)
	}

	return positions, nil
}

// Transition переводит позицию из ожидаемого статуса в новый.
//
// Guarded update: если позиция уже не в статусе from, возвращается
// ErrStaleTransition и мутация не применяется. Допустимость перехода
// проверяет state machine в engine до вызова.
func (r *PositionRepository) Transition(ctx context.Context, symbol, from, to, closeReason string) error {
	query := `
		UPDATE positions SET
			status = $1,
			close_reason = CASE WHEN $2 = '' THEN close_reason ELSE $2 END,
			updated_at = now()
		WHERE symbol = $3 AND NOT archived AND status = $4`

	result, err := r.db.ExecContext(ctx, query, to, closeReason, symbol, from)
	if err != nil {
		return storeErr("transition position", err)
	}

	rows, err := result.RowsAffected()
	if err != nil {
		return storeErr("transition position", err)
	}
	if rows == 0 {
		return ErrStaleTransition
	}

	return nil
}

// ClearProtection обнуляет пару TP/SL ссылок (обе разом, paired-or-none)
func (r *PositionRepository) ClearProtection(ctx context.Context, symbol string) error {
	query := `
		UPDATE positions SET
			tp_order_ref = '',
			sl_order_ref = '',
			updated_at = now()
		WHERE symbol = $1 AND NOT archived`

	if _, err := r.db.ExecContext(ctx, query, symbol); err != nil {
		return storeErr("clear protection", err)
	}

	return nil
}

// TouchReconciled отмечает успешный цикл реконсиляции позиции
// и сбрасывает счётчик подряд идущих ошибок
func (r *PositionRepository) TouchReconciled(ctx context.Context, symbol string) error {
	query := `
		UPDATE positions SET
			reconciled_at = now(),
			error_cycles = 0,
			updated_at = now()
		WHERE symbol = $1 AND NOT archived`

	if _, err := r.db.ExecContext(ctx, query, symbol); err != nil {
		return storeErr("touch reconciled", err)
	}

	return nil
}

// BumpErrorCycles инкрементирует счётчик циклов без статуса ордеров.
// Возвращает новое значение счётчика.
func (r *PositionRepository) BumpErrorCycles(ctx context.Context, symbol string) (int, error) {
	query := `
		UPDATE positions SET
			error_cycles = error_cycles + 1,
			updated_at = now()
		WHERE symbol = $1 AND NOT archived
		RETURNING error_cycles`

	var cycles int
	err := r.db.QueryRowContext(ctx, query, symbol).Scan(&cycles)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return 0, ErrPositionNotFound
		}
		return 0, storeErr("bump error cycles", err)
	}

	return cycles, nil
}

// Archive архивирует закрытую позицию: символ освобождается для
// следующей сделки, запись остаётся в таблице для истории
func (r *PositionRepository) Archive(ctx context.Context, symbol string) error {
	query := `
		UPDATE positions SET
			archived = TRUE,
			updated_at = now()
		WHERE symbol = $1 AND NOT archived AND status = $2`

	result, err := r.db.ExecContext(ctx, query, symbol, models.PositionStatusClosed)
	if err != nil {
		return storeErr("archive position", err)
	}

	rows, err := result.RowsAffected()
	if err != nil {
		return storeErr("archive position", err)
	}
	if rows == 0 {
		return ErrPositionNotFound
	}

	return nil
}

func scanPosition(s scanner) (*models.Position, error) {
	p := &models.Position{}
	err := s.Scan(
		&p.ID,
		&p.Symbol,
		&p.EntryPrice,
		&p.Quantity,
		&p.EntryOrderRef,
		&p.TPOrderRef,
		&p.SLOrderRef,
		&p.TakeProfit,
		&p.StopLoss,
		&p.Status,
		&p.CloseReason,
		&p.RowKey,
		&p.ErrorCycles,
		&p.ReconciledAt,
		&p.Archived,
		&p.CreatedAt,
		&p.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}
	return p, nil
}
