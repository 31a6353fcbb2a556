package repository

import (
	"context"
	"database/sql"
	"errors"
	"time"

	"tradesync/internal/models"
)

// Ошибки репозитория действий
var (
	ErrActionNotFound = errors.New("action not found")
	// ErrDuplicateAction возвращается при повторной постановке действия
	// с уже известным ключом идемпотентности
	ErrDuplicateAction = errors.New("action with this idempotency key already enqueued")
)

const actionColumns = `id, kind, symbol, side, quantity, entry_price, take_profit, stop_loss,
	status, attempts, idempotency_key, last_error, lease_expires_at, not_before, created_at, updated_at`

// ActionRepository - работа с очередью pending_actions
type ActionRepository struct {
	db DBTX
}

// NewActionRepository создает новый экземпляр репозитория
func NewActionRepository(db DBTX) *ActionRepository {
	return &ActionRepository{db: db}
}

// WithTx возвращает копию репозитория, привязанную к транзакции
func (r *ActionRepository) WithTx(tx *sql.Tx) *ActionRepository {
	return &ActionRepository{db: tx}
}

// Enqueue ставит действие в очередь.
//
// Ключ идемпотентности уникален для всей истории очереди: повторная
// доставка того же намерения не создаёт второе действие, возвращается
// ErrDuplicateAction.
func (r *ActionRepository) Enqueue(ctx context.Context, action *models.PendingAction) (int64, error) {
	query := `
		INSERT INTO pending_actions (kind, symbol, side, quantity, entry_price, take_profit, stop_loss, status, idempotency_key)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)
		ON CONFLICT (idempotency_key) DO NOTHING
		RETURNING id`

	var id int64
	err := r.db.QueryRowContext(
		ctx,
		query,
		action.Kind,
		action.Symbol,
		action.Side,
		action.Quantity,
		action.EntryPrice,
		action.TakeProfit,
		action.StopLoss,
		models.ActionStatusQueued,
		action.IdempotencyKey,
	).Scan(&id)

	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return 0, ErrDuplicateAction
		}
		return 0, storeErr("enqueue action", err)
	}

	action.ID = id
	return id, nil
}

// ClaimNext атомарно выдаёт воркеру следующее готовое действие с lease.
//
// Гарантии:
//   - ровно один воркер держит lease на действие (FOR UPDATE SKIP LOCKED);
//   - истёкший lease упавшего воркера делает действие claimable снова;
//   - порядок по символу сохраняется: действие не выдаётся, пока более
//     раннее действие того же символа не достигло терминального статуса;
//   - действия с активным backoff (not_before в будущем) не выдаются.
//
// Возвращает nil, nil если готовых действий нет.
func (r *ActionRepository) ClaimNext(ctx context.Context, lease time.Duration) (*models.PendingAction, error) {
	query := `
		UPDATE pending_actions SET
			status = $1,
			lease_expires_at = now() + $2 * interval '1 second',
			updated_at = now()
		WHERE id = (
			SELECT a.id FROM pending_actions a
			WHERE (
				(a.status = $3 AND (a.not_before IS NULL OR a.not_before <= now()))
				OR (a.status = $1 AND a.lease_expires_at <= now())
			)
			AND NOT EXISTS (
				SELECT 1 FROM pending_actions b
				WHERE b.symbol = a.symbol
				  AND b.id < a.id
				  AND b.status IN ($3, $1)
			)
			ORDER BY a.id
			LIMIT 1
			FOR UPDATE SKIP LOCKED
		)
		RETURNING ` + actionColumns

	row := r.db.QueryRowContext(ctx, query,
		models.ActionStatusInProgress,
		lease.Seconds(),
		models.ActionStatusQueued,
	)

	action, err := scanAction(row)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, nil
		}
		return nil, storeErr("claim next action", err)
	}

	return action, nil
}

// CompleteDone переводит действие в DONE и снимает lease
func (r *ActionRepository) CompleteDone(ctx context.Context, id int64) error {
	return r.setTerminal(ctx, id, models.ActionStatusDone, "")
}

// CompleteFailed переводит действие в FAILED (permanent-ошибка, без retry)
func (r *ActionRepository) CompleteFailed(ctx context.Context, id int64, reason string) error {
	return r.setTerminal(ctx, id, models.ActionStatusFailed, reason)
}

// MarkDead переводит действие в DEAD после исчерпания попыток
func (r *ActionRepository) MarkDead(ctx context.Context, id int64, reason string) error {
	return r.setTerminal(ctx, id, models.ActionStatusDead, reason)
}

func (r *ActionRepository) setTerminal(ctx context.Context, id int64, status, reason string) error {
	query := `
		UPDATE pending_actions SET
			status = $1,
			last_error = $2,
			lease_expires_at = NULL,
			updated_at = now()
		WHERE id = $3`

	result, err := r.db.ExecContext(ctx, query, status, reason, id)
	if err != nil {
		return storeErr("complete action", err)
	}

	rows, err := result.RowsAffected()
	if err != nil {
		return storeErr("complete action", err)
	}
	if rows == 0 {
		return ErrActionNotFound
	}

	return nil
}

// RequeueTransient возвращает действие в QUEUED после transient-ошибки.
// attempts инкрементируется, not_before задаёт момент следующей попытки
// (exponential backoff вычисляет вызывающая сторона).
func (r *ActionRepository) RequeueTransient(ctx context.Context, id int64, reason string, notBefore time.Time) error {
	query := `
		UPDATE pending_actions SET
			status = $1,
			attempts = attempts + 1,
			last_error = $2,
			lease_expires_at = NULL,
			not_before = $3,
			updated_at = now()
		WHERE id = $4`

	result, err := r.db.ExecContext(ctx, query, models.ActionStatusQueued, reason, notBefore, id)
	if err != nil {
		return storeErr("requeue action", err)
	}

	rows, err := result.RowsAffected()
	if err != nil {
		return storeErr("requeue action", err)
	}
	if rows == 0 {
		return ErrActionNotFound
	}

	return nil
}

// RequeueDead возвращает DEAD-действие в очередь (операторская команда).
// Счётчик попыток обнуляется.
func (r *ActionRepository) RequeueDead(ctx context.Context, id int64) error {
	query := `
		UPDATE pending_actions SET
			status = $1,
			attempts = 0,
			last_error = '',
			not_before = NULL,
			updated_at = now()
		WHERE id = $2 AND status = $3`

	result, err := r.db.ExecContext(ctx, query, models.ActionStatusQueued, id, models.ActionStatusDead)
	if err != nil {
		return storeErr("requeue dead action", err)
	}

	rows, err := result.RowsAffected()
	if err != nil {
		return storeErr("requeue dead action", err)
	}
	if rows == 0 {
		return ErrActionNotFound
	}

	return nil
}

// FindDoneByIdempotencyKey проверяет, достигло ли действие с данным ключом
// статуса DONE. Используется как защита от повторной отправки на биржу
// после краха между вызовом биржи и локальным commit'ом.
func (r *ActionRepository) FindDoneByIdempotencyKey(ctx context.Context, key string) (bool, error) {
	query := `SELECT 1 FROM pending_actions WHERE idempotency_key = $1 AND status = $2 LIMIT 1`

	var one int
	err := r.db.QueryRowContext(ctx, query, key, models.ActionStatusDone).Scan(&one)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return false, nil
		}
		return false, storeErr("find done action", err)
	}

	return true, nil
}

// GetByID возвращает действие по ID
func (r *ActionRepository) GetByID(ctx context.Context, id int64) (*models.PendingAction, error) {
	query := `SELECT ` + actionColumns + ` FROM pending_actions WHERE id = $1`

	action, err := scanAction(r.db.QueryRowContext(ctx, query, id))
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrActionNotFound
		}
		return nil, storeErr("get action", err)
	}

	return action, nil
}

// ListByStatus возвращает действия в указанном статусе (для операторского API)
func (r *ActionRepository) ListByStatus(ctx context.Context, status string, limit int) ([]*models.PendingAction, error) {
	query := `SELECT ` + actionColumns + `
		FROM pending_actions
		WHERE status = $1
		ORDER BY id
		LIMIT $2`

	rows, err := r.db.QueryContext(ctx, query, status, limit)
	if err != nil {
		return nil, storeErr("list actions", err)
	}
	defer rows.Close()

	var actions []*models.PendingAction
	for rows.Next() {
		action, err := scanAction(rows)
		if err != nil {
			return nil, storeErr("list actions", err)
		}
		actions = append(actions, action)
	}

	if err := rows.Err(); err != nil {
		return nil, storeErr("list actions", err)
	}

	return actions, nil
}

// CountByStatus возвращает количество действий по статусам (для health)
func (r *ActionRepository) CountByStatus(ctx context.Context) (map[string]int, error) {
	query := `SELECT status, COUNT(*) FROM pending_actions GROUP BY status`

	rows, err := r.db.QueryContext(ctx, query)
	if err != nil {
		return nil, storeErr("count actions", err)
	}
	defer rows.Close()

	counts := make(map[string]int)
	for rows.Next() {
		var status string
		var count int
		if err := rows.Scan(&status, &count); err != nil {
			return nil, storeErr("count actions", err)
		}
		counts[status] = count
	}

	if err := rows.Err(); err != nil {
		return nil, storeErr("count actions", err)
	}

	return counts, nil
}

// scanner покрывает *sql.Row и *sql.Rows
type scanner interface {
	Scan(dest ...interface{}) error
}

func scanAction(s scanner) (*models.PendingAction, error) {
	action := &models.PendingAction{}
	err := s.Scan(
		&action.ID,
		&action.Kind,
		&action.Symbol,
		&action.Side,
		&action.Quantity,
		&action.EntryPrice,
		&action.TakeProfit,
		&action.StopLoss,
		&action.Status,
		&action.Attempts,
		&action.IdempotencyKey,
		&action.LastError,
		&action.LeaseExpiresAt,
		&action.NotBefore,
		&action.CreatedAt,
		&action.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}
	return action, nil
}
