package repository

import (
	"context"
	"database/sql"
	"errors"
	"time"

	jsoniter "github.com/json-iterator/go"
	"github.com/lib/pq"

	"tradesync/internal/models"
)

var jsonLedger = jsoniter.ConfigCompatibleWithStandardLibrary

// Ошибки репозитория ledger-операций
var (
	// ErrDuplicateLedgerUpdate - запись с этим ключом идемпотентности
	// уже стоит в очереди или была применена
	ErrDuplicateLedgerUpdate = errors.New("ledger update with this idempotency key already enqueued")
)

const ledgerColumns = `id, row_key, kind, fields, idempotency_key, status, retries, created_at, sent_at`

// LedgerRepository - очередь записей во внешний ledger и локальный
// dedup-журнал применённых ключей идемпотентности
type LedgerRepository struct {
	db DBTX
}

// NewLedgerRepository создает новый экземпляр репозитория
func NewLedgerRepository(db DBTX) *LedgerRepository {
	return &LedgerRepository{db: db}
}

// WithTx возвращает копию репозитория, привязанную к транзакции
func (r *LedgerRepository) WithTx(tx *sql.Tx) *LedgerRepository {
	return &LedgerRepository{db: tx}
}

// Enqueue ставит ledger-операцию в очередь.
// Повторная постановка с тем же ключом идемпотентности (например,
// повторный проход реконсилятора по уже закрытой позиции) не создаёт
// дубликат - возвращается ErrDuplicateLedgerUpdate.
func (r *LedgerRepository) Enqueue(ctx context.Context, u *models.LedgerUpdate) (int64, error) {
	fields, err := jsonLedger.MarshalToString(u.Fields)
	if err != nil {
		return 0, err
	}

	query := `
		INSERT INTO ledger_updates (row_key, kind, fields, idempotency_key, status)
		VALUES ($1, $2, $3, $4, $5)
		ON CONFLICT (idempotency_key) DO NOTHING
		RETURNING id`

	var id int64
	err = r.db.QueryRowContext(ctx, query,
		u.RowKey,
		u.Kind,
		fields,
		u.IdempotencyKey,
		models.LedgerStatusPending,
	).Scan(&id)

	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return 0, ErrDuplicateLedgerUpdate
		}
		return 0, storeErr("enqueue ledger update", err)
	}

	u.ID = id
	return id, nil
}

// NextBatch выбирает очередной батч PENDING-операций.
//
// Порядок для одного row_key сохраняется: в батч попадает только
// голова каждого row-потока (минимальный id среди не-ACKED записей
// строки). Если голова строки FAILED, её поток ждёт reprocessing -
// более поздние операции этой строки не отправляются.
func (r *LedgerRepository) NextBatch(ctx context.Context, limit int) ([]*models.LedgerUpdate, error) {
	query := `
		SELECT ` + ledgerColumns + `
		FROM ledger_updates u
		WHERE u.status = $1
		  AND u.id = (
			SELECT MIN(v.id) FROM ledger_updates v
			WHERE v.row_key = u.row_key AND v.status <> $2
		  )
		ORDER BY u.id
		LIMIT $3`

	rows, err := r.db.QueryContext(ctx, query, models.LedgerStatusPending, models.LedgerStatusAcked, limit)
	if err != nil {
		return nil, storeErr("next ledger batch", err)
	}
	defer rows.Close()

	var updates []*models.LedgerUpdate
	for rows.Next() {
		u, err := scanLedgerUpdate(rows)
		if err != nil {
			return nil, storeErr("next ledger batch", err)
		}
		updates = append(updates, u)
	}

	if err := rows.Err(); err != nil {
		return nil, storeErr("next ledger batch", err)
	}

	return updates, nil
}

// MarkSent помечает батч как отправленный (in flight).
// SENT-записи после рестарта означают "исход неизвестен" и возвращаются
// в PENDING через RecoverInFlight; remote-сторона отсеет дубликаты по ключу.
func (r *LedgerRepository) MarkSent(ctx context.Context, ids []int64) error {
	if len(ids) == 0 {
		return nil
	}

	query := `
		UPDATE ledger_updates SET
			status = $1,
			sent_at = now()
		WHERE id = ANY($2)`

	if _, err := r.db.ExecContext(ctx, query, models.LedgerStatusSent, pq.Array(ids)); err != nil {
		return storeErr("mark ledger sent", err)
	}

	return nil
}

// MarkAcked помечает записи применёнными и фиксирует их ключи
// в dedup-журнале. Обе мутации - в одной транзакции вызывающего.
func (r *LedgerRepository) MarkAcked(ctx context.Context, ids []int64, keys []string) error {
	if len(ids) == 0 {
		return nil
	}

	query := `UPDATE ledger_updates SET status = $1 WHERE id = ANY($2)`
	if _, err := r.db.ExecContext(ctx, query, models.LedgerStatusAcked, pq.Array(ids)); err != nil {
		return storeErr("mark ledger acked", err)
	}

	applied := `
		INSERT INTO ledger_applied (idempotency_key)
		SELECT unnest($1::text[])
		ON CONFLICT (idempotency_key) DO NOTHING`
	if _, err := r.db.ExecContext(ctx, applied, pq.Array(keys)); err != nil {
		return storeErr("record applied keys", err)
	}

	return nil
}

// MarkFailed помечает записи FAILED после исчерпания retry батча.
// Записи не удаляются: их переотправит RequeueFailed (следующий запуск)
// или оператор.
func (r *LedgerRepository) MarkFailed(ctx context.Context, ids []int64) error {
	if len(ids) == 0 {
		return nil
	}

	query := `
		UPDATE ledger_updates SET
			status = $1,
			retries = retries + 1
		WHERE id = ANY($2)`

	if _, err := r.db.ExecContext(ctx, query, models.LedgerStatusFailed, pq.Array(ids)); err != nil {
		return storeErr("mark ledger failed", err)
	}

	return nil
}

// AlreadyApplied возвращает подмножество ключей, отмеченных в локальном
// dedup-журнале. Такие записи пропускаются внутри батча без отправки.
func (r *LedgerRepository) AlreadyApplied(ctx context.Context, keys []string) (map[string]bool, error) {
	if len(keys) == 0 {
		return map[string]bool{}, nil
	}

	query := `SELECT idempotency_key FROM ledger_applied WHERE idempotency_key = ANY($1)`

	rows, err := r.db.QueryContext(ctx, query, pq.Array(keys))
	if err != nil {
		return nil, storeErr("check applied keys", err)
	}
	defer rows.Close()

	applied := make(map[string]bool)
	for rows.Next() {
		var key string
		if err := rows.Scan(&key); err != nil {
			return nil, storeErr("check applied keys", err)
		}
		applied[key] = true
	}

	if err := rows.Err(); err != nil {
		return nil, storeErr("check applied keys", err)
	}

	return applied, nil
}

// RecoverInFlight возвращает SENT-записи в PENDING.
// Вызывается один раз на старте: крах между отправкой и ack'ом
// оставляет исход неизвестным, запись отправляется повторно, а
// идемпотентность remote-стороны и dedup-журнал гасят дубликат.
func (r *LedgerRepository) RecoverInFlight(ctx context.Context) (int64, error) {
	query := `UPDATE ledger_updates SET status = $1, sent_at = NULL WHERE status = $2`

	result, err := r.db.ExecContext(ctx, query, models.LedgerStatusPending, models.LedgerStatusSent)
	if err != nil {
		return 0, storeErr("recover in-flight ledger updates", err)
	}

	rows, err := result.RowsAffected()
	if err != nil {
		return 0, storeErr("recover in-flight ledger updates", err)
	}

	return rows, nil
}

// RequeueFailed возвращает FAILED-записи в PENDING (next-run reprocessing)
func (r *LedgerRepository) RequeueFailed(ctx context.Context) (int64, error) {
	query := `UPDATE ledger_updates SET status = $1 WHERE status = $2`

	result, err := r.db.ExecContext(ctx, query, models.LedgerStatusPending, models.LedgerStatusFailed)
	if err != nil {
		return 0, storeErr("requeue failed ledger updates", err)
	}

	rows, err := result.RowsAffected()
	if err != nil {
		return 0, storeErr("requeue failed ledger updates", err)
	}

	return rows, nil
}

// CountByStatus возвращает количество ledger-операций по статусам (для health)
func (r *LedgerRepository) CountByStatus(ctx context.Context) (map[string]int, error) {
	query := `SELECT status, COUNT(*) FROM ledger_updates GROUP BY status`

	rows, err := r.db.QueryContext(ctx, query)
	if err != nil {
		return nil, storeErr("count ledger updates", err)
	}
	defer rows.Close()

	counts := make(map[string]int)
	for rows.Next() {
		var status string
		var count int
		if err := rows.Scan(&status, &count); err != nil {
			return nil, storeErr("count ledger updates", err)
		}
		counts[status] = count
	}

	if err := rows.Err(); err != nil {
		return nil, storeErr("count ledger updates", err)
	}

	return counts, nil
}

func scanLedgerUpdate(s scanner) (*models.LedgerUpdate, error) {
	u := &models.LedgerUpdate{}
	var fields string
	err := s.Scan(
		&u.ID,
		&u.RowKey,
		&u.Kind,
		&fields,
		&u.IdempotencyKey,
		&u.Status,
		&u.Retries,
		&u.CreatedAt,
		&u.SentAt,
	)
	if err != nil {
		return nil, err
	}

	if err := jsonLedger.UnmarshalFromString(fields, &u.Fields); err != nil {
		return nil, err
	}

	return u, nil
}

// ============================================================
// Meta watermarks
// ============================================================

// Ключи meta-таблицы
const (
	MetaLastReconcileAt  = "last_reconcile_at"
	MetaLastLedgerSyncAt = "last_ledger_sync_at"
)

// MetaRepository - key/value watermarks для health-эндпоинта
type MetaRepository struct {
	db DBTX
}

// NewMetaRepository создает новый экземпляр репозитория
func NewMetaRepository(db DBTX) *MetaRepository {
	return &MetaRepository{db: db}
}

// SetTime записывает временную метку под ключом
func (r *MetaRepository) SetTime(ctx context.Context, key string, t time.Time) error {
	query := `
		INSERT INTO meta (key, value) VALUES ($1, $2)
		ON CONFLICT (key) DO UPDATE SET value = EXCLUDED.value`

	if _, err := r.db.ExecContext(ctx, query, key, t.UTC().Format(time.RFC3339Nano)); err != nil {
		return storeErr("set meta", err)
	}

	return nil
}

// GetTime читает временную метку; нулевое время если ключ не записан
func (r *MetaRepository) GetTime(ctx context.Context, key string) (time.Time, error) {
	query := `SELECT value FROM meta WHERE key = $1`

	var value string
	err := r.db.QueryRowContext(ctx, query, key).Scan(&value)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return time.Time{}, nil
		}
		return time.Time{}, storeErr("get meta", err)
	}

	t, err := time.Parse(time.RFC3339Nano, value)
	if err != nil {
		return time.Time{}, nil
	}

	return t, nil
}
