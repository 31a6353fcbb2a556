package models

import "time"

// LedgerUpdate - отложенная запись во внешний ledger (spreadsheet-of-record).
//
// Порядок применения для одного RowKey совпадает с порядком постановки
// в очередь: "mark OPEN" всегда применяется раньше "mark CLOSED".
type LedgerUpdate struct {
	ID             int64             `json:"id" db:"id"`
	RowKey         string            `json:"row_key" db:"row_key"`
	Fields         map[string]string `json:"fields" db:"fields"` // колонка → значение, JSON в БД
	Kind           string            `json:"kind" db:"kind"`
	IdempotencyKey string            `json:"idempotency_key" db:"idempotency_key"`
	Status         string            `json:"status" db:"status"`
	Retries        int               `json:"retries" db:"retries"`
	CreatedAt      time.Time         `json:"created_at" db:"created_at"`
	SentAt         *time.Time        `json:"sent_at,omitempty" db:"sent_at"`
}

// Типы ledger-операций (соответствуют операциям над строкой таблицы)
const (
	LedgerKindCellUpdate = "cell_update" // upsert набора полей строки
	LedgerKindArchive    = "archive"     // перенос строки в архивный лист
	LedgerKindClearRow   = "clear_row"   // очистка колонок живой строки
)

// Статусы ledger-операций
const (
	LedgerStatusPending = "PENDING"
	LedgerStatusSent    = "SENT"   // отправлено, ack ещё не получен
	LedgerStatusAcked   = "ACKED"
	LedgerStatusFailed  = "FAILED" // исчерпаны retry, требуется reprocessing
)
