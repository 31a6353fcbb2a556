package models

import "time"

// PendingAction представляет единицу работы в durable-очереди исполнения.
//
// Жизненный цикл:
// QUEUED → IN_PROGRESS (claim с lease) → DONE | FAILED | DEAD
// Истёкший lease автоматически возвращает действие в пул claimable.
type PendingAction struct {
	ID             int64      `json:"id" db:"id"`
	Kind           string     `json:"kind" db:"kind"`       // OPEN, CLOSE, CANCEL
	Symbol         string     `json:"symbol" db:"symbol"`   // например BTC_USDT
	Side           string     `json:"side" db:"side"`       // buy, sell
	Quantity       float64    `json:"quantity" db:"quantity"`
	EntryPrice     float64    `json:"entry_price" db:"entry_price"`
	TakeProfit     float64    `json:"take_profit" db:"take_profit"`
	StopLoss       float64    `json:"stop_loss" db:"stop_loss"`
	Status         string     `json:"status" db:"status"`
	Attempts       int        `json:"attempts" db:"attempts"`
	IdempotencyKey string     `json:"idempotency_key" db:"idempotency_key"`
	LastError      string     `json:"last_error,omitempty" db:"last_error"`
	LeaseExpiresAt *time.Time `json:"lease_expires_at,omitempty" db:"lease_expires_at"`
	NotBefore      *time.Time `json:"not_before,omitempty" db:"not_before"` // отложенный retry после backoff
	CreatedAt      time.Time  `json:"created_at" db:"created_at"`
	UpdatedAt      time.Time  `json:"updated_at" db:"updated_at"`
}

// Типы действий
const (
	ActionKindOpen   = "OPEN"   // открыть позицию (entry + TP/SL)
	ActionKindClose  = "CLOSE"  // закрыть позицию рыночным ордером
	ActionKindCancel = "CANCEL" // отменить выставленный ордер
)

// Статусы действий
const (
	ActionStatusQueued     = "QUEUED"
	ActionStatusInProgress = "IN_PROGRESS"
	ActionStatusDone       = "DONE"
	ActionStatusFailed     = "FAILED" // permanent-ошибка, retry не выполняется
	ActionStatusDead       = "DEAD"   // исчерпан лимит попыток, требуется оператор
)

// Стороны сделки
const (
	SideBuy  = "buy"
	SideSell = "sell"
)

// IsTerminal возвращает true если действие больше не будет обработано воркером
func (a *PendingAction) IsTerminal() bool {
	return a.Status == ActionStatusDone || a.Status == ActionStatusFailed || a.Status == ActionStatusDead
}

// TradeIntent - торговое намерение от генератора сигналов.
// Отображается 1:1 в PendingAction с kind=OPEN.
type TradeIntent struct {
	Symbol     string  `json:"symbol"`
	Side       string  `json:"side"`
	Quantity   float64 `json:"qty"`
	Entry      float64 `json:"entry"`
	TakeProfit float64 `json:"tp"`
	StopLoss   float64 `json:"sl"`
	// Key - ключ идемпотентности намерения; при повторной доставке
	// сигнала то же намерение не создаёт второе действие
	Key string `json:"key"`
}
