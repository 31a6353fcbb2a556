package models

import "time"

// Position - авторитетная локальная запись об открытой сделке.
//
// Инварианты:
// - не более одной незаархивированной позиции на символ
// - TPOrderRef и SLOrderRef либо оба заполнены, либо оба пусты (paired-or-none)
type Position struct {
	ID            int64      `json:"id" db:"id"`
	Symbol        string     `json:"symbol" db:"symbol"`
	EntryPrice    float64    `json:"entry_price" db:"entry_price"`
	Quantity      float64    `json:"quantity" db:"quantity"`
	EntryOrderRef string     `json:"entry_order_ref" db:"entry_order_ref"`
	TPOrderRef    string     `json:"tp_order_ref,omitempty" db:"tp_order_ref"`
	SLOrderRef    string     `json:"sl_order_ref,omitempty" db:"sl_order_ref"`
	TakeProfit    float64    `json:"take_profit" db:"take_profit"`
	StopLoss      float64    `json:"stop_loss" db:"stop_loss"`
	Status        string     `json:"status" db:"status"`
	CloseReason   string     `json:"close_reason,omitempty" db:"close_reason"`
	RowKey        string     `json:"row_key" db:"row_key"` // строка в внешнем ledger
	ErrorCycles   int        `json:"error_cycles" db:"error_cycles"`
	ReconciledAt  *time.Time `json:"reconciled_at,omitempty" db:"reconciled_at"`
	Archived      bool       `json:"archived" db:"archived"`
	CreatedAt     time.Time  `json:"created_at" db:"created_at"`
	UpdatedAt     time.Time  `json:"updated_at" db:"updated_at"`
}

// Статусы позиции
const (
	PositionStatusOpen    = "OPEN"
	PositionStatusClosing = "CLOSING" // одна нога исполнилась, отменяем вторую
	PositionStatusClosed  = "CLOSED"
)

// Причины закрытия
const (
	CloseReasonTakeProfit = "tp_filled"
	CloseReasonStopLoss   = "sl_filled"
	CloseReasonBothFilled = "both_filled" // аномалия: обе ноги исполнились
	CloseReasonManual     = "manual"
)

// HasProtectionPair возвращает true если позиция защищена парой TP/SL ордеров
func (p *Position) HasProtectionPair() bool {
	return p.TPOrderRef != "" && p.SLOrderRef != ""
}
