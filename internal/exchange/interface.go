// Package exchange предоставляет тонкий клиент биржи для движка
// исполнения: размещение ордеров, статус, отмена.
package exchange

import (
	"context"
	"time"
)

// Client - унифицированный интерфейс биржевого клиента.
//
// Движок никогда не предполагает исход по таймауту: перед повторной
// отправкой он сверяет состояние через GetOrderStatus.
type Client interface {
	// PlaceOrder размещает ордер с ограничениями цены (entry/TP/SL).
	// clientOrderID - ключ идемпотентности на стороне биржи: повторная
	// отправка с тем же значением не создаёт второй ордер.
	PlaceOrder(ctx context.Context, req *OrderRequest) (*OrderResult, error)

	// GetOrderStatus возвращает текущее состояние ордера
	GetOrderStatus(ctx context.Context, orderRef string) (OrderStatus, error)

	// FindOrderByClientID ищет ордер по клиентскому ключу идемпотентности.
	// Используется после краха: вызов биржи мог успеть, а локальный
	// commit - нет.
	FindOrderByClientID(ctx context.Context, clientOrderID string) (*OrderResult, error)

	// CancelOrder отменяет ордер. Если ордер уже в терминальном
	// состоянии, возвращается ErrAlreadyTerminal.
	CancelOrder(ctx context.Context, orderRef string) error
}

// OrderRequest - параметры размещаемого ордера
type OrderRequest struct {
	Symbol        string
	Side          string // buy, sell
	Quantity      float64
	Price         float64 // 0 = market
	TakeProfit    float64 // 0 = без TP-ноги
	StopLoss      float64 // 0 = без SL-ноги
	ClientOrderID string
}

// OrderResult - результат размещения ордера
type OrderResult struct {
	OrderRef     string // entry-ордер
	TPOrderRef   string // TP-нога (если запрошена)
	SLOrderRef   string // SL-нога (если запрошена)
	AvgFillPrice float64
	FilledQty    float64
	Status       OrderStatus
	CreatedAt    time.Time
}

// OrderStatus - состояние ордера на бирже
type OrderStatus string

const (
	OrderStatusOpen      OrderStatus = "OPEN"
	OrderStatusFilled    OrderStatus = "FILLED"
	OrderStatusCancelled OrderStatus = "CANCELLED"
	// OrderStatusUnknown - биржа не вернула внятного состояния.
	// Реконсилятор трактует это как диагностическую отсрочку.
	OrderStatusUnknown OrderStatus = "UNKNOWN"
)

// IsTerminal возвращает true для состояний, из которых ордер не выйдет
func (s OrderStatus) IsTerminal() bool {
	return s == OrderStatusFilled || s == OrderStatusCancelled
}
