// Package signal принимает торговые намерения из WebSocket-фида
// и переводит их в действия durable-очереди.
package signal

import (
	"context"
	"database/sql"
	"errors"
	"time"

	"github.com/gorilla/websocket"
	jsoniter "github.com/json-iterator/go"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"go.uber.org/zap"

	"tradesync/internal/models"
	"tradesync/internal/repository"
)

var json = jsoniter.ConfigCompatibleWithStandardLibrary

var intentsReceived = promauto.NewCounterVec(
	prometheus.CounterOpts{
		Namespace: "tradesync",
		Subsystem: "signal",
		Name:      "intents_total",
		Help:      "Trade intents by outcome",
	},
	[]string{"outcome"}, // enqueued, duplicate, invalid, store_error
)

// Intake - потребитель фида торговых намерений.
//
// Доставка фида - at-least-once: генератор может прислать намерение
// повторно после своего рестарта. Ключ идемпотентности намерения
// гасит дубликат на уровне очереди (ErrDuplicateAction), поэтому
// повторная доставка безопасна и не логируется как ошибка.
type Intake struct {
	actions *repository.ActionRepository
	log     *zap.Logger

	feedURL        string
	reconnectDelay time.Duration
	readTimeout    time.Duration
}

// Config - параметры приёма намерений
type Config struct {
	FeedURL        string
	ReconnectDelay time.Duration
	ReadTimeout    time.Duration
}

// NewIntake создает потребитель фида
func NewIntake(db *sql.DB, log *zap.Logger, cfg Config) *Intake {
	return &Intake{
		actions:        repository.NewActionRepository(db),
		log:            log.Named("signal"),
		feedURL:        cfg.FeedURL,
		reconnectDelay: cfg.ReconnectDelay,
		readTimeout:    cfg.ReadTimeout,
	}
}

// Run подключается к фиду и читает намерения до отмены контекста.
// Разрыв соединения приводит к переподключению с паузой; очередь
// не теряет уже принятые намерения.
func (i *Intake) Run(ctx context.Context) {
	if i.feedURL == "" {
		i.log.Info("signal feed disabled")
		return
	}

	i.log.Info("signal intake started", zap.String("feed", i.feedURL))

	for {
		if ctx.Err() != nil {
			i.log.Info("signal intake stopped")
			return
		}

		if err := i.consume(ctx); err != nil && ctx.Err() == nil {
			i.log.Warn("feed connection lost, reconnecting",
				zap.Duration("delay", i.reconnectDelay),
				zap.Error(err))
		}

		select {
		case <-ctx.Done():
			i.log.Info("signal intake stopped")
			return
		case <-time.After(i.reconnectDelay):
		}
	}
}

// consume держит одно соединение до разрыва
func (i *Intake) consume(ctx context.Context) error {
	dialer := websocket.Dialer{HandshakeTimeout: 10 * time.Second}

	conn, _, err := dialer.DialContext(ctx, i.feedURL, nil)
	if err != nil {
		return err
	}
	defer conn.Close()

	i.log.Info("feed connected")

	// Закрытие соединения по отмене контекста разблокирует ReadMessage.
	// done гасит наблюдателя при штатном выходе, иначе каждое
	// переподключение оставляло бы висящую горутину.
	done := make(chan struct{})
	defer close(done)
	go func() {
		select {
		case <-ctx.Done():
			conn.Close()
		case <-done:
		}
	}()

	for {
		if i.readTimeout > 0 {
			if err := conn.SetReadDeadline(time.Now().Add(i.readTimeout)); err != nil {
				return err
			}
		}

		_, payload, err := conn.ReadMessage()
		if err != nil {
			return err
		}

		i.handleMessage(ctx, payload)
	}
}

// handleMessage разбирает намерение и ставит действие в очередь
func (i *Intake) handleMessage(ctx context.Context, payload []byte) {
	var intent models.TradeIntent
	if err := json.Unmarshal(payload, &intent); err != nil {
		intentsReceived.WithLabelValues("invalid").Inc()
		i.log.Warn("malformed intent dropped", zap.Error(err))
		return
	}

	if err := validateIntent(&intent); err != nil {
		intentsReceived.WithLabelValues("invalid").Inc()
		i.log.Warn("invalid intent dropped",
			zap.String("symbol", intent.Symbol),
			zap.String("key", intent.Key),
			zap.Error(err))
		return
	}

	action := &models.PendingAction{
		Kind:           models.ActionKindOpen,
		Symbol:         intent.Symbol,
		Side:           intent.Side,
		Quantity:       intent.Quantity,
		EntryPrice:     intent.Entry,
		TakeProfit:     intent.TakeProfit,
		StopLoss:       intent.StopLoss,
		IdempotencyKey: intent.Key,
	}

	id, err := i.actions.Enqueue(ctx, action)
	if err != nil {
		if errors.Is(err, repository.ErrDuplicateAction) {
			// Повторная доставка того же намерения - штатный случай
			intentsReceived.WithLabelValues("duplicate").Inc()
			return
		}
		intentsReceived.WithLabelValues("store_error").Inc()
		i.log.Error("intent enqueue failed",
			zap.String("symbol", intent.Symbol),
			zap.String("key", intent.Key),
			zap.Error(err))
		return
	}

	intentsReceived.WithLabelValues("enqueued").Inc()
	i.log.Info("intent enqueued",
		zap.Int64("action_id", id),
		zap.String("symbol", intent.Symbol),
		zap.String("side", intent.Side),
		zap.Float64("qty", intent.Quantity))
}

// validateIntent проверяет обязательные поля намерения
func validateIntent(intent *models.TradeIntent) error {
	switch {
	case intent.Key == "":
		return errors.New("missing idempotency key")
	case intent.Symbol == "":
		return errors.New("missing symbol")
	case intent.Side != models.SideBuy && intent.Side != models.SideSell:
		return errors.New("side must be buy or sell")
	case intent.Quantity <= 0:
		return errors.New("quantity must be positive")
	case intent.TakeProfit < 0 || intent.StopLoss < 0:
		return errors.New("negative protection price")
	case (intent.TakeProfit == 0) != (intent.StopLoss == 0):
		// Защита либо парой, либо никак
		return errors.New("take profit and stop loss must be set together")
	}
	return nil
}
