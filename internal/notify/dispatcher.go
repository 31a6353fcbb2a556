// Package notify журналирует события исполнения и доставляет алерты
// оператору в Telegram.
package notify

import (
	"context"
	"database/sql"
	"fmt"

	tgbotapi "github.com/go-telegram-bot-api/telegram-bot-api/v5"
	"go.uber.org/zap"

	"tradesync/internal/models"
	"tradesync/internal/repository"
)

// Dispatcher - единственный потребитель канала уведомлений.
//
// Каждое уведомление журналируется в durable store; severity warn и
// выше дополнительно уходит в Telegram. Доставка в Telegram -
// fire-and-forget: недоступность мессенджера не влияет на исполнение,
// запись в журнале остаётся.
type Dispatcher struct {
	repo *repository.NotificationRepository
	bot  *tgbotapi.BotAPI
	log  *zap.Logger

	chatID        int64
	notifications <-chan *models.Notification
}

// Config - параметры канала алертов
type Config struct {
	TelegramToken  string
	TelegramChatID int64
}

// NewDispatcher создает диспетчер уведомлений.
// Пустой токен отключает Telegram, журналирование остаётся.
func NewDispatcher(db *sql.DB, notifications <-chan *models.Notification, log *zap.Logger, cfg Config) (*Dispatcher, error) {
	d := &Dispatcher{
		repo:          repository.NewNotificationRepository(db),
		log:           log.Named("notify"),
		chatID:        cfg.TelegramChatID,
		notifications: notifications,
	}

	if cfg.TelegramToken != "" {
		bot, err := tgbotapi.NewBotAPI(cfg.TelegramToken)
		if err != nil {
			return nil, fmt.Errorf("telegram init: %w", err)
		}
		d.bot = bot
		d.log.Info("telegram alerts enabled", zap.String("bot", bot.Self.UserName))
	} else {
		d.log.Info("telegram alerts disabled")
	}

	return d, nil
}

// Run потребляет канал до отмены контекста
func (d *Dispatcher) Run(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			d.log.Info("notification dispatcher stopped")
			return
		case n := <-d.notifications:
			if n == nil {
				continue
			}
			d.dispatch(ctx, n)
		}
	}
}

// dispatch журналирует уведомление и при необходимости алертит
func (d *Dispatcher) dispatch(ctx context.Context, n *models.Notification) {
	if err := d.repo.Create(ctx, n); err != nil {
		// Журнал недоступен - событие всё равно уходит в лог и Telegram
		d.log.Error("notification journal failed", zap.Error(err))
	}

	logFn := d.log.Info
	switch n.Severity {
	case models.SeverityWarn:
		logFn = d.log.Warn
	case models.SeverityError:
		logFn = d.log.Error
	}
	logFn("event",
		zap.String("type", n.Type),
		zap.String("symbol", n.Symbol),
		zap.String("message", n.Message))

	if d.bot != nil && n.Severity != models.SeverityInfo {
		d.sendTelegram(n)
	}
}

// sendTelegram доставляет алерт в чат оператора
func (d *Dispatcher) sendTelegram(n *models.Notification) {
	prefix := "⚠️"
	if n.Severity == models.SeverityError {
		prefix = "🚨"
	}

	text := fmt.Sprintf("%s [%s] %s", prefix, n.Type, n.Message)
	if n.Symbol != "" {
		text = fmt.Sprintf("%s [%s] %s: %s", prefix, n.Type, n.Symbol, n.Message)
	}

	if _, err := d.bot.Send(tgbotapi.NewMessage(d.chatID, text)); err != nil {
		d.log.Warn("telegram send failed", zap.Error(err))
	}
}
