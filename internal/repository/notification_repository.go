package repository

import (
	"context"

	jsoniter "github.com/json-iterator/go"

	"tradesync/internal/models"
)

var jsonNotif = jsoniter.ConfigCompatibleWithStandardLibrary

// NotificationRepository - журнал алертов в durable store.
// Telegram-доставка fire-and-forget, журнал - источник правды
// для операторского API.
type NotificationRepository struct {
	db DBTX
}

// NewNotificationRepository создает новый экземпляр репозитория
func NewNotificationRepository(db DBTX) *NotificationRepository {
	return &NotificationRepository{db: db}
}

// Create сохраняет уведомление в журнал
func (r *NotificationRepository) Create(ctx context.Context, n *models.Notification) error {
	meta := "{}"
	if n.Meta != nil {
		encoded, err := jsonNotif.MarshalToString(n.Meta)
		if err != nil {
			return err
		}
		meta = encoded
	}

	query := `
		INSERT INTO notifications (type, severity, symbol, message, meta)
		VALUES ($1, $2, $3, $4, $5)
		RETURNING id, timestamp`

	err := r.db.QueryRowContext(ctx, query, n.Type, n.Severity, n.Symbol, n.Message, meta).
		Scan(&n.ID, &n.Timestamp)
	if err != nil {
		return storeErr("create notification", err)
	}

	return nil
}

// List возвращает последние уведомления (новые первыми)
func (r *NotificationRepository) List(ctx context.Context, limit int) ([]*models.Notification, error) {
	query := `
		SELECT id, timestamp, type, severity, symbol, message, meta
		FROM notifications
		ORDER BY id DESC
		LIMIT $1`

	rows, err := r.db.QueryContext(ctx, query, limit)
	if err != nil {
		return nil, storeErr("list notifications", err)
	}
	defer rows.Close()

	var notifications []*models.Notification
	for rows.Next() {
		n := &models.Notification{}
		var meta string
		if err := rows.Scan(&n.ID, &n.Timestamp, &n.Type, &n.Severity, &n.Symbol, &n.Message, &meta); err != nil {
			return nil, storeErr("list notifications", err)
		}
		if meta != "" && meta != "{}" {
			if err := jsonNotif.UnmarshalFromString(meta, &n.Meta); err != nil {
				return nil, storeErr("list notifications", err)
			}
		}
		notifications = append(notifications, n)
	}

	if err := rows.Err(); err != nil {
		return nil, storeErr("list notifications", err)
	}

	return notifications, nil
}
