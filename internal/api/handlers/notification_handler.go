package handlers

import (
	"database/sql"
	"net/http"
	"strconv"

	"tradesync/internal/repository"
)

// NotificationHandler отвечает за журнал событий исполнения
//
// Endpoints:
// - GET /api/v1/notifications - последние события (новые первыми)
// - GET /api/v1/notifications?limit=50 - с ограничением количества
type NotificationHandler struct {
	notifications *repository.NotificationRepository
}

// NewNotificationHandler создает новый NotificationHandler
func NewNotificationHandler(db *sql.DB) *NotificationHandler {
	return &NotificationHandler{notifications: repository.NewNotificationRepository(db)}
}

// GetNotifications возвращает журнал событий
//
// GET /api/v1/notifications
//
// Query параметры:
// - limit (int): количество записей (по умолчанию 100, максимум 500)
//
// HTTP коды:
// - 200 OK: успешно
// - 500 Internal Server Error: ошибка store
func (h *NotificationHandler) GetNotifications(w http.ResponseWriter, r *http.Request) {
	limit := 100
	if v := r.URL.Query().Get("limit"); v != "" {
		if parsed, err := strconv.Atoi(v); err == nil && parsed > 0 && parsed <= 500 {
			limit = parsed
		}
	}

	notifications, err := h.notifications.List(r.Context(), limit)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "failed to list notifications")
		return
	}

	writeJSON(w, http.StatusOK, SuccessResponse{Data: notifications})
}
