package handlers

import (
	"database/sql"
	"errors"
	"net/http"
	"strconv"

	"github.com/gorilla/mux"

	"tradesync/internal/models"
	"tradesync/internal/repository"
)

// ActionHandler - операторские команды над очередью действий
//
// Endpoints:
// - GET /api/v1/actions/dead - действия, исчерпавшие retry
// - POST /api/v1/actions/{id}/retry - вернуть DEAD-действие в очередь
type ActionHandler struct {
	actions *repository.ActionRepository
}

// NewActionHandler создает новый ActionHandler
func NewActionHandler(db *sql.DB) *ActionHandler {
	return &ActionHandler{actions: repository.NewActionRepository(db)}
}

// GetDeadActions возвращает DEAD-действия
//
// GET /api/v1/actions/dead?limit=100
//
// HTTP коды:
// - 200 OK: успешно
// - 500 Internal Server Error: ошибка store
func (h *ActionHandler) GetDeadActions(w http.ResponseWriter, r *http.Request) {
	limit := 100
	if v := r.URL.Query().Get("limit"); v != "" {
		if parsed, err := strconv.Atoi(v); err == nil && parsed > 0 && parsed <= 500 {
			limit = parsed
		}
	}

	actions, err := h.actions.ListByStatus(r.Context(), models.ActionStatusDead, limit)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "failed to list dead actions")
		return
	}

	writeJSON(w, http.StatusOK, SuccessResponse{Data: actions})
}

// RetryAction возвращает DEAD-действие в очередь со сброшенным
// счётчиком попыток
//
// POST /api/v1/actions/{id}/retry
//
// HTTP коды:
// - 200 OK: действие возвращено в очередь
// - 400 Bad Request: некорректный id
// - 404 Not Found: действия нет или оно не в статусе DEAD
// - 500 Internal Server Error: ошибка store
func (h *ActionHandler) RetryAction(w http.ResponseWriter, r *http.Request) {
	id, err := strconv.ParseInt(mux.Vars(r)["id"], 10, 64)
	if err != nil || id <= 0 {
		writeError(w, http.StatusBadRequest, "invalid action id")
		return
	}

	if err := h.actions.RequeueDead(r.Context(), id); err != nil {
		if errors.Is(err, repository.ErrActionNotFound) {
			writeError(w, http.StatusNotFound, "dead action not found")
			return
		}
		writeError(w, http.StatusInternalServerError, "failed to requeue action")
		return
	}

	writeJSON(w, http.StatusOK, SuccessResponse{Message: "action requeued"})
}
