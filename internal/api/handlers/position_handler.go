package handlers

import (
	"database/sql"
	"net/http"

	"tradesync/internal/repository"
)

// PositionHandler отвечает за просмотр позиций
//
// Endpoints:
// - GET /api/v1/positions - живые позиции (OPEN и CLOSING)
type PositionHandler struct {
	positions *repository.PositionRepository
}

// NewPositionHandler создает новый PositionHandler
func NewPositionHandler(db *sql.DB) *PositionHandler {
	return &PositionHandler{positions: repository.NewPositionRepository(db)}
}

// GetPositions возвращает живые позиции
//
// GET /api/v1/positions
//
// HTTP коды:
// - 200 OK: успешно
// - 500 Internal Server Error: ошибка store
func (h *PositionHandler) GetPositions(w http.ResponseWriter, r *http.Request) {
	positions, err := h.positions.ListOpen(r.Context())
	if err != nil {
		writeError(w, http.StatusInternalServerError, "failed to list positions")
		return
	}

	writeJSON(w, http.StatusOK, SuccessResponse{Data: positions})
}
