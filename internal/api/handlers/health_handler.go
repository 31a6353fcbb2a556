package handlers

import (
	"database/sql"
	"net/http"
	"time"

	"tradesync/internal/models"
	"tradesync/internal/repository"
)

// HealthHandler отвечает за состояние движка
//
// Endpoints:
// - GET /health - сводное состояние: store, очередь, ledger, watermarks
//
// Статусы:
// - ok: store доступен, нет DEAD-действий и FAILED ledger-записей
// - degraded: есть DEAD-действия или FAILED ledger-записи
// - down: durable store недоступен
type HealthHandler struct {
	db      *sql.DB
	actions *repository.ActionRepository
	ledger  *repository.LedgerRepository
	meta    *repository.MetaRepository
}

// NewHealthHandler создает новый HealthHandler
func NewHealthHandler(db *sql.DB) *HealthHandler {
	return &HealthHandler{
		db:      db,
		actions: repository.NewActionRepository(db),
		ledger:  repository.NewLedgerRepository(db),
		meta:    repository.NewMetaRepository(db),
	}
}

// HealthResponse представляет сводное состояние движка
type HealthResponse struct {
	Status           string         `json:"status"` // ok, degraded, down
	Store            string         `json:"store"`  // ok, unavailable
	Queue            map[string]int `json:"queue"`
	Ledger           map[string]int `json:"ledger"`
	LastReconcileAt  *time.Time     `json:"last_reconcile_at,omitempty"`
	LastLedgerSyncAt *time.Time     `json:"last_ledger_sync_at,omitempty"`
}

// GetHealth возвращает состояние движка
//
// GET /health
//
// HTTP коды:
// - 200 OK: статус ok или degraded
// - 503 Service Unavailable: durable store недоступен
func (h *HealthHandler) GetHealth(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()

	resp := HealthResponse{
		Status: "ok",
		Store:  "ok",
		Queue:  map[string]int{},
		Ledger: map[string]int{},
	}

	if err := h.db.PingContext(ctx); err != nil {
		resp.Status = "down"
		resp.Store = "unavailable"
		writeJSON(w, http.StatusServiceUnavailable, resp)
		return
	}

	if counts, err := h.actions.CountByStatus(ctx); err == nil {
		resp.Queue = counts
	}
	if counts, err := h.ledger.CountByStatus(ctx); err == nil {
		resp.Ledger = counts
	}

	if resp.Queue[models.ActionStatusDead] > 0 || resp.Ledger[models.LedgerStatusFailed] > 0 {
		resp.Status = "degraded"
	}

	if t, err := h.meta.GetTime(ctx, repository.MetaLastReconcileAt); err == nil && !t.IsZero() {
		resp.LastReconcileAt = &t
	}
	if t, err := h.meta.GetTime(ctx, repository.MetaLastLedgerSyncAt); err == nil && !t.IsZero() {
		resp.LastLedgerSyncAt = &t
	}

	writeJSON(w, http.StatusOK, resp)
}
