package handlers

import (
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/gorilla/mux"

	"tradesync/internal/models"
)

func newActionRouterForTest(t *testing.T) (*mux.Router, sqlmock.Sqlmock) {
	t.Helper()

	db, mock, err := sqlmock.New()
	if err != nil {
		t.Fatalf("sqlmock: %v", err)
	}
	t.Cleanup(func() { db.Close() })

	handler := NewActionHandler(db)
	router := mux.NewRouter()
	router.HandleFunc("/api/v1/actions/dead", handler.GetDeadActions).Methods(http.MethodGet)
	router.HandleFunc("/api/v1/actions/{id}/retry", handler.RetryAction).Methods(http.MethodPost)

	return router, mock
}

func TestGetDeadActions(t *testing.T) {
	router, mock := newActionRouterForTest(t)

	rows := sqlmock.NewRows([]string{
		"id", "kind", "symbol", "side", "quantity", "entry_price", "take_profit", "stop_loss",
		"status", "attempts", "idempotency_key", "last_error", "lease_expires_at", "not_before",
		"created_at", "updated_at",
	}).AddRow(int64(7), models.ActionKindOpen, "BTC_USDT", "buy", 0.5, 64000.0, 66000.0, 63000.0,
		models.ActionStatusDead, 5, "intent-1", "timeout", nil, nil, time.Now(), time.Now())

	mock.ExpectQuery("SELECT (.+) FROM pending_actions").
		WithArgs(models.ActionStatusDead, 100).
		WillReturnRows(rows)

	req := httptest.NewRequest(http.MethodGet, "/api/v1/actions/dead", nil)
	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, req)

	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", rec.Code, rec.Body.String())
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Errorf("unmet expectations: %v", err)
	}
}

func TestRetryActionRequeuesDead(t *testing.T) {
	router, mock := newActionRouterForTest(t)

	mock.ExpectExec("UPDATE pending_actions").
		WithArgs(models.ActionStatusQueued, int64(7), models.ActionStatusDead).
		WillReturnResult(sqlmock.NewResult(0, 1))

	req := httptest.NewRequest(http.MethodPost, "/api/v1/actions/7/retry", nil)
	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, req)

	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", rec.Code, rec.Body.String())
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Errorf("unmet expectations: %v", err)
	}
}

func TestRetryActionNotFound(t *testing.T) {
	router, mock := newActionRouterForTest(t)

	// Действие не в DEAD (или его нет) - guarded update глохнет
	mock.ExpectExec("UPDATE pending_actions").
		WillReturnResult(sqlmock.NewResult(0, 0))

	req := httptest.NewRequest(http.MethodPost, "/api/v1/actions/7/retry", nil)
	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, req)

	if rec.Code != http.StatusNotFound {
		t.Fatalf("expected 404, got %d", rec.Code)
	}
}

func TestRetryActionInvalidID(t *testing.T) {
	router, _ := newActionRouterForTest(t)

	req := httptest.NewRequest(http.MethodPost, "/api/v1/actions/abc/retry", nil)
	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, req)

	if rec.Code != http.StatusBadRequest {
		t.Fatalf("expected 400, got %d", rec.Code)
	}
}
