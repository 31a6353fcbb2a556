// Package api - HTTP слой движка: health, метрики и операторские команды.
package api

import (
	"database/sql"
	"net/http"

	"github.com/gorilla/mux"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"tradesync/internal/api/handlers"
	"tradesync/internal/api/middleware"
)

// SetupRoutes настраивает все HTTP маршруты движка
//
// Структура маршрутов:
//
// /health  - сводное состояние (store, очередь, ledger, watermarks)
// /metrics - Prometheus метрики
//
// /api/v1/
//
//	├── /positions
//	│   └── GET / - живые позиции
//	├── /actions
//	│   ├── GET /dead - действия, исчерпавшие retry
//	│   └── POST /{id}/retry - вернуть DEAD-действие в очередь
//	└── /notifications
//	    └── GET / - журнал событий
//
// Middleware: Recovery → Logging (для всех маршрутов)
func SetupRoutes(db *sql.DB) *mux.Router {
	router := mux.NewRouter()

	router.Use(middleware.Recovery)
	router.Use(middleware.Logging)

	healthHandler := handlers.NewHealthHandler(db)
	positionHandler := handlers.NewPositionHandler(db)
	actionHandler := handlers.NewActionHandler(db)
	notificationHandler := handlers.NewNotificationHandler(db)

	router.HandleFunc("/health", healthHandler.GetHealth).Methods(http.MethodGet)
	router.Handle("/metrics", promhttp.Handler()).Methods(http.MethodGet)

	api := router.PathPrefix("/api/v1").Subrouter()

	api.HandleFunc("/positions", positionHandler.GetPositions).Methods(http.MethodGet)
	api.HandleFunc("/actions/dead", actionHandler.GetDeadActions).Methods(http.MethodGet)
	api.HandleFunc("/actions/{id}/retry", actionHandler.RetryAction).Methods(http.MethodPost)
	api.HandleFunc("/notifications", notificationHandler.GetNotifications).Methods(http.MethodGet)

	return router
}
