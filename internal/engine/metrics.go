package engine

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// ============================================================
// Prometheus метрики движка исполнения
// ============================================================
//
// Использование:
// - Grafana дашборды поверх /metrics
// - Alertmanager: рост DEAD-действий и error_cycles - повод разбудить
//   оператора раньше, чем это сделает Telegram

// ============ Очередь исполнения ============

// ActionsProcessed - исходы обработанных действий
var ActionsProcessed = promauto.NewCounterVec(
	prometheus.CounterOpts{
		Namespace: "tradesync",
		Subsystem: "queue",
		Name:      "actions_total",
		Help:      "Processed trade actions by kind and outcome",
	},
	[]string{"kind", "outcome"}, // outcome: done, failed, dead, requeued
)

// QueueDepth - глубина очереди по статусам
var QueueDepth = promauto.NewGaugeVec(
	prometheus.GaugeOpts{
		Namespace: "tradesync",
		Subsystem: "queue",
		Name:      "depth",
		Help:      "Number of pending actions by status",
	},
	[]string{"status"},
)

// ActionDuration - время обработки одного действия (claim → terminal/requeue)
var ActionDuration = promauto.NewHistogramVec(
	prometheus.HistogramOpts{
		Namespace: "tradesync",
		Subsystem: "queue",
		Name:      "action_duration_seconds",
		Help:      "Time to process one claimed action",
		Buckets:   []float64{0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10, 30},
	},
	[]string{"kind"},
)

// ============ Биржа ============

// ExchangeCalls - вызовы биржевого API по исходам
var ExchangeCalls = promauto.NewCounterVec(
	prometheus.CounterOpts{
		Namespace: "tradesync",
		Subsystem: "exchange",
		Name:      "calls_total",
		Help:      "Exchange API calls by operation and outcome",
	},
	[]string{"op", "outcome"}, // outcome: ok, transient, permanent
)

// ============ Реконсиляция ============

// ReconcilePasses - полные проходы реконсилятора
var ReconcilePasses = promauto.NewCounter(
	prometheus.CounterOpts{
		Namespace: "tradesync",
		Subsystem: "reconcile",
		Name:      "passes_total",
		Help:      "Completed reconciliation passes",
	},
)

// PositionsClosed - закрытия позиций по причинам
var PositionsClosed = promauto.NewCounterVec(
	prometheus.CounterOpts{
		Namespace: "tradesync",
		Subsystem: "reconcile",
		Name:      "positions_closed_total",
		Help:      "Positions closed by reason",
	},
	[]string{"reason"}, // tp_filled, sl_filled, both_filled, manual
)

// SiblingCancels - отмены второй ноги после исполнения первой
var SiblingCancels = promauto.NewCounterVec(
	prometheus.CounterOpts{
		Namespace: "tradesync",
		Subsystem: "reconcile",
		Name:      "sibling_cancels_total",
		Help:      "Sibling order cancellations by outcome",
	},
	[]string{"outcome"}, // cancelled, already_terminal, failed
)

// AnomaliesDetected - аномалии состояния (обе ноги исполнились и т.п.)
var AnomaliesDetected = promauto.NewCounter(
	prometheus.CounterOpts{
		Namespace: "tradesync",
		Subsystem: "reconcile",
		Name:      "anomalies_total",
		Help:      "State anomalies detected during reconciliation",
	},
)

// OpenPositions - текущее количество живых позиций
var OpenPositions = promauto.NewGaugeVec(
	prometheus.GaugeOpts{
		Namespace: "tradesync",
		Subsystem: "reconcile",
		Name:      "open_positions",
		Help:      "Live positions by status",
	},
	[]string{"status"}, // OPEN, CLOSING
)

// ============ Вспомогательные функции ============

// RecordActionOutcome записывает исход обработки действия
func RecordActionOutcome(kind, outcome string) {
	ActionsProcessed.WithLabelValues(kind, outcome).Inc()
}

// UpdateQueueDepth обновляет глубину очереди по снимку счётчиков
func UpdateQueueDepth(counts map[string]int) {
	for status, count := range counts {
		QueueDepth.WithLabelValues(status).Set(float64(count))
	}
}

// RecordExchangeCall записывает вызов биржи
func RecordExchangeCall(op, outcome string) {
	ExchangeCalls.WithLabelValues(op, outcome).Inc()
}
