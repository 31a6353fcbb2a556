package models

import "time"

// Notification представляет уведомление о событии исполнения
type Notification struct {
	ID        int64                  `json:"id" db:"id"`
	Timestamp time.Time              `json:"timestamp" db:"timestamp"`
	Type      string                 `json:"type" db:"type"`
	Severity  string                 `json:"severity" db:"severity"` // info, warn, error
	Symbol    string                 `json:"symbol,omitempty" db:"symbol"`
	Message   string                 `json:"message" db:"message"`
	Meta      map[string]interface{} `json:"meta,omitempty" db:"meta"` // дополнительные данные (JSON в БД)
}

// Типы уведомлений
const (
	NotificationTypeDeadAction     = "DEAD_ACTION"     // действие исчерпало retry
	NotificationTypeFailedAction   = "FAILED_ACTION"   // permanent-отказ биржи
	NotificationTypeLedgerFailed   = "LEDGER_FAILED"   // батч ledger исчерпал retry
	NotificationTypeAnomaly        = "ANOMALY"         // обе ноги TP/SL исполнились
	NotificationTypeReconcileStuck = "RECONCILE_STUCK" // N циклов подряд без статуса ордеров
	NotificationTypeClose          = "CLOSE"           // позиция закрыта по TP или SL
	NotificationTypeStore          = "STORE"           // недоступность локального хранилища
)

// Уровни важности
const (
	SeverityInfo  = "info"
	SeverityWarn  = "warn"
	SeverityError = "error"
)
