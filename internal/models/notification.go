package models

import "time"

// Notification представляет событие для канала уведомлений
//
// Доставка уведомлений никогда не влияет на состояние ядра: отправка
// неблокирующая, при переполнении канала событие отбрасывается.
type Notification struct {
	ID        int                    `json:"id" db:"id"`
	Timestamp time.Time              `json:"timestamp" db:"timestamp"`
	Type      string                 `json:"type" db:"type"`
	Severity  string                 `json:"severity" db:"severity"` // info, warn, error, critical
	Symbol    string                 `json:"symbol,omitempty" db:"symbol"`
	Message   string                 `json:"message" db:"message"`
	Meta      map[string]interface{} `json:"meta,omitempty" db:"meta"`
}

// Типы уведомлений
const (
	NotificationTypeCycleStart     = "CYCLE_START"
	NotificationTypeCycleSummary   = "CYCLE_SUMMARY"
	NotificationTypeSignalAdmitted = "SIGNAL_ADMITTED"
	NotificationTypeOpen           = "POSITION_OPENED"
	NotificationTypeAdjust         = "POSITION_ADJUSTED"
	NotificationTypeClose          = "POSITION_CLOSED"
	NotificationTypeUnprotected    = "UNPROTECTED_POSITION" // оба защитных ордера не разместились
	NotificationTypeWarning        = "WARNING"
	NotificationTypeError          = "ERROR"
	NotificationTypeRecovery       = "RECOVERY"
)

// Уровни важности
const (
	SeverityInfo     = "info"
	SeverityWarn     = "warn"
	SeverityError    = "error"
	SeverityCritical = "critical"
)
