package models

import "time"

// Position представляет открытую позицию
//
// Владелец - ExecutionEngine: позиция мутируется только из его цикла
// мониторинга (ratchet-подтяжка стопа/цели) и удаляется при закрытии.
// Symbol уникален среди открытых позиций.
type Position struct {
	Symbol            string    `json:"symbol" db:"symbol"`
	Action            string    `json:"action" db:"action"` // LONG, SHORT
	EntryPrice        float64   `json:"entry_price" db:"entry_price"`
	Quantity          float64   `json:"quantity" db:"quantity"`
	StopLoss          float64   `json:"stop_loss" db:"stop_loss"`
	TakeProfit        float64   `json:"take_profit" db:"take_profit"`
	Leverage          int       `json:"leverage" db:"leverage"`
	AllocatedMargin   float64   `json:"allocated_margin" db:"allocated_margin"`
	ConfidenceAtEntry float64   `json:"confidence_at_entry" db:"confidence_at_entry"`
	Strategy          string    `json:"strategy" db:"strategy"`
	CorrelationID     string    `json:"correlation_id" db:"correlation_id"` // связывает entry/exit записи
	Virtual           bool      `json:"virtual" db:"virtual"`               // shadow-позиция без реальных ордеров
	AgeCycles         int       `json:"age_cycles" db:"age_cycles"`         // возраст в циклах (для shadow TIMEOUT)
	Protected         bool      `json:"protected" db:"protected"`           // защитные ордера размещены
	OpenedAt          time.Time `json:"opened_at" db:"opened_at"`
}

// IsLong возвращает true для длинной позиции
func (p *Position) IsLong() bool {
	return p.Action == ActionLong
}

// UnrealizedPnl рассчитывает нереализованный PNL при заданной цене
func (p *Position) UnrealizedPnl(price float64) float64 {
	if p.IsLong() {
		return (price - p.EntryPrice) * p.Quantity
	}
	return (p.EntryPrice - price) * p.Quantity
}

// ClosedTrade представляет запись журнала сделок
//
// Это точка стыковки с outcome sink: на каждую допущенную позицию ядро
// эмитит запись допуска (Reason=ENTRY) и ровно одну запись выхода
// (включая принудительное закрытие при остановке процесса),
// связанные общим CorrelationID.
type ClosedTrade struct {
	ID            int       `json:"id" db:"id"`
	CorrelationID string    `json:"correlation_id" db:"correlation_id"`
	Symbol        string    `json:"symbol" db:"symbol"`
	Action        string    `json:"action" db:"action"`
	EntryPrice    float64   `json:"entry_price" db:"entry_price"`
	ExitPrice     float64   `json:"exit_price" db:"exit_price"`
	Quantity      float64   `json:"quantity" db:"quantity"`
	Leverage      int       `json:"leverage" db:"leverage"`
	Pnl           float64   `json:"pnl" db:"pnl"`
	Reason        string    `json:"reason" db:"reason"`
	Confidence    float64   `json:"confidence" db:"confidence"`
	Strategy      string    `json:"strategy" db:"strategy"`
	Virtual       bool      `json:"virtual" db:"virtual"`
	OpenedAt      time.Time `json:"opened_at" db:"opened_at"`
	ClosedAt      time.Time `json:"closed_at" db:"closed_at"`
	Duration      float64   `json:"duration_sec" db:"duration_sec"`
}

// Причины закрытия позиции
const (
	ExitReasonStopLoss       = "STOP_LOSS"
	ExitReasonTakeProfit     = "TAKE_PROFIT"
	ExitReasonSignalReversal = "SIGNAL_REVERSAL"
	ExitReasonConfidenceDrop = "CONFIDENCE_DROP"
	ExitReasonTimeout        = "TIMEOUT"      // только shadow-позиции
	ExitReasonForcedClose    = "FORCED_CLOSE" // остановка процесса
	ExitReasonManual         = "MANUAL"

	// ExitReasonResolvedExternal - позиция исчезла с биржи пока процесс
	// был остановлен (сработал защитный ордер), запись закрывает пару
	// по её correlation_id при сверке после рестарта
	ExitReasonResolvedExternal = "RESOLVED_EXTERNAL"
)

// RecordReasonEntry помечает запись допуска в журнале сделок:
// пара к записи выхода с тем же correlation_id
const RecordReasonEntry = "ENTRY"

// Состояния позиции (state machine жизненного цикла)
const (
	StateAbsent  = "ABSENT"  // слот свободен
	StateOpening = "OPENING" // вход: ордер размещается
	StateOpen    = "OPEN"    // позиция открыта, мониторинг активен
	StateClosing = "CLOSING" // выход: закрывающий ордер размещается
)

// Причины отклонения сигнала при допуске (machine-readable)
const (
	RejectReasonRateLimited     = "rate-limited"
	RejectReasonCircuitOpen     = "circuit-open"
	RejectReasonMaxPositions    = "max-positions"
	RejectReasonDuplicateSymbol = "duplicate-symbol"
	RejectReasonRiskRejected    = "risk-rejected"
	RejectReasonOrderFailed     = "order-failed"
)
