package models

import "time"

// Signal представляет торговый сигнал от внешнего источника (pattern recognizer)
//
// Сигнал неизменяем после создания: ядро его никогда не мутирует.
// Metadata - непрозрачный side-channel для значений индикаторов стратегии,
// ядро его не интерпретирует, только переносит.
type Signal struct {
	Symbol      string                 `json:"symbol"`
	Action      string                 `json:"action"`       // LONG, SHORT
	Price       float64                `json:"price"`        // цена на момент генерации
	Confidence  float64                `json:"confidence"`   // уверенность 0-100
	ExpectedROI float64                `json:"expected_roi"` // ожидаемая доходность %
	StopLoss    float64                `json:"stop_loss"`
	TakeProfit  float64                `json:"take_profit"`
	ATR         float64                `json:"atr"`          // Average True Range на момент генерации
	Strategy    string                 `json:"strategy"`     // тег стратегии-источника
	GeneratedAt time.Time              `json:"generated_at"`
	Metadata    map[string]interface{} `json:"metadata,omitempty"`
}

// Направления сигнала/позиции
const (
	ActionLong  = "LONG"
	ActionShort = "SHORT"
)

// IsLong возвращает true для сигнала на покупку
func (s *Signal) IsLong() bool {
	return s.Action == ActionLong
}

// Opposite возвращает противоположное направление
func Opposite(action string) string {
	if action == ActionLong {
		return ActionShort
	}
	return ActionLong
}

// RankMode - режим ранжирования сигналов при распределении слотов
const (
	RankByConfidence = "confidence"
	RankByROI        = "roi"
)
