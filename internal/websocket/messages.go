package websocket

import (
	"time"

	"winiswin/internal/models"
)

// MessageType определяет тип WebSocket сообщения
type MessageType string

// Типы WebSocket сообщений
const (
	// MessageTypeNotification - событие ядра: допуск сигнала, открытие,
	// закрытие, подтяжка уровней, незащищённая позиция, восстановление
	MessageTypeNotification MessageType = "notification"

	// MessageTypePositionUpdate - снимок открытой позиции с текущим PNL
	MessageTypePositionUpdate MessageType = "positionUpdate"

	// MessageTypeBalanceUpdate - обновление баланса счёта
	MessageTypeBalanceUpdate MessageType = "balanceUpdate"

	// MessageTypeCycleSummary - итог торгового цикла
	MessageTypeCycleSummary MessageType = "cycleSummary"
)

// BaseMessage - базовая структура для всех WebSocket сообщений
type BaseMessage struct {
	Type      MessageType `json:"type"`
	Timestamp time.Time   `json:"timestamp"`
}

// NotificationMessage - событие ядра
type NotificationMessage struct {
	BaseMessage
	Data *models.Notification `json:"data"`
}

// PositionUpdateMessage - снимок позиции
type PositionUpdateMessage struct {
	BaseMessage
	Symbol        string  `json:"symbol"`
	Action        string  `json:"action"`
	EntryPrice    float64 `json:"entry_price"`
	CurrentPrice  float64 `json:"current_price"`
	UnrealizedPnl float64 `json:"unrealized_pnl"`
	StopLoss      float64 `json:"stop_loss"`
	TakeProfit    float64 `json:"take_profit"`
}

// BalanceUpdateMessage - обновление баланса счёта
type BalanceUpdateMessage struct {
	BaseMessage
	Balance float64 `json:"balance"`
}

// CycleSummaryMessage - итог торгового цикла
type CycleSummaryMessage struct {
	BaseMessage
	Cycle         int64   `json:"cycle"`
	OpenPositions int     `json:"open_positions"`
	ShadowCount   int     `json:"shadow_count"`
	RealizedPnl   float64 `json:"realized_pnl"`
	DurationMs    float64 `json:"duration_ms"`
}

// ============ Фабричные функции и bot.Notifier ============

// Notify реализует bot.Notifier: событие ядра уходит всем клиентам
func (h *Hub) Notify(n models.Notification) {
	h.Broadcast(&NotificationMessage{
		BaseMessage: BaseMessage{
			Type:      MessageTypeNotification,
			Timestamp: time.Now(),
		},
		Data: &n,
	})
}

// BroadcastPositionUpdate отправляет снимок позиции с текущей ценой
func (h *Hub) BroadcastPositionUpdate(pos *models.Position, currentPrice float64) {
	h.Broadcast(&PositionUpdateMessage{
		BaseMessage: BaseMessage{
			Type:      MessageTypePositionUpdate,
			Timestamp: time.Now(),
		},
		Symbol:        pos.Symbol,
		Action:        pos.Action,
		EntryPrice:    pos.EntryPrice,
		CurrentPrice:  currentPrice,
		UnrealizedPnl: pos.UnrealizedPnl(currentPrice),
		StopLoss:      pos.StopLoss,
		TakeProfit:    pos.TakeProfit,
	})
}

// BroadcastBalanceUpdate отправляет обновление баланса счёта
func (h *Hub) BroadcastBalanceUpdate(balance float64) {
	h.Broadcast(&BalanceUpdateMessage{
		BaseMessage: BaseMessage{
			Type:      MessageTypeBalanceUpdate,
			Timestamp: time.Now(),
		},
		Balance: balance,
	})
}

// BroadcastCycleSummary отправляет итог торгового цикла
func (h *Hub) BroadcastCycleSummary(cycle int64, open, shadow int, realizedPnl float64, duration time.Duration) {
	h.Broadcast(&CycleSummaryMessage{
		BaseMessage: BaseMessage{
			Type:      MessageTypeCycleSummary,
			Timestamp: time.Now(),
		},
		Cycle:         cycle,
		OpenPositions: open,
		ShadowCount:   shadow,
		RealizedPnl:   realizedPnl,
		DurationMs:    float64(duration.Milliseconds()),
	})
}
