package handlers

import (
	"context"
	"net/http"

	"winiswin/internal/bot"
)

// EngineInterface - операции ядра, доступные через ops-API
type EngineInterface interface {
	Snapshot() bot.Snapshot
	ResetBreaker()
	ClosePosition(ctx context.Context, symbol string, reason string) error
}

// StatusHandler обрабатывает HTTP запросы состояния торгового ядра.
//
// Endpoints:
// - GET /api/v1/status - снимок состояния: баланс, позиции, статистика, breaker
// - POST /api/v1/breaker/reset - принудительное закрытие circuit breaker
type StatusHandler struct {
	engine EngineInterface
}

// NewStatusHandler создает новый StatusHandler
func NewStatusHandler(engine EngineInterface) *StatusHandler {
	return &StatusHandler{engine: engine}
}

// GetStatus возвращает снимок состояния ядра.
//
// GET /api/v1/status
//
// Response 200 OK:
//
//	{
//	  "balance": 10000.0,
//	  "open_count": 2,
//	  "max_positions": 3,
//	  "positions": [...],
//	  "shadow_positions": [...],
//	  "stats": {...},
//	  "rejections": {"max-positions": 4},
//	  "breaker_state": "closed",
//	  "cycle_count": 120
//	}
func (h *StatusHandler) GetStatus(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, h.engine.Snapshot())
}

// ResetBreaker принудительно закрывает circuit breaker.
//
// POST /api/v1/breaker/reset
//
// Ручная операция для оператора: после устранения проблемы на бирже
// не ждать recovery timeout.
func (h *StatusHandler) ResetBreaker(w http.ResponseWriter, r *http.Request) {
	h.engine.ResetBreaker()
	writeJSON(w, http.StatusOK, SuccessResponse{Message: "breaker reset"})
}
