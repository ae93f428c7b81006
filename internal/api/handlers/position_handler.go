package handlers

import (
	"errors"
	"net/http"

	"github.com/gorilla/mux"

	"winiswin/internal/bot"
	"winiswin/internal/models"
)

// PositionHandler обрабатывает HTTP запросы открытых позиций.
//
// Endpoints:
// - GET /api/v1/positions - список открытых позиций
// - POST /api/v1/positions/{symbol}/close - ручное закрытие позиции
type PositionHandler struct {
	engine EngineInterface
}

// NewPositionHandler создает новый PositionHandler
func NewPositionHandler(engine EngineInterface) *PositionHandler {
	return &PositionHandler{engine: engine}
}

// GetPositions возвращает открытые позиции (включая shadow).
//
// GET /api/v1/positions
func (h *PositionHandler) GetPositions(w http.ResponseWriter, r *http.Request) {
	snap := h.engine.Snapshot()
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"positions":        snap.Positions,
		"shadow_positions": snap.Shadow,
	})
}

// ClosePosition закрывает позицию вручную с причиной MANUAL.
//
// POST /api/v1/positions/{symbol}/close
//
// Response 200 OK | 404 Not Found
func (h *PositionHandler) ClosePosition(w http.ResponseWriter, r *http.Request) {
	symbol := mux.Vars(r)["symbol"]
	if symbol == "" {
		writeError(w, http.StatusBadRequest, "symbol is required", "")
		return
	}

	if err := h.engine.ClosePosition(r.Context(), symbol, models.ExitReasonManual); err != nil {
		if errors.Is(err, bot.ErrPositionNotFound) {
			writeError(w, http.StatusNotFound, "position not found", symbol)
			return
		}
		writeError(w, http.StatusInternalServerError, "failed to close position", err.Error())
		return
	}

	writeJSON(w, http.StatusOK, SuccessResponse{Message: "position closed"})
}
