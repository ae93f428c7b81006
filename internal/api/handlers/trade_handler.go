package handlers

import (
	"context"
	"net/http"
	"strconv"

	"github.com/gorilla/mux"

	"winiswin/internal/models"
)

const defaultTradeLimit = 50

// TradeStore - чтение журнала сделок
type TradeStore interface {
	GetRecent(ctx context.Context, limit int) ([]*models.ClosedTrade, error)
	GetBySymbol(ctx context.Context, symbol string, limit int) ([]*models.ClosedTrade, error)
}

// TradeHandler обрабатывает HTTP запросы журнала закрытых сделок.
//
// Endpoints:
// - GET /api/v1/trades?limit=N - последние сделки
// - GET /api/v1/trades/{symbol}?limit=N - сделки по символу
type TradeHandler struct {
	trades TradeStore
}

// NewTradeHandler создает новый TradeHandler
func NewTradeHandler(trades TradeStore) *TradeHandler {
	return &TradeHandler{trades: trades}
}

// GetTrades возвращает последние закрытые сделки.
//
// GET /api/v1/trades?limit=50
func (h *TradeHandler) GetTrades(w http.ResponseWriter, r *http.Request) {
	trades, err := h.trades.GetRecent(r.Context(), parseLimit(r))
	if err != nil {
		writeError(w, http.StatusInternalServerError, "failed to load trades", err.Error())
		return
	}

	writeJSON(w, http.StatusOK, SuccessResponse{Data: trades})
}

// GetTradesBySymbol возвращает сделки по символу.
//
// GET /api/v1/trades/{symbol}?limit=50
func (h *TradeHandler) GetTradesBySymbol(w http.ResponseWriter, r *http.Request) {
	symbol := mux.Vars(r)["symbol"]

	trades, err := h.trades.GetBySymbol(r.Context(), symbol, parseLimit(r))
	if err != nil {
		writeError(w, http.StatusInternalServerError, "failed to load trades", err.Error())
		return
	}

	writeJSON(w, http.StatusOK, SuccessResponse{Data: trades})
}

func parseLimit(r *http.Request) int {
	raw := r.URL.Query().Get("limit")
	if raw == "" {
		return defaultTradeLimit
	}
	limit, err := strconv.Atoi(raw)
	if err != nil || limit <= 0 || limit > 1000 {
		return defaultTradeLimit
	}
	return limit
}
