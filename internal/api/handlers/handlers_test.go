package handlers

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/gorilla/mux"

	"winiswin/internal/bot"
	"winiswin/internal/models"
)

// ============ Моки ============

var ErrMockDatabase = errors.New("database error")

type mockEngine struct {
	snapshot     bot.Snapshot
	breakerReset bool
	closeErr     error
	closedSymbol string
	closedReason string
}

func (m *mockEngine) Snapshot() bot.Snapshot { return m.snapshot }
func (m *mockEngine) ResetBreaker()          { m.breakerReset = true }
func (m *mockEngine) ClosePosition(ctx context.Context, symbol, reason string) error {
	m.closedSymbol = symbol
	m.closedReason = reason
	return m.closeErr
}

type mockTradeStore struct {
	trades []*models.ClosedTrade
	err    error
	limit  int
}

func (m *mockTradeStore) GetRecent(ctx context.Context, limit int) ([]*models.ClosedTrade, error) {
	m.limit = limit
	return m.trades, m.err
}

func (m *mockTradeStore) GetBySymbol(ctx context.Context, symbol string, limit int) ([]*models.ClosedTrade, error) {
	m.limit = limit
	return m.trades, m.err
}

// ============ StatusHandler Tests ============

func TestStatusHandler_GetStatus(t *testing.T) {
	engine := &mockEngine{
		snapshot: bot.Snapshot{
			Balance:      10000,
			OpenCount:    2,
			MaxPositions: 3,
			BreakerState: "closed",
		},
	}
	handler := NewStatusHandler(engine)

	req := httptest.NewRequest(http.MethodGet, "/api/v1/status", nil)
	w := httptest.NewRecorder()

	handler.GetStatus(w, req)

	if w.Code != http.StatusOK {
		t.Fatalf("status = %d, ожидали %d", w.Code, http.StatusOK)
	}

	var snap bot.Snapshot
	if err := json.NewDecoder(w.Body).Decode(&snap); err != nil {
		t.Fatalf("failed to decode response: %v", err)
	}
	if snap.Balance != 10000 || snap.OpenCount != 2 {
		t.Errorf("snapshot = %+v", snap)
	}
	if snap.BreakerState != "closed" {
		t.Errorf("breaker_state = %s, ожидали closed", snap.BreakerState)
	}
}

func TestStatusHandler_ResetBreaker(t *testing.T) {
	engine := &mockEngine{}
	handler := NewStatusHandler(engine)

	req := httptest.NewRequest(http.MethodPost, "/api/v1/breaker/reset", nil)
	w := httptest.NewRecorder()

	handler.ResetBreaker(w, req)

	if w.Code != http.StatusOK {
		t.Errorf("status = %d, ожидали %d", w.Code, http.StatusOK)
	}
	if !engine.breakerReset {
		t.Error("ResetBreaker не вызван на ядре")
	}
}

// ============ PositionHandler Tests ============

func TestPositionHandler_ClosePosition(t *testing.T) {
	tests := []struct {
		name       string
		closeErr   error
		wantStatus int
	}{
		{name: "success", wantStatus: http.StatusOK},
		{name: "not found", closeErr: bot.ErrPositionNotFound, wantStatus: http.StatusNotFound},
		{name: "internal error", closeErr: ErrMockDatabase, wantStatus: http.StatusInternalServerError},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			engine := &mockEngine{closeErr: tt.closeErr}
			handler := NewPositionHandler(engine)

			req := httptest.NewRequest(http.MethodPost, "/api/v1/positions/BTCUSDT/close", nil)
			req = mux.SetURLVars(req, map[string]string{"symbol": "BTCUSDT"})
			w := httptest.NewRecorder()

			handler.ClosePosition(w, req)

			if w.Code != tt.wantStatus {
				t.Errorf("status = %d, ожидали %d", w.Code, tt.wantStatus)
			}
			if engine.closedSymbol != "BTCUSDT" {
				t.Errorf("symbol = %s, ожидали BTCUSDT", engine.closedSymbol)
			}
			if engine.closedReason != models.ExitReasonManual {
				t.Errorf("reason = %s, ожидали MANUAL", engine.closedReason)
			}
		})
	}
}

func TestPositionHandler_GetPositions(t *testing.T) {
	engine := &mockEngine{
		snapshot: bot.Snapshot{
			Positions: []models.Position{{Symbol: "BTCUSDT"}},
			Shadow:    []models.Position{{Symbol: "ETHUSDT"}},
		},
	}
	handler := NewPositionHandler(engine)

	req := httptest.NewRequest(http.MethodGet, "/api/v1/positions", nil)
	w := httptest.NewRecorder()

	handler.GetPositions(w, req)

	if w.Code != http.StatusOK {
		t.Fatalf("status = %d, ожидали %d", w.Code, http.StatusOK)
	}

	var body struct {
		Positions []models.Position `json:"positions"`
		Shadow    []models.Position `json:"shadow_positions"`
	}
	if err := json.NewDecoder(w.Body).Decode(&body); err != nil {
		t.Fatalf("failed to decode response: %v", err)
	}
	if len(body.Positions) != 1 || len(body.Shadow) != 1 {
		t.Errorf("positions = %d, shadow = %d", len(body.Positions), len(body.Shadow))
	}
}

// ============ TradeHandler Tests ============

func TestTradeHandler_GetTrades(t *testing.T) {
	t.Run("returns trades", func(t *testing.T) {
		store := &mockTradeStore{
			trades: []*models.ClosedTrade{{Symbol: "BTCUSDT", Pnl: 42}},
		}
		handler := NewTradeHandler(store)

		req := httptest.NewRequest(http.MethodGet, "/api/v1/trades", nil)
		w := httptest.NewRecorder()

		handler.GetTrades(w, req)

		if w.Code != http.StatusOK {
			t.Fatalf("status = %d, ожидали %d", w.Code, http.StatusOK)
		}
		if store.limit != defaultTradeLimit {
			t.Errorf("limit = %d, ожидали %d", store.limit, defaultTradeLimit)
		}
	})

	t.Run("respects limit parameter", func(t *testing.T) {
		store := &mockTradeStore{}
		handler := NewTradeHandler(store)

		req := httptest.NewRequest(http.MethodGet, "/api/v1/trades?limit=10", nil)
		w := httptest.NewRecorder()

		handler.GetTrades(w, req)

		if store.limit != 10 {
			t.Errorf("limit = %d, ожидали 10", store.limit)
		}
	})

	t.Run("invalid limit falls back to default", func(t *testing.T) {
		store := &mockTradeStore{}
		handler := NewTradeHandler(store)

		req := httptest.NewRequest(http.MethodGet, "/api/v1/trades?limit=-5", nil)
		w := httptest.NewRecorder()

		handler.GetTrades(w, req)

		if store.limit != defaultTradeLimit {
			t.Errorf("limit = %d, ожидали %d", store.limit, defaultTradeLimit)
		}
	})

	t.Run("returns 500 on store error", func(t *testing.T) {
		store := &mockTradeStore{err: ErrMockDatabase}
		handler := NewTradeHandler(store)

		req := httptest.NewRequest(http.MethodGet, "/api/v1/trades", nil)
		w := httptest.NewRecorder()

		handler.GetTrades(w, req)

		if w.Code != http.StatusInternalServerError {
			t.Errorf("status = %d, ожидали %d", w.Code, http.StatusInternalServerError)
		}
	})
}
