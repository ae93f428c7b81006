package models

import "time"

// TradeStats представляет агрегированную статистику торговли
//
// Счётчики принадлежат ExecutionEngine и мутируются только из его цикла;
// наружу (API, уведомления) всегда отдаётся копия.
type TradeStats struct {
	TotalTrades   int     `json:"total_trades"`
	Wins          int     `json:"wins"`
	Losses        int     `json:"losses"`
	TotalPnl      float64 `json:"total_pnl"`
	PeakPnl       float64 `json:"peak_pnl"`
	MaxDrawdown   float64 `json:"max_drawdown"`
	OpenPositions int     `json:"open_positions"`

	ClosesByReason map[string]int `json:"closes_by_reason"`

	LastTradeAt time.Time `json:"last_trade_at,omitempty"`
}

// WinRate возвращает долю прибыльных сделок [0..1]
// При отсутствии истории возвращает 0 и признак hasHistory=false.
func (s *TradeStats) WinRate() (rate float64, hasHistory bool) {
	closed := s.Wins + s.Losses
	if closed == 0 {
		return 0, false
	}
	return float64(s.Wins) / float64(closed), true
}

// RecordClose учитывает закрытую сделку в счётчиках
func (s *TradeStats) RecordClose(pnl float64, reason string) {
	s.TotalTrades++
	if pnl > 0 {
		s.Wins++
	} else {
		s.Losses++
	}
	s.TotalPnl += pnl

	if s.TotalPnl > s.PeakPnl {
		s.PeakPnl = s.TotalPnl
	}
	if dd := s.PeakPnl - s.TotalPnl; dd > s.MaxDrawdown {
		s.MaxDrawdown = dd
	}

	if s.ClosesByReason == nil {
		s.ClosesByReason = make(map[string]int)
	}
	s.ClosesByReason[reason]++
	s.LastTradeAt = time.Now()
}

// Clone возвращает глубокую копию статистики (для читателей вне цикла)
func (s *TradeStats) Clone() TradeStats {
	out := *s
	out.ClosesByReason = make(map[string]int, len(s.ClosesByReason))
	for k, v := range s.ClosesByReason {
		out.ClosesByReason[k] = v
	}
	return out
}
