package bot

import (
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"winiswin/internal/models"
)

// ShadowTracker отслеживает виртуальные позиции по сигналам,
// не прошедшим распределение слотов
//
// Капитал не рискуется: ордера не размещаются, но стоп/цель проверяются
// той же логикой что и у реальных позиций. Результаты идут в outcome
// разметку для оценки качества отсеянных сигналов.
type ShadowTracker struct {
	mu        sync.Mutex
	positions map[string]*models.Position

	maxPositions int
	maxAgeCycles int

	logger *zap.Logger
}

// NewShadowTracker создаёт трекер виртуальных позиций
//
// maxAgeCycles - через сколько циклов несработавшая позиция
// закрывается как TIMEOUT.
func NewShadowTracker(maxPositions, maxAgeCycles int, logger *zap.Logger) *ShadowTracker {
	if maxPositions <= 0 {
		maxPositions = 10
	}
	if maxAgeCycles <= 0 {
		maxAgeCycles = 20
	}

	return &ShadowTracker{
		positions:    make(map[string]*models.Position),
		maxPositions: maxPositions,
		maxAgeCycles: maxAgeCycles,
		logger:       logger.Named("shadow"),
	}
}

// Track начинает отслеживание сигнала как виртуальной позиции
//
// Возвращает созданную позицию или nil если трекер заполнен
// или символ уже отслеживается.
func (st *ShadowTracker) Track(signal *models.Signal) *models.Position {
	st.mu.Lock()
	defer st.mu.Unlock()

	if len(st.positions) >= st.maxPositions {
		return nil
	}
	if _, exists := st.positions[signal.Symbol]; exists {
		return nil
	}

	pos := &models.Position{
		Symbol:            signal.Symbol,
		Action:            signal.Action,
		EntryPrice:        signal.Price,
		Quantity:          1, // номинальный объём: PNL на единицу актива
		StopLoss:          signal.StopLoss,
		TakeProfit:        signal.TakeProfit,
		ConfidenceAtEntry: signal.Confidence,
		Strategy:          signal.Strategy,
		CorrelationID:     uuid.NewString(),
		Virtual:           true,
		OpenedAt:          time.Now(),
	}
	st.positions[signal.Symbol] = pos

	ShadowPositions.Set(float64(len(st.positions)))
	return pos
}

// Restore возвращает персистированную виртуальную позицию в трекер
// после рестарта, сохраняя накопленный возраст
//
// Возвращает false если трекер заполнен или символ уже отслеживается.
func (st *ShadowTracker) Restore(pos *models.Position) bool {
	st.mu.Lock()
	defer st.mu.Unlock()

	if len(st.positions) >= st.maxPositions {
		return false
	}
	if _, exists := st.positions[pos.Symbol]; exists {
		return false
	}

	st.positions[pos.Symbol] = pos
	ShadowPositions.Set(float64(len(st.positions)))
	return true
}

// Update проверяет триггеры и возраст всех виртуальных позиций
//
// prices - текущие цены по символам; позиции без цены пропускаются
// в этом цикле, но их возраст всё равно растёт.
// Возвращает записи о закрытых виртуальных сделках.
func (st *ShadowTracker) Update(prices map[string]float64) []*models.ClosedTrade {
	st.mu.Lock()
	defer st.mu.Unlock()

	var closed []*models.ClosedTrade

	for symbol, pos := range st.positions {
		pos.AgeCycles++

		price, ok := prices[symbol]
		if ok && price > 0 {
			if reason := checkPriceTriggers(pos, price); reason != "" {
				closed = append(closed, st.closeLocked(pos, triggerExitPrice(pos, price, reason), reason))
				continue
			}
		}

		if pos.AgeCycles >= st.maxAgeCycles {
			exitPrice := price
			if exitPrice <= 0 {
				exitPrice = pos.EntryPrice
			}
			closed = append(closed, st.closeLocked(pos, exitPrice, models.ExitReasonTimeout))
		}
	}

	ShadowPositions.Set(float64(len(st.positions)))
	return closed
}

// closeLocked закрывает виртуальную позицию, вызывается под мьютексом
func (st *ShadowTracker) closeLocked(pos *models.Position, exitPrice float64, reason string) *models.ClosedTrade {
	delete(st.positions, pos.Symbol)

	now := time.Now()
	pnl := pos.UnrealizedPnl(exitPrice)

	st.logger.Debug("shadow position closed",
		zap.String("symbol", pos.Symbol),
		zap.String("reason", reason),
		zap.Float64("pnl_per_unit", pnl))

	RecordTradeClosed(reason, true, 0)

	return &models.ClosedTrade{
		CorrelationID: pos.CorrelationID,
		Symbol:        pos.Symbol,
		Action:        pos.Action,
		EntryPrice:    pos.EntryPrice,
		ExitPrice:     exitPrice,
		Quantity:      pos.Quantity,
		Pnl:           pnl,
		Reason:        reason,
		Confidence:    pos.ConfidenceAtEntry,
		Strategy:      pos.Strategy,
		Virtual:       true,
		OpenedAt:      pos.OpenedAt,
		ClosedAt:      now,
		Duration:      now.Sub(pos.OpenedAt).Seconds(),
	}
}

// Len возвращает количество отслеживаемых позиций
func (st *ShadowTracker) Len() int {
	st.mu.Lock()
	defer st.mu.Unlock()
	return len(st.positions)
}

// Active возвращает копию отслеживаемых позиций
func (st *ShadowTracker) Active() []models.Position {
	st.mu.Lock()
	defer st.mu.Unlock()

	out := make([]models.Position, 0, len(st.positions))
	for _, p := range st.positions {
		out = append(out, *p)
	}
	return out
}

// triggerExitPrice возвращает цену фиксации выхода по триггеру
//
// Стоп и тейк исполняются на своём уровне, а не на цене тика,
// которым триггер был замечен.
func triggerExitPrice(pos *models.Position, observed float64, reason string) float64 {
	switch reason {
	case models.ExitReasonStopLoss:
		if pos.StopLoss > 0 {
			return pos.StopLoss
		}
	case models.ExitReasonTakeProfit:
		if pos.TakeProfit > 0 {
			return pos.TakeProfit
		}
	}
	return observed
}

// checkPriceTriggers проверяет ценовые триггеры позиции
//
// Общая логика для реальных и виртуальных позиций: для лонга
// price <= stop это STOP_LOSS, price >= target это TAKE_PROFIT
// (зеркально для шорта). Возвращает причину выхода или "".
func checkPriceTriggers(pos *models.Position, price float64) string {
	if pos.IsLong() {
		if pos.StopLoss > 0 && price <= pos.StopLoss {
			return models.ExitReasonStopLoss
		}
		if pos.TakeProfit > 0 && price >= pos.TakeProfit {
			return models.ExitReasonTakeProfit
		}
		return ""
	}

	if pos.StopLoss > 0 && price >= pos.StopLoss {
		return models.ExitReasonStopLoss
	}
	if pos.TakeProfit > 0 && price <= pos.TakeProfit {
		return models.ExitReasonTakeProfit
	}
	return ""
}
