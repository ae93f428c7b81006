// Package risk реализует расчёт размера позиции, плеча и защитных уровней.
package risk

import (
	"errors"
	"fmt"
	"sort"

	"go.uber.org/zap"

	"winiswin/internal/exchange"
	"winiswin/pkg/utils"
)

// ErrSizingRejected - позиция не может быть рассчитана
// (не достигается минимальный notional биржи, некорректный вход).
// Явный отказ, НЕ эквивалент quantity=0.
var ErrSizingRejected = errors.New("position sizing rejected")

// MarginTier ступень маржи: при confidence >= Confidence
// применяется Percent
type MarginTier struct {
	Confidence float64
	Percent    float64
}

// LeverageTier ступень плеча: при winRate >= WinRate применяется Leverage
type LeverageTier struct {
	WinRate  float64
	Leverage int
}

// Config параметры риск-менеджмента
type Config struct {
	// Границы маржи в процентах от баланса
	MinMarginPercent float64 // default 3.0
	MaxMarginPercent float64 // default 13.0

	// Границы плеча
	MinLeverage int // default 3
	MaxLeverage int // default 20

	// Ступени маржи и плеча; пустой срез - значения по умолчанию.
	// Порядок не важен, NewManager сортирует по убыванию порога.
	MarginTiers   []MarginTier
	LeverageTiers []LeverageTier

	// Множители ATR для защитных уровней
	StopLossATRMultiplier   float64 // default 2.0
	TakeProfitATRMultiplier float64 // default 3.0
}

// DefaultMarginTiers - ступени маржи по умолчанию
func DefaultMarginTiers() []MarginTier {
	return []MarginTier{
		{Confidence: 95, Percent: 13.0},
		{Confidence: 90, Percent: 11.0},
		{Confidence: 85, Percent: 9.0},
		{Confidence: 80, Percent: 7.0},
		{Confidence: 70, Percent: 5.0},
	}
}

// DefaultLeverageTiers - ступени плеча по умолчанию
func DefaultLeverageTiers() []LeverageTier {
	return []LeverageTier{
		{WinRate: 0.70, Leverage: 20},
		{WinRate: 0.60, Leverage: 15},
		{WinRate: 0.50, Leverage: 10},
		{WinRate: 0.40, Leverage: 6},
	}
}

// DefaultConfig возвращает параметры по умолчанию
func DefaultConfig() Config {
	return Config{
		MinMarginPercent:        3.0,
		MaxMarginPercent:        13.0,
		MinLeverage:             3,
		MaxLeverage:             20,
		MarginTiers:             DefaultMarginTiers(),
		LeverageTiers:           DefaultLeverageTiers(),
		StopLossATRMultiplier:   2.0,
		TakeProfitATRMultiplier: 3.0,
	}
}

// Sizing результат расчёта позиции
type Sizing struct {
	Quantity        float64 `json:"quantity"`
	AllocatedMargin float64 `json:"allocated_margin"`
	MarginPercent   float64 `json:"margin_percent"`
	PositionValue   float64 `json:"position_value"`
	RiskAmount      float64 `json:"risk_amount"` // потенциальный убыток при достижении стопа
}

// Manager рассчитывает размеры позиций, не хранит состояния между вызовами
type Manager struct {
	cfg    Config
	logger *zap.Logger
}

// NewManager создаёт риск-менеджер
func NewManager(cfg Config, logger *zap.Logger) *Manager {
	if cfg.MinMarginPercent <= 0 {
		cfg.MinMarginPercent = 3.0
	}
	if cfg.MaxMarginPercent <= cfg.MinMarginPercent {
		cfg.MaxMarginPercent = 13.0
	}
	if cfg.MinLeverage <= 0 {
		cfg.MinLeverage = 3
	}
	if cfg.MaxLeverage < cfg.MinLeverage {
		cfg.MaxLeverage = 20
	}
	if cfg.StopLossATRMultiplier <= 0 {
		cfg.StopLossATRMultiplier = 2.0
	}
	if cfg.TakeProfitATRMultiplier <= 0 {
		cfg.TakeProfitATRMultiplier = 3.0
	}
	if len(cfg.MarginTiers) == 0 {
		cfg.MarginTiers = DefaultMarginTiers()
	}
	if len(cfg.LeverageTiers) == 0 {
		cfg.LeverageTiers = DefaultLeverageTiers()
	}

	// Поиск ступени идёт сверху вниз
	sort.Slice(cfg.MarginTiers, func(i, j int) bool {
		return cfg.MarginTiers[i].Confidence > cfg.MarginTiers[j].Confidence
	})
	sort.Slice(cfg.LeverageTiers, func(i, j int) bool {
		return cfg.LeverageTiers[i].WinRate > cfg.LeverageTiers[j].WinRate
	})

	return &Manager{cfg: cfg, logger: logger.Named("risk")}
}

// MarginPercent возвращает долю баланса под маржу по уверенности сигнала
//
// Монотонная ступенчатая функция: выше уверенность - больше маржа,
// в границах [MinMarginPercent, MaxMarginPercent].
func (m *Manager) MarginPercent(confidence float64) float64 {
	pct := m.cfg.MinMarginPercent
	for _, tier := range m.cfg.MarginTiers {
		if confidence >= tier.Confidence {
			pct = tier.Percent
			break
		}
	}

	return utils.Clamp(pct, m.cfg.MinMarginPercent, m.cfg.MaxMarginPercent)
}

// LeverageFor возвращает плечо по трейлинг винрейту
//
// hasHistory=false (нет закрытых сделок) - минимальное плечо.
// Монотонная ступенчатая функция в границах [MinLeverage, MaxLeverage].
func (m *Manager) LeverageFor(winRate float64, hasHistory bool) int {
	if !hasHistory {
		return m.cfg.MinLeverage
	}

	lev := m.cfg.MinLeverage
	for _, tier := range m.cfg.LeverageTiers {
		if winRate >= tier.WinRate {
			lev = tier.Leverage
			break
		}
	}

	if lev < m.cfg.MinLeverage {
		lev = m.cfg.MinLeverage
	}
	if lev > m.cfg.MaxLeverage {
		lev = m.cfg.MaxLeverage
	}
	return lev
}

// SizePosition рассчитывает объём позиции
//
// Алгоритм:
//  1. marginPercent от уверенности, allocatedMargin = balance × marginPercent
//  2. positionValue = allocatedMargin × leverage, rawQuantity = positionValue / entryPrice
//  3. округление вниз до шага лота, clamp в [minQty, maxQty]
//  4. контроль minNotional: пересчёт от minNotional × 1.02, затем до 10
//     добавлений шага; если не достигли - явный отказ
//
// Отказ (ErrSizingRejected) НЕ означает "открыть с нулевым объёмом".
func (m *Manager) SizePosition(balance, entryPrice, stopLossPrice, confidence float64, leverage int, constraints *exchange.SymbolConstraints) (*Sizing, error) {
	if balance <= 0 || entryPrice <= 0 {
		return nil, fmt.Errorf("%w: invalid balance %.2f or price %.8f", ErrSizingRejected, balance, entryPrice)
	}
	if constraints == nil {
		return nil, fmt.Errorf("%w: no symbol constraints", ErrSizingRejected)
	}

	marginPct := m.MarginPercent(confidence)
	allocatedMargin := balance * marginPct / 100
	positionValue := allocatedMargin * float64(leverage)
	rawQuantity := positionValue / entryPrice

	quantity := utils.RoundToStep(rawQuantity, constraints.StepSize)

	if constraints.MinQty > 0 && quantity < constraints.MinQty {
		quantity = constraints.MinQty
	}
	if constraints.MaxQty > 0 && quantity > constraints.MaxQty {
		quantity = constraints.MaxQty
	}

	// Минимальный notional биржи
	if constraints.MinNotional > 0 && quantity*entryPrice < constraints.MinNotional {
		// Пересчёт с запасом 2% на округление
		required := constraints.MinNotional * 1.02 / entryPrice
		quantity = utils.RoundToStep(required, constraints.StepSize)

		// Добавляем по шагу пока не достигнем настоящего minNotional
		attempts := 0
		for quantity*entryPrice < constraints.MinNotional && attempts < 10 {
			quantity += constraints.StepSize
			attempts++
		}

		if quantity*entryPrice < constraints.MinNotional {
			m.logger.Warn("cannot meet exchange minimum notional",
				zap.String("symbol", constraints.Symbol),
				zap.Float64("quantity", quantity),
				zap.Float64("entry_price", entryPrice),
				zap.Float64("min_notional", constraints.MinNotional))
			return nil, fmt.Errorf("%w: cannot meet min notional %.2f for %s",
				ErrSizingRejected, constraints.MinNotional, constraints.Symbol)
		}

		if constraints.MaxQty > 0 && quantity > constraints.MaxQty {
			return nil, fmt.Errorf("%w: min notional requires quantity above maxQty for %s",
				ErrSizingRejected, constraints.Symbol)
		}

		// После повышения объёма маржа пересчитывается от фактического размера
		positionValue = quantity * entryPrice
		allocatedMargin = positionValue / float64(leverage)
	}

	if quantity <= 0 {
		return nil, fmt.Errorf("%w: zero quantity for %s", ErrSizingRejected, constraints.Symbol)
	}

	riskAmount := 0.0
	if stopLossPrice > 0 {
		riskAmount = utils.Abs(entryPrice-stopLossPrice) * quantity
	}

	return &Sizing{
		Quantity:        quantity,
		AllocatedMargin: allocatedMargin,
		MarginPercent:   marginPct,
		PositionValue:   quantity * entryPrice,
		RiskAmount:      riskAmount,
	}, nil
}

// StopLossPrice возвращает цену стопа: entry ∓ ATR × множитель
func (m *Manager) StopLossPrice(entryPrice, atr float64, isLong bool) float64 {
	offset := atr * m.cfg.StopLossATRMultiplier
	if isLong {
		return entryPrice - offset
	}
	return entryPrice + offset
}

// TakeProfitPrice возвращает цену тейка: entry ± ATR × множитель
func (m *Manager) TakeProfitPrice(entryPrice, atr float64, isLong bool) float64 {
	offset := atr * m.cfg.TakeProfitATRMultiplier
	if isLong {
		return entryPrice + offset
	}
	return entryPrice - offset
}
