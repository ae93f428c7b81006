// Package strategy реализует генерацию торговых сигналов по свечам.
//
// Ядро работает с любым bot.SignalSource; momentum-стратегия здесь -
// базовая встроенная реализация: пересечение скользящих средних,
// подтверждённое RSI, с уровнями защиты от ATR.
package strategy

import (
	"context"
	"time"

	"go.uber.org/zap"

	"winiswin/internal/exchange"
	"winiswin/internal/models"
)

const strategyName = "momentum"

// Config - параметры momentum-стратегии
type Config struct {
	FastPeriod int     // быстрая SMA
	SlowPeriod int     // медленная SMA
	RSIPeriod  int     // период RSI
	ATRPeriod  int     // период ATR
	MinATRPct  float64 // минимальная волатильность ATR/цена, % - мёртвые символы отсекаются

	StopLossATRMult   float64
	TakeProfitATRMult float64
}

// DefaultConfig возвращает параметры по умолчанию
func DefaultConfig() Config {
	return Config{
		FastPeriod:        9,
		SlowPeriod:        21,
		RSIPeriod:         14,
		ATRPeriod:         14,
		MinATRPct:         0.1,
		StopLossATRMult:   2.0,
		TakeProfitATRMult: 3.0,
	}
}

// Momentum - стратегия пересечения скользящих средних
type Momentum struct {
	cfg    Config
	logger *zap.Logger
}

// New создает momentum-стратегию
func New(cfg Config, logger *zap.Logger) *Momentum {
	if cfg.FastPeriod <= 0 {
		cfg.FastPeriod = 9
	}
	if cfg.SlowPeriod <= cfg.FastPeriod {
		cfg.SlowPeriod = cfg.FastPeriod * 2
	}
	if cfg.RSIPeriod <= 0 {
		cfg.RSIPeriod = 14
	}
	if cfg.ATRPeriod <= 0 {
		cfg.ATRPeriod = 14
	}
	if cfg.StopLossATRMult <= 0 {
		cfg.StopLossATRMult = 2.0
	}
	if cfg.TakeProfitATRMult <= 0 {
		cfg.TakeProfitATRMult = 3.0
	}

	return &Momentum{cfg: cfg, logger: logger}
}

// Generate реализует bot.SignalSource
//
// Возвращает (nil, nil) когда сигнала нет - недостаток данных,
// мёртвая волатильность или отсутствие подтверждённого пересечения.
func (m *Momentum) Generate(ctx context.Context, symbol string, candles []exchange.Candle) (*models.Signal, error) {
	need := m.cfg.SlowPeriod + 2
	if m.cfg.RSIPeriod+1 > need {
		need = m.cfg.RSIPeriod + 1
	}
	if m.cfg.ATRPeriod+1 > need {
		need = m.cfg.ATRPeriod + 1
	}
	if len(candles) < need {
		return nil, nil
	}

	closes := make([]float64, len(candles))
	for i, c := range candles {
		closes[i] = c.Close
	}

	price := closes[len(closes)-1]
	if price <= 0 {
		return nil, nil
	}

	atr := averageTrueRange(candles, m.cfg.ATRPeriod)
	if atr <= 0 || atr/price*100 < m.cfg.MinATRPct {
		return nil, nil
	}

	fastNow := sma(closes, m.cfg.FastPeriod, 0)
	slowNow := sma(closes, m.cfg.SlowPeriod, 0)
	fastPrev := sma(closes, m.cfg.FastPeriod, 1)
	slowPrev := sma(closes, m.cfg.SlowPeriod, 1)

	var action string
	switch {
	case fastPrev <= slowPrev && fastNow > slowNow:
		action = models.ActionLong
	case fastPrev >= slowPrev && fastNow < slowNow:
		action = models.ActionShort
	default:
		return nil, nil
	}

	rsi := relativeStrength(closes, m.cfg.RSIPeriod)

	// RSI против направления - пересечение не подтверждено
	if action == models.ActionLong && rsi < 50 {
		return nil, nil
	}
	if action == models.ActionShort && rsi > 50 {
		return nil, nil
	}

	confidence := m.confidence(action, fastNow, slowNow, rsi, price)

	var stopLoss, takeProfit float64
	if action == models.ActionLong {
		stopLoss = price - atr*m.cfg.StopLossATRMult
		takeProfit = price + atr*m.cfg.TakeProfitATRMult
	} else {
		stopLoss = price + atr*m.cfg.StopLossATRMult
		takeProfit = price - atr*m.cfg.TakeProfitATRMult
	}

	return &models.Signal{
		Symbol:      symbol,
		Action:      action,
		Price:       price,
		Confidence:  confidence,
		ExpectedROI: atr * m.cfg.TakeProfitATRMult / price * 100,
		StopLoss:    stopLoss,
		TakeProfit:  takeProfit,
		ATR:         atr,
		Strategy:    strategyName,
		GeneratedAt: time.Now(),
		Metadata: map[string]interface{}{
			"sma_fast": fastNow,
			"sma_slow": slowNow,
			"rsi":      rsi,
		},
	}, nil
}

// confidence оценивает силу сигнала 0-100
//
// База 50 за подтверждённое пересечение, до +25 за разрыв между
// средними, до +25 за отклонение RSI от нейтральных 50.
func (m *Momentum) confidence(action string, fast, slow, rsi, price float64) float64 {
	confidence := 50.0

	gapPct := (fast - slow) / price * 100
	if action == models.ActionShort {
		gapPct = -gapPct
	}
	if gapPct > 0 {
		bonus := gapPct * 50
		if bonus > 25 {
			bonus = 25
		}
		confidence += bonus
	}

	rsiEdge := rsi - 50
	if action == models.ActionShort {
		rsiEdge = -rsiEdge
	}
	if rsiEdge > 0 {
		bonus := rsiEdge
		if bonus > 25 {
			bonus = 25
		}
		confidence += bonus
	}

	return confidence
}

// ============ Индикаторы ============

// sma считает простую скользящую среднюю с отступом offset от конца
func sma(values []float64, period, offset int) float64 {
	end := len(values) - offset
	start := end - period
	if start < 0 {
		return 0
	}

	var sum float64
	for _, v := range values[start:end] {
		sum += v
	}
	return sum / float64(period)
}

// averageTrueRange считает ATR методом Уайлдера
func averageTrueRange(candles []exchange.Candle, period int) float64 {
	if len(candles) < period+1 {
		return 0
	}

	var atr float64
	start := len(candles) - period
	for i := start; i < len(candles); i++ {
		tr := trueRange(candles[i], candles[i-1])
		if i == start {
			atr = tr
			continue
		}
		atr = (atr*float64(period-1) + tr) / float64(period)
	}
	return atr
}

func trueRange(current, previous exchange.Candle) float64 {
	hl := current.High - current.Low
	hc := abs(current.High - previous.Close)
	lc := abs(current.Low - previous.Close)

	tr := hl
	if hc > tr {
		tr = hc
	}
	if lc > tr {
		tr = lc
	}
	return tr
}

// relativeStrength считает RSI по последним period изменениям
func relativeStrength(closes []float64, period int) float64 {
	if len(closes) < period+1 {
		return 50
	}

	var gains, losses float64
	for i := len(closes) - period; i < len(closes); i++ {
		delta := closes[i] - closes[i-1]
		if delta > 0 {
			gains += delta
		} else {
			losses -= delta
		}
	}

	if losses == 0 {
		if gains == 0 {
			return 50
		}
		return 100
	}

	rs := gains / losses
	return 100 - 100/(1+rs)
}

func abs(v float64) float64 {
	if v < 0 {
		return -v
	}
	return v
}
