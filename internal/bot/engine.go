// Package bot реализует торговое ядро: допуск сигналов, жизненный цикл
// позиций, мониторинг и закрытие.
package bot

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"winiswin/internal/exchange"
	"winiswin/internal/marketdata"
	"winiswin/internal/models"
	"winiswin/internal/risk"
	"winiswin/pkg/breaker"
	"winiswin/pkg/ratelimit"
	"winiswin/pkg/retry"
)

// SignalSource генерирует торговый сигнал по свечам символа
//
// Возвращает (nil, nil) если сигнал не сгенерирован - это не ошибка.
type SignalSource interface {
	Generate(ctx context.Context, symbol string, candles []exchange.Candle) (*models.Signal, error)
}

// Notifier принимает уведомления ядра (websocket hub, лог)
type Notifier interface {
	Notify(n models.Notification)
}

// PositionStore персистирует открытые позиции для восстановления после рестарта
type PositionStore interface {
	SavePosition(ctx context.Context, p *models.Position) error
	DeletePosition(ctx context.Context, symbol string) error
	LoadPositions(ctx context.Context) ([]*models.Position, error)
}

// TradeRecorder сохраняет записи о закрытых сделках (outcome sink)
type TradeRecorder interface {
	SaveTrade(ctx context.Context, t *models.ClosedTrade) error
}

// Config конфигурация торгового ядра
type Config struct {
	MaxConcurrentPositions int           // максимум одновременных позиций
	CycleInterval          time.Duration // период торгового цикла
	RankMode               string        // confidence | roi
	CandlePeriod           string        // период свечей для генерации сигналов
	CandleLimit            int           // глубина истории свечей

	// Shadow-трекер
	ShadowEnabled      bool
	ShadowMaxPositions int
	ShadowMaxAgeCycles int

	// Simulated - не размещать реальные ордера (paper trading)
	Simulated bool
}

// Engine - торговое ядро
//
// Владеет всем мутабельным состоянием процесса: позициями, статистикой,
// балансом. Глобальных синглтонов нет - всё состояние конструируется
// один раз при старте и передаётся коллабораторам явно.
type Engine struct {
	cfg Config

	data     *marketdata.Service
	riskMgr  *risk.Manager
	exchange exchange.Exchange
	source   SignalSource
	shadow   *ShadowTracker

	orderLimiter *ratelimit.MultiLimiter
	orderBreaker *breaker.CircuitBreaker

	notifier  Notifier
	positions PositionStore
	trades    TradeRecorder

	mu         sync.Mutex
	open       map[string]*models.Position // symbol -> позиция
	states     map[string]string           // symbol -> состояние lifecycle
	stats      models.TradeStats
	balance    float64
	rejections map[string]int64 // причина -> счётчик
	cycleCount int64

	// символы для внеочередного пересканирования после закрытия
	rescan []string

	logger *zap.Logger
}

// NewEngine создаёт торговое ядро
func NewEngine(
	cfg Config,
	data *marketdata.Service,
	riskMgr *risk.Manager,
	ex exchange.Exchange,
	source SignalSource,
	orderLimiter *ratelimit.MultiLimiter,
	orderBreaker *breaker.CircuitBreaker,
	notifier Notifier,
	positions PositionStore,
	trades TradeRecorder,
	logger *zap.Logger,
) *Engine {
	if cfg.MaxConcurrentPositions <= 0 {
		cfg.MaxConcurrentPositions = 3
	}
	if cfg.CycleInterval <= 0 {
		cfg.CycleInterval = time.Minute
	}
	if cfg.CandlePeriod == "" {
		cfg.CandlePeriod = "15m"
	}
	if cfg.CandleLimit <= 0 {
		cfg.CandleLimit = 100
	}

	e := &Engine{
		cfg:          cfg,
		data:         data,
		riskMgr:      riskMgr,
		exchange:     ex,
		source:       source,
		orderLimiter: orderLimiter,
		orderBreaker: orderBreaker,
		notifier:     notifier,
		positions:    positions,
		trades:       trades,
		open:         make(map[string]*models.Position),
		states:       make(map[string]string),
		rejections:   make(map[string]int64),
		logger:       logger.Named("engine"),
	}

	if cfg.ShadowEnabled {
		e.shadow = NewShadowTracker(cfg.ShadowMaxPositions, cfg.ShadowMaxAgeCycles, logger)
	}

	return e
}

// Run запускает торговый цикл до отмены контекста
func (e *Engine) Run(ctx context.Context) error {
	e.logger.Info("engine started",
		zap.Int("max_positions", e.cfg.MaxConcurrentPositions),
		zap.Duration("cycle_interval", e.cfg.CycleInterval),
		zap.Bool("simulated", e.cfg.Simulated))

	ticker := time.NewTicker(e.cfg.CycleInterval)
	defer ticker.Stop()

	// Первый цикл сразу, не ждём тика
	e.RunCycle(ctx)

	for {
		select {
		case <-ctx.Done():
			e.logger.Info("engine stopped")
			return ctx.Err()
		case <-ticker.C:
			e.RunCycle(ctx)
		}
	}
}

// RunCycle выполняет один торговый цикл
//
// Порядок строго фиксирован: загрузка данных -> генерация сигналов ->
// ранжирование -> допуск новых -> мониторинг существующих -> shadow.
// Только что освободившийся слот не заполняется в том же цикле
// (кроме явного rescan-хука).
func (e *Engine) RunCycle(ctx context.Context) {
	started := time.Now()
	defer func() {
		CycleDuration.Observe(time.Since(started).Seconds())
		CyclesTotal.Inc()
	}()

	e.mu.Lock()
	e.cycleCount++
	cycle := e.cycleCount
	e.mu.Unlock()

	e.notify(models.Notification{
		Type:     models.NotificationTypeCycleStart,
		Severity: models.SeverityInfo,
		Message:  fmt.Sprintf("Цикл #%d", cycle),
	})

	e.refreshBalance(ctx)

	// 1. Данные и сигналы
	candidates := e.collectSignals(ctx)

	// 2. Ранжирование и допуск
	admitted := e.admitTop(ctx, candidates)

	// 3. Мониторинг существующих позиций (включая только что открытые:
	//    их защита уже размещена, ценовые триггеры проверяются со
	//    следующего цикла - admitted исключаются из monitorCycle)
	closed := e.monitorAll(ctx, admitted)

	// 4. Shadow-трекер
	e.updateShadow(ctx)

	e.exportGuardMetrics()

	e.notify(models.Notification{
		Type:     models.NotificationTypeCycleSummary,
		Severity: models.SeverityInfo,
		Message:  fmt.Sprintf("Цикл #%d: %d допущено, %d закрыто, %d открыто", cycle, len(admitted), closed, e.OpenCount()),
	})
}

// collectSignals загружает свечи и генерирует сигналы-кандидаты
func (e *Engine) collectSignals(ctx context.Context) []*models.Signal {
	if e.source == nil {
		return nil
	}

	symbols := e.data.Universe(ctx)
	batch := e.data.GetKlinesBatch(ctx, symbols, e.cfg.CandlePeriod, e.cfg.CandleLimit)

	var candidates []*models.Signal
	for _, symbol := range symbols {
		candles := batch[symbol]
		if candles == nil {
			continue // данных нет в этом цикле
		}

		signal, err := e.source.Generate(ctx, symbol, candles)
		if err != nil {
			e.logger.Warn("signal generation failed",
				zap.String("symbol", symbol),
				zap.Error(err))
			continue
		}
		if signal != nil {
			candidates = append(candidates, signal)
		}
	}

	return candidates
}

// admitTop ранжирует кандидатов и допускает верхние S в свободные слоты
//
// Возвращает символы открытых в этом цикле позиций.
func (e *Engine) admitTop(ctx context.Context, candidates []*models.Signal) map[string]bool {
	admitted := make(map[string]bool)
	if len(candidates) == 0 {
		return admitted
	}

	ranked := RankSignals(candidates, e.cfg.RankMode)

	freeSlots := e.cfg.MaxConcurrentPositions - e.OpenCount()
	if freeSlots < 0 {
		freeSlots = 0
	}

	for i, signal := range ranked {
		if len(admitted) >= freeSlots {
			// Слоты кончились: остаток уходит в shadow-трекер
			e.trackShadow(ctx, ranked[i:])
			break
		}

		if reason, ok := e.Admit(ctx, signal); ok {
			admitted[signal.Symbol] = true
		} else {
			e.logger.Info("signal rejected",
				zap.String("symbol", signal.Symbol),
				zap.String("reason", reason))
			if reason == models.RejectReasonMaxPositions {
				// Отказ этого сигнала уже посчитан в Admit
				e.shadowOne(ctx, signal)
				e.trackShadow(ctx, ranked[i+1:])
				break
			}
		}
	}

	return admitted
}

// trackShadow отправляет неразмещённые сигналы в shadow-трекер
//
// Сигнал, не попавший в трекер (выключен, заполнен, дубликат),
// фиксируется как отказ max-positions: переполнение слотов не должно
// пропадать из статистики отклонений.
func (e *Engine) trackShadow(ctx context.Context, signals []*models.Signal) {
	for _, s := range signals {
		if !e.shadowOne(ctx, s) {
			e.reject(s, models.RejectReasonMaxPositions)
		}
	}
}

// shadowOne добавляет один сигнал в shadow-трекер и персистирует
// виртуальную позицию
func (e *Engine) shadowOne(ctx context.Context, signal *models.Signal) bool {
	if e.shadow == nil {
		return false
	}
	pos := e.shadow.Track(signal)
	if pos == nil {
		return false
	}

	if e.positions != nil {
		if err := e.positions.SavePosition(ctx, pos); err != nil {
			e.logger.Error("failed to persist shadow position",
				zap.String("symbol", pos.Symbol),
				zap.Error(err))
		}
	}
	return true
}

// Admit пытается допустить сигнал к исполнению
//
// Возвращает (причина, false) при отказе или ("", true) при успехе.
// Порядок проверок: слоты -> дубликат -> sizing -> вход -> защита.
func (e *Engine) Admit(ctx context.Context, signal *models.Signal) (string, bool) {
	e.mu.Lock()
	if e.slotCountLocked() >= e.cfg.MaxConcurrentPositions {
		e.mu.Unlock()
		return e.reject(signal, models.RejectReasonMaxPositions)
	}
	if _, exists := e.open[signal.Symbol]; exists {
		e.mu.Unlock()
		return e.reject(signal, models.RejectReasonDuplicateSymbol)
	}
	if HoldsSlot(e.states[signal.Symbol]) {
		e.mu.Unlock()
		return e.reject(signal, models.RejectReasonDuplicateSymbol)
	}
	// Слот резервируется до размещения ордера
	e.states[signal.Symbol] = models.StateOpening
	balance := e.balance
	statsCopy := e.stats.Clone()
	e.mu.Unlock()

	release := func() {
		e.mu.Lock()
		e.states[signal.Symbol] = models.StateAbsent
		e.mu.Unlock()
	}

	// Ограничения биржи для символа
	constraints, err := e.exchange.GetSymbolConstraints(ctx, signal.Symbol)
	if err != nil {
		release()
		return e.reject(signal, models.RejectReasonRiskRejected)
	}

	// Sizing
	winRate, hasHistory := statsCopy.WinRate()
	leverage := e.riskMgr.LeverageFor(winRate, hasHistory)

	stopLoss := signal.StopLoss
	takeProfit := signal.TakeProfit
	if stopLoss <= 0 && signal.ATR > 0 {
		stopLoss = e.riskMgr.StopLossPrice(signal.Price, signal.ATR, signal.IsLong())
	}
	if takeProfit <= 0 && signal.ATR > 0 {
		takeProfit = e.riskMgr.TakeProfitPrice(signal.Price, signal.ATR, signal.IsLong())
	}

	sizing, err := e.riskMgr.SizePosition(balance, signal.Price, stopLoss, signal.Confidence, leverage, constraints)
	if err != nil {
		release()
		return e.reject(signal, models.RejectReasonRiskRejected)
	}

	// Вход
	pos, reason := e.openPosition(ctx, signal, sizing, leverage, stopLoss, takeProfit)
	if pos == nil {
		release()
		return e.reject(signal, reason)
	}

	e.mu.Lock()
	e.open[pos.Symbol] = pos
	e.states[pos.Symbol] = models.StateOpen
	e.mu.Unlock()

	OpenPositions.Set(float64(e.OpenCount()))
	SignalsAdmitted.Inc()

	if e.positions != nil {
		if err := e.positions.SavePosition(ctx, pos); err != nil {
			e.logger.Error("failed to persist position",
				zap.String("symbol", pos.Symbol),
				zap.Error(err))
		}
	}

	e.recordTrade(ctx, entryRecord(pos, e.cfg.Simulated))

	e.notify(models.Notification{
		Type:     models.NotificationTypeOpen,
		Severity: models.SeverityInfo,
		Message: fmt.Sprintf("%s %s qty=%.6f entry=%.4f SL=%.4f TP=%.4f lev=%dx",
			pos.Action, pos.Symbol, pos.Quantity, pos.EntryPrice, pos.StopLoss, pos.TakeProfit, pos.Leverage),
	})

	return "", true
}

// openPosition размещает входной и защитные ордера
//
// Возвращает (nil, причина) при отказе входа. Отказ защитных ордеров
// НЕ откатывает позицию: вход уже исполнен (см. failure semantics).
func (e *Engine) openPosition(ctx context.Context, signal *models.Signal, sizing *risk.Sizing, leverage int, stopLoss, takeProfit float64) (*models.Position, string) {
	entrySide := exchange.SideBuy
	closeSide := exchange.SideSell
	if !signal.IsLong() {
		entrySide = exchange.SideSell
		closeSide = exchange.SideBuy
	}

	entryPrice := signal.Price

	if !e.cfg.Simulated {
		// Лимит на торговые запросы проверяется до входа:
		// отказ здесь - отказ сигнала, не ошибка
		if !e.orderLimiter.TryAcquire(ratelimit.ClassOrders, 1) {
			return nil, models.RejectReasonRateLimited
		}

		if err := e.exchange.SetLeverage(ctx, signal.Symbol, leverage); err != nil {
			e.logger.Warn("failed to set leverage",
				zap.String("symbol", signal.Symbol),
				zap.Error(err))
		}

		var order *exchange.Order
		err := e.orderBreaker.Call(func() error {
			var placeErr error
			order, placeErr = e.exchange.PlaceMarketOrder(ctx, signal.Symbol, entrySide, sizing.Quantity)
			return placeErr
		})
		if err != nil {
			if errors.Is(err, breaker.ErrCircuitOpen) {
				return nil, models.RejectReasonCircuitOpen
			}
			e.logger.Error("entry order failed",
				zap.String("symbol", signal.Symbol),
				zap.Error(err))
			return nil, models.RejectReasonOrderFailed
		}

		if order.AvgFillPrice > 0 {
			entryPrice = order.AvgFillPrice
		}
	}

	pos := &models.Position{
		Symbol:            signal.Symbol,
		Action:            signal.Action,
		EntryPrice:        entryPrice,
		Quantity:          sizing.Quantity,
		StopLoss:          stopLoss,
		TakeProfit:        takeProfit,
		Leverage:          leverage,
		AllocatedMargin:   sizing.AllocatedMargin,
		ConfidenceAtEntry: signal.Confidence,
		Strategy:          signal.Strategy,
		CorrelationID:     uuid.NewString(),
		OpenedAt:          time.Now(),
	}

	// Защитные ордера сразу после входа
	e.placeProtection(ctx, pos, closeSide)

	return pos, ""
}

// placeProtection размещает биржевые стоп-лосс и тейк-профит
//
// reduce-only и триггер по mark price - защита от выноса фитилём.
// Отказ ОБОИХ ордеров - критическое состояние: позиция существует
// без защиты и об этом громко сообщается, но не закрывается -
// автозакрытие при неоднозначном состоянии защиты само может
// оказаться неверным действием.
func (e *Engine) placeProtection(ctx context.Context, pos *models.Position, closeSide string) {
	if e.cfg.Simulated {
		pos.Protected = true
		return
	}

	stopOK := e.placeSingleProtection(ctx, pos, closeSide, exchange.OrderTypeStopMarket, pos.StopLoss)
	targetOK := e.placeSingleProtection(ctx, pos, closeSide, exchange.OrderTypeTakeProfitMarket, pos.TakeProfit)

	if !stopOK && !targetOK {
		pos.Protected = false
		UnprotectedPositions.Inc()
		e.notify(models.Notification{
			Type:     models.NotificationTypeUnprotected,
			Severity: models.SeverityCritical,
			Message:  fmt.Sprintf("ПОЗИЦИЯ БЕЗ ЗАЩИТЫ: %s %s - оба защитных ордера не разместились, требуется вмешательство", pos.Action, pos.Symbol),
		})
		return
	}

	pos.Protected = true
}

// placeSingleProtection размещает один защитный ордер с агрессивным retry
//
// Возвращает true при успехе. Ошибка логируется, решение об эскалации
// принимает вызывающий.
func (e *Engine) placeSingleProtection(ctx context.Context, pos *models.Position, closeSide, orderType string, triggerPrice float64) bool {
	if triggerPrice <= 0 {
		return false
	}

	cfg := retry.AggressiveConfig()
	cfg.RetryIf = retry.IsRetryable

	err := retry.Do(ctx, func() error {
		_, placeErr := e.exchange.PlaceStopOrder(ctx, pos.Symbol, closeSide,
			orderType, pos.Quantity, triggerPrice, true)
		return placeErr
	}, cfg)
	if err != nil {
		e.logger.Error("protection order placement failed",
			zap.String("symbol", pos.Symbol),
			zap.String("type", orderType),
			zap.Float64("trigger", triggerPrice),
			zap.Error(err))
		return false
	}

	return true
}

// reject фиксирует отклонение сигнала с machine-readable причиной
func (e *Engine) reject(signal *models.Signal, reason string) (string, bool) {
	e.mu.Lock()
	e.rejections[reason]++
	e.mu.Unlock()

	RecordRejection(reason)
	return reason, false
}

// refreshBalance обновляет баланс аккаунта
func (e *Engine) refreshBalance(ctx context.Context) {
	balance, err := e.exchange.GetBalance(ctx)
	if err != nil {
		e.logger.Warn("balance refresh failed", zap.Error(err))
		return
	}

	e.mu.Lock()
	e.balance = balance
	e.mu.Unlock()

	AccountBalance.Set(balance)
}

// updateShadow обновляет виртуальные позиции текущими ценами
//
// Закрытые позиции удаляются из хранилища, у выживших персистируется
// накопленный возраст: TIMEOUT должен переживать рестарт.
func (e *Engine) updateShadow(ctx context.Context) {
	if e.shadow == nil || e.shadow.Len() == 0 {
		return
	}

	prices := make(map[string]float64)
	for _, pos := range e.shadow.Active() {
		price, err := e.data.GetPrice(ctx, pos.Symbol)
		if err != nil {
			continue
		}
		prices[pos.Symbol] = price
	}

	for _, trade := range e.shadow.Update(prices) {
		e.recordTrade(ctx, trade)
		if e.positions != nil {
			if err := e.positions.DeletePosition(ctx, trade.Symbol); err != nil {
				e.logger.Error("failed to delete persisted shadow position",
					zap.String("symbol", trade.Symbol),
					zap.Error(err))
			}
		}
	}

	if e.positions != nil {
		for _, pos := range e.shadow.Active() {
			p := pos
			if err := e.positions.SavePosition(ctx, &p); err != nil {
				e.logger.Error("failed to persist shadow position age",
					zap.String("symbol", p.Symbol),
					zap.Error(err))
			}
		}
	}
}

// entryRecord строит запись допуска для журнала сделок
//
// Запись выхода с тем же correlation_id завершает пару при закрытии.
func entryRecord(pos *models.Position, simulated bool) *models.ClosedTrade {
	return &models.ClosedTrade{
		CorrelationID: pos.CorrelationID,
		Symbol:        pos.Symbol,
		Action:        pos.Action,
		EntryPrice:    pos.EntryPrice,
		Quantity:      pos.Quantity,
		Leverage:      pos.Leverage,
		Reason:        models.RecordReasonEntry,
		Confidence:    pos.ConfidenceAtEntry,
		Strategy:      pos.Strategy,
		Virtual:       pos.Virtual || simulated,
		OpenedAt:      pos.OpenedAt,
		ClosedAt:      pos.OpenedAt,
	}
}

// recordTrade сохраняет запись о закрытой сделке
func (e *Engine) recordTrade(ctx context.Context, trade *models.ClosedTrade) {
	if e.trades == nil {
		return
	}
	if err := e.trades.SaveTrade(ctx, trade); err != nil {
		e.logger.Error("failed to record trade",
			zap.String("symbol", trade.Symbol),
			zap.Error(err))
	}
}

// exportGuardMetrics выгружает состояние защитных слоёв в Prometheus
func (e *Engine) exportGuardMetrics() {
	if e.orderBreaker != nil {
		BreakerState.Set(float64(e.orderBreaker.State()))
	}
	CacheHitRatio.Set(e.data.CacheStats().HitRatio)
	if l := e.orderLimiter.Get(ratelimit.ClassOrders); l != nil {
		RateLimitDenials.WithLabelValues(ratelimit.ClassOrders).Set(float64(l.Denials()))
	}
	if l := e.orderLimiter.Get(ratelimit.ClassMarket); l != nil {
		RateLimitDenials.WithLabelValues(ratelimit.ClassMarket).Set(float64(l.Denials()))
	}
}

// slotCountLocked считает занятые слоты, вызывается под мьютексом
func (e *Engine) slotCountLocked() int {
	count := 0
	for _, state := range e.states {
		if HoldsSlot(state) {
			count++
		}
	}
	return count
}

// OpenCount возвращает количество открытых позиций
func (e *Engine) OpenCount() int {
	e.mu.Lock()
	defer e.mu.Unlock()
	return len(e.open)
}

// notify отправляет уведомление если notifier настроен
func (e *Engine) notify(n models.Notification) {
	if e.notifier == nil {
		return
	}
	n.Timestamp = time.Now()
	e.notifier.Notify(n)
}

// Snapshot - состояние ядра для API статистики
type Snapshot struct {
	Balance      float64                  `json:"balance"`
	OpenCount    int                      `json:"open_count"`
	MaxPositions int                      `json:"max_positions"`
	Positions    []models.Position        `json:"positions"`
	Shadow       []models.Position        `json:"shadow_positions,omitempty"`
	Stats        models.TradeStats        `json:"stats"`
	Rejections   map[string]int64         `json:"rejections"`
	BreakerState string                   `json:"breaker_state"`
	CycleCount   int64                    `json:"cycle_count"`
}

// Snapshot возвращает копию текущего состояния ядра
func (e *Engine) Snapshot() Snapshot {
	e.mu.Lock()
	defer e.mu.Unlock()

	positions := make([]models.Position, 0, len(e.open))
	for _, p := range e.open {
		positions = append(positions, *p)
	}

	rejections := make(map[string]int64, len(e.rejections))
	for k, v := range e.rejections {
		rejections[k] = v
	}

	snap := Snapshot{
		Balance:      e.balance,
		OpenCount:    len(e.open),
		MaxPositions: e.cfg.MaxConcurrentPositions,
		Positions:    positions,
		Stats:        e.stats.Clone(),
		Rejections:   rejections,
		CycleCount:   e.cycleCount,
	}

	if e.orderBreaker != nil {
		snap.BreakerState = e.orderBreaker.State().String()
	}
	if e.shadow != nil {
		snap.Shadow = e.shadow.Active()
	}

	return snap
}

// ResetBreaker принудительно закрывает circuit breaker (ручная операция)
func (e *Engine) ResetBreaker() {
	if e.orderBreaker != nil {
		e.orderBreaker.Reset()
	}
}

// Shutdown принудительно закрывает все позиции при остановке процесса
//
// Каждая открытая позиция закрывается как FORCED_CLOSE чтобы на каждую
// допущенную позицию пришлась ровно одна запись о закрытии.
func (e *Engine) Shutdown(ctx context.Context) {
	e.mu.Lock()
	symbols := make([]string, 0, len(e.open))
	for s := range e.open {
		symbols = append(symbols, s)
	}
	e.mu.Unlock()

	for _, symbol := range symbols {
		if err := e.ClosePosition(ctx, symbol, models.ExitReasonForcedClose); err != nil {
			e.logger.Error("forced close failed",
				zap.String("symbol", symbol),
				zap.Error(err))
		}
	}
}
