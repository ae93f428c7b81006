package bot

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.uber.org/zap"

	"winiswin/internal/exchange"
	"winiswin/internal/models"
	"winiswin/pkg/retry"
)

// Пороги ревалидации сигнала
const (
	// highConfidenceWarn - вход с такой уверенностью получает WARN
	// при потере данных валидации
	highConfidenceWarn = 80.0

	// veryHighConfidenceWarn - WARN если сигнал больше не генерируется
	veryHighConfidenceWarn = 85.0

	// confidenceDropClose - падение уверенности больше этого закрывает позицию
	confidenceDropClose = 20.0

	// confidenceDropWarn - падение в [warn, close) даёт WARN, позиция держится
	confidenceDropWarn = 10.0

	// confidenceImproveAdjust - рост уверенности больше этого
	// предлагает подтяжку стопа/цели
	confidenceImproveAdjust = 5.0
)

// ErrPositionNotFound - символ не имеет открытой позиции
var ErrPositionNotFound = errors.New("position not found")

// monitorAll прогоняет мониторинг по всем открытым позициям
//
// justAdmitted - позиции открытые в ЭТОМ цикле, они пропускаются:
// их триггеры начинают проверяться со следующего цикла.
// Ошибка по одному символу не прерывает обход остальных.
// Возвращает количество закрытых позиций.
func (e *Engine) monitorAll(ctx context.Context, justAdmitted map[string]bool) int {
	e.mu.Lock()
	symbols := make([]string, 0, len(e.open))
	for s := range e.open {
		if !justAdmitted[s] {
			symbols = append(symbols, s)
		}
	}
	e.mu.Unlock()

	closed := 0
	for _, symbol := range symbols {
		didClose, err := e.MonitorPosition(ctx, symbol)
		if err != nil {
			e.logger.Warn("monitor error",
				zap.String("symbol", symbol),
				zap.Error(err))
			continue
		}
		if didClose {
			closed++
		}
	}

	// Внеочередное пересканирование освобождённых слотов
	e.runRescan(ctx)

	return closed
}

// MonitorPosition выполняет один шаг мониторинга позиции
//
// Порядок строгий:
//  1. текущая цена (нет цены - пропуск цикла)
//  2. ценовые триггеры стоп/цель - приоритет над ревалидацией
//  3. ревалидация живым сигналом (лесенка WARN/CLOSE/ADJUST/HOLD)
//
// Возвращает true если позиция была закрыта.
func (e *Engine) MonitorPosition(ctx context.Context, symbol string) (bool, error) {
	e.mu.Lock()
	pos, ok := e.open[symbol]
	if !ok {
		e.mu.Unlock()
		return false, ErrPositionNotFound
	}
	posCopy := *pos
	e.mu.Unlock()

	// 1. Цена
	price, err := e.data.GetPrice(ctx, symbol)
	if err != nil {
		// Нет цены - позиция пропускается в этом цикле, не закрывается
		return false, nil
	}

	// 2. Ценовые триггеры
	if reason := checkPriceTriggers(&posCopy, price); reason != "" {
		// Выход фиксируется по уровню триггера, не по наблюдённой цене:
		// защитный ордер на бирже исполняется на своём уровне
		if err := e.closeAt(ctx, symbol, triggerExitPrice(&posCopy, price, reason), reason); err != nil {
			return false, err
		}
		return true, nil
	}

	// 3. Ревалидация
	return e.revalidate(ctx, symbol, &posCopy, price)
}

// revalidate пересчитывает сигнал по символу и решает: держать,
// предупредить, подтянуть уровни или закрыть
func (e *Engine) revalidate(ctx context.Context, symbol string, pos *models.Position, price float64) (bool, error) {
	if e.source == nil {
		return false, nil
	}

	candles, err := e.data.GetKlines(ctx, symbol, e.cfg.CandlePeriod, e.cfg.CandleLimit, false)
	if err != nil {
		// Потеря данных валидации - не причина выхода
		if pos.ConfidenceAtEntry >= highConfidenceWarn {
			e.warn(symbol, fmt.Sprintf("нет данных для ревалидации %s (вход с уверенностью %.0f)", symbol, pos.ConfidenceAtEntry))
		}
		return false, nil
	}

	signal, err := e.source.Generate(ctx, symbol, candles)
	if err != nil || signal == nil {
		// Сигнал больше не генерируется: тезис ослаб, но это hold
		if pos.ConfidenceAtEntry >= veryHighConfidenceWarn {
			e.warn(symbol, fmt.Sprintf("сигнал по %s больше не генерируется, тезис ослаб (держим)", symbol))
		}
		return false, nil
	}

	// Разворот направления
	if signal.Action != pos.Action {
		if err := e.closeAt(ctx, symbol, price, models.ExitReasonSignalReversal); err != nil {
			return false, err
		}
		return true, nil
	}

	drop := pos.ConfidenceAtEntry - signal.Confidence
	switch {
	case drop > confidenceDropClose:
		if err := e.closeAt(ctx, symbol, price, models.ExitReasonConfidenceDrop); err != nil {
			return false, err
		}
		return true, nil

	case drop >= confidenceDropWarn:
		e.warn(symbol, fmt.Sprintf("уверенность по %s упала на %.0f пунктов (%.0f -> %.0f), держим",
			symbol, drop, pos.ConfidenceAtEntry, signal.Confidence))

	case drop < -confidenceImproveAdjust:
		// Уверенность выросла: подтягиваем защитные уровни
		e.adjustProtection(ctx, symbol, signal.StopLoss, signal.TakeProfit)
	}

	return false, nil
}

// adjustProtection применяет ratcheted-подтяжку стопа и цели
//
// Стоп двигается только в сторону уменьшения риска (ближе к цене),
// цель - только не хуже текущей. Предложение ослабить риск по полю
// отклоняется для этого поля, второе поле при этом может примениться.
// Применённые уровни сразу перезаписываются в хранилище: рестарт
// не должен откатить подтяжку.
func (e *Engine) adjustProtection(ctx context.Context, symbol string, proposedStop, proposedTarget float64) {
	e.mu.Lock()

	pos, ok := e.open[symbol]
	if !ok {
		e.mu.Unlock()
		return
	}

	stopApplied, targetApplied := false, false

	if proposedStop > 0 {
		if ratchetStopOK(pos, proposedStop) {
			pos.StopLoss = proposedStop
			stopApplied = true
			AdjustmentsApplied.WithLabelValues("stop_loss").Inc()
		} else {
			e.logger.Info("stop adjustment rejected: would loosen risk",
				zap.String("symbol", symbol),
				zap.Float64("current", pos.StopLoss),
				zap.Float64("proposed", proposedStop))
		}
	}

	if proposedTarget > 0 {
		if ratchetTargetOK(pos, proposedTarget) {
			pos.TakeProfit = proposedTarget
			targetApplied = true
			AdjustmentsApplied.WithLabelValues("take_profit").Inc()
		} else {
			e.logger.Info("target adjustment rejected: would worsen target",
				zap.String("symbol", symbol),
				zap.Float64("current", pos.TakeProfit),
				zap.Float64("proposed", proposedTarget))
		}
	}

	if stopApplied || targetApplied {
		e.notifyLocked(models.Notification{
			Type:     models.NotificationTypeAdjust,
			Severity: models.SeverityInfo,
			Symbol:   symbol,
			Message: fmt.Sprintf("Уровни %s подтянуты: SL=%.4f TP=%.4f (stop=%v target=%v)",
				symbol, pos.StopLoss, pos.TakeProfit, stopApplied, targetApplied),
		})
	}
	posCopy := *pos
	e.mu.Unlock()

	if (stopApplied || targetApplied) && e.positions != nil {
		if err := e.positions.SavePosition(ctx, &posCopy); err != nil {
			e.logger.Error("failed to persist adjusted protection",
				zap.String("symbol", symbol),
				zap.Error(err))
		}
	}
}

// ratchetStopOK: стоп может двигаться только ближе к цене входа
// (вверх для лонга, вниз для шорта)
func ratchetStopOK(pos *models.Position, proposed float64) bool {
	if pos.StopLoss <= 0 {
		return true // стопа не было, любой лучше
	}
	if pos.IsLong() {
		return proposed > pos.StopLoss
	}
	return proposed < pos.StopLoss
}

// ratchetTargetOK: цель может двигаться только не хуже текущей
// (не ниже для лонга, не выше для шорта)
func ratchetTargetOK(pos *models.Position, proposed float64) bool {
	if pos.TakeProfit <= 0 {
		return true
	}
	if pos.IsLong() {
		return proposed >= pos.TakeProfit
	}
	return proposed <= pos.TakeProfit
}

// ClosePosition закрывает позицию по текущей цене
func (e *Engine) ClosePosition(ctx context.Context, symbol, reason string) error {
	e.mu.Lock()
	pos, ok := e.open[symbol]
	var entryPrice float64
	if ok {
		entryPrice = pos.EntryPrice
	}
	e.mu.Unlock()

	if !ok {
		return ErrPositionNotFound
	}

	price, err := e.data.GetPrice(ctx, symbol)
	if err != nil {
		// Цена недоступна: закрываем по цене входа чтобы запись
		// о закрытии всё равно была эмитирована (FORCED_CLOSE при останове)
		price = entryPrice
	}

	return e.closeAt(ctx, symbol, price, reason)
}

// closeAt закрывает позицию по заданной цене выхода
//
// Размещает встречный рыночный ордер (кроме simulated), считает PNL,
// удаляет позицию, обновляет статистику и эмитит запись о сделке.
// Отказ закрывающего ордера логируется, но локальная позиция всё равно
// удаляется - реальное состояние сверяется при следующем рестарте.
func (e *Engine) closeAt(ctx context.Context, symbol string, exitPrice float64, reason string) error {
	e.mu.Lock()
	pos, ok := e.open[symbol]
	if !ok {
		e.mu.Unlock()
		return ErrPositionNotFound
	}
	if CanTransition(e.states[symbol], models.StateClosing) {
		e.states[symbol] = models.StateClosing
	}
	posCopy := *pos
	e.mu.Unlock()

	if !e.cfg.Simulated && !posCopy.Virtual {
		closeSide := exchange.SideSell
		if !posCopy.IsLong() {
			closeSide = exchange.SideBuy
		}

		cfg := retry.AggressiveConfig()
		cfg.RetryIf = retry.IsRetryable

		err := retry.Do(ctx, func() error {
			_, placeErr := e.exchange.PlaceMarketOrder(ctx, symbol, closeSide, posCopy.Quantity)
			return placeErr
		}, cfg)
		if err != nil {
			// Позиция всё равно удаляется из памяти, расхождение
			// устраняет сверка при рестарте
			e.logger.Error("close order failed, removing local position anyway",
				zap.String("symbol", symbol),
				zap.String("reason", reason),
				zap.Error(err))
		}
	}

	now := time.Now()
	pnl := posCopy.UnrealizedPnl(exitPrice)

	// Сделки paper-режима помечаются виртуальными: реальный PNL
	// аккаунта они не двигают
	virtual := posCopy.Virtual || e.cfg.Simulated

	trade := &models.ClosedTrade{
		CorrelationID: posCopy.CorrelationID,
		Symbol:        posCopy.Symbol,
		Action:        posCopy.Action,
		EntryPrice:    posCopy.EntryPrice,
		ExitPrice:     exitPrice,
		Quantity:      posCopy.Quantity,
		Leverage:      posCopy.Leverage,
		Pnl:           pnl,
		Reason:        reason,
		Confidence:    posCopy.ConfidenceAtEntry,
		Strategy:      posCopy.Strategy,
		Virtual:       virtual,
		OpenedAt:      posCopy.OpenedAt,
		ClosedAt:      now,
		Duration:      now.Sub(posCopy.OpenedAt).Seconds(),
	}

	e.mu.Lock()
	delete(e.open, symbol)
	e.states[symbol] = models.StateAbsent
	e.stats.RecordClose(pnl, reason)
	totalPnl := e.stats.TotalPnl
	if !posCopy.Protected {
		UnprotectedPositions.Dec()
	}
	// Слот освободился: символ кандидат на внеочередной rescan
	if reason != models.ExitReasonForcedClose {
		e.rescan = append(e.rescan, symbol)
	}
	e.mu.Unlock()

	OpenPositions.Set(float64(e.OpenCount()))
	RecordTradeClosed(reason, virtual, totalPnl)

	if e.positions != nil {
		if err := e.positions.DeletePosition(ctx, symbol); err != nil {
			e.logger.Error("failed to delete persisted position",
				zap.String("symbol", symbol),
				zap.Error(err))
		}
	}
	e.recordTrade(ctx, trade)

	e.notify(models.Notification{
		Type:     models.NotificationTypeClose,
		Severity: models.SeverityInfo,
		Symbol:   symbol,
		Message: fmt.Sprintf("Закрыта %s %s: %s, PNL %+.2f USDT (вход %.4f, выход %.4f)",
			posCopy.Action, symbol, reason, pnl, posCopy.EntryPrice, exitPrice),
	})

	return nil
}

// runRescan обрабатывает внеочередное пересканирование освобождённых слотов
//
// Для каждого символа форсируется СВЕЖАЯ загрузка данных (мимо кеша)
// и, если сигнал есть и слот свободен, выполняется допуск не дожидаясь
// следующего цикла.
func (e *Engine) runRescan(ctx context.Context) {
	e.mu.Lock()
	pending := e.rescan
	e.rescan = nil
	e.mu.Unlock()

	if len(pending) == 0 || e.source == nil {
		return
	}

	for _, symbol := range pending {
		candles, err := e.data.GetKlines(ctx, symbol, e.cfg.CandlePeriod, e.cfg.CandleLimit, true)
		if err != nil {
			continue
		}

		signal, err := e.source.Generate(ctx, symbol, candles)
		if err != nil || signal == nil {
			continue
		}

		if reason, ok := e.Admit(ctx, signal); ok {
			e.logger.Info("rescan admitted freed slot",
				zap.String("symbol", symbol))
		} else {
			e.logger.Debug("rescan rejected",
				zap.String("symbol", symbol),
				zap.String("reason", reason))
		}
	}
}

// warn эмитит WARN-уведомление по символу
func (e *Engine) warn(symbol, message string) {
	e.notify(models.Notification{
		Type:     models.NotificationTypeWarning,
		Severity: models.SeverityWarn,
		Symbol:   symbol,
		Message:  message,
	})
}

// notifyLocked - notify для вызова под e.mu (не трогает состояние ядра)
func (e *Engine) notifyLocked(n models.Notification) {
	if e.notifier == nil {
		return
	}
	n.Timestamp = time.Now()
	e.notifier.Notify(n)
}
