package bot

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"winiswin/internal/exchange"
	"winiswin/internal/models"
)

// Recover сверяет локальное состояние с биржей перед первым циклом
//
// Рестарт процесса не должен оставить позиции без мониторинга
// и без защитных ордеров:
//  1. позиции из БД загружаются в память, виртуальные (shadow)
//     возвращаются в трекер с накопленным возрастом
//  2. строки без позиции на бирже - защита сработала пока процесс
//     был остановлен - закрываются записью RESOLVED_EXTERNAL
//  3. позиции открытые на бирже но неизвестные локально - усыновляются
//  4. у каждой позиции проверяется наличие защитных ордеров,
//     отсутствующие размещаются задним числом
func (e *Engine) Recover(ctx context.Context) error {
	var persisted []*models.Position
	if e.positions != nil {
		var err error
		persisted, err = e.positions.LoadPositions(ctx)
		if err != nil {
			return fmt.Errorf("failed to load persisted positions: %w", err)
		}
	}

	// Shadow-строки в open не попадают
	real := make([]*models.Position, 0, len(persisted))
	shadows := 0
	for _, pos := range persisted {
		if !pos.Virtual {
			real = append(real, pos)
			continue
		}
		if e.shadow != nil && e.shadow.Restore(pos) {
			shadows++
			continue
		}
		// Трекер выключен или заполнен: строка осиротела
		if err := e.positions.DeletePosition(ctx, pos.Symbol); err != nil {
			e.logger.Error("failed to delete orphaned shadow position",
				zap.String("symbol", pos.Symbol),
				zap.Error(err))
		}
	}

	if e.cfg.Simulated {
		restored := 0
		e.mu.Lock()
		for _, pos := range real {
			if _, exists := e.open[pos.Symbol]; exists {
				continue
			}
			e.open[pos.Symbol] = pos
			e.states[pos.Symbol] = models.StateOpen
			restored++
		}
		e.mu.Unlock()

		e.logger.Info("recovery complete (simulated mode)",
			zap.Int("restored", restored),
			zap.Int("shadow", shadows))
		return nil
	}

	// Живой список позиций биржи - арбитр сверки в обе стороны
	remote, err := e.exchange.GetOpenPositions(ctx)
	if err != nil {
		return fmt.Errorf("failed to load exchange positions: %w", err)
	}

	remoteBySymbol := make(map[string]exchange.ExchangePosition, len(remote))
	for _, rp := range remote {
		remoteBySymbol[rp.Symbol] = rp
	}

	restored, dropped := 0, 0
	for _, pos := range real {
		if _, onExchange := remoteBySymbol[pos.Symbol]; !onExchange {
			e.resolveStale(ctx, pos)
			dropped++
			continue
		}

		e.mu.Lock()
		if _, exists := e.open[pos.Symbol]; exists {
			e.mu.Unlock()
			continue
		}
		e.open[pos.Symbol] = pos
		e.states[pos.Symbol] = models.StateOpen
		e.mu.Unlock()
		restored++
	}

	adopted := 0
	for _, rp := range remote {
		e.mu.Lock()
		_, known := e.open[rp.Symbol]
		e.mu.Unlock()
		if known {
			continue
		}

		pos := e.adoptRemote(ctx, rp)

		e.mu.Lock()
		e.open[pos.Symbol] = pos
		e.states[pos.Symbol] = models.StateOpen
		e.mu.Unlock()

		if e.positions != nil {
			if err := e.positions.SavePosition(ctx, pos); err != nil {
				e.logger.Error("failed to persist adopted position",
					zap.String("symbol", pos.Symbol),
					zap.Error(err))
			}
		}
		adopted++
	}

	// 3. Ретроактивная защита
	e.ensureProtection(ctx)

	OpenPositions.Set(float64(e.OpenCount()))

	e.logger.Info("recovery complete",
		zap.Int("restored", restored),
		zap.Int("dropped", dropped),
		zap.Int("adopted", adopted),
		zap.Int("shadow", shadows),
		zap.Int("open", e.OpenCount()))

	e.notify(models.Notification{
		Type:     models.NotificationTypeRecovery,
		Severity: models.SeverityInfo,
		Message: fmt.Sprintf("Восстановление: %d из БД, %d закрыто внешне, %d усыновлено с биржи",
			restored, dropped, adopted),
	})

	return nil
}

// resolveStale закрывает персистированную позицию, которой больше нет
// на бирже: защитный ордер исполнился пока процесс был остановлен
//
// Закрывающий ордер НЕ размещается - позиции на бирже уже нет, встречный
// рыночный ордер открыл бы непреднамеренную противоположную позицию.
// Цена выхода оценивается по уровню сработавшего триггера, если его
// выдаёт текущая цена, иначе по самой цене.
func (e *Engine) resolveStale(ctx context.Context, pos *models.Position) {
	exitPrice := pos.EntryPrice
	if price, err := e.data.GetPrice(ctx, pos.Symbol); err == nil && price > 0 {
		exitPrice = price
		if reason := checkPriceTriggers(pos, price); reason != "" {
			exitPrice = triggerExitPrice(pos, price, reason)
		}
	}

	now := time.Now()
	trade := &models.ClosedTrade{
		CorrelationID: pos.CorrelationID,
		Symbol:        pos.Symbol,
		Action:        pos.Action,
		EntryPrice:    pos.EntryPrice,
		ExitPrice:     exitPrice,
		Quantity:      pos.Quantity,
		Leverage:      pos.Leverage,
		Pnl:           pos.UnrealizedPnl(exitPrice),
		Reason:        models.ExitReasonResolvedExternal,
		Confidence:    pos.ConfidenceAtEntry,
		Strategy:      pos.Strategy,
		OpenedAt:      pos.OpenedAt,
		ClosedAt:      now,
		Duration:      now.Sub(pos.OpenedAt).Seconds(),
	}

	e.logger.Warn("persisted position absent on exchange, resolved externally",
		zap.String("symbol", pos.Symbol),
		zap.Float64("exit_price", exitPrice))

	TradesClosed.WithLabelValues(models.ExitReasonResolvedExternal, "no").Inc()

	e.recordTrade(ctx, trade)
	if e.positions != nil {
		if err := e.positions.DeletePosition(ctx, pos.Symbol); err != nil {
			e.logger.Error("failed to delete stale position",
				zap.String("symbol", pos.Symbol),
				zap.Error(err))
		}
	}

	e.notify(models.Notification{
		Type:     models.NotificationTypeClose,
		Severity: models.SeverityWarn,
		Symbol:   pos.Symbol,
		Message: fmt.Sprintf("Позиция %s закрыта на бирже во время остановки, запись выхода по %.4f",
			pos.Symbol, exitPrice),
	})
}

// adoptRemote строит локальную позицию из биржевой
//
// Защитные уровни пересчитываются от цены входа: исходный сигнал
// утерян вместе с памятью процесса.
func (e *Engine) adoptRemote(ctx context.Context, rp exchange.ExchangePosition) *models.Position {
	action := models.ActionLong
	if rp.Side == "SHORT" {
		action = models.ActionShort
	}

	pos := &models.Position{
		Symbol:        rp.Symbol,
		Action:        action,
		EntryPrice:    rp.EntryPrice,
		Quantity:      rp.Quantity,
		Leverage:      rp.Leverage,
		Strategy:      "recovered",
		CorrelationID: uuid.NewString(),
		OpenedAt:      time.Now(), // фактическое время входа неизвестно
	}

	// ATR недоступен: консервативные уровни от процента цены
	isLong := pos.IsLong()
	atrProxy := rp.EntryPrice * 0.01
	pos.StopLoss = e.riskMgr.StopLossPrice(rp.EntryPrice, atrProxy, isLong)
	pos.TakeProfit = e.riskMgr.TakeProfitPrice(rp.EntryPrice, atrProxy, isLong)

	e.logger.Warn("adopted untracked exchange position",
		zap.String("symbol", rp.Symbol),
		zap.String("side", rp.Side),
		zap.Float64("quantity", rp.Quantity))

	return pos
}

// ensureProtection проверяет и восстанавливает защитные ордера
// всех открытых позиций
func (e *Engine) ensureProtection(ctx context.Context) {
	e.mu.Lock()
	positions := make([]*models.Position, 0, len(e.open))
	for _, p := range e.open {
		positions = append(positions, p)
	}
	e.mu.Unlock()

	for _, pos := range positions {
		orders, err := e.exchange.GetOpenOrders(ctx, pos.Symbol)
		if err != nil {
			e.logger.Warn("cannot verify protection orders",
				zap.String("symbol", pos.Symbol),
				zap.Error(err))
			continue
		}

		hasStop, hasTarget := false, false
		for _, o := range orders {
			if !o.ReduceOnly {
				continue
			}
			switch o.Type {
			case exchange.OrderTypeStopMarket:
				hasStop = true
			case exchange.OrderTypeTakeProfitMarket:
				hasTarget = true
			}
		}

		if hasStop && hasTarget {
			e.mu.Lock()
			pos.Protected = true
			e.mu.Unlock()
			continue
		}

		closeSide := exchange.SideSell
		if !pos.IsLong() {
			closeSide = exchange.SideBuy
		}

		e.logger.Info("placing missing protection orders",
			zap.String("symbol", pos.Symbol),
			zap.Bool("has_stop", hasStop),
			zap.Bool("has_target", hasTarget))

		e.mu.Lock()
		posCopy := *pos
		e.mu.Unlock()

		stopOK := hasStop
		if !stopOK {
			stopOK = e.placeSingleProtection(ctx, &posCopy, closeSide, exchange.OrderTypeStopMarket, posCopy.StopLoss)
		}
		targetOK := hasTarget
		if !targetOK {
			targetOK = e.placeSingleProtection(ctx, &posCopy, closeSide, exchange.OrderTypeTakeProfitMarket, posCopy.TakeProfit)
		}

		protected := stopOK || targetOK
		if !stopOK && !targetOK {
			UnprotectedPositions.Inc()
			e.notify(models.Notification{
				Type:     models.NotificationTypeUnprotected,
				Severity: models.SeverityCritical,
				Symbol:   pos.Symbol,
				Message:  fmt.Sprintf("ПОЗИЦИЯ БЕЗ ЗАЩИТЫ после рестарта: %s - требуется вмешательство", pos.Symbol),
			})
		}

		e.mu.Lock()
		pos.Protected = protected
		e.mu.Unlock()
	}
}
