package bot

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"go.uber.org/zap"

	"winiswin/internal/exchange"
	"winiswin/internal/marketdata"
	"winiswin/internal/models"
	"winiswin/internal/risk"
	"winiswin/pkg/breaker"
	"winiswin/pkg/cache"
	"winiswin/pkg/ratelimit"
)

// ============ Тестовые заглушки ============

// stubExchange - управляемая биржа: цены задаются очередями по символам
type stubExchange struct {
	mu         sync.Mutex
	prices     map[string][]float64 // очередь цен, последняя повторяется
	positions  []exchange.ExchangePosition
	openOrders map[string][]exchange.OpenOrder
	balance    float64

	marketOrders []string // журнал "side symbol qty"
	stopOrders   []string
	failOrders   bool
}

func newStubExchange() *stubExchange {
	return &stubExchange{
		prices:     make(map[string][]float64),
		openOrders: make(map[string][]exchange.OpenOrder),
		balance:    10000,
	}
}

func (s *stubExchange) pushPrice(symbol string, prices ...float64) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.prices[symbol] = append(s.prices[symbol], prices...)
}

func (s *stubExchange) GetName() string { return "stub" }

func (s *stubExchange) GetPrice(ctx context.Context, symbol string) (float64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	q := s.prices[symbol]
	if len(q) == 0 {
		return 0, errors.New("no price")
	}
	price := q[0]
	if len(q) > 1 {
		s.prices[symbol] = q[1:]
	}
	return price, nil
}

func (s *stubExchange) GetCandles(ctx context.Context, symbol, interval string, limit int) ([]exchange.Candle, error) {
	return make([]exchange.Candle, limit), nil
}

func (s *stubExchange) GetBalance(ctx context.Context) (float64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.balance, nil
}

func (s *stubExchange) SetLeverage(ctx context.Context, symbol string, leverage int) error {
	return nil
}

func (s *stubExchange) PlaceMarketOrder(ctx context.Context, symbol, side string, qty float64) (*exchange.Order, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.failOrders {
		return nil, errors.New("order rejected")
	}
	s.marketOrders = append(s.marketOrders, fmt.Sprintf("%s %s %.6f", side, symbol, qty))
	return &exchange.Order{OrderID: "1", Symbol: symbol, Side: side, Quantity: qty, Status: "FILLED"}, nil
}

func (s *stubExchange) PlaceStopOrder(ctx context.Context, symbol, side, orderType string, qty, trigger float64, reduceOnly bool) (*exchange.Order, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.failOrders {
		return nil, errors.New("order rejected")
	}
	s.stopOrders = append(s.stopOrders, fmt.Sprintf("%s %s %s", orderType, side, symbol))
	return &exchange.Order{OrderID: "2", Symbol: symbol}, nil
}

func (s *stubExchange) CancelOrder(ctx context.Context, symbol, orderID string) error { return nil }

func (s *stubExchange) GetOpenPositions(ctx context.Context) ([]exchange.ExchangePosition, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.positions, nil
}

func (s *stubExchange) GetOpenOrders(ctx context.Context, symbol string) ([]exchange.OpenOrder, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.openOrders[symbol], nil
}

func (s *stubExchange) GetSymbolConstraints(ctx context.Context, symbol string) (*exchange.SymbolConstraints, error) {
	return &exchange.SymbolConstraints{
		Symbol: symbol, StepSize: 0.001, MinQty: 0.001, MaxQty: 100000, MinNotional: 5,
	}, nil
}

func (s *stubExchange) GetExchangeSymbols(ctx context.Context) ([]string, error) {
	return nil, errors.New("not used in tests")
}

func (s *stubExchange) Close() error { return nil }

// stubSource выдаёт заранее заданные сигналы по символам
type stubSource struct {
	mu      sync.Mutex
	signals map[string]*models.Signal
}

func (ss *stubSource) Generate(ctx context.Context, symbol string, candles []exchange.Candle) (*models.Signal, error) {
	ss.mu.Lock()
	defer ss.mu.Unlock()
	return ss.signals[symbol], nil
}

func (ss *stubSource) set(symbol string, sig *models.Signal) {
	ss.mu.Lock()
	defer ss.mu.Unlock()
	if ss.signals == nil {
		ss.signals = make(map[string]*models.Signal)
	}
	ss.signals[symbol] = sig
}

// captureNotifier накапливает уведомления
type captureNotifier struct {
	mu   sync.Mutex
	sent []models.Notification
}

func (c *captureNotifier) Notify(n models.Notification) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.sent = append(c.sent, n)
}

func (c *captureNotifier) byType(t string) []models.Notification {
	c.mu.Lock()
	defer c.mu.Unlock()
	var out []models.Notification
	for _, n := range c.sent {
		if n.Type == t {
			out = append(out, n)
		}
	}
	return out
}

// memTradeRecorder накапливает записи о сделках
type memTradeRecorder struct {
	mu     sync.Mutex
	trades []*models.ClosedTrade
}

func (m *memTradeRecorder) SaveTrade(ctx context.Context, t *models.ClosedTrade) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.trades = append(m.trades, t)
	return nil
}

// exits возвращает только записи выхода, без записей допуска
func (m *memTradeRecorder) exits() []*models.ClosedTrade {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []*models.ClosedTrade
	for _, t := range m.trades {
		if t.Reason != models.RecordReasonEntry {
			out = append(out, t)
		}
	}
	return out
}

// memPositionStore - in-memory хранилище позиций
type memPositionStore struct {
	mu    sync.Mutex
	saved map[string]*models.Position
}

func newMemPositionStore() *memPositionStore {
	return &memPositionStore{saved: make(map[string]*models.Position)}
}

func (m *memPositionStore) SavePosition(ctx context.Context, p *models.Position) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	cp := *p
	m.saved[p.Symbol] = &cp
	return nil
}

func (m *memPositionStore) DeletePosition(ctx context.Context, symbol string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.saved, symbol)
	return nil
}

func (m *memPositionStore) LoadPositions(ctx context.Context) ([]*models.Position, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]*models.Position, 0, len(m.saved))
	for _, p := range m.saved {
		cp := *p
		out = append(out, &cp)
	}
	return out, nil
}

// testHarness собирает ядро с заглушками
type testHarness struct {
	engine   *Engine
	exchange *stubExchange
	source   *stubSource
	notifier *captureNotifier
	trades   *memTradeRecorder
	store    *memPositionStore
}

func newHarness(t *testing.T, cfg Config) *testHarness {
	t.Helper()

	ex := newStubExchange()
	source := &stubSource{}
	notifier := &captureNotifier{}
	trades := &memTradeRecorder{}
	store := newMemPositionStore()

	marketLimiter := ratelimit.NewMultiLimiter()
	marketLimiter.Add(ratelimit.ClassMarket, 1000, 1000)
	marketLimiter.Add(ratelimit.ClassOrders, 1000, 1000)

	data := marketdata.NewService(
		ex,
		cache.New(100),
		marketLimiter,
		breaker.New(100, time.Second),
		marketdata.Config{RequestTimeout: time.Second},
		zap.NewNop(),
	)

	engine := NewEngine(
		cfg,
		data,
		risk.NewManager(risk.DefaultConfig(), zap.NewNop()),
		ex,
		source,
		marketLimiter,
		breaker.New(3, time.Second),
		notifier,
		store,
		trades,
		zap.NewNop(),
	)

	return &testHarness{engine: engine, exchange: ex, source: source, notifier: notifier, trades: trades, store: store}
}

func testSignal(symbol string, confidence float64) *models.Signal {
	return &models.Signal{
		Symbol:      symbol,
		Action:      models.ActionLong,
		Price:       100,
		Confidence:  confidence,
		ExpectedROI: confidence / 10,
		StopLoss:    98,
		TakeProfit:  106,
		ATR:         1,
		Strategy:    "test",
		GeneratedAt: time.Now(),
	}
}

// ============ Допуск: сценарий топ-3 из 5 ============

func TestAdmitTopThreeOfFive(t *testing.T) {
	h := newHarness(t, Config{
		MaxConcurrentPositions: 3,
		RankMode:               models.RankByConfidence,
		Simulated:              true,
		ShadowEnabled:          true,
		ShadowMaxPositions:     10,
		ShadowMaxAgeCycles:     5,
	})
	h.engine.balance = 10000

	confidences := []float64{95, 90, 85, 80, 75}
	var candidates []*models.Signal
	for i, c := range confidences {
		candidates = append(candidates, testSignal(fmt.Sprintf("SYM%dUSDT", i), c))
	}

	admitted := h.engine.admitTop(context.Background(), candidates)

	if len(admitted) != 3 {
		t.Fatalf("допущено %d, ожидали 3", len(admitted))
	}
	// Именно топ-3 по уверенности
	for _, want := range []string{"SYM0USDT", "SYM1USDT", "SYM2USDT"} {
		if !admitted[want] {
			t.Errorf("ожидали допуск %s", want)
		}
	}
	// Остальные два ушли в shadow
	if h.engine.shadow.Len() != 2 {
		t.Errorf("shadow = %d, ожидали 2", h.engine.shadow.Len())
	}
	if h.engine.OpenCount() != 3 {
		t.Errorf("открыто %d, ожидали 3", h.engine.OpenCount())
	}
}

// ============ Инвариант слотов ============

func TestSlotInvariant(t *testing.T) {
	h := newHarness(t, Config{MaxConcurrentPositions: 2, Simulated: true})
	h.engine.balance = 10000
	ctx := context.Background()

	for i := 0; i < 5; i++ {
		h.engine.Admit(ctx, testSignal(fmt.Sprintf("S%dUSDT", i), 90))
		if n := h.engine.OpenCount(); n > 2 {
			t.Fatalf("открыто %d > maxConcurrentPositions=2", n)
		}
	}

	if n := h.engine.OpenCount(); n != 2 {
		t.Errorf("открыто %d, ожидали 2", n)
	}

	reason, ok := h.engine.Admit(ctx, testSignal("NEWUSDT", 99))
	if ok || reason != models.RejectReasonMaxPositions {
		t.Errorf("Admit() = (%s, %v), ожидали (max-positions, false)", reason, ok)
	}
}

func TestAdmitDuplicateSymbol(t *testing.T) {
	h := newHarness(t, Config{MaxConcurrentPositions: 5, Simulated: true})
	h.engine.balance = 10000
	ctx := context.Background()

	if _, ok := h.engine.Admit(ctx, testSignal("BTCUSDT", 90)); !ok {
		t.Fatal("первый допуск должен пройти")
	}

	reason, ok := h.engine.Admit(ctx, testSignal("BTCUSDT", 95))
	if ok || reason != models.RejectReasonDuplicateSymbol {
		t.Errorf("Admit() = (%s, %v), ожидали (duplicate-symbol, false)", reason, ok)
	}
}

func TestAdmitRiskRejected(t *testing.T) {
	h := newHarness(t, Config{MaxConcurrentPositions: 5, Simulated: true})
	h.engine.balance = 0 // нулевой баланс отклоняет sizing
	ctx := context.Background()

	reason, ok := h.engine.Admit(ctx, testSignal("BTCUSDT", 90))
	if ok || reason != models.RejectReasonRiskRejected {
		t.Errorf("Admit() = (%s, %v), ожидали (risk-rejected, false)", reason, ok)
	}
}

func TestAdmitOrderFailed(t *testing.T) {
	h := newHarness(t, Config{MaxConcurrentPositions: 5})
	h.engine.balance = 10000
	h.exchange.failOrders = true
	ctx := context.Background()

	reason, ok := h.engine.Admit(ctx, testSignal("BTCUSDT", 90))
	if ok || reason != models.RejectReasonOrderFailed {
		t.Errorf("Admit() = (%s, %v), ожидали (order-failed, false)", reason, ok)
	}
	// Слот освобождён после отказа
	if h.engine.OpenCount() != 0 {
		t.Errorf("открыто %d после отказа входа, ожидали 0", h.engine.OpenCount())
	}
}

// ============ Сценарий: стоп-лосс по ценовому пути ============

func TestMonitorStopLossPath(t *testing.T) {
	h := newHarness(t, Config{MaxConcurrentPositions: 3, Simulated: true})
	h.engine.balance = 10000
	ctx := context.Background()

	if _, ok := h.engine.Admit(ctx, testSignal("BTCUSDT", 90)); !ok {
		t.Fatal("допуск должен пройти")
	}

	// Путь цены [101, 99, 97]: стоп 98 срабатывает на третьем тике,
	// выход фиксируется по уровню стопа 98, не по 97
	h.exchange.pushPrice("BTCUSDT", 101, 99, 97)

	for i, wantClosed := range []bool{false, false, true} {
		closed, err := h.engine.MonitorPosition(ctx, "BTCUSDT")
		if err != nil {
			t.Fatalf("тик %d: error = %v", i, err)
		}
		if closed != wantClosed {
			t.Fatalf("тик %d: closed = %v, ожидали %v", i, closed, wantClosed)
		}
	}

	exits := h.trades.exits()
	if len(exits) != 1 {
		t.Fatalf("записей о выходе %d, ожидали 1", len(exits))
	}
	trade := exits[0]
	if trade.Reason != models.ExitReasonStopLoss {
		t.Errorf("reason = %s, ожидали STOP_LOSS", trade.Reason)
	}
	if trade.ExitPrice != 98 {
		t.Errorf("exit = %v, ожидали 98 (уровень стопа, не 97)", trade.ExitPrice)
	}
	wantPnl := (98.0 - 100.0) * trade.Quantity
	if diff := trade.Pnl - wantPnl; diff > 1e-9 || diff < -1e-9 {
		t.Errorf("pnl = %v, ожидали %v", trade.Pnl, wantPnl)
	}
}

func TestMonitorTakeProfit(t *testing.T) {
	h := newHarness(t, Config{MaxConcurrentPositions: 3, Simulated: true})
	h.engine.balance = 10000
	ctx := context.Background()

	h.engine.Admit(ctx, testSignal("BTCUSDT", 90))
	h.exchange.pushPrice("BTCUSDT", 107)

	closed, err := h.engine.MonitorPosition(ctx, "BTCUSDT")
	if err != nil || !closed {
		t.Fatalf("MonitorPosition() = (%v, %v), ожидали закрытие", closed, err)
	}

	exits := h.trades.exits()
	if len(exits) != 1 {
		t.Fatalf("записей о выходе %d, ожидали 1", len(exits))
	}
	if exits[0].Reason != models.ExitReasonTakeProfit {
		t.Errorf("reason = %s, ожидали TAKE_PROFIT", exits[0].Reason)
	}
	if exits[0].ExitPrice != 106 {
		t.Errorf("exit = %v, ожидали 106 (уровень цели)", exits[0].ExitPrice)
	}
}

func TestMonitorSkipsWhenNoPrice(t *testing.T) {
	h := newHarness(t, Config{MaxConcurrentPositions: 3, Simulated: true})
	h.engine.balance = 10000
	ctx := context.Background()

	h.engine.Admit(ctx, testSignal("BTCUSDT", 90))
	// Цен нет вовсе

	closed, err := h.engine.MonitorPosition(ctx, "BTCUSDT")
	if err != nil {
		t.Fatalf("error = %v, ожидали nil (пропуск цикла)", err)
	}
	if closed {
		t.Error("позиция закрылась без цены")
	}
	if h.engine.OpenCount() != 1 {
		t.Error("позиция исчезла при недоступной цене")
	}
}

// ============ Ревалидация ============

func TestRevalidationSignalReversal(t *testing.T) {
	h := newHarness(t, Config{MaxConcurrentPositions: 3, Simulated: true, CandlePeriod: "15m", CandleLimit: 10})
	h.engine.balance = 10000
	ctx := context.Background()

	h.engine.Admit(ctx, testSignal("BTCUSDT", 90))
	h.exchange.pushPrice("BTCUSDT", 101) // триггеры не срабатывают

	reversal := testSignal("BTCUSDT", 88)
	reversal.Action = models.ActionShort
	h.source.set("BTCUSDT", reversal)

	closed, err := h.engine.MonitorPosition(ctx, "BTCUSDT")
	if err != nil || !closed {
		t.Fatalf("MonitorPosition() = (%v, %v), ожидали закрытие по развороту", closed, err)
	}

	exits := h.trades.exits()
	if len(exits) != 1 || exits[0].Reason != models.ExitReasonSignalReversal {
		t.Errorf("exits = %+v, ожидали одну запись SIGNAL_REVERSAL", exits)
	}
}

func TestRevalidationConfidenceDrop(t *testing.T) {
	h := newHarness(t, Config{MaxConcurrentPositions: 3, Simulated: true, CandlePeriod: "15m", CandleLimit: 10})
	h.engine.balance = 10000
	ctx := context.Background()

	h.engine.Admit(ctx, testSignal("BTCUSDT", 90))
	h.exchange.pushPrice("BTCUSDT", 101, 101)

	// Падение на 25 пунктов (> 20) закрывает
	h.source.set("BTCUSDT", testSignal("BTCUSDT", 65))

	closed, _ := h.engine.MonitorPosition(ctx, "BTCUSDT")
	if !closed {
		t.Fatal("ожидали закрытие при падении уверенности > 20")
	}

	exits := h.trades.exits()
	if len(exits) != 1 || exits[0].Reason != models.ExitReasonConfidenceDrop {
		t.Errorf("exits = %+v, ожидали одну запись CONFIDENCE_DROP", exits)
	}
}

func TestRevalidationModerateDropWarns(t *testing.T) {
	h := newHarness(t, Config{MaxConcurrentPositions: 3, Simulated: true, CandlePeriod: "15m", CandleLimit: 10})
	h.engine.balance = 10000
	ctx := context.Background()

	h.engine.Admit(ctx, testSignal("BTCUSDT", 90))
	h.exchange.pushPrice("BTCUSDT", 101)

	// Падение на 15 пунктов: WARN, держим
	h.source.set("BTCUSDT", testSignal("BTCUSDT", 75))

	closed, _ := h.engine.MonitorPosition(ctx, "BTCUSDT")
	if closed {
		t.Fatal("позиция закрылась при умеренном падении уверенности")
	}
	if len(h.notifier.byType(models.NotificationTypeWarning)) == 0 {
		t.Error("ожидали WARN-уведомление")
	}
	if h.engine.OpenCount() != 1 {
		t.Error("позиция должна удерживаться")
	}
}

func TestRevalidationImproveAdjusts(t *testing.T) {
	h := newHarness(t, Config{MaxConcurrentPositions: 3, Simulated: true, CandlePeriod: "15m", CandleLimit: 10})
	h.engine.balance = 10000
	ctx := context.Background()

	h.engine.Admit(ctx, testSignal("BTCUSDT", 80))
	h.exchange.pushPrice("BTCUSDT", 101)

	// Уверенность выросла на 10: подтяжка уровней
	improved := testSignal("BTCUSDT", 90)
	improved.StopLoss = 99   // жёстче чем 98
	improved.TakeProfit = 107 // лучше чем 106
	h.source.set("BTCUSDT", improved)

	closed, _ := h.engine.MonitorPosition(ctx, "BTCUSDT")
	if closed {
		t.Fatal("позиция не должна закрываться при росте уверенности")
	}

	h.engine.mu.Lock()
	pos := h.engine.open["BTCUSDT"]
	h.engine.mu.Unlock()
	if pos.StopLoss != 99 {
		t.Errorf("StopLoss = %v, ожидали подтянутый 99", pos.StopLoss)
	}
	if pos.TakeProfit != 107 {
		t.Errorf("TakeProfit = %v, ожидали 107", pos.TakeProfit)
	}
}

// ============ Ratchet ============

func TestRatchetNeverLoosens(t *testing.T) {
	h := newHarness(t, Config{MaxConcurrentPositions: 3, Simulated: true})
	h.engine.balance = 10000
	ctx := context.Background()

	h.engine.Admit(ctx, testSignal("BTCUSDT", 80))

	// Попытка ослабить: стоп ниже, цель ниже - оба отклоняются
	h.engine.adjustProtection(ctx, "BTCUSDT", 95, 104)

	h.engine.mu.Lock()
	pos := h.engine.open["BTCUSDT"]
	stopAfter, targetAfter := pos.StopLoss, pos.TakeProfit
	h.engine.mu.Unlock()

	if stopAfter != 98 {
		t.Errorf("StopLoss = %v, ослабление должно быть отклонено (98)", stopAfter)
	}
	if targetAfter != 106 {
		t.Errorf("TakeProfit = %v, ухудшение должно быть отклонено (106)", targetAfter)
	}

	// Смешанное предложение: стоп жёстче (применяется), цель хуже (отклоняется)
	h.engine.adjustProtection(ctx, "BTCUSDT", 100, 103)

	h.engine.mu.Lock()
	stopAfter, targetAfter = pos.StopLoss, pos.TakeProfit
	h.engine.mu.Unlock()

	if stopAfter != 100 {
		t.Errorf("StopLoss = %v, подтяжка должна примениться (100)", stopAfter)
	}
	if targetAfter != 106 {
		t.Errorf("TakeProfit = %v, должен остаться 106", targetAfter)
	}
}

func TestRatchetShortMirrored(t *testing.T) {
	pos := &models.Position{Action: models.ActionShort, StopLoss: 102, TakeProfit: 94}

	if ratchetStopOK(pos, 103) {
		t.Error("стоп шорта не может двигаться вверх (ослабление)")
	}
	if !ratchetStopOK(pos, 101) {
		t.Error("стоп шорта должен двигаться вниз (подтяжка)")
	}
	if ratchetTargetOK(pos, 95) {
		t.Error("цель шорта не может ухудшаться (выше)")
	}
	if !ratchetTargetOK(pos, 93) {
		t.Error("цель шорта должна улучшаться (ниже)")
	}
}

// ============ Принудительное закрытие ============

func TestShutdownForcesClose(t *testing.T) {
	h := newHarness(t, Config{MaxConcurrentPositions: 3, Simulated: true})
	h.engine.balance = 10000
	ctx := context.Background()

	h.engine.Admit(ctx, testSignal("AUSDT", 90))
	h.engine.Admit(ctx, testSignal("BUSDT", 85))
	h.exchange.pushPrice("AUSDT", 100)
	h.exchange.pushPrice("BUSDT", 100)

	h.engine.Shutdown(ctx)

	if h.engine.OpenCount() != 0 {
		t.Errorf("открыто %d после Shutdown, ожидали 0", h.engine.OpenCount())
	}

	exits := h.trades.exits()
	if len(exits) != 2 {
		t.Fatalf("записей о выходе %d, ожидали 2 (по одной на позицию)", len(exits))
	}
	for _, tr := range exits {
		if tr.Reason != models.ExitReasonForcedClose {
			t.Errorf("reason = %s, ожидали FORCED_CLOSE", tr.Reason)
		}
	}
}

// ============ Ранжирование ============

func TestRankSignalsStable(t *testing.T) {
	a := testSignal("AUSDT", 90)
	b := testSignal("BUSDT", 90) // равная уверенность: порядок входа
	c := testSignal("CUSDT", 95)

	ranked := RankSignals([]*models.Signal{a, b, c}, models.RankByConfidence)

	if ranked[0].Symbol != "CUSDT" || ranked[1].Symbol != "AUSDT" || ranked[2].Symbol != "BUSDT" {
		t.Errorf("порядок = [%s %s %s], ожидали [CUSDT AUSDT BUSDT]",
			ranked[0].Symbol, ranked[1].Symbol, ranked[2].Symbol)
	}
}

func TestRankSignalsByROI(t *testing.T) {
	a := testSignal("AUSDT", 95)
	a.ExpectedROI = 2
	b := testSignal("BUSDT", 80)
	b.ExpectedROI = 8

	ranked := RankSignals([]*models.Signal{a, b}, models.RankByROI)
	if ranked[0].Symbol != "BUSDT" {
		t.Errorf("первый = %s, ожидали BUSDT (выше ROI)", ranked[0].Symbol)
	}
}

// ============ State machine ============

func TestCanTransition(t *testing.T) {
	tests := []struct {
		from, to string
		want     bool
	}{
		{models.StateAbsent, models.StateOpening, true},
		{models.StateAbsent, models.StateOpen, true}, // восстановление
		{models.StateOpening, models.StateOpen, true},
		{models.StateOpening, models.StateAbsent, true}, // откат входа
		{models.StateOpen, models.StateClosing, true},
		{models.StateClosing, models.StateAbsent, true},
		{models.StateOpen, models.StateOpening, false},
		{models.StateAbsent, models.StateClosing, false},
		{models.StateClosing, models.StateOpen, false},
	}

	for _, tt := range tests {
		if got := CanTransition(tt.from, tt.to); got != tt.want {
			t.Errorf("CanTransition(%s, %s) = %v, ожидали %v", tt.from, tt.to, got, tt.want)
		}
	}
}

// ============ Shadow tracker ============

func TestShadowTriggersAndTimeout(t *testing.T) {
	st := NewShadowTracker(5, 3, zap.NewNop())

	sigStop := testSignal("AUSDT", 80)
	sigTimeout := testSignal("BUSDT", 75)
	if st.Track(sigStop) == nil || st.Track(sigTimeout) == nil {
		t.Fatal("Track() должен принять оба сигнала")
	}

	// Цикл 1: стоп AUSDT срабатывает (цена 97 <= 98)
	closed := st.Update(map[string]float64{"AUSDT": 97, "BUSDT": 101})
	if len(closed) != 1 || closed[0].Symbol != "AUSDT" {
		t.Fatalf("closed = %+v, ожидали AUSDT", closed)
	}
	if closed[0].Reason != models.ExitReasonStopLoss {
		t.Errorf("reason = %s, ожидали STOP_LOSS", closed[0].Reason)
	}
	if closed[0].ExitPrice != 98 {
		t.Errorf("exit = %v, ожидали уровень стопа 98", closed[0].ExitPrice)
	}

	// Циклы 2-3: BUSDT не срабатывает и стареет до TIMEOUT (maxAge=3)
	st.Update(map[string]float64{"BUSDT": 101})
	closed = st.Update(map[string]float64{"BUSDT": 101})
	if len(closed) != 1 || closed[0].Reason != models.ExitReasonTimeout {
		t.Fatalf("closed = %+v, ожидали TIMEOUT", closed)
	}
	if st.Len() != 0 {
		t.Errorf("Len() = %d, ожидали 0", st.Len())
	}
}

func TestShadowCapacityAndDuplicates(t *testing.T) {
	st := NewShadowTracker(2, 10, zap.NewNop())

	first := st.Track(testSignal("AUSDT", 80))
	if first == nil {
		t.Fatal("первый Track должен пройти")
	}
	if first.CorrelationID == "" {
		t.Error("виртуальная позиция должна получить correlation_id")
	}
	if st.Track(testSignal("AUSDT", 85)) != nil {
		t.Error("дубликат символа должен быть отклонён")
	}
	if st.Track(testSignal("BUSDT", 80)) == nil {
		t.Fatal("второй Track должен пройти")
	}
	if st.Track(testSignal("CUSDT", 80)) != nil {
		t.Error("Track сверх лимита должен быть отклонён")
	}
}

// ============ Восстановление ============

func TestRecoverRestoresPersisted(t *testing.T) {
	h := newHarness(t, Config{MaxConcurrentPositions: 3, Simulated: true})

	h.store.SavePosition(context.Background(), &models.Position{
		Symbol:     "BTCUSDT",
		Action:     models.ActionLong,
		EntryPrice: 100,
		Quantity:   1,
		StopLoss:   98,
		TakeProfit: 106,
		OpenedAt:   time.Now(),
	})

	if err := h.engine.Recover(context.Background()); err != nil {
		t.Fatalf("Recover() error = %v", err)
	}

	if h.engine.OpenCount() != 1 {
		t.Errorf("открыто %d после восстановления, ожидали 1", h.engine.OpenCount())
	}
}

func TestRecoverAdoptsExchangePositions(t *testing.T) {
	h := newHarness(t, Config{MaxConcurrentPositions: 3})

	h.exchange.positions = []exchange.ExchangePosition{
		{Symbol: "ETHUSDT", Side: "SHORT", Quantity: 2, EntryPrice: 3000, Leverage: 5},
	}

	if err := h.engine.Recover(context.Background()); err != nil {
		t.Fatalf("Recover() error = %v", err)
	}

	h.engine.mu.Lock()
	pos, ok := h.engine.open["ETHUSDT"]
	h.engine.mu.Unlock()
	if !ok {
		t.Fatal("биржевая позиция не усыновлена")
	}
	if pos.Action != models.ActionShort {
		t.Errorf("action = %s, ожидали SHORT", pos.Action)
	}
	// Защитные уровни рассчитаны от цены входа
	if pos.StopLoss <= pos.EntryPrice {
		t.Errorf("стоп шорта %v должен быть выше входа %v", pos.StopLoss, pos.EntryPrice)
	}
	// Ретроактивная защита размещена
	h.exchange.mu.Lock()
	stopOrders := len(h.exchange.stopOrders)
	h.exchange.mu.Unlock()
	if stopOrders != 2 {
		t.Errorf("защитных ордеров %d, ожидали 2 (стоп + тейк)", stopOrders)
	}
}

func TestRecoverDropsStaleRows(t *testing.T) {
	h := newHarness(t, Config{MaxConcurrentPositions: 3})
	ctx := context.Background()

	// Строка в БД есть, позиции на бирже нет: защитный ордер
	// исполнился пока процесс был остановлен
	h.store.SavePosition(ctx, &models.Position{
		Symbol:        "BTCUSDT",
		Action:        models.ActionLong,
		EntryPrice:    100,
		Quantity:      0.5,
		StopLoss:      98,
		TakeProfit:    106,
		CorrelationID: "corr-stale",
		OpenedAt:      time.Now(),
	})
	h.exchange.pushPrice("BTCUSDT", 97)

	if err := h.engine.Recover(ctx); err != nil {
		t.Fatalf("Recover() error = %v", err)
	}

	if h.engine.OpenCount() != 0 {
		t.Fatalf("открыто %d, устаревшая строка не должна восстанавливаться", h.engine.OpenCount())
	}
	h.store.mu.Lock()
	_, kept := h.store.saved["BTCUSDT"]
	h.store.mu.Unlock()
	if kept {
		t.Error("устаревшая строка должна удаляться из хранилища")
	}

	// Запись выхода закрывает пару по correlation_id, по уровню стопа
	h.trades.mu.Lock()
	if len(h.trades.trades) != 1 {
		h.trades.mu.Unlock()
		t.Fatalf("записей %d, ожидали 1", len(h.trades.trades))
	}
	trade := h.trades.trades[0]
	h.trades.mu.Unlock()
	if trade.Reason != models.ExitReasonResolvedExternal {
		t.Errorf("reason = %s, ожидали RESOLVED_EXTERNAL", trade.Reason)
	}
	if trade.CorrelationID != "corr-stale" {
		t.Errorf("correlation_id = %s, ожидали corr-stale", trade.CorrelationID)
	}
	if trade.ExitPrice != 98 {
		t.Errorf("exit = %v, ожидали уровень стопа 98", trade.ExitPrice)
	}

	// Встречный рыночный ордер не размещается: на бирже нечего закрывать
	h.exchange.mu.Lock()
	orders := len(h.exchange.marketOrders)
	h.exchange.mu.Unlock()
	if orders != 0 {
		t.Errorf("размещено %d рыночных ордеров по несуществующей позиции", orders)
	}

	if _, err := h.engine.MonitorPosition(ctx, "BTCUSDT"); !errors.Is(err, ErrPositionNotFound) {
		t.Errorf("MonitorPosition() error = %v, ожидали ErrPositionNotFound", err)
	}
}

func TestShadowSurvivesRestart(t *testing.T) {
	cfg := Config{
		MaxConcurrentPositions: 3,
		Simulated:              true,
		ShadowEnabled:          true,
		ShadowMaxPositions:     5,
		ShadowMaxAgeCycles:     10,
	}
	h := newHarness(t, cfg)
	ctx := context.Background()

	h.engine.trackShadow(ctx, []*models.Signal{testSignal("AUSDT", 80)})

	h.store.mu.Lock()
	saved, ok := h.store.saved["AUSDT"]
	h.store.mu.Unlock()
	if !ok {
		t.Fatal("виртуальная позиция не персистирована")
	}
	if !saved.Virtual {
		t.Error("персистированная shadow-позиция должна иметь флаг virtual")
	}

	// Возраст растёт и перезаписывается даже без цены
	h.engine.updateShadow(ctx)
	h.store.mu.Lock()
	age := h.store.saved["AUSDT"].AgeCycles
	h.store.mu.Unlock()
	if age != 1 {
		t.Errorf("персистированный возраст = %d, ожидали 1", age)
	}

	// Рестарт: новый процесс на том же хранилище
	h2 := newHarness(t, cfg)
	h.store.mu.Lock()
	for _, pos := range h.store.saved {
		h2.store.SavePosition(ctx, pos)
	}
	h.store.mu.Unlock()

	if err := h2.engine.Recover(ctx); err != nil {
		t.Fatalf("Recover() error = %v", err)
	}

	if h2.engine.OpenCount() != 0 {
		t.Error("виртуальная позиция не должна попадать в открытые")
	}
	if h2.engine.shadow.Len() != 1 {
		t.Fatalf("shadow = %d после рестарта, ожидали 1", h2.engine.shadow.Len())
	}
	restored := h2.engine.shadow.Active()[0]
	if restored.Symbol != "AUSDT" || restored.AgeCycles != 1 {
		t.Errorf("восстановлена %s с возрастом %d, ожидали AUSDT с возрастом 1",
			restored.Symbol, restored.AgeCycles)
	}
}

func TestAdjustProtectionPersisted(t *testing.T) {
	h := newHarness(t, Config{MaxConcurrentPositions: 3, Simulated: true})
	h.engine.balance = 10000
	ctx := context.Background()

	if _, ok := h.engine.Admit(ctx, testSignal("BTCUSDT", 80)); !ok {
		t.Fatal("допуск должен пройти")
	}

	h.engine.adjustProtection(ctx, "BTCUSDT", 99, 107)

	// Подтяжка перезаписана в хранилище: рестарт её не откатит
	h.store.mu.Lock()
	saved := h.store.saved["BTCUSDT"]
	h.store.mu.Unlock()
	if saved.StopLoss != 99 {
		t.Errorf("персистированный стоп = %v, ожидали подтянутый 99", saved.StopLoss)
	}
	if saved.TakeProfit != 107 {
		t.Errorf("персистированная цель = %v, ожидали 107", saved.TakeProfit)
	}

	// Отклонённое ослабление ничего не перезаписывает
	h.engine.adjustProtection(ctx, "BTCUSDT", 95, 104)
	h.store.mu.Lock()
	saved = h.store.saved["BTCUSDT"]
	h.store.mu.Unlock()
	if saved.StopLoss != 99 || saved.TakeProfit != 107 {
		t.Errorf("персистированы %v/%v, ослабление не должно переписывать хранилище",
			saved.StopLoss, saved.TakeProfit)
	}
}

func TestAdmitEmitsEntryRecord(t *testing.T) {
	h := newHarness(t, Config{MaxConcurrentPositions: 3, Simulated: true})
	h.engine.balance = 10000
	ctx := context.Background()

	if _, ok := h.engine.Admit(ctx, testSignal("BTCUSDT", 90)); !ok {
		t.Fatal("допуск должен пройти")
	}

	h.trades.mu.Lock()
	if len(h.trades.trades) != 1 {
		h.trades.mu.Unlock()
		t.Fatalf("записей %d после допуска, ожидали 1 (ENTRY)", len(h.trades.trades))
	}
	entry := h.trades.trades[0]
	h.trades.mu.Unlock()

	if entry.Reason != models.RecordReasonEntry {
		t.Errorf("reason = %s, ожидали ENTRY", entry.Reason)
	}
	if entry.CorrelationID == "" {
		t.Error("запись допуска без correlation_id")
	}
	if entry.EntryPrice != 100 || entry.Confidence != 90 {
		t.Errorf("entry = %v, confidence = %v, ожидали 100 и 90", entry.EntryPrice, entry.Confidence)
	}

	// Закрытие добавляет запись выхода с тем же correlation_id
	h.exchange.pushPrice("BTCUSDT", 97)
	if closed, err := h.engine.MonitorPosition(ctx, "BTCUSDT"); err != nil || !closed {
		t.Fatalf("MonitorPosition() = (%v, %v), ожидали закрытие", closed, err)
	}

	h.trades.mu.Lock()
	defer h.trades.mu.Unlock()
	if len(h.trades.trades) != 2 {
		t.Fatalf("записей %d, ожидали пару допуск+выход", len(h.trades.trades))
	}
	exit := h.trades.trades[1]
	if exit.Reason != models.ExitReasonStopLoss {
		t.Errorf("reason = %s, ожидали STOP_LOSS", exit.Reason)
	}
	if exit.CorrelationID != entry.CorrelationID {
		t.Errorf("correlation_id выхода %s != допуска %s", exit.CorrelationID, entry.CorrelationID)
	}
}

func TestOverflowCountedWithoutShadow(t *testing.T) {
	h := newHarness(t, Config{MaxConcurrentPositions: 1, Simulated: true, RankMode: models.RankByConfidence})
	h.engine.balance = 10000

	candidates := []*models.Signal{
		testSignal("AUSDT", 95),
		testSignal("BUSDT", 90),
		testSignal("CUSDT", 85),
	}

	admitted := h.engine.admitTop(context.Background(), candidates)
	if len(admitted) != 1 {
		t.Fatalf("допущено %d, ожидали 1", len(admitted))
	}

	// Shadow выключен: переполнение слотов видно в статистике отказов
	h.engine.mu.Lock()
	rejected := h.engine.rejections[models.RejectReasonMaxPositions]
	h.engine.mu.Unlock()
	if rejected != 2 {
		t.Errorf("отказов max-positions = %d, ожидали 2", rejected)
	}
}
