// Package marketdata отвечает за получение рыночных данных с биржи
// с соблюдением rate limits и деградацией при частичных отказах.
package marketdata

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"

	"winiswin/internal/exchange"
	"winiswin/pkg/breaker"
	"winiswin/pkg/cache"
	"winiswin/pkg/ratelimit"
)

// Ошибки сервиса данных
var (
	// ErrDataUnavailable - данные недоступны в этом цикле
	// (rate limit, открытый breaker, сбой биржи). Не фатально.
	ErrDataUnavailable = errors.New("market data unavailable")
)

// batchGroupSize - размер группы при батчевой загрузке
// Ограничивает количество одновременных запросов к бирже
const batchGroupSize = 5

// batchGroupPause - пауза между группами, отдаёт планировщик
// другим задачам (websocket keep-alive, мониторинг)
const batchGroupPause = 100 * time.Millisecond

// Config конфигурация сервиса данных
type Config struct {
	// RequestTimeout - таймаут одного запроса к бирже
	RequestTimeout time.Duration

	// StaticSymbols - запасной список символов если биржа недоступна
	StaticSymbols []string
}

// Service загружает свечи и цены через связку cache -> limiter -> breaker
type Service struct {
	exchange exchange.Exchange
	cache    *cache.Cache
	limiter  *ratelimit.MultiLimiter
	breaker  *breaker.CircuitBreaker
	logger   *zap.Logger
	cfg      Config
}

// NewService создаёт сервис рыночных данных
func NewService(ex exchange.Exchange, c *cache.Cache, rl *ratelimit.MultiLimiter, cb *breaker.CircuitBreaker, cfg Config, logger *zap.Logger) *Service {
	if cfg.RequestTimeout <= 0 {
		cfg.RequestTimeout = 10 * time.Second
	}

	return &Service{
		exchange: ex,
		cache:    c,
		limiter:  rl,
		breaker:  cb,
		logger:   logger.Named("marketdata"),
		cfg:      cfg,
	}
}

// ttlForPeriod возвращает TTL кеша для периода свечей
//
// Короткие периоды устаревают быстрее и кешируются на меньший срок.
func ttlForPeriod(period string) time.Duration {
	switch period {
	case "1m":
		return 30 * time.Second
	case "5m":
		return 2 * time.Minute
	case "15m":
		return 5 * time.Minute
	case "1h":
		return 15 * time.Minute
	case "4h":
		return time.Hour
	case "1d":
		return 4 * time.Hour
	default:
		return time.Minute
	}
}

// cacheKey формирует ключ кеша для запроса свечей
func cacheKey(symbol, period string, limit int) string {
	return fmt.Sprintf("klines:%s:%s:%d", symbol, period, limit)
}

// GetKlines возвращает свечи для символа
//
// Порядок: кеш (если не forceRefresh) -> rate limiter -> circuit breaker
// -> биржа -> запись в кеш. Отказ лимитера или открытый breaker
// возвращают ErrDataUnavailable - цикл продолжается без этого символа.
func (s *Service) GetKlines(ctx context.Context, symbol, period string, limit int, forceRefresh bool) ([]exchange.Candle, error) {
	key := cacheKey(symbol, period, limit)

	if !forceRefresh {
		if cached, ok := s.cache.Get(key); ok {
			return cached.([]exchange.Candle), nil
		}
	}

	// Отказ лимитера - это деградация, не ошибка
	acquireCtx, cancel := context.WithTimeout(ctx, s.cfg.RequestTimeout)
	defer cancel()
	if !s.limiter.Acquire(acquireCtx, ratelimit.ClassMarket, 1) {
		s.logger.Debug("rate limit denial",
			zap.String("symbol", symbol),
			zap.String("period", period))
		return nil, fmt.Errorf("%w: rate limited for %s", ErrDataUnavailable, symbol)
	}

	var candles []exchange.Candle
	err := s.breaker.Call(func() error {
		reqCtx, reqCancel := context.WithTimeout(ctx, s.cfg.RequestTimeout)
		defer reqCancel()

		var fetchErr error
		candles, fetchErr = s.exchange.GetCandles(reqCtx, symbol, period, limit)
		return fetchErr
	})
	if err != nil {
		if errors.Is(err, breaker.ErrCircuitOpen) {
			return nil, fmt.Errorf("%w: circuit open for %s", ErrDataUnavailable, symbol)
		}
		return nil, fmt.Errorf("%w: fetch %s %s: %v", ErrDataUnavailable, symbol, period, err)
	}

	s.cache.Set(key, candles, ttlForPeriod(period))
	return candles, nil
}

// BatchResult результат батчевой загрузки для одного символа
// Candles == nil означает что данные недоступны в этом цикле
type BatchResult struct {
	Symbol  string
	Candles []exchange.Candle
}

// GetKlinesBatch загружает свечи для набора символов
//
// Символы разбиваются на группы фиксированного размера, внутри группы
// запросы идут параллельно, между группами короткая пауза.
// Сбой по одному символу не прерывает батч - для него Candles == nil.
func (s *Service) GetKlinesBatch(ctx context.Context, symbols []string, period string, limit int) map[string][]exchange.Candle {
	results := make(map[string][]exchange.Candle, len(symbols))
	var mu sync.Mutex

	for start := 0; start < len(symbols); start += batchGroupSize {
		end := start + batchGroupSize
		if end > len(symbols) {
			end = len(symbols)
		}
		group := symbols[start:end]

		var wg sync.WaitGroup
		for _, symbol := range group {
			wg.Add(1)
			go func(sym string) {
				defer wg.Done()

				candles, err := s.GetKlines(ctx, sym, period, limit, false)
				if err != nil {
					s.logger.Debug("batch fetch miss",
						zap.String("symbol", sym),
						zap.Error(err))
					candles = nil
				}

				mu.Lock()
				results[sym] = candles
				mu.Unlock()
			}(symbol)
		}
		wg.Wait()

		// Пауза между группами - не душим биржу и планировщик
		if end < len(symbols) {
			select {
			case <-time.After(batchGroupPause):
			case <-ctx.Done():
				return results
			}
		}
	}

	return results
}

// Prewarm прогревает кеш перед первым торговым циклом
//
// Загружает свечи по всем символам и периодам чтобы первый цикл
// не упирался в API.
func (s *Service) Prewarm(ctx context.Context, symbols []string, periods []string, limit int) {
	for _, period := range periods {
		loaded := 0
		for _, candles := range s.GetKlinesBatch(ctx, symbols, period, limit) {
			if candles != nil {
				loaded++
			}
		}
		s.logger.Info("cache prewarmed",
			zap.String("period", period),
			zap.Int("loaded", loaded),
			zap.Int("requested", len(symbols)))
	}
}

// GetPrice возвращает текущую цену символа
//
// Проходит те же защитные слои что и GetKlines, но без кеша -
// цена нужна свежая для проверки стопов.
func (s *Service) GetPrice(ctx context.Context, symbol string) (float64, error) {
	acquireCtx, cancel := context.WithTimeout(ctx, s.cfg.RequestTimeout)
	defer cancel()
	if !s.limiter.Acquire(acquireCtx, ratelimit.ClassMarket, 1) {
		return 0, fmt.Errorf("%w: rate limited for %s", ErrDataUnavailable, symbol)
	}

	var price float64
	err := s.breaker.Call(func() error {
		reqCtx, reqCancel := context.WithTimeout(ctx, s.cfg.RequestTimeout)
		defer reqCancel()

		var fetchErr error
		price, fetchErr = s.exchange.GetPrice(reqCtx, symbol)
		return fetchErr
	})
	if err != nil {
		if errors.Is(err, breaker.ErrCircuitOpen) {
			return 0, fmt.Errorf("%w: circuit open for %s", ErrDataUnavailable, symbol)
		}
		return 0, fmt.Errorf("%w: price %s: %v", ErrDataUnavailable, symbol, err)
	}

	return price, nil
}

// Universe возвращает список торгуемых символов
//
// При полной недоступности биржи откатывается на статический список
// из конфигурации.
func (s *Service) Universe(ctx context.Context) []string {
	var symbols []string
	err := s.breaker.Call(func() error {
		reqCtx, cancel := context.WithTimeout(ctx, s.cfg.RequestTimeout)
		defer cancel()

		var fetchErr error
		symbols, fetchErr = s.exchange.GetExchangeSymbols(reqCtx)
		return fetchErr
	})
	if err != nil || len(symbols) == 0 {
		s.logger.Warn("symbol universe unavailable, using static list",
			zap.Int("static_count", len(s.cfg.StaticSymbols)),
			zap.Error(err))
		return s.cfg.StaticSymbols
	}

	return symbols
}

// CacheStats возвращает счётчики кеша для API статистики
func (s *Service) CacheStats() cache.Stats {
	return s.cache.Stats()
}
