package main

import (
	"context"
	"database/sql"
	"fmt"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"go.uber.org/zap"

	"winiswin/internal/api"
	"winiswin/internal/bot"
	"winiswin/internal/config"
	"winiswin/internal/exchange"
	"winiswin/internal/marketdata"
	"winiswin/internal/repository"
	"winiswin/internal/risk"
	"winiswin/internal/strategy"
	"winiswin/internal/websocket"
	"winiswin/pkg/breaker"
	"winiswin/pkg/cache"
	"winiswin/pkg/crypto"
	"winiswin/pkg/ratelimit"
	"winiswin/pkg/utils"

	_ "github.com/lib/pq"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		log.Fatalf("Failed to load config: %v", err)
	}

	logger, err := utils.InitLogger(utils.LoggerConfig{
		Level:  cfg.Logging.Level,
		Format: cfg.Logging.Format,
	})
	if err != nil {
		log.Fatalf("Failed to init logger: %v", err)
	}
	defer logger.Sync()

	db, err := initDatabase(cfg)
	if err != nil {
		logger.Fatal("failed to connect to database", zap.Error(err))
	}
	defer db.Close()

	logger.Info("connected to database", zap.String("dsn", cfg.Database.DSNWithoutPassword()))

	positionRepo := repository.NewPositionRepository(db)
	tradeRepo := repository.NewTradeRepository(db)

	// WebSocket hub - канал real-time уведомлений ядра
	hub := websocket.NewHub(logger)
	go hub.Run()

	// Биржа
	apiKey, secretKey, err := exchangeCredentials(cfg)
	if err != nil {
		logger.Fatal("failed to decrypt exchange credentials", zap.Error(err))
	}
	binance := exchange.NewBinance(apiKey, secretKey, logger)
	defer binance.Close()

	// Ограничители запросов по классам
	limiter := ratelimit.NewMultiLimiter()
	limiter.Add(ratelimit.ClassMarket, cfg.RateLimit.MarketRate, cfg.RateLimit.MarketCapacity)
	limiter.Add(ratelimit.ClassOrders, cfg.RateLimit.OrdersRate, cfg.RateLimit.OrdersCapacity)

	marketBreaker := breaker.New(cfg.Breaker.FailureThreshold, cfg.Breaker.RecoveryTimeout)
	orderBreaker := breaker.New(cfg.Breaker.FailureThreshold, cfg.Breaker.RecoveryTimeout)

	// Рыночные данные: кеш + limiter + breaker поверх биржи
	data := marketdata.NewService(
		binance,
		cache.New(cfg.Cache.Capacity),
		limiter,
		marketBreaker,
		marketdata.Config{
			RequestTimeout: 10 * time.Second,
			StaticSymbols:  cfg.Engine.StaticSymbols,
		},
		logger,
	)

	riskMgr := risk.NewManager(risk.Config{
		MinMarginPercent:        cfg.Risk.MinMarginPercent,
		MaxMarginPercent:        cfg.Risk.MaxMarginPercent,
		MinLeverage:             cfg.Risk.MinLeverage,
		MaxLeverage:             cfg.Risk.MaxLeverage,
		MarginTiers:             marginTiers(cfg.Risk.MarginTiers),
		LeverageTiers:           leverageTiers(cfg.Risk.LeverageTiers),
		StopLossATRMultiplier:   cfg.Risk.StopLossATRMult,
		TakeProfitATRMultiplier: cfg.Risk.TakeProfitATRMult,
	}, logger)

	source := strategy.New(strategy.Config{
		StopLossATRMult:   cfg.Risk.StopLossATRMult,
		TakeProfitATRMult: cfg.Risk.TakeProfitATRMult,
	}, logger)

	engine := bot.NewEngine(
		bot.Config{
			MaxConcurrentPositions: cfg.Engine.MaxConcurrentPositions,
			CycleInterval:          cfg.Engine.CycleInterval,
			RankMode:               cfg.Engine.RankMode,
			CandlePeriod:           cfg.Engine.CandlePeriod,
			CandleLimit:            cfg.Engine.CandleLimit,
			ShadowEnabled:          cfg.Engine.ShadowEnabled,
			ShadowMaxPositions:     cfg.Engine.ShadowMaxPositions,
			ShadowMaxAgeCycles:     cfg.Engine.ShadowMaxAgeCycles,
			Simulated:              cfg.Engine.Simulated,
		},
		data,
		riskMgr,
		binance,
		source,
		limiter,
		orderBreaker,
		hub,
		positionRepo,
		tradeRepo,
		logger,
	)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// Восстановление после рестарта: БД + открытые позиции на бирже
	if err := engine.Recover(ctx); err != nil {
		logger.Fatal("recovery failed", zap.Error(err))
	}

	// Прогрев кеша свечей до первого цикла
	data.Prewarm(ctx, data.Universe(ctx), []string{cfg.Engine.CandlePeriod}, cfg.Engine.CandleLimit)

	go func() {
		if err := engine.Run(ctx); err != nil && err != context.Canceled {
			logger.Error("engine stopped", zap.Error(err))
		}
	}()

	router := api.SetupRoutes(&api.Dependencies{
		Engine:    engine,
		Trades:    tradeRepo,
		Hub:       hub,
		TokenHash: cfg.Security.APITokenHash,
		Logger:    logger,
	})

	server := &http.Server{
		Addr:         fmt.Sprintf("%s:%d", cfg.Server.Host, cfg.Server.Port),
		Handler:      router,
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 15 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	go func() {
		logger.Info("starting server", zap.String("addr", server.Addr))
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Fatal("server failed", zap.Error(err))
		}
	}()

	// Graceful shutdown
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	logger.Info("shutting down")

	// Торговый цикл останавливается первым, затем принудительное
	// закрытие позиций, чтобы процесс не оставил слоты занятыми
	cancel()

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer shutdownCancel()

	engine.Shutdown(shutdownCtx)
	hub.Stop()

	if err := server.Shutdown(shutdownCtx); err != nil {
		logger.Error("server forced to shutdown", zap.Error(err))
	}

	logger.Info("server exited")
}

// exchangeCredentials возвращает биржевые ключи
//
// Если задан ENCRYPTION_KEY, переменные окружения содержат
// AES-256-GCM шифртекст (base64) и расшифровываются при старте.
// marginTiers переводит env-ступени в лесенку маржи
func marginTiers(tiers []config.Tier) []risk.MarginTier {
	out := make([]risk.MarginTier, 0, len(tiers))
	for _, t := range tiers {
		out = append(out, risk.MarginTier{Confidence: t.Threshold, Percent: t.Value})
	}
	return out
}

// leverageTiers переводит env-ступени в лесенку плеча
func leverageTiers(tiers []config.Tier) []risk.LeverageTier {
	out := make([]risk.LeverageTier, 0, len(tiers))
	for _, t := range tiers {
		out = append(out, risk.LeverageTier{WinRate: t.Threshold, Leverage: int(t.Value)})
	}
	return out
}

func exchangeCredentials(cfg *config.Config) (string, string, error) {
	if cfg.Security.EncryptionKey == "" {
		return cfg.Exchange.APIKey, cfg.Exchange.SecretKey, nil
	}

	key, err := crypto.KeyFromHex(cfg.Security.EncryptionKey)
	if err != nil {
		return "", "", err
	}

	apiKey, err := crypto.Decrypt(cfg.Exchange.APIKey, key)
	if err != nil {
		return "", "", fmt.Errorf("api key: %w", err)
	}

	secretKey, err := crypto.Decrypt(cfg.Exchange.SecretKey, key)
	if err != nil {
		return "", "", fmt.Errorf("secret key: %w", err)
	}

	return apiKey, secretKey, nil
}

// initDatabase создает подключение к базе данных
func initDatabase(cfg *config.Config) (*sql.DB, error) {
	db, err := sql.Open(cfg.Database.Driver, cfg.Database.DSN())
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	db.SetMaxOpenConns(25)
	db.SetMaxIdleConns(5)
	db.SetConnMaxLifetime(5 * time.Minute)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if err := db.PingContext(ctx); err != nil {
		return nil, fmt.Errorf("failed to ping database: %w", err)
	}

	return db, nil
}
