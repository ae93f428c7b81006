package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"
)

// Config содержит всю конфигурацию приложения
type Config struct {
	Server    ServerConfig
	Database  DatabaseConfig
	Security  SecurityConfig
	Exchange  ExchangeConfig
	Engine    EngineConfig
	Risk      RiskConfig
	RateLimit RateLimitConfig
	Breaker   BreakerConfig
	Cache     CacheConfig
	Logging   LoggingConfig
}

// ServerConfig - настройки HTTP сервера
type ServerConfig struct {
	Port int
	Host string
}

// DatabaseConfig - настройки подключения к БД
type DatabaseConfig struct {
	Driver   string
	Host     string
	Port     int
	Name     string
	User     string
	Password string
	SSLMode  string
}

// SecurityConfig - настройки безопасности
//
// EncryptionKey (hex, 64 символа) шифрует биржевые ключи при хранении.
// APITokenHash - bcrypt-хеш bearer токена ops-API; пустой = auth отключен.
type SecurityConfig struct {
	EncryptionKey string
	APITokenHash  string
}

// ExchangeConfig - настройки подключения к бирже
type ExchangeConfig struct {
	APIKey    string
	SecretKey string
}

// EngineConfig - настройки торгового ядра
type EngineConfig struct {
	MaxConcurrentPositions int
	CycleInterval          time.Duration
	RankMode               string // confidence | roi
	CandlePeriod           string
	CandleLimit            int
	Simulated              bool

	ShadowEnabled      bool
	ShadowMaxPositions int
	ShadowMaxAgeCycles int

	// Статический список символов; пустой = полная выборка с биржи
	StaticSymbols []string
}

// RiskConfig - настройки риск-менеджера
type RiskConfig struct {
	MinMarginPercent float64
	MaxMarginPercent float64
	MinLeverage      int
	MaxLeverage      int

	// Ступени "порог:значение" из MARGIN_TIERS / LEVERAGE_TIERS,
	// записываются как "95:13,90:11". Пусто - значения по умолчанию
	// риск-менеджера.
	MarginTiers   []Tier
	LeverageTiers []Tier

	StopLossATRMult  float64
	TakeProfitATRMult float64
}

// Tier - одна ступень "порог:значение" из env-списка
type Tier struct {
	Threshold float64
	Value     float64
}

// RateLimitConfig - настройки token bucket лимитеров по классам
type RateLimitConfig struct {
	MarketRate      float64 // токенов в секунду для market data
	MarketCapacity  float64
	OrdersRate      float64 // токенов в секунду для торговых запросов
	OrdersCapacity  float64
}

// BreakerConfig - настройки circuit breaker
type BreakerConfig struct {
	FailureThreshold int
	RecoveryTimeout  time.Duration
}

// CacheConfig - настройки кеша свечей
type CacheConfig struct {
	Capacity int
}

// LoggingConfig - настройки логирования
type LoggingConfig struct {
	Level  string
	Format string
}

// Load загружает конфигурацию из переменных окружения
func Load() (*Config, error) {
	cfg := &Config{
		Server: ServerConfig{
			Port: getEnvAsInt("SERVER_PORT", 8080),
			Host: getEnv("SERVER_HOST", "0.0.0.0"),
		},
		Database: DatabaseConfig{
			Driver:   getEnv("DB_DRIVER", "postgres"),
			Host:     getEnv("DB_HOST", "localhost"),
			Port:     getEnvAsInt("DB_PORT", 5432),
			Name:     getEnv("DB_NAME", "winiswin"),
			User:     getEnv("DB_USER", "user"),
			Password: getEnv("DB_PASSWORD", "password"),
			SSLMode:  getEnv("DB_SSL_MODE", "disable"),
		},
		Security: SecurityConfig{
			EncryptionKey: getEnv("ENCRYPTION_KEY", ""),
			APITokenHash:  getEnv("API_TOKEN_HASH", ""),
		},
		Exchange: ExchangeConfig{
			APIKey:    getEnv("EXCHANGE_API_KEY", ""),
			SecretKey: getEnv("EXCHANGE_SECRET_KEY", ""),
		},
		Engine: EngineConfig{
			MaxConcurrentPositions: getEnvAsInt("MAX_CONCURRENT_POSITIONS", 3),
			CycleInterval:          getEnvAsDuration("CYCLE_INTERVAL", time.Minute),
			RankMode:               getEnv("RANK_MODE", "confidence"),
			CandlePeriod:           getEnv("CANDLE_PERIOD", "15m"),
			CandleLimit:            getEnvAsInt("CANDLE_LIMIT", 100),
			Simulated:              getEnvAsBool("SIMULATED", false),

			ShadowEnabled:      getEnvAsBool("SHADOW_ENABLED", true),
			ShadowMaxPositions: getEnvAsInt("SHADOW_MAX_POSITIONS", 10),
			ShadowMaxAgeCycles: getEnvAsInt("SHADOW_MAX_AGE_CYCLES", 20),

			StaticSymbols: getEnvAsList("STATIC_SYMBOLS"),
		},
		Risk: RiskConfig{
			MinMarginPercent:  getEnvAsFloat("MIN_MARGIN_PERCENT", 3),
			MaxMarginPercent:  getEnvAsFloat("MAX_MARGIN_PERCENT", 13),
			MinLeverage:       getEnvAsInt("MIN_LEVERAGE", 3),
			MaxLeverage:       getEnvAsInt("MAX_LEVERAGE", 20),
			MarginTiers:       getEnvAsTiers("MARGIN_TIERS"),
			LeverageTiers:     getEnvAsTiers("LEVERAGE_TIERS"),
			StopLossATRMult:   getEnvAsFloat("STOP_LOSS_ATR_MULT", 2.0),
			TakeProfitATRMult: getEnvAsFloat("TAKE_PROFIT_ATR_MULT", 3.0),
		},
		RateLimit: RateLimitConfig{
			MarketRate:     getEnvAsFloat("RATE_LIMIT_MARKET_RATE", 10),
			MarketCapacity: getEnvAsFloat("RATE_LIMIT_MARKET_CAPACITY", 20),
			OrdersRate:     getEnvAsFloat("RATE_LIMIT_ORDERS_RATE", 2),
			OrdersCapacity: getEnvAsFloat("RATE_LIMIT_ORDERS_CAPACITY", 5),
		},
		Breaker: BreakerConfig{
			FailureThreshold: getEnvAsInt("BREAKER_FAILURE_THRESHOLD", 5),
			RecoveryTimeout:  getEnvAsDuration("BREAKER_RECOVERY_TIMEOUT", 30*time.Second),
		},
		Cache: CacheConfig{
			Capacity: getEnvAsInt("CACHE_CAPACITY", 500),
		},
		Logging: LoggingConfig{
			Level:  getEnv("LOG_LEVEL", "info"),
			Format: getEnv("LOG_FORMAT", "json"),
		},
	}

	if err := cfg.validateSecurity(); err != nil {
		return nil, err
	}

	if err := cfg.validateRanges(); err != nil {
		return nil, err
	}

	return cfg, nil
}

// validateSecurity проверяет параметры безопасности
func (c *Config) validateSecurity() error {
	// В simulated режиме биржевые ключи не обязательны
	if !c.Engine.Simulated {
		if c.Exchange.APIKey == "" || c.Exchange.SecretKey == "" {
			return fmt.Errorf("EXCHANGE_API_KEY and EXCHANGE_SECRET_KEY are required for live trading")
		}
	}

	// ENCRYPTION_KEY опционален, но если задан - должен быть валидным hex AES-256 ключом
	if c.Security.EncryptionKey != "" && len(c.Security.EncryptionKey) != 64 {
		return fmt.Errorf("ENCRYPTION_KEY must be 64 hex characters (32 bytes) for AES-256")
	}

	return nil
}

// validateRanges проверяет числовые диапазоны параметров
func (c *Config) validateRanges() error {
	if c.Server.Port < 1 || c.Server.Port > 65535 {
		return fmt.Errorf("SERVER_PORT must be between 1 and 65535, got %d", c.Server.Port)
	}

	if c.Database.Port < 1 || c.Database.Port > 65535 {
		return fmt.Errorf("DB_PORT must be between 1 and 65535, got %d", c.Database.Port)
	}

	if c.Engine.MaxConcurrentPositions < 1 {
		return fmt.Errorf("MAX_CONCURRENT_POSITIONS must be positive, got %d", c.Engine.MaxConcurrentPositions)
	}

	if c.Engine.CycleInterval <= 0 {
		return fmt.Errorf("CYCLE_INTERVAL must be positive, got %v", c.Engine.CycleInterval)
	}

	if c.Engine.RankMode != "confidence" && c.Engine.RankMode != "roi" {
		return fmt.Errorf("RANK_MODE must be confidence or roi, got %q", c.Engine.RankMode)
	}

	if c.Risk.MinMarginPercent <= 0 || c.Risk.MaxMarginPercent < c.Risk.MinMarginPercent {
		return fmt.Errorf("invalid margin percent range: %v..%v", c.Risk.MinMarginPercent, c.Risk.MaxMarginPercent)
	}

	if c.Risk.MinLeverage < 1 || c.Risk.MaxLeverage < c.Risk.MinLeverage {
		return fmt.Errorf("invalid leverage range: %d..%d", c.Risk.MinLeverage, c.Risk.MaxLeverage)
	}

	if c.RateLimit.MarketRate <= 0 || c.RateLimit.OrdersRate <= 0 {
		return fmt.Errorf("rate limit rates must be positive")
	}

	if c.Breaker.FailureThreshold < 1 {
		return fmt.Errorf("BREAKER_FAILURE_THRESHOLD must be positive, got %d", c.Breaker.FailureThreshold)
	}

	if c.Breaker.RecoveryTimeout <= 0 {
		return fmt.Errorf("BREAKER_RECOVERY_TIMEOUT must be positive, got %v", c.Breaker.RecoveryTimeout)
	}

	if c.Cache.Capacity < 1 {
		return fmt.Errorf("CACHE_CAPACITY must be positive, got %d", c.Cache.Capacity)
	}

	return nil
}

// DSN возвращает строку подключения к базе данных
func (d DatabaseConfig) DSN() string {
	return fmt.Sprintf("host=%s port=%d user=%s password=%s dbname=%s sslmode=%s",
		d.Host, d.Port, d.User, d.Password, d.Name, d.SSLMode)
}

// DSNWithoutPassword возвращает строку подключения без пароля (для логирования)
func (d DatabaseConfig) DSNWithoutPassword() string {
	return fmt.Sprintf("host=%s port=%d user=%s dbname=%s sslmode=%s",
		d.Host, d.Port, d.User, d.Name, d.SSLMode)
}

// Вспомогательные функции для чтения переменных окружения

func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func getEnvAsInt(key string, defaultValue int) int {
	valueStr := os.Getenv(key)
	if valueStr == "" {
		return defaultValue
	}
	value, err := strconv.Atoi(valueStr)
	if err != nil {
		return defaultValue
	}
	return value
}

func getEnvAsFloat(key string, defaultValue float64) float64 {
	valueStr := os.Getenv(key)
	if valueStr == "" {
		return defaultValue
	}
	value, err := strconv.ParseFloat(valueStr, 64)
	if err != nil {
		return defaultValue
	}
	return value
}

func getEnvAsBool(key string, defaultValue bool) bool {
	valueStr := os.Getenv(key)
	if valueStr == "" {
		return defaultValue
	}
	value, err := strconv.ParseBool(valueStr)
	if err != nil {
		return defaultValue
	}
	return value
}

func getEnvAsDuration(key string, defaultValue time.Duration) time.Duration {
	valueStr := os.Getenv(key)
	if valueStr == "" {
		return defaultValue
	}
	value, err := time.ParseDuration(valueStr)
	if err != nil {
		return defaultValue
	}
	return value
}

// getEnvAsTiers разбирает список "порог:значение,порог:значение"
//
// Некорректный элемент обнуляет весь список: частично применённая
// лесенка хуже лесенки по умолчанию.
func getEnvAsTiers(key string) []Tier {
	valueStr := os.Getenv(key)
	if valueStr == "" {
		return nil
	}

	var tiers []Tier
	for _, item := range strings.Split(valueStr, ",") {
		parts := strings.SplitN(strings.TrimSpace(item), ":", 2)
		if len(parts) != 2 {
			return nil
		}
		threshold, err := strconv.ParseFloat(strings.TrimSpace(parts[0]), 64)
		if err != nil {
			return nil
		}
		value, err := strconv.ParseFloat(strings.TrimSpace(parts[1]), 64)
		if err != nil {
			return nil
		}
		tiers = append(tiers, Tier{Threshold: threshold, Value: value})
	}
	return tiers
}

func getEnvAsList(key string) []string {
	valueStr := os.Getenv(key)
	if valueStr == "" {
		return nil
	}
	var out []string
	for _, item := range strings.Split(valueStr, ",") {
		item = strings.TrimSpace(item)
		if item != "" {
			out = append(out, item)
		}
	}
	return out
}
