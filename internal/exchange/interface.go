// Package exchange предоставляет унифицированный интерфейс для работы
// с фьючерсной биржей (USDT-M perpetual).
package exchange

import (
	"context"
	"fmt"
	"time"
)

// Стороны ордера
const (
	SideBuy  = "BUY"
	SideSell = "SELL"
)

// Candle представляет одну свечу OHLCV
type Candle struct {
	OpenTime  time.Time `json:"open_time"`
	Open      float64   `json:"open"`
	High      float64   `json:"high"`
	Low       float64   `json:"low"`
	Close     float64   `json:"close"`
	Volume    float64   `json:"volume"`
	CloseTime time.Time `json:"close_time"`
}

// SymbolConstraints ограничения биржи для торговой пары
type SymbolConstraints struct {
	Symbol      string  `json:"symbol"`
	StepSize    float64 `json:"step_size"`    // шаг изменения объёма
	MinQty      float64 `json:"min_qty"`      // минимальный объём ордера
	MaxQty      float64 `json:"max_qty"`      // максимальный объём ордера
	MinNotional float64 `json:"min_notional"` // минимальная стоимость ордера (USDT)
	PricePrecision int  `json:"price_precision"`
}

// Order результат размещения ордера
type Order struct {
	OrderID       string    `json:"order_id"`
	Symbol        string    `json:"symbol"`
	Side          string    `json:"side"`
	Quantity      float64   `json:"quantity"`
	AvgFillPrice  float64   `json:"avg_fill_price"`
	Status        string    `json:"status"`
	ReduceOnly    bool      `json:"reduce_only"`
	CreatedAt     time.Time `json:"created_at"`
}

// ExchangePosition открытая позиция по данным биржи
// Используется при сверке состояния после рестарта
type ExchangePosition struct {
	Symbol     string  `json:"symbol"`
	Side       string  `json:"side"` // LONG или SHORT
	Quantity   float64 `json:"quantity"`
	EntryPrice float64 `json:"entry_price"`
	Leverage   int     `json:"leverage"`
	UnrealizedPnl float64 `json:"unrealized_pnl"`
}

// OpenOrder активный (неисполненный) ордер на бирже
// Нужен для проверки наличия защитных стопов
type OpenOrder struct {
	OrderID      string  `json:"order_id"`
	Symbol       string  `json:"symbol"`
	Side         string  `json:"side"`
	Type         string  `json:"type"` // STOP_MARKET, TAKE_PROFIT_MARKET
	TriggerPrice float64 `json:"trigger_price"`
	ReduceOnly   bool    `json:"reduce_only"`
}

// Exchange определяет интерфейс фьючерсной биржи
//
// Все методы принимают context для контроля таймаутов и отмены.
type Exchange interface {
	// GetName возвращает идентификатор биржи
	GetName() string

	// GetCandles возвращает исторические свечи
	// interval: "1m", "5m", "15m", "1h", "4h", "1d"
	GetCandles(ctx context.Context, symbol, interval string, limit int) ([]Candle, error)

	// GetPrice возвращает текущую цену символа
	GetPrice(ctx context.Context, symbol string) (float64, error)

	// GetBalance возвращает доступный баланс USDT
	GetBalance(ctx context.Context) (float64, error)

	// SetLeverage устанавливает плечо для символа перед открытием позиции
	SetLeverage(ctx context.Context, symbol string, leverage int) error

	// PlaceMarketOrder размещает рыночный ордер
	PlaceMarketOrder(ctx context.Context, symbol, side string, quantity float64) (*Order, error)

	// PlaceStopOrder размещает стоп-ордер (STOP_MARKET или TAKE_PROFIT_MARKET)
	// reduceOnly=true для защитных ордеров - только уменьшение позиции
	PlaceStopOrder(ctx context.Context, symbol, side, orderType string, quantity, triggerPrice float64, reduceOnly bool) (*Order, error)

	// CancelOrder отменяет активный ордер
	CancelOrder(ctx context.Context, symbol, orderID string) error

	// GetOpenPositions возвращает все открытые позиции аккаунта
	GetOpenPositions(ctx context.Context) ([]ExchangePosition, error)

	// GetOpenOrders возвращает активные ордера по символу
	GetOpenOrders(ctx context.Context, symbol string) ([]OpenOrder, error)

	// GetSymbolConstraints возвращает ограничения для торговой пары
	GetSymbolConstraints(ctx context.Context, symbol string) (*SymbolConstraints, error)

	// GetExchangeSymbols возвращает список торгуемых USDT-M символов
	GetExchangeSymbols(ctx context.Context) ([]string, error)

	// Close освобождает ресурсы (соединения)
	Close() error
}

// Типы стоп-ордеров
const (
	OrderTypeStopMarket       = "STOP_MARKET"
	OrderTypeTakeProfitMarket = "TAKE_PROFIT_MARKET"
)

// ExchangeError представляет ошибку от API биржи
type ExchangeError struct {
	Exchange string
	Code     string
	Message  string
}

func (e *ExchangeError) Error() string {
	return fmt.Sprintf("%s error %s: %s", e.Exchange, e.Code, e.Message)
}

// Retryable сообщает retry-слою можно ли повторять запрос
//
// Коды бизнес-отказов (недостаточно маржи, плохой символ) повторять
// бессмысленно, сетевые и rate-limit ошибки - можно.
func (e *ExchangeError) Retryable() bool {
	switch e.Code {
	case "-2019", "-4164", "-1121", "-1111":
		// insufficient margin, notional too small, invalid symbol, precision
		return false
	}
	return true
}
