package exchange

import (
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"go.uber.org/zap"
)

const (
	binanceFuturesBaseURL = "https://fapi.binance.com"
)

// Binance реализует Exchange для Binance USDT-M Futures
type Binance struct {
	apiKey    string
	secretKey string

	baseURL    string
	httpClient *http.Client
	logger     *zap.Logger
}

// NewBinance создаёт клиент Binance Futures
// Использует глобальный HTTP клиент с connection pooling
func NewBinance(apiKey, secretKey string, logger *zap.Logger) *Binance {
	return &Binance{
		apiKey:     apiKey,
		secretKey:  secretKey,
		baseURL:    binanceFuturesBaseURL,
		httpClient: GetGlobalHTTPClient().GetClient(),
		logger:     logger.Named("binance"),
	}
}

// SetBaseURL переопределяет endpoint (testnet, httptest в тестах)
func (b *Binance) SetBaseURL(u string) {
	b.baseURL = u
}

func (b *Binance) GetName() string {
	return "binance-futures"
}

// sign создаёт HMAC-SHA256 подпись строки параметров
func (b *Binance) sign(params string) string {
	h := hmac.New(sha256.New, []byte(b.secretKey))
	h.Write([]byte(params))
	return hex.EncodeToString(h.Sum(nil))
}

// parseFloat парсит строку в float64 с логированием ошибок
func (b *Binance) parseFloat(value, field string) float64 {
	result, err := strconv.ParseFloat(value, 64)
	if err != nil && value != "" {
		b.logger.Warn("failed to parse field",
			zap.String("field", field),
			zap.String("value", value),
			zap.Error(err))
	}
	return result
}

func (b *Binance) doRequest(ctx context.Context, method, endpoint string, params map[string]string, signed bool) ([]byte, error) {
	reqURL := b.baseURL + endpoint

	query := url.Values{}
	for k, v := range params {
		query.Set(k, v)
	}

	if signed {
		query.Set("timestamp", strconv.FormatInt(time.Now().UnixMilli(), 10))
		query.Set("recvWindow", "5000")
		query.Set("signature", b.sign(query.Encode()))
	}

	var reqBody string
	if method == http.MethodGet || method == http.MethodDelete {
		if len(query) > 0 {
			reqURL += "?" + query.Encode()
		}
	} else {
		reqBody = query.Encode()
	}

	req, err := http.NewRequestWithContext(ctx, method, reqURL, strings.NewReader(reqBody))
	if err != nil {
		return nil, err
	}

	if method == http.MethodPost {
		req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	}
	if b.apiKey != "" {
		req.Header.Set("X-MBX-APIKEY", b.apiKey)
	}

	resp, err := b.httpClient.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, err
	}

	if resp.StatusCode != http.StatusOK {
		var apiErr struct {
			Code int    `json:"code"`
			Msg  string `json:"msg"`
		}
		if json.Unmarshal(body, &apiErr) == nil && apiErr.Code != 0 {
			return nil, &ExchangeError{
				Exchange: "binance",
				Code:     strconv.Itoa(apiErr.Code),
				Message:  apiErr.Msg,
			}
		}
		return nil, &ExchangeError{
			Exchange: "binance",
			Code:     strconv.Itoa(resp.StatusCode),
			Message:  string(body),
		}
	}

	return body, nil
}

// GetCandles возвращает свечи /fapi/v1/klines
func (b *Binance) GetCandles(ctx context.Context, symbol, interval string, limit int) ([]Candle, error) {
	params := map[string]string{
		"symbol":   symbol,
		"interval": interval,
		"limit":    strconv.Itoa(limit),
	}

	body, err := b.doRequest(ctx, http.MethodGet, "/fapi/v1/klines", params, false)
	if err != nil {
		return nil, err
	}

	// Binance возвращает массив массивов смешанных типов
	var raw [][]json.RawMessage
	if err := json.Unmarshal(body, &raw); err != nil {
		return nil, fmt.Errorf("failed to decode klines: %w", err)
	}

	candles := make([]Candle, 0, len(raw))
	for _, k := range raw {
		if len(k) < 7 {
			continue
		}

		var openTime, closeTime int64
		var open, high, low, closePrice, volume string

		if err := json.Unmarshal(k[0], &openTime); err != nil {
			continue
		}
		_ = json.Unmarshal(k[1], &open)
		_ = json.Unmarshal(k[2], &high)
		_ = json.Unmarshal(k[3], &low)
		_ = json.Unmarshal(k[4], &closePrice)
		_ = json.Unmarshal(k[5], &volume)
		_ = json.Unmarshal(k[6], &closeTime)

		candles = append(candles, Candle{
			OpenTime:  time.UnixMilli(openTime),
			Open:      b.parseFloat(open, "open"),
			High:      b.parseFloat(high, "high"),
			Low:       b.parseFloat(low, "low"),
			Close:     b.parseFloat(closePrice, "close"),
			Volume:    b.parseFloat(volume, "volume"),
			CloseTime: time.UnixMilli(closeTime),
		})
	}

	return candles, nil
}

// GetPrice возвращает текущую цену /fapi/v1/ticker/price
func (b *Binance) GetPrice(ctx context.Context, symbol string) (float64, error) {
	params := map[string]string{"symbol": symbol}

	body, err := b.doRequest(ctx, http.MethodGet, "/fapi/v1/ticker/price", params, false)
	if err != nil {
		return 0, err
	}

	var resp struct {
		Symbol string `json:"symbol"`
		Price  string `json:"price"`
	}
	if err := json.Unmarshal(body, &resp); err != nil {
		return 0, err
	}

	price := b.parseFloat(resp.Price, "price")
	if price <= 0 {
		return 0, fmt.Errorf("invalid price for %s: %q", symbol, resp.Price)
	}

	return price, nil
}

// GetBalance возвращает доступный баланс USDT /fapi/v2/balance
func (b *Binance) GetBalance(ctx context.Context) (float64, error) {
	body, err := b.doRequest(ctx, http.MethodGet, "/fapi/v2/balance", nil, true)
	if err != nil {
		return 0, err
	}

	var resp []struct {
		Asset            string `json:"asset"`
		AvailableBalance string `json:"availableBalance"`
	}
	if err := json.Unmarshal(body, &resp); err != nil {
		return 0, err
	}

	for _, asset := range resp {
		if asset.Asset == "USDT" {
			return b.parseFloat(asset.AvailableBalance, "availableBalance"), nil
		}
	}

	return 0, nil
}

// SetLeverage устанавливает плечо /fapi/v1/leverage
func (b *Binance) SetLeverage(ctx context.Context, symbol string, leverage int) error {
	params := map[string]string{
		"symbol":   symbol,
		"leverage": strconv.Itoa(leverage),
	}

	_, err := b.doRequest(ctx, http.MethodPost, "/fapi/v1/leverage", params, true)
	return err
}

// PlaceMarketOrder размещает рыночный ордер /fapi/v1/order
func (b *Binance) PlaceMarketOrder(ctx context.Context, symbol, side string, quantity float64) (*Order, error) {
	params := map[string]string{
		"symbol":           symbol,
		"side":             side,
		"type":             "MARKET",
		"quantity":         strconv.FormatFloat(quantity, 'f', -1, 64),
		"newOrderRespType": "RESULT", // ждём исполнения чтобы получить avgPrice
	}

	body, err := b.doRequest(ctx, http.MethodPost, "/fapi/v1/order", params, true)
	if err != nil {
		return nil, err
	}

	return b.parseOrderResponse(body)
}

// PlaceStopOrder размещает стоп-ордер (STOP_MARKET / TAKE_PROFIT_MARKET)
//
// workingType=MARK_PRICE - триггер по mark price, устойчивее
// к манипуляциям last price на тонких стаканах.
func (b *Binance) PlaceStopOrder(ctx context.Context, symbol, side, orderType string, quantity, triggerPrice float64, reduceOnly bool) (*Order, error) {
	params := map[string]string{
		"symbol":      symbol,
		"side":        side,
		"type":        orderType,
		"quantity":    strconv.FormatFloat(quantity, 'f', -1, 64),
		"stopPrice":   strconv.FormatFloat(triggerPrice, 'f', -1, 64),
		"workingType": "MARK_PRICE",
	}
	if reduceOnly {
		params["reduceOnly"] = "true"
	}

	body, err := b.doRequest(ctx, http.MethodPost, "/fapi/v1/order", params, true)
	if err != nil {
		return nil, err
	}

	return b.parseOrderResponse(body)
}

func (b *Binance) parseOrderResponse(body []byte) (*Order, error) {
	var resp struct {
		OrderID     int64  `json:"orderId"`
		Symbol      string `json:"symbol"`
		Side        string `json:"side"`
		Status      string `json:"status"`
		ExecutedQty string `json:"executedQty"`
		AvgPrice    string `json:"avgPrice"`
		ReduceOnly  bool   `json:"reduceOnly"`
		UpdateTime  int64  `json:"updateTime"`
	}
	if err := json.Unmarshal(body, &resp); err != nil {
		return nil, fmt.Errorf("failed to decode order response: %w", err)
	}

	return &Order{
		OrderID:      strconv.FormatInt(resp.OrderID, 10),
		Symbol:       resp.Symbol,
		Side:         resp.Side,
		Quantity:     b.parseFloat(resp.ExecutedQty, "executedQty"),
		AvgFillPrice: b.parseFloat(resp.AvgPrice, "avgPrice"),
		Status:       resp.Status,
		ReduceOnly:   resp.ReduceOnly,
		CreatedAt:    time.UnixMilli(resp.UpdateTime),
	}, nil
}

// CancelOrder отменяет активный ордер
func (b *Binance) CancelOrder(ctx context.Context, symbol, orderID string) error {
	params := map[string]string{
		"symbol":  symbol,
		"orderId": orderID,
	}

	_, err := b.doRequest(ctx, http.MethodDelete, "/fapi/v1/order", params, true)
	return err
}

// GetOpenPositions возвращает открытые позиции /fapi/v2/positionRisk
func (b *Binance) GetOpenPositions(ctx context.Context) ([]ExchangePosition, error) {
	body, err := b.doRequest(ctx, http.MethodGet, "/fapi/v2/positionRisk", nil, true)
	if err != nil {
		return nil, err
	}

	var resp []struct {
		Symbol           string `json:"symbol"`
		PositionAmt      string `json:"positionAmt"`
		EntryPrice       string `json:"entryPrice"`
		Leverage         string `json:"leverage"`
		UnRealizedProfit string `json:"unRealizedProfit"`
	}
	if err := json.Unmarshal(body, &resp); err != nil {
		return nil, err
	}

	positions := make([]ExchangePosition, 0)
	for _, p := range resp {
		amt := b.parseFloat(p.PositionAmt, "positionAmt")
		if amt == 0 {
			continue // нет позиции по символу
		}

		side := "LONG"
		if amt < 0 {
			side = "SHORT"
			amt = -amt
		}

		positions = append(positions, ExchangePosition{
			Symbol:        p.Symbol,
			Side:          side,
			Quantity:      amt,
			EntryPrice:    b.parseFloat(p.EntryPrice, "entryPrice"),
			Leverage:      int(b.parseFloat(p.Leverage, "leverage")),
			UnrealizedPnl: b.parseFloat(p.UnRealizedProfit, "unRealizedProfit"),
		})
	}

	return positions, nil
}

// GetOpenOrders возвращает активные ордера по символу /fapi/v1/openOrders
func (b *Binance) GetOpenOrders(ctx context.Context, symbol string) ([]OpenOrder, error) {
	params := map[string]string{"symbol": symbol}

	body, err := b.doRequest(ctx, http.MethodGet, "/fapi/v1/openOrders", params, true)
	if err != nil {
		return nil, err
	}

	var resp []struct {
		OrderID    int64  `json:"orderId"`
		Symbol     string `json:"symbol"`
		Side       string `json:"side"`
		Type       string `json:"type"`
		StopPrice  string `json:"stopPrice"`
		ReduceOnly bool   `json:"reduceOnly"`
	}
	if err := json.Unmarshal(body, &resp); err != nil {
		return nil, err
	}

	orders := make([]OpenOrder, 0, len(resp))
	for _, o := range resp {
		orders = append(orders, OpenOrder{
			OrderID:      strconv.FormatInt(o.OrderID, 10),
			Symbol:       o.Symbol,
			Side:         o.Side,
			Type:         o.Type,
			TriggerPrice: b.parseFloat(o.StopPrice, "stopPrice"),
			ReduceOnly:   o.ReduceOnly,
		})
	}

	return orders, nil
}

// GetSymbolConstraints возвращает ограничения пары из /fapi/v1/exchangeInfo
func (b *Binance) GetSymbolConstraints(ctx context.Context, symbol string) (*SymbolConstraints, error) {
	info, err := b.exchangeInfo(ctx, symbol)
	if err != nil {
		return nil, err
	}

	for _, s := range info.Symbols {
		if s.Symbol != symbol {
			continue
		}

		constraints := &SymbolConstraints{
			Symbol:         s.Symbol,
			PricePrecision: s.PricePrecision,
		}

		for _, f := range s.Filters {
			switch f.FilterType {
			case "LOT_SIZE":
				constraints.StepSize = b.parseFloat(f.StepSize, "stepSize")
				constraints.MinQty = b.parseFloat(f.MinQty, "minQty")
				constraints.MaxQty = b.parseFloat(f.MaxQty, "maxQty")
			case "MIN_NOTIONAL":
				constraints.MinNotional = b.parseFloat(f.Notional, "notional")
			}
		}

		return constraints, nil
	}

	return nil, &ExchangeError{
		Exchange: "binance",
		Code:     "-1121",
		Message:  fmt.Sprintf("symbol not found: %s", symbol),
	}
}

// GetExchangeSymbols возвращает торгуемые USDT-M perpetual символы
func (b *Binance) GetExchangeSymbols(ctx context.Context) ([]string, error) {
	info, err := b.exchangeInfo(ctx, "")
	if err != nil {
		return nil, err
	}

	symbols := make([]string, 0, len(info.Symbols))
	for _, s := range info.Symbols {
		if s.Status == "TRADING" && s.ContractType == "PERPETUAL" && strings.HasSuffix(s.Symbol, "USDT") {
			symbols = append(symbols, s.Symbol)
		}
	}

	return symbols, nil
}

type exchangeInfoResponse struct {
	Symbols []struct {
		Symbol         string `json:"symbol"`
		Status         string `json:"status"`
		ContractType   string `json:"contractType"`
		PricePrecision int    `json:"pricePrecision"`
		Filters        []struct {
			FilterType string `json:"filterType"`
			StepSize   string `json:"stepSize"`
			MinQty     string `json:"minQty"`
			MaxQty     string `json:"maxQty"`
			Notional   string `json:"notional"`
		} `json:"filters"`
	} `json:"symbols"`
}

func (b *Binance) exchangeInfo(ctx context.Context, symbol string) (*exchangeInfoResponse, error) {
	var params map[string]string
	if symbol != "" {
		params = map[string]string{"symbol": symbol}
	}

	body, err := b.doRequest(ctx, http.MethodGet, "/fapi/v1/exchangeInfo", params, false)
	if err != nil {
		return nil, err
	}

	var info exchangeInfoResponse
	if err := json.Unmarshal(body, &info); err != nil {
		return nil, fmt.Errorf("failed to decode exchangeInfo: %w", err)
	}

	return &info, nil
}

// Close закрывает idle соединения глобального клиента
func (b *Binance) Close() error {
	GetGlobalHTTPClient().Close()
	return nil
}
