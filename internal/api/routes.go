package api

import (
	"net/http"

	"github.com/gorilla/mux"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"

	"winiswin/internal/api/handlers"
	"winiswin/internal/api/middleware"
	"winiswin/internal/websocket"
)

// Dependencies содержит все зависимости для API handlers
type Dependencies struct {
	Engine    handlers.EngineInterface
	Trades    handlers.TradeStore
	Hub       *websocket.Hub
	TokenHash string // bcrypt-хеш bearer токена, пустой = auth отключен
	Logger    *zap.Logger
}

// SetupRoutes настраивает все HTTP маршруты приложения
//
// Структура маршрутов:
//
// /api/v1/
//
//	├── GET  /status - снимок состояния ядра
//	├── POST /breaker/reset - сброс circuit breaker
//	├── GET  /positions - открытые позиции (включая shadow)
//	├── POST /positions/{symbol}/close - ручное закрытие
//	├── GET  /trades - журнал сделок
//	└── GET  /trades/{symbol} - сделки по символу
//
// /ws/stream - WebSocket для real-time обновлений
// /metrics  - Prometheus метрики
// /health   - health check
//
// Middleware: Recovery -> Logging -> CORS для всех,
// Auth (bearer + bcrypt) только для /api/v1.
func SetupRoutes(deps *Dependencies) *mux.Router {
	router := mux.NewRouter()

	router.Use(middleware.Recovery(deps.Logger))
	router.Use(middleware.Logging(deps.Logger))
	router.Use(middleware.CORS)

	api := router.PathPrefix("/api/v1").Subrouter()
	api.Use(middleware.Auth(deps.TokenHash))

	if deps.Engine != nil {
		statusHandler := handlers.NewStatusHandler(deps.Engine)
		api.HandleFunc("/status", statusHandler.GetStatus).Methods("GET")
		api.HandleFunc("/breaker/reset", statusHandler.ResetBreaker).Methods("POST")

		positionHandler := handlers.NewPositionHandler(deps.Engine)
		api.HandleFunc("/positions", positionHandler.GetPositions).Methods("GET")
		api.HandleFunc("/positions/{symbol}/close", positionHandler.ClosePosition).Methods("POST")
	}

	if deps.Trades != nil {
		tradeHandler := handlers.NewTradeHandler(deps.Trades)
		api.HandleFunc("/trades", tradeHandler.GetTrades).Methods("GET")
		api.HandleFunc("/trades/{symbol}", tradeHandler.GetTradesBySymbol).Methods("GET")
	}

	if deps.Hub != nil {
		router.HandleFunc("/ws/stream", func(w http.ResponseWriter, r *http.Request) {
			websocket.ServeWS(deps.Hub, w, r)
		})
	}

	router.Handle("/metrics", promhttp.Handler()).Methods("GET")

	router.HandleFunc("/health", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		w.Write([]byte("OK"))
	}).Methods("GET")

	return router
}
