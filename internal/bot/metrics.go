package bot

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// ============================================================
// Prometheus метрики торгового ядра
// ============================================================
//
// Использование:
// - Grafana дашборды для визуализации
// - Alertmanager для уведомлений о проблемах

// ============ Метрики цикла ============

// CycleDuration - длительность полного торгового цикла
var CycleDuration = promauto.NewHistogram(
	prometheus.HistogramOpts{
		Namespace: "autopilot",
		Subsystem: "engine",
		Name:      "cycle_duration_seconds",
		Help:      "Full trading cycle duration in seconds",
		Buckets:   []float64{0.5, 1, 2, 5, 10, 20, 30, 60},
	},
)

// CyclesTotal - количество завершённых циклов
var CyclesTotal = promauto.NewCounter(
	prometheus.CounterOpts{
		Namespace: "autopilot",
		Subsystem: "engine",
		Name:      "cycles_total",
		Help:      "Total number of completed trading cycles",
	},
)

// ============ Метрики позиций ============

// OpenPositions - текущее количество открытых позиций
var OpenPositions = promauto.NewGauge(
	prometheus.GaugeOpts{
		Namespace: "autopilot",
		Subsystem: "engine",
		Name:      "open_positions",
		Help:      "Current number of open positions",
	},
)

// ShadowPositions - текущее количество shadow-позиций
var ShadowPositions = promauto.NewGauge(
	prometheus.GaugeOpts{
		Namespace: "autopilot",
		Subsystem: "engine",
		Name:      "shadow_positions",
		Help:      "Current number of shadow (virtual) positions",
	},
)

// TradesClosed - закрытые сделки по причинам выхода
var TradesClosed = promauto.NewCounterVec(
	prometheus.CounterOpts{
		Namespace: "autopilot",
		Subsystem: "engine",
		Name:      "trades_closed_total",
		Help:      "Total number of closed trades by exit reason",
	},
	[]string{"reason", "virtual"},
)

// PnlRealized - суммарный реализованный PNL в USDT
var PnlRealized = promauto.NewGauge(
	prometheus.GaugeOpts{
		Namespace: "autopilot",
		Subsystem: "engine",
		Name:      "pnl_realized_usdt",
		Help:      "Cumulative realized PnL in USDT",
	},
)

// AccountBalance - баланс аккаунта в USDT
var AccountBalance = promauto.NewGauge(
	prometheus.GaugeOpts{
		Namespace: "autopilot",
		Subsystem: "engine",
		Name:      "account_balance_usdt",
		Help:      "Account balance in USDT",
	},
)

// UnprotectedPositions - позиции без защитных ордеров, требуют вмешательства
var UnprotectedPositions = promauto.NewGauge(
	prometheus.GaugeOpts{
		Namespace: "autopilot",
		Subsystem: "risk",
		Name:      "unprotected_positions",
		Help:      "Positions with no protective orders placed (critical)",
	},
)

// ============ Метрики допуска ============

// SignalsAdmitted - допущенные к исполнению сигналы
var SignalsAdmitted = promauto.NewCounter(
	prometheus.CounterOpts{
		Namespace: "autopilot",
		Subsystem: "engine",
		Name:      "signals_admitted_total",
		Help:      "Total number of admitted signals",
	},
)

// SignalsRejected - отклонённые сигналы по причинам
var SignalsRejected = promauto.NewCounterVec(
	prometheus.CounterOpts{
		Namespace: "autopilot",
		Subsystem: "engine",
		Name:      "signals_rejected_total",
		Help:      "Total number of rejected signals by reason",
	},
	[]string{"reason"},
)

// AdjustmentsApplied - применённые подтяжки стопа/цели
var AdjustmentsApplied = promauto.NewCounterVec(
	prometheus.CounterOpts{
		Namespace: "autopilot",
		Subsystem: "engine",
		Name:      "adjustments_applied_total",
		Help:      "Ratcheted stop/target adjustments by field",
	},
	[]string{"field"}, // stop_loss, take_profit
)

// ============ Метрики защитных слоёв ============

// BreakerState - состояние circuit breaker (0=closed, 1=open, 2=half-open)
var BreakerState = promauto.NewGauge(
	prometheus.GaugeOpts{
		Namespace: "autopilot",
		Subsystem: "guards",
		Name:      "breaker_state",
		Help:      "Circuit breaker state (0=closed, 1=open, 2=half-open)",
	},
)

// RateLimitDenials - накопленные отказы rate limiter'а по классам
var RateLimitDenials = promauto.NewGaugeVec(
	prometheus.GaugeOpts{
		Namespace: "autopilot",
		Subsystem: "guards",
		Name:      "rate_limit_denials_total",
		Help:      "Cumulative rate limiter denials by request class",
	},
	[]string{"class"},
)

// CacheHitRatio - доля попаданий в кеш рыночных данных
var CacheHitRatio = promauto.NewGauge(
	prometheus.GaugeOpts{
		Namespace: "autopilot",
		Subsystem: "guards",
		Name:      "cache_hit_ratio",
		Help:      "Market data cache hit ratio",
	},
)

// ============ Вспомогательные функции ============

// RecordTradeClosed записывает закрытие сделки
func RecordTradeClosed(reason string, virtual bool, totalPnl float64) {
	virtualStr := "no"
	if virtual {
		virtualStr = "yes"
	}
	TradesClosed.WithLabelValues(reason, virtualStr).Inc()
	if !virtual {
		PnlRealized.Set(totalPnl)
	}
}

// RecordRejection записывает отклонение сигнала
func RecordRejection(reason string) {
	SignalsRejected.WithLabelValues(reason).Inc()
}
