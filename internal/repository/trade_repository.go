package repository

import (
	"context"
	"database/sql"
	"errors"
	"time"

	"winiswin/internal/models"
)

// Ошибки репозитория сделок
var (
	ErrTradeNotFound = errors.New("trade not found")
)

// TradeRepository - работа с таблицей trades (журнал закрытых сделок)
//
// Запись immutable: сделка пишется один раз при закрытии позиции,
// виртуальные (shadow) сделки помечаются флагом virtual.
type TradeRepository struct {
	db *sql.DB
}

// NewTradeRepository создает новый экземпляр репозитория
func NewTradeRepository(db *sql.DB) *TradeRepository {
	return &TradeRepository{db: db}
}

// SaveTrade сохраняет запись о закрытой сделке
func (r *TradeRepository) SaveTrade(ctx context.Context, trade *models.ClosedTrade) error {
	query := `
		INSERT INTO trades (correlation_id, symbol, action, entry_price, exit_price, quantity, leverage, pnl, reason, confidence, strategy, virtual, opened_at, closed_at, duration_sec)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15)
		RETURNING id`

	return r.db.QueryRowContext(
		ctx,
		query,
		trade.CorrelationID,
		trade.Symbol,
		trade.Action,
		trade.EntryPrice,
		trade.ExitPrice,
		trade.Quantity,
		trade.Leverage,
		trade.Pnl,
		trade.Reason,
		trade.Confidence,
		trade.Strategy,
		trade.Virtual,
		trade.OpenedAt,
		trade.ClosedAt,
		trade.Duration,
	).Scan(&trade.ID)
}

// GetRecent возвращает последние N сделок
func (r *TradeRepository) GetRecent(ctx context.Context, limit int) ([]*models.ClosedTrade, error) {
	query := `
		SELECT id, correlation_id, symbol, action, entry_price, exit_price, quantity, leverage, pnl, reason, confidence, strategy, virtual, opened_at, closed_at, duration_sec
		FROM trades
		ORDER BY closed_at DESC
		LIMIT $1`

	rows, err := r.db.QueryContext(ctx, query, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	return scanTrades(rows)
}

// GetBySymbol возвращает сделки по символу
func (r *TradeRepository) GetBySymbol(ctx context.Context, symbol string, limit int) ([]*models.ClosedTrade, error) {
	query := `
		SELECT id, correlation_id, symbol, action, entry_price, exit_price, quantity, leverage, pnl, reason, confidence, strategy, virtual, opened_at, closed_at, duration_sec
		FROM trades
		WHERE symbol = $1
		ORDER BY closed_at DESC
		LIMIT $2`

	rows, err := r.db.QueryContext(ctx, query, symbol, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	return scanTrades(rows)
}

// GetByReason возвращает сделки с определенной причиной закрытия
func (r *TradeRepository) GetByReason(ctx context.Context, reason string, limit int) ([]*models.ClosedTrade, error) {
	query := `
		SELECT id, correlation_id, symbol, action, entry_price, exit_price, quantity, leverage, pnl, reason, confidence, strategy, virtual, opened_at, closed_at, duration_sec
		FROM trades
		WHERE reason = $1
		ORDER BY closed_at DESC
		LIMIT $2`

	rows, err := r.db.QueryContext(ctx, query, reason, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	return scanTrades(rows)
}

// TotalPnl возвращает суммарный PNL реальных сделок за период
//
// Виртуальные (shadow) сделки в сумму не входят.
func (r *TradeRepository) TotalPnl(ctx context.Context, from, to time.Time) (float64, error) {
	query := `
		SELECT COALESCE(SUM(pnl), 0)
		FROM trades
		WHERE virtual = false AND closed_at >= $1 AND closed_at <= $2`

	var total float64
	err := r.db.QueryRowContext(ctx, query, from, to).Scan(&total)
	if err != nil {
		return 0, err
	}

	return total, nil
}

// CountByReason возвращает количество сделок по причинам закрытия
func (r *TradeRepository) CountByReason(ctx context.Context) (map[string]int, error) {
	query := `
		SELECT reason, COUNT(*)
		FROM trades
		WHERE virtual = false
		GROUP BY reason`

	rows, err := r.db.QueryContext(ctx, query)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	counts := make(map[string]int)
	for rows.Next() {
		var reason string
		var count int
		if err := rows.Scan(&reason, &count); err != nil {
			return nil, err
		}
		counts[reason] = count
	}

	if err = rows.Err(); err != nil {
		return nil, err
	}

	return counts, nil
}

// DeleteOlderThan удаляет сделки старше указанной даты
func (r *TradeRepository) DeleteOlderThan(ctx context.Context, timestamp time.Time) (int64, error) {
	query := `DELETE FROM trades WHERE closed_at < $1`

	result, err := r.db.ExecContext(ctx, query, timestamp)
	if err != nil {
		return 0, err
	}

	return result.RowsAffected()
}

func scanTrades(rows *sql.Rows) ([]*models.ClosedTrade, error) {
	var trades []*models.ClosedTrade
	for rows.Next() {
		trade := &models.ClosedTrade{}
		err := rows.Scan(
			&trade.ID,
			&trade.CorrelationID,
			&trade.Symbol,
			&trade.Action,
			&trade.EntryPrice,
			&trade.ExitPrice,
			&trade.Quantity,
			&trade.Leverage,
			&trade.Pnl,
			&trade.Reason,
			&trade.Confidence,
			&trade.Strategy,
			&trade.Virtual,
			&trade.OpenedAt,
			&trade.ClosedAt,
			&trade.Duration,
		)
		if err != nil {
			return nil, err
		}
		trades = append(trades, trade)
	}

	if err := rows.Err(); err != nil {
		return nil, err
	}

	return trades, nil
}
