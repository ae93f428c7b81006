package repository

import (
	"context"
	"database/sql"
	"errors"

	"winiswin/internal/models"
)

// Ошибки репозитория позиций
var (
	ErrPositionNotFound = errors.New("position not found")
)

// PositionRepository - работа с таблицей positions
//
// Таблица держит только ОТКРЫТЫЕ позиции, реальные и виртуальные
// (shadow, флаг virtual): запись создаётся при входе и удаляется при
// закрытии. После рестарта содержимое таблицы - это источник
// восстановления состояния ядра.
type PositionRepository struct {
	db *sql.DB
}

// NewPositionRepository создает новый экземпляр репозитория
func NewPositionRepository(db *sql.DB) *PositionRepository {
	return &PositionRepository{db: db}
}

// SavePosition сохраняет или обновляет открытую позицию
//
// Upsert по symbol: подтяжка защитных уровней и рост возраста
// shadow-позиции перезаписывают запись.
func (r *PositionRepository) SavePosition(ctx context.Context, pos *models.Position) error {
	query := `
		INSERT INTO positions (symbol, action, entry_price, quantity, stop_loss, take_profit, leverage, allocated_margin, confidence, strategy, correlation_id, protected, virtual, age_cycles, opened_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15)
		ON CONFLICT (symbol) DO UPDATE SET
			stop_loss = EXCLUDED.stop_loss,
			take_profit = EXCLUDED.take_profit,
			protected = EXCLUDED.protected,
			age_cycles = EXCLUDED.age_cycles`

	_, err := r.db.ExecContext(
		ctx,
		query,
		pos.Symbol,
		pos.Action,
		pos.EntryPrice,
		pos.Quantity,
		pos.StopLoss,
		pos.TakeProfit,
		pos.Leverage,
		pos.AllocatedMargin,
		pos.ConfidenceAtEntry,
		pos.Strategy,
		pos.CorrelationID,
		pos.Protected,
		pos.Virtual,
		pos.AgeCycles,
		pos.OpenedAt,
	)

	return err
}

// DeletePosition удаляет позицию по символу
func (r *PositionRepository) DeletePosition(ctx context.Context, symbol string) error {
	query := `DELETE FROM positions WHERE symbol = $1`

	result, err := r.db.ExecContext(ctx, query, symbol)
	if err != nil {
		return err
	}

	rowsAffected, err := result.RowsAffected()
	if err != nil {
		return err
	}

	if rowsAffected == 0 {
		return ErrPositionNotFound
	}

	return nil
}

// LoadPositions возвращает все открытые позиции, включая виртуальные
func (r *PositionRepository) LoadPositions(ctx context.Context) ([]*models.Position, error) {
	query := `
		SELECT symbol, action, entry_price, quantity, stop_loss, take_profit, leverage, allocated_margin, confidence, strategy, correlation_id, protected, virtual, age_cycles, opened_at
		FROM positions
		ORDER BY opened_at`

	rows, err := r.db.QueryContext(ctx, query)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var positions []*models.Position
	for rows.Next() {
		pos := &models.Position{}
		err := rows.Scan(
			&pos.Symbol,
			&pos.Action,
			&pos.EntryPrice,
			&pos.Quantity,
			&pos.StopLoss,
			&pos.TakeProfit,
			&pos.Leverage,
			&pos.AllocatedMargin,
			&pos.ConfidenceAtEntry,
			&pos.Strategy,
			&pos.CorrelationID,
			&pos.Protected,
			&pos.Virtual,
			&pos.AgeCycles,
			&pos.OpenedAt,
		)
		if err != nil {
			return nil, err
		}
		positions = append(positions, pos)
	}

	if err = rows.Err(); err != nil {
		return nil, err
	}

	return positions, nil
}

// GetBySymbol возвращает позицию по символу
func (r *PositionRepository) GetBySymbol(ctx context.Context, symbol string) (*models.Position, error) {
	query := `
		SELECT symbol, action, entry_price, quantity, stop_loss, take_profit, leverage, allocated_margin, confidence, strategy, correlation_id, protected, virtual, age_cycles, opened_at
		FROM positions
		WHERE symbol = $1`

	pos := &models.Position{}
	err := r.db.QueryRowContext(ctx, query, symbol).Scan(
		&pos.Symbol,
		&pos.Action,
		&pos.EntryPrice,
		&pos.Quantity,
		&pos.StopLoss,
		&pos.TakeProfit,
		&pos.Leverage,
		&pos.AllocatedMargin,
		&pos.ConfidenceAtEntry,
		&pos.Strategy,
		&pos.CorrelationID,
		&pos.Protected,
		&pos.Virtual,
		&pos.AgeCycles,
		&pos.OpenedAt,
	)

	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrPositionNotFound
		}
		return nil, err
	}

	return pos, nil
}

// Count возвращает количество открытых позиций
func (r *PositionRepository) Count(ctx context.Context) (int, error) {
	query := `SELECT COUNT(*) FROM positions`

	var count int
	err := r.db.QueryRowContext(ctx, query).Scan(&count)
	if err != nil {
		return 0, err
	}

	return count, nil
}
