package repository

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"

	"winiswin/internal/models"
)

// ============================================================
// TradeRepository Tests
// ============================================================

func testTrade() *models.ClosedTrade {
	now := time.Now()
	return &models.ClosedTrade{
		CorrelationID: "corr-1",
		Symbol:        "BTCUSDT",
		Action:        models.ActionLong,
		EntryPrice:    100,
		ExitPrice:     98,
		Quantity:      0.2,
		Leverage:      10,
		Pnl:           -0.4,
		Reason:        models.ExitReasonStopLoss,
		Confidence:    90,
		Strategy:      "momentum",
		Virtual:       false,
		OpenedAt:      now.Add(-time.Hour),
		ClosedAt:      now,
		Duration:      3600,
	}
}

func TestTradeRepositorySave(t *testing.T) {
	tests := []struct {
		name        string
		mockSetup   func(mock sqlmock.Sqlmock)
		expectError bool
	}{
		{
			name: "success",
			mockSetup: func(mock sqlmock.Sqlmock) {
				mock.ExpectQuery(`INSERT INTO trades`).
					WithArgs("corr-1", "BTCUSDT", models.ActionLong, 100.0, 98.0, 0.2, 10, -0.4, models.ExitReasonStopLoss, 90.0, "momentum", false, sqlmock.AnyArg(), sqlmock.AnyArg(), 3600.0).
					WillReturnRows(sqlmock.NewRows([]string{"id"}).AddRow(7))
			},
			expectError: false,
		},
		{
			name: "database error",
			mockSetup: func(mock sqlmock.Sqlmock) {
				mock.ExpectQuery(`INSERT INTO trades`).
					WillReturnError(errors.New("database error"))
			},
			expectError: true,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			db, mock, err := sqlmock.New(sqlmock.QueryMatcherOption(sqlmock.QueryMatcherRegexp))
			if err != nil {
				t.Fatalf("failed to create mock: %v", err)
			}
			defer db.Close()

			tt.mockSetup(mock)

			repo := NewTradeRepository(db)
			trade := testTrade()
			err = repo.SaveTrade(context.Background(), trade)

			if tt.expectError && err == nil {
				t.Error("ожидали ошибку, получили nil")
			}
			if !tt.expectError {
				if err != nil {
					t.Errorf("неожиданная ошибка: %v", err)
				}
				if trade.ID != 7 {
					t.Errorf("ID = %d, ожидали 7 (RETURNING id)", trade.ID)
				}
			}
			if err := mock.ExpectationsWereMet(); err != nil {
				t.Errorf("unfulfilled expectations: %v", err)
			}
		})
	}
}

func tradeColumns() []string {
	return []string{"id", "correlation_id", "symbol", "action", "entry_price", "exit_price", "quantity", "leverage", "pnl", "reason", "confidence", "strategy", "virtual", "opened_at", "closed_at", "duration_sec"}
}

func TestTradeRepositoryGetRecent(t *testing.T) {
	db, mock, err := sqlmock.New(sqlmock.QueryMatcherOption(sqlmock.QueryMatcherRegexp))
	if err != nil {
		t.Fatalf("failed to create mock: %v", err)
	}
	defer db.Close()

	now := time.Now()
	rows := sqlmock.NewRows(tradeColumns()).
		AddRow(2, "corr-2", "ETHUSDT", models.ActionShort, 3000.0, 2910.0, 2.0, 5, 180.0, models.ExitReasonTakeProfit, 85.0, "momentum", false, now.Add(-time.Hour), now, 3600.0).
		AddRow(1, "corr-1", "BTCUSDT", models.ActionLong, 100.0, 98.0, 0.2, 10, -0.4, models.ExitReasonStopLoss, 90.0, "momentum", true, now.Add(-2*time.Hour), now.Add(-time.Hour), 3600.0)

	mock.ExpectQuery(`SELECT (.+) FROM trades`).
		WithArgs(10).
		WillReturnRows(rows)

	repo := NewTradeRepository(db)
	trades, err := repo.GetRecent(context.Background(), 10)
	if err != nil {
		t.Fatalf("GetRecent() error = %v", err)
	}

	if len(trades) != 2 {
		t.Fatalf("сделок %d, ожидали 2", len(trades))
	}
	if trades[0].Symbol != "ETHUSDT" || trades[0].Pnl != 180.0 {
		t.Errorf("первая сделка = %+v", trades[0])
	}
	if !trades[1].Virtual {
		t.Error("вторая сделка должна быть виртуальной")
	}
}

func TestTradeRepositoryTotalPnl(t *testing.T) {
	db, mock, err := sqlmock.New(sqlmock.QueryMatcherOption(sqlmock.QueryMatcherRegexp))
	if err != nil {
		t.Fatalf("failed to create mock: %v", err)
	}
	defer db.Close()

	from := time.Now().Add(-24 * time.Hour)
	to := time.Now()

	mock.ExpectQuery(`SELECT COALESCE\(SUM\(pnl\), 0\)`).
		WithArgs(from, to).
		WillReturnRows(sqlmock.NewRows([]string{"coalesce"}).AddRow(142.5))

	repo := NewTradeRepository(db)
	total, err := repo.TotalPnl(context.Background(), from, to)
	if err != nil {
		t.Fatalf("TotalPnl() error = %v", err)
	}
	if total != 142.5 {
		t.Errorf("total = %v, ожидали 142.5", total)
	}
}

func TestTradeRepositoryCountByReason(t *testing.T) {
	db, mock, err := sqlmock.New(sqlmock.QueryMatcherOption(sqlmock.QueryMatcherRegexp))
	if err != nil {
		t.Fatalf("failed to create mock: %v", err)
	}
	defer db.Close()

	rows := sqlmock.NewRows([]string{"reason", "count"}).
		AddRow(models.ExitReasonStopLoss, 3).
		AddRow(models.ExitReasonTakeProfit, 5)

	mock.ExpectQuery(`SELECT reason, COUNT`).WillReturnRows(rows)

	repo := NewTradeRepository(db)
	counts, err := repo.CountByReason(context.Background())
	if err != nil {
		t.Fatalf("CountByReason() error = %v", err)
	}

	if counts[models.ExitReasonStopLoss] != 3 || counts[models.ExitReasonTakeProfit] != 5 {
		t.Errorf("counts = %v", counts)
	}
}

func TestTradeRepositoryDeleteOlderThan(t *testing.T) {
	db, mock, err := sqlmock.New(sqlmock.QueryMatcherOption(sqlmock.QueryMatcherRegexp))
	if err != nil {
		t.Fatalf("failed to create mock: %v", err)
	}
	defer db.Close()

	cutoff := time.Now().Add(-30 * 24 * time.Hour)

	mock.ExpectExec(`DELETE FROM trades`).
		WithArgs(cutoff).
		WillReturnResult(sqlmock.NewResult(0, 12))

	repo := NewTradeRepository(db)
	deleted, err := repo.DeleteOlderThan(context.Background(), cutoff)
	if err != nil {
		t.Fatalf("DeleteOlderThan() error = %v", err)
	}
	if deleted != 12 {
		t.Errorf("deleted = %d, ожидали 12", deleted)
	}
}
