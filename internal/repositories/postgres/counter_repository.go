package postgres

import (
	"context"
	"errors"
	"strings"

	"github.com/jackc/pgx/v5/pgxpool"

	pg "github.com/hanko-field/orderengine/internal/platform/postgres"
	"github.com/hanko-field/orderengine/internal/repositories"
)

// CounterRepository stores named sequences in the counters table.
type CounterRepository struct {
	pool *pgxpool.Pool
}

var _ repositories.CounterRepository = (*CounterRepository)(nil)

// NewCounterRepository constructs the counter repository.
func NewCounterRepository(pool *pgxpool.Pool) (*CounterRepository, error) {
	if pool == nil {
		return nil, errors.New("counter repository: pool is required")
	}
	return &CounterRepository{pool: pool}, nil
}

// Next increments the counter by step (default 1) and returns the new value. Inside a unit of work
// the increment rolls back with the transaction, so committed values have no gaps.
func (r *CounterRepository) Next(ctx context.Context, counterID string, step int64) (int64, error) {
	counterID = strings.TrimSpace(counterID)
	if counterID == "" {
		return 0, &repositories.CounterError{Step: step, Reason: "counter id is required"}
	}
	if step < 0 {
		return 0, &repositories.CounterError{CounterID: counterID, Step: step, Reason: "step must not be negative"}
	}
	if step == 0 {
		step = 1
	}

	var value int64
	err := pg.Conn(ctx, r.pool).QueryRow(ctx, `
		INSERT INTO counters (id, value, updated_at) VALUES ($1, $2, now())
		ON CONFLICT (id) DO UPDATE SET value = counters.value + EXCLUDED.value, updated_at = now()
		RETURNING value`, counterID, step).Scan(&value)
	if err != nil {
		return 0, pg.WrapError("counters.next", err)
	}
	return value, nil
}
