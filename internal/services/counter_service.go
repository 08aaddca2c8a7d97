package services

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/hanko-field/orderengine/internal/repositories"
)

// maxDailyOrders is the largest sequence the six digit suffix can print.
const maxDailyOrders = 999_999

// ErrCounterInvalidInput indicates the counter store rejected the request shape.
var ErrCounterInvalidInput = errors.New("counter: invalid input")

type CounterServiceDeps struct {
	Repository repositories.CounterRepository
	Clock      func() time.Time
	// Location decides when the daily sequence rolls over. Defaults to UTC.
	Location *time.Location
}

type counterService struct {
	repo  repositories.CounterRepository
	clock func() time.Time
	loc   *time.Location
}

func NewCounterService(deps CounterServiceDeps) (CounterService, error) {
	if deps.Repository == nil {
		return nil, errors.New("counter service: repository is required")
	}
	svc := &counterService{repo: deps.Repository, clock: deps.Clock, loc: deps.Location}
	if svc.clock == nil {
		svc.clock = time.Now
	}
	if svc.loc == nil {
		svc.loc = time.UTC
	}
	return svc, nil
}

// NextOrderReference returns ORD-YYYYMMDD-NNNNNN where the date is the business day in the
// configured location. Called inside the order transaction, a rolled back order gives its number
// back, so committed references have no gaps.
func (s *counterService) NextOrderReference(ctx context.Context) (string, error) {
	day := s.clock().In(s.loc).Format("20060102")
	value, err := s.repo.Next(ctx, "orders:"+day, 1)
	switch {
	case errors.Is(err, repositories.ErrInvalidCounter):
		return "", fmt.Errorf("%w: %v", ErrCounterInvalidInput, err)
	case err != nil:
		return "", mapRepositoryError(err, nil)
	case value > maxDailyOrders:
		return "", fmt.Errorf("%w: %s reached %d", ErrOrderReferencesExhausted, day, value)
	}
	return fmt.Sprintf("ORD-%s-%06d", day, value), nil
}
