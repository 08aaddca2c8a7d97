package services

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/microcosm-cc/bluemonday"
	"github.com/oklog/ulid/v2"

	domain "github.com/hanko-field/orderengine/internal/domain"
	"github.com/hanko-field/orderengine/internal/repositories"
)

const (
	movementIDPrefix = "mv_"
	maxReasonLength  = 500
)

// StockLedgerServiceDeps bundles the collaborators required to construct the stock ledger.
type StockLedgerServiceDeps struct {
	Stock       repositories.StockRepository
	UnitOfWork  repositories.UnitOfWork
	Clock       func() time.Time
	IDGenerator func() string
	Logger      func(ctx context.Context, event string, fields map[string]any)
}

type stockLedgerService struct {
	stock      repositories.StockRepository
	unitOfWork repositories.UnitOfWork
	clock      func() time.Time
	newID      func() string
	logger     func(context.Context, string, map[string]any)
	policy     *bluemonday.Policy
}

// NewStockLedgerService wires dependencies into a concrete StockLedgerService implementation.
func NewStockLedgerService(deps StockLedgerServiceDeps) (StockLedgerService, error) {
	if deps.Stock == nil {
		return nil, errors.New("stock ledger: stock repository is required")
	}

	unit := deps.UnitOfWork
	if unit == nil {
		unit = noopUnitOfWork{}
	}

	clock := deps.Clock
	if clock == nil {
		clock = time.Now
	}

	idGen := deps.IDGenerator
	if idGen == nil {
		idGen = func() string {
			return ulid.Make().String()
		}
	}

	logger := deps.Logger
	if logger == nil {
		logger = noopLogger
	}

	return &stockLedgerService{
		stock:      deps.Stock,
		unitOfWork: unit,
		clock: func() time.Time {
			return clock().UTC()
		},
		newID:  idGen,
		logger: logger,
		policy: bluemonday.StrictPolicy(),
	}, nil
}

func (s *stockLedgerService) Reserve(ctx context.Context, cmd StockChangeCommand) (StockMovement, error) {
	if cmd.Quantity <= 0 {
		return StockMovement{}, validationError("quantity must be positive")
	}
	return s.single(ctx, cmd.VariantID, -cmd.Quantity, cmd.MovementMeta)
}

func (s *stockLedgerService) Release(ctx context.Context, cmd StockChangeCommand) (StockMovement, error) {
	if cmd.Quantity <= 0 {
		return StockMovement{}, validationError("quantity must be positive")
	}
	return s.single(ctx, cmd.VariantID, cmd.Quantity, cmd.MovementMeta)
}

func (s *stockLedgerService) single(ctx context.Context, variantID string, delta int64, meta MovementMeta) (StockMovement, error) {
	result, err := s.ApplyChanges(ctx, []StockChange{{VariantID: variantID, Delta: delta}}, meta)
	if err != nil {
		return StockMovement{}, err
	}
	return result.Movements[0], nil
}

// Adjust books the difference to a counted quantity. A zero difference is still recorded.
func (s *stockLedgerService) Adjust(ctx context.Context, cmd StockAdjustCommand) (StockMovement, error) {
	variantID := strings.TrimSpace(cmd.VariantID)
	if variantID == "" {
		return StockMovement{}, validationError("variant id is required")
	}
	if cmd.NewQuantity < 0 {
		return StockMovement{}, validationError("stock quantity must not be negative")
	}
	meta := s.cleanMeta(cmd.MovementMeta)

	var movement StockMovement
	err := s.runInTx(ctx, func(txCtx context.Context) error {
		locked, err := s.stock.LockVariants(txCtx, []string{variantID})
		if err != nil {
			return mapRepositoryError(err, ErrVariantNotFound)
		}
		variant := locked[variantID]
		delta := cmd.NewQuantity - variant.Stock
		movement = s.newMovement(variant, domain.StockMovementAdjustment, delta, meta)
		if err := s.stock.ApplyMovement(txCtx, movement); err != nil {
			return mapRepositoryError(err, ErrVariantNotFound)
		}
		return nil
	})
	if err != nil {
		return StockMovement{}, err
	}

	s.logger(ctx, "stock.adjusted", map[string]any{
		"variantId": variantID,
		"delta":     movement.Delta,
		"balance":   movement.BalanceAfter,
		"actor":     meta.ActorID,
	})
	return movement, nil
}

func (s *stockLedgerService) ReserveAll(ctx context.Context, lines []StockLine, meta MovementMeta) (LedgerResult, error) {
	changes, err := linesToChanges(lines, -1)
	if err != nil {
		return LedgerResult{}, err
	}
	return s.ApplyChanges(ctx, changes, meta)
}

func (s *stockLedgerService) ReleaseAll(ctx context.Context, lines []StockLine, meta MovementMeta) (LedgerResult, error) {
	changes, err := linesToChanges(lines, 1)
	if err != nil {
		return LedgerResult{}, err
	}
	return s.ApplyChanges(ctx, changes, meta)
}

// ApplyChanges aggregates changes per variant, locks the variants in ascending id order and
// checks every balance before the first write, so a shortfall leaves no movement behind.
func (s *stockLedgerService) ApplyChanges(ctx context.Context, changes []StockChange, meta MovementMeta) (LedgerResult, error) {
	deltas, ids, err := aggregateChanges(changes)
	if err != nil {
		return LedgerResult{}, err
	}
	meta = s.cleanMeta(meta)

	var result LedgerResult
	err = s.runInTx(ctx, func(txCtx context.Context) error {
		locked, err := s.stock.LockVariants(txCtx, ids)
		if err != nil {
			return mapRepositoryError(err, ErrVariantNotFound)
		}
		for _, id := range ids {
			variant, ok := locked[id]
			if !ok {
				return fmt.Errorf("%w: %s", ErrVariantNotFound, id)
			}
			if after := variant.Stock + deltas[id]; after < 0 {
				return &InsufficientStockError{VariantID: id, Requested: -deltas[id], Available: variant.Stock}
			}
		}

		movements := make([]StockMovement, 0, len(ids))
		for _, id := range ids {
			delta := deltas[id]
			variant := locked[id]
			if delta == 0 {
				continue
			}
			kind := domain.StockMovementIn
			if delta < 0 {
				kind = domain.StockMovementOut
			}
			movement := s.newMovement(variant, kind, delta, meta)
			if err := s.stock.ApplyMovement(txCtx, movement); err != nil {
				return mapRepositoryError(err, ErrVariantNotFound)
			}
			variant.Stock = movement.BalanceAfter
			locked[id] = variant
			movements = append(movements, movement)
		}
		result = LedgerResult{Movements: movements, Variants: locked}
		return nil
	})
	if err != nil {
		var shortage *InsufficientStockError
		if errors.As(err, &shortage) {
			s.logger(ctx, "stock.insufficient", map[string]any{
				"variantId": shortage.VariantID,
				"requested": shortage.Requested,
				"available": shortage.Available,
				"reference": meta.Reference,
			})
		}
		return LedgerResult{}, err
	}
	return result, nil
}

func (s *stockLedgerService) ListMovements(ctx context.Context, variantID string, page Pagination) (domain.CursorPage[StockMovement], error) {
	variantID = strings.TrimSpace(variantID)
	if variantID == "" {
		return domain.CursorPage[StockMovement]{}, validationError("variant id is required")
	}
	if _, err := s.stock.FindVariant(ctx, variantID); err != nil {
		return domain.CursorPage[StockMovement]{}, mapRepositoryError(err, ErrVariantNotFound)
	}
	result, err := s.stock.ListMovements(ctx, repositories.MovementListFilter{VariantID: variantID, Pagination: page})
	if err != nil {
		return domain.CursorPage[StockMovement]{}, mapRepositoryError(err, ErrVariantNotFound)
	}
	return result, nil
}

// VerifyBalance compares the stock counter with the signed sum of the variant's movements.
func (s *stockLedgerService) VerifyBalance(ctx context.Context, variantID string) (BalanceReport, error) {
	variantID = strings.TrimSpace(variantID)
	if variantID == "" {
		return BalanceReport{}, validationError("variant id is required")
	}

	var report BalanceReport
	err := s.runInTx(ctx, func(txCtx context.Context) error {
		variant, err := s.stock.FindVariant(txCtx, variantID)
		if err != nil {
			return mapRepositoryError(err, ErrVariantNotFound)
		}
		sum, err := s.stock.SumMovements(txCtx, variantID)
		if err != nil {
			return mapRepositoryError(err, ErrVariantNotFound)
		}
		report = BalanceReport{
			VariantID:  variantID,
			Stock:      variant.Stock,
			LedgerSum:  sum,
			Drift:      variant.Stock - sum,
			Consistent: variant.Stock == sum,
			CheckedAt:  s.clock(),
		}
		return nil
	})
	if err != nil {
		return BalanceReport{}, err
	}
	if !report.Consistent {
		s.logger(ctx, "stock.balance.drift", map[string]any{
			"variantId": variantID,
			"stock":     report.Stock,
			"ledgerSum": report.LedgerSum,
			"drift":     report.Drift,
		})
	}
	return report, nil
}

func (s *stockLedgerService) newMovement(variant Variant, kind domain.StockMovementType, delta int64, meta MovementMeta) StockMovement {
	quantity := delta
	if quantity < 0 {
		quantity = -quantity
	}
	return StockMovement{
		ID:           movementIDPrefix + s.newID(),
		VariantID:    variant.ID,
		Type:         kind,
		Quantity:     quantity,
		Delta:        delta,
		BalanceAfter: variant.Stock + delta,
		Reason:       meta.Reason,
		Reference:    meta.Reference,
		CreatedBy:    meta.ActorID,
		CreatedAt:    s.clock(),
	}
}

// cleanMeta strips markup from free text reasons before they reach the immutable log.
func (s *stockLedgerService) cleanMeta(meta MovementMeta) MovementMeta {
	reason := strings.TrimSpace(s.policy.Sanitize(meta.Reason))
	if runes := []rune(reason); len(runes) > maxReasonLength {
		reason = string(runes[:maxReasonLength])
	}
	meta.Reason = reason
	meta.Reference = strings.TrimSpace(meta.Reference)
	meta.ActorID = strings.TrimSpace(meta.ActorID)
	if meta.ActorID == "" {
		meta.ActorID = "system"
	}
	return meta
}

func (s *stockLedgerService) runInTx(ctx context.Context, fn func(context.Context) error) error {
	return s.unitOfWork.RunInTx(ctx, fn)
}

func linesToChanges(lines []StockLine, sign int64) ([]StockChange, error) {
	if len(lines) == 0 {
		return nil, validationError("at least one line is required")
	}
	changes := make([]StockChange, 0, len(lines))
	for i, line := range lines {
		if line.Quantity <= 0 {
			return nil, validationError("lines[%d].quantity must be positive", i)
		}
		changes = append(changes, StockChange{VariantID: line.VariantID, Delta: sign * line.Quantity})
	}
	return changes, nil
}

// aggregateChanges folds changes into one delta per variant and returns the ids sorted.
func aggregateChanges(changes []StockChange) (map[string]int64, []string, error) {
	if len(changes) == 0 {
		return nil, nil, validationError("at least one stock change is required")
	}
	deltas := make(map[string]int64, len(changes))
	for i, change := range changes {
		id := strings.TrimSpace(change.VariantID)
		if id == "" {
			return nil, nil, validationError("changes[%d].variantId is required", i)
		}
		deltas[id] += change.Delta
	}
	ids := make([]string, 0, len(deltas))
	for id := range deltas {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return deltas, ids, nil
}

type noopUnitOfWork struct{}

func (noopUnitOfWork) RunInTx(ctx context.Context, fn func(context.Context) error) error {
	return fn(ctx)
}
