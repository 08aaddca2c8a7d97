package postgres

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/hanko-field/orderengine/internal/domain"
	"github.com/hanko-field/orderengine/internal/platform/pagination"
	pg "github.com/hanko-field/orderengine/internal/platform/postgres"
	"github.com/hanko-field/orderengine/internal/repositories"
)

const (
	defaultMovementPageSize = 50
	maxMovementPageSize     = 200
	stockNonNegativeCheck   = "variants_stock_non_negative"
)

// StockRepository persists variant stock counters and the movement ledger.
type StockRepository struct {
	pool *pgxpool.Pool
}

var _ repositories.StockRepository = (*StockRepository)(nil)

// NewStockRepository constructs the ledger repository.
func NewStockRepository(pool *pgxpool.Pool) (*StockRepository, error) {
	if pool == nil {
		return nil, errors.New("stock repository: pool is required")
	}
	return &StockRepository{pool: pool}, nil
}

const variantColumns = `id, product_id, product_name, label, sku, price, stock, updated_at`

func (r *StockRepository) LockVariants(ctx context.Context, variantIDs []string) (map[string]domain.Variant, error) {
	if !pg.InTx(ctx) {
		return nil, pg.WrapError("stock.lock", errors.New("row locks require a transaction"))
	}
	ids := uniqueSorted(variantIDs)
	if len(ids) == 0 {
		return map[string]domain.Variant{}, nil
	}

	// ORDER BY id keeps lock acquisition order stable across concurrent writers.
	rows, err := pg.Conn(ctx, r.pool).Query(ctx,
		`SELECT `+variantColumns+` FROM variants WHERE id = ANY($1) ORDER BY id FOR UPDATE`, ids)
	if err != nil {
		return nil, pg.WrapError("stock.lock", err)
	}
	variants, err := pgx.CollectRows(rows, func(row pgx.CollectableRow) (domain.Variant, error) {
		return scanVariant(row)
	})
	if err != nil {
		return nil, pg.WrapError("stock.lock", err)
	}

	result := make(map[string]domain.Variant, len(variants))
	for _, variant := range variants {
		result[variant.ID] = variant
	}
	for _, id := range ids {
		if _, ok := result[id]; !ok {
			return nil, repositories.NewStockError(repositories.StockErrorVariantNotFound, id, fmt.Sprintf("variant %s not found", id), nil)
		}
	}
	return result, nil
}

func (r *StockRepository) FindVariant(ctx context.Context, variantID string) (domain.Variant, error) {
	row := pg.Conn(ctx, r.pool).QueryRow(ctx, `SELECT `+variantColumns+` FROM variants WHERE id = $1`, variantID)
	variant, err := scanVariant(row)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return domain.Variant{}, repositories.NewStockError(repositories.StockErrorVariantNotFound, variantID, fmt.Sprintf("variant %s not found", variantID), err)
		}
		return domain.Variant{}, pg.WrapError("stock.find_variant", err)
	}
	return variant, nil
}

func (r *StockRepository) ApplyMovement(ctx context.Context, movement domain.StockMovement) error {
	if !pg.InTx(ctx) {
		return pg.WrapError("stock.apply", errors.New("movements require a transaction"))
	}
	conn := pg.Conn(ctx, r.pool)

	tag, err := conn.Exec(ctx,
		`UPDATE variants SET stock = $2, updated_at = $3 WHERE id = $1`,
		movement.VariantID, movement.BalanceAfter, movement.CreatedAt)
	if err != nil {
		wrapped := pg.WrapError("stock.apply", err)
		var pgErr *pg.Error
		if errors.As(wrapped, &pgErr) && pgErr.Constraint() == stockNonNegativeCheck {
			return repositories.NewStockError(repositories.StockErrorNegativeBalance, movement.VariantID, "stock would become negative", wrapped)
		}
		return wrapped
	}
	if tag.RowsAffected() != 1 {
		return repositories.NewStockError(repositories.StockErrorVariantNotFound, movement.VariantID, fmt.Sprintf("variant %s not found", movement.VariantID), nil)
	}

	_, err = conn.Exec(ctx, `
		INSERT INTO stock_movements (id, variant_id, type, quantity, delta, balance_after, reason, reference, created_by, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)`,
		movement.ID,
		movement.VariantID,
		string(movement.Type),
		movement.Quantity,
		movement.Delta,
		movement.BalanceAfter,
		movement.Reason,
		movement.Reference,
		movement.CreatedBy,
		movement.CreatedAt,
	)
	return pg.WrapError("stock.append_movement", err)
}

func (r *StockRepository) ListMovements(ctx context.Context, filter repositories.MovementListFilter) (domain.CursorPage[domain.StockMovement], error) {
	pageSize := filter.Pagination.PageSize
	if pageSize <= 0 {
		pageSize = defaultMovementPageSize
	}
	if pageSize > maxMovementPageSize {
		pageSize = maxMovementPageSize
	}

	args := []any{filter.VariantID, pageSize + 1}
	query := `SELECT id, variant_id, type, quantity, delta, balance_after, reason, reference, created_by, created_at
		FROM stock_movements WHERE variant_id = $1`
	if token := strings.TrimSpace(filter.Pagination.PageToken); token != "" {
		after, err := pagination.DecodeKeyset(token, filter.VariantID)
		if err != nil {
			return domain.CursorPage[domain.StockMovement]{}, err
		}
		query += ` AND (created_at, id) < ($3, $4)`
		args = append(args, after.At, after.ID)
	}
	query += ` ORDER BY created_at DESC, id DESC LIMIT $2`

	rows, err := pg.Conn(ctx, r.pool).Query(ctx, query, args...)
	if err != nil {
		return domain.CursorPage[domain.StockMovement]{}, pg.WrapError("stock.list_movements", err)
	}
	movements, err := pgx.CollectRows(rows, func(row pgx.CollectableRow) (domain.StockMovement, error) {
		var (
			m    domain.StockMovement
			kind string
		)
		err := row.Scan(&m.ID, &m.VariantID, &kind, &m.Quantity, &m.Delta, &m.BalanceAfter, &m.Reason, &m.Reference, &m.CreatedBy, &m.CreatedAt)
		m.Type = domain.StockMovementType(kind)
		m.CreatedAt = m.CreatedAt.UTC()
		return m, err
	})
	if err != nil {
		return domain.CursorPage[domain.StockMovement]{}, pg.WrapError("stock.list_movements", err)
	}

	page := domain.CursorPage[domain.StockMovement]{Items: movements}
	if len(movements) > pageSize {
		page.Items = movements[:pageSize]
		last := page.Items[pageSize-1]
		page.NextPageToken = pagination.EncodeKeyset(pagination.Keyset{Scope: filter.VariantID, At: last.CreatedAt, ID: last.ID})
	}
	return page, nil
}

func (r *StockRepository) SumMovements(ctx context.Context, variantID string) (int64, error) {
	var sum int64
	err := pg.Conn(ctx, r.pool).QueryRow(ctx,
		`SELECT COALESCE(SUM(delta), 0) FROM stock_movements WHERE variant_id = $1`, variantID).Scan(&sum)
	if err != nil {
		return 0, pg.WrapError("stock.sum_movements", err)
	}
	return sum, nil
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanVariant(row rowScanner) (domain.Variant, error) {
	var v domain.Variant
	err := row.Scan(&v.ID, &v.ProductID, &v.ProductName, &v.Label, &v.SKU, &v.Price, &v.Stock, &v.UpdatedAt)
	v.UpdatedAt = v.UpdatedAt.UTC()
	return v, err
}

func uniqueSorted(values []string) []string {
	seen := make(map[string]struct{}, len(values))
	out := make([]string, 0, len(values))
	for _, value := range values {
		value = strings.TrimSpace(value)
		if value == "" {
			continue
		}
		if _, ok := seen[value]; ok {
			continue
		}
		seen[value] = struct{}{}
		out = append(out, value)
	}
	sort.Strings(out)
	return out
}
