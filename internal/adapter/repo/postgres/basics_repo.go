package postgres

import (
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"go.opentelemetry.io/otel"

	"github.com/fairyhunter13/ai-stock-analyzer/internal/domain"
)

// BasicsRepo stores the stock basics universe used to enrich submissions.
type BasicsRepo struct{ Pool PgxPool }

// NewBasicsRepo constructs a BasicsRepo with the given pool.
func NewBasicsRepo(p PgxPool) *BasicsRepo { return &BasicsRepo{Pool: p} }

// UpsertMany writes a batch of basics in one transaction.
func (r *BasicsRepo) UpsertMany(ctx domain.Context, basics []domain.StockBasic) error {
	tracer := otel.Tracer("repo.basics")
	ctx, span := tracer.Start(ctx, "basics.UpsertMany")
	defer span.End()

	if len(basics) == 0 {
		return nil
	}
	tx, err := r.Pool.BeginTx(ctx, pgx.TxOptions{})
	if err != nil {
		return fmt.Errorf("op=basics.upsert_many: %w", err)
	}
	defer func() { _ = tx.Rollback(ctx) }()

	now := time.Now().UTC()
	q := `INSERT INTO stock_basics (code, name, market_type, industry, updated_at)
		VALUES ($1,$2,$3,$4,$5)
		ON CONFLICT (code) DO UPDATE SET name=EXCLUDED.name, market_type=EXCLUDED.market_type,
		industry=EXCLUDED.industry, updated_at=EXCLUDED.updated_at`
	for _, b := range basics {
		if _, err := tx.Exec(ctx, q, b.Code, b.Name, b.MarketType, b.Industry, now); err != nil {
			return fmt.Errorf("op=basics.upsert_many code=%s: %w", b.Code, err)
		}
	}
	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("op=basics.upsert_many: %w", err)
	}
	return nil
}

// GetByCode loads one stock's basics.
func (r *BasicsRepo) GetByCode(ctx domain.Context, code string) (domain.StockBasic, error) {
	tracer := otel.Tracer("repo.basics")
	ctx, span := tracer.Start(ctx, "basics.GetByCode")
	defer span.End()

	row := r.Pool.QueryRow(ctx,
		`SELECT code, name, market_type, industry, updated_at FROM stock_basics WHERE code=$1`, code)
	var b domain.StockBasic
	if err := row.Scan(&b.Code, &b.Name, &b.MarketType, &b.Industry, &b.UpdatedAt); err != nil {
		if err == pgx.ErrNoRows {
			return domain.StockBasic{}, fmt.Errorf("op=basics.get code=%s: %w", code, domain.ErrNotFound)
		}
		return domain.StockBasic{}, fmt.Errorf("op=basics.get code=%s: %w", code, err)
	}
	return b, nil
}

var _ domain.StockBasicsRepository = (*BasicsRepo)(nil)
