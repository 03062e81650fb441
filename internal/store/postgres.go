package store

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

// Postgres is the production Store, backed by a pgx connection pool.
//
// Expected schema:
//
//	profiles       (user_id text primary key, plan text)
//	usage_records  (id bigserial, user_id text, type text, amount bigint, created_at timestamptz)
//	monthly_usage  (user_id text, year_month text, amount_krw bigint, ai_calls bigint,
//	                updated_at timestamptz, primary key (user_id, year_month))
//	spending_caps  (user_id text null, plan text null, hard_limit bigint, warn_threshold bigint)
type Postgres struct {
	pool *pgxpool.Pool
}

// NewPostgres connects to dsn and verifies the connection.
func NewPostgres(ctx context.Context, dsn string) (*Postgres, error) {
	pool, err := pgxpool.New(ctx, dsn)
	if err != nil {
		return nil, fmt.Errorf("creating pgx pool: %w", err)
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("pinging postgres: %w", err)
	}
	return &Postgres{pool: pool}, nil
}

// Plan implements Store.
func (p *Postgres) Plan(ctx context.Context, userID string) (string, error) {
	const q = `SELECT COALESCE(plan, '') FROM profiles WHERE user_id = $1`
	var plan string
	if err := p.pool.QueryRow(ctx, q, userID).Scan(&plan); err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return "", ErrNotFound
		}
		return "", fmt.Errorf("fetch plan for user %s: %w", userID, err)
	}
	return plan, nil
}

// CountUsage implements Store.
func (p *Postgres) CountUsage(ctx context.Context, userID, typ string, since time.Time) (int, error) {
	const q = `
		SELECT COUNT(*)
		FROM usage_records
		WHERE user_id = $1
		  AND type = $2
		  AND created_at >= $3
	`
	var count int
	if err := p.pool.QueryRow(ctx, q, userID, typ, since).Scan(&count); err != nil {
		return 0, fmt.Errorf("counting %s usage for user %s: %w", typ, userID, err)
	}
	return count, nil
}

// InsertUsage implements Store.
func (p *Postgres) InsertUsage(ctx context.Context, rec UsageRecord) error {
	const q = `INSERT INTO usage_records (user_id, type, amount, created_at) VALUES ($1, $2, $3, $4)`
	if _, err := p.pool.Exec(ctx, q, rec.UserID, rec.Type, rec.Amount, rec.CreatedAt); err != nil {
		return fmt.Errorf("recording usage for user %s: %w", rec.UserID, err)
	}
	return nil
}

// MonthlyUsage implements Store.
func (p *Postgres) MonthlyUsage(ctx context.Context, userID, yearMonth string) (MonthlyUsage, error) {
	const q = `
		SELECT amount_krw, ai_calls
		FROM monthly_usage
		WHERE user_id = $1 AND year_month = $2
	`
	mu := MonthlyUsage{UserID: userID, YearMonth: yearMonth}
	err := p.pool.QueryRow(ctx, q, userID, yearMonth).Scan(&mu.AmountKRW, &mu.AICalls)
	if err != nil && !errors.Is(err, pgx.ErrNoRows) {
		return MonthlyUsage{}, fmt.Errorf("fetch monthly usage %s for user %s: %w", yearMonth, userID, err)
	}
	return mu, nil
}

// IncrementMonthlyUsage implements Store. The increment happens inside the
// upsert itself, so concurrent calls from the same user can't lose updates.
func (p *Postgres) IncrementMonthlyUsage(ctx context.Context, userID, yearMonth string, amount, calls int64) error {
	const q = `
		INSERT INTO monthly_usage (user_id, year_month, amount_krw, ai_calls, updated_at)
		VALUES ($1, $2, $3, $4, NOW())
		ON CONFLICT (user_id, year_month) DO UPDATE
		SET amount_krw = monthly_usage.amount_krw + EXCLUDED.amount_krw,
		    ai_calls   = monthly_usage.ai_calls + EXCLUDED.ai_calls,
		    updated_at = NOW()
	`
	if _, err := p.pool.Exec(ctx, q, userID, yearMonth, amount, calls); err != nil {
		return fmt.Errorf("incrementing monthly usage %s for user %s: %w", yearMonth, userID, err)
	}
	return nil
}

// SpendingCap implements Store. A user-specific row wins over the plan row.
func (p *Postgres) SpendingCap(ctx context.Context, userID, plan string) (SpendingCap, error) {
	const q = `
		SELECT hard_limit, warn_threshold
		FROM spending_caps
		WHERE user_id = $1 OR (user_id IS NULL AND plan = $2)
		ORDER BY (user_id IS NULL) ASC
		LIMIT 1
	`
	var sc SpendingCap
	if err := p.pool.QueryRow(ctx, q, userID, plan).Scan(&sc.HardLimit, &sc.WarnThreshold); err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return SpendingCap{}, ErrNotFound
		}
		return SpendingCap{}, fmt.Errorf("fetch spending cap for user %s: %w", userID, err)
	}
	return sc, nil
}

// Close implements Store.
func (p *Postgres) Close() error {
	p.pool.Close()
	return nil
}
