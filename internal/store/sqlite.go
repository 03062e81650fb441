package store

import (
	"context"
	"database/sql"
	_ "embed"
	"errors"
	"fmt"
	"time"

	_ "modernc.org/sqlite"

	"github.com/howard-nolan/llmgateway/internal/config"
)

//go:embed schema.sql
var schema string

// SQLite is a single-file Store for local development and tests. It creates
// its own schema on open.
type SQLite struct {
	db  *sql.DB
	now func() time.Time
}

// NewSQLite opens (or creates) the database at dsn and applies the schema.
func NewSQLite(ctx context.Context, dsn string) (*SQLite, error) {
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("opening sqlite: %w", err)
	}
	// SQLite allows one writer at a time; a single connection keeps the
	// upsert path free of SQLITE_BUSY and makes :memory: databases work.
	db.SetMaxOpenConns(1)

	if _, err := db.ExecContext(ctx, schema); err != nil {
		db.Close()
		return nil, fmt.Errorf("applying sqlite schema: %w", err)
	}
	return &SQLite{db: db, now: time.Now}, nil
}

// Plan implements Store.
func (s *SQLite) Plan(ctx context.Context, userID string) (string, error) {
	var plan sql.NullString
	err := s.db.QueryRowContext(ctx, `SELECT plan FROM profiles WHERE user_id = ?`, userID).Scan(&plan)
	if errors.Is(err, sql.ErrNoRows) {
		return "", ErrNotFound
	}
	if err != nil {
		return "", fmt.Errorf("fetch plan for user %s: %w", userID, err)
	}
	return plan.String, nil
}

// CountUsage implements Store.
func (s *SQLite) CountUsage(ctx context.Context, userID, typ string, since time.Time) (int, error) {
	const q = `
		SELECT COUNT(*)
		FROM usage_records
		WHERE user_id = ? AND type = ? AND created_at >= ?
	`
	var count int
	if err := s.db.QueryRowContext(ctx, q, userID, typ, since.UnixMilli()).Scan(&count); err != nil {
		return 0, fmt.Errorf("counting %s usage for user %s: %w", typ, userID, err)
	}
	return count, nil
}

// InsertUsage implements Store.
func (s *SQLite) InsertUsage(ctx context.Context, rec UsageRecord) error {
	const q = `INSERT INTO usage_records (user_id, type, amount, created_at) VALUES (?, ?, ?, ?)`
	if _, err := s.db.ExecContext(ctx, q, rec.UserID, rec.Type, rec.Amount, rec.CreatedAt.UnixMilli()); err != nil {
		return fmt.Errorf("recording usage for user %s: %w", rec.UserID, err)
	}
	return nil
}

// MonthlyUsage implements Store.
func (s *SQLite) MonthlyUsage(ctx context.Context, userID, yearMonth string) (MonthlyUsage, error) {
	const q = `SELECT amount_krw, ai_calls FROM monthly_usage WHERE user_id = ? AND year_month = ?`
	mu := MonthlyUsage{UserID: userID, YearMonth: yearMonth}
	err := s.db.QueryRowContext(ctx, q, userID, yearMonth).Scan(&mu.AmountKRW, &mu.AICalls)
	if err != nil && !errors.Is(err, sql.ErrNoRows) {
		return MonthlyUsage{}, fmt.Errorf("fetch monthly usage %s for user %s: %w", yearMonth, userID, err)
	}
	return mu, nil
}

// IncrementMonthlyUsage implements Store.
func (s *SQLite) IncrementMonthlyUsage(ctx context.Context, userID, yearMonth string, amount, calls int64) error {
	const q = `
		INSERT INTO monthly_usage (user_id, year_month, amount_krw, ai_calls, updated_at)
		VALUES (?, ?, ?, ?, ?)
		ON CONFLICT (user_id, year_month) DO UPDATE
		SET amount_krw = monthly_usage.amount_krw + excluded.amount_krw,
		    ai_calls   = monthly_usage.ai_calls + excluded.ai_calls,
		    updated_at = excluded.updated_at
	`
	if _, err := s.db.ExecContext(ctx, q, userID, yearMonth, amount, calls, s.now().UnixMilli()); err != nil {
		return fmt.Errorf("incrementing monthly usage %s for user %s: %w", yearMonth, userID, err)
	}
	return nil
}

// SpendingCap implements Store.
func (s *SQLite) SpendingCap(ctx context.Context, userID, plan string) (SpendingCap, error) {
	const q = `
		SELECT hard_limit, warn_threshold
		FROM spending_caps
		WHERE user_id = ? OR (user_id IS NULL AND plan = ?)
		ORDER BY (user_id IS NULL) ASC
		LIMIT 1
	`
	var sc SpendingCap
	err := s.db.QueryRowContext(ctx, q, userID, plan).Scan(&sc.HardLimit, &sc.WarnThreshold)
	if errors.Is(err, sql.ErrNoRows) {
		return SpendingCap{}, ErrNotFound
	}
	if err != nil {
		return SpendingCap{}, fmt.Errorf("fetch spending cap for user %s: %w", userID, err)
	}
	return sc, nil
}

// SetPlan creates or updates a profile row. Used to seed local databases.
func (s *SQLite) SetPlan(ctx context.Context, userID, plan string) error {
	const q = `
		INSERT INTO profiles (user_id, plan) VALUES (?, ?)
		ON CONFLICT (user_id) DO UPDATE SET plan = excluded.plan
	`
	if _, err := s.db.ExecContext(ctx, q, userID, plan); err != nil {
		return fmt.Errorf("setting plan for user %s: %w", userID, err)
	}
	return nil
}

// SetSpendingCap stores a cap for userID, or for every user on plan when
// userID is empty.
func (s *SQLite) SetSpendingCap(ctx context.Context, userID, plan string, sc SpendingCap) error {
	var uid, pl sql.NullString
	if userID != "" {
		uid = sql.NullString{String: userID, Valid: true}
	}
	if plan != "" {
		pl = sql.NullString{String: plan, Valid: true}
	}
	// Plan-wide rows have a NULL user_id, which never conflicts.
	const q = `
		INSERT INTO spending_caps (user_id, plan, hard_limit, warn_threshold) VALUES (?, ?, ?, ?)
		ON CONFLICT (user_id) DO UPDATE SET
			hard_limit = excluded.hard_limit,
			warn_threshold = excluded.warn_threshold
	`
	if _, err := s.db.ExecContext(ctx, q, uid, pl, sc.HardLimit, sc.WarnThreshold); err != nil {
		return fmt.Errorf("setting spending cap: %w", err)
	}
	return nil
}

// Seed writes the configured dev profiles. It is safe to run on every
// start: plans and per-user caps are overwritten, not duplicated.
func (s *SQLite) Seed(ctx context.Context, profiles []config.SeedProfile) error {
	for _, p := range profiles {
		if err := s.SetPlan(ctx, p.UserID, p.Plan); err != nil {
			return err
		}
		if p.HardLimit <= 0 {
			continue
		}
		sc := SpendingCap{HardLimit: p.HardLimit, WarnThreshold: p.WarnThreshold}
		if err := s.SetSpendingCap(ctx, p.UserID, "", sc); err != nil {
			return fmt.Errorf("seeding %s: %w", p.UserID, err)
		}
	}
	return nil
}

// Close implements Store.
func (s *SQLite) Close() error {
	return s.db.Close()
}
