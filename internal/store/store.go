// Package store persists the billing rows the quota engine reads and writes.
//
// The gateway does not own plans or spending caps; it only reads them. It
// does own two write paths: one append-only usage record per call, and one
// atomic increment of the caller's monthly spend for metered plans.
package store

import (
	"context"
	"errors"
	"time"
)

// ErrNotFound is returned when a lookup matches no row.
var ErrNotFound = errors.New("not found")

// UsageTypeAICall is the usage_records.type value for gateway calls.
const UsageTypeAICall = "ai_call"

// UsageRecord is one append-only audit row.
type UsageRecord struct {
	UserID    string
	Type      string
	Amount    int64 // KRW; zero for free-tier calls
	CreatedAt time.Time
}

// MonthlyUsage is the running spend for one user in one calendar month.
type MonthlyUsage struct {
	UserID    string
	YearMonth string // "2006-01"
	AmountKRW int64
	AICalls   int64
}

// SpendingCap is a metered plan's monthly ceiling and warning level.
type SpendingCap struct {
	HardLimit     int64
	WarnThreshold int64
}

// Store is everything the quota engine needs from persistence.
type Store interface {
	// Plan returns the user's plan name. ErrNotFound when the user has no
	// profile row.
	Plan(ctx context.Context, userID string) (string, error)

	// CountUsage counts usage rows of type typ created at or after since.
	CountUsage(ctx context.Context, userID, typ string, since time.Time) (int, error)

	// InsertUsage appends one usage row.
	InsertUsage(ctx context.Context, rec UsageRecord) error

	// MonthlyUsage returns the month's running totals. A user with no row
	// yet gets a zero-valued MonthlyUsage and a nil error.
	MonthlyUsage(ctx context.Context, userID, yearMonth string) (MonthlyUsage, error)

	// IncrementMonthlyUsage adds amount and calls to the month's totals in
	// a single atomic upsert, creating the row if needed.
	IncrementMonthlyUsage(ctx context.Context, userID, yearMonth string, amount, calls int64) error

	// SpendingCap returns the user's own cap, else the plan's cap, else
	// ErrNotFound.
	SpendingCap(ctx context.Context, userID, plan string) (SpendingCap, error)

	// Close releases the underlying connections.
	Close() error
}

// YearMonth formats t as the monthly_usage key.
func YearMonth(t time.Time) string {
	return t.Format("2006-01")
}
