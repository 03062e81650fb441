package quota

import (
	"context"
	"errors"
	"net/http"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/howard-nolan/llmgateway/internal/config"
	"github.com/howard-nolan/llmgateway/internal/store"
)

var testQuota = config.QuotaConfig{
	TimeZone: "UTC",
	Starter:  config.StarterQuota{DailyLimit: 10, MonthlyLimit: 30},
	Pro:      config.ProQuota{DefaultHardLimit: 50000, DefaultWarnThreshold: 40000},
}

// 2025-03-15 10:00 UTC
var testNow = time.Date(2025, 3, 15, 10, 0, 0, 0, time.UTC)

func newEngine(t *testing.T) (*Engine, *store.SQLite) {
	t.Helper()
	s, err := store.NewSQLite(context.Background(), filepath.Join(t.TempDir(), "quota.db"))
	require.NoError(t, err)
	t.Cleanup(func() { s.Close() })
	return NewEngine(s, testQuota, time.UTC, WithClock(func() time.Time { return testNow })), s
}

func insertCalls(t *testing.T, s *store.SQLite, userID string, n int, at time.Time) {
	t.Helper()
	for i := 0; i < n; i++ {
		require.NoError(t, s.InsertUsage(context.Background(), store.UsageRecord{
			UserID: userID, Type: store.UsageTypeAICall, CreatedAt: at,
		}))
	}
}

func TestEngine_MissingProfileIsStarter(t *testing.T) {
	e, _ := newEngine(t)

	d := e.Check(context.Background(), "new-user", func() int64 {
		t.Fatal("estimate must not run for starter users")
		return 0
	})
	assert.Equal(t, Allow, d.Kind)
	assert.Equal(t, TierStarter, d.Tier)
}

func TestEngine_StarterWindows(t *testing.T) {
	ctx := context.Background()
	e, s := newEngine(t)
	require.NoError(t, s.SetPlan(ctx, "u1", "starter"))

	// 25 calls earlier this month and 3 today: under both caps.
	insertCalls(t, s, "u1", 25, time.Date(2025, 3, 2, 9, 0, 0, 0, time.UTC))
	insertCalls(t, s, "u1", 3, testNow.Add(-time.Hour))
	// Last month doesn't count.
	insertCalls(t, s, "u1", 40, time.Date(2025, 2, 20, 9, 0, 0, 0, time.UTC))

	d := e.Check(ctx, "u1", nil)
	assert.Equal(t, Allow, d.Kind)

	// Two more calls today: 30 this month.
	insertCalls(t, s, "u1", 2, testNow.Add(-time.Minute))
	d = e.Check(ctx, "u1", nil)
	assert.Equal(t, Deny, d.Kind)
	assert.Equal(t, http.StatusTooManyRequests, d.Status)
	assert.Equal(t, "monthly cap of 30 calls reached", d.Message)
}

func TestEngine_StarterDailyCap(t *testing.T) {
	ctx := context.Background()
	e, s := newEngine(t)

	insertCalls(t, s, "u1", 10, testNow.Add(-2*time.Hour))
	// Yesterday's calls are outside the daily window.
	insertCalls(t, s, "u2", 10, testNow.Add(-24*time.Hour))

	d := e.Check(ctx, "u1", nil)
	assert.Equal(t, Deny, d.Kind)
	assert.Contains(t, d.Message, "10")

	d = e.Check(ctx, "u2", nil)
	assert.Equal(t, Allow, d.Kind)
}

func TestEngine_ProUsesPlanDefaultCap(t *testing.T) {
	ctx := context.Background()
	e, s := newEngine(t)
	require.NoError(t, s.SetPlan(ctx, "u1", "pro"))
	require.NoError(t, s.IncrementMonthlyUsage(ctx, "u1", "2025-03", 39950, 50))

	d := e.Check(ctx, "u1", func() int64 { return 50 })
	assert.Equal(t, AllowWithWarning, d.Kind)
	assert.Equal(t, int64(50), d.Amount)
	assert.Contains(t, d.Warning, "₩40,000")
}

func TestEngine_ProUserCapOverridesDefault(t *testing.T) {
	ctx := context.Background()
	e, s := newEngine(t)
	require.NoError(t, s.SetPlan(ctx, "u1", "pro"))
	require.NoError(t, s.SetSpendingCap(ctx, "u1", "", SpendingCap{HardLimit: 10000, WarnThreshold: 8000}))
	require.NoError(t, s.IncrementMonthlyUsage(ctx, "u1", "2025-03", 10000, 200))

	d := e.Check(ctx, "u1", func() int64 { return 50 })
	assert.Equal(t, Deny, d.Kind)
	assert.Equal(t, http.StatusPaymentRequired, d.Status)
	assert.Equal(t, int64(10000), d.CurrentSpent)
	assert.Equal(t, int64(10000), d.HardLimit)
	assert.True(t, d.CanTopUp)
}

func TestEngine_RecordStarterAndPro(t *testing.T) {
	ctx := context.Background()
	e, s := newEngine(t)

	require.NoError(t, e.Record(ctx, "starter-user", TierStarter, 0))
	n, err := s.CountUsage(ctx, "starter-user", store.UsageTypeAICall, testNow.Add(-time.Minute))
	require.NoError(t, err)
	assert.Equal(t, 1, n)
	mu, err := s.MonthlyUsage(ctx, "starter-user", "2025-03")
	require.NoError(t, err)
	assert.Equal(t, int64(0), mu.AICalls, "starter calls don't touch monthly_usage")

	require.NoError(t, e.Record(ctx, "pro-user", TierPro, 50))
	require.NoError(t, e.Record(ctx, "pro-user", TierPro, 60))
	mu, err = s.MonthlyUsage(ctx, "pro-user", "2025-03")
	require.NoError(t, err)
	assert.Equal(t, int64(110), mu.AmountKRW)
	assert.Equal(t, int64(2), mu.AICalls)
}

// brokenStore fails every call.
type brokenStore struct{ store.Store }

var errBroken = errors.New("connection refused")

func (brokenStore) Plan(context.Context, string) (string, error) { return "", errBroken }
func (brokenStore) InsertUsage(context.Context, store.UsageRecord) error {
	return errBroken
}
func (brokenStore) IncrementMonthlyUsage(context.Context, string, string, int64, int64) error {
	return errBroken
}

func TestEngine_StoreFailureIsUnavailable(t *testing.T) {
	e := NewEngine(brokenStore{}, testQuota, nil)

	d := e.Check(context.Background(), "u1", nil)
	assert.Equal(t, Deny, d.Kind)
	assert.Equal(t, http.StatusServiceUnavailable, d.Status)
	assert.Equal(t, "temporarily unable to verify usage, please retry", d.Message)
}

func TestEngine_RecordJoinsErrors(t *testing.T) {
	e := NewEngine(brokenStore{}, testQuota, nil)

	err := e.Record(context.Background(), "u1", TierPro, 50)
	require.Error(t, err)
	assert.ErrorIs(t, err, errBroken)
	// Both writes were attempted.
	assert.Len(t, err.(interface{ Unwrap() []error }).Unwrap(), 2)
}
