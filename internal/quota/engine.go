package quota

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/rs/zerolog"

	"github.com/howard-nolan/llmgateway/internal/config"
	"github.com/howard-nolan/llmgateway/internal/store"
)

// Engine runs quota checks and usage recording against a Store.
//
// It holds no per-user state. Every check recomputes the counters from the
// store, so several gateway instances can share one database without drift.
type Engine struct {
	store store.Store
	cfg   config.QuotaConfig
	loc   *time.Location
	now   func() time.Time
	log   zerolog.Logger
}

// Option customizes an Engine.
type Option func(*Engine)

// WithClock replaces time.Now. Tests use it to pin the daily and monthly
// windows.
func WithClock(now func() time.Time) Option {
	return func(e *Engine) { e.now = now }
}

// WithLogger sets the engine's logger. The default discards.
func WithLogger(log zerolog.Logger) Option {
	return func(e *Engine) { e.log = log }
}

// NewEngine builds an Engine. loc anchors "since midnight" and "since month
// start"; nil means UTC.
func NewEngine(s store.Store, cfg config.QuotaConfig, loc *time.Location, opts ...Option) *Engine {
	if loc == nil {
		loc = time.UTC
	}
	e := &Engine{
		store: s,
		cfg:   cfg,
		loc:   loc,
		now:   time.Now,
		log:   zerolog.Nop(),
	}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

// Check loads the user's plan and counters and returns the decision.
// estimate is only called for pro users, so starter checks don't pay for
// token counting.
//
// Any store failure yields an Unavailable decision, never Allow.
func (e *Engine) Check(ctx context.Context, userID string, estimate func() int64) Decision {
	plan, err := e.profile(ctx, userID)
	if err != nil {
		e.log.Error().Err(err).Str("user_id", userID).Msg("quota: loading plan")
		return Unavailable(TierStarter)
	}

	counters, err := e.counters(ctx, plan)
	if err != nil {
		e.log.Error().Err(err).Str("user_id", userID).Str("tier", string(plan.Tier)).Msg("quota: loading counters")
		return Unavailable(plan.Tier)
	}

	var cost int64
	if plan.Tier == TierPro && estimate != nil {
		cost = estimate()
	}

	limits := Limits{
		DailyCalls:   e.cfg.Starter.DailyLimit,
		MonthlyCalls: e.cfg.Starter.MonthlyLimit,
	}
	return Decide(plan, counters, limits, cost)
}

// Record writes the usage for one dispatched call: always a usage record,
// and for pro users an increment of the month's spend. Both writes are
// attempted even if the first fails.
func (e *Engine) Record(ctx context.Context, userID string, tier Tier, amount int64) error {
	now := e.now()

	var errs []error
	if err := e.store.InsertUsage(ctx, store.UsageRecord{
		UserID:    userID,
		Type:      store.UsageTypeAICall,
		Amount:    amount,
		CreatedAt: now,
	}); err != nil {
		errs = append(errs, err)
	}

	if tier == TierPro {
		ym := store.YearMonth(now.In(e.loc))
		if err := e.store.IncrementMonthlyUsage(ctx, userID, ym, amount, 1); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

func (e *Engine) profile(ctx context.Context, userID string) (PlanProfile, error) {
	plan, err := e.store.Plan(ctx, userID)
	if errors.Is(err, store.ErrNotFound) {
		// No profile row yet (new signup): treat as the free tier.
		return PlanProfile{UserID: userID, Tier: TierStarter}, nil
	}
	if err != nil {
		return PlanProfile{}, err
	}
	return PlanProfile{UserID: userID, Tier: TierOf(plan)}, nil
}

func (e *Engine) counters(ctx context.Context, plan PlanProfile) (Counters, error) {
	now := e.now().In(e.loc)

	if plan.Tier != TierPro {
		midnight := time.Date(now.Year(), now.Month(), now.Day(), 0, 0, 0, 0, e.loc)
		monthStart := time.Date(now.Year(), now.Month(), 1, 0, 0, 0, 0, e.loc)

		daily, err := e.store.CountUsage(ctx, plan.UserID, store.UsageTypeAICall, midnight)
		if err != nil {
			return Counters{}, fmt.Errorf("daily count: %w", err)
		}
		// The monthly count is only needed when the daily cap isn't hit.
		if daily >= e.cfg.Starter.DailyLimit {
			return Counters{DailyCalls: daily}, nil
		}
		monthly, err := e.store.CountUsage(ctx, plan.UserID, store.UsageTypeAICall, monthStart)
		if err != nil {
			return Counters{}, fmt.Errorf("monthly count: %w", err)
		}
		return Counters{DailyCalls: daily, MonthlyCalls: monthly}, nil
	}

	mu, err := e.store.MonthlyUsage(ctx, plan.UserID, store.YearMonth(now))
	if err != nil {
		return Counters{}, fmt.Errorf("monthly usage: %w", err)
	}
	sc, err := e.store.SpendingCap(ctx, plan.UserID, string(TierPro))
	if errors.Is(err, store.ErrNotFound) {
		sc = SpendingCap{
			HardLimit:     e.cfg.Pro.DefaultHardLimit,
			WarnThreshold: e.cfg.Pro.DefaultWarnThreshold,
		}
	} else if err != nil {
		return Counters{}, fmt.Errorf("spending cap: %w", err)
	}
	return Counters{SpentKRW: mu.AmountKRW, AICalls: mu.AICalls, Cap: sc}, nil
}
