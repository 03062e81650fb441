// Package quota decides whether a user may make another metered call.
//
// The decision itself (Decide) is a pure function of the plan, the user's
// current counters and the configured limits. Engine is the store-backed
// wrapper that gathers those counters before each call and records usage
// after it.
package quota

import (
	"fmt"
	"net/http"

	"github.com/dustin/go-humanize"

	"github.com/howard-nolan/llmgateway/internal/store"
)

// Tier is a billing plan category.
type Tier string

const (
	// TierStarter is the free tier: hard call caps, never purchasable.
	TierStarter Tier = "starter"
	// TierPro is metered spend against a monthly cap.
	TierPro Tier = "pro"
)

// TierOf maps a stored plan name to a Tier. Anything that isn't a paid plan
// is starter, including an empty plan.
func TierOf(plan string) Tier {
	if Tier(plan) == TierPro {
		return TierPro
	}
	return TierStarter
}

// PlanProfile is the part of the account the gateway reads.
type PlanProfile struct {
	UserID string
	Tier   Tier
}

// SpendingCap is a pro user's monthly ceiling and warning level in KRW.
type SpendingCap = store.SpendingCap

// Counters is the user's current usage. Starter decisions read the call
// counts; pro decisions read the spend and cap.
type Counters struct {
	DailyCalls   int
	MonthlyCalls int

	SpentKRW int64
	AICalls  int64
	Cap      SpendingCap
}

// Limits are the starter call caps.
type Limits struct {
	DailyCalls   int
	MonthlyCalls int
}

// Kind tags a Decision.
type Kind int

const (
	Allow Kind = iota
	AllowWithWarning
	Deny
)

func (k Kind) String() string {
	switch k {
	case Allow:
		return "allow"
	case AllowWithWarning:
		return "allow_with_warning"
	case Deny:
		return "deny"
	default:
		return fmt.Sprintf("kind(%d)", int(k))
	}
}

// Decision is the outcome of a quota check.
type Decision struct {
	Kind Kind
	Tier Tier

	// Deny fields.
	Status       int
	Message      string
	CanTopUp     bool
	CurrentSpent int64 // pro denials only
	HardLimit    int64 // pro denials only

	// Warning is the human-readable text for AllowWithWarning. It is not
	// encoded; the handler escapes it for the response header.
	Warning string

	// Amount is what the call will be billed: zero for starter, the
	// estimated cost for pro.
	Amount int64
}

// Allowed reports whether the call may proceed.
func (d Decision) Allowed() bool { return d.Kind != Deny }

// Unavailable is the decision when counters can't be read. Failing open
// would skip billing and failing as a quota denial would mislead the user,
// so it is its own retryable status.
func Unavailable(tier Tier) Decision {
	return Decision{
		Kind:    Deny,
		Tier:    tier,
		Status:  http.StatusServiceUnavailable,
		Message: "temporarily unable to verify usage, please retry",
	}
}

// Decide applies the plan policy. It never touches the store.
func Decide(plan PlanProfile, c Counters, limits Limits, estimatedCost int64) Decision {
	if plan.Tier == TierPro {
		return decidePro(c, estimatedCost)
	}
	return decideStarter(c, limits)
}

func decideStarter(c Counters, limits Limits) Decision {
	// The daily cap is checked first so a user who hits both sees the one
	// that resets sooner.
	if c.DailyCalls >= limits.DailyCalls {
		return Decision{
			Kind:    Deny,
			Tier:    TierStarter,
			Status:  http.StatusTooManyRequests,
			Message: fmt.Sprintf("daily cap of %d calls reached", limits.DailyCalls),
		}
	}
	if c.MonthlyCalls >= limits.MonthlyCalls {
		return Decision{
			Kind:    Deny,
			Tier:    TierStarter,
			Status:  http.StatusTooManyRequests,
			Message: fmt.Sprintf("monthly cap of %d calls reached", limits.MonthlyCalls),
		}
	}
	return Decision{Kind: Allow, Tier: TierStarter, Amount: 0}
}

func decidePro(c Counters, estimatedCost int64) Decision {
	if c.SpentKRW >= c.Cap.HardLimit {
		return Decision{
			Kind:         Deny,
			Tier:         TierPro,
			Status:       http.StatusPaymentRequired,
			Message:      fmt.Sprintf("monthly spending cap of %s reached", won(c.Cap.HardLimit)),
			CanTopUp:     true,
			CurrentSpent: c.SpentKRW,
			HardLimit:    c.Cap.HardLimit,
		}
	}
	if c.SpentKRW+estimatedCost >= c.Cap.WarnThreshold {
		return Decision{
			Kind: AllowWithWarning,
			Tier: TierPro,
			Warning: fmt.Sprintf("monthly spending has passed the %s warning threshold (%s of %s used)",
				won(c.Cap.WarnThreshold), won(c.SpentKRW+estimatedCost), won(c.Cap.HardLimit)),
			Amount: estimatedCost,
		}
	}
	return Decision{Kind: Allow, Tier: TierPro, Amount: estimatedCost}
}

// won formats an amount as ₩40,000.
func won(amount int64) string {
	return "₩" + humanize.Comma(amount)
}
