package quota

import (
	"net/http"
	"testing"

	"github.com/stretchr/testify/assert"
)

var testLimits = Limits{DailyCalls: 10, MonthlyCalls: 30}

func TestDecide_Starter(t *testing.T) {
	starter := PlanProfile{UserID: "u1", Tier: TierStarter}

	tests := []struct {
		name       string
		counters   Counters
		wantKind   Kind
		wantStatus int
		wantMsg    string
	}{
		{"under both caps", Counters{DailyCalls: 3, MonthlyCalls: 10}, Allow, 0, ""},
		{"daily cap reached", Counters{DailyCalls: 10, MonthlyCalls: 10}, Deny, http.StatusTooManyRequests, "daily cap of 10 calls reached"},
		{"daily wins over monthly", Counters{DailyCalls: 10, MonthlyCalls: 30}, Deny, http.StatusTooManyRequests, "daily cap of 10 calls reached"},
		{"monthly cap reached", Counters{DailyCalls: 2, MonthlyCalls: 30}, Deny, http.StatusTooManyRequests, "monthly cap of 30 calls reached"},
		{"over monthly cap", Counters{DailyCalls: 0, MonthlyCalls: 31}, Deny, http.StatusTooManyRequests, "monthly cap of 30 calls reached"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			// A large estimate must not matter for starter.
			d := Decide(starter, tt.counters, testLimits, 9999)
			assert.Equal(t, tt.wantKind, d.Kind)
			assert.Equal(t, tt.wantStatus, d.Status)
			assert.Equal(t, tt.wantMsg, d.Message)
			assert.False(t, d.CanTopUp, "starter caps are never purchasable")
			assert.Equal(t, int64(0), d.Amount)
			assert.Equal(t, TierStarter, d.Tier)
		})
	}
}

func TestDecide_ProHardLimit(t *testing.T) {
	pro := PlanProfile{UserID: "u1", Tier: TierPro}
	c := Counters{SpentKRW: 50000, AICalls: 120, Cap: SpendingCap{HardLimit: 50000, WarnThreshold: 40000}}

	d := Decide(pro, c, testLimits, 50)

	assert.Equal(t, Deny, d.Kind)
	assert.Equal(t, http.StatusPaymentRequired, d.Status)
	assert.True(t, d.CanTopUp)
	assert.Equal(t, int64(50000), d.CurrentSpent)
	assert.Equal(t, int64(50000), d.HardLimit)
	assert.Contains(t, d.Message, "₩50,000")
}

func TestDecide_ProWarning(t *testing.T) {
	pro := PlanProfile{UserID: "u1", Tier: TierPro}
	c := Counters{SpentKRW: 39950, AICalls: 50, Cap: SpendingCap{HardLimit: 50000, WarnThreshold: 40000}}

	d := Decide(pro, c, testLimits, 50)

	assert.Equal(t, AllowWithWarning, d.Kind)
	assert.True(t, d.Allowed())
	assert.Equal(t, int64(50), d.Amount)
	assert.Contains(t, d.Warning, "₩40,000")
}

func TestDecide_ProAllow(t *testing.T) {
	pro := PlanProfile{UserID: "u1", Tier: TierPro}
	c := Counters{SpentKRW: 1000, Cap: SpendingCap{HardLimit: 50000, WarnThreshold: 40000}}

	d := Decide(pro, c, testLimits, 50)

	assert.Equal(t, Allow, d.Kind)
	assert.Empty(t, d.Warning)
	assert.Equal(t, int64(50), d.Amount)
}

func TestTierOf(t *testing.T) {
	assert.Equal(t, TierPro, TierOf("pro"))
	assert.Equal(t, TierStarter, TierOf("starter"))
	assert.Equal(t, TierStarter, TierOf(""))
	assert.Equal(t, TierStarter, TierOf("enterprise-trial"))
}

func TestKindString(t *testing.T) {
	assert.Equal(t, "allow", Allow.String())
	assert.Equal(t, "allow_with_warning", AllowWithWarning.String())
	assert.Equal(t, "deny", Deny.String())
}
