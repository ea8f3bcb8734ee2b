package quota

import (
	"math"
	"time"

	"github.com/quotaswitch/quotaswitch/internal/account"
)

// usageResponse mirrors the wire shape of the usage endpoint. Windows and
// credits are optional; absent sections stay nil rather than defaulting to
// zero values.
type usageResponse struct {
	PlanType  string `json:"plan_type"`
	RateLimit *struct {
		PrimaryWindow   *usageWindow `json:"primary_window"`
		SecondaryWindow *usageWindow `json:"secondary_window"`
	} `json:"rate_limit"`
	Credits *struct {
		HasCredits bool    `json:"has_credits"`
		Unlimited  bool    `json:"unlimited"`
		Balance    float64 `json:"balance"`
	} `json:"credits"`
}

type usageWindow struct {
	UsedPercent        float64 `json:"used_percent"`
	LimitWindowSeconds int64   `json:"limit_window_seconds"`
	ResetAt            int64   `json:"reset_at"`
}

// mapSnapshot converts a raw usage response into the canonical snapshot.
// Unknown plan strings map to the unknown plan instead of failing.
func mapSnapshot(raw *usageResponse) *account.QuotaSnapshot {
	snap := &account.QuotaSnapshot{
		PlanType: account.ParsePlanType(raw.PlanType),
	}
	if raw.RateLimit != nil {
		snap.PrimaryWindow = toWindow(raw.RateLimit.PrimaryWindow)
		snap.SecondaryWindow = toWindow(raw.RateLimit.SecondaryWindow)
	}
	if raw.Credits != nil {
		snap.Credits = &account.Credits{
			HasCredits: raw.Credits.HasCredits,
			Unlimited:  raw.Credits.Unlimited,
			Balance:    raw.Credits.Balance,
		}
	}
	return snap
}

func toWindow(raw *usageWindow) *account.QuotaWindow {
	if raw == nil {
		return nil
	}
	win := &account.QuotaWindow{
		UsedPercent:   clampUsedPercent(raw.UsedPercent),
		WindowMinutes: int(raw.LimitWindowSeconds / 60),
	}
	if raw.ResetAt > 0 {
		win.ResetsAt = time.Unix(raw.ResetAt, 0).UTC()
	}
	return win
}

// clampUsedPercent bounds used_percent to [0,100] before it reaches the
// rotation engine.
func clampUsedPercent(value float64) int {
	v := int(math.Round(value))
	if v < 0 {
		return 0
	}
	if v > 100 {
		return 100
	}
	return v
}
