// Package account defines the shared data model for managed identities:
// the account record, its token pair, and the canonical quota snapshot.
package account

import "time"

// PlanType identifies the subscription plan reported by the usage endpoint.
type PlanType string

const (
	PlanFree       PlanType = "free"
	PlanGo         PlanType = "go"
	PlanPlus       PlanType = "plus"
	PlanPro        PlanType = "pro"
	PlanTeam       PlanType = "team"
	PlanBusiness   PlanType = "business"
	PlanEnterprise PlanType = "enterprise"
	PlanEdu        PlanType = "edu"
	PlanUnknown    PlanType = "unknown"
)

// ParsePlanType maps a raw plan string to a PlanType. Unrecognized values
// map to PlanUnknown rather than failing.
func ParsePlanType(raw string) PlanType {
	switch PlanType(raw) {
	case PlanFree, PlanGo, PlanPlus, PlanPro, PlanTeam, PlanBusiness, PlanEnterprise, PlanEdu:
		return PlanType(raw)
	default:
		return PlanUnknown
	}
}

// TokenPair holds the OAuth credentials owned by one account. The previous
// access token is discarded whenever a refresh or re-login succeeds.
type TokenPair struct {
	AccessToken  string    `json:"access_token"`
	RefreshToken string    `json:"refresh_token,omitempty"`
	IDToken      string    `json:"id_token,omitempty"`
	TokenType    string    `json:"token_type,omitempty"`
	// ExpiresAt is zero when the provider did not report expires_in,
	// meaning the token never expires.
	ExpiresAt time.Time `json:"expires_at,omitempty"`
}

// QuotaWindow is one rate-limit accounting period.
type QuotaWindow struct {
	UsedPercent   int       `json:"used_percent"`
	WindowMinutes int       `json:"window_minutes,omitempty"`
	ResetsAt      time.Time `json:"resets_at,omitempty"`
}

// Credits reports the pay-as-you-go balance attached to a plan, when any.
type Credits struct {
	HasCredits bool    `json:"has_credits"`
	Unlimited  bool    `json:"unlimited"`
	Balance    float64 `json:"balance"`
}

// QuotaSnapshot is an immutable view of one account's usage. It is replaced
// wholesale on each successful fetch, never merged field by field.
type QuotaSnapshot struct {
	PlanType        PlanType     `json:"plan_type"`
	PrimaryWindow   *QuotaWindow `json:"primary_window,omitempty"`
	SecondaryWindow *QuotaWindow `json:"secondary_window,omitempty"`
	Credits         *Credits     `json:"credits,omitempty"`
}

// Account is one managed identity. Accounts form an ordered collection;
// the order is insertion order and defines round-robin rotation order.
type Account struct {
	ID          string    `json:"id"`
	DisplayName string    `json:"display_name,omitempty"`
	Email       string    `json:"email,omitempty"`
	Tokens      TokenPair `json:"tokens"`
	// ProviderAccountID is sent as a multiplexing header on usage calls
	// when present.
	ProviderAccountID string         `json:"provider_account_id,omitempty"`
	Quota             *QuotaSnapshot `json:"quota,omitempty"`
	QuotaUpdatedAt    time.Time      `json:"quota_updated_at,omitempty"`
	CreatedAt         time.Time      `json:"created_at"`
	LastUsedAt        time.Time      `json:"last_used_at,omitempty"`
}

// quotaStaleAfter is how long a snapshot stays fresh after a fetch.
const quotaStaleAfter = 15 * time.Minute

// QuotaStale reports whether the cached snapshot is older than the
// freshness window. Staleness never blocks rotation, it only lowers
// confidence in the data.
func (a *Account) QuotaStale(now time.Time) bool {
	if a.QuotaUpdatedAt.IsZero() {
		return true
	}
	return now.Sub(a.QuotaUpdatedAt) > quotaStaleAfter
}
