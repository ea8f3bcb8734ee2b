// Package rotation decides which account should be active. It is pure
// decision logic over the current collection state: no I/O, no clock, no
// randomness. Identical inputs always yield identical outcomes.
package rotation

import "github.com/quotaswitch/quotaswitch/internal/account"

// OutcomeKind classifies the result of a rotation check.
type OutcomeKind string

const (
	// NoActionNeeded means the active account is below threshold.
	NoActionNeeded OutcomeKind = "no_action_needed"
	// NoCandidateAvailable means every other account is at or above
	// threshold.
	NoCandidateAvailable OutcomeKind = "no_candidate_available"
	// RotatedTo means a replacement account was selected.
	RotatedTo OutcomeKind = "rotated_to"
	// OnlyOneAccount means manual rotation had nowhere to go.
	OnlyOneAccount OutcomeKind = "only_one_account"
)

// Outcome is the result of one rotation decision. To is set only for
// RotatedTo.
type Outcome struct {
	Kind OutcomeKind `json:"kind"`
	From string      `json:"from,omitempty"`
	To   string      `json:"to,omitempty"`
}

// ShouldRotate reports whether a snapshot is at or above the usage
// threshold in either window. An absent snapshot never forces a rotation.
func ShouldRotate(snap *account.QuotaSnapshot, threshold int) bool {
	if snap == nil {
		return false
	}
	if snap.PrimaryWindow != nil && snap.PrimaryWindow.UsedPercent >= threshold {
		return true
	}
	if snap.SecondaryWindow != nil && snap.SecondaryWindow.UsedPercent >= threshold {
		return true
	}
	return false
}

// SelectReplacement scans accounts in collection order, skipping the active
// one, and returns the first whose own snapshot is below threshold. An
// account with no snapshot is treated as eligible: an unchecked account is
// assumed fine. The second return is false when every other account is at
// or above threshold.
func SelectReplacement(accounts []account.Account, activeID string, threshold int) (string, bool) {
	active := resolveActiveID(accounts, activeID)
	for _, acct := range accounts {
		if acct.ID == active {
			continue
		}
		if !ShouldRotate(acct.Quota, threshold) {
			return acct.ID, true
		}
	}
	return "", false
}

// AutoRotate is the quota-aware rotation check: nothing happens while the
// active account is below threshold; otherwise the first eligible account
// in collection order takes over.
func AutoRotate(accounts []account.Account, activeID string, threshold int) Outcome {
	active := resolveActiveID(accounts, activeID)

	var activeSnap *account.QuotaSnapshot
	for _, acct := range accounts {
		if acct.ID == active {
			activeSnap = acct.Quota
			break
		}
	}

	if !ShouldRotate(activeSnap, threshold) {
		return Outcome{Kind: NoActionNeeded, From: active}
	}

	replacement, ok := SelectReplacement(accounts, active, threshold)
	if !ok {
		return Outcome{Kind: NoCandidateAvailable, From: active}
	}
	return Outcome{Kind: RotatedTo, From: active, To: replacement}
}

// ManualRotate moves to the next account in collection order after the
// active one, wrapping to the front. Quota is ignored entirely.
func ManualRotate(accounts []account.Account, activeID string) Outcome {
	active := resolveActiveID(accounts, activeID)
	if len(accounts) == 0 {
		return Outcome{Kind: OnlyOneAccount, From: active}
	}

	activeIdx := 0
	for i, acct := range accounts {
		if acct.ID == active {
			activeIdx = i
			break
		}
	}

	next := accounts[(activeIdx+1)%len(accounts)].ID
	if next == active {
		return Outcome{Kind: OnlyOneAccount, From: active}
	}
	return Outcome{Kind: RotatedTo, From: active, To: next}
}

// resolveActiveID applies the active-pointer convention: when the pointer
// is absent or dangling, the first account in the collection is active.
func resolveActiveID(accounts []account.Account, activeID string) string {
	if activeID != "" {
		for _, acct := range accounts {
			if acct.ID == activeID {
				return activeID
			}
		}
	}
	if len(accounts) > 0 {
		return accounts[0].ID
	}
	return activeID
}
