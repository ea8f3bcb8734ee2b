package cmd

import (
	"context"
	"fmt"
	"time"

	log "github.com/sirupsen/logrus"

	"github.com/quotaswitch/quotaswitch/internal/account"
	"github.com/quotaswitch/quotaswitch/internal/config"
	"github.com/quotaswitch/quotaswitch/internal/rotation"
)

// DoList prints the account collection with quota usage and the active
// marker.
func DoList(cfg *config.Config) {
	manager, _, err := buildManager(cfg)
	if err != nil {
		log.Errorf("failed to initialize: %v", err)
		return
	}

	accounts, activeID, err := manager.ListAccounts()
	if err != nil {
		log.Errorf("failed to list accounts: %v", err)
		return
	}
	if len(accounts) == 0 {
		fmt.Println("No accounts. Run 'quotaswitch login' to add one.")
		return
	}

	now := time.Now().UTC()
	for _, acct := range accounts {
		marker := " "
		if acct.ID == activeID {
			marker = "*"
		}
		fmt.Printf("%s %-40s %s\n", marker, acct.ID, describeQuota(&acct, now))
	}
}

func describeQuota(acct *account.Account, now time.Time) string {
	if acct.Quota == nil {
		return "quota: unknown"
	}
	desc := fmt.Sprintf("plan: %s", acct.Quota.PlanType)
	if w := acct.Quota.PrimaryWindow; w != nil {
		desc += fmt.Sprintf("  primary: %d%%", w.UsedPercent)
	}
	if w := acct.Quota.SecondaryWindow; w != nil {
		desc += fmt.Sprintf("  secondary: %d%%", w.UsedPercent)
	}
	if acct.QuotaStale(now) {
		desc += "  (stale)"
	}
	return desc
}

// DoUse activates a specific account by id.
func DoUse(cfg *config.Config, accountID string) {
	manager, _, err := buildManager(cfg)
	if err != nil {
		log.Errorf("failed to initialize: %v", err)
		return
	}

	if err = manager.Activate(accountID); err != nil {
		log.Errorf("failed to activate account: %v", err)
		fmt.Printf("Failed to activate %s: %v\n", accountID, err)
		return
	}
	fmt.Printf("Active account is now %s\n", accountID)
}

// DoRotate performs a manual round-robin rotation, or an automatic
// quota-aware one when auto is set.
func DoRotate(cfg *config.Config, auto bool) {
	manager, _, err := buildManager(cfg)
	if err != nil {
		log.Errorf("failed to initialize: %v", err)
		return
	}

	var outcome rotation.Outcome
	if auto {
		outcome, err = manager.CheckAndAutoRotate(context.Background())
	} else {
		outcome, err = manager.RotateNext(context.Background())
	}
	if err != nil {
		log.Errorf("rotation failed: %v", err)
		return
	}

	switch outcome.Kind {
	case rotation.RotatedTo:
		fmt.Printf("Rotated active account: %s -> %s\n", outcome.From, outcome.To)
	case rotation.NoActionNeeded:
		fmt.Printf("Active account %s is below threshold; nothing to do.\n", outcome.From)
	case rotation.NoCandidateAvailable:
		fmt.Println("Every other account is at or above threshold; keeping the current one.")
	case rotation.OnlyOneAccount:
		fmt.Println("Only one account available; nothing to rotate to.")
	}
}

// DoQuota refreshes and prints quota for one account, or for all accounts
// when accountID is empty.
func DoQuota(cfg *config.Config, accountID string) {
	manager, _, err := buildManager(cfg)
	if err != nil {
		log.Errorf("failed to initialize: %v", err)
		return
	}

	if accountID == "" {
		refreshed := manager.RefreshAllQuota(context.Background())
		fmt.Printf("Refreshed quota for %d account(s).\n", refreshed)
		DoList(cfg)
		return
	}

	snap, err := manager.RefreshQuota(context.Background(), accountID)
	if err != nil {
		log.Errorf("quota refresh failed: %v", err)
		fmt.Printf("Quota refresh failed for %s: %v\n", accountID, err)
		return
	}

	fmt.Printf("Plan: %s\n", snap.PlanType)
	if w := snap.PrimaryWindow; w != nil {
		fmt.Printf("Primary window: %d%% used", w.UsedPercent)
		if !w.ResetsAt.IsZero() {
			fmt.Printf(", resets %s", w.ResetsAt.Format(time.RFC3339))
		}
		fmt.Println()
	}
	if w := snap.SecondaryWindow; w != nil {
		fmt.Printf("Secondary window: %d%% used", w.UsedPercent)
		if !w.ResetsAt.IsZero() {
			fmt.Printf(", resets %s", w.ResetsAt.Format(time.RFC3339))
		}
		fmt.Println()
	}
	if cr := snap.Credits; cr != nil {
		if cr.Unlimited {
			fmt.Println("Credits: unlimited")
		} else if cr.HasCredits {
			fmt.Printf("Credits: %.2f\n", cr.Balance)
		}
	}
}

// DoDelete removes an account from the collection.
func DoDelete(cfg *config.Config, accountID string) {
	manager, _, err := buildManager(cfg)
	if err != nil {
		log.Errorf("failed to initialize: %v", err)
		return
	}

	if err = manager.DeleteAccount(accountID); err != nil {
		log.Errorf("failed to delete account: %v", err)
		fmt.Printf("Failed to delete %s: %v\n", accountID, err)
		return
	}
	fmt.Printf("Deleted account %s\n", accountID)
}
