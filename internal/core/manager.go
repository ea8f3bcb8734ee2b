// Package core owns the account collection lifecycle: login, token and
// quota refresh, and active-account rotation. The Manager is an explicitly
// constructed, caller-owned instance; every collaborator (store, fetcher,
// authenticator, clock) is injected so behavior is deterministic in tests.
package core

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	log "github.com/sirupsen/logrus"
	"golang.org/x/sync/errgroup"

	"github.com/quotaswitch/quotaswitch/internal/account"
	"github.com/quotaswitch/quotaswitch/internal/auth/codex"
	"github.com/quotaswitch/quotaswitch/internal/rotation"
	"github.com/quotaswitch/quotaswitch/internal/store"
)

// ErrLoginInProgress is returned when a second login attempt arrives while
// one is already holding the callback port.
var ErrLoginInProgress = errors.New("a login attempt is already in progress")

// Store is the persistence surface the manager depends on.
type Store interface {
	List() ([]account.Account, error)
	ActiveID() (string, error)
	SetActiveID(id string) error
	Upsert(acct account.Account) error
	Delete(id string) error
	UpdateAccount(id string, mutate func(*account.Account)) error
}

// Authenticator runs one complete login flow.
type Authenticator interface {
	Login(ctx context.Context, opts *codex.LoginOptions) (*account.Account, error)
}

// QuotaFetcher retrieves one account's usage snapshot.
type QuotaFetcher interface {
	Fetch(ctx context.Context, acct *account.Account) (*account.QuotaSnapshot, account.TokenPair, error)
}

// Settings are the mutable rotation knobs, updated on config reload and
// read by every rotation check.
type Settings struct {
	ThresholdPercent int
	QuotaInterval    time.Duration
	RotateInterval   time.Duration
	SweepConcurrency int
}

// Event reports a background failure attributable to one account. Events
// are best-effort: the channel is buffered and drops when full rather than
// blocking a sweep.
type Event struct {
	AccountID string
	Err       error
	At        time.Time
}

// Manager coordinates the store, the auth flow, the quota fetcher, and the
// rotation engine. Writes to the account collection are serialized through
// the store; the manager itself only guards its settings and login slot.
type Manager struct {
	store         Store
	authenticator Authenticator
	fetcher       QuotaFetcher
	now           func() time.Time

	mu       sync.Mutex
	settings Settings

	loginMu     sync.Mutex
	loginActive bool

	events chan Event

	sched *scheduler
}

// Options configures a Manager.
type Options struct {
	Authenticator Authenticator
	Fetcher       QuotaFetcher
	Settings      Settings
	// Clock overrides time.Now for tests.
	Clock func() time.Time
}

// NewManager creates a manager over a store.
func NewManager(st Store, opts Options) *Manager {
	now := opts.Clock
	if now == nil {
		now = time.Now
	}
	if opts.Settings.SweepConcurrency <= 0 {
		opts.Settings.SweepConcurrency = 1
	}
	m := &Manager{
		store:         st,
		authenticator: opts.Authenticator,
		fetcher:       opts.Fetcher,
		now:           now,
		settings:      opts.Settings,
		events:        make(chan Event, 64),
	}
	m.sched = newScheduler(m)
	return m
}

// Events exposes the background failure channel for observability hooks.
func (m *Manager) Events() <-chan Event {
	return m.events
}

// UpdateSettings replaces the rotation knobs, typically on config reload.
func (m *Manager) UpdateSettings(s Settings) {
	if s.SweepConcurrency <= 0 {
		s.SweepConcurrency = 1
	}
	m.mu.Lock()
	m.settings = s
	m.mu.Unlock()
}

func (m *Manager) currentSettings() Settings {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.settings
}

// Login runs the browser-based login flow and persists the resulting
// account. Only one attempt may run at a time since the callback listener
// owns a fixed local port; a concurrent attempt is rejected.
func (m *Manager) Login(ctx context.Context, opts *codex.LoginOptions) (*account.Account, error) {
	m.loginMu.Lock()
	if m.loginActive {
		m.loginMu.Unlock()
		return nil, ErrLoginInProgress
	}
	m.loginActive = true
	m.loginMu.Unlock()
	defer func() {
		m.loginMu.Lock()
		m.loginActive = false
		m.loginMu.Unlock()
	}()

	acct, err := m.authenticator.Login(ctx, opts)
	if err != nil {
		return nil, err
	}

	if err = m.store.Upsert(*acct); err != nil {
		return nil, fmt.Errorf("failed to persist account: %w", err)
	}

	log.Infof("account %s logged in", acct.ID)
	return acct, nil
}

// RefreshQuota fetches a fresh usage snapshot for one account and persists
// it, along with any token refresh that happened on the way.
func (m *Manager) RefreshQuota(ctx context.Context, accountID string) (*account.QuotaSnapshot, error) {
	accounts, err := m.store.List()
	if err != nil {
		return nil, err
	}

	var target *account.Account
	for i := range accounts {
		if accounts[i].ID == accountID {
			target = &accounts[i]
			break
		}
	}
	if target == nil {
		return nil, fmt.Errorf("%w: %s", store.ErrAccountNotFound, accountID)
	}

	snap, tokens, err := m.fetcher.Fetch(ctx, target)
	if err != nil {
		// A successful token refresh is kept even when the usage call
		// itself failed.
		if tokens.AccessToken != "" && tokens.AccessToken != target.Tokens.AccessToken {
			m.persistTokens(accountID, tokens)
		}
		return nil, err
	}

	fetchedAt := m.now().UTC()
	if errUpdate := m.store.UpdateAccount(accountID, func(acct *account.Account) {
		acct.Tokens = tokens
		acct.Quota = snap
		acct.QuotaUpdatedAt = fetchedAt
	}); errUpdate != nil {
		return nil, errUpdate
	}
	return snap, nil
}

func (m *Manager) persistTokens(accountID string, tokens account.TokenPair) {
	if err := m.store.UpdateAccount(accountID, func(acct *account.Account) {
		acct.Tokens = tokens
	}); err != nil {
		log.Errorf("failed to persist refreshed tokens for account %s: %v", accountID, err)
	}
}

// RefreshAllQuota sweeps every account concurrently, bounded by the sweep
// concurrency setting. Each account's failure is isolated: it is reported
// on the events channel and logged, and never aborts the other fetches.
// The return value is the number of accounts refreshed successfully.
func (m *Manager) RefreshAllQuota(ctx context.Context) int {
	accounts, err := m.store.List()
	if err != nil {
		log.Errorf("quota sweep could not list accounts: %v", err)
		return 0
	}

	settings := m.currentSettings()

	var mu sync.Mutex
	refreshed := 0

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(settings.SweepConcurrency)
	for _, acct := range accounts {
		accountID := acct.ID
		g.Go(func() error {
			if _, errFetch := m.RefreshQuota(gctx, accountID); errFetch != nil {
				m.reportEvent(accountID, errFetch)
				return nil
			}
			mu.Lock()
			refreshed++
			mu.Unlock()
			return nil
		})
	}
	// Workers never return errors; failures are per-account events.
	_ = g.Wait()

	log.Debugf("quota sweep refreshed %d/%d accounts", refreshed, len(accounts))
	return refreshed
}

func (m *Manager) reportEvent(accountID string, err error) {
	log.Warnf("background refresh failed for account %s: %v", accountID, err)
	select {
	case m.events <- Event{AccountID: accountID, Err: err, At: m.now().UTC()}:
	default:
		log.Debug("event channel full, dropping background failure report")
	}
}

// CheckAndAutoRotate runs the quota-aware rotation check and persists the
// new active pointer when a rotation happens.
func (m *Manager) CheckAndAutoRotate(ctx context.Context) (rotation.Outcome, error) {
	_ = ctx
	accounts, activeID, err := m.collection()
	if err != nil {
		return rotation.Outcome{}, err
	}

	outcome := rotation.AutoRotate(accounts, activeID, m.currentSettings().ThresholdPercent)
	if outcome.Kind == rotation.RotatedTo {
		if err = m.activate(outcome.To); err != nil {
			return rotation.Outcome{}, err
		}
		log.Infof("auto-rotated active account from %s to %s", outcome.From, outcome.To)
	}
	return outcome, nil
}

// RotateNext moves the active pointer to the next account in insertion
// order, ignoring quota entirely.
func (m *Manager) RotateNext(ctx context.Context) (rotation.Outcome, error) {
	_ = ctx
	accounts, activeID, err := m.collection()
	if err != nil {
		return rotation.Outcome{}, err
	}

	outcome := rotation.ManualRotate(accounts, activeID)
	if outcome.Kind == rotation.RotatedTo {
		if err = m.activate(outcome.To); err != nil {
			return rotation.Outcome{}, err
		}
		log.Infof("manually rotated active account from %s to %s", outcome.From, outcome.To)
	}
	return outcome, nil
}

func (m *Manager) activate(id string) error {
	if err := m.store.SetActiveID(id); err != nil {
		return err
	}
	usedAt := m.now().UTC()
	if err := m.store.UpdateAccount(id, func(acct *account.Account) {
		acct.LastUsedAt = usedAt
	}); err != nil {
		log.Warnf("failed to stamp last-used time on account %s: %v", id, err)
	}
	return nil
}

// Activate makes a specific account active.
func (m *Manager) Activate(id string) error {
	return m.activate(id)
}

// ListAccounts returns the collection in insertion order, plus the resolved
// active id (first account when the pointer is unset).
func (m *Manager) ListAccounts() ([]account.Account, string, error) {
	accounts, activeID, err := m.collection()
	if err != nil {
		return nil, "", err
	}
	if activeID == "" && len(accounts) > 0 {
		activeID = accounts[0].ID
	}
	return accounts, activeID, nil
}

// DeleteAccount removes an account from the collection.
func (m *Manager) DeleteAccount(id string) error {
	return m.store.Delete(id)
}

func (m *Manager) collection() ([]account.Account, string, error) {
	accounts, err := m.store.List()
	if err != nil {
		return nil, "", err
	}
	activeID, err := m.store.ActiveID()
	if err != nil {
		return nil, "", err
	}
	return accounts, activeID, nil
}

// Start launches the periodic quota sweep and rotation check. Stop cancels
// both; no timer callback fires after Stop returns.
func (m *Manager) Start(ctx context.Context) {
	m.sched.start(ctx)
}

// Stop tears the schedulers down and waits for in-flight ticks to finish.
func (m *Manager) Stop() {
	m.sched.stop()
}
