package core

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/quotaswitch/quotaswitch/internal/account"
	"github.com/quotaswitch/quotaswitch/internal/auth/codex"
	"github.com/quotaswitch/quotaswitch/internal/rotation"
	"github.com/quotaswitch/quotaswitch/internal/store"
)

// memStore is an in-memory Store with the same semantics as the file-backed
// one: insertion order, first account becomes active, delete moves the
// pointer.
type memStore struct {
	mu       sync.Mutex
	accounts []account.Account
	activeID string
}

func (s *memStore) List() ([]account.Account, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]account.Account, len(s.accounts))
	copy(out, s.accounts)
	return out, nil
}

func (s *memStore) ActiveID() (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.activeID, nil
}

func (s *memStore) SetActiveID(id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.indexOf(id) < 0 {
		return store.ErrAccountNotFound
	}
	s.activeID = id
	return nil
}

func (s *memStore) Upsert(acct account.Account) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if i := s.indexOf(acct.ID); i >= 0 {
		s.accounts[i] = acct
		return nil
	}
	s.accounts = append(s.accounts, acct)
	if len(s.accounts) == 1 {
		s.activeID = acct.ID
	}
	return nil
}

func (s *memStore) Delete(id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	i := s.indexOf(id)
	if i < 0 {
		return store.ErrAccountNotFound
	}
	s.accounts = append(s.accounts[:i], s.accounts[i+1:]...)
	if s.activeID == id {
		s.activeID = ""
		if len(s.accounts) > 0 {
			s.activeID = s.accounts[0].ID
		}
	}
	return nil
}

func (s *memStore) UpdateAccount(id string, mutate func(*account.Account)) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	i := s.indexOf(id)
	if i < 0 {
		return store.ErrAccountNotFound
	}
	mutate(&s.accounts[i])
	return nil
}

func (s *memStore) indexOf(id string) int {
	for i := range s.accounts {
		if s.accounts[i].ID == id {
			return i
		}
	}
	return -1
}

// stubFetcher serves canned snapshots keyed by account id; ids in fail
// return the given error instead.
type stubFetcher struct {
	mu    sync.Mutex
	snaps map[string]*account.QuotaSnapshot
	fail  map[string]error
	calls []string
}

func (f *stubFetcher) Fetch(ctx context.Context, acct *account.Account) (*account.QuotaSnapshot, account.TokenPair, error) {
	f.mu.Lock()
	f.calls = append(f.calls, acct.ID)
	f.mu.Unlock()
	if err, ok := f.fail[acct.ID]; ok {
		return nil, acct.Tokens, err
	}
	snap := f.snaps[acct.ID]
	if snap == nil {
		snap = &account.QuotaSnapshot{PlanType: account.PlanPlus}
	}
	return snap, acct.Tokens, nil
}

type stubAuthenticator struct {
	mu        sync.Mutex
	acct      *account.Account
	err       error
	started   chan struct{}
	startOnce sync.Once
	release   chan struct{}
	calls     int
}

func (a *stubAuthenticator) Login(ctx context.Context, opts *codex.LoginOptions) (*account.Account, error) {
	a.mu.Lock()
	a.calls++
	a.mu.Unlock()
	if a.started != nil {
		a.startOnce.Do(func() { close(a.started) })
	}
	if a.release != nil {
		<-a.release
	}
	if a.err != nil {
		return nil, a.err
	}
	return a.acct, nil
}

func usedSnapshot(percent int) *account.QuotaSnapshot {
	return &account.QuotaSnapshot{
		PlanType:      account.PlanPlus,
		PrimaryWindow: &account.QuotaWindow{UsedPercent: percent},
	}
}

func newTestManager(st Store, fetcher QuotaFetcher, auth Authenticator) *Manager {
	return NewManager(st, Options{
		Authenticator: auth,
		Fetcher:       fetcher,
		Settings: Settings{
			ThresholdPercent: 90,
			SweepConcurrency: 2,
		},
		Clock: func() time.Time {
			return time.Date(2026, 6, 1, 12, 0, 0, 0, time.UTC)
		},
	})
}

func TestLogin_PersistsAccount(t *testing.T) {
	t.Parallel()

	st := &memStore{}
	auth := &stubAuthenticator{acct: &account.Account{ID: "acct-1", Email: "a@example.com"}}
	m := newTestManager(st, &stubFetcher{}, auth)

	acct, err := m.Login(context.Background(), &codex.LoginOptions{})
	if err != nil {
		t.Fatalf("Login() error = %v", err)
	}
	if acct.ID != "acct-1" {
		t.Fatalf("Login() account id = %q, want acct-1", acct.ID)
	}

	accounts, _ := st.List()
	if len(accounts) != 1 || accounts[0].ID != "acct-1" {
		t.Fatalf("store accounts = %+v, want persisted acct-1", accounts)
	}
	activeID, _ := st.ActiveID()
	if activeID != "acct-1" {
		t.Fatalf("first login did not become active, active = %q", activeID)
	}
}

func TestLogin_RejectsConcurrentAttempt(t *testing.T) {
	t.Parallel()

	auth := &stubAuthenticator{
		acct:    &account.Account{ID: "acct-1"},
		started: make(chan struct{}),
		release: make(chan struct{}),
	}
	m := newTestManager(&memStore{}, &stubFetcher{}, auth)

	done := make(chan error, 1)
	go func() {
		_, err := m.Login(context.Background(), &codex.LoginOptions{})
		done <- err
	}()
	<-auth.started

	if _, err := m.Login(context.Background(), &codex.LoginOptions{}); !errors.Is(err, ErrLoginInProgress) {
		t.Fatalf("second Login() error = %v, want ErrLoginInProgress", err)
	}

	close(auth.release)
	if err := <-done; err != nil {
		t.Fatalf("first Login() error = %v", err)
	}

	// The slot is free again once the first attempt finished.
	if _, err := m.Login(context.Background(), &codex.LoginOptions{}); err != nil {
		t.Fatalf("Login() after release error = %v", err)
	}
}

func TestLogin_FailureDoesNotPersist(t *testing.T) {
	t.Parallel()

	st := &memStore{}
	auth := &stubAuthenticator{err: errors.New("browser flow aborted")}
	m := newTestManager(st, &stubFetcher{}, auth)

	if _, err := m.Login(context.Background(), &codex.LoginOptions{}); err == nil {
		t.Fatalf("Login() error = nil, want failure")
	}
	accounts, _ := st.List()
	if len(accounts) != 0 {
		t.Fatalf("store accounts = %+v, want none after failed login", accounts)
	}
}

func TestRefreshQuota_PersistsSnapshotAndTimestamp(t *testing.T) {
	t.Parallel()

	st := &memStore{}
	_ = st.Upsert(account.Account{ID: "acct-1"})
	fetcher := &stubFetcher{snaps: map[string]*account.QuotaSnapshot{"acct-1": usedSnapshot(42)}}
	m := newTestManager(st, fetcher, nil)

	snap, err := m.RefreshQuota(context.Background(), "acct-1")
	if err != nil {
		t.Fatalf("RefreshQuota() error = %v", err)
	}
	if snap.PrimaryWindow.UsedPercent != 42 {
		t.Fatalf("snapshot used = %d, want 42", snap.PrimaryWindow.UsedPercent)
	}

	accounts, _ := st.List()
	if accounts[0].Quota == nil || accounts[0].Quota.PrimaryWindow.UsedPercent != 42 {
		t.Fatalf("persisted quota = %+v, want used 42", accounts[0].Quota)
	}
	if accounts[0].QuotaUpdatedAt.IsZero() {
		t.Fatalf("QuotaUpdatedAt not stamped")
	}
}

func TestRefreshQuota_UnknownAccount(t *testing.T) {
	t.Parallel()

	m := newTestManager(&memStore{}, &stubFetcher{}, nil)
	if _, err := m.RefreshQuota(context.Background(), "ghost"); !errors.Is(err, store.ErrAccountNotFound) {
		t.Fatalf("RefreshQuota(ghost) error = %v, want ErrAccountNotFound", err)
	}
}

func TestRefreshQuota_KeepsRefreshedTokensOnFetchFailure(t *testing.T) {
	t.Parallel()

	st := &memStore{}
	_ = st.Upsert(account.Account{
		ID:     "acct-1",
		Tokens: account.TokenPair{AccessToken: "at-old", RefreshToken: "rt-1"},
	})
	fetcher := &tokenRefreshingFailFetcher{}
	m := newTestManager(st, fetcher, nil)

	if _, err := m.RefreshQuota(context.Background(), "acct-1"); err == nil {
		t.Fatalf("RefreshQuota() error = nil, want fetch failure")
	}

	accounts, _ := st.List()
	if accounts[0].Tokens.AccessToken != "at-new" {
		t.Fatalf("tokens.AccessToken = %q, want refreshed at-new persisted despite fetch failure", accounts[0].Tokens.AccessToken)
	}
}

// tokenRefreshingFailFetcher simulates a token refresh that succeeded before
// the usage call itself failed.
type tokenRefreshingFailFetcher struct{}

func (f *tokenRefreshingFailFetcher) Fetch(ctx context.Context, acct *account.Account) (*account.QuotaSnapshot, account.TokenPair, error) {
	tokens := acct.Tokens
	tokens.AccessToken = "at-new"
	return nil, tokens, errors.New("usage endpoint unavailable")
}

func TestRefreshAllQuota_IsolatesFailures(t *testing.T) {
	t.Parallel()

	st := &memStore{}
	for _, id := range []string{"a", "b", "c"} {
		_ = st.Upsert(account.Account{ID: id})
	}
	fetchErr := errors.New("rate limited")
	fetcher := &stubFetcher{fail: map[string]error{"b": fetchErr}}
	m := newTestManager(st, fetcher, nil)

	refreshed := m.RefreshAllQuota(context.Background())
	if refreshed != 2 {
		t.Fatalf("RefreshAllQuota() = %d, want 2", refreshed)
	}

	fetcher.mu.Lock()
	calls := len(fetcher.calls)
	fetcher.mu.Unlock()
	if calls != 3 {
		t.Fatalf("fetch calls = %d, want all 3 accounts attempted", calls)
	}

	select {
	case ev := <-m.Events():
		if ev.AccountID != "b" || !errors.Is(ev.Err, fetchErr) {
			t.Fatalf("event = %+v, want failure for account b", ev)
		}
	default:
		t.Fatalf("no event reported for failed account")
	}

	// The two healthy accounts got their snapshots persisted.
	accounts, _ := st.List()
	for _, acct := range accounts {
		if acct.ID == "b" {
			if acct.Quota != nil {
				t.Fatalf("failed account b has quota %+v, want none", acct.Quota)
			}
			continue
		}
		if acct.Quota == nil {
			t.Fatalf("account %s has no quota after sweep", acct.ID)
		}
	}
}

func TestCheckAndAutoRotate_PersistsPointer(t *testing.T) {
	t.Parallel()

	st := &memStore{}
	_ = st.Upsert(account.Account{ID: "a", Quota: usedSnapshot(95)})
	_ = st.Upsert(account.Account{ID: "b", Quota: usedSnapshot(10)})
	m := newTestManager(st, &stubFetcher{}, nil)

	outcome, err := m.CheckAndAutoRotate(context.Background())
	if err != nil {
		t.Fatalf("CheckAndAutoRotate() error = %v", err)
	}
	if outcome.Kind != rotation.RotatedTo || outcome.To != "b" {
		t.Fatalf("outcome = %+v, want RotatedTo b", outcome)
	}

	activeID, _ := st.ActiveID()
	if activeID != "b" {
		t.Fatalf("active = %q, want b persisted", activeID)
	}
	accounts, _ := st.List()
	if accounts[1].LastUsedAt.IsZero() {
		t.Fatalf("rotated-to account has no last-used stamp")
	}
}

func TestCheckAndAutoRotate_NoActionLeavesPointer(t *testing.T) {
	t.Parallel()

	st := &memStore{}
	_ = st.Upsert(account.Account{ID: "a", Quota: usedSnapshot(10)})
	_ = st.Upsert(account.Account{ID: "b", Quota: usedSnapshot(10)})
	m := newTestManager(st, &stubFetcher{}, nil)

	outcome, err := m.CheckAndAutoRotate(context.Background())
	if err != nil {
		t.Fatalf("CheckAndAutoRotate() error = %v", err)
	}
	if outcome.Kind != rotation.NoActionNeeded {
		t.Fatalf("outcome = %+v, want NoActionNeeded", outcome)
	}
	activeID, _ := st.ActiveID()
	if activeID != "a" {
		t.Fatalf("active = %q, want unchanged a", activeID)
	}
}

func TestRotateNext_CyclesAndPersists(t *testing.T) {
	t.Parallel()

	st := &memStore{}
	for _, id := range []string{"a", "b", "c"} {
		_ = st.Upsert(account.Account{ID: id})
	}
	m := newTestManager(st, &stubFetcher{}, nil)

	want := []string{"b", "c", "a"}
	for i, next := range want {
		outcome, err := m.RotateNext(context.Background())
		if err != nil {
			t.Fatalf("RotateNext() #%d error = %v", i, err)
		}
		if outcome.Kind != rotation.RotatedTo || outcome.To != next {
			t.Fatalf("RotateNext() #%d = %+v, want RotatedTo %s", i, outcome, next)
		}
		activeID, _ := st.ActiveID()
		if activeID != next {
			t.Fatalf("active after #%d = %q, want %q", i, activeID, next)
		}
	}
}

func TestRotateNext_SingleAccount(t *testing.T) {
	t.Parallel()

	st := &memStore{}
	_ = st.Upsert(account.Account{ID: "only"})
	m := newTestManager(st, &stubFetcher{}, nil)

	outcome, err := m.RotateNext(context.Background())
	if err != nil {
		t.Fatalf("RotateNext() error = %v", err)
	}
	if outcome.Kind != rotation.OnlyOneAccount {
		t.Fatalf("outcome = %+v, want OnlyOneAccount", outcome)
	}
}

func TestListAccounts_ResolvesEmptyActivePointer(t *testing.T) {
	t.Parallel()

	st := &memStore{}
	_ = st.Upsert(account.Account{ID: "a"})
	_ = st.Upsert(account.Account{ID: "b"})
	st.activeID = ""
	m := newTestManager(st, &stubFetcher{}, nil)

	accounts, activeID, err := m.ListAccounts()
	if err != nil {
		t.Fatalf("ListAccounts() error = %v", err)
	}
	if len(accounts) != 2 {
		t.Fatalf("len(accounts) = %d, want 2", len(accounts))
	}
	if activeID != "a" {
		t.Fatalf("resolved active = %q, want first account a", activeID)
	}
}

func TestStartStop_NoTicksAfterStop(t *testing.T) {
	t.Parallel()

	st := &memStore{}
	_ = st.Upsert(account.Account{ID: "a"})
	fetcher := &stubFetcher{}
	m := NewManager(st, Options{
		Fetcher: fetcher,
		Settings: Settings{
			ThresholdPercent: 90,
			QuotaInterval:    5 * time.Millisecond,
			RotateInterval:   5 * time.Millisecond,
			SweepConcurrency: 1,
		},
	})

	m.Start(context.Background())
	time.Sleep(30 * time.Millisecond)
	m.Stop()

	fetcher.mu.Lock()
	after := len(fetcher.calls)
	fetcher.mu.Unlock()
	if after == 0 {
		t.Fatalf("no sweep ran while scheduler was active")
	}

	time.Sleep(30 * time.Millisecond)
	fetcher.mu.Lock()
	later := len(fetcher.calls)
	fetcher.mu.Unlock()
	if later != after {
		t.Fatalf("sweep ran after Stop(): %d -> %d calls", after, later)
	}
}
