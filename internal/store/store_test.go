package store

import (
	"encoding/json"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/quotaswitch/quotaswitch/internal/account"
)

func newTestStore(t *testing.T) *FileStore {
	t.Helper()
	st, err := NewFileStore(filepath.Join(t.TempDir(), "accounts.json"))
	if err != nil {
		t.Fatalf("NewFileStore() error = %v", err)
	}
	return st
}

func TestLoad_MissingFileYieldsDefaultState(t *testing.T) {
	t.Parallel()

	st := newTestStore(t)
	state, err := st.Load()
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}
	if state.Version != 1 || len(state.Accounts) != 0 || state.ActiveID != "" {
		t.Fatalf("Load() = %+v, want empty default state", state)
	}
}

func TestUpsert_PreservesInsertionOrder(t *testing.T) {
	t.Parallel()

	st := newTestStore(t)
	for _, id := range []string{"c", "a", "b"} {
		if err := st.Upsert(account.Account{ID: id}); err != nil {
			t.Fatalf("Upsert(%s) error = %v", id, err)
		}
	}

	accounts, err := st.List()
	if err != nil {
		t.Fatalf("List() error = %v", err)
	}
	want := []string{"c", "a", "b"}
	for i, id := range want {
		if accounts[i].ID != id {
			t.Fatalf("accounts[%d].ID = %q, want %q (insertion order)", i, accounts[i].ID, id)
		}
	}
}

func TestUpsert_LastWriteWinsKeepsSlot(t *testing.T) {
	t.Parallel()

	st := newTestStore(t)
	created := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	for _, acct := range []account.Account{
		{ID: "a", DisplayName: "first", CreatedAt: created},
		{ID: "b"},
	} {
		if err := st.Upsert(acct); err != nil {
			t.Fatalf("Upsert() error = %v", err)
		}
	}

	if err := st.Upsert(account.Account{ID: "a", DisplayName: "second"}); err != nil {
		t.Fatalf("Upsert() error = %v", err)
	}

	accounts, err := st.List()
	if err != nil {
		t.Fatalf("List() error = %v", err)
	}
	if len(accounts) != 2 {
		t.Fatalf("len(accounts) = %d, want 2 (no duplicate ids)", len(accounts))
	}
	if accounts[0].ID != "a" || accounts[0].DisplayName != "second" {
		t.Fatalf("accounts[0] = %+v, want replaced record in original slot", accounts[0])
	}
	if !accounts[0].CreatedAt.Equal(created) {
		t.Fatalf("CreatedAt = %v, want original %v preserved", accounts[0].CreatedAt, created)
	}
}

func TestUpsert_FirstAccountBecomesActive(t *testing.T) {
	t.Parallel()

	st := newTestStore(t)
	if err := st.Upsert(account.Account{ID: "first"}); err != nil {
		t.Fatalf("Upsert() error = %v", err)
	}
	if err := st.Upsert(account.Account{ID: "second"}); err != nil {
		t.Fatalf("Upsert() error = %v", err)
	}

	activeID, err := st.ActiveID()
	if err != nil {
		t.Fatalf("ActiveID() error = %v", err)
	}
	if activeID != "first" {
		t.Fatalf("ActiveID() = %q, want first", activeID)
	}
}

func TestSetActiveID_UnknownAccount(t *testing.T) {
	t.Parallel()

	st := newTestStore(t)
	if err := st.Upsert(account.Account{ID: "a"}); err != nil {
		t.Fatalf("Upsert() error = %v", err)
	}
	if err := st.SetActiveID("ghost"); err == nil {
		t.Fatalf("SetActiveID(ghost) error = nil, want ErrAccountNotFound")
	}
}

func TestDelete_MovesActivePointer(t *testing.T) {
	t.Parallel()

	st := newTestStore(t)
	for _, id := range []string{"a", "b", "c"} {
		if err := st.Upsert(account.Account{ID: id}); err != nil {
			t.Fatalf("Upsert() error = %v", err)
		}
	}

	if err := st.Delete("a"); err != nil {
		t.Fatalf("Delete() error = %v", err)
	}

	activeID, err := st.ActiveID()
	if err != nil {
		t.Fatalf("ActiveID() error = %v", err)
	}
	if activeID != "b" {
		t.Fatalf("ActiveID() after delete = %q, want b", activeID)
	}

	if err = st.Delete("a"); err == nil {
		t.Fatalf("Delete(a) twice error = nil, want ErrAccountNotFound")
	}
}

func TestUpdateAccount_PatchesSingleRecord(t *testing.T) {
	t.Parallel()

	st := newTestStore(t)
	for _, id := range []string{"a", "b"} {
		if err := st.Upsert(account.Account{ID: id, DisplayName: "name-" + id}); err != nil {
			t.Fatalf("Upsert() error = %v", err)
		}
	}

	updated := time.Date(2026, 4, 1, 10, 0, 0, 0, time.UTC)
	err := st.UpdateAccount("b", func(acct *account.Account) {
		acct.Quota = &account.QuotaSnapshot{PlanType: account.PlanPro}
		acct.QuotaUpdatedAt = updated
	})
	if err != nil {
		t.Fatalf("UpdateAccount() error = %v", err)
	}

	accounts, err := st.List()
	if err != nil {
		t.Fatalf("List() error = %v", err)
	}
	if accounts[0].Quota != nil {
		t.Fatalf("sibling record a was modified: %+v", accounts[0])
	}
	if accounts[1].Quota == nil || accounts[1].Quota.PlanType != account.PlanPro {
		t.Fatalf("record b = %+v, want patched quota", accounts[1])
	}
	if !accounts[1].QuotaUpdatedAt.Equal(updated) {
		t.Fatalf("QuotaUpdatedAt = %v, want %v", accounts[1].QuotaUpdatedAt, updated)
	}
}

func TestUpdateAccount_UnknownAccount(t *testing.T) {
	t.Parallel()

	st := newTestStore(t)
	err := st.UpdateAccount("ghost", func(acct *account.Account) {})
	if err == nil {
		t.Fatalf("UpdateAccount(ghost) error = nil, want ErrAccountNotFound")
	}
}

func TestSave_WritesValidJSONAtomically(t *testing.T) {
	t.Parallel()

	st := newTestStore(t)
	if err := st.Upsert(account.Account{ID: "a"}); err != nil {
		t.Fatalf("Upsert() error = %v", err)
	}

	raw, err := os.ReadFile(st.Path())
	if err != nil {
		t.Fatalf("ReadFile() error = %v", err)
	}
	var state State
	if err = json.Unmarshal(raw, &state); err != nil {
		t.Fatalf("accounts file is not valid JSON: %v", err)
	}

	// No temp files left behind by the atomic rename.
	entries, err := os.ReadDir(filepath.Dir(st.Path()))
	if err != nil {
		t.Fatalf("ReadDir() error = %v", err)
	}
	if len(entries) != 1 {
		t.Fatalf("directory has %d entries, want only the accounts file", len(entries))
	}
}

func TestOrderSurvivesReload(t *testing.T) {
	t.Parallel()

	path := filepath.Join(t.TempDir(), "accounts.json")
	st, err := NewFileStore(path)
	if err != nil {
		t.Fatalf("NewFileStore() error = %v", err)
	}
	for _, id := range []string{"z", "m", "a"} {
		if err = st.Upsert(account.Account{ID: id}); err != nil {
			t.Fatalf("Upsert() error = %v", err)
		}
	}

	reloaded, err := NewFileStore(path)
	if err != nil {
		t.Fatalf("NewFileStore() reload error = %v", err)
	}
	accounts, err := reloaded.List()
	if err != nil {
		t.Fatalf("List() error = %v", err)
	}
	want := []string{"z", "m", "a"}
	for i, id := range want {
		if accounts[i].ID != id {
			t.Fatalf("reloaded accounts[%d].ID = %q, want %q", i, accounts[i].ID, id)
		}
	}
}
