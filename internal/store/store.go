// Package store persists the account collection and the active-account
// pointer to a JSON file. Accounts are kept as an ordered list so that
// insertion order — the round-robin rotation order — survives reloads.
package store

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	log "github.com/sirupsen/logrus"
	"github.com/tidwall/sjson"

	"github.com/quotaswitch/quotaswitch/internal/account"
)

// ErrAccountNotFound is returned when an operation names an unknown id.
var ErrAccountNotFound = errors.New("account not found")

// State is the on-disk shape of the accounts file.
type State struct {
	Version   int               `json:"version"`
	ActiveID  string            `json:"active_id,omitempty"`
	Accounts  []account.Account `json:"accounts"`
	UpdatedAt time.Time         `json:"updated_at,omitempty"`
}

// DefaultState returns an empty accounts file.
func DefaultState() State {
	return State{Version: 1, Accounts: []account.Account{}}
}

// FileStore is a mutex-guarded JSON file store. Writers are serialized so a
// read-modify-write of one account never interleaves with another write.
type FileStore struct {
	mu   sync.RWMutex
	path string
}

// NewFileStore creates a store backed by the given file path, creating the
// parent directory when needed.
func NewFileStore(path string) (*FileStore, error) {
	if path == "" {
		return nil, fmt.Errorf("accounts file path is required")
	}
	if err := os.MkdirAll(filepath.Dir(path), 0700); err != nil {
		return nil, fmt.Errorf("failed to create accounts directory: %w", err)
	}
	return &FileStore{path: path}, nil
}

// Path returns the accounts file path.
func (s *FileStore) Path() string {
	return s.path
}

// Load reads the full state. A missing file yields the default empty state.
func (s *FileStore) Load() (State, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.loadLocked()
}

func (s *FileStore) loadLocked() (State, error) {
	data, err := os.ReadFile(s.path)
	if errors.Is(err, os.ErrNotExist) {
		return DefaultState(), nil
	}
	if err != nil {
		return State{}, err
	}

	var state State
	if err = json.Unmarshal(data, &state); err != nil {
		return State{}, fmt.Errorf("accounts file is corrupt: %w", err)
	}
	if state.Accounts == nil {
		state.Accounts = []account.Account{}
	}
	return state, nil
}

// Save replaces the full state. The write is atomic: a temp file in the
// same directory is renamed over the target.
func (s *FileStore) Save(state State) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.saveLocked(state)
}

func (s *FileStore) saveLocked(state State) error {
	state.UpdatedAt = time.Now().UTC()
	if state.Accounts == nil {
		state.Accounts = []account.Account{}
	}

	data, err := json.MarshalIndent(state, "", "  ")
	if err != nil {
		return err
	}
	return s.writeFileAtomic(data)
}

func (s *FileStore) writeFileAtomic(data []byte) error {
	tmp, err := os.CreateTemp(filepath.Dir(s.path), ".accounts-*.json")
	if err != nil {
		return fmt.Errorf("failed to create temp accounts file: %w", err)
	}
	tmpName := tmp.Name()

	if _, err = tmp.Write(data); err != nil {
		_ = tmp.Close()
		_ = os.Remove(tmpName)
		return fmt.Errorf("failed to write accounts file: %w", err)
	}
	if err = tmp.Close(); err != nil {
		_ = os.Remove(tmpName)
		return fmt.Errorf("failed to close accounts file: %w", err)
	}
	if err = os.Chmod(tmpName, 0600); err != nil {
		_ = os.Remove(tmpName)
		return err
	}
	if err = os.Rename(tmpName, s.path); err != nil {
		_ = os.Remove(tmpName)
		return fmt.Errorf("failed to replace accounts file: %w", err)
	}
	return nil
}

// List returns the accounts in insertion order.
func (s *FileStore) List() ([]account.Account, error) {
	state, err := s.Load()
	if err != nil {
		return nil, err
	}
	return state.Accounts, nil
}

// ActiveID returns the active-account pointer, which may be empty.
func (s *FileStore) ActiveID() (string, error) {
	state, err := s.Load()
	if err != nil {
		return "", err
	}
	return state.ActiveID, nil
}

// SetActiveID points the collection at a new active account.
func (s *FileStore) SetActiveID(id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	state, err := s.loadLocked()
	if err != nil {
		return err
	}
	if id != "" && indexOf(state.Accounts, id) < 0 {
		return fmt.Errorf("%w: %s", ErrAccountNotFound, id)
	}
	state.ActiveID = id
	return s.saveLocked(state)
}

// Upsert inserts a new account at the end of the collection or replaces an
// existing record in place. Replacement keeps the original slot so rotation
// order is unaffected; on id collision the last write wins.
func (s *FileStore) Upsert(acct account.Account) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	state, err := s.loadLocked()
	if err != nil {
		return err
	}

	if idx := indexOf(state.Accounts, acct.ID); idx >= 0 {
		acct.CreatedAt = state.Accounts[idx].CreatedAt
		state.Accounts[idx] = acct
	} else {
		state.Accounts = append(state.Accounts, acct)
	}
	if state.ActiveID == "" {
		state.ActiveID = acct.ID
	}
	return s.saveLocked(state)
}

// Delete removes an account. A deleted active account moves the pointer to
// the first remaining account.
func (s *FileStore) Delete(id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	state, err := s.loadLocked()
	if err != nil {
		return err
	}

	idx := indexOf(state.Accounts, id)
	if idx < 0 {
		return fmt.Errorf("%w: %s", ErrAccountNotFound, id)
	}
	state.Accounts = append(state.Accounts[:idx], state.Accounts[idx+1:]...)
	if state.ActiveID == id {
		state.ActiveID = ""
		if len(state.Accounts) > 0 {
			state.ActiveID = state.Accounts[0].ID
		}
	}
	return s.saveLocked(state)
}

// UpdateAccount applies a mutation to a single account record and rewrites
// only that record inside the file. Sibling records are untouched, which
// keeps the write atomic at the single-record level.
func (s *FileStore) UpdateAccount(id string, mutate func(*account.Account)) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	raw, err := os.ReadFile(s.path)
	if errors.Is(err, os.ErrNotExist) {
		return fmt.Errorf("%w: %s", ErrAccountNotFound, id)
	}
	if err != nil {
		return err
	}

	var state State
	if err = json.Unmarshal(raw, &state); err != nil {
		return fmt.Errorf("accounts file is corrupt: %w", err)
	}

	idx := indexOf(state.Accounts, id)
	if idx < 0 {
		return fmt.Errorf("%w: %s", ErrAccountNotFound, id)
	}

	acct := state.Accounts[idx]
	mutate(&acct)
	if acct.ID != id {
		log.Warnf("account mutation changed id from %s to %s; keeping original", id, acct.ID)
		acct.ID = id
	}

	record, err := json.Marshal(acct)
	if err != nil {
		return err
	}
	patched, err := sjson.SetRawBytes(raw, fmt.Sprintf("accounts.%d", idx), record)
	if err != nil {
		return fmt.Errorf("failed to patch account record: %w", err)
	}
	patched, err = sjson.SetBytes(patched, "updated_at", time.Now().UTC().Format(time.RFC3339Nano))
	if err != nil {
		return err
	}
	return s.writeFileAtomic(patched)
}

func indexOf(accounts []account.Account, id string) int {
	for i, acct := range accounts {
		if acct.ID == id {
			return i
		}
	}
	return -1
}
