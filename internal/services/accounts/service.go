// Package accounts provides the account store: a JSON file kept in memory,
// written atomically and reloaded when edited externally.
package accounts

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"slices"
	"strings"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/google/uuid"
	"github.com/tidwall/gjson"

	"github.com/j-veylop/antigravity-pool/internal/logger"
	"github.com/j-veylop/antigravity-pool/internal/models"
)

var (
	// ErrNotFound is returned when no account has the requested id.
	ErrNotFound = errors.New("account not found")
	// ErrStorage wraps every failure to read or write the backing file.
	ErrStorage = errors.New("account storage error")
)

const fileVersion = 2

// File represents the JSON file structure for accounts storage.
type File struct {
	Accounts []models.Account `json:"accounts"`
	Version  int              `json:"version"`
}

// Event represents an account store event.
type Event struct {
	Account *models.Account
	Error   error
	// ProxyChanged lists accounts whose proxy routing changed or that were
	// removed, so cached connections for them are no longer valid.
	ProxyChanged []string
	Type         EventType
}

// EventType defines the type of account event.
type EventType int

const (
	EventAccountsLoaded EventType = iota
	EventAccountsChanged
	EventAccountSaved
	EventAccountDeleted
	EventError
)

// Service manages accounts with file watching and change notifications.
type Service struct {
	watcher       *fsnotify.Watcher
	eventChan     chan Event
	stopChan      chan struct{}
	debounceTimer *time.Timer
	filePath      string
	accounts      []models.Account
	lastWritten   []byte
	mu            sync.RWMutex
	closeOnce     sync.Once
}

func defaultAccountsPath() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return ""
	}
	return filepath.Join(home, ".config", "antigravity-pool", "accounts.json")
}

// New creates a new account store and starts file watching.
func New(filePath string) (*Service, error) {
	if filePath == "" {
		filePath = defaultAccountsPath()
	}

	s := &Service{
		accounts:  make([]models.Account, 0),
		filePath:  filePath,
		eventChan: make(chan Event, 100),
		stopChan:  make(chan struct{}),
	}

	if err := os.MkdirAll(filepath.Dir(filePath), 0750); err != nil {
		return nil, fmt.Errorf("%w: create config directory: %w", ErrStorage, err)
	}

	if err := s.reload(); err != nil {
		if !errors.Is(err, os.ErrNotExist) {
			return nil, err
		}
		if err := s.persist(); err != nil {
			return nil, err
		}
	}

	if err := s.startWatcher(); err != nil {
		return nil, fmt.Errorf("failed to start file watcher: %w", err)
	}

	s.sendEvent(Event{Type: EventAccountsLoaded})

	return s, nil
}

// Events returns the event channel for subscribing to account changes.
func (s *Service) Events() <-chan Event {
	return s.eventChan
}

// Get returns a copy of the account with the given id.
func (s *Service) Get(id string) (models.Account, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	for i := range s.accounts {
		if s.accounts[i].ID == id {
			return s.accounts[i].Clone(), nil
		}
	}
	return models.Account{}, fmt.Errorf("%w: %s", ErrNotFound, id)
}

// GetByEmail returns a copy of the first account with the given email.
func (s *Service) GetByEmail(email string) (models.Account, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	for i := range s.accounts {
		if strings.EqualFold(s.accounts[i].Email, email) {
			return s.accounts[i].Clone(), nil
		}
	}
	return models.Account{}, fmt.Errorf("%w: %s", ErrNotFound, email)
}

// List returns copies of all accounts in file order.
func (s *Service) List() []models.Account {
	s.mu.RLock()
	defer s.mu.RUnlock()

	out := make([]models.Account, len(s.accounts))
	for i := range s.accounts {
		out[i] = s.accounts[i].Clone()
	}
	return out
}

// Count returns the number of accounts.
func (s *Service) Count() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.accounts)
}

// Save replaces the account with the same id, or inserts it when the id is
// new or empty. The file is rewritten before Save returns.
func (s *Service) Save(account models.Account) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if account.ID == "" {
		account.ID = accountID(account.Email)
	}
	if account.AddedAt.IsZero() {
		account.AddedAt = time.Now()
	}

	prev := slices.Clone(s.accounts)
	var proxyChanged []string
	idx := slices.IndexFunc(s.accounts, func(a models.Account) bool { return a.ID == account.ID })
	if idx >= 0 {
		if s.accounts[idx].ProxyURL != account.ProxyURL {
			proxyChanged = []string{account.ID}
		}
		s.accounts[idx] = account
	} else {
		s.accounts = append(s.accounts, account)
	}

	if err := s.persistLocked(); err != nil {
		s.accounts = prev
		return err
	}

	s.sendEvent(Event{Type: EventAccountSaved, Account: &account, ProxyChanged: proxyChanged})
	return nil
}

// Update applies fn to the stored account under the store lock and persists
// the result. Concurrent writers each see the others' changes, so a token
// rotation and a project resolution on the same account never overwrite
// one another.
func (s *Service) Update(id string, fn func(*models.Account)) (models.Account, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	idx := slices.IndexFunc(s.accounts, func(a models.Account) bool { return a.ID == id })
	if idx < 0 {
		return models.Account{}, fmt.Errorf("%w: %s", ErrNotFound, id)
	}

	prev := s.accounts[idx]
	updated := prev.Clone()
	fn(&updated)
	updated.ID = prev.ID

	s.accounts[idx] = updated
	if err := s.persistLocked(); err != nil {
		s.accounts[idx] = prev
		return models.Account{}, err
	}

	var proxyChanged []string
	if prev.ProxyURL != updated.ProxyURL {
		proxyChanged = []string{id}
	}
	saved := updated.Clone()
	s.sendEvent(Event{Type: EventAccountSaved, Account: &saved, ProxyChanged: proxyChanged})
	return updated.Clone(), nil
}

// Delete removes the account with the given id.
func (s *Service) Delete(id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	idx := slices.IndexFunc(s.accounts, func(a models.Account) bool { return a.ID == id })
	if idx < 0 {
		return fmt.Errorf("%w: %s", ErrNotFound, id)
	}

	prev := slices.Clone(s.accounts)
	deleted := s.accounts[idx]
	s.accounts = slices.Delete(s.accounts, idx, idx+1)

	if err := s.persistLocked(); err != nil {
		s.accounts = prev
		return err
	}

	s.sendEvent(Event{Type: EventAccountDeleted, Account: &deleted})
	return nil
}

// Import merges accounts from any supported file format into the store.
// Accounts already present by email keep their id, proxy and flags but take
// the imported refresh token. It returns the number of accounts merged.
func (s *Service) Import(data []byte) (int, error) {
	incoming, err := parseAccounts(data)
	if err != nil {
		return 0, err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	prev := slices.Clone(s.accounts)
	for _, acc := range incoming {
		idx := slices.IndexFunc(s.accounts, func(a models.Account) bool {
			return strings.EqualFold(a.Email, acc.Email)
		})
		if idx < 0 {
			if acc.AddedAt.IsZero() {
				acc.AddedAt = time.Now()
			}
			s.accounts = append(s.accounts, acc)
			continue
		}
		existing := &s.accounts[idx]
		if acc.Token.RefreshToken != "" && acc.Token.RefreshToken != existing.Token.RefreshToken {
			existing.Token = acc.Token
		}
		if existing.ProjectID == "" {
			existing.ProjectID = acc.ProjectID
		}
	}

	if err := s.persistLocked(); err != nil {
		s.accounts = prev
		return 0, err
	}

	s.sendEvent(Event{Type: EventAccountsChanged})
	return len(incoming), nil
}

// accountID derives a stable id from an email so accounts imported without
// one keep the same id across reloads.
func accountID(email string) string {
	if email == "" {
		return uuid.NewString()
	}
	return uuid.NewSHA1(uuid.NameSpaceURL, []byte("mailto:"+strings.ToLower(email))).String()
}

// parseAccounts accepts the native file, the opencode-antigravity-auth
// accounts file, and a bare JSON array of accounts.
func parseAccounts(data []byte) ([]models.Account, error) {
	if !gjson.ValidBytes(data) {
		return nil, fmt.Errorf("%w: invalid JSON in accounts file", ErrStorage)
	}
	root := gjson.ParseBytes(data)

	var accounts []models.Account
	switch {
	case root.IsArray():
		if err := json.Unmarshal(data, &accounts); err != nil {
			return nil, fmt.Errorf("%w: parse account list: %w", ErrStorage, err)
		}
	case root.Get("accounts.0.refreshToken").Exists():
		var raw struct {
			Accounts []models.RawAccountData `json:"accounts"`
		}
		if err := json.Unmarshal(data, &raw); err != nil {
			return nil, fmt.Errorf("%w: parse imported accounts: %w", ErrStorage, err)
		}
		accounts = make([]models.Account, 0, len(raw.Accounts))
		for _, r := range raw.Accounts {
			accounts = append(accounts, r.ToAccount())
		}
	case root.Get("accounts").IsArray():
		var f File
		if err := json.Unmarshal(data, &f); err != nil {
			return nil, fmt.Errorf("%w: parse accounts file: %w", ErrStorage, err)
		}
		accounts = f.Accounts
	default:
		return nil, fmt.Errorf("%w: unrecognised accounts file format", ErrStorage)
	}

	for i := range accounts {
		if accounts[i].ID == "" {
			accounts[i].ID = accountID(accounts[i].Email)
		}
	}
	return accounts, nil
}

// reload replaces the in-memory accounts with the file contents.
func (s *Service) reload() error {
	data, err := os.ReadFile(s.filePath)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return err
		}
		return fmt.Errorf("%w: %w", ErrStorage, err)
	}

	accounts, err := parseAccounts(data)
	if err != nil {
		return err
	}

	s.mu.Lock()
	s.accounts = accounts
	s.lastWritten = data
	s.mu.Unlock()
	return nil
}

func (s *Service) persist() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.persistLocked()
}

// persistLocked writes the accounts file (must hold lock).
func (s *Service) persistLocked() error {
	data, err := json.MarshalIndent(File{Accounts: s.accounts, Version: fileVersion}, "", "  ")
	if err != nil {
		return fmt.Errorf("%w: marshal accounts: %w", ErrStorage, err)
	}

	tmpFile := s.filePath + ".tmp"
	if err := os.WriteFile(tmpFile, data, 0600); err != nil {
		return fmt.Errorf("%w: write temp file: %w", ErrStorage, err)
	}

	if err := os.Rename(tmpFile, s.filePath); err != nil {
		if removeErr := os.Remove(tmpFile); removeErr != nil {
			logger.Error("failed to remove temp file", "error", removeErr)
		}
		return fmt.Errorf("%w: rename temp file: %w", ErrStorage, err)
	}

	s.lastWritten = data
	return nil
}

func (s *Service) startWatcher() error {
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return err
	}
	s.watcher = watcher

	// Watch the directory: editors and our own writes replace the file.
	if err := watcher.Add(filepath.Dir(s.filePath)); err != nil {
		if closeErr := watcher.Close(); closeErr != nil {
			logger.Error("failed to close watcher", "error", closeErr)
		}
		return err
	}

	go s.watchLoop()
	return nil
}

func (s *Service) watchLoop() {
	const debounceInterval = 100 * time.Millisecond

	for {
		select {
		case event, ok := <-s.watcher.Events:
			if !ok {
				return
			}
			if filepath.Base(event.Name) != filepath.Base(s.filePath) {
				continue
			}
			if event.Op&(fsnotify.Write|fsnotify.Create) != 0 {
				s.mu.Lock()
				if s.debounceTimer != nil {
					s.debounceTimer.Stop()
				}
				s.debounceTimer = time.AfterFunc(debounceInterval, s.handleFileChange)
				s.mu.Unlock()
			}

		case err, ok := <-s.watcher.Errors:
			if !ok {
				return
			}
			s.sendEvent(Event{Type: EventError, Error: err})

		case <-s.stopChan:
			return
		}
	}
}

// handleFileChange reloads the file after an external edit. Events caused
// by the store's own writes are recognised by content and ignored.
func (s *Service) handleFileChange() {
	data, err := os.ReadFile(s.filePath)
	if err != nil {
		logger.Warn("accounts file reload failed", "path", s.filePath, "error", err)
		s.sendEvent(Event{Type: EventError, Error: fmt.Errorf("%w: %w", ErrStorage, err)})
		return
	}

	s.mu.RLock()
	own := bytes.Equal(data, s.lastWritten)
	s.mu.RUnlock()
	if own {
		return
	}

	accounts, err := parseAccounts(data)
	if err != nil {
		logger.Warn("accounts file reload failed", "path", s.filePath, "error", err)
		s.sendEvent(Event{Type: EventError, Error: err})
		return
	}

	s.mu.Lock()
	changed := proxyChanges(s.accounts, accounts)
	s.accounts = accounts
	s.lastWritten = data
	s.mu.Unlock()

	logger.Debug("accounts file reloaded", "path", s.filePath, "count", len(accounts))
	s.sendEvent(Event{Type: EventAccountsChanged, ProxyChanged: changed})
}

// proxyChanges returns the ids of old accounts that are gone from next or
// route through a different proxy there.
func proxyChanges(old, next []models.Account) []string {
	proxies := make(map[string]string, len(next))
	for _, a := range next {
		proxies[a.ID] = a.ProxyURL
	}
	var ids []string
	for _, a := range old {
		if p, ok := proxies[a.ID]; !ok || p != a.ProxyURL {
			ids = append(ids, a.ID)
		}
	}
	return ids
}

// sendEvent sends an event to the event channel non-blocking.
func (s *Service) sendEvent(event Event) {
	select {
	case s.eventChan <- event:
	default:
		// Channel full, drop oldest event
		select {
		case <-s.eventChan:
		default:
		}
		select {
		case s.eventChan <- event:
		default:
		}
	}
}

// Close stops the file watcher.
func (s *Service) Close() error {
	var err error
	s.closeOnce.Do(func() {
		close(s.stopChan)

		s.mu.Lock()
		if s.debounceTimer != nil {
			s.debounceTimer.Stop()
		}
		s.mu.Unlock()

		if s.watcher != nil {
			err = s.watcher.Close()
		}
	})
	return err
}
