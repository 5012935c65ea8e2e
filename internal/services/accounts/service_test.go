package accounts

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/j-veylop/antigravity-pool/internal/models"
)

func newTestService(t *testing.T) (*Service, string) {
	t.Helper()

	accountsPath := filepath.Join(t.TempDir(), "accounts.json")

	svc, err := New(accountsPath)
	if err != nil {
		t.Fatalf("New() failed: %v", err)
	}

	t.Cleanup(func() {
		if err := svc.Close(); err != nil {
			t.Logf("Close() failed: %v", err)
		}
	})

	return svc, accountsPath
}

func TestNew(t *testing.T) {
	svc, accountsPath := newTestService(t)

	if svc.Count() != 0 {
		t.Errorf("Count() = %d, want 0", svc.Count())
	}
	if _, err := os.Stat(accountsPath); err != nil {
		t.Errorf("accounts file was not created: %v", err)
	}
}

func TestNew_InvalidFile(t *testing.T) {
	accountsPath := filepath.Join(t.TempDir(), "accounts.json")
	if err := os.WriteFile(accountsPath, []byte("{not json"), 0600); err != nil {
		t.Fatalf("WriteFile() failed: %v", err)
	}

	_, err := New(accountsPath)
	if !errors.Is(err, ErrStorage) {
		t.Fatalf("New() error = %v, want ErrStorage", err)
	}
}

func TestSave_Insert(t *testing.T) {
	svc, _ := newTestService(t)

	if err := svc.Save(models.Account{Email: "test@example.com", ProjectID: "p-1"}); err != nil {
		t.Fatalf("Save() failed: %v", err)
	}

	accounts := svc.List()
	if len(accounts) != 1 {
		t.Fatalf("List() returned %d accounts, want 1", len(accounts))
	}
	if accounts[0].ID == "" {
		t.Error("account ID should be generated")
	}
	if accounts[0].AddedAt.IsZero() {
		t.Error("account AddedAt should be set")
	}
	if accounts[0].ID != accountID("test@example.com") {
		t.Error("generated ID should be derived from the email")
	}
}

func TestSave_Update(t *testing.T) {
	svc, _ := newTestService(t)

	acc := models.Account{ID: "a1", Email: "test@example.com"}
	if err := svc.Save(acc); err != nil {
		t.Fatalf("Save() failed: %v", err)
	}

	acc.ProjectID = "resolved-project"
	acc.Token = models.Token{AccessToken: "at", RefreshToken: "rt", Expiry: time.Now().Add(time.Hour)}
	if err := svc.Save(acc); err != nil {
		t.Fatalf("Save() failed: %v", err)
	}

	if svc.Count() != 1 {
		t.Fatalf("Count() = %d, want 1", svc.Count())
	}
	got, err := svc.Get("a1")
	if err != nil {
		t.Fatalf("Get() failed: %v", err)
	}
	if got.ProjectID != "resolved-project" || got.Token.AccessToken != "at" {
		t.Errorf("Get() = %+v, update not applied", got)
	}
}

func TestGet_NotFound(t *testing.T) {
	svc, _ := newTestService(t)

	if _, err := svc.Get("missing"); !errors.Is(err, ErrNotFound) {
		t.Errorf("Get() error = %v, want ErrNotFound", err)
	}
	if _, err := svc.GetByEmail("nobody@example.com"); !errors.Is(err, ErrNotFound) {
		t.Errorf("GetByEmail() error = %v, want ErrNotFound", err)
	}
}

func TestGet_ReturnsCopy(t *testing.T) {
	svc, _ := newTestService(t)

	if err := svc.Save(models.Account{ID: "a1", Email: "a@example.com"}); err != nil {
		t.Fatalf("Save() failed: %v", err)
	}

	got, _ := svc.Get("a1")
	got.Email = "mutated@example.com"

	again, _ := svc.Get("a1")
	if again.Email != "a@example.com" {
		t.Error("mutating a returned account must not change the store")
	}
}

func TestDelete(t *testing.T) {
	svc, _ := newTestService(t)

	for _, id := range []string{"a1", "a2"} {
		if err := svc.Save(models.Account{ID: id, Email: id + "@example.com"}); err != nil {
			t.Fatalf("Save() failed: %v", err)
		}
	}

	if err := svc.Delete("a1"); err != nil {
		t.Fatalf("Delete() failed: %v", err)
	}
	if svc.Count() != 1 {
		t.Errorf("Count() = %d, want 1", svc.Count())
	}
	if err := svc.Delete("a1"); !errors.Is(err, ErrNotFound) {
		t.Errorf("second Delete() error = %v, want ErrNotFound", err)
	}
}

func TestSave_StorageFailure(t *testing.T) {
	svc, accountsPath := newTestService(t)

	if err := svc.Save(models.Account{ID: "a1", Email: "a@example.com"}); err != nil {
		t.Fatalf("Save() failed: %v", err)
	}

	// A directory in place of the temp file makes the write fail.
	if err := os.Mkdir(accountsPath+".tmp", 0750); err != nil {
		t.Fatalf("Mkdir() failed: %v", err)
	}

	err := svc.Save(models.Account{ID: "a2", Email: "b@example.com"})
	if !errors.Is(err, ErrStorage) {
		t.Fatalf("Save() error = %v, want ErrStorage", err)
	}
	if svc.Count() != 1 {
		t.Errorf("failed Save() must roll back, Count() = %d", svc.Count())
	}
}

func TestPersistence(t *testing.T) {
	accountsPath := filepath.Join(t.TempDir(), "accounts.json")

	svc1, err := New(accountsPath)
	if err != nil {
		t.Fatalf("New() failed: %v", err)
	}
	expiry := time.Now().Add(time.Hour).Truncate(time.Second)
	acc := models.Account{
		ID:       "a1",
		Email:    "test@example.com",
		ProxyURL: "socks5://127.0.0.1:1080",
		Token:    models.Token{AccessToken: "at", RefreshToken: "rt", Expiry: expiry},
	}
	if err := svc1.Save(acc); err != nil {
		t.Fatalf("Save() failed: %v", err)
	}
	if err := svc1.Close(); err != nil {
		t.Fatalf("Close() failed: %v", err)
	}

	svc2, err := New(accountsPath)
	if err != nil {
		t.Fatalf("New() for svc2 failed: %v", err)
	}
	defer func() {
		_ = svc2.Close()
	}()

	got, err := svc2.Get("a1")
	if err != nil {
		t.Fatalf("Get() after reload failed: %v", err)
	}
	if got.ProxyURL != acc.ProxyURL || got.Token.RefreshToken != "rt" || !got.Token.Expiry.Equal(expiry) {
		t.Errorf("reloaded account = %+v, want %+v", got, acc)
	}
}

func TestFileFormat(t *testing.T) {
	svc, accountsPath := newTestService(t)

	if err := svc.Save(models.Account{Email: "test@example.com"}); err != nil {
		t.Fatalf("Save() failed: %v", err)
	}

	data, err := os.ReadFile(accountsPath)
	if err != nil {
		t.Fatalf("ReadFile() failed: %v", err)
	}

	var f File
	if err := json.Unmarshal(data, &f); err != nil {
		t.Fatalf("Unmarshal() failed: %v", err)
	}
	if f.Version != fileVersion {
		t.Errorf("version = %d, want %d", f.Version, fileVersion)
	}
	if len(f.Accounts) != 1 || f.Accounts[0].Email != "test@example.com" {
		t.Errorf("file accounts = %+v", f.Accounts)
	}
}

func TestParseAccounts(t *testing.T) {
	tests := []struct {
		name      string
		content   string
		wantEmail string
		wantErr   bool
	}{
		{
			name:      "native",
			content:   `{"version":2,"accounts":[{"id":"n1","email":"native@example.com","token":{"refreshToken":"rt"}}]}`,
			wantEmail: "native@example.com",
		},
		{
			name:      "opencode import",
			content:   `{"version":1,"activeIndex":0,"accounts":[{"email":"js@example.com","refreshToken":"rt","projectId":"js-proj","addedAt":1700000000000}]}`,
			wantEmail: "js@example.com",
		},
		{
			name:      "bare array",
			content:   `[{"email":"legacy@example.com","projectId":"legacy-proj"}]`,
			wantEmail: "legacy@example.com",
		},
		{name: "invalid json", content: `{"accounts":`, wantErr: true},
		{name: "unknown shape", content: `{"users":[]}`, wantErr: true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			accounts, err := parseAccounts([]byte(tt.content))
			if tt.wantErr {
				if !errors.Is(err, ErrStorage) {
					t.Fatalf("parseAccounts() error = %v, want ErrStorage", err)
				}
				return
			}
			if err != nil {
				t.Fatalf("parseAccounts() failed: %v", err)
			}
			if len(accounts) != 1 {
				t.Fatalf("got %d accounts, want 1", len(accounts))
			}
			if accounts[0].Email != tt.wantEmail {
				t.Errorf("email = %q, want %q", accounts[0].Email, tt.wantEmail)
			}
			if accounts[0].ID == "" {
				t.Error("every parsed account must have an ID")
			}
		})
	}
}

func TestParseAccounts_Import(t *testing.T) {
	content := `{"accounts":[{"email":"js@example.com","refreshToken":"rt-1","projectId":"js-proj","addedAt":"2025-01-02T03:04:05Z"}]}`

	accounts, err := parseAccounts([]byte(content))
	if err != nil {
		t.Fatalf("parseAccounts() failed: %v", err)
	}

	acc := accounts[0]
	if acc.Token.RefreshToken != "rt-1" {
		t.Errorf("refresh token = %q, want rt-1", acc.Token.RefreshToken)
	}
	if acc.Token.AccessToken != "" {
		t.Error("imported accounts must start without an access token")
	}
	if acc.ProjectID != "js-proj" {
		t.Errorf("project = %q, want js-proj", acc.ProjectID)
	}
	if acc.ID != accountID("js@example.com") {
		t.Error("imported ID must be stable for the email")
	}
	if acc.AddedAt.Year() != 2025 {
		t.Errorf("addedAt = %v", acc.AddedAt)
	}
}

func TestEvents(t *testing.T) {
	svc, _ := newTestService(t)

	select {
	case event := <-svc.Events():
		if event.Type != EventAccountsLoaded {
			t.Errorf("first event type = %v, want EventAccountsLoaded", event.Type)
		}
	case <-time.After(100 * time.Millisecond):
		t.Fatal("timeout waiting for initial EventAccountsLoaded")
	}

	if err := svc.Save(models.Account{Email: "test@example.com"}); err != nil {
		t.Fatalf("Save() failed: %v", err)
	}

	select {
	case event := <-svc.Events():
		if event.Type != EventAccountSaved {
			t.Errorf("event type = %v, want EventAccountSaved", event.Type)
		}
		if event.Account == nil || event.Account.Email != "test@example.com" {
			t.Errorf("event account = %+v", event.Account)
		}
	case <-time.After(100 * time.Millisecond):
		t.Fatal("timeout waiting for EventAccountSaved")
	}
}

func TestSendEvent_Full(t *testing.T) {
	svc, _ := newTestService(t)

	for i := 0; i < 110; i++ {
		svc.sendEvent(Event{Type: EventAccountsChanged})
	}

	if len(svc.Events()) != 100 {
		t.Errorf("expected 100 events, got %d", len(svc.Events()))
	}
}

// waitForEvent returns the first event of the given type, failing after
// timeout.
func waitForEvent(t *testing.T, svc *Service, want EventType, timeout time.Duration) Event {
	t.Helper()
	deadline := time.After(timeout)
	for {
		select {
		case event := <-svc.Events():
			if event.Type == want {
				return event
			}
		case <-deadline:
			t.Fatalf("timeout waiting for event %v", want)
			return Event{}
		}
	}
}

func TestWatchFileChange(t *testing.T) {
	svc, accountsPath := newTestService(t)
	if err := svc.Save(models.Account{ID: "watched-1", Email: "watched@example.com"}); err != nil {
		t.Fatalf("Save() failed: %v", err)
	}
	if err := svc.Save(models.Account{ID: "gone-1", Email: "gone@example.com"}); err != nil {
		t.Fatalf("Save() failed: %v", err)
	}

	content := []byte(`{"version":2,"accounts":[{"id":"watched-1","email":"watched@example.com","disabled":true,"proxyUrl":"http://127.0.0.1:3128"}]}`)
	if err := os.WriteFile(accountsPath, content, 0600); err != nil {
		t.Fatalf("WriteFile() failed: %v", err)
	}

	event := waitForEvent(t, svc, EventAccountsChanged, 2*time.Second)

	got, err := svc.Get("watched-1")
	if err != nil {
		t.Fatalf("Get() after reload failed: %v", err)
	}
	if !got.Disabled {
		t.Error("reloaded account should be disabled")
	}
	if len(event.ProxyChanged) != 2 {
		t.Errorf("ProxyChanged = %v, want watched-1 and gone-1", event.ProxyChanged)
	}
}

func TestWatchIgnoresOwnWrites(t *testing.T) {
	svc, _ := newTestService(t)

	for i := range 3 {
		if err := svc.Save(models.Account{ID: "own-1", Email: "own@example.com", Token: models.Token{AccessToken: fmt.Sprint(i)}}); err != nil {
			t.Fatalf("Save() failed: %v", err)
		}
	}

	deadline := time.After(500 * time.Millisecond)
	for {
		select {
		case event := <-svc.Events():
			if event.Type == EventAccountsChanged {
				t.Fatal("own write was reported as an external change")
			}
			if event.Type == EventAccountSaved && len(event.ProxyChanged) != 0 {
				t.Errorf("token-only save reported proxy change: %v", event.ProxyChanged)
			}
		case <-deadline:
			return
		}
	}
}

func TestSave_ProxyChange(t *testing.T) {
	svc, _ := newTestService(t)
	if err := svc.Save(models.Account{ID: "p-1", Email: "p@example.com"}); err != nil {
		t.Fatalf("Save() failed: %v", err)
	}
	waitForEvent(t, svc, EventAccountSaved, time.Second)

	if err := svc.Save(models.Account{ID: "p-1", Email: "p@example.com", ProxyURL: "socks5://127.0.0.1:1080"}); err != nil {
		t.Fatalf("Save() failed: %v", err)
	}
	event := waitForEvent(t, svc, EventAccountSaved, time.Second)
	if len(event.ProxyChanged) != 1 || event.ProxyChanged[0] != "p-1" {
		t.Errorf("ProxyChanged = %v, want [p-1]", event.ProxyChanged)
	}
}

func TestUpdate(t *testing.T) {
	svc, _ := newTestService(t)
	if err := svc.Save(models.Account{ID: "u-1", Email: "u@example.com", Token: models.Token{RefreshToken: "rt", AccessToken: "old"}}); err != nil {
		t.Fatalf("Save() failed: %v", err)
	}

	// Two writers touching different fields both survive.
	if _, err := svc.Update("u-1", func(a *models.Account) { a.Token.AccessToken = "rotated" }); err != nil {
		t.Fatalf("Update(token) failed: %v", err)
	}
	got, err := svc.Update("u-1", func(a *models.Account) {
		a.ProjectID = "p1"
		a.ID = "ignored"
	})
	if err != nil {
		t.Fatalf("Update(project) failed: %v", err)
	}
	if got.ID != "u-1" || got.ProjectID != "p1" || got.Token.AccessToken != "rotated" {
		t.Errorf("Update() = %+v", got)
	}

	stored, _ := svc.Get("u-1")
	if stored.Token.AccessToken != "rotated" || stored.ProjectID != "p1" {
		t.Errorf("stored = %+v, want both updates", stored)
	}

	if _, err := svc.Update("missing", func(*models.Account) {}); !errors.Is(err, ErrNotFound) {
		t.Errorf("Update(missing) error = %v, want ErrNotFound", err)
	}
}

func TestClose_Idempotent(t *testing.T) {
	svc, _ := newTestService(t)

	if err := svc.Close(); err != nil {
		t.Fatalf("Close() failed: %v", err)
	}
	if err := svc.Close(); err != nil {
		t.Errorf("second Close() failed: %v", err)
	}
}

func TestImport_Merges(t *testing.T) {
	svc, path := newTestService(t)

	if err := svc.Save(models.Account{
		Email:    "keep@example.com",
		ProxyURL: "socks5://127.0.0.1:1080",
		Token:    models.Token{RefreshToken: "old", AccessToken: "at"},
	}); err != nil {
		t.Fatalf("Save() failed: %v", err)
	}

	data := `{"accounts":[
		{"email":"KEEP@example.com","refreshToken":"new","projectId":"p1"},
		{"email":"fresh@example.com","refreshToken":"rt"}
	]}`
	n, err := svc.Import([]byte(data))
	if err != nil {
		t.Fatalf("Import() failed: %v", err)
	}
	if n != 2 || svc.Count() != 2 {
		t.Fatalf("Import() = %d, Count() = %d; want 2, 2", n, svc.Count())
	}

	kept, err := svc.GetByEmail("keep@example.com")
	if err != nil {
		t.Fatalf("GetByEmail() failed: %v", err)
	}
	if kept.Token.RefreshToken != "new" || kept.ProxyURL == "" || kept.ProjectID != "p1" {
		t.Errorf("merged account = %+v", kept)
	}

	raw, err := os.ReadFile(path)
	if err != nil {
		t.Fatalf("ReadFile() failed: %v", err)
	}
	var f File
	if err := json.Unmarshal(raw, &f); err != nil || len(f.Accounts) != 2 {
		t.Errorf("persisted file has %d accounts, err %v", len(f.Accounts), err)
	}
}

func TestImport_Invalid(t *testing.T) {
	svc, _ := newTestService(t)
	if _, err := svc.Import([]byte("nope")); !errors.Is(err, ErrStorage) {
		t.Errorf("Import() error = %v, want ErrStorage", err)
	}
}
